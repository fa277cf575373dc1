package invoke

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func step(name string, calls *[]string, err error) Strategy {
	return Strategy{Name: name, Call: func(context.Context) error {
		*calls = append(*calls, name)
		return err
	}}
}

func TestFirstSuccessShortCircuits(t *testing.T) {
	var calls []string
	err := Run(context.Background(), "sendMessage", []Strategy{
		step("a", &calls, nil),
		step("b", &calls, errors.New("never reached")),
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(calls) != 1 || calls[0] != "a" {
		t.Fatalf("calls: %v", calls)
	}
}

func TestFallsThroughFailures(t *testing.T) {
	var calls []string
	err := Run(context.Background(), "sendMessage", []Strategy{
		step("a", &calls, errors.New("a down")),
		step("b", &calls, errors.New("b down")),
		step("c", &calls, nil),
	})
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"a", "b", "c"}
	if len(calls) != len(want) {
		t.Fatalf("calls: %v", calls)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Fatalf("order: %v", calls)
		}
	}
}

func TestExhaustionWrapsLastError(t *testing.T) {
	var calls []string
	last := errors.New("c down")
	err := Run(context.Background(), "startCall", []Strategy{
		step("a", &calls, errors.New("a down")),
		step("b", &calls, errors.New("b down")),
		step("c", &calls, last),
	})
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
	// Exactly one error surfaces, carrying the last failure's text.
	if !strings.Contains(err.Error(), "c down") {
		t.Fatalf("last error not carried: %v", err)
	}
}

// A strategy whose named path already failed earlier in the list is skipped,
// so a list ending with a repeat of step one makes exactly one fewer attempt.
func TestRepeatedNameSkippedAfterFailure(t *testing.T) {
	var calls []string
	err := Run(context.Background(), "endCall", []Strategy{
		step("query-proxy", &calls, errors.New("down")),
		step("call-context", &calls, errors.New("down")),
		step("implicit-context", &calls, errors.New("down")),
		step("plain-proxy", &calls, errors.New("down")),
		step("query-proxy", &calls, errors.New("down")),
	})
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
	if len(calls) != 4 {
		t.Fatalf("expected 4 attempts, got %d: %v", len(calls), calls)
	}
}

func TestEmptyListIsExhaustion(t *testing.T) {
	err := Run(context.Background(), "noop", nil)
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
}
