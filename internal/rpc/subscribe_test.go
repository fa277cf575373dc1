package rpc

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestSubscribeConsumesEventStream(t *testing.T) {
	var subscribed atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/rpc/subscribe":
			subscribed.Store(true)
			w.Write([]byte(`{}`))
		case "/events/alice":
			w.Header().Set("Content-Type", "text/event-stream")
			fl := w.(http.Flusher)
			fmt.Fprintf(w, "data: {\"kind\":\"message\",\"from\":\"bob\",\"content\":\"hi\"}\n\n")
			fmt.Fprintf(w, ": keepalive comment\n\n")
			fmt.Fprintf(w, "data: {\"kind\":\"call_started\",\"caller\":\"bob\",\"callee\":\"alice\",\"callId\":\"c-1\"}\n\n")
			fl.Flush()
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "alice")
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	events, err := c.Subscribe(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if !subscribed.Load() {
		t.Fatal("subscribe RPC never ran")
	}

	first := <-events
	if first.Kind != PushMessage || first.From != "bob" || first.Content != "hi" {
		t.Fatalf("got %+v", first)
	}
	second := <-events
	if second.Kind != PushCallStarted || second.CallID != "c-1" {
		t.Fatalf("got %+v", second)
	}

	// Stream end closes the channel.
	select {
	case _, ok := <-events:
		if ok {
			t.Fatal("unexpected extra event")
		}
	case <-ctx.Done():
		t.Fatal("channel never closed")
	}
}

func TestSubscribeFailsWhenRegistrationExhausted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "alice")
	if _, err := c.Subscribe(context.Background(), "alice"); err == nil {
		t.Fatal("expected failure")
	}
}
