package proto

import (
	"strings"
	"testing"
)

func TestParseFrameSignal(t *testing.T) {
	frame, err := ParseFrame("SIGNAL|alice|CALL_REQUEST|{\"type\":\"CALL_REQUEST\"}")
	if err != nil {
		t.Fatal(err)
	}
	sig := frame.Signal
	if sig == nil {
		t.Fatal("expected a signal frame")
	}
	if sig.Peer != "alice" || sig.Kind != SignalCallRequest {
		t.Fatalf("got peer=%s kind=%s", sig.Peer, sig.Kind)
	}
	if sig.Payload != `{"type":"CALL_REQUEST"}` {
		t.Fatalf("payload mangled: %q", sig.Payload)
	}
}

func TestParseFramePayloadKeepsPipes(t *testing.T) {
	frame, err := ParseFrame("SIGNAL|bob|MSG|hello|world|again")
	if err != nil {
		t.Fatal(err)
	}
	if got := frame.Signal.Payload; got != "hello|world|again" {
		t.Fatalf("payload split too eagerly: %q", got)
	}
}

func TestParseFrameIncomingCall(t *testing.T) {
	frame, err := ParseFrame("INCOMING_CALL|carol|carol_dave_123")
	if err != nil {
		t.Fatal(err)
	}
	ic := frame.IncomingCall
	if ic == nil || ic.Caller != "carol" || ic.CallID != "carol_dave_123" {
		t.Fatalf("got %+v", ic)
	}
}

func TestParseFrameError(t *testing.T) {
	frame, err := ParseFrame("ERROR|user not connected")
	if err != nil {
		t.Fatal(err)
	}
	if frame.ServerError == nil || frame.ServerError.Detail != "user not connected" {
		t.Fatalf("got %+v", frame.ServerError)
	}
}

func TestParseFrameRejectsGarbage(t *testing.T) {
	for _, raw := range []string{"", "PING", "SIGNAL|alice", "INCOMING_CALL|x"} {
		if _, err := ParseFrame(raw); err == nil {
			t.Errorf("expected error for %q", raw)
		}
	}
}

func TestEncodeSignalRoundTrip(t *testing.T) {
	raw := EncodeSignal("dave", SignalAnswer, `{"sdp":"v=0"}`)
	frame, err := ParseFrame(raw)
	if err != nil {
		t.Fatal(err)
	}
	sig := frame.Signal
	if sig.Peer != "dave" || sig.Kind != SignalAnswer || sig.Payload != `{"sdp":"v=0"}` {
		t.Fatalf("round trip lost data: %+v", sig)
	}
}

func TestEncodeStreamFrames(t *testing.T) {
	if got := EncodeStartStream("erin"); got != "START_STREAM|erin|format=pcm" {
		t.Fatalf("got %q", got)
	}
	if got := EncodeStopStream(); got != "STOP_STREAM" {
		t.Fatalf("got %q", got)
	}
}

func TestParsePollRecord(t *testing.T) {
	rec, ok := ParsePollRecord("MSG|alice|hello there")
	if !ok {
		t.Fatal("expected a record")
	}
	if rec.Key != "user_alice" || rec.From != "alice" || rec.Content != "hello there" {
		t.Fatalf("got %+v", rec)
	}

	rec, ok = ParsePollRecord("GROUP|devs|bob|standup in 5")
	if !ok {
		t.Fatal("expected a record")
	}
	if rec.Key != "group_devs" || rec.From != "bob" || rec.Content != "standup in 5" {
		t.Fatalf("got %+v", rec)
	}
}

func TestParsePollRecordContentWithPipes(t *testing.T) {
	rec, ok := ParsePollRecord(`MSG|alice|{"type":"file"}|extra|bits`)
	if !ok {
		t.Fatal("expected a record")
	}
	if rec.Content != `{"type":"file"}|extra|bits` {
		t.Fatalf("content truncated: %q", rec.Content)
	}
}

func TestParsePollRecordRejects(t *testing.T) {
	for _, line := range []string{"", "\r\n", "MSG|alice", "GROUP|devs|bob", "JUNK|a|b|c"} {
		if _, ok := ParsePollRecord(line); ok {
			t.Errorf("accepted %q", line)
		}
	}
}

func TestNewCallID(t *testing.T) {
	id := NewCallID("bob", "alice")
	if !strings.HasPrefix(id, "bob_alice_") {
		t.Fatalf("unexpected shape: %q", id)
	}
}
