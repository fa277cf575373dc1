package history

import (
	"fmt"
	"testing"
	"time"

	"github.com/petervdpas/multichat/internal/proto"
)

func TestInsertAndSnapshot(t *testing.T) {
	c := NewCache()
	key := proto.UserKey("bob")

	if !c.Insert(key, "bob", "hi", false, time.Now()) {
		t.Fatal("first insert should be new")
	}
	if !c.Insert(key, "alice", "hi", true, time.Now()) {
		t.Fatal("same content from another sender is a distinct message")
	}

	log := c.Snapshot(key)
	if len(log) != 2 {
		t.Fatalf("got %d entries", len(log))
	}
	if log[0].From != "bob" || log[1].From != "alice" {
		t.Fatalf("order lost: %s then %s", log[0].From, log[1].From)
	}
	if log[0].Key != key {
		t.Fatalf("key not recorded: %q", log[0].Key)
	}
}

// The same message arriving over push, signaling and the poll loop must
// collapse to a single entry regardless of arrival order or timestamps.
func TestMultiTransportDedup(t *testing.T) {
	c := NewCache()
	key := proto.UserKey("bob")

	if !c.Insert(key, "bob", "hello", false, time.Unix(100, 0)) {
		t.Fatal("first copy should land")
	}
	for i := 0; i < 3; i++ {
		if c.Insert(key, "bob", "hello", false, time.Unix(int64(200+i), 0)) {
			t.Fatal("duplicate copy was not absorbed")
		}
	}
	if n := c.Len(key); n != 1 {
		t.Fatalf("expected 1 entry, got %d", n)
	}
}

func TestDedupIsPerConversation(t *testing.T) {
	c := NewCache()
	if !c.Insert(proto.UserKey("bob"), "bob", "hello", false, time.Now()) {
		t.Fatal("direct copy should land")
	}
	if !c.Insert(proto.GroupKey("devs"), "bob", "hello", false, time.Now()) {
		t.Fatal("same pair under another conversation is distinct")
	}
}

func TestInsertClassifiesOnce(t *testing.T) {
	c := NewCache()
	key := proto.UserKey("bob")
	c.Insert(key, "bob", `{"type":"audio","data":"UklGRg=="}`, false, time.Now())

	log := c.Snapshot(key)
	if len(log) != 1 || log[0].Content.Kind != proto.ContentAudio {
		t.Fatalf("content not classified: %+v", log[0].Content)
	}
}

func TestClearAndKeys(t *testing.T) {
	c := NewCache()
	c.Insert(proto.UserKey("bob"), "bob", "a", false, time.Now())
	c.Insert(proto.GroupKey("devs"), "carol", "b", false, time.Now())

	if got := len(c.Keys()); got != 2 {
		t.Fatalf("got %d keys", got)
	}

	c.Clear(proto.UserKey("bob"))
	if c.Len(proto.UserKey("bob")) != 0 {
		t.Fatal("clear left entries behind")
	}
	if c.Len(proto.GroupKey("devs")) != 1 {
		t.Fatal("clear touched another conversation")
	}
}

func TestSubscribeDeliversNewMessagesOnly(t *testing.T) {
	c := NewCache()
	ch, cancel := c.Subscribe()
	defer cancel()

	c.Insert(proto.UserKey("bob"), "bob", "hi", false, time.Now())
	c.Insert(proto.UserKey("bob"), "bob", "hi", false, time.Now()) // duplicate

	select {
	case msg := <-ch:
		if msg.From != "bob" || msg.Content.Raw != "hi" {
			t.Fatalf("got %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("no notification")
	}

	select {
	case msg := <-ch:
		t.Fatalf("duplicate was notified: %+v", msg)
	default:
	}
}

// A tap must see every insert even when a burst outruns an undrained
// subscriber channel.
func TestTapSeesEveryInsert(t *testing.T) {
	c := NewCache()
	_, cancelSub := c.Subscribe() // never drained
	defer cancelSub()

	var tapped int
	cancel := c.Tap(func(Message) { tapped++ })

	const n = 200
	for i := 0; i < n; i++ {
		c.Insert(proto.UserKey("bob"), "bob", fmt.Sprintf("m-%d", i), false, time.Now())
	}
	if tapped != n {
		t.Fatalf("tap saw %d of %d inserts", tapped, n)
	}

	cancel()
	c.Insert(proto.UserKey("bob"), "bob", "after-cancel", false, time.Now())
	if tapped != n {
		t.Fatal("tap delivered after cancel")
	}
}

func TestTapSkipsDuplicates(t *testing.T) {
	c := NewCache()
	var tapped int
	cancel := c.Tap(func(Message) { tapped++ })
	defer cancel()

	c.Insert(proto.UserKey("bob"), "bob", "hi", false, time.Now())
	c.Insert(proto.UserKey("bob"), "bob", "hi", false, time.Now())
	if tapped != 1 {
		t.Fatalf("tap saw %d inserts", tapped)
	}
}
