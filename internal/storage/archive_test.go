package storage

import (
	"path/filepath"
	"testing"
	"time"
)

func openTestArchive(t *testing.T) *Archive {
	t.Helper()
	a, err := Open(filepath.Join(t.TempDir(), "data", "history.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func TestAppendAndLoad(t *testing.T) {
	a := openTestArchive(t)

	t0 := time.UnixMilli(1700000000000)
	if err := a.Append("user_bob", "bob", "hello", false, t0); err != nil {
		t.Fatal(err)
	}
	if err := a.Append("user_bob", "alice", "hi back", true, t0.Add(time.Second)); err != nil {
		t.Fatal(err)
	}

	entries, err := a.Load("user_bob")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries", len(entries))
	}
	if entries[0].From != "bob" || entries[1].From != "alice" {
		t.Fatalf("order: %s then %s", entries[0].From, entries[1].From)
	}
	if !entries[1].IsSent || entries[0].IsSent {
		t.Fatalf("is_sent lost: %+v", entries)
	}
	if !entries[0].Timestamp.Equal(t0) {
		t.Fatalf("timestamp %v", entries[0].Timestamp)
	}
}

// The cache's dedup contract holds at the persistence layer too: the same
// (conversation, sender, content) row is stored once.
func TestAppendIgnoresDuplicates(t *testing.T) {
	a := openTestArchive(t)

	for i := 0; i < 3; i++ {
		if err := a.Append("user_bob", "bob", "hello", false, time.Now()); err != nil {
			t.Fatal(err)
		}
	}
	entries, err := a.Load("user_bob")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d entries", len(entries))
	}
}

func TestSameContentAcrossConversations(t *testing.T) {
	a := openTestArchive(t)

	a.Append("user_bob", "bob", "hello", false, time.Now())
	a.Append("group_devs", "bob", "hello", false, time.Now())

	keys, err := a.Keys()
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 2 {
		t.Fatalf("keys: %v", keys)
	}
}

func TestClear(t *testing.T) {
	a := openTestArchive(t)

	a.Append("user_bob", "bob", "a", false, time.Now())
	a.Append("user_carol", "carol", "b", false, time.Now())

	if err := a.Clear("user_bob"); err != nil {
		t.Fatal(err)
	}
	entries, _ := a.Load("user_bob")
	if len(entries) != 0 {
		t.Fatal("clear left rows behind")
	}
	entries, _ = a.Load("user_carol")
	if len(entries) != 1 {
		t.Fatal("clear touched another conversation")
	}
}

func TestReopenSeesData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")

	a, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	a.Append("user_bob", "bob", "persisted", false, time.Now())
	a.Close()

	b, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	entries, err := b.Load("user_bob")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Content != "persisted" {
		t.Fatalf("got %+v", entries)
	}
}
