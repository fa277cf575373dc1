// Package history owns the per-conversation message log. Every inbound
// path — RPC push, signaling push and the HTTP poll loop — routes through
// the same insertion contract, so ordering and deduplication are
// transport-independent.
package history

import (
	"sync"
	"time"

	"github.com/petervdpas/multichat/internal/proto"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("history")

// Message is one entry in a conversation log. Append-only; never mutated
// after insertion. Key is the conversation it belongs to.
type Message struct {
	Key       string
	From      string
	Content   proto.Content
	IsSent    bool
	Timestamp time.Time
}

// Cache maps conversation keys (user_<peer>, group_<name>) to ordered
// message logs. Duplicate (from, content) pairs arriving over different
// transports collapse to one entry; timestamps are informational only and
// take no part in the equality key.
type Cache struct {
	mu   sync.RWMutex
	logs map[string][]Message

	listenerMu sync.RWMutex
	listeners  map[chan Message]struct{}
	taps       map[int]func(Message)
	nextTap    int
}

// NewCache creates an empty message cache.
func NewCache() *Cache {
	return &Cache{
		logs:      make(map[string][]Message),
		listeners: make(map[chan Message]struct{}),
		taps:      make(map[int]func(Message)),
	}
}

// Insert appends a message to key unless an entry with the same
// (from, content) pair already exists there. Returns true when the message
// was new. The linear scan is fine at chat scale.
func (c *Cache) Insert(key, from, content string, isSent bool, ts time.Time) bool {
	c.mu.Lock()
	for _, m := range c.logs[key] {
		if m.From == from && m.Content.Raw == content {
			c.mu.Unlock()
			log.Debugf("duplicate dropped: key=%s from=%s", key, from)
			return false
		}
	}
	msg := Message{
		Key:       key,
		From:      from,
		Content:   proto.ClassifyContent(content),
		IsSent:    isSent,
		Timestamp: ts,
	}
	c.logs[key] = append(c.logs[key], msg)
	c.mu.Unlock()

	c.notify(msg)
	return true
}

// Snapshot returns a copy of the log for key, oldest first.
func (c *Cache) Snapshot(key string) []Message {
	c.mu.RLock()
	out := make([]Message, len(c.logs[key]))
	copy(out, c.logs[key])
	c.mu.RUnlock()
	return out
}

// Len returns the number of entries stored under key.
func (c *Cache) Len(key string) int {
	c.mu.RLock()
	n := len(c.logs[key])
	c.mu.RUnlock()
	return n
}

// Keys returns all conversation keys with at least one entry.
func (c *Cache) Keys() []string {
	c.mu.RLock()
	out := make([]string, 0, len(c.logs))
	for k := range c.logs {
		out = append(out, k)
	}
	c.mu.RUnlock()
	return out
}

// Clear drops the whole log for key. Wholesale only — individual entries
// are never removed.
func (c *Cache) Clear(key string) {
	c.mu.Lock()
	delete(c.logs, key)
	c.mu.Unlock()
}

// Subscribe returns a channel receiving every newly inserted message.
func (c *Cache) Subscribe() (ch chan Message, cancel func()) {
	ch = make(chan Message, 64)

	c.listenerMu.Lock()
	c.listeners[ch] = struct{}{}
	c.listenerMu.Unlock()

	cancel = func() {
		c.listenerMu.Lock()
		if _, ok := c.listeners[ch]; ok {
			delete(c.listeners, ch)
			close(ch)
		}
		c.listenerMu.Unlock()
	}
	return ch, cancel
}

// Tap registers fn as a synchronous observer of every new insert. Unlike
// Subscribe, delivery never drops: fn runs inline on the inserting
// goroutine, so it must be quick. Meant for persistence mirrors that cannot
// afford to miss an entry.
func (c *Cache) Tap(fn func(Message)) (cancel func()) {
	c.listenerMu.Lock()
	id := c.nextTap
	c.nextTap++
	c.taps[id] = fn
	c.listenerMu.Unlock()

	return func() {
		c.listenerMu.Lock()
		delete(c.taps, id)
		c.listenerMu.Unlock()
	}
}

func (c *Cache) notify(msg Message) {
	c.listenerMu.RLock()
	for _, fn := range c.taps {
		fn(msg)
	}
	for ch := range c.listeners {
		select {
		case ch <- msg:
		default:
		}
	}
	c.listenerMu.RUnlock()
}
