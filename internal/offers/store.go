// Package offers caches inbound WebRTC offers keyed by peer until the
// local user accepts or rejects the call.
package offers

import (
	"sync"

	"github.com/petervdpas/multichat/internal/proto"
)

// Store maps a peer identity to its outstanding offer. No TTL: a newer
// offer from the same peer silently replaces a stale one (last-offer-wins).
type Store struct {
	mu      sync.Mutex
	pending map[string]proto.SessionDesc
}

// NewStore creates an empty pending-offer store.
func NewStore() *Store {
	return &Store{pending: make(map[string]proto.SessionDesc)}
}

// Put records the outstanding offer for peer, replacing any previous one.
func (s *Store) Put(peer string, offer proto.SessionDesc) {
	s.mu.Lock()
	s.pending[peer] = offer
	s.mu.Unlock()
}

// Get returns the outstanding offer for peer without consuming it.
func (s *Store) Get(peer string) (proto.SessionDesc, bool) {
	s.mu.Lock()
	offer, ok := s.pending[peer]
	s.mu.Unlock()
	return offer, ok
}

// Take removes and returns the outstanding offer for peer. Only the accept
// path consumes entries this way.
func (s *Store) Take(peer string) (proto.SessionDesc, bool) {
	s.mu.Lock()
	offer, ok := s.pending[peer]
	if ok {
		delete(s.pending, peer)
	}
	s.mu.Unlock()
	return offer, ok
}

// Drop discards the outstanding offer for peer, if any.
func (s *Store) Drop(peer string) {
	s.mu.Lock()
	delete(s.pending, peer)
	s.mu.Unlock()
}

// Clear discards all outstanding offers.
func (s *Store) Clear() {
	s.mu.Lock()
	s.pending = make(map[string]proto.SessionDesc)
	s.mu.Unlock()
}
