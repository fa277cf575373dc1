// Package session owns the call lifecycle: how a call is offered,
// accepted, rejected or torn down, and how signaling and connection-state
// events move the single active session through its states.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/petervdpas/multichat/internal/history"
	"github.com/petervdpas/multichat/internal/offers"
	"github.com/petervdpas/multichat/internal/proto"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("session")

// ErrCallInProgress rejects a start attempt while a call is active. The
// existing session is not mutated.
var ErrCallInProgress = errors.New("a call is already in progress")

// ErrNoIncomingCall rejects accept/reject without a ringing call.
var ErrNoIncomingCall = errors.New("no incoming call to answer")

// ErrCannotEstablish is the user-visible negotiation-failure outcome.
var ErrCannotEstablish = errors.New("cannot establish call")

// LinkState is the negotiation layer's view of the media connection.
type LinkState int

const (
	// LinkUp: the peer connection reported connected.
	LinkUp LinkState = iota
	// LinkDown: terminal state (failed, disconnected or closed); runs the
	// same cleanup as an explicit hangup.
	LinkDown
)

// Negotiator is the per-call negotiation surface the machine drives.
type Negotiator interface {
	CreateOffer() (proto.SessionDesc, error)
	Accept(offer proto.SessionDesc) (proto.SessionDesc, error)
	ApplyAnswer(answer proto.SessionDesc) error
	AddRemoteCandidate(payload string) error
	Close()
}

// NegotiatorFactory builds a fresh negotiator for a call with peer. The
// factory wires the machine's link-state handler into the peer connection.
type NegotiatorFactory func(peer string, onLink func(LinkState)) (Negotiator, error)

// Registry is the middleware's call bookkeeping, reached through the
// multi-transport invoker. Failures here are degraded, not fatal — the
// signaling path may still carry the call.
type Registry interface {
	StartCall(ctx context.Context, caller, callee string) (callID string, err error)
	EndCall(ctx context.Context, callID string) error
	// SendFallback delivers a call-control payload as an ordinary message,
	// the redundant copy that rides the RPC channel.
	SendFallback(ctx context.Context, peer, content string) error
}

// SignalFunc sends one frame on the signaling channel; false means the
// transport is unavailable.
type SignalFunc func(target string, kind proto.SignalKind, payload string) bool

// Machine is the call session state machine. One per logged-in identity.
type Machine struct {
	self     string
	send     SignalFunc
	registry Registry
	offers   *offers.Store
	cache    *history.Cache
	factory  NegotiatorFactory
	now      func() time.Time

	mu   sync.Mutex
	call *Call

	listenerMu sync.RWMutex
	listeners  map[chan Event]struct{}
}

// NewMachine wires the state machine to its collaborators.
func NewMachine(self string, send SignalFunc, registry Registry, store *offers.Store, cache *history.Cache, factory NegotiatorFactory) *Machine {
	return &Machine{
		self:      self,
		send:      send,
		registry:  registry,
		offers:    store,
		cache:     cache,
		factory:   factory,
		now:       time.Now,
		listeners: make(map[chan Event]struct{}),
	}
}

// State returns the current lifecycle position.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.call == nil {
		return Idle
	}
	return m.call.State
}

// Current returns a copy of the active call, if any.
func (m *Machine) Current() (Call, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.call == nil {
		return Call{}, false
	}
	return *m.call, true
}

// Subscribe returns a channel receiving machine events.
func (m *Machine) Subscribe() (ch chan Event, cancel func()) {
	ch = make(chan Event, 16)

	m.listenerMu.Lock()
	m.listeners[ch] = struct{}{}
	m.listenerMu.Unlock()

	cancel = func() {
		m.listenerMu.Lock()
		if _, ok := m.listeners[ch]; ok {
			delete(m.listeners, ch)
			close(ch)
		}
		m.listenerMu.Unlock()
	}
	return ch, cancel
}

func (m *Machine) emit(evt Event) {
	m.listenerMu.RLock()
	for ch := range m.listeners {
		select {
		case ch <- evt:
		default:
		}
	}
	m.listenerMu.RUnlock()
}

// StartCall initiates an outbound call. Rejected at this boundary — never
// queued — while another call is active.
func (m *Machine) StartCall(ctx context.Context, peer string) error {
	m.mu.Lock()
	if m.call != nil {
		m.mu.Unlock()
		return ErrCallInProgress
	}
	// Reserve the slot before any slow work so a concurrent start is
	// rejected rather than raced.
	call := &Call{
		RemoteUser: peer,
		CallID:     proto.NewCallID(peer, m.self),
		Role:       Caller,
		State:      Calling,
		StartedAt:  m.now(),
	}
	m.call = call
	m.mu.Unlock()

	neg, err := m.factory(peer, m.linkHandler(peer))
	if err != nil {
		m.abandon(call)
		return fmt.Errorf("%w: %v", ErrCannotEstablish, err)
	}
	offer, err := neg.CreateOffer()
	if err != nil {
		neg.Close()
		m.abandon(call)
		return fmt.Errorf("%w: %v", ErrCannotEstablish, err)
	}

	m.mu.Lock()
	if m.call != call {
		// A remote CALL_END or link failure tore the slot down while the
		// offer was being prepared; the negotiator has no call to serve.
		m.mu.Unlock()
		neg.Close()
		return fmt.Errorf("%w: call ended before negotiation began", ErrCannotEstablish)
	}
	call.neg = neg
	m.mu.Unlock()

	payload, _ := json.Marshal(proto.CallRequestPayload{
		Type:  string(proto.SignalCallRequest),
		Offer: &offer,
	})
	sent := m.send(peer, proto.SignalCallRequest, string(payload))

	// Register with the middleware; a remote-issued call id is
	// authoritative over the locally generated one.
	remoteID, regErr := m.registry.StartCall(ctx, m.self, peer)
	if regErr != nil {
		log.Warnf("startCall registration failed (relying on signaling): %v", regErr)
	} else if remoteID != "" {
		m.mu.Lock()
		if m.call == call {
			call.CallID = remoteID
		}
		m.mu.Unlock()
	}

	if !sent && regErr != nil {
		// Every transport refused the attempt: no partial state retained.
		neg.Close()
		m.abandon(call)
		return fmt.Errorf("start call to %s: %w", peer, regErr)
	}

	log.Infof("calling %s (call %s)", peer, call.CallID)
	return nil
}

// abandon clears a reserved call slot that never got off the ground.
func (m *Machine) abandon(call *Call) {
	m.mu.Lock()
	if m.call == call {
		m.call = nil
	}
	m.mu.Unlock()
}

// Accept answers the ringing incoming call, consuming its cached offer.
func (m *Machine) Accept(ctx context.Context) error {
	m.mu.Lock()
	call := m.call
	if call == nil || call.State != RingingIncoming {
		m.mu.Unlock()
		return ErrNoIncomingCall
	}
	peer := call.RemoteUser
	m.mu.Unlock()

	offer, ok := m.offers.Take(peer)
	if !ok {
		return fmt.Errorf("%w: no cached offer from %s", ErrCannotEstablish, peer)
	}

	neg, err := m.factory(peer, m.linkHandler(peer))
	if err != nil {
		m.finish(EndFailed, false)
		return fmt.Errorf("%w: %v", ErrCannotEstablish, err)
	}
	answer, err := neg.Accept(offer)
	if err != nil {
		neg.Close()
		m.finish(EndFailed, false)
		return fmt.Errorf("%w: %v", ErrCannotEstablish, err)
	}

	m.mu.Lock()
	call.neg = neg
	call.State = Negotiating
	m.mu.Unlock()

	answerJSON, _ := json.Marshal(answer)
	m.send(peer, proto.SignalCallAccept, string(answerJSON))
	m.send(peer, proto.SignalAnswer, string(answerJSON))

	// Redundant accept notification over the RPC channel.
	accept, _ := json.Marshal(map[string]string{
		"type": string(proto.SignalCallAccept), "from": m.self, "callId": call.CallID,
	})
	if err := m.registry.SendFallback(ctx, peer, string(accept)); err != nil {
		log.Warnf("accept fallback notification failed: %v", err)
	}

	log.Infof("accepted call from %s", peer)
	return nil
}

// Reject declines the ringing incoming call and drops its cached offer.
func (m *Machine) Reject(ctx context.Context) error {
	m.mu.Lock()
	call := m.call
	if call == nil || call.State != RingingIncoming {
		m.mu.Unlock()
		return ErrNoIncomingCall
	}
	peer := call.RemoteUser
	m.mu.Unlock()

	m.offers.Drop(peer)
	m.send(peer, proto.SignalCallReject, "{}")
	m.finish(EndRejected, false)
	return nil
}

// Hangup ends the active call locally, notifying the remote side.
func (m *Machine) Hangup(ctx context.Context) {
	m.mu.Lock()
	call := m.call
	m.mu.Unlock()
	if call == nil {
		return
	}

	m.mu.Lock()
	if call.State == Connected {
		call.State = Ending
	}
	callID := call.CallID
	m.mu.Unlock()

	m.finish(m.endReason(call), true)

	if err := m.registry.EndCall(ctx, callID); err != nil {
		log.Warnf("endCall registration failed: %v", err)
	}
}

func (m *Machine) endReason(call *Call) EndReason {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !call.ConnectedAt.IsZero() {
		return EndCompleted
	}
	return EndCancelled
}

// HandleSignal routes one inbound signaling frame into the state machine.
func (m *Machine) HandleSignal(sig *proto.Signal) {
	switch sig.Kind {
	case proto.SignalCallRequest, proto.SignalOffer:
		m.handleCallRequest(sig.Peer, sig.Payload, "")
	case proto.SignalCallAccept, proto.SignalAnswer:
		m.handleAnswer(sig.Peer, sig.Payload)
	case proto.SignalICECandidate:
		m.handleCandidate(sig.Peer, sig.Payload)
	case proto.SignalCallReject:
		m.handleReject(sig.Peer)
	case proto.SignalCallEnd:
		m.handleRemoteEnd(sig.Peer)
	}
}

// HandleIncomingCall routes the server-pushed INCOMING_CALL notification,
// which bypasses full negotiation. It is surfaced only when a negotiable
// offer is already cached for the caller; otherwise the machine waits for
// the follow-up frame that carries one.
func (m *Machine) HandleIncomingCall(note *proto.IncomingCall) {
	m.handleCallRequest(note.Caller, "", note.CallID)
}

func (m *Machine) handleCallRequest(sender, payload, remoteCallID string) {
	var offer *proto.SessionDesc
	if payload != "" {
		var req proto.CallRequestPayload
		if err := json.Unmarshal([]byte(payload), &req); err == nil {
			offer = req.Offer
			if req.CallID != "" {
				remoteCallID = req.CallID
			}
		} else {
			log.Debugf("call request from %s without parseable payload", sender)
		}
	}

	m.mu.Lock()
	call := m.call
	ringingSamePeer := call != nil && call.State == RingingIncoming && call.RemoteUser == sender
	busy := call != nil && !ringingSamePeer
	m.mu.Unlock()

	if busy {
		// Policy choice preserved from the source behaviour: a second
		// inbound call while engaged is ignored, not queued and not busy-
		// signaled.
		log.Infof("ignoring call request from %s: already in a call", sender)
		return
	}

	if offer != nil && offer.SDP != "" {
		// Last-offer-wins: a newer offer from the same peer replaces a
		// stale pending one.
		m.offers.Put(sender, *offer)
	}

	if ringingSamePeer {
		return // already surfaced; only the offer was refreshed
	}

	cached, ok := m.offers.Get(sender)
	if !ok || cached.SDP == "" {
		// No negotiable offer yet: nothing is surfaced until a follow-up
		// frame carries one.
		log.Debugf("call event from %s without negotiable offer; waiting", sender)
		return
	}

	callID := remoteCallID
	if callID == "" {
		callID = proto.NewCallID(sender, m.self)
	}

	m.mu.Lock()
	if m.call != nil {
		m.mu.Unlock()
		return
	}
	m.call = &Call{
		RemoteUser: sender,
		CallID:     callID,
		Role:       Callee,
		State:      RingingIncoming,
		StartedAt:  m.now(),
	}
	m.mu.Unlock()

	log.Infof("incoming call from %s (call %s)", sender, callID)
	m.emit(IncomingCallEvent{Caller: sender, CallID: callID})
}

func (m *Machine) handleAnswer(sender, payload string) {
	m.mu.Lock()
	call := m.call
	// A bare CALL_ACCEPT moves the call to Negotiating before the ANSWER
	// frame arrives, so both states take an answer until one is applied.
	valid := call != nil && call.RemoteUser == sender && call.Role == Caller &&
		!call.answerApplied && (call.State == Calling || call.State == Negotiating)
	var neg Negotiator
	if valid {
		neg = call.neg
	}
	m.mu.Unlock()
	if !valid {
		log.Debugf("stray answer from %s dropped", sender)
		return
	}

	var answer proto.SessionDesc
	if err := json.Unmarshal([]byte(payload), &answer); err != nil || answer.SDP == "" {
		// A bare CALL_ACCEPT without an SDP: the ANSWER frame follows.
		m.mu.Lock()
		call.State = Negotiating
		m.mu.Unlock()
		return
	}

	if err := neg.ApplyAnswer(answer); err != nil {
		log.Errorf("apply answer from %s: %v", sender, err)
		m.finish(EndFailed, true)
		return
	}

	m.mu.Lock()
	call.answerApplied = true
	call.State = Negotiating
	m.mu.Unlock()
	log.Infof("answer from %s applied; negotiating", sender)
}

func (m *Machine) handleCandidate(sender, payload string) {
	m.mu.Lock()
	call := m.call
	var neg Negotiator
	if call != nil && call.RemoteUser == sender {
		neg = call.neg
	}
	m.mu.Unlock()
	if neg == nil {
		// Candidates can trickle in before negotiation is established;
		// without a session there is nothing to attach them to.
		log.Debugf("candidate from %s with no active negotiation", sender)
		return
	}
	if err := neg.AddRemoteCandidate(payload); err != nil {
		log.Warnf("candidate from %s: %v", sender, err)
	}
}

func (m *Machine) handleReject(sender string) {
	m.mu.Lock()
	valid := m.call != nil && m.call.State == Calling && m.call.RemoteUser == sender
	m.mu.Unlock()
	if !valid {
		return
	}
	m.offers.Drop(sender)
	m.emit(RejectedEvent{Peer: sender})
	m.finish(EndRejected, false)
}

func (m *Machine) handleRemoteEnd(sender string) {
	m.mu.Lock()
	call := m.call
	valid := call != nil && call.RemoteUser == sender
	m.mu.Unlock()
	if !valid {
		return
	}
	m.offers.Drop(sender)
	m.finish(m.endReason(call), false)
}

// linkHandler adapts connection-state transitions for the call with peer.
func (m *Machine) linkHandler(peer string) func(LinkState) {
	return func(state LinkState) {
		switch state {
		case LinkUp:
			m.mu.Lock()
			call := m.call
			if call == nil || call.RemoteUser != peer || call.State == Connected {
				m.mu.Unlock()
				return
			}
			call.State = Connected
			call.ConnectedAt = m.now()
			m.mu.Unlock()
			log.Infof("call with %s connected", peer)
			m.emit(ConnectedEvent{Peer: peer})
		case LinkDown:
			m.mu.Lock()
			call := m.call
			ok := call != nil && call.RemoteUser == peer
			m.mu.Unlock()
			if !ok {
				return
			}
			// Terminal transport state: same cleanup as an explicit hangup.
			m.finish(m.endReason(call), false)
		}
	}
}

// finish is the single teardown path. Idempotent per session: the
// end-of-call log entry and EndedEvent are emitted at most once even when a
// local hangup races a remote CALL_END.
func (m *Machine) finish(reason EndReason, notifyRemote bool) {
	m.mu.Lock()
	call := m.call
	if call == nil || call.endLogged {
		m.mu.Unlock()
		return
	}
	call.endLogged = true
	call.State = Ended
	peer := call.RemoteUser
	callID := call.CallID
	neg := call.neg
	duration := call.Duration(m.now())
	m.call = nil // Ended immediately resets to Idle
	m.mu.Unlock()

	if notifyRemote {
		m.send(peer, proto.SignalCallEnd, "")
	}
	if neg != nil {
		neg.Close()
	}

	entry := proto.NewCallLogContent(string(reason), duration.Milliseconds())
	m.cache.Insert(proto.UserKey(peer), m.self, entry, true, m.now())

	log.Infof("call %s ended: %s (%s)", callID, reason, duration)
	m.emit(EndedEvent{Peer: peer, CallID: callID, Reason: reason, Duration: duration})
}
