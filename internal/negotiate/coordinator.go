// Package negotiate drives WebRTC offer/answer/ICE-candidate exchange over
// the signaling channel and surfaces connection-state transitions to the
// call session machine. It wraps the Pion peer connection; nothing outside
// this package touches SDP or candidates.
package negotiate

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/multichat/internal/proto"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("negotiate")

// ErrNoRemoteDescription is returned by ApplyAnswer before an offer was
// created.
var ErrNoRemoteDescription = errors.New("no local offer to answer")

// SignalFunc sends one negotiation frame to the remote peer. The bool
// follows the transport contract: false means unavailable, not fatal.
type SignalFunc func(kind proto.SignalKind, payload string) bool

// StateFunc receives peer-connection state transitions.
type StateFunc func(webrtc.PeerConnectionState)

// peerConn is the slice of *webrtc.PeerConnection the coordinator uses;
// tests substitute a fake.
type peerConn interface {
	CreateOffer(*webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	AddICECandidate(webrtc.ICECandidateInit) error
	RemoteDescription() *webrtc.SessionDescription
	OnICECandidate(func(*webrtc.ICECandidate))
	OnConnectionStateChange(func(webrtc.PeerConnectionState))
	Close() error
}

// Coordinator manages one peer connection's negotiation.
type Coordinator struct {
	pc      peerConn
	send    SignalFunc
	onState StateFunc

	mu        sync.Mutex
	remoteSet bool
	queued    []webrtc.ICECandidateInit
	closed    bool
}

// New creates a coordinator with a real Pion peer connection configured for
// an audio call. An empty stunServers list falls back to Google's public
// STUN server.
func New(stunServers []string, send SignalFunc, onState StateFunc) (*Coordinator, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	// Generous ICE timeouts: a brief NAT hiccup must not end the call.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(se),
	)

	if len(stunServers) == 0 {
		stunServers = []string{"stun:stun.l.google.com:19302"}
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: stunServers}},
	})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio); err != nil {
		pc.Close()
		return nil, fmt.Errorf("add audio transceiver: %w", err)
	}

	return wrap(pc, send, onState), nil
}

// wrap finishes construction around any peerConn; split out for tests.
func wrap(pc peerConn, send SignalFunc, onState StateFunc) *Coordinator {
	c := &Coordinator{pc: pc, send: send, onState: onState}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		b, err := json.Marshal(cand.ToJSON())
		if err != nil {
			log.Warnf("encode candidate: %v", err)
			return
		}
		if !c.send(proto.SignalICECandidate, string(b)) {
			log.Debugf("candidate not sent: transport unavailable")
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Infof("connection state: %s", state)
		if c.onState != nil {
			c.onState(state)
		}
	})

	return c
}

// CreateOffer builds and installs the local offer (caller side).
func (c *Coordinator) CreateOffer() (proto.SessionDesc, error) {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return proto.SessionDesc{}, fmt.Errorf("create offer: %w", err)
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return proto.SessionDesc{}, fmt.Errorf("set local description: %w", err)
	}
	return proto.SessionDesc{Type: offer.Type.String(), SDP: offer.SDP}, nil
}

// Accept applies the remote offer and produces the answer (callee side).
// Any candidates queued before the offer arrived are flushed afterwards.
func (c *Coordinator) Accept(offer proto.SessionDesc) (proto.SessionDesc, error) {
	if offer.SDP == "" {
		return proto.SessionDesc{}, errors.New("offer has no session description")
	}
	if err := c.setRemote(webrtc.SessionDescription{
		Type: webrtc.NewSDPType(offer.Type),
		SDP:  offer.SDP,
	}); err != nil {
		return proto.SessionDesc{}, fmt.Errorf("apply remote offer: %w", err)
	}

	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return proto.SessionDesc{}, fmt.Errorf("create answer: %w", err)
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return proto.SessionDesc{}, fmt.Errorf("set local description: %w", err)
	}
	return proto.SessionDesc{Type: answer.Type.String(), SDP: answer.SDP}, nil
}

// ApplyAnswer installs the remote answer (caller side) and flushes queued
// candidates.
func (c *Coordinator) ApplyAnswer(answer proto.SessionDesc) error {
	if answer.SDP == "" {
		return ErrNoRemoteDescription
	}
	if err := c.setRemote(webrtc.SessionDescription{
		Type: webrtc.NewSDPType(answer.Type),
		SDP:  answer.SDP,
	}); err != nil {
		return fmt.Errorf("apply remote answer: %w", err)
	}
	return nil
}

func (c *Coordinator) setRemote(desc webrtc.SessionDescription) error {
	if err := c.pc.SetRemoteDescription(desc); err != nil {
		return err
	}

	c.mu.Lock()
	c.remoteSet = true
	queued := c.queued
	c.queued = nil
	c.mu.Unlock()

	for _, cand := range queued {
		if err := c.pc.AddICECandidate(cand); err != nil {
			log.Warnf("apply queued candidate: %v", err)
		}
	}
	if len(queued) > 0 {
		log.Debugf("applied %d queued candidates", len(queued))
	}
	return nil
}

// AddRemoteCandidate applies a trickled candidate. A candidate arriving
// before the remote description is queued, not rejected.
func (c *Coordinator) AddRemoteCandidate(payload string) error {
	var cand webrtc.ICECandidateInit
	if err := json.Unmarshal([]byte(payload), &cand); err != nil {
		return fmt.Errorf("decode candidate: %w", err)
	}

	c.mu.Lock()
	if !c.remoteSet {
		c.queued = append(c.queued, cand)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	return c.pc.AddICECandidate(cand)
}

// Close releases the peer connection. Idempotent.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	if err := c.pc.Close(); err != nil {
		log.Debugf("close peer connection: %v", err)
	}
}
