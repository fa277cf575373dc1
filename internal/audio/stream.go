// Package audio brackets raw-audio streaming sessions on the signaling
// channel and buffers inbound chunks for the external playback
// collaborator. Capture and codecs live outside the core; this layer only
// moves opaque bytes.
package audio

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"sync"

	"github.com/petervdpas/multichat/internal/proto"
	"github.com/petervdpas/multichat/internal/util"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("audio")

// ErrStreamActive rejects starting a second outbound stream.
var ErrStreamActive = errors.New("an audio stream is already active")

// chunkBufferSize bounds the per-sender playback backlog; the oldest
// chunks are dropped when playback lags.
const chunkBufferSize = 256

// Sender is the slice of the signaling transport the streamer writes to.
type Sender interface {
	Send(frame string) bool
	SendBinary(chunk []byte) bool
}

// Streamer manages one outbound raw-audio stream and the inbound
// per-sender chunk buffers.
type Streamer struct {
	out Sender

	mu      sync.Mutex
	target  string // current outbound stream target, "" when idle
	inbound map[string]*util.BoundedQueue[[]byte]
}

// NewStreamer creates a streamer writing to out.
func NewStreamer(out Sender) *Streamer {
	return &Streamer{
		out:     out,
		inbound: make(map[string]*util.BoundedQueue[[]byte]),
	}
}

// StartStream opens a raw-PCM streaming session towards target.
func (s *Streamer) StartStream(target string) error {
	s.mu.Lock()
	if s.target != "" {
		s.mu.Unlock()
		return ErrStreamActive
	}
	s.target = target
	s.mu.Unlock()

	if !s.out.Send(proto.EncodeStartStream(target)) {
		s.mu.Lock()
		s.target = ""
		s.mu.Unlock()
		return errors.New("signaling transport unavailable")
	}
	log.Infof("audio stream to %s started", target)
	return nil
}

// SendChunk ships one raw chunk on the active stream.
func (s *Streamer) SendChunk(chunk []byte) bool {
	s.mu.Lock()
	active := s.target != ""
	s.mu.Unlock()
	if !active {
		return false
	}
	return s.out.SendBinary(chunk)
}

// StopStream closes the active outbound stream, if any.
func (s *Streamer) StopStream() {
	s.mu.Lock()
	target := s.target
	s.target = ""
	s.mu.Unlock()
	if target == "" {
		return
	}
	s.out.Send(proto.EncodeStopStream())
	log.Infof("audio stream to %s stopped", target)
}

// HandleChunk buffers an inbound binary frame. The signaling channel does
// not attribute binary frames to a sender, so they land under the peer of
// the active call as tracked by the caller.
func (s *Streamer) HandleChunk(sender string, chunk []byte) {
	s.buffer(sender).Push(chunk)
}

// HandleAudioMessage decodes a MSG audio payload — either a JSON-wrapped
// {type:"audio", data} object or a bare base64 blob — and buffers the raw
// bytes for playback.
func (s *Streamer) HandleAudioMessage(sender, payload string) {
	data := payload
	var wrapped proto.AudioPayload
	if err := json.Unmarshal([]byte(payload), &wrapped); err == nil && wrapped.Data != "" {
		data = wrapped.Data
	}
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		log.Warnf("audio message from %s is not playable: %v", sender, err)
		return
	}
	s.buffer(sender).Push(raw)
	log.Debugf("buffered %d audio bytes from %s", len(raw), sender)
}

// Drain hands all buffered chunks for sender to the playback collaborator,
// oldest first.
func (s *Streamer) Drain(sender string) [][]byte {
	s.mu.Lock()
	buf, ok := s.inbound[sender]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return buf.Drain()
}

// Pending reports how many chunks are buffered for sender.
func (s *Streamer) Pending(sender string) int {
	s.mu.Lock()
	buf, ok := s.inbound[sender]
	s.mu.Unlock()
	if !ok {
		return 0
	}
	return buf.Len()
}

func (s *Streamer) buffer(sender string) *util.BoundedQueue[[]byte] {
	s.mu.Lock()
	buf, ok := s.inbound[sender]
	if !ok {
		buf = util.NewBoundedQueue[[]byte](chunkBufferSize)
		s.inbound[sender] = buf
	}
	s.mu.Unlock()
	return buf
}
