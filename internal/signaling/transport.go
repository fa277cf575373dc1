// Package signaling owns the dedicated full-duplex channel that carries
// call-control and WebRTC negotiation frames, out of band from the audio
// media path. One channel per logged-in identity; the identity rides in the
// URL.
package signaling

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/petervdpas/multichat/internal/proto"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("signaling")

// ReconnectDelay is the fixed interval between reconnect attempts. Retries
// are unbounded — a deliberate simplification carried over from the source
// behaviour; there is no backoff and no cap.
const ReconnectDelay = time.Second

// Event is one inbound unit from the channel. Exactly one field is set:
// Frame for parsed text frames, Chunk for binary audio data.
type Event struct {
	Frame *proto.Frame
	Chunk []byte
}

// Transport is the signaling channel client.
type Transport struct {
	baseURL string
	dialer  *websocket.Dialer

	mu           sync.Mutex
	conn         *websocket.Conn
	identity     string
	closed       bool
	reconnecting bool

	writeMu sync.Mutex

	listenerMu sync.RWMutex
	listeners  map[chan Event]struct{}
}

// New creates a transport for the given signaling base URL
// (e.g. ws://host:9090/signal).
func New(baseURL string) *Transport {
	return &Transport{
		baseURL:   baseURL,
		dialer:    &websocket.Dialer{HandshakeTimeout: 5 * time.Second},
		listeners: make(map[chan Event]struct{}),
	}
}

// Connect establishes the channel for identity. Idempotent: an existing
// channel is torn down first and the new one takes its place.
func (t *Transport) Connect(identity string) error {
	t.mu.Lock()
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}
	t.identity = identity
	t.closed = false
	t.mu.Unlock()

	conn, _, err := t.dialer.Dial(t.baseURL+"/"+identity, nil)
	if err != nil {
		log.Warnf("connect %s failed: %v", identity, err)
		t.scheduleReconnect()
		return err
	}

	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()

	log.Infof("connected to signaling server as %s", identity)
	go t.readLoop(conn)
	return nil
}

// Send writes a text frame. Returns false — never an error, never blocking —
// when the channel is not open; callers treat false as "transport
// unavailable" and run their own fallback.
func (t *Transport) Send(frame string) bool {
	return t.write(websocket.TextMessage, []byte(frame))
}

// SendBinary writes a raw audio chunk.
func (t *Transport) SendBinary(chunk []byte) bool {
	return t.write(websocket.BinaryMessage, chunk)
}

func (t *Transport) write(kind int, data []byte) bool {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return false
	}

	t.writeMu.Lock()
	err := conn.WriteMessage(kind, data)
	t.writeMu.Unlock()
	if err != nil {
		log.Warnf("send failed: %v", err)
		return false
	}
	return true
}

// Connected reports whether the channel is currently open.
func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil
}

// Subscribe returns a channel receiving inbound events.
func (t *Transport) Subscribe() (ch chan Event, cancel func()) {
	ch = make(chan Event, 64)

	t.listenerMu.Lock()
	t.listeners[ch] = struct{}{}
	t.listenerMu.Unlock()

	cancel = func() {
		t.listenerMu.Lock()
		if _, ok := t.listeners[ch]; ok {
			delete(t.listeners, ch)
			close(ch)
		}
		t.listenerMu.Unlock()
	}
	return ch, cancel
}

// Close tears the channel down for good; no reconnect is scheduled.
func (t *Transport) Close() {
	t.mu.Lock()
	t.closed = true
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}
	t.mu.Unlock()
}

func (t *Transport) readLoop(conn *websocket.Conn) {
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		switch kind {
		case websocket.TextMessage:
			frame, err := proto.ParseFrame(string(data))
			if err != nil {
				log.Debugf("dropping frame: %v", err)
				continue
			}
			if frame.ServerError != nil {
				log.Warnf("server error: %s", frame.ServerError.Detail)
				continue
			}
			t.notify(Event{Frame: &frame})
		case websocket.BinaryMessage:
			chunk := make([]byte, len(data))
			copy(chunk, data)
			t.notify(Event{Chunk: chunk})
		}
	}

	t.mu.Lock()
	stale := t.conn != conn // a newer Connect already replaced us
	closed := t.closed
	if !stale && !closed {
		t.conn = nil
	}
	t.mu.Unlock()

	if stale || closed {
		return
	}
	log.Warnf("signaling channel closed unexpectedly")
	t.scheduleReconnect()
}

// scheduleReconnect arms exactly one retry after the fixed delay, re-running
// Connect with the original identity.
func (t *Transport) scheduleReconnect() {
	t.mu.Lock()
	if t.closed || t.reconnecting {
		t.mu.Unlock()
		return
	}
	t.reconnecting = true
	identity := t.identity
	t.mu.Unlock()

	time.AfterFunc(ReconnectDelay, func() {
		t.mu.Lock()
		t.reconnecting = false
		closed := t.closed
		t.mu.Unlock()
		if closed {
			return
		}
		log.Infof("reconnecting to signaling server as %s", identity)
		_ = t.Connect(identity) // a failure schedules the next attempt
	})
}

func (t *Transport) notify(evt Event) {
	t.listenerMu.RLock()
	for ch := range t.listeners {
		select {
		case ch <- evt:
		default:
		}
	}
	t.listenerMu.RUnlock()
}
