package signaling

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/petervdpas/multichat/internal/proto"
)

// wsServer is a minimal signaling endpoint: it records the identity from
// the URL and lets tests push frames to the connected client.
type wsServer struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	identity string
	conn     *websocket.Conn
	inbound  []string
}

func newWSServer(t *testing.T) *wsServer {
	t.Helper()
	s := &wsServer{}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.identity = strings.TrimPrefix(r.URL.Path, "/signal/")
		s.conn = conn
		s.mu.Unlock()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			s.mu.Lock()
			s.inbound = append(s.inbound, string(data))
			s.mu.Unlock()
		}
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *wsServer) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/signal"
}

func (s *wsServer) push(t *testing.T, kind int, data []byte) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()
		if conn != nil {
			if err := conn.WriteMessage(kind, data); err != nil {
				t.Fatal(err)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("no client connected")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func waitEvent(t *testing.T, ch chan Event) Event {
	t.Helper()
	select {
	case evt := <-ch:
		return evt
	case <-time.After(2 * time.Second):
		t.Fatal("no event")
		return Event{}
	}
}

func TestConnectCarriesIdentityInURL(t *testing.T) {
	srv := newWSServer(t)
	tr := New(srv.url())
	defer tr.Close()

	if err := tr.Connect("alice"); err != nil {
		t.Fatal(err)
	}
	if !tr.Connected() {
		t.Fatal("not connected")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		srv.mu.Lock()
		id := srv.identity
		srv.mu.Unlock()
		if id == "alice" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("identity %q", id)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSendAndReceiveFrames(t *testing.T) {
	srv := newWSServer(t)
	tr := New(srv.url())
	defer tr.Close()

	if err := tr.Connect("alice"); err != nil {
		t.Fatal(err)
	}
	events, cancel := tr.Subscribe()
	defer cancel()

	if !tr.Send(proto.EncodeSignal("bob", proto.SignalMsg, "hi")) {
		t.Fatal("send refused")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		srv.mu.Lock()
		n := len(srv.inbound)
		srv.mu.Unlock()
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("server saw nothing")
		}
		time.Sleep(10 * time.Millisecond)
	}
	srv.mu.Lock()
	got := srv.inbound[0]
	srv.mu.Unlock()
	if got != "SIGNAL|bob|MSG|hi" {
		t.Fatalf("server got %q", got)
	}

	srv.push(t, websocket.TextMessage, []byte("SIGNAL|bob|CALL_END|"))
	evt := waitEvent(t, events)
	if evt.Frame == nil || evt.Frame.Signal == nil {
		t.Fatalf("got %+v", evt)
	}
	if evt.Frame.Signal.Peer != "bob" || evt.Frame.Signal.Kind != proto.SignalCallEnd {
		t.Fatalf("got %+v", evt.Frame.Signal)
	}
}

func TestBinaryChunksSurfaceAsEvents(t *testing.T) {
	srv := newWSServer(t)
	tr := New(srv.url())
	defer tr.Close()

	if err := tr.Connect("alice"); err != nil {
		t.Fatal(err)
	}
	events, cancel := tr.Subscribe()
	defer cancel()

	srv.push(t, websocket.BinaryMessage, []byte{1, 2, 3})
	evt := waitEvent(t, events)
	if evt.Chunk == nil || len(evt.Chunk) != 3 {
		t.Fatalf("got %+v", evt)
	}
}

func TestServerErrorFramesAreSwallowed(t *testing.T) {
	srv := newWSServer(t)
	tr := New(srv.url())
	defer tr.Close()

	if err := tr.Connect("alice"); err != nil {
		t.Fatal(err)
	}
	events, cancel := tr.Subscribe()
	defer cancel()

	srv.push(t, websocket.TextMessage, []byte("ERROR|bob not connected"))
	srv.push(t, websocket.TextMessage, []byte("INCOMING_CALL|bob|c-1"))

	// Only the incoming-call frame reaches subscribers.
	evt := waitEvent(t, events)
	if evt.Frame == nil || evt.Frame.IncomingCall == nil {
		t.Fatalf("got %+v", evt)
	}
}

func TestSendWithoutConnection(t *testing.T) {
	tr := New("ws://127.0.0.1:1/signal")
	defer tr.Close()
	if tr.Send("SIGNAL|bob|MSG|hi") {
		t.Fatal("send succeeded with no connection")
	}
}

func TestReconnectAfterServerDrop(t *testing.T) {
	srv := newWSServer(t)
	tr := New(srv.url())
	defer tr.Close()

	if err := tr.Connect("alice"); err != nil {
		t.Fatal(err)
	}

	srv.mu.Lock()
	srv.conn.Close()
	srv.mu.Unlock()

	// The transport schedules a retry on the fixed interval and comes back.
	deadline := time.Now().Add(5 * time.Second)
	for !tr.Connected() {
		if time.Now().After(deadline) {
			t.Fatal("never reconnected")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestCloseStopsReconnect(t *testing.T) {
	tr := New("ws://127.0.0.1:1/signal")
	_ = tr.Connect("alice") // fails, schedules a retry
	tr.Close()

	time.Sleep(ReconnectDelay + 200*time.Millisecond)
	if tr.Connected() {
		t.Fatal("closed transport reconnected")
	}
}
