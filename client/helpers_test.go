package client

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sittitep/tradetalk/wire"
)

const baseTimeout = 5 * time.Second

// waitOrTimeout waits for fn to finish or times out.
func waitOrTimeout(timeout time.Duration, fn func()) bool {
	done := make(chan struct{})
	go func() {
		fn()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// waitFor polls cond until it holds or the timeout elapses.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for: %s", msg)
}

// wsFixture is a minimal peer for the connection manager: it accepts
// upgrades, records inbound frames, and lets tests push frames or drop
// the socket to provoke reconnects.
type wsFixture struct {
	t        *testing.T
	srv      *httptest.Server
	upgrader websocket.Upgrader

	refuse atomic.Bool
	// holdClose suppresses the close-frame echo so the client's close
	// handshake stays in flight until the fixture tears down.
	holdClose atomic.Bool
	dials     atomic.Int64
	frames    chan *wire.Frame
	accepted  chan *websocket.Conn

	mu    sync.Mutex
	conns []*websocket.Conn
}

func newWSFixture(t *testing.T) *wsFixture {
	f := &wsFixture{
		t:        t,
		frames:   make(chan *wire.Frame, 64),
		accepted: make(chan *websocket.Conn, 8),
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
	}
	f.srv = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.tearDown)
	return f
}

func (f *wsFixture) handle(w http.ResponseWriter, r *http.Request) {
	f.dials.Add(1)
	if f.refuse.Load() {
		http.Error(w, "refused", http.StatusServiceUnavailable)
		return
	}
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	if f.holdClose.Load() {
		conn.SetCloseHandler(func(int, string) error { return nil })
	}
	f.mu.Lock()
	f.conns = append(f.conns, conn)
	f.mu.Unlock()
	f.accepted <- conn

	go func() {
		for {
			_, reader, err := conn.NextReader()
			if err != nil {
				return
			}
			var frame wire.Frame
			if err := wire.DecodeFrame(reader, &frame); err != nil {
				continue
			}
			f.frames <- &frame
		}
	}()
}

func (f *wsFixture) wsURL() string {
	return strings.Replace(f.srv.URL, "http://", "ws://", 1)
}

// push sends a frame from the peer to the most recent client.
func (f *wsFixture) push(frame *wire.Frame) {
	f.mu.Lock()
	conn := f.conns[len(f.conns)-1]
	f.mu.Unlock()
	w, err := conn.NextWriter(websocket.TextMessage)
	if err != nil {
		f.t.Fatalf("NextWriter: %v", err)
	}
	if err := wire.EncodeFrame(w, frame); err != nil {
		f.t.Fatalf("EncodeFrame: %v", err)
	}
	w.Close()
}

// dropLast severs the most recent connection without a close
// handshake, as a crashed peer would.
func (f *wsFixture) dropLast() {
	f.mu.Lock()
	conn := f.conns[len(f.conns)-1]
	f.mu.Unlock()
	conn.Close()
}

func (f *wsFixture) nextFrame(timeout time.Duration) *wire.Frame {
	select {
	case frame := <-f.frames:
		return frame
	case <-time.After(timeout):
		f.t.Fatal("timeout waiting for frame")
		return nil
	}
}

func (f *wsFixture) waitAccept(timeout time.Duration) *websocket.Conn {
	select {
	case conn := <-f.accepted:
		return conn
	case <-time.After(timeout):
		f.t.Fatal("timeout waiting for accept")
		return nil
	}
}

func (f *wsFixture) tearDown() {
	f.mu.Lock()
	for _, c := range f.conns {
		c.Close()
	}
	f.mu.Unlock()
	f.srv.Close()
}
