package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sethvargo/go-retry"

	"github.com/sittitep/tradetalk/wire"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Outbound frames buffered per session before Send starts failing.
	sendBuffer = 64

	DefaultRetryDelay  = 3 * time.Second
	DefaultMaxAttempts = 5
)

var (
	ErrNotOpen            = errors.New("connection not open")
	ErrSendBufferFull     = errors.New("send buffer full")
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
)

type ConnState int

const (
	StateClosed ConnState = iota
	StateConnecting
	StateOpen
	StateClosing
)

func (s ConnState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// CredentialProvider hands the manager a bearer credential at dial
// time. Issuance is an external collaborator's job.
type CredentialProvider interface {
	Token() (string, error)
}

type StaticCredential string

func (c StaticCredential) Token() (string, error) {
	return string(c), nil
}

// ConnCallbacks are invoked from the connection's event loop, one at a
// time. Handlers must not block; a slow OnFrame stalls the whole
// inbound stream.
type ConnCallbacks struct {
	OnOpen  func()
	OnFrame func(*wire.Frame)
	OnClose func(code int, reason string)
	OnError func(error)
}

type ConnConfig struct {
	// Endpoint is the ws(s) URL without credential or scope query.
	Endpoint   string
	Credential CredentialProvider
	// ScopeParams are appended to the connect URL, e.g. roomId or userId.
	ScopeParams url.Values
	// RetryDelay is the fixed delay between reconnect attempts.
	RetryDelay time.Duration
	// MaxAttempts bounds consecutive failed dials before the manager
	// gives up until the next explicit Connect call.
	MaxAttempts int
	// JoinFrame, when set, is replayed after every successful open.
	// Reconnection is not transparent to the peer: it sees a fresh join.
	JoinFrame func() *wire.Frame
	Dialer    *websocket.Dialer
	Logger    *slog.Logger
	Callbacks ConnCallbacks
}

// ConnManager owns the lifecycle of one duplex connection: dial,
// handshake replay, heartbeat, bounded reconnect and close. An
// instance belongs exclusively to its creator and is never shared
// across logical sessions.
type ConnManager struct {
	cfg    ConnConfig
	dialer *websocket.Dialer
	logger *slog.Logger

	mu          sync.Mutex
	state       ConnState
	sess        *session
	cancelRetry context.CancelFunc
	deliberate  bool
	closeCode   int
	closeReason string
	lastErr     error

	wg sync.WaitGroup
}

func NewConnManager(cfg ConnConfig) *ConnManager {
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	m := &ConnManager{
		cfg:    cfg,
		dialer: cfg.Dialer,
		logger: cfg.Logger,
	}
	if m.dialer == nil {
		m.dialer = websocket.DefaultDialer
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	return m
}

// Connect opens the connection. It is idempotent: calling while the
// connection is open, a connect is already in flight, or a close
// handshake is still draining is a no-op. A dial may start only from
// Closed, so a fresh session never races the one being torn down.
// Dial failures never surface to the caller directly; they feed the
// bounded retry loop and end in a terminal error state observable via
// Err.
func (m *ConnManager) Connect() {
	m.mu.Lock()
	if m.state != StateClosed {
		m.mu.Unlock()
		return
	}
	m.state = StateConnecting
	m.deliberate = false
	m.lastErr = nil
	ctx, cancel := context.WithCancel(context.Background())
	m.cancelRetry = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.connectLoop(ctx)
	}()
}

// Send writes a frame over the open connection. When the connection is
// not open it reports ErrNotOpen; the caller decides whether to queue
// or drop.
func (m *ConnManager) Send(f *wire.Frame) error {
	m.mu.Lock()
	s := m.sess
	open := m.state == StateOpen
	m.mu.Unlock()
	if !open || s == nil {
		return ErrNotOpen
	}
	return s.send(f)
}

// Close shuts the connection down deliberately and cancels any pending
// reconnect. A normal close code suppresses reconnection entirely.
func (m *ConnManager) Close(code int, reason string) {
	m.mu.Lock()
	m.deliberate = true
	m.closeCode = code
	m.closeReason = reason
	if m.cancelRetry != nil {
		m.cancelRetry()
		m.cancelRetry = nil
	}
	s := m.sess
	switch m.state {
	case StateOpen:
		m.state = StateClosing
	case StateConnecting:
		m.state = StateClosed
	}
	m.mu.Unlock()

	if s != nil {
		s.close(code, reason)
	}
}

func (m *ConnManager) State() ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Err reports the terminal connection error, if any. It is set when
// the reconnect budget is exhausted and cleared by the next Connect.
func (m *ConnManager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Wait blocks until all connection goroutines have exited.
func (m *ConnManager) Wait() {
	m.wg.Wait()
}

func (m *ConnManager) connectLoop(ctx context.Context) {
	backoff := retry.WithMaxRetries(uint64(m.cfg.MaxAttempts-1), retry.NewConstant(m.cfg.RetryDelay))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := m.dial(ctx); err != nil {
			m.logger.Error(fmt.Sprintf("dial: %v", err))
			m.reportError(err)
			return retry.RetryableError(err)
		}
		return nil
	})
	if err == nil {
		return
	}
	m.mu.Lock()
	canceled := ctx.Err() != nil
	m.state = StateClosed
	if !canceled {
		m.lastErr = ErrReconnectExhausted
	}
	m.mu.Unlock()
	if !canceled {
		m.reportError(fmt.Errorf("%w after %d attempts: %v", ErrReconnectExhausted, m.cfg.MaxAttempts, err))
	}
}

func (m *ConnManager) dial(ctx context.Context) error {
	u, err := m.connectURL()
	if err != nil {
		return err
	}
	conn, _, err := m.dialer.DialContext(ctx, u, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", m.cfg.Endpoint, err)
	}

	s := newSession(conn, m)

	m.mu.Lock()
	if m.deliberate {
		// Close raced the dial; drop the fresh socket.
		m.mu.Unlock()
		conn.Close()
		return nil
	}
	m.sess = s
	m.state = StateOpen
	m.mu.Unlock()

	if m.cfg.JoinFrame != nil {
		if f := m.cfg.JoinFrame(); f != nil {
			if err := s.send(f); err != nil {
				m.logger.Debug("join frame dropped: " + err.Error())
			}
		}
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		s.readLoop()
	}()
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		s.writeLoop()
	}()

	if cb := m.cfg.Callbacks.OnOpen; cb != nil {
		cb()
	}
	return nil
}

func (m *ConnManager) connectURL() (string, error) {
	u, err := url.Parse(m.cfg.Endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	q := u.Query()
	for k, vs := range m.cfg.ScopeParams {
		for _, v := range vs {
			q.Set(k, v)
		}
	}
	if m.cfg.Credential != nil {
		token, err := m.cfg.Credential.Token()
		if err != nil {
			return "", fmt.Errorf("credential: %w", err)
		}
		q.Set("token", token)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// sessionClosed runs once per session when its read loop exits.
func (m *ConnManager) sessionClosed(s *session, code int, reason string) {
	m.mu.Lock()
	if m.sess != s {
		m.mu.Unlock()
		return
	}
	m.sess = nil
	deliberate := m.deliberate
	if deliberate {
		code = m.closeCode
		reason = m.closeReason
	}
	m.mu.Unlock()

	s.closeOut()

	if cb := m.cfg.Callbacks.OnClose; cb != nil {
		cb(code, reason)
	}

	if deliberate || code == websocket.CloseNormalClosure {
		m.mu.Lock()
		m.state = StateClosed
		m.mu.Unlock()
		return
	}

	// Abnormal close: schedule a bounded reconnect.
	m.mu.Lock()
	m.state = StateConnecting
	ctx, cancel := context.WithCancel(context.Background())
	m.cancelRetry = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.connectLoop(ctx)
	}()
}

func (m *ConnManager) reportError(err error) {
	if cb := m.cfg.Callbacks.OnError; cb != nil {
		cb(err)
	}
}

// session wraps one physical websocket connection. A new session is
// created on every successful dial; the outbound channel never
// outlives the socket it belongs to.
type session struct {
	conn   *websocket.Conn
	out    chan *wire.Frame
	ticker *time.Ticker
	mgr    *ConnManager
	logger *slog.Logger

	outMu       sync.Mutex
	outClosed   bool
	closeCode   int
	closeReason string
}

func newSession(conn *websocket.Conn, mgr *ConnManager) *session {
	return &session{
		conn:      conn,
		out:       make(chan *wire.Frame, sendBuffer),
		ticker:    time.NewTicker(pingPeriod),
		mgr:       mgr,
		logger:    mgr.logger,
		closeCode: websocket.CloseNormalClosure,
	}
}

// send enqueues a frame unless the session is already shutting down.
// Send and close can race, so the closed check and the enqueue share
// one lock.
func (s *session) send(f *wire.Frame) error {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	if s.outClosed {
		return ErrNotOpen
	}
	select {
	case s.out <- f:
		return nil
	default:
		return ErrSendBufferFull
	}
}

func (s *session) closeOut() {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	if s.outClosed {
		return
	}
	s.outClosed = true
	close(s.out)
}

// close shuts the session down by closing the outbound channel. The
// write loop drains any queued frames, then sends the close message
// with this code; closing the channel happens-before the write loop
// observes it, so the code fields need no extra lock.
func (s *session) close(code int, reason string) {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	if s.outClosed {
		return
	}
	s.closeCode = code
	s.closeReason = reason
	s.outClosed = true
	close(s.out)
}

func (s *session) readLoop() {
	code := websocket.CloseAbnormalClosure
	reason := ""
	defer func() {
		s.conn.Close()
		s.mgr.sessionClosed(s, code, reason)
	}()

	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		mt, r, err := s.conn.NextReader()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				code = ce.Code
				reason = ce.Text
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug(fmt.Sprintf("expected close: %v", err))
				return
			}
			s.logger.Error(fmt.Sprintf("NextReader: %v", err))
			s.mgr.reportError(err)
			return
		}

		if mt != websocket.TextMessage {
			s.logger.Error(fmt.Sprintf("unexpected message format: %v", mt))
			continue
		}

		var f wire.Frame
		if err := wire.DecodeFrame(r, &f); err != nil {
			// Malformed inbound frames are dropped, never fatal.
			s.logger.Error(err.Error())
			continue
		}

		if cb := s.mgr.cfg.Callbacks.OnFrame; cb != nil {
			cb(&f)
		}
	}
}

func (s *session) writeLoop() {
	var err error
	defer func() {
		s.ticker.Stop()
		if err != nil {
			s.conn.Close()
		}
	}()

	for {
		select {
		case f, ok := <-s.out:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(s.closeCode, s.closeReason))
				return
			}

			w, werr := s.conn.NextWriter(websocket.TextMessage)
			if werr != nil {
				err = werr
				s.logger.Error(fmt.Sprintf("NextWriter: %v", werr))
				return
			}
			if eerr := wire.EncodeFrame(w, f); eerr != nil {
				s.logger.Error(eerr.Error())
			}
			w.Close()
		case <-s.ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err = s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.logger.Error(fmt.Sprintf("WritePing: %v", err))
				return
			}
		}
	}
}
