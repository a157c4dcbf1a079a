package hub

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sittitep/tradetalk/wire"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	writeStreamSize = 64
)

// conn is one accepted websocket connection with its identity resolved
// from the bearer token. Frames are read in arrival order and handed
// to onFrame one at a time.
type conn struct {
	ws          *websocket.Conn
	userID      string
	userName    string
	connectedAt time.Time

	out     chan *wire.Frame
	ticker  *time.Ticker
	logger  *slog.Logger
	onFrame func(*conn, *wire.Frame)
	onClose func(*conn)

	mu     sync.Mutex
	closed bool
}

func newConn(ws *websocket.Conn, userID, userName string, logger *slog.Logger) *conn {
	return &conn{
		ws:          ws,
		userID:      userID,
		userName:    userName,
		connectedAt: time.Now().UTC(),
		out:         make(chan *wire.Frame, writeStreamSize),
		ticker:      time.NewTicker(pingPeriod),
		logger:      logger.With(slog.String("user", userID)),
	}
}

// send enqueues a frame; a peer that cannot drain its stream, or has
// already been closed, is dropped by the caller when this returns
// false. A broadcast may race a leave or a hub shutdown, so the
// closed check and the enqueue share one lock.
func (c *conn) send(f *wire.Frame) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.out <- f:
		return true
	default:
		return false
	}
}

func (c *conn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.out)
}

func (c *conn) readLoop() {
	defer func() {
		c.onClose(c)
		c.ws.Close()
	}()

	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		mt, r, err := c.ws.NextReader()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug(fmt.Sprintf("expected close: %v", err))
				return
			}
			c.logger.Error(fmt.Sprintf("NextReader: %v", err))
			return
		}

		if mt != websocket.TextMessage {
			c.logger.Error(fmt.Sprintf("unexpected message format: %v", mt))
			continue
		}

		var f wire.Frame
		if err := wire.DecodeFrame(r, &f); err != nil {
			c.logger.Error(err.Error())
			continue
		}

		c.onFrame(c, &f)
	}
}

func (c *conn) writeLoop() {
	var err error
	defer func() {
		c.ticker.Stop()
		if err != nil {
			c.ws.Close()
		}
	}()

	for {
		select {
		case f, ok := <-c.out:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}

			w, werr := c.ws.NextWriter(websocket.TextMessage)
			if werr != nil {
				err = werr
				c.logger.Error(fmt.Sprintf("NextWriter: %v", werr))
				return
			}
			if eerr := wire.EncodeFrame(w, f); eerr != nil {
				c.logger.Error(eerr.Error())
			}
			w.Close()
		case <-c.ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err = c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Error(fmt.Sprintf("WritePing: %v", err))
				return
			}
		}
	}
}
