package client

import (
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sittitep/tradetalk/wire"
)

type NotificationConfig struct {
	// Endpoint is the user-scoped websocket URL, e.g. wss://host/ws/notifications.
	Endpoint   string
	UserID     string
	Credential CredentialProvider

	RetryDelay  time.Duration
	MaxAttempts int
	Dialer      *websocket.Dialer
	Logger      *slog.Logger

	// OnNotification fires for each freshly pushed notification.
	OnNotification func(wire.Notification)
	OnError        func(error)
}

// NotificationChannel is the second, independent duplex connection:
// user-scoped rather than room-scoped, with its own reconnect policy.
// It maintains an ordered notification list and an unread counter.
//
// Mark-read actions while disconnected are dropped with ErrNotOpen
// rather than queued for replay; callers that need delivery must retry
// once the channel is open again.
type NotificationChannel struct {
	conn   *ConnManager
	logger *slog.Logger

	mu     sync.Mutex
	order  []string
	byID   map[string]*wire.Notification
	unread int

	onNotification func(wire.Notification)
}

func NewNotificationChannel(cfg NotificationConfig) *NotificationChannel {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("channel", "notifications"))

	c := &NotificationChannel{
		logger:         logger,
		byID:           make(map[string]*wire.Notification),
		onNotification: cfg.OnNotification,
	}
	c.conn = NewConnManager(ConnConfig{
		Endpoint:    cfg.Endpoint,
		Credential:  cfg.Credential,
		ScopeParams: url.Values{"userId": []string{cfg.UserID}},
		RetryDelay:  cfg.RetryDelay,
		MaxAttempts: cfg.MaxAttempts,
		Dialer:      cfg.Dialer,
		Logger:      logger,
		Callbacks: ConnCallbacks{
			OnFrame: c.handleFrame,
			OnError: cfg.OnError,
		},
	})
	return c
}

func (c *NotificationChannel) Connect() {
	c.conn.Connect()
}

func (c *NotificationChannel) Close() {
	c.conn.Close(websocket.CloseNormalClosure, "closing")
}

func (c *NotificationChannel) State() ConnState {
	return c.conn.State()
}

func (c *NotificationChannel) Err() error {
	return c.conn.Err()
}

// Unread reports the current unread counter. It never goes below zero.
func (c *NotificationChannel) Unread() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unread
}

// Notifications returns the list in arrival order, newest first.
func (c *NotificationChannel) Notifications() []wire.Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]wire.Notification, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, *c.byID[id])
	}
	return out
}

// MarkAsRead asks the server to mark one notification read. When the
// channel is not open the frame is dropped and ErrNotOpen returned.
func (c *NotificationChannel) MarkAsRead(notificationID string) error {
	f, err := wire.NewFrame(wire.MarkRead, wire.NotificationReadPayload{NotificationID: notificationID})
	if err != nil {
		return err
	}
	return c.conn.Send(f)
}

func (c *NotificationChannel) MarkAllAsRead() error {
	f, err := wire.NewFrame(wire.MarkAllRead, struct{}{})
	if err != nil {
		return err
	}
	return c.conn.Send(f)
}

func (c *NotificationChannel) handleFrame(f *wire.Frame) {
	switch f.Type {
	case wire.NotificationPush:
		var n wire.Notification
		if err := f.Decode(&n); err != nil {
			c.logger.Error(err.Error())
			return
		}
		c.push(n)
	case wire.NotificationsList:
		var p wire.NotificationsListPayload
		if err := f.Decode(&p); err != nil {
			c.logger.Error(err.Error())
			return
		}
		c.replace(p.Notifications)
	case wire.NotificationRead:
		var p wire.NotificationReadPayload
		if err := f.Decode(&p); err != nil {
			c.logger.Error(err.Error())
			return
		}
		c.markRead(p.NotificationID)
	case wire.AllNotificationsRead:
		c.markAllRead()
	default:
		c.logger.Debug(fmt.Sprintf("unknown frame type %q dropped", f.Type))
	}
}

func (c *NotificationChannel) push(n wire.Notification) {
	c.mu.Lock()
	if _, ok := c.byID[n.ID]; !ok {
		c.order = append([]string{n.ID}, c.order...)
		if !n.IsRead {
			c.unread++
		}
	}
	c.byID[n.ID] = &n
	c.mu.Unlock()
	if c.onNotification != nil {
		c.onNotification(n)
	}
}

func (c *NotificationChannel) replace(list []wire.Notification) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order = c.order[:0]
	c.byID = make(map[string]*wire.Notification, len(list))
	c.unread = 0
	for i := range list {
		n := list[i]
		c.order = append(c.order, n.ID)
		c.byID[n.ID] = &n
		if !n.IsRead {
			c.unread++
		}
	}
}

func (c *NotificationChannel) markRead(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.byID[id]
	if !ok || n.IsRead {
		return
	}
	n.IsRead = true
	if c.unread > 0 {
		c.unread--
	}
}

func (c *NotificationChannel) markAllRead() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, n := range c.byID {
		n.IsRead = true
	}
	c.unread = 0
}
