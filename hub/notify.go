package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/sittitep/tradetalk/auth"
	"github.com/sittitep/tradetalk/store"
	"github.com/sittitep/tradetalk/wire"
)

// NotificationHub serves the user-scoped notification connections. It
// is fully independent of the room hub: separate sockets, separate
// reconnect policy on the client side, no shared state.
type NotificationHub struct {
	store    store.NotificationStore
	secret   []byte
	upgrader websocket.Upgrader
	logger   *slog.Logger
	baseCtx  context.Context

	mu    sync.RWMutex
	conns map[string]map[*conn]struct{}

	wg sync.WaitGroup
}

type NotificationHubOption func(*NotificationHub)

func WithNotificationLogger(l *slog.Logger) NotificationHubOption {
	return func(h *NotificationHub) {
		h.logger = l
	}
}

func WithNotificationBaseContext(ctx context.Context) NotificationHubOption {
	return func(h *NotificationHub) {
		h.baseCtx = ctx
	}
}

func NewNotificationHub(notificationStore store.NotificationStore, secret []byte, opts ...NotificationHubOption) *NotificationHub {
	h := &NotificationHub{
		store:    notificationStore,
		secret:   secret,
		upgrader: defaultUpgrader,
		logger:   slog.Default(),
		baseCtx:  context.Background(),
		conns:    make(map[string]map[*conn]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ServeHTTP upgrades a user-scoped connection. The connect URL carries
// token and userId; the userId must match the token's subject.
func (h *NotificationHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	claims, err := auth.VerifyToken(r.URL.Query().Get("token"), h.secret)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}
	userID := r.URL.Query().Get("userId")
	if userID == "" || userID != claims.UserID {
		http.Error(w, "userId mismatch", http.StatusForbidden)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := newConn(ws, claims.UserID, claims.UserName, h.logger)
	c.onFrame = h.handleFrame
	c.onClose = h.disconnect

	h.mu.Lock()
	if h.conns[userID] == nil {
		h.conns[userID] = make(map[*conn]struct{})
	}
	h.conns[userID][c] = struct{}{}
	h.mu.Unlock()

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		c.readLoop()
	}()
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		c.writeLoop()
	}()

	if err := h.sendList(c); err != nil {
		h.logger.Error(fmt.Sprintf("send notifications_list: %v", err))
	}
}

func (h *NotificationHub) Close() {
	h.mu.Lock()
	for _, conns := range h.conns {
		for c := range conns {
			c.close()
		}
	}
	h.mu.Unlock()
	h.wg.Wait()
}

// Publish persists a notification and pushes it to every live
// connection of the user. Disconnected users pick it up from the
// notifications_list snapshot on their next connect.
func (h *NotificationHub) Publish(ctx context.Context, userID string, payload json.RawMessage) (*wire.Notification, error) {
	n, err := h.store.CreateNotification(ctx, userID, payload)
	if err != nil {
		return nil, fmt.Errorf("CreateNotification: %w", err)
	}
	h.sendToUser(userID, mustFrame(wire.NotificationPush, n))
	return n, nil
}

func (h *NotificationHub) disconnect(c *conn) {
	h.mu.Lock()
	if conns, ok := h.conns[c.userID]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.conns, c.userID)
		}
	}
	h.mu.Unlock()
	c.close()
}

func (h *NotificationHub) handleFrame(c *conn, f *wire.Frame) {
	ctx := h.baseCtx
	switch f.Type {
	case wire.MarkRead:
		var p wire.NotificationReadPayload
		if err := f.Decode(&p); err != nil {
			h.logger.Error(err.Error())
			return
		}
		if err := h.store.MarkNotificationRead(ctx, p.NotificationID, c.userID); err != nil {
			h.logger.Error(fmt.Sprintf("MarkNotificationRead: %v", err))
			return
		}
		h.sendToUser(c.userID, mustFrame(wire.NotificationRead, p))
	case wire.MarkAllRead:
		if err := h.store.MarkAllNotificationsRead(ctx, c.userID); err != nil {
			h.logger.Error(fmt.Sprintf("MarkAllNotificationsRead: %v", err))
			return
		}
		h.sendToUser(c.userID, mustFrame(wire.AllNotificationsRead, struct{}{}))
	default:
		h.logger.Debug(fmt.Sprintf("unknown frame type %q dropped", f.Type))
	}
}

func (h *NotificationHub) sendList(c *conn) error {
	list, err := h.store.GetUserNotifications(h.baseCtx, c.userID, 0)
	if err != nil {
		return err
	}
	f, err := wire.NewFrame(wire.NotificationsList, wire.NotificationsListPayload{Notifications: list})
	if err != nil {
		return err
	}
	c.send(f)
	return nil
}

func (h *NotificationHub) sendToUser(userID string, f *wire.Frame) {
	h.mu.RLock()
	var stalled []*conn
	for c := range h.conns[userID] {
		if !c.send(f) {
			stalled = append(stalled, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range stalled {
		h.disconnect(c)
	}
}
