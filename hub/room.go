package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sittitep/tradetalk/auth"
	"github.com/sittitep/tradetalk/store"
	"github.com/sittitep/tradetalk/wire"
)

const historyPageSize = 100

var defaultUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// RoomHub mirrors the client protocol for room-scoped connections. A
// member is part of the roster only after their join_room handshake is
// acknowledged, not merely upgraded.
type RoomHub struct {
	store    store.ChatStore
	secret   []byte
	upgrader websocket.Upgrader
	logger   *slog.Logger
	baseCtx  context.Context

	mu    sync.RWMutex
	rooms map[string]map[*conn]*member

	wg sync.WaitGroup
}

type member struct {
	roomID string
	joined bool
}

type RoomHubOption func(*RoomHub)

func WithLogger(l *slog.Logger) RoomHubOption {
	return func(h *RoomHub) {
		h.logger = l
	}
}

func WithBaseContext(ctx context.Context) RoomHubOption {
	return func(h *RoomHub) {
		h.baseCtx = ctx
	}
}

func WithCheckOrigin(f func(r *http.Request) bool) RoomHubOption {
	return func(h *RoomHub) {
		h.upgrader.CheckOrigin = f
	}
}

func NewRoomHub(chatStore store.ChatStore, secret []byte, opts ...RoomHubOption) *RoomHub {
	h := &RoomHub{
		store:    chatStore,
		secret:   secret,
		upgrader: defaultUpgrader,
		logger:   slog.Default(),
		baseCtx:  context.Background(),
		rooms:    make(map[string]map[*conn]*member),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ServeHTTP upgrades a room-scoped connection. The connect URL carries
// token and roomId as query parameters.
func (h *RoomHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	roomID := r.URL.Query().Get("roomId")
	if roomID == "" {
		http.Error(w, "roomId required", http.StatusBadRequest)
		return
	}
	claims, err := auth.VerifyToken(r.URL.Query().Get("token"), h.secret)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
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
	if h.rooms[roomID] == nil {
		h.rooms[roomID] = make(map[*conn]*member)
	}
	h.rooms[roomID][c] = &member{roomID: roomID}
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

	h.logger.Info("room connection opened",
		slog.String("room", roomID), slog.String("user", c.userID))
}

// Close drops every connection. Peers see a normal close.
func (h *RoomHub) Close() {
	h.mu.Lock()
	for _, conns := range h.rooms {
		for c := range conns {
			c.close()
		}
	}
	h.mu.Unlock()
	h.wg.Wait()
}

func (h *RoomHub) disconnect(c *conn) {
	h.mu.Lock()
	var roomID string
	var wasJoined bool
	for id, conns := range h.rooms {
		if m, ok := conns[c]; ok {
			roomID = id
			wasJoined = m.joined
			delete(conns, c)
			if len(conns) == 0 {
				delete(h.rooms, id)
			}
			break
		}
	}
	h.mu.Unlock()
	c.close()
	if roomID == "" || !wasJoined {
		return
	}
	h.broadcast(roomID, mustFrame(wire.UserLeft, wire.Participant{
		UserID:   c.userID,
		UserName: c.userName,
	}), c)
}

func (h *RoomHub) handleFrame(c *conn, f *wire.Frame) {
	ctx := h.baseCtx
	roomID := h.roomOf(c)
	if roomID == "" {
		return
	}

	var err error
	switch f.Type {
	case wire.JoinRoom:
		err = h.handleJoin(ctx, c, roomID)
	case wire.LeaveRoom:
		c.close()
	case wire.SendMessage:
		err = h.handleSendMessage(ctx, c, roomID, f)
	case wire.EditMessage:
		err = h.handleEditMessage(ctx, c, roomID, f)
	case wire.DeleteMessage:
		err = h.handleDeleteMessage(ctx, c, roomID, f)
	case wire.TypingStart, wire.TypingStop:
		// Typing is transient signaling; rebroadcast without persisting.
		h.broadcast(roomID, f, c)
	case wire.AddReaction, wire.RemoveReaction:
		err = h.handleReaction(ctx, c, roomID, f)
	case wire.PinMessage, wire.UnpinMessage:
		err = h.handlePin(ctx, c, roomID, f)
	case wire.MarkRead:
		err = h.handleMarkRead(ctx, c, roomID, f)
	default:
		h.logger.Debug(fmt.Sprintf("unknown frame type %q dropped", f.Type))
	}

	if err != nil {
		h.logger.Error(fmt.Sprintf("handle %s: %v", f.Type, err))
		h.sendError(c, f.Type, err)
	}
}

// handleJoin acknowledges the handshake with the participants snapshot
// followed by a history page. Reconnecting clients replay the join and
// get a fresh snapshot.
func (h *RoomHub) handleJoin(ctx context.Context, c *conn, roomID string) error {
	h.mu.Lock()
	freshJoin := false
	if m, ok := h.rooms[roomID][c]; ok && !m.joined {
		m.joined = true
		freshJoin = true
	}
	participants := h.participantsLocked(roomID)
	h.mu.Unlock()

	if freshJoin {
		h.broadcast(roomID, mustFrame(wire.UserJoined, wire.Participant{
			UserID:      c.userID,
			UserName:    c.userName,
			ConnectedAt: c.connectedAt,
		}), c)
	}

	ack, err := wire.NewFrame(wire.RoomParticipants, wire.RoomParticipantsPayload{
		RoomID:       roomID,
		Participants: participants,
	})
	if err != nil {
		return err
	}
	c.send(ack)

	messages, err := h.store.GetRoomMessages(ctx, roomID, historyPageSize, time.Time{})
	if err != nil {
		return fmt.Errorf("GetRoomMessages: %w", err)
	}
	history, err := wire.NewFrame(wire.RoomHistory, wire.RoomHistoryPayload{
		RoomID:   roomID,
		Messages: messages,
	})
	if err != nil {
		return err
	}
	c.send(history)
	return nil
}

func (h *RoomHub) handleSendMessage(ctx context.Context, c *conn, roomID string, f *wire.Frame) error {
	var p wire.SendMessagePayload
	if err := f.Decode(&p); err != nil {
		return err
	}
	// The sender also issues a durable REST create for the same send
	// token; CreateMessage collapses the pair to one row, and the
	// broadcast echoes the token so the sender can reconcile its
	// optimistic entry.
	msg, err := h.store.CreateMessage(ctx, store.MessageCreateInput{
		RoomID:   roomID,
		AuthorID: c.userID,
		Content:  p.Content,
		TempID:   p.TempID,
	})
	if err != nil {
		return fmt.Errorf("CreateMessage: %w", err)
	}
	h.broadcast(roomID, mustFrame(wire.NewMessage, msg), nil)
	return nil
}

func (h *RoomHub) handleEditMessage(ctx context.Context, c *conn, roomID string, f *wire.Frame) error {
	var p wire.EditMessagePayload
	if err := f.Decode(&p); err != nil {
		return err
	}
	msg, err := h.store.UpdateMessage(ctx, p.MessageID, c.userID, p.Content)
	if err != nil {
		return fmt.Errorf("UpdateMessage: %w", err)
	}
	h.broadcast(roomID, mustFrame(wire.MessageUpdated, msg), nil)
	return nil
}

func (h *RoomHub) handleDeleteMessage(ctx context.Context, c *conn, roomID string, f *wire.Frame) error {
	var p wire.MessageDeletedPayload
	if err := f.Decode(&p); err != nil {
		return err
	}
	// Not found means the sender already deleted the row over REST and
	// this frame is the fan-out request; the broadcast still happens.
	err := h.store.DeleteMessage(ctx, p.MessageID, c.userID)
	if err != nil && !errors.Is(err, store.ErrMessageNotFound) {
		return fmt.Errorf("DeleteMessage: %w", err)
	}
	h.broadcast(roomID, mustFrame(wire.MessageDeleted, p), nil)
	return nil
}

func (h *RoomHub) handleReaction(ctx context.Context, c *conn, roomID string, f *wire.Frame) error {
	var p wire.ReactionPayload
	if err := f.Decode(&p); err != nil {
		return err
	}
	p.UserID = c.userID
	p.Removed = f.Type == wire.RemoveReaction

	var err error
	if p.Removed {
		_, err = h.store.RemoveReaction(ctx, p.MessageID, c.userID, p.Emoji)
	} else {
		_, err = h.store.AddReaction(ctx, p.MessageID, c.userID, p.Emoji)
	}
	if err != nil {
		return err
	}
	h.broadcast(roomID, mustFrame(wire.MessageReaction, p), nil)
	return nil
}

func (h *RoomHub) handlePin(ctx context.Context, c *conn, roomID string, f *wire.Frame) error {
	var p wire.PinPayload
	if err := f.Decode(&p); err != nil {
		return err
	}
	pinned := f.Type == wire.PinMessage
	if _, err := h.store.SetMessagePinned(ctx, p.MessageID, pinned); err != nil {
		return err
	}
	frameType := wire.MessagePinned
	if !pinned {
		frameType = wire.MessageUnpinned
	}
	h.broadcast(roomID, mustFrame(frameType, wire.PinPayload{MessageID: p.MessageID, Pinned: pinned}), nil)
	return nil
}

func (h *RoomHub) handleMarkRead(ctx context.Context, c *conn, roomID string, f *wire.Frame) error {
	var p wire.MarkReadPayload
	if err := f.Decode(&p); err != nil {
		return err
	}
	receipt, err := h.store.MarkMessageRead(ctx, p.MessageID, c.userID)
	if err != nil {
		return fmt.Errorf("MarkMessageRead: %w", err)
	}
	h.broadcast(roomID, mustFrame(wire.ReadReceiptFrame, receipt), nil)
	return nil
}

// broadcast sends a frame to every joined member of the room, except
// the excluded connection. Members that cannot drain are dropped.
func (h *RoomHub) broadcast(roomID string, f *wire.Frame, except *conn) {
	h.mu.RLock()
	var stalled []*conn
	for c, m := range h.rooms[roomID] {
		if c == except || !m.joined {
			continue
		}
		if !c.send(f) {
			stalled = append(stalled, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range stalled {
		h.disconnect(c)
	}
}

func (h *RoomHub) roomOf(c *conn) string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, conns := range h.rooms {
		if _, ok := conns[c]; ok {
			return id
		}
	}
	return ""
}

// participantsLocked must be called with mu held.
func (h *RoomHub) participantsLocked(roomID string) []wire.Participant {
	var out []wire.Participant
	for c, m := range h.rooms[roomID] {
		if !m.joined {
			continue
		}
		out = append(out, wire.Participant{
			UserID:      c.userID,
			UserName:    c.userName,
			ConnectedAt: c.connectedAt,
		})
	}
	return out
}

func (h *RoomHub) sendError(c *conn, op string, err error) {
	msg := "internal error"
	if errors.Is(err, store.ErrMessageNotFound) || errors.Is(err, store.ErrNotAuthor) ||
		errors.Is(err, store.ErrInvalidMessage) {
		msg = err.Error()
	}
	f, ferr := wire.NewFrame(wire.ErrorFrame, wire.ErrorPayload{Code: op, Message: msg})
	if ferr != nil {
		return
	}
	c.send(f)
}

// mustFrame is for payloads built by the hub itself, which always
// marshal.
func mustFrame(frameType string, payload any) *wire.Frame {
	f, err := wire.NewFrame(frameType, payload)
	if err != nil {
		panic(err)
	}
	return f
}
