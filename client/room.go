package client

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sittitep/tradetalk/wire"
)

type RoomState int

const (
	RoomIdle RoomState = iota
	RoomJoining
	RoomJoined
	RoomReconnecting
	RoomLeaving
)

func (s RoomState) String() string {
	switch s {
	case RoomIdle:
		return "idle"
	case RoomJoining:
		return "joining"
	case RoomJoined:
		return "joined"
	case RoomReconnecting:
		return "reconnecting"
	case RoomLeaving:
		return "leaving"
	default:
		return "unknown"
	}
}

type User struct {
	ID   string
	Name string
}

type RoomConfig struct {
	// Endpoint is the room-scoped websocket URL, e.g. wss://host/ws/rooms.
	Endpoint   string
	RoomID     string
	User       User
	Credential CredentialProvider
	Rest       *RestClient

	TypingWindow time.Duration
	RetryDelay   time.Duration
	MaxAttempts  int
	Dialer       *websocket.Dialer
	Logger       *slog.Logger

	OnStateChange func(RoomState)
	OnError       func(error)
}

// RoomSession ties one ConnManager scoped to a chat room to the stores
// that derive state from its frames. It owns the connection, the
// message store and the presence tracker; callers read merged state
// through it.
type RoomSession struct {
	roomID   string
	user     User
	conn     *ConnManager
	store    *MessageStore
	presence *PresenceTracker
	rest     *RestClient
	logger   *slog.Logger

	mu    sync.Mutex
	state RoomState

	onStateChange func(RoomState)
	onError       func(error)
}

func NewRoomSession(cfg RoomConfig) *RoomSession {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("room", cfg.RoomID))

	s := &RoomSession{
		roomID:        cfg.RoomID,
		user:          cfg.User,
		rest:          cfg.Rest,
		logger:        logger,
		state:         RoomIdle,
		onStateChange: cfg.OnStateChange,
		onError:       cfg.OnError,
	}
	s.store = NewMessageStore(logger)

	s.conn = NewConnManager(ConnConfig{
		Endpoint:    cfg.Endpoint,
		Credential:  cfg.Credential,
		ScopeParams: url.Values{"roomId": []string{cfg.RoomID}},
		RetryDelay:  cfg.RetryDelay,
		MaxAttempts: cfg.MaxAttempts,
		Dialer:      cfg.Dialer,
		Logger:      logger,
		JoinFrame:   s.joinFrame,
		Callbacks: ConnCallbacks{
			OnFrame: s.handleFrame,
			OnClose: s.handleClose,
			OnError: s.handleError,
		},
	})
	s.presence = NewPresenceTracker(
		wire.Participant{UserID: cfg.User.ID, UserName: cfg.User.Name},
		cfg.TypingWindow, s.conn.Send, logger)
	return s
}

// Join opens the connection and sends the join handshake. The session
// enters Joined only on the peer's room_participants acknowledgement,
// never on a bare transport open.
func (s *RoomSession) Join() {
	s.mu.Lock()
	if s.state != RoomIdle {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.setState(RoomJoining)
	s.conn.Connect()
}

// Leave sends a best-effort leave_room frame, then closes with a
// normal code so no reconnect is scheduled. Pending typing timers are
// canceled synchronously.
func (s *RoomSession) Leave() {
	s.setState(RoomLeaving)
	if f, err := wire.NewFrame(wire.LeaveRoom, wire.LeaveRoomPayload{
		RoomID: s.roomID,
		UserID: s.user.ID,
	}); err == nil {
		if serr := s.conn.Send(f); serr != nil {
			s.logger.Debug("leave_room frame dropped: " + serr.Error())
		}
	}
	s.presence.Close()
	s.conn.Close(websocket.CloseNormalClosure, "leaving")
	s.setState(RoomIdle)
}

func (s *RoomSession) State() RoomState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err reports the terminal connection error, if any.
func (s *RoomSession) Err() error {
	return s.conn.Err()
}

func (s *RoomSession) Messages() []wire.Message {
	return s.store.Messages()
}

func (s *RoomSession) PinnedMessages() []wire.Message {
	return s.store.Pinned()
}

func (s *RoomSession) Participants() []wire.Participant {
	return s.presence.Participants()
}

func (s *RoomSession) TypingUsers() []wire.Participant {
	return s.presence.TypingUsers()
}

// LoadHistory fetches a historical page over REST and merges it into
// the store. It may race the live stream in either order.
func (s *RoomSession) LoadHistory(ctx context.Context, limit int) error {
	msgs, err := s.rest.History(ctx, s.roomID, limit, time.Time{})
	if err != nil {
		return fmt.Errorf("History: %w", err)
	}
	s.store.SeedHistory(msgs)
	return nil
}

// SendChatMessage inserts an optimistic entry under a temporary id,
// mirrors a best-effort send_message frame, then creates the message
// durably over REST. On REST success the temp entry is atomically
// replaced by the server-issued entity; on failure it is removed and
// the error returned.
func (s *RoomSession) SendChatMessage(ctx context.Context, content string) (*wire.Message, error) {
	tempID := NewTempID(time.Now())
	s.store.InsertProvisional(wire.Message{
		ID:        tempID,
		RoomID:    s.roomID,
		AuthorID:  s.user.ID,
		Content:   content,
		CreatedAt: time.Now(),
	})
	s.presence.StopTyping(s.roomID)

	if f, err := wire.NewFrame(wire.SendMessage, wire.SendMessagePayload{
		RoomID:  s.roomID,
		Content: content,
		TempID:  tempID,
	}); err == nil {
		if serr := s.conn.Send(f); serr != nil {
			s.logger.Debug("send_message frame dropped: " + serr.Error())
		}
	}

	created, err := s.rest.CreateMessage(ctx, s.roomID, CreateMessageInput{Content: content, TempID: tempID})
	if err != nil {
		s.store.Reject(tempID)
		return nil, fmt.Errorf("CreateMessage: %w", err)
	}
	s.store.Confirm(tempID, *created)
	return created, nil
}

// EditMessage updates the durable copy first, applies the response
// locally, then mirrors the edit to live participants. A REST failure
// leaves local state untouched.
func (s *RoomSession) EditMessage(ctx context.Context, messageID, content string) error {
	updated, err := s.rest.UpdateMessage(ctx, messageID, EditMessageInput{Content: content})
	if err != nil {
		return fmt.Errorf("UpdateMessage: %w", err)
	}
	s.store.Upsert(*updated)
	s.mirror(wire.EditMessage, wire.EditMessagePayload{MessageID: messageID, Content: content})
	return nil
}

func (s *RoomSession) DeleteMessage(ctx context.Context, messageID string) error {
	if err := s.rest.DeleteMessage(ctx, messageID); err != nil {
		return fmt.Errorf("DeleteMessage: %w", err)
	}
	s.store.Delete(messageID)
	s.mirror(wire.DeleteMessage, wire.MessageDeletedPayload{MessageID: messageID})
	return nil
}

func (s *RoomSession) PinMessage(ctx context.Context, messageID string) error {
	updated, err := s.rest.PinMessage(ctx, messageID)
	if err != nil {
		return fmt.Errorf("PinMessage: %w", err)
	}
	s.store.Upsert(*updated)
	s.mirror(wire.PinMessage, wire.PinPayload{MessageID: messageID, Pinned: true})
	return nil
}

func (s *RoomSession) UnpinMessage(ctx context.Context, messageID string) error {
	updated, err := s.rest.UnpinMessage(ctx, messageID)
	if err != nil {
		return fmt.Errorf("UnpinMessage: %w", err)
	}
	s.store.Upsert(*updated)
	s.mirror(wire.UnpinMessage, wire.PinPayload{MessageID: messageID, Pinned: false})
	return nil
}

func (s *RoomSession) AddReaction(ctx context.Context, messageID, emoji string) error {
	updated, err := s.rest.AddReaction(ctx, messageID, emoji)
	if err != nil {
		return fmt.Errorf("AddReaction: %w", err)
	}
	s.store.Upsert(*updated)
	s.mirror(wire.AddReaction, wire.ReactionPayload{MessageID: messageID, UserID: s.user.ID, Emoji: emoji})
	return nil
}

func (s *RoomSession) RemoveReaction(ctx context.Context, messageID, emoji string) error {
	updated, err := s.rest.RemoveReaction(ctx, messageID, emoji)
	if err != nil {
		return fmt.Errorf("RemoveReaction: %w", err)
	}
	s.store.Upsert(*updated)
	s.mirror(wire.RemoveReaction, wire.ReactionPayload{MessageID: messageID, UserID: s.user.ID, Emoji: emoji, Removed: true})
	return nil
}

// MarkRead records a read receipt durably, then mirrors it. Duplicate
// receipts for the same (user, message) pair are idempotent.
func (s *RoomSession) MarkRead(ctx context.Context, messageID string) error {
	receipt, err := s.rest.CreateReceipt(ctx, messageID)
	if err != nil {
		return fmt.Errorf("CreateReceipt: %w", err)
	}
	s.store.ApplyReceipt(*receipt)
	s.mirror(wire.MarkRead, wire.MarkReadPayload{MessageID: messageID, UserID: s.user.ID})
	return nil
}

func (s *RoomSession) ReadReceipts(messageID string) []wire.ReadReceipt {
	return s.store.Receipts(messageID)
}

func (s *RoomSession) StartTyping() {
	s.presence.StartTyping(s.roomID)
}

func (s *RoomSession) StopTyping() {
	s.presence.StopTyping(s.roomID)
}

func (s *RoomSession) joinFrame() *wire.Frame {
	f, err := wire.NewFrame(wire.JoinRoom, wire.JoinRoomPayload{
		RoomID:   s.roomID,
		UserID:   s.user.ID,
		UserName: s.user.Name,
	})
	if err != nil {
		s.logger.Error(err.Error())
		return nil
	}
	return f
}

// mirror pushes an already-durable mutation to live participants.
// Failures are logged only; durability came from the REST write.
func (s *RoomSession) mirror(frameType string, payload any) {
	f, err := wire.NewFrame(frameType, payload)
	if err != nil {
		s.logger.Error(err.Error())
		return
	}
	if err := s.conn.Send(f); err != nil {
		s.logger.Debug(fmt.Sprintf("%s frame dropped: %v", frameType, err))
	}
}

// handleFrame routes one inbound frame. Frames are handled to
// completion in arrival order; unknown types are dropped with a log
// line so new server frame types never break old clients.
func (s *RoomSession) handleFrame(f *wire.Frame) {
	switch f.Type {
	case wire.NewMessage:
		var m wire.Message
		if err := f.Decode(&m); err != nil {
			s.logger.Error(err.Error())
			return
		}
		// A temp echo on the push means this is our own send coming
		// back; swap the optimistic entry instead of adding a second.
		if m.TempID != "" {
			s.store.Confirm(m.TempID, m)
			return
		}
		s.store.Upsert(m)
	case wire.MessageUpdated:
		var m wire.Message
		if err := f.Decode(&m); err != nil {
			s.logger.Error(err.Error())
			return
		}
		s.store.Upsert(m)
	case wire.MessageDeleted:
		var p wire.MessageDeletedPayload
		if err := f.Decode(&p); err != nil {
			s.logger.Error(err.Error())
			return
		}
		s.store.Delete(p.MessageID)
	case wire.TypingStart:
		var p wire.TypingPayload
		if err := f.Decode(&p); err != nil {
			s.logger.Error(err.Error())
			return
		}
		s.presence.HandleTypingStart(p)
	case wire.TypingStop:
		var p wire.TypingPayload
		if err := f.Decode(&p); err != nil {
			s.logger.Error(err.Error())
			return
		}
		s.presence.HandleTypingStop(p)
	case wire.UserJoined:
		var p wire.Participant
		if err := f.Decode(&p); err != nil {
			s.logger.Error(err.Error())
			return
		}
		s.presence.AddParticipant(p)
	case wire.UserLeft:
		var p wire.Participant
		if err := f.Decode(&p); err != nil {
			s.logger.Error(err.Error())
			return
		}
		s.presence.RemoveParticipant(p.UserID)
	case wire.RoomParticipants:
		var p wire.RoomParticipantsPayload
		if err := f.Decode(&p); err != nil {
			s.logger.Error(err.Error())
			return
		}
		s.presence.SetRoster(p.Participants)
		// The participants snapshot is the join acknowledgement.
		s.setState(RoomJoined)
	case wire.RoomHistory:
		var p wire.RoomHistoryPayload
		if err := f.Decode(&p); err != nil {
			s.logger.Error(err.Error())
			return
		}
		s.store.SeedHistory(p.Messages)
	case wire.MessageReaction:
		var p wire.ReactionPayload
		if err := f.Decode(&p); err != nil {
			s.logger.Error(err.Error())
			return
		}
		s.store.ApplyReaction(p)
	case wire.MessagePinned:
		var p wire.PinPayload
		if err := f.Decode(&p); err != nil {
			s.logger.Error(err.Error())
			return
		}
		s.store.SetPinned(p.MessageID, true)
	case wire.MessageUnpinned:
		var p wire.PinPayload
		if err := f.Decode(&p); err != nil {
			s.logger.Error(err.Error())
			return
		}
		s.store.SetPinned(p.MessageID, false)
	case wire.ReadReceiptFrame:
		var r wire.ReadReceipt
		if err := f.Decode(&r); err != nil {
			s.logger.Error(err.Error())
			return
		}
		s.store.ApplyReceipt(r)
	case wire.ErrorFrame:
		var p wire.ErrorPayload
		if err := f.Decode(&p); err != nil {
			s.logger.Error(err.Error())
			return
		}
		s.logger.Error(fmt.Sprintf("server error: %s %s", p.Code, p.Message))
		s.handleError(fmt.Errorf("server error: %s", p.Message))
	default:
		s.logger.Debug(fmt.Sprintf("unknown frame type %q dropped", f.Type))
	}
}

func (s *RoomSession) handleClose(code int, reason string) {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	if state == RoomLeaving || state == RoomIdle || code == websocket.CloseNormalClosure {
		return
	}
	// The manager is already scheduling the reconnect; the roster is
	// stale until the fresh join is acknowledged.
	s.setState(RoomReconnecting)
}

func (s *RoomSession) handleError(err error) {
	s.mu.Lock()
	terminal := s.conn.Err() != nil
	s.mu.Unlock()
	if terminal {
		s.setState(RoomIdle)
	}
	if s.onError != nil {
		s.onError(err)
	}
}

func (s *RoomSession) setState(next RoomState) {
	s.mu.Lock()
	if s.state == next {
		s.mu.Unlock()
		return
	}
	s.state = next
	s.mu.Unlock()
	if s.onStateChange != nil {
		s.onStateChange(next)
	}
}
