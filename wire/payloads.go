package wire

import (
	"encoding/json"
	"strings"
	"time"
)

// Message is a chat message as it travels over the wire and the REST
// API. Optimistic is client-local state and never serialized: it marks
// an entry inserted ahead of server confirmation, keyed by a temporary
// client-generated id.
type Message struct {
	ID        string     `json:"id"`
	RoomID    string     `json:"room_id"`
	AuthorID  string     `json:"author_id"`
	Content   string     `json:"content"`
	CreatedAt time.Time  `json:"created_at"`
	IsPinned  bool       `json:"is_pinned"`
	Reactions []Reaction `json:"reactions,omitempty"`
	// TempID echoes the client-generated provisional id on the create
	// path only, so the sender can reconcile its optimistic entry.
	TempID string `json:"temp_id,omitempty"`

	Optimistic bool `json:"-"`
}

// TempIDPrefix marks client-generated provisional message ids.
const TempIDPrefix = "temp_"

func (m Message) IsProvisional() bool {
	return strings.HasPrefix(m.ID, TempIDPrefix)
}

type Reaction struct {
	UserID string `json:"user_id"`
	Emoji  string `json:"emoji"`
}

type Participant struct {
	UserID      string    `json:"user_id"`
	UserName    string    `json:"user_name"`
	ConnectedAt time.Time `json:"connected_at"`
}

type ReadReceipt struct {
	UserID    string    `json:"user_id"`
	MessageID string    `json:"message_id"`
	ReadAt    time.Time `json:"read_at"`
}

type Notification struct {
	ID        string          `json:"id"`
	Payload   json.RawMessage `json:"payload"`
	IsRead    bool            `json:"is_read"`
	CreatedAt time.Time       `json:"created_at"`
}

type JoinRoomPayload struct {
	RoomID   string `json:"room_id"`
	UserID   string `json:"user_id"`
	UserName string `json:"user_name"`
}

type LeaveRoomPayload struct {
	RoomID string `json:"room_id"`
	UserID string `json:"user_id"`
}

type SendMessagePayload struct {
	RoomID  string `json:"room_id"`
	Content string `json:"content"`
	// TempID lets peers correlate the push with an optimistic entry.
	TempID string `json:"temp_id,omitempty"`
}

type EditMessagePayload struct {
	MessageID string `json:"message_id"`
	Content   string `json:"content"`
}

type MessageDeletedPayload struct {
	MessageID string `json:"message_id"`
}

type TypingPayload struct {
	RoomID   string `json:"room_id"`
	UserID   string `json:"user_id"`
	UserName string `json:"user_name"`
}

type ReactionPayload struct {
	MessageID string `json:"message_id"`
	UserID    string `json:"user_id"`
	Emoji     string `json:"emoji"`
	Removed   bool   `json:"removed,omitempty"`
}

type PinPayload struct {
	MessageID string `json:"message_id"`
	Pinned    bool   `json:"pinned"`
}

type MarkReadPayload struct {
	MessageID string `json:"message_id"`
	UserID    string `json:"user_id"`
}

type RoomParticipantsPayload struct {
	RoomID       string        `json:"room_id"`
	Participants []Participant `json:"participants"`
}

type RoomHistoryPayload struct {
	RoomID   string    `json:"room_id"`
	Messages []Message `json:"messages"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type NotificationsListPayload struct {
	Notifications []Notification `json:"notifications"`
}

type NotificationReadPayload struct {
	NotificationID string `json:"notification_id"`
}
