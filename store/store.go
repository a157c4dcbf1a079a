package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/sittitep/tradetalk/wire"
)

var (
	// ErrMessageNotFound is returned when a message id resolves to nothing.
	ErrMessageNotFound = errors.New("message not found")
	// ErrNotAuthor is returned when a user mutates a message they did not write.
	ErrNotAuthor = errors.New("not the message author")
	// ErrInvalidMessage is returned when a message input fails validation.
	ErrInvalidMessage = errors.New("invalid message")
	// ErrNotificationNotFound is returned when a notification id resolves to nothing.
	ErrNotificationNotFound = errors.New("notification not found")
)

var validate = validator.New()

// MessageCreateInput is the durable create request for a message.
// TempID is the optional client send token; creates carrying the same
// token collapse to one row.
type MessageCreateInput struct {
	RoomID   string `json:"room_id" validate:"required"`
	AuthorID string `json:"author_id" validate:"required"`
	Content  string `json:"content" validate:"required"`
	TempID   string `json:"temp_id,omitempty"`
}

func (m *MessageCreateInput) Validate() error {
	return validate.Struct(m)
}

type ChatStore interface {
	// CreateMessage persists a message and returns it with the
	// server-issued id and timestamp.
	CreateMessage(ctx context.Context, in MessageCreateInput) (*wire.Message, error)

	GetMessageByID(ctx context.Context, id string) (*wire.Message, error)

	// GetRoomMessages returns a page of room messages ordered by
	// created_at ascending. A zero limit defaults to 100. A non-zero
	// before excludes messages created at or after it.
	GetRoomMessages(ctx context.Context, roomID string, limit int, before time.Time) ([]wire.Message, error)

	// UpdateMessage replaces the content. Only the author may edit.
	UpdateMessage(ctx context.Context, id, authorID, content string) (*wire.Message, error)

	// DeleteMessage removes the message. Only the author may delete.
	DeleteMessage(ctx context.Context, id, authorID string) error

	SetMessagePinned(ctx context.Context, id string, pinned bool) (*wire.Message, error)

	AddReaction(ctx context.Context, messageID, userID, emoji string) (*wire.Message, error)

	RemoveReaction(ctx context.Context, messageID, userID, emoji string) (*wire.Message, error)

	// MarkMessageRead records a read receipt. The (user, message) pair
	// is unique; recording it twice returns the original receipt.
	MarkMessageRead(ctx context.Context, messageID, userID string) (*wire.ReadReceipt, error)

	GetMessageReceipts(ctx context.Context, messageID string) ([]wire.ReadReceipt, error)
}

type NotificationStore interface {
	CreateNotification(ctx context.Context, userID string, payload json.RawMessage) (*wire.Notification, error)

	// GetUserNotifications returns the user's notifications newest first.
	// A zero limit defaults to 100.
	GetUserNotifications(ctx context.Context, userID string, limit int) ([]wire.Notification, error)

	MarkNotificationRead(ctx context.Context, id, userID string) error

	MarkAllNotificationsRead(ctx context.Context, userID string) error
}
