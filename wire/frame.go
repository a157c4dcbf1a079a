package wire

import (
	"encoding/json"
	"fmt"
	"io"
)

// Frame is the envelope for every message exchanged over a duplex
// connection. The payload is decoded lazily by the handler that owns
// the frame type.
type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Room-scoped frame types sent by the client.
const (
	JoinRoom       = "join_room"
	LeaveRoom      = "leave_room"
	SendMessage    = "send_message"
	EditMessage    = "edit_message"
	DeleteMessage  = "delete_message"
	TypingStart    = "typing_start"
	TypingStop     = "typing_stop"
	AddReaction    = "add_reaction"
	RemoveReaction = "remove_reaction"
	PinMessage     = "pin_message"
	UnpinMessage   = "unpin_message"
	MarkRead       = "mark_read"
)

// Room-scoped frame types pushed by the server. TypingStart and
// TypingStop are echoed back with the same type string.
const (
	NewMessage       = "new_message"
	MessageUpdated   = "message_updated"
	MessageDeleted   = "message_deleted"
	UserJoined       = "user_joined"
	UserLeft         = "user_left"
	RoomParticipants = "room_participants"
	MessageReaction  = "message_reaction"
	MessagePinned    = "message_pinned"
	MessageUnpinned  = "message_unpinned"
	ReadReceiptFrame = "read_receipt"
	ErrorFrame       = "error"
	RoomHistory      = "room_history"
)

// Notification-scoped frame types.
const (
	NotificationPush     = "notification"
	NotificationsList    = "notifications_list"
	NotificationRead     = "notification_read"
	AllNotificationsRead = "all_notifications_read"
	MarkAllRead          = "mark_all_read"
)

func (f Frame) String() string {
	return fmt.Sprintf("Frame{Type: %s, Payload.Size: %d}", f.Type, len(f.Payload))
}

// NewFrame builds a frame with the payload marshaled into the envelope.
func NewFrame(frameType string, payload any) (*Frame, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal frame payload: %w", err)
	}
	return &Frame{Type: frameType, Payload: b}, nil
}

func EncodeFrame(w io.Writer, f *Frame) error {
	if err := json.NewEncoder(w).Encode(f); err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	return nil
}

func DecodeFrame(r io.Reader, f *Frame) error {
	if err := json.NewDecoder(r).Decode(f); err != nil {
		return fmt.Errorf("decode frame: %w", err)
	}
	return nil
}

// Decode unmarshals the frame payload into v.
func (f *Frame) Decode(v any) error {
	if err := json.Unmarshal(f.Payload, v); err != nil {
		return fmt.Errorf("unmarshal %s payload: %w", f.Type, err)
	}
	return nil
}
