package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sittitep/tradetalk/wire"
)

type SQLiteChatStore struct {
	db *sql.DB
}

func NewSQLiteChatStore(db *sql.DB) *SQLiteChatStore {
	return &SQLiteChatStore{db: db}
}

func (s *SQLiteChatStore) CreateMessage(ctx context.Context, in MessageCreateInput) (*wire.Message, error) {
	if err := in.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	msg := &wire.Message{
		ID:        uuid.New().String(),
		RoomID:    in.RoomID,
		AuthorID:  in.AuthorID,
		Content:   in.Content,
		CreatedAt: time.Now().UTC(),
		TempID:    in.TempID,
	}

	if in.TempID == "" {
		query := `INSERT INTO messages (id, room_id, author_id, content, created_at, is_pinned)
		          VALUES (@id, @room_id, @author_id, @content, @created_at, 0)`
		_, err := s.db.ExecContext(ctx, query,
			sql.Named("id", msg.ID), sql.Named("room_id", msg.RoomID),
			sql.Named("author_id", msg.AuthorID), sql.Named("content", msg.Content),
			sql.Named("created_at", msg.CreatedAt))
		if err != nil {
			return nil, fmt.Errorf("ExecContext(insert message): %w", err)
		}
		return msg, nil
	}

	// A single client send can arrive twice, once over the socket and
	// once over REST. The unique temp_id column turns the later insert
	// into a no-op, and both callers read back the surviving row.
	query := `INSERT INTO messages (id, room_id, author_id, content, created_at, is_pinned, temp_id)
	          VALUES (@id, @room_id, @author_id, @content, @created_at, 0, @temp_id)
	          ON CONFLICT (temp_id) DO NOTHING`
	_, err := s.db.ExecContext(ctx, query,
		sql.Named("id", msg.ID), sql.Named("room_id", msg.RoomID),
		sql.Named("author_id", msg.AuthorID), sql.Named("content", msg.Content),
		sql.Named("created_at", msg.CreatedAt), sql.Named("temp_id", msg.TempID))
	if err != nil {
		return nil, fmt.Errorf("ExecContext(insert message): %w", err)
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT id, created_at FROM messages WHERE temp_id = @temp_id`,
		sql.Named("temp_id", msg.TempID))
	if err := row.Scan(&msg.ID, &msg.CreatedAt); err != nil {
		return nil, fmt.Errorf("Scan(message by temp_id): %w", err)
	}
	return msg, nil
}

func (s *SQLiteChatStore) GetMessageByID(ctx context.Context, id string) (*wire.Message, error) {
	query := `SELECT id, room_id, author_id, content, created_at, is_pinned
	          FROM messages WHERE id = @id`
	row := s.db.QueryRowContext(ctx, query, sql.Named("id", id))

	var msg wire.Message
	err := row.Scan(&msg.ID, &msg.RoomID, &msg.AuthorID, &msg.Content, &msg.CreatedAt, &msg.IsPinned)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("Scan(message): %w", err)
	}

	if err := s.loadReactions(ctx, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (s *SQLiteChatStore) GetRoomMessages(ctx context.Context, roomID string, limit int, before time.Time) ([]wire.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, room_id, author_id, content, created_at, is_pinned
	          FROM messages
	          WHERE room_id = @room_id AND (@before IS NULL OR created_at < @before)
	          ORDER BY created_at ASC, id ASC
	          LIMIT @limit`
	var beforeArg any
	if !before.IsZero() {
		beforeArg = before
	}
	rows, err := s.db.QueryContext(ctx, query,
		sql.Named("room_id", roomID), sql.Named("before", beforeArg), sql.Named("limit", limit))
	if err != nil {
		return nil, fmt.Errorf("QueryContext(messages): %w", err)
	}
	defer rows.Close()

	var msgs []wire.Message
	for rows.Next() {
		var msg wire.Message
		if err := rows.Scan(&msg.ID, &msg.RoomID, &msg.AuthorID, &msg.Content, &msg.CreatedAt, &msg.IsPinned); err != nil {
			return nil, fmt.Errorf("Scan(message): %w", err)
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}

	for i := range msgs {
		if err := s.loadReactions(ctx, &msgs[i]); err != nil {
			return nil, err
		}
	}
	return msgs, nil
}

func (s *SQLiteChatStore) UpdateMessage(ctx context.Context, id, authorID, content string) (*wire.Message, error) {
	msg, err := s.GetMessageByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if msg.AuthorID != authorID {
		return nil, ErrNotAuthor
	}

	query := `UPDATE messages SET content = @content WHERE id = @id`
	_, err = s.db.ExecContext(ctx, query, sql.Named("content", content), sql.Named("id", id))
	if err != nil {
		return nil, fmt.Errorf("ExecContext(update message): %w", err)
	}
	msg.Content = content
	return msg, nil
}

func (s *SQLiteChatStore) DeleteMessage(ctx context.Context, id, authorID string) error {
	msg, err := s.GetMessageByID(ctx, id)
	if err != nil {
		return err
	}
	if msg.AuthorID != authorID {
		return ErrNotAuthor
	}

	_, err = s.db.ExecContext(ctx, `DELETE FROM messages WHERE id = @id`, sql.Named("id", id))
	if err != nil {
		return fmt.Errorf("ExecContext(delete message): %w", err)
	}
	return nil
}

func (s *SQLiteChatStore) SetMessagePinned(ctx context.Context, id string, pinned bool) (*wire.Message, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE messages SET is_pinned = @pinned WHERE id = @id`,
		sql.Named("pinned", pinned), sql.Named("id", id))
	if err != nil {
		return nil, fmt.Errorf("ExecContext(pin message): %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrMessageNotFound
	}
	return s.GetMessageByID(ctx, id)
}

func (s *SQLiteChatStore) AddReaction(ctx context.Context, messageID, userID, emoji string) (*wire.Message, error) {
	query := `INSERT INTO reactions (message_id, user_id, emoji, created_at)
	          VALUES (@message_id, @user_id, @emoji, @created_at)
	          ON CONFLICT (message_id, user_id, emoji) DO NOTHING`
	_, err := s.db.ExecContext(ctx, query,
		sql.Named("message_id", messageID), sql.Named("user_id", userID),
		sql.Named("emoji", emoji), sql.Named("created_at", time.Now().UTC()))
	if err != nil {
		return nil, fmt.Errorf("ExecContext(insert reaction): %w", err)
	}
	return s.GetMessageByID(ctx, messageID)
}

func (s *SQLiteChatStore) RemoveReaction(ctx context.Context, messageID, userID, emoji string) (*wire.Message, error) {
	query := `DELETE FROM reactions
	          WHERE message_id = @message_id AND user_id = @user_id AND emoji = @emoji`
	_, err := s.db.ExecContext(ctx, query,
		sql.Named("message_id", messageID), sql.Named("user_id", userID), sql.Named("emoji", emoji))
	if err != nil {
		return nil, fmt.Errorf("ExecContext(delete reaction): %w", err)
	}
	return s.GetMessageByID(ctx, messageID)
}

func (s *SQLiteChatStore) MarkMessageRead(ctx context.Context, messageID, userID string) (*wire.ReadReceipt, error) {
	if _, err := s.GetMessageByID(ctx, messageID); err != nil {
		return nil, err
	}

	// The unique (user_id, message_id) index makes duplicates no-ops;
	// the original read_at comes back either way.
	query := `INSERT INTO read_receipts (user_id, message_id, read_at)
	          VALUES (@user_id, @message_id, @read_at)
	          ON CONFLICT (user_id, message_id) DO NOTHING`
	_, err := s.db.ExecContext(ctx, query,
		sql.Named("user_id", userID), sql.Named("message_id", messageID),
		sql.Named("read_at", time.Now().UTC()))
	if err != nil {
		return nil, fmt.Errorf("ExecContext(insert receipt): %w", err)
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT user_id, message_id, read_at FROM read_receipts
		 WHERE user_id = @user_id AND message_id = @message_id`,
		sql.Named("user_id", userID), sql.Named("message_id", messageID))
	var receipt wire.ReadReceipt
	if err := row.Scan(&receipt.UserID, &receipt.MessageID, &receipt.ReadAt); err != nil {
		return nil, fmt.Errorf("Scan(receipt): %w", err)
	}
	return &receipt, nil
}

func (s *SQLiteChatStore) GetMessageReceipts(ctx context.Context, messageID string) ([]wire.ReadReceipt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, message_id, read_at FROM read_receipts
		 WHERE message_id = @message_id ORDER BY read_at ASC`,
		sql.Named("message_id", messageID))
	if err != nil {
		return nil, fmt.Errorf("QueryContext(receipts): %w", err)
	}
	defer rows.Close()

	var receipts []wire.ReadReceipt
	for rows.Next() {
		var r wire.ReadReceipt
		if err := rows.Scan(&r.UserID, &r.MessageID, &r.ReadAt); err != nil {
			return nil, fmt.Errorf("Scan(receipt): %w", err)
		}
		receipts = append(receipts, r)
	}
	return receipts, rows.Err()
}

func (s *SQLiteChatStore) loadReactions(ctx context.Context, msg *wire.Message) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, emoji FROM reactions WHERE message_id = @message_id ORDER BY created_at ASC`,
		sql.Named("message_id", msg.ID))
	if err != nil {
		return fmt.Errorf("QueryContext(reactions): %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var r wire.Reaction
		if err := rows.Scan(&r.UserID, &r.Emoji); err != nil {
			return fmt.Errorf("Scan(reaction): %w", err)
		}
		msg.Reactions = append(msg.Reactions, r)
	}
	return rows.Err()
}
