package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sittitep/tradetalk/wire"
)

type SQLiteNotificationStore struct {
	db *sql.DB
}

func NewSQLiteNotificationStore(db *sql.DB) *SQLiteNotificationStore {
	return &SQLiteNotificationStore{db: db}
}

func (s *SQLiteNotificationStore) CreateNotification(ctx context.Context, userID string, payload json.RawMessage) (*wire.Notification, error) {
	n := &wire.Notification{
		ID:        uuid.New().String(),
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}

	query := `INSERT INTO notifications (id, user_id, payload, is_read, created_at)
	          VALUES (@id, @user_id, @payload, 0, @created_at)`
	_, err := s.db.ExecContext(ctx, query,
		sql.Named("id", n.ID), sql.Named("user_id", userID),
		sql.Named("payload", string(payload)), sql.Named("created_at", n.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("ExecContext(insert notification): %w", err)
	}
	return n, nil
}

func (s *SQLiteNotificationStore) GetUserNotifications(ctx context.Context, userID string, limit int) ([]wire.Notification, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, payload, is_read, created_at FROM notifications
		 WHERE user_id = @user_id ORDER BY created_at DESC LIMIT @limit`,
		sql.Named("user_id", userID), sql.Named("limit", limit))
	if err != nil {
		return nil, fmt.Errorf("QueryContext(notifications): %w", err)
	}
	defer rows.Close()

	var out []wire.Notification
	for rows.Next() {
		var n wire.Notification
		var payload string
		if err := rows.Scan(&n.ID, &payload, &n.IsRead, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("Scan(notification): %w", err)
		}
		n.Payload = json.RawMessage(payload)
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *SQLiteNotificationStore) MarkNotificationRead(ctx context.Context, id, userID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET is_read = 1 WHERE id = @id AND user_id = @user_id`,
		sql.Named("id", id), sql.Named("user_id", userID))
	if err != nil {
		return fmt.Errorf("ExecContext(mark read): %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotificationNotFound
	}
	return nil
}

func (s *SQLiteNotificationStore) MarkAllNotificationsRead(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET is_read = 1 WHERE user_id = @user_id`,
		sql.Named("user_id", userID))
	if err != nil {
		return fmt.Errorf("ExecContext(mark all read): %w", err)
	}
	return nil
}
