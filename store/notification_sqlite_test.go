package store

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateAndListNotifications(t *testing.T) {
	fixture := newBaseFixture(t)
	defer fixture.tearDown()
	notifications := NewSQLiteNotificationStore(fixture.db)
	userID := uuid.NewString()

	first, err := notifications.CreateNotification(fixture.ctx, userID, json.RawMessage(`{"kind":"mention"}`))
	require.NoError(t, err)
	assert.NotEmpty(t, first.ID)
	assert.False(t, first.IsRead)

	time.Sleep(5 * time.Millisecond)
	second, err := notifications.CreateNotification(fixture.ctx, userID, json.RawMessage(`{"kind":"reply"}`))
	require.NoError(t, err)

	got, err := notifications.GetUserNotifications(fixture.ctx, userID, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	// Newest first.
	assert.Equal(t, second.ID, got[0].ID)
	assert.Equal(t, first.ID, got[1].ID)
}

func TestMarkNotificationReadScopedToOwner(t *testing.T) {
	fixture := newBaseFixture(t)
	defer fixture.tearDown()
	notifications := NewSQLiteNotificationStore(fixture.db)
	userID := uuid.NewString()

	created, err := notifications.CreateNotification(fixture.ctx, userID, json.RawMessage(`{}`))
	require.NoError(t, err)

	// Another user cannot flip someone else's notification.
	err = notifications.MarkNotificationRead(fixture.ctx, created.ID, "intruder")
	assert.ErrorIs(t, err, ErrNotificationNotFound)

	require.NoError(t, notifications.MarkNotificationRead(fixture.ctx, created.ID, userID))

	got, err := notifications.GetUserNotifications(fixture.ctx, userID, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].IsRead)
}

func TestMarkAllNotificationsRead(t *testing.T) {
	fixture := newBaseFixture(t)
	defer fixture.tearDown()
	notifications := NewSQLiteNotificationStore(fixture.db)
	userID := uuid.NewString()

	for i := 0; i < 3; i++ {
		_, err := notifications.CreateNotification(fixture.ctx, userID, json.RawMessage(`{}`))
		require.NoError(t, err)
	}

	require.NoError(t, notifications.MarkAllNotificationsRead(fixture.ctx, userID))

	got, err := notifications.GetUserNotifications(fixture.ctx, userID, 0)
	require.NoError(t, err)
	require.Len(t, got, 3)
	for _, n := range got {
		assert.True(t, n.IsRead)
	}
}
