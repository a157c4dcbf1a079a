package client

import (
	"context"
	"database/sql"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sittitep/tradetalk/api"
	"github.com/sittitep/tradetalk/auth"
	"github.com/sittitep/tradetalk/hub"
	"github.com/sittitep/tradetalk/store"
)

var platformSecret = []byte("0123456789abcdef0123456789abcdef")

// platformFixture runs the real server stack the way the app wires it:
// the REST surface under /api and the room hub under /ws/rooms, both
// backed by one sqlite database.
type platformFixture struct {
	ctx    context.Context
	srv    *httptest.Server
	chats  store.ChatStore
	roomID string
}

func newPlatformFixture(t *testing.T) *platformFixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	db, err := sql.Open("sqlite3", "file::memory:?cache=shared")
	require.NoError(t, err)
	goose.SetBaseFS(os.DirFS("../migrations"))
	require.NoError(t, goose.SetDialect("sqlite3"))
	require.NoError(t, goose.Up(db, "."))

	chats := store.NewSQLiteChatStore(db)
	notifications := store.NewSQLiteNotificationStore(db)
	roomHub := hub.NewRoomHub(chats, platformSecret, hub.WithBaseContext(ctx))
	restAPI := api.New(chats, notifications, api.Config{Secret: platformSecret})

	r := chi.NewRouter()
	r.Mount("/api", restAPI.Handler())
	r.Get("/ws/rooms", roomHub.ServeHTTP)
	srv := httptest.NewServer(r)

	t.Cleanup(func() {
		srv.Close()
		roomHub.Close()
		cancel()
		db.Close()
	})
	return &platformFixture{ctx: ctx, srv: srv, chats: chats, roomID: uuid.NewString()}
}

func joinPlatform(t *testing.T, f *platformFixture, userID, userName string, onError func(error)) *RoomSession {
	t.Helper()
	token, _, err := auth.NewToken(userID, userName, time.Hour, platformSecret)
	require.NoError(t, err)

	s := NewRoomSession(RoomConfig{
		Endpoint:    strings.Replace(f.srv.URL, "http://", "ws://", 1) + "/ws/rooms",
		RoomID:      f.roomID,
		User:        User{ID: userID, Name: userName},
		Credential:  StaticCredential(token),
		Rest:        NewRestClient(f.srv.URL, StaticCredential(token), nil),
		RetryDelay:  10 * time.Millisecond,
		MaxAttempts: 3,
		OnError:     onError,
	})
	t.Cleanup(s.Leave)
	s.Join()
	waitFor(t, baseTimeout, func() bool { return s.State() == RoomJoined }, userName+" joined")
	return s
}

func TestRoundTripSendWhileConnectedCreatesOneMessage(t *testing.T) {
	f := newPlatformFixture(t)

	sender := joinPlatform(t, f, "u1", "Alice", nil)
	watcher := joinPlatform(t, f, "u2", "Bob", nil)

	created, err := sender.SendChatMessage(f.ctx, "hi")
	require.NoError(t, err)
	assert.False(t, created.IsProvisional())

	waitFor(t, baseTimeout, func() bool { return len(watcher.Messages()) == 1 }, "watcher sees the message")

	// The socket frame and the REST create both carried the send; let
	// any late push land, then every view must hold the message once.
	time.Sleep(100 * time.Millisecond)

	senderView := sender.Messages()
	require.Len(t, senderView, 1)
	assert.Equal(t, created.ID, senderView[0].ID)
	assert.False(t, senderView[0].Optimistic)

	watcherView := watcher.Messages()
	require.Len(t, watcherView, 1)
	assert.Equal(t, created.ID, watcherView[0].ID)

	rows, err := f.chats.GetRoomMessages(f.ctx, f.roomID, 0, time.Time{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, created.ID, rows[0].ID)
}

func TestRoundTripDeletePropagatesToParticipants(t *testing.T) {
	f := newPlatformFixture(t)

	errs := make(chan error, 8)
	sender := joinPlatform(t, f, "u1", "Alice", func(err error) { errs <- err })
	watcher := joinPlatform(t, f, "u2", "Bob", nil)

	created, err := sender.SendChatMessage(f.ctx, "hi")
	require.NoError(t, err)
	waitFor(t, baseTimeout, func() bool { return len(watcher.Messages()) == 1 }, "watcher sees the message")

	require.NoError(t, sender.DeleteMessage(f.ctx, created.ID))

	waitFor(t, baseTimeout, func() bool { return len(watcher.Messages()) == 0 }, "watcher drops the message")
	assert.Empty(t, sender.Messages())

	// The delete mirror must fan out cleanly, not bounce back as a
	// server error.
	select {
	case err := <-errs:
		t.Fatalf("unexpected session error: %v", err)
	case <-time.After(100 * time.Millisecond):
	}
}
