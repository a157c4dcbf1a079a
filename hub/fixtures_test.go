package hub

import (
	"context"
	"database/sql"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
	"github.com/stretchr/testify/require"

	"github.com/sittitep/tradetalk/auth"
	"github.com/sittitep/tradetalk/store"
	"github.com/sittitep/tradetalk/wire"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

const frameTimeout = 5 * time.Second

type baseFixture struct {
	ctx      context.Context
	db       *sql.DB
	t        *testing.T
	roomID   string
	tearDown func()
}

func newBaseFixture(t *testing.T) *baseFixture {
	ctx, cancel := context.WithCancel(context.Background())

	db, err := sql.Open("sqlite3", "file::memory:?cache=shared")
	if err != nil {
		t.Fatal(err)
	}

	migrationfs := os.DirFS("../migrations")
	goose.SetBaseFS(migrationfs)

	if err := goose.SetDialect("sqlite3"); err != nil {
		t.Fatal(err)
	}

	if err := goose.Up(db, "."); err != nil {
		t.Fatal(err)
	}

	return &baseFixture{
		ctx:    ctx,
		db:     db,
		t:      t,
		roomID: uuid.NewString(),
		tearDown: func() {
			cancel()
			db.Close()
		},
	}
}

type roomHubFixture struct {
	*baseFixture
	hub *RoomHub
	srv *httptest.Server
}

func newRoomHubFixture(t *testing.T) *roomHubFixture {
	base := newBaseFixture(t)
	h := NewRoomHub(store.NewSQLiteChatStore(base.db), testSecret, WithBaseContext(base.ctx))
	srv := httptest.NewServer(h)
	t.Cleanup(func() {
		srv.Close()
		h.Close()
		base.tearDown()
	})
	return &roomHubFixture{baseFixture: base, hub: h, srv: srv}
}

type notificationHubFixture struct {
	*baseFixture
	hub *NotificationHub
	srv *httptest.Server
}

func newNotificationHubFixture(t *testing.T) *notificationHubFixture {
	base := newBaseFixture(t)
	h := NewNotificationHub(store.NewSQLiteNotificationStore(base.db), testSecret,
		WithNotificationBaseContext(base.ctx))
	srv := httptest.NewServer(h)
	t.Cleanup(func() {
		srv.Close()
		h.Close()
		base.tearDown()
	})
	return &notificationHubFixture{baseFixture: base, hub: h, srv: srv}
}

// testClient is a raw websocket peer used to exercise the hubs without
// going through the client package.
type testClient struct {
	t      *testing.T
	conn   *websocket.Conn
	userID string
}

// dialRaw attempts an upgrade and surfaces the handshake error.
func dialRaw(srvURL string, params url.Values) (*websocket.Conn, *http.Response, error) {
	u := strings.Replace(srvURL, "http://", "ws://", 1) + "?" + params.Encode()
	conn, resp, err := websocket.DefaultDialer.Dial(u, nil)
	if conn != nil {
		conn.Close()
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return conn, resp, err
}

func dialWS(t *testing.T, srvURL string, params url.Values) *websocket.Conn {
	t.Helper()
	u := strings.Replace(srvURL, "http://", "ws://", 1) + "?" + params.Encode()
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func dialRoom(t *testing.T, f *roomHubFixture, userID, userName string) *testClient {
	t.Helper()
	token, _, err := auth.NewToken(userID, userName, time.Hour, testSecret)
	require.NoError(t, err)
	conn := dialWS(t, f.srv.URL, url.Values{
		"token":  []string{token},
		"roomId": []string{f.roomID},
	})
	return &testClient{t: t, conn: conn, userID: userID}
}

func dialNotifications(t *testing.T, f *notificationHubFixture, userID, userName string) *testClient {
	t.Helper()
	token, _, err := auth.NewToken(userID, userName, time.Hour, testSecret)
	require.NoError(t, err)
	conn := dialWS(t, f.srv.URL, url.Values{
		"token":  []string{token},
		"userId": []string{userID},
	})
	return &testClient{t: t, conn: conn, userID: userID}
}

func (c *testClient) send(frameType string, payload any) {
	c.t.Helper()
	f, err := wire.NewFrame(frameType, payload)
	require.NoError(c.t, err)
	w, err := c.conn.NextWriter(websocket.TextMessage)
	require.NoError(c.t, err)
	require.NoError(c.t, wire.EncodeFrame(w, f))
	require.NoError(c.t, w.Close())
}

// expect reads frames until one of the wanted type arrives. Frames of
// other types are discarded, so tests can assert on a single frame in
// a stream that interleaves broadcasts.
func (c *testClient) expect(frameType string) *wire.Frame {
	c.t.Helper()
	deadline := time.Now().Add(frameTimeout)
	for {
		c.conn.SetReadDeadline(deadline)
		_, reader, err := c.conn.NextReader()
		require.NoError(c.t, err, "waiting for %s frame", frameType)
		var f wire.Frame
		require.NoError(c.t, wire.DecodeFrame(reader, &f))
		if f.Type == frameType {
			return &f
		}
	}
}

// join performs the handshake and waits for the acknowledgement.
func (c *testClient) join(roomID, userName string) *wire.Frame {
	c.t.Helper()
	c.send(wire.JoinRoom, wire.JoinRoomPayload{RoomID: roomID, UserID: c.userID, UserName: userName})
	return c.expect(wire.RoomParticipants)
}
