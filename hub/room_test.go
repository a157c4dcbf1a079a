package hub

import (
	"net/url"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sittitep/tradetalk/auth"
	"github.com/sittitep/tradetalk/store"
	"github.com/sittitep/tradetalk/wire"
)

func TestRoomHubRejectsMissingRoomAndBadToken(t *testing.T) {
	f := newRoomHubFixture(t)

	token, _, err := auth.NewToken("u1", "Alice", time.Hour, testSecret)
	require.NoError(t, err)

	// Missing roomId.
	_, _, err = dialRaw(f.srv.URL, url.Values{"token": []string{token}})
	assert.Error(t, err)

	// Bad token.
	_, _, err = dialRaw(f.srv.URL, url.Values{
		"token":  []string{"garbage"},
		"roomId": []string{f.roomID},
	})
	assert.Error(t, err)
}

func TestRoomHubJoinAckAndHistory(t *testing.T) {
	f := newRoomHubFixture(t)
	chats := store.NewSQLiteChatStore(f.db)

	seeded, err := chats.CreateMessage(f.ctx, store.MessageCreateInput{
		RoomID:   f.roomID,
		AuthorID: "u9",
		Content:  "before anyone connected",
	})
	require.NoError(t, err)

	alice := dialRoom(t, f, "u1", "Alice")
	ack := alice.join(f.roomID, "Alice")

	var participants wire.RoomParticipantsPayload
	require.NoError(t, ack.Decode(&participants))
	assert.Equal(t, f.roomID, participants.RoomID)
	require.Len(t, participants.Participants, 1)
	assert.Equal(t, "u1", participants.Participants[0].UserID)

	history := alice.expect(wire.RoomHistory)
	var page wire.RoomHistoryPayload
	require.NoError(t, history.Decode(&page))
	require.Len(t, page.Messages, 1)
	assert.Equal(t, seeded.ID, page.Messages[0].ID)
}

func TestRoomHubBroadcastsMessages(t *testing.T) {
	f := newRoomHubFixture(t)

	alice := dialRoom(t, f, "u1", "Alice")
	alice.join(f.roomID, "Alice")

	bob := dialRoom(t, f, "u2", "Bob")
	bob.join(f.roomID, "Bob")

	// Alice learns about Bob joining.
	joined := alice.expect(wire.UserJoined)
	var p wire.Participant
	require.NoError(t, joined.Decode(&p))
	assert.Equal(t, "u2", p.UserID)

	tempID := "temp_" + uuid.NewString()
	alice.send(wire.SendMessage, wire.SendMessagePayload{
		RoomID:  f.roomID,
		Content: "hello",
		TempID:  tempID,
	})

	// Both sides receive the durable message with the server id; the
	// send token comes back so the sender can reconcile its optimistic
	// entry.
	for _, c := range []*testClient{alice, bob} {
		frame := c.expect(wire.NewMessage)
		var msg wire.Message
		require.NoError(t, frame.Decode(&msg))
		assert.NotEmpty(t, msg.ID)
		assert.NotEqual(t, tempID, msg.ID)
		assert.Equal(t, tempID, msg.TempID)
		assert.Equal(t, "u1", msg.AuthorID)
		assert.Equal(t, "hello", msg.Content)
	}
}

func TestRoomHubSendMessageDedupesRestCreate(t *testing.T) {
	f := newRoomHubFixture(t)
	chats := store.NewSQLiteChatStore(f.db)

	alice := dialRoom(t, f, "u1", "Alice")
	alice.join(f.roomID, "Alice")

	tempID := "temp_" + uuid.NewString()
	alice.send(wire.SendMessage, wire.SendMessagePayload{
		RoomID:  f.roomID,
		Content: "hello",
		TempID:  tempID,
	})
	frame := alice.expect(wire.NewMessage)
	var msg wire.Message
	require.NoError(t, frame.Decode(&msg))

	// The REST create for the same send lands with the same token and
	// must resolve to the row the frame already made.
	created, err := chats.CreateMessage(f.ctx, store.MessageCreateInput{
		RoomID:   f.roomID,
		AuthorID: "u1",
		Content:  "hello",
		TempID:   tempID,
	})
	require.NoError(t, err)
	assert.Equal(t, msg.ID, created.ID)

	msgs, err := chats.GetRoomMessages(f.ctx, f.roomID, 0, time.Time{})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
}

func TestRoomHubDeleteAfterRestDeleteStillFansOut(t *testing.T) {
	f := newRoomHubFixture(t)
	chats := store.NewSQLiteChatStore(f.db)

	alice := dialRoom(t, f, "u1", "Alice")
	alice.join(f.roomID, "Alice")
	bob := dialRoom(t, f, "u2", "Bob")
	bob.join(f.roomID, "Bob")
	alice.expect(wire.UserJoined)

	created, err := chats.CreateMessage(f.ctx, store.MessageCreateInput{
		RoomID:   f.roomID,
		AuthorID: "u1",
		Content:  "hello",
	})
	require.NoError(t, err)
	// The author already deleted the row over REST; the frame only
	// requests the fan-out.
	require.NoError(t, chats.DeleteMessage(f.ctx, created.ID, "u1"))

	alice.send(wire.DeleteMessage, wire.MessageDeletedPayload{MessageID: created.ID})

	frame := bob.expect(wire.MessageDeleted)
	var p wire.MessageDeletedPayload
	require.NoError(t, frame.Decode(&p))
	assert.Equal(t, created.ID, p.MessageID)

	// The sender gets the broadcast too, never an error frame.
	deadline := time.Now().Add(frameTimeout)
	for {
		alice.conn.SetReadDeadline(deadline)
		_, reader, err := alice.conn.NextReader()
		require.NoError(t, err)
		var got wire.Frame
		require.NoError(t, wire.DecodeFrame(reader, &got))
		require.NotEqual(t, wire.ErrorFrame, got.Type)
		if got.Type == wire.MessageDeleted {
			break
		}
	}
}

func TestRoomHubTypingRebroadcastExcludesSender(t *testing.T) {
	f := newRoomHubFixture(t)

	alice := dialRoom(t, f, "u1", "Alice")
	alice.join(f.roomID, "Alice")
	bob := dialRoom(t, f, "u2", "Bob")
	bob.join(f.roomID, "Bob")
	alice.expect(wire.UserJoined)

	alice.send(wire.TypingStart, wire.TypingPayload{RoomID: f.roomID, UserID: "u1", UserName: "Alice"})

	frame := bob.expect(wire.TypingStart)
	var typing wire.TypingPayload
	require.NoError(t, frame.Decode(&typing))
	assert.Equal(t, "u1", typing.UserID)

	// Typing is transient: the message table stays empty.
	chats := store.NewSQLiteChatStore(f.db)
	msgs, err := chats.GetRoomMessages(f.ctx, f.roomID, 0, time.Time{})
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestRoomHubUserLeftOnDisconnect(t *testing.T) {
	f := newRoomHubFixture(t)

	alice := dialRoom(t, f, "u1", "Alice")
	alice.join(f.roomID, "Alice")
	bob := dialRoom(t, f, "u2", "Bob")
	bob.join(f.roomID, "Bob")
	alice.expect(wire.UserJoined)

	bob.conn.Close()

	frame := alice.expect(wire.UserLeft)
	var p wire.Participant
	require.NoError(t, frame.Decode(&p))
	assert.Equal(t, "u2", p.UserID)
}

func TestRoomHubEditRequiresAuthor(t *testing.T) {
	f := newRoomHubFixture(t)
	chats := store.NewSQLiteChatStore(f.db)

	msg, err := chats.CreateMessage(f.ctx, store.MessageCreateInput{
		RoomID:   f.roomID,
		AuthorID: "u1",
		Content:  "original",
	})
	require.NoError(t, err)

	bob := dialRoom(t, f, "u2", "Bob")
	bob.join(f.roomID, "Bob")

	bob.send(wire.EditMessage, wire.EditMessagePayload{MessageID: msg.ID, Content: "hacked"})

	frame := bob.expect(wire.ErrorFrame)
	var e wire.ErrorPayload
	require.NoError(t, frame.Decode(&e))
	assert.Equal(t, wire.EditMessage, e.Code)

	kept, err := chats.GetMessageByID(f.ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, "original", kept.Content)
}

func TestRoomHubPinAndReceiptFanOut(t *testing.T) {
	f := newRoomHubFixture(t)
	chats := store.NewSQLiteChatStore(f.db)

	msg, err := chats.CreateMessage(f.ctx, store.MessageCreateInput{
		RoomID:   f.roomID,
		AuthorID: "u1",
		Content:  "pin me",
	})
	require.NoError(t, err)

	alice := dialRoom(t, f, "u1", "Alice")
	alice.join(f.roomID, "Alice")
	bob := dialRoom(t, f, "u2", "Bob")
	bob.join(f.roomID, "Bob")
	alice.expect(wire.UserJoined)

	alice.send(wire.PinMessage, wire.PinPayload{MessageID: msg.ID})
	frame := bob.expect(wire.MessagePinned)
	var pin wire.PinPayload
	require.NoError(t, frame.Decode(&pin))
	assert.True(t, pin.Pinned)

	bob.send(wire.MarkRead, wire.MarkReadPayload{MessageID: msg.ID, UserID: "u2"})
	frame = alice.expect(wire.ReadReceiptFrame)
	var receipt wire.ReadReceipt
	require.NoError(t, frame.Decode(&receipt))
	assert.Equal(t, "u2", receipt.UserID)
	assert.Equal(t, msg.ID, receipt.MessageID)
}
