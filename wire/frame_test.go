package wire

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameEncodeDecode(t *testing.T) {
	frame, err := NewFrame(SendMessage, SendMessagePayload{
		RoomID:  "r1",
		Content: "hello",
		TempID:  "temp_1000",
	})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, EncodeFrame(&buf, frame))

	var got Frame
	require.NoError(t, DecodeFrame(&buf, &got))
	assert.Equal(t, SendMessage, got.Type)

	var payload SendMessagePayload
	require.NoError(t, got.Decode(&payload))
	assert.Equal(t, "r1", payload.RoomID)
	assert.Equal(t, "temp_1000", payload.TempID)
}

func TestDecodeFrameKeepsUnknownTypes(t *testing.T) {
	raw := `{"type":"server_maintenance","payload":{"at":"soon"}}`

	var got Frame
	require.NoError(t, DecodeFrame(strings.NewReader(raw), &got))
	assert.Equal(t, "server_maintenance", got.Type)
	assert.JSONEq(t, `{"at":"soon"}`, string(got.Payload))
}

func TestDecodeFrameRejectsMalformedJSON(t *testing.T) {
	var got Frame
	assert.Error(t, DecodeFrame(strings.NewReader("not json"), &got))
}

func TestFrameDecodePayloadMismatch(t *testing.T) {
	frame := Frame{Type: NewMessage, Payload: []byte(`{"id":42}`)}

	var m Message
	err := frame.Decode(&m)
	require.Error(t, err)
	assert.Contains(t, err.Error(), NewMessage)
}

func TestMessageIsProvisional(t *testing.T) {
	assert.True(t, Message{ID: TempIDPrefix + "1000"}.IsProvisional())
	assert.False(t, Message{ID: "m42"}.IsProvisional())
}

func TestMessageOptimisticFlagNotSerialized(t *testing.T) {
	frame, err := NewFrame(NewMessage, Message{
		ID:         "m1",
		RoomID:     "r1",
		CreatedAt:  time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
		Optimistic: true,
	})
	require.NoError(t, err)
	assert.NotContains(t, string(frame.Payload), "Optimistic")

	var m Message
	require.NoError(t, frame.Decode(&m))
	assert.False(t, m.Optimistic)
}
