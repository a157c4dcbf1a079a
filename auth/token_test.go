package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func TestTokenRoundTrip(t *testing.T) {
	token, exp, err := NewToken("u1", "Alice", time.Hour, testSecret)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), exp, time.Minute)

	claims, err := VerifyToken(token, testSecret)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.UserID)
	assert.Equal(t, "Alice", claims.UserName)
}

func TestVerifyTokenExpired(t *testing.T) {
	token, _, err := NewToken("u1", "Alice", -time.Minute, testSecret)
	require.NoError(t, err)

	_, err = VerifyToken(token, testSecret)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestVerifyTokenWrongSecret(t *testing.T) {
	token, _, err := NewToken("u1", "Alice", time.Hour, testSecret)
	require.NoError(t, err)

	_, err = VerifyToken(token, []byte("another-secret-another-secret-ab"))
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestVerifyTokenMalformed(t *testing.T) {
	_, err := VerifyToken("not-a-token", testSecret)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}
