package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateToken(t *testing.T) {
	SetSecret("test-secret")

	t.Run("RoundTrip", func(t *testing.T) {
		token, err := GenerateToken("u1", "alice", "user", time.Minute)
		require.NoError(t, err)

		claims, err := ValidateToken(token)
		require.NoError(t, err)
		assert.Equal(t, "u1", claims.UserID)
		assert.Equal(t, "alice", claims.Username)
	})

	t.Run("Expired", func(t *testing.T) {
		token, err := GenerateToken("u1", "alice", "user", -time.Minute)
		require.NoError(t, err)

		_, err = ValidateToken(token)
		require.ErrorIs(t, err, jwt.ErrTokenExpired)
	})

	t.Run("WrongSecret", func(t *testing.T) {
		token, err := GenerateToken("u1", "alice", "user", time.Minute)
		require.NoError(t, err)

		SetSecret("rotated")
		defer SetSecret("test-secret")
		_, err = ValidateToken(token)
		require.ErrorIs(t, err, jwt.ErrTokenSignatureInvalid)
	})

	t.Run("Garbage", func(t *testing.T) {
		_, err := ValidateToken("not-a-token")
		require.Error(t, err)
	})
}
