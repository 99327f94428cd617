package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenGenerator_RoundTrip(t *testing.T) {
	tg := NewTokenGenerator("secret", time.Hour)

	token, err := tg.GenerateAccessToken(42)
	require.NoError(t, err)
	assert.NotEmpty(t, token)

	userID, err := tg.ValidateAccessToken(token)
	require.NoError(t, err)
	assert.Equal(t, 42, userID)
}

func TestTokenGenerator_ValidateAccessToken(t *testing.T) {
	tg := NewTokenGenerator("secret", time.Hour)

	sign := func(claims jwt.MapClaims, secret string) string {
		s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
		require.NoError(t, err)
		return s
	}
	future := time.Now().Add(time.Hour).Unix()

	tests := []struct {
		name  string
		token string
	}{
		{name: "garbage", token: "not-a-token"},
		{name: "wrong secret", token: sign(jwt.MapClaims{"user_id": 1, "type": "access", "exp": future}, "other")},
		{name: "expired", token: sign(jwt.MapClaims{"user_id": 1, "type": "access", "exp": time.Now().Add(-time.Minute).Unix()}, "secret")},
		{name: "refresh type", token: sign(jwt.MapClaims{"user_id": 1, "type": "refresh", "exp": future}, "secret")},
		{name: "missing user id", token: sign(jwt.MapClaims{"type": "access", "exp": future}, "secret")},
		{name: "unsigned", token: func() string {
			s, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"user_id": 1, "type": "access"}).SignedString(jwt.UnsafeAllowNoneSignatureType)
			require.NoError(t, err)
			return s
		}()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			userID, err := tg.ValidateAccessToken(tt.token)
			assert.Error(t, err)
			assert.Zero(t, userID)
		})
	}
}
