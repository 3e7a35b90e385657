package auth

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dm-go/internal/apperr"
	"dm-go/internal/config"
)

var testAuth = config.AuthConfig{JWTSecretKey: "test-secret", JWTExpiry: time.Hour, Issuer: "dm-go-test"}

func TestGenerateAndValidate(t *testing.T) {
	token, err := GenerateToken(42, "alice", testAuth)
	require.NoError(t, err)

	claims, err := ValidateToken(context.Background(), token, testAuth.JWTSecretKey, nil)
	require.NoError(t, err)
	assert.Equal(t, uint(42), claims.UserID)
	assert.Equal(t, "alice", claims.Username)
	assert.Equal(t, "dm-go-test", claims.Issuer)
	assert.NotEmpty(t, claims.ID)
}

func TestValidateRejects(t *testing.T) {
	ctx := context.Background()

	token, err := GenerateToken(42, "alice", testAuth)
	require.NoError(t, err)
	_, err = ValidateToken(ctx, token, "other-secret", nil)
	assert.ErrorIs(t, err, apperr.ErrInvalidToken)

	expiredCfg := testAuth
	expiredCfg.JWTExpiry = -time.Minute
	expired, err := GenerateToken(42, "alice", expiredCfg)
	require.NoError(t, err)
	_, err = ValidateToken(ctx, expired, testAuth.JWTSecretKey, nil)
	assert.ErrorIs(t, err, apperr.ErrInvalidToken)

	_, err = ValidateToken(ctx, "garbage", testAuth.JWTSecretKey, nil)
	assert.ErrorIs(t, err, apperr.ErrInvalidToken)
	assert.Equal(t, apperr.Unauthenticated, apperr.KindOf(err))
}

func TestValidateHonoursBlacklist(t *testing.T) {
	ctx := context.Background()
	bl := NewMemoryBlacklist()

	token, err := GenerateToken(7, "bob", testAuth)
	require.NoError(t, err)
	claims, err := ValidateToken(ctx, token, testAuth.JWTSecretKey, bl)
	require.NoError(t, err)

	require.NoError(t, bl.Add(ctx, claims.ID, claims.ExpiresAt.Time))
	_, err = ValidateToken(ctx, token, testAuth.JWTSecretKey, bl)
	assert.ErrorIs(t, err, apperr.ErrInvalidToken)
}

func TestMemoryBlacklistExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	bl := NewMemoryBlacklist()
	bl.now = func() time.Time { return now }

	require.NoError(t, bl.Add(ctx, "a", now.Add(time.Minute)))
	require.NoError(t, bl.Add(ctx, "old", now.Add(-time.Minute)))

	revoked, _ := bl.IsBlacklisted(ctx, "a")
	assert.True(t, revoked)
	revoked, _ = bl.IsBlacklisted(ctx, "old")
	assert.False(t, revoked)

	now = now.Add(2 * time.Minute)
	revoked, _ = bl.IsBlacklisted(ctx, "a")
	assert.False(t, revoked)
}

func TestTokenFromRequest(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws?token=q", nil)
	assert.Equal(t, "q", TokenFromRequest(r))

	r.Header.Set("Authorization", "Bearer h")
	assert.Equal(t, "h", TokenFromRequest(r), "header wins over query")

	r.Header.Set("Authorization", "Basic xyz")
	assert.Empty(t, TokenFromRequest(r))

	assert.Empty(t, TokenFromRequest(httptest.NewRequest("GET", "/ws", nil)))
}
