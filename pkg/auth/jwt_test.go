package auth

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mahaj/dupahar-chat/pkg/model"
	"github.com/mahaj/dupahar-chat/pkg/store"
)

func TestTokenRoundTrip(t *testing.T) {
	tokens := NewTokens("secret", time.Hour)
	tok, err := tokens.GenerateToken("alice")
	require.NoError(t, err)

	claims, err := tokens.ValidateToken(tok)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.UserID)
}

func TestValidateRejects(t *testing.T) {
	tokens := NewTokens("secret", time.Hour)

	_, err := tokens.ValidateToken("")
	require.ErrorIs(t, err, ErrMissingToken)

	other, err := NewTokens("other", time.Hour).GenerateToken("alice")
	require.NoError(t, err)
	_, err = tokens.ValidateToken(other)
	require.ErrorIs(t, err, ErrInvalidToken)

	stale := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		UserID:           "alice",
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute))},
	})
	expired, err := stale.SignedString([]byte("secret"))
	require.NoError(t, err)
	_, err = tokens.ValidateToken(expired)
	require.ErrorIs(t, err, ErrInvalidToken)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{UserID: "alice"})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = tokens.ValidateToken(unsigned)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestBearerToken(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("Authorization", "Bearer abc")
	assert.Equal(t, "abc", BearerToken(r))

	r = httptest.NewRequest("GET", "/ws?token=xyz", nil)
	assert.Equal(t, "xyz", BearerToken(r))

	r = httptest.NewRequest("GET", "/ws", nil)
	assert.Empty(t, BearerToken(r))
}

func TestAuthenticatorResolvesUser(t *testing.T) {
	ctx := context.Background()
	tokens := NewTokens("secret", time.Hour)
	a := NewAuthenticator(tokens, store.NewMemory(model.User{ID: "alice", Name: "Alice"}))

	tok, err := tokens.GenerateToken("alice")
	require.NoError(t, err)
	id, err := a.Authenticate(ctx, tok)
	require.NoError(t, err)
	assert.Equal(t, "alice", id)

	ghost, err := tokens.GenerateToken("ghost")
	require.NoError(t, err)
	_, err = a.Authenticate(ctx, ghost)
	require.ErrorIs(t, err, ErrUnknownUser)

	_, err = a.Authenticate(ctx, "garbage")
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestClaimsContext(t *testing.T) {
	_, ok := ClaimsFrom(context.Background())
	assert.False(t, ok)

	ctx := WithClaims(context.Background(), &Claims{UserID: "bob"})
	c, ok := ClaimsFrom(ctx)
	require.True(t, ok)
	assert.Equal(t, "bob", c.UserID)
}
