package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mahaj/dupahar-chat/pkg/model"
)

type downStore struct {
	Store
	calls int
}

func (d *downStore) FindUserByID(context.Context, string) (*model.User, error) {
	d.calls++
	return nil, errors.New("connection refused")
}

func TestBreakerOpensAfterFailures(t *testing.T) {
	down := &downStore{Store: NewMemory()}
	b := NewBreaker(down, BreakerOptions{ConsecutiveFailures: 3, OpenTimeout: time.Hour}, zap.NewNop())

	for i := 0; i < 3; i++ {
		_, err := b.FindUserByID(context.Background(), "alice")
		require.Error(t, err)
	}
	_, err := b.FindUserByID(context.Background(), "alice")
	require.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, 3, down.calls, "open breaker must not reach the backend")
}

func TestBreakerIgnoresDomainMisses(t *testing.T) {
	mem := NewMemory(model.User{ID: "alice"})
	b := NewBreaker(mem, BreakerOptions{ConsecutiveFailures: 1, OpenTimeout: time.Hour}, zap.NewNop())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := b.FindUserByID(ctx, "ghost")
		require.ErrorIs(t, err, ErrNotFound)
	}
	u, err := b.FindUserByID(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", u.ID)

	c := model.NewConversation("1", "alice", "bob", time.Now())
	require.NoError(t, b.CreateConversation(ctx, c))
	require.ErrorIs(t, b.CreateConversation(ctx, c), ErrConflict)
	got, err := b.FindConversationByParticipants(ctx, "bob", "alice")
	require.NoError(t, err)
	assert.Equal(t, "1", got.ID)
}
