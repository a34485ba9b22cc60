package store

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/mahaj/dupahar-chat/pkg/model"
)

// Breaker wraps a Store with a circuit breaker so an unavailable backend
// fails fast instead of stalling every connection handler.
type Breaker struct {
	next Store
	cb   *gobreaker.CircuitBreaker
}

var _ Store = (*Breaker)(nil)

type BreakerOptions struct {
	// ConsecutiveFailures trips the breaker. Defaults to 5.
	ConsecutiveFailures uint32
	// OpenTimeout is how long the breaker stays open before probing. Defaults to 10s.
	OpenTimeout time.Duration
}

func NewBreaker(next Store, opts BreakerOptions, logger *zap.Logger) *Breaker {
	if opts.ConsecutiveFailures == 0 {
		opts.ConsecutiveFailures = 5
	}
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = 10 * time.Second
	}
	settings := gobreaker.Settings{
		Name:        "store",
		MaxRequests: 1,
		Timeout:     opts.OpenTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= opts.ConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("store breaker state change", zap.String("from", from.String()), zap.String("to", to.String()))
		},
		// Lookups that miss, pair conflicts and cancelled requests say nothing about backend health.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict) || errors.Is(err, context.Canceled)
		},
	}
	return &Breaker{next: next, cb: gobreaker.NewCircuitBreaker(settings)}
}

func guard[T any](b *Breaker, fn func() (T, error)) (T, error) {
	v, err := b.cb.Execute(func() (interface{}, error) { return fn() })
	if err != nil {
		var zero T
		if v != nil {
			zero, _ = v.(T)
		}
		return zero, err
	}
	return v.(T), nil
}

func guardErr(b *Breaker, fn func() error) error {
	_, err := b.cb.Execute(func() (interface{}, error) { return nil, fn() })
	return err
}

func (b *Breaker) CreateMessage(ctx context.Context, m *model.Message) error {
	return guardErr(b, func() error { return b.next.CreateMessage(ctx, m) })
}

func (b *Breaker) UpdateMessageStatus(ctx context.Context, conversationID string, ids []string, status model.Status, at time.Time) ([]string, error) {
	return guard(b, func() ([]string, error) {
		return b.next.UpdateMessageStatus(ctx, conversationID, ids, status, at)
	})
}

func (b *Breaker) FindMessages(ctx context.Context, conversationID string, ids []string) ([]model.Message, error) {
	return guard(b, func() ([]model.Message, error) { return b.next.FindMessages(ctx, conversationID, ids) })
}

func (b *Breaker) ListMessages(ctx context.Context, conversationID, before string, limit int) ([]model.Message, error) {
	return guard(b, func() ([]model.Message, error) { return b.next.ListMessages(ctx, conversationID, before, limit) })
}

func (b *Breaker) FindConversationByID(ctx context.Context, id string) (*model.Conversation, error) {
	return guard(b, func() (*model.Conversation, error) { return b.next.FindConversationByID(ctx, id) })
}

func (b *Breaker) FindConversationByParticipants(ctx context.Context, a, c string) (*model.Conversation, error) {
	return guard(b, func() (*model.Conversation, error) { return b.next.FindConversationByParticipants(ctx, a, c) })
}

func (b *Breaker) CreateConversation(ctx context.Context, c *model.Conversation) error {
	return guardErr(b, func() error { return b.next.CreateConversation(ctx, c) })
}

func (b *Breaker) UpdateConversationLastMessage(ctx context.Context, conversationID, messageID string, at time.Time) error {
	return guardErr(b, func() error { return b.next.UpdateConversationLastMessage(ctx, conversationID, messageID, at) })
}

func (b *Breaker) ListConversations(ctx context.Context, userID string) ([]model.Conversation, error) {
	return guard(b, func() ([]model.Conversation, error) { return b.next.ListConversations(ctx, userID) })
}

func (b *Breaker) FindUserByID(ctx context.Context, id string) (*model.User, error) {
	return guard(b, func() (*model.User, error) { return b.next.FindUserByID(ctx, id) })
}

func (b *Breaker) UpdateUserLastSeen(ctx context.Context, id string, at time.Time) error {
	return guardErr(b, func() error { return b.next.UpdateUserLastSeen(ctx, id, at) })
}
