// Package store defines the narrow CRUD surface the delivery core needs from
// durable storage, plus in-memory, ScyllaDB and MongoDB implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/mahaj/dupahar-chat/pkg/model"
)

var (
	ErrNotFound = errors.New("store: not found")
	ErrConflict = errors.New("store: conflict")
)

// Store is the durable store as seen by the delivery core. Implementations
// must be safe for concurrent use.
type Store interface {
	CreateMessage(ctx context.Context, m *model.Message) error

	// UpdateMessageStatus advances the named messages of a conversation to
	// status. Messages already at or beyond status are left untouched. When
	// status is Read, at becomes the read timestamp. It returns the ids that
	// actually changed, in input order.
	UpdateMessageStatus(ctx context.Context, conversationID string, ids []string, status model.Status, at time.Time) ([]string, error)

	// FindMessages returns the messages of a conversation with the given ids.
	// Unknown ids are skipped.
	FindMessages(ctx context.Context, conversationID string, ids []string) ([]model.Message, error)

	// ListMessages returns up to limit messages older than the message id
	// before (all when before is empty), oldest first.
	ListMessages(ctx context.Context, conversationID, before string, limit int) ([]model.Message, error)

	FindConversationByID(ctx context.Context, id string) (*model.Conversation, error)
	FindConversationByParticipants(ctx context.Context, a, b string) (*model.Conversation, error)

	// CreateConversation fails with ErrConflict when the pair already has one.
	CreateConversation(ctx context.Context, c *model.Conversation) error
	UpdateConversationLastMessage(ctx context.Context, conversationID, messageID string, at time.Time) error

	// ListConversations returns the user's conversations, most recent activity first.
	ListConversations(ctx context.Context, userID string) ([]model.Conversation, error)

	FindUserByID(ctx context.Context, id string) (*model.User, error)
	UpdateUserLastSeen(ctx context.Context, id string, at time.Time) error
}

// FindOrCreateConversation returns the pair's conversation, creating it with
// newID when none exists. Concurrent callers converge on a single record.
func FindOrCreateConversation(ctx context.Context, s Store, newID func() string, a, b string, now time.Time) (*model.Conversation, error) {
	conv, err := s.FindConversationByParticipants(ctx, a, b)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	conv = model.NewConversation(newID(), a, b, now)
	err = s.CreateConversation(ctx, conv)
	if errors.Is(err, ErrConflict) {
		return s.FindConversationByParticipants(ctx, a, b)
	}
	if err != nil {
		return nil, err
	}
	return conv, nil
}
