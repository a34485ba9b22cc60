package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/mahaj/dupahar-chat/pkg/model"
	"github.com/mahaj/dupahar-chat/pkg/store"
)

// Failure classes reported back to the originating connection.
var (
	ErrAuthentication = errors.New("authentication failed")
	ErrAuthorization  = errors.New("not authorized")
	ErrValidation     = errors.New("invalid request")
	ErrPersistence    = errors.New("storage unavailable")
	ErrRateLimited    = errors.New("rate limit exceeded")
)

// Wire codes carried by error events.
const (
	CodeUnauthenticated = "unauthenticated"
	CodeForbidden       = "forbidden"
	CodeBadRequest      = "bad_request"
	CodeUnavailable     = "unavailable"
	CodeRateLimited     = "rate_limited"
	CodeInternal        = "internal"
)

func Code(err error) string {
	switch {
	case errors.Is(err, ErrAuthentication):
		return CodeUnauthenticated
	case errors.Is(err, ErrAuthorization):
		return CodeForbidden
	case errors.Is(err, ErrValidation):
		return CodeBadRequest
	case errors.Is(err, ErrPersistence):
		return CodeUnavailable
	case errors.Is(err, ErrRateLimited):
		return CodeRateLimited
	default:
		return CodeInternal
	}
}

func Invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func Forbidden(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrAuthorization, fmt.Sprintf(format, args...))
}

// StoreError classifies a failed store call made while serving op.
func StoreError(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", ErrPersistence, op, err)
}

// LoadConversation fetches a conversation and checks userID takes part in it.
// A missing conversation is reported as an authorization failure so callers
// cannot discover which ids exist.
func LoadConversation(ctx context.Context, s store.Store, conversationID, userID string) (*model.Conversation, error) {
	if conversationID == "" {
		return nil, Invalid("conversation_id is required")
	}
	conv, err := s.FindConversationByID(ctx, conversationID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, Forbidden("%s is not a participant of %s", userID, conversationID)
	}
	if err != nil {
		return nil, StoreError("find conversation", err)
	}
	if !conv.HasParticipant(userID) {
		return nil, Forbidden("%s is not a participant of %s", userID, conversationID)
	}
	return conv, nil
}
