package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/mahaj/dupahar-chat/pkg/gateway"
	"github.com/mahaj/dupahar-chat/pkg/snowflake"
	"github.com/mahaj/dupahar-chat/pkg/store"
	"github.com/mahaj/dupahar-chat/pkg/unread"
)

type Conversation struct {
	ID            string    `json:"id"`
	OtherUserID   string    `json:"other_user_id"`
	LastMessageID string    `json:"last_message_id,omitempty"`
	LastMessageAt time.Time `json:"last_message_at"`
	UnreadCount   int64     `json:"unread_count"`
}

// ConversationsHandler lists the caller's conversations, most recent
// activity first. Unread counts come from Redis; when Redis is unavailable
// the list is still served with zero counts.
func ConversationsHandler(s store.Store, counters *unread.Counters, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims := mustClaims(r)

		convs, err := s.ListConversations(r.Context(), claims.UserID)
		if err != nil {
			writeError(w, logger, gateway.StoreError("list conversations", err))
			return
		}

		counts, err := counters.Counts(r.Context(), claims.UserID)
		if err != nil {
			logger.Warn("unread counts unavailable", zap.String("user_id", claims.UserID), zap.Error(err))
		}

		out := make([]Conversation, 0, len(convs))
		for _, c := range convs {
			out = append(out, Conversation{
				ID:            c.ID,
				OtherUserID:   c.Other(claims.UserID),
				LastMessageID: c.LastMessageID,
				LastMessageAt: c.LastMessageAt,
				UnreadCount:   counts[c.ID],
			})
		}
		writeJSON(w, http.StatusOK, out)
	}
}

type OpenRequest struct {
	OtherUserID string `json:"other_user_id"`
}

// OpenConversationHandler returns the conversation between the caller and
// other_user_id, creating it on first use.
func OpenConversationHandler(s store.Store, ids *snowflake.Node, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims := mustClaims(r)

		var req OpenRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.OtherUserID == "" {
			http.Error(w, "other_user_id is required", http.StatusBadRequest)
			return
		}
		if req.OtherUserID == claims.UserID {
			http.Error(w, "cannot open a conversation with yourself", http.StatusBadRequest)
			return
		}
		if _, err := s.FindUserByID(r.Context(), req.OtherUserID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				http.Error(w, "unknown user", http.StatusNotFound)
				return
			}
			writeError(w, logger, gateway.StoreError("find user", err))
			return
		}

		conv, err := store.FindOrCreateConversation(r.Context(), s, ids.NextID, claims.UserID, req.OtherUserID, time.Now().UTC())
		if err != nil {
			writeError(w, logger, gateway.StoreError("open conversation", err))
			return
		}
		writeJSON(w, http.StatusOK, Conversation{
			ID:            conv.ID,
			OtherUserID:   conv.Other(claims.UserID),
			LastMessageID: conv.LastMessageID,
			LastMessageAt: conv.LastMessageAt,
		})
	}
}
