package main

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/mahaj/dupahar-chat/pkg/gateway"
	"github.com/mahaj/dupahar-chat/pkg/store"
	"github.com/mahaj/dupahar-chat/pkg/unread"
)

type ReadRequest struct {
	ConversationID string `json:"conversation_id"`
}

// ReadHandler clears the caller's unread counter for one conversation.
// Message status is untouched; per-message reads go through mark-read on
// the gateway.
func ReadHandler(s store.Store, counters *unread.Counters, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims := mustClaims(r)

		var req ReadRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
		conv, err := gateway.LoadConversation(r.Context(), s, req.ConversationID, claims.UserID)
		if err != nil {
			writeError(w, logger, err)
			return
		}

		if err := counters.Reset(r.Context(), claims.UserID, conv.ID); err != nil {
			logger.Error("reset unread count", zap.String("user_id", claims.UserID), zap.String("conversation_id", conv.ID), zap.Error(err))
			http.Error(w, "Failed to reset unread count", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
