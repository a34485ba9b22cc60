package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/mahaj/dupahar-chat/pkg/auth"
	"github.com/mahaj/dupahar-chat/pkg/gateway"
	"github.com/mahaj/dupahar-chat/pkg/model"
	"github.com/mahaj/dupahar-chat/pkg/store"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

type HistoryResponse struct {
	ConversationID string          `json:"conversation_id"`
	Messages       []model.Message `json:"messages"`
}

type HistoryHandler struct {
	store  store.Store
	logger *zap.Logger
}

func NewHistoryHandler(s store.Store, logger *zap.Logger) *HistoryHandler {
	return &HistoryHandler{store: s, logger: logger}
}

// ServeHTTP returns one page of a conversation, oldest first. Clients call
// it after reconnecting and merge the page into their local list.
func (h *HistoryHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	claims := mustClaims(r)
	q := r.URL.Query()

	limit := defaultHistoryLimit
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	conv, err := gateway.LoadConversation(r.Context(), h.store, q.Get("conversation_id"), claims.UserID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	msgs, err := h.store.ListMessages(r.Context(), conv.ID, q.Get("before"), limit)
	if err != nil {
		writeError(w, h.logger, gateway.StoreError("list messages", err))
		return
	}
	if msgs == nil {
		msgs = []model.Message{}
	}
	writeJSON(w, http.StatusOK, HistoryResponse{ConversationID: conv.ID, Messages: msgs})
}

// AuthMiddleware validates the bearer token and puts its claims on the
// request context.
func AuthMiddleware(tokens *auth.Tokens, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := auth.BearerToken(r)
			if token == "" {
				http.Error(w, "Authorization header required", http.StatusUnauthorized)
				return
			}
			claims, err := tokens.ValidateToken(token)
			if err != nil {
				logger.Debug("rejected token", zap.String("path", r.URL.Path), zap.Error(err))
				http.Error(w, "Invalid token", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(auth.WithClaims(r.Context(), claims)))
		})
	}
}

// mustClaims is only used behind AuthMiddleware.
func mustClaims(r *http.Request) *auth.Claims {
	claims, ok := auth.ClaimsFrom(r.Context())
	if !ok {
		panic("api: handler mounted without AuthMiddleware")
	}
	return claims
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps a classified failure to an HTTP status.
func writeError(w http.ResponseWriter, logger *zap.Logger, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, gateway.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, gateway.ErrAuthentication):
		status = http.StatusUnauthorized
	case errors.Is(err, gateway.ErrAuthorization):
		status = http.StatusForbidden
	case errors.Is(err, gateway.ErrPersistence):
		status = http.StatusServiceUnavailable
	}
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", zap.Error(err))
	}
	http.Error(w, err.Error(), status)
}
