package main

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/mahaj/dupahar-chat/pkg/presence"
	"github.com/mahaj/dupahar-chat/pkg/store"
)

type PresenceHandler struct {
	mirror *presence.RedisMirror
	store  store.Store
	logger *zap.Logger
}

func NewPresenceHandler(mirror *presence.RedisMirror, s store.Store, logger *zap.Logger) *PresenceHandler {
	return &PresenceHandler{mirror: mirror, store: s, logger: logger}
}

// ServeHTTP answers GET /presence/{userID} from the Redis mirror the
// gateways maintain. A user the mirror has never seen falls back to the
// last-seen time in the store.
func (h *PresenceHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userID")
	if userID == "" {
		http.Error(w, "user id is required", http.StatusBadRequest)
		return
	}

	user, err := h.store.FindUserByID(r.Context(), userID)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "unknown user", http.StatusNotFound)
		return
	}
	if err != nil {
		h.logger.Warn("user lookup failed", zap.String("user_id", userID), zap.Error(err))
	}

	st, err := h.mirror.Status(r.Context(), userID)
	if err != nil {
		h.logger.Error("presence lookup failed", zap.String("user_id", userID), zap.Error(err))
		http.Error(w, "Failed to fetch presence", http.StatusServiceUnavailable)
		return
	}
	if st.LastSeen.IsZero() && user != nil {
		st.LastSeen = user.LastSeen
	}
	writeJSON(w, http.StatusOK, st)
}
