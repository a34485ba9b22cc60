// Package typing relays ephemeral typing signals and debounces them on the
// sending side.
package typing

import (
	"context"
	"encoding/json"

	lru "github.com/hashicorp/golang-lru"

	"github.com/mahaj/dupahar-chat/pkg/gateway"
	"github.com/mahaj/dupahar-chat/pkg/model"
	"github.com/mahaj/dupahar-chat/pkg/presence"
	"github.com/mahaj/dupahar-chat/pkg/store"
)

// participantCacheSize bounds how many conversations' participant pairs the
// relay remembers. Participants never change, so entries are never stale.
const participantCacheSize = 4096

// Relay forwards typing state straight to the receiver's live connections.
// Nothing is stored and an offline receiver simply misses the signal.
type Relay struct {
	registry     *presence.Registry
	store        store.Store
	participants *lru.Cache // conversation id -> [2]string
}

func NewRelay(registry *presence.Registry, s store.Store) (*Relay, error) {
	cache, err := lru.New(participantCacheSize)
	if err != nil {
		return nil, err
	}
	return &Relay{registry: registry, store: s, participants: cache}, nil
}

// SetTyping builds the notice for receiverID. Both users must be the two
// participants of conversationID.
func (r *Relay) SetTyping(ctx context.Context, conversationID, userID, receiverID string, isTyping bool) ([]gateway.Outbound, error) {
	if conversationID == "" || receiverID == "" {
		return nil, gateway.Invalid("conversation_id and receiver_id are required")
	}
	if receiverID == userID {
		return nil, nil
	}
	pair, err := r.pair(ctx, conversationID, userID)
	if err != nil {
		return nil, err
	}
	if pair[0] != receiverID && pair[1] != receiverID {
		return nil, gateway.Forbidden("%s is not a participant of %s", receiverID, conversationID)
	}
	return gateway.To(r.registry.Lookup(receiverID), model.TypeTyping, model.TypingNotice{
		ConversationID: conversationID,
		UserID:         userID,
		IsTyping:       isTyping,
	})
}

func (r *Relay) pair(ctx context.Context, conversationID, userID string) ([2]string, error) {
	if v, ok := r.participants.Get(conversationID); ok {
		pair := v.([2]string)
		if pair[0] != userID && pair[1] != userID {
			return pair, gateway.Forbidden("%s is not a participant of %s", userID, conversationID)
		}
		return pair, nil
	}
	conv, err := gateway.LoadConversation(ctx, r.store, conversationID, userID)
	if err != nil {
		return [2]string{}, err
	}
	r.participants.Add(conversationID, conv.Participants)
	return conv.Participants, nil
}

func (r *Relay) HandleStart(ctx context.Context, s *gateway.Session, payload json.RawMessage) ([]gateway.Outbound, error) {
	return r.handle(ctx, s, payload, true)
}

func (r *Relay) HandleStop(ctx context.Context, s *gateway.Session, payload json.RawMessage) ([]gateway.Outbound, error) {
	return r.handle(ctx, s, payload, false)
}

func (r *Relay) handle(ctx context.Context, s *gateway.Session, payload json.RawMessage, typing bool) ([]gateway.Outbound, error) {
	var in model.TypingPayload
	if err := json.Unmarshal(payload, &in); err != nil {
		return nil, gateway.Invalid("malformed typing payload")
	}
	return r.SetTyping(ctx, in.ConversationID, s.UserID, in.ReceiverID, typing)
}
