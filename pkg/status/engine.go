// Package status advances message status after send time and tells the
// counterpart about reads.
package status

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/mahaj/dupahar-chat/pkg/gateway"
	"github.com/mahaj/dupahar-chat/pkg/journal"
	"github.com/mahaj/dupahar-chat/pkg/metrics"
	"github.com/mahaj/dupahar-chat/pkg/model"
	"github.com/mahaj/dupahar-chat/pkg/presence"
	"github.com/mahaj/dupahar-chat/pkg/store"
)

// MaxMarkRead bounds the ids accepted in one mark-read.
const MaxMarkRead = 500

type Engine struct {
	store    store.Store
	registry *presence.Registry
	journal  journal.Publisher
	metrics  *metrics.Metrics
	logger   *zap.Logger
	now      func() time.Time
}

type Option func(*Engine)

func WithJournal(j journal.Publisher) Option { return func(e *Engine) { e.journal = j } }
func WithMetrics(m *metrics.Metrics) Option  { return func(e *Engine) { e.metrics = m } }
func WithLogger(l *zap.Logger) Option        { return func(e *Engine) { e.logger = l } }
func WithClock(now func() time.Time) Option  { return func(e *Engine) { e.now = now } }

func New(s store.Store, registry *presence.Registry, opts ...Option) *Engine {
	e := &Engine{
		store:    s,
		registry: registry,
		journal:  journal.Nop{},
		metrics:  metrics.New(),
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// ReadResult lists the ids this call moved to Read and who should hear
// about it.
type ReadResult struct {
	ConversationID string
	Newly          []string
	NotifyUserID   string
}

// MarkRead moves the reader's received messages among ids to Read. Ids the
// reader did not receive, ids outside the conversation and already-read
// messages are skipped, so repeating a call changes nothing.
func (e *Engine) MarkRead(ctx context.Context, readerID, conversationID string, ids []string) (*ReadResult, error) {
	conv, err := gateway.LoadConversation(ctx, e.store, conversationID, readerID)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, gateway.Invalid("message_ids is empty")
	}
	if len(ids) > MaxMarkRead {
		return nil, gateway.Invalid("at most %d message_ids per call", MaxMarkRead)
	}

	msgs, err := e.store.FindMessages(ctx, conv.ID, dedupe(ids))
	if err != nil {
		return nil, gateway.StoreError("find messages", err)
	}
	var candidates []string
	for _, m := range msgs {
		if m.ReceiverID == readerID && m.Status.Rank() < model.StatusRead.Rank() {
			candidates = append(candidates, m.ID)
		}
	}

	res := &ReadResult{ConversationID: conv.ID, NotifyUserID: conv.Other(readerID)}
	if len(candidates) == 0 {
		return res, nil
	}

	now := e.now().UTC().Truncate(time.Millisecond)
	changed, err := e.store.UpdateMessageStatus(ctx, conv.ID, candidates, model.StatusRead, now)
	if err != nil {
		return nil, gateway.StoreError("mark read", err)
	}
	res.Newly = changed
	if len(changed) == 0 {
		return res, nil
	}

	e.metrics.ReadMarked.Add(float64(len(changed)))
	err = e.journal.Publish(ctx, journal.Event{
		Kind:           journal.KindRead,
		ConversationID: conv.ID,
		SenderID:       res.NotifyUserID,
		ReceiverID:     readerID,
		MessageIDs:     changed,
		At:             now,
	})
	if err != nil {
		e.logger.Warn("journal publish failed", zap.String("kind", string(journal.KindRead)), zap.Error(err))
	}
	return res, nil
}

// Promote advances ids to Delivered. Messages already Delivered or Read are
// left alone.
func (e *Engine) Promote(ctx context.Context, conversationID string, ids []string) ([]string, error) {
	changed, err := e.store.UpdateMessageStatus(ctx, conversationID, ids, model.StatusDelivered, e.now().UTC())
	if err != nil {
		return nil, gateway.StoreError("promote", err)
	}
	return changed, nil
}

// HandleMarkRead serves the mark-read event. The read receipt goes to every
// connection of the other participant, and only when something changed.
func (e *Engine) HandleMarkRead(ctx context.Context, s *gateway.Session, payload json.RawMessage) ([]gateway.Outbound, error) {
	var in model.MarkReadPayload
	if err := json.Unmarshal(payload, &in); err != nil {
		return nil, gateway.Invalid("malformed mark-read payload")
	}

	res, err := e.MarkRead(ctx, s.UserID, in.ConversationID, in.MessageIDs)
	if err != nil {
		return nil, err
	}
	if len(res.Newly) == 0 {
		return nil, nil
	}
	return gateway.To(e.registry.Lookup(res.NotifyUserID), model.TypeReadReceipt, model.ReadReceipt{
		ConversationID: res.ConversationID,
		MessageIDs:     res.Newly,
	})
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := ids[:0:0]
	for _, id := range ids {
		if _, ok := seen[id]; ok || id == "" {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
