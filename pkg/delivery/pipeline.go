// Package delivery validates, persists and fans out new messages.
package delivery

import (
	"context"
	"encoding/json"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/mahaj/dupahar-chat/pkg/gateway"
	"github.com/mahaj/dupahar-chat/pkg/journal"
	"github.com/mahaj/dupahar-chat/pkg/metrics"
	"github.com/mahaj/dupahar-chat/pkg/model"
	"github.com/mahaj/dupahar-chat/pkg/presence"
	"github.com/mahaj/dupahar-chat/pkg/snowflake"
	"github.com/mahaj/dupahar-chat/pkg/store"
)

const MaxTextLength = 1000

type Request struct {
	SenderID            string
	ConversationID      string
	ReceiverID          string
	Text                string
	MediaRef            string
	MediaType           string
	ClientCorrelationID string
}

// Result is the persisted message plus the receiver connections it was
// pushed to. Message.Status is Delivered exactly when the promotion stuck.
type Result struct {
	Message         model.Message
	ReceiverHandles []presence.Handle
}

// Promoter moves persisted messages from Sent to Delivered and returns the
// ids that changed.
type Promoter interface {
	Promote(ctx context.Context, conversationID string, ids []string) ([]string, error)
}

type storePromoter struct{ store store.Store }

func (p storePromoter) Promote(ctx context.Context, conversationID string, ids []string) ([]string, error) {
	return p.store.UpdateMessageStatus(ctx, conversationID, ids, model.StatusDelivered, time.Now().UTC())
}

type Pipeline struct {
	store    store.Store
	promoter Promoter
	registry *presence.Registry
	ids      *snowflake.Node
	journal  journal.Publisher
	metrics  *metrics.Metrics
	logger   *zap.Logger
	now      func() time.Time
}

type Option func(*Pipeline)

func WithJournal(j journal.Publisher) Option { return func(p *Pipeline) { p.journal = j } }
func WithPromoter(pr Promoter) Option        { return func(p *Pipeline) { p.promoter = pr } }
func WithMetrics(m *metrics.Metrics) Option  { return func(p *Pipeline) { p.metrics = m } }
func WithLogger(l *zap.Logger) Option        { return func(p *Pipeline) { p.logger = l } }
func WithClock(now func() time.Time) Option  { return func(p *Pipeline) { p.now = now } }

func New(s store.Store, registry *presence.Registry, ids *snowflake.Node, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:    s,
		promoter: storePromoter{store: s},
		registry: registry,
		ids:      ids,
		journal:  journal.Nop{},
		metrics:  metrics.New(),
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Send runs one message through authorization, validation, persistence and
// the presence-driven Sent to Delivered promotion. Nothing is persisted when
// it returns an error.
func (p *Pipeline) Send(ctx context.Context, req Request) (*Result, error) {
	conv, err := gateway.LoadConversation(ctx, p.store, req.ConversationID, req.SenderID)
	if err != nil {
		return nil, err
	}
	text, mediaType, err := validate(conv, req)
	if err != nil {
		return nil, err
	}

	now := p.now().UTC().Truncate(time.Millisecond)
	msg := model.Message{
		ID:                  p.ids.NextID(),
		ConversationID:      conv.ID,
		SenderID:            req.SenderID,
		ReceiverID:          req.ReceiverID,
		Text:                text,
		MediaRef:            req.MediaRef,
		MediaType:           mediaType,
		Status:              model.StatusSent,
		CreatedAt:           now,
		ClientCorrelationID: req.ClientCorrelationID,
	}
	if err := p.store.CreateMessage(ctx, &msg); err != nil {
		return nil, gateway.StoreError("create message", err)
	}
	p.publish(ctx, journal.KindSent, msg)

	// The receiver may disconnect between this lookup and the write; the
	// message then simply stays Sent.
	handles := p.registry.Lookup(msg.ReceiverID)
	if len(handles) > 0 {
		changed, err := p.promoter.Promote(ctx, msg.ConversationID, []string{msg.ID})
		switch {
		case err != nil:
			p.logger.Warn("delivered promotion failed, message stays sent", zap.String("message_id", msg.ID), zap.Error(err))
		case len(changed) == 1:
			msg.Status = model.StatusDelivered
			p.publish(ctx, journal.KindDelivered, msg)
		}
	}
	p.metrics.Messages.WithLabelValues(string(msg.Status)).Inc()

	if err := p.store.UpdateConversationLastMessage(ctx, msg.ConversationID, msg.ID, now); err != nil {
		p.logger.Warn("update conversation last message failed", zap.String("conversation_id", msg.ConversationID), zap.Error(err))
	}

	return &Result{Message: msg, ReceiverHandles: handles}, nil
}

func validate(conv *model.Conversation, req Request) (text, mediaType string, err error) {
	if req.ReceiverID == "" {
		return "", "", gateway.Invalid("receiver_id is required")
	}
	if req.ReceiverID == req.SenderID || req.ReceiverID != conv.Other(req.SenderID) {
		return "", "", gateway.Invalid("receiver %s is not the other participant of %s", req.ReceiverID, conv.ID)
	}

	text = strings.TrimSpace(req.Text)
	if n := utf8.RuneCountInString(text); n > MaxTextLength {
		return "", "", gateway.Invalid("text is %d characters, limit is %d", n, MaxTextLength)
	}
	if text == "" && req.MediaRef == "" {
		return "", "", gateway.Invalid("text or media_ref is required")
	}

	mediaType = req.MediaType
	switch mediaType {
	case model.MediaNone:
		if req.MediaRef != "" {
			mediaType = model.MediaImage
		}
	case model.MediaImage, model.MediaVideo, model.MediaFile:
		if req.MediaRef == "" {
			return "", "", gateway.Invalid("media_type %q without media_ref", mediaType)
		}
	default:
		return "", "", gateway.Invalid("unsupported media_type %q", mediaType)
	}
	return text, mediaType, nil
}

func (p *Pipeline) publish(ctx context.Context, kind journal.Kind, m model.Message) {
	err := p.journal.Publish(ctx, journal.Event{
		Kind:           kind,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		ReceiverID:     m.ReceiverID,
		MessageIDs:     []string{m.ID},
		At:             p.now().UTC(),
	})
	if err != nil {
		p.logger.Warn("journal publish failed", zap.String("kind", string(kind)), zap.String("message_id", m.ID), zap.Error(err))
	}
}

// HandleSend serves the send event. Every rejection is reported as
// send-failed so the client can resolve its provisional entry.
func (p *Pipeline) HandleSend(ctx context.Context, s *gateway.Session, payload json.RawMessage) ([]gateway.Outbound, error) {
	var in model.SendPayload
	if err := json.Unmarshal(payload, &in); err != nil {
		return p.failed(s, in.ClientCorrelationID, gateway.Invalid("malformed send payload"))
	}

	res, err := p.Send(ctx, Request{
		SenderID:            s.UserID,
		ConversationID:      in.ConversationID,
		ReceiverID:          in.ReceiverID,
		Text:                in.Text,
		MediaRef:            in.MediaRef,
		MediaType:           in.MediaType,
		ClientCorrelationID: in.ClientCorrelationID,
	})
	if err != nil {
		return p.failed(s, in.ClientCorrelationID, err)
	}

	body := model.MessagePayload{Message: res.Message}
	received, err := gateway.To(res.ReceiverHandles, model.TypeReceived, body)
	if err != nil {
		return nil, err
	}
	confirmed, err := gateway.To([]presence.Handle{s.Handle}, model.TypeSendConfirmed, body)
	if err != nil {
		return nil, err
	}
	return append(received, confirmed...), nil
}

func (p *Pipeline) failed(s *gateway.Session, correlationID string, cause error) ([]gateway.Outbound, error) {
	p.metrics.Messages.WithLabelValues("failed").Inc()
	p.logger.Info("send rejected", zap.String("user_id", s.UserID), zap.String("correlation_id", correlationID), zap.Error(cause))
	return gateway.To([]presence.Handle{s.Handle}, model.TypeSendFailed, model.SendFailedPayload{
		ClientCorrelationID: correlationID,
		Reason:              cause.Error(),
	})
}
