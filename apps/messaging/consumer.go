package main

import (
	"context"

	"go.uber.org/zap"

	"github.com/mahaj/dupahar-chat/pkg/journal"
	"github.com/mahaj/dupahar-chat/pkg/unread"
)

// Projector folds journal events into the read-side projections the API
// serves. Today that is the per-user unread counters.
type Projector struct {
	counters *unread.Counters
	logger   *zap.Logger
}

func NewProjector(counters *unread.Counters, logger *zap.Logger) *Projector {
	return &Projector{counters: counters, logger: logger}
}

func (p *Projector) Handle(ctx context.Context, e journal.Event) error {
	if err := p.counters.Apply(ctx, e); err != nil {
		return err
	}
	p.logger.Debug("journal event applied",
		zap.String("kind", string(e.Kind)),
		zap.String("conversation_id", e.ConversationID),
		zap.Int("messages", len(e.MessageIDs)),
	)
	return nil
}
