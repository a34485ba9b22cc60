package journal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// KafkaPublisher writes events keyed by conversation so one conversation's
// events stay in partition order.
type KafkaPublisher struct {
	writer *kafka.Writer
}

var _ Publisher = (*KafkaPublisher)(nil)

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{writer: &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           10 * time.Millisecond,
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}}
}

func (p *KafkaPublisher) Publish(ctx context.Context, events ...Event) error {
	msgs := make([]kafka.Message, 0, len(events))
	for _, e := range events {
		b, err := e.Marshal()
		if err != nil {
			return err
		}
		msgs = append(msgs, kafka.Message{Key: []byte(e.ConversationID), Value: b, Time: e.At})
	}
	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("journal: write: %w", err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// Handler processes one event. A failed event is retried before the
// consumer moves on.
type Handler func(ctx context.Context, e Event) error

type Consumer struct {
	reader *kafka.Reader
	logger *zap.Logger
}

func NewConsumer(brokers []string, topic, groupID string, logger *zap.Logger) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 10e3, // 10KB
		MaxBytes: 10e6, // 10MB
		MaxWait:  500 * time.Millisecond,
	})
	return &Consumer{reader: r, logger: logger}
}

// Run consumes until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context, handle Handler) error {
	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			c.logger.Warn("journal fetch failed, retrying", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		e, err := Unmarshal(m.Value)
		if err != nil {
			c.logger.Error("dropping malformed journal event", zap.Int64("offset", m.Offset), zap.Error(err))
		} else if !c.handleWithRetry(ctx, handle, e, m.Offset) {
			return nil
		}

		if err := c.reader.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
			c.logger.Warn("journal commit failed", zap.Error(err))
		}
	}
}

// handleWithRetry blocks the partition until handle succeeds. It reports
// false when ctx ended first.
func (c *Consumer) handleWithRetry(ctx context.Context, handle Handler, e Event, offset int64) bool {
	for {
		err := handle(ctx, e)
		if err == nil {
			return true
		}
		c.logger.Warn("journal handler failed, retrying", zap.String("kind", string(e.Kind)), zap.Int64("offset", offset), zap.Error(err))
		select {
		case <-ctx.Done():
			return false
		case <-time.After(time.Second):
		}
	}
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
