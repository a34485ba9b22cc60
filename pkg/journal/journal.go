// Package journal carries delivery events from the gateway to downstream
// consumers over Kafka.
package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

type Kind string

const (
	KindSent      Kind = "sent"
	KindDelivered Kind = "delivered"
	KindRead      Kind = "read"
)

type Event struct {
	Kind           Kind      `json:"kind"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	ReceiverID     string    `json:"receiver_id"`
	MessageIDs     []string  `json:"message_ids"`
	At             time.Time `json:"at"`
}

func (e Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

func Unmarshal(b []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(b, &e); err != nil {
		return e, fmt.Errorf("journal: decode event: %w", err)
	}
	switch e.Kind {
	case KindSent, KindDelivered, KindRead:
	default:
		return e, fmt.Errorf("journal: unknown event kind %q", e.Kind)
	}
	return e, nil
}

type Publisher interface {
	Publish(ctx context.Context, events ...Event) error
}

type Nop struct{}

func (Nop) Publish(context.Context, ...Event) error { return nil }

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, events ...Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, events...)
	return nil
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}
