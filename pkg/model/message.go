package model

import (
	"fmt"
	"time"
)

// Status is the delivery status of a message. It only ever moves forward.
type Status string

const (
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
)

// Rank orders statuses; unknown statuses rank below Sent.
func (s Status) Rank() int {
	switch s {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	default:
		return 0
	}
}

// Valid reports whether s is one of the server statuses.
func (s Status) Valid() bool {
	return s.Rank() > 0
}

// Advances reports whether moving from s to next keeps the status monotonic.
func (s Status) Advances(next Status) bool {
	return next.Rank() >= s.Rank()
}

// Media types accepted alongside a media reference.
const (
	MediaNone  = ""
	MediaImage = "image"
	MediaVideo = "video"
	MediaFile  = "file"
)

type Message struct {
	ID                  string     `json:"id"`
	ConversationID      string     `json:"conversation_id"`
	SenderID            string     `json:"sender_id"`
	ReceiverID          string     `json:"receiver_id"`
	Text                string     `json:"text"`
	MediaRef            string     `json:"media_ref,omitempty"`
	MediaType           string     `json:"media_type,omitempty"`
	Status              Status     `json:"status"`
	CreatedAt           time.Time  `json:"created_at"`
	ReadAt              *time.Time `json:"read_at,omitempty"`
	ClientCorrelationID string     `json:"client_correlation_id,omitempty"`
}

// Conversation is the durable record of a two-party relationship.
type Conversation struct {
	ID            string    `json:"id"`
	Participants  [2]string `json:"participants"`
	LastMessageID string    `json:"last_message_id,omitempty"`
	LastMessageAt time.Time `json:"last_message_at"`
	CreatedAt     time.Time `json:"created_at"`
}

// HasParticipant reports whether userID is one of the two participants.
func (c *Conversation) HasParticipant(userID string) bool {
	return userID != "" && (c.Participants[0] == userID || c.Participants[1] == userID)
}

// Other returns the participant that is not userID.
func (c *Conversation) Other(userID string) string {
	if c.Participants[0] == userID {
		return c.Participants[1]
	}
	return c.Participants[0]
}

// PairKey returns the canonical key for an unordered participant pair.
func PairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return fmt.Sprintf("dm:%s:%s", a, b)
}

// NewConversation builds a conversation with participants stored in canonical order.
func NewConversation(id, a, b string, now time.Time) *Conversation {
	if a > b {
		a, b = b, a
	}
	return &Conversation{
		ID:            id,
		Participants:  [2]string{a, b},
		LastMessageAt: now,
		CreatedAt:     now,
	}
}

type User struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	LastSeen time.Time `json:"last_seen"`
}
