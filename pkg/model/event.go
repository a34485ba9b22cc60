package model

import (
	"encoding/json"
	"fmt"
)

type EventType string

// Inbound event types.
const (
	TypeSend        EventType = "send"
	TypeTypingStart EventType = "typing-start"
	TypeTypingStop  EventType = "typing-stop"
	TypeMarkRead    EventType = "mark-read"
)

// Outbound event types.
const (
	TypeReceived      EventType = "received"
	TypeSendConfirmed EventType = "send-confirmed"
	TypeSendFailed    EventType = "send-failed"
	TypeTyping        EventType = "typing"
	TypeReadReceipt   EventType = "read-receipt"
	TypePresence      EventType = "presence"
	TypeError         EventType = "error"
)

// Envelope is the wire frame for every event in either direction.
type Envelope struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals payload into an envelope of the given type.
func NewEnvelope(t EventType, payload any) (Envelope, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	return Envelope{Type: t, Payload: b}, nil
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", e.Type)
	}
	return json.Unmarshal(e.Payload, v)
}

type SendPayload struct {
	ConversationID      string `json:"conversation_id"`
	ReceiverID          string `json:"receiver_id"`
	Text                string `json:"text,omitempty"`
	MediaRef            string `json:"media_ref,omitempty"`
	MediaType           string `json:"media_type,omitempty"`
	ClientCorrelationID string `json:"client_correlation_id"`
}

type TypingPayload struct {
	ConversationID string `json:"conversation_id"`
	ReceiverID     string `json:"receiver_id"`
}

type MarkReadPayload struct {
	ConversationID string   `json:"conversation_id"`
	MessageIDs     []string `json:"message_ids"`
}

// MessagePayload carries a full record for received and send-confirmed.
type MessagePayload struct {
	Message Message `json:"message"`
}

type SendFailedPayload struct {
	ClientCorrelationID string `json:"client_correlation_id"`
	Reason              string `json:"reason"`
}

type TypingNotice struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	IsTyping       bool   `json:"is_typing"`
}

type ReadReceipt struct {
	ConversationID string   `json:"conversation_id"`
	MessageIDs     []string `json:"message_ids"`
}

type PresenceNotice struct {
	UserID string `json:"user_id"`
	Online bool   `json:"online"`
}

type ErrorPayload struct {
	Code   string `json:"code"`
	Reason string `json:"reason"`
}
