// Package reconcile keeps the client's per-conversation message list,
// merging locally rendered provisional entries with server records so each
// message appears exactly once.
package reconcile

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mahaj/dupahar-chat/pkg/model"
)

// StatusSending marks an entry the server has not confirmed yet. It ranks
// below every server status.
const StatusSending model.Status = "sending"

// DefaultTolerance bounds the creation-time gap for content-only matches.
const DefaultTolerance = 2 * time.Second

type Entry struct {
	CorrelationID  string
	ServerID       string
	ConversationID string
	SenderID       string
	ReceiverID     string
	Text           string
	MediaRef       string
	MediaType      string
	Status         model.Status
	CreatedAt      time.Time
	ReadAt         *time.Time
	FailureReason  string
}

// Failed reports whether the last send attempt for this entry was rejected.
func (e Entry) Failed() bool {
	return e.FailureReason != ""
}

func (e Entry) clone() Entry {
	if e.ReadAt != nil {
		ts := *e.ReadAt
		e.ReadAt = &ts
	}
	return e
}

type Buffer struct {
	tolerance time.Duration

	mu    sync.Mutex
	convs map[string][]*Entry
}

type Option func(*Buffer)

func WithTolerance(d time.Duration) Option {
	return func(b *Buffer) { b.tolerance = d }
}

func New(opts ...Option) *Buffer {
	b := &Buffer{tolerance: DefaultTolerance, convs: make(map[string][]*Entry)}
	for _, o := range opts {
		o(b)
	}
	return b
}

// AddProvisional inserts a local send intent with a fresh correlation id.
func (b *Buffer) AddProvisional(conversationID, senderID, receiverID, text, mediaRef, mediaType string, at time.Time) Entry {
	e := &Entry{
		CorrelationID:  uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       senderID,
		ReceiverID:     receiverID,
		Text:           text,
		MediaRef:       mediaRef,
		MediaType:      mediaType,
		Status:         StatusSending,
		CreatedAt:      at,
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.insert(e)
	return e.clone()
}

// Merge folds a server record into its conversation and reports whether it
// was new. Matching tries, in order: equal server ids, equal correlation
// ids, a correlation id equal to the other side's server id, then equal
// text and sender created within the tolerance.
func (b *Buffer) Merge(m model.Message) (Entry, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.convs[m.ConversationID]
	i := b.match(list, m)
	if i < 0 {
		e := fromMessage(m)
		b.insert(e)
		return e.clone(), true
	}

	e := list[i]
	moved := !e.CreatedAt.Equal(m.CreatedAt)
	apply(e, m)
	if moved {
		b.convs[m.ConversationID] = append(list[:i:i], list[i+1:]...)
		b.insert(e)
	}
	return e.clone(), false
}

// MergeAll merges a batch such as a history page.
func (b *Buffer) MergeAll(msgs []model.Message) (inserted int) {
	for _, m := range msgs {
		if _, added := b.Merge(m); added {
			inserted++
		}
	}
	return inserted
}

// ApplyStatus advances entries found by server id. Unknown ids are ignored
// and status never moves backwards. It returns how many entries changed.
func (b *Buffer) ApplyStatus(conversationID string, serverIDs []string, status model.Status, at time.Time) int {
	want := make(map[string]struct{}, len(serverIDs))
	for _, id := range serverIDs {
		want[id] = struct{}{}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for _, e := range b.convs[conversationID] {
		if _, ok := want[e.ServerID]; !ok || e.ServerID == "" {
			continue
		}
		if status.Rank() <= e.Status.Rank() {
			continue
		}
		e.Status = status
		if status == model.StatusRead && e.ReadAt == nil {
			ts := at
			e.ReadAt = &ts
		}
		n++
	}
	return n
}

// MarkFailed records a rejected send on the unconfirmed entry with the
// given correlation id.
func (b *Buffer) MarkFailed(correlationID, reason string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	e := b.byCorrelation(correlationID)
	if e == nil || e.ServerID != "" {
		return false
	}
	if reason == "" {
		reason = "send failed"
	}
	e.FailureReason = reason
	return true
}

// Resubmit clears a failure so the entry can be sent again under the same
// correlation id.
func (b *Buffer) Resubmit(correlationID string) (Entry, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e := b.byCorrelation(correlationID)
	if e == nil || !e.Failed() {
		return Entry{}, false
	}
	e.FailureReason = ""
	return e.clone(), true
}

// Entries returns a copy of the conversation in display order.
func (b *Buffer) Entries(conversationID string) []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.convs[conversationID]
	out := make([]Entry, len(list))
	for i, e := range list {
		out[i] = e.clone()
	}
	return out
}

func (b *Buffer) byCorrelation(id string) *Entry {
	if id == "" {
		return nil
	}
	for _, list := range b.convs {
		for _, e := range list {
			if e.CorrelationID == id {
				return e
			}
		}
	}
	return nil
}

func (b *Buffer) match(list []*Entry, m model.Message) int {
	if m.ID != "" {
		for i, e := range list {
			if e.ServerID == m.ID {
				return i
			}
		}
	}
	if m.ClientCorrelationID != "" {
		for i, e := range list {
			if e.CorrelationID == m.ClientCorrelationID {
				return i
			}
		}
	}
	for i, e := range list {
		if m.ClientCorrelationID != "" && e.ServerID == m.ClientCorrelationID {
			return i
		}
		if m.ID != "" && e.CorrelationID == m.ID {
			return i
		}
	}
	for i, e := range list {
		if conflicting(e.ServerID, m.ID) || conflicting(e.CorrelationID, m.ClientCorrelationID) {
			continue
		}
		if e.Text == m.Text && e.SenderID == m.SenderID && within(e.CreatedAt, m.CreatedAt, b.tolerance) {
			return i
		}
	}
	return -1
}

func conflicting(a, b string) bool {
	return a != "" && b != "" && a != b
}

func within(a, b time.Time, tol time.Duration) bool {
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	return d <= tol
}

// insert places e after every entry created at or before it.
func (b *Buffer) insert(e *Entry) {
	list := b.convs[e.ConversationID]
	i := sort.Search(len(list), func(i int) bool { return list[i].CreatedAt.After(e.CreatedAt) })
	list = append(list, nil)
	copy(list[i+1:], list[i:])
	list[i] = e
	b.convs[e.ConversationID] = list
}

func fromMessage(m model.Message) *Entry {
	e := &Entry{CorrelationID: m.ClientCorrelationID, Status: StatusSending}
	apply(e, m)
	return e
}

// apply overwrites e with the server-authoritative fields of m, keeping the
// status monotonic.
func apply(e *Entry, m model.Message) {
	if m.ID != "" {
		e.ServerID = m.ID
	}
	if e.CorrelationID == "" {
		e.CorrelationID = m.ClientCorrelationID
	}
	e.ConversationID = m.ConversationID
	e.SenderID = m.SenderID
	e.ReceiverID = m.ReceiverID
	e.Text = m.Text
	e.MediaRef = m.MediaRef
	e.MediaType = m.MediaType
	e.CreatedAt = m.CreatedAt
	e.FailureReason = ""
	if m.Status.Valid() && m.Status.Rank() >= e.Status.Rank() {
		e.Status = m.Status
	}
	if m.ReadAt != nil {
		ts := *m.ReadAt
		e.ReadAt = &ts
	}
}
