package main

import (
	"bytes"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mahaj/dupahar-chat/pkg/model"
	"github.com/mahaj/dupahar-chat/pkg/reconcile"
)

type sent struct {
	Type    model.EventType
	Payload any
}

type wire struct {
	mu   sync.Mutex
	got  []sent
	fail error
}

func (w *wire) send(t model.EventType, payload any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail != nil {
		return w.fail
	}
	w.got = append(w.got, sent{t, payload})
	return nil
}

func (w *wire) ofType(t model.EventType) []any {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []any
	for _, s := range w.got {
		if s.Type == t {
			out = append(out, s.Payload)
		}
	}
	return out
}

func newSession(t *testing.T) (*chatSession, *wire, *bytes.Buffer) {
	t.Helper()
	w := &wire{}
	var out bytes.Buffer
	s, err := newChatSession("alice", "bob", "c1", w.send, &out, zap.NewNop())
	require.NoError(t, err)
	s.now = func() time.Time { return time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC) }
	return s, w, &out
}

func envelope(t *testing.T, typ model.EventType, payload any) model.Envelope {
	t.Helper()
	env, err := model.NewEnvelope(typ, payload)
	require.NoError(t, err)
	return env
}

func TestSayThenConfirmKeepsOneEntry(t *testing.T) {
	s, w, _ := newSession(t)
	require.NoError(t, s.Say("hello"))

	sends := w.ofType(model.TypeSend)
	require.Len(t, sends, 1)
	p := sends[0].(model.SendPayload)
	assert.Equal(t, "bob", p.ReceiverID)
	require.NotEmpty(t, p.ClientCorrelationID)

	confirmed := model.Message{
		ID: "100", ConversationID: "c1", SenderID: "alice", ReceiverID: "bob", Text: "hello",
		Status: model.StatusDelivered, CreatedAt: s.now().Add(50 * time.Millisecond), ClientCorrelationID: p.ClientCorrelationID,
	}
	require.NoError(t, s.Handle(envelope(t, model.TypeSendConfirmed, model.MessagePayload{Message: confirmed})))

	entries := s.buffer.Entries("c1")
	require.Len(t, entries, 1)
	assert.Equal(t, "100", entries[0].ServerID)
	assert.Equal(t, model.StatusDelivered, entries[0].Status)
	assert.Empty(t, w.ofType(model.TypeMarkRead), "own messages are never marked read")
}

func TestReceivedIsMarkedReadOnce(t *testing.T) {
	s, w, out := newSession(t)
	m := model.Message{ID: "7", ConversationID: "c1", SenderID: "bob", ReceiverID: "alice", Text: "yo", Status: model.StatusDelivered, CreatedAt: s.now()}

	require.NoError(t, s.Handle(envelope(t, model.TypeReceived, model.MessagePayload{Message: m})))
	require.NoError(t, s.Handle(envelope(t, model.TypeReceived, model.MessagePayload{Message: m})))

	assert.Len(t, s.buffer.Entries("c1"), 1)
	reads := w.ofType(model.TypeMarkRead)
	require.Len(t, reads, 1)
	assert.Equal(t, []string{"7"}, reads[0].(model.MarkReadPayload).MessageIDs)
	assert.Equal(t, 1, bytes.Count(out.Bytes(), []byte("bob: yo")))
}

func TestSendFailedThenRetry(t *testing.T) {
	s, w, out := newSession(t)
	require.NoError(t, s.Say("hi"))
	corr := w.ofType(model.TypeSend)[0].(model.SendPayload).ClientCorrelationID

	require.NoError(t, s.Handle(envelope(t, model.TypeSendFailed, model.SendFailedPayload{ClientCorrelationID: corr, Reason: "unavailable"})))
	entries := s.buffer.Entries("c1")
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Failed())
	assert.Contains(t, out.String(), "/retry "+corr)

	require.NoError(t, s.Retry(corr))
	resent := w.ofType(model.TypeSend)
	require.Len(t, resent, 2)
	assert.Equal(t, corr, resent[1].(model.SendPayload).ClientCorrelationID)
	assert.False(t, s.buffer.Entries("c1")[0].Failed())

	assert.Error(t, s.Retry("nope"))
}

func TestReadReceiptAdvancesOwnMessages(t *testing.T) {
	s, _, _ := newSession(t)
	s.buffer.Merge(model.Message{ID: "1", ConversationID: "c1", SenderID: "alice", ReceiverID: "bob", Text: "a", Status: model.StatusSent, CreatedAt: s.now()})

	require.NoError(t, s.Handle(envelope(t, model.TypeReadReceipt, model.ReadReceipt{ConversationID: "c1", MessageIDs: []string{"1"}})))
	e := s.buffer.Entries("c1")[0]
	assert.Equal(t, model.StatusRead, e.Status)
	require.NotNil(t, e.ReadAt)
}

func TestHistoryMergesAndMarksUnread(t *testing.T) {
	s, w, _ := newSession(t)
	at := s.now()
	s.loadHistory([]model.Message{
		{ID: "1", ConversationID: "c1", SenderID: "bob", ReceiverID: "alice", Text: "one", Status: model.StatusRead, CreatedAt: at},
		{ID: "2", ConversationID: "c1", SenderID: "bob", ReceiverID: "alice", Text: "two", Status: model.StatusDelivered, CreatedAt: at.Add(time.Second)},
		{ID: "3", ConversationID: "c1", SenderID: "alice", ReceiverID: "bob", Text: "three", Status: model.StatusSent, CreatedAt: at.Add(2 * time.Second)},
	})

	reads := w.ofType(model.TypeMarkRead)
	require.Len(t, reads, 1)
	assert.Equal(t, []string{"2"}, reads[0].(model.MarkReadPayload).MessageIDs)

	// The live copy of a message already loaded from history is not shown again.
	require.NoError(t, s.Handle(envelope(t, model.TypeReceived, model.MessagePayload{Message: model.Message{
		ID: "2", ConversationID: "c1", SenderID: "bob", ReceiverID: "alice", Text: "two", Status: model.StatusDelivered, CreatedAt: at.Add(time.Second),
	}})))
	assert.Len(t, w.ofType(model.TypeMarkRead), 1)
	assert.Len(t, s.buffer.Entries("c1"), 3)
}

func TestTypingStartStop(t *testing.T) {
	s, w, _ := newSession(t)
	s.Keystroke()
	s.Keystroke()
	require.NoError(t, s.Say("done"))

	assert.Len(t, w.ofType(model.TypeTypingStart), 1)
	assert.Len(t, w.ofType(model.TypeTypingStop), 1)
}

func TestIgnoresOtherConversations(t *testing.T) {
	s, w, _ := newSession(t)
	require.NoError(t, s.Handle(envelope(t, model.TypeReceived, model.MessagePayload{Message: model.Message{
		ID: "9", ConversationID: "other", SenderID: "carol", ReceiverID: "alice", Text: "psst", CreatedAt: s.now(),
	}})))
	assert.Empty(t, s.buffer.Entries("other"))
	assert.Empty(t, w.ofType(model.TypeMarkRead))
}

func TestSendErrorsSurface(t *testing.T) {
	s, w, _ := newSession(t)
	w.fail = errors.New("socket closed")
	err := s.Say("x")
	require.Error(t, err)
	e := s.buffer.Entries("c1")[0]
	assert.Equal(t, reconcile.StatusSending, e.Status)
	assert.True(t, e.Failed())
	assert.Contains(t, err.Error(), "/retry "+e.CorrelationID)

	w.fail = nil
	require.NoError(t, s.Retry(e.CorrelationID))
}

func TestResyncAfterReconnect(t *testing.T) {
	s, w, out := newSession(t)
	at := s.now()

	require.NoError(t, s.Say("hi"))
	hi := w.ofType(model.TypeSend)[0].(model.SendPayload).ClientCorrelationID
	require.NoError(t, s.Handle(envelope(t, model.TypeSendConfirmed, model.MessagePayload{Message: model.Message{
		ID: "100", ConversationID: "c1", SenderID: "alice", ReceiverID: "bob", Text: "hi",
		Status: model.StatusDelivered, CreatedAt: at, ClientCorrelationID: hi,
	}})))
	require.NoError(t, s.Handle(envelope(t, model.TypeReadReceipt, model.ReadReceipt{ConversationID: "c1", MessageIDs: []string{"100"}})))
	require.NoError(t, s.Handle(envelope(t, model.TypeReceived, model.MessagePayload{Message: model.Message{
		ID: "101", ConversationID: "c1", SenderID: "bob", ReceiverID: "alice", Text: "yo",
		Status: model.StatusDelivered, CreatedAt: at.Add(time.Second),
	}})))

	// Two sends go out as the connection drops: the server keeps one.
	require.NoError(t, s.Say("kept"))
	require.NoError(t, s.Say("lost"))
	sends := w.ofType(model.TypeSend)
	kept := sends[1].(model.SendPayload).ClientCorrelationID
	lost := sends[2].(model.SendPayload).ClientCorrelationID

	s.Resync([]model.Message{
		{ID: "100", ConversationID: "c1", SenderID: "alice", ReceiverID: "bob", Text: "hi", Status: model.StatusDelivered, CreatedAt: at, ClientCorrelationID: hi},
		{ID: "101", ConversationID: "c1", SenderID: "bob", ReceiverID: "alice", Text: "yo", Status: model.StatusDelivered, CreatedAt: at.Add(time.Second)},
		{ID: "102", ConversationID: "c1", SenderID: "alice", ReceiverID: "bob", Text: "kept", Status: model.StatusSent, CreatedAt: at.Add(2 * time.Second), ClientCorrelationID: kept},
		{ID: "103", ConversationID: "c1", SenderID: "bob", ReceiverID: "alice", Text: "missed", Status: model.StatusDelivered, CreatedAt: at.Add(3 * time.Second)},
	})

	entries := s.buffer.Entries("c1")
	require.Len(t, entries, 5)
	byCorr := make(map[string]reconcile.Entry)
	byServer := make(map[string]reconcile.Entry)
	for _, e := range entries {
		byCorr[e.CorrelationID] = e
		byServer[e.ServerID] = e
	}
	assert.Equal(t, model.StatusRead, byServer["100"].Status, "stale history must not regress status")
	assert.Equal(t, model.StatusRead, byServer["101"].Status)
	assert.Equal(t, "102", byCorr[kept].ServerID)
	assert.Equal(t, "", byCorr[lost].ServerID)
	assert.True(t, byCorr[lost].Failed())

	reads := w.ofType(model.TypeMarkRead)
	require.Len(t, reads, 2)
	assert.Equal(t, []string{"101"}, reads[0].(model.MarkReadPayload).MessageIDs)
	assert.Equal(t, []string{"103"}, reads[1].(model.MarkReadPayload).MessageIDs)

	text := out.String()
	for _, line := range []string{"alice: hi", "bob: yo", "alice: kept", "bob: missed"} {
		assert.Equal(t, 1, strings.Count(text, line), line)
	}
	assert.Contains(t, text, "/retry "+lost)

	// A second identical page changes nothing.
	s.Resync([]model.Message{
		{ID: "103", ConversationID: "c1", SenderID: "bob", ReceiverID: "alice", Text: "missed", Status: model.StatusDelivered, CreatedAt: at.Add(3 * time.Second)},
	})
	assert.Len(t, s.buffer.Entries("c1"), 5)
	assert.Len(t, w.ofType(model.TypeMarkRead), 2)
	assert.Equal(t, 1, strings.Count(out.String(), "bob: missed"))
}
