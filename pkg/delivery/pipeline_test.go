package delivery

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mahaj/dupahar-chat/pkg/gateway"
	"github.com/mahaj/dupahar-chat/pkg/journal"
	"github.com/mahaj/dupahar-chat/pkg/model"
	"github.com/mahaj/dupahar-chat/pkg/presence"
	"github.com/mahaj/dupahar-chat/pkg/snowflake"
	"github.com/mahaj/dupahar-chat/pkg/store"
)

const convID = "4242"

var errDown = errors.New("backend down")

// flakyStore fails selected calls.
type flakyStore struct {
	store.Store
	failCreate  bool
	failPromote bool
}

func (f *flakyStore) CreateMessage(ctx context.Context, m *model.Message) error {
	if f.failCreate {
		return errDown
	}
	return f.Store.CreateMessage(ctx, m)
}

func (f *flakyStore) UpdateMessageStatus(ctx context.Context, conv string, ids []string, s model.Status, at time.Time) ([]string, error) {
	if f.failPromote {
		return nil, errDown
	}
	return f.Store.UpdateMessageStatus(ctx, conv, ids, s, at)
}

type fixture struct {
	mem      *store.Memory
	flaky    *flakyStore
	registry *presence.Registry
	journal  *journal.Recorder
	pipeline *Pipeline
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	f := &fixture{
		mem:      store.NewMemory(model.User{ID: "alice"}, model.User{ID: "bob"}, model.User{ID: "mallory"}),
		registry: presence.NewRegistry(),
		journal:  &journal.Recorder{},
		now:      time.Date(2025, 5, 6, 7, 8, 9, 0, time.UTC),
	}
	f.registry.Start()
	t.Cleanup(f.registry.Stop)
	f.flaky = &flakyStore{Store: f.mem}
	require.NoError(t, f.mem.CreateConversation(ctx, model.NewConversation(convID, "alice", "bob", f.now.Add(-time.Hour))))

	node, err := snowflake.NewNode(3)
	require.NoError(t, err)
	f.pipeline = New(f.flaky, f.registry, node, WithJournal(f.journal), WithClock(func() time.Time { return f.now }))
	return f
}

func (f *fixture) online(t *testing.T, user string, handles ...presence.Handle) {
	t.Helper()
	for _, h := range handles {
		_, err := f.registry.Register(user, h)
		require.NoError(t, err)
	}
}

func sendFrame(t *testing.T, p model.SendPayload) []byte {
	t.Helper()
	env, err := model.NewEnvelope(model.TypeSend, p)
	require.NoError(t, err)
	return env.Payload
}

func byType(t *testing.T, outs []gateway.Outbound) map[model.EventType]gateway.Outbound {
	t.Helper()
	m := make(map[model.EventType]gateway.Outbound)
	for _, o := range outs {
		_, dup := m[o.Event.Type]
		require.False(t, dup, "duplicate %s outbound", o.Event.Type)
		m[o.Event.Type] = o
	}
	return m
}

func TestSendToOnlineReceiver(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.online(t, "bob", "bob-phone", "bob-laptop")
	alice := &gateway.Session{UserID: "alice", Handle: "alice-1"}

	outs, err := f.pipeline.HandleSend(ctx, alice, sendFrame(t, model.SendPayload{
		ConversationID:      convID,
		ReceiverID:          "bob",
		Text:                "  hi bob  ",
		ClientCorrelationID: "c-1",
	}))
	require.NoError(t, err)

	got := byType(t, outs)
	require.Len(t, got, 2)

	received := got[model.TypeReceived]
	assert.Equal(t, []presence.Handle{"bob-laptop", "bob-phone"}, received.Handles)
	confirmed := got[model.TypeSendConfirmed]
	assert.Equal(t, []presence.Handle{"alice-1"}, confirmed.Handles)

	var r, c model.MessagePayload
	require.NoError(t, received.Event.Decode(&r))
	require.NoError(t, confirmed.Event.Decode(&c))
	assert.Equal(t, r.Message, c.Message, "receiver and sender must see the same record")
	assert.Equal(t, model.StatusDelivered, c.Message.Status)
	assert.Equal(t, "hi bob", c.Message.Text)
	assert.Equal(t, "c-1", c.Message.ClientCorrelationID)

	stored, err := f.mem.FindMessages(ctx, convID, []string{c.Message.ID})
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, model.StatusDelivered, stored[0].Status)

	conv, err := f.mem.FindConversationByID(ctx, convID)
	require.NoError(t, err)
	assert.Equal(t, c.Message.ID, conv.LastMessageID)
	assert.Equal(t, f.now, conv.LastMessageAt)

	kinds := []journal.Kind{}
	for _, e := range f.journal.Events() {
		kinds = append(kinds, e.Kind)
	}
	assert.Equal(t, []journal.Kind{journal.KindSent, journal.KindDelivered}, kinds)
}

func TestSendToOfflineReceiver(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.pipeline.Send(ctx, Request{SenderID: "alice", ConversationID: convID, ReceiverID: "bob", Text: "later", ClientCorrelationID: "c-2"})
	require.NoError(t, err)
	assert.Equal(t, model.StatusSent, res.Message.Status)
	assert.Empty(t, res.ReceiverHandles)

	outs, err := f.pipeline.HandleSend(ctx, &gateway.Session{UserID: "alice", Handle: "a"}, sendFrame(t, model.SendPayload{
		ConversationID: convID, ReceiverID: "bob", Text: "again", ClientCorrelationID: "c-3",
	}))
	require.NoError(t, err)
	got := byType(t, outs)
	require.Len(t, got, 1)
	assert.Contains(t, got, model.TypeSendConfirmed)
}

func TestSendMediaOnly(t *testing.T) {
	f := newFixture(t)
	res, err := f.pipeline.Send(context.Background(), Request{SenderID: "bob", ConversationID: convID, ReceiverID: "alice", MediaRef: "s3://img/1.png"})
	require.NoError(t, err)
	assert.Equal(t, model.MediaImage, res.Message.MediaType)
	assert.Empty(t, res.Message.Text)
}

func TestSendRejections(t *testing.T) {
	cases := []struct {
		name string
		req  Request
		want error
	}{
		{"not a participant", Request{SenderID: "mallory", ConversationID: convID, ReceiverID: "bob", Text: "x"}, gateway.ErrAuthorization},
		{"unknown conversation", Request{SenderID: "alice", ConversationID: "1", ReceiverID: "bob", Text: "x"}, gateway.ErrAuthorization},
		{"missing conversation", Request{SenderID: "alice", ReceiverID: "bob", Text: "x"}, gateway.ErrValidation},
		{"missing receiver", Request{SenderID: "alice", ConversationID: convID, Text: "x"}, gateway.ErrValidation},
		{"wrong receiver", Request{SenderID: "alice", ConversationID: convID, ReceiverID: "mallory", Text: "x"}, gateway.ErrValidation},
		{"self receiver", Request{SenderID: "alice", ConversationID: convID, ReceiverID: "alice", Text: "x"}, gateway.ErrValidation},
		{"blank", Request{SenderID: "alice", ConversationID: convID, ReceiverID: "bob", Text: "   "}, gateway.ErrValidation},
		{"too long", Request{SenderID: "alice", ConversationID: convID, ReceiverID: "bob", Text: strings.Repeat("é", MaxTextLength+1)}, gateway.ErrValidation},
		{"bad media type", Request{SenderID: "alice", ConversationID: convID, ReceiverID: "bob", MediaRef: "r", MediaType: "audio"}, gateway.ErrValidation},
		{"type without ref", Request{SenderID: "alice", ConversationID: convID, ReceiverID: "bob", Text: "x", MediaType: model.MediaVideo}, gateway.ErrValidation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.pipeline.Send(context.Background(), tc.req)
			require.ErrorIs(t, err, tc.want)

			msgs, err := f.mem.ListMessages(context.Background(), convID, "", 0)
			require.NoError(t, err)
			assert.Empty(t, msgs, "rejected sends must not reach persistence")
			assert.Empty(t, f.journal.Events())
		})
	}
}

func TestSendAtLimit(t *testing.T) {
	f := newFixture(t)
	_, err := f.pipeline.Send(context.Background(), Request{SenderID: "alice", ConversationID: convID, ReceiverID: "bob", Text: strings.Repeat("a", MaxTextLength)})
	require.NoError(t, err)
}

func TestRejectionsBecomeSendFailed(t *testing.T) {
	f := newFixture(t)
	f.online(t, "bob", "b")
	mallory := &gateway.Session{UserID: "mallory", Handle: "m"}

	outs, err := f.pipeline.HandleSend(context.Background(), mallory, sendFrame(t, model.SendPayload{
		ConversationID: convID, ReceiverID: "bob", Text: "let me in", ClientCorrelationID: "c-9",
	}))
	require.NoError(t, err)
	require.Len(t, outs, 1)
	assert.Equal(t, []presence.Handle{"m"}, outs[0].Handles)
	assert.Equal(t, model.TypeSendFailed, outs[0].Event.Type)

	var p model.SendFailedPayload
	require.NoError(t, outs[0].Event.Decode(&p))
	assert.Equal(t, "c-9", p.ClientCorrelationID)
	assert.NotEmpty(t, p.Reason)
}

func TestPersistenceFailure(t *testing.T) {
	f := newFixture(t)
	f.online(t, "bob", "b")
	f.flaky.failCreate = true

	_, err := f.pipeline.Send(context.Background(), Request{SenderID: "alice", ConversationID: convID, ReceiverID: "bob", Text: "x"})
	require.ErrorIs(t, err, gateway.ErrPersistence)
	assert.Equal(t, gateway.CodeUnavailable, gateway.Code(err))

	outs, err := f.pipeline.HandleSend(context.Background(), &gateway.Session{UserID: "alice", Handle: "a"}, sendFrame(t, model.SendPayload{
		ConversationID: convID, ReceiverID: "bob", Text: "x", ClientCorrelationID: "c-5",
	}))
	require.NoError(t, err)
	got := byType(t, outs)
	require.Len(t, got, 1, "no received or send-confirmed after a failed write")
	assert.Contains(t, got, model.TypeSendFailed)
}

func TestPromotionFailureLeavesMessageSent(t *testing.T) {
	f := newFixture(t)
	f.online(t, "bob", "b")
	f.flaky.failPromote = true

	res, err := f.pipeline.Send(context.Background(), Request{SenderID: "alice", ConversationID: convID, ReceiverID: "bob", Text: "x"})
	require.NoError(t, err)
	assert.Equal(t, model.StatusSent, res.Message.Status)
	assert.Equal(t, []presence.Handle{"b"}, res.ReceiverHandles)
}

func TestMalformedPayload(t *testing.T) {
	f := newFixture(t)
	outs, err := f.pipeline.HandleSend(context.Background(), &gateway.Session{UserID: "alice", Handle: "a"}, []byte(`[1,2]`))
	require.NoError(t, err)
	require.Len(t, outs, 1)
	assert.Equal(t, model.TypeSendFailed, outs[0].Event.Type)
}

func TestIDsAreTimeOrdered(t *testing.T) {
	f := newFixture(t)
	var last int64
	for i := 0; i < 5; i++ {
		res, err := f.pipeline.Send(context.Background(), Request{SenderID: "alice", ConversationID: convID, ReceiverID: "bob", Text: "x"})
		require.NoError(t, err)
		id, err := snowflake.Parse(res.Message.ID)
		require.NoError(t, err)
		assert.Greater(t, id, last)
		last = id
	}
	msgs, err := f.mem.ListMessages(context.Background(), convID, "", 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 5)
}
