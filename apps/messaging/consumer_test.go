package main

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mahaj/dupahar-chat/pkg/journal"
	"github.com/mahaj/dupahar-chat/pkg/unread"
)

func TestProjectorTracksUnread(t *testing.T) {
	ctx := context.Background()
	srv := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	counters := unread.NewCounters(rdb, "t")
	p := NewProjector(counters, zap.NewNop())

	events := []journal.Event{
		{Kind: journal.KindSent, ConversationID: "c1", SenderID: "alice", ReceiverID: "bob", MessageIDs: []string{"1"}},
		{Kind: journal.KindSent, ConversationID: "c1", SenderID: "alice", ReceiverID: "bob", MessageIDs: []string{"2"}},
		{Kind: journal.KindDelivered, ConversationID: "c1", SenderID: "alice", ReceiverID: "bob", MessageIDs: []string{"2"}},
		{Kind: journal.KindSent, ConversationID: "c1", SenderID: "bob", ReceiverID: "alice", MessageIDs: []string{"3"}},
		{Kind: journal.KindRead, ConversationID: "c1", SenderID: "alice", ReceiverID: "bob", MessageIDs: []string{"1"}},
	}
	for _, e := range events {
		require.NoError(t, p.Handle(ctx, e))
	}

	bob, err := counters.Counts(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"c1": 1}, bob)

	alice, err := counters.Counts(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"c1": 1}, alice)
}

func TestProjectorSurfacesRedisErrors(t *testing.T) {
	srv := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	srv.Close()

	p := NewProjector(unread.NewCounters(rdb, "t"), zap.NewNop())
	err := p.Handle(context.Background(), journal.Event{Kind: journal.KindSent, ConversationID: "c1", ReceiverID: "bob", MessageIDs: []string{"1"}})
	assert.Error(t, err)
}
