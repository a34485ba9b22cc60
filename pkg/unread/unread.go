// Package unread maintains per-user unread message counters in Redis,
// driven by journal events.
package unread

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/mahaj/dupahar-chat/pkg/journal"
)

// Decrement a hash field without going below zero.
var decrClamp = redis.NewScript(`
local v = redis.call('HINCRBY', KEYS[1], ARGV[1], -tonumber(ARGV[2]))
if v <= 0 then
  redis.call('HDEL', KEYS[1], ARGV[1])
  return 0
end
return v
`)

// Counters keeps one hash per user: field conversation id, value unread count.
type Counters struct {
	client redis.Cmdable
	prefix string
}

func NewCounters(client redis.Cmdable, prefix string) *Counters {
	if prefix == "" {
		prefix = "chat"
	}
	return &Counters{client: client, prefix: prefix}
}

func (c *Counters) key(userID string) string {
	return fmt.Sprintf("%s:unread:%s", c.prefix, userID)
}

// Apply folds one journal event into the counters. Sent messages count
// against the receiver; read messages are subtracted from the reader.
func (c *Counters) Apply(ctx context.Context, e journal.Event) error {
	n := int64(len(e.MessageIDs))
	if n == 0 {
		return nil
	}
	switch e.Kind {
	case journal.KindSent:
		return c.client.HIncrBy(ctx, c.key(e.ReceiverID), e.ConversationID, n).Err()
	case journal.KindRead:
		return decrClamp.Run(ctx, c.client, []string{c.key(e.ReceiverID)}, e.ConversationID, n).Err()
	default:
		return nil
	}
}

// Counts returns the user's unread count per conversation id.
func (c *Counters) Counts(ctx context.Context, userID string) (map[string]int64, error) {
	raw, err := c.client.HGetAll(ctx, c.key(userID)).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(raw))
	for conv, v := range raw {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("unread: bad counter %s/%s: %w", userID, conv, err)
		}
		out[conv] = n
	}
	return out, nil
}

// Reset clears the user's counter for one conversation.
func (c *Counters) Reset(ctx context.Context, userID, conversationID string) error {
	return c.client.HDel(ctx, c.key(userID), conversationID).Err()
}
