package presence

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Mirror publishes online/offline transitions outside the process.
type Mirror interface {
	SetOnline(ctx context.Context, userID string, at time.Time) error
	SetOffline(ctx context.Context, userID string, at time.Time) error
}

type NopMirror struct{}

func (NopMirror) SetOnline(context.Context, string, time.Time) error  { return nil }
func (NopMirror) SetOffline(context.Context, string, time.Time) error { return nil }

// Status is the mirrored view of one user.
type Status struct {
	UserID   string    `json:"user_id"`
	Online   bool      `json:"online"`
	LastSeen time.Time `json:"last_seen,omitempty"`
}

// RedisMirror keeps a set of online users under <prefix>:online, the
// gateway nodes holding each user under <prefix>:nodes:<user>, the users
// each node holds under <prefix>:node:<node>:users and a per-user
// last-seen timestamp under <prefix>:last_seen:<user>. A user stays online
// while any node still holds them.
type RedisMirror struct {
	client redis.Cmdable
	prefix string
	node   string
}

var _ Mirror = (*RedisMirror)(nil)

// Remove one node from a user and drop the user from the online set once no
// node holds them. Returns 1 when the user went offline everywhere.
var leaveNode = redis.NewScript(`
redis.call('SREM', KEYS[1], ARGV[1])
redis.call('SREM', KEYS[2], ARGV[2])
redis.call('SET', KEYS[4], ARGV[3])
if redis.call('SCARD', KEYS[1]) == 0 then
  redis.call('SREM', KEYS[3], ARGV[2])
  return 1
end
return 0
`)

func NewRedisMirror(client redis.Cmdable, prefix string) *RedisMirror {
	if prefix == "" {
		prefix = "chat"
	}
	return &RedisMirror{client: client, prefix: prefix, node: "0"}
}

// WithNode returns a mirror that records transitions for gateway node id.
func (m *RedisMirror) WithNode(id int64) *RedisMirror {
	c := *m
	c.node = strconv.FormatInt(id, 10)
	return &c
}

func (m *RedisMirror) onlineKey() string { return m.prefix + ":online" }

func (m *RedisMirror) nodesKey(userID string) string {
	return fmt.Sprintf("%s:nodes:%s", m.prefix, userID)
}

func (m *RedisMirror) nodeUsersKey() string {
	return fmt.Sprintf("%s:node:%s:users", m.prefix, m.node)
}

func (m *RedisMirror) lastSeenKey(userID string) string {
	return fmt.Sprintf("%s:last_seen:%s", m.prefix, userID)
}

func (m *RedisMirror) SetOnline(ctx context.Context, userID string, at time.Time) error {
	_, err := m.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.SAdd(ctx, m.nodesKey(userID), m.node)
		p.SAdd(ctx, m.nodeUsersKey(), userID)
		p.SAdd(ctx, m.onlineKey(), userID)
		p.Set(ctx, m.lastSeenKey(userID), at.UnixMilli(), 0)
		return nil
	})
	return err
}

// SetOffline records that this node no longer holds userID. The user stays
// online while another node holds them.
func (m *RedisMirror) SetOffline(ctx context.Context, userID string, at time.Time) error {
	return m.leave(ctx, userID, at)
}

func (m *RedisMirror) leave(ctx context.Context, userID string, at time.Time) error {
	keys := []string{m.nodesKey(userID), m.nodeUsersKey(), m.onlineKey(), m.lastSeenKey(userID)}
	return leaveNode.Run(ctx, m.client, keys, m.node, userID, at.UnixMilli()).Err()
}

// ClearNode releases every user this node held, for a gateway restarting
// after it stopped without running its disconnects.
func (m *RedisMirror) ClearNode(ctx context.Context, at time.Time) (int, error) {
	users, err := m.client.SMembers(ctx, m.nodeUsersKey()).Result()
	if err != nil {
		return 0, err
	}
	for _, u := range users {
		if err := m.leave(ctx, u, at); err != nil {
			return 0, fmt.Errorf("presence: release %s: %w", u, err)
		}
	}
	return len(users), nil
}

// Status reads the mirrored presence of userID. A user never seen is
// offline with a zero LastSeen.
func (m *RedisMirror) Status(ctx context.Context, userID string) (Status, error) {
	st := Status{UserID: userID}

	online, err := m.client.SIsMember(ctx, m.onlineKey(), userID).Result()
	if err != nil {
		return st, err
	}
	st.Online = online

	raw, err := m.client.Get(ctx, m.lastSeenKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return st, nil
	}
	if err != nil {
		return st, err
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return st, fmt.Errorf("presence: bad last_seen for %s: %w", userID, err)
	}
	st.LastSeen = time.UnixMilli(ms).UTC()
	return st, nil
}

// OnlineUsers lists every user mirrored as online.
func (m *RedisMirror) OnlineUsers(ctx context.Context) ([]string, error) {
	return m.client.SMembers(ctx, m.onlineKey()).Result()
}
