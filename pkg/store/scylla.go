package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gocql/gocql"

	"github.com/mahaj/dupahar-chat/pkg/db"
	"github.com/mahaj/dupahar-chat/pkg/model"
	"github.com/mahaj/dupahar-chat/pkg/snowflake"
)

const messageColumns = `conversation_id, id, sender_id, receiver_id, text, media_ref, media_type, status, created_at, read_at, client_correlation_id`

// Scylla stores messages partitioned by conversation and clustered by
// snowflake id, newest first. Pair uniqueness and conditional status
// updates use lightweight transactions.
type Scylla struct {
	session *db.Session
}

var _ Store = (*Scylla)(nil)

func NewScylla(session *db.Session) *Scylla {
	return &Scylla{session: session}
}

func (s *Scylla) CreateMessage(ctx context.Context, m *model.Message) error {
	convID, err := snowflake.Parse(m.ConversationID)
	if err != nil {
		return err
	}
	id, err := snowflake.Parse(m.ID)
	if err != nil {
		return err
	}

	q := `INSERT INTO messages (` + messageColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	return s.session.Query(q, convID, id, m.SenderID, m.ReceiverID, m.Text, m.MediaRef, m.MediaType,
		string(m.Status), m.CreatedAt, m.ReadAt, m.ClientCorrelationID).WithContext(ctx).Exec()
}

// earlierStatuses lists the statuses a message may hold before moving to target.
func earlierStatuses(target model.Status) []string {
	var out []string
	for _, s := range []model.Status{model.StatusSent, model.StatusDelivered, model.StatusRead} {
		if s.Rank() < target.Rank() {
			out = append(out, string(s))
		}
	}
	return out
}

func (s *Scylla) UpdateMessageStatus(ctx context.Context, conversationID string, ids []string, status model.Status, at time.Time) ([]string, error) {
	convID, err := snowflake.Parse(conversationID)
	if err != nil {
		return nil, ErrNotFound
	}
	from := earlierStatuses(status)
	if len(from) == 0 {
		return nil, nil
	}
	cond := "IF status IN (" + strings.TrimSuffix(strings.Repeat("?, ", len(from)), ", ") + ")"

	var changed []string
	for _, raw := range ids {
		id, err := snowflake.Parse(raw)
		if err != nil {
			continue
		}

		var (
			stmt string
			args []interface{}
		)
		if status == model.StatusRead {
			stmt = `UPDATE messages SET status = ?, read_at = ? WHERE conversation_id = ? AND id = ? ` + cond
			args = []interface{}{string(status), at, convID, id}
		} else {
			stmt = `UPDATE messages SET status = ? WHERE conversation_id = ? AND id = ? ` + cond
			args = []interface{}{string(status), convID, id}
		}
		for _, f := range from {
			args = append(args, f)
		}

		applied, err := s.session.Query(stmt, args...).WithContext(ctx).MapScanCAS(map[string]interface{}{})
		if err != nil {
			return changed, fmt.Errorf("update status of %s: %w", raw, err)
		}
		if applied {
			changed = append(changed, raw)
		}
	}
	return changed, nil
}

func (s *Scylla) FindMessages(ctx context.Context, conversationID string, ids []string) ([]model.Message, error) {
	convID, err := snowflake.Parse(conversationID)
	if err != nil {
		return nil, nil
	}
	keys := make([]int64, 0, len(ids))
	for _, raw := range ids {
		if id, err := snowflake.Parse(raw); err == nil {
			keys = append(keys, id)
		}
	}
	if len(keys) == 0 {
		return nil, nil
	}

	iter := s.session.Query(`SELECT `+messageColumns+` FROM messages WHERE conversation_id = ? AND id IN ?`, convID, keys).WithContext(ctx).Iter()
	return scanMessages(iter)
}

func (s *Scylla) ListMessages(ctx context.Context, conversationID, before string, limit int) ([]model.Message, error) {
	convID, err := snowflake.Parse(conversationID)
	if err != nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}

	var q *gocql.Query
	if before != "" {
		b, err := snowflake.Parse(before)
		if err != nil {
			return nil, err
		}
		q = s.session.Query(`SELECT `+messageColumns+` FROM messages WHERE conversation_id = ? AND id < ? LIMIT ?`, convID, b, limit)
	} else {
		q = s.session.Query(`SELECT `+messageColumns+` FROM messages WHERE conversation_id = ? LIMIT ?`, convID, limit)
	}

	msgs, err := scanMessages(q.WithContext(ctx).Iter())
	if err != nil {
		return nil, err
	}
	// Clustering order is newest first; history is served oldest first.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func scanMessages(iter *gocql.Iter) ([]model.Message, error) {
	var (
		out                                         []model.Message
		convID, id                                  int64
		sender, receiver, text, mediaRef, mediaType string
		status, correlation                         string
		createdAt, readAt                           time.Time
	)
	for iter.Scan(&convID, &id, &sender, &receiver, &text, &mediaRef, &mediaType, &status, &createdAt, &readAt, &correlation) {
		m := model.Message{
			ID:                  strconv.FormatInt(id, 10),
			ConversationID:      strconv.FormatInt(convID, 10),
			SenderID:            sender,
			ReceiverID:          receiver,
			Text:                text,
			MediaRef:            mediaRef,
			MediaType:           mediaType,
			Status:              model.Status(status),
			CreatedAt:           createdAt,
			ClientCorrelationID: correlation,
		}
		if !readAt.IsZero() {
			ts := readAt
			m.ReadAt = &ts
		}
		out = append(out, m)
		readAt = time.Time{}
	}
	if err := iter.Close(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Scylla) FindConversationByID(ctx context.Context, id string) (*model.Conversation, error) {
	key, err := snowflake.Parse(id)
	if err != nil {
		return nil, ErrNotFound
	}
	var (
		c              model.Conversation
		a, b           string
		lastID         int64
		lastAt, create time.Time
	)
	err = s.session.Query(`SELECT participant_a, participant_b, last_message_id, last_message_at, created_at FROM conversations WHERE id = ?`, key).
		WithContext(ctx).Scan(&a, &b, &lastID, &lastAt, &create)
	if errors.Is(err, gocql.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	c.ID = id
	c.Participants = [2]string{a, b}
	if lastID != 0 {
		c.LastMessageID = strconv.FormatInt(lastID, 10)
	}
	c.LastMessageAt = lastAt
	c.CreatedAt = create
	return &c, nil
}

func (s *Scylla) FindConversationByParticipants(ctx context.Context, a, b string) (*model.Conversation, error) {
	var id int64
	err := s.session.Query(`SELECT conversation_id FROM conversation_pairs WHERE pair_key = ?`, model.PairKey(a, b)).
		WithContext(ctx).Scan(&id)
	if errors.Is(err, gocql.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return s.FindConversationByID(ctx, strconv.FormatInt(id, 10))
}

func (s *Scylla) CreateConversation(ctx context.Context, c *model.Conversation) error {
	id, err := snowflake.Parse(c.ID)
	if err != nil {
		return err
	}
	pair := model.PairKey(c.Participants[0], c.Participants[1])

	applied, err := s.session.Query(`INSERT INTO conversation_pairs (pair_key, conversation_id) VALUES (?, ?) IF NOT EXISTS`, pair, id).
		WithContext(ctx).MapScanCAS(map[string]interface{}{})
	if err != nil {
		return err
	}
	if !applied {
		return ErrConflict
	}

	batch := s.session.NewBatch(gocql.LoggedBatch).WithContext(ctx)
	batch.Query(`INSERT INTO conversations (id, participant_a, participant_b, last_message_at, created_at) VALUES (?, ?, ?, ?, ?)`,
		id, c.Participants[0], c.Participants[1], c.LastMessageAt, c.CreatedAt)
	batch.Query(`INSERT INTO user_conversations (user_id, conversation_id) VALUES (?, ?)`, c.Participants[0], id)
	batch.Query(`INSERT INTO user_conversations (user_id, conversation_id) VALUES (?, ?)`, c.Participants[1], id)
	return s.session.ExecuteBatch(batch)
}

func (s *Scylla) UpdateConversationLastMessage(ctx context.Context, conversationID, messageID string, at time.Time) error {
	convID, err := snowflake.Parse(conversationID)
	if err != nil {
		return ErrNotFound
	}
	msgID, err := snowflake.Parse(messageID)
	if err != nil {
		return err
	}
	return s.session.Query(`UPDATE conversations SET last_message_id = ?, last_message_at = ? WHERE id = ?`, msgID, at, convID).
		WithContext(ctx).Exec()
}

func (s *Scylla) ListConversations(ctx context.Context, userID string) ([]model.Conversation, error) {
	iter := s.session.Query(`SELECT conversation_id FROM user_conversations WHERE user_id = ?`, userID).WithContext(ctx).Iter()

	var (
		ids []int64
		id  int64
	)
	for iter.Scan(&id) {
		ids = append(ids, id)
	}
	if err := iter.Close(); err != nil {
		return nil, err
	}

	out := make([]model.Conversation, 0, len(ids))
	for _, id := range ids {
		c, err := s.FindConversationByID(ctx, strconv.FormatInt(id, 10))
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastMessageAt.After(out[j].LastMessageAt) })
	return out, nil
}

func (s *Scylla) FindUserByID(ctx context.Context, id string) (*model.User, error) {
	u := model.User{ID: id}
	err := s.session.Query(`SELECT name, last_seen FROM users WHERE id = ?`, id).WithContext(ctx).Scan(&u.Name, &u.LastSeen)
	if errors.Is(err, gocql.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *Scylla) UpdateUserLastSeen(ctx context.Context, id string, at time.Time) error {
	return s.session.Query(`UPDATE users SET last_seen = ? WHERE id = ?`, at, id).WithContext(ctx).Exec()
}
