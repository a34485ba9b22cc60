package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mahaj/dupahar-chat/pkg/model"
)

// Memory keeps everything in process maps. It backs tests and the
// single-node dev setup.
type Memory struct {
	mu             sync.RWMutex
	messages       map[string]*model.Message
	byConversation map[string][]string // conversation id -> message ids, creation order
	conversations  map[string]*model.Conversation
	pairs          map[string]string // pair key -> conversation id
	users          map[string]*model.User
}

var _ Store = (*Memory)(nil)

func NewMemory(users ...model.User) *Memory {
	m := &Memory{
		messages:       make(map[string]*model.Message),
		byConversation: make(map[string][]string),
		conversations:  make(map[string]*model.Conversation),
		pairs:          make(map[string]string),
		users:          make(map[string]*model.User),
	}
	for _, u := range users {
		m.PutUser(u)
	}
	return m
}

// PutUser inserts or replaces a user record.
func (m *Memory) PutUser(u model.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = &u
}

func (m *Memory) CreateMessage(_ context.Context, msg *model.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.messages[msg.ID]; ok {
		return ErrConflict
	}
	cp := cloneMessage(*msg)
	m.messages[msg.ID] = &cp
	m.byConversation[msg.ConversationID] = append(m.byConversation[msg.ConversationID], msg.ID)
	return nil
}

func (m *Memory) UpdateMessageStatus(_ context.Context, conversationID string, ids []string, status model.Status, at time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var changed []string
	for _, id := range ids {
		msg, ok := m.messages[id]
		if !ok || msg.ConversationID != conversationID {
			continue
		}
		if msg.Status.Rank() >= status.Rank() {
			continue
		}
		msg.Status = status
		if status == model.StatusRead {
			ts := at
			msg.ReadAt = &ts
		}
		changed = append(changed, id)
	}
	return changed, nil
}

func (m *Memory) FindMessages(_ context.Context, conversationID string, ids []string) ([]model.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]model.Message, 0, len(ids))
	for _, id := range ids {
		msg, ok := m.messages[id]
		if !ok || msg.ConversationID != conversationID {
			continue
		}
		out = append(out, cloneMessage(*msg))
	}
	return out, nil
}

func (m *Memory) ListMessages(_ context.Context, conversationID, before string, limit int) ([]model.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := m.byConversation[conversationID]
	end := len(ids)
	if before != "" {
		end = 0
		for i, id := range ids {
			if id == before {
				end = i
				break
			}
		}
	}
	start := 0
	if limit > 0 && end-limit > 0 {
		start = end - limit
	}

	out := make([]model.Message, 0, end-start)
	for _, id := range ids[start:end] {
		out = append(out, cloneMessage(*m.messages[id]))
	}
	return out, nil
}

func (m *Memory) FindConversationByID(_ context.Context, id string) (*model.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *Memory) FindConversationByParticipants(_ context.Context, a, b string) (*model.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.pairs[model.PairKey(a, b)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m.conversations[id]
	return &cp, nil
}

func (m *Memory) CreateConversation(_ context.Context, c *model.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := model.PairKey(c.Participants[0], c.Participants[1])
	if _, ok := m.pairs[key]; ok {
		return ErrConflict
	}
	cp := *c
	m.conversations[c.ID] = &cp
	m.pairs[key] = c.ID
	return nil
}

func (m *Memory) UpdateConversationLastMessage(_ context.Context, conversationID, messageID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[conversationID]
	if !ok {
		return ErrNotFound
	}
	c.LastMessageID = messageID
	c.LastMessageAt = at
	return nil
}

func (m *Memory) ListConversations(_ context.Context, userID string) ([]model.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []model.Conversation
	for _, c := range m.conversations {
		if c.HasParticipant(userID) {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastMessageAt.After(out[j].LastMessageAt) })
	return out, nil
}

func (m *Memory) FindUserByID(_ context.Context, id string) (*model.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *Memory) UpdateUserLastSeen(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return ErrNotFound
	}
	u.LastSeen = at
	return nil
}

func cloneMessage(m model.Message) model.Message {
	if m.ReadAt != nil {
		ts := *m.ReadAt
		m.ReadAt = &ts
	}
	return m
}
