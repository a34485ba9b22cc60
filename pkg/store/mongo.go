package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/mahaj/dupahar-chat/pkg/model"
	"github.com/mahaj/dupahar-chat/pkg/snowflake"
)

type mongoMessage struct {
	ID                  string     `bson:"_id"`
	Seq                 int64      `bson:"seq"`
	ConversationID      string     `bson:"conversation_id"`
	SenderID            string     `bson:"sender_id"`
	ReceiverID          string     `bson:"receiver_id"`
	Text                string     `bson:"text"`
	MediaRef            string     `bson:"media_ref,omitempty"`
	MediaType           string     `bson:"media_type,omitempty"`
	Status              string     `bson:"status"`
	CreatedAt           time.Time  `bson:"created_at"`
	ReadAt              *time.Time `bson:"read_at,omitempty"`
	ClientCorrelationID string     `bson:"client_correlation_id,omitempty"`
}

func (d mongoMessage) model() model.Message {
	return model.Message{
		ID:                  d.ID,
		ConversationID:      d.ConversationID,
		SenderID:            d.SenderID,
		ReceiverID:          d.ReceiverID,
		Text:                d.Text,
		MediaRef:            d.MediaRef,
		MediaType:           d.MediaType,
		Status:              model.Status(d.Status),
		CreatedAt:           d.CreatedAt,
		ReadAt:              d.ReadAt,
		ClientCorrelationID: d.ClientCorrelationID,
	}
}

type mongoConversation struct {
	ID            string    `bson:"_id"`
	PairKey       string    `bson:"pair_key"`
	Participants  []string  `bson:"participants"`
	LastMessageID string    `bson:"last_message_id,omitempty"`
	LastMessageAt time.Time `bson:"last_message_at"`
	CreatedAt     time.Time `bson:"created_at"`
}

func (d mongoConversation) model() *model.Conversation {
	c := &model.Conversation{
		ID:            d.ID,
		LastMessageID: d.LastMessageID,
		LastMessageAt: d.LastMessageAt,
		CreatedAt:     d.CreatedAt,
	}
	copy(c.Participants[:], d.Participants)
	return c
}

type mongoUser struct {
	ID       string    `bson:"_id"`
	Name     string    `bson:"name"`
	LastSeen time.Time `bson:"last_seen"`
}

// Mongo keeps messages, conversations and users in three collections of one database.
type Mongo struct {
	messages      *mongo.Collection
	conversations *mongo.Collection
	users         *mongo.Collection
}

var _ Store = (*Mongo)(nil)

func ConnectMongo(ctx context.Context, uri string) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo: connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo: ping: %w", err)
	}
	return client, nil
}

// NewMongo binds the store to database and ensures its indexes.
func NewMongo(ctx context.Context, database *mongo.Database) (*Mongo, error) {
	m := &Mongo{
		messages:      database.Collection("messages"),
		conversations: database.Collection("conversations"),
		users:         database.Collection("users"),
	}

	_, err := m.messages.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "conversation_id", Value: 1}, {Key: "seq", Value: -1}},
		Options: options.Index().SetName("conversation_seq_idx"),
	})
	if err != nil {
		return nil, fmt.Errorf("mongo: message index: %w", err)
	}
	_, err = m.conversations.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "pair_key", Value: 1}}, Options: options.Index().SetName("pair_key_idx").SetUnique(true)},
		{Keys: bson.D{{Key: "participants", Value: 1}, {Key: "last_message_at", Value: -1}}, Options: options.Index().SetName("participants_idx")},
	})
	if err != nil {
		return nil, fmt.Errorf("mongo: conversation index: %w", err)
	}
	return m, nil
}

func (s *Mongo) CreateMessage(ctx context.Context, m *model.Message) error {
	seq, err := snowflake.Parse(m.ID)
	if err != nil {
		return err
	}
	_, err = s.messages.InsertOne(ctx, mongoMessage{
		ID:                  m.ID,
		Seq:                 seq,
		ConversationID:      m.ConversationID,
		SenderID:            m.SenderID,
		ReceiverID:          m.ReceiverID,
		Text:                m.Text,
		MediaRef:            m.MediaRef,
		MediaType:           m.MediaType,
		Status:              string(m.Status),
		CreatedAt:           m.CreatedAt,
		ReadAt:              m.ReadAt,
		ClientCorrelationID: m.ClientCorrelationID,
	})
	if mongo.IsDuplicateKeyError(err) {
		return ErrConflict
	}
	return err
}

func (s *Mongo) UpdateMessageStatus(ctx context.Context, conversationID string, ids []string, status model.Status, at time.Time) ([]string, error) {
	from := earlierStatuses(status)
	if len(from) == 0 {
		return nil, nil
	}
	set := bson.M{"status": string(status)}
	if status == model.StatusRead {
		set["read_at"] = at
	}

	var changed []string
	for _, id := range ids {
		filter := bson.M{"_id": id, "conversation_id": conversationID, "status": bson.M{"$in": from}}
		res, err := s.messages.UpdateOne(ctx, filter, bson.M{"$set": set})
		if err != nil {
			return changed, fmt.Errorf("update status of %s: %w", id, err)
		}
		if res.ModifiedCount == 1 {
			changed = append(changed, id)
		}
	}
	return changed, nil
}

func (s *Mongo) FindMessages(ctx context.Context, conversationID string, ids []string) ([]model.Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	cur, err := s.messages.Find(ctx, bson.M{"conversation_id": conversationID, "_id": bson.M{"$in": ids}})
	if err != nil {
		return nil, err
	}
	return decodeMessages(ctx, cur)
}

func (s *Mongo) ListMessages(ctx context.Context, conversationID, before string, limit int) ([]model.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	filter := bson.M{"conversation_id": conversationID}
	if before != "" {
		seq, err := snowflake.Parse(before)
		if err != nil {
			return nil, err
		}
		filter["seq"] = bson.M{"$lt": seq}
	}
	opts := options.Find().SetSort(bson.D{{Key: "seq", Value: -1}}).SetLimit(int64(limit))
	cur, err := s.messages.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	msgs, err := decodeMessages(ctx, cur)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func decodeMessages(ctx context.Context, cur *mongo.Cursor) ([]model.Message, error) {
	defer cur.Close(ctx)
	var out []model.Message
	for cur.Next(ctx) {
		var d mongoMessage
		if err := cur.Decode(&d); err != nil {
			return nil, err
		}
		out = append(out, d.model())
	}
	return out, cur.Err()
}

func (s *Mongo) findConversation(ctx context.Context, filter bson.M) (*model.Conversation, error) {
	var d mongoConversation
	err := s.conversations.FindOne(ctx, filter).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return d.model(), nil
}

func (s *Mongo) FindConversationByID(ctx context.Context, id string) (*model.Conversation, error) {
	return s.findConversation(ctx, bson.M{"_id": id})
}

func (s *Mongo) FindConversationByParticipants(ctx context.Context, a, b string) (*model.Conversation, error) {
	return s.findConversation(ctx, bson.M{"pair_key": model.PairKey(a, b)})
}

func (s *Mongo) CreateConversation(ctx context.Context, c *model.Conversation) error {
	_, err := s.conversations.InsertOne(ctx, mongoConversation{
		ID:            c.ID,
		PairKey:       model.PairKey(c.Participants[0], c.Participants[1]),
		Participants:  c.Participants[:],
		LastMessageID: c.LastMessageID,
		LastMessageAt: c.LastMessageAt,
		CreatedAt:     c.CreatedAt,
	})
	if mongo.IsDuplicateKeyError(err) {
		return ErrConflict
	}
	return err
}

func (s *Mongo) UpdateConversationLastMessage(ctx context.Context, conversationID, messageID string, at time.Time) error {
	res, err := s.conversations.UpdateByID(ctx, conversationID, bson.M{"$set": bson.M{"last_message_id": messageID, "last_message_at": at}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Mongo) ListConversations(ctx context.Context, userID string) ([]model.Conversation, error) {
	opts := options.Find().SetSort(bson.D{{Key: "last_message_at", Value: -1}})
	cur, err := s.conversations.Find(ctx, bson.M{"participants": userID}, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []model.Conversation
	for cur.Next(ctx) {
		var d mongoConversation
		if err := cur.Decode(&d); err != nil {
			return nil, err
		}
		out = append(out, *d.model())
	}
	return out, cur.Err()
}

func (s *Mongo) FindUserByID(ctx context.Context, id string) (*model.User, error) {
	var d mongoUser
	err := s.users.FindOne(ctx, bson.M{"_id": id}).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &model.User{ID: d.ID, Name: d.Name, LastSeen: d.LastSeen}, nil
}

func (s *Mongo) UpdateUserLastSeen(ctx context.Context, id string, at time.Time) error {
	_, err := s.users.UpdateByID(ctx, id, bson.M{"$set": bson.M{"last_seen": at}})
	return err
}

// SeedUsers inserts users that do not exist yet, named after their id.
func (s *Mongo) SeedUsers(ctx context.Context, ids []string) error {
	for _, id := range ids {
		_, err := s.users.UpdateByID(ctx, id,
			bson.M{"$setOnInsert": bson.M{"name": id}},
			options.Update().SetUpsert(true))
		if err != nil {
			return fmt.Errorf("mongo: seed user %s: %w", id, err)
		}
	}
	return nil
}
