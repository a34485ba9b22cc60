package db

import (
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"
)

type Session struct {
	*gocql.Session
}

type Options struct {
	Hosts       []string
	Keyspace    string
	Consistency string
	Timeout     time.Duration
}

func NewSession(opts Options, logger *zap.Logger) (*Session, error) {
	cluster := gocql.NewCluster(opts.Hosts...)
	cluster.Keyspace = opts.Keyspace
	cluster.Consistency = gocql.Quorum
	if opts.Consistency != "" {
		c, err := gocql.ParseConsistencyWrapper(opts.Consistency)
		if err != nil {
			return nil, fmt.Errorf("scylla: %w", err)
		}
		cluster.Consistency = c
	}
	cluster.Timeout = 5 * time.Second
	if opts.Timeout > 0 {
		cluster.Timeout = opts.Timeout
	}
	cluster.ConnectTimeout = cluster.Timeout

	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		NumRetries: 3,
		Min:        100 * time.Millisecond,
		Max:        1 * time.Second,
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("scylla: connect %v: %w", opts.Hosts, err)
	}

	logger.Info("connected to scylla", zap.Strings("hosts", opts.Hosts), zap.String("keyspace", opts.Keyspace))
	return &Session{Session: session}, nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS messages (
		conversation_id bigint,
		id bigint,
		sender_id text,
		receiver_id text,
		text text,
		media_ref text,
		media_type text,
		status text,
		created_at timestamp,
		read_at timestamp,
		client_correlation_id text,
		PRIMARY KEY (conversation_id, id)
	) WITH CLUSTERING ORDER BY (id DESC)`,
	`CREATE TABLE IF NOT EXISTS conversations (
		id bigint PRIMARY KEY,
		participant_a text,
		participant_b text,
		last_message_id bigint,
		last_message_at timestamp,
		created_at timestamp
	)`,
	`CREATE TABLE IF NOT EXISTS conversation_pairs (
		pair_key text PRIMARY KEY,
		conversation_id bigint
	)`,
	`CREATE TABLE IF NOT EXISTS user_conversations (
		user_id text,
		conversation_id bigint,
		PRIMARY KEY (user_id, conversation_id)
	)`,
	`CREATE TABLE IF NOT EXISTS users (
		id text PRIMARY KEY,
		name text,
		last_seen timestamp
	)`,
}

// Tables lists the tables EnsureSchema manages, in creation order.
var Tables = []string{"messages", "conversations", "conversation_pairs", "user_conversations", "users"}

// EnsureKeyspace creates keyspace through a session bound to the system keyspace.
func EnsureKeyspace(hosts []string, keyspace string, replication int, logger *zap.Logger) error {
	sys, err := NewSession(Options{Hosts: hosts, Keyspace: "system"}, logger)
	if err != nil {
		return err
	}
	defer sys.Close()

	if replication <= 0 {
		replication = 1
	}
	q := fmt.Sprintf(`CREATE KEYSPACE IF NOT EXISTS %s WITH REPLICATION = { 'class' : 'SimpleStrategy', 'replication_factor' : %d }`, keyspace, replication)
	if err := sys.Query(q).Exec(); err != nil {
		return fmt.Errorf("scylla: create keyspace %s: %w", keyspace, err)
	}
	return nil
}

// EnsureSchema creates the delivery tables when missing.
func (s *Session) EnsureSchema() error {
	for i, stmt := range schema {
		if err := s.Query(stmt).Exec(); err != nil {
			return fmt.Errorf("scylla: create table %s: %w", Tables[i], err)
		}
	}
	return nil
}

// SeedUsers inserts users that do not exist yet. The display name is the id.
func (s *Session) SeedUsers(ids []string) error {
	for _, id := range ids {
		if err := s.Query(`INSERT INTO users (id, name) VALUES (?, ?) IF NOT EXISTS`, id, id).Exec(); err != nil {
			return fmt.Errorf("scylla: seed user %s: %w", id, err)
		}
	}
	return nil
}
