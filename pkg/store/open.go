package store

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/mahaj/dupahar-chat/pkg/config"
	"github.com/mahaj/dupahar-chat/pkg/db"
	"github.com/mahaj/dupahar-chat/pkg/model"
)

// Open connects the backend named by cfg.Store.Backend and wraps it in a
// circuit breaker. The returned func releases the connection.
func Open(ctx context.Context, cfg *config.Config, logger *zap.Logger) (Store, func(), error) {
	var (
		s       Store
		closeFn = func() {}
	)
	switch cfg.Store.Backend {
	case "memory":
		logger.Warn("using in-memory store; data is lost on restart", zap.Strings("seed_users", cfg.Store.SeedUsers))
		m := NewMemory()
		for _, id := range cfg.Store.SeedUsers {
			m.PutUser(model.User{ID: id, Name: id})
		}
		return m, closeFn, nil

	case "scylla":
		if err := db.EnsureKeyspace(cfg.Scylla.Hosts, cfg.Scylla.Keyspace, cfg.Scylla.Replication, logger); err != nil {
			return nil, nil, err
		}
		session, err := db.NewSession(db.Options{
			Hosts:       cfg.Scylla.Hosts,
			Keyspace:    cfg.Scylla.Keyspace,
			Consistency: cfg.Scylla.Consistency,
			Timeout:     cfg.Scylla.Timeout,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		if err := session.EnsureSchema(); err != nil {
			session.Close()
			return nil, nil, err
		}
		if err := session.SeedUsers(cfg.Store.SeedUsers); err != nil {
			session.Close()
			return nil, nil, err
		}
		s, closeFn = NewScylla(session), session.Close

	case "mongo":
		client, err := ConnectMongo(ctx, cfg.Mongo.URI)
		if err != nil {
			return nil, nil, err
		}
		m, err := NewMongo(ctx, client.Database(cfg.Mongo.Database))
		if err != nil {
			_ = client.Disconnect(context.Background())
			return nil, nil, err
		}
		if err := m.SeedUsers(ctx, cfg.Store.SeedUsers); err != nil {
			_ = client.Disconnect(context.Background())
			return nil, nil, err
		}
		logger.Info("connected to mongo", zap.String("database", cfg.Mongo.Database))
		s, closeFn = m, func() { _ = client.Disconnect(context.Background()) }

	default:
		return nil, nil, fmt.Errorf("store: unknown backend %q", cfg.Store.Backend)
	}

	b := NewBreaker(s, BreakerOptions{
		ConsecutiveFailures: cfg.Store.BreakerFailures,
		OpenTimeout:         cfg.Store.BreakerTimeout,
	}, logger)
	return b, closeFn, nil
}
