package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mahaj/dupahar-chat/pkg/auth"
	"github.com/mahaj/dupahar-chat/pkg/config"
	"github.com/mahaj/dupahar-chat/pkg/delivery"
	"github.com/mahaj/dupahar-chat/pkg/gateway"
	"github.com/mahaj/dupahar-chat/pkg/journal"
	"github.com/mahaj/dupahar-chat/pkg/logger"
	"github.com/mahaj/dupahar-chat/pkg/metrics"
	"github.com/mahaj/dupahar-chat/pkg/model"
	"github.com/mahaj/dupahar-chat/pkg/presence"
	"github.com/mahaj/dupahar-chat/pkg/snowflake"
	"github.com/mahaj/dupahar-chat/pkg/status"
	"github.com/mahaj/dupahar-chat/pkg/store"
	"github.com/mahaj/dupahar-chat/pkg/typing"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log, err := logger.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Fatal("gateway stopped", zap.Error(err))
	}
}

// components is everything one gateway process serves from.
type components struct {
	hub      *Hub
	gateway  *gateway.Gateway
	registry *presence.Registry
	metrics  *metrics.Metrics
}

type wiring struct {
	store   store.Store
	tokens  *auth.Tokens
	mirror  presence.Mirror
	journal journal.Publisher
	nodeID  int64
	logger  *zap.Logger
}

// build assembles the gateway and registers the inbound event handlers.
// The registry is started; the caller stops it.
func build(w wiring) (*components, error) {
	node, err := snowflake.NewNode(w.nodeID)
	if err != nil {
		return nil, err
	}
	m := metrics.New()
	registry := presence.NewRegistry()
	registry.Start()
	hub := NewHub(w.logger)

	gw := gateway.New(gateway.Deps{
		Auth:      auth.NewAuthenticator(w.tokens, w.store),
		Registry:  registry,
		Mirror:    w.mirror,
		LastSeen:  w.store,
		Transport: hub,
		Metrics:   m,
		Logger:    w.logger,
	})

	engine := status.New(w.store, registry,
		status.WithJournal(w.journal),
		status.WithMetrics(m),
		status.WithLogger(w.logger.Named("status")),
	)
	pipeline := delivery.New(w.store, registry, node,
		delivery.WithPromoter(engine),
		delivery.WithJournal(w.journal),
		delivery.WithMetrics(m),
		delivery.WithLogger(w.logger.Named("delivery")),
	)
	relay, err := typing.NewRelay(registry, w.store)
	if err != nil {
		registry.Stop()
		return nil, err
	}

	gw.Handle(model.TypeSend, pipeline.HandleSend)
	gw.Handle(model.TypeMarkRead, engine.HandleMarkRead)
	gw.Handle(model.TypeTypingStart, relay.HandleStart)
	gw.Handle(model.TypeTypingStop, relay.HandleStop)

	return &components{hub: hub, gateway: gw, registry: registry, metrics: m}, nil
}

func (c *components) routes(ctx context.Context, wsCfg config.WebSocketCfg, log *zap.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		serveWs(ctx, c.hub, c.gateway, wsCfg, log, w, r)
	})
	mux.Handle("/metrics", c.metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := store.Open(ctx, cfg, log.Named("store"))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer closeStore()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	mirror := presence.NewRedisMirror(rdb, cfg.Redis.Prefix).WithNode(cfg.Server.NodeID)
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Warn("redis unreachable, presence mirror will lag", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
	} else if n, err := mirror.ClearNode(ctx, time.Now()); err != nil {
		log.Warn("release stale presence", zap.Int64("node_id", cfg.Server.NodeID), zap.Error(err))
	} else if n > 0 {
		log.Info("released stale presence", zap.Int64("node_id", cfg.Server.NodeID), zap.Int("users", n))
	}

	publisher := journal.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
	defer publisher.Close()

	c, err := build(wiring{
		store:   st,
		tokens:  auth.NewTokens(cfg.JWT.Secret, cfg.JWT.TTL),
		mirror:  mirror,
		journal: publisher,
		nodeID:  cfg.Server.NodeID,
		logger:  log,
	})
	if err != nil {
		return err
	}
	defer c.registry.Stop()

	srv := &http.Server{
		Addr:              cfg.Server.GatewayAddr,
		Handler:           c.routes(ctx, cfg.WebSocket, log),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("gateway listening", zap.String("addr", srv.Addr), zap.String("store", cfg.Store.Backend), zap.Int64("node_id", cfg.Server.NodeID))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down gateway", zap.Int("connections", c.hub.Len()))
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		c.hub.closeAll()
		return err
	})
	return g.Wait()
}
