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
	"github.com/mahaj/dupahar-chat/pkg/logger"
	"github.com/mahaj/dupahar-chat/pkg/presence"
	"github.com/mahaj/dupahar-chat/pkg/snowflake"
	"github.com/mahaj/dupahar-chat/pkg/store"
	"github.com/mahaj/dupahar-chat/pkg/unread"
)

func CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

type deps struct {
	store    store.Store
	tokens   *auth.Tokens
	counters *unread.Counters
	mirror   *presence.RedisMirror
	ids      *snowflake.Node
	logger   *zap.Logger
}

func routes(d deps) http.Handler {
	authed := AuthMiddleware(d.tokens, d.logger)

	mux := http.NewServeMux()
	mux.Handle("GET /history", authed(NewHistoryHandler(d.store, d.logger)))
	mux.Handle("GET /conversations", authed(ConversationsHandler(d.store, d.counters, d.logger)))
	mux.Handle("POST /conversations", authed(OpenConversationHandler(d.store, d.ids, d.logger)))
	mux.Handle("POST /conversations/read", authed(ReadHandler(d.store, d.counters, d.logger)))
	mux.Handle("GET /presence/{userID}", authed(NewPresenceHandler(d.mirror, d.store, d.logger)))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return CORSMiddleware(mux)
}

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
		log.Fatal("api stopped", zap.Error(err))
	}
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

	// Conversation ids share the snowflake space with message ids.
	node, err := snowflake.NewNode(cfg.Server.APINodeID)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr: cfg.Server.APIAddr,
		Handler: routes(deps{
			store:    st,
			tokens:   auth.NewTokens(cfg.JWT.Secret, cfg.JWT.TTL),
			counters: unread.NewCounters(rdb, cfg.Redis.Prefix),
			mirror:   presence.NewRedisMirror(rdb, cfg.Redis.Prefix),
			ids:      node,
			logger:   log,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("api listening", zap.String("addr", srv.Addr), zap.String("store", cfg.Store.Backend), zap.Int64("node_id", cfg.Server.APINodeID))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
