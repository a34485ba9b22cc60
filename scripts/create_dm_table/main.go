// Command create_dm_table creates the chat keyspace and tables in ScyllaDB
// and optionally seeds users.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/mahaj/dupahar-chat/pkg/config"
	"github.com/mahaj/dupahar-chat/pkg/db"
	"github.com/mahaj/dupahar-chat/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	users := flag.String("users", "", "comma-separated user ids to create")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log, err := logger.New(cfg.Log.Level, true)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if err := db.EnsureKeyspace(cfg.Scylla.Hosts, cfg.Scylla.Keyspace, cfg.Scylla.Replication, log); err != nil {
		log.Fatal("create keyspace", zap.Error(err))
	}
	session, err := db.NewSession(db.Options{
		Hosts:       cfg.Scylla.Hosts,
		Keyspace:    cfg.Scylla.Keyspace,
		Consistency: cfg.Scylla.Consistency,
		Timeout:     cfg.Scylla.Timeout,
	}, log)
	if err != nil {
		log.Fatal("connect", zap.Error(err))
	}
	defer session.Close()

	if err := session.EnsureSchema(); err != nil {
		log.Fatal("create tables", zap.Error(err))
	}
	log.Info("tables ready", zap.Strings("tables", db.Tables))

	if *users != "" {
		ids := strings.Split(*users, ",")
		if err := session.SeedUsers(ids); err != nil {
			log.Fatal("seed users", zap.Error(err))
		}
		log.Info("users seeded", zap.Strings("users", ids))
	}
}
