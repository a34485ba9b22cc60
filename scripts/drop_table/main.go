// Command drop_table drops every chat table from the configured keyspace.
package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/mahaj/dupahar-chat/pkg/config"
	"github.com/mahaj/dupahar-chat/pkg/db"
	"github.com/mahaj/dupahar-chat/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	yes := flag.Bool("yes", false, "confirm dropping all chat tables")
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
	if !*yes {
		log.Fatal("refusing to drop tables without -yes", zap.String("keyspace", cfg.Scylla.Keyspace))
	}

	session, err := db.NewSession(db.Options{
		Hosts:    cfg.Scylla.Hosts,
		Keyspace: cfg.Scylla.Keyspace,
		Timeout:  cfg.Scylla.Timeout,
	}, log)
	if err != nil {
		log.Fatal("connect", zap.Error(err))
	}
	defer session.Close()

	for _, table := range db.Tables {
		if err := session.Query("DROP TABLE IF EXISTS " + table).Exec(); err != nil {
			log.Fatal("drop table", zap.String("table", table), zap.Error(err))
		}
		log.Info("table dropped", zap.String("table", table))
	}
}
