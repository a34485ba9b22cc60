// Package config loads process configuration from an optional YAML file,
// built-in defaults and environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type LogCfg struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

type ServerCfg struct {
	GatewayAddr string `mapstructure:"gateway_addr"`
	APIAddr     string `mapstructure:"api_addr"`
	// NodeID identifies a gateway process; APINodeID is the api's own
	// snowflake node. Every process needs a distinct id in 0..1023.
	NodeID    int64 `mapstructure:"node_id"`
	APINodeID int64 `mapstructure:"api_node_id"`
}

type StoreCfg struct {
	// Backend is one of scylla, mongo or memory.
	Backend         string        `mapstructure:"backend"`
	BreakerFailures uint32        `mapstructure:"breaker_failures"`
	BreakerTimeout  time.Duration `mapstructure:"breaker_timeout"`
	// SeedUsers are created at startup when missing.
	SeedUsers []string `mapstructure:"seed_users"`
}

type ScyllaCfg struct {
	Hosts       []string      `mapstructure:"hosts"`
	Keyspace    string        `mapstructure:"keyspace"`
	Consistency string        `mapstructure:"consistency"`
	Timeout     time.Duration `mapstructure:"timeout"`
	Replication int           `mapstructure:"replication"`
}

type MongoCfg struct {
	URI      string `mapstructure:"uri"`
	Database string `mapstructure:"database"`
}

type RedisCfg struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

type KafkaCfg struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
	GroupID string   `mapstructure:"group_id"`
}

type JWTCfg struct {
	Secret string        `mapstructure:"secret"`
	TTL    time.Duration `mapstructure:"ttl"`
}

type WebSocketCfg struct {
	WriteWait      time.Duration `mapstructure:"write_wait"`
	PongWait       time.Duration `mapstructure:"pong_wait"`
	MaxMessageSize int64         `mapstructure:"max_message_size"`
	SendBuffer     int           `mapstructure:"send_buffer"`
	RateLimit      float64       `mapstructure:"rate_limit"`
	RateBurst      int           `mapstructure:"rate_burst"`
}

type Config struct {
	Log       LogCfg       `mapstructure:"log"`
	Server    ServerCfg    `mapstructure:"server"`
	Store     StoreCfg     `mapstructure:"store"`
	Scylla    ScyllaCfg    `mapstructure:"scylla"`
	Mongo     MongoCfg     `mapstructure:"mongo"`
	Redis     RedisCfg     `mapstructure:"redis"`
	Kafka     KafkaCfg     `mapstructure:"kafka"`
	JWT       JWTCfg       `mapstructure:"jwt"`
	WebSocket WebSocketCfg `mapstructure:"websocket"`
}

const maxNodeID = 1023

var defaults = map[string]any{
	"log.level":       "info",
	"log.development": false,

	"server.gateway_addr": ":8080",
	"server.api_addr":     ":8081",
	"server.node_id":      1,
	"server.api_node_id":  1023,

	"store.backend":          "scylla",
	"store.breaker_failures": 5,
	"store.breaker_timeout":  "10s",
	"store.seed_users":       []string{},

	"scylla.hosts":       []string{"localhost:9042"},
	"scylla.keyspace":    "chat",
	"scylla.consistency": "QUORUM",
	"scylla.timeout":     "5s",
	"scylla.replication": 1,

	"mongo.uri":      "mongodb://localhost:27017",
	"mongo.database": "chat",

	"redis.addr":     "localhost:6379",
	"redis.password": "",
	"redis.db":       0,
	"redis.prefix":   "chat",

	"kafka.brokers":  []string{"localhost:19092"},
	"kafka.topic":    "chat-events",
	"kafka.group_id": "messaging-service-group",

	"jwt.secret": "",
	"jwt.ttl":    "24h",

	"websocket.write_wait":       "10s",
	"websocket.pong_wait":        "60s",
	"websocket.max_message_size": 8192,
	"websocket.send_buffer":      256,
	"websocket.rate_limit":       20.0,
	"websocket.rate_burst":       40,
}

// Short environment names kept from the compose files.
var envAliases = map[string]string{
	"kafka.brokers": "KAFKA_BROKERS",
	"redis.addr":    "REDIS_ADDR",
	"scylla.hosts":  "SCYLLA_HOSTS",
	"mongo.uri":     "MONGO_URI",
	"jwt.secret":    "JWT_SECRET",
	"store.backend": "STORE_BACKEND",
	"log.level":     "LOG_LEVEL",

	"server.node_id":     "NODE_ID",
	"server.api_node_id": "API_NODE_ID",
}

// Load reads path when non-empty, then applies CHAT_* environment
// overrides (CHAT_WEBSOCKET_PONG_WAIT) and the short aliases above.
func Load(path string) (*Config, error) {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}

	v.SetEnvPrefix("CHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range envAliases {
		if err := v.BindEnv(key, "CHAT_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), env); err != nil {
			return nil, fmt.Errorf("config: bind %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Store.Backend {
	case "scylla", "mongo", "memory":
	default:
		return fmt.Errorf("config: unknown store backend %q", c.Store.Backend)
	}
	if c.JWT.Secret == "" {
		return fmt.Errorf("config: jwt.secret (JWT_SECRET) is required")
	}
	for _, id := range []int64{c.Server.NodeID, c.Server.APINodeID} {
		if id < 0 || id > maxNodeID {
			return fmt.Errorf("config: node id %d out of range 0..%d", id, maxNodeID)
		}
	}
	if c.Server.NodeID == c.Server.APINodeID {
		return fmt.Errorf("config: server.node_id and server.api_node_id must differ (both %d)", c.Server.NodeID)
	}
	if c.WebSocket.PongWait <= 0 || c.WebSocket.SendBuffer <= 0 {
		return fmt.Errorf("config: websocket pong_wait and send_buffer must be positive")
	}
	return nil
}

// PingPeriod is how often the gateway pings a peer; it must stay under PongWait.
func (w WebSocketCfg) PingPeriod() time.Duration {
	return (w.PongWait * 9) / 10
}
