// Package config loads service configuration from a file, environment
// variables, and defaults, in that order of increasing precedence for env
// vars over the file.
package config

import (
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full service configuration.
type Config struct {
	Server ServerConfig
	Store  StoreConfig
	Redis  RedisConfig
	Auth   AuthConfig
	Chat   ChatConfig
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Address   string
	RateLimit RateLimitConfig
}

// RateLimitConfig bounds connection attempts per client IP.
type RateLimitConfig struct {
	RPS   float64
	Burst int
}

// StoreConfig selects the coordination backend.
type StoreConfig struct {
	// Backend is "redis" for multi-process deployments or "memory" for a
	// single node.
	Backend string
}

// RedisConfig configures the shared state store connection.
type RedisConfig struct {
	Addr     string
	Username string
	Password string
	DB       int
}

// AuthConfig configures token resolution for the upgrade endpoint.
type AuthConfig struct {
	// Mode is "jwt" or "redis".
	Mode      string
	JWTSecret string
	// TokenPrefix is the key prefix for redis-mode session lookups.
	TokenPrefix string
}

// ChatConfig carries the chat-protocol knobs.
type ChatConfig struct {
	DefaultRoom       string
	HeartbeatInterval time.Duration
	ClientTimeout     time.Duration
}

// Load reads configuration from the named file (without extension, YAML,
// looked up in the working directory) and EVOLVECHAT_-prefixed environment
// variables. A missing file is not an error; defaults and env vars apply.
func Load(logger *slog.Logger, fileName string) (*Config, error) {
	v := viper.New()

	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.ratelimit.rps", 5.0)
	v.SetDefault("server.ratelimit.burst", 10)
	v.SetDefault("store.backend", "redis")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.username", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("auth.mode", "jwt")
	v.SetDefault("auth.jwtsecret", "dev-secret-change-me")
	v.SetDefault("auth.tokenprefix", "session_")
	v.SetDefault("chat.defaultroom", "main")
	v.SetDefault("chat.heartbeatinterval", "5s")
	v.SetDefault("chat.clienttimeout", "10s")

	v.SetConfigName(fileName)
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("EVOLVECHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		logger.Warn("config file not found, relying on defaults and env vars",
			"file", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
