// Package config loads gateway configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the full gateway configuration.
type Config struct {
	Service   ServiceConfig
	Log       LogConfig
	Auth      AuthConfig
	WebSocket WebSocketConfig
	Fanout    FanoutConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Relay     RelayConfig
	Telemetry TelemetryConfig
}

type ServiceConfig struct {
	Name        string
	Environment string
	Port        string
}

type LogConfig struct {
	Level string
	File  string
}

type AuthConfig struct {
	JWTSecret      string
	VerifyTimeout  time.Duration
	InternalAPIKey string
}

type WebSocketConfig struct {
	SendBufferSize    int
	WriteTimeout      time.Duration
	PingInterval      time.Duration
	MaxMessageSize    int64
	AllowedOrigins    []string
	ConnectRateLimit  int
	ConnectRateWindow time.Duration
}

// FanoutConfig selects how new posts and stories reach other users.
type FanoutConfig struct {
	PostPolicy       string // "broadcast" or "followers"
	FollowerLimit    int
	FollowerCacheTTL time.Duration
}

type DatabaseConfig struct {
	Driver      string // "postgres" or "sqlite"
	URL         string
	AutoMigrate bool
}

type RedisConfig struct {
	Addr         string
	Password     string
	DB           int
	RelayChannel string
}

// RelayConfig selects how events published on one gateway reach the others.
type RelayConfig struct {
	Backend     string // "none", "redis" or "nats"
	NATSURL     string
	NATSSubject string
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	SamplingRate float64
}

// Load builds a Config from environment variables with defaults.
func Load() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:        getEnv("SERVICE_NAME", "sidechain-realtime"),
			Environment: getEnv("ENVIRONMENT", "development"),
			Port:        getEnv("PORT", "8788"),
		},
		Log: LogConfig{
			Level: getEnv("LOG_LEVEL", "info"),
			File:  getEnv("LOG_FILE", ""),
		},
		Auth: AuthConfig{
			JWTSecret:      getEnv("JWT_SECRET", ""),
			VerifyTimeout:  getEnvDuration("WS_VERIFY_TIMEOUT", 10*time.Second),
			InternalAPIKey: getEnv("INTERNAL_API_KEY", ""),
		},
		WebSocket: WebSocketConfig{
			SendBufferSize:    getEnvInt("WS_SEND_BUFFER", 256),
			WriteTimeout:      getEnvDuration("WS_WRITE_TIMEOUT", 10*time.Second),
			PingInterval:      getEnvDuration("WS_PING_INTERVAL", 54*time.Second),
			MaxMessageSize:    int64(getEnvInt("WS_MAX_MESSAGE_SIZE", 64*1024)),
			AllowedOrigins:    getEnvList("WS_ALLOWED_ORIGINS"),
			ConnectRateLimit:  getEnvInt("WS_CONNECT_RATE_LIMIT", 30),
			ConnectRateWindow: getEnvDuration("WS_CONNECT_RATE_WINDOW", time.Minute),
		},
		Fanout: FanoutConfig{
			PostPolicy:       strings.ToLower(getEnv("POST_FANOUT", "broadcast")),
			FollowerLimit:    getEnvInt("FANOUT_FOLLOWER_LIMIT", 5000),
			FollowerCacheTTL: getEnvDuration("FANOUT_FOLLOWER_CACHE_TTL", 2*time.Minute),
		},
		Database: DatabaseConfig{
			Driver:      strings.ToLower(getEnv("DB_DRIVER", "postgres")),
			URL:         getEnv("DATABASE_URL", ""),
			AutoMigrate: getEnvBool("DB_AUTO_MIGRATE", false),
		},
		Redis: RedisConfig{
			Addr:         getEnv("REDIS_ADDR", ""),
			Password:     getEnv("REDIS_PASSWORD", ""),
			DB:           getEnvInt("REDIS_DB", 0),
			RelayChannel: getEnv("REDIS_RELAY_CHANNEL", "realtime:events"),
		},
		Relay: RelayConfig{
			Backend:     strings.ToLower(getEnv("RELAY_BACKEND", "none")),
			NATSURL:     getEnv("NATS_URL", "nats://localhost:4222"),
			NATSSubject: getEnv("NATS_RELAY_SUBJECT", "realtime.events"),
		},
		Telemetry: TelemetryConfig{
			Enabled:      getEnvBool("OTEL_ENABLED", false),
			OTLPEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4318"),
			SamplingRate: getEnvFloat("OTEL_SAMPLING_RATE", 1.0),
		},
	}
}

// Validate fails fast on settings the gateway cannot run without.
func (c *Config) Validate() error {
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET environment variable is required")
	}
	switch c.Fanout.PostPolicy {
	case "broadcast":
	case "followers":
		if c.Database.URL == "" {
			return fmt.Errorf("POST_FANOUT=followers requires DATABASE_URL")
		}
	default:
		return fmt.Errorf("invalid POST_FANOUT %q (want broadcast or followers)", c.Fanout.PostPolicy)
	}
	if c.Database.URL != "" && c.Database.Driver != "postgres" && c.Database.Driver != "sqlite" {
		return fmt.Errorf("invalid DB_DRIVER %q", c.Database.Driver)
	}
	switch c.Relay.Backend {
	case "none", "nats":
	case "redis":
		if c.Redis.Addr == "" {
			return fmt.Errorf("RELAY_BACKEND=redis requires REDIS_ADDR")
		}
	default:
		return fmt.Errorf("invalid RELAY_BACKEND %q (want none, redis or nats)", c.Relay.Backend)
	}
	if c.Auth.VerifyTimeout <= 0 {
		return fmt.Errorf("WS_VERIFY_TIMEOUT must be positive")
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getEnvList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
