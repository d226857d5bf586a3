package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	platformstrings "github.com/buttermb/delviery-sub009/pkg/platform/strings"
)

// Server captures process level configuration.
type Server struct {
	Addr            string
	LogLevel        string
	DatabaseURL     string
	PolicyFile      string
	MinReasonLength int
	RateLimit       RateLimitConfig
	Redis           RedisConfig
	Kafka           KafkaConfig
	JWT             JWTConfig
	Outbox          OutboxConfig
}

// RedisConfig configures the gate snapshot cache. Empty URL disables it.
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	SnapshotTTL  time.Duration
}

// KafkaConfig configures audit event publishing. No brokers disables it.
type KafkaConfig struct {
	Brokers    []string
	AuditTopic string
}

// JWTConfig configures bearer token validation.
type JWTConfig struct {
	SigningKey string
	Issuer     string
	Audience   string
}

// RateLimitConfig bounds requests per actor. Zero disables limiting.
type RateLimitConfig struct {
	PerMinute int
}

// OutboxConfig tunes the outbox relay.
type OutboxConfig struct {
	PollInterval time.Duration
	BatchSize    int
}

// UsesPostgres reports whether durable stores are configured.
func (s Server) UsesPostgres() bool { return s.DatabaseURL != "" }

// RelayEnabled reports whether audit events are relayed to Kafka.
func (s Server) RelayEnabled() bool { return s.UsesPostgres() && len(s.Kafka.Brokers) > 0 }

// FromEnv builds a Server config from environment variables so main stays lean.
// A .env file in the working directory is loaded first when present; real
// environment variables take precedence.
func FromEnv() (Server, error) {
	_ = godotenv.Load()

	cfg := Server{
		Addr:        getenv("COMPLIANCE_ADDR", ":8080"),
		LogLevel:    getenv("LOG_LEVEL", "info"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		PolicyFile:  os.Getenv("POLICY_FILE"),
		Redis: RedisConfig{
			URL:          os.Getenv("REDIS_URL"),
			PoolSize:     10,
			MinIdleConns: 2,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
		Kafka: KafkaConfig{
			Brokers:    splitList(os.Getenv("KAFKA_BROKERS")),
			AuditTopic: getenv("KAFKA_AUDIT_TOPIC", "compliance.audit"),
		},
		JWT: JWTConfig{
			SigningKey: os.Getenv("JWT_SIGNING_KEY"),
			Issuer:     getenv("JWT_ISSUER", "delivery-platform"),
			Audience:   getenv("JWT_AUDIENCE", "compliance"),
		},
		Outbox: OutboxConfig{BatchSize: 100},
	}

	var err error
	if cfg.MinReasonLength, err = intEnv("MIN_OVERRIDE_REASON_LENGTH", 10); err != nil {
		return Server{}, err
	}
	if cfg.RateLimit.PerMinute, err = intEnv("RATE_LIMIT_PER_MINUTE", 120); err != nil {
		return Server{}, err
	}
	if cfg.Redis.SnapshotTTL, err = durationEnv("GATE_SNAPSHOT_TTL", 30*time.Second); err != nil {
		return Server{}, err
	}
	if cfg.Outbox.PollInterval, err = durationEnv("OUTBOX_POLL_INTERVAL", 5*time.Second); err != nil {
		return Server{}, err
	}

	if cfg.JWT.SigningKey == "" {
		// Use a default for development - should be overridden in production
		cfg.JWT.SigningKey = "dev-secret-key-change-in-production"
	}
	if cfg.MinReasonLength < 1 {
		return Server{}, fmt.Errorf("MIN_OVERRIDE_REASON_LENGTH must be positive, got %d", cfg.MinReasonLength)
	}
	return cfg, nil
}

func getenv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func intEnv(key string, fallback int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return n, nil
}

func durationEnv(key string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %s", key, raw)
	}
	return d, nil
}

func splitList(raw string) []string {
	return platformstrings.DedupeAndTrim(strings.Split(raw, ","))
}
