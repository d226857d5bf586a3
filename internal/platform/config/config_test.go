package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnvDefaults(t *testing.T) {
	for _, key := range []string{
		"COMPLIANCE_ADDR", "DATABASE_URL", "REDIS_URL", "KAFKA_BROKERS", "KAFKA_AUDIT_TOPIC",
		"JWT_SIGNING_KEY", "MIN_OVERRIDE_REASON_LENGTH", "RATE_LIMIT_PER_MINUTE", "GATE_SNAPSHOT_TTL", "OUTBOX_POLL_INTERVAL",
	} {
		t.Setenv(key, "")
	}

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, 10, cfg.MinReasonLength)
	assert.Equal(t, 120, cfg.RateLimit.PerMinute)
	assert.Equal(t, 30*time.Second, cfg.Redis.SnapshotTTL)
	assert.Equal(t, "compliance.audit", cfg.Kafka.AuditTopic)
	assert.NotEmpty(t, cfg.JWT.SigningKey)
	assert.False(t, cfg.UsesPostgres())
	assert.False(t, cfg.RelayEnabled())
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("COMPLIANCE_ADDR", ":9090")
	t.Setenv("DATABASE_URL", "postgres://localhost/compliance")
	t.Setenv("KAFKA_BROKERS", " broker-1:9092 , ,broker-2:9092")
	t.Setenv("MIN_OVERRIDE_REASON_LENGTH", "25")
	t.Setenv("GATE_SNAPSHOT_TTL", "2m")
	t.Setenv("OUTBOX_POLL_INTERVAL", "250ms")

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Addr)
	assert.Equal(t, []string{"broker-1:9092", "broker-2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 25, cfg.MinReasonLength)
	assert.Equal(t, 2*time.Minute, cfg.Redis.SnapshotTTL)
	assert.Equal(t, 250*time.Millisecond, cfg.Outbox.PollInterval)
	assert.True(t, cfg.RelayEnabled())
}

func TestFromEnvRejectsMalformedValues(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"non numeric reason length", "MIN_OVERRIDE_REASON_LENGTH", "ten"},
		{"zero reason length", "MIN_OVERRIDE_REASON_LENGTH", "0"},
		{"bad ttl", "GATE_SNAPSHOT_TTL", "soon"},
		{"negative poll interval", "OUTBOX_POLL_INTERVAL", "-1s"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := FromEnv()
			assert.Error(t, err)
		})
	}
}
