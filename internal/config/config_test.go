package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "segmentio", cfg.Kafka.Producer)
	assert.Equal(t, 100, cfg.Relay.BatchSize)
	assert.Equal(t, 10, cfg.Relay.MaxRetries)
	assert.Equal(t, time.Second, cfg.Relay.BackoffMin)
	assert.Equal(t, 5*time.Minute, cfg.Relay.BackoffMax)
	assert.Equal(t, 30*time.Second, cfg.Saga.StepTimeout)
	assert.Equal(t, "saga.replies", cfg.Topics.SagaReplies)
	assert.Equal(t, 5, cfg.Relay.Breaker.FailThreshold)
	assert.Equal(t, 20, cfg.RateLimit.RPS)
	assert.Equal(t, 10, cfg.RateLimit.Burst)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("relay:\n  batch_size: 7\nsaga:\n  max_attempts: 1\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.Relay.BatchSize)
	assert.Equal(t, 1, cfg.Saga.MaxAttempts)
	// untouched keys keep their defaults
	assert.Equal(t, 4, cfg.Relay.Workers)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("SAGAFLOW_KAFKA_PRODUCER", "sarama")
	t.Setenv("SAGAFLOW_RELAY_WORKERS", "2")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "sarama", cfg.Kafka.Producer)
	assert.Equal(t, 2, cfg.Relay.Workers)
}

func TestLoad_RejectsUnknownProducer(t *testing.T) {
	t.Setenv("SAGAFLOW_KAFKA_PRODUCER", "nats")

	_, err := Load("")
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestValidate_BackoffRange(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	cfg.Relay.BackoffMax = cfg.Relay.BackoffMin / 2
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
}

func TestLoad_HTTPSettings(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Empty(t, cfg.HTTP.AdminKey)
	assert.Equal(t, 10*time.Second, cfg.HTTP.ShutdownTimeout)

	t.Setenv("SAGAFLOW_HTTP_ADMIN_KEY", "ops-secret")
	cfg, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, "ops-secret", cfg.HTTP.AdminKey)
}
