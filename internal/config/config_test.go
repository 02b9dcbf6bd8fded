package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadServerConfigDefaults(t *testing.T) {
	cfg, err := LoadServerConfig()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "dispatch:", cfg.KeyNamespace)
	assert.Equal(t, 15*time.Minute, cfg.Dispatch.OfferTTL)
	assert.Equal(t, time.Second, cfg.Dispatch.WorkerInterval)
	assert.Equal(t, 4, cfg.Dispatch.DefaultCapacity)
	assert.False(t, cfg.Dispatch.RunWorkerWithoutSharedStore)
	assert.Empty(t, cfg.RedisAddr)
}

func TestLoadServerConfigFromEnv(t *testing.T) {
	t.Setenv("REDIS_ADDR", " localhost:6379 ")
	t.Setenv("REDIS_REQUIRED", "true")
	t.Setenv("KAFKA_BROKERS", "a:9092, b:9092,,")
	t.Setenv("DISPATCH_OFFER_TTL", "30s")
	t.Setenv("DISPATCH_SCAN_WINDOW", "10")
	t.Setenv("DISPATCH_WORKER_WITHOUT_SHARED_STORE", "1")
	t.Setenv("LOG_LEVEL", "DEBUG")

	cfg, err := LoadServerConfig()
	require.NoError(t, err)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
	assert.True(t, cfg.RedisRequired)
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 30*time.Second, cfg.Dispatch.OfferTTL)
	assert.Equal(t, 10, cfg.Dispatch.ScanWindow)
	assert.True(t, cfg.Dispatch.RunWorkerWithoutSharedStore)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadServerConfigCollectsErrors(t *testing.T) {
	t.Setenv("DISPATCH_OFFER_TTL", "soon")
	t.Setenv("DISPATCH_SCAN_WINDOW", "0")
	t.Setenv("REDIS_REQUIRED", "maybe")

	_, err := LoadServerConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid DISPATCH_OFFER_TTL")
	assert.Contains(t, err.Error(), "DISPATCH_SCAN_WINDOW must be > 0")
	assert.Contains(t, err.Error(), "invalid REDIS_REQUIRED")
}
