package cat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConfigNormalizeFillsDefaults(t *testing.T) {
	cfg := &Config{}
	cfg.normalize()

	assert.Equal(t, "cat", cfg.AppName)
	assert.Equal(t, cfg.AppName, cfg.Namespace)
	assert.Equal(t, 3, cfg.RetryMax)
	assert.Equal(t, 60*time.Second, cfg.RecoverDelay)
	assert.Equal(t, 2, cfg.LoadFactor)
	assert.Positive(t, cfg.ConsumerThreads)
	assert.Positive(t, cfg.AsyncThreads)
	assert.Positive(t, cfg.BufferSize)
	assert.NotNil(t, cfg.Logger)
}

func TestConfigOptionsOverrideDefaults(t *testing.T) {
	cfg := defaultConfig()
	for _, opt := range []Option{
		WithAppName("billing"),
		WithNamespace("billing_ns"),
		WithRetryMax(7),
		WithRecoverDelay(30 * time.Second),
		WithScheduledDelay(10 * time.Second),
		WithCacheMax(128),
		WithLogRetention(24 * time.Hour),
	} {
		opt(cfg)
	}
	cfg.normalize()

	assert.Equal(t, "billing", cfg.AppName)
	assert.Equal(t, "billing_ns", cfg.Namespace)
	assert.Equal(t, 7, cfg.RetryMax)
	assert.Equal(t, 30*time.Second, cfg.RecoverDelay)
	assert.Equal(t, 10*time.Second, cfg.ScheduledDelay)
	assert.Equal(t, 128, cfg.CacheMax)
	assert.Equal(t, 24*time.Hour, cfg.LogRetention)
}
