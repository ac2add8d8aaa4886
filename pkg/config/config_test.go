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

	assert.Equal(t, "company_data", cfg.Pipeline.PromptName)
	assert.Equal(t, 10, cfg.Pipeline.HighWaterMark)
	assert.Equal(t, 30*time.Second, cfg.Pipeline.DequeueTimeout)
	assert.Equal(t, 24*time.Hour, cfg.Redis.KeyTTL)
	assert.Equal(t, "openai", cfg.Completion.Provider)
	assert.InDelta(t, 0.7, cfg.Completion.Temperature, 1e-9)
}

func TestLoad_YAMLAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "relay.yaml")
	yml := `
redis:
  addr: "redis:6379"
  keyTTL: 2h
pipeline:
  promptName: custom
  highWaterMark: 25
  dequeueTimeout: 5s
kafka:
  enabled: true
  brokers: ["k1:9092"]
`
	require.NoError(t, os.WriteFile(path, []byte(yml), 0o644))

	t.Setenv("RELAY_REDIS_ADDR", "override:6379")
	t.Setenv("RELAY_KAFKA_BROKERS", "a:1,b:2")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "override:6379", cfg.Redis.Addr)
	assert.Equal(t, 2*time.Hour, cfg.Redis.KeyTTL)
	assert.Equal(t, "custom", cfg.Pipeline.PromptName)
	assert.Equal(t, 25, cfg.Pipeline.HighWaterMark)
	assert.Equal(t, 5*time.Second, cfg.Pipeline.DequeueTimeout)
	assert.Equal(t, []string{"a:1", "b:2"}, cfg.Kafka.Brokers)
	// untouched defaults survive a partial file
	assert.Equal(t, 100, cfg.Pipeline.InputCapacity)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Run("unknown provider", func(t *testing.T) {
		cfg := defaultConfig()
		cfg.Completion.Provider = "bard"
		assert.ErrorContains(t, cfg.Validate(), "completion.provider")
	})

	t.Run("dispatch without kafka", func(t *testing.T) {
		cfg := defaultConfig()
		cfg.Dispatch.Enabled = true
		assert.ErrorContains(t, cfg.Validate(), "dispatch requires kafka")
	})

	t.Run("zero ttl", func(t *testing.T) {
		cfg := defaultConfig()
		cfg.Redis.KeyTTL = 0
		assert.ErrorContains(t, cfg.Validate(), "keyTTL")
	})

	t.Run("defaults are valid", func(t *testing.T) {
		assert.NoError(t, defaultConfig().Validate())
	})
}
