package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig("counter")
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "counter_runner", cfg.ReaderName())
	assert.Equal(t, "counter", cfg.OutboxConfig().WorkflowType)
}

func TestLoadFromFileOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "oxbow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
postgres:
  dsn: postgres://db:5432/orders
nats:
  url: nats://broker:4222
partition:
  index: 1
  total: 3
runner:
  max_inflight: 8
truncate:
  enabled: true
  retention: 48h
`), 0o644))

	cfg, err := LoadFromFile(path, "orders")
	require.NoError(t, err)

	assert.Equal(t, "orders", cfg.WorkflowType)
	assert.Equal(t, "postgres://db:5432/orders", cfg.Postgres.DSN)
	assert.Equal(t, "nats://broker:4222", cfg.NATS.URL)
	assert.Equal(t, "orders_runner_partition_1_of_3", cfg.ReaderName())
	assert.Equal(t, 8, cfg.RunnerConfig().MaxInflight)
	// Untouched sections keep their defaults.
	assert.Equal(t, 500*time.Millisecond, cfg.OutboxConfig().PollInterval)
	assert.True(t, cfg.Truncate.Enabled)
	assert.Equal(t, 48*time.Hour, cfg.TruncateConfig().Retention)
}

func TestLoadFromFileMissingFile(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "absent.yaml"), "counter")
	require.Error(t, err)
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("OXBOW_POSTGRES_DSN", "postgres://env:5432/oxbow")
	t.Setenv("OXBOW_NATS_URL", "nats://env:4222")

	cfg, err := LoadFromFile("", "counter")
	require.NoError(t, err)
	assert.Equal(t, "postgres://env:5432/oxbow", cfg.Postgres.DSN)
	assert.Equal(t, "nats://env:4222", cfg.NATS.URL)
}

func TestValidateRejectsBadPartitionLayout(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "zero total", mutate: func(c *Config) { c.Partition.Total = 0 }},
		{name: "negative index", mutate: func(c *Config) { c.Partition.Index = -1 }},
		{name: "index beyond total", mutate: func(c *Config) { c.Partition.Index = 2; c.Partition.Total = 2 }},
		{name: "missing workflow type", mutate: func(c *Config) { c.WorkflowType = "" }},
		{name: "missing dsn", mutate: func(c *Config) { c.Postgres.DSN = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig("counter")
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestHashRuleForMultiPartitionLayout(t *testing.T) {
	cfg := DefaultConfig("counter")
	cfg.Partition.Index = 0
	cfg.Partition.Total = 2
	rule := cfg.Rule()
	other := func() *Config {
		c := DefaultConfig("counter")
		c.Partition.Index = 1
		c.Partition.Total = 2
		return c
	}().Rule()

	owned := 0
	for _, id := range []string{"a", "b", "c", "d", "e", "f"} {
		if rule(id) {
			owned++
		}
		assert.NotEqual(t, rule(id), other(id), "id %q must have one owner", id)
	}
	assert.Greater(t, owned, 0)
}
