// Package config provides configuration loading for the oxbow runtime.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/oxbowhq/oxbow/partition"
	"github.com/oxbowhq/oxbow/processor/actions"
	"github.com/oxbowhq/oxbow/processor/delay"
	"github.com/oxbowhq/oxbow/processor/outbox"
	"github.com/oxbowhq/oxbow/processor/runner"
	"github.com/oxbowhq/oxbow/processor/truncate"
	"github.com/oxbowhq/oxbow/stream"
)

// Duration is a time.Duration that additionally unmarshals from YAML strings
// like "500ms" or "48h".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("parsing duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err != nil {
		return fmt.Errorf("parsing duration: %w", err)
	}
	*d = Duration(n)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Config is the complete runtime configuration for one workflow type.
type Config struct {
	// WorkflowType names the workflow definition this process serves.
	WorkflowType string `yaml:"workflow_type"`

	Postgres  PostgresConfig  `yaml:"postgres"`
	NATS      NATSConfig      `yaml:"nats"`
	Redis     RedisConfig     `yaml:"redis"`
	Partition PartitionConfig `yaml:"partition"`
	Runner    RunnerConfig    `yaml:"runner"`
	Outbox    OutboxConfig    `yaml:"outbox"`
	Delay     DelayConfig     `yaml:"delay"`
	Actions   ActionsConfig   `yaml:"actions"`
	Truncate  TruncateConfig  `yaml:"truncate"`
	Log       LogConfig       `yaml:"log"`
}

// PostgresConfig configures the event store connection.
type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

// NATSConfig configures the JetStream broker. An empty URL disables the
// broker; readers then poll the store directly and the outbox stays off.
type NATSConfig struct {
	URL string `yaml:"url"`
}

// RedisConfig configures the shared snapshot cache tier. An empty address
// leaves the process on its in-memory cache alone.
type RedisConfig struct {
	Addr     string   `yaml:"addr"`
	Password string   `yaml:"password"`
	DB       int      `yaml:"db"`
	TTL      Duration `yaml:"ttl"`
}

// PartitionConfig places this process in the partition layout.
type PartitionConfig struct {
	Index int `yaml:"index"`
	Total int `yaml:"total"`
}

// RunnerConfig configures event dispatch.
type RunnerConfig struct {
	MaxInflight        int      `yaml:"max_inflight"`
	MaxEventsPerSecond float64  `yaml:"max_events_per_second"`
	RateBurst          int      `yaml:"rate_burst"`
	ScalingCheckEvery  int      `yaml:"scaling_check_every"`
	DrainTimeout       Duration `yaml:"drain_timeout"`
	BatchSize          int      `yaml:"batch_size"`
	CommitInterval     Duration `yaml:"commit_interval"`
}

// OutboxConfig configures event publication.
type OutboxConfig struct {
	PollInterval Duration `yaml:"poll_interval"`
	BatchSize    int      `yaml:"batch_size"`
}

// DelayConfig configures the timer scheduler.
type DelayConfig struct {
	PollInterval Duration `yaml:"poll_interval"`
	BatchSize    int      `yaml:"batch_size"`
}

// ActionsConfig configures the action executor.
type ActionsConfig struct {
	StaleAfter       Duration `yaml:"stale_after"`
	RetryInterval    Duration `yaml:"retry_interval"`
	RecoveryInterval Duration `yaml:"recovery_interval"`
	BatchSize        int      `yaml:"batch_size"`
}

// TruncateConfig configures event log truncation.
type TruncateConfig struct {
	Enabled   bool     `yaml:"enabled"`
	Retention Duration `yaml:"retention"`
	Interval  Duration `yaml:"interval"`
	BatchSize int      `yaml:"batch_size"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
	// Format is "text" or "json".
	Format string `yaml:"format"`
}

// DefaultConfig returns a Config with the runtime defaults for a workflow
// type.
func DefaultConfig(workflowType string) *Config {
	streamDefaults := stream.DefaultConfig("", workflowType)
	runnerDefaults := runner.DefaultConfig()
	outboxDefaults := outbox.DefaultConfig(workflowType)
	delayDefaults := delay.DefaultConfig()
	actionDefaults := actions.DefaultConfig("default")
	truncateDefaults := truncate.DefaultConfig(workflowType)
	return &Config{
		WorkflowType: workflowType,
		Postgres: PostgresConfig{
			DSN: "postgres://localhost:5432/oxbow?sslmode=disable",
		},
		Redis: RedisConfig{
			TTL: Duration(10 * time.Minute),
		},
		Partition: PartitionConfig{Index: 0, Total: 1},
		Runner: RunnerConfig{
			MaxInflight:        runnerDefaults.MaxInflight,
			MaxEventsPerSecond: runnerDefaults.MaxEventsPerSecond,
			RateBurst:          runnerDefaults.RateBurst,
			ScalingCheckEvery:  runnerDefaults.ScalingCheckEvery,
			DrainTimeout:       Duration(runnerDefaults.DrainTimeout),
			BatchSize:          streamDefaults.BatchSize,
			CommitInterval:     Duration(streamDefaults.CommitInterval),
		},
		Outbox: OutboxConfig{
			PollInterval: Duration(outboxDefaults.PollInterval),
			BatchSize:    outboxDefaults.BatchSize,
		},
		Delay: DelayConfig{
			PollInterval: Duration(delayDefaults.PollInterval),
			BatchSize:    delayDefaults.BatchSize,
		},
		Actions: ActionsConfig{
			StaleAfter:       Duration(actionDefaults.StaleAfter),
			RetryInterval:    Duration(actionDefaults.RetryInterval),
			RecoveryInterval: Duration(actionDefaults.RecoveryInterval),
			BatchSize:        actionDefaults.BatchSize,
		},
		Truncate: TruncateConfig{
			Enabled:   false,
			Retention: Duration(truncateDefaults.Retention),
			Interval:  Duration(truncateDefaults.Interval),
			BatchSize: truncateDefaults.BatchSize,
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Validate checks the configuration by delegating to each component config.
func (c *Config) Validate() error {
	if c.WorkflowType == "" {
		return fmt.Errorf("workflow_type is required")
	}
	if c.Postgres.DSN == "" {
		return fmt.Errorf("postgres.dsn is required")
	}
	if c.Partition.Total < 1 {
		return fmt.Errorf("partition.total must be at least 1, got %d", c.Partition.Total)
	}
	if c.Partition.Index < 0 || c.Partition.Index >= c.Partition.Total {
		return fmt.Errorf("partition.index must be in [0, %d), got %d", c.Partition.Total, c.Partition.Index)
	}
	if err := c.RunnerConfig().Validate(); err != nil {
		return fmt.Errorf("runner: %w", err)
	}
	if err := c.StreamConfig().Validate(); err != nil {
		return fmt.Errorf("runner stream: %w", err)
	}
	if err := c.OutboxConfig().Validate(); err != nil {
		return fmt.Errorf("outbox: %w", err)
	}
	if err := c.DelayConfig().Validate(); err != nil {
		return fmt.Errorf("delay: %w", err)
	}
	if err := c.ActionsConfig("validate").Validate(); err != nil {
		return fmt.Errorf("actions: %w", err)
	}
	if c.Truncate.Enabled {
		if err := c.TruncateConfig().Validate(); err != nil {
			return fmt.Errorf("truncate: %w", err)
		}
	}
	return nil
}

// ReaderName is the durable reader identity for this process's partition.
func (c *Config) ReaderName() string {
	return partition.ReaderName(c.WorkflowType, c.Partition.Index, c.Partition.Total)
}

// Rule is the partition ownership rule for this process.
func (c *Config) Rule() partition.Rule {
	if c.Partition.Total <= 1 {
		return partition.All()
	}
	return partition.Hash(c.Partition.Index, c.Partition.Total)
}

// StreamConfig builds the reader configuration for the runner's partition.
func (c *Config) StreamConfig() stream.Config {
	cfg := stream.DefaultConfig(c.ReaderName(), c.WorkflowType)
	cfg.BatchSize = c.Runner.BatchSize
	cfg.CommitInterval = time.Duration(c.Runner.CommitInterval)
	return cfg
}

// RunnerConfig builds the runner configuration.
func (c *Config) RunnerConfig() runner.Config {
	return runner.Config{
		MaxInflight:        c.Runner.MaxInflight,
		MaxEventsPerSecond: c.Runner.MaxEventsPerSecond,
		RateBurst:          c.Runner.RateBurst,
		ScalingCheckEvery:  c.Runner.ScalingCheckEvery,
		DrainTimeout:       time.Duration(c.Runner.DrainTimeout),
	}
}

// OutboxConfig builds the outbox configuration.
func (c *Config) OutboxConfig() outbox.Config {
	return outbox.Config{
		WorkflowType: c.WorkflowType,
		PollInterval: time.Duration(c.Outbox.PollInterval),
		BatchSize:    c.Outbox.BatchSize,
	}
}

// DelayConfig builds the delay scheduler configuration.
func (c *Config) DelayConfig() delay.Config {
	return delay.Config{
		PollInterval: time.Duration(c.Delay.PollInterval),
		BatchSize:    c.Delay.BatchSize,
	}
}

// ActionsConfig builds the action executor configuration for a runner id.
// An empty id gets a generated hostname-qualified identity.
func (c *Config) ActionsConfig(runnerID string) actions.Config {
	if runnerID == "" {
		runnerID = actions.NewRunnerID()
	}
	return actions.Config{
		RunnerID:         runnerID,
		StaleAfter:       time.Duration(c.Actions.StaleAfter),
		RetryInterval:    time.Duration(c.Actions.RetryInterval),
		RecoveryInterval: time.Duration(c.Actions.RecoveryInterval),
		BatchSize:        c.Actions.BatchSize,
	}
}

// TruncateConfig builds the truncation configuration.
func (c *Config) TruncateConfig() truncate.Config {
	cfg := truncate.DefaultConfig(c.WorkflowType)
	cfg.Retention = time.Duration(c.Truncate.Retention)
	cfg.Interval = time.Duration(c.Truncate.Interval)
	cfg.BatchSize = c.Truncate.BatchSize
	return cfg
}

// LoadFromFile reads a YAML config file over the defaults for workflowType.
// Environment variables override the file: OXBOW_POSTGRES_DSN,
// OXBOW_NATS_URL and OXBOW_REDIS_ADDR.
func LoadFromFile(path, workflowType string) (*Config, error) {
	cfg := DefaultConfig(workflowType)
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if cfg.WorkflowType == "" {
		cfg.WorkflowType = workflowType
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if dsn := os.Getenv("OXBOW_POSTGRES_DSN"); dsn != "" {
		c.Postgres.DSN = dsn
	}
	if url := os.Getenv("OXBOW_NATS_URL"); url != "" {
		c.NATS.URL = url
	}
	if addr := os.Getenv("OXBOW_REDIS_ADDR"); addr != "" {
		c.Redis.Addr = addr
	}
}
