// Package truncate reclaims event log rows already covered by a snapshot,
// published, consumed by every reader, and past the retention period.
package truncate

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oxbowhq/oxbow/metrics"
	"github.com/oxbowhq/oxbow/storage"
)

// Config holds truncation settings.
type Config struct {
	WorkflowType string
	// ReaderPrefix selects which offset rows gate truncation; rows are only
	// deleted below the minimum of the matching offsets.
	ReaderPrefix string
	// Retention keeps rows younger than this regardless of coverage.
	Retention time.Duration
	Interval  time.Duration
	BatchSize int
}

// DefaultConfig returns the truncation defaults for a workflow type.
func DefaultConfig(workflowType string) Config {
	return Config{
		WorkflowType: workflowType,
		ReaderPrefix: workflowType + "_",
		Retention:    7 * 24 * time.Hour,
		Interval:     time.Hour,
		BatchSize:    1000,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.WorkflowType == "" {
		return fmt.Errorf("workflow type is required")
	}
	if c.Retention <= 0 {
		return fmt.Errorf("retention must be positive, got %s", c.Retention)
	}
	if c.Interval <= 0 {
		return fmt.Errorf("interval must be positive, got %s", c.Interval)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive, got %d", c.BatchSize)
	}
	return nil
}

// Truncator is the background truncation service for one workflow type.
type Truncator struct {
	cfg     Config
	store   storage.Store
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Option configures a Truncator.
type Option func(*Truncator)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Truncator) { t.logger = l }
}

// WithMetrics sets the metrics collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(t *Truncator) { t.metrics = m }
}

// WithClock overrides the clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(t *Truncator) { t.now = now }
}

// New builds a truncator.
func New(store storage.Store, cfg Config, opts ...Option) (*Truncator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("truncate config: %w", err)
	}
	t := &Truncator{
		cfg:    cfg,
		store:  store,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With("component", "truncator", "workflow_type", cfg.WorkflowType)
	return t, nil
}

// Start begins the periodic truncation loop.
func (t *Truncator) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return fmt.Errorf("truncator already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.running = true
	t.wg.Add(1)
	go t.loop(runCtx)
	t.logger.Info("truncator started", "interval", t.cfg.Interval, "retention", t.cfg.Retention)
	return nil
}

// Stop halts the loop.
func (t *Truncator) Stop() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	t.running = false
	cancel := t.cancel
	t.mu.Unlock()

	cancel()
	t.wg.Wait()
	t.logger.Info("truncator stopped")
}

func (t *Truncator) loop(ctx context.Context) {
	defer t.wg.Done()
	ticker := time.NewTicker(t.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := t.RunOnce(ctx); err != nil && ctx.Err() == nil {
				t.logger.Error("truncation pass failed", "error", err)
			}
		}
	}
}

// RunOnce performs one truncation pass and returns the number of deleted
// rows. With no reader offsets present nothing is deleted; an idle reader
// likewise holds truncation back through the minimum.
func (t *Truncator) RunOnce(ctx context.Context) (int64, error) {
	offsets, err := t.store.ListOffsets(ctx, t.cfg.ReaderPrefix)
	if err != nil {
		return 0, fmt.Errorf("listing reader offsets: %w", err)
	}
	if len(offsets) == 0 {
		return 0, nil
	}
	minOffset := offsets[0].Offset
	for _, rec := range offsets[1:] {
		if rec.Offset < minOffset {
			minOffset = rec.Offset
		}
	}
	if minOffset <= 0 {
		return 0, nil
	}

	cutoff := t.now().Add(-t.cfg.Retention)
	var total int64
	for {
		n, err := t.store.TruncateEvents(ctx, t.cfg.WorkflowType, minOffset, cutoff, t.cfg.BatchSize)
		if err != nil {
			return total, fmt.Errorf("truncating events: %w", err)
		}
		total += n
		t.metrics.EventsTruncated(n)
		if n < int64(t.cfg.BatchSize) {
			break
		}
	}
	if total > 0 {
		t.logger.Info("truncated events", "rows", total, "min_offset", minOffset)
	}
	return total, nil
}
