// Package outbox replicates committed log rows to the message broker. One
// publisher per workflow type is active at a time, enforced by a session
// scoped advisory lock.
package outbox

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/oxbowhq/oxbow/metrics"
	"github.com/oxbowhq/oxbow/storage"
)

// Publisher sends one log row to the broker. Satisfied by *broker.Broker.
type Publisher interface {
	PublishEvent(ctx context.Context, rec storage.EventRecord) error
}

// Config holds outbox settings.
type Config struct {
	WorkflowType string
	PollInterval time.Duration
	BatchSize    int
}

// DefaultConfig returns the outbox defaults for a workflow type.
func DefaultConfig(workflowType string) Config {
	return Config{
		WorkflowType: workflowType,
		PollInterval: 500 * time.Millisecond,
		BatchSize:    100,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.WorkflowType == "" {
		return fmt.Errorf("workflow type is required")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %s", c.PollInterval)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive, got %d", c.BatchSize)
	}
	return nil
}

// Outbox is the publish loop for one workflow type.
type Outbox struct {
	cfg       Config
	store     storage.Store
	publisher Publisher
	logger    *slog.Logger
	metrics   *metrics.Metrics

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	release func()
	wg      sync.WaitGroup
}

// Option configures an Outbox.
type Option func(*Outbox)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Outbox) { o.logger = l }
}

// WithMetrics sets the metrics collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Outbox) { o.metrics = m }
}

// New builds an outbox publisher.
func New(store storage.Store, publisher Publisher, cfg Config, opts ...Option) (*Outbox, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("outbox config: %w", err)
	}
	o := &Outbox{
		cfg:       cfg,
		store:     store,
		publisher: publisher,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With("component", "outbox", "workflow_type", cfg.WorkflowType)
	return o, nil
}

// LockKey derives the advisory lock key for a workflow type. Truncated to 31
// bits so the key fits the signed range every backend accepts.
func LockKey(workflowType string) int64 {
	h := fnv.New32a()
	h.Write([]byte(workflowType))
	return int64(h.Sum32() & 0x7fffffff)
}

// Start acquires the single-writer lock and begins the publish loop. It fails
// when another publisher already holds the lock for this workflow type.
func (o *Outbox) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return fmt.Errorf("outbox for %q already running", o.cfg.WorkflowType)
	}

	release, acquired, err := o.store.AcquireAdvisoryLock(ctx, LockKey(o.cfg.WorkflowType))
	if err != nil {
		return fmt.Errorf("acquiring outbox lock: %w", err)
	}
	if !acquired {
		return fmt.Errorf("outbox lock for %q is held by another publisher", o.cfg.WorkflowType)
	}
	o.release = release

	runCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.running = true
	o.wg.Add(1)
	go o.publishLoop(runCtx)

	o.logger.Info("outbox started", "poll_interval", o.cfg.PollInterval, "batch_size", o.cfg.BatchSize)
	return nil
}

// Stop halts the publish loop and releases the lock.
func (o *Outbox) Stop() {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return
	}
	o.running = false
	cancel := o.cancel
	release := o.release
	o.mu.Unlock()

	cancel()
	o.wg.Wait()
	if release != nil {
		release()
	}
	o.logger.Info("outbox stopped")
}

func (o *Outbox) publishLoop(ctx context.Context) {
	defer o.wg.Done()
	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := o.publishBatch(ctx); err != nil && ctx.Err() == nil {
				o.logger.Error("publish batch failed", "error", err)
			}
		}
	}
}

// publishBatch drains one batch of unpublished rows in global_seq order.
// A failed publish skips the row; it stays unpublished and is retried on the
// next poll, and the broker's deduplication window absorbs any republish of
// rows that did land.
func (o *Outbox) publishBatch(ctx context.Context) error {
	records, err := o.store.UnpublishedEvents(ctx, o.cfg.WorkflowType, o.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("selecting unpublished events: %w", err)
	}
	if len(records) == 0 {
		return nil
	}

	published := make([]int64, 0, len(records))
	for _, rec := range records {
		if err := o.publisher.PublishEvent(ctx, rec); err != nil {
			if ctx.Err() != nil {
				break
			}
			o.logger.Warn("publishing event",
				"workflow_id", rec.WorkflowID, "version", rec.Version, "error", err)
			continue
		}
		published = append(published, rec.GlobalSeq)
		o.metrics.EventPublished(o.cfg.WorkflowType)
	}
	if len(published) == 0 {
		return nil
	}
	if err := o.store.MarkPublished(ctx, published); err != nil {
		return fmt.Errorf("marking %d events published: %w", len(published), err)
	}
	return nil
}

// Republish marks the instance's rows in [fromVersion, toVersion] unpublished
// so the publish loop re-emits them. Returns the number of rows re-armed.
func (o *Outbox) Republish(ctx context.Context, workflowID string, fromVersion, toVersion int64) (int64, error) {
	n, err := o.store.MarkUnpublished(ctx, workflowID, fromVersion, toVersion)
	if err != nil {
		return 0, fmt.Errorf("marking events unpublished: %w", err)
	}
	o.logger.Info("republish requested", "workflow_id", workflowID,
		"from", fromVersion, "to", toVersion, "rows", n)
	return n, nil
}
