// Package delay fires due timer schedules by appending delay completion
// events to their instances, then rescheduling (cron) or removing (one-shot)
// the row.
package delay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/oxbowhq/oxbow/engine"
	"github.com/oxbowhq/oxbow/metrics"
	"github.com/oxbowhq/oxbow/storage"
	"github.com/oxbowhq/oxbow/workflow"
)

// Config holds scheduler settings.
type Config struct {
	PollInterval time.Duration
	BatchSize    int
}

// DefaultConfig returns the scheduler defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval: time.Second,
		BatchSize:    100,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %s", c.PollInterval)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive, got %d", c.BatchSize)
	}
	return nil
}

// Scheduler polls the delay table for one workflow type and fires due rows.
type Scheduler struct {
	cfg     Config
	store   storage.Store
	engine  *engine.Engine
	logger  *slog.Logger
	metrics *metrics.Metrics
	parser  cron.Parser
	now     func() time.Time

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithMetrics sets the metrics collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithClock overrides the clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New builds a scheduler over the engine's store.
func New(eng *engine.Engine, cfg Config, opts ...Option) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("delay scheduler config: %w", err)
	}
	s := &Scheduler{
		cfg:    cfg,
		store:  eng.Store(),
		engine: eng,
		logger: slog.Default(),
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "delay_scheduler", "workflow_type", eng.Definition().Name())
	return s, nil
}

// Start begins the polling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("delay scheduler already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	s.wg.Add(1)
	go s.pollLoop(runCtx)
	s.logger.Info("delay scheduler started", "poll_interval", s.cfg.PollInterval)
	return nil
}

// Stop halts the polling loop.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
	s.logger.Info("delay scheduler stopped")
}

func (s *Scheduler) pollLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.FireDue(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("firing due delays", "error", err)
			}
		}
	}
}

// FireDue fires one batch of due rows. A failure on one row is logged and the
// row left in place for the next poll; the remaining rows still fire.
func (s *Scheduler) FireDue(ctx context.Context) error {
	due, err := s.store.DueDelays(ctx, s.now(), s.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("selecting due delays: %w", err)
	}
	workflowType := s.engine.Definition().Name()
	for _, rec := range due {
		if rec.WorkflowType != workflowType {
			continue
		}
		if err := s.fire(ctx, rec); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Warn("firing delay", "workflow_id", rec.WorkflowID,
				"delay_id", rec.DelayID, "error", err)
		}
	}
	return nil
}

// fire appends the completion event at the next version, then either
// reschedules the cron row or deletes the one-shot row. A crash between the
// append and the delete refires the delay; decide must tolerate the duplicate
// completion.
func (s *Scheduler) fire(ctx context.Context, rec storage.DelayRecord) error {
	evt := &workflow.DelayComplete{
		DelayID: rec.DelayID,
		FiredAt: s.now().UTC(),
		Command: rec.NextCommand,
	}
	if _, err := s.engine.AppendEvents(ctx, rec.WorkflowID, []workflow.Event{evt}); err != nil {
		return fmt.Errorf("appending delay completion: %w", err)
	}
	s.metrics.DelayFired()

	if rec.Cron != "" {
		next, err := s.nextFire(rec.Cron, rec.Timezone)
		if err != nil {
			s.logger.Warn("removing schedule with invalid cron", "workflow_id", rec.WorkflowID,
				"delay_id", rec.DelayID, "cron", rec.Cron, "error", err)
			return s.store.DeleteDelay(ctx, rec.WorkflowID, rec.DelayID)
		}
		rec.FireAt = next
		if err := s.store.UpsertDelay(ctx, rec); err != nil {
			return fmt.Errorf("rescheduling cron delay: %w", err)
		}
		return nil
	}
	if err := s.store.DeleteDelay(ctx, rec.WorkflowID, rec.DelayID); err != nil {
		return fmt.Errorf("removing fired delay: %w", err)
	}
	return nil
}

func (s *Scheduler) nextFire(expr, timezone string) (time.Time, error) {
	sched, err := s.parser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing cron %q: %w", expr, err)
	}
	loc := time.UTC
	if timezone != "" {
		loc, err = time.LoadLocation(timezone)
		if err != nil {
			return time.Time{}, fmt.Errorf("loading timezone %q: %w", timezone, err)
		}
	}
	return sched.Next(s.now().In(loc)).UTC(), nil
}
