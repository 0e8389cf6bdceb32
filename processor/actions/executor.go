// Package actions runs adapter side effects with durable, per-event activity
// rows: at-least-once execution, checkpointed progress, retry with backoff,
// and crash recovery derived from activity state alone.
package actions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/oxbowhq/oxbow/engine"
	"github.com/oxbowhq/oxbow/metrics"
	"github.com/oxbowhq/oxbow/storage"
	"github.com/oxbowhq/oxbow/stream"
	"github.com/oxbowhq/oxbow/workflow"
)

// NewRunnerID returns a process identity for claimed activity rows,
// hostname-qualified so operators can attribute attempts to machines.
func NewRunnerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "executor"
	}
	return fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
}

// Error kinds recorded on failed attempts.
const (
	KindError   = "error"
	KindTimeout = "timeout"
	KindStale   = "stale_attempt"
)

// Config holds executor settings.
type Config struct {
	// RunnerID identifies this process on claimed activity rows.
	RunnerID string
	// StaleAfter is how long a running row may go without a heartbeat before
	// recovery treats its attempt as crashed.
	StaleAfter time.Duration
	// RetryInterval paces the due-retry poll.
	RetryInterval time.Duration
	// RecoveryInterval paces the stale-activity scan.
	RecoveryInterval time.Duration
	BatchSize        int
}

// DefaultConfig returns the executor defaults.
func DefaultConfig(runnerID string) Config {
	return Config{
		RunnerID:         runnerID,
		StaleAfter:       5 * time.Minute,
		RetryInterval:    time.Second,
		RecoveryInterval: 30 * time.Second,
		BatchSize:        50,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.RunnerID == "" {
		return fmt.Errorf("runner id is required")
	}
	if c.StaleAfter <= 0 {
		return fmt.Errorf("stale threshold must be positive, got %s", c.StaleAfter)
	}
	if c.RetryInterval <= 0 || c.RecoveryInterval <= 0 {
		return fmt.Errorf("poll intervals must be positive")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive, got %d", c.BatchSize)
	}
	return nil
}

type activityKey struct {
	workflowID  string
	eventNumber int64
}

// Executor drives adapter side effects for one workflow type.
type Executor struct {
	cfg     Config
	engine  *engine.Engine
	store   storage.Store
	adapter workflow.Adapter
	policy  workflow.RetryPolicy
	decode  stream.Decoder
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu       sync.Mutex
	inflight map[activityKey]context.CancelFunc
	running  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// WithMetrics sets the metrics collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Executor) { e.metrics = m }
}

// WithRetryPolicy overrides the default retry policy for new activities.
func WithRetryPolicy(p workflow.RetryPolicy) Option {
	return func(e *Executor) { e.policy = p }
}

// WithClock overrides the clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

// New builds an executor for the engine's workflow type.
func New(eng *engine.Engine, adapter workflow.Adapter, cfg Config, opts ...Option) (*Executor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("action executor config: %w", err)
	}
	e := &Executor{
		cfg:      cfg,
		engine:   eng,
		store:    eng.Store(),
		adapter:  adapter,
		policy:   workflow.DefaultRetryPolicy(),
		decode:   stream.NewEnvelopeDecoder(eng.Definition(), eng.Registry()),
		logger:   slog.Default(),
		now:      time.Now,
		inflight: make(map[activityKey]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "action_executor",
		"workflow_type", eng.Definition().Name(), "runner_id", cfg.RunnerID)
	return e, nil
}

// Start launches the retry and recovery loops. HandleEvent works without
// Start; the loops only cover retries and crash recovery.
func (e *Executor) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return fmt.Errorf("action executor already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.running = true
	e.wg.Add(2)
	go e.pollLoop(runCtx, e.cfg.RetryInterval, e.RetryDue)
	go e.pollLoop(runCtx, e.cfg.RecoveryInterval, e.RecoverStale)
	e.logger.Info("action executor started",
		"retry_interval", e.cfg.RetryInterval, "recovery_interval", e.cfg.RecoveryInterval)
	return nil
}

// Stop halts the loops and interrupts in-flight attempts.
func (e *Executor) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	cancel := e.cancel
	e.mu.Unlock()

	cancel()
	e.wg.Wait()
	e.logger.Info("action executor stopped")
}

func (e *Executor) pollLoop(ctx context.Context, interval time.Duration, step func(context.Context) error) {
	defer e.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := step(ctx); err != nil && ctx.Err() == nil {
				e.logger.Error("executor poll failed", "error", err)
			}
		}
	}
}

// HandleEvent runs the adapter for a freshly consumed event. Events the
// adapter declines are free; everything else goes through the activity row.
func (e *Executor) HandleEvent(ctx context.Context, env *workflow.Envelope) error {
	if e.adapter == nil || !e.adapter.ShouldActOn(env) {
		return nil
	}

	inserted, err := e.store.InsertActivity(ctx, storage.ActivityRecord{
		WorkflowID:   env.WorkflowID,
		EventNumber:  env.Version,
		WorkflowType: env.WorkflowType,
		Status:       storage.ActivityPending,
		RetryPolicy:  e.policy,
		RunnerID:     e.cfg.RunnerID,
	})
	if err != nil {
		return fmt.Errorf("inserting activity %s/%d: %w", env.WorkflowID, env.Version, err)
	}
	if !inserted {
		// An existing row means the event was seen before: completed work is
		// skipped, and a live attempt elsewhere is left alone until it goes
		// stale.
		act, err := e.store.GetActivity(ctx, env.WorkflowID, env.Version)
		if err != nil {
			return fmt.Errorf("loading activity %s/%d: %w", env.WorkflowID, env.Version, err)
		}
		switch act.Status {
		case storage.ActivityCompleted, storage.ActivityFailed, storage.ActivityCancelled:
			return nil
		case storage.ActivityRunning, storage.ActivityRetrying:
			if act.LastAttempt != nil && e.now().Sub(*act.LastAttempt) < e.cfg.StaleAfter {
				return nil
			}
		}
	}
	return e.claimAndRun(ctx, env)
}

// claimAndRun takes ownership of the row and runs one attempt.
func (e *Executor) claimAndRun(ctx context.Context, env *workflow.Envelope) error {
	claimed, err := e.store.ClaimActivity(ctx, env.WorkflowID, env.Version, e.cfg.RunnerID, e.now())
	if err != nil {
		return fmt.Errorf("claiming activity %s/%d: %w", env.WorkflowID, env.Version, err)
	}
	if !claimed {
		return nil
	}
	act, err := e.store.GetActivity(ctx, env.WorkflowID, env.Version)
	if err != nil {
		return fmt.Errorf("loading claimed activity %s/%d: %w", env.WorkflowID, env.Version, err)
	}
	return e.attempt(ctx, env, act)
}

// attempt runs the adapter once and settles the row: completed, retrying
// with a backoff deadline, or failed when the policy is exhausted.
func (e *Executor) attempt(ctx context.Context, env *workflow.Envelope, act *storage.ActivityRecord) error {
	key := activityKey{env.WorkflowID, env.Version}
	attemptCtx, cancelAttempt := context.WithCancel(ctx)
	defer cancelAttempt()

	e.mu.Lock()
	e.inflight[key] = cancelAttempt
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.inflight, key)
		e.mu.Unlock()
	}()

	var (
		timedOut atomic.Bool
		timerMu  sync.Mutex
		timer    *time.Timer
		result   *workflow.RawCommand
	)
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()

	actx := workflow.NewActionContext(env.WorkflowID, env.Version, act.RetryCount, act.RetryPolicy, act.Checkpoint,
		func(ctx context.Context, cmd workflow.Command) error {
			raw, err := workflow.EncodeCommand(cmd)
			if err != nil {
				return fmt.Errorf("encoding result command: %w", err)
			}
			result = &raw
			if _, _, err := e.engine.ProcessCommand(ctx, env.WorkflowID, cmd); err != nil {
				return err
			}
			return nil
		},
		func(ctx context.Context, checkpoint map[string]any) error {
			return e.store.SaveActivityCheckpoint(ctx, env.WorkflowID, env.Version, checkpoint)
		},
		func(d time.Duration) {
			timerMu.Lock()
			defer timerMu.Unlock()
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(d, func() {
				timedOut.Store(true)
				cancelAttempt()
			})
		},
	)

	started := e.now()
	actErr := e.adapter.ActOn(attemptCtx, env, actx)
	took := e.now().Sub(started)

	// Cancellation observed mid-flight: the row was already settled by the
	// cancel path, do not overwrite it.
	if cur, err := e.store.GetActivity(ctx, env.WorkflowID, env.Version); err == nil && cur.Status == storage.ActivityCancelled {
		e.metrics.ActionFinished(env.WorkflowType, string(storage.ActivityCancelled), took)
		return nil
	}

	if actErr == nil {
		if err := e.store.SaveActivityCheckpoint(ctx, env.WorkflowID, env.Version, actx.Checkpoint()); err != nil {
			return fmt.Errorf("persisting final checkpoint %s/%d: %w", env.WorkflowID, env.Version, err)
		}
		if err := e.store.CompleteActivity(ctx, env.WorkflowID, env.Version, result, e.now()); err != nil {
			return fmt.Errorf("completing activity %s/%d: %w", env.WorkflowID, env.Version, err)
		}
		e.metrics.ActionFinished(env.WorkflowType, string(storage.ActivityCompleted), took)
		return nil
	}

	// The executor shutting down is not an attempt failure; the row stays
	// running and recovery re-arms it after the staleness window.
	if ctx.Err() != nil && !timedOut.Load() {
		return nil
	}

	kind := KindError
	if timedOut.Load() || errors.Is(actErr, context.DeadlineExceeded) {
		kind = KindTimeout
	}
	if err := e.store.SaveActivityCheckpoint(ctx, env.WorkflowID, env.Version, actx.Checkpoint()); err != nil {
		e.logger.Warn("persisting checkpoint after failure",
			"workflow_id", env.WorkflowID, "event_number", env.Version, "error", err)
	}
	return e.settleFailure(ctx, env.WorkflowID, env.Version, env.WorkflowType, act, kind, actErr.Error(), took)
}

// settleFailure moves a failed attempt to retrying or, past the policy's
// budget, to failed.
func (e *Executor) settleFailure(ctx context.Context, workflowID string, eventNumber int64, workflowType string, act *storage.ActivityRecord, kind, message string, took time.Duration) error {
	if act.RetryPolicy.Exhausted(act.RetryCount) {
		if err := e.store.FailActivity(ctx, workflowID, eventNumber, storage.ActivityFailed, kind, message, nil, e.now()); err != nil {
			return fmt.Errorf("failing activity %s/%d: %w", workflowID, eventNumber, err)
		}
		e.metrics.ActionFinished(workflowType, string(storage.ActivityFailed), took)
		e.logger.Error("activity exhausted its retries", "workflow_id", workflowID,
			"event_number", eventNumber, "retries", act.RetryCount, "kind", kind, "error", message)
		return nil
	}
	next := e.now().Add(act.RetryPolicy.Delay(act.RetryCount + 1))
	if err := e.store.FailActivity(ctx, workflowID, eventNumber, storage.ActivityRetrying, kind, message, &next, e.now()); err != nil {
		return fmt.Errorf("scheduling activity retry %s/%d: %w", workflowID, eventNumber, err)
	}
	e.metrics.ActionFinished(workflowType, string(storage.ActivityRetrying), took)
	e.logger.Warn("activity attempt failed", "workflow_id", workflowID,
		"event_number", eventNumber, "retry", act.RetryCount+1, "next_retry_at", next, "kind", kind, "error", message)
	return nil
}

// RetryDue claims and re-runs activities whose backoff deadline has passed.
func (e *Executor) RetryDue(ctx context.Context) error {
	due, err := e.store.ListDueRetries(ctx, e.engine.Definition().Name(), e.now(), e.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("listing due retries: %w", err)
	}
	for _, act := range due {
		env, err := e.rebuildEnvelope(ctx, act.WorkflowID, act.EventNumber)
		if err != nil {
			e.logger.Error("rebuilding event for retry", "workflow_id", act.WorkflowID,
				"event_number", act.EventNumber, "error", err)
			continue
		}
		if err := e.claimAndRun(ctx, env); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			e.logger.Error("retrying activity", "workflow_id", act.WorkflowID,
				"event_number", act.EventNumber, "error", err)
		}
	}
	return nil
}

// RecoverStale demotes running rows whose attempt went quiet to retrying, due
// immediately. The crashed attempt counts against the retry budget.
func (e *Executor) RecoverStale(ctx context.Context) error {
	cutoff := e.now().Add(-e.cfg.StaleAfter)
	stale, err := e.store.ListStaleActivities(ctx, e.engine.Definition().Name(), cutoff, e.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("listing stale activities: %w", err)
	}
	for _, act := range stale {
		status := storage.ActivityRetrying
		var next *time.Time
		if act.RetryPolicy.Exhausted(act.RetryCount) {
			status = storage.ActivityFailed
		} else {
			at := e.now()
			next = &at
		}
		if err := e.store.FailActivity(ctx, act.WorkflowID, act.EventNumber, status, KindStale,
			"attempt went stale without finishing", next, e.now()); err != nil {
			e.logger.Error("recovering stale activity", "workflow_id", act.WorkflowID,
				"event_number", act.EventNumber, "error", err)
			continue
		}
		e.logger.Warn("recovered stale activity", "workflow_id", act.WorkflowID,
			"event_number", act.EventNumber, "status", status, "previous_runner", act.RunnerID)
	}
	return nil
}

// RetryFailed re-arms a terminally failed activity and runs it immediately.
// Admin surface.
func (e *Executor) RetryFailed(ctx context.Context, workflowID string, eventNumber int64) error {
	if err := e.store.ResetActivity(ctx, workflowID, eventNumber); err != nil {
		return fmt.Errorf("resetting activity %s/%d: %w", workflowID, eventNumber, err)
	}
	env, err := e.rebuildEnvelope(ctx, workflowID, eventNumber)
	if err != nil {
		return err
	}
	return e.claimAndRun(ctx, env)
}

// CancelInstance interrupts the instance's in-flight attempts. An empty
// versions slice cancels all of them. Row state is settled by the command
// processor's transaction; this only stops the local goroutines.
func (e *Executor) CancelInstance(workflowID string, versions []int64) {
	want := make(map[int64]bool, len(versions))
	for _, v := range versions {
		want[v] = true
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for key, cancel := range e.inflight {
		if key.workflowID != workflowID {
			continue
		}
		if len(want) > 0 && !want[key.eventNumber] {
			continue
		}
		cancel()
	}
}

// rebuildEnvelope reloads the triggering event from the log.
func (e *Executor) rebuildEnvelope(ctx context.Context, workflowID string, version int64) (*workflow.Envelope, error) {
	var rec *storage.EventRecord
	err := e.store.WithinTx(ctx, func(tx storage.Tx) error {
		events, err := tx.EventsAfter(ctx, workflowID, version-1, version)
		if err != nil {
			return err
		}
		if len(events) == 0 {
			return storage.ErrNotFound
		}
		rec = &events[0]
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("loading event %s/%d: %w", workflowID, version, err)
	}
	return e.decode(*rec), nil
}
