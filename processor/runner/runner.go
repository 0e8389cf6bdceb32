// Package runner drives the event-processing pipeline for one workflow type:
// it owns a reader, routes consumed events to commands on target instances,
// dispatches side effects to the action executor, and keeps the committed
// offset at the contiguous-completion watermark.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/oxbowhq/oxbow/engine"
	"github.com/oxbowhq/oxbow/metrics"
	"github.com/oxbowhq/oxbow/partition"
	"github.com/oxbowhq/oxbow/processor/actions"
	"github.com/oxbowhq/oxbow/storage"
	"github.com/oxbowhq/oxbow/stream"
	"github.com/oxbowhq/oxbow/workflow"
)

// Config holds runner settings.
type Config struct {
	// MaxInflight bounds concurrently outstanding event tasks. The reader is
	// held back while the bound is reached.
	MaxInflight int
	// MaxEventsPerSecond throttles dispatch; zero means unlimited.
	MaxEventsPerSecond float64
	// RateBurst is the token bucket depth when rate limiting is on.
	RateBurst int
	// ScalingCheckEvery polls the scaling operation table once per this many
	// consumed events.
	ScalingCheckEvery int
	// DrainTimeout bounds how long Stop waits for in-flight tasks.
	DrainTimeout time.Duration
}

// DefaultConfig returns the runner defaults.
func DefaultConfig() Config {
	return Config{
		MaxInflight:       64,
		RateBurst:         10,
		ScalingCheckEvery: 100,
		DrainTimeout:      30 * time.Second,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.MaxInflight <= 0 {
		return fmt.Errorf("max inflight must be positive, got %d", c.MaxInflight)
	}
	if c.ScalingCheckEvery <= 0 {
		return fmt.Errorf("scaling check cadence must be positive, got %d", c.ScalingCheckEvery)
	}
	if c.DrainTimeout <= 0 {
		return fmt.Errorf("drain timeout must be positive, got %s", c.DrainTimeout)
	}
	return nil
}

// Runner owns one reader and processes its workflow type's events.
type Runner struct {
	cfg       Config
	streamCfg stream.Config
	engine    *engine.Engine
	store     storage.Store
	executor  *actions.Executor
	rule      partition.Rule
	brokerSrc stream.BrokerSource
	msgSource MessageSource
	msgParser PayloadParser
	logger    *slog.Logger
	metrics   *metrics.Metrics

	cache   *subCache
	limiter *limiter
	stopSeq atomic.Int64

	mu       sync.Mutex
	running  bool
	reader   *stream.Reader
	tracker  *tracker
	cancel   context.CancelFunc
	procDone chan struct{}
	wg       sync.WaitGroup
	taskWG   sync.WaitGroup

	gateMu sync.Mutex
	gates  map[string]chan struct{}
}

// Option configures a Runner.
type Option func(*Runner)

// WithExecutor attaches the action executor for local side effects.
func WithExecutor(e *actions.Executor) Option {
	return func(r *Runner) { r.executor = e }
}

// WithRule constrains the runner to one partition.
func WithRule(rule partition.Rule) Option {
	return func(r *Runner) { r.rule = rule }
}

// WithBrokerSource attaches a durable broker consumer to the reader.
func WithBrokerSource(src stream.BrokerSource) Option {
	return func(r *Runner) { r.brokerSrc = src }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

// WithMetrics sets the metrics collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Runner) { r.metrics = m }
}

// New builds a runner. streamCfg names the reader; its metadata flag is
// adjusted at start from the subscription cache.
func New(eng *engine.Engine, streamCfg stream.Config, cfg Config, opts ...Option) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("runner config: %w", err)
	}
	if err := streamCfg.Validate(); err != nil {
		return nil, fmt.Errorf("runner reader config: %w", err)
	}
	r := &Runner{
		cfg:       cfg,
		streamCfg: streamCfg,
		engine:    eng,
		store:     eng.Store(),
		rule:      partition.All(),
		logger:    slog.Default(),
		cache:     newSubCache(),
		gates:     make(map[string]chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.limiter = newLimiter(cfg.MaxEventsPerSecond, cfg.RateBurst, nil)
	r.logger = r.logger.With("component", "runner", "reader", streamCfg.Name)
	return r, nil
}

// Name returns the runner's reader identity.
func (r *Runner) Name() string { return r.streamCfg.Name }

// Committed returns the reader's committed offset, zero before Start.
func (r *Runner) Committed() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reader == nil {
		return 0
	}
	return r.reader.Committed()
}

// Start loads the subscription cache, starts the reader, and begins
// processing.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return fmt.Errorf("runner %q already running", r.streamCfg.Name)
	}

	if err := r.cache.load(ctx, r.store, r.engine.Definition().Name()); err != nil {
		return err
	}
	streamCfg := r.streamCfg
	streamCfg.WithMetadata = r.cache.UsesTags()

	var readerOpts []stream.Option
	if r.brokerSrc != nil {
		readerOpts = append(readerOpts, stream.WithBroker(r.brokerSrc))
	}
	readerOpts = append(readerOpts, stream.WithLogger(r.logger), stream.WithMetrics(r.metrics))
	reader, err := stream.NewReader(r.store, stream.NewEnvelopeDecoder(r.engine.Definition(), r.engine.Registry()), streamCfg, readerOpts...)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	ch, err := reader.Start(runCtx)
	if err != nil {
		cancel()
		return err
	}
	r.reader = reader
	r.tracker = newTracker(reader.Committed())
	r.cancel = cancel
	r.running = true
	r.procDone = make(chan struct{})

	r.wg.Add(1)
	go r.processLoop(runCtx, ch)
	if r.msgSource != nil && r.msgParser != nil {
		r.wg.Add(1)
		go r.externalLoop(runCtx)
	}

	r.logger.Info("runner started", "max_inflight", r.cfg.MaxInflight,
		"rate_limit", r.cfg.MaxEventsPerSecond, "tag_metadata", streamCfg.WithMetadata)
	return nil
}

// Stop drains in-flight tasks (bounded by DrainTimeout), stops the reader,
// and flushes the final offset.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	cancel := r.cancel
	reader := r.reader
	r.mu.Unlock()

	// Intake stops first; in-flight tasks then drain on the still-live
	// context so their commands land.
	reader.Stop()

	drained := make(chan struct{})
	go func() {
		r.taskWG.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(r.cfg.DrainTimeout):
		r.logger.Warn("drain timeout reached, interrupting in-flight tasks")
	}

	cancel()
	r.wg.Wait()

	// Commits recorded while draining happened after the reader's own flush.
	if err := r.store.SetOffset(context.Background(), r.streamCfg.Name, reader.Committed()); err != nil {
		r.logger.Error("persisting final offset", "error", err)
	}
	r.logger.Info("runner stopped", "offset", reader.Committed())
}

// Wait blocks until the processing loop exits, which happens when the reader
// reaches a stop-at offset or the context is cancelled. In-flight tasks may
// still be draining; call Stop to settle them and the offset.
func (r *Runner) Wait() {
	r.mu.Lock()
	done := r.procDone
	r.mu.Unlock()
	if done != nil {
		<-done
	}
}

// step is one planned command dispatch with its ordering gate already
// reserved.
type step struct {
	target string
	cmd    workflow.Command
	prev   chan struct{}
	gate   chan struct{}
}

func (r *Runner) processLoop(ctx context.Context, ch <-chan *workflow.Envelope) {
	defer r.wg.Done()
	defer close(r.procDone)
	sem := semaphore.NewWeighted(int64(r.cfg.MaxInflight))
	consumed := 0
	for env := range ch {
		if stop := r.stopSeq.Load(); stop > 0 && env.GlobalSeq > stop {
			// A rebalancing target was set after the reader yielded this
			// event; processing past the target would double-process it on
			// the new partition layout.
			return
		}
		if err := r.limiter.wait(ctx); err != nil {
			return
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			return
		}
		r.tracker.begin(env.GlobalSeq)
		r.metrics.Inflight(r.streamCfg.Name, r.tracker.inflight())

		// Targets are resolved and gates reserved here, in consumption
		// order. Doing this inside the task goroutine would let the
		// scheduler invert per-instance dispatch order.
		steps, err := r.plan(env)
		if err != nil {
			sem.Release(1)
			// The watermark stays below this event; it is reprocessed
			// after the cause is fixed and the runner restarted.
			r.logger.Error("event processing failed, offset pinned",
				"global_seq", env.GlobalSeq, "workflow_id", env.WorkflowID,
				"event_type", env.EventType, "error", err)
		} else {
			r.taskWG.Add(1)
			go r.runTask(ctx, sem, env, steps)
		}

		consumed++
		if consumed%r.cfg.ScalingCheckEvery == 0 {
			r.checkScaling(ctx)
		}
	}
}

// plan resolves the event's targets: the delay-complete continuation or
// direct-message target unioned with subscription matches, deduplicated and
// partition-filtered. Gates are reserved in plan order.
func (r *Runner) plan(env *workflow.Envelope) ([]step, error) {
	evt, err := env.Event()
	if err != nil {
		return nil, fmt.Errorf("decoding event %s/%d: %w", env.WorkflowID, env.Version, err)
	}

	type pair struct {
		target string
		cmd    workflow.Command
	}
	var pairs []pair
	seen := make(map[string]bool)
	add := func(target string, cmd workflow.Command) {
		if target == "" || cmd == nil || seen[target] || !r.rule(target) {
			return
		}
		seen[target] = true
		pairs = append(pairs, pair{target: target, cmd: cmd})
	}

	// Self-directed continuation: the fired timer carries its own command.
	if dc, ok := evt.(*workflow.DelayComplete); ok && !dc.Command.IsZero() {
		cmd, err := dc.Command.Decode(r.engine.Registry())
		if err != nil {
			return nil, fmt.Errorf("decoding delay command for %s: %w", env.WorkflowID, err)
		}
		add(env.WorkflowID, cmd)
	}

	cmd := r.engine.Definition().EventToCommand(evt)

	// Direct messages name their target; subscribers to the event type are
	// still notified below.
	if dm, ok := evt.(workflow.DirectMessageEvent); ok {
		if t := dm.TargetWorkflowType(); t == "" || t == r.engine.Definition().Name() {
			add(dm.TargetWorkflowID(), cmd)
		}
	}

	for _, target := range r.cache.matches(env.WorkflowID, env.EventType, env.Tags()) {
		if target == env.WorkflowID {
			continue
		}
		add(target, cmd)
	}

	steps := make([]step, 0, len(pairs))
	for _, p := range pairs {
		prev, gate := r.reserveGate(p.target)
		steps = append(steps, step{target: p.target, cmd: p.cmd, prev: prev, gate: gate})
	}
	return steps, nil
}

// runTask executes one event's local side effects and planned dispatches.
// Every reserved gate is released even on failure so later events on the
// same targets are not blocked; the pinned watermark is the recovery signal.
func (r *Runner) runTask(ctx context.Context, sem *semaphore.Weighted, env *workflow.Envelope, steps []step) {
	defer r.taskWG.Done()
	defer sem.Release(1)

	idx := 0
	defer func() {
		for ; idx < len(steps); idx++ {
			r.releaseGate(steps[idx].target, steps[idx].gate)
		}
	}()

	if err := r.runSteps(ctx, env, steps, &idx); err != nil {
		if ctx.Err() == nil {
			r.logger.Error("event processing failed, offset pinned",
				"global_seq", env.GlobalSeq, "workflow_id", env.WorkflowID,
				"event_type", env.EventType, "error", err)
		}
		return
	}
	watermark := r.tracker.complete(env.GlobalSeq)
	r.reader.Commit(watermark)
	r.metrics.Inflight(r.streamCfg.Name, r.tracker.inflight())
}

func (r *Runner) runSteps(ctx context.Context, env *workflow.Envelope, steps []step, idx *int) error {
	if r.rule(env.WorkflowID) {
		if err := r.handleLocal(ctx, env); err != nil {
			return err
		}
	}
	for *idx < len(steps) {
		s := steps[*idx]
		err := r.process(ctx, s.target, s.cmd, s.prev)
		r.releaseGate(s.target, s.gate)
		*idx++
		if err != nil {
			return err
		}
	}
	return nil
}

// handleLocal runs the partition-local part: cancellation fan-out to the
// executor and adapter side effects.
func (r *Runner) handleLocal(ctx context.Context, env *workflow.Envelope) error {
	switch env.EventType {
	case workflow.TypeSystemCancel:
		if r.executor != nil {
			r.executor.CancelInstance(env.WorkflowID, nil)
		}
		r.cache.remove(env.WorkflowID)
	case workflow.TypeActionCancel:
		if r.executor != nil {
			evt, err := env.Event()
			if err != nil {
				return fmt.Errorf("decoding action cancel for %s: %w", env.WorkflowID, err)
			}
			if ac, ok := evt.(*workflow.ActionCancel); ok {
				r.executor.CancelInstance(env.WorkflowID, ac.Versions)
			}
		}
	}
	if r.executor == nil {
		return nil
	}
	return r.executor.HandleEvent(ctx, env)
}

// reserveGate swaps in a fresh gate for the target and returns the previous
// one. Callers reserve in the order dispatches must serialize.
func (r *Runner) reserveGate(targetID string) (prev, gate chan struct{}) {
	r.gateMu.Lock()
	defer r.gateMu.Unlock()
	prev = r.gates[targetID]
	gate = make(chan struct{})
	r.gates[targetID] = gate
	return prev, gate
}

func (r *Runner) releaseGate(targetID string, gate chan struct{}) {
	close(gate)
	r.gateMu.Lock()
	if r.gates[targetID] == gate {
		delete(r.gates, targetID)
	}
	r.gateMu.Unlock()
}

// dispatch serializes a single command behind the target's gate chain. Used
// by the external message path, where reservation order within the loop is
// already consumption order.
func (r *Runner) dispatch(ctx context.Context, targetID string, cmd workflow.Command) error {
	prev, gate := r.reserveGate(targetID)
	defer r.releaseGate(targetID, gate)
	return r.process(ctx, targetID, cmd, prev)
}

// process awaits the previous gate for the target, then runs the command.
// Rejections are normal control flow, not failures.
func (r *Runner) process(ctx context.Context, targetID string, cmd workflow.Command, prev chan struct{}) error {
	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	st, _, err := r.engine.ProcessCommand(ctx, targetID, cmd)
	if err != nil {
		if rej, ok := workflow.AsRejection(err); ok {
			r.logger.Debug("command rejected", "workflow_id", targetID,
				"command", cmd.CommandType(), "code", rej.Code, "reason", rej.Reason)
			return nil
		}
		return fmt.Errorf("processing %q on %s: %w", cmd.CommandType(), targetID, err)
	}

	// Keep the subscription cache coherent with the target's new state.
	if st != nil && st.State != nil {
		base := st.State.Base()
		if base.EffectiveLifecycle() == workflow.LifecycleActive {
			r.cache.update(targetID, base.Subscriptions)
		} else {
			r.cache.remove(targetID)
		}
	} else {
		r.cache.remove(targetID)
	}
	return nil
}

// checkScaling looks for an active rebalancing operation and, when found,
// arranges for the reader to stop at its target offset.
func (r *Runner) checkScaling(ctx context.Context) {
	op, err := r.store.GetScalingOperation(ctx, r.engine.Definition().Name())
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			r.logger.Warn("checking scaling operation", "error", err)
		}
		return
	}
	if op == nil || op.TargetSeq <= 0 {
		return
	}
	if op.Status != storage.ScalingPending && op.Status != storage.ScalingSynchronizing {
		return
	}
	if r.stopSeq.Swap(op.TargetSeq) == op.TargetSeq {
		return
	}
	r.logger.Info("scaling operation active, stopping at target",
		"target_seq", op.TargetSeq, "status", op.Status)
	r.reader.SetStopAt(op.TargetSeq)
}
