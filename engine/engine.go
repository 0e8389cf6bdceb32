// Package engine implements the command processor: optimistic event append,
// state reconstruction from snapshots and the log, lifecycle operations, and
// the side-table bookkeeping that rides in the same transaction as every
// event insert.
package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/oxbowhq/oxbow/cache"
	"github.com/oxbowhq/oxbow/metrics"
	"github.com/oxbowhq/oxbow/storage"
	"github.com/oxbowhq/oxbow/workflow"
)

const (
	defaultSnapshotInterval = 100
	defaultTxRetries        = 3
)

// SyncDBFunc runs inside the command processor's transaction, letting
// applications maintain their own denormalized tables atomically with the
// event insert.
type SyncDBFunc func(ctx context.Context, tx storage.Tx, workflowID string, oldState, newState workflow.State, events []workflow.Event) error

// Engine processes commands for one workflow type.
type Engine struct {
	def      workflow.Definition
	registry *workflow.Registry
	store    storage.Store
	cache    cache.Cache
	logger   *slog.Logger
	metrics  *metrics.Metrics

	// snapshotInterval 0 disables snapshotting.
	snapshotInterval int64
	txRetries        int
	syncDB           SyncDBFunc
	cronParser       cron.Parser
	now              func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithCache sets the ephemeral state cache.
func WithCache(c cache.Cache) Option {
	return func(e *Engine) { e.cache = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics sets the metrics collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithSnapshotInterval sets how often snapshots are upserted; 0 disables
// snapshotting.
func WithSnapshotInterval(n int64) Option {
	return func(e *Engine) { e.snapshotInterval = n }
}

// WithTxRetries bounds transparent retries on optimistic insert collisions.
func WithTxRetries(n int) Option {
	return func(e *Engine) { e.txRetries = n }
}

// WithSyncDB installs the application's in-transaction hook.
func WithSyncDB(fn SyncDBFunc) Option {
	return func(e *Engine) { e.syncDB = fn }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New builds an engine for def backed by store.
func New(def workflow.Definition, registry *workflow.Registry, store storage.Store, opts ...Option) *Engine {
	e := &Engine{
		def:              def,
		registry:         registry,
		store:            store,
		cache:            cache.Null{},
		logger:           slog.Default(),
		snapshotInterval: defaultSnapshotInterval,
		txRetries:        defaultTxRetries,
		cronParser:       cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		now:              func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "engine", "workflow_type", def.Name())
	return e
}

// Definition returns the workflow definition the engine serves.
func (e *Engine) Definition() workflow.Definition { return e.def }

// Registry returns the event/command codec registry.
func (e *Engine) Registry() *workflow.Registry { return e.registry }

// Store exposes the backing store for components that share it.
func (e *Engine) Store() storage.Store { return e.store }
