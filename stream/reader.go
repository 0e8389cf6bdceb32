package stream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oxbowhq/oxbow/metrics"
	"github.com/oxbowhq/oxbow/storage"
	"github.com/oxbowhq/oxbow/workflow"
)

// BrokerSource pulls batches of event records from a durable broker
// consumer. Implementations acknowledge messages internally; the reader's
// own offset remains the durable position of record.
type BrokerSource interface {
	Fetch(ctx context.Context, batch int) ([]storage.EventRecord, error)
	Close()
}

// Decoder turns a stored event row into a pipeline envelope.
type Decoder func(rec storage.EventRecord) *workflow.Envelope

// NewEnvelopeDecoder builds the standard lazy decoder for a workflow type.
func NewEnvelopeDecoder(def workflow.Definition, registry *workflow.Registry) Decoder {
	return func(rec storage.EventRecord) *workflow.Envelope {
		env := workflow.NewLazyEnvelope(rec.Body, registry.EventDecoder(def, rec.EventType, rec.SchemaVersion))
		env.WorkflowID = rec.WorkflowID
		env.WorkflowType = rec.WorkflowType
		env.EventType = rec.EventType
		env.Version = rec.Version
		env.GlobalSeq = rec.GlobalSeq
		env.SchemaVersion = rec.SchemaVersion
		env.At = rec.At
		env.Metadata = rec.Metadata
		return env
	}
}

// Config holds reader settings.
type Config struct {
	// Name is the reader's durable identity: the offset row key and, when
	// broker-backed, the durable consumer name.
	Name         string
	WorkflowType string
	// EventTypes restricts polling to an allowlist; empty means all.
	EventTypes []string
	BatchSize  int
	MinSleep   time.Duration
	MaxSleep   time.Duration
	// CommitInterval paces the background offset flush.
	CommitInterval time.Duration
	// WithMetadata fetches event metadata; runners disable it when no
	// subscription filters on tags.
	WithMetadata bool
}

// DefaultConfig returns the reader defaults for a given name.
func DefaultConfig(name, workflowType string) Config {
	return Config{
		Name:           name,
		WorkflowType:   workflowType,
		BatchSize:      100,
		MinSleep:       50 * time.Millisecond,
		MaxSleep:       2 * time.Second,
		CommitInterval: time.Second,
		WithMetadata:   true,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("reader name is required")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive, got %d", c.BatchSize)
	}
	if c.MinSleep <= 0 || c.MaxSleep < c.MinSleep {
		return fmt.Errorf("invalid sleep bounds [%s, %s]", c.MinSleep, c.MaxSleep)
	}
	return nil
}

// Reader is a named durable tail-follower. It yields envelopes in strictly
// ascending global_seq order on the channel returned by Start, beginning
// after its committed offset. With a BrokerSource attached it consumes from
// the broker until the first consumer failure, then falls back to polling
// for the rest of its lifetime.
type Reader struct {
	cfg     Config
	store   storage.Store
	decode  Decoder
	broker  BrokerSource
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu        sync.Mutex
	lastRead  int64
	committed int64
	dirty     bool
	stopAt    int64
	fellBack  bool

	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Option configures a Reader.
type Option func(*Reader)

// WithBroker attaches a durable broker consumer as the primary source.
func WithBroker(src BrokerSource) Option {
	return func(r *Reader) { r.broker = src }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Reader) { r.logger = l }
}

// WithMetrics sets the metrics collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Reader) { r.metrics = m }
}

// NewReader builds a reader over store.
func NewReader(store storage.Store, decode Decoder, cfg Config, opts ...Option) (*Reader, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("reader config: %w", err)
	}
	r := &Reader{
		cfg:    cfg,
		store:  store,
		decode: decode,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "reader", "reader", cfg.Name)
	return r, nil
}

// Name returns the reader's durable identity.
func (r *Reader) Name() string { return r.cfg.Name }

// Start loads the committed offset and begins tailing. The returned channel
// is closed when the reader stops, either via Stop, context cancellation, or
// reaching a stop-at offset.
func (r *Reader) Start(ctx context.Context) (<-chan *workflow.Envelope, error) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return nil, fmt.Errorf("reader %q already running", r.cfg.Name)
	}
	r.running = true
	r.mu.Unlock()

	offset, err := r.store.GetOffset(ctx, r.cfg.Name)
	if err != nil {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
		return nil, fmt.Errorf("loading offset for %q: %w", r.cfg.Name, err)
	}
	r.mu.Lock()
	r.lastRead = offset
	r.committed = offset
	r.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	out := make(chan *workflow.Envelope)
	r.wg.Add(2)
	go r.readLoop(runCtx, out)
	go r.commitLoop(runCtx)

	r.logger.Info("reader started", "offset", offset, "broker", r.broker != nil)
	return out, nil
}

// Stop halts the loops and flushes the committed offset.
func (r *Reader) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	cancel := r.cancel
	r.mu.Unlock()

	cancel()
	r.wg.Wait()
	r.flush(context.Background())
	if r.broker != nil {
		r.broker.Close()
	}
	r.logger.Info("reader stopped", "offset", r.Committed())
}

// Commit records seq as fully processed. Offsets only move forward; the
// runner hands the reader its contiguous-completion watermark.
func (r *Reader) Commit(seq int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if seq > r.committed {
		r.committed = seq
		r.dirty = true
	}
}

// Committed returns the current committed offset.
func (r *Reader) Committed() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.committed
}

// LastRead returns the highest global_seq yielded so far.
func (r *Reader) LastRead() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastRead
}

// SetStopAt makes the reader terminate gracefully after yielding the event
// at exactly seq. Used by the partition rebalancing protocol.
func (r *Reader) SetStopAt(seq int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopAt = seq
}

func (r *Reader) stopAtReached() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopAt > 0 && r.lastRead >= r.stopAt
}

func (r *Reader) readLoop(ctx context.Context, out chan<- *workflow.Envelope) {
	defer r.wg.Done()
	defer close(out)

	sleeper := NewSleeper(r.cfg.MinSleep, r.cfg.MaxSleep)
	for {
		if ctx.Err() != nil || r.stopAtReached() {
			return
		}
		records, err := r.fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.Error("fetch failed", "error", err)
			if err := sleeper.Sleep(ctx); err != nil {
				return
			}
			continue
		}
		if len(records) == 0 {
			if err := sleeper.Sleep(ctx); err != nil {
				return
			}
			continue
		}
		sleeper.Reset()
		r.metrics.EventsRead(r.cfg.Name, len(records))

		for _, rec := range records {
			r.mu.Lock()
			stale := rec.GlobalSeq <= r.lastRead
			stop := r.stopAt
			r.mu.Unlock()
			if stale {
				continue
			}
			if stop > 0 && rec.GlobalSeq > stop {
				return
			}
			env := r.decode(rec)
			env.ReaderName = r.cfg.Name
			select {
			case <-ctx.Done():
				return
			case out <- env:
			}
			r.mu.Lock()
			r.lastRead = rec.GlobalSeq
			r.mu.Unlock()
			if stop > 0 && rec.GlobalSeq >= stop {
				return
			}
		}
	}
}

// fetch pulls the next batch, preferring the broker until its first failure.
func (r *Reader) fetch(ctx context.Context) ([]storage.EventRecord, error) {
	r.mu.Lock()
	useBroker := r.broker != nil && !r.fellBack
	after := r.lastRead
	r.mu.Unlock()

	if useBroker {
		records, err := r.broker.Fetch(ctx, r.cfg.BatchSize)
		if err == nil {
			return records, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}
		r.logger.Warn("broker consumer failed, falling back to polling", "error", err)
		r.mu.Lock()
		r.fellBack = true
		r.mu.Unlock()
	}
	return r.store.ReadEvents(ctx, storage.EventQuery{
		AfterSeq:     after,
		Limit:        r.cfg.BatchSize,
		WorkflowType: r.cfg.WorkflowType,
		EventTypes:   r.cfg.EventTypes,
		WithMetadata: r.cfg.WithMetadata,
	})
}

func (r *Reader) commitLoop(ctx context.Context) {
	defer r.wg.Done()
	interval := r.cfg.CommitInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.flush(ctx)
		}
	}
}

func (r *Reader) flush(ctx context.Context) {
	r.mu.Lock()
	if !r.dirty {
		r.mu.Unlock()
		return
	}
	offset := r.committed
	r.dirty = false
	r.mu.Unlock()

	if err := r.store.SetOffset(ctx, r.cfg.Name, offset); err != nil {
		r.logger.Error("persisting offset", "offset", offset, "error", err)
		r.mu.Lock()
		r.dirty = true
		r.mu.Unlock()
		return
	}
	r.metrics.CommittedOffset(r.cfg.Name, offset)
}
