package actions

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oxbowhq/oxbow/engine"
	"github.com/oxbowhq/oxbow/storage"
	"github.com/oxbowhq/oxbow/stream"
	"github.com/oxbowhq/oxbow/workflow"
	"github.com/oxbowhq/oxbow/workflow/workflowtest"
)

// scriptedAdapter acts on ev_started events and runs the configured act func.
type scriptedAdapter struct {
	mu    sync.Mutex
	calls int
	act   func(ctx context.Context, env *workflow.Envelope, actx *workflow.ActionContext, call int) error
}

func (a *scriptedAdapter) ShouldActOn(env *workflow.Envelope) bool {
	return env.EventType == "ev_started"
}

func (a *scriptedAdapter) ActOn(ctx context.Context, env *workflow.Envelope, actx *workflow.ActionContext) error {
	a.mu.Lock()
	a.calls++
	call := a.calls
	a.mu.Unlock()
	return a.act(ctx, env, actx, call)
}

func (a *scriptedAdapter) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

type fixture struct {
	store    *storage.MemoryStore
	engine   *engine.Engine
	executor *Executor
	adapter  *scriptedAdapter
	now      time.Time
	clockMu  sync.Mutex
}

func (f *fixture) advance(d time.Duration) {
	f.clockMu.Lock()
	f.now = f.now.Add(d)
	f.clockMu.Unlock()
}

func testPolicy() workflow.RetryPolicy {
	return workflow.RetryPolicy{
		MaxRetries: 2,
		Backoff:    workflow.BackoffExponential,
		Factor:     2,
		MinDelay:   time.Second,
		MaxDelay:   time.Minute,
	}
}

func newFixture(t *testing.T, adapter *scriptedAdapter) *fixture {
	t.Helper()
	f := &fixture{
		store:   storage.NewMemoryStore(),
		adapter: adapter,
		now:     time.Now().UTC(),
	}
	f.engine = engine.New(workflowtest.Counter{}, workflowtest.Registry(), f.store)
	clock := func() time.Time {
		f.clockMu.Lock()
		defer f.clockMu.Unlock()
		return f.now
	}
	var err error
	f.executor, err = New(f.engine, adapter, DefaultConfig("runner-1"),
		WithRetryPolicy(testPolicy()), WithClock(clock))
	require.NoError(t, err)
	return f
}

// startedEnvelope creates the instance and returns its ev_started envelope.
func (f *fixture) startedEnvelope(t *testing.T, id string) *workflow.Envelope {
	t.Helper()
	ctx := context.Background()
	_, err := f.engine.CreateNew(ctx, id, &workflowtest.CmdStart{Value: 1}, nil)
	require.NoError(t, err)

	events, err := f.store.ReadEvents(ctx, storage.EventQuery{Limit: 100, WorkflowType: "counter"})
	require.NoError(t, err)
	decode := stream.NewEnvelopeDecoder(workflowtest.Counter{}, workflowtest.Registry())
	for _, rec := range events {
		if rec.WorkflowID == id && rec.EventType == "ev_started" {
			return decode(rec)
		}
	}
	t.Fatalf("no ev_started row for %s", id)
	return nil
}

func TestHandleEventCompletesActivityWithResult(t *testing.T) {
	ctx := context.Background()
	adapter := &scriptedAdapter{
		act: func(ctx context.Context, env *workflow.Envelope, actx *workflow.ActionContext, call int) error {
			if err := actx.SaveCheckpoint(ctx, map[string]any{"step": "reserving"}, true); err != nil {
				return err
			}
			return actx.Submit(ctx, &workflowtest.CmdIncrement{By: 5})
		},
	}
	f := newFixture(t, adapter)
	env := f.startedEnvelope(t, "a")

	require.NoError(t, f.executor.HandleEvent(ctx, env))

	act, err := f.store.GetActivity(ctx, "a", env.Version)
	require.NoError(t, err)
	assert.Equal(t, storage.ActivityCompleted, act.Status)
	require.NotNil(t, act.Result)
	assert.Equal(t, "cmd_increment", act.Result.Type)
	assert.Equal(t, map[string]any{"step": "reserving"}, act.Checkpoint)

	st, err := f.engine.LoadState(ctx, "a", 0)
	require.NoError(t, err)
	assert.Equal(t, 6, st.State.(*workflowtest.CounterState).Counter)
}

func TestHandleEventSkipsDeclinedAndCompleted(t *testing.T) {
	ctx := context.Background()
	adapter := &scriptedAdapter{
		act: func(context.Context, *workflow.Envelope, *workflow.ActionContext, int) error { return nil },
	}
	f := newFixture(t, adapter)
	env := f.startedEnvelope(t, "a")

	require.NoError(t, f.executor.HandleEvent(ctx, env))
	require.NoError(t, f.executor.HandleEvent(ctx, env))
	assert.Equal(t, 1, adapter.callCount())

	// Declined event types never touch the activity table.
	declined := workflow.NewEnvelope(&workflowtest.EvIncremented{By: 1})
	declined.WorkflowID = "a"
	declined.WorkflowType = "counter"
	declined.Version = 99
	require.NoError(t, f.executor.HandleEvent(ctx, declined))
	_, err := f.store.GetActivity(ctx, "a", 99)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestFailedAttemptSchedulesRetryThenSucceeds(t *testing.T) {
	ctx := context.Background()
	adapter := &scriptedAdapter{
		act: func(ctx context.Context, env *workflow.Envelope, actx *workflow.ActionContext, call int) error {
			if call == 1 {
				return errors.New("flaky dependency")
			}
			return nil
		},
	}
	f := newFixture(t, adapter)
	env := f.startedEnvelope(t, "a")

	require.NoError(t, f.executor.HandleEvent(ctx, env))

	act, err := f.store.GetActivity(ctx, "a", env.Version)
	require.NoError(t, err)
	assert.Equal(t, storage.ActivityRetrying, act.Status)
	assert.Equal(t, 1, act.RetryCount)
	assert.Equal(t, KindError, act.ErrorKind)
	require.NotNil(t, act.NextRetryAt)

	// Not due yet.
	require.NoError(t, f.executor.RetryDue(ctx))
	assert.Equal(t, 1, adapter.callCount())

	f.advance(10 * time.Second)
	require.NoError(t, f.executor.RetryDue(ctx))
	assert.Equal(t, 2, adapter.callCount())

	act, err = f.store.GetActivity(ctx, "a", env.Version)
	require.NoError(t, err)
	assert.Equal(t, storage.ActivityCompleted, act.Status)
}

func TestExhaustedRetriesFailTerminallyAndAdminRearm(t *testing.T) {
	ctx := context.Background()
	adapter := &scriptedAdapter{
		act: func(ctx context.Context, env *workflow.Envelope, actx *workflow.ActionContext, call int) error {
			if call <= 3 {
				return errors.New("still broken")
			}
			return nil
		},
	}
	f := newFixture(t, adapter)
	env := f.startedEnvelope(t, "a")

	require.NoError(t, f.executor.HandleEvent(ctx, env))
	for i := 0; i < 2; i++ {
		f.advance(time.Minute)
		require.NoError(t, f.executor.RetryDue(ctx))
	}

	act, err := f.store.GetActivity(ctx, "a", env.Version)
	require.NoError(t, err)
	assert.Equal(t, storage.ActivityFailed, act.Status)
	assert.Equal(t, 3, act.RetryCount)
	require.NotNil(t, act.Finished)

	// Terminal rows stay put until an operator re-arms them.
	f.advance(time.Minute)
	require.NoError(t, f.executor.RetryDue(ctx))
	assert.Equal(t, 3, adapter.callCount())

	require.NoError(t, f.executor.RetryFailed(ctx, "a", env.Version))
	act, err = f.store.GetActivity(ctx, "a", env.Version)
	require.NoError(t, err)
	assert.Equal(t, storage.ActivityCompleted, act.Status)
	assert.Equal(t, 4, adapter.callCount())
}

func TestTimeoutClassifiesAttempt(t *testing.T) {
	ctx := context.Background()
	adapter := &scriptedAdapter{
		act: func(ctx context.Context, env *workflow.Envelope, actx *workflow.ActionContext, call int) error {
			actx.SetTimeout(10 * time.Millisecond)
			<-ctx.Done()
			return ctx.Err()
		},
	}
	f := newFixture(t, adapter)
	env := f.startedEnvelope(t, "a")

	require.NoError(t, f.executor.HandleEvent(ctx, env))

	act, err := f.store.GetActivity(ctx, "a", env.Version)
	require.NoError(t, err)
	assert.Equal(t, storage.ActivityRetrying, act.Status)
	assert.Equal(t, KindTimeout, act.ErrorKind)
}

func TestRecoverStaleDemotesQuietRunningRows(t *testing.T) {
	ctx := context.Background()
	adapter := &scriptedAdapter{
		act: func(context.Context, *workflow.Envelope, *workflow.ActionContext, int) error { return nil },
	}
	f := newFixture(t, adapter)
	env := f.startedEnvelope(t, "a")

	// A crashed attempt left behind by another runner.
	lastAttempt := f.now.Add(-10 * time.Minute)
	_, err := f.store.InsertActivity(ctx, storage.ActivityRecord{
		WorkflowID: "a", EventNumber: env.Version, WorkflowType: "counter",
		Status: storage.ActivityRunning, RetryPolicy: testPolicy(),
		LastAttempt: &lastAttempt, RunnerID: "runner-0",
	})
	require.NoError(t, err)

	require.NoError(t, f.executor.RecoverStale(ctx))
	act, err := f.store.GetActivity(ctx, "a", env.Version)
	require.NoError(t, err)
	assert.Equal(t, storage.ActivityRetrying, act.Status)
	assert.Equal(t, KindStale, act.ErrorKind)

	require.NoError(t, f.executor.RetryDue(ctx))
	act, err = f.store.GetActivity(ctx, "a", env.Version)
	require.NoError(t, err)
	assert.Equal(t, storage.ActivityCompleted, act.Status)
	assert.Equal(t, 1, adapter.callCount())
}

func TestCancelInstanceInterruptsInflightAttempt(t *testing.T) {
	ctx := context.Background()
	started := make(chan struct{})
	adapter := &scriptedAdapter{
		act: func(ctx context.Context, env *workflow.Envelope, actx *workflow.ActionContext, call int) error {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		},
	}
	f := newFixture(t, adapter)
	env := f.startedEnvelope(t, "a")

	done := make(chan error, 1)
	go func() { done <- f.executor.HandleEvent(ctx, env) }()

	<-started
	// The command processor settles the row inside its transaction; here the
	// same settlement is applied directly before interrupting the goroutine.
	require.NoError(t, f.store.WithinTx(ctx, func(tx storage.Tx) error {
		return tx.CancelActivities(ctx, "a", nil)
	}))
	f.executor.CancelInstance("a", nil)

	require.NoError(t, <-done)
	act, err := f.store.GetActivity(ctx, "a", env.Version)
	require.NoError(t, err)
	assert.Equal(t, storage.ActivityCancelled, act.Status)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "defaults are valid", mutate: func(c *Config) {}},
		{name: "missing runner id", mutate: func(c *Config) { c.RunnerID = "" }, wantErr: true},
		{name: "zero staleness window", mutate: func(c *Config) { c.StaleAfter = 0 }, wantErr: true},
		{name: "zero retry interval", mutate: func(c *Config) { c.RetryInterval = 0 }, wantErr: true},
		{name: "zero batch", mutate: func(c *Config) { c.BatchSize = 0 }, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig("runner-1")
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNewRunnerIDIsUnique(t *testing.T) {
	a, b := NewRunnerID(), NewRunnerID()
	assert.NotEmpty(t, a)
	assert.NotEqual(t, a, b)
}
