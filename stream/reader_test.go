package stream

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oxbowhq/oxbow/storage"
	"github.com/oxbowhq/oxbow/workflow"
	"github.com/oxbowhq/oxbow/workflow/workflowtest"
)

func testConfig(name string) Config {
	cfg := DefaultConfig(name, "counter")
	cfg.MinSleep = time.Millisecond
	cfg.MaxSleep = 10 * time.Millisecond
	cfg.CommitInterval = 5 * time.Millisecond
	return cfg
}

func insertCounterEvents(t *testing.T, store *storage.MemoryStore, id string, n int) {
	t.Helper()
	ctx := context.Background()
	reg := workflowtest.Registry()
	var records []storage.EventRecord
	for i := 0; i < n; i++ {
		var evt workflow.Event
		if i == 0 {
			evt = &workflowtest.EvStarted{Value: 1}
		} else {
			evt = &workflowtest.EvIncremented{By: i}
		}
		body, err := reg.EncodeEvent(evt)
		require.NoError(t, err)
		records = append(records, storage.EventRecord{
			WorkflowID: id, Version: int64(i + 1), WorkflowType: "counter",
			EventType: evt.EventType(), Body: body,
		})
	}
	require.NoError(t, store.WithinTx(ctx, func(tx storage.Tx) error {
		return tx.InsertEvents(ctx, records)
	}))
}

func collect(t *testing.T, ch <-chan *workflow.Envelope, n int) []*workflow.Envelope {
	t.Helper()
	var out []*workflow.Envelope
	timeout := time.After(2 * time.Second)
	for len(out) < n {
		select {
		case env, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, env)
		case <-timeout:
			t.Fatalf("timed out after %d of %d envelopes", len(out), n)
		}
	}
	return out
}

func TestReaderYieldsInOrder(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	insertCounterEvents(t, store, "a", 5)

	decode := NewEnvelopeDecoder(workflowtest.Counter{}, workflowtest.Registry())
	r, err := NewReader(store, decode, testConfig("counter_runner"))
	require.NoError(t, err)

	ch, err := r.Start(ctx)
	require.NoError(t, err)
	defer r.Stop()

	envs := collect(t, ch, 5)
	for i, env := range envs {
		assert.Equal(t, int64(i+1), env.GlobalSeq)
		assert.Equal(t, "counter_runner", env.ReaderName)
	}

	evt, err := envs[0].Event()
	require.NoError(t, err)
	assert.Equal(t, &workflowtest.EvStarted{Value: 1}, evt)
}

func TestReaderResumesFromCommittedOffset(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	insertCounterEvents(t, store, "a", 5)
	require.NoError(t, store.SetOffset(ctx, "counter_runner", 3))

	decode := NewEnvelopeDecoder(workflowtest.Counter{}, workflowtest.Registry())
	r, err := NewReader(store, decode, testConfig("counter_runner"))
	require.NoError(t, err)

	ch, err := r.Start(ctx)
	require.NoError(t, err)
	defer r.Stop()

	envs := collect(t, ch, 2)
	assert.Equal(t, int64(4), envs[0].GlobalSeq)
	assert.Equal(t, int64(5), envs[1].GlobalSeq)
}

func TestReaderCommitPersistsOffset(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	insertCounterEvents(t, store, "a", 3)

	decode := NewEnvelopeDecoder(workflowtest.Counter{}, workflowtest.Registry())
	r, err := NewReader(store, decode, testConfig("counter_runner"))
	require.NoError(t, err)

	ch, err := r.Start(ctx)
	require.NoError(t, err)

	envs := collect(t, ch, 3)
	for _, env := range envs {
		r.Commit(env.GlobalSeq)
	}
	// Commits never move backwards.
	r.Commit(1)
	assert.Equal(t, int64(3), r.Committed())

	r.Stop()

	offset, err := store.GetOffset(ctx, "counter_runner")
	require.NoError(t, err)
	assert.Equal(t, int64(3), offset)
}

func TestReaderStopAtOffset(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	insertCounterEvents(t, store, "a", 5)

	decode := NewEnvelopeDecoder(workflowtest.Counter{}, workflowtest.Registry())
	r, err := NewReader(store, decode, testConfig("counter_runner"))
	require.NoError(t, err)
	r.SetStopAt(3)

	ch, err := r.Start(ctx)
	require.NoError(t, err)
	defer r.Stop()

	var got []int64
	for env := range ch {
		got = append(got, env.GlobalSeq)
	}
	assert.Equal(t, []int64{1, 2, 3}, got)
}

func TestReaderPicksUpNewEvents(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	insertCounterEvents(t, store, "a", 2)

	decode := NewEnvelopeDecoder(workflowtest.Counter{}, workflowtest.Registry())
	r, err := NewReader(store, decode, testConfig("counter_runner"))
	require.NoError(t, err)

	ch, err := r.Start(ctx)
	require.NoError(t, err)
	defer r.Stop()

	collect(t, ch, 2)
	insertCounterEvents(t, store, "b", 1)

	envs := collect(t, ch, 1)
	assert.Equal(t, int64(3), envs[0].GlobalSeq)
	assert.Equal(t, "b", envs[0].WorkflowID)
}

// fakeBroker yields one scripted batch, then fails forever.
type fakeBroker struct {
	batches [][]storage.EventRecord
	closed  bool
}

func (f *fakeBroker) Fetch(ctx context.Context, batch int) ([]storage.EventRecord, error) {
	if len(f.batches) == 0 {
		return nil, errors.New("consumer deleted")
	}
	b := f.batches[0]
	f.batches = f.batches[1:]
	return b, nil
}

func (f *fakeBroker) Close() { f.closed = true }

func TestHybridReaderFallsBackPermanently(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	insertCounterEvents(t, store, "a", 3)

	reg := workflowtest.Registry()
	body, err := reg.EncodeEvent(&workflowtest.EvStarted{Value: 1})
	require.NoError(t, err)
	broker := &fakeBroker{batches: [][]storage.EventRecord{{
		{GlobalSeq: 1, WorkflowID: "a", Version: 1, WorkflowType: "counter", EventType: "ev_started", Body: body},
	}}}

	decode := NewEnvelopeDecoder(workflowtest.Counter{}, reg)
	r, err := NewReader(store, decode, testConfig("counter_runner"), WithBroker(broker))
	require.NoError(t, err)

	ch, err := r.Start(ctx)
	require.NoError(t, err)

	// First envelope comes from the broker, the rest from polling after the
	// consumer failure.
	envs := collect(t, ch, 3)
	assert.Equal(t, []int64{1, 2, 3}, []int64{envs[0].GlobalSeq, envs[1].GlobalSeq, envs[2].GlobalSeq})

	r.Stop()
	assert.True(t, broker.closed)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "defaults are valid", mutate: func(c *Config) {}},
		{name: "missing name", mutate: func(c *Config) { c.Name = "" }, wantErr: true},
		{name: "zero batch", mutate: func(c *Config) { c.BatchSize = 0 }, wantErr: true},
		{name: "max below min", mutate: func(c *Config) { c.MaxSleep = c.MinSleep / 2 }, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig("r", "counter")
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
