package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oxbowhq/oxbow/storage"
)

type fakePublisher struct {
	mu        sync.Mutex
	published []storage.EventRecord
	failOn    map[int64]error
}

func (f *fakePublisher) PublishEvent(ctx context.Context, rec storage.EventRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.failOn[rec.GlobalSeq]; ok {
		return err
	}
	f.published = append(f.published, rec)
	return nil
}

func (f *fakePublisher) seqs() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]int64, len(f.published))
	for i, rec := range f.published {
		out[i] = rec.GlobalSeq
	}
	return out
}

func insertEvents(t *testing.T, store *storage.MemoryStore, id string, n int) {
	t.Helper()
	ctx := context.Background()
	var records []storage.EventRecord
	for i := 0; i < n; i++ {
		records = append(records, storage.EventRecord{
			WorkflowID: id, Version: int64(i + 1), WorkflowType: "order",
			EventType: "ev_placed", Body: []byte(`{}`),
		})
	}
	require.NoError(t, store.WithinTx(ctx, func(tx storage.Tx) error {
		return tx.InsertEvents(ctx, records)
	}))
}

func testConfig() Config {
	cfg := DefaultConfig("order")
	cfg.PollInterval = 5 * time.Millisecond
	return cfg
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestOutboxPublishesInOrderAndMarks(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	insertEvents(t, store, "a", 3)

	pub := &fakePublisher{}
	o, err := New(store, pub, testConfig())
	require.NoError(t, err)
	require.NoError(t, o.Start(ctx))
	defer o.Stop()

	waitFor(t, func() bool { return len(pub.seqs()) == 3 })
	assert.Equal(t, []int64{1, 2, 3}, pub.seqs())

	waitFor(t, func() bool {
		remaining, err := store.UnpublishedEvents(ctx, "order", 10)
		require.NoError(t, err)
		return len(remaining) == 0
	})
}

func TestOutboxSkipsFailedPublishAndRetries(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	insertEvents(t, store, "a", 3)

	pub := &fakePublisher{failOn: map[int64]error{2: errors.New("broker down")}}
	o, err := New(store, pub, testConfig())
	require.NoError(t, err)
	require.NoError(t, o.Start(ctx))
	defer o.Stop()

	waitFor(t, func() bool {
		remaining, err := store.UnpublishedEvents(ctx, "order", 10)
		require.NoError(t, err)
		return len(remaining) == 1
	})
	remaining, err := store.UnpublishedEvents(ctx, "order", 10)
	require.NoError(t, err)
	assert.Equal(t, int64(2), remaining[0].GlobalSeq)

	// Once the broker recovers, the stuck row goes out on the next poll.
	pub.mu.Lock()
	delete(pub.failOn, 2)
	pub.mu.Unlock()
	waitFor(t, func() bool {
		remaining, err := store.UnpublishedEvents(ctx, "order", 10)
		require.NoError(t, err)
		return len(remaining) == 0
	})
}

func TestOutboxSingleWriterLock(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()

	first, err := New(store, &fakePublisher{}, testConfig())
	require.NoError(t, err)
	require.NoError(t, first.Start(ctx))
	defer first.Stop()

	second, err := New(store, &fakePublisher{}, testConfig())
	require.NoError(t, err)
	err = second.Start(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "held by another publisher")

	// A publisher for a different type locks independently.
	other, err := New(store, &fakePublisher{}, func() Config {
		cfg := DefaultConfig("shipment")
		cfg.PollInterval = 5 * time.Millisecond
		return cfg
	}())
	require.NoError(t, err)
	require.NoError(t, other.Start(ctx))
	other.Stop()

	// Releasing the lock lets a successor start.
	first.Stop()
	require.NoError(t, second.Start(ctx))
	second.Stop()
}

func TestOutboxRepublish(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	insertEvents(t, store, "a", 3)

	pub := &fakePublisher{}
	o, err := New(store, pub, testConfig())
	require.NoError(t, err)
	require.NoError(t, o.Start(ctx))
	defer o.Stop()

	waitFor(t, func() bool { return len(pub.seqs()) == 3 })

	n, err := o.Republish(ctx, "a", 2, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	waitFor(t, func() bool { return len(pub.seqs()) == 5 })
	assert.Equal(t, []int64{1, 2, 3, 2, 3}, pub.seqs())
}

func TestLockKeyStableAndPositive(t *testing.T) {
	assert.Equal(t, LockKey("order"), LockKey("order"))
	assert.NotEqual(t, LockKey("order"), LockKey("shipment"))
	assert.GreaterOrEqual(t, LockKey("order"), int64(0))
}
