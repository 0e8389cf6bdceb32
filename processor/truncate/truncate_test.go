package truncate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oxbowhq/oxbow/storage"
)

func seedLog(t *testing.T, store *storage.MemoryStore) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.WithinTx(ctx, func(tx storage.Tx) error {
		var records []storage.EventRecord
		for v := int64(1); v <= 3; v++ {
			records = append(records, storage.EventRecord{
				WorkflowID: "a", Version: v, WorkflowType: "counter",
				EventType: "ev_incremented", Body: []byte(`{}`),
			})
		}
		if err := tx.InsertEvents(ctx, records); err != nil {
			return err
		}
		return tx.UpsertSnapshot(ctx, storage.SnapshotRecord{
			WorkflowID: "a", WorkflowType: "counter", Version: 3, State: []byte(`{}`),
		})
	}))
	require.NoError(t, store.MarkPublished(ctx, []int64{1, 2, 3}))
}

func remainingSeqs(t *testing.T, store *storage.MemoryStore) []int64 {
	t.Helper()
	events, err := store.ReadEvents(context.Background(), storage.EventQuery{Limit: 100, WorkflowType: "counter"})
	require.NoError(t, err)
	var out []int64
	for _, rec := range events {
		out = append(out, rec.GlobalSeq)
	}
	return out
}

func newTruncator(t *testing.T, store *storage.MemoryStore) *Truncator {
	t.Helper()
	cfg := DefaultConfig("counter")
	future := time.Now().Add(30 * 24 * time.Hour)
	tr, err := New(store, cfg, WithClock(func() time.Time { return future }))
	require.NoError(t, err)
	return tr
}

func TestRunOnceDeletesCoveredRowsBelowMinOffset(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	seedLog(t, store)
	require.NoError(t, store.SetOffset(ctx, "counter_runner", 2))

	n, err := newTruncator(t, store).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.Equal(t, []int64{3}, remainingSeqs(t, store))
}

func TestRunOnceRespectsSlowestReader(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	seedLog(t, store)
	require.NoError(t, store.SetOffset(ctx, "counter_runner_partition_0_of_2", 3))
	require.NoError(t, store.SetOffset(ctx, "counter_runner_partition_1_of_2", 1))

	n, err := newTruncator(t, store).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, []int64{2, 3}, remainingSeqs(t, store))
}

func TestRunOnceWithoutReadersDeletesNothing(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	seedLog(t, store)

	n, err := newTruncator(t, store).RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, remainingSeqs(t, store), 3)
}

func TestRunOnceKeepsYoungRows(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	seedLog(t, store)
	require.NoError(t, store.SetOffset(ctx, "counter_runner", 3))

	cfg := DefaultConfig("counter")
	tr, err := New(store, cfg)
	require.NoError(t, err)

	// With the real clock every row is inside the retention window.
	n, err := tr.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRunOnceKeepsUnpublishedAndUncoveredRows(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	seedLog(t, store)
	require.NoError(t, store.SetOffset(ctx, "counter_runner", 10))

	// Snapshot moves back to version 1: rows 2 and 3 are uncovered.
	require.NoError(t, store.WithinTx(ctx, func(tx storage.Tx) error {
		return tx.UpsertSnapshot(ctx, storage.SnapshotRecord{
			WorkflowID: "a", WorkflowType: "counter", Version: 1, State: []byte(`{}`),
		})
	}))
	// Row 1 re-armed for republish is no longer safe either.
	_, err := store.MarkUnpublished(ctx, "a", 1, 1)
	require.NoError(t, err)

	n, err := newTruncator(t, store).RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, remainingSeqs(t, store), 3)
}
