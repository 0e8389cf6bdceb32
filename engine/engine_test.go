package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oxbowhq/oxbow/cache"
	"github.com/oxbowhq/oxbow/storage"
	"github.com/oxbowhq/oxbow/workflow"
	"github.com/oxbowhq/oxbow/workflow/workflowtest"
)

func newTestEngine(t *testing.T, opts ...Option) (*Engine, *storage.MemoryStore) {
	t.Helper()
	store := storage.NewMemoryStore()
	eng := New(workflowtest.Counter{}, workflowtest.Registry(), store, opts...)
	return eng, store
}

func TestCreateNew(t *testing.T) {
	ctx := context.Background()
	eng, store := newTestEngine(t)

	stored, err := eng.CreateNew(ctx, "order-1", &workflowtest.CmdStart{Value: 10}, []string{"t1"})
	require.NoError(t, err)
	assert.Equal(t, "order-1", stored.ID)
	assert.Equal(t, int64(1), stored.Version)
	assert.Equal(t, 10, stored.State.(*workflowtest.CounterState).Counter)

	loaded, err := eng.LoadState(ctx, "order-1", 0)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, int64(1), loaded.Version)
	assert.Equal(t, 10, loaded.State.(*workflowtest.CounterState).Counter)

	events, err := store.ReadEvents(ctx, storage.EventQuery{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, int64(1), events[0].Version)
	assert.Equal(t, "ev_started", events[0].EventType)
	assert.Equal(t, []string{"t1"}, metaTags(events[0].Metadata, workflow.MetaWorkflowTags))
}

func TestCreateNewAlreadyExists(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(t)

	_, err := eng.CreateNew(ctx, "order-1", &workflowtest.CmdStart{Value: 1}, nil)
	require.NoError(t, err)

	_, err = eng.CreateNew(ctx, "order-1", &workflowtest.CmdStart{Value: 2}, nil)
	assert.True(t, workflow.IsAlreadyExists(err))
}

func TestSequentialCommands(t *testing.T) {
	ctx := context.Background()
	eng, store := newTestEngine(t)

	_, err := eng.CreateNew(ctx, "order-1", &workflowtest.CmdStart{Value: 10}, nil)
	require.NoError(t, err)

	_, _, err = eng.ProcessCommand(ctx, "order-1", &workflowtest.CmdIncrement{By: 5})
	require.NoError(t, err)
	stored, events, err := eng.ProcessCommand(ctx, "order-1", &workflowtest.CmdIncrement{By: 3})
	require.NoError(t, err)
	require.Len(t, events, 1)

	assert.Equal(t, int64(3), stored.Version)
	assert.Equal(t, 18, stored.State.(*workflowtest.CounterState).Counter)

	rows, err := store.ReadEvents(ctx, storage.EventQuery{})
	require.NoError(t, err)
	require.Len(t, rows, 3)
	for i, row := range rows {
		assert.Equal(t, int64(i+1), row.Version)
	}
}

func TestEmptyDecideIsNoOp(t *testing.T) {
	ctx := context.Background()
	eng, store := newTestEngine(t)

	_, err := eng.CreateNew(ctx, "order-1", &workflowtest.CmdStart{Value: 1}, nil)
	require.NoError(t, err)

	stored, events, err := eng.ProcessCommand(ctx, "order-1", &workflowtest.CmdIncrement{By: 0})
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.Equal(t, int64(1), stored.Version)

	rows, err := store.ReadEvents(ctx, storage.EventQuery{})
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestPauseResumeGuards(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(t)

	_, err := eng.CreateNew(ctx, "order-1", &workflowtest.CmdStart{Value: 1}, nil)
	require.NoError(t, err)

	_, err = eng.Pause(ctx, "order-1", "maintenance")
	require.NoError(t, err)

	_, _, err = eng.ProcessCommand(ctx, "order-1", &workflowtest.CmdIncrement{By: 1})
	r, ok := workflow.AsRejection(err)
	require.True(t, ok)
	assert.Equal(t, workflow.CodePaused, r.Code)

	// Pausing twice is itself rejected.
	_, err = eng.Pause(ctx, "order-1", "again")
	assert.True(t, workflow.IsRejection(err))

	_, err = eng.Resume(ctx, "order-1", "")
	require.NoError(t, err)

	stored, _, err := eng.ProcessCommand(ctx, "order-1", &workflowtest.CmdIncrement{By: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, stored.State.(*workflowtest.CounterState).Counter)
}

func TestCancelIsTerminal(t *testing.T) {
	ctx := context.Background()
	eng, store := newTestEngine(t)

	_, err := eng.CreateNew(ctx, "order-1", &workflowtest.CmdStart{Value: 1}, nil)
	require.NoError(t, err)

	// Leave a pending delay and activity behind to observe the cleanup.
	_, _, err = eng.ProcessCommand(ctx, "order-1", &workflowtest.CmdSleep{DelayID: "d1", For: time.Hour, Then: 1})
	require.NoError(t, err)
	_, err = store.InsertActivity(ctx, storage.ActivityRecord{WorkflowID: "order-1", EventNumber: 2})
	require.NoError(t, err)

	_, err = eng.Cancel(ctx, "order-1", "done")
	require.NoError(t, err)

	_, _, err = eng.ProcessCommand(ctx, "order-1", &workflowtest.CmdIncrement{By: 1})
	r, ok := workflow.AsRejection(err)
	require.True(t, ok)
	assert.Equal(t, workflow.CodeCancelled, r.Code)

	_, err = eng.Resume(ctx, "order-1", "")
	assert.True(t, workflow.IsRejection(err))

	delays, err := store.DueDelays(ctx, time.Now().Add(2*time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, delays)

	act, err := store.GetActivity(ctx, "order-1", 2)
	require.NoError(t, err)
	assert.Equal(t, storage.ActivityCancelled, act.Status)
}

func TestLoadStateAtVersion(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(t)

	_, err := eng.CreateNew(ctx, "order-1", &workflowtest.CmdStart{Value: 10}, nil)
	require.NoError(t, err)
	_, _, err = eng.ProcessCommand(ctx, "order-1", &workflowtest.CmdIncrement{By: 5})
	require.NoError(t, err)
	_, _, err = eng.ProcessCommand(ctx, "order-1", &workflowtest.CmdIncrement{By: 3})
	require.NoError(t, err)

	at2, err := eng.LoadState(ctx, "order-1", 2)
	require.NoError(t, err)
	require.NotNil(t, at2)
	assert.Equal(t, int64(2), at2.Version)
	assert.Equal(t, 15, at2.State.(*workflowtest.CounterState).Counter)
}

func TestLoadStateIndependentOfSnapshot(t *testing.T) {
	ctx := context.Background()

	// Snapshot every 2 events vs never; the reconstruction must agree.
	engSnap, _ := newTestEngine(t, WithSnapshotInterval(2))
	engNone, _ := newTestEngine(t, WithSnapshotInterval(0))

	for _, eng := range []*Engine{engSnap, engNone} {
		_, err := eng.CreateNew(ctx, "order-1", &workflowtest.CmdStart{Value: 10}, nil)
		require.NoError(t, err)
		for i := 0; i < 4; i++ {
			_, _, err = eng.ProcessCommand(ctx, "order-1", &workflowtest.CmdIncrement{By: i + 1})
			require.NoError(t, err)
		}
	}

	a, err := engSnap.LoadState(ctx, "order-1", 0)
	require.NoError(t, err)
	b, err := engNone.LoadState(ctx, "order-1", 0)
	require.NoError(t, err)
	assert.Equal(t, a.Version, b.Version)
	assert.Equal(t, a.State.(*workflowtest.CounterState).Counter, b.State.(*workflowtest.CounterState).Counter)
}

func TestFinalEventCompletesInstance(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(t)

	_, err := eng.CreateNew(ctx, "order-1", &workflowtest.CmdStart{Value: 1}, nil)
	require.NoError(t, err)
	_, _, err = eng.ProcessCommand(ctx, "order-1", &workflowtest.CmdFinish{})
	require.NoError(t, err)

	stored, err := eng.LoadState(ctx, "order-1", 0)
	require.NoError(t, err)
	assert.Nil(t, stored)

	// Bounded loads still see the history.
	at1, err := eng.LoadState(ctx, "order-1", 1)
	require.NoError(t, err)
	require.NotNil(t, at1)
	assert.Equal(t, int64(1), at1.Version)
}

func TestSubscriptionSideTable(t *testing.T) {
	ctx := context.Background()
	eng, store := newTestEngine(t)

	sub := workflow.Sub{WorkflowID: "source", EventType: "ev_started"}
	_, err := eng.CreateNew(ctx, "listener", &workflowtest.CmdSubscribe{Sub: sub}, nil)
	require.NoError(t, err)

	subs, err := store.LoadSubscriptions(ctx, "counter")
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "listener", subs[0].SubscriberID)
	assert.Equal(t, sub, subs[0].Sub)

	// The folded state carries the subscription too.
	stored, err := eng.LoadState(ctx, "listener", 0)
	require.NoError(t, err)
	require.Len(t, stored.State.Base().Subscriptions, 1)
}

func TestDelayRegisteredInSameTransaction(t *testing.T) {
	ctx := context.Background()
	eng, store := newTestEngine(t)

	_, err := eng.CreateNew(ctx, "order-1", &workflowtest.CmdStart{Value: 1}, nil)
	require.NoError(t, err)
	_, _, err = eng.ProcessCommand(ctx, "order-1", &workflowtest.CmdSleep{DelayID: "d1", For: time.Minute, Then: 7})
	require.NoError(t, err)

	delays, err := store.DueDelays(ctx, time.Now().Add(2*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, delays, 1)
	assert.Equal(t, "d1", delays[0].DelayID)
	assert.Equal(t, int64(2), delays[0].Version)
	assert.Equal(t, "cmd_increment", delays[0].NextCommand.Type)
}

func TestContinueAsNew(t *testing.T) {
	ctx := context.Background()
	eng, store := newTestEngine(t)

	_, err := eng.CreateNew(ctx, "order-1", &workflowtest.CmdStart{Value: 10}, nil)
	require.NoError(t, err)
	_, _, err = eng.ProcessCommand(ctx, "order-1", &workflowtest.CmdIncrement{By: 5})
	require.NoError(t, err)

	stored, err := eng.ContinueAsNew(ctx, "order-1", nil, "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.Version)
	assert.Equal(t, 15, stored.State.(*workflowtest.CounterState).Counter)

	loaded, err := eng.LoadState(ctx, "order-1", 0)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, int64(1), loaded.Version)
	assert.Equal(t, 15, loaded.State.(*workflowtest.CounterState).Counter)

	rows, err := store.ReadEvents(ctx, storage.EventQuery{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, workflow.TypeContinueAsNew, rows[0].EventType)
	assert.Equal(t, int64(1), rows[0].Version)

	// The new history keeps growing from version 1.
	next, _, err := eng.ProcessCommand(ctx, "order-1", &workflowtest.CmdIncrement{By: 1})
	require.NoError(t, err)
	assert.Equal(t, int64(2), next.Version)
	assert.Equal(t, 16, next.State.(*workflowtest.CounterState).Counter)
}

func TestCacheRefreshAndInvalidation(t *testing.T) {
	ctx := context.Background()
	local, err := cache.NewMemory(16)
	require.NoError(t, err)
	eng, _ := newTestEngine(t, WithCache(local))

	_, err = eng.CreateNew(ctx, "order-1", &workflowtest.CmdStart{Value: 10}, nil)
	require.NoError(t, err)

	entry, ok, err := local.Get(ctx, "order-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(1), entry.Version)

	_, _, err = eng.ProcessCommand(ctx, "order-1", &workflowtest.CmdFinish{})
	require.NoError(t, err)

	_, ok, err = local.Get(ctx, "order-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReplayIgnoresSnapshots(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(t, WithSnapshotInterval(2))

	_, err := eng.CreateNew(ctx, "order-1", &workflowtest.CmdStart{Value: 10}, nil)
	require.NoError(t, err)
	_, _, err = eng.ProcessCommand(ctx, "order-1", &workflowtest.CmdIncrement{By: 5})
	require.NoError(t, err)

	replayed, err := eng.Replay(ctx, "order-1", 1)
	require.NoError(t, err)
	require.NotNil(t, replayed)
	assert.Equal(t, int64(2), replayed.Version)
	assert.Equal(t, 15, replayed.State.(*workflowtest.CounterState).Counter)
}

func TestSearchAttributes(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(t)

	_, err := eng.CreateNew(ctx, "order-1", &workflowtest.CmdStart{Value: 1}, nil)
	require.NoError(t, err)

	require.NoError(t, eng.UpsertSearchAttributes(ctx, "order-1", map[string]any{"region": "eu"}))
	ids, err := eng.QueryBySearchAttributes(ctx, map[string]any{"region": "eu"})
	require.NoError(t, err)
	assert.Equal(t, []string{"order-1"}, ids)
}

func metaTags(meta map[string]any, key string) []string {
	switch v := meta[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, item.(string))
		}
		return out
	}
	return nil
}
