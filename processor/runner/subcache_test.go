package runner

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oxbowhq/oxbow/storage"
	"github.com/oxbowhq/oxbow/workflow"
)

func TestSubCacheLoadOnceAndMatch(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	require.NoError(t, store.WithinTx(ctx, func(tx storage.Tx) error {
		if err := tx.AddSubscription(ctx, storage.SubscriptionRecord{
			SubscriberID: "dst", WorkflowType: "counter",
			Sub: workflow.Sub{WorkflowID: "src", EventType: "ev_incremented"},
		}); err != nil {
			return err
		}
		return tx.AddSubscription(ctx, storage.SubscriptionRecord{
			SubscriberID: "watcher", WorkflowType: "counter",
			Sub: workflow.Sub{WorkflowID: workflow.Wildcard, EventType: workflow.Wildcard},
		})
	}))

	c := newSubCache()
	require.NoError(t, c.load(ctx, store, "counter"))
	assert.False(t, c.UsesTags())

	got := c.matches("src", "ev_incremented", nil)
	assert.ElementsMatch(t, []string{"dst", "watcher"}, got)
	assert.Equal(t, []string{"watcher"}, c.matches("other", "ev_started", nil))

	// Later DB writes are invisible; the runner owns coherence.
	require.NoError(t, store.WithinTx(ctx, func(tx storage.Tx) error {
		return tx.AddSubscription(ctx, storage.SubscriptionRecord{
			SubscriberID: "late", WorkflowType: "counter",
			Sub: workflow.Sub{WorkflowID: "src", EventType: workflow.Wildcard},
		})
	}))
	require.NoError(t, c.load(ctx, store, "counter"))
	assert.NotContains(t, c.matches("src", "ev_incremented", nil), "late")
}

func TestSubCacheUpdateAndTagFlag(t *testing.T) {
	c := newSubCache()
	c.update("dst", []workflow.Sub{{WorkflowID: "src", EventType: workflow.Wildcard}})
	assert.False(t, c.UsesTags())

	c.update("dst", []workflow.Sub{{WorkflowID: workflow.Wildcard, EventType: workflow.Wildcard, TagsAny: []string{"priority"}}})
	assert.True(t, c.UsesTags())
	assert.Equal(t, []string{"dst"}, c.matches("src", "ev_x", []string{"priority"}))
	assert.Empty(t, c.matches("src", "ev_x", nil))

	// Replacing the tagged rule clears the flag.
	c.update("dst", []workflow.Sub{{WorkflowID: "src", EventType: workflow.Wildcard}})
	assert.False(t, c.UsesTags())

	c.update("dst", nil)
	assert.Empty(t, c.matches("src", "ev_x", nil))

	c.update("gone", []workflow.Sub{{WorkflowID: "src", EventType: workflow.Wildcard}})
	c.remove("gone")
	assert.Empty(t, c.matches("src", "ev_x", nil))
}
