package runner

import (
	"context"
	"fmt"
	"sync"

	"github.com/oxbowhq/oxbow/storage"
	"github.com/oxbowhq/oxbow/workflow"
)

// subCache is the runner-owned in-memory copy of its workflow type's
// subscription rules. After the initial load the database is never consulted
// again; the runner itself keeps entries coherent from command results.
type subCache struct {
	mu       sync.RWMutex
	loaded   bool
	subs     map[string][]workflow.Sub
	usesTags bool
}

func newSubCache() *subCache {
	return &subCache{subs: make(map[string][]workflow.Sub)}
}

// load populates the cache once from storage.
func (c *subCache) load(ctx context.Context, store storage.Store, workflowType string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loaded {
		return nil
	}
	records, err := store.LoadSubscriptions(ctx, workflowType)
	if err != nil {
		return fmt.Errorf("loading subscriptions for %q: %w", workflowType, err)
	}
	for _, rec := range records {
		c.subs[rec.SubscriberID] = append(c.subs[rec.SubscriberID], rec.Sub)
	}
	c.loaded = true
	c.recomputeTags()
	return nil
}

// update replaces a subscriber's rules with the set declared by its current
// state. Called after every successful command on that subscriber.
func (c *subCache) update(subscriberID string, subs []workflow.Sub) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(subs) == 0 {
		delete(c.subs, subscriberID)
	} else {
		c.subs[subscriberID] = append([]workflow.Sub(nil), subs...)
	}
	c.recomputeTags()
}

// remove drops a subscriber entirely (completion, cancellation).
func (c *subCache) remove(subscriberID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subs, subscriberID)
	c.recomputeTags()
}

// matches returns the subscribers whose rules accept the event.
func (c *subCache) matches(sourceID, eventType string, tags []string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []string
	for id, subs := range c.subs {
		for _, sub := range subs {
			if sub.Matches(sourceID, eventType, tags) {
				out = append(out, id)
				break
			}
		}
	}
	return out
}

// UsesTags reports whether any cached rule filters on tags. While false, the
// reader can skip fetching event metadata.
func (c *subCache) UsesTags() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.usesTags
}

func (c *subCache) recomputeTags() {
	for _, subs := range c.subs {
		for _, sub := range subs {
			if sub.UsesTags() {
				c.usesTags = true
				return
			}
		}
	}
	c.usesTags = false
}
