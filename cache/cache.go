// Package cache holds the ephemeral workflow state cache. Entries are pure
// derived data: every backend may evict freely, and the command processor
// falls back to log replay whenever an entry is missing or stale.
package cache

import "context"

// Entry is a cached reconstructed state at a known version. State is the
// JSON-encoded state blob.
type Entry struct {
	Version int64  `json:"version"`
	State   []byte `json:"state"`
}

// Cache is the ephemeral state cache contract.
type Cache interface {
	Get(ctx context.Context, workflowID string) (Entry, bool, error)
	Set(ctx context.Context, workflowID string, entry Entry) error
	Delete(ctx context.Context, workflowID string) error
}

// Null is a Cache that stores nothing.
type Null struct{}

func (Null) Get(context.Context, string) (Entry, bool, error) { return Entry{}, false, nil }
func (Null) Set(context.Context, string, Entry) error         { return nil }
func (Null) Delete(context.Context, string) error             { return nil }
