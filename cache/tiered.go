package cache

import "context"

// Tiered combines a fast local cache with a shared one. Reads hit the local
// tier first and backfill it from the shared tier; writes and deletes go to
// both. The local tier answers with whatever it holds, so a process can see
// an entry slightly older than the shared tier's; version checks against the
// log make that harmless.
type Tiered struct {
	local  Cache
	shared Cache
}

// NewTiered composes the two tiers.
func NewTiered(local, shared Cache) *Tiered {
	return &Tiered{local: local, shared: shared}
}

func (t *Tiered) Get(ctx context.Context, workflowID string) (Entry, bool, error) {
	if entry, ok, err := t.local.Get(ctx, workflowID); err == nil && ok {
		return entry, true, nil
	}
	entry, ok, err := t.shared.Get(ctx, workflowID)
	if err != nil || !ok {
		return Entry{}, false, err
	}
	_ = t.local.Set(ctx, workflowID, entry)
	return entry, true, nil
}

func (t *Tiered) Set(ctx context.Context, workflowID string, entry Entry) error {
	if err := t.local.Set(ctx, workflowID, entry); err != nil {
		return err
	}
	return t.shared.Set(ctx, workflowID, entry)
}

func (t *Tiered) Delete(ctx context.Context, workflowID string) error {
	if err := t.local.Delete(ctx, workflowID); err != nil {
		return err
	}
	return t.shared.Delete(ctx, workflowID)
}
