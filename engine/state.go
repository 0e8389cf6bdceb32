package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/oxbowhq/oxbow/cache"
	"github.com/oxbowhq/oxbow/storage"
	"github.com/oxbowhq/oxbow/workflow"
)

// loaded is the outcome of state reconstruction inside a transaction.
type loaded struct {
	state   workflow.State
	version int64
	// completed is set when the instance's last event is final and the
	// lifecycle is not cancelled; cancelled instances keep their state for
	// lifecycle guards.
	completed bool
}

func (e *Engine) decodeState(raw []byte) (workflow.State, error) {
	st := e.def.NewState()
	if err := json.Unmarshal(raw, st); err != nil {
		return nil, fmt.Errorf("decoding state: %w", err)
	}
	return st, nil
}

func (e *Engine) encodeState(st workflow.State) ([]byte, error) {
	raw, err := json.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("encoding state: %w", err)
	}
	return raw, nil
}

func (e *Engine) decodeEvent(rec storage.EventRecord) (workflow.Event, error) {
	return e.registry.EventDecoder(e.def, rec.EventType, rec.SchemaVersion)(rec.Body)
}

// loadTx reconstructs state at atVersion (0 means latest) inside tx. The
// ephemeral cache is only consulted for unbounded loads, and a cached entry
// is trusted only when its version matches the log's last version.
func (e *Engine) loadTx(ctx context.Context, tx storage.Tx, workflowID string, atVersion int64) (loaded, error) {
	last, err := tx.LastVersion(ctx, workflowID)
	if err != nil {
		return loaded{}, err
	}

	if atVersion == 0 && last > 0 {
		if entry, ok, err := e.cache.Get(ctx, workflowID); err == nil && ok && entry.Version == last {
			st, err := e.decodeState(entry.State)
			if err == nil {
				return loaded{state: st, version: last}, nil
			}
			e.logger.Warn("discarding undecodable cache entry", "workflow_id", workflowID, "error", err)
		}
	}

	var (
		state workflow.State
		from  int64
	)
	snap, err := tx.GetSnapshot(ctx, workflowID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return loaded{}, err
	}
	if snap != nil && (atVersion == 0 || snap.Version <= atVersion) {
		st, err := e.decodeState(snap.State)
		if err != nil {
			return loaded{}, fmt.Errorf("snapshot of %q at v%d: %w", workflowID, snap.Version, err)
		}
		state = st
		from = snap.Version
	}

	records, err := tx.EventsAfter(ctx, workflowID, from, atVersion)
	if err != nil {
		return loaded{}, err
	}

	version := from
	var lastEvt workflow.Event
	for _, rec := range records {
		evt, err := e.decodeEvent(rec)
		if err != nil {
			return loaded{}, fmt.Errorf("event %q v%d: %w", workflowID, rec.Version, err)
		}
		state = workflow.Apply(e.def, state, evt)
		version = rec.Version
		lastEvt = evt
	}

	result := loaded{state: state, version: version}
	if atVersion == 0 && lastEvt != nil && e.def.IsFinalEvent(lastEvt) {
		if state == nil || state.Base().EffectiveLifecycle() != workflow.LifecycleCancelled {
			result.completed = true
		}
	}
	return result, nil
}

// LoadState reconstructs the instance's state, optionally bounded at
// atVersion (0 means latest). It returns nil when the instance has no events
// or its last event is a non-cancelled final event.
func (e *Engine) LoadState(ctx context.Context, workflowID string, atVersion int64) (*workflow.StoredState, error) {
	var result *workflow.StoredState
	err := e.store.WithinTx(ctx, func(tx storage.Tx) error {
		l, err := e.loadTx(ctx, tx, workflowID, atVersion)
		if err != nil {
			return err
		}
		if l.version == 0 || (atVersion == 0 && l.completed) {
			return nil
		}
		result = &workflow.StoredState{ID: workflowID, Version: l.version, State: l.state}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load_state %q: %w", workflowID, err)
	}
	return result, nil
}

// Replay folds the instance's raw log from fromVersion onward onto a fresh
// state, bypassing snapshots and the cache. It is a debugging aid; the
// result only matches LoadState when fromVersion is 1 and no truncation has
// happened.
func (e *Engine) Replay(ctx context.Context, workflowID string, fromVersion int64) (*workflow.StoredState, error) {
	if fromVersion < 1 {
		fromVersion = 1
	}
	var result *workflow.StoredState
	err := e.store.WithinTx(ctx, func(tx storage.Tx) error {
		records, err := tx.EventsAfter(ctx, workflowID, fromVersion-1, 0)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			return nil
		}
		var state workflow.State
		var version int64
		for _, rec := range records {
			evt, err := e.decodeEvent(rec)
			if err != nil {
				return fmt.Errorf("event v%d: %w", rec.Version, err)
			}
			state = workflow.Apply(e.def, state, evt)
			version = rec.Version
		}
		result = &workflow.StoredState{ID: workflowID, Version: version, State: state}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("replay %q: %w", workflowID, err)
	}
	return result, nil
}

// refreshCache updates the ephemeral cache after a committed transaction.
// Final states are evicted instead of stored.
func (e *Engine) refreshCache(ctx context.Context, workflowID string, state workflow.State, version int64, final bool) {
	if final {
		if err := e.cache.Delete(ctx, workflowID); err != nil {
			e.logger.Warn("evicting cache entry", "workflow_id", workflowID, "error", err)
		}
		return
	}
	raw, err := e.encodeState(state)
	if err != nil {
		e.logger.Warn("skipping cache refresh", "workflow_id", workflowID, "error", err)
		return
	}
	if err := e.cache.Set(ctx, workflowID, cache.Entry{Version: version, State: raw}); err != nil {
		e.logger.Warn("writing cache entry", "workflow_id", workflowID, "error", err)
	}
}
