package engine

import (
	"context"
	"fmt"

	"github.com/oxbowhq/oxbow/storage"
	"github.com/oxbowhq/oxbow/workflow"
)

// Pause suspends command processing for the instance. Commands submitted
// while paused are rejected until Resume.
func (e *Engine) Pause(ctx context.Context, workflowID, reason string) (*workflow.StoredState, error) {
	return e.lifecycleOp(ctx, workflowID, func(cur workflow.State) ([]workflow.Event, error) {
		switch cur.Base().EffectiveLifecycle() {
		case workflow.LifecyclePaused:
			return nil, workflow.RejectCode(workflow.CodePaused, "workflow %q is already paused", workflowID)
		case workflow.LifecycleCancelled:
			return nil, workflow.RejectCode(workflow.CodeCancelled, "workflow %q is cancelled", workflowID)
		}
		return []workflow.Event{&workflow.SystemPause{Reason: reason}}, nil
	})
}

// Resume lifts a pause.
func (e *Engine) Resume(ctx context.Context, workflowID, reason string) (*workflow.StoredState, error) {
	return e.lifecycleOp(ctx, workflowID, func(cur workflow.State) ([]workflow.Event, error) {
		switch cur.Base().EffectiveLifecycle() {
		case workflow.LifecycleCancelled:
			return nil, workflow.RejectCode(workflow.CodeCancelled, "workflow %q is cancelled", workflowID)
		case workflow.LifecyclePaused:
			return []workflow.Event{&workflow.SystemResume{Reason: reason}}, nil
		}
		return nil, workflow.Reject("workflow %q is not paused", workflowID)
	})
}

// Cancel terminates the instance for commands, deletes its pending delays
// and asks the action executor to cancel its in-flight actions.
func (e *Engine) Cancel(ctx context.Context, workflowID, reason string) (*workflow.StoredState, error) {
	return e.lifecycleOp(ctx, workflowID, func(cur workflow.State) ([]workflow.Event, error) {
		if cur.Base().EffectiveLifecycle() == workflow.LifecycleCancelled {
			return nil, workflow.RejectCode(workflow.CodeCancelled, "workflow %q is already cancelled", workflowID)
		}
		return []workflow.Event{&workflow.SystemCancel{Reason: reason}}, nil
	})
}

func (e *Engine) lifecycleOp(ctx context.Context, workflowID string, decide func(cur workflow.State) ([]workflow.Event, error)) (*workflow.StoredState, error) {
	res, err := e.run(ctx, workflowID, runOpts{
		lifecycle: true,
		decide: func(cur workflow.State) ([]workflow.Event, error) {
			if cur == nil {
				return nil, workflow.Reject("workflow %q does not exist", workflowID)
			}
			return decide(cur)
		},
	})
	if err != nil {
		return nil, err
	}
	return &workflow.StoredState{ID: workflowID, Version: res.version, State: res.state}, nil
}

// ContinueAsNew resets the instance's event history while preserving its
// state: a snapshot of the current state is pinned at version 1, the log is
// deleted, and a single marker event is inserted at version 1. When newCmd
// is non-nil it is then processed as the first command of the new history.
func (e *Engine) ContinueAsNew(ctx context.Context, workflowID string, newCmd workflow.Command, newType string) (*workflow.StoredState, error) {
	var result *workflow.StoredState
	err := e.store.WithinTx(ctx, func(tx storage.Tx) error {
		if err := tx.LockInstance(ctx, workflowID); err != nil {
			return err
		}
		cur, err := e.loadTx(ctx, tx, workflowID, 0)
		if err != nil {
			return err
		}
		if cur.version == 0 {
			return workflow.Reject("workflow %q does not exist", workflowID)
		}

		raw, err := e.encodeState(cur.state)
		if err != nil {
			return err
		}
		if err := tx.UpsertSnapshot(ctx, storage.SnapshotRecord{
			WorkflowID:   workflowID,
			WorkflowType: e.def.Name(),
			Version:      1,
			State:        raw,
		}); err != nil {
			return err
		}
		if err := tx.DeleteInstanceEvents(ctx, workflowID); err != nil {
			return err
		}

		marker := &workflow.ContinueAsNew{PreviousVersion: cur.version, NewType: newType, At: e.now()}
		records, err := e.buildRecords(workflowID, []workflow.Event{marker}, 0, nil)
		if err != nil {
			return err
		}
		if err := tx.InsertEvents(ctx, records); err != nil {
			return err
		}

		result = &workflow.StoredState{ID: workflowID, Version: 1, State: cur.state}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("continue_as_new %q: %w", workflowID, err)
	}
	e.refreshCache(ctx, workflowID, result.State, 1, false)

	if newCmd != nil {
		stored, _, err := e.ProcessCommand(ctx, workflowID, newCmd)
		if err != nil {
			return result, err
		}
		return stored, nil
	}
	return result, nil
}

// UpsertSearchAttributes merges attrs into the instance's search attribute
// document.
func (e *Engine) UpsertSearchAttributes(ctx context.Context, workflowID string, attrs map[string]any) error {
	return e.store.WithinTx(ctx, func(tx storage.Tx) error {
		return tx.UpsertSearchAttributes(ctx, workflowID, attrs)
	})
}

// QueryBySearchAttributes returns the ids whose search attribute documents
// contain all the given key/value pairs.
func (e *Engine) QueryBySearchAttributes(ctx context.Context, contains map[string]any) ([]string, error) {
	return e.store.QueryBySearchAttributes(ctx, contains)
}
