package workflow

import (
	"context"
	"maps"
	"time"
)

// ActionContext is handed to Adapter.ActOn. It exposes the durable activity
// row: the checkpoint map survives crashes and retries, commands submitted
// through it are recorded as the activity's result, and SetTimeout bounds the
// remainder of the attempt.
type ActionContext struct {
	WorkflowID  string
	EventNumber int64
	RetryCount  int
	Policy      RetryPolicy

	checkpoint map[string]any
	staged     map[string]any

	submit       func(ctx context.Context, cmd Command) error
	persist      func(ctx context.Context, checkpoint map[string]any) error
	pushDeadline func(d time.Duration)
}

// NewActionContext is used by the action executor; adapters receive contexts,
// they never build them.
func NewActionContext(
	workflowID string,
	eventNumber int64,
	retryCount int,
	policy RetryPolicy,
	checkpoint map[string]any,
	submit func(ctx context.Context, cmd Command) error,
	persist func(ctx context.Context, checkpoint map[string]any) error,
	pushDeadline func(d time.Duration),
) *ActionContext {
	if checkpoint == nil {
		checkpoint = make(map[string]any)
	}
	return &ActionContext{
		WorkflowID:   workflowID,
		EventNumber:  eventNumber,
		RetryCount:   retryCount,
		Policy:       policy,
		checkpoint:   checkpoint,
		submit:       submit,
		persist:      persist,
		pushDeadline: pushDeadline,
	}
}

// Checkpoint returns the merged view of the durable checkpoint plus any
// staged keys from this attempt.
func (a *ActionContext) Checkpoint() map[string]any {
	merged := make(map[string]any, len(a.checkpoint)+len(a.staged))
	maps.Copy(merged, a.checkpoint)
	maps.Copy(merged, a.staged)
	return merged
}

// SaveCheckpoint merges data into the checkpoint. With saveNow the merged
// checkpoint is persisted immediately; otherwise it is staged and written by
// the executor at the next persistence point (completion or retry).
func (a *ActionContext) SaveCheckpoint(ctx context.Context, data map[string]any, saveNow bool) error {
	if a.staged == nil {
		a.staged = make(map[string]any, len(data))
	}
	maps.Copy(a.staged, data)
	if !saveNow {
		return nil
	}
	merged := a.Checkpoint()
	if err := a.persist(ctx, merged); err != nil {
		return err
	}
	a.checkpoint = merged
	a.staged = nil
	return nil
}

// Submit routes a command produced by the side effect back into the command
// processor. The command is recorded on the activity row before the activity
// is marked completed, so a crash after submission replays into a duplicate
// command rather than a lost one.
func (a *ActionContext) Submit(ctx context.Context, cmd Command) error {
	return a.submit(ctx, cmd)
}

// SetTimeout bounds the remainder of this attempt. When it expires the
// context passed to ActOn is cancelled and the attempt is classified as a
// timeout for retry accounting.
func (a *ActionContext) SetTimeout(d time.Duration) {
	if a.pushDeadline != nil {
		a.pushDeadline(d)
	}
}
