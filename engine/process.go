package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oxbowhq/oxbow/storage"
	"github.com/oxbowhq/oxbow/workflow"
)

type txResult struct {
	state   workflow.State
	version int64
	events  []workflow.Event
	final   bool
}

type runOpts struct {
	create bool
	tags   []string
	// lifecycle operations bypass the paused/cancelled guard.
	lifecycle bool
	decide    func(cur workflow.State) ([]workflow.Event, error)
}

// CreateNew creates an instance by running decide against a nil state. An
// existing id yields an AlreadyExists rejection, never partial data.
func (e *Engine) CreateNew(ctx context.Context, workflowID string, cmd workflow.Command, tags []string) (*workflow.StoredState, error) {
	res, err := e.run(ctx, workflowID, runOpts{
		create: true,
		tags:   tags,
		decide: func(cur workflow.State) ([]workflow.Event, error) {
			return e.def.Decide(cur, cmd)
		},
	})
	if err != nil {
		if errors.Is(err, storage.ErrVersionConflict) {
			return nil, workflow.RejectCode(workflow.CodeAlreadyExists, "workflow %q already exists", workflowID)
		}
		return nil, err
	}
	return &workflow.StoredState{ID: workflowID, Version: res.version, State: res.state}, nil
}

// ProcessCommand runs one command through decide/evolve and appends the
// resulting events atomically. Rejections come back as *workflow.Rejection
// errors; optimistic insert collisions retry transparently.
func (e *Engine) ProcessCommand(ctx context.Context, workflowID string, cmd workflow.Command) (*workflow.StoredState, []workflow.Event, error) {
	res, err := e.run(ctx, workflowID, runOpts{
		decide: func(cur workflow.State) ([]workflow.Event, error) {
			return e.def.Decide(cur, cmd)
		},
	})
	if err != nil {
		return nil, nil, err
	}
	return &workflow.StoredState{ID: workflowID, Version: res.version, State: res.state}, res.events, nil
}

// AppendEvents appends runtime-produced events (delay completions, external
// continuations) directly, without consulting decide. Lifecycle guards are
// bypassed; the events land at the next contiguous versions.
func (e *Engine) AppendEvents(ctx context.Context, workflowID string, events []workflow.Event) (*workflow.StoredState, error) {
	res, err := e.run(ctx, workflowID, runOpts{
		lifecycle: true,
		decide: func(workflow.State) ([]workflow.Event, error) {
			return events, nil
		},
	})
	if err != nil {
		return nil, err
	}
	return &workflow.StoredState{ID: workflowID, Version: res.version, State: res.state}, nil
}

func (e *Engine) run(ctx context.Context, workflowID string, opts runOpts) (txResult, error) {
	started := e.now()
	var res txResult
	for attempt := 0; ; attempt++ {
		err := e.store.WithinTx(ctx, func(tx storage.Tx) error {
			r, err := e.runTx(ctx, tx, workflowID, opts)
			if err != nil {
				return err
			}
			res = r
			return nil
		})
		switch {
		case err == nil:
			e.refreshCache(ctx, workflowID, res.state, res.version, res.final)
			e.metrics.CommandProcessed(e.def.Name(), "ok", e.now().Sub(started))
			return res, nil
		case errors.Is(err, storage.ErrVersionConflict) && !opts.create && attempt < e.txRetries:
			e.logger.Debug("retrying after version conflict", "workflow_id", workflowID, "attempt", attempt+1)
			e.metrics.CommandProcessed(e.def.Name(), "conflict_retry", e.now().Sub(started))
			continue
		case workflow.IsRejection(err):
			e.metrics.CommandProcessed(e.def.Name(), "rejected", e.now().Sub(started))
			return txResult{}, err
		default:
			e.metrics.CommandProcessed(e.def.Name(), "error", e.now().Sub(started))
			return txResult{}, err
		}
	}
}

func (e *Engine) runTx(ctx context.Context, tx storage.Tx, workflowID string, opts runOpts) (txResult, error) {
	if err := tx.LockInstance(ctx, workflowID); err != nil {
		return txResult{}, err
	}

	cur, err := e.loadTx(ctx, tx, workflowID, 0)
	if err != nil {
		return txResult{}, err
	}
	if opts.create && cur.version > 0 {
		return txResult{}, workflow.RejectCode(workflow.CodeAlreadyExists, "workflow %q already exists", workflowID)
	}
	if !opts.create && !opts.lifecycle && cur.state != nil {
		switch cur.state.Base().EffectiveLifecycle() {
		case workflow.LifecyclePaused:
			return txResult{}, workflow.RejectCode(workflow.CodePaused, "workflow %q is paused", workflowID)
		case workflow.LifecycleCancelled:
			return txResult{}, workflow.RejectCode(workflow.CodeCancelled, "workflow %q is cancelled", workflowID)
		}
	}

	// A completed instance presents a nil state: decide sees it as fresh
	// while new events still append after the final one.
	decideState := cur.state
	if cur.completed {
		decideState = nil
	}

	events, err := opts.decide(decideState)
	if err != nil {
		return txResult{}, err
	}
	if len(events) == 0 {
		return txResult{state: cur.state, version: cur.version}, nil
	}

	newState := decideState
	for _, evt := range events {
		newState = workflow.Apply(e.def, newState, evt)
	}

	if err := e.applySideTables(ctx, tx, workflowID, events, cur.version); err != nil {
		return txResult{}, err
	}

	var workflowTags []string
	if opts.create {
		if err := tx.InsertMetadata(ctx, storage.MetadataRecord{
			WorkflowID:   workflowID,
			WorkflowType: e.def.Name(),
			Tags:         opts.tags,
		}); err != nil {
			return txResult{}, err
		}
		workflowTags = opts.tags
	} else if md, err := tx.GetMetadata(ctx, workflowID); err == nil {
		workflowTags = md.Tags
	} else if !errors.Is(err, storage.ErrNotFound) {
		return txResult{}, err
	}

	if e.syncDB != nil {
		if err := e.syncDB(ctx, tx, workflowID, cur.state, newState, events); err != nil {
			return txResult{}, fmt.Errorf("sync_db hook: %w", err)
		}
	}

	records, err := e.buildRecords(workflowID, events, cur.version, workflowTags)
	if err != nil {
		return txResult{}, err
	}
	if err := tx.InsertEvents(ctx, records); err != nil {
		return txResult{}, err
	}

	newVersion := cur.version + int64(len(events))
	if e.snapshotInterval > 0 && newVersion%e.snapshotInterval == 0 {
		raw, err := e.encodeState(newState)
		if err != nil {
			return txResult{}, err
		}
		if err := tx.UpsertSnapshot(ctx, storage.SnapshotRecord{
			WorkflowID:   workflowID,
			WorkflowType: e.def.Name(),
			Version:      newVersion,
			State:        raw,
		}); err != nil {
			return txResult{}, err
		}
	}

	last := events[len(events)-1]
	final := e.def.IsFinalEvent(last) &&
		(newState == nil || newState.Base().EffectiveLifecycle() != workflow.LifecycleCancelled)

	return txResult{state: newState, version: newVersion, events: events, final: final}, nil
}

func (e *Engine) buildRecords(workflowID string, events []workflow.Event, baseVersion int64, workflowTags []string) ([]storage.EventRecord, error) {
	schemaVersion := 1
	if up, ok := e.def.(workflow.Upcaster); ok {
		schemaVersion = up.SchemaVersion()
	}
	records := make([]storage.EventRecord, 0, len(events))
	for i, evt := range events {
		body, err := e.registry.EncodeEvent(evt)
		if err != nil {
			return nil, err
		}
		meta := map[string]any{}
		if len(workflowTags) > 0 {
			meta[workflow.MetaWorkflowTags] = workflowTags
		}
		if tagged, ok := evt.(workflow.Tagged); ok {
			if tags := tagged.EventTags(); len(tags) > 0 {
				meta[workflow.MetaEventTags] = tags
			}
		}
		records = append(records, storage.EventRecord{
			WorkflowID:    workflowID,
			Version:       baseVersion + int64(i) + 1,
			WorkflowType:  e.def.Name(),
			EventType:     evt.EventType(),
			SchemaVersion: schemaVersion,
			Body:          body,
			At:            e.now(),
			Metadata:      meta,
		})
	}
	return records, nil
}

// applySideTables executes the side-table mutations certain events carry, in
// the same transaction as the event insert.
func (e *Engine) applySideTables(ctx context.Context, tx storage.Tx, workflowID string, events []workflow.Event, baseVersion int64) error {
	for i, evt := range events {
		version := baseVersion + int64(i) + 1
		switch ev := evt.(type) {
		case *workflow.SubscriptionAdded:
			if err := tx.AddSubscription(ctx, storage.SubscriptionRecord{
				SubscriberID: workflowID,
				WorkflowType: e.def.Name(),
				Sub:          ev.Sub,
			}); err != nil {
				return err
			}
		case *workflow.SubscriptionRemoved:
			if err := tx.RemoveSubscription(ctx, workflowID, ev.Sub); err != nil {
				return err
			}
		case *workflow.ExternalSubscriptionAdded:
			if err := tx.AddExternalSubscription(ctx, storage.ExternalSubscriptionRecord{
				WorkflowID: workflowID,
				Topic:      ev.Topic,
			}); err != nil {
				return err
			}
		case *workflow.ExternalSubscriptionRemoved:
			if err := tx.RemoveExternalSubscription(ctx, workflowID, ev.Topic); err != nil {
				return err
			}
		case *workflow.ScheduleAdded:
			fireAt, err := e.nextCronFire(ev.Schedule.Cron, ev.Schedule.Timezone)
			if err != nil {
				// Invalid expressions never schedule; the event still
				// commits so the history records the attempt.
				e.logger.Warn("removing schedule with invalid cron",
					"workflow_id", workflowID, "schedule_id", ev.Schedule.ScheduleID, "error", err)
				if err := tx.DeleteDelay(ctx, workflowID, ev.Schedule.ScheduleID); err != nil {
					return err
				}
				continue
			}
			if err := tx.UpsertDelay(ctx, storage.DelayRecord{
				WorkflowID:   workflowID,
				DelayID:      ev.Schedule.ScheduleID,
				WorkflowType: e.def.Name(),
				FireAt:       fireAt,
				Version:      version,
				NextCommand:  ev.Schedule.Command,
				Cron:         ev.Schedule.Cron,
				Timezone:     ev.Schedule.Timezone,
			}); err != nil {
				return err
			}
		case *workflow.ScheduleRemoved:
			if err := tx.DeleteDelay(ctx, workflowID, ev.ScheduleID); err != nil {
				return err
			}
		case *workflow.CancelSchedule:
			if err := tx.DeleteDelay(ctx, workflowID, ev.DelayID); err != nil {
				return err
			}
		case *workflow.SystemCancel:
			if err := tx.DeleteInstanceDelays(ctx, workflowID); err != nil {
				return err
			}
			if err := tx.CancelActivities(ctx, workflowID, nil); err != nil {
				return err
			}
		case *workflow.ActionCancel:
			if err := tx.CancelActivities(ctx, workflowID, ev.Versions); err != nil {
				return err
			}
		default:
			if delay, ok := evt.(workflow.DelayEvent); ok {
				if err := e.registerDelay(ctx, tx, workflowID, delay, version); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// registerDelay mirrors a user delay event into the delay table within the
// command transaction, so a committed EvDelay always has a live schedule.
func (e *Engine) registerDelay(ctx context.Context, tx storage.Tx, workflowID string, delay workflow.DelayEvent, version int64) error {
	next, err := workflow.EncodeCommand(delay.NextCommand())
	if err != nil {
		return err
	}
	fireAt := delay.DelayUntil()
	if expr := delay.CronExpression(); expr != "" {
		fireAt, err = e.nextCronFire(expr, delay.CronTimezone())
		if err != nil {
			e.logger.Warn("removing delay with invalid cron",
				"workflow_id", workflowID, "delay_id", delay.DelayID(), "error", err)
			return tx.DeleteDelay(ctx, workflowID, delay.DelayID())
		}
	}
	return tx.UpsertDelay(ctx, storage.DelayRecord{
		WorkflowID:   workflowID,
		DelayID:      delay.DelayID(),
		WorkflowType: e.def.Name(),
		FireAt:       fireAt,
		Version:      version,
		NextCommand:  next,
		Cron:         delay.CronExpression(),
		Timezone:     delay.CronTimezone(),
	})
}

// nextCronFire computes the next firing of expr after now, in the given IANA
// timezone (empty means UTC).
func (e *Engine) nextCronFire(expr, timezone string) (time.Time, error) {
	sched, err := e.cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing cron %q: %w", expr, err)
	}
	loc := time.UTC
	if timezone != "" {
		loc, err = time.LoadLocation(timezone)
		if err != nil {
			return time.Time{}, fmt.Errorf("loading timezone %q: %w", timezone, err)
		}
	}
	return sched.Next(e.now().In(loc)).UTC(), nil
}
