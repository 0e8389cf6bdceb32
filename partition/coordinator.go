package partition

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oxbowhq/oxbow/storage"
)

// Coordinator drives the partition rebalancing protocol for one workflow
// type. It is run from the admin surface, not as a resident service; runners
// cooperate by polling the scaling operation table and stopping their readers
// at the target offset.
type Coordinator struct {
	store        storage.Store
	workflowType string
	pollInterval time.Duration
	logger       *slog.Logger
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithPollInterval sets how often offsets are polled while synchronizing.
func WithPollInterval(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) { c.pollInterval = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) CoordinatorOption {
	return func(c *Coordinator) { c.logger = l }
}

// NewCoordinator builds a coordinator.
func NewCoordinator(store storage.Store, workflowType string, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		store:        store,
		workflowType: workflowType,
		pollInterval: time.Second,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "scaling_coordinator", "workflow_type", workflowType)
	return c
}

// Rebalance moves the workflow type from oldTotal to newTotal partitions:
// it freezes a target offset, waits for every old partition to reach it, then
// seeds the new partition offsets at the target. No event is skipped and, as
// long as the old runners stop at the target, none is processed twice.
func (c *Coordinator) Rebalance(ctx context.Context, oldTotal, newTotal int) error {
	if oldTotal < 1 || newTotal < 1 {
		return fmt.Errorf("partition totals must be at least 1, got %d -> %d", oldTotal, newTotal)
	}
	if existing, err := c.store.GetScalingOperation(ctx, c.workflowType); err == nil && existing != nil &&
		existing.Status != storage.ScalingCompleted && existing.Status != storage.ScalingFailed {
		return fmt.Errorf("a scaling operation for %q is already in progress", c.workflowType)
	} else if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("checking for an existing operation: %w", err)
	}

	oldNames := ReaderNames(c.workflowType, oldTotal)
	target, err := c.maxOffset(ctx, oldNames)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	if err := c.store.UpsertScalingOperation(ctx, storage.ScalingRecord{
		WorkflowType: c.workflowType,
		TargetSeq:    target,
		Status:       storage.ScalingPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}); err != nil {
		return fmt.Errorf("creating scaling operation: %w", err)
	}
	c.logger.Info("scaling operation created", "target_seq", target,
		"old_partitions", oldTotal, "new_partitions", newTotal)

	if target > 0 {
		if err := c.store.UpdateScalingStatus(ctx, c.workflowType, storage.ScalingSynchronizing); err != nil {
			return fmt.Errorf("marking operation synchronizing: %w", err)
		}
		if err := c.waitForSync(ctx, oldNames, target); err != nil {
			if ferr := c.store.UpdateScalingStatus(ctx, c.workflowType, storage.ScalingFailed); ferr != nil {
				c.logger.Error("marking operation failed", "error", ferr)
			}
			return err
		}
	}

	// Old partitions are parked at the target; hand their position to the
	// new layout.
	for _, name := range ReaderNames(c.workflowType, newTotal) {
		if err := c.store.SetOffset(ctx, name, target); err != nil {
			return fmt.Errorf("seeding offset for %q: %w", name, err)
		}
	}
	if oldTotal != newTotal {
		newNames := make(map[string]bool)
		for _, name := range ReaderNames(c.workflowType, newTotal) {
			newNames[name] = true
		}
		for _, name := range oldNames {
			if newNames[name] {
				continue
			}
			if err := c.store.DeleteOffset(ctx, name); err != nil {
				return fmt.Errorf("removing retired offset %q: %w", name, err)
			}
		}
	}

	if err := c.store.UpdateScalingStatus(ctx, c.workflowType, storage.ScalingCompleted); err != nil {
		return fmt.Errorf("marking operation completed: %w", err)
	}
	if err := c.store.ClearScalingOperation(ctx, c.workflowType); err != nil {
		return fmt.Errorf("clearing completed operation: %w", err)
	}
	c.logger.Info("rebalance complete", "target_seq", target, "partitions", newTotal)
	return nil
}

// maxOffset is the freeze point: the furthest position any old partition has
// committed.
func (c *Coordinator) maxOffset(ctx context.Context, names []string) (int64, error) {
	var target int64
	for _, name := range names {
		offset, err := c.store.GetOffset(ctx, name)
		if err != nil {
			return 0, fmt.Errorf("reading offset for %q: %w", name, err)
		}
		if offset > target {
			target = offset
		}
	}
	return target, nil
}

// waitForSync polls until every old partition's offset reaches the target.
func (c *Coordinator) waitForSync(ctx context.Context, names []string, target int64) error {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		synced := true
		for _, name := range names {
			offset, err := c.store.GetOffset(ctx, name)
			if err != nil {
				return fmt.Errorf("polling offset for %q: %w", name, err)
			}
			if offset < target {
				synced = false
				break
			}
		}
		if synced {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for partitions to reach %d: %w", target, ctx.Err())
		case <-ticker.C:
		}
	}
}
