// Package storage defines the persistence contract for the runtime and its
// two backends: Postgres (pgx) and an in-memory store used in tests.
package storage

import (
	"time"

	"github.com/oxbowhq/oxbow/workflow"
)

// EventRecord is one row of the append-only event log.
type EventRecord struct {
	GlobalSeq     int64
	WorkflowID    string
	Version       int64
	WorkflowType  string
	EventType     string
	SchemaVersion int
	Body          []byte
	At            time.Time
	Metadata      map[string]any
	Published     bool
}

// SnapshotRecord is the single durable state checkpoint of an instance.
type SnapshotRecord struct {
	WorkflowID   string
	WorkflowType string
	Version      int64
	State        []byte
	CreatedAt    time.Time
}

// SubscriptionRecord is one routing rule row, keyed by subscriber plus the
// (source, event type) pair.
type SubscriptionRecord struct {
	SubscriberID string
	WorkflowType string
	Sub          workflow.Sub
}

// ExternalSubscriptionRecord routes a broker topic to an instance.
type ExternalSubscriptionRecord struct {
	WorkflowID string
	Topic      string
}

// ActivityStatus values form the transition graph
// pending -> running -> {completed, failed, retrying}, retrying -> running.
// completed and failed are terminal short of an admin reset; cancelled is
// reachable from any non-terminal status.
type ActivityStatus string

const (
	ActivityPending   ActivityStatus = "pending"
	ActivityRunning   ActivityStatus = "running"
	ActivityCompleted ActivityStatus = "completed"
	ActivityFailed    ActivityStatus = "failed"
	ActivityRetrying  ActivityStatus = "retrying"
	ActivityCancelled ActivityStatus = "cancelled"
)

// ActivityRecord is the durable execution record of one side effect, keyed by
// (workflow_id, event_number).
type ActivityRecord struct {
	WorkflowID   string
	EventNumber  int64
	WorkflowType string
	Status       ActivityStatus
	RetryCount   int
	RetryPolicy  workflow.RetryPolicy
	Checkpoint   map[string]any
	Started      *time.Time
	LastAttempt  *time.Time
	Finished     *time.Time
	NextRetryAt  *time.Time
	RunnerID     string
	ErrorKind    string
	ErrorMessage string
	Result       *workflow.RawCommand
}

// DelayRecord is one pending timer, keyed by (workflow_id, delay_id).
// Version is the instance version at which the delay was emitted. Cron is
// empty for one-shot delays.
type DelayRecord struct {
	WorkflowID   string
	DelayID      string
	WorkflowType string
	FireAt       time.Time
	Version      int64
	NextCommand  workflow.RawCommand
	Cron         string
	Timezone     string
}

// OffsetRecord tracks a named reader's committed position in the log.
type OffsetRecord struct {
	ReaderName string
	Offset     int64
	UpdatedAt  time.Time
}

// ScalingStatus values for a partition rebalancing operation.
type ScalingStatus string

const (
	ScalingPending       ScalingStatus = "pending"
	ScalingSynchronizing ScalingStatus = "synchronizing"
	ScalingCompleted     ScalingStatus = "completed"
	ScalingFailed        ScalingStatus = "failed"
)

// ScalingRecord is the singleton-active rebalancing operation for a workflow
// type. Readers compare TargetSeq against their position and stop there.
type ScalingRecord struct {
	WorkflowType string
	TargetSeq    int64
	Status       ScalingStatus
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// MetadataRecord holds per-instance tags, set at creation.
type MetadataRecord struct {
	WorkflowID   string
	WorkflowType string
	Tags         []string
	CreatedAt    time.Time
}

// EventQuery selects a batch of log rows for tailing readers.
type EventQuery struct {
	AfterSeq     int64
	Limit        int
	WorkflowType string
	// EventTypes restricts the result to an allowlist; empty means all.
	EventTypes []string
	// WithMetadata controls whether the metadata column is fetched. Runners
	// whose subscriptions never filter on tags skip it.
	WithMetadata bool
}
