package storage

import (
	"context"
	"errors"
	"time"

	"github.com/oxbowhq/oxbow/workflow"
)

// Sentinel errors shared by both backends.
var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("storage: not found")
	// ErrVersionConflict is returned by InsertEvents when the
	// (workflow_id, version) unique constraint is violated. The command
	// processor retries the whole transaction on it.
	ErrVersionConflict = errors.New("storage: version conflict")
)

// Tx is the transactional surface used by the command processor. All calls
// within one WithinTx invocation see and produce a single atomic commit.
type Tx interface {
	// LockInstance acquires the per-instance row lock (on the version=1
	// row). A missing instance is not an error; the lock is then a no-op.
	LockInstance(ctx context.Context, workflowID string) error

	GetSnapshot(ctx context.Context, workflowID string) (*SnapshotRecord, error)
	UpsertSnapshot(ctx context.Context, snap SnapshotRecord) error

	// EventsAfter returns the instance's events with version > afterVersion,
	// ascending. upTo bounds the versions when > 0.
	EventsAfter(ctx context.Context, workflowID string, afterVersion, upTo int64) ([]EventRecord, error)
	LastVersion(ctx context.Context, workflowID string) (int64, error)

	// InsertEvents appends rows; versions must be contiguous. Returns
	// ErrVersionConflict when a (workflow_id, version) pair already exists.
	InsertEvents(ctx context.Context, events []EventRecord) error
	DeleteInstanceEvents(ctx context.Context, workflowID string) error

	AddSubscription(ctx context.Context, rec SubscriptionRecord) error
	RemoveSubscription(ctx context.Context, subscriberID string, sub workflow.Sub) error
	AddExternalSubscription(ctx context.Context, rec ExternalSubscriptionRecord) error
	RemoveExternalSubscription(ctx context.Context, workflowID, topic string) error

	UpsertDelay(ctx context.Context, rec DelayRecord) error
	DeleteDelay(ctx context.Context, workflowID, delayID string) error
	DeleteInstanceDelays(ctx context.Context, workflowID string) error

	// CancelActivities marks the given in-flight activity rows cancelled.
	// An empty versions slice cancels all non-terminal rows of the instance.
	CancelActivities(ctx context.Context, workflowID string, versions []int64) error

	InsertMetadata(ctx context.Context, rec MetadataRecord) error
	GetMetadata(ctx context.Context, workflowID string) (*MetadataRecord, error)

	UpsertSearchAttributes(ctx context.Context, workflowID string, attrs map[string]any) error
}

// Store is the persistence contract. Postgres is the production backend; the
// in-memory store backs tests.
type Store interface {
	// WithinTx runs fn inside one transaction, committing when fn returns
	// nil and rolling back otherwise.
	WithinTx(ctx context.Context, fn func(tx Tx) error) error

	// Reader surface.
	ReadEvents(ctx context.Context, q EventQuery) ([]EventRecord, error)
	MaxGlobalSeq(ctx context.Context) (int64, error)

	// Offsets.
	GetOffset(ctx context.Context, readerName string) (int64, error)
	SetOffset(ctx context.Context, readerName string, offset int64) error
	ListOffsets(ctx context.Context, prefix string) ([]OffsetRecord, error)
	DeleteOffset(ctx context.Context, readerName string) error

	// Routing.
	LoadSubscriptions(ctx context.Context, workflowType string) ([]SubscriptionRecord, error)
	TopicSubscribers(ctx context.Context, topic string) ([]string, error)
	ListInstanceIDs(ctx context.Context, workflowType string) ([]string, error)
	ListInstanceIDsByTag(ctx context.Context, workflowType, tag string) ([]string, error)

	// Activities.
	GetActivity(ctx context.Context, workflowID string, eventNumber int64) (*ActivityRecord, error)
	// InsertActivity creates the pending row; an existing row is left
	// untouched and reported via the inserted flag.
	InsertActivity(ctx context.Context, rec ActivityRecord) (inserted bool, err error)
	// ClaimActivity transitions pending or retrying to running for
	// runnerID. Returns false when another runner holds the row or it is
	// already terminal.
	ClaimActivity(ctx context.Context, workflowID string, eventNumber int64, runnerID string, at time.Time) (bool, error)
	SaveActivityCheckpoint(ctx context.Context, workflowID string, eventNumber int64, checkpoint map[string]any) error
	CompleteActivity(ctx context.Context, workflowID string, eventNumber int64, result *workflow.RawCommand, at time.Time) error
	FailActivity(ctx context.Context, workflowID string, eventNumber int64, status ActivityStatus, errorKind, errorMessage string, nextRetryAt *time.Time, at time.Time) error
	ResetActivity(ctx context.Context, workflowID string, eventNumber int64) error
	ListDueRetries(ctx context.Context, workflowType string, now time.Time, limit int) ([]ActivityRecord, error)
	// ListStaleActivities returns running rows whose last attempt is older
	// than cutoff, for crash recovery.
	ListStaleActivities(ctx context.Context, workflowType string, cutoff time.Time, limit int) ([]ActivityRecord, error)

	// Delays.
	DueDelays(ctx context.Context, now time.Time, limit int) ([]DelayRecord, error)
	UpsertDelay(ctx context.Context, rec DelayRecord) error
	DeleteDelay(ctx context.Context, workflowID, delayID string) error

	// Outbox.
	UnpublishedEvents(ctx context.Context, workflowType string, limit int) ([]EventRecord, error)
	MarkPublished(ctx context.Context, globalSeqs []int64) error
	MarkUnpublished(ctx context.Context, workflowID string, fromVersion, toVersion int64) (int64, error)

	// AcquireAdvisoryLock tries a session-scoped lock on key. When acquired
	// it returns a release function and true.
	AcquireAdvisoryLock(ctx context.Context, key int64) (release func(), acquired bool, err error)

	// Scaling operations.
	GetScalingOperation(ctx context.Context, workflowType string) (*ScalingRecord, error)
	UpsertScalingOperation(ctx context.Context, rec ScalingRecord) error
	UpdateScalingStatus(ctx context.Context, workflowType string, status ScalingStatus) error
	ClearScalingOperation(ctx context.Context, workflowType string) error

	// TruncateEvents deletes rows that are simultaneously covered by their
	// instance's snapshot, at or below minOffset, published, and older than
	// cutoff. Returns the number of rows deleted.
	TruncateEvents(ctx context.Context, workflowType string, minOffset int64, cutoff time.Time, limit int) (int64, error)

	// Search attributes.
	QueryBySearchAttributes(ctx context.Context, contains map[string]any) ([]string, error)

	Close()
}
