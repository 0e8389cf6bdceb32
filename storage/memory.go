package storage

import (
	"context"
	"maps"
	"reflect"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/oxbowhq/oxbow/workflow"
)

type activityKey struct {
	workflowID  string
	eventNumber int64
}

type delayKey struct {
	workflowID string
	delayID    string
}

// MemoryStore is an in-process Store used by tests and examples. A single
// mutex serializes all access, so WithinTx sees an isolated world; rollback
// restores a copy taken at transaction start.
type MemoryStore struct {
	mu          sync.Mutex
	seq         int64
	events      []EventRecord
	snapshots   map[string]SnapshotRecord
	subs        []SubscriptionRecord
	extSubs     []ExternalSubscriptionRecord
	activities  map[activityKey]ActivityRecord
	delays      map[delayKey]DelayRecord
	offsets     map[string]OffsetRecord
	scaling     map[string]ScalingRecord
	metadata    map[string]MetadataRecord
	searchAttrs map[string]map[string]any
	advisory    map[int64]bool
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		snapshots:   make(map[string]SnapshotRecord),
		activities:  make(map[activityKey]ActivityRecord),
		delays:      make(map[delayKey]DelayRecord),
		offsets:     make(map[string]OffsetRecord),
		scaling:     make(map[string]ScalingRecord),
		metadata:    make(map[string]MetadataRecord),
		searchAttrs: make(map[string]map[string]any),
		advisory:    make(map[int64]bool),
	}
}

type memSnapshot struct {
	seq         int64
	events      []EventRecord
	snapshots   map[string]SnapshotRecord
	subs        []SubscriptionRecord
	extSubs     []ExternalSubscriptionRecord
	activities  map[activityKey]ActivityRecord
	delays      map[delayKey]DelayRecord
	metadata    map[string]MetadataRecord
	searchAttrs map[string]map[string]any
}

func (m *MemoryStore) capture() memSnapshot {
	attrs := make(map[string]map[string]any, len(m.searchAttrs))
	for k, v := range m.searchAttrs {
		attrs[k] = maps.Clone(v)
	}
	return memSnapshot{
		seq:         m.seq,
		events:      slices.Clone(m.events),
		snapshots:   maps.Clone(m.snapshots),
		subs:        slices.Clone(m.subs),
		extSubs:     slices.Clone(m.extSubs),
		activities:  maps.Clone(m.activities),
		delays:      maps.Clone(m.delays),
		metadata:    maps.Clone(m.metadata),
		searchAttrs: attrs,
	}
}

func (m *MemoryStore) restore(s memSnapshot) {
	m.seq = s.seq
	m.events = s.events
	m.snapshots = s.snapshots
	m.subs = s.subs
	m.extSubs = s.extSubs
	m.activities = s.activities
	m.delays = s.delays
	m.metadata = s.metadata
	m.searchAttrs = s.searchAttrs
}

// WithinTx implements Store.
func (m *MemoryStore) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	saved := m.capture()
	if err := fn(&memTx{s: m}); err != nil {
		m.restore(saved)
		return err
	}
	return nil
}

type memTx struct {
	s *MemoryStore
}

func (t *memTx) LockInstance(ctx context.Context, workflowID string) error { return nil }

func (t *memTx) GetSnapshot(ctx context.Context, workflowID string) (*SnapshotRecord, error) {
	snap, ok := t.s.snapshots[workflowID]
	if !ok {
		return nil, ErrNotFound
	}
	return &snap, nil
}

func (t *memTx) UpsertSnapshot(ctx context.Context, snap SnapshotRecord) error {
	t.s.snapshots[snap.WorkflowID] = snap
	return nil
}

func (t *memTx) EventsAfter(ctx context.Context, workflowID string, afterVersion, upTo int64) ([]EventRecord, error) {
	var out []EventRecord
	for _, e := range t.s.events {
		if e.WorkflowID != workflowID || e.Version <= afterVersion {
			continue
		}
		if upTo > 0 && e.Version > upTo {
			continue
		}
		out = append(out, e)
	}
	slices.SortFunc(out, func(a, b EventRecord) int { return int(a.Version - b.Version) })
	return out, nil
}

func (t *memTx) LastVersion(ctx context.Context, workflowID string) (int64, error) {
	var last int64
	for _, e := range t.s.events {
		if e.WorkflowID == workflowID && e.Version > last {
			last = e.Version
		}
	}
	return last, nil
}

func (t *memTx) InsertEvents(ctx context.Context, events []EventRecord) error {
	for _, e := range events {
		for _, existing := range t.s.events {
			if existing.WorkflowID == e.WorkflowID && existing.Version == e.Version {
				return ErrVersionConflict
			}
		}
	}
	for _, e := range events {
		t.s.seq++
		e.GlobalSeq = t.s.seq
		if e.At.IsZero() {
			e.At = time.Now().UTC()
		}
		t.s.events = append(t.s.events, e)
	}
	return nil
}

func (t *memTx) DeleteInstanceEvents(ctx context.Context, workflowID string) error {
	t.s.events = slices.DeleteFunc(slices.Clone(t.s.events), func(e EventRecord) bool {
		return e.WorkflowID == workflowID
	})
	return nil
}

func (t *memTx) AddSubscription(ctx context.Context, rec SubscriptionRecord) error {
	for i, s := range t.s.subs {
		if s.SubscriberID == rec.SubscriberID && s.Sub.WorkflowID == rec.Sub.WorkflowID && s.Sub.EventType == rec.Sub.EventType {
			t.s.subs[i] = rec
			return nil
		}
	}
	t.s.subs = append(t.s.subs, rec)
	return nil
}

func (t *memTx) RemoveSubscription(ctx context.Context, subscriberID string, sub workflow.Sub) error {
	t.s.subs = slices.DeleteFunc(slices.Clone(t.s.subs), func(s SubscriptionRecord) bool {
		return s.SubscriberID == subscriberID && s.Sub.WorkflowID == sub.WorkflowID && s.Sub.EventType == sub.EventType
	})
	return nil
}

func (t *memTx) AddExternalSubscription(ctx context.Context, rec ExternalSubscriptionRecord) error {
	for _, s := range t.s.extSubs {
		if s.WorkflowID == rec.WorkflowID && s.Topic == rec.Topic {
			return nil
		}
	}
	t.s.extSubs = append(t.s.extSubs, rec)
	return nil
}

func (t *memTx) RemoveExternalSubscription(ctx context.Context, workflowID, topic string) error {
	t.s.extSubs = slices.DeleteFunc(slices.Clone(t.s.extSubs), func(s ExternalSubscriptionRecord) bool {
		return s.WorkflowID == workflowID && s.Topic == topic
	})
	return nil
}

func (t *memTx) UpsertDelay(ctx context.Context, rec DelayRecord) error {
	t.s.delays[delayKey{rec.WorkflowID, rec.DelayID}] = rec
	return nil
}

func (t *memTx) DeleteDelay(ctx context.Context, workflowID, delayID string) error {
	delete(t.s.delays, delayKey{workflowID, delayID})
	return nil
}

func (t *memTx) DeleteInstanceDelays(ctx context.Context, workflowID string) error {
	for k := range t.s.delays {
		if k.workflowID == workflowID {
			delete(t.s.delays, k)
		}
	}
	return nil
}

func (t *memTx) CancelActivities(ctx context.Context, workflowID string, versions []int64) error {
	return t.s.cancelActivitiesLocked(workflowID, versions)
}

func (t *memTx) InsertMetadata(ctx context.Context, rec MetadataRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	t.s.metadata[rec.WorkflowID] = rec
	return nil
}

func (t *memTx) GetMetadata(ctx context.Context, workflowID string) (*MetadataRecord, error) {
	rec, ok := t.s.metadata[workflowID]
	if !ok {
		return nil, ErrNotFound
	}
	return &rec, nil
}

func (t *memTx) UpsertSearchAttributes(ctx context.Context, workflowID string, attrs map[string]any) error {
	return t.s.upsertSearchAttributesLocked(workflowID, attrs)
}

func (m *MemoryStore) cancelActivitiesLocked(workflowID string, versions []int64) error {
	for k, a := range m.activities {
		if k.workflowID != workflowID {
			continue
		}
		if len(versions) > 0 && !slices.Contains(versions, k.eventNumber) {
			continue
		}
		if a.Status == ActivityCompleted || a.Status == ActivityFailed || a.Status == ActivityCancelled {
			continue
		}
		a.Status = ActivityCancelled
		m.activities[k] = a
	}
	return nil
}

func (m *MemoryStore) upsertSearchAttributesLocked(workflowID string, attrs map[string]any) error {
	existing := m.searchAttrs[workflowID]
	if existing == nil {
		existing = make(map[string]any, len(attrs))
	} else {
		existing = maps.Clone(existing)
	}
	maps.Copy(existing, attrs)
	m.searchAttrs[workflowID] = existing
	return nil
}

// Store surface.

func (m *MemoryStore) ReadEvents(ctx context.Context, q EventQuery) ([]EventRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	var out []EventRecord
	for _, e := range m.events {
		if e.GlobalSeq <= q.AfterSeq {
			continue
		}
		if q.WorkflowType != "" && e.WorkflowType != q.WorkflowType {
			continue
		}
		if len(q.EventTypes) > 0 && !slices.Contains(q.EventTypes, e.EventType) {
			continue
		}
		out = append(out, e)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) MaxGlobalSeq(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seq, nil
}

func (m *MemoryStore) GetOffset(ctx context.Context, readerName string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.offsets[readerName]
	if !ok {
		return 0, nil
	}
	return rec.Offset, nil
}

func (m *MemoryStore) SetOffset(ctx context.Context, readerName string, offset int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offsets[readerName] = OffsetRecord{ReaderName: readerName, Offset: offset, UpdatedAt: time.Now().UTC()}
	return nil
}

func (m *MemoryStore) ListOffsets(ctx context.Context, prefix string) ([]OffsetRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []OffsetRecord
	for name, rec := range m.offsets {
		if strings.HasPrefix(name, prefix) {
			out = append(out, rec)
		}
	}
	slices.SortFunc(out, func(a, b OffsetRecord) int { return strings.Compare(a.ReaderName, b.ReaderName) })
	return out, nil
}

func (m *MemoryStore) DeleteOffset(ctx context.Context, readerName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.offsets, readerName)
	return nil
}

func (m *MemoryStore) LoadSubscriptions(ctx context.Context, workflowType string) ([]SubscriptionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []SubscriptionRecord
	for _, s := range m.subs {
		if workflowType == "" || s.WorkflowType == workflowType {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *MemoryStore) TopicSubscribers(ctx context.Context, topic string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, s := range m.extSubs {
		if s.Topic == topic {
			out = append(out, s.WorkflowID)
		}
	}
	return out, nil
}

func (m *MemoryStore) ListInstanceIDs(ctx context.Context, workflowType string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for id, rec := range m.metadata {
		if rec.WorkflowType == workflowType {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out, nil
}

func (m *MemoryStore) ListInstanceIDsByTag(ctx context.Context, workflowType, tag string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for id, rec := range m.metadata {
		if rec.WorkflowType == workflowType && slices.Contains(rec.Tags, tag) {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out, nil
}

func (m *MemoryStore) GetActivity(ctx context.Context, workflowID string, eventNumber int64) (*ActivityRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.activities[activityKey{workflowID, eventNumber}]
	if !ok {
		return nil, ErrNotFound
	}
	return &rec, nil
}

func (m *MemoryStore) InsertActivity(ctx context.Context, rec ActivityRecord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := activityKey{rec.WorkflowID, rec.EventNumber}
	if _, exists := m.activities[key]; exists {
		return false, nil
	}
	if rec.Status == "" {
		rec.Status = ActivityPending
	}
	m.activities[key] = rec
	return true, nil
}

func (m *MemoryStore) ClaimActivity(ctx context.Context, workflowID string, eventNumber int64, runnerID string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := activityKey{workflowID, eventNumber}
	rec, ok := m.activities[key]
	if !ok {
		return false, ErrNotFound
	}
	if rec.Status != ActivityPending && rec.Status != ActivityRetrying {
		return false, nil
	}
	rec.Status = ActivityRunning
	rec.RunnerID = runnerID
	if rec.Started == nil {
		started := at
		rec.Started = &started
	}
	attempt := at
	rec.LastAttempt = &attempt
	m.activities[key] = rec
	return true, nil
}

func (m *MemoryStore) SaveActivityCheckpoint(ctx context.Context, workflowID string, eventNumber int64, checkpoint map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := activityKey{workflowID, eventNumber}
	rec, ok := m.activities[key]
	if !ok {
		return ErrNotFound
	}
	rec.Checkpoint = maps.Clone(checkpoint)
	m.activities[key] = rec
	return nil
}

func (m *MemoryStore) CompleteActivity(ctx context.Context, workflowID string, eventNumber int64, result *workflow.RawCommand, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := activityKey{workflowID, eventNumber}
	rec, ok := m.activities[key]
	if !ok {
		return ErrNotFound
	}
	rec.Status = ActivityCompleted
	rec.Result = result
	finished := at
	rec.Finished = &finished
	rec.NextRetryAt = nil
	m.activities[key] = rec
	return nil
}

func (m *MemoryStore) FailActivity(ctx context.Context, workflowID string, eventNumber int64, status ActivityStatus, errorKind, errorMessage string, nextRetryAt *time.Time, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := activityKey{workflowID, eventNumber}
	rec, ok := m.activities[key]
	if !ok {
		return ErrNotFound
	}
	rec.Status = status
	rec.ErrorKind = errorKind
	rec.ErrorMessage = errorMessage
	rec.NextRetryAt = nextRetryAt
	rec.RetryCount++
	attempt := at
	rec.LastAttempt = &attempt
	if status == ActivityFailed {
		finished := at
		rec.Finished = &finished
	}
	m.activities[key] = rec
	return nil
}

func (m *MemoryStore) ResetActivity(ctx context.Context, workflowID string, eventNumber int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := activityKey{workflowID, eventNumber}
	rec, ok := m.activities[key]
	if !ok {
		return ErrNotFound
	}
	rec.Status = ActivityPending
	rec.ErrorKind = ""
	rec.ErrorMessage = ""
	rec.NextRetryAt = nil
	rec.Finished = nil
	m.activities[key] = rec
	return nil
}

func (m *MemoryStore) ListDueRetries(ctx context.Context, workflowType string, now time.Time, limit int) ([]ActivityRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ActivityRecord
	for _, rec := range m.activities {
		if rec.Status != ActivityRetrying {
			continue
		}
		if workflowType != "" && rec.WorkflowType != workflowType {
			continue
		}
		if rec.NextRetryAt != nil && rec.NextRetryAt.After(now) {
			continue
		}
		out = append(out, rec)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) ListStaleActivities(ctx context.Context, workflowType string, cutoff time.Time, limit int) ([]ActivityRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ActivityRecord
	for _, rec := range m.activities {
		if rec.Status != ActivityRunning {
			continue
		}
		if workflowType != "" && rec.WorkflowType != workflowType {
			continue
		}
		if rec.LastAttempt == nil || rec.LastAttempt.After(cutoff) {
			continue
		}
		out = append(out, rec)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) DueDelays(ctx context.Context, now time.Time, limit int) ([]DelayRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []DelayRecord
	for _, rec := range m.delays {
		if rec.FireAt.After(now) {
			continue
		}
		out = append(out, rec)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	slices.SortFunc(out, func(a, b DelayRecord) int { return a.FireAt.Compare(b.FireAt) })
	return out, nil
}

func (m *MemoryStore) UpsertDelay(ctx context.Context, rec DelayRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delays[delayKey{rec.WorkflowID, rec.DelayID}] = rec
	return nil
}

func (m *MemoryStore) DeleteDelay(ctx context.Context, workflowID, delayID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.delays, delayKey{workflowID, delayID})
	return nil
}

func (m *MemoryStore) UnpublishedEvents(ctx context.Context, workflowType string, limit int) ([]EventRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	var out []EventRecord
	for _, e := range m.events {
		if e.Published {
			continue
		}
		if workflowType != "" && e.WorkflowType != workflowType {
			continue
		}
		out = append(out, e)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) MarkPublished(ctx context.Context, globalSeqs []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, e := range m.events {
		if slices.Contains(globalSeqs, e.GlobalSeq) {
			m.events[i].Published = true
		}
	}
	return nil
}

func (m *MemoryStore) MarkUnpublished(ctx context.Context, workflowID string, fromVersion, toVersion int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for i, e := range m.events {
		if e.WorkflowID != workflowID || e.Version < fromVersion {
			continue
		}
		if toVersion > 0 && e.Version > toVersion {
			continue
		}
		if m.events[i].Published {
			m.events[i].Published = false
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) AcquireAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.advisory[key] {
		return nil, false, nil
	}
	m.advisory[key] = true
	release := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.advisory, key)
	}
	return release, true, nil
}

func (m *MemoryStore) GetScalingOperation(ctx context.Context, workflowType string) (*ScalingRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.scaling[workflowType]
	if !ok {
		return nil, ErrNotFound
	}
	return &rec, nil
}

func (m *MemoryStore) UpsertScalingOperation(ctx context.Context, rec ScalingRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	m.scaling[rec.WorkflowType] = rec
	return nil
}

func (m *MemoryStore) UpdateScalingStatus(ctx context.Context, workflowType string, status ScalingStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.scaling[workflowType]
	if !ok {
		return ErrNotFound
	}
	rec.Status = status
	rec.UpdatedAt = time.Now().UTC()
	m.scaling[workflowType] = rec
	return nil
}

func (m *MemoryStore) ClearScalingOperation(ctx context.Context, workflowType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.scaling, workflowType)
	return nil
}

func (m *MemoryStore) TruncateEvents(ctx context.Context, workflowType string, minOffset int64, cutoff time.Time, limit int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var deleted int64
	kept := m.events[:0:0]
	for _, e := range m.events {
		removable := (workflowType == "" || e.WorkflowType == workflowType) &&
			e.Published &&
			e.GlobalSeq <= minOffset &&
			e.At.Before(cutoff) &&
			(limit <= 0 || deleted < int64(limit))
		if removable {
			if snap, ok := m.snapshots[e.WorkflowID]; ok && snap.Version >= e.Version {
				deleted++
				continue
			}
		}
		kept = append(kept, e)
	}
	m.events = kept
	return deleted, nil
}

func (m *MemoryStore) QueryBySearchAttributes(ctx context.Context, contains map[string]any) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for id, attrs := range m.searchAttrs {
		match := true
		for k, v := range contains {
			if !reflect.DeepEqual(attrs[k], v) {
				match = false
				break
			}
		}
		if match {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out, nil
}

// Close implements Store.
func (m *MemoryStore) Close() {}
