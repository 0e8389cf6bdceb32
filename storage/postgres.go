package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/oxbowhq/oxbow/workflow"
)

const pgUniqueViolation = "23505"

// PostgresStore is the production Store backed by a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to dsn and returns the store. The caller owns
// running Migrate before first use.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// NewPostgresStoreFromPool wraps an existing pool.
func NewPostgresStoreFromPool(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Pool exposes the underlying pool for migrations and admin tooling.
func (s *PostgresStore) Pool() *pgxpool.Pool { return s.pool }

// WithinTx implements Store.
func (s *PostgresStore) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	pgtx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer pgtx.Rollback(ctx)

	if err := fn(&pgTx{tx: pgtx}); err != nil {
		return err
	}
	if err := pgtx.Commit(ctx); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) LockInstance(ctx context.Context, workflowID string) error {
	var seq int64
	err := t.tx.QueryRow(ctx,
		`SELECT global_seq FROM events WHERE workflow_id = $1 AND workflow_version = 1 FOR UPDATE`,
		workflowID,
	).Scan(&seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("locking instance %q: %w", workflowID, err)
	}
	return nil
}

func (t *pgTx) GetSnapshot(ctx context.Context, workflowID string) (*SnapshotRecord, error) {
	var rec SnapshotRecord
	err := t.tx.QueryRow(ctx,
		`SELECT workflow_id, workflow_type, version, state, created_at FROM snapshots WHERE workflow_id = $1`,
		workflowID,
	).Scan(&rec.WorkflowID, &rec.WorkflowType, &rec.Version, &rec.State, &rec.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading snapshot %q: %w", workflowID, err)
	}
	return &rec, nil
}

func (t *pgTx) UpsertSnapshot(ctx context.Context, snap SnapshotRecord) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO snapshots (workflow_id, workflow_type, version, state, created_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (workflow_id) DO UPDATE
		SET workflow_type = EXCLUDED.workflow_type,
		    version = EXCLUDED.version,
		    state = EXCLUDED.state,
		    created_at = now()`,
		snap.WorkflowID, snap.WorkflowType, snap.Version, snap.State,
	)
	if err != nil {
		return fmt.Errorf("upserting snapshot %q: %w", snap.WorkflowID, err)
	}
	return nil
}

func (t *pgTx) EventsAfter(ctx context.Context, workflowID string, afterVersion, upTo int64) ([]EventRecord, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT global_seq, workflow_id, workflow_version, workflow_type, event_type,
		       schema_version, body, at, metadata, published
		FROM events
		WHERE workflow_id = $1 AND workflow_version > $2 AND ($3 <= 0 OR workflow_version <= $3)
		ORDER BY workflow_version`,
		workflowID, afterVersion, upTo,
	)
	if err != nil {
		return nil, fmt.Errorf("loading events for %q: %w", workflowID, err)
	}
	defer rows.Close()
	return scanEvents(rows, true)
}

func (t *pgTx) LastVersion(ctx context.Context, workflowID string) (int64, error) {
	var last int64
	err := t.tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(workflow_version), 0) FROM events WHERE workflow_id = $1`,
		workflowID,
	).Scan(&last)
	if err != nil {
		return 0, fmt.Errorf("reading last version of %q: %w", workflowID, err)
	}
	return last, nil
}

func (t *pgTx) InsertEvents(ctx context.Context, events []EventRecord) error {
	for _, e := range events {
		meta, err := json.Marshal(orEmptyMeta(e.Metadata))
		if err != nil {
			return fmt.Errorf("encoding metadata for %q v%d: %w", e.WorkflowID, e.Version, err)
		}
		schema := e.SchemaVersion
		if schema == 0 {
			schema = 1
		}
		_, err = t.tx.Exec(ctx, `
			INSERT INTO events (workflow_id, workflow_version, workflow_type, event_type,
			                    schema_version, body, metadata, published)
			VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE)`,
			e.WorkflowID, e.Version, e.WorkflowType, e.EventType, schema, e.Body, meta,
		)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
				return ErrVersionConflict
			}
			return fmt.Errorf("inserting event %q v%d: %w", e.WorkflowID, e.Version, err)
		}
	}
	return nil
}

func (t *pgTx) DeleteInstanceEvents(ctx context.Context, workflowID string) error {
	if _, err := t.tx.Exec(ctx, `DELETE FROM events WHERE workflow_id = $1`, workflowID); err != nil {
		return fmt.Errorf("deleting events of %q: %w", workflowID, err)
	}
	return nil
}

func (t *pgTx) AddSubscription(ctx context.Context, rec SubscriptionRecord) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO subscriptions (workflow_id, workflow_type, subscribed_to_workflow,
		                           subscribed_to_event_type, tags_any, tags_all)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (workflow_id, subscribed_to_workflow, subscribed_to_event_type) DO UPDATE
		SET tags_any = EXCLUDED.tags_any, tags_all = EXCLUDED.tags_all`,
		rec.SubscriberID, rec.WorkflowType, rec.Sub.WorkflowID, rec.Sub.EventType,
		orEmptyTags(rec.Sub.TagsAny), orEmptyTags(rec.Sub.TagsAll),
	)
	if err != nil {
		return fmt.Errorf("adding subscription for %q: %w", rec.SubscriberID, err)
	}
	return nil
}

func (t *pgTx) RemoveSubscription(ctx context.Context, subscriberID string, sub workflow.Sub) error {
	_, err := t.tx.Exec(ctx, `
		DELETE FROM subscriptions
		WHERE workflow_id = $1 AND subscribed_to_workflow = $2 AND subscribed_to_event_type = $3`,
		subscriberID, sub.WorkflowID, sub.EventType,
	)
	if err != nil {
		return fmt.Errorf("removing subscription for %q: %w", subscriberID, err)
	}
	return nil
}

func (t *pgTx) AddExternalSubscription(ctx context.Context, rec ExternalSubscriptionRecord) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO external_subscriptions (workflow_id, topic)
		VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		rec.WorkflowID, rec.Topic,
	)
	if err != nil {
		return fmt.Errorf("adding external subscription for %q: %w", rec.WorkflowID, err)
	}
	return nil
}

func (t *pgTx) RemoveExternalSubscription(ctx context.Context, workflowID, topic string) error {
	_, err := t.tx.Exec(ctx,
		`DELETE FROM external_subscriptions WHERE workflow_id = $1 AND topic = $2`,
		workflowID, topic,
	)
	if err != nil {
		return fmt.Errorf("removing external subscription for %q: %w", workflowID, err)
	}
	return nil
}

func (t *pgTx) UpsertDelay(ctx context.Context, rec DelayRecord) error {
	return upsertDelay(ctx, t.tx, rec)
}

func (t *pgTx) DeleteDelay(ctx context.Context, workflowID, delayID string) error {
	_, err := t.tx.Exec(ctx,
		`DELETE FROM delays WHERE workflow_id = $1 AND delay_id = $2`, workflowID, delayID)
	if err != nil {
		return fmt.Errorf("deleting delay %q/%q: %w", workflowID, delayID, err)
	}
	return nil
}

func (t *pgTx) DeleteInstanceDelays(ctx context.Context, workflowID string) error {
	if _, err := t.tx.Exec(ctx, `DELETE FROM delays WHERE workflow_id = $1`, workflowID); err != nil {
		return fmt.Errorf("deleting delays of %q: %w", workflowID, err)
	}
	return nil
}

func (t *pgTx) CancelActivities(ctx context.Context, workflowID string, versions []int64) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE activities SET status = 'cancelled'
		WHERE workflow_id = $1
		  AND status NOT IN ('completed', 'failed', 'cancelled')
		  AND (cardinality($2::bigint[]) = 0 OR event_number = ANY($2))`,
		workflowID, orEmptyInts(versions),
	)
	if err != nil {
		return fmt.Errorf("cancelling activities of %q: %w", workflowID, err)
	}
	return nil
}

func (t *pgTx) InsertMetadata(ctx context.Context, rec MetadataRecord) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO workflow_metadata (workflow_id, workflow_type, tags)
		VALUES ($1, $2, $3) ON CONFLICT (workflow_id) DO NOTHING`,
		rec.WorkflowID, rec.WorkflowType, orEmptyTags(rec.Tags),
	)
	if err != nil {
		return fmt.Errorf("inserting metadata for %q: %w", rec.WorkflowID, err)
	}
	return nil
}

func (t *pgTx) GetMetadata(ctx context.Context, workflowID string) (*MetadataRecord, error) {
	var rec MetadataRecord
	err := t.tx.QueryRow(ctx,
		`SELECT workflow_id, workflow_type, tags, created_at FROM workflow_metadata WHERE workflow_id = $1`,
		workflowID,
	).Scan(&rec.WorkflowID, &rec.WorkflowType, &rec.Tags, &rec.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading metadata for %q: %w", workflowID, err)
	}
	return &rec, nil
}

func (t *pgTx) UpsertSearchAttributes(ctx context.Context, workflowID string, attrs map[string]any) error {
	raw, err := json.Marshal(attrs)
	if err != nil {
		return fmt.Errorf("encoding search attributes for %q: %w", workflowID, err)
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO search_attributes (workflow_id, attrs)
		VALUES ($1, $2)
		ON CONFLICT (workflow_id) DO UPDATE
		SET attrs = search_attributes.attrs || EXCLUDED.attrs, updated_at = now()`,
		workflowID, raw,
	)
	if err != nil {
		return fmt.Errorf("upserting search attributes for %q: %w", workflowID, err)
	}
	return nil
}

// Store surface.

func (s *PostgresStore) ReadEvents(ctx context.Context, q EventQuery) ([]EventRecord, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	metaCol := "'{}'::jsonb"
	if q.WithMetadata {
		metaCol = "metadata"
	}
	sql := fmt.Sprintf(`
		SELECT global_seq, workflow_id, workflow_version, workflow_type, event_type,
		       schema_version, body, at, %s, published
		FROM events
		WHERE global_seq > $1
		  AND ($2 = '' OR workflow_type = $2)
		  AND (cardinality($3::text[]) = 0 OR event_type = ANY($3))
		ORDER BY global_seq
		LIMIT $4`, metaCol)
	rows, err := s.pool.Query(ctx, sql, q.AfterSeq, q.WorkflowType, orEmptyTags(q.EventTypes), limit)
	if err != nil {
		return nil, fmt.Errorf("reading events after %d: %w", q.AfterSeq, err)
	}
	defer rows.Close()
	return scanEvents(rows, true)
}

func (s *PostgresStore) MaxGlobalSeq(ctx context.Context) (int64, error) {
	var seq int64
	if err := s.pool.QueryRow(ctx, `SELECT COALESCE(MAX(global_seq), 0) FROM events`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("reading max global_seq: %w", err)
	}
	return seq, nil
}

func (s *PostgresStore) GetOffset(ctx context.Context, readerName string) (int64, error) {
	var offset int64
	err := s.pool.QueryRow(ctx,
		`SELECT last_read_event_no FROM offsets WHERE reader_name = $1`, readerName,
	).Scan(&offset)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading offset %q: %w", readerName, err)
	}
	return offset, nil
}

func (s *PostgresStore) SetOffset(ctx context.Context, readerName string, offset int64) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO offsets (reader_name, last_read_event_no, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (reader_name) DO UPDATE
		SET last_read_event_no = EXCLUDED.last_read_event_no, updated_at = now()`,
		readerName, offset,
	)
	if err != nil {
		return fmt.Errorf("writing offset %q: %w", readerName, err)
	}
	return nil
}

func (s *PostgresStore) ListOffsets(ctx context.Context, prefix string) ([]OffsetRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT reader_name, last_read_event_no, updated_at
		FROM offsets WHERE reader_name LIKE $1 || '%' ORDER BY reader_name`, prefix)
	if err != nil {
		return nil, fmt.Errorf("listing offsets with prefix %q: %w", prefix, err)
	}
	defer rows.Close()
	var out []OffsetRecord
	for rows.Next() {
		var rec OffsetRecord
		if err := rows.Scan(&rec.ReaderName, &rec.Offset, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning offset row: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeleteOffset(ctx context.Context, readerName string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM offsets WHERE reader_name = $1`, readerName); err != nil {
		return fmt.Errorf("deleting offset %q: %w", readerName, err)
	}
	return nil
}

func (s *PostgresStore) LoadSubscriptions(ctx context.Context, workflowType string) ([]SubscriptionRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT workflow_id, workflow_type, subscribed_to_workflow, subscribed_to_event_type, tags_any, tags_all
		FROM subscriptions WHERE $1 = '' OR workflow_type = $1`, workflowType)
	if err != nil {
		return nil, fmt.Errorf("loading subscriptions for %q: %w", workflowType, err)
	}
	defer rows.Close()
	var out []SubscriptionRecord
	for rows.Next() {
		var rec SubscriptionRecord
		if err := rows.Scan(&rec.SubscriberID, &rec.WorkflowType, &rec.Sub.WorkflowID,
			&rec.Sub.EventType, &rec.Sub.TagsAny, &rec.Sub.TagsAll); err != nil {
			return nil, fmt.Errorf("scanning subscription row: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) TopicSubscribers(ctx context.Context, topic string) ([]string, error) {
	return s.queryIDs(ctx,
		`SELECT workflow_id FROM external_subscriptions WHERE topic = $1 ORDER BY workflow_id`, topic)
}

func (s *PostgresStore) ListInstanceIDs(ctx context.Context, workflowType string) ([]string, error) {
	return s.queryIDs(ctx,
		`SELECT workflow_id FROM workflow_metadata WHERE workflow_type = $1 ORDER BY workflow_id`, workflowType)
}

func (s *PostgresStore) ListInstanceIDsByTag(ctx context.Context, workflowType, tag string) ([]string, error) {
	return s.queryIDs(ctx, `
		SELECT workflow_id FROM workflow_metadata
		WHERE workflow_type = $1 AND $2 = ANY(tags) ORDER BY workflow_id`, workflowType, tag)
}

func (s *PostgresStore) queryIDs(ctx context.Context, sql string, args ...any) ([]string, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("querying workflow ids: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning workflow id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

const activityColumns = `workflow_id, event_number, workflow_type, status, retry_count,
	retry_policy, checkpoint, started, last_attempt, finished, next_retry_at,
	runner_id, error_kind, error_message, result`

func (s *PostgresStore) GetActivity(ctx context.Context, workflowID string, eventNumber int64) (*ActivityRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+activityColumns+` FROM activities WHERE workflow_id = $1 AND event_number = $2`,
		workflowID, eventNumber)
	rec, err := scanActivity(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading activity %q/%d: %w", workflowID, eventNumber, err)
	}
	return rec, nil
}

func (s *PostgresStore) InsertActivity(ctx context.Context, rec ActivityRecord) (bool, error) {
	policy, err := json.Marshal(rec.RetryPolicy)
	if err != nil {
		return false, fmt.Errorf("encoding retry policy: %w", err)
	}
	checkpoint, err := json.Marshal(orEmptyMeta(rec.Checkpoint))
	if err != nil {
		return false, fmt.Errorf("encoding checkpoint: %w", err)
	}
	status := rec.Status
	if status == "" {
		status = ActivityPending
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO activities (workflow_id, event_number, workflow_type, status, retry_policy, checkpoint)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (workflow_id, event_number) DO NOTHING`,
		rec.WorkflowID, rec.EventNumber, rec.WorkflowType, status, policy, checkpoint,
	)
	if err != nil {
		return false, fmt.Errorf("inserting activity %q/%d: %w", rec.WorkflowID, rec.EventNumber, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) ClaimActivity(ctx context.Context, workflowID string, eventNumber int64, runnerID string, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE activities
		SET status = 'running', runner_id = $3, started = COALESCE(started, $4), last_attempt = $4
		WHERE workflow_id = $1 AND event_number = $2 AND status IN ('pending', 'retrying')`,
		workflowID, eventNumber, runnerID, at,
	)
	if err != nil {
		return false, fmt.Errorf("claiming activity %q/%d: %w", workflowID, eventNumber, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) SaveActivityCheckpoint(ctx context.Context, workflowID string, eventNumber int64, checkpoint map[string]any) error {
	raw, err := json.Marshal(orEmptyMeta(checkpoint))
	if err != nil {
		return fmt.Errorf("encoding checkpoint: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`UPDATE activities SET checkpoint = $3 WHERE workflow_id = $1 AND event_number = $2`,
		workflowID, eventNumber, raw,
	)
	if err != nil {
		return fmt.Errorf("saving checkpoint %q/%d: %w", workflowID, eventNumber, err)
	}
	return nil
}

func (s *PostgresStore) CompleteActivity(ctx context.Context, workflowID string, eventNumber int64, result *workflow.RawCommand, at time.Time) error {
	var raw []byte
	if result != nil {
		var err error
		raw, err = json.Marshal(result)
		if err != nil {
			return fmt.Errorf("encoding activity result: %w", err)
		}
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE activities
		SET status = 'completed', finished = $3, result = $4, next_retry_at = NULL
		WHERE workflow_id = $1 AND event_number = $2`,
		workflowID, eventNumber, at, raw,
	)
	if err != nil {
		return fmt.Errorf("completing activity %q/%d: %w", workflowID, eventNumber, err)
	}
	return nil
}

func (s *PostgresStore) FailActivity(ctx context.Context, workflowID string, eventNumber int64, status ActivityStatus, errorKind, errorMessage string, nextRetryAt *time.Time, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE activities
		SET status = $3, error_kind = $4, error_message = $5, next_retry_at = $6,
		    retry_count = retry_count + 1, last_attempt = $7,
		    finished = CASE WHEN $3 = 'failed' THEN $7 ELSE finished END
		WHERE workflow_id = $1 AND event_number = $2`,
		workflowID, eventNumber, string(status), errorKind, errorMessage, nextRetryAt, at,
	)
	if err != nil {
		return fmt.Errorf("failing activity %q/%d: %w", workflowID, eventNumber, err)
	}
	return nil
}

func (s *PostgresStore) ResetActivity(ctx context.Context, workflowID string, eventNumber int64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE activities
		SET status = 'pending', error_kind = '', error_message = '', next_retry_at = NULL, finished = NULL
		WHERE workflow_id = $1 AND event_number = $2`,
		workflowID, eventNumber,
	)
	if err != nil {
		return fmt.Errorf("resetting activity %q/%d: %w", workflowID, eventNumber, err)
	}
	return nil
}

func (s *PostgresStore) ListDueRetries(ctx context.Context, workflowType string, now time.Time, limit int) ([]ActivityRecord, error) {
	return s.queryActivities(ctx, `
		SELECT `+activityColumns+` FROM activities
		WHERE status = 'retrying'
		  AND ($1 = '' OR workflow_type = $1)
		  AND (next_retry_at IS NULL OR next_retry_at <= $2)
		ORDER BY next_retry_at NULLS FIRST
		LIMIT $3`, workflowType, now, orDefaultLimit(limit))
}

func (s *PostgresStore) ListStaleActivities(ctx context.Context, workflowType string, cutoff time.Time, limit int) ([]ActivityRecord, error) {
	return s.queryActivities(ctx, `
		SELECT `+activityColumns+` FROM activities
		WHERE status = 'running'
		  AND ($1 = '' OR workflow_type = $1)
		  AND last_attempt IS NOT NULL AND last_attempt <= $2
		ORDER BY last_attempt
		LIMIT $3`, workflowType, cutoff, orDefaultLimit(limit))
}

func (s *PostgresStore) queryActivities(ctx context.Context, sql string, args ...any) ([]ActivityRecord, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("querying activities: %w", err)
	}
	defer rows.Close()
	var out []ActivityRecord
	for rows.Next() {
		rec, err := scanActivity(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning activity row: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DueDelays(ctx context.Context, now time.Time, limit int) ([]DelayRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT workflow_id, delay_id, workflow_type, fire_at, version, next_command, cron, timezone
		FROM delays WHERE fire_at <= $1 ORDER BY fire_at LIMIT $2`,
		now, orDefaultLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("querying due delays: %w", err)
	}
	defer rows.Close()
	var out []DelayRecord
	for rows.Next() {
		var rec DelayRecord
		var cmd []byte
		if err := rows.Scan(&rec.WorkflowID, &rec.DelayID, &rec.WorkflowType, &rec.FireAt,
			&rec.Version, &cmd, &rec.Cron, &rec.Timezone); err != nil {
			return nil, fmt.Errorf("scanning delay row: %w", err)
		}
		if err := json.Unmarshal(cmd, &rec.NextCommand); err != nil {
			return nil, fmt.Errorf("decoding delay command %q/%q: %w", rec.WorkflowID, rec.DelayID, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpsertDelay(ctx context.Context, rec DelayRecord) error {
	return upsertDelay(ctx, s.pool, rec)
}

func (s *PostgresStore) DeleteDelay(ctx context.Context, workflowID, delayID string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM delays WHERE workflow_id = $1 AND delay_id = $2`, workflowID, delayID)
	if err != nil {
		return fmt.Errorf("deleting delay %q/%q: %w", workflowID, delayID, err)
	}
	return nil
}

func (s *PostgresStore) UnpublishedEvents(ctx context.Context, workflowType string, limit int) ([]EventRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT global_seq, workflow_id, workflow_version, workflow_type, event_type,
		       schema_version, body, at, metadata, published
		FROM events
		WHERE published = FALSE AND ($1 = '' OR workflow_type = $1)
		ORDER BY global_seq
		LIMIT $2`, workflowType, orDefaultLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("querying unpublished events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows, true)
}

func (s *PostgresStore) MarkPublished(ctx context.Context, globalSeqs []int64) error {
	if len(globalSeqs) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE events SET published = TRUE WHERE global_seq = ANY($1)`, globalSeqs)
	if err != nil {
		return fmt.Errorf("marking events published: %w", err)
	}
	return nil
}

func (s *PostgresStore) MarkUnpublished(ctx context.Context, workflowID string, fromVersion, toVersion int64) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE events SET published = FALSE
		WHERE workflow_id = $1 AND workflow_version >= $2 AND ($3 <= 0 OR workflow_version <= $3)`,
		workflowID, fromVersion, toVersion)
	if err != nil {
		return 0, fmt.Errorf("marking events unpublished for %q: %w", workflowID, err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) AcquireAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquiring connection for advisory lock: %w", err)
	}
	var locked bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&locked); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("trying advisory lock %d: %w", key, err)
	}
	if !locked {
		conn.Release()
		return nil, false, nil
	}
	release := func() {
		// Best effort; the lock is session scoped and dies with the
		// connection anyway.
		_, _ = conn.Exec(context.Background(), `SELECT pg_advisory_unlock($1)`, key)
		conn.Release()
	}
	return release, true, nil
}

func (s *PostgresStore) GetScalingOperation(ctx context.Context, workflowType string) (*ScalingRecord, error) {
	var rec ScalingRecord
	err := s.pool.QueryRow(ctx, `
		SELECT workflow_type, target_offset, status, created_at, updated_at
		FROM scaling_operations WHERE workflow_type = $1`, workflowType,
	).Scan(&rec.WorkflowType, &rec.TargetSeq, &rec.Status, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading scaling operation for %q: %w", workflowType, err)
	}
	return &rec, nil
}

func (s *PostgresStore) UpsertScalingOperation(ctx context.Context, rec ScalingRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO scaling_operations (workflow_type, target_offset, status)
		VALUES ($1, $2, $3)
		ON CONFLICT (workflow_type) DO UPDATE
		SET target_offset = EXCLUDED.target_offset, status = EXCLUDED.status, updated_at = now()`,
		rec.WorkflowType, rec.TargetSeq, string(rec.Status))
	if err != nil {
		return fmt.Errorf("upserting scaling operation for %q: %w", rec.WorkflowType, err)
	}
	return nil
}

func (s *PostgresStore) UpdateScalingStatus(ctx context.Context, workflowType string, status ScalingStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE scaling_operations SET status = $2, updated_at = now() WHERE workflow_type = $1`,
		workflowType, string(status))
	if err != nil {
		return fmt.Errorf("updating scaling status for %q: %w", workflowType, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ClearScalingOperation(ctx context.Context, workflowType string) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM scaling_operations WHERE workflow_type = $1`, workflowType); err != nil {
		return fmt.Errorf("clearing scaling operation for %q: %w", workflowType, err)
	}
	return nil
}

func (s *PostgresStore) TruncateEvents(ctx context.Context, workflowType string, minOffset int64, cutoff time.Time, limit int) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM events WHERE global_seq IN (
			SELECT e.global_seq
			FROM events e
			JOIN snapshots s ON s.workflow_id = e.workflow_id AND s.version >= e.workflow_version
			WHERE e.published = TRUE
			  AND e.global_seq <= $1
			  AND e.at < $2
			  AND ($3 = '' OR e.workflow_type = $3)
			LIMIT $4
		)`, minOffset, cutoff, workflowType, orDefaultLimit(limit))
	if err != nil {
		return 0, fmt.Errorf("truncating events: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) QueryBySearchAttributes(ctx context.Context, contains map[string]any) ([]string, error) {
	raw, err := json.Marshal(contains)
	if err != nil {
		return nil, fmt.Errorf("encoding search attribute query: %w", err)
	}
	return s.queryIDs(ctx,
		`SELECT workflow_id FROM search_attributes WHERE attrs @> $1 ORDER BY workflow_id`, raw)
}

// Close implements Store.
func (s *PostgresStore) Close() { s.pool.Close() }

// Helpers.

type execQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func upsertDelay(ctx context.Context, q execQuerier, rec DelayRecord) error {
	cmd, err := json.Marshal(rec.NextCommand)
	if err != nil {
		return fmt.Errorf("encoding delay command: %w", err)
	}
	_, err = q.Exec(ctx, `
		INSERT INTO delays (workflow_id, delay_id, workflow_type, fire_at, version, next_command, cron, timezone)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (workflow_id, delay_id) DO UPDATE
		SET fire_at = EXCLUDED.fire_at, version = EXCLUDED.version,
		    next_command = EXCLUDED.next_command, cron = EXCLUDED.cron, timezone = EXCLUDED.timezone`,
		rec.WorkflowID, rec.DelayID, rec.WorkflowType, rec.FireAt, rec.Version, cmd, rec.Cron, rec.Timezone)
	if err != nil {
		return fmt.Errorf("upserting delay %q/%q: %w", rec.WorkflowID, rec.DelayID, err)
	}
	return nil
}

func scanEvents(rows pgx.Rows, withMetadata bool) ([]EventRecord, error) {
	var out []EventRecord
	for rows.Next() {
		var rec EventRecord
		var meta []byte
		if err := rows.Scan(&rec.GlobalSeq, &rec.WorkflowID, &rec.Version, &rec.WorkflowType,
			&rec.EventType, &rec.SchemaVersion, &rec.Body, &rec.At, &meta, &rec.Published); err != nil {
			return nil, fmt.Errorf("scanning event row: %w", err)
		}
		if withMetadata && len(meta) > 0 {
			if err := json.Unmarshal(meta, &rec.Metadata); err != nil {
				return nil, fmt.Errorf("decoding metadata of seq %d: %w", rec.GlobalSeq, err)
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanActivity(row pgx.Row) (*ActivityRecord, error) {
	var rec ActivityRecord
	var policy, checkpoint, result []byte
	var status string
	if err := row.Scan(&rec.WorkflowID, &rec.EventNumber, &rec.WorkflowType, &status,
		&rec.RetryCount, &policy, &checkpoint, &rec.Started, &rec.LastAttempt, &rec.Finished,
		&rec.NextRetryAt, &rec.RunnerID, &rec.ErrorKind, &rec.ErrorMessage, &result); err != nil {
		return nil, err
	}
	rec.Status = ActivityStatus(status)
	if len(policy) > 0 {
		if err := json.Unmarshal(policy, &rec.RetryPolicy); err != nil {
			return nil, fmt.Errorf("decoding retry policy: %w", err)
		}
	}
	if len(checkpoint) > 0 {
		if err := json.Unmarshal(checkpoint, &rec.Checkpoint); err != nil {
			return nil, fmt.Errorf("decoding checkpoint: %w", err)
		}
	}
	if len(result) > 0 {
		var cmd workflow.RawCommand
		if err := json.Unmarshal(result, &cmd); err != nil {
			return nil, fmt.Errorf("decoding activity result: %w", err)
		}
		rec.Result = &cmd
	}
	return &rec, nil
}

func orEmptyMeta(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func orEmptyTags(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}

func orEmptyInts(v []int64) []int64 {
	if v == nil {
		return []int64{}
	}
	return v
}

func orDefaultLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	return limit
}
