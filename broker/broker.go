package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/oxbowhq/oxbow/storage"
)

// Headers carried on published events.
const (
	HeaderWorkflowID    = "Oxbow-Workflow-Id"
	HeaderWorkflowType  = "Oxbow-Workflow-Type"
	HeaderEventType     = "Oxbow-Event-Type"
	HeaderVersion       = "Oxbow-Version"
	HeaderGlobalSeq     = "Oxbow-Global-Seq"
	HeaderSchemaVersion = "Oxbow-Schema-Version"
	HeaderAt            = "Oxbow-At"
	HeaderMetadata      = "Oxbow-Metadata"
)

const dedupWindow = 2 * time.Minute

// Broker wraps a NATS connection with JetStream management for the runtime.
type Broker struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	logger *slog.Logger
}

// Connect dials NATS and initializes the JetStream context.
func Connect(url string, logger *slog.Logger) (*Broker, error) {
	if logger == nil {
		logger = slog.Default()
	}
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats at %s: %w", url, err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("initializing jetstream: %w", err)
	}
	return &Broker{nc: nc, js: js, logger: logger.With("component", "broker")}, nil
}

// NewFromConn wraps an existing connection, for tests.
func NewFromConn(nc *nats.Conn, logger *slog.Logger) (*Broker, error) {
	if logger == nil {
		logger = slog.Default()
	}
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("initializing jetstream: %w", err)
	}
	return &Broker{nc: nc, js: js, logger: logger.With("component", "broker")}, nil
}

// Close drains the connection.
func (b *Broker) Close() {
	if b.nc != nil {
		b.nc.Close()
	}
}

// EnsureEventStream creates or updates the per-type event stream with the
// deduplication window the outbox relies on.
func (b *Broker) EnsureEventStream(ctx context.Context, workflowType string) error {
	_, err := b.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       EventStreamName(workflowType),
		Subjects:   []string{fmt.Sprintf("events.%s.>", workflowType)},
		Storage:    jetstream.FileStorage,
		Duplicates: dedupWindow,
	})
	if err != nil {
		return fmt.Errorf("ensuring event stream for %q: %w", workflowType, err)
	}
	return nil
}

// EnsureMessageStream creates or updates the per-type external message
// stream.
func (b *Broker) EnsureMessageStream(ctx context.Context, workflowType string) error {
	_, err := b.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       MessageStreamName(workflowType),
		Subjects:   []string{fmt.Sprintf("messages.%s.>", workflowType)},
		Storage:    jetstream.FileStorage,
		Duplicates: dedupWindow,
	})
	if err != nil {
		return fmt.Errorf("ensuring message stream for %q: %w", workflowType, err)
	}
	return nil
}

// PublishEvent publishes one log row to its event subject. The broker-side
// message id "{workflow_id}:{version}" lets the deduplication window absorb
// crash-induced republishes.
func (b *Broker) PublishEvent(ctx context.Context, rec storage.EventRecord) error {
	msg, err := eventMessage(rec)
	if err != nil {
		return err
	}
	if _, err := b.js.PublishMsg(ctx, msg, jetstream.WithMsgID(DedupID(rec.WorkflowID, rec.Version))); err != nil {
		return fmt.Errorf("publishing %s: %w", msg.Subject, err)
	}
	return nil
}

// DedupID is the broker-side deduplication id of an event.
func DedupID(workflowID string, version int64) string {
	return fmt.Sprintf("%s:%d", workflowID, version)
}

func eventMessage(rec storage.EventRecord) (*nats.Msg, error) {
	msg := nats.NewMsg(EventSubject(rec.WorkflowType, rec.EventType))
	msg.Data = rec.Body
	msg.Header.Set(HeaderWorkflowID, rec.WorkflowID)
	msg.Header.Set(HeaderWorkflowType, rec.WorkflowType)
	msg.Header.Set(HeaderEventType, rec.EventType)
	msg.Header.Set(HeaderVersion, strconv.FormatInt(rec.Version, 10))
	msg.Header.Set(HeaderGlobalSeq, strconv.FormatInt(rec.GlobalSeq, 10))
	msg.Header.Set(HeaderSchemaVersion, strconv.Itoa(rec.SchemaVersion))
	if !rec.At.IsZero() {
		msg.Header.Set(HeaderAt, rec.At.Format(time.RFC3339Nano))
	}
	if len(rec.Metadata) > 0 {
		meta, err := json.Marshal(rec.Metadata)
		if err != nil {
			return nil, fmt.Errorf("encoding metadata for %s v%d: %w", rec.WorkflowID, rec.Version, err)
		}
		msg.Header.Set(HeaderMetadata, string(meta))
	}
	return msg, nil
}

// recordFromMsg rebuilds the log row view from a consumed broker message.
func recordFromMsg(msg jetstream.Msg) (storage.EventRecord, error) {
	return recordFromParts(msg.Headers(), msg.Data())
}

func recordFromParts(h nats.Header, data []byte) (storage.EventRecord, error) {
	rec := storage.EventRecord{
		WorkflowID:   h.Get(HeaderWorkflowID),
		WorkflowType: h.Get(HeaderWorkflowType),
		EventType:    h.Get(HeaderEventType),
		Body:         data,
		Published:    true,
	}
	var err error
	if rec.Version, err = strconv.ParseInt(h.Get(HeaderVersion), 10, 64); err != nil {
		return rec, fmt.Errorf("parsing version header: %w", err)
	}
	if rec.GlobalSeq, err = strconv.ParseInt(h.Get(HeaderGlobalSeq), 10, 64); err != nil {
		return rec, fmt.Errorf("parsing global_seq header: %w", err)
	}
	if v := h.Get(HeaderSchemaVersion); v != "" {
		if rec.SchemaVersion, err = strconv.Atoi(v); err != nil {
			return rec, fmt.Errorf("parsing schema_version header: %w", err)
		}
	}
	if v := h.Get(HeaderAt); v != "" {
		if rec.At, err = time.Parse(time.RFC3339Nano, v); err != nil {
			return rec, fmt.Errorf("parsing at header: %w", err)
		}
	}
	if raw := h.Get(HeaderMetadata); raw != "" {
		if err := json.Unmarshal([]byte(raw), &rec.Metadata); err != nil {
			return rec, fmt.Errorf("decoding metadata header: %w", err)
		}
	}
	return rec, nil
}
