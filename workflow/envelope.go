package workflow

import (
	"fmt"
	"sync"
	"time"
)

// Metadata keys the runtime writes into event metadata.
const (
	MetaEventTags    = "event_tags"
	MetaWorkflowTags = "workflow_tags"
)

// Envelope is a consumed event flowing through the reader and runner
// pipeline. The body stays raw until Event is first called, so routing
// decisions that only need the type and metadata never pay for decoding.
type Envelope struct {
	WorkflowID    string
	WorkflowType  string
	EventType     string
	Version       int64
	GlobalSeq     int64
	SchemaVersion int
	At            time.Time
	Metadata      map[string]any
	ReaderName    string

	raw    []byte
	decode func([]byte) (Event, error)

	once      sync.Once
	event     Event
	decodeErr error
}

// NewEnvelope wraps an already materialized event.
func NewEnvelope(evt Event) *Envelope {
	return &Envelope{EventType: evt.EventType(), event: evt, decode: func([]byte) (Event, error) { return evt, nil }}
}

// NewLazyEnvelope wraps a raw body plus a decoder; the body is parsed on
// first access to Event.
func NewLazyEnvelope(raw []byte, decode func([]byte) (Event, error)) *Envelope {
	return &Envelope{raw: raw, decode: decode}
}

// Event materializes the body, memoizing the result.
func (e *Envelope) Event() (Event, error) {
	e.once.Do(func() {
		if e.event != nil {
			return
		}
		if e.decode == nil {
			e.decodeErr = fmt.Errorf("envelope for %q has no decoder", e.EventType)
			return
		}
		e.event, e.decodeErr = e.decode(e.raw)
	})
	return e.event, e.decodeErr
}

// RawBody returns the undecoded body. May be nil for envelopes built from a
// materialized event.
func (e *Envelope) RawBody() []byte { return e.raw }

// Tags returns the union of the event's own tags and the source instance's
// workflow tags, from metadata.
func (e *Envelope) Tags() []string {
	tags := metaStrings(e.Metadata, MetaEventTags)
	return append(tags, metaStrings(e.Metadata, MetaWorkflowTags)...)
}

func metaStrings(meta map[string]any, key string) []string {
	if meta == nil {
		return nil
	}
	switch v := meta[key].(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
