package broker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oxbowhq/oxbow/storage"
)

func TestDedupID(t *testing.T) {
	assert.Equal(t, "order-42:7", DedupID("order-42", 7))
}

func TestEventMessageRoundTrip(t *testing.T) {
	at := time.Now().UTC()
	rec := storage.EventRecord{
		WorkflowID:    "order-42",
		WorkflowType:  "order",
		EventType:     "ev_shipped",
		Version:       7,
		GlobalSeq:     1042,
		SchemaVersion: 2,
		At:            at,
		Body:          []byte(`{"carrier":"dhl"}`),
		Metadata:      map[string]any{"event_tags": []any{"priority"}},
	}

	msg, err := eventMessage(rec)
	require.NoError(t, err)
	assert.Equal(t, "events.order.ev_shipped", msg.Subject)
	assert.Equal(t, rec.Body, msg.Data)

	got, err := recordFromParts(msg.Header, msg.Data)
	require.NoError(t, err)
	assert.Equal(t, rec.WorkflowID, got.WorkflowID)
	assert.Equal(t, rec.WorkflowType, got.WorkflowType)
	assert.Equal(t, rec.EventType, got.EventType)
	assert.Equal(t, rec.Version, got.Version)
	assert.Equal(t, rec.GlobalSeq, got.GlobalSeq)
	assert.Equal(t, rec.SchemaVersion, got.SchemaVersion)
	assert.Equal(t, rec.Body, got.Body)
	assert.True(t, got.At.Equal(at))
	assert.Equal(t, rec.Metadata, got.Metadata)
	assert.True(t, got.Published)
}

func TestEventMessageWithoutMetadata(t *testing.T) {
	msg, err := eventMessage(storage.EventRecord{
		WorkflowID: "a", WorkflowType: "order", EventType: "ev_shipped",
		Version: 1, GlobalSeq: 1,
	})
	require.NoError(t, err)
	assert.Empty(t, msg.Header.Get(HeaderMetadata))

	got, err := recordFromParts(msg.Header, msg.Data)
	require.NoError(t, err)
	assert.Nil(t, got.Metadata)
}

func TestRecordFromPartsRejectsBadHeaders(t *testing.T) {
	msg, err := eventMessage(storage.EventRecord{
		WorkflowID: "a", WorkflowType: "order", EventType: "ev_shipped",
		Version: 1, GlobalSeq: 1,
	})
	require.NoError(t, err)

	msg.Header.Set(HeaderVersion, "not-a-number")
	_, err = recordFromParts(msg.Header, msg.Data)
	assert.Error(t, err)
}
