package workflow

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLazyEnvelopeDecodesOnce(t *testing.T) {
	calls := 0
	env := NewLazyEnvelope([]byte(`{"reason":"stop"}`), func(raw []byte) (Event, error) {
		calls++
		reg := NewRegistry()
		return reg.DecodeEvent(TypeSystemCancel, raw)
	})
	env.EventType = TypeSystemCancel

	evt, err := env.Event()
	require.NoError(t, err)
	assert.Equal(t, &SystemCancel{Reason: "stop"}, evt)

	again, err := env.Event()
	require.NoError(t, err)
	assert.Same(t, evt, again)
	assert.Equal(t, 1, calls)
}

func TestLazyEnvelopeDecodeError(t *testing.T) {
	env := NewLazyEnvelope([]byte(`{`), func([]byte) (Event, error) {
		return nil, errors.New("bad body")
	})

	_, err := env.Event()
	require.Error(t, err)

	_, err2 := env.Event()
	assert.Equal(t, err, err2)
}

func TestEnvelopeTags(t *testing.T) {
	env := &Envelope{Metadata: map[string]any{
		MetaEventTags:    []any{"a", "b"},
		MetaWorkflowTags: []string{"w"},
	}}
	assert.ElementsMatch(t, []string{"a", "b", "w"}, env.Tags())

	assert.Empty(t, (&Envelope{}).Tags())
}

func TestEnvelopeFromMaterializedEvent(t *testing.T) {
	env := NewEnvelope(&SystemPause{Reason: "hold"})
	assert.Equal(t, TypeSystemPause, env.EventType)

	evt, err := env.Event()
	require.NoError(t, err)
	assert.Equal(t, &SystemPause{Reason: "hold"}, evt)
}
