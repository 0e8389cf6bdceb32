package workflow

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRejectionAsError(t *testing.T) {
	err := Reject("amount %d exceeds limit", 100)
	require.Error(t, err)
	assert.True(t, IsRejection(err))
	assert.False(t, IsAlreadyExists(err))

	r, ok := AsRejection(err)
	require.True(t, ok)
	assert.Equal(t, CodeRejected, r.Code)
	assert.Contains(t, r.Reason, "exceeds limit")
}

func TestRejectionSurvivesWrapping(t *testing.T) {
	inner := RejectCode(CodeAlreadyExists, "workflow %q exists", "order-1")
	wrapped := fmt.Errorf("create_new: %w", inner)

	assert.True(t, IsRejection(wrapped))
	assert.True(t, IsAlreadyExists(wrapped))

	r, ok := AsRejection(wrapped)
	require.True(t, ok)
	assert.Equal(t, CodeAlreadyExists, r.Code)
}

func TestNonRejectionErrors(t *testing.T) {
	err := errors.New("connection refused")
	assert.False(t, IsRejection(err))
	_, ok := AsRejection(err)
	assert.False(t, ok)
}
