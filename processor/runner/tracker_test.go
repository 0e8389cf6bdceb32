package runner

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTrackerAdvancesOnlyOverContiguousPrefix(t *testing.T) {
	tr := newTracker(0)
	tr.begin(1)
	tr.begin(2)
	tr.begin(5)

	assert.Equal(t, int64(0), tr.complete(2))
	assert.Equal(t, int64(0), tr.complete(5))
	assert.Equal(t, 3, tr.inflight())

	// Completing the head releases everything behind it.
	assert.Equal(t, int64(5), tr.complete(1))
	assert.Equal(t, 0, tr.inflight())
}

func TestTrackerToleratesSequenceGaps(t *testing.T) {
	// Global sequences skip rows of other workflow types; contiguity is in
	// yield order, not integer succession.
	tr := newTracker(10)
	tr.begin(12)
	tr.begin(17)
	assert.Equal(t, int64(12), tr.complete(12))
	assert.Equal(t, int64(17), tr.complete(17))
}

func TestTrackerStartsAtCommittedOffset(t *testing.T) {
	tr := newTracker(42)
	assert.Equal(t, int64(42), tr.complete(40))
}
