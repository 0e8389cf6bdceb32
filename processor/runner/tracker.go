package runner

import "sync"

// tracker turns out-of-order task completions into a monotonically advancing
// committable watermark. Sequences are registered in the order the reader
// yields them; the watermark is the highest sequence whose whole yielded
// prefix has completed, so a stalled or failed task pins the offset just
// below itself.
type tracker struct {
	mu        sync.Mutex
	queue     []int64
	done      map[int64]bool
	watermark int64
}

func newTracker(start int64) *tracker {
	return &tracker{
		done:      make(map[int64]bool),
		watermark: start,
	}
}

// begin registers a yielded sequence. Sequences must be registered in
// ascending order.
func (t *tracker) begin(seq int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.queue = append(t.queue, seq)
}

// complete marks seq done and returns the current watermark.
func (t *tracker) complete(seq int64) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.done[seq] = true
	for len(t.queue) > 0 && t.done[t.queue[0]] {
		t.watermark = t.queue[0]
		delete(t.done, t.queue[0])
		t.queue = t.queue[1:]
	}
	return t.watermark
}

// inflight returns the number of registered, uncommitted sequences.
func (t *tracker) inflight() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queue)
}
