package runner

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiterNilMeansUnlimited(t *testing.T) {
	var l *limiter
	for i := 0; i < 1000; i++ {
		require.NoError(t, l.wait(context.Background()))
	}
	assert.Nil(t, newLimiter(0, 10, nil))
}

func TestLimiterBurstThenThrottle(t *testing.T) {
	var (
		mu  sync.Mutex
		now = time.Now()
	)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	l := newLimiter(10, 3, clock)

	ctx := context.Background()
	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, l.wait(ctx))
	}
	assert.Less(t, time.Since(start), 50*time.Millisecond)

	// Bucket is empty; the fourth acquire waits for refill. With virtual
	// time, advancing the clock supplies the token.
	done := make(chan error, 1)
	go func() { done <- l.wait(ctx) }()
	select {
	case <-done:
		t.Fatal("acquire should have blocked on an empty bucket")
	case <-time.After(20 * time.Millisecond):
	}

	mu.Lock()
	now = now.Add(time.Second)
	mu.Unlock()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("acquire did not unblock after refill")
	}
}

func TestLimiterWaitHonorsCancellation(t *testing.T) {
	l := newLimiter(0.001, 1, nil)
	require.NoError(t, l.wait(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.wait(ctx) }()
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
