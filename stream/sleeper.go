// Package stream implements named durable tail-followers over the event log:
// a polling reader, a broker-backed hybrid variant, and their offset
// bookkeeping.
package stream

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Sleeper paces empty polls: each consecutive empty poll sleeps longer,
// bounded by max; Reset returns to min after a non-empty batch.
type Sleeper struct {
	eb *backoff.ExponentialBackOff
}

// NewSleeper builds a sleeper bounded by [min, max].
func NewSleeper(min, max time.Duration) *Sleeper {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = min
	eb.MaxInterval = max
	eb.Multiplier = 2
	eb.RandomizationFactor = 0
	eb.MaxElapsedTime = 0
	eb.Reset()
	return &Sleeper{eb: eb}
}

// Sleep waits for the next interval or until ctx is done.
func (s *Sleeper) Sleep(ctx context.Context) error {
	t := time.NewTimer(s.eb.NextBackOff())
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Reset returns the sleeper to its minimum interval.
func (s *Sleeper) Reset() {
	s.eb.Reset()
}
