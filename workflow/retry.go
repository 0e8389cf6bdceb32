package workflow

import (
	"math"
	"math/rand/v2"
	"time"
)

// Backoff strategy names, stored on activity rows.
const (
	BackoffExponential = "exponential"
	BackoffLinear      = "linear"
)

// RetryPolicy governs how a failed action is retried. The zero value is not
// usable; start from DefaultRetryPolicy.
type RetryPolicy struct {
	MaxRetries int           `json:"max_retries"`
	Backoff    string        `json:"backoff"`
	Factor     float64       `json:"factor"`
	MinDelay   time.Duration `json:"min_delay"`
	MaxDelay   time.Duration `json:"max_delay"`
	// Jitter is the fraction of the computed delay randomized in either
	// direction, in [0, 1).
	Jitter float64 `json:"jitter"`
}

// DefaultRetryPolicy retries 5 times with exponential backoff between 1s and
// 5m and 10% jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 5,
		Backoff:    BackoffExponential,
		Factor:     2,
		MinDelay:   time.Second,
		MaxDelay:   5 * time.Minute,
		Jitter:     0.1,
	}
}

// Delay computes the wait before retry number attempt (1-based). Exponential
// backoff clamps factor^attempt seconds to [MinDelay, MaxDelay]; linear
// scales factor*attempt seconds with a MinDelay floor. Jitter then perturbs
// the result symmetrically.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	var d time.Duration
	switch p.Backoff {
	case BackoffLinear:
		d = time.Duration(p.Factor * float64(attempt) * float64(time.Second))
		if d < p.MinDelay {
			d = p.MinDelay
		}
		if p.MaxDelay > 0 && d > p.MaxDelay {
			d = p.MaxDelay
		}
	default:
		d = time.Duration(math.Pow(p.Factor, float64(attempt)) * float64(time.Second))
		if d < p.MinDelay {
			d = p.MinDelay
		}
		if p.MaxDelay > 0 && d > p.MaxDelay {
			d = p.MaxDelay
		}
	}
	if p.Jitter > 0 {
		spread := p.Jitter * float64(d)
		d += time.Duration((rand.Float64()*2 - 1) * spread)
		if d < 0 {
			d = 0
		}
	}
	return d
}

// Exhausted reports whether retries attempted so far have used up the
// policy's budget.
func (p RetryPolicy) Exhausted(retryCount int) bool {
	return retryCount >= p.MaxRetries
}
