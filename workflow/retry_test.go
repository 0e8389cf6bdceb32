package workflow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryPolicyDelayExponential(t *testing.T) {
	p := RetryPolicy{
		MaxRetries: 5,
		Backoff:    BackoffExponential,
		Factor:     2,
		MinDelay:   time.Second,
		MaxDelay:   10 * time.Second,
	}

	assert.Equal(t, 2*time.Second, p.Delay(1))
	assert.Equal(t, 4*time.Second, p.Delay(2))
	assert.Equal(t, 8*time.Second, p.Delay(3))
	// Clamped to MaxDelay.
	assert.Equal(t, 10*time.Second, p.Delay(4))
	assert.Equal(t, 10*time.Second, p.Delay(10))
}

func TestRetryPolicyDelayLinear(t *testing.T) {
	p := RetryPolicy{
		MaxRetries: 5,
		Backoff:    BackoffLinear,
		Factor:     3,
		MinDelay:   5 * time.Second,
		MaxDelay:   time.Minute,
	}

	// 3s floored to MinDelay.
	assert.Equal(t, 5*time.Second, p.Delay(1))
	assert.Equal(t, 6*time.Second, p.Delay(2))
	assert.Equal(t, 30*time.Second, p.Delay(10))
	assert.Equal(t, time.Minute, p.Delay(100))
}

func TestRetryPolicyJitterBounds(t *testing.T) {
	p := RetryPolicy{
		MaxRetries: 3,
		Backoff:    BackoffExponential,
		Factor:     2,
		MinDelay:   time.Second,
		MaxDelay:   time.Minute,
		Jitter:     0.2,
	}

	for i := 0; i < 50; i++ {
		d := p.Delay(2)
		assert.GreaterOrEqual(t, d, time.Duration(float64(4*time.Second)*0.8))
		assert.LessOrEqual(t, d, time.Duration(float64(4*time.Second)*1.2))
	}
}

func TestRetryPolicyExhausted(t *testing.T) {
	p := RetryPolicy{MaxRetries: 2}
	assert.False(t, p.Exhausted(0))
	assert.False(t, p.Exhausted(1))
	assert.True(t, p.Exhausted(2))
	assert.True(t, p.Exhausted(3))
}

func TestDefaultRetryPolicy(t *testing.T) {
	p := DefaultRetryPolicy()
	assert.Equal(t, 5, p.MaxRetries)
	assert.Equal(t, BackoffExponential, p.Backoff)
	assert.Positive(t, p.MinDelay)
	assert.Greater(t, p.MaxDelay, p.MinDelay)
}
