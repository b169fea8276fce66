package downloader

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Default retry tuning.
const (
	defBaseDelay     = 500 * time.Millisecond
	defMaxDelay      = 30 * time.Second
	defJitterFactor  = 0.5
	defBackoffFactor = 2.0
)

// retryPolicy controls the bounded retry applied to transient download
// failures. Attempts beyond MaxRetries surface the last error.
type retryPolicy struct {
	MaxRetries    int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	JitterFactor  float64
	BackoffFactor float64
}

func defaultRetryPolicy(maxRetries int) retryPolicy {
	return retryPolicy{
		MaxRetries:    maxRetries,
		BaseDelay:     defBaseDelay,
		MaxDelay:      defMaxDelay,
		JitterFactor:  defJitterFactor,
		BackoffFactor: defBackoffFactor,
	}
}

// backoff computes the delay before the given retry attempt (1-based),
// exponential with jitter, capped at MaxDelay.
func (p retryPolicy) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.BaseDelay) * math.Pow(p.BackoffFactor, float64(attempt-1))
	if p.JitterFactor > 0 {
		jitter := p.JitterFactor * (2*rand.Float64() - 1)
		delay *= 1 + jitter
	}
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	if delay < 0 {
		delay = float64(p.BaseDelay)
	}
	return time.Duration(delay)
}

// wait blocks for the attempt's backoff or until ctx is cancelled.
func (p retryPolicy) wait(ctx context.Context, attempt int) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(p.backoff(attempt)):
		return nil
	}
}
