package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/mehmetymw/cdcfed/internal/config"
	"github.com/mehmetymw/cdcfed/internal/types"
)

// Backoff is a bounded exponential backoff with jitter.
type Backoff struct {
	Initial     time.Duration
	Max         time.Duration
	Multiplier  float64
	MaxAttempts int
	// JitterFactor is the maximum jitter as a fraction of the delay (0.0 to 1.0)
	JitterFactor float64
}

func FromBatching(b config.Batching) Backoff {
	return Backoff{
		Initial:      time.Duration(b.InitialBackoffMs) * time.Millisecond,
		Max:          time.Duration(b.MaxBackoffMs) * time.Millisecond,
		Multiplier:   2,
		MaxAttempts:  b.MaxAttempts,
		JitterFactor: 0.2,
	}
}

// Delay returns the pause after the given 0-based failed attempt.
func (b Backoff) Delay(attempt int) time.Duration {
	mult := b.Multiplier
	if mult <= 1 {
		mult = 2
	}
	delay := float64(b.Initial) * math.Pow(mult, float64(attempt))
	if b.Max > 0 && delay > float64(b.Max) {
		delay = float64(b.Max)
	}
	if b.JitterFactor > 0 {
		//nolint:gosec // jitter is not security sensitive
		delay += delay * b.JitterFactor * (2*rand.Float64() - 1)
		if delay < 0 {
			delay = float64(b.Initial)
		}
	}
	return time.Duration(delay)
}

// Do runs fn until it succeeds, returns a non-transient error, runs out of
// attempts or ctx ends. The last error is returned.
func Do(ctx context.Context, b Backoff, fn func(ctx context.Context) error, onRetry func(attempt int, err error, delay time.Duration)) error {
	attempts := b.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if err = fn(ctx); err == nil || !types.IsTransient(err) {
			return err
		}
		if attempt == attempts-1 {
			break
		}
		delay := b.Delay(attempt)
		if onRetry != nil {
			onRetry(attempt+1, err, delay)
		}
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return err
		case <-t.C:
		}
	}
	return err
}
