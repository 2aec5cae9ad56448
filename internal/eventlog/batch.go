package eventlog

import (
	"context"
	"errors"
	"time"
)

// FetchBatch collects up to max messages, waiting at most wait for the batch
// to fill. A partial batch is returned with the error that ended it; the
// deadline itself is not an error.
func FetchBatch(ctx context.Context, c Consumer, max int, wait time.Duration) ([]Message, error) {
	if max <= 0 {
		max = 1
	}
	deadline := time.Now().Add(wait)
	var out []Message
	for len(out) < max {
		fctx, cancel := context.WithDeadline(ctx, deadline)
		m, err := c.Fetch(fctx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			if errors.Is(err, context.DeadlineExceeded) {
				return out, nil
			}
			return out, err
		}
		out = append(out, m)
	}
	return out, nil
}

// InFlight returns the context for a batch that is already fetched. It
// outlives the cancellation of ctx by at most grace, so the batch can finish
// and commit during shutdown without blocking it forever.
func InFlight(ctx context.Context, grace time.Duration) (context.Context, context.CancelFunc) {
	bctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(ctx, func() {
		t := time.NewTimer(grace)
		defer t.Stop()
		select {
		case <-t.C:
			cancel()
		case <-bctx.Done():
		}
	})
	return bctx, func() {
		stop()
		cancel()
	}
}

// WithTimeout bounds ctx by d when d is positive.
func WithTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
