package sink

import (
	"sync"
	"time"
)

const minPause = 10 * time.Millisecond

// Throttle adapts fetch size and inter-batch pause to store latency: a slow
// batch halves the fetch size and doubles the pause, a healthy batch grows
// the fetch size by a step and halves the pause.
type Throttle struct {
	mu        sync.Mutex
	max       int
	step      int
	size      int
	pause     time.Duration
	maxPause  time.Duration
	threshold time.Duration
	slow      int64
}

func NewThrottle(maxBatch int, threshold, maxPause time.Duration) *Throttle {
	if maxBatch <= 0 {
		maxBatch = 1
	}
	return &Throttle{
		max:       maxBatch,
		step:      max(1, maxBatch/10),
		size:      maxBatch,
		maxPause:  maxPause,
		threshold: threshold,
	}
}

func (t *Throttle) Observe(latency time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.threshold > 0 && latency > t.threshold {
		t.slow++
		t.size = max(1, t.size/2)
		t.pause = min(t.maxPause, max(minPause, t.pause*2))
		return
	}
	t.size = min(t.max, t.size+t.step)
	t.pause /= 2
	if t.pause < minPause {
		t.pause = 0
	}
}

func (t *Throttle) BatchSize() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.size
}

func (t *Throttle) Pause() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pause
}

func (t *Throttle) SlowBatches() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.slow
}
