package cache

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// LargeObjectThrottle guards ingestion of instances whose serialized size
// exceeds Threshold, so multiple very large studies arriving concurrently
// cannot jointly saturate RAM (spec §4.2). Built on the same counting
// semaphore primitive the original implementation shares between this use
// case and the job-worker cap (see original_source Semaphore.cpp).
type LargeObjectThrottle struct {
	sem       *semaphore.Weighted
	Threshold int64
}

// NewLargeObjectThrottle creates a throttle with the given number of
// concurrent large-object permits (spec default: a single permit) and the
// byte-size threshold above which an object is considered "large".
func NewLargeObjectThrottle(permits int64, thresholdBytes int64) *LargeObjectThrottle {
	if permits < 1 {
		permits = 1
	}
	return &LargeObjectThrottle{sem: semaphore.NewWeighted(permits), Threshold: thresholdBytes}
}

// Guard acquires a permit iff size exceeds Threshold; release is a no-op
// closure when no permit was taken, so callers can always `defer release()`
// unconditionally.
func (t *LargeObjectThrottle) Guard(ctx context.Context, size int64) (release func(), err error) {
	if size <= t.Threshold {
		return func() {}, nil
	}
	if err := t.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	released := false
	return func() {
		if !released {
			released = true
			t.sem.Release(1)
		}
	}, nil
}
