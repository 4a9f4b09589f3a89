package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// SlidingWindow is the default in-process Limiter: at most maxRequests
// timestamps within the trailing window, with timestamps older than
// window lazily evicted on each call. minDelay spacing between
// successive slots is delegated to golang.org/x/time/rate — a
// single-token limiter is exactly the "minimum spacing between calls"
// primitive minDelay asks for, so it is reused here instead of
// hand-rolling a timer loop.
type SlidingWindow struct {
	maxRequests int
	window      time.Duration
	spacer      *rate.Limiter

	mu         sync.Mutex
	timestamps []time.Time
}

// NewSlidingWindow creates a limiter allowing maxRequests per window,
// with no less than minDelay between any two granted slots. minDelay <= 0
// disables the spacing check.
func NewSlidingWindow(maxRequests int, window, minDelay time.Duration) *SlidingWindow {
	var spacer *rate.Limiter
	if minDelay > 0 {
		spacer = rate.NewLimiter(rate.Every(minDelay), 1)
	}
	return &SlidingWindow{maxRequests: maxRequests, window: window, spacer: spacer}
}

// WaitForSlot blocks until both the minDelay spacing and the sliding
// window have a free slot, or ctx is cancelled.
func (w *SlidingWindow) WaitForSlot(ctx context.Context) error {
	if w.spacer != nil {
		if err := w.spacer.Wait(ctx); err != nil {
			return err
		}
	}

	for {
		w.mu.Lock()
		w.evictLocked(time.Now())
		if len(w.timestamps) < w.maxRequests {
			w.timestamps = append(w.timestamps, time.Now())
			w.mu.Unlock()
			return nil
		}
		wait := w.timestamps[0].Add(w.window).Sub(time.Now())
		w.mu.Unlock()

		if wait <= 0 {
			wait = time.Millisecond
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// RecordRequest accounts for a request made outside WaitForSlot.
func (w *SlidingWindow) RecordRequest() {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := time.Now()
	w.evictLocked(now)
	w.timestamps = append(w.timestamps, now)
}

// evictLocked drops timestamps older than window. Callers must hold mu.
func (w *SlidingWindow) evictLocked(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.timestamps) && w.timestamps[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		w.timestamps = append([]time.Time{}, w.timestamps[i:]...)
	}
}
