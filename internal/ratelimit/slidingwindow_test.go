package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestSlidingWindow_AllowsUpToMaxRequests(t *testing.T) {
	w := NewSlidingWindow(3, time.Hour, 0)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := w.WaitForSlot(ctx); err != nil {
			t.Fatalf("request %d: unexpected error: %v", i, err)
		}
	}
}

func TestSlidingWindow_BlocksBeyondMaxUntilContextCancelled(t *testing.T) {
	w := NewSlidingWindow(1, time.Hour, 0)
	ctx := context.Background()
	if err := w.WaitForSlot(ctx); err != nil {
		t.Fatalf("first slot: %v", err)
	}

	cancelCtx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := w.WaitForSlot(cancelCtx); err == nil {
		t.Fatalf("expected second request within the window to block until context cancellation")
	}
}

func TestSlidingWindow_EvictsExpiredTimestamps(t *testing.T) {
	w := NewSlidingWindow(1, 20*time.Millisecond, 0)
	ctx := context.Background()

	if err := w.WaitForSlot(ctx); err != nil {
		t.Fatalf("first slot: %v", err)
	}
	time.Sleep(30 * time.Millisecond)

	fastCtx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := w.WaitForSlot(fastCtx); err != nil {
		t.Fatalf("expected slot to free up after window elapsed, got %v", err)
	}
}

func TestSlidingWindow_EnforcesMinDelay(t *testing.T) {
	w := NewSlidingWindow(100, time.Hour, 30*time.Millisecond)
	ctx := context.Background()

	start := time.Now()
	if err := w.WaitForSlot(ctx); err != nil {
		t.Fatalf("first slot: %v", err)
	}
	if err := w.WaitForSlot(ctx); err != nil {
		t.Fatalf("second slot: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 25*time.Millisecond {
		t.Fatalf("expected min delay spacing to hold off the second slot, elapsed only %v", elapsed)
	}
}

func TestSlidingWindow_RecordRequestCountsTowardWindow(t *testing.T) {
	w := NewSlidingWindow(2, time.Hour, 0)
	w.RecordRequest()
	w.RecordRequest()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := w.WaitForSlot(ctx); err == nil {
		t.Fatalf("expected window to already be full from externally recorded requests")
	}
}
