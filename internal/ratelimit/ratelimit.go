// Package ratelimit implements the per-provider sliding-window rate
// limiter described in spec §4.8: maxRequests per window, plus a minimum
// delay between successive calls, safe for concurrent callers.
package ratelimit

import "context"

// Limiter is the contract both the in-process SlidingWindow and the
// Redis-backed distributed variant satisfy.
type Limiter interface {
	// WaitForSlot suspends the caller until a slot is available or ctx
	// is cancelled.
	WaitForSlot(ctx context.Context) error
	// RecordRequest accounts for a request made outside WaitForSlot (e.g.
	// a retry performed elsewhere), so the window still reflects it.
	RecordRequest()
}
