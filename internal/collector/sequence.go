package collector

import "sync"

// SequenceAllocator assigns monotone sequence numbers per (source, symbol)
// stream. Trade and L2 events from the same stream share one allocator
// instance, per the event model's invariant that sequence is strictly
// increasing "across Trade and L2 events" for a given (source, symbol);
// BboQuote is not named by that invariant, so callers give QuoteCollector
// its own allocator instead of sharing this one.
type SequenceAllocator struct {
	mu  sync.Mutex
	seq map[string]uint64
}

// NewSequenceAllocator creates an empty allocator.
func NewSequenceAllocator() *SequenceAllocator {
	return &SequenceAllocator{seq: make(map[string]uint64)}
}

// Next returns the next sequence number for (source, symbol), starting at 1.
func (a *SequenceAllocator) Next(source, symbol string) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	key := source + "|" + symbol
	a.seq[key]++
	return a.seq[key]
}
