package collector

import (
	"sync"
	"time"

	"github.com/rishav/marketdata-ingest/internal/event"
)

type quoteState struct {
	bidPrice, bidSize, askPrice, askSize int64
}

// QuoteCollector maintains per-symbol (bid, ask) state for one provider
// and emits BboQuote events on change, suppressing exact duplicates, per
// spec §4.5. A crossed quote (bidPrice > askPrice) is never published:
// an Integrity(CrossedBook) event is emitted instead and the quote state
// is left unchanged, per spec §3's invariant.
type QuoteCollector struct {
	source string
	pub    *Publisher
	seqs   *SequenceAllocator
	cache  *QuoteCache

	mu    sync.Mutex
	state map[string]quoteState
}

// NewQuoteCollector creates a QuoteCollector for the given provider id.
// cache, if non-nil, is updated on every accepted quote so a
// TradeCollector sharing it can infer a missing trade aggressor.
func NewQuoteCollector(source string, pub *Publisher, seqAlloc *SequenceAllocator, cache *QuoteCache) *QuoteCollector {
	return &QuoteCollector{source: source, pub: pub, seqs: seqAlloc, cache: cache, state: make(map[string]quoteState)}
}

// Update applies a vendor BBO update. Returns the published event (either
// a BboQuote or, for a crossed update, an Integrity event), or nil if the
// update was an exact duplicate of the current state and suppressed.
func (c *QuoteCollector) Update(symbol, canonicalSymbol string, ts time.Time, bidPrice, bidSize, askPrice, askSize int64, venueMIC string) *event.Event {
	next := quoteState{bidPrice: bidPrice, bidSize: bidSize, askPrice: askPrice, askSize: askSize}

	c.mu.Lock()
	prev, seen := c.state[symbol]
	if seen && prev == next {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if bidPrice > askPrice {
		e := &event.Event{
			Timestamp:       ts,
			Type:            event.TypeIntegrity,
			Symbol:          symbol,
			CanonicalSymbol: canonicalSymbol,
			Source:          c.source,
			Sequence:        c.seqs.Next(c.source, symbol),
			Integrity: &event.Integrity{
				Kind:   event.IntegrityCrossedBook,
				Detail: "bidPrice > askPrice; quote dropped",
			},
		}
		c.pub.Publish(e)
		return e
	}

	c.mu.Lock()
	c.state[symbol] = next
	c.mu.Unlock()

	if c.cache != nil {
		c.cache.set(symbol, bidPrice, askPrice)
	}

	quote := event.NewBboQuote(bidPrice, bidSize, askPrice, askSize, venueMIC)
	e := &event.Event{
		Timestamp:       ts,
		Type:            event.TypeBboQuote,
		Symbol:          symbol,
		CanonicalSymbol: canonicalSymbol,
		Source:          c.source,
		Sequence:        c.seqs.Next(c.source, symbol),
		BboQuote:        &quote,
	}
	c.pub.Publish(e)
	return e
}
