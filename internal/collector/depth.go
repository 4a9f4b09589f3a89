package collector

import (
	"sync"
	"time"

	"github.com/rishav/marketdata-ingest/internal/event"
	"github.com/rishav/marketdata-ingest/internal/orderbook"
)

type depthState struct {
	book            *orderbook.DepthBook
	lastVendorPos   uint64
	havePos         bool
	awaitingReset   bool // true after a gap, until the next snapshot arrives
}

// MarketDepthCollector applies vendor L2 updates to a per-symbol
// orderbook.DepthBook, detecting gaps in the vendor's own position/
// sequence field and forcing a book reset when one is found, per spec
// §4.5.
type MarketDepthCollector struct {
	source string
	pub    *Publisher
	seqs   *SequenceAllocator

	mu     sync.Mutex
	states map[string]*depthState
}

// NewMarketDepthCollector creates a MarketDepthCollector for the given
// provider id. seqAlloc should be the same allocator given to the
// TradeCollector for this provider.
func NewMarketDepthCollector(source string, pub *Publisher, seqAlloc *SequenceAllocator) *MarketDepthCollector {
	return &MarketDepthCollector{source: source, pub: pub, seqs: seqAlloc, states: make(map[string]*depthState)}
}

func (c *MarketDepthCollector) stateFor(symbol string) *depthState {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.states[symbol]
	if !ok {
		st = &depthState{book: orderbook.NewDepthBook(symbol)}
		c.states[symbol] = st
	}
	return st
}

// ApplySnapshot replaces a symbol's book wholesale from a vendor snapshot
// and clears any pending reset requirement, then publishes an L2Snapshot
// event.
func (c *MarketDepthCollector) ApplySnapshot(symbol, canonicalSymbol string, vendorPos uint64, ts time.Time, bids, asks []event.DepthLevel) *event.Event {
	st := c.stateFor(symbol)

	c.mu.Lock()
	st.book.ApplySnapshot(bids, asks)
	st.lastVendorPos = vendorPos
	st.havePos = true
	st.awaitingReset = false
	c.mu.Unlock()

	e := &event.Event{
		Timestamp:       ts,
		Type:            event.TypeL2Snapshot,
		Symbol:          symbol,
		CanonicalSymbol: canonicalSymbol,
		Source:          c.source,
		Sequence:        c.seqs.Next(c.source, symbol),
		L2Snapshot:      &event.L2Snapshot{SequenceNumber: vendorPos, Bids: bids, Asks: asks},
	}
	c.pub.Publish(e)
	return e
}

// ApplyDelta applies a vendor incremental update if vendorPos is the
// expected next value. A gap (vendorPos != lastVendorPos+1) emits
// Integrity(GapDetected) and marks the symbol as awaiting a fresh
// snapshot; deltas arriving while awaiting reset are themselves dropped
// (reported as further GapDetected integrity events) until ApplySnapshot
// is called again.
func (c *MarketDepthCollector) ApplyDelta(symbol, canonicalSymbol string, vendorPos uint64, ts time.Time, delta event.L2Delta) *event.Event {
	st := c.stateFor(symbol)

	c.mu.Lock()
	expected := st.havePos && !st.awaitingReset && vendorPos == st.lastVendorPos+1
	if !expected {
		st.awaitingReset = true
		c.mu.Unlock()
		e := &event.Event{
			Timestamp:       ts,
			Type:            event.TypeIntegrity,
			Symbol:          symbol,
			CanonicalSymbol: canonicalSymbol,
			Source:          c.source,
			Sequence:        c.seqs.Next(c.source, symbol),
			Integrity: &event.Integrity{
				Kind:   event.IntegrityGapDetected,
				Detail: "vendor position gap in depth stream, awaiting snapshot",
			},
		}
		c.pub.Publish(e)
		return e
	}

	if err := st.book.ApplyDelta(delta); err != nil {
		st.awaitingReset = true
		c.mu.Unlock()
		e := &event.Event{
			Timestamp:       ts,
			Type:            event.TypeIntegrity,
			Symbol:          symbol,
			CanonicalSymbol: canonicalSymbol,
			Source:          c.source,
			Sequence:        c.seqs.Next(c.source, symbol),
			Integrity:       &event.Integrity{Kind: event.IntegrityGapDetected, Detail: err.Error()},
		}
		c.pub.Publish(e)
		return e
	}
	st.lastVendorPos = vendorPos
	c.mu.Unlock()

	e := &event.Event{
		Timestamp:       ts,
		Type:            event.TypeL2Delta,
		Symbol:          symbol,
		CanonicalSymbol: canonicalSymbol,
		Source:          c.source,
		Sequence:        c.seqs.Next(c.source, symbol),
		L2Delta:         &delta,
	}
	c.pub.Publish(e)
	return e
}

// Book returns the current depth book for symbol, creating an empty one
// if none exists yet. Exposed for status tooling and tests.
func (c *MarketDepthCollector) Book(symbol string) *orderbook.DepthBook {
	return c.stateFor(symbol).book
}
