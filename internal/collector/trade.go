package collector

import (
	"time"

	"github.com/rishav/marketdata-ingest/internal/event"
)

// TradeCollector ingests vendor trade updates for one provider, assigns
// each a canonical sequence number, and publishes Trade events, per spec
// §4.5.
type TradeCollector struct {
	source string
	pub    *Publisher
	seqs   *SequenceAllocator
	quotes *QuoteCache
}

// NewTradeCollector creates a TradeCollector for the given provider id.
// seqAlloc should be shared with the MarketDepthCollector covering the
// same provider, since sequence is monotone across Trade and L2 events
// within a (source, symbol) stream. quotes may be nil, in which case a
// missing aggressor is always reported Unknown.
func NewTradeCollector(source string, pub *Publisher, seqAlloc *SequenceAllocator, quotes *QuoteCache) *TradeCollector {
	return &TradeCollector{source: source, pub: pub, seqs: seqAlloc, quotes: quotes}
}

// Ingest builds a Trade event from vendor fields and publishes it. If
// aggressor is event.SideUnknown, it is inferred from the last known BBO:
// Buy if price >= ask, Sell if price <= bid, else left Unknown. A
// zero-sized trade is rejected per spec §8: an Integrity(InvalidInput)
// event is published instead, since collectors never throw per §7.
func (c *TradeCollector) Ingest(symbol, canonicalSymbol string, ts time.Time, price, size int64, aggressor event.Side, tradeID, venueMIC string, conditions []string) *event.Event {
	if size == 0 {
		e := &event.Event{
			Timestamp:       ts,
			Type:            event.TypeIntegrity,
			Symbol:          symbol,
			CanonicalSymbol: canonicalSymbol,
			Source:          c.source,
			Sequence:        c.seqs.Next(c.source, symbol),
			Integrity: &event.Integrity{
				Kind:   event.IntegrityInvalidInput,
				Detail: "zero-sized trade rejected",
			},
		}
		c.pub.Publish(e)
		return e
	}

	if aggressor == event.SideUnknown {
		aggressor = c.inferAggressor(symbol, price)
	}

	e := &event.Event{
		Timestamp:       ts,
		Type:            event.TypeTrade,
		Symbol:          symbol,
		CanonicalSymbol: canonicalSymbol,
		Source:          c.source,
		Sequence:        c.seqs.Next(c.source, symbol),
		Trade: &event.Trade{
			Price:      price,
			Size:       size,
			Aggressor:  aggressor,
			TradeID:    tradeID,
			VenueMIC:   venueMIC,
			Conditions: conditions,
		},
	}
	c.pub.Publish(e)
	return e
}

func (c *TradeCollector) inferAggressor(symbol string, price int64) event.Side {
	if c.quotes == nil {
		return event.SideUnknown
	}
	bid, ask, ok := c.quotes.Get(symbol)
	if !ok {
		return event.SideUnknown
	}
	switch {
	case price >= ask:
		return event.SideBuy
	case price <= bid:
		return event.SideSell
	default:
		return event.SideUnknown
	}
}
