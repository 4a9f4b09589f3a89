package collector

import (
	"testing"
	"time"

	"github.com/rishav/marketdata-ingest/internal/event"
	"github.com/rs/zerolog"
)

type recordingPipeline struct {
	events []*event.Event
	accept bool
}

func (r *recordingPipeline) TryPublish(e *event.Event) bool {
	r.events = append(r.events, e)
	return r.accept
}

func newTestPublisher() (*Publisher, *recordingPipeline) {
	rp := &recordingPipeline{accept: true}
	return NewPublisher(rp, 10), rp
}

type stubDedup struct {
	duplicateSymbols map[string]bool
}

func (s *stubDedup) IsDuplicate(e *event.Event) (bool, error) {
	return s.duplicateSymbols[e.EffectiveSymbol()], nil
}

func TestPublisher_DedupSuppressesReportedDuplicatesButNotPipelineDelivery(t *testing.T) {
	pub, rp := newTestPublisher()
	pub.WithDedup(&stubDedup{duplicateSymbols: map[string]bool{"SPY": true}}, zerolog.Nop())

	ok := pub.Publish(&event.Event{Symbol: "SPY", Type: event.TypeTrade})
	if !ok {
		t.Fatalf("expected duplicate suppression to report success, not failure")
	}
	if len(rp.events) != 0 {
		t.Fatalf("expected duplicate event never reaches the pipeline, got %d", len(rp.events))
	}

	ok = pub.Publish(&event.Event{Symbol: "QQQ", Type: event.TypeTrade})
	if !ok {
		t.Fatalf("expected non-duplicate publish to succeed")
	}
	if len(rp.events) != 1 {
		t.Fatalf("expected non-duplicate event forwarded to pipeline, got %d", len(rp.events))
	}
}

func TestPublisherFanOutDeliversToSubscriber(t *testing.T) {
	pub, _ := newTestPublisher()
	ch := pub.Subscribe("SPY")
	allCh := pub.SubscribeAll()

	e := &event.Event{Symbol: "SPY", Type: event.TypeTrade}
	pub.Publish(e)

	select {
	case got := <-ch:
		if got != e {
			t.Fatalf("expected same event pointer delivered to symbol subscriber")
		}
	default:
		t.Fatalf("expected event delivered to symbol subscriber")
	}
	select {
	case got := <-allCh:
		if got != e {
			t.Fatalf("expected same event pointer delivered to all-subscriber")
		}
	default:
		t.Fatalf("expected event delivered to all-subscriber")
	}
}

func TestTradeCollectorAssignsMonotoneSequence(t *testing.T) {
	pub, rp := newTestPublisher()
	seqs := NewSequenceAllocator()
	tc := NewTradeCollector("alpaca", pub, seqs, nil)

	e1 := tc.Ingest("SPY", "", time.Now(), 100, 10, event.SideBuy, "t1", "XNYS", nil)
	e2 := tc.Ingest("SPY", "", time.Now(), 101, 5, event.SideBuy, "t2", "XNYS", nil)

	if e1.Sequence != 1 || e2.Sequence != 2 {
		t.Fatalf("expected sequences 1,2; got %d,%d", e1.Sequence, e2.Sequence)
	}
	if len(rp.events) != 2 {
		t.Fatalf("expected 2 events forwarded to pipeline, got %d", len(rp.events))
	}
}

func TestTradeCollectorRejectsZeroSizedTrade(t *testing.T) {
	pub, rp := newTestPublisher()
	seqs := NewSequenceAllocator()
	tc := NewTradeCollector("alpaca", pub, seqs, nil)

	e := tc.Ingest("SPY", "", time.Now(), 100, 0, event.SideBuy, "t1", "XNYS", nil)
	if e.Type != event.TypeIntegrity || e.Integrity.Kind != event.IntegrityInvalidInput {
		t.Fatalf("expected Integrity(InvalidInput) for zero-sized trade, got %+v", e)
	}
	if len(rp.events) != 1 {
		t.Fatalf("expected the integrity event itself to still reach the pipeline, got %d", len(rp.events))
	}
}

func TestTradeCollectorInfersAggressorFromQuoteCache(t *testing.T) {
	pub, _ := newTestPublisher()
	seqs := NewSequenceAllocator()
	cache := NewQuoteCache()
	cache.set("SPY", 99, 101)

	tc := NewTradeCollector("alpaca", pub, seqs, cache)

	buy := tc.Ingest("SPY", "", time.Now(), 101, 10, event.SideUnknown, "", "", nil)
	if buy.Trade.Aggressor != event.SideBuy {
		t.Errorf("expected inferred Buy at price==ask, got %v", buy.Trade.Aggressor)
	}

	sell := tc.Ingest("SPY", "", time.Now(), 99, 10, event.SideUnknown, "", "", nil)
	if sell.Trade.Aggressor != event.SideSell {
		t.Errorf("expected inferred Sell at price==bid, got %v", sell.Trade.Aggressor)
	}

	mid := tc.Ingest("SPY", "", time.Now(), 100, 10, event.SideUnknown, "", "", nil)
	if mid.Trade.Aggressor != event.SideUnknown {
		t.Errorf("expected Unknown between bid and ask, got %v", mid.Trade.Aggressor)
	}
}

func TestQuoteCollectorSuppressesExactDuplicates(t *testing.T) {
	pub, rp := newTestPublisher()
	seqs := NewSequenceAllocator()
	qc := NewQuoteCollector("alpaca", pub, seqs, nil)

	e1 := qc.Update("SPY", "", time.Now(), 99, 100, 101, 100, "XNYS")
	if e1 == nil {
		t.Fatalf("expected first update to publish")
	}
	e2 := qc.Update("SPY", "", time.Now(), 99, 100, 101, 100, "XNYS")
	if e2 != nil {
		t.Fatalf("expected exact duplicate update to be suppressed")
	}
	if len(rp.events) != 1 {
		t.Fatalf("expected 1 event forwarded, got %d", len(rp.events))
	}
}

func TestQuoteCollectorCrossedQuoteEmitsIntegrityNotBboQuote(t *testing.T) {
	pub, _ := newTestPublisher()
	seqs := NewSequenceAllocator()
	qc := NewQuoteCollector("alpaca", pub, seqs, nil)

	e := qc.Update("SPY", "", time.Now(), 101, 100, 99, 100, "XNYS")
	if e.Type != event.TypeIntegrity || e.Integrity.Kind != event.IntegrityCrossedBook {
		t.Fatalf("expected Integrity(CrossedBook), got %+v", e)
	}
}

func TestQuoteCollectorUpdatesSharedCacheForAggressorInference(t *testing.T) {
	pub, _ := newTestPublisher()
	seqs := NewSequenceAllocator()
	cache := NewQuoteCache()
	qc := NewQuoteCollector("alpaca", pub, seqs, cache)

	qc.Update("SPY", "", time.Now(), 99, 100, 101, 100, "XNYS")

	bid, ask, ok := cache.Get("SPY")
	if !ok || bid != 99 || ask != 101 {
		t.Fatalf("expected cache updated to (99,101), got (%d,%d,%v)", bid, ask, ok)
	}
}

func TestMarketDepthCollectorSnapshotThenDelta(t *testing.T) {
	pub, _ := newTestPublisher()
	seqs := NewSequenceAllocator()
	dc := NewMarketDepthCollector("alpaca", pub, seqs)

	snap := dc.ApplySnapshot("SPY", "", 10, time.Now(),
		[]event.DepthLevel{{Price: 100, Size: 10}},
		[]event.DepthLevel{{Price: 101, Size: 10}},
	)
	if snap.Type != event.TypeL2Snapshot {
		t.Fatalf("expected L2Snapshot, got %v", snap.Type)
	}

	delta := event.L2Delta{Side: event.SideBuy, Op: event.DepthUpdate, Price: 100, Size: 20}
	got := dc.ApplyDelta("SPY", "", 11, time.Now(), delta)
	if got.Type != event.TypeL2Delta {
		t.Fatalf("expected L2Delta, got %v", got.Type)
	}

	bid := dc.Book("SPY").BestBid()
	if bid == nil || bid.Size != 20 {
		t.Fatalf("expected book updated to size 20, got %+v", bid)
	}
}

func TestMarketDepthCollectorGapForcesResetAndFurtherDeltasDropped(t *testing.T) {
	pub, _ := newTestPublisher()
	seqs := NewSequenceAllocator()
	dc := NewMarketDepthCollector("alpaca", pub, seqs)

	dc.ApplySnapshot("SPY", "", 10, time.Now(),
		[]event.DepthLevel{{Price: 100, Size: 10}}, nil)

	// Vendor position jumps from 10 to 12: a gap.
	gap := dc.ApplyDelta("SPY", "", 12, time.Now(), event.L2Delta{Side: event.SideBuy, Op: event.DepthUpdate, Price: 100, Size: 5})
	if gap.Type != event.TypeIntegrity || gap.Integrity.Kind != event.IntegrityGapDetected {
		t.Fatalf("expected Integrity(GapDetected), got %+v", gap)
	}

	// A subsequent in-sequence-looking delta is still rejected until a
	// fresh snapshot arrives.
	again := dc.ApplyDelta("SPY", "", 13, time.Now(), event.L2Delta{Side: event.SideBuy, Op: event.DepthUpdate, Price: 100, Size: 7})
	if again.Type != event.TypeIntegrity {
		t.Fatalf("expected deltas to keep being rejected while awaiting reset, got %+v", again)
	}

	// A fresh snapshot clears the awaiting-reset state.
	dc.ApplySnapshot("SPY", "", 20, time.Now(), []event.DepthLevel{{Price: 100, Size: 99}}, nil)
	resumed := dc.ApplyDelta("SPY", "", 21, time.Now(), event.L2Delta{Side: event.SideBuy, Op: event.DepthUpdate, Price: 100, Size: 42})
	if resumed.Type != event.TypeL2Delta {
		t.Fatalf("expected delta to resume after fresh snapshot, got %+v", resumed)
	}
}
