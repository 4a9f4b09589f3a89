package event

import (
	"encoding/json"
	"testing"
	"time"
)

func TestBboQuoteCrossedBoundary(t *testing.T) {
	locked := NewBboQuote(100*TicksPerUnit, 10, 100*TicksPerUnit, 10, "")
	if locked.Crossed() {
		t.Fatalf("bidPrice == askPrice must not be reported crossed")
	}

	crossed := NewBboQuote(101*TicksPerUnit, 10, 100*TicksPerUnit, 10, "")
	if !crossed.Crossed() {
		t.Fatalf("bidPrice > askPrice must be reported crossed")
	}
}

func TestEventJSONRoundTrip(t *testing.T) {
	in := Event{
		Timestamp: time.Date(2024, 1, 2, 14, 30, 0, 0, time.UTC),
		Type:      TypeTrade,
		Symbol:    "SPY",
		Source:    "alpaca",
		Sequence:  1,
		Trade: &Trade{
			Price:     500_120_000,
			Size:      100 * TicksPerUnit,
			Aggressor: SideBuy,
		},
	}

	raw, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var out Event
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if out.Symbol != in.Symbol || out.Sequence != in.Sequence || out.Source != in.Source {
		t.Fatalf("round trip mismatch: got %+v", out)
	}
	if out.Trade == nil || out.Trade.Price != in.Trade.Price {
		t.Fatalf("trade payload mismatch: got %+v", out.Trade)
	}
	if !out.Timestamp.Equal(in.Timestamp) {
		t.Fatalf("timestamp mismatch: got %v want %v", out.Timestamp, in.Timestamp)
	}
}

func TestEffectiveSymbolPrefersCanonical(t *testing.T) {
	e := Event{Symbol: "SPY.US", CanonicalSymbol: "SPY"}
	if got := e.EffectiveSymbol(); got != "SPY" {
		t.Fatalf("expected canonical symbol, got %q", got)
	}
	e2 := Event{Symbol: "SPY.US"}
	if got := e2.EffectiveSymbol(); got != "SPY.US" {
		t.Fatalf("expected raw symbol fallback, got %q", got)
	}
}
