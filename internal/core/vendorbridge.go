package core

import (
	"encoding/json"
	"time"

	"github.com/rishav/marketdata-ingest/internal/event"
	"github.com/rishav/marketdata-ingest/internal/provider"
)

// tradePayload, quotePayload and depthPayload are the minimal decoded
// shapes expected inside VendorUpdate.Payload for each Subscription kind.
// A real vendor adapter maps its own field names onto these before the
// update reaches a WebSocketClient's sink.
type tradePayload struct {
	Price      int64    `json:"price"`
	Size       int64    `json:"size"`
	Side       string   `json:"side"`
	TradeID    string   `json:"trade_id"`
	VenueMIC   string   `json:"venue_mic"`
	Conditions []string `json:"conditions"`
}

type quotePayload struct {
	BidPrice int64  `json:"bid_price"`
	BidSize  int64  `json:"bid_size"`
	AskPrice int64  `json:"ask_price"`
	AskSize  int64  `json:"ask_size"`
	VenueMIC string `json:"venue_mic"`
}

type depthPayload struct {
	VendorPos uint64             `json:"vendor_pos"`
	Snapshot  bool               `json:"snapshot"`
	Bids      []event.DepthLevel `json:"bids"`
	Asks      []event.DepthLevel `json:"asks"`
	Delta     *event.L2Delta     `json:"delta"`
}

func sideFromString(s string) event.Side {
	switch s {
	case "buy":
		return event.SideBuy
	case "sell":
		return event.SideSell
	default:
		return event.SideUnknown
	}
}

// vendorBridge implements provider.VendorSink for one source: it decodes
// the minimal wire shape a provider.WebSocketClient hands up and forwards
// into the per-source collector that turns it into a canonical event, per
// spec §4.6 "streaming clients emit to collectors, never directly to the
// durability pipeline."
type vendorBridge struct {
	core   *Core
	source string
}

func (b *vendorBridge) OnVendorUpdate(u provider.VendorUpdate) {
	raw, ok := u.Payload.(json.RawMessage)
	if !ok {
		b.core.log.Warn().Str("source", b.source).Msg("vendor update payload was not json.RawMessage, dropping")
		return
	}
	now := time.Now().UTC()

	switch {
	case u.Kind.Has(provider.SubTrades):
		var p tradePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			b.core.log.Warn().Err(err).Str("source", b.source).Msg("decode trade payload failed")
			return
		}
		if tc := b.core.trade[b.source]; tc != nil {
			tc.Ingest(u.Symbol, "", now, p.Price, p.Size, sideFromString(p.Side), p.TradeID, p.VenueMIC, p.Conditions)
		}
	case u.Kind.Has(provider.SubBboQuote):
		var p quotePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			b.core.log.Warn().Err(err).Str("source", b.source).Msg("decode quote payload failed")
			return
		}
		if qc := b.core.quote[b.source]; qc != nil {
			qc.Update(u.Symbol, "", now, p.BidPrice, p.BidSize, p.AskPrice, p.AskSize, p.VenueMIC)
		}
	case u.Kind.Has(provider.SubDepth):
		var p depthPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			b.core.log.Warn().Err(err).Str("source", b.source).Msg("decode depth payload failed")
			return
		}
		dc := b.core.depth[b.source]
		if dc == nil {
			return
		}
		if p.Snapshot {
			dc.ApplySnapshot(u.Symbol, "", p.VendorPos, now, p.Bids, p.Asks)
		} else if p.Delta != nil {
			dc.ApplyDelta(u.Symbol, "", p.VendorPos, now, *p.Delta)
		}
	}
}

// StreamingClient returns (constructing lazily via the registry on first
// call) the streaming client for kind, wired to source's vendor bridge and
// to the failover controller as its HealthSink when one is configured.
func (c *Core) StreamingClient(kind provider.DataSourceKind, source string) (provider.StreamingClient, error) {
	var health provider.HealthSink
	if c.fo != nil {
		health = c.fo
	} else {
		health = noopHealthSink{}
	}
	return c.registry.StreamingClient(kind, &vendorBridge{core: c, source: source}, health)
}

type noopHealthSink struct{}

func (noopHealthSink) ReportHealth(provider.HealthEvent) {}
