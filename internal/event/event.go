// Package event defines the uniform market event model shared by every
// collector, the pipeline, the sink, and the WAL.
//
// Prices and sizes use fixed-point int64 ticks rather than float64, the same
// design decision the teacher order-matching engine makes for order prices:
// accumulated floating-point error is unacceptable once a number has been
// durably written and is expected to match byte-for-byte on replay.
// TicksPerUnit converts a tick count to a decimal string for display only;
// all arithmetic in this package stays in ticks.
package event

import (
	"fmt"
	"time"
)

// TicksPerUnit is the fixed-point scale: one unit of price or size equals
// this many ticks. 1/10^6 resolution covers both equity cents and crypto
// sub-cent pricing without overflow at realistic notional sizes.
const TicksPerUnit = 1_000_000

// FormatTicks renders a tick count as a decimal string with six places.
func FormatTicks(ticks int64) string {
	whole := ticks / TicksPerUnit
	frac := ticks % TicksPerUnit
	if frac < 0 {
		frac = -frac
	}
	return fmt.Sprintf("%d.%06d", whole, frac)
}

// Type discriminates the event payload.
type Type uint8

const (
	TypeTrade Type = iota + 1
	TypeBboQuote
	TypeL2Snapshot
	TypeL2Delta
	TypeIntegrity
)

func (t Type) String() string {
	switch t {
	case TypeTrade:
		return "trade"
	case TypeBboQuote:
		return "bboquote"
	case TypeL2Snapshot:
		return "l2_snapshot"
	case TypeL2Delta:
		return "l2_delta"
	case TypeIntegrity:
		return "integrity"
	default:
		return "unknown"
	}
}

// Side identifies a book side, reused across quotes, depth and aggressor
// inference.
type Side uint8

const (
	SideUnknown Side = iota
	SideBuy
	SideSell
)

func (s Side) String() string {
	switch s {
	case SideBuy:
		return "buy"
	case SideSell:
		return "sell"
	default:
		return "unknown"
	}
}

// DepthOp identifies how an L2Delta mutates a price level.
type DepthOp uint8

const (
	DepthInsert DepthOp = iota + 1
	DepthUpdate
	DepthDelete
)

func (o DepthOp) String() string {
	switch o {
	case DepthInsert:
		return "insert"
	case DepthUpdate:
		return "update"
	case DepthDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// IntegrityKind classifies an Integrity payload.
type IntegrityKind uint8

const (
	IntegrityGapDetected IntegrityKind = iota + 1
	IntegrityReset
	IntegrityOutOfOrder
	IntegrityDuplicateSuppressed
	IntegrityCrossedBook
	IntegrityInvalidInput
)

func (k IntegrityKind) String() string {
	switch k {
	case IntegrityGapDetected:
		return "gap_detected"
	case IntegrityReset:
		return "reset"
	case IntegrityOutOfOrder:
		return "out_of_order"
	case IntegrityDuplicateSuppressed:
		return "duplicate_suppressed"
	case IntegrityCrossedBook:
		return "crossed_book"
	case IntegrityInvalidInput:
		return "invalid_input"
	default:
		return "unknown"
	}
}

// Event is the uniform, immutable-after-publish market event record.
// Exactly one of the Payload fields below is populated, selected by Type.
type Event struct {
	Timestamp       time.Time
	Type            Type
	Symbol          string
	CanonicalSymbol string // empty if no mapping was available
	Source          string // provider id
	Sequence        uint64 // monotone within (Source, Symbol)

	Trade      *Trade      `json:",omitempty"`
	BboQuote   *BboQuote   `json:",omitempty"`
	L2Snapshot *L2Snapshot `json:",omitempty"`
	L2Delta    *L2Delta    `json:",omitempty"`
	Integrity  *Integrity  `json:",omitempty"`
}

// EffectiveSymbol returns CanonicalSymbol when present, else Symbol. Used
// uniformly by storage partitioning and dedup keys per spec §3/§4.1/§4.3.
func (e *Event) EffectiveSymbol() string {
	if e.CanonicalSymbol != "" {
		return e.CanonicalSymbol
	}
	return e.Symbol
}

// Aggressor identifies which side initiated a trade.
type Aggressor = Side

// Trade is the payload for Type == TypeTrade.
type Trade struct {
	Price      int64
	Size       int64
	Aggressor  Aggressor
	TradeID    string
	VenueMIC   string
	Conditions []string
}

// BboQuote is the payload for Type == TypeBboQuote. MidPrice and Spread are
// derived fields computed by the collector at construction time, not
// recomputed downstream.
type BboQuote struct {
	BidPrice int64
	BidSize  int64
	AskPrice int64
	AskSize  int64
	MidPrice int64
	Spread   int64
	VenueMIC string
}

// NewBboQuote computes MidPrice/Spread and returns a quote. Callers must
// still apply the bidPrice<=askPrice invariant check (§3) before publishing;
// this constructor does not reject crossed quotes so that a caller can
// still build an Integrity event describing the rejected values.
func NewBboQuote(bidPrice, bidSize, askPrice, askSize int64, venueMIC string) BboQuote {
	return BboQuote{
		BidPrice: bidPrice,
		BidSize:  bidSize,
		AskPrice: askPrice,
		AskSize:  askSize,
		MidPrice: (bidPrice + askPrice) / 2,
		Spread:   askPrice - bidPrice,
		VenueMIC: venueMIC,
	}
}

// Crossed reports whether the quote violates bidPrice <= askPrice.
// bidPrice == askPrice (a locked market) is NOT crossed — see spec §8 and
// DESIGN.md's Open Question decision.
func (q BboQuote) Crossed() bool {
	return q.BidPrice > q.AskPrice
}

// DepthLevel is a single (price, size) entry in an L2 book, optionally
// attributed to a market maker.
type DepthLevel struct {
	Price        int64
	Size         int64
	MarketMaker  string
}

// L2Snapshot is the payload for Type == TypeL2Snapshot: a full book replace.
type L2Snapshot struct {
	SequenceNumber uint64
	Bids           []DepthLevel // sorted descending by Price
	Asks           []DepthLevel // sorted ascending by Price
}

// L2Delta is the payload for Type == TypeL2Delta: an incremental book
// mutation applied on top of the last snapshot.
type L2Delta struct {
	Level       int
	Side        Side
	Op          DepthOp
	Price       int64
	Size        int64
	MarketMaker string
}

// Integrity is the payload for Type == TypeIntegrity.
type Integrity struct {
	Kind   IntegrityKind
	Detail string
}
