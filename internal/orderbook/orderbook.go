package orderbook

import (
	"fmt"
	"strings"

	"github.com/rishav/marketdata-ingest/internal/event"
)

// DepthBook maintains the bid and ask sides of a single symbol's L2 book,
// rebuilt wholesale from snapshots and advanced incrementally by deltas.
//
// Architecture (unchanged from the teacher's OrderBook):
//
//	                    DepthBook
//	                        │
//	       ┌────────────────┴────────────────┐
//	       │                                 │
//	    Bids (RBTree)                   Asks (RBTree)
//	    descending=true                 descending=false
//	       │                                 │
//	    PriceLevel                       PriceLevel
//	    (sorted high→low)                (sorted low→high)
type DepthBook struct {
	symbol string
	bids   *RBTree
	asks   *RBTree
}

// NewDepthBook creates an empty depth book for the given symbol.
func NewDepthBook(symbol string) *DepthBook {
	return &DepthBook{
		symbol: symbol,
		bids:   NewRBTree(true),
		asks:   NewRBTree(false),
	}
}

// Symbol returns the symbol this book tracks.
func (b *DepthBook) Symbol() string { return b.symbol }

// ApplySnapshot replaces both sides of the book wholesale.
func (b *DepthBook) ApplySnapshot(bids, asks []event.DepthLevel) {
	b.bids = NewRBTree(true)
	b.asks = NewRBTree(false)
	for _, lvl := range bids {
		level := NewPriceLevel(lvl.Price)
		if lvl.MarketMaker != "" {
			level.Upsert(lvl.MarketMaker, lvl.Size)
		} else {
			level.SetSize(lvl.Size)
		}
		b.bids.Insert(level)
	}
	for _, lvl := range asks {
		level := NewPriceLevel(lvl.Price)
		if lvl.MarketMaker != "" {
			level.Upsert(lvl.MarketMaker, lvl.Size)
		} else {
			level.SetSize(lvl.Size)
		}
		b.asks.Insert(level)
	}
}

// ApplyDelta mutates one price level per the incremental update, per spec
// §3's depth semantics: Insert/Update set a level's size (or a single
// maker's contribution), Delete removes it.
func (b *DepthBook) ApplyDelta(d event.L2Delta) error {
	tree := b.treeForSide(d.Side)

	switch d.Op {
	case event.DepthInsert, event.DepthUpdate:
		level := tree.Get(d.Price)
		if level == nil {
			level = NewPriceLevel(d.Price)
			tree.Insert(level)
		}
		if d.MarketMaker != "" {
			level.Upsert(d.MarketMaker, d.Size)
		} else {
			level.SetSize(d.Size)
		}
		if level.IsEmpty() {
			tree.Delete(d.Price)
		}
		return nil
	case event.DepthDelete:
		level := tree.Get(d.Price)
		if level == nil {
			return fmt.Errorf("orderbook: delete at absent price level %d", d.Price)
		}
		if d.MarketMaker != "" {
			level.RemoveMaker(d.MarketMaker)
		} else {
			level.SetSize(0)
		}
		if level.IsEmpty() {
			tree.Delete(d.Price)
		}
		return nil
	default:
		return fmt.Errorf("orderbook: unknown delta op %v", d.Op)
	}
}

func (b *DepthBook) treeForSide(side event.Side) *RBTree {
	if side == event.SideBuy {
		return b.bids
	}
	return b.asks
}

// BestBid returns the highest bid price level, or nil if no bids.
func (b *DepthBook) BestBid() *PriceLevel { return b.bids.Min() }

// BestAsk returns the lowest ask price level, or nil if no asks.
func (b *DepthBook) BestAsk() *PriceLevel { return b.asks.Min() }

// Spread returns the difference between best ask and best bid, or 0 if
// either side is empty.
func (b *DepthBook) Spread() int64 {
	bid, ask := b.BestBid(), b.BestAsk()
	if bid == nil || ask == nil {
		return 0
	}
	return ask.Price - bid.Price
}

// MidPrice returns the midpoint between best bid and ask, or 0 if either
// side is empty.
func (b *DepthBook) MidPrice() int64 {
	bid, ask := b.BestBid(), b.BestAsk()
	if bid == nil || ask == nil {
		return 0
	}
	return (bid.Price + ask.Price) / 2
}

// BidLevels returns the number of distinct bid price levels.
func (b *DepthBook) BidLevels() int { return b.bids.Size() }

// AskLevels returns the number of distinct ask price levels.
func (b *DepthBook) AskLevels() int { return b.asks.Size() }

// TopBids returns the top n bid levels (descending by price), or all
// levels if n <= 0, converted to event.DepthLevel for publication.
func (b *DepthBook) TopBids(n int) []event.DepthLevel {
	return snapshotTree(b.bids, n)
}

// TopAsks returns the top n ask levels (ascending by price), or all
// levels if n <= 0, converted to event.DepthLevel for publication.
func (b *DepthBook) TopAsks(n int) []event.DepthLevel {
	return snapshotTree(b.asks, n)
}

func snapshotTree(tree *RBTree, maxLevels int) []event.DepthLevel {
	result := make([]event.DepthLevel, 0, tree.Size())
	count := 0
	tree.ForEach(func(level *PriceLevel) bool {
		result = append(result, event.DepthLevel{Price: level.Price, Size: level.Size})
		count++
		if maxLevels > 0 && count >= maxLevels {
			return false
		}
		return true
	})
	return result
}

// String renders a human-readable top-of-book view, grounded on the
// teacher's OrderBook.String.
func (b *DepthBook) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "=== %s Depth Book ===\n", b.symbol)

	asks := b.TopAsks(5)
	sb.WriteString("ASKS:\n")
	for i := len(asks) - 1; i >= 0; i-- {
		fmt.Fprintf(&sb, "  %s: %d\n", event.FormatTicks(asks[i].Price), asks[i].Size)
	}

	if spread := b.Spread(); spread > 0 {
		fmt.Fprintf(&sb, "--- Spread: %s ---\n", event.FormatTicks(spread))
	} else {
		sb.WriteString("--- No Spread ---\n")
	}

	bids := b.TopBids(5)
	sb.WriteString("BIDS:\n")
	for _, lvl := range bids {
		fmt.Fprintf(&sb, "  %s: %d\n", event.FormatTicks(lvl.Price), lvl.Size)
	}

	return sb.String()
}
