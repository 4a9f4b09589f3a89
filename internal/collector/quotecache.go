package collector

import "sync"

type cachedQuote struct {
	bidPrice int64
	askPrice int64
}

// QuoteCache is the shared last-known-BBO table TradeCollector consults
// when a vendor trade update omits the aggressor side, per spec §4.5: "if
// aggressor is absent, infer from BBO (buy if price >= ask, sell if price
// <= bid, else Unknown)". QuoteCollector is the sole writer.
type QuoteCache struct {
	mu     sync.RWMutex
	quotes map[string]cachedQuote
}

// NewQuoteCache creates an empty cache.
func NewQuoteCache() *QuoteCache {
	return &QuoteCache{quotes: make(map[string]cachedQuote)}
}

func (c *QuoteCache) set(symbol string, bidPrice, askPrice int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.quotes[symbol] = cachedQuote{bidPrice: bidPrice, askPrice: askPrice}
}

// Get returns the last known bid/ask for symbol, or ok=false if none has
// been recorded yet.
func (c *QuoteCache) Get(symbol string) (bidPrice, askPrice int64, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	q, ok := c.quotes[symbol]
	return q.bidPrice, q.askPrice, ok
}
