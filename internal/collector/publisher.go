// Package collector implements the per-symbol state machines described
// in spec §4.5: TradeCollector, QuoteCollector, MarketDepthCollector, and
// the shared Publisher abstraction they emit events through.
//
// Grounded on the teacher's internal/marketdata/publisher.go (a
// subscriber fan-out with per-symbol and all-symbols channels, non-
// blocking send with "select default: drop"), and internal/orderbook
// (the price-ordered book, adapted in the sibling orderbook package for
// depth maintenance instead of order matching).
package collector

import (
	"sync"

	"github.com/rishav/marketdata-ingest/internal/event"
	"github.com/rs/zerolog"
)

// PipelinePublisher is the narrow slice of *pipeline.Pipeline that
// collectors depend on, so this package never imports internal/pipeline
// directly. A false return means the event was dropped — the pipeline
// itself has already counted the drop in its metrics and, when it was
// built with an AuditTrail, recorded it there. internal/core builds its
// pipeline without an AuditTrail, so drops there are counted only.
type PipelinePublisher interface {
	TryPublish(e *event.Event) bool
}

// DuplicateChecker is the narrow slice of *dedup.Ledger the Publisher
// depends on, for the same reason PipelinePublisher exists: collectors
// and Publisher never import internal/dedup directly. Optional — a nil
// checker skips dedup filtering entirely.
type DuplicateChecker interface {
	IsDuplicate(e *event.Event) (bool, error)
}

// Publisher is the single point every collector publishes through. It
// forwards each event to the durability pipeline and mirrors it,
// best-effort, to any live in-process subscribers (status tooling, local
// dashboards) — adapted from the teacher's multi-channel fan-out, unified
// here onto the single Event model instead of separate L1Quote/L2Depth/
// TradeReport channel types.
type Publisher struct {
	pipeline PipelinePublisher
	dedup    DuplicateChecker
	log      zerolog.Logger

	mu         sync.RWMutex
	bufferSize int
	subs       map[string][]chan *event.Event
	all        []chan *event.Event
}

// NewPublisher creates a Publisher forwarding to pipeline. bufferSize
// sizes each subscriber channel; non-positive defaults to 100, matching
// the teacher's NewPublisher default.
func NewPublisher(pipeline PipelinePublisher, bufferSize int) *Publisher {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Publisher{
		pipeline:   pipeline,
		bufferSize: bufferSize,
		subs:       make(map[string][]chan *event.Event),
	}
}

// WithDedup attaches a DuplicateChecker, enabling spec §4.3's at-most-once
// filtering ahead of the durability pipeline. dedup failures are logged
// and treated as non-duplicate (fail open: a durability ledger outage
// should not silently drop market data).
func (p *Publisher) WithDedup(dedup DuplicateChecker, log zerolog.Logger) *Publisher {
	p.dedup = dedup
	p.log = log
	return p
}

// Subscribe returns a channel of events for a single symbol.
func (p *Publisher) Subscribe(symbol string) <-chan *event.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch := make(chan *event.Event, p.bufferSize)
	p.subs[symbol] = append(p.subs[symbol], ch)
	return ch
}

// SubscribeAll returns a channel of events across every symbol.
func (p *Publisher) SubscribeAll() <-chan *event.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch := make(chan *event.Event, p.bufferSize)
	p.all = append(p.all, ch)
	return ch
}

// Publish forwards e to the durability pipeline and fans it out to
// subscribers. Its bool return mirrors the pipeline's accept/drop
// outcome; an event the DuplicateChecker reports as a duplicate returns
// true without reaching the pipeline or subscribers. Callers that only care about durability can ignore
// subscriber-side delivery entirely, since that path never blocks or
// fails loudly (slow subscribers simply miss updates, as in the teacher's
// original design).
func (p *Publisher) Publish(e *event.Event) bool {
	if p.dedup != nil {
		dup, err := p.dedup.IsDuplicate(e)
		if err != nil {
			p.log.Warn().Err(err).Str("symbol", e.EffectiveSymbol()).Msg("dedup check failed, publishing anyway")
		} else if dup {
			return true
		}
	}

	ok := p.pipeline.TryPublish(e)
	p.fanOut(e)
	return ok
}

func (p *Publisher) fanOut(e *event.Event) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, ch := range p.subs[e.EffectiveSymbol()] {
		select {
		case ch <- e:
		default:
		}
	}
	for _, ch := range p.all {
		select {
		case ch <- e:
		default:
		}
	}
}

// Close closes every subscriber channel.
func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, subs := range p.subs {
		for _, ch := range subs {
			close(ch)
		}
	}
	for _, ch := range p.all {
		close(ch)
	}
	p.subs = make(map[string][]chan *event.Event)
	p.all = nil
}
