// Package provider implements the data-source registry described in
// spec §4.6: lazily-constructed streaming clients, historical providers,
// and symbol-search providers, looked up by DataSourceKind/name.
//
// The lazy-factory pattern is grounded on the teacher's
// matching.Engine.AddSymbol, which instantiates an order book on first
// reference rather than eagerly wiring every symbol at startup — here the
// same idiom lets credential resolution (an API key lookup, a dial) happen
// at first use instead of at process start.
package provider

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// DataSourceKind identifies a category of streaming market-data feed.
type DataSourceKind uint8

const (
	KindUnknown DataSourceKind = iota
	KindEquities
	KindCrypto
	KindOptions
	KindForex
)

func (k DataSourceKind) String() string {
	switch k {
	case KindEquities:
		return "equities"
	case KindCrypto:
		return "crypto"
	case KindOptions:
		return "options"
	case KindForex:
		return "forex"
	default:
		return "unknown"
	}
}

// Subscription identifies what a symbol subscription asks a streaming
// client to deliver. A subscription may request any combination.
type Subscription uint8

const (
	SubTrades Subscription = 1 << iota
	SubBboQuote
	SubDepth
)

func (s Subscription) Has(flag Subscription) bool { return s&flag != 0 }

// ConnectionState classifies a streaming client's health, reported to the
// failover controller per spec §4.6/§4.7.
type ConnectionState uint8

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateStale
	StateError
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateStale:
		return "stale"
	case StateError:
		return "error"
	default:
		return "disconnected"
	}
}

// HealthEvent is what a streaming client reports to a HealthSink (normally
// the failover controller) whenever its connection state changes.
type HealthEvent struct {
	Provider  string
	State     ConnectionState
	At        time.Time
	Latency   time.Duration // zero if not reported
	Err       error
}

// HealthSink receives connection health events from streaming clients.
type HealthSink interface {
	ReportHealth(HealthEvent)
}

// VendorUpdate is an unparsed, vendor-shaped update handed to a
// VendorSink; each collector package knows how to turn this into a
// canonical event.Event. Streaming clients emit to collectors, never
// directly to the durability pipeline, so the canonicalization path stays
// shared regardless of which vendor produced the update (spec §4.6).
type VendorUpdate struct {
	Kind    Subscription
	Symbol  string
	Payload any
}

// VendorSink receives raw vendor updates for canonicalization.
type VendorSink interface {
	OnVendorUpdate(VendorUpdate)
}

// StreamingClient is the contract every vendor-specific streaming
// integration implements.
type StreamingClient interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Subscribe(ctx context.Context, symbol string, what Subscription) error
	Unsubscribe(ctx context.Context, symbol string, what Subscription) error
}

// StreamingClientFactory builds a StreamingClient for a DataSourceKind,
// wiring in the sink it should forward vendor updates to and the health
// sink it should report connection state to. Invoked lazily so credential
// resolution happens at first use, not at registry construction.
type StreamingClientFactory func(sink VendorSink, health HealthSink) (StreamingClient, error)

// Bar is a single OHLCV bar returned by a HistoricalProvider, used by the
// backfill coordinator (spec §4.9).
type Bar struct {
	Timestamp time.Time
	Open      int64
	High      int64
	Low       int64
	Close     int64
	Volume    int64
}

// HistoricalProvider answers backfill requests for a bounded date range.
type HistoricalProvider interface {
	Name() string
	Priority() int
	FetchBars(ctx context.Context, symbol string, from, to time.Time) ([]Bar, error)
}

// SymbolSearchProvider resolves a free-text query to canonical symbols.
type SymbolSearchProvider interface {
	Name() string
	Search(ctx context.Context, query string) ([]string, error)
}

// VenueMapper translates a provider-specific venue string to an ISO 10383
// MIC code. Unknown values pass through unmapped (spec §4.6).
type VenueMapper interface {
	ToMIC(providerVenue string) (mic string, ok bool)
}

// Registry holds the three maps spec §4.6 describes: streaming client
// factories by kind, historical providers by name, and symbol-search
// providers by name.
type Registry struct {
	mu sync.RWMutex

	streamingFactories map[DataSourceKind]StreamingClientFactory
	historical         map[string]HistoricalProvider
	symbolSearch       map[string]SymbolSearchProvider

	liveStreaming map[DataSourceKind]StreamingClient
}

// NewRegistry returns an empty registry ready for RegisterXxx calls.
func NewRegistry() *Registry {
	return &Registry{
		streamingFactories: make(map[DataSourceKind]StreamingClientFactory),
		historical:         make(map[string]HistoricalProvider),
		symbolSearch:       make(map[string]SymbolSearchProvider),
		liveStreaming:      make(map[DataSourceKind]StreamingClient),
	}
}

// RegisterStreamingFactory associates a DataSourceKind with the factory
// that builds its streaming client.
func (r *Registry) RegisterStreamingFactory(kind DataSourceKind, factory StreamingClientFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.streamingFactories[kind] = factory
}

// RegisterHistorical adds a historical provider under its own Name().
func (r *Registry) RegisterHistorical(p HistoricalProvider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.historical[p.Name()] = p
}

// RegisterSymbolSearch adds a symbol-search provider under its own Name().
func (r *Registry) RegisterSymbolSearch(p SymbolSearchProvider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.symbolSearch[p.Name()] = p
}

// StreamingClient lazily constructs (and caches) the streaming client for
// kind, invoking its registered factory on first reference.
func (r *Registry) StreamingClient(kind DataSourceKind, sink VendorSink, health HealthSink) (StreamingClient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.liveStreaming[kind]; ok {
		return c, nil
	}
	factory, ok := r.streamingFactories[kind]
	if !ok {
		return nil, fmt.Errorf("provider: no streaming client factory registered for %s", kind)
	}
	client, err := factory(sink, health)
	if err != nil {
		return nil, fmt.Errorf("provider: constructing streaming client for %s: %w", kind, err)
	}
	r.liveStreaming[kind] = client
	return client, nil
}

// Historical looks up a historical provider by name.
func (r *Registry) Historical(name string) (HistoricalProvider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.historical[name]
	return p, ok
}

// HistoricalByPriority returns every registered historical provider sorted
// ascending by Priority(), for spec §4.9's "all enabled providers sorted
// by priority ascending" selection fallback.
func (r *Registry) HistoricalByPriority() []HistoricalProvider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]HistoricalProvider, 0, len(r.historical))
	for _, p := range r.historical {
		out = append(out, p)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Priority() < out[j-1].Priority(); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// SymbolSearch looks up a symbol-search provider by name.
func (r *Registry) SymbolSearch(name string) (SymbolSearchProvider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.symbolSearch[name]
	return p, ok
}
