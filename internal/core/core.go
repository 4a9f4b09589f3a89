// Package core is the composition root: it wires collectors, the
// Publisher, the durability pipeline, sink, WAL, and dedup ledger into one
// running system, owns the status-file writer, and exposes a replay
// entrypoint.
//
// Grounded on the teacher's cmd/server/main.go Server struct — the same
// explicit field-by-field wiring in a constructor, the same
// SIGINT/SIGTERM shutdown goroutine pattern with a bounded
// context.WithTimeout — adapted from an HTTP server composition root into
// a headless core with no HTTP surface (HTTP is out of scope per spec
// §1).
package core

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/rishav/marketdata-ingest/internal/backfill"
	"github.com/rishav/marketdata-ingest/internal/collector"
	"github.com/rishav/marketdata-ingest/internal/dedup"
	"github.com/rishav/marketdata-ingest/internal/event"
	"github.com/rishav/marketdata-ingest/internal/failover"
	"github.com/rishav/marketdata-ingest/internal/pipeline"
	"github.com/rishav/marketdata-ingest/internal/provider"
	"github.com/rishav/marketdata-ingest/internal/sink"
	"github.com/rishav/marketdata-ingest/internal/wal"
)

// Config is the full set of knobs needed to build a Core. Zero values are
// filled in by setDefaults the same way every component's own Config does.
type Config struct {
	// DataRoot is where the sink's JSONL partitions live.
	DataRoot string
	// WALDir is where WAL segments live.
	WALDir string
	// DedupPath is where the dedup ledger's goleveldb database lives.
	DedupPath string
	// StatusPath is where the periodic status snapshot is written.
	StatusPath string
	// EnvFile, if non-empty, is loaded via godotenv before provider
	// credentials are resolved — the teacher's composition layer never
	// did this (it had no external credentials to load), but every other
	// example repo that talks to a real vendor does, so the ambient
	// config-loading step is carried here regardless.
	EnvFile string

	Symbols []string

	PipelineCapacity int
	DropPolicy       pipeline.DropPolicy

	FailoverPrimary string
	FailoverBackups []string

	StatusInterval time.Duration

	Logger zerolog.Logger
}

func (c *Config) setDefaults() {
	if c.DataRoot == "" {
		c.DataRoot = "./data"
	}
	if c.WALDir == "" {
		c.WALDir = "./data/wal"
	}
	if c.DedupPath == "" {
		c.DedupPath = "./data/dedup"
	}
	if c.StatusPath == "" {
		c.StatusPath = "./status.json"
	}
	if c.StatusInterval <= 0 {
		c.StatusInterval = 5 * time.Second
	}
	if c.PipelineCapacity <= 0 {
		c.PipelineCapacity = 10_000
	}
}

// Core owns every long-lived component for one run.
type Core struct {
	cfg Config
	log zerolog.Logger

	wal           *wal.WAL
	sink          sink.Sink
	ledger        *dedup.Ledger
	pipe          *pipeline.Pipeline
	pub           *collector.Publisher
	registry      *provider.Registry
	fo            *failover.Controller
	backfillCoord *backfill.Coordinator

	seqs   *collector.SequenceAllocator
	quotes *collector.QuoteCache
	trade  map[string]*collector.TradeCollector
	quote  map[string]*collector.QuoteCollector
	depth  map[string]*collector.MarketDepthCollector

	statusStop chan struct{}
	statusDone chan struct{}
}

// New builds every component but does not start them; call Run to start.
func New(cfg Config) (*Core, error) {
	cfg.setDefaults()
	if cfg.EnvFile != "" {
		if err := godotenv.Load(cfg.EnvFile); err != nil {
			return nil, fmt.Errorf("core: load env file: %w", err)
		}
	}

	log := cfg.Logger

	w, err := wal.New(wal.Config{Dir: cfg.WALDir, SyncMode: wal.BatchedSync, Logger: log})
	if err != nil {
		return nil, fmt.Errorf("core: new wal: %w", err)
	}
	if err := w.Initialize(); err != nil {
		return nil, fmt.Errorf("core: initialize wal: %w", err)
	}

	s, err := sink.New(sink.Config{DataRoot: cfg.DataRoot, Policy: sink.DefaultPolicy(), Logger: log})
	if err != nil {
		return nil, fmt.Errorf("core: new sink: %w", err)
	}

	ledger, err := dedup.New(dedup.Config{Path: cfg.DedupPath, Logger: log})
	if err != nil {
		return nil, fmt.Errorf("core: new dedup ledger: %w", err)
	}

	pipeCfg := pipeline.Config{
		Capacity:   cfg.PipelineCapacity,
		DropPolicy: cfg.DropPolicy,
		Sink:       s,
		WAL:        w,
		Logger:     log,
	}
	pipe, err := pipeline.New(pipeCfg)
	if err != nil {
		return nil, fmt.Errorf("core: new pipeline: %w", err)
	}

	pub := collector.NewPublisher(pipe, 1000).WithDedup(ledger, log)
	registry := provider.NewRegistry()

	c := &Core{
		cfg:      cfg,
		log:      log,
		wal:      w,
		sink:     s,
		ledger:   ledger,
		pipe:     pipe,
		pub:      pub,
		registry: registry,
		seqs:     collector.NewSequenceAllocator(),
		quotes:   collector.NewQuoteCache(),
		trade:    make(map[string]*collector.TradeCollector),
		quote:    make(map[string]*collector.QuoteCollector),
		depth:    make(map[string]*collector.MarketDepthCollector),
	}

	if cfg.FailoverPrimary != "" {
		c.fo = failover.New(failover.DefaultConfig(), cfg.FailoverPrimary, cfg.FailoverBackups, c)
	}

	for _, source := range append([]string{cfg.FailoverPrimary}, cfg.FailoverBackups...) {
		if source == "" {
			continue
		}
		c.trade[source] = collector.NewTradeCollector(source, pub, c.seqs, c.quotes)
		c.quote[source] = collector.NewQuoteCollector(source, pub, collector.NewSequenceAllocator(), c.quotes)
		c.depth[source] = collector.NewMarketDepthCollector(source, pub, c.seqs)
	}

	return c, nil
}

// OnSwitch implements failover.SwitchNotifier: collectors observe a
// provider switch as a reset boundary, per spec §4.7. It publishes one
// Integrity(Reset) event per configured symbol under the new source;
// collector state (depth books, quote state, the quote cache) is not
// cleared here.
func (c *Core) OnSwitch(ev failover.SwitchEvent) {
	c.log.Info().Str("from", ev.From).Str("to", ev.To).Str("reason", ev.Reason).Msg("failover switch")
	for _, symbol := range c.cfg.Symbols {
		e := &event.Event{
			Timestamp: time.Now().UTC(),
			Type:      event.TypeIntegrity,
			Symbol:    symbol,
			Source:    ev.To,
			Integrity: &event.Integrity{Kind: event.IntegrityReset, Detail: ev.Reason},
		}
		c.pub.Publish(e)
	}
}

// Registry exposes the provider registry for callers wiring streaming
// clients before Run.
func (c *Core) Registry() *provider.Registry { return c.registry }

// Publisher exposes the shared Publisher for components (backfill,
// streaming vendor adapters) constructed outside New.
func (c *Core) Publisher() *collector.Publisher { return c.pub }

// TradeCollector, QuoteCollector and DepthCollector return the
// per-(source) collector instances created in New, for a streaming
// client's vendor-update handler to forward into.
func (c *Core) TradeCollector(source string) *collector.TradeCollector      { return c.trade[source] }
func (c *Core) QuoteCollector(source string) *collector.QuoteCollector      { return c.quote[source] }
func (c *Core) DepthCollector(source string) *collector.MarketDepthCollector { return c.depth[source] }

// Run recovers any crash-leftover WAL state, starts the pipeline consumer
// and flusher, the status writer, and installs SIGINT/SIGTERM handling.
// It blocks until ctx is cancelled or a signal arrives, then calls Stop
// with a bounded timeout.
func (c *Core) Run(ctx context.Context) error {
	if err := c.pipe.Recover(); err != nil {
		return fmt.Errorf("core: recover: %w", err)
	}
	c.pipe.Start()

	c.statusStop = make(chan struct{})
	c.statusDone = make(chan struct{})
	go c.runStatusWriter()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case <-ctx.Done():
	case sig := <-sigCh:
		c.log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return c.Stop(stopCtx)
}

// Stop disposes every owned component in dependency order: the status
// writer, then the pipeline (which drains and disposes the sink), then
// the WAL it wrote to, then the dedup ledger, then subscriber channels.
func (c *Core) Stop(ctx context.Context) error {
	if c.statusStop != nil {
		close(c.statusStop)
		select {
		case <-c.statusDone:
		case <-ctx.Done():
		}
	}

	if err := c.pipe.Dispose(ctx); err != nil {
		c.log.Warn().Err(err).Msg("pipeline dispose returned an error")
	}
	if err := c.wal.Close(); err != nil {
		c.log.Warn().Err(err).Msg("wal close failed")
	}
	if err := c.ledger.Close(); err != nil {
		c.log.Warn().Err(err).Msg("dedup ledger close failed")
	}
	c.pub.Close()
	return nil
}
