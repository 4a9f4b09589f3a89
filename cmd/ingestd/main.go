// Package main runs the market data ingestion daemon: it wires every
// provider, the durability pipeline, and the dedup ledger into one running
// process, per spec §2's pipeline ("provider client -> collector ->
// publisher -> pipeline channel -> consumer -> sink/WAL").
//
// Architecture Overview:
//
//	┌─────────────┐     ┌─────────────┐     ┌─────────────┐
//	│  Streaming  │────▶│  Collector  │────▶│  Publisher  │
//	│  / Backfill │     │ (per-source)│     │  (+ dedup)  │
//	└─────────────┘     └─────────────┘     └──────┬──────┘
//	                                                │
//	                                                ▼
//	┌─────────────┐     ┌─────────────┐     ┌─────────────┐
//	│   Sink      │◀────│  Pipeline   │◀────│     WAL     │
//	│  (JSONL)    │     │  (consumer) │     │  (durable)  │
//	└─────────────┘     └─────────────┘     └─────────────┘
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"strings"

	"github.com/rishav/marketdata-ingest/internal/core"
	"github.com/rishav/marketdata-ingest/internal/logging"
	"github.com/rishav/marketdata-ingest/internal/pipeline"
)

func main() {
	dataRoot := flag.String("data-root", "./data", "root directory for sink partitions")
	walDir := flag.String("wal-dir", "./data/wal", "directory for write-ahead log segments")
	dedupPath := flag.String("dedup-path", "./data/dedup", "directory for the dedup ledger's database")
	statusPath := flag.String("status-path", "./status.json", "path the status snapshot is written to")
	envFile := flag.String("env-file", "", "optional .env file with provider credentials")
	symbols := flag.String("symbols", "AAPL,MSFT,SPY", "comma-separated symbols to ingest")
	primary := flag.String("primary", "", "primary provider name (enables failover when set)")
	backups := flag.String("backups", "", "comma-separated backup provider names, in priority order")
	capacity := flag.Int("pipeline-capacity", 10_000, "bounded pipeline channel capacity")
	dropOldest := flag.Bool("drop-oldest", false, "drop the oldest queued event instead of the newest when the pipeline saturates")
	replayPath := flag.String("replay", "", "replay a stored JSONL(.gz) partition file instead of streaming live, then exit")
	console := flag.Bool("console-log", false, "render logs as human-readable console output instead of JSON lines")
	logFile := flag.String("log-file", "", "optional size-rotated log file path")
	flag.Parse()

	logOpts := logging.DefaultOptions()
	logOpts.Console = *console
	logOpts.FilePath = *logFile
	logger := logging.New("ingestd", logOpts)

	dropPolicy := pipeline.DropNewest
	if *dropOldest {
		dropPolicy = pipeline.DropOldest
	}

	cfg := core.Config{
		DataRoot:         *dataRoot,
		WALDir:           *walDir,
		DedupPath:        *dedupPath,
		StatusPath:       *statusPath,
		EnvFile:          *envFile,
		Symbols:          splitSymbols(*symbols),
		PipelineCapacity: *capacity,
		DropPolicy:       dropPolicy,
		FailoverPrimary:  *primary,
		FailoverBackups:  splitSymbols(*backups),
		Logger:           logger,
	}

	c, err := core.New(cfg)
	if err != nil {
		log.Fatalf("ingestd: failed to build core: %v", err)
	}

	if *replayPath != "" {
		n, err := c.Replay(*replayPath)
		if err != nil {
			log.Fatalf("ingestd: replay failed after %d events: %v", n, err)
		}
		fmt.Printf("replayed %d events from %s\n", n, *replayPath)
		return
	}

	logger.Info().Strs("symbols", cfg.Symbols).Msg("starting ingestion daemon")
	if err := c.Run(context.Background()); err != nil {
		log.Fatalf("ingestd: run failed: %v", err)
	}
	logger.Info().Msg("ingestion daemon stopped")
}

func splitSymbols(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
