package pipeline

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rishav/marketdata-ingest/internal/event"
	"github.com/rishav/marketdata-ingest/internal/sink"
	"github.com/rishav/marketdata-ingest/internal/wal"
	"github.com/rs/zerolog"
)

func tradeEvent(symbol string, seq uint64) *event.Event {
	return &event.Event{
		Timestamp: time.Date(2024, 1, 2, 14, 30, 0, 0, time.UTC),
		Type:      event.TypeTrade,
		Symbol:    symbol,
		Source:    "alpaca",
		Sequence:  seq,
		Trade:     &event.Trade{Price: 500_000_000, Size: 100, Aggressor: event.SideBuy},
	}
}

func newTestPipeline(t *testing.T, dropPolicy DropPolicy, capacity int) (*Pipeline, *wal.WAL, *sink.JSONLSink, string) {
	t.Helper()
	root := t.TempDir()

	w, err := wal.New(wal.Config{Dir: filepath.Join(root, "wal"), SyncMode: wal.NoSync, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("wal.New: %v", err)
	}
	t.Cleanup(func() { w.Close() })

	s, err := sink.New(sink.Config{DataRoot: filepath.Join(root, "data"), Policy: sink.DefaultPolicy(), Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("sink.New: %v", err)
	}

	audit, err := NewAuditTrail(root, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewAuditTrail: %v", err)
	}
	t.Cleanup(func() { audit.Close() })

	p, err := New(Config{
		Capacity:      capacity,
		DropPolicy:    dropPolicy,
		BatchSize:     10,
		FlushInterval: time.Hour, // disabled for test determinism; tests flush explicitly via Dispose
		Sink:          s,
		WAL:           w,
		Audit:         audit,
		Logger:        zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("pipeline.New: %v", err)
	}
	return p, w, s, root
}

func countLines(t *testing.T, path string) int {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0
		}
		t.Fatalf("read %s: %v", path, err)
	}
	n := 0
	for _, b := range data {
		if b == '\n' {
			n++
		}
	}
	return n
}

func TestTryPublishDropNewestRejectsWhenFull(t *testing.T) {
	p, _, _, _ := newTestPipeline(t, DropNewest, 1)

	if !p.TryPublish(tradeEvent("SPY", 1)) {
		t.Fatalf("first publish into empty channel should succeed")
	}
	if p.TryPublish(tradeEvent("SPY", 2)) {
		t.Fatalf("publish into full channel under DropNewest must fail")
	}

	snap := p.Metrics()
	if snap.Dropped != 1 {
		t.Fatalf("expected 1 drop recorded, got %d", snap.Dropped)
	}
}

func TestTryPublishDropOldestEvictsAndSucceeds(t *testing.T) {
	p, _, _, _ := newTestPipeline(t, DropOldest, 1)

	if !p.TryPublish(tradeEvent("SPY", 1)) {
		t.Fatalf("first publish should succeed")
	}
	if !p.TryPublish(tradeEvent("SPY", 2)) {
		t.Fatalf("DropOldest publish into full channel must evict and succeed")
	}

	snap := p.Metrics()
	if snap.Dropped != 1 {
		t.Fatalf("expected exactly 1 eviction recorded, got %d", snap.Dropped)
	}
	if snap.Published != 2 {
		t.Fatalf("expected 2 published, got %d", snap.Published)
	}
}

func TestConsumerWritesToSinkAndCommitsWAL(t *testing.T) {
	p, w, _, root := newTestPipeline(t, DropNewest, 100)
	p.Start()

	for i := uint64(1); i <= 5; i++ {
		if !p.TryPublish(tradeEvent("SPY", i)) {
			t.Fatalf("publish %d should succeed", i)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Dispose(ctx); err != nil {
		t.Fatalf("dispose: %v", err)
	}

	path := filepath.Join(root, "data", "SPY", "trade", "2024-01-02.jsonl")
	if n := countLines(t, path); n != 5 {
		t.Fatalf("expected 5 lines written to sink, got %d", n)
	}

	if got := w.CommittedSequence(); got == 0 {
		t.Fatalf("expected wal to have committed a nonzero sequence, got %d", got)
	}

	uncommitted, err := w.GetUncommittedRecords()
	if err != nil {
		t.Fatalf("get uncommitted: %v", err)
	}
	if len(uncommitted) != 0 {
		t.Fatalf("expected no uncommitted records after dispose, got %d", len(uncommitted))
	}
}

func TestRecoverReplaysUncommittedRecordsIntoSink(t *testing.T) {
	root := t.TempDir()
	walDir := filepath.Join(root, "wal")
	dataDir := filepath.Join(root, "data")

	w, err := wal.New(wal.Config{Dir: walDir, SyncMode: wal.NoSync, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("wal.New: %v", err)
	}

	// Simulate a crash: append DATA records directly to the WAL without
	// ever committing or writing them to the sink.
	for i := uint64(1); i <= 3; i++ {
		payload, err := json.Marshal(tradeEvent("SPY", i))
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		if _, err := w.Append(payload, wal.RecordData); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Reopen, simulating process restart.
	w2, err := wal.New(wal.Config{Dir: walDir, SyncMode: wal.NoSync, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("wal.New reopen: %v", err)
	}
	defer w2.Close()

	s, err := sink.New(sink.Config{DataRoot: dataDir, Policy: sink.DefaultPolicy(), Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("sink.New: %v", err)
	}

	audit, err := NewAuditTrail(root, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewAuditTrail: %v", err)
	}
	defer audit.Close()

	p, err := New(Config{Capacity: 10, Sink: s, WAL: w2, Audit: audit, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("pipeline.New: %v", err)
	}

	if err := p.Recover(); err != nil {
		t.Fatalf("recover: %v", err)
	}

	path := filepath.Join(dataDir, "SPY", "trade", "2024-01-02.jsonl")
	if n := countLines(t, path); n != 3 {
		t.Fatalf("expected 3 replayed lines, got %d", n)
	}
	if got := w2.CommittedSequence(); got != 3 {
		t.Fatalf("expected committed sequence 3 after recovery, got %d", got)
	}

	remaining, err := w2.GetUncommittedRecords()
	if err != nil {
		t.Fatalf("get uncommitted: %v", err)
	}
	if len(remaining) != 0 {
		t.Fatalf("expected no uncommitted records after recovery, got %d", len(remaining))
	}
}

func TestDisposeAuditsEventsLostToShutdownTimeout(t *testing.T) {
	p, _, _, root := newTestPipeline(t, DropNewest, 100)
	p.cfg.FinalFlushTimeout = 10 * time.Millisecond
	// Never call Start(): nothing drains the consumer, so Dispose's wait on
	// consumerDone must time out and audit every still-queued event as
	// lost. flusherDone is closed manually here since flushLoop (started
	// only by Start) never ran to close it itself.
	close(p.flusherDone)

	for i := uint64(1); i <= 3; i++ {
		if !p.TryPublish(tradeEvent("SPY", i)) {
			t.Fatalf("publish %d should succeed", i)
		}
	}

	ctx := context.Background()
	if err := p.Dispose(ctx); err != nil {
		t.Fatalf("dispose: %v", err)
	}

	auditPath := filepath.Join(root, "_audit", "dropped_events.jsonl")
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if countLines(t, auditPath) >= 3 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if n := countLines(t, auditPath); n < 3 {
		t.Fatalf("expected at least 3 audited drops for unflushed events, got %d", n)
	}
}
