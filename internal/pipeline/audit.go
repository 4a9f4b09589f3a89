package pipeline

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rishav/marketdata-ingest/internal/event"
	"github.com/rs/zerolog"
)

// DropReason classifies why an event was routed to the audit trail instead
// of the sink, per spec §4.4/§7.
type DropReason string

const (
	ReasonBackpressureQueueFull DropReason = "backpressure_queue_full"
	ReasonWALFailure            DropReason = "wal_failure"
	ReasonShutdownTimeout       DropReason = "shutdown_timeout"
	ReasonSinkFailure           DropReason = "sink_failure"
)

type auditRecord struct {
	Timestamp      time.Time  `json:"timestamp"`
	EventTimestamp time.Time  `json:"eventTimestamp"`
	EventType      string     `json:"eventType"`
	Symbol         string     `json:"symbol"`
	Sequence       uint64     `json:"sequence"`
	Source         string     `json:"source"`
	Reason         DropReason `json:"reason"`
}

// AuditTrail asynchronously records every dropped event to a rolling
// _audit/dropped_events.jsonl file, per spec §4.4/§6.
type AuditTrail struct {
	log    zerolog.Logger
	ch     chan auditRecord
	doneCh chan struct{}

	mu sync.Mutex
	f  *os.File
	bw *bufio.Writer
}

// NewAuditTrail opens (creating if necessary) the audit file under
// dataRoot/_audit/dropped_events.jsonl and starts its writer goroutine.
func NewAuditTrail(dataRoot string, logger zerolog.Logger) (*AuditTrail, error) {
	dir := filepath.Join(dataRoot, "_audit")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("audit: mkdir: %w", err)
	}
	path := filepath.Join(dir, "dropped_events.jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("audit: open: %w", err)
	}
	a := &AuditTrail{
		log:    logger,
		ch:     make(chan auditRecord, 1024),
		doneCh: make(chan struct{}),
		f:      f,
		bw:     bufio.NewWriter(f),
	}
	go a.run()
	return a, nil
}

func (a *AuditTrail) run() {
	defer close(a.doneCh)
	for rec := range a.ch {
		a.writeLocked(rec)
	}
}

func (a *AuditTrail) writeLocked(rec auditRecord) {
	a.mu.Lock()
	defer a.mu.Unlock()
	raw, err := json.Marshal(rec)
	if err != nil {
		a.log.Error().Err(err).Msg("audit: marshal failed")
		return
	}
	if _, err := a.bw.Write(raw); err != nil {
		a.log.Error().Err(err).Msg("audit: write failed")
		return
	}
	if err := a.bw.WriteByte('\n'); err != nil {
		a.log.Error().Err(err).Msg("audit: write failed")
		return
	}
	if err := a.bw.Flush(); err != nil {
		a.log.Error().Err(err).Msg("audit: flush failed")
	}
}

// Record enqueues a drop record, identifying the event by its best
// available symbol/sequence even if e is nil (e.g. the payload never made
// it past WAL encoding).
func (a *AuditTrail) Record(e *event.Event, reason DropReason) {
	rec := auditRecord{Timestamp: time.Now().UTC(), Reason: reason}
	if e != nil {
		rec.EventTimestamp = e.Timestamp
		rec.EventType = e.Type.String()
		rec.Symbol = e.EffectiveSymbol()
		rec.Sequence = e.Sequence
		rec.Source = e.Source
	}
	select {
	case a.ch <- rec:
	default:
		a.log.Warn().Msg("audit: record channel full, dropping audit entry itself")
	}
}

// Close stops accepting new records, drains the queue, and closes the file.
func (a *AuditTrail) Close() error {
	close(a.ch)
	<-a.doneCh
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.bw.Flush(); err != nil {
		return err
	}
	return a.f.Close()
}
