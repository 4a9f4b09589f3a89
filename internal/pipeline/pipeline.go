// Package pipeline implements the Event Pipeline described in spec §4.4 —
// the hardest component: a bounded, backpressured channel with WAL-
// coordinated durability, batching consumption, periodic flush, crash
// recovery, metrics, and a drop audit trail.
//
// Grounded on the teacher's internal/disruptor/batcher.go (a batch-then-
// flush consumer goroutine driven by a size-or-timeout trigger, with a
// shutdownCh/shutdownDone handshake) and internal/marketdata/publisher.go
// (non-blocking "select default:" semantics for a full subscriber
// channel). The teacher's lock-free CAS ring buffer
// (internal/disruptor/ring_buffer.go + sequencer.go + processor.go) was
// considered for the channel itself and dropped — see DESIGN.md — in
// favor of a native Go buffered channel, the idiomatic equivalent of the
// spec's own "bounded channel" vocabulary.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rishav/marketdata-ingest/internal/event"
	"github.com/rishav/marketdata-ingest/internal/sink"
	"github.com/rishav/marketdata-ingest/internal/wal"
	"github.com/rs/zerolog"
)

// DropPolicy selects what tryPublish does when the channel is full, per
// spec §4.4.
type DropPolicy int

const (
	// DropNewest fails the publish, leaving the channel untouched.
	DropNewest DropPolicy = iota
	// DropOldest evicts the oldest queued event to make room, and
	// succeeds.
	DropOldest
	// Wait suspends the caller (only meaningful through Publish, since
	// TryPublish never suspends per §5).
	Wait
)

// Config configures a Pipeline.
type Config struct {
	Capacity          int
	DropPolicy        DropPolicy
	BatchSize         int
	FlushInterval     time.Duration
	FinalFlushTimeout time.Duration

	Sink  sink.Sink
	WAL   *wal.WAL // optional; nil disables WAL-coordinated durability
	Audit *AuditTrail

	Logger zerolog.Logger
}

func (c *Config) setDefaults() {
	if c.Capacity <= 0 {
		c.Capacity = 10_000
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 500
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 5 * time.Second
	}
	if c.FinalFlushTimeout <= 0 {
		c.FinalFlushTimeout = 30 * time.Second
	}
}

// Pipeline is the single bounded channel with its batching consumer and
// periodic flusher.
type Pipeline struct {
	cfg Config
	log zerolog.Logger

	ch      chan *event.Event
	closed  chanFlag
	metrics *Metrics

	stopSignal   chan struct{} // closed by Dispose to wake a consumer parked on an empty channel
	consumerDone chan struct{}
	flusherStop  chan struct{}
	flusherDone  chan struct{}

	chMu sync.Mutex // guards DropOldest's evict-then-send sequence
}

type chanFlag struct {
	mu     sync.Mutex
	closed bool
}

func (f *chanFlag) set() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

func (f *chanFlag) get() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// New constructs a Pipeline. Callers should call Recover then Start before
// publishing.
func New(cfg Config) (*Pipeline, error) {
	cfg.setDefaults()
	if cfg.Sink == nil {
		return nil, fmt.Errorf("pipeline: Sink is required")
	}
	p := &Pipeline{
		cfg:          cfg,
		log:          cfg.Logger,
		ch:           make(chan *event.Event, cfg.Capacity),
		metrics:      newMetrics(cfg.Capacity, cfg.Logger),
		stopSignal:   make(chan struct{}),
		consumerDone: make(chan struct{}),
		flusherStop:  make(chan struct{}),
		flusherDone:  make(chan struct{}),
	}
	return p, nil
}

// Metrics returns a live snapshot of the pipeline's metrics.
func (p *Pipeline) Metrics() Snapshot { return p.metrics.Snapshot() }

// TryPublish is non-blocking per spec §4.4/§5: returns false if the
// channel is full and the policy is DropNewest (or Wait, which TryPublish
// cannot honor). Under DropOldest it evicts the oldest queued event and
// succeeds.
func (p *Pipeline) TryPublish(e *event.Event) bool {
	if p.closed.get() {
		return false
	}

	select {
	case p.ch <- e:
		p.metrics.recordPublished()
		p.metrics.setQueueSize(int64(len(p.ch)))
		return true
	default:
	}

	if p.cfg.DropPolicy != DropOldest {
		p.recordDrop(e, ReasonBackpressureQueueFull)
		return false
	}

	p.chMu.Lock()
	defer p.chMu.Unlock()
	select {
	case evicted := <-p.ch:
		p.recordDrop(evicted, ReasonBackpressureQueueFull)
	default:
	}
	select {
	case p.ch <- e:
		p.metrics.recordPublished()
		p.metrics.setQueueSize(int64(len(p.ch)))
		return true
	default:
		// Another producer raced us and refilled the slot; fail rather
		// than spin indefinitely.
		p.recordDrop(e, ReasonBackpressureQueueFull)
		return false
	}
}

// Publish is the suspending form: it first appends e to the WAL (if
// configured), giving async producers end-to-end durability even if the
// process crashes before the consumer picks the event up, then enqueues
// it honoring Wait semantics.
func (p *Pipeline) Publish(ctx context.Context, e *event.Event) error {
	if p.closed.get() {
		return fmt.Errorf("pipeline: closed")
	}

	if p.cfg.WAL != nil {
		payload, err := json.Marshal(e)
		if err != nil {
			p.recordDrop(e, ReasonWALFailure)
			return fmt.Errorf("pipeline: marshal for wal: %w", err)
		}
		if _, err := p.cfg.WAL.Append(payload, wal.RecordData); err != nil {
			p.recordDrop(e, ReasonWALFailure)
			return fmt.Errorf("pipeline: wal append: %w", err)
		}
	}

	if p.cfg.DropPolicy != Wait {
		if !p.TryPublish(e) {
			return fmt.Errorf("pipeline: channel full")
		}
		return nil
	}

	select {
	case p.ch <- e:
		p.metrics.recordPublished()
		p.metrics.setQueueSize(int64(len(p.ch)))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pipeline) recordDrop(e *event.Event, reason DropReason) {
	p.metrics.recordDropped()
	if p.cfg.Audit != nil {
		p.cfg.Audit.Record(e, reason)
	}
}

// Start begins the consumer and flusher goroutines.
func (p *Pipeline) Start() {
	go p.consumeLoop()
	go p.flushLoop()
}

func (p *Pipeline) consumeLoop() {
	defer close(p.consumerDone)
	batch := make([]*event.Event, 0, p.cfg.BatchSize)
	for {
		batch = batch[:0]
		select {
		case e, ok := <-p.ch:
			if !ok {
				return
			}
			batch = append(batch, e)
		case <-p.stopSignal:
			// Nothing queued and shutdown requested: drain whatever
			// arrived in the race window, process it, then exit.
			for {
				select {
				case e, ok := <-p.ch:
					if !ok {
						p.metrics.setQueueSize(0)
						p.processBatch(batch)
						return
					}
					batch = append(batch, e)
				default:
					p.metrics.setQueueSize(int64(len(p.ch)))
					p.processBatch(batch)
					return
				}
			}
		}
	drain:
		for len(batch) < p.cfg.BatchSize {
			select {
			case e, ok := <-p.ch:
				if !ok {
					break drain
				}
				batch = append(batch, e)
			default:
				break drain
			}
		}
		p.metrics.setQueueSize(int64(len(p.ch)))
		p.processBatch(batch)

		if p.closed.get() && len(p.ch) == 0 {
			return
		}
	}
}

// processBatch implements the consume contract from spec §4.4: append
// each event to the WAL (capturing the max sequence), append to the sink,
// flush the sink, then commit the WAL to the batch max sequence.
func (p *Pipeline) processBatch(batch []*event.Event) {
	start := time.Now()
	defer func() { p.metrics.recordProcessingTime(time.Since(start)) }()

	var maxSeq uint64
	haveSeq := false

	for _, e := range batch {
		if p.cfg.WAL != nil && p.cfg.DropPolicy == Wait {
			// Synchronous producers already WAL'd in Publish(); avoid a
			// double append. Async tryPublish-only producers (DropNewest/
			// DropOldest without a prior Publish call) still need one
			// here so every accepted event is WAL'd before the sink.
		} else if p.cfg.WAL != nil {
			payload, err := json.Marshal(e)
			if err != nil {
				p.log.Error().Err(err).Msg("pipeline: marshal for wal in consumer failed")
				p.recordDrop(e, ReasonWALFailure)
				continue
			}
			rec, err := p.cfg.WAL.Append(payload, wal.RecordData)
			if err != nil {
				p.log.Error().Err(err).Msg("pipeline: wal append failed in consumer")
				p.recordDrop(e, ReasonWALFailure)
				continue
			}
			if rec.Sequence > maxSeq {
				maxSeq = rec.Sequence
				haveSeq = true
			}
		}

		if err := p.cfg.Sink.Append(e); err != nil {
			// Per spec §4.4: sink append failure drops the batch so far;
			// no WAL commit occurs, records remain uncommitted and replay
			// at next recover().
			p.log.Error().Err(err).Msg("pipeline: sink append failed, batch not committed")
			return
		}
		p.metrics.recordConsumed(1)
	}

	if err := p.cfg.Sink.Flush(); err != nil {
		p.log.Error().Err(err).Msg("pipeline: sink flush failed, batch not committed")
		return
	}

	if p.cfg.WAL != nil && haveSeq {
		if err := p.cfg.WAL.Commit(maxSeq); err != nil {
			p.log.Error().Err(err).Msg("pipeline: wal commit failed")
		}
	}
}

func (p *Pipeline) flushLoop() {
	defer close(p.flusherDone)
	ticker := time.NewTicker(p.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := p.cfg.Sink.Flush(); err != nil {
				p.log.Error().Err(err).Msg("pipeline: periodic sink flush failed")
				continue
			}
			if p.cfg.WAL != nil {
				if err := p.cfg.WAL.Truncate(p.cfg.WAL.CommittedSequence()); err != nil {
					p.log.Error().Err(err).Msg("pipeline: periodic wal truncate failed")
				}
			}
		case <-p.flusherStop:
			return
		}
	}
}

// Recover reads all uncommitted WAL records, re-appends each to the sink,
// flushes, commits, then truncates, per spec §4.4. Call once at startup
// before Start.
func (p *Pipeline) Recover() error {
	if p.cfg.WAL == nil {
		return nil
	}

	records, err := p.cfg.WAL.GetUncommittedRecords()
	if err != nil {
		return fmt.Errorf("pipeline: recover: get uncommitted: %w", err)
	}
	if len(records) == 0 {
		return nil
	}

	var maxSeq uint64
	for _, rec := range records {
		if rec.Type != wal.RecordData {
			continue
		}
		var e event.Event
		if err := json.Unmarshal(rec.Payload, &e); err != nil {
			p.log.Error().Err(err).Uint64("sequence", rec.Sequence).Msg("pipeline: recover: malformed record skipped")
			continue
		}
		if err := p.cfg.Sink.Append(&e); err != nil {
			return fmt.Errorf("pipeline: recover: sink append: %w", err)
		}
		if rec.Sequence > maxSeq {
			maxSeq = rec.Sequence
		}
		p.metrics.recordRecovered(1)
	}

	if err := p.cfg.Sink.Flush(); err != nil {
		return fmt.Errorf("pipeline: recover: sink flush: %w", err)
	}
	if err := p.cfg.WAL.Commit(maxSeq); err != nil {
		return fmt.Errorf("pipeline: recover: wal commit: %w", err)
	}
	return p.cfg.WAL.Truncate(maxSeq)
}

// Dispose closes the channel to new writes, waits for the consumer to
// finish its current batch within FinalFlushTimeout, then disposes the
// sink. Exceeding the timeout is logged and disposal proceeds; any
// unflushed in-channel events are audited as lost, per spec §4.4.
func (p *Pipeline) Dispose(ctx context.Context) error {
	p.closed.set()
	close(p.flusherStop)
	close(p.stopSignal)

	timeout := p.cfg.FinalFlushTimeout
	select {
	case <-p.consumerDone:
	case <-time.After(timeout):
		p.log.Warn().Dur("timeout", timeout).Msg("pipeline: final flush timeout exceeded, disposing anyway")
		p.drainRemainingAsLost()
	case <-ctx.Done():
		p.log.Warn().Msg("pipeline: dispose context cancelled before consumer finished")
		p.drainRemainingAsLost()
	}
	<-p.flusherDone

	return p.cfg.Sink.Dispose()
}

func (p *Pipeline) drainRemainingAsLost() {
	for {
		select {
		case e := <-p.ch:
			p.recordDrop(e, ReasonShutdownTimeout)
		default:
			return
		}
	}
}
