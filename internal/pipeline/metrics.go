package pipeline

import (
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Metrics holds the pipeline's counters, gauges, and the warning-threshold
// arming state described in spec §4.4.
type Metrics struct {
	published atomic.Uint64
	dropped   atomic.Uint64
	consumed  atomic.Uint64
	recovered atomic.Uint64

	queueSize     atomic.Int64
	peakQueueSize atomic.Int64
	capacity      int64

	processingTimeSumNanos atomic.Int64
	processingTimeCount    atomic.Int64

	warnArmed atomic.Bool // true when the 80% warning may fire again
	log       zerolog.Logger
}

func newMetrics(capacity int, logger zerolog.Logger) *Metrics {
	m := &Metrics{capacity: int64(capacity), log: logger}
	m.warnArmed.Store(true)
	return m
}

func (m *Metrics) recordPublished()        { m.published.Add(1) }
func (m *Metrics) recordDropped()          { m.dropped.Add(1) }
func (m *Metrics) recordConsumed(n uint64) { m.consumed.Add(n) }
func (m *Metrics) recordRecovered(n uint64) { m.recovered.Add(n) }

func (m *Metrics) recordProcessingTime(d time.Duration) {
	m.processingTimeSumNanos.Add(d.Nanoseconds())
	m.processingTimeCount.Add(1)
}

// setQueueSize updates the current/peak queue gauges and raises or
// re-arms the 80%/50% utilization warning, per spec §4.4: "a warning
// threshold at 80% utilization raises a one-shot log; clearing below 50%
// re-arms it."
func (m *Metrics) setQueueSize(n int64) {
	m.queueSize.Store(n)
	for {
		peak := m.peakQueueSize.Load()
		if n <= peak {
			break
		}
		if m.peakQueueSize.CompareAndSwap(peak, n) {
			break
		}
	}

	if m.capacity == 0 {
		return
	}
	utilization := float64(n) / float64(m.capacity)
	if utilization >= 0.8 {
		if m.warnArmed.CompareAndSwap(true, false) {
			m.log.Warn().
				Int64("queue_size", n).
				Int64("capacity", m.capacity).
				Float64("utilization", utilization).
				Msg("pipeline: queue utilization crossed 80% threshold")
		}
	} else if utilization < 0.5 {
		m.warnArmed.Store(true)
	}
}

// Snapshot is an immutable copy of the metrics for the status file writer.
type Snapshot struct {
	Published        uint64
	Dropped          uint64
	Consumed         uint64
	Recovered        uint64
	QueueSize        int64
	PeakQueueSize    int64
	Capacity         int64
	Utilization      float64
	ProcessingTimeAvg time.Duration
}

// Snapshot returns a point-in-time copy of all metrics.
func (m *Metrics) Snapshot() Snapshot {
	count := m.processingTimeCount.Load()
	var avg time.Duration
	if count > 0 {
		avg = time.Duration(m.processingTimeSumNanos.Load() / count)
	}
	qs := m.queueSize.Load()
	var util float64
	if m.capacity > 0 {
		util = float64(qs) / float64(m.capacity)
	}
	return Snapshot{
		Published:         m.published.Load(),
		Dropped:           m.dropped.Load(),
		Consumed:          m.consumed.Load(),
		Recovered:         m.recovered.Load(),
		QueueSize:         qs,
		PeakQueueSize:     m.peakQueueSize.Load(),
		Capacity:          m.capacity,
		Utilization:       util,
		ProcessingTimeAvg: avg,
	}
}
