package backfill

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rishav/marketdata-ingest/internal/provider"
)

type fakeGapChecker struct {
	missing map[string]bool // "SYMBOL|2006-01-02" -> true means missing
}

func (g *fakeGapChecker) HasData(_ context.Context, symbol string, date time.Time) (bool, error) {
	key := symbol + "|" + date.Format("2006-01-02")
	return !g.missing[key], nil
}

type recordingBarSink struct {
	mu   sync.Mutex
	bars []provider.Bar
}

func (s *recordingBarSink) PublishBar(symbol string, date time.Time, bar provider.Bar) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bars = append(s.bars, bar)
	return true
}

type scriptedProvider struct {
	name     string
	priority int
	mu       sync.Mutex
	calls    int
	fail     error // if set, always fails with this error
}

func (p *scriptedProvider) Name() string  { return p.name }
func (p *scriptedProvider) Priority() int { return p.priority }
func (p *scriptedProvider) FetchBars(_ context.Context, symbol string, from, _ time.Time) ([]provider.Bar, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	if p.fail != nil {
		return nil, p.fail
	}
	return []provider.Bar{{Timestamp: from, Close: 100}}, nil
}

func newTestCoordinator(reg *provider.Registry, checker GapChecker, sink BarSink) *Coordinator {
	cfg := Config{MaxRetries: 2, BaseBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond, MaxInFlight: 4, PerProviderCap: 2}
	return New(cfg, reg, checker, NewMemoryProgressStore(), sink, nil)
}

func TestCoordinator_DetectGapsMarksMissingDates(t *testing.T) {
	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC)
	checker := &fakeGapChecker{missing: map[string]bool{"SPY|2024-01-02": true}}

	reg := provider.NewRegistry()
	c := newTestCoordinator(reg, checker, &recordingBarSink{})
	job := NewJob([]string{"SPY"}, from, to)

	if err := c.DetectGaps(context.Background(), job); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sp := job.progress["SPY"]
	if len(sp.expected) != 3 {
		t.Fatalf("expected 3 expected dates, got %d", len(sp.expected))
	}
	if sp.filled["2024-01-01"] != true || sp.filled["2024-01-03"] != true {
		t.Fatalf("expected 01-01 and 01-03 to already be filled")
	}
	if sp.filled["2024-01-02"] {
		t.Fatalf("expected 01-02 to be missing")
	}
}

func TestCoordinator_RunFillsGapsAndCompletes(t *testing.T) {
	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	checker := &fakeGapChecker{missing: map[string]bool{"SPY|2024-01-01": true}}

	reg := provider.NewRegistry()
	reg.RegisterHistorical(&scriptedProvider{name: "vendor-a", priority: 1})

	sink := &recordingBarSink{}
	c := newTestCoordinator(reg, checker, sink)
	job := NewJob([]string{"SPY"}, from, to)

	if err := c.DetectGaps(context.Background(), job); err != nil {
		t.Fatalf("detect gaps: %v", err)
	}
	if err := c.Run(context.Background(), job); err != nil {
		t.Fatalf("run: %v", err)
	}

	if job.Status() != StatusCompleted {
		t.Fatalf("expected job completed, got %s", job.Status())
	}
	if len(sink.bars) != 1 {
		t.Fatalf("expected 1 bar published, got %d", len(sink.bars))
	}
}

func TestCoordinator_RotatesProviderOnNotApplicable(t *testing.T) {
	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	to := from
	checker := &fakeGapChecker{missing: map[string]bool{"SPY|2024-01-01": true}}

	reg := provider.NewRegistry()
	bad := &scriptedProvider{name: "bad", priority: 1, fail: ErrInvalidSymbol}
	good := &scriptedProvider{name: "good", priority: 2}
	reg.RegisterHistorical(bad)
	reg.RegisterHistorical(good)

	sink := &recordingBarSink{}
	c := newTestCoordinator(reg, checker, sink)
	job := NewJob([]string{"SPY"}, from, to)

	if err := c.DetectGaps(context.Background(), job); err != nil {
		t.Fatalf("detect gaps: %v", err)
	}
	if err := c.Run(context.Background(), job); err != nil {
		t.Fatalf("run: %v", err)
	}

	if job.Status() != StatusCompleted {
		t.Fatalf("expected job completed via fallback provider, got %s", job.Status())
	}
	if bad.calls != 1 {
		t.Fatalf("expected the invalid-symbol provider tried exactly once, got %d", bad.calls)
	}
	if good.calls != 1 {
		t.Fatalf("expected fallback provider used once, got %d", good.calls)
	}
}

func TestCoordinator_RetriesRetryableErrorsThenSucceeds(t *testing.T) {
	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	to := from
	checker := &fakeGapChecker{missing: map[string]bool{"SPY|2024-01-01": true}}

	reg := provider.NewRegistry()
	flaky := &flakyProvider{name: "flaky", priority: 1, failTimes: 1}
	reg.RegisterHistorical(flaky)

	sink := &recordingBarSink{}
	c := newTestCoordinator(reg, checker, sink)
	job := NewJob([]string{"SPY"}, from, to)

	if err := c.DetectGaps(context.Background(), job); err != nil {
		t.Fatalf("detect gaps: %v", err)
	}
	if err := c.Run(context.Background(), job); err != nil {
		t.Fatalf("run: %v", err)
	}

	if job.Status() != StatusCompleted {
		t.Fatalf("expected job completed after retry, got %s", job.Status())
	}
	if len(sink.bars) != 1 {
		t.Fatalf("expected exactly 1 bar published, got %d", len(sink.bars))
	}
}

type flakyProvider struct {
	name      string
	priority  int
	mu        sync.Mutex
	calls     int
	failTimes int
}

func (p *flakyProvider) Name() string  { return p.name }
func (p *flakyProvider) Priority() int { return p.priority }
func (p *flakyProvider) FetchBars(_ context.Context, _ string, from, _ time.Time) ([]provider.Bar, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.calls <= p.failTimes {
		return nil, &HTTPError{StatusCode: 503}
	}
	return []provider.Bar{{Timestamp: from, Close: 42}}, nil
}

func TestJob_TransitionGraphRejectsSkippedStates(t *testing.T) {
	job := NewJob([]string{"SPY"}, time.Now(), time.Now())
	if job.Status() != StatusDraft {
		t.Fatalf("expected new job to start Draft, got %s", job.Status())
	}
	// Draft -> Running is not a valid edge; Draft must go through Queued.
	job.mu.Lock()
	err := job.transitionLocked(StatusRunning)
	job.mu.Unlock()
	if err == nil {
		t.Fatalf("expected Draft -> Running to be rejected")
	}
	if err := job.Enqueue(); err != nil {
		t.Fatalf("expected Draft -> Queued to succeed: %v", err)
	}
	if job.Status() != StatusQueued {
		t.Fatalf("expected Queued after Enqueue, got %s", job.Status())
	}
}

func TestJob_ResumableRequiresCheckpointAndTerminalState(t *testing.T) {
	job := NewJob([]string{"SPY"}, time.Now(), time.Now())
	if job.Resumable() {
		t.Fatalf("expected a fresh Draft job to not be resumable")
	}
	job.mu.Lock()
	job.status = StatusFailed
	job.mu.Unlock()
	if job.Resumable() {
		t.Fatalf("expected Failed with no checkpoint to not be resumable")
	}
	job.mu.Lock()
	job.checkpoint = &CheckpointToken{LastSymbol: "SPY", LastDate: "2024-01-01"}
	job.mu.Unlock()
	if !job.Resumable() {
		t.Fatalf("expected Failed with a checkpoint to be resumable")
	}
}

// TestCoordinator_RestartResumesFailedJobAsQueuedAndFinishesRemainder mirrors
// spec scenario S6: a job fails partway through, and on restart transitions
// Failed -> Queued and only refetches what wasn't already committed.
func TestCoordinator_RestartResumesFailedJobAsQueuedAndFinishesRemainder(t *testing.T) {
	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	checker := &fakeGapChecker{missing: map[string]bool{
		"SPY|2024-01-01": true,
		"SPY|2024-01-02": true,
	}}

	reg := provider.NewRegistry()
	store := NewMemoryProgressStore()
	sink := &recordingBarSink{}
	cfg := Config{MaxRetries: 2, BaseBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond, MaxInFlight: 4, PerProviderCap: 2}

	jobID := "s6-job"

	// Simulate a prior run that completed 01-01 and then crashed (process
	// died before 01-02 could be fetched): persist that partial snapshot
	// directly, as a crash-recovered coordinator would find it.
	store.data[jobID] = &JobSnapshot{
		Status:     StatusFailed,
		Progress:   map[string]map[string]bool{"SPY": {"2024-01-01": true}},
		Checkpoint: &CheckpointToken{LastSymbol: "SPY", LastDate: "2024-01-01"},
	}

	reg.RegisterHistorical(&scriptedProvider{name: "vendor-a", priority: 1})
	c := New(cfg, reg, checker, store, sink, nil)

	job := NewJob([]string{"SPY"}, from, to)
	job.ID = jobID

	if err := c.DetectGaps(context.Background(), job); err != nil {
		t.Fatalf("detect gaps: %v", err)
	}
	if err := c.Resume(context.Background(), job); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if job.Status() != StatusQueued {
		t.Fatalf("expected Failed -> Queued on resume, got %s", job.Status())
	}

	if err := c.Run(context.Background(), job); err != nil {
		t.Fatalf("run: %v", err)
	}
	if job.Status() != StatusCompleted {
		t.Fatalf("expected job completed, got %s", job.Status())
	}
	// Only 2024-01-02 should have been fetched; 01-01 was already filled.
	if len(sink.bars) != 1 {
		t.Fatalf("expected exactly 1 bar fetched (the unfilled date), got %d", len(sink.bars))
	}
}
