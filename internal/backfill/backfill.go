// Package backfill implements the gap-detection and historical-fill
// coordinator described in spec §4.9: finds missing (symbol, date) storage
// partitions, dispatches fetches to registered historical providers
// honoring per-provider rate limits, retries with backoff, persists
// resumable checkpoints, and republishes completed bars through the same
// Publisher path live collectors use.
//
// Bounded parallelism is grounded on the ethereum-go-ethereum dependency
// set's golang.org/x/sync/errgroup worker-pool idiom (cmd/geth's
// lag-between-tx-inclusion harness runs a fixed worker pool draining a
// task channel via errgroup.Go) — here replaced with an errgroup plus a
// global semaphore.Weighted and one per-provider semaphore.Weighted so a
// global in-flight cap and a per-provider cap can both be enforced without
// a second hand-rolled pool. The per-symbol progress ledger is grounded on
// the teacher's risk.Checker, which keeps a mutex-guarded map-of-maps
// (account -> symbol -> position) that this package narrows to symbol ->
// progress.
package backfill

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/rishav/marketdata-ingest/internal/provider"
	"github.com/rishav/marketdata-ingest/internal/ratelimit"
)

// JobStatus is the lifecycle state of an IngestionJob, per spec §3:
// Draft -> Queued -> Running -> {Paused -> Queued, Completed,
// Failed -> Queued, Cancelled}.
type JobStatus uint8

const (
	StatusDraft JobStatus = iota
	StatusQueued
	StatusRunning
	StatusPaused
	StatusCompleted
	StatusFailed
	StatusCancelled
)

func (s JobStatus) String() string {
	switch s {
	case StatusQueued:
		return "queued"
	case StatusRunning:
		return "running"
	case StatusPaused:
		return "paused"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	default:
		return "draft"
	}
}

// validTransitions is the transition graph from spec §3. Every mutation of
// Job.status goes through transitionLocked, so an IngestionJob's persisted
// state is always reachable from Draft along this graph (§8 TestableProperty
// 6).
var validTransitions = map[JobStatus][]JobStatus{
	StatusDraft:     {StatusQueued},
	StatusQueued:    {StatusRunning},
	StatusRunning:   {StatusPaused, StatusCompleted, StatusFailed, StatusCancelled},
	StatusPaused:    {StatusQueued},
	StatusFailed:    {StatusQueued},
	StatusCompleted: {},
	StatusCancelled: {},
}

func (s JobStatus) canTransitionTo(next JobStatus) bool {
	for _, t := range validTransitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// Request is one (symbol, date) unit of backfill work.
type Request struct {
	Symbol string
	Date   time.Time // UTC midnight, one calendar day
}

// GapChecker answers whether storage already holds at least one valid
// record for (symbol, date); implemented by the sink/naming layer in
// production, stubbed in tests.
type GapChecker interface {
	HasData(ctx context.Context, symbol string, date time.Time) (bool, error)
}

// JobSnapshot is the durable form of a Job: its lifecycle state, per-symbol
// fill progress, and the checkpoint/retry bookkeeping needed to resume
// per spec §3 ("Resumable iff state ∈ {Paused, Failed} and a checkpoint
// exists").
type JobSnapshot struct {
	Status     JobStatus
	Progress   map[string]map[string]bool // symbol -> date (2006-01-02) -> filled
	Checkpoint *CheckpointToken
	Retry      *RetryEnvelope
}

// ProgressStore persists a job's full snapshot so a restarted coordinator
// can resume without refetching, per spec §4.9 "Resume" and §3's
// Resumable predicate.
type ProgressStore interface {
	Load(ctx context.Context, jobID string) (*JobSnapshot, error)
	Save(ctx context.Context, jobID string, snapshot *JobSnapshot) error
}

// BarSink receives completed bars to republish as MarketEvents, per
// spec §4.9 "emit completed bars ... through the same publisher."
type BarSink interface {
	PublishBar(symbol string, date time.Time, bar provider.Bar) bool
}

// CheckpointToken marks the last confirmed position in a job's traversal
// over (symbol, date) requests, per spec §3.
type CheckpointToken struct {
	LastSymbol string
	LastDate   string // 2006-01-02
	LastOffset int
	CapturedAt time.Time
}

// RetryEnvelope records the backoff state for the request currently being
// retried, per spec §3.
type RetryEnvelope struct {
	Attempt     int
	NextDelay   time.Duration
	NextRetryAt time.Time
}

// Config controls retry, parallelism and provider selection.
type Config struct {
	MaxRetries     int
	BaseBackoff    time.Duration
	MaxBackoff     time.Duration
	MaxInFlight    int64 // global semaphore weight
	PerProviderCap int64 // per-provider semaphore weight

	PreferredProviders []string // tried first, in order, before the priority-sorted fallback
}

func (c *Config) setDefaults() {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = 8
	}
	if c.PerProviderCap <= 0 {
		c.PerProviderCap = 4
	}
}

// symbolProgress is the per-symbol bookkeeping described in spec §3:
// expected/processed counts, the last committed date, and a retry count
// per pending date. Mirrors the teacher's risk.Checker per-account maps
// narrowed to a single dimension.
type symbolProgress struct {
	expected          map[string]bool // date (2006-01-02) -> true
	filled            map[string]bool
	errs              map[string]string
	retryCount        map[string]int // date -> attempts made so far
	processed         int            // len(filled), kept in sync explicitly per spec's field list
	lastCommittedDate string         // most recent date marked filled (lexical == chronological order)
}

func (sp *symbolProgress) markFilled(date string) {
	if !sp.filled[date] {
		sp.filled[date] = true
		sp.processed++
	}
	if date > sp.lastCommittedDate {
		sp.lastCommittedDate = date
	}
}

// Job is one BackfillJob/IngestionJob instance, per spec §3.
type Job struct {
	ID     string
	Symbol []string
	From   time.Time
	To     time.Time

	mu            sync.Mutex
	status        JobStatus
	progress      map[string]*symbolProgress
	notApplicable map[string]map[string]bool // symbol -> provider -> true
	checkpoint    *CheckpointToken
	retry         *RetryEnvelope
}

// Coordinator runs backfill jobs against a provider registry.
type Coordinator struct {
	cfg      Config
	registry *provider.Registry
	checker  GapChecker
	store    ProgressStore
	sink     BarSink
	limiters map[string]ratelimit.Limiter // provider name -> limiter

	global *semaphore.Weighted

	providerSemMu sync.Mutex
	providerSem   map[string]*semaphore.Weighted
}

// New builds a Coordinator. limiters supplies the per-provider rate
// limiter to honor while dispatching requests (spec §4.9
// "honoring per-provider rate limits").
func New(cfg Config, registry *provider.Registry, checker GapChecker, store ProgressStore, sink BarSink, limiters map[string]ratelimit.Limiter) *Coordinator {
	cfg.setDefaults()
	return &Coordinator{
		cfg:         cfg,
		registry:    registry,
		checker:     checker,
		store:       store,
		sink:        sink,
		limiters:    limiters,
		global:      semaphore.NewWeighted(cfg.MaxInFlight),
		providerSem: make(map[string]*semaphore.Weighted),
	}
}

// providerSemaphore returns (creating lazily) the weighted semaphore that
// caps in-flight requests against a single provider, per spec §4.9
// "per-provider caps protect against single-provider overload."
func (c *Coordinator) providerSemaphore(name string) *semaphore.Weighted {
	c.providerSemMu.Lock()
	defer c.providerSemMu.Unlock()
	sem, ok := c.providerSem[name]
	if !ok {
		sem = semaphore.NewWeighted(c.cfg.PerProviderCap)
		c.providerSem[name] = sem
	}
	return sem
}

// NewJob creates a job covering symbols over [from, to] inclusive, in
// Draft state per spec §3.
func NewJob(symbols []string, from, to time.Time) *Job {
	return &Job{
		ID:            uuid.NewString(),
		Symbol:        symbols,
		From:          from,
		To:            to,
		status:        StatusDraft,
		progress:      make(map[string]*symbolProgress),
		notApplicable: make(map[string]map[string]bool),
	}
}

// Status returns the job's current lifecycle state.
func (job *Job) Status() JobStatus {
	job.mu.Lock()
	defer job.mu.Unlock()
	return job.status
}

// Resumable reports whether the job may resume per spec §3: state must be
// Paused or Failed, and a checkpoint must exist.
func (job *Job) Resumable() bool {
	job.mu.Lock()
	defer job.mu.Unlock()
	return (job.status == StatusPaused || job.status == StatusFailed) && job.checkpoint != nil
}

// Enqueue transitions a fresh job Draft -> Queued, or is a no-op if the
// job is already Queued (Resume having just restored it there).
func (job *Job) Enqueue() error {
	job.mu.Lock()
	defer job.mu.Unlock()
	if job.status == StatusQueued {
		return nil
	}
	return job.transitionLocked(StatusQueued)
}

// Cancel transitions a Running job to Cancelled.
func (job *Job) Cancel() error {
	job.mu.Lock()
	defer job.mu.Unlock()
	return job.transitionLocked(StatusCancelled)
}

// Pause transitions a Running job to Paused.
func (job *Job) Pause() error {
	job.mu.Lock()
	defer job.mu.Unlock()
	return job.transitionLocked(StatusPaused)
}

func (job *Job) transitionLocked(next JobStatus) error {
	if !job.status.canTransitionTo(next) {
		return fmt.Errorf("backfill: invalid transition %s -> %s for job %s", job.status, next, job.ID)
	}
	job.status = next
	return nil
}

// DetectGaps populates job.progress with every (symbol, date) expected in
// range and marks which are already present, per spec §4.9 "Gap
// detection."
func (c *Coordinator) DetectGaps(ctx context.Context, job *Job) error {
	for _, symbol := range job.Symbol {
		sp := &symbolProgress{
			expected:   make(map[string]bool),
			filled:     make(map[string]bool),
			errs:       make(map[string]string),
			retryCount: make(map[string]int),
		}
		for d := job.From; !d.After(job.To); d = d.AddDate(0, 0, 1) {
			key := d.Format("2006-01-02")
			sp.expected[key] = true
			has, err := c.checker.HasData(ctx, symbol, d)
			if err != nil {
				return fmt.Errorf("backfill: gap check %s %s: %w", symbol, key, err)
			}
			if has {
				sp.markFilled(key)
			}
		}
		job.mu.Lock()
		job.progress[symbol] = sp
		job.mu.Unlock()
	}
	return nil
}

// Resume loads a previously persisted snapshot and merges it into the job,
// per spec §4.9 "Resume" and §3's Resumable predicate. A job whose
// persisted state is Paused or Failed is moved to Queued, matching S6's
// "the job transitions Failed->Queued" restart behavior; a snapshot with
// no checkpoint (nothing to resume) leaves the job's state untouched.
func (c *Coordinator) Resume(ctx context.Context, job *Job) error {
	if c.store == nil {
		return nil
	}
	snap, err := c.store.Load(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("backfill: resume load: %w", err)
	}
	if snap == nil {
		return nil
	}

	job.mu.Lock()
	defer job.mu.Unlock()

	for symbol, dates := range snap.Progress {
		sp, ok := job.progress[symbol]
		if !ok {
			continue
		}
		for date, filled := range dates {
			if filled {
				sp.markFilled(date)
			}
		}
	}
	job.checkpoint = snap.Checkpoint
	job.retry = snap.Retry

	if (snap.Status == StatusPaused || snap.Status == StatusFailed) && job.checkpoint != nil {
		job.status = snap.Status
		if err := job.transitionLocked(StatusQueued); err != nil {
			return err
		}
	}
	return nil
}

// Run dispatches all missing (symbol, date) requests with bounded
// parallelism, retries, provider rotation and checkpointing, and returns
// once the job reaches Completed or Failed. A Draft job is enqueued
// automatically; otherwise the job must already be Queued (as Resume
// leaves a resumed job), per spec §3's transition graph.
func (c *Coordinator) Run(ctx context.Context, job *Job) error {
	if job.Status() == StatusDraft {
		if err := job.Enqueue(); err != nil {
			return err
		}
	}
	job.mu.Lock()
	if err := job.transitionLocked(StatusRunning); err != nil {
		job.mu.Unlock()
		return err
	}
	job.mu.Unlock()

	requests := c.pendingRequests(job)

	g, gctx := errgroup.WithContext(ctx)
	for _, req := range requests {
		req := req
		g.Go(func() error {
			if err := c.global.Acquire(gctx, 1); err != nil {
				return err
			}
			defer c.global.Release(1)
			c.fulfill(gctx, job, req)
			return nil
		})
	}

	runErr := g.Wait()
	if runErr != nil && runErr != context.Canceled {
		job.mu.Lock()
		_ = job.transitionLocked(StatusFailed)
		job.mu.Unlock()
		c.checkpointJob(ctx, job)
		return runErr
	}

	c.checkpointJob(ctx, job)

	job.mu.Lock()
	if c.allFilledLocked(job) {
		_ = job.transitionLocked(StatusCompleted)
	} else {
		_ = job.transitionLocked(StatusFailed)
	}
	job.mu.Unlock()
	return nil
}

func (c *Coordinator) checkpointJob(ctx context.Context, job *Job) {
	if c.store == nil {
		return
	}
	snap := c.snapshot(job)
	if err := c.store.Save(ctx, job.ID, snap); err != nil {
		// Best-effort: a checkpoint failure doesn't fail the run, it only
		// narrows what a future Resume can skip.
		_ = err
	}
}

func (c *Coordinator) pendingRequests(job *Job) []Request {
	job.mu.Lock()
	defer job.mu.Unlock()

	var out []Request
	for symbol, sp := range job.progress {
		for date := range sp.expected {
			if sp.filled[date] {
				continue
			}
			t, _ := time.Parse("2006-01-02", date)
			out = append(out, Request{Symbol: symbol, Date: t})
		}
	}
	return out
}

// providerCandidates returns the providers to try for a request: the
// preferred list first (minus any already marked not-applicable for this
// symbol), then every remaining registered provider sorted by priority.
func (c *Coordinator) providerCandidates(job *Job, symbol string) []provider.HistoricalProvider {
	job.mu.Lock()
	skip := job.notApplicable[symbol]
	job.mu.Unlock()

	seen := make(map[string]bool)
	var out []provider.HistoricalProvider

	for _, name := range c.cfg.PreferredProviders {
		if skip[name] {
			continue
		}
		if p, ok := c.registry.Historical(name); ok {
			out = append(out, p)
			seen[name] = true
		}
	}
	for _, p := range c.registry.HistoricalByPriority() {
		if seen[p.Name()] || skip[p.Name()] {
			continue
		}
		out = append(out, p)
	}
	return out
}

// fulfill retries req across provider candidates until one succeeds, a
// terminal error is reached, or candidates are exhausted.
func (c *Coordinator) fulfill(ctx context.Context, job *Job, req Request) {
	candidates := c.providerCandidates(job, req.Symbol)
	if len(candidates) == 0 {
		c.recordError(job, req, "no applicable provider")
		return
	}

	for _, p := range candidates {
		if c.attemptProvider(ctx, job, req, p) {
			return
		}
	}
	c.recordError(job, req, "exhausted all providers")
}

// attemptProvider retries req against a single provider up to MaxRetries.
// It returns true when the request is finished, on success or on a
// non-retryable error (recorded as terminal for the request), and false
// to fall through to the next candidate: on a provider-not-applicable
// classification, exhausted retries, or a limiter/semaphore wait error.
// Acquires the per-provider semaphore around each fetch; the global
// semaphore is held by the caller.
func (c *Coordinator) attemptProvider(ctx context.Context, job *Job, req Request, p provider.HistoricalProvider) bool {
	limiter := c.limiters[p.Name()]
	sem := c.providerSemaphore(p.Name())

	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if limiter != nil {
			if err := limiter.WaitForSlot(ctx); err != nil {
				return false
			}
		}

		if err := sem.Acquire(ctx, 1); err != nil {
			return false
		}
		bars, err := p.FetchBars(ctx, req.Symbol, req.Date, req.Date.AddDate(0, 0, 1))
		sem.Release(1)

		if err == nil {
			for _, bar := range bars {
				c.sink.PublishBar(req.Symbol, req.Date, bar)
			}
			c.markFilled(job, req)
			return true
		}

		class := classifyError(err)
		switch class {
		case errNotApplicable:
			c.markNotApplicable(job, req.Symbol, p.Name())
			return false
		case errRateLimited:
			if limiter != nil {
				limiter.RecordRequest()
			}
			c.recordRetry(job, req, attempt)
			c.sleepBackoff(ctx, attempt)
			continue
		case errRetryable:
			c.recordRetry(job, req, attempt)
			c.sleepBackoff(ctx, attempt)
			continue
		default: // non-retryable
			c.recordError(job, req, err.Error())
			return true // terminal failure for this request, don't rotate providers
		}
	}
	return false
}

func (c *Coordinator) sleepBackoff(ctx context.Context, attempt int) {
	backoff := c.cfg.BaseBackoff * time.Duration(1<<uint(attempt))
	if backoff > c.cfg.MaxBackoff {
		backoff = c.cfg.MaxBackoff
	}
	jitter := time.Duration(rand.Int63n(int64(backoff) / 2))
	select {
	case <-time.After(backoff/2 + jitter):
	case <-ctx.Done():
	}
}

func (c *Coordinator) markFilled(job *Job, req Request) {
	job.mu.Lock()
	defer job.mu.Unlock()
	if sp, ok := job.progress[req.Symbol]; ok {
		date := req.Date.Format("2006-01-02")
		sp.markFilled(date)
		delete(sp.retryCount, date)
	}
	job.checkpoint = &CheckpointToken{
		LastSymbol: req.Symbol,
		LastDate:   req.Date.Format("2006-01-02"),
		CapturedAt: req.Date,
	}
}

func (c *Coordinator) recordRetry(job *Job, req Request, attempt int) {
	job.mu.Lock()
	defer job.mu.Unlock()
	date := req.Date.Format("2006-01-02")
	if sp, ok := job.progress[req.Symbol]; ok {
		sp.retryCount[date] = attempt + 1
	}
	backoff := c.cfg.BaseBackoff * time.Duration(1<<uint(attempt))
	if backoff > c.cfg.MaxBackoff {
		backoff = c.cfg.MaxBackoff
	}
	job.retry = &RetryEnvelope{
		Attempt:     attempt + 1,
		NextDelay:   backoff,
		NextRetryAt: req.Date.Add(backoff),
	}
}

func (c *Coordinator) markNotApplicable(job *Job, symbol, providerName string) {
	job.mu.Lock()
	defer job.mu.Unlock()
	if job.notApplicable[symbol] == nil {
		job.notApplicable[symbol] = make(map[string]bool)
	}
	job.notApplicable[symbol][providerName] = true
}

func (c *Coordinator) recordError(job *Job, req Request, detail string) {
	job.mu.Lock()
	defer job.mu.Unlock()
	if sp, ok := job.progress[req.Symbol]; ok {
		sp.errs[req.Date.Format("2006-01-02")] = detail
	}
}

func (c *Coordinator) allFilledLocked(job *Job) bool {
	for _, sp := range job.progress {
		for date := range sp.expected {
			if !sp.filled[date] {
				return false
			}
		}
	}
	return true
}

func (c *Coordinator) snapshot(job *Job) *JobSnapshot {
	job.mu.Lock()
	defer job.mu.Unlock()
	progress := make(map[string]map[string]bool, len(job.progress))
	for symbol, sp := range job.progress {
		dates := make(map[string]bool, len(sp.filled))
		for d := range sp.filled {
			dates[d] = true
		}
		progress[symbol] = dates
	}
	return &JobSnapshot{
		Status:     job.status,
		Progress:   progress,
		Checkpoint: job.checkpoint,
		Retry:      job.retry,
	}
}
