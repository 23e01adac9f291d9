// Package evaluator runs pending feedback results in the background.
//
// An Evaluator treats the feedback table as a work queue. Each pass it reads
// the claimable rows of its run locations, oldest first, claims as many as it
// has free workers with an atomic conditional update, evaluates them on a
// bounded worker pool and writes the outcome back under the claim. Failed
// rows are retried with exponential backoff until MaxAttempts; RUNNING rows
// whose evaluator disappeared are reclaimed once they are stale.
package evaluator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/hyoka/internal/feedback"
	"github.com/ashita-ai/hyoka/internal/model"
	"github.com/ashita-ai/hyoka/internal/storage"
	"github.com/ashita-ai/hyoka/internal/telemetry"
)

// Store is the subset of the storage layer the evaluator needs.
type Store interface {
	PendingFeedback(ctx context.Context, locations []model.RunLocation, policy storage.ClaimPolicy, limit int, shuffle bool) ([]model.FeedbackResult, error)
	ClaimFeedback(ctx context.Context, id, claimID string, policy storage.ClaimPolicy) (model.FeedbackResult, bool, error)
	TouchFeedback(ctx context.Context, id, claimID string) error
	CompleteFeedback(ctx context.Context, claimID string, result model.FeedbackResult, retryAt time.Time) error
	SkipFeedback(ctx context.Context, id, reason string) error
	GetFeedbackResult(ctx context.Context, id string) (model.FeedbackResult, error)
	GetFeedbackDefinition(ctx context.Context, id string) (model.FeedbackDefinition, error)
	GetRecord(ctx context.Context, recordID string) (model.Record, error)
	GetApp(ctx context.Context, appID string) (model.App, error)
}

// Config controls an Evaluator. Zero values take the defaults noted.
type Config struct {
	// RunLocation selects which rows are evaluated. Default RunDeferred.
	RunLocation model.RunLocation
	// Adopt lists further run locations this evaluator polls, such as local
	// rows first evaluated inline that need a retry or a reclaim.
	Adopt []model.RunLocation
	// Concurrency bounds in-flight evaluations. Default 4.
	Concurrency int
	// PollInterval is the pause between passes when idle. Default 5s.
	PollInterval time.Duration
	// BacklogPollInterval is the pause when the last pass left work behind. Default 250ms.
	BacklogPollInterval time.Duration
	// StaleAfter is how long a RUNNING row may go unwritten before it is
	// reclaimed. Claims are refreshed at a third of this while they are being
	// worked. Default 10m.
	StaleAfter time.Duration
	// Timeout bounds each invocation of a feedback callable. Default 2m.
	Timeout time.Duration
	// MaxAttempts bounds automatic retries of FAILED rows. Default 5.
	MaxAttempts int
	// RetryBase is the first retry delay; it doubles per attempt up to 5 minutes. Default 2s.
	RetryBase time.Duration
	// Shuffle randomizes claim order within the oldest window of rows.
	Shuffle bool
	// DrainTimeout bounds a graceful Stop. Default 30s.
	DrainTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.RunLocation == "" {
		c.RunLocation = model.RunDeferred
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.BacklogPollInterval <= 0 {
		c.BacklogPollInterval = 250 * time.Millisecond
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 10 * time.Minute
	}
	if c.Timeout <= 0 {
		c.Timeout = 2 * time.Minute
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 2 * time.Second
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 30 * time.Second
	}
	return c
}

const maxRetryDelay = 5 * time.Minute

// Evaluator is a restartable background loop. Start and Stop are idempotent
// and safe for concurrent use.
type Evaluator struct {
	store    Store
	registry *feedback.Registry
	cfg      Config
	logger   *slog.Logger
	owner    string
	metrics  *telemetry.EvalMetrics

	mu  sync.Mutex
	run *run

	inflight  atomic.Int64
	processed atomic.Int64

	defMu sync.Mutex
	defs  map[string]boundDef
}

type boundDef struct {
	fb  *feedback.Feedback
	err error
}

// run is the state of one Start..Stop cycle.
type run struct {
	stopClaims context.CancelFunc
	abandon    context.CancelFunc
	done       chan struct{}
}

// New creates an evaluator. It does not start it.
func New(store Store, registry *feedback.Registry, cfg Config, logger *slog.Logger) *Evaluator {
	cfg = cfg.withDefaults()
	e := &Evaluator{
		store:    store,
		registry: registry,
		cfg:      cfg,
		logger:   logger.With("run_location", string(cfg.RunLocation)),
		owner:    uuid.NewString(),
		metrics:  telemetry.NewEvalMetrics(string(cfg.RunLocation)),
		defs:     make(map[string]boundDef),
	}
	e.registerGauges()
	return e
}

// Config returns the effective configuration.
func (e *Evaluator) Config() Config { return e.cfg }

// Running reports whether the loop is started.
func (e *Evaluator) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.run != nil
}

// InFlight returns the number of evaluations currently executing.
func (e *Evaluator) InFlight() int64 { return e.inflight.Load() }

// Processed returns the number of evaluations finished since creation.
func (e *Evaluator) Processed() int64 { return e.processed.Load() }

// Start begins the poll loop. Calling Start on a running evaluator is a no-op.
// Cancelling ctx is an ungraceful stop: in-flight rows stay RUNNING and are
// reclaimed by a later pass once stale.
func (e *Evaluator) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.run != nil {
		e.logger.Debug("evaluator: already running")
		return
	}
	workCtx, abandon := context.WithCancel(ctx)
	loopCtx, stopClaims := context.WithCancel(workCtx)
	r := &run{stopClaims: stopClaims, abandon: abandon, done: make(chan struct{})}
	e.run = r
	go e.loop(loopCtx, workCtx, r)
	e.logger.Info("evaluator: started",
		"concurrency", e.cfg.Concurrency,
		"poll_interval", e.cfg.PollInterval,
		"stale_after", e.cfg.StaleAfter)
}

// Stop stops claiming new rows and waits for in-flight evaluations to finish,
// bounded by ctx and the configured drain timeout. Evaluations still running
// when the bound expires are abandoned; their rows stay RUNNING. Calling Stop
// on a stopped evaluator is a no-op.
func (e *Evaluator) Stop(ctx context.Context) {
	e.mu.Lock()
	r := e.run
	e.run = nil
	e.mu.Unlock()
	if r == nil {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.DrainTimeout)
	defer cancel()
	r.stopClaims()
	select {
	case <-r.done:
		e.logger.Info("evaluator: stopped")
	case <-ctx.Done():
		e.logger.Warn("evaluator: drain timed out, abandoning in-flight evaluations",
			"inflight", e.inflight.Load())
		r.abandon()
		<-r.done
	}
	r.abandon()
}

func (e *Evaluator) loop(loopCtx, workCtx context.Context, r *run) {
	defer close(r.done)

	g := &errgroup.Group{}
	g.SetLimit(e.cfg.Concurrency)
	defer func() { _ = g.Wait() }()

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-loopCtx.Done():
			return
		case <-timer.C:
		}

		backlog, err := e.pass(loopCtx, workCtx, g)
		if err != nil && loopCtx.Err() == nil {
			// A failed pass is tolerated; the next one starts after the idle interval.
			e.logger.Error("evaluator: pass failed", "error", err)
		}
		next := e.cfg.PollInterval
		if backlog {
			next = e.cfg.BacklogPollInterval
		}
		timer.Reset(next)
	}
}

// RunOnce performs one pass and waits for the evaluations it started. It
// returns the number of rows evaluated. It is independent of Start.
func (e *Evaluator) RunOnce(ctx context.Context) (int, error) {
	g := &errgroup.Group{}
	g.SetLimit(e.cfg.Concurrency)
	before := e.processed.Load()
	_, err := e.pass(ctx, ctx, g)
	_ = g.Wait()
	return int(e.processed.Load() - before), err
}

// pass claims up to the free worker capacity and hands the claimed rows to g.
// It reports whether claimable rows were left behind.
func (e *Evaluator) pass(ctx, workCtx context.Context, g *errgroup.Group) (bool, error) {
	free := e.cfg.Concurrency - int(e.inflight.Load())
	if free <= 0 {
		return true, nil
	}
	policy := e.policy()
	rows, err := e.store.PendingFeedback(ctx, e.locations(), policy, free, e.cfg.Shuffle)
	if err != nil {
		return false, fmt.Errorf("evaluator: query pending: %w", err)
	}

	for _, row := range rows {
		if ctx.Err() != nil {
			break
		}
		claimed, ok := e.claim(ctx, row, policy)
		if !ok {
			continue
		}
		e.inflight.Add(1)
		g.Go(func() error {
			defer e.inflight.Add(-1)
			e.process(workCtx, claimed)
			return nil
		})
	}
	return len(rows) == free, nil
}

// Process claims one row by id and evaluates it synchronously. It returns the
// stored outcome and false when the row could not be claimed, including rows
// at a run location this evaluator does not serve.
func (e *Evaluator) Process(ctx context.Context, id string) (model.FeedbackResult, bool, error) {
	row, err := e.store.GetFeedbackResult(ctx, id)
	if err != nil {
		return model.FeedbackResult{}, false, err
	}
	if !e.serves(row.RunLocation) {
		e.logger.Debug("evaluator: ignoring feedback at another run location",
			"feedback_result_id", id, "row_run_location", string(row.RunLocation))
		return row, false, nil
	}
	claimed, ok := e.claim(ctx, row, e.policy())
	if !ok {
		return row, false, nil
	}
	e.inflight.Add(1)
	defer e.inflight.Add(-1)
	e.process(ctx, claimed)
	res, err := e.store.GetFeedbackResult(ctx, id)
	return res, true, err
}

// locations returns every run location this evaluator polls.
func (e *Evaluator) locations() []model.RunLocation {
	return append([]model.RunLocation{e.cfg.RunLocation}, e.cfg.Adopt...)
}

func (e *Evaluator) serves(loc model.RunLocation) bool {
	return slices.Contains(e.locations(), loc)
}

func (e *Evaluator) policy() storage.ClaimPolicy {
	return storage.ClaimPolicy{
		Now:         time.Now(),
		StaleAfter:  e.cfg.StaleAfter,
		MaxAttempts: e.cfg.MaxAttempts,
	}
}

// claim binds the row's definition and takes the row. A NONE row whose
// definition cannot be bound is skipped instead of claimed.
func (e *Evaluator) claim(ctx context.Context, row model.FeedbackResult, policy storage.ClaimPolicy) (claim, bool) {
	fb, bindErr := e.bind(ctx, row.FeedbackDefinitionID)
	var invalid *feedback.ValidationError
	switch {
	case bindErr == nil:
	case errors.As(bindErr, &invalid):
		if row.Status != model.StatusNone {
			// Claim it anyway so the row fails visibly and exhausts its attempts.
			break
		}
		if err := e.store.SkipFeedback(ctx, row.FeedbackResultID, bindErr.Error()); err != nil {
			if !errors.Is(err, storage.ErrInvalidTransition) {
				e.logger.Error("evaluator: skip feedback", "feedback_result_id", row.FeedbackResultID, "error", err)
			}
			return claim{}, false
		}
		e.logger.Warn("evaluator: skipped feedback", "feedback_result_id", row.FeedbackResultID, "reason", invalid.Reason)
		return claim{}, false
	default:
		e.logger.Error("evaluator: load definition", "feedback_definition_id", row.FeedbackDefinitionID, "error", bindErr)
		return claim{}, false
	}

	claimID := e.owner + "/" + uuid.NewString()
	claimed, ok, err := e.store.ClaimFeedback(ctx, row.FeedbackResultID, claimID, policy)
	if err != nil {
		e.logger.Error("evaluator: claim feedback", "feedback_result_id", row.FeedbackResultID, "error", err)
		return claim{}, false
	}
	if !ok {
		e.logger.Debug("evaluator: lost claim race", "feedback_result_id", row.FeedbackResultID)
		return claim{}, false
	}
	reclaimed := row.Status == model.StatusRunning
	e.metrics.Claimed(ctx, reclaimed)
	if reclaimed {
		e.logger.Warn("evaluator: reclaimed stale feedback",
			"feedback_result_id", row.FeedbackResultID,
			"previous_claim", row.ClaimID,
			"last_ts", row.LastTS)
	}
	return claim{row: claimed, id: claimID, fb: fb, bindErr: bindErr}, true
}

type claim struct {
	row     model.FeedbackResult
	id      string
	fb      *feedback.Feedback
	bindErr error
}

// process evaluates a claimed row and writes the outcome. It never panics.
func (e *Evaluator) process(ctx context.Context, c claim) {
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			e.logger.Error("evaluator: worker panic", "feedback_result_id", c.row.FeedbackResultID, "panic", p)
		}
	}()

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	heartbeat := make(chan struct{})
	go func() {
		defer close(heartbeat)
		e.heartbeat(hbCtx, c)
	}()
	res := e.evaluate(ctx, c)
	stopHeartbeat()
	<-heartbeat
	if ctx.Err() != nil {
		e.logger.Warn("evaluator: abandoned evaluation, row will be reclaimed when stale",
			"feedback_result_id", c.row.FeedbackResultID)
		return
	}

	var retryAt time.Time
	if res.Status == model.StatusFailed {
		retryAt = time.Now().Add(e.backoff(c.row.Attempts))
	}
	err := e.store.CompleteFeedback(ctx, c.id, res, retryAt)
	switch {
	case errors.Is(err, storage.ErrClaimLost):
		e.logger.Warn("evaluator: claim lost before completion, result discarded",
			"feedback_result_id", c.row.FeedbackResultID)
		return
	case err != nil:
		e.logger.Error("evaluator: complete feedback", "feedback_result_id", c.row.FeedbackResultID, "error", err)
		return
	}

	e.processed.Add(1)
	e.metrics.Finished(ctx, res.Status == model.StatusDone, time.Since(start))
	if res.Status == model.StatusDone {
		e.logger.Debug("evaluator: feedback done",
			"feedback_result_id", res.FeedbackResultID, "name", res.Name, "duration", time.Since(start))
		return
	}
	if c.row.Attempts >= e.cfg.MaxAttempts {
		e.logger.Warn("evaluator: feedback exhausted retries",
			"feedback_result_id", res.FeedbackResultID,
			"attempts", c.row.Attempts,
			"error", firstLine(res.Error))
		return
	}
	e.logger.Info("evaluator: feedback failed, will retry",
		"feedback_result_id", res.FeedbackResultID,
		"attempts", c.row.Attempts,
		"retry_at", retryAt,
		"error", firstLine(res.Error))
}

// heartbeat refreshes the claim's last_ts until ctx ends so a long
// evaluation is not reclaimed while it is still being worked.
func (e *Evaluator) heartbeat(ctx context.Context, c claim) {
	ticker := time.NewTicker(max(e.cfg.StaleAfter/3, time.Millisecond))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		err := e.store.TouchFeedback(ctx, c.row.FeedbackResultID, c.id)
		switch {
		case err == nil:
		case errors.Is(err, storage.ErrClaimLost):
			e.logger.Warn("evaluator: claim taken over during evaluation",
				"feedback_result_id", c.row.FeedbackResultID)
			return
		case ctx.Err() == nil:
			e.logger.Error("evaluator: refresh claim", "feedback_result_id", c.row.FeedbackResultID, "error", err)
		}
	}
}

// evaluate produces the outcome of a claimed row. Missing records and
// unbindable definitions become FAILED results.
func (e *Evaluator) evaluate(ctx context.Context, c claim) model.FeedbackResult {
	failed := func(err error) model.FeedbackResult {
		r := c.row
		r.Status = model.StatusFailed
		r.Result = nil
		r.Error = err.Error()
		r.LastTS = time.Now()
		return r
	}
	if c.bindErr != nil {
		return failed(c.bindErr)
	}
	rec, err := e.store.GetRecord(ctx, c.row.RecordID)
	if err != nil {
		return failed(fmt.Errorf("load record: %w", err))
	}
	var app *model.App
	if a, err := e.store.GetApp(ctx, rec.AppID); err == nil {
		app = &a
	} else if !errors.Is(err, storage.ErrNotFound) {
		return failed(fmt.Errorf("load app: %w", err))
	}

	res := c.fb.Run(ctx, &rec, app)
	res.FeedbackResultID = c.row.FeedbackResultID
	res.RunLocation = c.row.RunLocation
	res.Attempts = c.row.Attempts
	return res
}

// backoff returns the delay before attempt+1: RetryBase doubled per
// attempt, capped at five minutes.
func (e *Evaluator) backoff(attempts int) time.Duration {
	d := e.cfg.RetryBase
	for i := 1; i < attempts && d < maxRetryDelay; i++ {
		d *= 2
	}
	return min(d, maxRetryDelay)
}

// bind returns the bound feedback for a definition id. Validation failures are
// cached because the registry is immutable; storage errors are not.
func (e *Evaluator) bind(ctx context.Context, defID string) (*feedback.Feedback, error) {
	e.defMu.Lock()
	b, ok := e.defs[defID]
	e.defMu.Unlock()
	if ok {
		return b.fb, b.err
	}

	def, err := e.store.GetFeedbackDefinition(ctx, defID)
	if err != nil {
		return nil, err
	}
	fb, err := feedback.Bind(e.registry, def)
	if fb != nil {
		fb = fb.WithTimeout(e.cfg.Timeout)
	}
	e.defMu.Lock()
	e.defs[defID] = boundDef{fb: fb, err: err}
	e.defMu.Unlock()
	return fb, err
}

// registerGauges registers observable OTEL gauges for evaluator health.
func (e *Evaluator) registerGauges() {
	meter := telemetry.Meter("hyoka/evaluator")
	_, _ = meter.Int64ObservableGauge("hyoka.evaluator.inflight",
		metric.WithDescription("Feedback evaluations currently executing"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(e.inflight.Load())
			return nil
		}),
	)
}

func firstLine(s string) string {
	for i := range len(s) {
		if s[i] == '\n' {
			return s[:i]
		}
	}
	return s
}
