package remote

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/hyoka/internal/evaluator"
	"github.com/ashita-ai/hyoka/internal/model"
	"github.com/ashita-ai/hyoka/internal/storage"
	"github.com/ashita-ai/hyoka/internal/telemetry"
)

// WorkerConfig configures a Worker.
type WorkerConfig struct {
	// SweepInterval is the period of the catch-up pass over all claimable
	// remote rows. Default 30s.
	SweepInterval time.Duration
	// ReadBackoff is the pause after a failed stream read. Default 1s.
	ReadBackoff time.Duration
}

// Worker is the always-on half of remote evaluation. It evaluates rows
// announced on its stream as they arrive and sweeps for missed rows on a
// schedule. The schedule can be suspended, resumed and forced.
type Worker struct {
	ev     *evaluator.Evaluator
	stream Stream
	cfg    WorkerConfig
	logger *slog.Logger

	mu        sync.Mutex
	suspended bool
	resumed   chan struct{}
	lastRun   time.Time

	processed atomic.Int64
	running   atomic.Bool
}

// NewWorker creates a worker around ev, which must be configured for the
// remote run location. stream may be nil for a sweep-only worker.
func NewWorker(ev *evaluator.Evaluator, stream Stream, cfg WorkerConfig, logger *slog.Logger) *Worker {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	if cfg.ReadBackoff <= 0 {
		cfg.ReadBackoff = time.Second
	}
	w := &Worker{ev: ev, stream: stream, cfg: cfg, logger: logger}
	w.registerGauges()
	return w
}

// Run consumes the stream and sweeps until ctx is cancelled. It returns nil
// on cancellation. Run may be called once at a time.
func (w *Worker) Run(ctx context.Context) error {
	if !w.running.CompareAndSwap(false, true) {
		return errors.New("remote worker: already running")
	}
	defer w.running.Store(false)

	if w.ev.Config().RunLocation != model.RunRemote {
		w.logger.Warn("remote worker: evaluator is not configured for remote rows",
			"run_location", w.ev.Config().RunLocation)
	}
	w.logger.Info("remote worker: started",
		"sweep_interval", w.cfg.SweepInterval, "stream", w.stream != nil)

	g, ctx := errgroup.WithContext(ctx)
	if w.stream != nil {
		g.Go(func() error { return w.consume(ctx) })
	}
	g.Go(func() error { return w.sweepLoop(ctx) })
	err := g.Wait()
	w.logger.Info("remote worker: stopped", "processed", w.processed.Load())
	return err
}

// consume evaluates announced rows with the evaluator's concurrency bound.
func (w *Worker) consume(ctx context.Context) error {
	g := &errgroup.Group{}
	g.SetLimit(w.ev.Config().Concurrency)
	defer func() { _ = g.Wait() }()

	for {
		if err := w.waitResumed(ctx); err != nil {
			return nil
		}
		msg, err := w.stream.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrClosed) {
				return nil
			}
			w.logger.Warn("remote worker: stream read failed", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(w.cfg.ReadBackoff):
			}
			continue
		}
		// A message received while suspended waits for resume.
		if err := w.waitResumed(ctx); err != nil {
			return nil
		}
		g.Go(func() error {
			w.handle(ctx, msg)
			return nil
		})
	}
}

func (w *Worker) handle(ctx context.Context, msg Message) {
	res, ok, err := w.ev.Process(ctx, msg.FeedbackResultID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		w.logger.Debug("remote worker: announced row no longer exists", "feedback_result_id", msg.FeedbackResultID)
	case err != nil:
		if ctx.Err() != nil {
			return
		}
		// Left unacknowledged; the sweep picks the row up.
		w.logger.Error("remote worker: process announced row", "feedback_result_id", msg.FeedbackResultID, "error", err)
		return
	case ok:
		w.processed.Add(1)
		w.logger.Debug("remote worker: evaluated", "feedback_result_id", res.FeedbackResultID, "status", res.Status)
	}
	if err := msg.Ack(ctx); err != nil && ctx.Err() == nil {
		w.logger.Warn("remote worker: ack failed", "feedback_result_id", msg.FeedbackResultID, "error", err)
	}
}

func (w *Worker) sweepLoop(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.SweepInterval)
	defer ticker.Stop()
	if !w.Suspended() {
		w.sweep(ctx)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if w.Suspended() {
				continue
			}
			w.sweep(ctx)
		}
	}
}

func (w *Worker) sweep(ctx context.Context) int {
	n, err := w.ev.RunOnce(ctx)
	w.mu.Lock()
	w.lastRun = time.Now().UTC()
	w.mu.Unlock()
	w.processed.Add(int64(n))
	if err != nil && ctx.Err() == nil {
		w.logger.Error("remote worker: sweep failed", "error", err)
	}
	if n > 0 {
		w.logger.Info("remote worker: sweep evaluated rows", "count", n)
	}
	return n
}

// RunNow performs one sweep immediately, even while suspended, and returns
// the number of rows it evaluated.
func (w *Worker) RunNow(ctx context.Context) int {
	w.logger.Info("remote worker: forced run")
	return w.sweep(ctx)
}

// Suspend pauses stream consumption and scheduled sweeps. In-flight
// evaluations finish normally.
func (w *Worker) Suspend() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.suspended {
		return
	}
	w.suspended = true
	w.resumed = make(chan struct{})
	w.logger.Info("remote worker: suspended")
}

// Resume undoes Suspend.
func (w *Worker) Resume() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.suspended {
		return
	}
	w.suspended = false
	close(w.resumed)
	w.logger.Info("remote worker: resumed")
}

// Suspended reports whether the worker is suspended.
func (w *Worker) Suspended() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.suspended
}

// State returns a snapshot for operator endpoints.
func (w *Worker) State() model.RemoteState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return model.RemoteState{
		Suspended: w.suspended,
		LastRun:   w.lastRun,
		Processed: w.processed.Load(),
	}
}

func (w *Worker) waitResumed(ctx context.Context) error {
	for {
		w.mu.Lock()
		if !w.suspended {
			w.mu.Unlock()
			return nil
		}
		ch := w.resumed
		w.mu.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

func (w *Worker) registerGauges() {
	meter := telemetry.Meter("hyoka/remote")
	_, _ = meter.Int64ObservableGauge("hyoka.remote.suspended",
		metric.WithDescription("1 while the remote scheduler is suspended"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			var v int64
			if w.Suspended() {
				v = 1
			}
			o.Observe(v)
			return nil
		}),
	)
}
