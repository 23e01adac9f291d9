// Package recording provides the shared business logic for ingesting records
// and dispatching their feedback.
//
// Both the Session API and the HTTP server delegate to this service, so every
// ingestion path applies the same feedback-mode rules: REMOTE rows are always
// inserted pending and announced, DEFERRED rows are left for the deferred
// evaluator, and LOCAL rows are evaluated in process under the same claim
// protocol the evaluators use.
package recording

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/hyoka/internal/evaluator"
	"github.com/ashita-ai/hyoka/internal/feedback"
	"github.com/ashita-ai/hyoka/internal/ids"
	"github.com/ashita-ai/hyoka/internal/model"
	"github.com/ashita-ai/hyoka/internal/remote"
	"github.com/ashita-ai/hyoka/internal/storage"
	"github.com/ashita-ai/hyoka/internal/telemetry"
)

// ErrInvalidMode is returned for an unknown feedback mode.
var ErrInvalidMode = errors.New("recording: invalid feedback mode")

// Service encapsulates record ingestion shared by the Session and HTTP handlers.
type Service struct {
	db       *storage.DB
	registry *feedback.Registry
	local    *evaluator.Evaluator
	bridge   *remote.Bridge
	logger   *slog.Logger

	defined sync.Map // feedback definition id -> struct{}

	// bg outlives individual requests so WITH_APP_THREAD work is not cut
	// short when the caller returns.
	bg       context.Context
	cancelBG context.CancelFunc
	wg       sync.WaitGroup

	recordDuration metric.Float64Histogram
}

// New creates a recording Service. evalCfg configures the in-process
// evaluator used by the WITH_APP modes; its run location is forced to local.
// bridge may be nil, in which case pending rows are not announced.
func New(db *storage.DB, registry *feedback.Registry, bridge *remote.Bridge, evalCfg evaluator.Config, logger *slog.Logger) *Service {
	evalCfg.RunLocation = model.RunLocal
	evalCfg.Adopt = nil
	if bridge == nil {
		bridge = remote.NewBridge(db, nil, 0, logger)
	}
	meter := telemetry.Meter("hyoka/recording")
	recDur, _ := meter.Float64Histogram("hyoka.record.duration",
		metric.WithDescription("Time to ingest a record and dispatch its feedback (ms)"),
		metric.WithUnit("ms"),
	)
	bg, cancel := context.WithCancel(context.Background())
	return &Service{
		db:             db,
		registry:       registry,
		local:          evaluator.New(db, registry, evalCfg, logger),
		bridge:         bridge,
		logger:         logger,
		bg:             bg,
		cancelBG:       cancel,
		recordDuration: recDur,
	}
}

// Registry returns the registry definitions are bound against.
func (s *Service) Registry() *feedback.Registry { return s.registry }

// Define stores fb's definition. It is idempotent.
func (s *Service) Define(ctx context.Context, fb *feedback.Feedback) (string, error) {
	id, err := s.db.InsertFeedbackDefinition(ctx, fb.Definition())
	if err != nil {
		return "", err
	}
	s.defined.Store(id, struct{}{})
	return id, nil
}

// DefineRequest validates and stores a definition submitted over the API.
func (s *Service) DefineRequest(ctx context.Context, req model.DefineFeedbackRequest) (*feedback.Feedback, error) {
	def := model.FeedbackDefinition{
		SuppliedName:   req.SuppliedName,
		Implementation: req.Implementation,
		Aggregator:     req.Aggregator,
		Selectors:      req.Selectors,
		Combinations:   req.Combinations,
		HigherIsBetter: true,
		RunLocation:    req.RunLocation,
	}
	if req.HigherIsBetter != nil {
		def.HigherIsBetter = *req.HigherIsBetter
	}
	fb, err := feedback.Bind(s.registry, def)
	if err != nil {
		return nil, err
	}
	if _, err := s.Define(ctx, fb); err != nil {
		return nil, err
	}
	return fb, nil
}

// Resolve loads and binds stored definitions by id.
func (s *Service) Resolve(ctx context.Context, defIDs []string) ([]*feedback.Feedback, error) {
	out := make([]*feedback.Feedback, 0, len(defIDs))
	for _, id := range defIDs {
		def, err := s.db.GetFeedbackDefinition(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("recording: feedback definition %s: %w", id, err)
		}
		fb, err := feedback.Bind(s.registry, def)
		if err != nil {
			return nil, err
		}
		s.defined.Store(id, struct{}{})
		out = append(out, fb)
	}
	return out, nil
}

// Recorded is the outcome of Record. Feedback holds one row per dispatched
// definition, in definition order: the computed result for WITH_APP rows and
// the pending row otherwise. Handles has an entry for every row that is still
// being evaluated when Record returns.
type Recorded struct {
	RecordID string
	Feedback []model.FeedbackResult
	Handles  []*Handle
}

// Handle is a feedback result that resolves after Record returns.
type Handle struct {
	FeedbackResultID string
	Name             string

	done <-chan struct{}
	res  model.FeedbackResult
	err  error
	poll func(ctx context.Context) (model.FeedbackResult, error)
}

// Wait blocks until the result resolves or ctx ends. Rows evaluated by an
// evaluator resolve on DONE, SKIPPED or FAILED.
func (h *Handle) Wait(ctx context.Context) (model.FeedbackResult, error) {
	if h.poll != nil {
		return h.poll(ctx)
	}
	select {
	case <-h.done:
		return h.res, h.err
	case <-ctx.Done():
		return model.FeedbackResult{}, ctx.Err()
	}
}

// Record stores rec and dispatches fbs according to mode.
//
// REMOTE definitions are always inserted pending and announced to the remote
// worker. DEFERRED definitions are inserted pending unless mode is NONE. LOCAL
// definitions are skipped under NONE, inserted pending for the deferred
// evaluator under DEFERRED, evaluated before Record returns under WITH_APP and
// evaluated in the background under WITH_APP_THREAD.
func (s *Service) Record(ctx context.Context, rec model.Record, fbs []*feedback.Feedback, mode model.FeedbackMode) (Recorded, error) {
	if mode == "" {
		mode = model.ModeWithAppThread
	}
	if !mode.Valid() {
		return Recorded{}, fmt.Errorf("%w: %q", ErrInvalidMode, mode)
	}
	start := time.Now()
	ctx, span := telemetry.Tracer("hyoka/recording").Start(ctx, "recording.record",
		trace.WithAttributes(
			attribute.String("hyoka.app_id", rec.AppID),
			attribute.String("hyoka.feedback_mode", string(mode)),
			attribute.Int("hyoka.feedback_count", len(fbs)),
		))
	defer span.End()
	defer func() {
		s.recordDuration.Record(ctx, float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(attribute.String("mode", string(mode))))
	}()

	if rec.TS.IsZero() {
		rec.TS = time.Now().UTC()
	}
	if rec.RecordID == "" {
		id, err := ids.RecordID(rec.AppID, rec.MainInput, rec.TS)
		if err != nil {
			return Recorded{}, fmt.Errorf("recording: derive record id: %w", err)
		}
		rec.RecordID = id
	}
	if _, err := s.db.InsertRecord(ctx, rec); err != nil {
		return Recorded{}, err
	}
	span.SetAttributes(attribute.String("hyoka.record_id", rec.RecordID))

	out := Recorded{RecordID: rec.RecordID}
	var (
		rows      []model.FeedbackResult
		inline    []int
		announced []string
	)
	for _, fb := range fbs {
		row := fb.Pending(rec.RecordID)
		switch fb.RunLocation() {
		case model.RunRemote:
			announced = append(announced, row.FeedbackResultID)
		case model.RunDeferred:
			if mode == model.ModeNone {
				continue
			}
		default:
			switch mode {
			case model.ModeNone:
				continue
			case model.ModeDeferred:
				row.RunLocation = model.RunDeferred
			default:
				inline = append(inline, len(rows))
			}
		}
		if err := s.ensureDefined(ctx, fb); err != nil {
			return Recorded{}, err
		}
		rows = append(rows, row)
	}
	if len(rows) == 0 {
		return out, nil
	}
	if _, err := s.db.BatchInsertFeedback(ctx, rows); err != nil {
		return Recorded{}, err
	}
	// Announce only after the insert committed; a lost message is recovered
	// by the remote worker's sweep.
	_ = s.bridge.Announce(ctx, announced...)

	isInline := make(map[int]bool, len(inline))
	for _, i := range inline {
		isInline[i] = true
	}
	out.Feedback = make([]model.FeedbackResult, len(rows))
	copy(out.Feedback, rows)
	for i, row := range rows {
		switch {
		case isInline[i] && mode == model.ModeWithApp:
			res, err := s.evaluate(ctx, row)
			if err != nil {
				return Recorded{}, err
			}
			out.Feedback[i] = res
		case isInline[i]:
			out.Handles = append(out.Handles, s.background(row))
		default:
			id := row.FeedbackResultID
			out.Handles = append(out.Handles, &Handle{
				FeedbackResultID: id,
				Name:             row.Name,
				poll:             func(ctx context.Context) (model.FeedbackResult, error) { return s.bridge.Wait(ctx, id) },
			})
		}
	}
	s.logger.Debug("recording: record ingested",
		"record_id", rec.RecordID,
		"mode", string(mode),
		"feedback", len(rows),
		"announced", len(announced))
	return out, nil
}

// ensureDefined stores fb's definition the first time this service sees it.
func (s *Service) ensureDefined(ctx context.Context, fb *feedback.Feedback) error {
	if _, ok := s.defined.Load(fb.ID()); ok {
		return nil
	}
	_, err := s.Define(ctx, fb)
	return err
}

// evaluate claims and runs one local row. A row that cannot be claimed was
// already resolved, or is being evaluated elsewhere; its stored state is
// returned.
func (s *Service) evaluate(ctx context.Context, row model.FeedbackResult) (model.FeedbackResult, error) {
	res, _, err := s.local.Process(ctx, row.FeedbackResultID)
	if err != nil {
		return model.FeedbackResult{}, fmt.Errorf("recording: evaluate %s: %w", row.FeedbackResultID, err)
	}
	return res, nil
}

func (s *Service) background(row model.FeedbackResult) *Handle {
	done := make(chan struct{})
	h := &Handle{FeedbackResultID: row.FeedbackResultID, Name: row.Name, done: done}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(done)
		h.res, h.err = s.evaluate(s.bg, row)
		if h.err != nil {
			s.logger.Error("recording: background feedback", "feedback_result_id", row.FeedbackResultID, "error", h.err)
		}
	}()
	return h
}

// Close waits for background evaluations to finish. When ctx ends first they
// are cancelled; their rows stay RUNNING until an evaluator reclaims them.
func (s *Service) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.cancelBG()
		return nil
	case <-ctx.Done():
		s.cancelBG()
		<-done
		return fmt.Errorf("recording: close: %w", ctx.Err())
	}
}
