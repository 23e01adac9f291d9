package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/singleflight"

	"github.com/ashita-ai/hyoka/internal/ctxutil"
	"github.com/ashita-ai/hyoka/internal/evaluator"
	"github.com/ashita-ai/hyoka/internal/feedback"
	"github.com/ashita-ai/hyoka/internal/model"
	"github.com/ashita-ai/hyoka/internal/remote"
	"github.com/ashita-ai/hyoka/internal/service/recording"
	"github.com/ashita-ai/hyoka/internal/storage"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	db                  *storage.DB
	recorder            *recording.Service
	evaluator           *evaluator.Evaluator
	remote              *remote.Worker
	logger              *slog.Logger
	version             string
	maxRequestBodyBytes int64
	openapiSpec         []byte
	startedAt           time.Time

	// pings coalesces concurrent health checks into one store round trip.
	pings singleflight.Group
}

// HandlersDeps holds all dependencies for constructing Handlers.
type HandlersDeps struct {
	DB                  *storage.DB
	Recorder            *recording.Service
	Evaluator           *evaluator.Evaluator
	Remote              *remote.Worker
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
	OpenAPISpec         []byte
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		db:                  d.DB,
		recorder:            d.Recorder,
		evaluator:           d.Evaluator,
		remote:              d.Remote,
		logger:              d.Logger,
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
		openapiSpec:         d.OpenAPISpec,
		startedAt:           time.Now(),
	}
}

// HandleOpenAPISpec serves the embedded OpenAPI specification.
func (h *Handlers) HandleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	if len(h.openapiSpec) == 0 {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "openapi specification not bundled")
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.openapiSpec)
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	dbStatus := "connected"
	status := "healthy"
	httpStatus := http.StatusOK

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	_, err, _ := h.pings.Do("ping", func() (any, error) {
		return nil, h.db.Ping(ctx)
	})
	if err != nil {
		dbStatus = "disconnected"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	resp := model.HealthResponse{
		Status:    status,
		Version:   h.version,
		Database:  dbStatus,
		Evaluator: "stopped",
		Uptime:    int64(time.Since(h.startedAt).Seconds()),
	}
	if h.evaluator.Running() {
		resp.Evaluator = "running"
	}
	if h.remote != nil {
		resp.Remote = "running"
		if h.remote.Suspended() {
			resp.Remote = "suspended"
		}
	}
	writeJSON(w, r, httpStatus, resp)
}

// HandleIngestRecord handles POST /v1/records.
func (h *Handlers) HandleIngestRecord(w http.ResponseWriter, r *http.Request) {
	var req model.IngestRecordRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if req.Mode != "" && !req.Mode.Valid() {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, fmt.Sprintf("unknown mode %q", req.Mode))
		return
	}
	if req.App != nil {
		appID, err := h.db.InsertApp(r.Context(), *req.App)
		if err != nil {
			h.writeInternalError(w, r, "insert app failed", err)
			return
		}
		if req.Record.AppID == "" {
			req.Record.AppID = appID
		}
	}
	if err := model.ValidateRecord(req.Record); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	fbs, err := h.recorder.Resolve(r.Context(), req.FeedbackDefinitionIDs)
	if err != nil {
		h.writeStoreError(w, r, "resolve feedback definitions failed", err)
		return
	}
	// Requests must not wait on background work.
	mode := req.Mode
	if mode == "" || mode == model.ModeWithAppThread {
		mode = model.ModeDeferred
	}
	out, err := h.recorder.Record(r.Context(), req.Record, fbs, mode)
	if err != nil {
		h.writeStoreError(w, r, "record failed", err)
		return
	}
	h.logger.Info("record ingested",
		"record_id", out.RecordID,
		"app_id", req.Record.AppID,
		"feedback", len(out.Feedback),
		"operator", ctxutil.Operator(r.Context()))
	writeJSON(w, r, http.StatusCreated, model.IngestRecordResponse{RecordID: out.RecordID, Feedback: out.Feedback})
}

// HandleDefineFeedback handles POST /v1/feedback-definitions.
func (h *Handlers) HandleDefineFeedback(w http.ResponseWriter, r *http.Request) {
	var req model.DefineFeedbackRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	fb, err := h.recorder.DefineRequest(r.Context(), req)
	if err != nil {
		h.writeStoreError(w, r, "define feedback failed", err)
		return
	}
	writeJSON(w, r, http.StatusCreated, fb.Definition())
}

// HandleListDefinitions handles GET /v1/feedback-definitions.
func (h *Handlers) HandleListDefinitions(w http.ResponseWriter, r *http.Request) {
	defs, err := h.db.GetFeedbackDefinitions(r.Context())
	if err != nil {
		h.writeInternalError(w, r, "list feedback definitions failed", err)
		return
	}
	writeJSON(w, r, http.StatusOK, defs)
}

// HandleRecordsAndFeedback handles GET /v1/records.
func (h *Handlers) HandleRecordsAndFeedback(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, 100)
	offset := queryOffset(r)
	view, err := h.db.GetRecordsAndFeedback(r.Context(), queryList(r, "app_id"), offset, limit)
	if err != nil {
		h.writeInternalError(w, r, "records and feedback query failed", err)
		return
	}
	writeJSON(w, r, http.StatusOK, view)
}

// HandleGetFeedback handles GET /v1/feedback.
func (h *Handlers) HandleGetFeedback(w http.ResponseWriter, r *http.Request) {
	filter, err := feedbackFilter(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	filter.Limit = queryLimit(r, 100)
	filter.Offset = queryOffset(r)
	rows, err := h.db.GetFeedback(r.Context(), filter)
	if err != nil {
		h.writeInternalError(w, r, "feedback query failed", err)
		return
	}
	writeList(w, r, rows, len(rows), filter.Limit, filter.Offset)
}

// HandleFeedbackCounts handles GET /v1/feedback/counts.
func (h *Handlers) HandleFeedbackCounts(w http.ResponseWriter, r *http.Request) {
	filter, err := feedbackFilter(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	counts, err := h.db.GetFeedbackCountByStatus(r.Context(), filter)
	if err != nil {
		h.writeInternalError(w, r, "feedback count query failed", err)
		return
	}
	writeJSON(w, r, http.StatusOK, counts)
}

// HandleRequeueFeedback handles POST /v1/feedback/{feedback_result_id}/requeue.
func (h *Handlers) HandleRequeueFeedback(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "feedback_result_id")
	if err := h.db.RequeueFeedback(r.Context(), id); err != nil {
		h.writeStoreError(w, r, "requeue failed", err)
		return
	}
	h.logger.Info("feedback requeued", "feedback_result_id", id, "operator", ctxutil.Operator(r.Context()))
	writeJSON(w, r, http.StatusOK, map[string]string{"feedback_result_id": id, "status": string(model.StatusFailed)})
}

// HandleLeaderboard handles GET /v1/leaderboard.
func (h *Handlers) HandleLeaderboard(w http.ResponseWriter, r *http.Request) {
	rows, err := h.db.Leaderboard(r.Context(), queryList(r, "app_id"))
	if err != nil {
		h.writeInternalError(w, r, "leaderboard query failed", err)
		return
	}
	writeJSON(w, r, http.StatusOK, rows)
}

type evaluatorState struct {
	Running     bool              `json:"running"`
	RunLocation model.RunLocation `json:"run_location"`
	InFlight    int64             `json:"in_flight"`
	Processed   int64             `json:"processed"`
}

func (h *Handlers) evaluatorState() evaluatorState {
	return evaluatorState{
		Running:     h.evaluator.Running(),
		RunLocation: h.evaluator.Config().RunLocation,
		InFlight:    h.evaluator.InFlight(),
		Processed:   h.evaluator.Processed(),
	}
}

// HandleEvaluatorState handles GET /v1/evaluator.
func (h *Handlers) HandleEvaluatorState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, h.evaluatorState())
}

// HandleEvaluatorStart handles POST /v1/evaluator/start. Starting a running
// evaluator is a no-op. The evaluator outlives the request.
func (h *Handlers) HandleEvaluatorStart(w http.ResponseWriter, r *http.Request) {
	h.evaluator.Start(context.WithoutCancel(r.Context()))
	h.logger.Info("evaluator started via api", "operator", ctxutil.Operator(r.Context()))
	writeJSON(w, r, http.StatusOK, h.evaluatorState())
}

// HandleEvaluatorStop handles POST /v1/evaluator/stop. It returns once
// in-flight work has drained or the drain timeout passed.
func (h *Handlers) HandleEvaluatorStop(w http.ResponseWriter, r *http.Request) {
	h.evaluator.Stop(r.Context())
	h.logger.Info("evaluator stopped via api", "operator", ctxutil.Operator(r.Context()))
	writeJSON(w, r, http.StatusOK, h.evaluatorState())
}

// HandleRemoteState handles GET /v1/remote.
func (h *Handlers) HandleRemoteState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, h.remote.State())
}

// HandleRemoteSuspend handles POST /v1/remote/suspend.
func (h *Handlers) HandleRemoteSuspend(w http.ResponseWriter, r *http.Request) {
	h.remote.Suspend()
	writeJSON(w, r, http.StatusOK, h.remote.State())
}

// HandleRemoteResume handles POST /v1/remote/resume.
func (h *Handlers) HandleRemoteResume(w http.ResponseWriter, r *http.Request) {
	h.remote.Resume()
	writeJSON(w, r, http.StatusOK, h.remote.State())
}

// HandleRemoteRun handles POST /v1/remote/run: one sweep, even while suspended.
func (h *Handlers) HandleRemoteRun(w http.ResponseWriter, r *http.Request) {
	n := h.remote.RunNow(r.Context())
	writeJSON(w, r, http.StatusOK, map[string]any{"processed": n, "state": h.remote.State()})
}

// writeStoreError maps domain errors to 4xx responses and everything else to 500.
func (h *Handlers) writeStoreError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	var invalid *feedback.ValidationError
	switch {
	case errors.As(err, &invalid):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, invalid.Error())
	case errors.Is(err, recording.ErrInvalidMode):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, err.Error())
	case errors.Is(err, storage.ErrInvalidTransition):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, err.Error())
	default:
		h.writeInternalError(w, r, msg, err)
	}
}

func (h *Handlers) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error(msg, "error", err, "request_id", ctxutil.RequestID(r.Context()))
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, msg)
}

// --- Shared helpers ---

// feedbackFilter builds a get_feedback filter from query parameters.
func feedbackFilter(r *http.Request) (storage.FeedbackFilter, error) {
	q := r.URL.Query()
	f := storage.FeedbackFilter{
		RecordID:             q.Get("record_id"),
		FeedbackResultID:     q.Get("feedback_result_id"),
		FeedbackDefinitionID: q.Get("feedback_definition_id"),
		AppIDs:               queryList(r, "app_id"),
		Shuffle:              q.Get("shuffle") == "true",
	}
	for _, s := range queryList(r, "status") {
		st, err := model.ParseFeedbackStatus(s)
		if err != nil {
			return f, fmt.Errorf("invalid status: %s", s)
		}
		f.Statuses = append(f.Statuses, st)
	}
	if loc := q.Get("run_location"); loc != "" {
		f.RunLocation = model.RunLocation(loc)
		if !f.RunLocation.Valid() {
			return f, fmt.Errorf("invalid run_location: %s", loc)
		}
	}
	before, err := queryTime(r, "last_ts_before")
	if err != nil {
		return f, err
	}
	if before != nil {
		f.LastTSBefore = *before
	}
	return f, nil
}

// queryList reads a repeated or comma-separated query parameter.
func queryList(r *http.Request, key string) []string {
	var out []string
	for _, v := range r.URL.Query()[key] {
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

// maxQueryLimit is the maximum allowed value for limit query parameters.
const maxQueryLimit = 1000

func queryInt(r *http.Request, key string, defaultVal int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

// maxQueryOffset prevents absurdly large offset values that cause expensive sequential scans.
const maxQueryOffset = 100_000

// queryOffset returns a bounded, non-negative offset from query params.
func queryOffset(r *http.Request) int {
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		return 0
	}
	if offset > maxQueryOffset {
		return maxQueryOffset
	}
	return offset
}

// queryLimit returns a bounded limit value from query params.
// Values are clamped to [1, maxQueryLimit].
func queryLimit(r *http.Request, defaultVal int) int {
	limit := queryInt(r, "limit", defaultVal)
	if limit < 1 {
		return 1
	}
	if limit > maxQueryLimit {
		return maxQueryLimit
	}
	return limit
}

func queryTime(r *http.Request, key string) (*time.Time, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: expected RFC3339 format (e.g. 2024-01-01T00:00:00Z)", key)
	}
	return &t, nil
}
