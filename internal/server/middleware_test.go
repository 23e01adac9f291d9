package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/hyoka/internal/ctxutil"
	"github.com/ashita-ai/hyoka/internal/model"
	"github.com/ashita-ai/hyoka/internal/testutil"
)

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	h := requestIDMiddleware(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = ctxutil.RequestID(r.Context())
	}))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "req-123")
	h.ServeHTTP(rec, req)
	assert.Equal(t, "req-123", seen)
	assert.Equal(t, "req-123", rec.Header().Get("X-Request-ID"))

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", strings.Repeat("x", 200))
	h.ServeHTTP(rec, req)
	assert.Len(t, seen, 36, "oversized ids are replaced with a uuid")
}

func TestRecoveryMiddleware(t *testing.T) {
	h := recoveryMiddleware(testutil.TestLogger(), http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/feedback", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	var body model.APIError
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, model.ErrCodeInternalError, body.Error.Code)
}

func TestRequireRoleIsNoOpWithoutAuth(t *testing.T) {
	called := false
	h := requireRole(nil)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true }))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/v1/evaluator/start", nil))
	assert.True(t, called)
}

func TestDecodeJSON(t *testing.T) {
	var dst struct {
		Name string `json:"name"`
	}

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"f"}`))
	require.NoError(t, decodeJSON(httptest.NewRecorder(), req, &dst, 1024))
	assert.Equal(t, "f", dst.Name)

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"f","extra":1}`))
	assert.ErrorContains(t, decodeJSON(httptest.NewRecorder(), req, &dst, 1024), "invalid JSON")

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(``))
	assert.EqualError(t, decodeJSON(httptest.NewRecorder(), req, &dst, 1024), "request body is empty")

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"`+strings.Repeat("a", 100)+`"}`))
	assert.EqualError(t, decodeJSON(httptest.NewRecorder(), req, &dst, 16), "request body exceeds 16 bytes")
}

func TestFeedbackFilterFromQuery(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet,
		"/v1/feedback?record_id=rec_1&status=none,failed&status=done&run_location=remote&app_id=a,b&last_ts_before=2026-01-02T03:04:05Z&shuffle=true", nil)
	f, err := feedbackFilter(req)
	require.NoError(t, err)

	assert.Equal(t, "rec_1", f.RecordID)
	assert.Equal(t, []model.FeedbackStatus{model.StatusNone, model.StatusFailed, model.StatusDone}, f.Statuses)
	assert.Equal(t, model.RunRemote, f.RunLocation)
	assert.Equal(t, []string{"a", "b"}, f.AppIDs)
	assert.True(t, f.LastTSBefore.Equal(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)))
	assert.True(t, f.Shuffle)

	for _, q := range []string{"status=pending", "run_location=moon", "last_ts_before=yesterday"} {
		_, err := feedbackFilter(httptest.NewRequest(http.MethodGet, "/v1/feedback?"+q, nil))
		assert.Error(t, err, q)
	}
}

func TestQueryLimitAndOffsetAreClamped(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/?limit=5000&offset=-3", nil)
	assert.Equal(t, maxQueryLimit, queryLimit(req, 100))
	assert.Equal(t, 0, queryOffset(req))

	req = httptest.NewRequest(http.MethodGet, "/?limit=abc", nil)
	assert.Equal(t, 100, queryLimit(req, 100))
}

func TestStatusWriterKeepsFirstStatus(t *testing.T) {
	var sw *statusWriter
	h := loggingMiddleware(testutil.TestLogger(), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw = w.(*statusWriter)
		w.WriteHeader(http.StatusTeapot)
		w.WriteHeader(http.StatusOK)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil).WithContext(context.Background()))
	require.NotNil(t, sw)
	assert.Equal(t, http.StatusTeapot, sw.statusCode, "first status wins")
}
