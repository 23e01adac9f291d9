package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/hyoka/internal/auth"
	"github.com/ashita-ai/hyoka/internal/evaluator"
	"github.com/ashita-ai/hyoka/internal/feedback"
	"github.com/ashita-ai/hyoka/internal/model"
	"github.com/ashita-ai/hyoka/internal/remote"
	"github.com/ashita-ai/hyoka/internal/server"
	"github.com/ashita-ai/hyoka/internal/service/recording"
	"github.com/ashita-ai/hyoka/internal/storage"
	"github.com/ashita-ai/hyoka/internal/testutil"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type env struct {
	srv    *httptest.Server
	db     *storage.DB
	ev     *evaluator.Evaluator
	worker *remote.Worker
	jwt    *auth.JWTManager
}

func newEnv(t *testing.T, withAuth bool) *env {
	t.Helper()
	logger := testutil.TestLogger()
	db := testutil.NewSQLiteStore(t)
	reg := feedback.NewRegistry(feedback.WithFunction("f", func(context.Context, feedback.Args) (feedback.Output, error) {
		return feedback.Score(0.1), nil
	}, "q"))
	ev := evaluator.New(db, reg, evaluator.Config{PollInterval: 10 * time.Millisecond}, logger)
	t.Cleanup(func() { ev.Stop(context.Background()) })
	rec := recording.New(db, reg, nil, evaluator.Config{}, logger)
	t.Cleanup(func() { _ = rec.Close(context.Background()) })
	worker := remote.NewWorker(evaluator.New(db, reg, evaluator.Config{RunLocation: model.RunRemote}, logger),
		nil, remote.WorkerConfig{}, logger)

	var jwtMgr *auth.JWTManager
	if withAuth {
		var err error
		jwtMgr, err = auth.NewJWTManager(testSecret, time.Hour)
		require.NoError(t, err)
	}
	srv := server.New(server.ServerConfig{
		DB:                  db,
		Recorder:            rec,
		Evaluator:           ev,
		Remote:              worker,
		JWTMgr:              jwtMgr,
		Logger:              logger,
		Version:             "test",
		MaxRequestBodyBytes: 1 << 20,
		OpenAPISpec:         []byte("openapi: 3.1.0\n"),
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &env{srv: ts, db: db, ev: ev, worker: worker, jwt: jwtMgr}
}

func (e *env) token(t *testing.T, role auth.Role) string {
	t.Helper()
	tok, _, err := e.jwt.IssueToken("alice", role)
	require.NoError(t, err)
	return tok
}

func (e *env) do(t *testing.T, method, path, token string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rdr)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func TestHealth(t *testing.T) {
	e := newEnv(t, true)
	resp, body := e.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))

	data := body["data"].(map[string]any)
	assert.Equal(t, "healthy", data["status"])
	assert.Equal(t, "connected", data["database"])
	assert.Equal(t, "stopped", data["evaluator"])
	assert.Equal(t, "running", data["remote"])

	meta := body["meta"].(map[string]any)
	assert.Equal(t, resp.Header.Get("X-Request-ID"), meta["request_id"])
}

func TestAuthIsEnforced(t *testing.T) {
	e := newEnv(t, true)

	resp, body := e.do(t, http.MethodGet, "/v1/feedback", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, model.ErrCodeUnauthorized, body["error"].(map[string]any)["code"])

	resp, _ = e.do(t, http.MethodGet, "/v1/feedback", "not-a-jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = e.do(t, http.MethodGet, "/v1/feedback", e.token(t, auth.RoleViewer), nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = e.do(t, http.MethodPost, "/v1/evaluator/start", e.token(t, auth.RoleViewer), nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, model.ErrCodeForbidden, body["error"].(map[string]any)["code"])
	assert.False(t, e.ev.Running())
}

func TestIngestDeferredThenEvaluate(t *testing.T) {
	e := newEnv(t, true)
	admin := e.token(t, auth.RoleAdmin)

	resp, body := e.do(t, http.MethodPost, "/v1/feedback-definitions", admin, model.DefineFeedbackRequest{
		Implementation: model.Implementation{Kind: model.ImplFunction, Name: "f"},
		Selectors:      map[string]string{"q": "Record.main_input"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, body)
	defID := body["data"].(map[string]any)["feedback_definition_id"].(string)

	resp, body = e.do(t, http.MethodPost, "/v1/records", admin, model.IngestRecordRequest{
		App:                   &model.App{AppName: "rag", AppVersion: "v1"},
		Record:                model.Record{MainInput: "what?", MainOutput: "this"},
		FeedbackDefinitionIDs: []string{defID},
		Mode:                  model.ModeDeferred,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, body)

	resp, body = e.do(t, http.MethodGet, "/v1/records", admin, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	view := body["data"].(map[string]any)
	assert.Len(t, view["rows"], 1)
	assert.Empty(t, view["columns"])

	resp, _ = e.do(t, http.MethodPost, "/v1/evaluator/start", admin, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Eventually(t, func() bool {
		counts, err := e.db.GetFeedbackCountByStatus(context.Background(), storage.FeedbackFilter{})
		return err == nil && counts[model.StatusDone] == 1
	}, 5*time.Second, 10*time.Millisecond)

	resp, body = e.do(t, http.MethodGet, "/v1/feedback?status=done", admin, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	rows := body["data"].([]any)
	require.Len(t, rows, 1)
	assert.InDelta(t, 0.1, rows[0].(map[string]any)["result"], 1e-9)

	resp, body = e.do(t, http.MethodGet, "/v1/leaderboard", admin, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	board := body["data"].([]any)
	require.Len(t, board, 1)
	assert.InDelta(t, 0.1, board[0].(map[string]any)["means"].(map[string]any)["f"], 1e-9)

	resp, body = e.do(t, http.MethodPost, "/v1/evaluator/stop", admin, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["data"].(map[string]any)["running"])
}

func TestIngestRejectsBadInput(t *testing.T) {
	e := newEnv(t, false)

	resp, body := e.do(t, http.MethodPost, "/v1/records", "", map[string]any{"record": map[string]any{}, "bogus": 1})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, model.ErrCodeInvalidInput, body["error"].(map[string]any)["code"])

	resp, _ = e.do(t, http.MethodPost, "/v1/records", "", model.IngestRecordRequest{
		Record: model.Record{AppID: "app_x"},
		Mode:   "eventually",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = e.do(t, http.MethodPost, "/v1/feedback-definitions", "", model.DefineFeedbackRequest{
		Implementation: model.Implementation{Kind: model.ImplFunction, Name: "unregistered"},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = e.do(t, http.MethodGet, "/v1/feedback?status=pending", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = e.do(t, http.MethodPost, "/v1/feedback/fr_missing/requeue", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRemoteControls(t *testing.T) {
	e := newEnv(t, false)

	resp, body := e.do(t, http.MethodPost, "/v1/remote/suspend", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["data"].(map[string]any)["suspended"])
	assert.True(t, e.worker.Suspended())

	resp, body = e.do(t, http.MethodPost, "/v1/remote/run", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 0, body["data"].(map[string]any)["processed"])

	resp, body = e.do(t, http.MethodPost, "/v1/remote/resume", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["data"].(map[string]any)["suspended"])
}

func TestUnknownRoute(t *testing.T) {
	e := newEnv(t, false)
	resp, body := e.do(t, http.MethodGet, "/v2/nothing", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, model.ErrCodeNotFound, body["error"].(map[string]any)["code"])
}

func TestOpenAPISpecIsPublic(t *testing.T) {
	e := newEnv(t, true)
	resp, err := http.Get(e.srv.URL + "/openapi.yaml")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/yaml", resp.Header.Get("Content-Type"))
	assert.Equal(t, "openapi: 3.1.0\n", string(body))
}
