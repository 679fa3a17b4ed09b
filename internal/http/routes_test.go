package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/optforge/optforge/internal/domain/model"
)

func newTestRouter(t *testing.T, repo *stubRunRepo) http.Handler {
	t.Helper()
	h := newHandlersWithStub(t, repo)
	return NewRouter(RouterServices{Runs: h.Svc})
}

func TestRouter_SubmitAndStatus(t *testing.T) {
	run := &model.Run{ID: "run-1", Status: model.RunStatusPending, Solver: "simplex"}
	repo := &stubRunRepo{
		createFn: func(context.Context, *model.SubmitRunRequest) (*model.Run, error) {
			return run, nil
		},
		getByIDFn: func(context.Context, string) (*model.Run, error) {
			return run, nil
		},
	}
	router := newTestRouter(t, repo)

	body := `{"model":{"name":"m","type":"lp","decision_variables":[{"name":"x"}],` +
		`"objective":{"terms":[{"var":"x","coef":1}]}}}`
	req := httptest.NewRequest(http.MethodPost, "/api/runs", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/runs/run-1/status", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var status model.RunStatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, model.RunStatusPending, status.Status)
}

func TestRouter_StatsDoesNotShadowRunLookup(t *testing.T) {
	statsCalled := false
	repo := &stubRunRepo{
		statsFn: func(context.Context) (*model.RunStats, error) {
			statsCalled = true
			return &model.RunStats{Pending: 2}, nil
		},
		getByIDFn: func(_ context.Context, id string) (*model.Run, error) {
			return &model.Run{ID: id, Status: model.RunStatusRunning}, nil
		},
	}
	router := newTestRouter(t, repo)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/runs/stats", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, statsCalled)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/runs/run-42", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var run model.Run
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	assert.Equal(t, "run-42", run.ID)
}

func TestRouter_Healthz(t *testing.T) {
	router := newTestRouter(t, &stubRunRepo{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}
