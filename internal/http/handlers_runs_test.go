package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/optforge/optforge/internal/core"
	"github.com/optforge/optforge/internal/data"
	"github.com/optforge/optforge/internal/domain/model"
	apperrors "github.com/optforge/optforge/internal/errors"
	"github.com/optforge/optforge/internal/service"
)

// stubRunRepo is a hand-written fake for core.RunRepository driven by
// per-method function fields.
type stubRunRepo struct {
	createFn      func(ctx context.Context, req *model.SubmitRunRequest) (*model.Run, error)
	getByIDFn     func(ctx context.Context, id string) (*model.Run, error)
	reserveNextFn func(ctx context.Context, leaseSeconds int) (*model.Run, error)
	heartbeatFn   func(ctx context.Context, id string, leaseSeconds int) (bool, error)
	completeFn    func(ctx context.Context, id string, params core.CompleteRunParams) (bool, error)
	failFn        func(ctx context.Context, id, errMsg string, params core.FailRunParams) (bool, error)
	cancelFn      func(ctx context.Context, id string) (core.CancelOutcome, error)
	statsFn       func(ctx context.Context) (*model.RunStats, error)
}

func (s *stubRunRepo) Create(ctx context.Context, req *model.SubmitRunRequest) (*model.Run, error) {
	if s.createFn != nil {
		return s.createFn(ctx, req)
	}
	return nil, errors.New("unexpected Create call")
}

func (s *stubRunRepo) GetByID(ctx context.Context, id string) (*model.Run, error) {
	if s.getByIDFn != nil {
		return s.getByIDFn(ctx, id)
	}
	return nil, data.ErrRunNotFound
}

func (s *stubRunRepo) ReserveNext(ctx context.Context, leaseSeconds int) (*model.Run, error) {
	if s.reserveNextFn != nil {
		return s.reserveNextFn(ctx, leaseSeconds)
	}
	return nil, model.ErrNoRunsAvailable
}

func (s *stubRunRepo) WaitForNotification(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func (s *stubRunRepo) Heartbeat(ctx context.Context, id string, leaseSeconds int) (bool, error) {
	if s.heartbeatFn != nil {
		return s.heartbeatFn(ctx, id, leaseSeconds)
	}
	return true, nil
}

func (s *stubRunRepo) SetSolver(context.Context, string, string) error { return nil }

func (s *stubRunRepo) Complete(
	ctx context.Context,
	id string,
	params core.CompleteRunParams,
) (bool, error) {
	if s.completeFn != nil {
		return s.completeFn(ctx, id, params)
	}
	return true, nil
}

func (s *stubRunRepo) Fail(
	ctx context.Context,
	id, errMsg string,
	params core.FailRunParams,
) (bool, error) {
	if s.failFn != nil {
		return s.failFn(ctx, id, errMsg, params)
	}
	return true, nil
}

func (s *stubRunRepo) Cancel(ctx context.Context, id string) (core.CancelOutcome, error) {
	if s.cancelFn != nil {
		return s.cancelFn(ctx, id)
	}
	return core.CancelOutcome{}, errors.New("unexpected Cancel call")
}

func (s *stubRunRepo) FinishCancel(context.Context, string) (bool, error) { return true, nil }

func (s *stubRunRepo) CancelRequested(context.Context, string) (bool, error) { return false, nil }

func (s *stubRunRepo) Stats(ctx context.Context) (*model.RunStats, error) {
	if s.statsFn != nil {
		return s.statsFn(ctx)
	}
	return &model.RunStats{}, nil
}

var _ core.RunRepository = (*stubRunRepo)(nil)

func newHandlersWithStub(t *testing.T, repo *stubRunRepo) *RunHandlers {
	t.Helper()
	svc := service.MustNewRunService(service.RunServiceOptions{
		Repo:         repo,
		DefaultLease: 30 * time.Second,
	})
	t.Cleanup(svc.StopAllListeners)
	return &RunHandlers{Svc: svc}
}

func f64(v float64) *float64 { return &v }

func TestSubmitRun_Success(t *testing.T) {
	expected := &model.Run{
		ID:     "run-123",
		Status: model.RunStatusPending,
		Solver: "simplex",
	}
	repo := &stubRunRepo{
		createFn: func(_ context.Context, _ *model.SubmitRunRequest) (*model.Run, error) {
			return expected, nil
		},
	}
	h := newHandlersWithStub(t, repo)

	reqBody := model.SubmitRunRequest{
		Model: &model.ModelDescriptor{
			Name:              "test-model",
			Type:              model.ModelTypeLP,
			DecisionVariables: []model.Variable{{Name: "x"}},
			Objective:         json.RawMessage(`{"terms":[{"var":"x","coef":1}]}`),
		},
		Solver: "simplex",
	}
	b, _ := json.Marshal(reqBody)
	r := httptest.NewRequest(http.MethodPost, "/api/runs", bytes.NewReader(b))
	w := httptest.NewRecorder()

	h.SubmitRun(w, r)

	resp := w.Result()
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got model.Run
	err := json.NewDecoder(resp.Body).Decode(&got)
	require.NoError(t, err)
	assert.Equal(t, expected.ID, got.ID)
}

func TestSubmitRun_InvalidJSON(t *testing.T) {
	h := newHandlersWithStub(t, &stubRunRepo{})

	r := httptest.NewRequest(http.MethodPost, "/api/runs", bytes.NewBufferString("{bad"))
	w := httptest.NewRecorder()

	h.SubmitRun(w, r)

	resp := w.Result()
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSubmitRun_ValidationError_Returns400(t *testing.T) {
	repo := &stubRunRepo{
		createFn: func(_ context.Context, req *model.SubmitRunRequest) (*model.Run, error) {
			return nil, req.Validate()
		},
	}
	h := newHandlersWithStub(t, repo)

	r := httptest.NewRequest(http.MethodPost, "/api/runs", bytes.NewBufferString(`{"solver":"simplex"}`))
	w := httptest.NewRecorder()

	h.SubmitRun(w, r)

	resp := w.Result()
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var response map[string]string
	err := json.NewDecoder(resp.Body).Decode(&response)
	require.NoError(t, err)
	assert.Equal(t, "submit_failed", response["error"])
}

func TestSubmitRun_TypedValidationError_ReturnsValidationCode(t *testing.T) {
	repo := &stubRunRepo{
		createFn: func(context.Context, *model.SubmitRunRequest) (*model.Run, error) {
			return nil, apperrors.Validation("model must declare at least one decision variable")
		},
	}
	h := newHandlersWithStub(t, repo)

	body := `{"model":{"name":"m","type":"lp","decision_variables":[{"name":"x"}]}}`
	r := httptest.NewRequest(http.MethodPost, "/api/runs", bytes.NewBufferString(body))
	w := httptest.NewRecorder()

	h.SubmitRun(w, r)

	resp := w.Result()
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var response map[string]string
	err := json.NewDecoder(resp.Body).Decode(&response)
	require.NoError(t, err)
	assert.Equal(t, "validation", response["error"])
}

func TestReserveNext_Success(t *testing.T) {
	expected := &model.Run{
		ID:     "run-abc",
		Status: model.RunStatusRunning,
		Solver: "simplex",
	}
	var gotLease int
	repo := &stubRunRepo{
		reserveNextFn: func(_ context.Context, leaseSeconds int) (*model.Run, error) {
			gotLease = leaseSeconds
			return expected, nil
		},
	}
	h := newHandlersWithStub(t, repo)

	r := httptest.NewRequest(http.MethodGet, "/api/runs/reserve_next?lease=45", nil)
	w := httptest.NewRecorder()

	h.ReserveNext(w, r)

	resp := w.Result()
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 45, gotLease)

	var got model.Run
	err := json.NewDecoder(resp.Body).Decode(&got)
	require.NoError(t, err)
	assert.Equal(t, expected.ID, got.ID)
}

func TestReserveNext_NoRun_NoWait_Returns204(t *testing.T) {
	h := newHandlersWithStub(t, &stubRunRepo{})

	r := httptest.NewRequest(http.MethodGet, "/api/runs/reserve_next", nil)
	w := httptest.NewRecorder()

	h.ReserveNext(w, r)

	resp := w.Result()
	defer resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestReserveNext_NoRun_Wait_TimesOutWith204(t *testing.T) {
	h := newHandlersWithStub(t, &stubRunRepo{})

	r := httptest.NewRequest(http.MethodGet, "/api/runs/reserve_next?wait=1", nil)
	w := httptest.NewRecorder()

	start := time.Now()
	h.ReserveNext(w, r)

	resp := w.Result()
	defer resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.GreaterOrEqual(t, time.Since(start), time.Second)
}

func TestReserveNext_Error_Returns400(t *testing.T) {
	repo := &stubRunRepo{
		reserveNextFn: func(context.Context, int) (*model.Run, error) {
			return nil, assert.AnError
		},
	}
	h := newHandlersWithStub(t, repo)

	r := httptest.NewRequest(http.MethodGet, "/api/runs/reserve_next", nil)
	w := httptest.NewRecorder()

	h.ReserveNext(w, r)

	resp := w.Result()
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHeartbeat_Success(t *testing.T) {
	var gotExtend int
	repo := &stubRunRepo{
		heartbeatFn: func(_ context.Context, _ string, leaseSeconds int) (bool, error) {
			gotExtend = leaseSeconds
			return true, nil
		},
	}
	h := newHandlersWithStub(t, repo)

	r := httptest.NewRequest(http.MethodPost, "/api/runs/run-1/heartbeat?extend=10", nil)
	r.SetPathValue("id", "run-1")
	w := httptest.NewRecorder()

	h.Heartbeat(w, r)

	resp := w.Result()
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 10, gotExtend)

	var got map[string]bool
	err := json.NewDecoder(resp.Body).Decode(&got)
	require.NoError(t, err)
	assert.True(t, got["ok"])
}

func TestComplete_Success(t *testing.T) {
	var gotParams core.CompleteRunParams
	repo := &stubRunRepo{
		completeFn: func(_ context.Context, _ string, params core.CompleteRunParams) (bool, error) {
			gotParams = params
			return true, nil
		},
	}
	h := newHandlersWithStub(t, repo)

	body := `{"objective_value":4.5,"result_variables":{"x":4.5}}`
	r := httptest.NewRequest(http.MethodPost, "/api/runs/run-2/complete", bytes.NewBufferString(body))
	r.SetPathValue("id", "run-2")
	w := httptest.NewRecorder()

	h.Complete(w, r)

	resp := w.Result()
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotNil(t, gotParams.ObjectiveValue)
	assert.InDelta(t, 4.5, *gotParams.ObjectiveValue, 1e-9)
	require.Contains(t, gotParams.ResultVariables, "x")
}

func TestComplete_LostLease_ReturnsOkFalse(t *testing.T) {
	repo := &stubRunRepo{
		completeFn: func(context.Context, string, core.CompleteRunParams) (bool, error) {
			return false, nil
		},
	}
	h := newHandlersWithStub(t, repo)

	r := httptest.NewRequest(http.MethodPost, "/api/runs/run-2/complete", bytes.NewBufferString(`{}`))
	r.SetPathValue("id", "run-2")
	w := httptest.NewRecorder()

	h.Complete(w, r)

	resp := w.Result()
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got map[string]bool
	err := json.NewDecoder(resp.Body).Decode(&got)
	require.NoError(t, err)
	assert.False(t, got["ok"])
}

func TestFail_Success(t *testing.T) {
	var gotMsg string
	var gotParams core.FailRunParams
	repo := &stubRunRepo{
		failFn: func(_ context.Context, _, errMsg string, params core.FailRunParams) (bool, error) {
			gotMsg = errMsg
			gotParams = params
			return true, nil
		},
	}
	h := newHandlersWithStub(t, repo)

	body := `{"error":"solver exploded","retry":true,"retry_delay_seconds":15}`
	r := httptest.NewRequest(http.MethodPost, "/api/runs/run-3/fail", bytes.NewBufferString(body))
	r.SetPathValue("id", "run-3")
	w := httptest.NewRecorder()

	h.Fail(w, r)

	resp := w.Result()
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "solver exploded", gotMsg)
	assert.True(t, gotParams.Retry)
	assert.Equal(t, 15*time.Second, gotParams.RetryDelay)
}

func TestFail_EmptyMessage_Returns400(t *testing.T) {
	h := newHandlersWithStub(t, &stubRunRepo{})

	r := httptest.NewRequest(http.MethodPost, "/api/runs/run-4/fail", bytes.NewBufferString(`{"error":""}`))
	r.SetPathValue("id", "run-4")
	w := httptest.NewRecorder()

	h.Fail(w, r)

	resp := w.Result()
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCancel_PendingRun_Canceled(t *testing.T) {
	repo := &stubRunRepo{
		cancelFn: func(context.Context, string) (core.CancelOutcome, error) {
			return core.CancelOutcome{Canceled: true}, nil
		},
	}
	h := newHandlersWithStub(t, repo)

	r := httptest.NewRequest(http.MethodPost, "/api/runs/run-5/cancel", nil)
	r.SetPathValue("id", "run-5")
	w := httptest.NewRecorder()

	h.Cancel(w, r)

	resp := w.Result()
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got map[string]bool
	err := json.NewDecoder(resp.Body).Decode(&got)
	require.NoError(t, err)
	assert.True(t, got["canceled"])
	assert.False(t, got["cancel_requested"])
	assert.False(t, got["already_terminal"])
}

func TestCancel_RunningRun_Requested(t *testing.T) {
	repo := &stubRunRepo{
		cancelFn: func(context.Context, string) (core.CancelOutcome, error) {
			return core.CancelOutcome{Requested: true}, nil
		},
	}
	h := newHandlersWithStub(t, repo)

	r := httptest.NewRequest(http.MethodPost, "/api/runs/run-6/cancel", nil)
	r.SetPathValue("id", "run-6")
	w := httptest.NewRecorder()

	h.Cancel(w, r)

	resp := w.Result()
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got map[string]bool
	err := json.NewDecoder(resp.Body).Decode(&got)
	require.NoError(t, err)
	assert.False(t, got["canceled"])
	assert.True(t, got["cancel_requested"])
}

func TestCancel_NotFound_Returns404(t *testing.T) {
	repo := &stubRunRepo{
		cancelFn: func(context.Context, string) (core.CancelOutcome, error) {
			return core.CancelOutcome{}, data.ErrRunNotFound
		},
	}
	h := newHandlersWithStub(t, repo)

	r := httptest.NewRequest(http.MethodPost, "/api/runs/missing/cancel", nil)
	r.SetPathValue("id", "missing")
	w := httptest.NewRecorder()

	h.Cancel(w, r)

	resp := w.Result()
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStats_Success(t *testing.T) {
	expected := &model.RunStats{Pending: 1, Running: 2, Succeeded: 3}
	repo := &stubRunRepo{
		statsFn: func(context.Context) (*model.RunStats, error) {
			return expected, nil
		},
	}
	h := newHandlersWithStub(t, repo)

	r := httptest.NewRequest(http.MethodGet, "/api/runs/stats", nil)
	w := httptest.NewRecorder()

	h.Stats(w, r)

	resp := w.Result()
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got model.RunStats
	err := json.NewDecoder(resp.Body).Decode(&got)
	require.NoError(t, err)
	assert.Equal(t, expected.Succeeded, got.Succeeded)
}

func TestGetRun_Success(t *testing.T) {
	run := &model.Run{
		ID:             "run-7",
		Status:         model.RunStatusSucceeded,
		Solver:         "simplex",
		ObjectiveValue: f64(4.5),
	}
	repo := &stubRunRepo{
		getByIDFn: func(context.Context, string) (*model.Run, error) {
			return run, nil
		},
	}
	h := newHandlersWithStub(t, repo)

	r := httptest.NewRequest(http.MethodGet, "/api/runs/run-7", nil)
	r.SetPathValue("id", "run-7")
	w := httptest.NewRecorder()

	h.GetRun(w, r)

	resp := w.Result()
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got model.Run
	err := json.NewDecoder(resp.Body).Decode(&got)
	require.NoError(t, err)
	assert.Equal(t, run.ID, got.ID)
	assert.Equal(t, model.RunStatusSucceeded, got.Status)
}

func TestRunHandlers_GetStatus(t *testing.T) {
	finishedAt := time.Now().Truncate(time.Microsecond) // Remove monotonic clock for comparison
	lastError := "test error"
	run := &model.Run{
		ID:         "run-8",
		Status:     model.RunStatusFailed,
		Solver:     "anneal",
		FinishedAt: &finishedAt,
		LastError:  &lastError,
	}
	repo := &stubRunRepo{
		getByIDFn: func(context.Context, string) (*model.Run, error) {
			return run, nil
		},
	}
	h := newHandlersWithStub(t, repo)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/api/runs/run-8/status", nil)
	r.SetPathValue("id", "run-8")

	h.GetStatus(w, r)

	assert.Equal(t, http.StatusOK, w.Code)

	var response model.RunStatusResponse
	err := json.Unmarshal(w.Body.Bytes(), &response)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, response.Status)
	assert.Equal(t, "anneal", response.Solver)
	assert.True(t, finishedAt.Equal(*response.FinishedAt))
	assert.Equal(t, lastError, *response.LastError)
}

func TestRunHandlers_GetStatus_NotFound(t *testing.T) {
	h := newHandlersWithStub(t, &stubRunRepo{})

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/api/runs/missing/status", nil)
	r.SetPathValue("id", "missing")

	h.GetStatus(w, r)

	assert.Equal(t, http.StatusNotFound, w.Code)

	var response map[string]interface{}
	err := json.Unmarshal(w.Body.Bytes(), &response)
	require.NoError(t, err)
	assert.Equal(t, "run_not_found", response["error"])
	assert.Equal(t, "run not found", response["message"])
}

func TestRunHandlers_GetStatus_DatabaseError(t *testing.T) {
	repo := &stubRunRepo{
		getByIDFn: func(context.Context, string) (*model.Run, error) {
			return nil, errors.New("database connection failed")
		},
	}
	h := newHandlersWithStub(t, repo)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/api/runs/run-9/status", nil)
	r.SetPathValue("id", "run-9")

	h.GetStatus(w, r)

	assert.Equal(t, http.StatusInternalServerError, w.Code)

	var response map[string]interface{}
	err := json.Unmarshal(w.Body.Bytes(), &response)
	require.NoError(t, err)
	assert.Equal(t, "get_run_failed", response["error"])
}

func TestRunHandlers_GetStatus_MissingID(t *testing.T) {
	h := newHandlersWithStub(t, &stubRunRepo{})

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/api/runs//status", nil)
	// Don't set path value to simulate missing ID

	h.GetStatus(w, r)

	assert.Equal(t, http.StatusBadRequest, w.Code)

	var response map[string]interface{}
	err := json.Unmarshal(w.Body.Bytes(), &response)
	require.NoError(t, err)
	assert.Equal(t, "invalid_path", response["error"])
}
