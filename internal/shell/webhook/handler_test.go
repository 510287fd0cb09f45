package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	core "github.com/artpar/shipper/internal/core/pipeline"
	"github.com/artpar/shipper/internal/shell/store"
)

// =============================================================================
// Push Tests
// =============================================================================

func TestHandlePush_MainBranchQueued(t *testing.T) {
	h, _, enq := newTestHandler(HandlerConfig{})

	rec := doRequest(t, h, http.MethodPost, "/hooks/push", pushBody(t, "refs/heads/main"), nil)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	resp := parseResponse[PushResponse](t, rec.Body.Bytes())
	assert.Equal(t, "queued", resp.Status)
	assert.Equal(t, "refs/heads/main", resp.Ref)
	assert.Equal(t, "prod", resp.Environment)
	assert.Equal(t, []string{"refs/heads/main"}, enq.refs)
}

func TestHandlePush_DevBranchQueued(t *testing.T) {
	h, _, enq := newTestHandler(HandlerConfig{})

	rec := doRequest(t, h, http.MethodPost, "/hooks/push", pushBody(t, "refs/heads/dev"), nil)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	resp := parseResponse[PushResponse](t, rec.Body.Bytes())
	assert.Equal(t, "queued", resp.Status)
	assert.Equal(t, "dev", resp.Environment)
	assert.Len(t, enq.refs, 1)
}

func TestHandlePush_UnconfiguredBranchIgnored(t *testing.T) {
	h, _, enq := newTestHandler(HandlerConfig{})

	rec := doRequest(t, h, http.MethodPost, "/hooks/push", pushBody(t, "refs/heads/feature/login"), nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	resp := parseResponse[PushResponse](t, rec.Body.Bytes())
	assert.Equal(t, "ignored", resp.Status)
	assert.Empty(t, enq.refs)
}

func TestHandlePush_PullRequestEvent(t *testing.T) {
	h, _, enq := newTestHandler(HandlerConfig{})
	body := []byte(`{"pull_request":{"head":{"ref":"dev"}}}`)

	rec := doRequest(t, h, http.MethodPost, "/hooks/push", body, nil)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	resp := parseResponse[PushResponse](t, rec.Body.Bytes())
	assert.Equal(t, "queued", resp.Status)
	assert.Equal(t, "dev", resp.Environment)
	assert.Equal(t, []string{"dev"}, enq.refs)
}

func TestHandlePush_CustomBranchList(t *testing.T) {
	h, _, enq := newTestHandler(HandlerConfig{Branches: []string{"release"}})

	rec := doRequest(t, h, http.MethodPost, "/hooks/push", pushBody(t, "refs/heads/main"), nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, enq.refs)

	rec = doRequest(t, h, http.MethodPost, "/hooks/push", pushBody(t, "refs/heads/release"), nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []string{"refs/heads/release"}, enq.refs)
}

func TestHandlePush_InvalidJSON(t *testing.T) {
	h, _, enq := newTestHandler(HandlerConfig{})

	rec := doRequest(t, h, http.MethodPost, "/hooks/push", []byte("{not json"), nil)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	resp := parseResponse[ErrorResponse](t, rec.Body.Bytes())
	assert.Equal(t, "invalid_request", resp.Code)
	assert.Empty(t, enq.refs)
}

func TestHandlePush_MissingRef(t *testing.T) {
	h, _, enq := newTestHandler(HandlerConfig{})

	rec := doRequest(t, h, http.MethodPost, "/hooks/push", []byte(`{}`), nil)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	resp := parseResponse[ErrorResponse](t, rec.Body.Bytes())
	assert.Equal(t, "invalid_request", resp.Code)
	assert.Empty(t, enq.refs)
}

func TestHandlePush_QueueFull(t *testing.T) {
	h, _, enq := newTestHandler(HandlerConfig{})
	enq.full = true

	rec := doRequest(t, h, http.MethodPost, "/hooks/push", pushBody(t, "refs/heads/main"), nil)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	resp := parseResponse[ErrorResponse](t, rec.Body.Bytes())
	assert.Equal(t, "queue_full", resp.Code)
}

func TestHandlePush_ValidSignature(t *testing.T) {
	h, _, enq := newTestHandler(HandlerConfig{Secret: "hook-secret"})
	body := pushBody(t, "refs/heads/main")

	headers := map[string]string{signatureHeader: signBody("hook-secret", body)}
	rec := doRequest(t, h, http.MethodPost, "/hooks/push", body, headers)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Len(t, enq.refs, 1)
}

func TestHandlePush_InvalidSignature(t *testing.T) {
	h, _, enq := newTestHandler(HandlerConfig{Secret: "hook-secret"})
	body := pushBody(t, "refs/heads/main")

	headers := map[string]string{signatureHeader: signBody("wrong-secret", body)}
	rec := doRequest(t, h, http.MethodPost, "/hooks/push", body, headers)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	resp := parseResponse[ErrorResponse](t, rec.Body.Bytes())
	assert.Equal(t, "invalid_signature", resp.Code)
	assert.Empty(t, enq.refs)
}

func TestHandlePush_MissingSignature(t *testing.T) {
	h, _, enq := newTestHandler(HandlerConfig{Secret: "hook-secret"})

	rec := doRequest(t, h, http.MethodPost, "/hooks/push", pushBody(t, "refs/heads/main"), nil)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, enq.refs)
}

func TestHandlePush_NoSecretSkipsVerification(t *testing.T) {
	h, _, enq := newTestHandler(HandlerConfig{})

	rec := doRequest(t, h, http.MethodPost, "/hooks/push", pushBody(t, "refs/heads/main"), nil)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Len(t, enq.refs, 1)
}

// =============================================================================
// Health Tests
// =============================================================================

func TestHandleHealth(t *testing.T) {
	h, _, _ := newTestHandler(HandlerConfig{})

	rec := doRequest(t, h, http.MethodGet, "/health", nil, nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	resp := parseResponse[HealthResponse](t, rec.Body.Bytes())
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
}

func TestHandleReady_Success(t *testing.T) {
	h, _, _ := newTestHandler(HandlerConfig{})

	rec := doRequest(t, h, http.MethodGet, "/ready", nil, nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	resp := parseResponse[ReadyResponse](t, rec.Body.Bytes())
	assert.Equal(t, "ready", resp.Status)
	assert.Equal(t, "ok", resp.Checks["database"])
}

func TestHandleReady_DatabaseDown(t *testing.T) {
	h, st, _ := newTestHandler(HandlerConfig{})
	st.listErr = store.ErrConnectionFailed

	rec := doRequest(t, h, http.MethodGet, "/ready", nil, nil)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	resp := parseResponse[ReadyResponse](t, rec.Body.Bytes())
	assert.Equal(t, "not_ready", resp.Status)
	assert.Contains(t, resp.Checks["database"], "unavailable")
}

// =============================================================================
// Run Tests
// =============================================================================

func TestHandleListRuns_Success(t *testing.T) {
	h, st, _ := newTestHandler(HandlerConfig{})
	st.runs = []core.Run{
		seededRun("run-1", "prod", core.StepStable),
		seededRun("run-2", "dev", core.StepFailed),
	}

	rec := doRequest(t, h, http.MethodGet, "/api/v1/runs", nil, nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	resp := parseResponse[ListRunsResponse](t, rec.Body.Bytes())
	assert.Equal(t, 2, resp.Total)
	require.Len(t, resp.Runs, 2)
	assert.Equal(t, "run-1", resp.Runs[0].ID)
	assert.Equal(t, "stable", resp.Runs[0].Step)
	assert.Equal(t, "run-2", resp.Runs[1].ID)
}

func TestHandleListRuns_FilterByEnvironment(t *testing.T) {
	h, st, _ := newTestHandler(HandlerConfig{})
	st.runs = []core.Run{
		seededRun("run-1", "prod", core.StepStable),
		seededRun("run-2", "dev", core.StepStable),
	}

	rec := doRequest(t, h, http.MethodGet, "/api/v1/runs?environment=dev", nil, nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	resp := parseResponse[ListRunsResponse](t, rec.Body.Bytes())
	require.Len(t, resp.Runs, 1)
	assert.Equal(t, "run-2", resp.Runs[0].ID)
	assert.Equal(t, "dev", st.envFilter)
}

func TestHandleListRuns_Pagination(t *testing.T) {
	h, st, _ := newTestHandler(HandlerConfig{})

	rec := doRequest(t, h, http.MethodGet, "/api/v1/runs?limit=5&offset=10", nil, nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, store.ListOptions{Limit: 5, Offset: 10}, st.opts)
	resp := parseResponse[ListRunsResponse](t, rec.Body.Bytes())
	assert.Equal(t, 5, resp.Limit)
	assert.Equal(t, 10, resp.Offset)
}

func TestHandleListRuns_StoreError(t *testing.T) {
	h, st, _ := newTestHandler(HandlerConfig{})
	st.listErr = store.ErrConnectionFailed

	rec := doRequest(t, h, http.MethodGet, "/api/v1/runs", nil, nil)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	resp := parseResponse[ErrorResponse](t, rec.Body.Bytes())
	assert.Equal(t, "internal_error", resp.Code)
}

func TestHandleGetRun_Success(t *testing.T) {
	h, st, _ := newTestHandler(HandlerConfig{})
	run := seededRun("run-1", "prod", core.StepStable)
	run.Image = "123456789012.dkr.ecr.us-east-1.amazonaws.com/game-jam:prod"
	st.runs = []core.Run{run}

	rec := doRequest(t, h, http.MethodGet, "/api/v1/runs/run-1", nil, nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	resp := parseResponse[RunResponse](t, rec.Body.Bytes())
	assert.Equal(t, "run-1", resp.ID)
	assert.Equal(t, "prod", resp.Environment)
	assert.Equal(t, run.Image, resp.Image)
}

func TestHandleGetRun_NotFound(t *testing.T) {
	h, _, _ := newTestHandler(HandlerConfig{})

	rec := doRequest(t, h, http.MethodGet, "/api/v1/runs/run-missing", nil, nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	resp := parseResponse[ErrorResponse](t, rec.Body.Bytes())
	assert.Equal(t, "not_found", resp.Code)
}

// =============================================================================
// Test Helpers
// =============================================================================

func newTestHandler(config HandlerConfig) (*Handler, *stubStore, *fakeEnqueuer) {
	st := &stubStore{}
	enq := &fakeEnqueuer{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewHandler(st, enq, config, logger), st, enq
}

func doRequest(t *testing.T, h *Handler, method, path string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)
	return rec
}

func pushBody(t *testing.T, ref string) []byte {
	t.Helper()
	data, err := json.Marshal(PushEvent{Ref: ref})
	require.NoError(t, err)
	return data
}

func signBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func parseResponse[T any](t *testing.T, body []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(body, &v))
	return v
}

func seededRun(id, env string, step core.Step) core.Run {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	return core.Run{
		ID:          id,
		Trigger:     core.TriggerWebhook,
		Ref:         "refs/heads/" + env,
		Environment: env,
		Step:        step,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// =============================================================================
// Stubs
// =============================================================================

type fakeEnqueuer struct {
	refs []string
	full bool
}

func (f *fakeEnqueuer) Enqueue(ref string) bool {
	if f.full {
		return false
	}
	f.refs = append(f.refs, ref)
	return true
}

type stubStore struct {
	runs      []core.Run
	opts      store.ListOptions
	envFilter string
	listErr   error
}

func (s *stubStore) CreateRun(ctx context.Context, run *core.Run) error { return nil }

func (s *stubStore) GetRun(ctx context.Context, id string) (*core.Run, error) {
	for i := range s.runs {
		if s.runs[i].ID == id {
			run := s.runs[i]
			return &run, nil
		}
	}
	return nil, store.NewStoreError("get", "run", id, "run not found", store.ErrNotFound)
}

func (s *stubStore) UpdateRun(ctx context.Context, run *core.Run) error { return nil }

func (s *stubStore) ListRuns(ctx context.Context, opts store.ListOptions) ([]core.Run, error) {
	s.opts = opts
	if s.listErr != nil {
		return nil, store.NewStoreError("list", "run", "", "list failed", s.listErr)
	}
	return s.runs, nil
}

func (s *stubStore) ListRunsByEnvironment(ctx context.Context, environment string, opts store.ListOptions) ([]core.Run, error) {
	s.opts = opts
	s.envFilter = environment
	if s.listErr != nil {
		return nil, store.NewStoreError("list", "run", "", "list failed", s.listErr)
	}
	var matched []core.Run
	for _, run := range s.runs {
		if run.Environment == environment {
			matched = append(matched, run)
		}
	}
	return matched, nil
}

func (s *stubStore) LatestSucceededRun(ctx context.Context, environment string) (*core.Run, error) {
	return nil, store.NewStoreError("get", "run", "", "run not found", store.ErrNotFound)
}

func (s *stubStore) AcquireLock(ctx context.Context, environment, holder string) error { return nil }

func (s *stubStore) ReleaseLock(ctx context.Context, environment, holder string) error { return nil }

func (s *stubStore) WithTx(ctx context.Context, fn func(store.Store) error) error { return fn(s) }

func (s *stubStore) Close() error { return nil }
