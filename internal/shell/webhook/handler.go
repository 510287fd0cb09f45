// Package webhook exposes the HTTP listener that turns source-control push
// events into pipeline runs and serves run history for operators.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/artpar/shipper/internal/core/environment"
	core "github.com/artpar/shipper/internal/core/pipeline"
	"github.com/artpar/shipper/internal/shell/store"
)

const signatureHeader = "X-Hub-Signature-256"

// Enqueuer accepts refs for asynchronous deployment.
type Enqueuer interface {
	Enqueue(ref string) bool
}

// HandlerConfig holds listener settings.
type HandlerConfig struct {
	// Secret, when set, requires every push event to carry a valid
	// HMAC-SHA256 signature over the raw body.
	Secret string

	// Branches lists the branch names that trigger a deployment. Refs for
	// other branches are acknowledged and dropped.
	Branches []string
}

// DefaultHandlerConfig returns the default listener configuration.
func DefaultHandlerConfig() HandlerConfig {
	return HandlerConfig{
		Branches: []string{"main", "dev"},
	}
}

// Handler handles webhook and run history requests.
type Handler struct {
	store    store.Store
	enqueuer Enqueuer
	secret   string
	branches map[string]bool
	logger   *slog.Logger
}

// NewHandler creates a webhook handler.
func NewHandler(s store.Store, enqueuer Enqueuer, config HandlerConfig, logger *slog.Logger) *Handler {
	if len(config.Branches) == 0 {
		config.Branches = DefaultHandlerConfig().Branches
	}
	if logger == nil {
		logger = slog.Default()
	}

	branches := make(map[string]bool, len(config.Branches))
	for _, b := range config.Branches {
		branches[environment.NormalizeRef(b)] = true
	}

	return &Handler{
		store:    s,
		enqueuer: enqueuer,
		secret:   config.Secret,
		branches: branches,
		logger:   logger.With("component", "webhook"),
	}
}

// Routes returns the HTTP routes for the listener.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(h.jsonContentType)
	r.Use(h.requestIDHeader)

	r.Get("/health", h.handleHealth)
	r.Get("/ready", h.handleReady)

	r.Post("/hooks/push", h.handlePush)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/runs", func(r chi.Router) {
			r.Get("/", h.handleListRuns)
			r.Get("/{id}", h.handleGetRun)
		})
	})

	return r
}

// =============================================================================
// Middleware
// =============================================================================

func (h *Handler) jsonContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) requestIDHeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if reqID := middleware.GetReqID(r.Context()); reqID != "" {
			w.Header().Set("X-Request-ID", reqID)
		}
		next.ServeHTTP(w, r)
	})
}

// =============================================================================
// Health Handlers
// =============================================================================

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy"})
}

func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{}
	ready := true

	if _, err := h.store.ListRuns(r.Context(), store.ListOptions{Limit: 1}); err != nil {
		checks["database"] = "unavailable: " + err.Error()
		ready = false
	} else {
		checks["database"] = "ok"
	}

	status := "ready"
	code := http.StatusOK
	if !ready {
		status = "not_ready"
		code = http.StatusServiceUnavailable
	}

	h.writeJSON(w, code, ReadyResponse{Status: status, Checks: checks})
}

// =============================================================================
// Push Handler
// =============================================================================

func (h *Handler) handlePush(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "failed to read body", "invalid_request")
		return
	}

	if h.secret != "" {
		if !verifySignature(h.secret, body, r.Header.Get(signatureHeader)) {
			h.logger.Warn("push event rejected", "reason", "invalid signature")
			h.writeError(w, http.StatusUnauthorized, "invalid signature", "invalid_signature")
			return
		}
	}

	var event PushEvent
	if err := json.Unmarshal(body, &event); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON body", "invalid_request")
		return
	}
	ref := event.DeployRef()
	if ref == "" {
		h.writeError(w, http.StatusBadRequest, "ref is required", "invalid_request")
		return
	}

	branch := environment.NormalizeRef(ref)
	if !h.branches[branch] {
		h.logger.Info("push event ignored", "ref", ref)
		h.writeJSON(w, http.StatusOK, PushResponse{Status: "ignored", Ref: ref})
		return
	}

	if !h.enqueuer.Enqueue(ref) {
		h.logger.Warn("push event rejected", "ref", ref, "reason", "queue full")
		h.writeError(w, http.StatusServiceUnavailable, "deployment queue is full", "queue_full")
		return
	}

	env := environment.Resolve(ref)
	h.logger.Info("push event queued", "ref", ref, "environment", env.Environment)
	h.writeJSON(w, http.StatusAccepted, PushResponse{
		Status:      "queued",
		Ref:         ref,
		Environment: string(env.Environment),
	})
}

// verifySignature checks a "sha256=<hex>" HMAC-SHA256 signature over the raw
// request body.
func verifySignature(secret string, body []byte, signature string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	want := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(want), []byte(signature))
}

// =============================================================================
// Run Handlers
// =============================================================================

func (h *Handler) handleListRuns(w http.ResponseWriter, r *http.Request) {
	opts := store.DefaultListOptions()
	if limit := r.URL.Query().Get("limit"); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil {
			opts.Limit = n
		}
	}
	if offset := r.URL.Query().Get("offset"); offset != "" {
		if n, err := strconv.Atoi(offset); err == nil {
			opts.Offset = n
		}
	}

	var (
		runs []core.Run
		err  error
	)
	if env := r.URL.Query().Get("environment"); env != "" {
		runs, err = h.store.ListRunsByEnvironment(r.Context(), env, opts)
	} else {
		runs, err = h.store.ListRuns(r.Context(), opts)
	}
	if err != nil {
		h.logger.Error("failed to list runs", "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to list runs", "internal_error")
		return
	}

	resp := ListRunsResponse{
		Runs:   make([]RunResponse, 0, len(runs)),
		Total:  len(runs),
		Limit:  opts.Limit,
		Offset: opts.Offset,
	}
	for i := range runs {
		resp.Runs = append(resp.Runs, toRunResponse(&runs[i]))
	}

	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	run, err := h.store.GetRun(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "run not found", "not_found")
			return
		}
		h.logger.Error("failed to get run", "run_id", id, "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to get run", "internal_error")
		return
	}

	h.writeJSON(w, http.StatusOK, toRunResponse(run))
}

// =============================================================================
// Helpers
// =============================================================================

func toRunResponse(run *core.Run) RunResponse {
	return RunResponse{
		ID:                 run.ID,
		Trigger:            string(run.Trigger),
		Ref:                run.Ref,
		Environment:        run.Environment,
		Image:              run.Image,
		PreviousTaskDefARN: run.PreviousTaskDefARN,
		NewTaskDefARN:      run.NewTaskDefARN,
		Step:               string(run.Step),
		ErrorMessage:       run.ErrorMessage,
		CreatedAt:          run.CreatedAt,
		UpdatedAt:          run.UpdatedAt,
		FinishedAt:         run.FinishedAt,
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message, code string) {
	h.writeJSON(w, status, ErrorResponse{Error: message, Code: code})
}
