// Package handler exposes imports and AI jobs over HTTP: submit, poll,
// stream, cancel and download.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pavelanni/qbank/internal/i18n"
	"github.com/pavelanni/qbank/internal/importer"
	"github.com/pavelanni/qbank/internal/jobs"
	"github.com/pavelanni/qbank/internal/model"
)

// DefaultMaxUpload bounds the size of a submitted workbook.
const DefaultMaxUpload = 50 << 20

// DefaultStreamInterval is how often a stream re-sends the current snapshot
// when nothing changed.
const DefaultStreamInterval = time.Second

// Importer starts imports.
type Importer interface {
	Submit(ctx context.Context, up importer.Upload) (string, error)
}

// Corrector starts AI jobs.
type Corrector interface {
	Submit(ctx context.Context, up jobs.Upload) (string, error)
}

// Check is a named readiness probe for /healthz.
type Check func(ctx context.Context) error

// Config tunes a Handler.
type Config struct {
	MaxUpload      int64
	StreamInterval time.Duration
}

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	imports   Importer
	sessions  *importer.Registry
	corrector Corrector
	tracker   *jobs.Tracker
	checks    map[string]Check
	cfg       Config
	logger    *slog.Logger
}

// New creates a new Handler. corrector and tracker may be nil when no
// completion service is configured; AI job routes then answer 503.
func New(imports Importer, sessions *importer.Registry, corrector Corrector, tracker *jobs.Tracker, checks map[string]Check, cfg Config, logger *slog.Logger) *Handler {
	if cfg.MaxUpload <= 0 {
		cfg.MaxUpload = DefaultMaxUpload
	}
	if cfg.StreamInterval <= 0 {
		cfg.StreamInterval = DefaultStreamInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		imports:   imports,
		sessions:  sessions,
		corrector: corrector,
		tracker:   tracker,
		checks:    checks,
		cfg:       cfg,
		logger:    logger,
	}
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/healthz", h.handleHealth)

	r.Post("/imports", h.handleSubmitImport)
	r.Get("/imports/{id}", h.handleGetImport)
	r.Get("/imports/{id}/stream", h.handleStreamImport)
	r.Post("/imports/{id}/cancel", h.handleCancelImport)

	r.Route("/ai-jobs", func(r chi.Router) {
		r.Use(h.requireCorrector)
		r.Post("/", h.handleSubmitJob)
		r.Get("/{id}", h.handleGetJob)
		r.Get("/{id}/stream", h.handleStreamJob)
		r.Post("/{id}/cancel", h.handleCancelJob)
		r.Get("/{id}/download", h.handleDownload)
	})
}

type submitResponse struct {
	SessionID string `json:"session_id"`
}

type cancelResponse struct {
	Cancelled bool   `json:"cancelled"`
	Message   string `json:"message"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := map[string]string{}
	code := http.StatusOK
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			h.logger.Warn("health check failed", "check", name, "error", err)
			status[name] = err.Error()
			code = http.StatusServiceUnavailable
			continue
		}
		status[name] = "ok"
	}
	writeJSON(w, code, map[string]any{
		"status": i18n.T(r.Context(), "Healthy"),
		"checks": status,
	})
}

// readUpload pulls the "file" part out of a multipart form.
func (h *Handler) readUpload(w http.ResponseWriter, r *http.Request) (string, []byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxUpload)
	if err := r.ParseMultipartForm(h.cfg.MaxUpload); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, http.StatusRequestEntityTooLarge, err.Error())
			return "", nil, false
		}
		writeError(w, http.StatusBadRequest, i18n.T(r.Context(), "MissingFile"))
		return "", nil, false
	}
	f, hdr, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, i18n.T(r.Context(), "MissingFile"))
		return "", nil, false
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", nil, false
	}
	return hdr.Filename, data, true
}

func formBool(r *http.Request, key string) bool {
	b, _ := strconv.ParseBool(r.FormValue(key))
	return b
}

func (h *Handler) handleSubmitImport(w http.ResponseWriter, r *http.Request) {
	name, data, ok := h.readUpload(w, r)
	if !ok {
		return
	}
	id, err := h.imports.Submit(r.Context(), importer.Upload{
		Name:     name,
		Data:     data,
		AIRepair: formBool(r, "ai_repair"),
	})
	if err != nil {
		h.logger.Error("submit import", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.logger.Info("import submitted", "session_id", id, "file", name, "bytes", len(data))
	writeJSON(w, http.StatusAccepted, submitResponse{SessionID: id})
}

func (h *Handler) handleGetImport(w http.ResponseWriter, r *http.Request) {
	snap, err := h.sessions.Get(chi.URLParam(r, "id"))
	if err != nil {
		h.notFound(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *Handler) handleStreamImport(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	snap, err := h.sessions.Get(id)
	if err != nil {
		h.notFound(w, r, err)
		return
	}
	updates, unsubscribe := h.sessions.Subscribe(id)
	defer unsubscribe()
	stream(w, r, h.cfg.StreamInterval, snap, updates, func() (importer.Snapshot, bool) {
		s, err := h.sessions.Get(id)
		return s, err == nil
	})
}

func (h *Handler) handleCancelImport(w http.ResponseWriter, r *http.Request) {
	ok, err := h.sessions.Cancel(chi.URLParam(r, "id"))
	if err != nil {
		h.notFound(w, r, err)
		return
	}
	writeCancel(w, r, ok)
}

func (h *Handler) requireCorrector(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.corrector == nil || h.tracker == nil {
			writeError(w, http.StatusServiceUnavailable, "ai correction is not configured")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	name, data, ok := h.readUpload(w, r)
	if !ok {
		return
	}
	id, err := h.corrector.Submit(r.Context(), jobs.Upload{
		Name:         name,
		Data:         data,
		Instructions: r.FormValue("instructions"),
		Fast:         formBool(r, "fast"),
	})
	if err != nil {
		h.logger.Error("submit ai job", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.logger.Info("ai job submitted", "job_id", id, "file", name, "bytes", len(data))
	writeJSON(w, http.StatusAccepted, submitResponse{SessionID: id})
}

func (h *Handler) handleGetJob(w http.ResponseWriter, r *http.Request) {
	snap, err := h.tracker.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.notFound(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *Handler) handleStreamJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	snap, err := h.tracker.Get(r.Context(), id)
	if err != nil {
		h.notFound(w, r, err)
		return
	}
	updates, unsubscribe := h.tracker.Subscribe(id)
	defer unsubscribe()
	stream(w, r, h.cfg.StreamInterval, snap, updates, func() (jobs.Snapshot, bool) {
		s, err := h.tracker.Get(r.Context(), id)
		return s, err == nil
	})
}

// handleCancelJob acknowledges the request. Only a job that has not started
// dispatching stops.
func (h *Handler) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	ok, err := h.tracker.Cancel(chi.URLParam(r, "id"))
	if err != nil {
		h.notFound(w, r, err)
		return
	}
	writeCancel(w, r, ok)
}

func (h *Handler) handleDownload(w http.ResponseWriter, r *http.Request) {
	data, name, err := h.tracker.Artifact(r.Context(), chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, jobs.ErrNotReady):
		writeError(w, http.StatusConflict, i18n.T(r.Context(), "ArtifactNotReady"))
		return
	case err != nil:
		h.notFound(w, r, err)
		return
	}
	if name == "" {
		name = "corrected.xlsx"
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", "attachment; filename="+strconv.Quote("corrected-"+name))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	_, _ = w.Write(data)
}

func (h *Handler) notFound(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, model.ErrSessionNotFound) {
		writeError(w, http.StatusNotFound, i18n.T(r.Context(), "SessionNotFound"))
		return
	}
	h.logger.Error("session lookup", "error", err)
	writeError(w, http.StatusInternalServerError, err.Error())
}

func writeCancel(w http.ResponseWriter, r *http.Request, ok bool) {
	msg := i18n.T(r.Context(), "CancelRequested")
	if !ok {
		msg = i18n.T(r.Context(), "CancelIgnored")
	}
	writeJSON(w, http.StatusOK, cancelResponse{Cancelled: ok, Message: msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorResponse{Error: msg})
}
