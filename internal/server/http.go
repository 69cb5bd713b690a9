// Package server is the thin HTTP wrapper around the export core. Handlers
// validate, delegate, and translate; nothing here owns business state.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/ledgerworks/export-service/constants"
	"github.com/ledgerworks/export-service/internal/common"
	"github.com/ledgerworks/export-service/internal/export"
)

// ExportService is the core surface the handlers call.
type ExportService interface {
	CreateOrReuse(ctx context.Context, req export.CreateRequest) (*export.CreateResult, error)
	Status(ctx context.Context, referenceID string) (*export.StatusResult, error)
	Retry(ctx context.Context, referenceID string) error
	Cancel(ctx context.Context, referenceID, reason string) error
}

// Sweeper triggers an on-demand retention sweep.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// HealthChecker reports reachability of one dependency.
type HealthChecker func(ctx context.Context) error

// Server wires the HTTP surface.
type Server struct {
	svc     ExportService
	sweeper Sweeper
	health  map[string]HealthChecker
	apiKeys map[string]string
	logger  *slog.Logger
}

func New(svc ExportService, sweeper Sweeper, health map[string]HealthChecker, apiKeys map[string]string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{svc: svc, sweeper: sweeper, health: health, apiKeys: apiKeys, logger: logger}
}

// Router builds the chi handler tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(APIKeyAuth(s.apiKeys, s.logger))
		r.Post("/v1/exports", s.handleCreate)
		r.Get("/v1/exports/{referenceID}", s.handleStatus)
		r.Post("/v1/exports/{referenceID}/retry", s.handleRetry)
		r.Post("/v1/exports/{referenceID}/cancel", s.handleCancel)
		r.Post("/v1/cleanup", s.handleCleanup)
	})
	return r
}

type createExportRequest struct {
	TableName    string `json:"table_name"`
	DateFrom     string `json:"date_from"`
	DateTo       string `json:"date_to"`
	Format       string `json:"format"`
	ForceRefresh bool   `json:"force_refresh"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unable to read request body")
		return
	}
	if err := validateCreateBody(body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req createExportRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "request body is not valid JSON")
		return
	}

	dateFrom, err := common.ParseDate("date_from", req.DateFrom)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	dateTo, err := common.ParseDate("date_to", req.DateTo)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	format, ok := constants.ParseFormat(req.Format)
	if !ok {
		writeError(w, http.StatusBadRequest, "unsupported format")
		return
	}

	res, err := s.svc.CreateOrReuse(r.Context(), export.CreateRequest{
		TableName:    req.TableName,
		DateFrom:     dateFrom,
		DateTo:       dateTo,
		Format:       format,
		ForceRefresh: req.ForceRefresh,
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	status := http.StatusCreated
	if res.Reused {
		status = http.StatusOK
	}
	out := map[string]any{
		"reference_id": res.ReferenceID,
		"status":       res.Status,
		"reused":       res.Reused,
	}
	if res.FileURL != "" {
		out["file_url"] = res.FileURL
	}
	writeJSON(w, status, out)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	referenceID := chi.URLParam(r, "referenceID")
	res, err := s.svc.Status(r.Context(), referenceID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	job := res.Job

	out := map[string]any{
		"reference_id": job.ReferenceID,
		"status":       job.Status,
		"table_name":   job.TableName,
		"date_from":    job.DateFrom.Format(common.DateLayout),
		"date_to":      job.DateTo.Format(common.DateLayout),
		"created_at":   job.CreatedAt.Format(time.RFC3339),
		"updated_at":   job.UpdatedAt.Format(time.RFC3339),
	}
	switch job.Status {
	case constants.JobStatusCompleted:
		out["file_url"] = res.FileURL
		out["file_size"] = job.FileSize
		out["row_count"] = job.RowCount
		if job.CompletedAt != nil {
			out["completed_at"] = job.CompletedAt.Format(time.RFC3339)
		}
	case constants.JobStatusFailed:
		if job.ErrorMessage != nil {
			out["error_message"] = *job.ErrorMessage
		}
		out["retry_count"] = job.RetryCount
	case constants.JobStatusInProgress:
		if job.StartedAt != nil {
			out["started_at"] = job.StartedAt.Format(time.RFC3339)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	referenceID := chi.URLParam(r, "referenceID")
	if err := s.svc.Retry(r.Context(), referenceID); err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"reference_id": referenceID,
		"status":       constants.JobStatusPending,
	})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	referenceID := chi.URLParam(r, "referenceID")
	var body struct {
		Reason string `json:"reason"`
	}
	// Body is optional; a missing or malformed one means no reason given.
	_ = json.NewDecoder(r.Body).Decode(&body)

	if err := s.svc.Cancel(r.Context(), referenceID, body.Reason); err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"reference_id": referenceID,
		"status":       constants.JobStatusFailed,
	})
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	reclaimed, err := s.sweeper.Sweep(r.Context())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted_count": reclaimed})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	healthy := true
	deps := make(map[string]string, len(s.health))
	for name, check := range s.health {
		if err := check(ctx); err != nil {
			healthy = false
			deps[name] = "unreachable"
			s.logger.Warn("health.check_failed", "dependency", name, "error", err)
			continue
		}
		deps[name] = "connected"
	}

	status := http.StatusOK
	state := "healthy"
	if !healthy {
		status = http.StatusServiceUnavailable
		state = "unhealthy"
	}
	writeJSON(w, status, map[string]any{"status": state, "dependencies": deps})
}

func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case common.IsValidation(err):
		writeError(w, http.StatusBadRequest, err.Error())
	case common.IsNotFound(err):
		writeError(w, http.StatusNotFound, "export not found")
	case errors.Is(err, common.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
