// Package api exposes the run trigger and the audit query over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/alerter/internal/db"
	"github.com/lalithlochan/alerter/internal/runner"
)

const (
	defaultAuditLimit = 20
	maxAuditLimit     = 100
)

// RunTrigger starts a batch run.
type RunTrigger interface {
	Run(ctx context.Context, freq db.Frequency) (*runner.Summary, error)
}

// AuditReader reads the run audit log.
type AuditReader interface {
	ListAuditBySubscription(ctx context.Context, subscriptionID uuid.UUID, limit int) ([]db.AuditRecord, error)
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// AuditResponse is returned by the audit query.
type AuditResponse struct {
	SubscriptionID string           `json:"subscription_id"`
	Records        []db.AuditRecord `json:"records"`
	Count          int              `json:"count"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger *zap.Logger
	runs   RunTrigger
	audit  AuditReader
}

// NewHandler creates a new API handler
func NewHandler(logger *zap.Logger, runs RunTrigger, audit AuditReader) *Handler {
	return &Handler{
		logger: logger,
		runs:   runs,
		audit:  audit,
	}
}

// TriggerRun handles POST /v1/runs/{frequency}
// The run outlives a dropped connection; the run budget bounds it instead.
func (h *Handler) TriggerRun(w http.ResponseWriter, r *http.Request) {
	freq, err := db.ParseFrequency(chi.URLParam(r, "frequency"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Unknown frequency", "frequency must be instant or daily")
		return
	}

	summary, err := h.runs.Run(context.WithoutCancel(r.Context()), freq)
	switch {
	case errors.Is(err, runner.ErrRunInProgress):
		writeError(w, http.StatusConflict, "run_in_progress", "Run already in progress",
			"another "+string(freq)+" run holds the tier lock")
		return
	case err != nil:
		h.logger.Error("run failed",
			zap.String("frequency", string(freq)),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "run_failed", "Run failed", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, summary)
}

// ListAudit handles GET /v1/subscriptions/{id}/audit?limit=N
func (h *Handler) ListAudit(w http.ResponseWriter, r *http.Request) {
	idStr := chi.URLParam(r, "id")
	id, err := uuid.Parse(idStr)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid subscription ID", "ID must be a valid UUID")
		return
	}

	limit := defaultAuditLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "Invalid limit", "limit must be a positive integer")
			return
		}
		limit = min(limit, maxAuditLimit)
	}

	records, err := h.audit.ListAuditBySubscription(r.Context(), id, limit)
	if err != nil {
		h.logger.Error("failed to list audit records",
			zap.Error(err),
			zap.String("subscription_id", idStr),
		)
		writeError(w, http.StatusInternalServerError, "database_error", "Failed to list audit records", "")
		return
	}
	if records == nil {
		records = []db.AuditRecord{}
	}

	writeJSON(w, http.StatusOK, AuditResponse{
		SubscriptionID: id.String(),
		Records:        records,
		Count:          len(records),
	})
}

// Health handles GET /health
func Health(check func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if check != nil {
			if err := check(r.Context()); err != nil {
				writeError(w, http.StatusServiceUnavailable, "unhealthy", "Dependency unavailable", err.Error())
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
