// Package handlers provides HTTP request handlers for the Eidolon collector API.
// This file implements the scan lifecycle endpoints: starting a scan from a
// caller's stored configuration and requesting cancellation of a running one.
package handlers

import (
	"log/slog"
	"net/http"

	"github.com/eidolon-project/eidolon/internal/auth"
	"github.com/eidolon-project/eidolon/internal/configstore"
	apierrors "github.com/eidolon-project/eidolon/internal/errors"
	"github.com/eidolon-project/eidolon/internal/metrics"
	"github.com/eidolon-project/eidolon/internal/orchestrator"
	"github.com/eidolon-project/eidolon/internal/tasks"
)

// ScanHandler serves the scan lifecycle endpoints: POST /collector/scan and
// POST /collector/scan/cancel. It has no config of its own — a scan always
// runs against the caller's most recently stored ScanConfig (spec.md §4.1).
type ScanHandler struct {
	orchestrator *orchestrator.Orchestrator
	configs      *configstore.Store
	logger       *slog.Logger
	metrics      metrics.MetricsRegistry
}

// NewScanHandler creates a ScanHandler.
func NewScanHandler(
	orch *orchestrator.Orchestrator,
	configs *configstore.Store,
	logger *slog.Logger,
	metricsRegistry metrics.MetricsRegistry,
) *ScanHandler {
	return &ScanHandler{
		orchestrator: orch,
		configs:      configs,
		logger:       logger.With("handler", "scan"),
		metrics:      metricsRegistry,
	}
}

// startScanResponse is the body of a successful POST /collector/scan.
type startScanResponse struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

// Start handles POST /collector/scan: it loads the caller's stored
// ScanConfig, derives a plan, and asks the Orchestrator to run it. The
// request body is ignored — a scan always runs the config most recently
// PUT to /collector/config (spec.md §4.1's "uses stored config").
func (h *ScanHandler) Start(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusBadRequest, apierrors.NewScanError(apierrors.CodeValidation, "missing user identity"))
		return
	}

	cfg, found, err := h.configs.Get(r.Context(), userID)
	if err != nil {
		handleDomainError(w, r, err, "scan.start", h.logger)
		return
	}
	if !found {
		writeError(w, r, http.StatusNotFound,
			apierrors.NewScanError(apierrors.CodeNotFound, "no scan config stored for this user; PUT /collector/config first"))
		return
	}

	taskID, err := h.orchestrator.Start(r.Context(), userID, cfg)
	if err != nil {
		handleDomainError(w, r, err, "scan.start", h.logger)
		return
	}

	recordMetric(h.metrics, "scan_requests_total", map[string]string{"status": "accepted"})
	writeJSON(w, r, http.StatusAccepted, startScanResponse{TaskID: taskID, Status: string(tasks.StatusRunning)})
}

// cancelScanRequest is the body of POST /collector/scan/cancel.
type cancelScanRequest struct {
	TaskID string `json:"task_id"`
}

// cancelScanResponse is the body of a successful POST /collector/scan/cancel.
type cancelScanResponse struct {
	Status string `json:"status"`
}

// Cancel handles POST /collector/scan/cancel: it requests cancellation of
// the named task and reports the outcome (spec.md §4.2). Cancelling an
// unknown or already-terminal task is not an error — the response status
// field distinguishes the three outcomes.
func (h *ScanHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	var req cancelScanRequest
	if err := parseJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	if req.TaskID == "" {
		writeError(w, r, http.StatusBadRequest, apierrors.NewScanError(apierrors.CodeValidation, "task_id is required"))
		return
	}

	result := h.orchestrator.Cancel(req.TaskID)
	recordMetric(h.metrics, "scan_cancel_requests_total", map[string]string{"result": string(result)})
	writeJSON(w, r, http.StatusOK, cancelScanResponse{Status: string(result)})
}
