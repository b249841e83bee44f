// Package handlers provides HTTP request handlers for the Eidolon collector API.
// This file implements the per-user scan configuration endpoints.
package handlers

import (
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/eidolon-project/eidolon/internal/auth"
	"github.com/eidolon-project/eidolon/internal/configstore"
	apierrors "github.com/eidolon-project/eidolon/internal/errors"
	"github.com/eidolon-project/eidolon/internal/metrics"
	"github.com/eidolon-project/eidolon/internal/planner"
)

// ConfigHandler serves GET and PUT /collector/config: a caller's stored
// ScanConfig, the input POST /collector/scan runs against (spec.md §4.3).
type ConfigHandler struct {
	store    *configstore.Store
	logger   *slog.Logger
	metrics  metrics.MetricsRegistry
	validate *validator.Validate
}

// NewConfigHandler creates a ConfigHandler.
func NewConfigHandler(store *configstore.Store, logger *slog.Logger, metricsRegistry metrics.MetricsRegistry) *ConfigHandler {
	return &ConfigHandler{
		store:    store,
		logger:   logger.With("handler", "config"),
		metrics:  metricsRegistry,
		validate: validator.New(),
	}
}

// Get handles GET /collector/config: it returns the caller's stored
// ScanConfig, or 404 if none has been PUT yet.
func (h *ConfigHandler) Get(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusBadRequest, apierrors.NewScanError(apierrors.CodeValidation, "missing user identity"))
		return
	}

	cfg, found, err := h.store.Get(r.Context(), userID)
	if err != nil {
		handleDomainError(w, r, err, "config.get", h.logger)
		return
	}
	if !found {
		writeError(w, r, http.StatusNotFound,
			apierrors.NewScanError(apierrors.CodeNotFound, "no scan config stored for this user"))
		return
	}

	recordMetric(h.metrics, "config_get_total", nil)
	writeJSON(w, r, http.StatusOK, cfg)
}

// Put handles PUT /collector/config: it validates and stores a new
// ScanConfig for the caller, replacing any previous one, and echoes back
// the stored value (spec.md §4.3's "stored ScanConfig" response).
func (h *ConfigHandler) Put(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusBadRequest, apierrors.NewScanError(apierrors.CodeValidation, "missing user identity"))
		return
	}

	var cfg planner.ScanConfig
	if err := parseJSON(r, &cfg); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}

	if cfg.Options == (planner.ScanOptions{}) {
		cfg.Options = planner.DefaultScanOptions()
	}
	if err := h.validate.Struct(cfg); err != nil {
		writeError(w, r, http.StatusBadRequest,
			apierrors.NewScanError(apierrors.CodeValidation, "scan config failed validation: "+err.Error()))
		return
	}

	if _, err := planner.Plan(cfg); err != nil {
		handleDomainError(w, r, err, "config.put", h.logger)
		return
	}

	stored, err := h.store.Put(r.Context(), userID, cfg)
	if err != nil {
		handleDomainError(w, r, err, "config.put", h.logger)
		return
	}

	recordMetric(h.metrics, "config_put_total", nil)
	writeJSON(w, r, http.StatusOK, stored)
}
