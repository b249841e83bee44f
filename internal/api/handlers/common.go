// Package handlers provides HTTP request handlers for the Eidolon collector API.
// This file contains common utilities shared across handlers to reduce
// code duplication and provide consistent patterns.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/eidolon-project/eidolon/internal/errors"
	"github.com/eidolon-project/eidolon/internal/metrics"
)

// ContextKey represents a context key type.
type ContextKey string

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id,omitempty"`
}

// getRequestIDFromContext extracts request ID from context.
func getRequestIDFromContext(ctx context.Context) string {
	if requestID, ok := ctx.Value(ContextKey("request_id")).(string); ok {
		return requestID
	}
	return "unknown"
}

// Response utilities

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, r *http.Request, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		requestID := getRequestIDFromContext(r.Context())
		slog.Error("failed to encode JSON response",
			"request_id", requestID,
			"error", err)
	}
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, r *http.Request, statusCode int, err error) {
	requestID := getRequestIDFromContext(r.Context())

	response := ErrorResponse{
		Error:     http.StatusText(statusCode),
		Message:   err.Error(),
		Timestamp: time.Now().UTC(),
		RequestID: requestID,
	}

	writeJSON(w, r, statusCode, response)
}

// Request parsing utilities

// parseJSON parses JSON request body into the provided destination with security constraints.
func parseJSON(r *http.Request, dest interface{}) error {
	if r.Body == nil {
		return fmt.Errorf("request body is empty")
	}

	const maxRequestSize = 1 * 1024 * 1024
	r.Body = http.MaxBytesReader(nil, r.Body, maxRequestSize)

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	decoder.UseNumber()

	if err := decoder.Decode(dest); err != nil {
		if err.Error() == "http: request body too large" {
			return fmt.Errorf("request body too large (max 1MB)")
		}
		return fmt.Errorf("invalid JSON: %w", err)
	}

	return nil
}

// recordMetric records a named counter metric, tolerating a nil registry.
func recordMetric(metricsRegistry metrics.MetricsRegistry, metricName string, labels map[string]string) {
	if metricsRegistry != nil {
		metricsRegistry.Counter(metricName, labels)
	}
}

// handleDomainError maps a tasks/orchestrator domain error to an HTTP response.
func handleDomainError(
	w http.ResponseWriter,
	r *http.Request,
	err error,
	operation string,
	logger *slog.Logger,
) {
	requestID := getRequestIDFromContext(r.Context())

	switch errors.GetCode(err) {
	case errors.CodeTargetInvalid, errors.CodeInvalidTarget, errors.CodeInvalidPort,
		errors.CodeDuplicatePort, errors.CodeOverlappingTargets, errors.CodeEmptyTargets,
		errors.CodeTooManyTargets, errors.CodeTooManyPorts, errors.CodeValidation:
		writeError(w, r, http.StatusBadRequest, err)
		return
	case errors.CodeScanAlreadyRunning:
		writeError(w, r, http.StatusConflict, err)
		return
	}

	if errors.IsNotFound(err) {
		writeError(w, r, http.StatusNotFound, err)
		return
	}

	logger.Error(fmt.Sprintf("failed to %s", operation),
		"request_id", requestID,
		"error", err)
	writeError(w, r, http.StatusInternalServerError, fmt.Errorf("failed to %s: %w", operation, err))
}
