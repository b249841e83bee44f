// Package auth extracts the caller identity Eidolon's HTTP API trusts: the
// `x-user-id` header every request must carry (spec.md §6). There is no key
// issuance or credential store here — unlike the teacher's API-key
// subsystem, which mints and bcrypt-hashes long-lived keys, Eidolon's
// collector API is deployed behind a gateway that has already authenticated
// the caller and forwards their identity as a plain header, so this
// package's only job is validating that header is present and well formed.
package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/eidolon-project/eidolon/internal/errors"
)

// HeaderUserID is the header every authenticated request carries.
const HeaderUserID = "x-user-id"

// maxUserIDLength bounds the header value so a pathological caller can't
// push an unbounded string into log fields, the Task Registry's
// runningByUser map key space, or the configstore's user_id primary key.
const maxUserIDLength = 256

type contextKey int

const userIDContextKey contextKey = iota

// ExtractUserID validates and returns the caller's user_id from r's
// x-user-id header, or a *errors.ScanError with CodeValidation if the
// header is missing, empty, or exceeds maxUserIDLength.
func ExtractUserID(r *http.Request) (string, error) {
	userID := strings.TrimSpace(r.Header.Get(HeaderUserID))
	if userID == "" {
		return "", errors.NewScanError(errors.CodeValidation, "missing required x-user-id header")
	}
	if len(userID) > maxUserIDLength {
		return "", errors.NewScanError(errors.CodeValidation, "x-user-id header exceeds maximum length")
	}
	return userID, nil
}

// WithUserID returns a copy of ctx carrying userID, for handlers downstream
// of the middleware to retrieve via UserIDFromContext.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDContextKey, userID)
}

// UserIDFromContext returns the user_id the middleware attached to ctx, or
// ("", false) if none is present.
func UserIDFromContext(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(userIDContextKey).(string)
	return userID, ok
}

// Middleware rejects any request missing a valid x-user-id header with 400
// Bad Request, and otherwise attaches the extracted user_id to the
// request's context before calling next.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := ExtractUserID(r)
		if err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"missing or invalid x-user-id header"}`))
			return
		}
		r = r.WithContext(WithUserID(r.Context(), userID))
		next.ServeHTTP(w, r)
	})
}
