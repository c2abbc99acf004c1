package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/pliu/devfusion/internal/apperr"
	"github.com/pliu/devfusion/internal/auth"
	"github.com/pliu/devfusion/internal/middleware"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError answers with the status for err's kind. Server-side failures
// are logged and reported without detail.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperr.HTTPStatus(err)
	message := err.Error()
	switch {
	case errors.Is(err, apperr.ErrRateLimited):
		message = middleware.ThrottleMessage
	case status >= http.StatusInternalServerError:
		slog.Error("Request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		message = http.StatusText(status)
	}
	middleware.WriteJSONError(w, message, status)
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w: %w", apperr.ErrInvalidInput, err)
	}
	return nil
}

// caller returns the identity stored by the auth middleware.
func caller(r *http.Request) *auth.Identity {
	identity, ok := middleware.IdentityFrom(r.Context())
	if !ok {
		return &auth.Identity{}
	}
	return identity
}
