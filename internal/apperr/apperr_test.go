package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, http.StatusOK},
		{"wrapped auth", fmt.Errorf("verify: %w", ErrAuthentication), http.StatusUnauthorized},
		{"not found", ErrNotFound, http.StatusNotFound},
		{"throttle", fmt.Errorf("ai: %w", ErrRateLimited), http.StatusTooManyRequests},
		{"generation", ErrGeneration, http.StatusBadGateway},
		{"conflict", ErrConflict, http.StatusConflict},
		{"unknown", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HTTPStatus(tt.err); got != tt.want {
				t.Errorf("HTTPStatus(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}
