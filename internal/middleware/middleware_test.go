package middleware

import (
	"bufio"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pliu/devfusion/internal/auth"
)

func TestAuthMiddleware(t *testing.T) {
	tokens := auth.NewTokens("test-secret", time.Hour)
	valid, _ := tokens.Issue("123", "user@example.com")
	forged, _ := auth.NewTokens("other", time.Hour).Issue("123", "user@example.com")

	// Mock next handler
	nextHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, ok := IdentityFrom(r.Context())
		if !ok {
			t.Error("Expected identity in context")
			return
		}
		if identity.ID != "123" {
			t.Errorf("Expected user ID 123, got %v", identity.ID)
		}
		w.WriteHeader(http.StatusOK)
	})

	tests := []struct {
		name           string
		header         string
		cookieValue    string
		expectedStatus int
	}{
		{
			name:           "Valid Bearer",
			header:         "Bearer " + valid,
			expectedStatus: http.StatusOK,
		},
		{
			name:           "Valid Cookie",
			cookieValue:    valid,
			expectedStatus: http.StatusOK,
		},
		{
			name:           "Invalid Signature",
			header:         "Bearer " + forged,
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "Garbage Token",
			cookieValue:    "not_a_token",
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "Missing Token",
			expectedStatus: http.StatusUnauthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			if tt.cookieValue != "" {
				req.AddCookie(&http.Cookie{Name: auth.TokenCookie, Value: tt.cookieValue})
			}
			rr := httptest.NewRecorder()

			AuthMiddleware(tokens)(nextHandler).ServeHTTP(rr, req)

			if rr.Code != tt.expectedStatus {
				t.Errorf("handler returned wrong status code: got %v want %v",
					rr.Code, tt.expectedStatus)
			}
		})
	}
}

func TestLoggingMiddleware(t *testing.T) {
	// Mock next handler that returns 404
	nextHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	req := httptest.NewRequest("GET", "/", nil)
	rr := httptest.NewRecorder()

	LoggingMiddleware(nextHandler).ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Errorf("handler returned wrong status code: got %v want %v",
			rr.Code, http.StatusNotFound)
	}
}

// MockHijacker implements http.Hijacker for testing
type MockHijacker struct {
	*httptest.ResponseRecorder
	hijacked bool
}

func (m *MockHijacker) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	m.hijacked = true
	return nil, nil, nil
}

func TestLoggingMiddleware_Hijack(t *testing.T) {
	// Mock next handler that tries to hijack
	nextHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hijacker, ok := w.(http.Hijacker)
		if !ok {
			t.Error("ResponseWriter does not implement http.Hijacker")
			return
		}
		_, _, err := hijacker.Hijack()
		if err != nil {
			t.Errorf("Hijack failed: %v", err)
		}
	})

	req := httptest.NewRequest("GET", "/", nil)
	// The middleware wraps the writer passed to ServeHTTP, so we pass
	// something that implements http.Hijacker.
	mockWriter := &MockHijacker{ResponseRecorder: httptest.NewRecorder()}

	LoggingMiddleware(nextHandler).ServeHTTP(mockWriter, req)

	if !mockWriter.hijacked {
		t.Error("Expected Hijack to reach the underlying writer")
	}
}

func TestThrottle(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	throttle := NewThrottle(2 * time.Second).WithClock(func() time.Time { return now })

	if !throttle.Allow() {
		t.Fatal("Expected first call to be allowed")
	}

	now = now.Add(1500 * time.Millisecond)
	if throttle.Allow() {
		t.Error("Expected call inside the cooldown to be rejected")
	}

	// A rejected call does not push the window forward.
	now = now.Add(600 * time.Millisecond)
	if !throttle.Allow() {
		t.Error("Expected call after the cooldown to be allowed")
	}
}

func TestCORS(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	handler := CORS([]string{"https://app.example"})(next)

	req := httptest.NewRequest("OPTIONS", "/projects/all", nil)
	req.Header.Set("Origin", "https://app.example")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Errorf("Expected preflight 204, got %d", rr.Code)
	}
	if rr.Header().Get("Access-Control-Allow-Origin") != "https://app.example" {
		t.Error("Expected allowed origin to be echoed")
	}

	req = httptest.NewRequest("GET", "/projects/all", nil)
	req.Header.Set("Origin", "https://evil.example")
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Error("Expected unknown origin to get no CORS headers")
	}
	if rr.Code != http.StatusTeapot {
		t.Errorf("Expected request to reach the handler, got %d", rr.Code)
	}

	if !OriginAllowed(nil, "https://anything") || !OriginAllowed([]string{"*"}, "https://x") {
		t.Error("Expected empty list and wildcard to allow all origins")
	}
}

func TestRequireReady(t *testing.T) {
	ready := false
	handler := RequireReady(func() bool { return ready })(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest("GET", "/", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 before ready, got %d", rr.Code)
	}

	ready = true
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest("GET", "/", nil))
	if rr.Code != http.StatusOK {
		t.Errorf("Expected 200 once ready, got %d", rr.Code)
	}
}
