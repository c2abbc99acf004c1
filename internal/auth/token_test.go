package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pliu/devfusion/internal/apperr"
)

func TestIssueAndVerify(t *testing.T) {
	tokens := NewTokens("test-secret", time.Hour)

	token, err := tokens.Issue("u1", "a@x.com")
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	id, err := tokens.Verify(token)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if id.ID != "u1" || id.Email != "a@x.com" {
		t.Errorf("Unexpected identity: %+v", id)
	}
}

func TestVerifyRejects(t *testing.T) {
	issuedAt := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tokens := NewTokens("test-secret", time.Hour).WithClock(func() time.Time { return issuedAt })
	valid, _ := tokens.Issue("u1", "a@x.com")
	forged, _ := NewTokens("other-secret", time.Hour).WithClock(func() time.Time { return issuedAt }).Issue("u1", "a@x.com")

	tests := []struct {
		name    string
		token   string
		now     time.Time
		expired bool
	}{
		{name: "Empty", token: "", now: issuedAt},
		{name: "Garbage", token: "not.a.jwt", now: issuedAt},
		{name: "Wrong Secret", token: forged, now: issuedAt},
		{name: "Expired", token: valid, now: issuedAt.Add(2 * time.Hour), expired: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tokens.WithClock(func() time.Time { return tt.now })
			_, err := tokens.Verify(tt.token)
			if !errors.Is(err, apperr.ErrAuthentication) {
				t.Fatalf("Expected authentication error, got %v", err)
			}
			if IsExpired(err) != tt.expired {
				t.Errorf("IsExpired = %v, want %v", IsExpired(err), tt.expired)
			}
		})
	}
}

func TestRequestToken(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	if got := RequestToken(req); got != "" {
		t.Errorf("Expected no token, got %q", got)
	}

	req.AddCookie(&http.Cookie{Name: TokenCookie, Value: "from-cookie"})
	if got := RequestToken(req); got != "from-cookie" {
		t.Errorf("Expected cookie token, got %q", got)
	}

	req.Header.Set("Authorization", "Bearer from-header")
	if got := RequestToken(req); got != "from-header" {
		t.Errorf("Expected header token to win, got %q", got)
	}

	req.Header.Set("Authorization", "Basic abc")
	if got := BearerToken(req); got != "" {
		t.Errorf("Expected non-bearer scheme to be ignored, got %q", got)
	}
}
