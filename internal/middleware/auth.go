package middleware

import (
	"context"
	"net/http"

	"github.com/pliu/devfusion/internal/auth"
)

type contextKey string

const IdentityKey contextKey = "identity"

// AuthMiddleware rejects requests without a valid token and stores the
// caller's identity in the request context.
func AuthMiddleware(verifier auth.Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, err := verifier.Verify(auth.RequestToken(r))
			if err != nil {
				WriteJSONError(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), IdentityKey, identity)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// IdentityFrom returns the identity stored by AuthMiddleware.
func IdentityFrom(ctx context.Context) (*auth.Identity, bool) {
	identity, ok := ctx.Value(IdentityKey).(*auth.Identity)
	return identity, ok && identity != nil
}

// WithIdentity is used by tests and internal callers that authenticate by
// other means.
func WithIdentity(ctx context.Context, identity *auth.Identity) context.Context {
	return context.WithValue(ctx, IdentityKey, identity)
}
