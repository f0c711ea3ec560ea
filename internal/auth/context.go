package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/featherbase/featherbase/internal/schema"
)

type contextKey string

const claimsKey contextKey = "claims"

// WithClaims attaches verified claims to a context.
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, claimsKey, claims)
}

// GetClaims returns the verified claims from a context, or nil.
func GetClaims(ctx context.Context) *Claims {
	claims, _ := ctx.Value(claimsKey).(*Claims)
	return claims
}

// IsSuperuser reports whether the context carries a superuser token.
func IsSuperuser(ctx context.Context) bool {
	claims := GetClaims(ctx)
	return claims != nil && claims.Collection == schema.SuperusersCollection
}

// Middleware verifies an optional Bearer token and attaches its claims
// to the request context. A malformed or expired token is rejected;
// absence of a token is not.
func (s *Service) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" {
			next.ServeHTTP(w, r)
			return
		}

		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			http.Error(w, "invalid authorization header", http.StatusUnauthorized)
			return
		}
		claims, err := s.Verify(strings.TrimSpace(token))
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}
