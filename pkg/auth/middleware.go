// Package auth provides service authentication middleware for the
// approvals API. Callers are upstream services (expense web app, HR
// portal) that have already authenticated the end user; they pass the
// acting principal in headers alongside their own service token.
package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/clearspend/approvals/pkg/types"
)

// Principal is the already-authenticated user an upstream service is
// acting for.
type Principal struct {
	ID   string
	Role string
}

type contextKey string

const principalKey contextKey = "principal"

// PrincipalFromContext extracts the acting principal from the context.
func PrincipalFromContext(ctx context.Context) Principal {
	v, _ := ctx.Value(principalKey).(Principal)
	return v
}

// ServiceAuth returns middleware that validates the calling service's
// token and lifts the X-Principal-Id / X-Principal-Role headers into
// the request context.
func ServiceAuth(tokens *TokenStore) func(http.Handler) http.Handler {
	skipPaths := map[string]bool{
		"/healthz": true,
		"/readyz":  true,
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if skipPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			token := r.Header.Get("X-Service-Token")
			if token == "" {
				auth := r.Header.Get("Authorization")
				if strings.HasPrefix(auth, "Bearer ") {
					token = strings.TrimPrefix(auth, "Bearer ")
				}
			}
			if token == "" {
				types.ErrUnauthorized("missing service token").WriteJSON(w)
				return
			}
			if _, ok := tokens.Lookup(token); !ok {
				types.ErrUnauthorized("invalid service token").WriteJSON(w)
				return
			}

			p := Principal{
				ID:   strings.TrimSpace(r.Header.Get("X-Principal-Id")),
				Role: strings.TrimSpace(r.Header.Get("X-Principal-Role")),
			}
			if p.ID == "" {
				types.ErrUnauthorized("missing X-Principal-Id header").WriteJSON(w)
				return
			}

			ctx := context.WithValue(r.Context(), principalKey, p)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
