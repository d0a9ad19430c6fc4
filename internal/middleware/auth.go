package middleware

import (
	"context"
	"net/http"
	"strings"

	"portal-auth/internal/auth/token"
	"portal-auth/internal/session"
)

// unexported, collision-proof context key
type claimsContextKeyType struct{}

var claimsKey = claimsContextKeyType{}

// Verifier validates an issued credential.
type Verifier interface {
	Verify(raw string) (*token.Claims, error)
}

// ClaimsFromContext extracts the verified credential claims from context.
func ClaimsFromContext(ctx context.Context) (*token.Claims, bool) {
	c, ok := ctx.Value(claimsKey).(*token.Claims)
	return c, ok
}

// AccountIDFromContext extracts the authenticated account ID from context.
func AccountIDFromContext(ctx context.Context) (string, bool) {
	c, ok := ClaimsFromContext(ctx)
	if !ok {
		return "", false
	}
	return c.AccountID(), true
}

type AuthMiddleware struct {
	Verifier Verifier
}

func NewAuthMiddleware(v Verifier) *AuthMiddleware {
	return &AuthMiddleware{Verifier: v}
}

// RawToken returns the credential presented with r: the bearer header
// first, the cookie second.
func RawToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, value, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(value)
		}
	}
	return session.FromRequest(r)
}

// Optional returns the claims of a valid credential on r, or nil.
func (a *AuthMiddleware) Optional(r *http.Request) *token.Claims {
	raw := RawToken(r)
	if raw == "" {
		return nil
	}
	claims, err := a.Verifier.Verify(raw)
	if err != nil {
		return nil
	}
	return claims
}

func (a *AuthMiddleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// 1. Read and verify the credential
		claims := a.Optional(r)
		if claims == nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="portal"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		// 2. Attach claims to context
		ctx := context.WithValue(r.Context(), claimsKey, claims)

		// 3. Continue request
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
