package access

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/KafClaw/clawgate/internal/audit"
)

type claimsKey struct{}

// WithClaims stores verified claims on ctx.
func WithClaims(ctx context.Context, c Claims) context.Context {
	return context.WithValue(ctx, claimsKey{}, c)
}

// ClaimsFrom returns the claims stored by the middleware.
func ClaimsFrom(ctx context.Context) (Claims, bool) {
	c, ok := ctx.Value(claimsKey{}).(Claims)
	return c, ok
}

// TokenFromRequest reads "Authorization: Bearer <t>" or "x-access-token".
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return strings.TrimSpace(r.Header.Get("x-access-token"))
}

// Authenticate verifies the request's credential. Failures are audited and
// returned wrapped in ErrUnauthorized.
func (m *Manager) Authenticate(r *http.Request) (Claims, error) {
	if m.anonymous != nil {
		c := *m.anonymous
		m.audit.Record(r.Context(), audit.Auth(c.UserID, string(c.Role), "authenticate", true, "authentication disabled"))
		return c, nil
	}
	token := TokenFromRequest(r)
	if token == "" {
		m.audit.Record(r.Context(), audit.Auth("", "", "authenticate", false, "missing token"))
		return Claims{}, fmt.Errorf("%w: missing token; provide Authorization: Bearer <token> or x-access-token header", ErrUnauthorized)
	}
	claims, err := m.VerifyCredential(token)
	if err != nil {
		m.audit.Record(r.Context(), audit.Auth("", "", "authenticate", false, err.Error()))
		return Claims{}, fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}
	return claims, nil
}

// Require wraps next so it only runs for callers holding capability c.
// onErr renders ErrUnauthorized / ErrForbidden failures.
func (m *Manager) Require(c Capability, onErr func(http.ResponseWriter, *http.Request, error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := m.Authenticate(r)
			if err != nil {
				onErr(w, r, err)
				return
			}
			if err := m.Check(r.Context(), claims, c); err != nil {
				onErr(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}
