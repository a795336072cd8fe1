package middleware

import (
	"net/http"
	"strings"

	"github.com/GabrielFerla/xp/internal/audit"
	"github.com/GabrielFerla/xp/internal/auth"
)

// Authenticate resolves a Bearer token into a Principal on the request context. Requests
// without a token, or with one that fails validation, continue as anonymous; a failed token
// is audited as INVALID_TOKEN.
func Authenticate(tokens *auth.TokenService, auditor *audit.Auditor) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := extractBearer(r)
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}
			p, err := tokens.Authenticate(token)
			if err != nil {
				if auditor != nil {
					auditor.Record(r.Context(), audit.NewEvent(audit.CategorySecurity, audit.EventInvalidToken).
						WithActor(auth.AnonymousUser).
						WithSource(ClientIP(r), r.UserAgent()).
						WithResult(audit.ResultFailure).
						WithDetails(err.Error()))
				}
				next.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), p)))
		})
	}
}

// RequireAuthenticated rejects anonymous requests with 401.
func RequireAuthenticated(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := auth.PrincipalFromContext(r.Context())
		if !ok || p.IsAnonymous() {
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeJSONError(w, http.StatusUnauthorized, "Authentication required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireRole rejects requests whose principal lacks role: 401 when anonymous, 403 otherwise.
func RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return RequireAuthenticated(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, _ := auth.PrincipalFromContext(r.Context())
			if !p.HasRole(role) {
				writeJSONError(w, http.StatusForbidden, "Insufficient permissions")
				return
			}
			next.ServeHTTP(w, r)
		}))
	}
}

func extractBearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) < 7 || !strings.EqualFold(h[:7], "Bearer ") {
		return ""
	}
	return strings.TrimSpace(h[7:])
}

// ClientIP returns the first X-Forwarded-For entry, then X-Real-IP, then the RemoteAddr host.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx > 0 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	addr := r.RemoteAddr
	if idx := strings.LastIndex(addr, ":"); idx >= 0 {
		addr = addr[:idx]
	}
	return strings.Trim(addr, "[]")
}
