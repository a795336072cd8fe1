package auth

import (
	"context"
	"slices"
)

// AnonymousUser names the principal of unauthenticated requests.
const AnonymousUser = "anonymous"

// Principal is the authenticated caller. It is resolved once per request and read-only
// afterwards.
type Principal struct {
	Username string   `json:"username"`
	Roles    []string `json:"roles,omitempty"`
}

func Anonymous() Principal {
	return Principal{Username: AnonymousUser}
}

func (p Principal) IsAnonymous() bool {
	return p.Username == "" || p.Username == AnonymousUser
}

func (p Principal) HasRole(role string) bool {
	return slices.Contains(p.Roles, role)
}

type contextKey string

const principalKey contextKey = "principal"

// WithPrincipal returns a context with the given principal.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFromContext returns the principal from the context, or false.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey).(Principal)
	return p, ok
}

// CurrentUser returns the principal's username, or AnonymousUser.
func CurrentUser(ctx context.Context) string {
	if p, ok := PrincipalFromContext(ctx); ok && !p.IsAnonymous() {
		return p.Username
	}
	return AnonymousUser
}
