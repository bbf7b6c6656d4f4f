// Package authz makes role- and scope-based access decisions from verified
// token claims. Every function here is pure; callers decide what a denial
// means.
package authz

import (
	"context"
	"slices"
	"strings"

	"github.com/go-faster/errors"
)

// ErrForbidden is returned when an authenticated principal lacks the role or
// scope an operation requires.
var ErrForbidden = errors.New("forbidden")

// Principal is the trusted identity decoded from a verified token.
type Principal struct {
	Subject string
	Roles   []string
	Scopes  []string
}

// RequireRole reports whether p holds role.
func RequireRole(p Principal, role string) bool {
	return slices.Contains(p.Roles, role)
}

// RequireScope reports whether p holds scope.
func RequireScope(p Principal, scope string) bool {
	return slices.Contains(p.Scopes, scope)
}

// Requirement is satisfied when the principal holds any of the listed roles
// or any of the listed scopes. The zero Requirement admits every
// authenticated principal.
type Requirement struct {
	Roles  []string
	Scopes []string
}

// Role requires a single role.
func Role(name string) Requirement {
	return Requirement{Roles: []string{name}}
}

// Scope requires a single scope.
func Scope(name string) Requirement {
	return Requirement{Scopes: []string{name}}
}

// AnyOf merges requirements; the result is satisfied when any part is.
func AnyOf(reqs ...Requirement) Requirement {
	var out Requirement
	for _, r := range reqs {
		out.Roles = append(out.Roles, r.Roles...)
		out.Scopes = append(out.Scopes, r.Scopes...)
	}
	return out
}

// IsZero reports whether r places no constraint.
func (r Requirement) IsZero() bool {
	return len(r.Roles) == 0 && len(r.Scopes) == 0
}

// Check returns ErrForbidden when p does not satisfy r.
func (r Requirement) Check(p Principal) error {
	if RequireAny(p, r) {
		return nil
	}
	return errors.Wrapf(ErrForbidden, "requires %s", r)
}

func (r Requirement) String() string {
	parts := make([]string, 0, len(r.Roles)+len(r.Scopes))
	for _, role := range r.Roles {
		parts = append(parts, "role:"+role)
	}
	for _, scope := range r.Scopes {
		parts = append(parts, "scope:"+scope)
	}
	if len(parts) == 0 {
		return "authenticated"
	}
	return strings.Join(parts, " | ")
}

// RequireAny reports whether p satisfies req.
func RequireAny(p Principal, req Requirement) bool {
	if req.IsZero() {
		return true
	}
	for _, role := range req.Roles {
		if RequireRole(p, role) {
			return true
		}
	}
	for _, scope := range req.Scopes {
		if RequireScope(p, scope) {
			return true
		}
	}
	return false
}

type principalKey struct{}

// WithPrincipal stores p on the context for downstream handlers.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// FromContext returns the principal stored by WithPrincipal.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}
