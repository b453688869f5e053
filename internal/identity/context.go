package identity

import (
	"context"
	"strings"

	"authplane.org/internal/authz"
)

// Principal is the authenticated caller resolved from a bearer token.
type Principal struct {
	UserID         string
	OrganizationID string
	MembershipRole authz.MemberRole
	Email          string
}

// Admin reports whether the principal holds an org-admin membership.
func (p Principal) Admin() bool {
	return p.MembershipRole == authz.MemberOwner || p.MembershipRole == authz.MemberAdmin
}

type principalContextKey struct{}

// ContextWithPrincipal attaches the authenticated principal to the context.
func ContextWithPrincipal(ctx context.Context, principal Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, &principal)
}

// PrincipalFromContext extracts the authenticated principal from the context.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	if ctx == nil {
		return Principal{}, false
	}
	v, ok := ctx.Value(principalContextKey{}).(*Principal)
	if !ok || v == nil {
		return Principal{}, false
	}
	return *v, true
}

// FromClaims converts validated token claims into a Principal.
func FromClaims(claims *Claims) Principal {
	return Principal{
		UserID:         strings.TrimSpace(claims.Subject),
		OrganizationID: strings.TrimSpace(claims.OrganizationID),
		MembershipRole: authz.MemberRole(strings.TrimSpace(claims.MembershipRole)),
		Email:          strings.TrimSpace(claims.Email),
	}
}
