package httpapi

import (
	"errors"
	"net"
	"net/http"
	"strings"

	"authplane.org/internal/authz"
	"authplane.org/internal/identity"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

var publicPaths = []string{
	"/metrics",
	"/healthz",
	"/readyz",
	"/v1/info",
	"/",
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}

// withAuth resolves the bearer token into a Principal and rejects requests
// without one, except on public endpoints.
func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}
		claims, err := identity.ParseAndValidate(token)
		if err != nil {
			if errors.Is(err, identity.ErrInvalidToken) {
				writeError(w, r, http.StatusUnauthorized, "invalid token")
				return
			}
			writeError(w, r, http.StatusInternalServerError, "authentication error")
			return
		}

		ctx := identity.ContextWithPrincipal(r.Context(), identity.FromClaims(claims))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ensureOrgAccess verifies the caller's token is scoped to the org in the
// path. Tokens never grant access across organizations.
func (a *API) ensureOrgAccess(w http.ResponseWriter, r *http.Request, orgID string) bool {
	principal, ok := identity.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return false
	}
	if principal.OrganizationID != orgID {
		writeError(w, r, http.StatusForbidden, "token is not valid for this organization")
		return false
	}
	return true
}

// requireAdmin gates administrative operations on the org membership role.
func (a *API) requireAdmin(w http.ResponseWriter, r *http.Request) (identity.Principal, bool) {
	principal, ok := identity.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return identity.Principal{}, false
	}
	if !principal.Admin() {
		writeError(w, r, http.StatusForbidden, "admin membership required")
		return identity.Principal{}, false
	}
	return principal, true
}

func (a *API) principal(w http.ResponseWriter, r *http.Request) (identity.Principal, bool) {
	principal, ok := identity.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return identity.Principal{}, false
	}
	return principal, true
}

// actorFor builds the audit attribution for the authenticated caller.
func actorFor(principal identity.Principal, r *http.Request) authz.Actor {
	return authz.Actor{
		ID:        principal.UserID,
		Email:     principal.Email,
		IPAddress: clientIP(r),
		UserAgent: r.UserAgent(),
	}
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

func clientIP(r *http.Request) string {
	// X-Forwarded-For support (first IP)
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
