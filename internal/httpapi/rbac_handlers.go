package httpapi

import (
	"fmt"
	"net/http"

	"authplane.org/internal/authz"
)

type createRoleRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type updateRoleRequest struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
}

type addPermissionsRequest struct {
	PermissionIDs []string `json:"permission_ids"`
	Note          string   `json:"note"`
}

type createPermissionRequest struct {
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Risk        authz.Risk `json:"risk"`
}

type assignRoleRequest struct {
	RoleID        string `json:"role_id"`
	Justification string `json:"justification"`
}

func (a *API) handleMembers(w http.ResponseWriter, r *http.Request, orgID string, rest []string) {
	if len(rest) != 0 {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	members, err := a.rbac.ListMembers(r.Context(), orgID)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"members": members})
}

func (a *API) handleRoles(w http.ResponseWriter, r *http.Request, orgID string, rest []string) {
	switch {
	case len(rest) == 0:
		switch r.Method {
		case http.MethodGet:
			roles, err := a.rbac.ListRoles(r.Context(), orgID)
			if err != nil {
				handleDomainError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"roles": roles})
		case http.MethodPost:
			principal, ok := a.requireAdmin(w, r)
			if !ok {
				return
			}
			var req createRoleRequest
			if err := decodeJSON(w, r, &req); err != nil {
				writeError(w, r, http.StatusBadRequest, err.Error())
				return
			}
			role, err := a.rbac.CreateRole(r.Context(), actorFor(principal, r), orgID, req.Name, req.Description)
			if err != nil {
				handleDomainError(w, r, err)
				return
			}
			w.Header().Set("Location", fmt.Sprintf("/v1/orgs/%s/roles/%s", orgID, role.ID))
			writeJSON(w, http.StatusCreated, role)
		default:
			methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
		}

	case len(rest) == 1:
		roleID := rest[0]
		switch r.Method {
		case http.MethodGet:
			role, err := a.rbac.GetRole(r.Context(), orgID, roleID)
			if err != nil {
				handleDomainError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, role)
		case http.MethodPatch:
			principal, ok := a.requireAdmin(w, r)
			if !ok {
				return
			}
			var req updateRoleRequest
			if err := decodeJSON(w, r, &req); err != nil {
				writeError(w, r, http.StatusBadRequest, err.Error())
				return
			}
			role, err := a.rbac.UpdateRole(r.Context(), actorFor(principal, r), orgID, roleID, authz.RoleUpdate{
				Name:        req.Name,
				Description: req.Description,
			})
			if err != nil {
				handleDomainError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, role)
		case http.MethodDelete:
			principal, ok := a.requireAdmin(w, r)
			if !ok {
				return
			}
			if err := a.rbac.DeleteRole(r.Context(), actorFor(principal, r), orgID, roleID); err != nil {
				handleDomainError(w, r, err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		default:
			methodNotAllowed(w, r, http.MethodGet, http.MethodPatch, http.MethodDelete)
		}

	case len(rest) == 2 && rest[1] == "permissions":
		roleID := rest[0]
		switch r.Method {
		case http.MethodGet:
			perms, err := a.rbac.RolePermissions(r.Context(), orgID, roleID)
			if err != nil {
				handleDomainError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"role_id": roleID, "permissions": perms})
		case http.MethodPost:
			principal, ok := a.requireAdmin(w, r)
			if !ok {
				return
			}
			var req addPermissionsRequest
			if err := decodeJSON(w, r, &req); err != nil {
				writeError(w, r, http.StatusBadRequest, err.Error())
				return
			}
			role, err := a.rbac.AddRolePermissions(r.Context(), actorFor(principal, r), orgID, roleID, req.PermissionIDs, req.Note)
			if err != nil {
				handleDomainError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, role)
		default:
			methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
		}

	case len(rest) == 3 && rest[1] == "permissions":
		if r.Method != http.MethodDelete {
			methodNotAllowed(w, r, http.MethodDelete)
			return
		}
		principal, ok := a.requireAdmin(w, r)
		if !ok {
			return
		}
		if err := a.rbac.RemoveRolePermission(r.Context(), actorFor(principal, r), orgID, rest[0], rest[2], r.URL.Query().Get("note")); err != nil {
			handleDomainError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) handlePermissions(w http.ResponseWriter, r *http.Request, orgID string, rest []string) {
	switch {
	case len(rest) == 0:
		switch r.Method {
		case http.MethodGet:
			perms, err := a.rbac.ListPermissions(r.Context(), orgID)
			if err != nil {
				handleDomainError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"permissions": perms})
		case http.MethodPost:
			principal, ok := a.requireAdmin(w, r)
			if !ok {
				return
			}
			var req createPermissionRequest
			if err := decodeJSON(w, r, &req); err != nil {
				writeError(w, r, http.StatusBadRequest, err.Error())
				return
			}
			perm, err := a.rbac.CreatePermission(r.Context(), actorFor(principal, r), orgID, req.Name, req.Description, req.Risk)
			if err != nil {
				handleDomainError(w, r, err)
				return
			}
			w.Header().Set("Location", fmt.Sprintf("/v1/orgs/%s/permissions/%s", orgID, perm.ID))
			writeJSON(w, http.StatusCreated, perm)
		default:
			methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
		}

	case len(rest) == 1:
		switch r.Method {
		case http.MethodGet:
			perm, err := a.rbac.GetPermission(r.Context(), orgID, rest[0])
			if err != nil {
				handleDomainError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, perm)
		case http.MethodDelete:
			principal, ok := a.requireAdmin(w, r)
			if !ok {
				return
			}
			if err := a.rbac.DeletePermission(r.Context(), actorFor(principal, r), orgID, rest[0]); err != nil {
				handleDomainError(w, r, err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		default:
			methodNotAllowed(w, r, http.MethodGet, http.MethodDelete)
		}

	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) handleUsers(w http.ResponseWriter, r *http.Request, orgID string, rest []string) {
	switch {
	case len(rest) == 2 && rest[1] == "roles":
		userID := rest[0]
		switch r.Method {
		case http.MethodGet:
			grants, err := a.rbac.UserRoles(r.Context(), orgID, userID)
			if err != nil {
				handleDomainError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"roles": grants})
		case http.MethodPost:
			principal, ok := a.requireAdmin(w, r)
			if !ok {
				return
			}
			var req assignRoleRequest
			if err := decodeJSON(w, r, &req); err != nil {
				writeError(w, r, http.StatusBadRequest, err.Error())
				return
			}
			outcome, err := a.workflow.AssignRole(r.Context(), actorFor(principal, r), orgID, userID, req.RoleID, req.Justification)
			if err != nil {
				handleDomainError(w, r, err)
				return
			}
			code := http.StatusCreated
			if outcome.Status != "granted" {
				code = http.StatusAccepted
			}
			writeJSON(w, code, outcome)
		default:
			methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
		}

	case len(rest) == 3 && rest[1] == "roles":
		if r.Method != http.MethodDelete {
			methodNotAllowed(w, r, http.MethodDelete)
			return
		}
		principal, ok := a.requireAdmin(w, r)
		if !ok {
			return
		}
		if err := a.rbac.Revoke(r.Context(), actorFor(principal, r), orgID, rest[0], rest[2]); err != nil {
			handleDomainError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	case len(rest) == 2 && rest[1] == "permissions":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		perms, err := a.rbac.EffectivePermissions(r.Context(), orgID, rest[0])
		if err != nil {
			handleDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"permissions": perms})

	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}
