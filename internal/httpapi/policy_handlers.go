package httpapi

import (
	"fmt"
	"net/http"

	"authplane.org/internal/authz"
)

type updatePolicyRequest struct {
	Name        *string          `json:"name"`
	Description *string          `json:"description"`
	Effect      *authz.Effect    `json:"effect"`
	Principals  *authz.Principals `json:"principals"`
	Actions     *[]string        `json:"actions"`
	Resources   *[]string        `json:"resources"`
	Conditions  *map[string]any  `json:"conditions"`
	IsActive    *bool            `json:"is_active"`
	Priority    *int             `json:"priority"`
}

func (a *API) handlePolicies(w http.ResponseWriter, r *http.Request, orgID string, rest []string) {
	switch {
	case len(rest) == 0:
		switch r.Method {
		case http.MethodGet:
			policies, err := a.policies.List(r.Context(), orgID)
			if err != nil {
				handleDomainError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"policies": policies})
		case http.MethodPost:
			principal, ok := a.requireAdmin(w, r)
			if !ok {
				return
			}
			var in authz.PolicyInput
			if err := decodeJSON(w, r, &in); err != nil {
				writeError(w, r, http.StatusBadRequest, err.Error())
				return
			}
			p, err := a.policies.Create(r.Context(), actorFor(principal, r), orgID, in)
			if err != nil {
				handleDomainError(w, r, err)
				return
			}
			w.Header().Set("Location", fmt.Sprintf("/v1/orgs/%s/policies/%s", orgID, p.ID))
			writeJSON(w, http.StatusCreated, p)
		default:
			methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
		}

	case len(rest) == 1 && rest[0] == "validate":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		var in authz.PolicyInput
		if err := decodeJSON(w, r, &in); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, authz.ValidatePolicy(in))

	case len(rest) == 1 && rest[0] == "test":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		if _, ok := a.requireAdmin(w, r); !ok {
			return
		}
		var check authz.Check
		if err := decodeJSON(w, r, &check); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		decision, err := a.policies.Test(r.Context(), orgID, check)
		if err != nil {
			handleDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, decision)

	case len(rest) == 1:
		policyID := rest[0]
		switch r.Method {
		case http.MethodGet:
			p, err := a.policies.Get(r.Context(), orgID, policyID)
			if err != nil {
				handleDomainError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, p)
		case http.MethodPatch:
			principal, ok := a.requireAdmin(w, r)
			if !ok {
				return
			}
			var req updatePolicyRequest
			if err := decodeJSON(w, r, &req); err != nil {
				writeError(w, r, http.StatusBadRequest, err.Error())
				return
			}
			p, err := a.policies.Update(r.Context(), actorFor(principal, r), orgID, policyID, authz.PolicyUpdate{
				Name:        req.Name,
				Description: req.Description,
				Effect:      req.Effect,
				Principals:  req.Principals,
				Actions:     req.Actions,
				Resources:   req.Resources,
				Conditions:  req.Conditions,
				IsActive:    req.IsActive,
				Priority:    req.Priority,
			})
			if err != nil {
				handleDomainError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, p)
		case http.MethodDelete:
			principal, ok := a.requireAdmin(w, r)
			if !ok {
				return
			}
			if err := a.policies.Delete(r.Context(), actorFor(principal, r), orgID, policyID); err != nil {
				handleDomainError(w, r, err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		default:
			methodNotAllowed(w, r, http.MethodGet, http.MethodPatch, http.MethodDelete)
		}

	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

type bulkAuthorizeRequest struct {
	Checks []authz.Check `json:"checks"`
}

const bulkCheckLimit = 100

func (a *API) handleAuthorize(w http.ResponseWriter, r *http.Request, orgID string, rest []string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	switch {
	case len(rest) == 0:
		var check authz.Check
		if err := decodeJSON(w, r, &check); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		decision, err := a.evaluator.Evaluate(r.Context(), orgID, check)
		if err != nil {
			handleDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, decision)

	case len(rest) == 1 && rest[0] == "bulk":
		var req bulkAuthorizeRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		if len(req.Checks) == 0 || len(req.Checks) > bulkCheckLimit {
			writeError(w, r, http.StatusBadRequest, fmt.Sprintf("checks must contain between 1 and %d entries", bulkCheckLimit))
			return
		}
		decisions, err := a.evaluator.EvaluateBulk(r.Context(), orgID, req.Checks)
		if err != nil {
			handleDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"decisions": decisions})

	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}
