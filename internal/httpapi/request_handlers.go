package httpapi

import (
	"fmt"
	"net/http"

	"authplane.org/internal/authz"
)

type resolveRequest struct {
	Comment string `json:"comment"`
}

func (a *API) handleRequests(w http.ResponseWriter, r *http.Request, orgID string, rest []string) {
	switch {
	case len(rest) == 0:
		switch r.Method {
		case http.MethodGet:
			principal, ok := a.principal(w, r)
			if !ok {
				return
			}
			q := r.URL.Query()
			requesterID := q.Get("requester_id")
			// non-admins only see their own requests
			if !principal.Admin() {
				requesterID = principal.UserID
			}
			reqs, err := a.workflow.List(r.Context(), orgID, authz.RequestStatus(q.Get("status")), requesterID)
			if err != nil {
				handleDomainError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"requests": reqs})
		case http.MethodPost:
			principal, ok := a.principal(w, r)
			if !ok {
				return
			}
			var in authz.SubmitInput
			if err := decodeJSON(w, r, &in); err != nil {
				writeError(w, r, http.StatusBadRequest, err.Error())
				return
			}
			req, err := a.workflow.Submit(r.Context(), actorFor(principal, r), orgID, in)
			if err != nil {
				handleDomainError(w, r, err)
				return
			}
			w.Header().Set("Location", fmt.Sprintf("/v1/orgs/%s/requests/%s", orgID, req.ID))
			writeJSON(w, http.StatusCreated, req)
		default:
			methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
		}

	case len(rest) == 1 && rest[0] == "pending":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		if _, ok := a.requireAdmin(w, r); !ok {
			return
		}
		reqs, err := a.workflow.ListPending(r.Context(), orgID)
		if err != nil {
			handleDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"requests": reqs})

	case len(rest) == 1:
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		req, err := a.workflow.Get(r.Context(), orgID, rest[0])
		if err != nil {
			handleDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, req)

	case len(rest) == 2:
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		requestID := rest[0]
		switch rest[1] {
		case "approve", "deny":
			principal, ok := a.requireAdmin(w, r)
			if !ok {
				return
			}
			var body resolveRequest
			if r.ContentLength > 0 {
				if err := decodeJSON(w, r, &body); err != nil {
					writeError(w, r, http.StatusBadRequest, err.Error())
					return
				}
			}
			var (
				req authz.AccessRequest
				err error
			)
			if rest[1] == "approve" {
				req, err = a.workflow.Approve(r.Context(), actorFor(principal, r), orgID, requestID, body.Comment)
			} else {
				req, err = a.workflow.Deny(r.Context(), actorFor(principal, r), orgID, requestID, body.Comment)
			}
			if err != nil {
				handleDomainError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, req)
		case "cancel":
			principal, ok := a.principal(w, r)
			if !ok {
				return
			}
			req, err := a.workflow.Cancel(r.Context(), actorFor(principal, r), orgID, requestID)
			if err != nil {
				handleDomainError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, req)
		default:
			writeError(w, r, http.StatusNotFound, "resource not found")
		}

	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}
