package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"authplane.org/internal/audit"
)

func (a *API) handleAudit(w http.ResponseWriter, r *http.Request, orgID string, rest []string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if _, ok := a.requireAdmin(w, r); !ok {
		return
	}
	filter, err := auditFilter(r, orgID)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	switch {
	case len(rest) == 0:
		page := audit.Page{
			Limit:  intQuery(r, "limit"),
			Offset: intQuery(r, "offset"),
		}
		events, total, err := a.ledger.Query(r.Context(), filter, page)
		if err != nil {
			handleDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"events": events,
			"total":  total,
		})

	case len(rest) == 1 && rest[0] == "export":
		format := r.URL.Query().Get("format")
		if format == "" {
			format = audit.FormatJSON
		}
		data, contentType, err := a.ledger.Export(r.Context(), filter, format)
		if err != nil {
			if errors.Is(err, audit.ErrUnknownFormat) {
				writeError(w, r, http.StatusBadRequest, err.Error())
				return
			}
			handleDomainError(w, r, err)
			return
		}
		w.Header().Set("Content-Type", contentType)
		w.Header().Set("Content-Disposition", `attachment; filename="audit-export.`+format+`"`)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)

	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func auditFilter(r *http.Request, orgID string) (audit.Filter, error) {
	q := r.URL.Query()
	f := audit.Filter{
		OrganizationID: orgID,
		Action:         q.Get("action"),
		ResourceType:   q.Get("resource_type"),
		ActorID:        q.Get("actor_id"),
	}
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return audit.Filter{}, err
		}
		f.From = t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return audit.Filter{}, err
		}
		f.To = t
	}
	return f, nil
}

func intQuery(r *http.Request, key string) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil {
		return 0
	}
	return v
}
