package audit

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

var (
	errInvalidEvent  = errors.New("audit: event requires org and action")
	errMissingOrg    = errors.New("audit: organization id is required")
	ErrUnknownFormat = errors.New("audit: unsupported export format")
)

// Export formats.
const (
	FormatJSON = "json"
	FormatCSV  = "csv"
)

// Export serializes a filtered result set for external compliance tooling.
// Returns the payload and its content type.
func (l *Ledger) Export(ctx context.Context, f Filter, format string) ([]byte, string, error) {
	format = strings.ToLower(strings.TrimSpace(format))
	if format == "" {
		format = FormatJSON
	}
	if format != FormatJSON && format != FormatCSV {
		return nil, "", ErrUnknownFormat
	}

	events, _, err := l.Query(ctx, f, Page{Limit: exportLimit})
	if err != nil {
		return nil, "", err
	}

	if format == FormatCSV {
		out, err := exportCSV(events)
		return out, "text/csv", err
	}
	out, err := json.MarshalIndent(events, "", "  ")
	return out, "application/json", err
}

func exportCSV(events []Event) ([]byte, error) {
	var sb strings.Builder
	w := csv.NewWriter(&sb)
	header := []string{"id", "org_id", "actor_id", "actor_email", "action",
		"resource_type", "resource_id", "details", "ip_address", "user_agent", "created_at"}
	if err := w.Write(header); err != nil {
		return nil, err
	}
	for _, e := range events {
		details := ""
		if len(e.Details) > 0 {
			raw, err := json.Marshal(e.Details)
			if err != nil {
				return nil, err
			}
			details = string(raw)
		}
		row := []string{e.ID, e.OrganizationID, e.ActorID, e.ActorEmail, e.Action,
			e.ResourceType, e.ResourceID, details, e.IPAddress, e.UserAgent,
			e.CreatedAt.UTC().Format(time.RFC3339)}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return []byte(sb.String()), nil
}
