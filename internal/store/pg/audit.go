package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"authplane.org/internal/audit"
)

var _ audit.Store = (*Store)(nil)

func (s *Store) Append(ctx context.Context, evt *audit.Event) error {
	return insertEvent(ctx, s.db, evt)
}

func (s *Store) Query(ctx context.Context, f audit.Filter, p audit.Page) ([]audit.Event, int, error) {
	var (
		where = []string{"organization_id = $1"}
		args  = []any{f.OrganizationID}
		idx   = 2
	)
	if f.Action != "" {
		where = append(where, fmt.Sprintf("action = $%d", idx))
		args = append(args, f.Action)
		idx++
	}
	if f.ResourceType != "" {
		where = append(where, fmt.Sprintf("resource_type = $%d", idx))
		args = append(args, f.ResourceType)
		idx++
	}
	if f.ActorID != "" {
		where = append(where, fmt.Sprintf("actor_id = $%d", idx))
		args = append(args, f.ActorID)
		idx++
	}
	if !f.From.IsZero() {
		where = append(where, fmt.Sprintf("created_at >= $%d", idx))
		args = append(args, f.From)
		idx++
	}
	if !f.To.IsZero() {
		where = append(where, fmt.Sprintf("created_at <= $%d", idx))
		args = append(args, f.To)
		idx++
	}
	cond := strings.Join(where, " and ")

	var total int
	if err := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`select count(*) from audit_logs where %s`, cond), args...,
	).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := fmt.Sprintf(`
		select id, organization_id, coalesce(actor_id,''), coalesce(actor_email,''), action, resource_type,
		       coalesce(resource_id,''), details, coalesce(ip_address,''), coalesce(user_agent,''), created_at
		from audit_logs
		where %s
		order by created_at desc, id desc
		limit $%d offset $%d
	`, cond, idx, idx+1)
	args = append(args, p.Limit, p.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var events []audit.Event
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return nil, 0, err
		}
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return events, total, nil
}

func scanEvent(rows *sql.Rows) (audit.Event, error) {
	var (
		evt     audit.Event
		details []byte
	)
	if err := rows.Scan(&evt.ID, &evt.OrganizationID, &evt.ActorID, &evt.ActorEmail, &evt.Action,
		&evt.ResourceType, &evt.ResourceID, &details, &evt.IPAddress, &evt.UserAgent, &evt.CreatedAt); err != nil {
		return audit.Event{}, err
	}
	if len(details) > 0 {
		if err := json.Unmarshal(details, &evt.Details); err != nil {
			return audit.Event{}, fmt.Errorf("decode event details: %w", err)
		}
	}
	return evt, nil
}
