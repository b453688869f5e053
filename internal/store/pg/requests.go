package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"authplane.org/internal/audit"
	"authplane.org/internal/authz"
	"authplane.org/internal/ids"
)

var _ authz.RequestStore = (*Store)(nil)

func (s *Store) CreateRequest(ctx context.Context, req *authz.AccessRequest, evt *audit.Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		insert into access_requests (id, organization_id, requester_id, requested_role_id, requested_permission, resource_id, justification, duration_hours, status, deadline, created_at, updated_at)
		values ($1, $2, $3, nullif($4,''), nullif($5,''), nullif($6,''), $7, $8, $9, $10, $11, $12)
	`, req.ID, req.OrganizationID, req.RequesterID, req.RequestedRoleID, req.RequestedPermission,
		req.ResourceID, req.Justification, req.DurationHours, string(req.Status), req.Deadline, req.CreatedAt, req.UpdatedAt); err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
			return authz.ErrNotFound
		}
		return err
	}
	if err := insertEvent(ctx, tx, evt); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) GetRequest(ctx context.Context, orgID, requestID string) (authz.AccessRequest, error) {
	row := s.db.QueryRowContext(ctx, requestSelect+` where organization_id = $1 and id = $2`, orgID, requestID)
	req, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return authz.AccessRequest{}, authz.ErrNotFound
	}
	if err != nil {
		return authz.AccessRequest{}, err
	}
	actions, err := s.requestActions(ctx, requestID)
	if err != nil {
		return authz.AccessRequest{}, err
	}
	req.Actions = actions
	return req, nil
}

func (s *Store) ListRequests(ctx context.Context, orgID string, status authz.RequestStatus, requesterID string) ([]authz.AccessRequest, error) {
	var (
		query = requestSelect + ` where organization_id = $1`
		args  = []any{orgID}
		idx   = 2
	)
	if status != "" {
		query += fmt.Sprintf(" and status = $%d", idx)
		args = append(args, string(status))
		idx++
	}
	if requesterID != "" {
		query += fmt.Sprintf(" and requester_id = $%d", idx)
		args = append(args, requesterID)
	}
	query += " order by created_at desc, id desc"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reqs []authz.AccessRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, req)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return reqs, nil
}

// Resolve applies a terminal transition with a compare-and-set on the pending
// status. The status flip, decision history entry, optional grant and audit
// events commit together or not at all.
func (s *Store) Resolve(ctx context.Context, res authz.Resolution) (authz.AccessRequest, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return authz.AccessRequest{}, err
	}
	defer func() { _ = tx.Rollback() }()

	upd, err := tx.ExecContext(ctx, `
		update access_requests
		set status = $1, resolved_at = $2, expires_at = $3, updated_at = $2
		where organization_id = $4 and id = $5 and status = $6
	`, string(res.NewStatus), res.ResolvedAt, res.ExpiresAt, res.OrganizationID, res.RequestID, string(authz.StatusPending))
	if err != nil {
		return authz.AccessRequest{}, err
	}
	aff, err := upd.RowsAffected()
	if err != nil {
		return authz.AccessRequest{}, err
	}
	if aff == 0 {
		// distinguish missing from already resolved
		var status string
		err := tx.QueryRowContext(ctx, `
			select status from access_requests where organization_id = $1 and id = $2
		`, res.OrganizationID, res.RequestID).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return authz.AccessRequest{}, authz.ErrNotFound
		}
		if err != nil {
			return authz.AccessRequest{}, err
		}
		return authz.AccessRequest{}, fmt.Errorf("%w: request is %s", authz.ErrAlreadyResolved, status)
	}

	if _, err := tx.ExecContext(ctx, `
		insert into approval_actions (id, request_id, approver_id, action, comment, created_at)
		values ($1, $2, $3, $4, nullif($5,''), $6)
	`, res.Action.ID, res.Action.RequestID, res.Action.ApproverID, res.Action.Action, res.Action.Comment, res.Action.CreatedAt); err != nil {
		return authz.AccessRequest{}, err
	}

	if res.Grant != nil {
		if _, err := tx.ExecContext(ctx, `
			insert into user_roles (user_id, role_id, organization_id, assigned_by, assigned_at, expires_at)
			values ($1, $2, $3, $4, $5, $6)
			on conflict (user_id, role_id, organization_id) do nothing
		`, res.Grant.UserID, res.Grant.RoleID, res.Grant.OrganizationID,
			nullIfEmpty(res.Grant.AssignedBy), res.Grant.AssignedAt, res.Grant.ExpiresAt); err != nil {
			if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
				return authz.AccessRequest{}, authz.ErrNotFound
			}
			return authz.AccessRequest{}, err
		}
	}

	if err := insertEvents(ctx, tx, res.Events); err != nil {
		return authz.AccessRequest{}, err
	}
	if err := tx.Commit(); err != nil {
		return authz.AccessRequest{}, err
	}
	return s.GetRequest(ctx, res.OrganizationID, res.RequestID)
}

func (s *Store) ExpireDue(ctx context.Context, now time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		select id, organization_id from access_requests
		where status = $1 and deadline <= $2
		for update skip locked
	`, string(authz.StatusPending), now)
	if err != nil {
		return 0, err
	}
	type due struct{ id, orgID string }
	var dues []due
	for rows.Next() {
		var d due
		if err := rows.Scan(&d.id, &d.orgID); err != nil {
			rows.Close()
			return 0, err
		}
		dues = append(dues, d)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if len(dues) == 0 {
		return 0, nil
	}

	for _, d := range dues {
		if _, err := tx.ExecContext(ctx, `
			update access_requests set status = $1, resolved_at = $2, updated_at = $2
			where id = $3
		`, string(authz.StatusExpired), now, d.id); err != nil {
			return 0, err
		}
		if _, err := tx.ExecContext(ctx, `
			insert into approval_actions (id, request_id, approver_id, action, comment, created_at)
			values ($1, $2, $3, $4, null, $5)
		`, ids.New(), d.id, authz.SystemActor, "expire", now); err != nil {
			return 0, err
		}
		evt := &audit.Event{
			ID:             ids.New(),
			OrganizationID: d.orgID,
			Action:         audit.ActionExpireRequest,
			ResourceType:   "access_request",
			ResourceID:     d.id,
			CreatedAt:      now,
		}
		if err := insertEvent(ctx, tx, evt); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(dues), nil
}

const requestSelect = `
	select id, organization_id, requester_id, coalesce(requested_role_id,''), coalesce(requested_permission,''),
	       coalesce(resource_id,''), justification, duration_hours, status, deadline, resolved_at, expires_at, created_at, updated_at
	from access_requests`

func scanRequest(row rowScanner) (authz.AccessRequest, error) {
	var req authz.AccessRequest
	if err := row.Scan(&req.ID, &req.OrganizationID, &req.RequesterID, &req.RequestedRoleID, &req.RequestedPermission,
		&req.ResourceID, &req.Justification, &req.DurationHours, &req.Status, &req.Deadline,
		&req.ResolvedAt, &req.ExpiresAt, &req.CreatedAt, &req.UpdatedAt); err != nil {
		return authz.AccessRequest{}, err
	}
	return req, nil
}

func (s *Store) requestActions(ctx context.Context, requestID string) ([]authz.ApprovalAction, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, request_id, approver_id, action, coalesce(comment,''), created_at
		from approval_actions
		where request_id = $1
		order by created_at, id
	`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var actions []authz.ApprovalAction
	for rows.Next() {
		var a authz.ApprovalAction
		if err := rows.Scan(&a.ID, &a.RequestID, &a.ApproverID, &a.Action, &a.Comment, &a.CreatedAt); err != nil {
			return nil, err
		}
		actions = append(actions, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return actions, nil
}
