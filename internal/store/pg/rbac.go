package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"authplane.org/internal/audit"
	"authplane.org/internal/authz"
)

var _ authz.RBACStore = (*Store)(nil)

func (s *Store) ListMembers(ctx context.Context, orgID string) ([]authz.Membership, error) {
	rows, err := s.db.QueryContext(ctx, `
		select m.user_id, m.organization_id, m.role, u.email, coalesce(u.name,''), m.created_at
		from org_memberships m
		join users u on u.id = m.user_id
		where m.organization_id = $1
		order by u.email
	`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var members []authz.Membership
	for rows.Next() {
		var m authz.Membership
		if err := rows.Scan(&m.UserID, &m.OrganizationID, &m.Role, &m.Email, &m.Name, &m.CreatedAt); err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return members, nil
}

func (s *Store) GetMembership(ctx context.Context, orgID, userID string) (authz.Membership, error) {
	var m authz.Membership
	err := s.db.QueryRowContext(ctx, `
		select m.user_id, m.organization_id, m.role, u.email, coalesce(u.name,''), m.created_at
		from org_memberships m
		join users u on u.id = m.user_id
		where m.organization_id = $1 and m.user_id = $2
	`, orgID, userID).Scan(&m.UserID, &m.OrganizationID, &m.Role, &m.Email, &m.Name, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return authz.Membership{}, authz.ErrNotFound
	}
	if err != nil {
		return authz.Membership{}, err
	}
	return m, nil
}

func (s *Store) CreateRole(ctx context.Context, role *authz.Role, evt *audit.Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		insert into roles (id, organization_id, name, description, is_system, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7)
	`, role.ID, role.OrganizationID, role.Name, nullIfEmpty(role.Description), role.IsSystem, role.CreatedAt, role.UpdatedAt); err != nil {
		if pgErr, ok := maybePgError(err); ok {
			switch pgErr.Code {
			case pgErrUniqueViolation:
				return fmt.Errorf("%w: role %q already exists", authz.ErrConflict, role.Name)
			case pgErrForeignKeyViolation:
				return authz.ErrNotFound
			}
		}
		return err
	}
	if err := insertEvent(ctx, tx, evt); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) GetRole(ctx context.Context, orgID, roleID string) (authz.Role, error) {
	var (
		role authz.Role
		desc sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		select id, organization_id, name, description, is_system, created_at, updated_at
		from roles
		where organization_id = $1 and id = $2
	`, orgID, roleID).Scan(&role.ID, &role.OrganizationID, &role.Name, &desc, &role.IsSystem, &role.CreatedAt, &role.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return authz.Role{}, authz.ErrNotFound
	}
	if err != nil {
		return authz.Role{}, err
	}
	if desc.Valid {
		role.Description = desc.String
	}

	rows, err := s.db.QueryContext(ctx, `
		select permission_id from role_permissions where role_id = $1 order by permission_id
	`, roleID)
	if err != nil {
		return authz.Role{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var permID string
		if err := rows.Scan(&permID); err != nil {
			return authz.Role{}, err
		}
		role.PermissionIDs = append(role.PermissionIDs, permID)
	}
	if err := rows.Err(); err != nil {
		return authz.Role{}, err
	}
	return role, nil
}

func (s *Store) ListRoles(ctx context.Context, orgID string) ([]authz.Role, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, organization_id, name, description, is_system, created_at, updated_at
		from roles
		where organization_id = $1
		order by name
	`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roles []authz.Role
	byID := map[string]int{}
	for rows.Next() {
		var (
			role authz.Role
			desc sql.NullString
		)
		if err := rows.Scan(&role.ID, &role.OrganizationID, &role.Name, &desc, &role.IsSystem, &role.CreatedAt, &role.UpdatedAt); err != nil {
			return nil, err
		}
		if desc.Valid {
			role.Description = desc.String
		}
		byID[role.ID] = len(roles)
		roles = append(roles, role)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(roles) == 0 {
		return nil, nil
	}

	permRows, err := s.db.QueryContext(ctx, `
		select rp.role_id, rp.permission_id
		from role_permissions rp
		join roles r on r.id = rp.role_id
		where r.organization_id = $1
		order by rp.role_id, rp.permission_id
	`, orgID)
	if err != nil {
		return nil, err
	}
	defer permRows.Close()
	for permRows.Next() {
		var roleID, permID string
		if err := permRows.Scan(&roleID, &permID); err != nil {
			return nil, err
		}
		if i, ok := byID[roleID]; ok {
			roles[i].PermissionIDs = append(roles[i].PermissionIDs, permID)
		}
	}
	if err := permRows.Err(); err != nil {
		return nil, err
	}
	return roles, nil
}

func (s *Store) UpdateRole(ctx context.Context, orgID, roleID string, upd authz.RoleUpdate, evt *audit.Event) (authz.Role, error) {
	var (
		sets []string
		args []any
		idx  = 1
	)
	if upd.Name != nil {
		sets = append(sets, fmt.Sprintf("name = $%d", idx))
		args = append(args, *upd.Name)
		idx++
	}
	if upd.Description != nil {
		if *upd.Description == "" {
			sets = append(sets, "description = NULL")
		} else {
			sets = append(sets, fmt.Sprintf("description = $%d", idx))
			args = append(args, *upd.Description)
			idx++
		}
	}
	if len(sets) > 0 {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return authz.Role{}, err
		}
		defer func() { _ = tx.Rollback() }()

		sets = append(sets, "updated_at = now()")
		query := fmt.Sprintf(`update roles set %s where organization_id = $%d and id = $%d`, strings.Join(sets, ", "), idx, idx+1)
		args = append(args, orgID, roleID)
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
				return authz.Role{}, authz.ErrConflict
			}
			return authz.Role{}, err
		}
		aff, err := res.RowsAffected()
		if err != nil {
			return authz.Role{}, err
		}
		if aff == 0 {
			return authz.Role{}, authz.ErrNotFound
		}
		if err := insertEvent(ctx, tx, evt); err != nil {
			return authz.Role{}, err
		}
		if err := tx.Commit(); err != nil {
			return authz.Role{}, err
		}
	}
	return s.GetRole(ctx, orgID, roleID)
}

func (s *Store) DeleteRole(ctx context.Context, orgID, roleID string, evts []*audit.Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	// role_permissions and user_roles rows go with the role via FK cascade
	res, err := tx.ExecContext(ctx, `delete from roles where organization_id = $1 and id = $2`, orgID, roleID)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return authz.ErrNotFound
	}
	if err := insertEvents(ctx, tx, evts); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) AddRolePermissions(ctx context.Context, orgID, roleID string, permissionIDs []string, evt *audit.Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	err = tx.QueryRowContext(ctx, `select 1 from roles where organization_id = $1 and id = $2`, orgID, roleID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return authz.ErrNotFound
	}
	if err != nil {
		return err
	}

	for _, permID := range permissionIDs {
		var permExists int
		err := tx.QueryRowContext(ctx, `select 1 from permissions where organization_id = $1 and id = $2`, orgID, permID).Scan(&permExists)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: permission %s", authz.ErrNotFound, permID)
		}
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			insert into role_permissions (role_id, permission_id)
			values ($1, $2)
			on conflict do nothing
		`, roleID, permID); err != nil {
			return err
		}
	}
	if err := insertEvent(ctx, tx, evt); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) RemoveRolePermission(ctx context.Context, orgID, roleID, permissionID string, evt *audit.Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		delete from role_permissions rp
		using roles r
		where rp.role_id = r.id and r.organization_id = $1 and rp.role_id = $2 and rp.permission_id = $3
	`, orgID, roleID, permissionID)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return authz.ErrNotFound
	}
	if err := insertEvent(ctx, tx, evt); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) RolePermissions(ctx context.Context, orgID, roleID string) ([]authz.Permission, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, `select 1 from roles where organization_id = $1 and id = $2`, orgID, roleID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, authz.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		select p.id, p.organization_id, p.name, coalesce(p.description,''), coalesce(p.risk,''), p.created_at
		from role_permissions rp
		join permissions p on p.id = rp.permission_id
		where rp.role_id = $1
		order by p.name
	`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPermissions(rows)
}

func (s *Store) CreatePermission(ctx context.Context, perm *authz.Permission, evt *audit.Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		insert into permissions (id, organization_id, name, description, risk, created_at)
		values ($1, $2, $3, $4, $5, $6)
	`, perm.ID, perm.OrganizationID, perm.Name, nullIfEmpty(perm.Description), nullIfEmpty(string(perm.Risk)), perm.CreatedAt); err != nil {
		if pgErr, ok := maybePgError(err); ok {
			switch pgErr.Code {
			case pgErrUniqueViolation:
				return fmt.Errorf("%w: permission %q already exists", authz.ErrConflict, perm.Name)
			case pgErrForeignKeyViolation:
				return authz.ErrNotFound
			}
		}
		return err
	}
	if err := insertEvent(ctx, tx, evt); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) GetPermission(ctx context.Context, orgID, permissionID string) (authz.Permission, error) {
	var p authz.Permission
	err := s.db.QueryRowContext(ctx, `
		select id, organization_id, name, coalesce(description,''), coalesce(risk,''), created_at
		from permissions
		where organization_id = $1 and id = $2
	`, orgID, permissionID).Scan(&p.ID, &p.OrganizationID, &p.Name, &p.Description, &p.Risk, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return authz.Permission{}, authz.ErrNotFound
	}
	if err != nil {
		return authz.Permission{}, err
	}
	return p, nil
}

func (s *Store) ListPermissions(ctx context.Context, orgID string) ([]authz.Permission, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, organization_id, name, coalesce(description,''), coalesce(risk,''), created_at
		from permissions
		where organization_id = $1
		order by name
	`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPermissions(rows)
}

func (s *Store) DeletePermission(ctx context.Context, orgID, permissionID string, evt *audit.Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	// role_permissions rows go via FK cascade
	res, err := tx.ExecContext(ctx, `delete from permissions where organization_id = $1 and id = $2`, orgID, permissionID)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return authz.ErrNotFound
	}
	if err := insertEvent(ctx, tx, evt); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) Grant(ctx context.Context, grant *authz.UserRole, evt *audit.Event) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	// Reject grants referencing a role outside the org before touching
	// user_roles.
	var roleOrg string
	err = tx.QueryRowContext(ctx, `select organization_id from roles where id = $1`, grant.RoleID).Scan(&roleOrg)
	if errors.Is(err, sql.ErrNoRows) {
		return false, authz.ErrNotFound
	}
	if err != nil {
		return false, err
	}
	if roleOrg != grant.OrganizationID {
		return false, fmt.Errorf("%w: role belongs to a different organization", authz.ErrInvalidInput)
	}

	res, err := tx.ExecContext(ctx, `
		insert into user_roles (user_id, role_id, organization_id, assigned_by, assigned_at, expires_at)
		values ($1, $2, $3, $4, $5, $6)
		on conflict (user_id, role_id, organization_id) do nothing
	`, grant.UserID, grant.RoleID, grant.OrganizationID, nullIfEmpty(grant.AssignedBy), grant.AssignedAt, grant.ExpiresAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
			return false, authz.ErrNotFound
		}
		return false, err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if aff == 0 {
		// already granted; nothing to audit
		return false, tx.Commit()
	}
	if err := insertEvent(ctx, tx, evt); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) Revoke(ctx context.Context, orgID, userID, roleID string, evt *audit.Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		delete from user_roles
		where organization_id = $1 and user_id = $2 and role_id = $3
	`, orgID, userID, roleID)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return authz.ErrNotFound
	}
	if err := insertEvent(ctx, tx, evt); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) UserRoles(ctx context.Context, orgID, userID string) ([]authz.UserRole, error) {
	rows, err := s.db.QueryContext(ctx, `
		select user_id, role_id, organization_id, coalesce(assigned_by,''), assigned_at, expires_at
		from user_roles
		where organization_id = $1 and user_id = $2
		  and (expires_at is null or expires_at > now())
		order by role_id
	`, orgID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanUserRoles(rows)
}

func (s *Store) RoleAssignments(ctx context.Context, orgID, roleID string) ([]authz.UserRole, error) {
	rows, err := s.db.QueryContext(ctx, `
		select user_id, role_id, organization_id, coalesce(assigned_by,''), assigned_at, expires_at
		from user_roles
		where organization_id = $1 and role_id = $2
		order by user_id
	`, orgID, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanUserRoles(rows)
}

func (s *Store) EffectivePermissions(ctx context.Context, orgID, userID string) ([]authz.Permission, error) {
	rows, err := s.db.QueryContext(ctx, `
		select distinct p.id, p.organization_id, p.name, coalesce(p.description,''), coalesce(p.risk,''), p.created_at
		from user_roles ur
		join role_permissions rp on rp.role_id = ur.role_id
		join permissions p on p.id = rp.permission_id
		where ur.organization_id = $1 and ur.user_id = $2
		  and (ur.expires_at is null or ur.expires_at > now())
		order by p.name
	`, orgID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPermissions(rows)
}

func scanPermissions(rows *sql.Rows) ([]authz.Permission, error) {
	var perms []authz.Permission
	for rows.Next() {
		var p authz.Permission
		if err := rows.Scan(&p.ID, &p.OrganizationID, &p.Name, &p.Description, &p.Risk, &p.CreatedAt); err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return perms, nil
}

func scanUserRoles(rows *sql.Rows) ([]authz.UserRole, error) {
	var grants []authz.UserRole
	for rows.Next() {
		var g authz.UserRole
		if err := rows.Scan(&g.UserID, &g.RoleID, &g.OrganizationID, &g.AssignedBy, &g.AssignedAt, &g.ExpiresAt); err != nil {
			return nil, err
		}
		grants = append(grants, g)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return grants, nil
}
