package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"authplane.org/internal/audit"
	"authplane.org/internal/authz"
)

var _ authz.PolicyStore = (*Store)(nil)

func (s *Store) CreatePolicy(ctx context.Context, p *authz.Policy, evt *audit.Event) error {
	principals, actions, resources, conditions, err := encodePolicy(p)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		insert into policies (id, organization_id, name, description, effect, principals, actions, resources, conditions, is_active, priority, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, p.ID, p.OrganizationID, p.Name, nullIfEmpty(p.Description), string(p.Effect),
		principals, actions, resources, conditions, p.IsActive, p.Priority, p.CreatedAt, p.UpdatedAt); err != nil {
		if pgErr, ok := maybePgError(err); ok {
			switch pgErr.Code {
			case pgErrUniqueViolation:
				return fmt.Errorf("%w: policy %q already exists", authz.ErrConflict, p.Name)
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

func (s *Store) GetPolicy(ctx context.Context, orgID, policyID string) (authz.Policy, error) {
	row := s.db.QueryRowContext(ctx, policySelect+` where organization_id = $1 and id = $2`, orgID, policyID)
	p, err := scanPolicyRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return authz.Policy{}, authz.ErrNotFound
	}
	return p, err
}

func (s *Store) ListPolicies(ctx context.Context, orgID string) ([]authz.Policy, error) {
	return s.queryPolicies(ctx, policySelect+` where organization_id = $1 order by priority, created_at, id`, orgID)
}

func (s *Store) ListActivePolicies(ctx context.Context, orgID string) ([]authz.Policy, error) {
	return s.queryPolicies(ctx, policySelect+` where organization_id = $1 and is_active order by priority, created_at, id`, orgID)
}

func (s *Store) UpdatePolicy(ctx context.Context, orgID, policyID string, upd authz.PolicyUpdate, evt *audit.Event) (authz.Policy, error) {
	var (
		sets []string
		args []any
		idx  = 1
	)
	set := func(col string, v any) {
		sets = append(sets, fmt.Sprintf("%s = $%d", col, idx))
		args = append(args, v)
		idx++
	}
	if upd.Name != nil {
		set("name", *upd.Name)
	}
	if upd.Description != nil {
		if *upd.Description == "" {
			sets = append(sets, "description = NULL")
		} else {
			set("description", *upd.Description)
		}
	}
	if upd.Effect != nil {
		set("effect", string(*upd.Effect))
	}
	if upd.Principals != nil {
		raw, err := json.Marshal(*upd.Principals)
		if err != nil {
			return authz.Policy{}, fmt.Errorf("marshal principals: %w", err)
		}
		set("principals", raw)
	}
	if upd.Actions != nil {
		raw, err := json.Marshal(*upd.Actions)
		if err != nil {
			return authz.Policy{}, fmt.Errorf("marshal actions: %w", err)
		}
		set("actions", raw)
	}
	if upd.Resources != nil {
		raw, err := json.Marshal(*upd.Resources)
		if err != nil {
			return authz.Policy{}, fmt.Errorf("marshal resources: %w", err)
		}
		set("resources", raw)
	}
	if upd.Conditions != nil {
		raw, err := json.Marshal(*upd.Conditions)
		if err != nil {
			return authz.Policy{}, fmt.Errorf("marshal conditions: %w", err)
		}
		set("conditions", raw)
	}
	if upd.IsActive != nil {
		set("is_active", *upd.IsActive)
	}
	if upd.Priority != nil {
		set("priority", *upd.Priority)
	}

	if len(sets) > 0 {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return authz.Policy{}, err
		}
		defer func() { _ = tx.Rollback() }()

		sets = append(sets, "updated_at = now()")
		query := fmt.Sprintf(`update policies set %s where organization_id = $%d and id = $%d`, strings.Join(sets, ", "), idx, idx+1)
		args = append(args, orgID, policyID)
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
				return authz.Policy{}, authz.ErrConflict
			}
			return authz.Policy{}, err
		}
		aff, err := res.RowsAffected()
		if err != nil {
			return authz.Policy{}, err
		}
		if aff == 0 {
			return authz.Policy{}, authz.ErrNotFound
		}
		if err := insertEvent(ctx, tx, evt); err != nil {
			return authz.Policy{}, err
		}
		if err := tx.Commit(); err != nil {
			return authz.Policy{}, err
		}
	}
	return s.GetPolicy(ctx, orgID, policyID)
}

func (s *Store) DeletePolicy(ctx context.Context, orgID, policyID string, evt *audit.Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `delete from policies where organization_id = $1 and id = $2`, orgID, policyID)
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

const policySelect = `
	select id, organization_id, name, coalesce(description,''), effect, principals, actions, resources, conditions, is_active, priority, created_at, updated_at
	from policies`

func (s *Store) queryPolicies(ctx context.Context, query string, args ...any) ([]authz.Policy, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var policies []authz.Policy
	for rows.Next() {
		p, err := scanPolicyRow(rows)
		if err != nil {
			return nil, err
		}
		policies = append(policies, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return policies, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPolicyRow(row rowScanner) (authz.Policy, error) {
	var (
		p                                         authz.Policy
		principals, actions, resources, conditions []byte
	)
	if err := row.Scan(&p.ID, &p.OrganizationID, &p.Name, &p.Description, &p.Effect,
		&principals, &actions, &resources, &conditions, &p.IsActive, &p.Priority, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return authz.Policy{}, err
	}
	if len(principals) > 0 {
		if err := json.Unmarshal(principals, &p.Principals); err != nil {
			return authz.Policy{}, fmt.Errorf("decode principals: %w", err)
		}
	}
	if len(actions) > 0 {
		if err := json.Unmarshal(actions, &p.Actions); err != nil {
			return authz.Policy{}, fmt.Errorf("decode actions: %w", err)
		}
	}
	if len(resources) > 0 {
		if err := json.Unmarshal(resources, &p.Resources); err != nil {
			return authz.Policy{}, fmt.Errorf("decode resources: %w", err)
		}
	}
	if len(conditions) > 0 {
		if err := json.Unmarshal(conditions, &p.Conditions); err != nil {
			return authz.Policy{}, fmt.Errorf("decode conditions: %w", err)
		}
	}
	return p, nil
}

func encodePolicy(p *authz.Policy) (principals, actions, resources, conditions []byte, err error) {
	if principals, err = json.Marshal(p.Principals); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("marshal principals: %w", err)
	}
	if p.Actions == nil {
		actions = []byte("[]")
	} else if actions, err = json.Marshal(p.Actions); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("marshal actions: %w", err)
	}
	if p.Resources == nil {
		resources = []byte("[]")
	} else if resources, err = json.Marshal(p.Resources); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("marshal resources: %w", err)
	}
	if p.Conditions == nil {
		conditions = []byte("{}")
	} else if conditions, err = json.Marshal(p.Conditions); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("marshal conditions: %w", err)
	}
	return principals, actions, resources, conditions, nil
}
