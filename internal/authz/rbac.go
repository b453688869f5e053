package authz

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"authplane.org/internal/audit"
	"authplane.org/internal/ids"
)

// RBACService is the administrative surface over roles, permissions and
// grants. Every mutation requires the acting principal for audit attribution
// and emits exactly one audit event per logical change.
type RBACService struct {
	store RBACStore
}

// NewRBACService constructs the service.
func NewRBACService(store RBACStore) (*RBACService, error) {
	if store == nil {
		return nil, errors.New("rbac store is required")
	}
	return &RBACService{store: store}, nil
}

func requireOrg(orgID string) (string, error) {
	orgID = strings.TrimSpace(orgID)
	if orgID == "" {
		return "", fmt.Errorf("%w: organization_id is required", ErrInvalidInput)
	}
	return orgID, nil
}

func requireActor(actor Actor) error {
	if !actor.valid() {
		return fmt.Errorf("%w: acting principal is required", ErrInvalidInput)
	}
	return nil
}

// ListMembers returns the organization's memberships.
func (s *RBACService) ListMembers(ctx context.Context, orgID string) ([]Membership, error) {
	orgID, err := requireOrg(orgID)
	if err != nil {
		return nil, err
	}
	return s.store.ListMembers(ctx, orgID)
}

// CreateRole creates an org-scoped role with a unique name.
func (s *RBACService) CreateRole(ctx context.Context, actor Actor, orgID, name, description string) (Role, error) {
	orgID, err := requireOrg(orgID)
	if err != nil {
		return Role{}, err
	}
	if err := requireActor(actor); err != nil {
		return Role{}, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return Role{}, fmt.Errorf("%w: role name is required", ErrInvalidInput)
	}
	now := time.Now().UTC()
	role := Role{
		ID:             ids.New(),
		OrganizationID: orgID,
		Name:           name,
		Description:    strings.TrimSpace(description),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	evt := newEvent(orgID, actor, "create_role", "role", role.ID, map[string]any{"name": name})
	if err := s.store.CreateRole(ctx, &role, evt); err != nil {
		return Role{}, err
	}
	return role, nil
}

// GetRole fetches a role with its permission ids.
func (s *RBACService) GetRole(ctx context.Context, orgID, roleID string) (Role, error) {
	orgID, err := requireOrg(orgID)
	if err != nil {
		return Role{}, err
	}
	return s.store.GetRole(ctx, orgID, roleID)
}

// ListRoles returns the organization's roles.
func (s *RBACService) ListRoles(ctx context.Context, orgID string) ([]Role, error) {
	orgID, err := requireOrg(orgID)
	if err != nil {
		return nil, err
	}
	return s.store.ListRoles(ctx, orgID)
}

// UpdateRole renames or re-describes a role. System roles are immutable.
func (s *RBACService) UpdateRole(ctx context.Context, actor Actor, orgID, roleID string, upd RoleUpdate) (Role, error) {
	orgID, err := requireOrg(orgID)
	if err != nil {
		return Role{}, err
	}
	if err := requireActor(actor); err != nil {
		return Role{}, err
	}
	existing, err := s.store.GetRole(ctx, orgID, roleID)
	if err != nil {
		return Role{}, err
	}
	if existing.IsSystem {
		return Role{}, fmt.Errorf("%w: system role cannot be modified", ErrForbidden)
	}
	details := map[string]any{}
	if upd.Name != nil {
		name := strings.TrimSpace(*upd.Name)
		if name == "" {
			return Role{}, fmt.Errorf("%w: role name is required", ErrInvalidInput)
		}
		upd.Name = &name
		details["name"] = name
	}
	if upd.Description != nil {
		desc := strings.TrimSpace(*upd.Description)
		upd.Description = &desc
		details["description"] = desc
	}
	evt := newEvent(orgID, actor, "update_role", "role", roleID, details)
	return s.store.UpdateRole(ctx, orgID, roleID, upd, evt)
}

// DeleteRole removes a role, revoking every grant that references it. Each
// revocation is audited alongside the delete, all in one atomic step.
func (s *RBACService) DeleteRole(ctx context.Context, actor Actor, orgID, roleID string) error {
	orgID, err := requireOrg(orgID)
	if err != nil {
		return err
	}
	if err := requireActor(actor); err != nil {
		return err
	}
	role, err := s.store.GetRole(ctx, orgID, roleID)
	if err != nil {
		return err
	}
	if role.IsSystem {
		return fmt.Errorf("%w: system role cannot be deleted", ErrForbidden)
	}
	grants, err := s.store.RoleAssignments(ctx, orgID, roleID)
	if err != nil {
		return err
	}
	evts := make([]*audit.Event, 0, len(grants)+1)
	for _, g := range grants {
		evts = append(evts, newEvent(orgID, actor, audit.ActionRevokeRole, "user_role", g.UserID, map[string]any{
			"role_id": roleID,
			"user_id": g.UserID,
			"cascade": true,
		}))
	}
	evts = append(evts, newEvent(orgID, actor, "delete_role", "role", roleID, map[string]any{
		"name":           role.Name,
		"revoked_grants": len(grants),
	}))
	return s.store.DeleteRole(ctx, orgID, roleID, evts)
}

// AddRolePermissions binds permissions to a role. One call is one audit event
// listing every added id, with an optional human-supplied note.
func (s *RBACService) AddRolePermissions(ctx context.Context, actor Actor, orgID, roleID string, permissionIDs []string, note string) (Role, error) {
	orgID, err := requireOrg(orgID)
	if err != nil {
		return Role{}, err
	}
	if err := requireActor(actor); err != nil {
		return Role{}, err
	}
	permissionIDs = dedupeStrings(permissionIDs)
	if len(permissionIDs) == 0 {
		return Role{}, fmt.Errorf("%w: permission_ids are required", ErrInvalidInput)
	}
	details := map[string]any{"added": permissionIDs, "removed": []string{}}
	if note = strings.TrimSpace(note); note != "" {
		details["note"] = note
	}
	evt := newEvent(orgID, actor, "update_role_permissions", "role", roleID, details)
	if err := s.store.AddRolePermissions(ctx, orgID, roleID, permissionIDs, evt); err != nil {
		return Role{}, err
	}
	return s.store.GetRole(ctx, orgID, roleID)
}

// RemoveRolePermission unbinds a single permission from a role.
func (s *RBACService) RemoveRolePermission(ctx context.Context, actor Actor, orgID, roleID, permissionID string, note string) error {
	orgID, err := requireOrg(orgID)
	if err != nil {
		return err
	}
	if err := requireActor(actor); err != nil {
		return err
	}
	role, err := s.store.GetRole(ctx, orgID, roleID)
	if err != nil {
		return err
	}
	if role.IsSystem {
		return fmt.Errorf("%w: system role cannot be modified", ErrForbidden)
	}
	details := map[string]any{"added": []string{}, "removed": []string{permissionID}}
	if note = strings.TrimSpace(note); note != "" {
		details["note"] = note
	}
	evt := newEvent(orgID, actor, "update_role_permissions", "role", roleID, details)
	return s.store.RemoveRolePermission(ctx, orgID, roleID, permissionID, evt)
}

// RolePermissions lists the permissions bound to a role.
func (s *RBACService) RolePermissions(ctx context.Context, orgID, roleID string) ([]Permission, error) {
	orgID, err := requireOrg(orgID)
	if err != nil {
		return nil, err
	}
	return s.store.RolePermissions(ctx, orgID, roleID)
}

// GetPermission fetches one permission.
func (s *RBACService) GetPermission(ctx context.Context, orgID, permissionID string) (Permission, error) {
	orgID, err := requireOrg(orgID)
	if err != nil {
		return Permission{}, err
	}
	return s.store.GetPermission(ctx, orgID, permissionID)
}

// CreatePermission registers a capability with a unique org-scoped name.
func (s *RBACService) CreatePermission(ctx context.Context, actor Actor, orgID, name, description string, risk Risk) (Permission, error) {
	orgID, err := requireOrg(orgID)
	if err != nil {
		return Permission{}, err
	}
	if err := requireActor(actor); err != nil {
		return Permission{}, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return Permission{}, fmt.Errorf("%w: permission name is required", ErrInvalidInput)
	}
	switch risk {
	case "", RiskLow, RiskMedium, RiskHigh:
	default:
		return Permission{}, fmt.Errorf("%w: unknown risk tag %q", ErrInvalidInput, risk)
	}
	perm := Permission{
		ID:             ids.New(),
		OrganizationID: orgID,
		Name:           name,
		Description:    strings.TrimSpace(description),
		Risk:           risk,
		CreatedAt:      time.Now().UTC(),
	}
	evt := newEvent(orgID, actor, "create_permission", "permission", perm.ID, map[string]any{"name": name})
	if err := s.store.CreatePermission(ctx, &perm, evt); err != nil {
		return Permission{}, err
	}
	return perm, nil
}

// ListPermissions returns the organization's permission catalog.
func (s *RBACService) ListPermissions(ctx context.Context, orgID string) ([]Permission, error) {
	orgID, err := requireOrg(orgID)
	if err != nil {
		return nil, err
	}
	return s.store.ListPermissions(ctx, orgID)
}

// DeletePermission removes a permission, detaching it from every role.
func (s *RBACService) DeletePermission(ctx context.Context, actor Actor, orgID, permissionID string) error {
	orgID, err := requireOrg(orgID)
	if err != nil {
		return err
	}
	if err := requireActor(actor); err != nil {
		return err
	}
	perm, err := s.store.GetPermission(ctx, orgID, permissionID)
	if err != nil {
		return err
	}
	evt := newEvent(orgID, actor, "delete_permission", "permission", permissionID, map[string]any{"name": perm.Name})
	return s.store.DeletePermission(ctx, orgID, permissionID, evt)
}

// UserRoles lists the roles a user currently holds in the org.
func (s *RBACService) UserRoles(ctx context.Context, orgID, userID string) ([]UserRole, error) {
	orgID, err := requireOrg(orgID)
	if err != nil {
		return nil, err
	}
	return s.store.UserRoles(ctx, orgID, userID)
}

// EffectivePermissions returns the deduplicated union of permissions across
// every role the user holds.
func (s *RBACService) EffectivePermissions(ctx context.Context, orgID, userID string) ([]Permission, error) {
	orgID, err := requireOrg(orgID)
	if err != nil {
		return nil, err
	}
	return s.store.EffectivePermissions(ctx, orgID, userID)
}

// Revoke removes a grant.
func (s *RBACService) Revoke(ctx context.Context, actor Actor, orgID, userID, roleID string) error {
	orgID, err := requireOrg(orgID)
	if err != nil {
		return err
	}
	if err := requireActor(actor); err != nil {
		return err
	}
	evt := newEvent(orgID, actor, audit.ActionRevokeRole, "user_role", userID, map[string]any{
		"role_id": roleID,
		"user_id": userID,
	})
	return s.store.Revoke(ctx, orgID, userID, roleID, evt)
}

func dedupeStrings(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(values))
	result := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := set[v]; ok {
			continue
		}
		set[v] = struct{}{}
		result = append(result, v)
	}
	return result
}
