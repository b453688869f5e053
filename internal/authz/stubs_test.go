package authz

import (
	"context"
	"errors"
	"time"

	"authplane.org/internal/audit"
)

// Function-field stubs so each test overrides only what it needs.

type stubRBACStore struct {
	listMembersFn    func(context.Context, string) ([]Membership, error)
	getMembershipFn  func(context.Context, string, string) (Membership, error)
	createRoleFn     func(context.Context, *Role, *audit.Event) error
	getRoleFn        func(context.Context, string, string) (Role, error)
	listRolesFn      func(context.Context, string) ([]Role, error)
	updateRoleFn     func(context.Context, string, string, RoleUpdate, *audit.Event) (Role, error)
	deleteRoleFn     func(context.Context, string, string, []*audit.Event) error
	addRolePermsFn   func(context.Context, string, string, []string, *audit.Event) error
	removeRolePermFn func(context.Context, string, string, string, *audit.Event) error
	rolePermsFn      func(context.Context, string, string) ([]Permission, error)
	createPermFn     func(context.Context, *Permission, *audit.Event) error
	getPermFn        func(context.Context, string, string) (Permission, error)
	listPermsFn      func(context.Context, string) ([]Permission, error)
	deletePermFn     func(context.Context, string, string, *audit.Event) error
	grantFn          func(context.Context, *UserRole, *audit.Event) (bool, error)
	revokeFn         func(context.Context, string, string, string, *audit.Event) error
	userRolesFn      func(context.Context, string, string) ([]UserRole, error)
	roleAssignsFn    func(context.Context, string, string) ([]UserRole, error)
	effectivePermsFn func(context.Context, string, string) ([]Permission, error)
}

func (s *stubRBACStore) ListMembers(ctx context.Context, orgID string) ([]Membership, error) {
	if s.listMembersFn != nil {
		return s.listMembersFn(ctx, orgID)
	}
	return nil, nil
}

func (s *stubRBACStore) GetMembership(ctx context.Context, orgID, userID string) (Membership, error) {
	if s.getMembershipFn != nil {
		return s.getMembershipFn(ctx, orgID, userID)
	}
	return Membership{}, nil
}

func (s *stubRBACStore) CreateRole(ctx context.Context, role *Role, evt *audit.Event) error {
	if s.createRoleFn != nil {
		return s.createRoleFn(ctx, role, evt)
	}
	return nil
}

func (s *stubRBACStore) GetRole(ctx context.Context, orgID, roleID string) (Role, error) {
	if s.getRoleFn != nil {
		return s.getRoleFn(ctx, orgID, roleID)
	}
	return Role{ID: roleID, OrganizationID: orgID}, nil
}

func (s *stubRBACStore) ListRoles(ctx context.Context, orgID string) ([]Role, error) {
	if s.listRolesFn != nil {
		return s.listRolesFn(ctx, orgID)
	}
	return nil, nil
}

func (s *stubRBACStore) UpdateRole(ctx context.Context, orgID, roleID string, upd RoleUpdate, evt *audit.Event) (Role, error) {
	if s.updateRoleFn != nil {
		return s.updateRoleFn(ctx, orgID, roleID, upd, evt)
	}
	return Role{ID: roleID, OrganizationID: orgID}, nil
}

func (s *stubRBACStore) DeleteRole(ctx context.Context, orgID, roleID string, evts []*audit.Event) error {
	if s.deleteRoleFn != nil {
		return s.deleteRoleFn(ctx, orgID, roleID, evts)
	}
	return nil
}

func (s *stubRBACStore) AddRolePermissions(ctx context.Context, orgID, roleID string, permissionIDs []string, evt *audit.Event) error {
	if s.addRolePermsFn != nil {
		return s.addRolePermsFn(ctx, orgID, roleID, permissionIDs, evt)
	}
	return nil
}

func (s *stubRBACStore) RemoveRolePermission(ctx context.Context, orgID, roleID, permissionID string, evt *audit.Event) error {
	if s.removeRolePermFn != nil {
		return s.removeRolePermFn(ctx, orgID, roleID, permissionID, evt)
	}
	return nil
}

func (s *stubRBACStore) RolePermissions(ctx context.Context, orgID, roleID string) ([]Permission, error) {
	if s.rolePermsFn != nil {
		return s.rolePermsFn(ctx, orgID, roleID)
	}
	return nil, nil
}

func (s *stubRBACStore) CreatePermission(ctx context.Context, perm *Permission, evt *audit.Event) error {
	if s.createPermFn != nil {
		return s.createPermFn(ctx, perm, evt)
	}
	return nil
}

func (s *stubRBACStore) GetPermission(ctx context.Context, orgID, permissionID string) (Permission, error) {
	if s.getPermFn != nil {
		return s.getPermFn(ctx, orgID, permissionID)
	}
	return Permission{ID: permissionID, OrganizationID: orgID}, nil
}

func (s *stubRBACStore) ListPermissions(ctx context.Context, orgID string) ([]Permission, error) {
	if s.listPermsFn != nil {
		return s.listPermsFn(ctx, orgID)
	}
	return nil, nil
}

func (s *stubRBACStore) DeletePermission(ctx context.Context, orgID, permissionID string, evt *audit.Event) error {
	if s.deletePermFn != nil {
		return s.deletePermFn(ctx, orgID, permissionID, evt)
	}
	return nil
}

func (s *stubRBACStore) Grant(ctx context.Context, grant *UserRole, evt *audit.Event) (bool, error) {
	if s.grantFn != nil {
		return s.grantFn(ctx, grant, evt)
	}
	return true, nil
}

func (s *stubRBACStore) Revoke(ctx context.Context, orgID, userID, roleID string, evt *audit.Event) error {
	if s.revokeFn != nil {
		return s.revokeFn(ctx, orgID, userID, roleID, evt)
	}
	return nil
}

func (s *stubRBACStore) UserRoles(ctx context.Context, orgID, userID string) ([]UserRole, error) {
	if s.userRolesFn != nil {
		return s.userRolesFn(ctx, orgID, userID)
	}
	return nil, nil
}

func (s *stubRBACStore) RoleAssignments(ctx context.Context, orgID, roleID string) ([]UserRole, error) {
	if s.roleAssignsFn != nil {
		return s.roleAssignsFn(ctx, orgID, roleID)
	}
	return nil, nil
}

func (s *stubRBACStore) EffectivePermissions(ctx context.Context, orgID, userID string) ([]Permission, error) {
	if s.effectivePermsFn != nil {
		return s.effectivePermsFn(ctx, orgID, userID)
	}
	return nil, nil
}

type stubRequestStore struct {
	createRequestFn func(context.Context, *AccessRequest, *audit.Event) error
	getRequestFn    func(context.Context, string, string) (AccessRequest, error)
	listRequestsFn  func(context.Context, string, RequestStatus, string) ([]AccessRequest, error)
	resolveFn       func(context.Context, Resolution) (AccessRequest, error)
	expireDueFn     func(context.Context, time.Time) (int, error)
}

func (s *stubRequestStore) CreateRequest(ctx context.Context, req *AccessRequest, evt *audit.Event) error {
	if s.createRequestFn != nil {
		return s.createRequestFn(ctx, req, evt)
	}
	return nil
}

func (s *stubRequestStore) GetRequest(ctx context.Context, orgID, requestID string) (AccessRequest, error) {
	if s.getRequestFn != nil {
		return s.getRequestFn(ctx, orgID, requestID)
	}
	return AccessRequest{}, ErrNotFound
}

func (s *stubRequestStore) ListRequests(ctx context.Context, orgID string, status RequestStatus, requesterID string) ([]AccessRequest, error) {
	if s.listRequestsFn != nil {
		return s.listRequestsFn(ctx, orgID, status, requesterID)
	}
	return nil, nil
}

func (s *stubRequestStore) Resolve(ctx context.Context, res Resolution) (AccessRequest, error) {
	if s.resolveFn != nil {
		return s.resolveFn(ctx, res)
	}
	return AccessRequest{}, nil
}

func (s *stubRequestStore) ExpireDue(ctx context.Context, now time.Time) (int, error) {
	if s.expireDueFn != nil {
		return s.expireDueFn(ctx, now)
	}
	return 0, nil
}

type stubPolicyStore struct {
	createPolicyFn func(context.Context, *Policy, *audit.Event) error
	getPolicyFn    func(context.Context, string, string) (Policy, error)
	listFn         func(context.Context, string) ([]Policy, error)
	listActiveFn   func(context.Context, string) ([]Policy, error)
	updatePolicyFn func(context.Context, string, string, PolicyUpdate, *audit.Event) (Policy, error)
	deletePolicyFn func(context.Context, string, string, *audit.Event) error
}

func (s *stubPolicyStore) CreatePolicy(ctx context.Context, p *Policy, evt *audit.Event) error {
	if s.createPolicyFn != nil {
		return s.createPolicyFn(ctx, p, evt)
	}
	return nil
}

func (s *stubPolicyStore) GetPolicy(ctx context.Context, orgID, policyID string) (Policy, error) {
	if s.getPolicyFn != nil {
		return s.getPolicyFn(ctx, orgID, policyID)
	}
	return Policy{}, ErrNotFound
}

func (s *stubPolicyStore) ListPolicies(ctx context.Context, orgID string) ([]Policy, error) {
	if s.listFn != nil {
		return s.listFn(ctx, orgID)
	}
	return nil, nil
}

func (s *stubPolicyStore) ListActivePolicies(ctx context.Context, orgID string) ([]Policy, error) {
	if s.listActiveFn != nil {
		return s.listActiveFn(ctx, orgID)
	}
	return nil, nil
}

func (s *stubPolicyStore) UpdatePolicy(ctx context.Context, orgID, policyID string, upd PolicyUpdate, evt *audit.Event) (Policy, error) {
	if s.updatePolicyFn != nil {
		return s.updatePolicyFn(ctx, orgID, policyID, upd, evt)
	}
	return Policy{}, nil
}

func (s *stubPolicyStore) DeletePolicy(ctx context.Context, orgID, policyID string, evt *audit.Event) error {
	if s.deletePolicyFn != nil {
		return s.deletePolicyFn(ctx, orgID, policyID, evt)
	}
	return nil
}

func newTestLedger(s audit.Store) *audit.Ledger { return audit.NewLedger(s) }

type failingAuditStore struct{}

func (failingAuditStore) Append(ctx context.Context, evt *audit.Event) error {
	return errors.New("append failed")
}

func (failingAuditStore) Query(ctx context.Context, f audit.Filter, p audit.Page) ([]audit.Event, int, error) {
	return nil, 0, nil
}

type memAuditStore struct {
	events []audit.Event
}

func (m *memAuditStore) Append(ctx context.Context, evt *audit.Event) error {
	m.events = append(m.events, *evt)
	return nil
}

func (m *memAuditStore) Query(ctx context.Context, f audit.Filter, p audit.Page) ([]audit.Event, int, error) {
	var out []audit.Event
	for _, e := range m.events {
		if e.OrganizationID == f.OrganizationID {
			out = append(out, e)
		}
	}
	return out, len(out), nil
}
