package httpapi

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"authplane.org/internal/audit"
	"authplane.org/internal/authz"
	"authplane.org/internal/identity"
)

// Function-field stubs so each test overrides only what it needs.

type stubRBACStore struct {
	listMembersFn    func(context.Context, string) ([]authz.Membership, error)
	getMembershipFn  func(context.Context, string, string) (authz.Membership, error)
	createRoleFn     func(context.Context, *authz.Role, *audit.Event) error
	getRoleFn        func(context.Context, string, string) (authz.Role, error)
	listRolesFn      func(context.Context, string) ([]authz.Role, error)
	updateRoleFn     func(context.Context, string, string, authz.RoleUpdate, *audit.Event) (authz.Role, error)
	deleteRoleFn     func(context.Context, string, string, []*audit.Event) error
	addRolePermsFn   func(context.Context, string, string, []string, *audit.Event) error
	removeRolePermFn func(context.Context, string, string, string, *audit.Event) error
	rolePermsFn      func(context.Context, string, string) ([]authz.Permission, error)
	createPermFn     func(context.Context, *authz.Permission, *audit.Event) error
	getPermFn        func(context.Context, string, string) (authz.Permission, error)
	listPermsFn      func(context.Context, string) ([]authz.Permission, error)
	deletePermFn     func(context.Context, string, string, *audit.Event) error
	grantFn          func(context.Context, *authz.UserRole, *audit.Event) (bool, error)
	revokeFn         func(context.Context, string, string, string, *audit.Event) error
	userRolesFn      func(context.Context, string, string) ([]authz.UserRole, error)
	roleAssignsFn    func(context.Context, string, string) ([]authz.UserRole, error)
	effectivePermsFn func(context.Context, string, string) ([]authz.Permission, error)
}

func (s *stubRBACStore) ListMembers(ctx context.Context, orgID string) ([]authz.Membership, error) {
	if s.listMembersFn != nil {
		return s.listMembersFn(ctx, orgID)
	}
	return nil, nil
}

func (s *stubRBACStore) GetMembership(ctx context.Context, orgID, userID string) (authz.Membership, error) {
	if s.getMembershipFn != nil {
		return s.getMembershipFn(ctx, orgID, userID)
	}
	return authz.Membership{}, nil
}

func (s *stubRBACStore) CreateRole(ctx context.Context, role *authz.Role, evt *audit.Event) error {
	if s.createRoleFn != nil {
		return s.createRoleFn(ctx, role, evt)
	}
	return nil
}

func (s *stubRBACStore) GetRole(ctx context.Context, orgID, roleID string) (authz.Role, error) {
	if s.getRoleFn != nil {
		return s.getRoleFn(ctx, orgID, roleID)
	}
	return authz.Role{ID: roleID, OrganizationID: orgID}, nil
}

func (s *stubRBACStore) ListRoles(ctx context.Context, orgID string) ([]authz.Role, error) {
	if s.listRolesFn != nil {
		return s.listRolesFn(ctx, orgID)
	}
	return nil, nil
}

func (s *stubRBACStore) UpdateRole(ctx context.Context, orgID, roleID string, upd authz.RoleUpdate, evt *audit.Event) (authz.Role, error) {
	if s.updateRoleFn != nil {
		return s.updateRoleFn(ctx, orgID, roleID, upd, evt)
	}
	return authz.Role{ID: roleID, OrganizationID: orgID}, nil
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

func (s *stubRBACStore) RolePermissions(ctx context.Context, orgID, roleID string) ([]authz.Permission, error) {
	if s.rolePermsFn != nil {
		return s.rolePermsFn(ctx, orgID, roleID)
	}
	return nil, nil
}

func (s *stubRBACStore) CreatePermission(ctx context.Context, perm *authz.Permission, evt *audit.Event) error {
	if s.createPermFn != nil {
		return s.createPermFn(ctx, perm, evt)
	}
	return nil
}

func (s *stubRBACStore) GetPermission(ctx context.Context, orgID, permissionID string) (authz.Permission, error) {
	if s.getPermFn != nil {
		return s.getPermFn(ctx, orgID, permissionID)
	}
	return authz.Permission{ID: permissionID, OrganizationID: orgID}, nil
}

func (s *stubRBACStore) ListPermissions(ctx context.Context, orgID string) ([]authz.Permission, error) {
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

func (s *stubRBACStore) Grant(ctx context.Context, grant *authz.UserRole, evt *audit.Event) (bool, error) {
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

func (s *stubRBACStore) UserRoles(ctx context.Context, orgID, userID string) ([]authz.UserRole, error) {
	if s.userRolesFn != nil {
		return s.userRolesFn(ctx, orgID, userID)
	}
	return nil, nil
}

func (s *stubRBACStore) RoleAssignments(ctx context.Context, orgID, roleID string) ([]authz.UserRole, error) {
	if s.roleAssignsFn != nil {
		return s.roleAssignsFn(ctx, orgID, roleID)
	}
	return nil, nil
}

func (s *stubRBACStore) EffectivePermissions(ctx context.Context, orgID, userID string) ([]authz.Permission, error) {
	if s.effectivePermsFn != nil {
		return s.effectivePermsFn(ctx, orgID, userID)
	}
	return nil, nil
}

type stubRequestStore struct {
	createRequestFn func(context.Context, *authz.AccessRequest, *audit.Event) error
	getRequestFn    func(context.Context, string, string) (authz.AccessRequest, error)
	listRequestsFn  func(context.Context, string, authz.RequestStatus, string) ([]authz.AccessRequest, error)
	resolveFn       func(context.Context, authz.Resolution) (authz.AccessRequest, error)
	expireDueFn     func(context.Context, time.Time) (int, error)
}

func (s *stubRequestStore) CreateRequest(ctx context.Context, req *authz.AccessRequest, evt *audit.Event) error {
	if s.createRequestFn != nil {
		return s.createRequestFn(ctx, req, evt)
	}
	return nil
}

func (s *stubRequestStore) GetRequest(ctx context.Context, orgID, requestID string) (authz.AccessRequest, error) {
	if s.getRequestFn != nil {
		return s.getRequestFn(ctx, orgID, requestID)
	}
	return authz.AccessRequest{}, authz.ErrNotFound
}

func (s *stubRequestStore) ListRequests(ctx context.Context, orgID string, status authz.RequestStatus, requesterID string) ([]authz.AccessRequest, error) {
	if s.listRequestsFn != nil {
		return s.listRequestsFn(ctx, orgID, status, requesterID)
	}
	return nil, nil
}

func (s *stubRequestStore) Resolve(ctx context.Context, res authz.Resolution) (authz.AccessRequest, error) {
	if s.resolveFn != nil {
		return s.resolveFn(ctx, res)
	}
	return authz.AccessRequest{}, nil
}

func (s *stubRequestStore) ExpireDue(ctx context.Context, now time.Time) (int, error) {
	if s.expireDueFn != nil {
		return s.expireDueFn(ctx, now)
	}
	return 0, nil
}

type stubPolicyStore struct {
	createPolicyFn func(context.Context, *authz.Policy, *audit.Event) error
	getPolicyFn    func(context.Context, string, string) (authz.Policy, error)
	listFn         func(context.Context, string) ([]authz.Policy, error)
	listActiveFn   func(context.Context, string) ([]authz.Policy, error)
	updatePolicyFn func(context.Context, string, string, authz.PolicyUpdate, *audit.Event) (authz.Policy, error)
	deletePolicyFn func(context.Context, string, string, *audit.Event) error
}

func (s *stubPolicyStore) CreatePolicy(ctx context.Context, p *authz.Policy, evt *audit.Event) error {
	if s.createPolicyFn != nil {
		return s.createPolicyFn(ctx, p, evt)
	}
	return nil
}

func (s *stubPolicyStore) GetPolicy(ctx context.Context, orgID, policyID string) (authz.Policy, error) {
	if s.getPolicyFn != nil {
		return s.getPolicyFn(ctx, orgID, policyID)
	}
	return authz.Policy{}, authz.ErrNotFound
}

func (s *stubPolicyStore) ListPolicies(ctx context.Context, orgID string) ([]authz.Policy, error) {
	if s.listFn != nil {
		return s.listFn(ctx, orgID)
	}
	return nil, nil
}

func (s *stubPolicyStore) ListActivePolicies(ctx context.Context, orgID string) ([]authz.Policy, error) {
	if s.listActiveFn != nil {
		return s.listActiveFn(ctx, orgID)
	}
	return nil, nil
}

func (s *stubPolicyStore) UpdatePolicy(ctx context.Context, orgID, policyID string, upd authz.PolicyUpdate, evt *audit.Event) (authz.Policy, error) {
	if s.updatePolicyFn != nil {
		return s.updatePolicyFn(ctx, orgID, policyID, upd, evt)
	}
	return authz.Policy{}, nil
}

func (s *stubPolicyStore) DeletePolicy(ctx context.Context, orgID, policyID string, evt *audit.Event) error {
	if s.deletePolicyFn != nil {
		return s.deletePolicyFn(ctx, orgID, policyID, evt)
	}
	return nil
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

// testStores bundles the stub stores wired into one API instance.
type testStores struct {
	rbac     *stubRBACStore
	requests *stubRequestStore
	policies *stubPolicyStore
	audit    *memAuditStore
}

func newTestServer(t *testing.T, stores testStores) *httptest.Server {
	t.Helper()
	if stores.rbac == nil {
		stores.rbac = &stubRBACStore{}
	}
	if stores.requests == nil {
		stores.requests = &stubRequestStore{}
	}
	if stores.policies == nil {
		stores.policies = &stubPolicyStore{}
	}
	if stores.audit == nil {
		stores.audit = &memAuditStore{}
	}

	rbacSvc, err := authz.NewRBACService(stores.rbac)
	if err != nil {
		t.Fatal(err)
	}
	policySvc, err := authz.NewPolicyService(stores.rbac, stores.policies)
	if err != nil {
		t.Fatal(err)
	}
	ledger := audit.NewLedger(stores.audit)
	evaluator, err := authz.NewEvaluator(stores.rbac, stores.policies, ledger)
	if err != nil {
		t.Fatal(err)
	}
	workflow, err := authz.NewWorkflow(stores.rbac, stores.requests)
	if err != nil {
		t.Fatal(err)
	}

	api := New(Config{
		Version:   "test",
		RBAC:      rbacSvc,
		Policies:  policySvc,
		Evaluator: evaluator,
		Workflow:  workflow,
		Ledger:    ledger,
	})
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)
	return srv
}

func testToken(t *testing.T, userID, orgID string, role authz.MemberRole) string {
	t.Helper()
	token, err := identity.GenerateToken(userID, orgID, role, userID+"@acme.test", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	return token
}

func setAuthSecret(t *testing.T) {
	t.Helper()
	t.Setenv("AUTHPLANE_AUTH_SECRET", "httpapi-test-secret")
	identity.ResetSecretForTests()
	t.Cleanup(identity.ResetSecretForTests)
}
