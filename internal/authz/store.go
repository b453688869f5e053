package authz

import (
	"context"
	"time"

	"authplane.org/internal/audit"
)

// Mutating store operations take the audit event describing the change and
// must commit it atomically with the mutation: either both are durable or
// neither is. An operation that cannot record its event must fail.

// RBACStore persists organizations, memberships, roles, permissions and
// user-role grants for one backing store.
type RBACStore interface {
	ListMembers(ctx context.Context, orgID string) ([]Membership, error)
	GetMembership(ctx context.Context, orgID, userID string) (Membership, error)

	CreateRole(ctx context.Context, role *Role, evt *audit.Event) error
	GetRole(ctx context.Context, orgID, roleID string) (Role, error)
	ListRoles(ctx context.Context, orgID string) ([]Role, error)
	UpdateRole(ctx context.Context, orgID, roleID string, upd RoleUpdate, evt *audit.Event) (Role, error)
	// DeleteRole removes the role, cascading removal of its grants. The
	// caller supplies one event per revoked grant plus the delete event.
	DeleteRole(ctx context.Context, orgID, roleID string, evts []*audit.Event) error

	AddRolePermissions(ctx context.Context, orgID, roleID string, permissionIDs []string, evt *audit.Event) error
	RemoveRolePermission(ctx context.Context, orgID, roleID, permissionID string, evt *audit.Event) error
	RolePermissions(ctx context.Context, orgID, roleID string) ([]Permission, error)

	CreatePermission(ctx context.Context, perm *Permission, evt *audit.Event) error
	GetPermission(ctx context.Context, orgID, permissionID string) (Permission, error)
	ListPermissions(ctx context.Context, orgID string) ([]Permission, error)
	// DeletePermission cascades removal from every role it was attached to.
	DeletePermission(ctx context.Context, orgID, permissionID string, evt *audit.Event) error

	// Grant inserts the user-role triple if absent. Returns false without
	// recording the event when the grant already existed.
	Grant(ctx context.Context, grant *UserRole, evt *audit.Event) (bool, error)
	Revoke(ctx context.Context, orgID, userID, roleID string, evt *audit.Event) error
	UserRoles(ctx context.Context, orgID, userID string) ([]UserRole, error)
	RoleAssignments(ctx context.Context, orgID, roleID string) ([]UserRole, error)
	EffectivePermissions(ctx context.Context, orgID, userID string) ([]Permission, error)
}

// PolicyStore persists declarative policies.
type PolicyStore interface {
	CreatePolicy(ctx context.Context, p *Policy, evt *audit.Event) error
	GetPolicy(ctx context.Context, orgID, policyID string) (Policy, error)
	ListPolicies(ctx context.Context, orgID string) ([]Policy, error)
	// ListActivePolicies returns is_active policies ordered by priority
	// ascending, created_at, id.
	ListActivePolicies(ctx context.Context, orgID string) ([]Policy, error)
	UpdatePolicy(ctx context.Context, orgID, policyID string, upd PolicyUpdate, evt *audit.Event) (Policy, error)
	DeletePolicy(ctx context.Context, orgID, policyID string, evt *audit.Event) error
}

// Resolution describes a terminal transition of a pending request. The store
// applies it with a compare-and-set on status: if the request is no longer
// pending the whole resolution fails with ErrAlreadyResolved and nothing is
// written.
type Resolution struct {
	OrganizationID string
	RequestID      string
	NewStatus      RequestStatus
	Action         ApprovalAction
	ResolvedAt     time.Time
	ExpiresAt      *time.Time
	// Grant, when set, is inserted in the same transaction (idempotently).
	Grant  *UserRole
	Events []*audit.Event
}

// RequestStore persists access requests and their decision history.
type RequestStore interface {
	CreateRequest(ctx context.Context, req *AccessRequest, evt *audit.Event) error
	GetRequest(ctx context.Context, orgID, requestID string) (AccessRequest, error)
	// ListRequests filters by status and/or requester when non-empty.
	ListRequests(ctx context.Context, orgID string, status RequestStatus, requesterID string) ([]AccessRequest, error)
	Resolve(ctx context.Context, res Resolution) (AccessRequest, error)
	// ExpireDue transitions every pending request whose deadline elapsed,
	// recording one expire event per request. Returns the number expired.
	ExpireDue(ctx context.Context, now time.Time) (int, error)
}
