package authz

import "time"

// Organization is the tenancy boundary. Every other entity is scoped to one
// organization; cross-org references are rejected.
type Organization struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Slug      string    `json:"slug"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MemberRole is the org-scoped membership role, distinct from RBAC roles.
type MemberRole string

const (
	MemberOwner  MemberRole = "owner"
	MemberAdmin  MemberRole = "admin"
	MemberMember MemberRole = "member"
)

// User is a principal known to the system. A user may belong to several
// organizations through Membership records.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Membership links a user to an organization with a membership role.
type Membership struct {
	UserID         string     `json:"user_id"`
	OrganizationID string     `json:"organization_id"`
	Role           MemberRole `json:"role"`
	Email          string     `json:"email"`
	Name           string     `json:"name,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Risk is a declared risk tag on a permission.
type Risk string

const (
	RiskLow    Risk = "low"
	RiskMedium Risk = "medium"
	RiskHigh   Risk = "high"
)

// Permission is a fine-grained capability, e.g. "roles.write".
type Permission struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organization_id"`
	Name           string    `json:"name"`
	Description    string    `json:"description,omitempty"`
	Risk           Risk      `json:"risk,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Role groups permissions within an organization. System roles cannot be
// deleted or modified.
type Role struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organization_id"`
	Name           string    `json:"name"`
	Description    string    `json:"description,omitempty"`
	IsSystem       bool      `json:"is_system"`
	PermissionIDs  []string  `json:"permission_ids"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// SystemActor is recorded as assigned_by for grants not attributable to a user.
const SystemActor = "system"

// UserRole is a grant of a role to a user, unique per (user, role, org).
type UserRole struct {
	UserID         string     `json:"user_id"`
	RoleID         string     `json:"role_id"`
	OrganizationID string     `json:"organization_id"`
	AssignedBy     string     `json:"assigned_by"`
	AssignedAt     time.Time  `json:"assigned_at"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
}

// Effect is a policy outcome.
type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

// Principals selects who a policy applies to. Both sets empty means the
// policy applies to any authenticated principal in the org. "*" matches all.
type Principals struct {
	Roles []string `json:"roles,omitempty"`
	Users []string `json:"users,omitempty"`
}

// Policy is a declarative allow/deny rule evaluated against
// (principal, action, resource, context) tuples.
type Policy struct {
	ID             string         `json:"id"`
	OrganizationID string         `json:"organization_id"`
	Name           string         `json:"name"`
	Description    string         `json:"description,omitempty"`
	Effect         Effect         `json:"effect"`
	Principals     Principals     `json:"principals"`
	Actions        []string       `json:"actions"`
	Resources      []string       `json:"resources"`
	Conditions     map[string]any `json:"conditions,omitempty"`
	IsActive       bool           `json:"is_active"`
	Priority       int            `json:"priority"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Decision is the result of a policy evaluation.
type Decision struct {
	Allowed         bool   `json:"allowed"`
	MatchedPolicyID string `json:"matched_policy_id,omitempty"`
	Effect          Effect `json:"effect,omitempty"`
	Reason          string `json:"reason"`
}

// RequestStatus is the lifecycle state of an access request. Every state but
// pending is terminal.
type RequestStatus string

const (
	StatusPending   RequestStatus = "pending"
	StatusApproved  RequestStatus = "approved"
	StatusDenied    RequestStatus = "denied"
	StatusCancelled RequestStatus = "cancelled"
	StatusExpired   RequestStatus = "expired"
)

// Terminal reports whether no further transitions are allowed.
func (s RequestStatus) Terminal() bool {
	return s == StatusApproved || s == StatusDenied || s == StatusCancelled || s == StatusExpired
}

// ApprovalAction is one entry in a request's append-only decision history.
type ApprovalAction struct {
	ID         string    `json:"id"`
	RequestID  string    `json:"request_id"`
	ApproverID string    `json:"approver_id"`
	Action     string    `json:"action"`
	Comment    string    `json:"comment,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// AccessRequest gates a privilege grant behind human approval. Exactly one of
// RequestedRoleID / RequestedPermission is set.
type AccessRequest struct {
	ID                  string           `json:"id"`
	OrganizationID      string           `json:"organization_id"`
	RequesterID         string           `json:"requester_id"`
	RequestedRoleID     string           `json:"requested_role_id,omitempty"`
	RequestedPermission string           `json:"requested_permission,omitempty"`
	ResourceID          string           `json:"resource_id,omitempty"`
	Justification       string           `json:"justification"`
	DurationHours       int              `json:"duration_hours,omitempty"`
	Status              RequestStatus    `json:"status"`
	Deadline            time.Time        `json:"deadline"`
	ResolvedAt          *time.Time       `json:"resolved_at,omitempty"`
	ExpiresAt           *time.Time       `json:"expires_at,omitempty"`
	Actions             []ApprovalAction `json:"approval_actions"`
	CreatedAt           time.Time        `json:"created_at"`
	UpdatedAt           time.Time        `json:"updated_at"`
}

// RoleUpdate carries partial role changes.
type RoleUpdate struct {
	Name        *string
	Description *string
}

// PolicyUpdate carries partial policy changes.
type PolicyUpdate struct {
	Name        *string
	Description *string
	Effect      *Effect
	Principals  *Principals
	Actions     *[]string
	Resources   *[]string
	Conditions  *map[string]any
	IsActive    *bool
	Priority    *int
}
