package authz

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"authplane.org/internal/audit"
	"authplane.org/internal/ids"
	"authplane.org/internal/obs"
)

// DefaultRequestTTL is how long a pending request stays actionable before it
// expires.
const DefaultRequestTTL = 72 * time.Hour

// Workflow orchestrates the access request state machine: submit, then
// exactly one of approve, deny, cancel or expire. It is also the entry point
// for direct role assignment, which routes high-risk roles through a request.
type Workflow struct {
	rbac       RBACStore
	requests   RequestStore
	requestTTL time.Duration
	now        func() time.Time
}

// WorkflowOption configures a Workflow.
type WorkflowOption func(*Workflow)

// WithRequestTTL overrides the pending-request deadline.
func WithRequestTTL(ttl time.Duration) WorkflowOption {
	return func(w *Workflow) {
		if ttl > 0 {
			w.requestTTL = ttl
		}
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) WorkflowOption {
	return func(w *Workflow) {
		if now != nil {
			w.now = now
		}
	}
}

// NewWorkflow constructs a Workflow.
func NewWorkflow(rbac RBACStore, requests RequestStore, opts ...WorkflowOption) (*Workflow, error) {
	if rbac == nil || requests == nil {
		return nil, errors.New("rbac store and request store are required")
	}
	w := &Workflow{
		rbac:       rbac,
		requests:   requests,
		requestTTL: DefaultRequestTTL,
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// SubmitInput is the payload for a new access request. Exactly one of
// RequestedRoleID / RequestedPermission must be set.
type SubmitInput struct {
	RequestedRoleID     string `json:"requested_role_id"`
	RequestedPermission string `json:"requested_permission"`
	ResourceID          string `json:"resource_id"`
	Justification       string `json:"justification"`
	DurationHours       int    `json:"duration_hours"`
}

// Submit creates a pending request on behalf of the actor.
func (w *Workflow) Submit(ctx context.Context, actor Actor, orgID string, in SubmitInput) (AccessRequest, error) {
	orgID, err := requireOrg(orgID)
	if err != nil {
		return AccessRequest{}, err
	}
	if err := requireActor(actor); err != nil {
		return AccessRequest{}, err
	}
	in.RequestedRoleID = strings.TrimSpace(in.RequestedRoleID)
	in.RequestedPermission = strings.TrimSpace(in.RequestedPermission)
	if (in.RequestedRoleID == "") == (in.RequestedPermission == "") {
		return AccessRequest{}, fmt.Errorf("%w: exactly one of requested_role_id or requested_permission must be set", ErrInvalidInput)
	}
	if strings.TrimSpace(in.Justification) == "" {
		return AccessRequest{}, fmt.Errorf("%w: justification is required", ErrInvalidInput)
	}
	if in.DurationHours < 0 {
		return AccessRequest{}, fmt.Errorf("%w: duration_hours must be positive", ErrInvalidInput)
	}
	if in.RequestedRoleID != "" {
		// Cross-org role references are rejected here, before anything
		// is persisted.
		if _, err := w.rbac.GetRole(ctx, orgID, in.RequestedRoleID); err != nil {
			return AccessRequest{}, err
		}
	}

	now := w.now()
	req := AccessRequest{
		ID:                  ids.New(),
		OrganizationID:      orgID,
		RequesterID:         actor.ID,
		RequestedRoleID:     in.RequestedRoleID,
		RequestedPermission: in.RequestedPermission,
		ResourceID:          strings.TrimSpace(in.ResourceID),
		Justification:       strings.TrimSpace(in.Justification),
		DurationHours:       in.DurationHours,
		Status:              StatusPending,
		Deadline:            now.Add(w.requestTTL),
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	evt := newEvent(orgID, actor, audit.ActionSubmitRequest, "access_request", req.ID, map[string]any{
		"requested_role_id":    req.RequestedRoleID,
		"requested_permission": req.RequestedPermission,
		"justification":        req.Justification,
	})
	if err := w.requests.CreateRequest(ctx, &req, evt); err != nil {
		return AccessRequest{}, err
	}
	obs.ObserveTransition("submit")
	return req, nil
}

// Get returns one request with its decision history.
func (w *Workflow) Get(ctx context.Context, orgID, requestID string) (AccessRequest, error) {
	orgID, err := requireOrg(orgID)
	if err != nil {
		return AccessRequest{}, err
	}
	req, err := w.requests.GetRequest(ctx, orgID, requestID)
	if err != nil {
		return AccessRequest{}, err
	}
	return w.lazyExpire(ctx, req)
}

// List returns the org's requests, optionally filtered by status or
// requester.
func (w *Workflow) List(ctx context.Context, orgID string, status RequestStatus, requesterID string) ([]AccessRequest, error) {
	orgID, err := requireOrg(orgID)
	if err != nil {
		return nil, err
	}
	reqs, err := w.requests.ListRequests(ctx, orgID, status, requesterID)
	if err != nil {
		return nil, err
	}
	for i := range reqs {
		reqs[i], err = w.lazyExpire(ctx, reqs[i])
		if err != nil {
			return nil, err
		}
	}
	return reqs, nil
}

// ListPending returns actionable requests for approvers.
func (w *Workflow) ListPending(ctx context.Context, orgID string) ([]AccessRequest, error) {
	reqs, err := w.List(ctx, orgID, StatusPending, "")
	if err != nil {
		return nil, err
	}
	// lazyExpire may have flipped some to expired; filter them out.
	pending := reqs[:0]
	for _, r := range reqs {
		if r.Status == StatusPending {
			pending = append(pending, r)
		}
	}
	return pending, nil
}

// Approve transitions a pending request to approved and, for role targets,
// grants the role to the requester in the same atomic step. Self-approval is
// rejected.
func (w *Workflow) Approve(ctx context.Context, actor Actor, orgID, requestID, comment string) (AccessRequest, error) {
	req, err := w.actionable(ctx, actor, orgID, requestID)
	if err != nil {
		return AccessRequest{}, err
	}
	if req.RequesterID == actor.ID {
		return AccessRequest{}, fmt.Errorf("%w: a request cannot be approved by its requester", ErrConflict)
	}

	now := w.now()
	res := Resolution{
		OrganizationID: orgID,
		RequestID:      requestID,
		NewStatus:      StatusApproved,
		ResolvedAt:     now,
		Action: ApprovalAction{
			ID:         ids.New(),
			RequestID:  requestID,
			ApproverID: actor.ID,
			Action:     "approve",
			Comment:    strings.TrimSpace(comment),
			CreatedAt:  now,
		},
	}
	res.Events = append(res.Events, newEvent(orgID, actor, audit.ActionApproveRequest, "access_request", requestID, map[string]any{
		"requester_id": req.RequesterID,
		"comment":      res.Action.Comment,
	}))
	if req.RequestedRoleID != "" {
		grant := &UserRole{
			UserID:         req.RequesterID,
			RoleID:         req.RequestedRoleID,
			OrganizationID: orgID,
			AssignedBy:     actor.ID,
			AssignedAt:     now,
		}
		if req.DurationHours > 0 {
			exp := now.Add(time.Duration(req.DurationHours) * time.Hour)
			grant.ExpiresAt = &exp
			res.ExpiresAt = &exp
		}
		res.Grant = grant
		res.Events = append(res.Events, newEvent(orgID, actor, audit.ActionAssignRole, "user_role", req.RequesterID, map[string]any{
			"role_id":    req.RequestedRoleID,
			"user_id":    req.RequesterID,
			"request_id": requestID,
		}))
	}

	resolved, err := w.requests.Resolve(ctx, res)
	if err != nil {
		return AccessRequest{}, err
	}
	obs.ObserveTransition("approve")
	return resolved, nil
}

// Deny transitions a pending request to denied. No RBAC mutation occurs.
func (w *Workflow) Deny(ctx context.Context, actor Actor, orgID, requestID, comment string) (AccessRequest, error) {
	req, err := w.actionable(ctx, actor, orgID, requestID)
	if err != nil {
		return AccessRequest{}, err
	}
	now := w.now()
	res := Resolution{
		OrganizationID: orgID,
		RequestID:      requestID,
		NewStatus:      StatusDenied,
		ResolvedAt:     now,
		Action: ApprovalAction{
			ID:         ids.New(),
			RequestID:  requestID,
			ApproverID: actor.ID,
			Action:     "deny",
			Comment:    strings.TrimSpace(comment),
			CreatedAt:  now,
		},
		Events: []*audit.Event{
			newEvent(orgID, actor, audit.ActionDenyRequest, "access_request", requestID, map[string]any{
				"requester_id": req.RequesterID,
				"comment":      strings.TrimSpace(comment),
			}),
		},
	}
	resolved, err := w.requests.Resolve(ctx, res)
	if err != nil {
		return AccessRequest{}, err
	}
	obs.ObserveTransition("deny")
	return resolved, nil
}

// Cancel transitions a pending request to cancelled. Only the requester may
// cancel.
func (w *Workflow) Cancel(ctx context.Context, actor Actor, orgID, requestID string) (AccessRequest, error) {
	req, err := w.actionable(ctx, actor, orgID, requestID)
	if err != nil {
		return AccessRequest{}, err
	}
	if req.RequesterID != actor.ID {
		return AccessRequest{}, fmt.Errorf("%w: only the requester can cancel", ErrForbidden)
	}
	now := w.now()
	res := Resolution{
		OrganizationID: orgID,
		RequestID:      requestID,
		NewStatus:      StatusCancelled,
		ResolvedAt:     now,
		Action: ApprovalAction{
			ID:         ids.New(),
			RequestID:  requestID,
			ApproverID: actor.ID,
			Action:     "cancel",
			CreatedAt:  now,
		},
		Events: []*audit.Event{
			newEvent(orgID, actor, audit.ActionCancelRequest, "access_request", requestID, nil),
		},
	}
	resolved, err := w.requests.Resolve(ctx, res)
	if err != nil {
		return AccessRequest{}, err
	}
	obs.ObserveTransition("cancel")
	return resolved, nil
}

// ExpireDue sweeps pending requests past their deadline. Safe to run
// periodically; the lazy check in actionable() covers the window between
// sweeps.
func (w *Workflow) ExpireDue(ctx context.Context) (int, error) {
	n, err := w.requests.ExpireDue(ctx, w.now())
	if err != nil {
		return 0, err
	}
	for i := 0; i < n; i++ {
		obs.ObserveTransition("expire")
	}
	return n, nil
}

// AssignOutcome reports what a direct role assignment did.
type AssignOutcome struct {
	Status  string         `json:"status"` // granted, already_assigned or pending_approval
	Risk    Risk           `json:"risk"`
	Grant   *UserRole      `json:"grant,omitempty"`
	Request *AccessRequest `json:"request,omitempty"`
}

// AssignRole assigns a role directly when its permission set classifies as
// low or medium risk. High-risk roles are routed through the approval
/// workflow instead: a pending request is created on the target user's behalf
// and nothing is granted yet.
func (w *Workflow) AssignRole(ctx context.Context, actor Actor, orgID, userID, roleID, justification string) (AssignOutcome, error) {
	orgID, err := requireOrg(orgID)
	if err != nil {
		return AssignOutcome{}, err
	}
	if err := requireActor(actor); err != nil {
		return AssignOutcome{}, err
	}
	userID = strings.TrimSpace(userID)
	roleID = strings.TrimSpace(roleID)
	if userID == "" || roleID == "" {
		return AssignOutcome{}, fmt.Errorf("%w: user_id and role_id are required", ErrInvalidInput)
	}

	perms, err := w.rbac.RolePermissions(ctx, orgID, roleID)
	if err != nil {
		return AssignOutcome{}, err
	}
	risk := ClassifyRisk(perms)

	if risk == RiskHigh {
		if justification = strings.TrimSpace(justification); justification == "" {
			justification = fmt.Sprintf("high-risk role assignment requested by %s", actor.ID)
		}
		target := Actor{ID: userID}
		req, err := w.Submit(ctx, target, orgID, SubmitInput{
			RequestedRoleID: roleID,
			Justification:   justification,
		})
		if err != nil {
			return AssignOutcome{}, err
		}
		return AssignOutcome{Status: "pending_approval", Risk: risk, Request: &req}, nil
	}

	now := w.now()
	grant := &UserRole{
		UserID:         userID,
		RoleID:         roleID,
		OrganizationID: orgID,
		AssignedBy:     actor.ID,
		AssignedAt:     now,
	}
	evt := newEvent(orgID, actor, audit.ActionAssignPermission, "user_role", userID, map[string]any{
		"role_id": roleID,
		"user_id": userID,
		"risk":    string(risk),
	})
	inserted, err := w.rbac.Grant(ctx, grant, evt)
	if err != nil {
		return AssignOutcome{}, err
	}
	if !inserted {
		return AssignOutcome{Status: "already_assigned", Risk: risk, Grant: grant}, nil
	}
	return AssignOutcome{Status: "granted", Risk: risk, Grant: grant}, nil
}

// actionable loads a request and verifies it can still accept a transition,
// lazily expiring it when the deadline has passed.
func (w *Workflow) actionable(ctx context.Context, actor Actor, orgID, requestID string) (AccessRequest, error) {
	orgID, err := requireOrg(orgID)
	if err != nil {
		return AccessRequest{}, err
	}
	if err := requireActor(actor); err != nil {
		return AccessRequest{}, err
	}
	req, err := w.requests.GetRequest(ctx, orgID, requestID)
	if err != nil {
		return AccessRequest{}, err
	}
	if req.Status.Terminal() {
		return AccessRequest{}, fmt.Errorf("%w: request is %s", ErrAlreadyResolved, req.Status)
	}
	if w.now().After(req.Deadline) {
		if _, err := w.expireOne(ctx, req); err != nil && !errors.Is(err, ErrAlreadyResolved) {
			return AccessRequest{}, err
		}
		return AccessRequest{}, fmt.Errorf("%w: request deadline elapsed", ErrAlreadyResolved)
	}
	return req, nil
}

// lazyExpire flips a pending request to expired on read once its deadline
// passes.
func (w *Workflow) lazyExpire(ctx context.Context, req AccessRequest) (AccessRequest, error) {
	if req.Status != StatusPending || !w.now().After(req.Deadline) {
		return req, nil
	}
	expired, err := w.expireOne(ctx, req)
	if err != nil {
		if errors.Is(err, ErrAlreadyResolved) {
			// lost the race to another transition; re-read
			return w.requests.GetRequest(ctx, req.OrganizationID, req.ID)
		}
		return AccessRequest{}, err
	}
	obs.ObserveTransition("expire")
	return expired, nil
}

func (w *Workflow) expireOne(ctx context.Context, req AccessRequest) (AccessRequest, error) {
	now := w.now()
	system := Actor{ID: SystemActor}
	return w.requests.Resolve(ctx, Resolution{
		OrganizationID: req.OrganizationID,
		RequestID:      req.ID,
		NewStatus:      StatusExpired,
		ResolvedAt:     now,
		Action: ApprovalAction{
			ID:         ids.New(),
			RequestID:  req.ID,
			ApproverID: SystemActor,
			Action:     "expire",
			CreatedAt:  now,
		},
		Events: []*audit.Event{
			newEvent(req.OrganizationID, system, audit.ActionExpireRequest, "access_request", req.ID, nil),
		},
	})
}
