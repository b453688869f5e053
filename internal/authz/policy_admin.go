package authz

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"authplane.org/internal/ids"
)

// PolicyService administers the declarative policy set.
type PolicyService struct {
	rbac     RBACStore
	policies PolicyStore
}

// NewPolicyService constructs the service.
func NewPolicyService(rbac RBACStore, policies PolicyStore) (*PolicyService, error) {
	if rbac == nil || policies == nil {
		return nil, errors.New("rbac store and policy store are required")
	}
	return &PolicyService{rbac: rbac, policies: policies}, nil
}

// PolicyInput is the payload for creating a policy.
type PolicyInput struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Effect      Effect         `json:"effect"`
	Principals  Principals     `json:"principals"`
	Actions     []string       `json:"actions"`
	Resources   []string       `json:"resources"`
	Conditions  map[string]any `json:"conditions"`
	Priority    int            `json:"priority"`
}

// Validation is the outcome of a policy definition check.
type Validation struct {
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
}

// ValidatePolicy checks a policy definition for structural problems and
// returns non-fatal warnings for overly broad matchers.
func ValidatePolicy(in PolicyInput) Validation {
	var v Validation
	if in.Effect != EffectAllow && in.Effect != EffectDeny {
		v.Errors = append(v.Errors, fmt.Sprintf("invalid effect %q: must be allow or deny", in.Effect))
	}
	if strings.TrimSpace(in.Name) == "" {
		v.Errors = append(v.Errors, "name is required")
	}
	if len(in.Principals.Roles) == 0 && len(in.Principals.Users) == 0 {
		v.Warnings = append(v.Warnings, "no principals specified: policy matches every principal in the org")
	}
	if len(in.Actions) == 0 {
		v.Warnings = append(v.Warnings, "no actions specified: policy matches all actions")
	}
	if len(in.Resources) == 0 {
		v.Warnings = append(v.Warnings, "no resources specified: policy matches all resources")
	}
	for key, cond := range in.Conditions {
		ops, ok := cond.(map[string]any)
		if !ok {
			continue // bare scalar equality
		}
		for op := range ops {
			if _, known := conditionOps[op]; !known {
				v.Errors = append(v.Errors, fmt.Sprintf("unknown condition operator %q on %q", op, key))
			}
		}
	}
	v.Valid = len(v.Errors) == 0
	return v
}

// Create validates and stores a new policy, active by default.
func (s *PolicyService) Create(ctx context.Context, actor Actor, orgID string, in PolicyInput) (Policy, error) {
	orgID, err := requireOrg(orgID)
	if err != nil {
		return Policy{}, err
	}
	if err := requireActor(actor); err != nil {
		return Policy{}, err
	}
	if v := ValidatePolicy(in); !v.Valid {
		return Policy{}, fmt.Errorf("%w: %s", ErrInvalidInput, strings.Join(v.Errors, "; "))
	}
	now := time.Now().UTC()
	p := Policy{
		ID:             ids.New(),
		OrganizationID: orgID,
		Name:           strings.TrimSpace(in.Name),
		Description:    strings.TrimSpace(in.Description),
		Effect:         in.Effect,
		Principals:     in.Principals,
		Actions:        in.Actions,
		Resources:      in.Resources,
		Conditions:     in.Conditions,
		IsActive:       true,
		Priority:       in.Priority,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	evt := newEvent(orgID, actor, "create_policy", "policy", p.ID, map[string]any{
		"name":   p.Name,
		"effect": string(p.Effect),
	})
	if err := s.policies.CreatePolicy(ctx, &p, evt); err != nil {
		return Policy{}, err
	}
	return p, nil
}

// Get fetches one policy.
func (s *PolicyService) Get(ctx context.Context, orgID, policyID string) (Policy, error) {
	orgID, err := requireOrg(orgID)
	if err != nil {
		return Policy{}, err
	}
	return s.policies.GetPolicy(ctx, orgID, policyID)
}

// List returns every policy in the org, active or not.
func (s *PolicyService) List(ctx context.Context, orgID string) ([]Policy, error) {
	orgID, err := requireOrg(orgID)
	if err != nil {
		return nil, err
	}
	return s.policies.ListPolicies(ctx, orgID)
}

// Update applies partial changes. An inactive policy stays editable.
func (s *PolicyService) Update(ctx context.Context, actor Actor, orgID, policyID string, upd PolicyUpdate) (Policy, error) {
	orgID, err := requireOrg(orgID)
	if err != nil {
		return Policy{}, err
	}
	if err := requireActor(actor); err != nil {
		return Policy{}, err
	}
	if upd.Effect != nil && *upd.Effect != EffectAllow && *upd.Effect != EffectDeny {
		return Policy{}, fmt.Errorf("%w: invalid effect %q", ErrInvalidInput, *upd.Effect)
	}
	if upd.Name != nil {
		name := strings.TrimSpace(*upd.Name)
		if name == "" {
			return Policy{}, fmt.Errorf("%w: policy name is required", ErrInvalidInput)
		}
		upd.Name = &name
	}
	evt := newEvent(orgID, actor, "update_policy", "policy", policyID, updateDetails(upd))
	return s.policies.UpdatePolicy(ctx, orgID, policyID, upd, evt)
}

// Delete removes a policy.
func (s *PolicyService) Delete(ctx context.Context, actor Actor, orgID, policyID string) error {
	orgID, err := requireOrg(orgID)
	if err != nil {
		return err
	}
	if err := requireActor(actor); err != nil {
		return err
	}
	p, err := s.policies.GetPolicy(ctx, orgID, policyID)
	if err != nil {
		return err
	}
	evt := newEvent(orgID, actor, "delete_policy", "policy", policyID, map[string]any{"name": p.Name})
	return s.policies.DeletePolicy(ctx, orgID, policyID, evt)
}

// Test dry-runs a check against the current active policy set without
// touching the audit ledger.
func (s *PolicyService) Test(ctx context.Context, orgID string, check Check) (Decision, error) {
	orgID, err := requireOrg(orgID)
	if err != nil {
		return Decision{}, err
	}
	check.PrincipalID = strings.TrimSpace(check.PrincipalID)
	if check.PrincipalID == "" || strings.TrimSpace(check.Action) == "" {
		return Decision{}, fmt.Errorf("%w: principal_id and action are required", ErrInvalidInput)
	}
	grants, err := s.rbac.UserRoles(ctx, orgID, check.PrincipalID)
	if err != nil {
		return Decision{}, err
	}
	roleIDs := make(map[string]struct{}, len(grants))
	for _, g := range grants {
		roleIDs[g.RoleID] = struct{}{}
	}
	policies, err := s.policies.ListActivePolicies(ctx, orgID)
	if err != nil {
		return Decision{}, err
	}
	return decide(policies, check, roleIDs), nil
}

func updateDetails(upd PolicyUpdate) map[string]any {
	d := map[string]any{}
	if upd.Name != nil {
		d["name"] = *upd.Name
	}
	if upd.Effect != nil {
		d["effect"] = string(*upd.Effect)
	}
	if upd.IsActive != nil {
		d["is_active"] = *upd.IsActive
	}
	if upd.Priority != nil {
		d["priority"] = *upd.Priority
	}
	if upd.Actions != nil {
		d["actions"] = *upd.Actions
	}
	if upd.Resources != nil {
		d["resources"] = *upd.Resources
	}
	return d
}
