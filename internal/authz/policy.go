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

// Evaluator computes allow/deny decisions from the org's active policies.
// Evaluation reads the RBAC store to resolve the principal's roles, never
// mutates anything besides the audit ledger, and records exactly one
// authorize event per call.
type Evaluator struct {
	rbac     RBACStore
	policies PolicyStore
	ledger   *audit.Ledger
}

// NewEvaluator constructs an Evaluator.
func NewEvaluator(rbac RBACStore, policies PolicyStore, ledger *audit.Ledger) (*Evaluator, error) {
	if rbac == nil || policies == nil || ledger == nil {
		return nil, errors.New("rbac store, policy store and ledger are required")
	}
	return &Evaluator{rbac: rbac, policies: policies, ledger: ledger}, nil
}

// Check is one authorization tuple.
type Check struct {
	PrincipalID string         `json:"principal_id"`
	Action      string         `json:"action"`
	Resource    string         `json:"resource"`
	Context     map[string]any `json:"context,omitempty"`
}

// Evaluate decides whether the principal may perform action on resource.
// Deny takes precedence over allow regardless of priority; among policies of
// the same effect the lowest priority number wins. No match means deny.
func (e *Evaluator) Evaluate(ctx context.Context, orgID string, check Check) (Decision, error) {
	orgID, err := requireOrg(orgID)
	if err != nil {
		return Decision{}, err
	}
	check.PrincipalID = strings.TrimSpace(check.PrincipalID)
	if check.PrincipalID == "" || strings.TrimSpace(check.Action) == "" {
		return Decision{}, fmt.Errorf("%w: principal_id and action are required", ErrInvalidInput)
	}

	grants, err := e.rbac.UserRoles(ctx, orgID, check.PrincipalID)
	if err != nil {
		return Decision{}, err
	}
	roleIDs := make(map[string]struct{}, len(grants))
	for _, g := range grants {
		roleIDs[g.RoleID] = struct{}{}
	}

	policies, err := e.policies.ListActivePolicies(ctx, orgID)
	if err != nil {
		return Decision{}, err
	}

	decision := decide(policies, check, roleIDs)

	evt := &audit.Event{
		ID:             ids.New(),
		OrganizationID: orgID,
		ActorID:        check.PrincipalID,
		Action:         audit.ActionAuthorize,
		ResourceType:   "authorization",
		ResourceID:     check.Resource,
		Details: map[string]any{
			"action":            check.Action,
			"resource":          check.Resource,
			"allowed":           decision.Allowed,
			"effect":            string(decision.Effect),
			"matched_policy_id": decision.MatchedPolicyID,
			"reason":            decision.Reason,
		},
	}
	if err := e.ledger.Append(ctx, evt); err != nil {
		return Decision{}, fmt.Errorf("record authorize event: %w", err)
	}
	obs.ObserveDecision(effectLabel(decision))
	return decision, nil
}

// EvaluateBulk evaluates a batch of checks in order.
func (e *Evaluator) EvaluateBulk(ctx context.Context, orgID string, checks []Check) ([]Decision, error) {
	results := make([]Decision, 0, len(checks))
	for _, c := range checks {
		d, err := e.Evaluate(ctx, orgID, c)
		if err != nil {
			return nil, err
		}
		results = append(results, d)
	}
	return results, nil
}

func effectLabel(d Decision) string {
	if d.Allowed {
		return "allow"
	}
	return "deny"
}

// decide implements the matching and precedence rules over an already-loaded
// policy set. Pure so it can be tested without storage.
func decide(policies []Policy, check Check, principalRoles map[string]struct{}) Decision {
	var denyHit, allowHit *Policy
	for i := range policies {
		p := &policies[i]
		if !p.IsActive {
			continue
		}
		if !matchPrincipal(p.Principals, check.PrincipalID, principalRoles) {
			continue
		}
		if !matchAny(p.Actions, check.Action) {
			continue
		}
		if !matchAny(p.Resources, check.Resource) {
			continue
		}
		if !evalConditions(p.Conditions, check.Context) {
			continue
		}
		if p.Effect == EffectDeny {
			if denyHit == nil || higherPriority(p, denyHit) {
				denyHit = p
			}
		} else {
			if allowHit == nil || higherPriority(p, allowHit) {
				allowHit = p
			}
		}
	}

	if denyHit != nil {
		return Decision{
			Allowed:         false,
			MatchedPolicyID: denyHit.ID,
			Effect:          EffectDeny,
			Reason:          fmt.Sprintf("denied by policy %q", denyHit.Name),
		}
	}
	if allowHit != nil {
		return Decision{
			Allowed:         true,
			MatchedPolicyID: allowHit.ID,
			Effect:          EffectAllow,
			Reason:          fmt.Sprintf("allowed by policy %q", allowHit.Name),
		}
	}
	return Decision{Allowed: false, Reason: "no matching policy"}
}

// higherPriority reports whether a outranks b: lower priority number first,
// then earlier creation, then id for a stable total order.
func higherPriority(a, b *Policy) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func matchPrincipal(p Principals, userID string, roleIDs map[string]struct{}) bool {
	if len(p.Roles) == 0 && len(p.Users) == 0 {
		return true
	}
	for _, u := range p.Users {
		if u == "*" || u == userID {
			return true
		}
	}
	for _, r := range p.Roles {
		if r == "*" {
			return true
		}
		if _, ok := roleIDs[r]; ok {
			return true
		}
	}
	return false
}

// matchAny matches value against a pattern set: exact, "*", or a wildcard
// suffix such as "roles.*". An empty set matches everything.
func matchAny(patterns []string, value string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, pat := range patterns {
		if matchPattern(pat, value) {
			return true
		}
	}
	return false
}

func matchPattern(pattern, value string) bool {
	if pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(value, pattern[:len(pattern)-1])
	}
	return pattern == value
}

// Condition operators supported in policy conditions.
var conditionOps = map[string]struct{}{
	"eq": {}, "neq": {}, "in": {}, "not_in": {}, "gt": {}, "gte": {}, "lt": {}, "lte": {},
}

// evalConditions checks every declared condition against the request context.
// A condition value may be a bare scalar (equality) or an operator object.
func evalConditions(conditions map[string]any, reqCtx map[string]any) bool {
	for key, cond := range conditions {
		got := reqCtx[key]
		ops, ok := cond.(map[string]any)
		if !ok {
			if !looseEqual(got, cond) {
				return false
			}
			continue
		}
		for op, want := range ops {
			if !evalOp(op, got, want) {
				return false
			}
		}
	}
	return true
}

func evalOp(op string, got, want any) bool {
	switch op {
	case "eq":
		return looseEqual(got, want)
	case "neq":
		return !looseEqual(got, want)
	case "in":
		return contains(want, got)
	case "not_in":
		return !contains(want, got)
	case "gt", "gte", "lt", "lte":
		g, okG := toFloat(got)
		w, okW := toFloat(want)
		if !okG || !okW {
			return false
		}
		switch op {
		case "gt":
			return g > w
		case "gte":
			return g >= w
		case "lt":
			return g < w
		default:
			return g <= w
		}
	default:
		return false
	}
}

func contains(list, v any) bool {
	items, ok := list.([]any)
	if !ok {
		return false
	}
	for _, item := range items {
		if looseEqual(item, v) {
			return true
		}
	}
	return false
}

// looseEqual compares scalars, treating all numeric types as float64 the way
// JSON decoding produces them.
func looseEqual(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
		return false
	}
	return a == b
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case time.Duration:
		return float64(n), true
	default:
		return 0, false
	}
}
