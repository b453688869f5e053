// Package audit implements the append-only audit ledger. The public contract
// is Append, Query and Export; no update or delete operation exists.
package audit

import (
	"context"
	"strings"
	"time"
)

// Event is an immutable audit record. Once appended it is never mutated.
type Event struct {
	ID             string         `json:"id"`
	OrganizationID string         `json:"org_id"`
	ActorID        string         `json:"actor_id,omitempty"` // empty means system-initiated
	ActorEmail     string         `json:"actor_email,omitempty"`
	Action         string         `json:"action"`
	ResourceType   string         `json:"resource_type"`
	ResourceID     string         `json:"resource_id,omitempty"`
	Details        map[string]any `json:"details,omitempty"`
	IPAddress      string         `json:"ip_address,omitempty"`
	UserAgent      string         `json:"user_agent,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Actions recorded by the core subsystems.
const (
	ActionAuthorize        = "authorize"
	ActionAssignPermission = "assign_permission"
	ActionAssignRole       = "assign_role"
	ActionRevokeRole       = "revoke_role"
	ActionSubmitRequest    = "submit_request"
	ActionApproveRequest   = "approve_request"
	ActionDenyRequest      = "deny_request"
	ActionCancelRequest    = "cancel_request"
	ActionExpireRequest    = "expire_request"
)

// Filter narrows a ledger query. Zero values mean "any".
type Filter struct {
	OrganizationID string
	Action         string
	ResourceType   string
	ActorID        string
	From           time.Time
	To             time.Time
}

// Page bounds a query result.
type Page struct {
	Limit  int
	Offset int
}

const (
	defaultLimit = 50
	maxLimit     = 1000
	exportLimit  = 10000
)

// Normalize clamps the page to sane bounds.
func (p Page) Normalize() Page {
	if p.Limit <= 0 {
		p.Limit = defaultLimit
	}
	if p.Limit > maxLimit {
		p.Limit = maxLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// Store persists events. Append must be durably committed before returning.
type Store interface {
	Append(ctx context.Context, evt *Event) error
	Query(ctx context.Context, f Filter, p Page) ([]Event, int, error)
}

// Ledger is the queryable append-only record over a Store.
type Ledger struct {
	store Store
}

// NewLedger constructs a Ledger.
func NewLedger(store Store) *Ledger {
	return &Ledger{store: store}
}

// Append durably records an event. Callers must treat a failure as fatal for
// the triggering operation: the mutation must not be reported successful.
func (l *Ledger) Append(ctx context.Context, evt *Event) error {
	if evt == nil || strings.TrimSpace(evt.OrganizationID) == "" || strings.TrimSpace(evt.Action) == "" {
		return errInvalidEvent
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = time.Now().UTC()
	}
	return l.store.Append(ctx, evt)
}

// Query returns org-scoped events matching the filter, newest first, plus the
// total number of matches before pagination.
func (l *Ledger) Query(ctx context.Context, f Filter, p Page) ([]Event, int, error) {
	if strings.TrimSpace(f.OrganizationID) == "" {
		return nil, 0, errMissingOrg
	}
	return l.store.Query(ctx, f, p.Normalize())
}
