package authz

import (
	"strings"

	"authplane.org/internal/audit"
	"authplane.org/internal/ids"
)

// Actor identifies the authenticated principal performing an operation, as
// supplied by the identity layer. Never derived from client input.
type Actor struct {
	ID        string
	Email     string
	IPAddress string
	UserAgent string
}

func (a Actor) valid() bool {
	return strings.TrimSpace(a.ID) != ""
}

// newEvent builds the single audit event for a logical mutation.
func newEvent(orgID string, actor Actor, action, resourceType, resourceID string, details map[string]any) *audit.Event {
	actorID := actor.ID
	if actorID == SystemActor {
		actorID = "" // system-initiated events carry no actor id
	}
	return &audit.Event{
		ID:             ids.New(),
		OrganizationID: orgID,
		ActorID:        actorID,
		ActorEmail:     actor.Email,
		Action:         action,
		ResourceType:   resourceType,
		ResourceID:     resourceID,
		Details:        details,
		IPAddress:      actor.IPAddress,
		UserAgent:      actor.UserAgent,
	}
}
