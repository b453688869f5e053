package authz

import "strings"

// mutatingHints mark permission names that denote a destructive capability
// when no risk tag was declared on the permission.
var mutatingHints = []string{"write", "delete", "admin"}

// ClassifyRisk reports whether granting a role carrying the given permissions
// requires human approval. A role is high-risk when any permission is tagged
// RiskHigh, or, for untagged permissions, when the name denotes a mutating
// capability. Deterministic and side-effect free.
func ClassifyRisk(perms []Permission) Risk {
	for _, p := range perms {
		switch p.Risk {
		case RiskHigh:
			return RiskHigh
		case RiskLow, RiskMedium:
			continue
		}
		name := strings.ToLower(p.Name)
		for _, hint := range mutatingHints {
			if strings.Contains(name, hint) {
				return RiskHigh
			}
		}
	}
	return RiskLow
}
