package models

import "slices"

// Principal is the permission-checked caller of an engine operation.
type Principal struct {
	UserID        string   `json:"user_id,omitempty"`
	ApplicationID string   `json:"application_id,omitempty"`
	DeviceID      string   `json:"device_id,omitempty"`
	Permissions   []string `json:"permissions,omitempty"`
	// Policies are the restricted-data policies the principal may see.
	Policies []string `json:"policies,omitempty"`
	System   bool     `json:"system,omitempty"`
}

// SystemPrincipal is the engine's own identity.
func SystemPrincipal() *Principal {
	return &Principal{UserID: "system", ApplicationID: "fern", System: true}
}

func (p *Principal) HasPermission(perm string) bool {
	return p != nil && slices.Contains(p.Permissions, perm)
}

func (p *Principal) HasPolicy(policy string) bool {
	return p != nil && slices.Contains(p.Policies, policy)
}

// Name is a short label for logs and relationship provenance.
func (p *Principal) Name() string {
	switch {
	case p == nil:
		return "anonymous"
	case p.UserID != "":
		return p.UserID
	case p.ApplicationID != "":
		return p.ApplicationID
	default:
		return "anonymous"
	}
}

// Provenance derives write provenance from the principal.
func (p *Principal) Provenance() Provenance {
	if p == nil {
		return Provenance{}
	}
	return Provenance{UserID: p.UserID, ApplicationID: p.ApplicationID, DeviceID: p.DeviceID}
}
