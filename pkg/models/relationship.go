package models

import "time"

// RelationshipType labels a directed edge between two identities.
type RelationshipType string

const (
	RelationshipMemberOf    RelationshipType = "member_of"
	RelationshipManagerOf   RelationshipType = "manager_of"
	RelationshipReportsTo   RelationshipType = "reports_to"
	RelationshipParentOf    RelationshipType = "parent_of"
	RelationshipChildOf     RelationshipType = "child_of"
	RelationshipOwnerOf     RelationshipType = "owner_of"
	RelationshipOwnedBy     RelationshipType = "owned_by"
	RelationshipDelegatesTo RelationshipType = "delegates_to"
	RelationshipActsFor     RelationshipType = "acts_for"
	RelationshipCustom      RelationshipType = "custom"
)

// RelationshipRules constrains how a relationship may be used after it is
// established.
type RelationshipRules struct {
	CanDelegate bool       `json:"can_delegate"`
	CanRevoke   bool       `json:"can_revoke"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	MaxDepth    *int       `json:"max_depth,omitempty"` // bounds traversal through this edge
}

// Relationship is a directed labeled edge between two identities. The payload
// fields carry type-specific data: Role/Department for member_of, Percent for
// owner_of, Scopes for delegates_to and acts_for.
type Relationship struct {
	ID            string            `json:"id"`
	FromID        string            `json:"from_id" validate:"required"`
	ToID          string            `json:"to_id"   validate:"required"`
	Type          RelationshipType  `json:"type"    validate:"required"`
	Role          string            `json:"role,omitempty"`
	Department    string            `json:"department,omitempty"`
	Percent       float64           `json:"percent,omitempty"`
	Scopes        []string          `json:"scopes,omitempty"`
	Rules         RelationshipRules `json:"rules"`
	EstablishedAt time.Time         `json:"established_at"`
	EstablishedBy string            `json:"established_by,omitempty"`
	Metadata      map[string]any    `json:"metadata,omitempty"`
}

// Expired reports whether the relationship's expiry has elapsed.
func (r *Relationship) Expired(now time.Time) bool {
	return r.Rules.ExpiresAt != nil && !now.Before(*r.Rules.ExpiresAt)
}

// Involves reports whether the identity is one of the endpoints.
func (r *Relationship) Involves(identityID string) bool {
	return r.FromID == identityID || r.ToID == identityID
}
