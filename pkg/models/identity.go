// Package models defines the core domain models for the identity engine.
package models

import "time"

// IdentityType classifies the kind of actor an identity represents.
type IdentityType string

const (
	IdentityTypePerson       IdentityType = "person"
	IdentityTypeOrganization IdentityType = "organization"
	IdentityTypeSystem       IdentityType = "system"
	IdentityTypeExternal     IdentityType = "external"
)

// IdentityStatus represents the lifecycle state of an identity.
//
// Pending, Active and Suspended are the live states. Archived and Merged are
// terminal: once entered an identity never leaves them.
type IdentityStatus string

const (
	IdentityStatusPending   IdentityStatus = "pending"
	IdentityStatusActive    IdentityStatus = "active"
	IdentityStatusSuspended IdentityStatus = "suspended"
	IdentityStatusArchived  IdentityStatus = "archived"
	IdentityStatusMerged    IdentityStatus = "merged"
)

// Terminal reports whether the status can never be left again.
func (s IdentityStatus) Terminal() bool {
	return s == IdentityStatusArchived || s == IdentityStatusMerged
}

// VerificationLevel is the ordinal trust tier of an identity.
type VerificationLevel int

const (
	VerificationUnverified VerificationLevel = iota
	VerificationEmail
	VerificationPhone
	VerificationDocument
	VerificationInPerson
	VerificationFull
)

func (l VerificationLevel) String() string {
	switch l {
	case VerificationUnverified:
		return "unverified"
	case VerificationEmail:
		return "email_verified"
	case VerificationPhone:
		return "phone_verified"
	case VerificationDocument:
		return "document_verified"
	case VerificationInPerson:
		return "in_person_verified"
	case VerificationFull:
		return "fully_verified"
	default:
		return "unknown"
	}
}

// ClaimType identifies the attribute a claim asserts.
type ClaimType string

const (
	ClaimEmail        ClaimType = "email"
	ClaimPhone        ClaimType = "phone"
	ClaimName         ClaimType = "name"
	ClaimDateOfBirth  ClaimType = "date_of_birth"
	ClaimAddress      ClaimType = "address"
	ClaimGovernmentID ClaimType = "government_id"
	ClaimCustom       ClaimType = "custom"
)

// Claim is an attribute asserted about an identity. Claims start unverified
// and are marked verified as the identity climbs verification levels.
type Claim struct {
	Type      ClaimType  `json:"type"      validate:"required"`
	Value     string     `json:"value"     validate:"required"`
	Verified  bool       `json:"verified"`
	Issuer    string     `json:"issuer,omitempty"`
	IssuedAt  time.Time  `json:"issued_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// CoveredBy reports whether a verification level vouches for this claim type.
// Email is covered from level 1, phone from 2, name and date of birth from 3,
// everything from 4 upward.
func (c Claim) CoveredBy(level VerificationLevel) bool {
	switch c.Type {
	case ClaimEmail:
		return level >= VerificationEmail
	case ClaimPhone:
		return level >= VerificationPhone
	case ClaimName, ClaimDateOfBirth:
		return level >= VerificationDocument
	default:
		return level >= VerificationInPerson
	}
}

// Identity is the aggregate root of the identity domain.
type Identity struct {
	ID                string            `json:"id"`
	Type              IdentityType      `json:"type"   validate:"required,oneof=person organization system external"`
	Status            IdentityStatus    `json:"status" validate:"required"`
	MergedInto        string            `json:"merged_into,omitempty"` // set only when Status is merged
	VerificationLevel VerificationLevel `json:"verification_level"`
	VerifiedAt        *time.Time        `json:"verified_at,omitempty"`
	VerifiedBy        string            `json:"verified_by,omitempty"`
	Provider          string            `json:"provider,omitempty"`    // external identities only
	ExternalID        string            `json:"external_id,omitempty"` // external identities only
	Claims            []Claim           `json:"claims,omitempty"`
	Tags              []string          `json:"tags,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
	Version           int64             `json:"version"`
}

// Touch stamps the update time and bumps the aggregate version.
func (i *Identity) Touch(now time.Time) {
	i.UpdatedAt = now
	i.Version++
}

// RefreshClaims marks every claim covered by the current verification level
// as verified.
func (i *Identity) RefreshClaims() {
	for n := range i.Claims {
		if i.Claims[n].CoveredBy(i.VerificationLevel) {
			i.Claims[n].Verified = true
		}
	}
}

// ClaimValue returns the value of the first claim of the given type.
func (i *Identity) ClaimValue(claimType ClaimType) (string, bool) {
	for _, c := range i.Claims {
		if c.Type == claimType {
			return c.Value, true
		}
	}

	return "", false
}
