// Package persistence provides the storage abstraction for identities,
// relationships and workflows.
package persistence

import (
	"context"
	"time"

	"github.com/identra/identra/pkg/models"
)

// IdentityRepository stores identity aggregates.
type IdentityRepository interface {
	// GetByID returns the identity or ErrIdentityNotFound.
	GetByID(ctx context.Context, id string) (*models.Identity, error)
	GetByType(ctx context.Context, identityType models.IdentityType) ([]*models.Identity, error)
	// GetByClaim returns the identity holding a claim of the given type and
	// value, or ErrIdentityNotFound. Used for the duplicate-claim check on
	// create.
	GetByClaim(ctx context.Context, claimType models.ClaimType, value string) (*models.Identity, error)
	All(ctx context.Context) ([]*models.Identity, error)
	Save(ctx context.Context, identity *models.Identity) error
}

// RelationshipRepository stores relationship edges. Listings preserve the
// order relationships were recorded in, which traversal relies on for
// determinism.
type RelationshipRepository interface {
	GetByID(ctx context.Context, id string) (*models.Relationship, error)
	GetByIdentity(ctx context.Context, identityID string) ([]*models.Relationship, error)
	// Find returns the relationship with the exact (from, to, type) triple,
	// or ErrRelationshipNotFound. Used for idempotent establish.
	Find(ctx context.Context, fromID, toID string, relType models.RelationshipType) (*models.Relationship, error)
	// Expired returns relationships whose expiry elapsed at or before now.
	Expired(ctx context.Context, now time.Time) ([]*models.Relationship, error)
	All(ctx context.Context) ([]*models.Relationship, error)
	Save(ctx context.Context, relationship *models.Relationship) error
	Delete(ctx context.Context, id string) error
}

// WorkflowRepository stores workflow instances.
type WorkflowRepository interface {
	GetByID(ctx context.Context, id string) (*models.Workflow, error)
	GetByIdentity(ctx context.Context, identityID string) ([]*models.Workflow, error)
	// Active returns all non-terminal workflows, for the timeout sweep.
	Active(ctx context.Context) ([]*models.Workflow, error)
	Save(ctx context.Context, workflow *models.Workflow) error
}

// Persistence bundles the repositories behind one backend.
type Persistence interface {
	IdentityRepository() IdentityRepository
	RelationshipRepository() RelationshipRepository
	WorkflowRepository() WorkflowRepository
	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}
