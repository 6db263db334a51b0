// Package memory provides an in-memory persistence implementation for tests
// and local development.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/identra/identra/pkg/models"
	"github.com/identra/identra/pkg/persistence"
)

// Persistence implements persistence.Persistence with process-local maps.
// Listings preserve insertion order so traversal stays deterministic.
type Persistence struct {
	identityRepo     *IdentityRepository
	relationshipRepo *RelationshipRepository
	workflowRepo     *WorkflowRepository
}

func NewPersistence() *Persistence {
	return &Persistence{
		identityRepo: &IdentityRepository{
			identities: make(map[string]*models.Identity),
		},
		relationshipRepo: &RelationshipRepository{
			relationships: make(map[string]*models.Relationship),
		},
		workflowRepo: &WorkflowRepository{
			workflows: make(map[string]*models.Workflow),
		},
	}
}

func (p *Persistence) IdentityRepository() persistence.IdentityRepository {
	return p.identityRepo
}

func (p *Persistence) RelationshipRepository() persistence.RelationshipRepository {
	return p.relationshipRepo
}

func (p *Persistence) WorkflowRepository() persistence.WorkflowRepository {
	return p.workflowRepo
}

func (p *Persistence) HealthCheck(_ context.Context) error {
	return nil
}

func (p *Persistence) Close(_ context.Context) error {
	return nil
}

// IdentityRepository is the in-memory identity store.
type IdentityRepository struct {
	mu         sync.RWMutex
	identities map[string]*models.Identity
	order      []string
}

func (r *IdentityRepository) GetByID(_ context.Context, id string) (*models.Identity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	identity, ok := r.identities[id]
	if !ok {
		return nil, persistence.NewStoreError("GetByID", "identity", id, persistence.ErrIdentityNotFound)
	}

	return cloneIdentity(identity), nil
}

func (r *IdentityRepository) GetByType(_ context.Context, identityType models.IdentityType) ([]*models.Identity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*models.Identity, 0)

	for _, id := range r.order {
		if identity := r.identities[id]; identity.Type == identityType {
			out = append(out, cloneIdentity(identity))
		}
	}

	return out, nil
}

func (r *IdentityRepository) GetByClaim(_ context.Context, claimType models.ClaimType, value string) (*models.Identity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, id := range r.order {
		identity := r.identities[id]
		for _, claim := range identity.Claims {
			if claim.Type == claimType && claim.Value == value {
				return cloneIdentity(identity), nil
			}
		}
	}

	return nil, persistence.NewStoreError("GetByClaim", "identity", string(claimType)+"="+value, persistence.ErrIdentityNotFound)
}

func (r *IdentityRepository) All(_ context.Context) ([]*models.Identity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*models.Identity, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, cloneIdentity(r.identities[id]))
	}

	return out, nil
}

func (r *IdentityRepository) Save(_ context.Context, identity *models.Identity) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.identities[identity.ID]; !exists {
		r.order = append(r.order, identity.ID)
	}

	r.identities[identity.ID] = cloneIdentity(identity)

	return nil
}

// RelationshipRepository is the in-memory relationship store.
type RelationshipRepository struct {
	mu            sync.RWMutex
	relationships map[string]*models.Relationship
	order         []string
}

func (r *RelationshipRepository) GetByID(_ context.Context, id string) (*models.Relationship, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rel, ok := r.relationships[id]
	if !ok {
		return nil, persistence.NewStoreError("GetByID", "relationship", id, persistence.ErrRelationshipNotFound)
	}

	return cloneRelationship(rel), nil
}

func (r *RelationshipRepository) GetByIdentity(_ context.Context, identityID string) ([]*models.Relationship, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*models.Relationship, 0)

	for _, id := range r.order {
		if rel, ok := r.relationships[id]; ok && rel.Involves(identityID) {
			out = append(out, cloneRelationship(rel))
		}
	}

	return out, nil
}

func (r *RelationshipRepository) Find(_ context.Context, fromID, toID string, relType models.RelationshipType) (*models.Relationship, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, id := range r.order {
		rel, ok := r.relationships[id]
		if ok && rel.FromID == fromID && rel.ToID == toID && rel.Type == relType {
			return cloneRelationship(rel), nil
		}
	}

	return nil, persistence.NewStoreError("Find", "relationship", fromID+"->"+toID, persistence.ErrRelationshipNotFound)
}

func (r *RelationshipRepository) Expired(_ context.Context, now time.Time) ([]*models.Relationship, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*models.Relationship, 0)

	for _, id := range r.order {
		if rel, ok := r.relationships[id]; ok && rel.Expired(now) {
			out = append(out, cloneRelationship(rel))
		}
	}

	return out, nil
}

func (r *RelationshipRepository) All(_ context.Context) ([]*models.Relationship, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*models.Relationship, 0, len(r.order))

	for _, id := range r.order {
		if rel, ok := r.relationships[id]; ok {
			out = append(out, cloneRelationship(rel))
		}
	}

	return out, nil
}

func (r *RelationshipRepository) Save(_ context.Context, relationship *models.Relationship) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.relationships[relationship.ID]; !exists {
		r.order = append(r.order, relationship.ID)
	}

	r.relationships[relationship.ID] = cloneRelationship(relationship)

	return nil
}

func (r *RelationshipRepository) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.relationships[id]; !exists {
		return persistence.NewStoreError("Delete", "relationship", id, persistence.ErrRelationshipNotFound)
	}

	delete(r.relationships, id)

	return nil
}

// WorkflowRepository is the in-memory workflow store.
type WorkflowRepository struct {
	mu        sync.RWMutex
	workflows map[string]*models.Workflow
	order     []string
}

func (r *WorkflowRepository) GetByID(_ context.Context, id string) (*models.Workflow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	workflow, ok := r.workflows[id]
	if !ok {
		return nil, persistence.NewStoreError("GetByID", "workflow", id, persistence.ErrWorkflowNotFound)
	}

	return cloneWorkflow(workflow), nil
}

func (r *WorkflowRepository) GetByIdentity(_ context.Context, identityID string) ([]*models.Workflow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*models.Workflow, 0)

	for _, id := range r.order {
		if w := r.workflows[id]; w.IdentityID == identityID {
			out = append(out, cloneWorkflow(w))
		}
	}

	return out, nil
}

func (r *WorkflowRepository) Active(_ context.Context) ([]*models.Workflow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*models.Workflow, 0)

	for _, id := range r.order {
		if w := r.workflows[id]; !w.Status.Terminal() {
			out = append(out, cloneWorkflow(w))
		}
	}

	return out, nil
}

func (r *WorkflowRepository) Save(_ context.Context, workflow *models.Workflow) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.workflows[workflow.ID]; !exists {
		r.order = append(r.order, workflow.ID)
	}

	r.workflows[workflow.ID] = cloneWorkflow(workflow)

	return nil
}

func cloneIdentity(identity *models.Identity) *models.Identity {
	clone := *identity
	clone.Claims = append([]models.Claim(nil), identity.Claims...)
	clone.Tags = append([]string(nil), identity.Tags...)

	return &clone
}

func cloneRelationship(rel *models.Relationship) *models.Relationship {
	clone := *rel
	clone.Scopes = append([]string(nil), rel.Scopes...)

	if rel.Metadata != nil {
		clone.Metadata = make(map[string]any, len(rel.Metadata))
		for k, v := range rel.Metadata {
			clone.Metadata[k] = v
		}
	}

	return &clone
}

func cloneWorkflow(workflow *models.Workflow) *models.Workflow {
	clone := *workflow
	clone.Steps = make([]*models.StepState, 0, len(workflow.Steps))

	for _, s := range workflow.Steps {
		step := *s
		clone.Steps = append(clone.Steps, &step)
	}

	if workflow.Context != nil {
		clone.Context = make(map[string]any, len(workflow.Context))
		for k, v := range workflow.Context {
			clone.Context[k] = v
		}
	}

	return &clone
}
