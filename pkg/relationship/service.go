package relationship

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/identra/identra/pkg/aggregate"
	"github.com/identra/identra/pkg/eventbus"
	"github.com/identra/identra/pkg/events"
	"github.com/identra/identra/pkg/models"
	"github.com/identra/identra/pkg/persistence"
)

// Service handles relationship commands and queries. Mutations lock both
// endpoint aggregates and keep the in-memory graph in step with the store.
type Service struct {
	logger        *slog.Logger
	identities    persistence.IdentityRepository
	relationships persistence.RelationshipRepository
	graph         *Graph
	locks         *aggregate.LockManager
	publisher     eventbus.EventPublisher
	validate      *validator.Validate
}

func NewService(
	logger *slog.Logger,
	identities persistence.IdentityRepository,
	relationships persistence.RelationshipRepository,
	graph *Graph,
	locks *aggregate.LockManager,
	publisher eventbus.EventPublisher,
) *Service {
	return &Service{
		logger:        logger.With("module", "relationship"),
		identities:    identities,
		relationships: relationships,
		graph:         graph,
		locks:         locks,
		publisher:     publisher,
		validate:      validator.New(),
	}
}

// EstablishCommand creates a directed relationship between two identities.
type EstablishCommand struct {
	FromID     string                   `json:"from_id" validate:"required"`
	ToID       string                   `json:"to_id"   validate:"required"`
	Type       models.RelationshipType  `json:"type"    validate:"required"`
	Role       string                   `json:"role,omitempty"`
	Department string                   `json:"department,omitempty"`
	Percent    float64                  `json:"percent,omitempty" validate:"gte=0,lte=100"`
	Scopes     []string                 `json:"scopes,omitempty"`
	Rules      models.RelationshipRules `json:"rules"`
	ActorID    string                   `json:"actor_id,omitempty"`
	Metadata   map[string]any           `json:"metadata,omitempty"`
}

// Establish records a relationship. Establishing an edge with the same
// (from, to, type) triple as an existing one returns that relationship
// unchanged and emits nothing.
func (s *Service) Establish(ctx context.Context, cmd EstablishCommand) (*models.Relationship, error) {
	if err := s.validate.Struct(cmd); err != nil {
		return nil, fmt.Errorf("invalid establish command: %w", err)
	}

	release := s.locks.Acquire(cmd.FromID, cmd.ToID)
	defer release()

	from, err := s.identities.GetByID(ctx, cmd.FromID)
	if err != nil {
		return nil, err
	}

	to, err := s.identities.GetByID(ctx, cmd.ToID)
	if err != nil {
		return nil, err
	}

	if err := aggregate.ValidateRelationship(from, to, cmd.Type); err != nil {
		return nil, err
	}

	now := time.Now().UTC()

	existing, err := s.relationships.Find(ctx, cmd.FromID, cmd.ToID, cmd.Type)

	switch {
	case err == nil && !existing.Expired(now):
		s.logger.InfoContext(ctx, "relationship already established",
			"relationship_id", existing.ID, "from", cmd.FromID, "to", cmd.ToID, "type", cmd.Type)

		return existing, nil
	case err == nil:
		// A lapsed edge does not block re-establishment; expire it inline
		// rather than waiting for the sweeper. The endpoint locks are
		// already held.
		if err := s.relationships.Delete(ctx, existing.ID); err != nil {
			return nil, err
		}

		s.graph.RemoveEdge(existing.ID)

		expired := events.RelationshipExpired{
			BaseEvent:      events.NewBaseEvent(events.RelationshipExpiredEvent, existing.FromID),
			RelationshipID: existing.ID,
			FromID:         existing.FromID,
			ToID:           existing.ToID,
			Relationship:   existing.Type,
			Reason:         "expiry elapsed",
		}

		s.publish(ctx, existing.FromID, expired)
	case !persistence.IsRelationshipNotFound(err):
		return nil, err
	}

	rel := &models.Relationship{
		ID:            uuid.Must(uuid.NewV7()).String(),
		FromID:        cmd.FromID,
		ToID:          cmd.ToID,
		Type:          cmd.Type,
		Role:          cmd.Role,
		Department:    cmd.Department,
		Percent:       cmd.Percent,
		Scopes:        cmd.Scopes,
		Rules:         cmd.Rules,
		EstablishedAt: now,
		EstablishedBy: cmd.ActorID,
		Metadata:      cmd.Metadata,
	}

	if err := s.relationships.Save(ctx, rel); err != nil {
		return nil, err
	}

	s.graph.AddEdge(rel)

	event := events.RelationshipEstablished{
		BaseEvent:      events.NewBaseEvent(events.RelationshipEstablishedEvent, cmd.FromID),
		RelationshipID: rel.ID,
		FromID:         rel.FromID,
		ToID:           rel.ToID,
		Relationship:   rel.Type,
		ExpiresAt:      rel.Rules.ExpiresAt,
	}
	event.ActorID = cmd.ActorID

	s.publish(ctx, rel.FromID, event)

	s.logger.InfoContext(ctx, "relationship established",
		"relationship_id", rel.ID, "from", rel.FromID, "to", rel.ToID, "type", rel.Type)

	return rel, nil
}

// Revoke removes a relationship. The relationship's rules must allow
// revocation.
func (s *Service) Revoke(ctx context.Context, relationshipID, actorID, reason string) error {
	rel, err := s.relationships.GetByID(ctx, relationshipID)
	if err != nil {
		return err
	}

	release := s.locks.Acquire(rel.FromID, rel.ToID)
	defer release()

	if !rel.Rules.CanRevoke {
		return aggregate.ErrNotRevocable
	}

	if err := s.relationships.Delete(ctx, relationshipID); err != nil {
		return err
	}

	s.graph.RemoveEdge(relationshipID)

	event := events.RelationshipRevoked{
		BaseEvent:      events.NewBaseEvent(events.RelationshipRevokedEvent, rel.FromID),
		RelationshipID: rel.ID,
		FromID:         rel.FromID,
		ToID:           rel.ToID,
		Relationship:   rel.Type,
		Reason:         reason,
	}
	event.ActorID = actorID

	s.publish(ctx, rel.FromID, event)

	s.logger.InfoContext(ctx, "relationship revoked",
		"relationship_id", rel.ID, "from", rel.FromID, "to", rel.ToID, "reason", reason)

	return nil
}

// SweepExpired removes every relationship whose expiry elapsed at or before
// now and emits an expiry event per edge. It returns the number of
// relationships removed.
func (s *Service) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	expired, err := s.relationships.Expired(ctx, now)
	if err != nil {
		return 0, err
	}

	removed := 0

	for _, rel := range expired {
		if err := s.expireOne(ctx, rel); err != nil {
			s.logger.ErrorContext(ctx, "failed to expire relationship",
				"relationship_id", rel.ID, "error", err)

			continue
		}

		removed++
	}

	if removed > 0 {
		s.logger.InfoContext(ctx, "expired relationships swept", "count", removed)
	}

	return removed, nil
}

func (s *Service) expireOne(ctx context.Context, rel *models.Relationship) error {
	release := s.locks.Acquire(rel.FromID, rel.ToID)
	defer release()

	if err := s.relationships.Delete(ctx, rel.ID); err != nil {
		// Already gone, nothing to emit.
		if persistence.IsRelationshipNotFound(err) {
			return nil
		}

		return err
	}

	s.graph.RemoveEdge(rel.ID)

	event := events.RelationshipExpired{
		BaseEvent:      events.NewBaseEvent(events.RelationshipExpiredEvent, rel.FromID),
		RelationshipID: rel.ID,
		FromID:         rel.FromID,
		ToID:           rel.ToID,
		Relationship:   rel.Type,
		Reason:         "expiry elapsed",
	}

	s.publish(ctx, rel.FromID, event)

	return nil
}

// GetByIdentity returns every relationship the identity participates in, in
// the order they were recorded.
func (s *Service) GetByIdentity(ctx context.Context, identityID string) ([]*models.Relationship, error) {
	if _, err := s.identities.GetByID(ctx, identityID); err != nil {
		return nil, err
	}

	return s.relationships.GetByIdentity(ctx, identityID)
}

// ActiveCount returns the number of unexpired relationships the identity
// participates in.
func (s *Service) ActiveCount(ctx context.Context, identityID string, now time.Time) (int, error) {
	rels, err := s.relationships.GetByIdentity(ctx, identityID)
	if err != nil {
		return 0, err
	}

	count := 0

	for _, rel := range rels {
		if !rel.Expired(now) {
			count++
		}
	}

	return count, nil
}

// Traverse runs a bounded breadth-first search from root over the
// relationship graph.
func (s *Service) Traverse(ctx context.Context, root string, opts TraversalOptions) (TraversalResult, error) {
	if _, err := s.identities.GetByID(ctx, root); err != nil {
		return TraversalResult{}, err
	}

	return s.graph.Traverse(root, opts, time.Now().UTC()), nil
}

func (s *Service) publish(ctx context.Context, key string, event eventbus.Event) {
	if s.publisher == nil {
		return
	}

	if err := s.publisher.Publish(ctx, key, event); err != nil {
		s.logger.ErrorContext(ctx, "failed to publish event",
			"event_type", event.GetType(), "error", err)
	}
}
