package projection

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/identra/identra/pkg/eventbus"
	"github.com/identra/identra/pkg/events"
	"github.com/identra/identra/pkg/persistence"
)

// Service manages projection records and full resyncs of the read models.
type Service struct {
	logger        *slog.Logger
	store         Store
	identities    persistence.IdentityRepository
	relationships persistence.RelationshipRepository
	workflows     persistence.WorkflowRepository
	publisher     eventbus.EventPublisher
	validate      *validator.Validate
}

func NewService(logger *slog.Logger, store Store, source persistence.Persistence, publisher eventbus.EventPublisher) *Service {
	return &Service{
		logger:        logger.With("module", "projection"),
		store:         store,
		identities:    source.IdentityRepository(),
		relationships: source.RelationshipRepository(),
		workflows:     source.WorkflowRepository(),
		publisher:     publisher,
		validate:      validator.New(),
	}
}

// CreateCommand registers an external projection target.
type CreateCommand struct {
	Type         string `json:"type"          validate:"required"`
	TargetDomain string `json:"target_domain" validate:"required"`
	ActorID      string `json:"actor_id,omitempty"`
}

func (s *Service) CreateProjection(ctx context.Context, cmd CreateCommand) (*Record, error) {
	if err := s.validate.Struct(cmd); err != nil {
		return nil, fmt.Errorf("invalid create-projection command: %w", err)
	}

	record := &Record{
		ID:           uuid.Must(uuid.NewV7()).String(),
		Type:         cmd.Type,
		TargetDomain: cmd.TargetDomain,
		Status:       SyncStatusPending,
		CreatedAt:    time.Now().UTC(),
	}

	if err := s.store.PutRecord(ctx, record); err != nil {
		return nil, err
	}

	event := events.ProjectionCreated{
		BaseEvent:      events.NewBaseEvent(events.ProjectionCreatedEvent, record.ID),
		ProjectionID:   record.ID,
		ProjectionType: record.Type,
		TargetDomain:   record.TargetDomain,
	}
	event.ActorID = cmd.ActorID

	s.publish(ctx, record.ID, event)

	s.logger.InfoContext(ctx, "projection created",
		"projection_id", record.ID, "type", record.Type, "target_domain", record.TargetDomain)

	return record, nil
}

// SyncProjections rebuilds every read model from the store of record and
// stamps each projection record. It returns the number of records synced and
// the number that failed.
func (s *Service) SyncProjections(ctx context.Context, actorID string) (int, int, error) {
	if err := s.rebuildSummaries(ctx); err != nil {
		return 0, 0, err
	}

	if err := s.rebuildAdjacency(ctx); err != nil {
		return 0, 0, err
	}

	if err := s.rebuildWorklist(ctx); err != nil {
		return 0, 0, err
	}

	records, err := s.store.Records(ctx)
	if err != nil {
		return 0, 0, err
	}

	now := time.Now().UTC()
	synced, syncErrors := 0, 0

	for _, record := range records {
		record.Status = SyncStatusSynced
		record.LastSyncedAt = &now
		record.SyncError = ""

		if err := s.store.PutRecord(ctx, record); err != nil {
			s.logger.ErrorContext(ctx, "failed to stamp projection record",
				"projection_id", record.ID, "error", err)

			syncErrors++

			continue
		}

		synced++
	}

	event := events.ProjectionSynced{
		BaseEvent:         events.NewBaseEvent(events.ProjectionSyncedEvent, ""),
		ProjectionsSynced: synced,
		SyncErrors:        syncErrors,
	}
	event.ActorID = actorID

	s.publish(ctx, "projections", event)

	s.logger.InfoContext(ctx, "projections synced", "synced", synced, "errors", syncErrors)

	return synced, syncErrors, nil
}

// GetSummary returns the identity summary read model.
func (s *Service) GetSummary(ctx context.Context, identityID string) (*IdentitySummary, error) {
	return s.store.GetSummary(ctx, identityID)
}

// GetAdjacency returns the adjacency read model.
func (s *Service) GetAdjacency(ctx context.Context, identityID string) (*Adjacency, error) {
	return s.store.GetAdjacency(ctx, identityID)
}

// Worklist returns all workflows waiting on external action.
func (s *Service) Worklist(ctx context.Context) ([]*WorklistItem, error) {
	return s.store.Worklist(ctx)
}

// Records returns the registered projection targets.
func (s *Service) Records(ctx context.Context) ([]*Record, error) {
	return s.store.Records(ctx)
}

func (s *Service) rebuildSummaries(ctx context.Context) error {
	identities, err := s.identities.All(ctx)
	if err != nil {
		return err
	}

	for _, identity := range identities {
		if err := s.store.PutSummary(ctx, SummaryOf(identity)); err != nil {
			return err
		}
	}

	return nil
}

func (s *Service) rebuildAdjacency(ctx context.Context) error {
	rels, err := s.relationships.All(ctx)
	if err != nil {
		return err
	}

	byIdentity := make(map[string]*Adjacency)
	adjacencyOf := func(id string) *Adjacency {
		if a, ok := byIdentity[id]; ok {
			return a
		}

		a := &Adjacency{IdentityID: id, Outgoing: make([]EdgeRef, 0), Incoming: make([]EdgeRef, 0)}
		byIdentity[id] = a

		return a
	}

	for _, rel := range rels {
		adjacencyOf(rel.FromID).Outgoing = append(adjacencyOf(rel.FromID).Outgoing, EdgeRef{
			RelationshipID: rel.ID, PeerID: rel.ToID, Type: rel.Type,
		})
		adjacencyOf(rel.ToID).Incoming = append(adjacencyOf(rel.ToID).Incoming, EdgeRef{
			RelationshipID: rel.ID, PeerID: rel.FromID, Type: rel.Type,
		})
	}

	for _, adjacency := range byIdentity {
		if err := s.store.PutAdjacency(ctx, adjacency); err != nil {
			return err
		}
	}

	return nil
}

func (s *Service) rebuildWorklist(ctx context.Context) error {
	stale, err := s.store.Worklist(ctx)
	if err != nil {
		return err
	}

	for _, item := range stale {
		if err := s.store.RemoveWorklistItem(ctx, item.WorkflowID); err != nil {
			return err
		}
	}

	active, err := s.workflows.Active(ctx)
	if err != nil {
		return err
	}

	for _, workflow := range active {
		item := ItemOf(workflow)
		if item == nil {
			continue
		}

		if err := s.store.PutWorklistItem(ctx, item); err != nil {
			return err
		}
	}

	return nil
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
