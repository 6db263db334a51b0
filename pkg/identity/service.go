// Package identity implements the identity lifecycle commands: creation,
// status updates, merge, archive and verification.
package identity

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
	"github.com/identra/identra/pkg/relationship"
)

// Service handles identity commands. Every mutation acquires the identity's
// aggregate lock, so at most one writer touches an identity at a time.
type Service struct {
	logger        *slog.Logger
	identities    persistence.IdentityRepository
	relationships persistence.RelationshipRepository
	workflows     persistence.WorkflowRepository
	graph         *relationship.Graph
	locks         *aggregate.LockManager
	publisher     eventbus.EventPublisher
	validate      *validator.Validate
}

func NewService(
	logger *slog.Logger,
	store persistence.Persistence,
	graph *relationship.Graph,
	locks *aggregate.LockManager,
	publisher eventbus.EventPublisher,
) *Service {
	return &Service{
		logger:        logger.With("module", "identity"),
		identities:    store.IdentityRepository(),
		relationships: store.RelationshipRepository(),
		workflows:     store.WorkflowRepository(),
		graph:         graph,
		locks:         locks,
		publisher:     publisher,
		validate:      validator.New(),
	}
}

// CreateCommand creates a new identity in pending status.
type CreateCommand struct {
	Type       models.IdentityType `json:"type" validate:"required,oneof=person organization system external"`
	Claims     []models.Claim      `json:"claims,omitempty" validate:"dive"`
	Tags       []string            `json:"tags,omitempty"`
	Provider   string              `json:"provider,omitempty"`
	ExternalID string              `json:"external_id,omitempty"`
	ActorID    string              `json:"actor_id,omitempty"`
}

// Create registers a new identity. Email and phone claims must not already be
// held by another identity.
func (s *Service) Create(ctx context.Context, cmd CreateCommand) (*models.Identity, error) {
	if err := s.validate.Struct(cmd); err != nil {
		return nil, fmt.Errorf("invalid create command: %w", err)
	}

	for _, claim := range cmd.Claims {
		if claim.Type != models.ClaimEmail && claim.Type != models.ClaimPhone {
			continue
		}

		_, err := s.identities.GetByClaim(ctx, claim.Type, claim.Value)
		if err == nil {
			return nil, aggregate.ErrDuplicateClaim
		}

		if !persistence.IsIdentityNotFound(err) {
			return nil, err
		}
	}

	now := time.Now().UTC()
	identity := &models.Identity{
		ID:         uuid.Must(uuid.NewV7()).String(),
		Type:       cmd.Type,
		Status:     models.IdentityStatusPending,
		Provider:   cmd.Provider,
		ExternalID: cmd.ExternalID,
		Claims:     cmd.Claims,
		Tags:       cmd.Tags,
		CreatedAt:  now,
		UpdatedAt:  now,
		Version:    1,
	}

	if err := s.identities.Save(ctx, identity); err != nil {
		return nil, err
	}

	event := events.IdentityCreated{
		BaseEvent:    events.NewBaseEvent(events.IdentityCreatedEvent, identity.ID),
		IdentityType: identity.Type,
		Claims:       identity.Claims,
	}
	event.ActorID = cmd.ActorID

	s.publish(ctx, identity.ID, event)

	s.logger.InfoContext(ctx, "identity created", "identity_id", identity.ID, "type", identity.Type)

	return identity, nil
}

// UpdateCommand changes an identity's lifecycle status and optionally its
// tags.
type UpdateCommand struct {
	ID      string                `json:"id"     validate:"required"`
	Status  models.IdentityStatus `json:"status" validate:"required"`
	Tags    []string              `json:"tags,omitempty"`
	ActorID string                `json:"actor_id,omitempty"`
}

// Update moves an identity along the status lattice. Leaving active removes
// the identity's relationships.
func (s *Service) Update(ctx context.Context, cmd UpdateCommand) (*models.Identity, error) {
	if err := s.validate.Struct(cmd); err != nil {
		return nil, fmt.Errorf("invalid update command: %w", err)
	}

	release := s.locks.Acquire(cmd.ID)
	defer release()

	identity, err := s.identities.GetByID(ctx, cmd.ID)
	if err != nil {
		return nil, err
	}

	if err := aggregate.ValidateUpdate(identity, cmd.Status); err != nil {
		return nil, err
	}

	oldStatus := identity.Status
	identity.Status = cmd.Status

	if cmd.Tags != nil {
		identity.Tags = cmd.Tags
	}

	identity.Touch(time.Now().UTC())

	if err := s.identities.Save(ctx, identity); err != nil {
		return nil, err
	}

	if oldStatus == models.IdentityStatusActive && cmd.Status != models.IdentityStatusActive {
		s.removeRelationships(ctx, identity.ID, cmd.ActorID, "endpoint left active")
	}

	event := events.IdentityUpdated{
		BaseEvent: events.NewBaseEvent(events.IdentityUpdatedEvent, identity.ID),
		OldStatus: oldStatus,
		NewStatus: identity.Status,
	}
	event.ActorID = cmd.ActorID

	s.publish(ctx, identity.ID, event)

	s.logger.InfoContext(ctx, "identity updated",
		"identity_id", identity.ID, "old_status", oldStatus, "new_status", identity.Status)

	return identity, nil
}

// MergeCommand folds the source identity into the target.
type MergeCommand struct {
	SourceID string `json:"source_id" validate:"required"`
	TargetID string `json:"target_id" validate:"required,nefield=SourceID"`
	ActorID  string `json:"actor_id,omitempty"`
}

// Merge re-points the source's relationships and workflows to the target,
// marks the source merged and keeps the higher of the two verification
// levels on the target.
func (s *Service) Merge(ctx context.Context, cmd MergeCommand) (*models.Identity, error) {
	if err := s.validate.Struct(cmd); err != nil {
		return nil, fmt.Errorf("invalid merge command: %w", err)
	}

	release := s.locks.Acquire(cmd.SourceID, cmd.TargetID)
	defer release()

	source, err := s.identities.GetByID(ctx, cmd.SourceID)
	if err != nil {
		return nil, err
	}

	target, err := s.identities.GetByID(ctx, cmd.TargetID)
	if err != nil {
		return nil, err
	}

	if err := aggregate.ValidateMerge(source, target); err != nil {
		return nil, err
	}

	migratedRels, err := s.migrateRelationships(ctx, source.ID, target.ID)
	if err != nil {
		return nil, err
	}

	migratedWfs, err := s.migrateWorkflows(ctx, source.ID, target.ID, cmd.ActorID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()

	if source.VerificationLevel > target.VerificationLevel {
		target.VerificationLevel = source.VerificationLevel
		target.RefreshClaims()
	}

	target.Claims = mergeClaims(target.Claims, source.Claims)
	target.Tags = mergeTags(target.Tags, source.Tags)
	target.Touch(now)

	if err := s.identities.Save(ctx, target); err != nil {
		return nil, err
	}

	source.Status = models.IdentityStatusMerged
	source.MergedInto = target.ID
	source.Touch(now)

	if err := s.identities.Save(ctx, source); err != nil {
		return nil, err
	}

	event := events.IdentitiesMerged{
		BaseEvent:             events.NewBaseEvent(events.IdentitiesMergedEvent, source.ID),
		TargetID:              target.ID,
		MigratedRelationships: migratedRels,
		MigratedWorkflows:     migratedWfs,
		RetainedVerification:  target.VerificationLevel,
	}
	event.ActorID = cmd.ActorID

	s.publish(ctx, source.ID, event)

	s.logger.InfoContext(ctx, "identities merged",
		"source_id", source.ID, "target_id", target.ID,
		"migrated_relationships", migratedRels, "migrated_workflows", migratedWfs)

	return target, nil
}

// ArchiveCommand archives an identity. Force archives even when active
// relationships remain, removing them.
type ArchiveCommand struct {
	ID      string `json:"id" validate:"required"`
	Force   bool   `json:"force"`
	Reason  string `json:"reason,omitempty"`
	ActorID string `json:"actor_id,omitempty"`
}

func (s *Service) Archive(ctx context.Context, cmd ArchiveCommand) (*models.Identity, error) {
	if err := s.validate.Struct(cmd); err != nil {
		return nil, fmt.Errorf("invalid archive command: %w", err)
	}

	release := s.locks.Acquire(cmd.ID)
	defer release()

	identity, err := s.identities.GetByID(ctx, cmd.ID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()

	active, err := s.activeRelationshipCount(ctx, identity.ID, now)
	if err != nil {
		return nil, err
	}

	if err := aggregate.ValidateArchive(identity, active, cmd.Force); err != nil {
		return nil, err
	}

	if active > 0 {
		s.removeRelationships(ctx, identity.ID, cmd.ActorID, "identity archived")
	}

	previous := identity.Status
	identity.Status = models.IdentityStatusArchived
	identity.Touch(now)

	if err := s.identities.Save(ctx, identity); err != nil {
		return nil, err
	}

	event := events.IdentityArchived{
		BaseEvent:      events.NewBaseEvent(events.IdentityArchivedEvent, identity.ID),
		PreviousStatus: previous,
		Forced:         cmd.Force,
		Reason:         cmd.Reason,
	}
	event.ActorID = cmd.ActorID

	s.publish(ctx, identity.ID, event)

	s.logger.InfoContext(ctx, "identity archived",
		"identity_id", identity.ID, "previous_status", previous, "forced", cmd.Force)

	return identity, nil
}

// StartVerification records that a verification attempt began for an
// identity. The actual verification steps run as a verification workflow.
func (s *Service) StartVerification(ctx context.Context, identityID, method, actorID string) error {
	identity, err := s.identities.GetByID(ctx, identityID)
	if err != nil {
		return err
	}

	if identity.Status.Terminal() {
		return aggregate.NewInvariantError("cannot verify a terminated identity")
	}

	event := events.VerificationStarted{
		BaseEvent: events.NewBaseEvent(events.VerificationStartedEvent, identity.ID),
		Method:    method,
	}
	event.ActorID = actorID

	s.publish(ctx, identity.ID, event)

	s.logger.InfoContext(ctx, "verification started", "identity_id", identity.ID, "method", method)

	return nil
}

// CompleteVerification advances the identity's verification level by one
// step. A pending identity becomes active on its first completed
// verification.
func (s *Service) CompleteVerification(ctx context.Context, identityID string, newLevel models.VerificationLevel, verifiedBy string) (*models.Identity, error) {
	release := s.locks.Acquire(identityID)
	defer release()

	identity, err := s.identities.GetByID(ctx, identityID)
	if err != nil {
		return nil, err
	}

	if identity.Status.Terminal() {
		return nil, aggregate.NewInvariantError("cannot verify a terminated identity")
	}

	if err := aggregate.ValidateVerificationTransition(identity.VerificationLevel, newLevel); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	oldStatus := identity.Status

	identity.VerificationLevel = newLevel
	identity.VerifiedAt = &now
	identity.VerifiedBy = verifiedBy
	identity.RefreshClaims()

	if identity.Status == models.IdentityStatusPending && newLevel > models.VerificationUnverified {
		identity.Status = models.IdentityStatusActive
	}

	identity.Touch(now)

	if err := s.identities.Save(ctx, identity); err != nil {
		return nil, err
	}

	event := events.VerificationCompleted{
		BaseEvent:  events.NewBaseEvent(events.VerificationCompletedEvent, identity.ID),
		Successful: true,
		NewLevel:   newLevel,
	}
	event.ActorID = verifiedBy

	s.publish(ctx, identity.ID, event)

	if identity.Status != oldStatus {
		statusEvent := events.IdentityUpdated{
			BaseEvent: events.NewBaseEvent(events.IdentityUpdatedEvent, identity.ID),
			OldStatus: oldStatus,
			NewStatus: identity.Status,
		}
		statusEvent.ActorID = verifiedBy

		s.publish(ctx, identity.ID, statusEvent)
	}

	s.logger.InfoContext(ctx, "verification completed",
		"identity_id", identity.ID, "level", newLevel.String())

	return identity, nil
}

// Get returns an identity by id.
func (s *Service) Get(ctx context.Context, id string) (*models.Identity, error) {
	return s.identities.GetByID(ctx, id)
}

// GetByType returns all identities of a type, oldest first.
func (s *Service) GetByType(ctx context.Context, identityType models.IdentityType) ([]*models.Identity, error) {
	return s.identities.GetByType(ctx, identityType)
}

// VerificationStatus is the queryable verification state of an identity.
type VerificationStatus struct {
	IdentityID string                   `json:"identity_id"`
	Level      models.VerificationLevel `json:"level"`
	LevelName  string                   `json:"level_name"`
	VerifiedAt *time.Time               `json:"verified_at,omitempty"`
	VerifiedBy string                   `json:"verified_by,omitempty"`
}

func (s *Service) GetVerificationStatus(ctx context.Context, id string) (*VerificationStatus, error) {
	identity, err := s.identities.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	return &VerificationStatus{
		IdentityID: identity.ID,
		Level:      identity.VerificationLevel,
		LevelName:  identity.VerificationLevel.String(),
		VerifiedAt: identity.VerifiedAt,
		VerifiedBy: identity.VerifiedBy,
	}, nil
}

func (s *Service) activeRelationshipCount(ctx context.Context, identityID string, now time.Time) (int, error) {
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

// removeRelationships revokes every relationship the identity participates
// in. Called when an identity leaves active status.
func (s *Service) removeRelationships(ctx context.Context, identityID, actorID, reason string) {
	rels, err := s.relationships.GetByIdentity(ctx, identityID)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to list relationships for removal",
			"identity_id", identityID, "error", err)

		return
	}

	for _, rel := range rels {
		if err := s.relationships.Delete(ctx, rel.ID); err != nil {
			s.logger.ErrorContext(ctx, "failed to remove relationship",
				"relationship_id", rel.ID, "error", err)

			continue
		}

		s.graph.RemoveEdge(rel.ID)

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
	}
}

// migrateRelationships re-points every relationship of source to target.
// Edges between source and target, and edges whose re-pointed triple already
// exists at the target, are dropped instead of duplicated.
func (s *Service) migrateRelationships(ctx context.Context, sourceID, targetID string) (int, error) {
	rels, err := s.relationships.GetByIdentity(ctx, sourceID)
	if err != nil {
		return 0, err
	}

	migrated := 0

	for _, rel := range rels {
		if rel.Involves(targetID) {
			if err := s.relationships.Delete(ctx, rel.ID); err != nil {
				return migrated, err
			}

			s.graph.RemoveEdge(rel.ID)

			continue
		}

		from, to := rel.FromID, rel.ToID
		if from == sourceID {
			from = targetID
		} else {
			to = targetID
		}

		_, err := s.relationships.Find(ctx, from, to, rel.Type)
		if err == nil {
			// The target already holds an equivalent edge.
			if err := s.relationships.Delete(ctx, rel.ID); err != nil {
				return migrated, err
			}

			s.graph.RemoveEdge(rel.ID)

			continue
		}

		if !persistence.IsRelationshipNotFound(err) {
			return migrated, err
		}

		s.graph.RemoveEdge(rel.ID)

		rel.FromID, rel.ToID = from, to
		if err := s.relationships.Save(ctx, rel); err != nil {
			return migrated, err
		}

		s.graph.AddEdge(rel)

		migrated++
	}

	return migrated, nil
}

// migrateWorkflows re-points every workflow of source to target. A
// non-terminal workflow whose type already runs on the target is cancelled
// instead, keeping at most one live workflow per type. Cancellations are
// announced with a WorkflowCancelled event so the worklist drops the entry.
func (s *Service) migrateWorkflows(ctx context.Context, sourceID, targetID, actorID string) (int, error) {
	sourceWfs, err := s.workflows.GetByIdentity(ctx, sourceID)
	if err != nil {
		return 0, err
	}

	targetWfs, err := s.workflows.GetByIdentity(ctx, targetID)
	if err != nil {
		return 0, err
	}

	liveTypes := make(map[models.WorkflowType]bool)

	for _, w := range targetWfs {
		if !w.Status.Terminal() {
			liveTypes[w.Type] = true
		}
	}

	migrated := 0
	now := time.Now().UTC()

	for _, w := range sourceWfs {
		if !w.Status.Terminal() && liveTypes[w.Type] {
			previous := w.Status

			if active, ok := w.ActiveStep(); ok {
				active.Status = models.StepStatusSkipped
				active.CompletedAt = &now
			}

			w.Status = models.WorkflowStatusCancelled
			w.FailureReason = "superseded by merge"
			w.CurrentStep = ""
			w.CompletedAt = &now

			if err := s.workflows.Save(ctx, w); err != nil {
				return migrated, err
			}

			event := events.WorkflowCancelled{
				BaseEvent:      events.NewBaseEvent(events.WorkflowCancelledEvent, sourceID),
				WorkflowID:     w.ID,
				PreviousStatus: previous,
				Reason:         "superseded by merge",
			}
			event.ActorID = actorID

			s.publish(ctx, sourceID, event)

			continue
		}

		w.IdentityID = targetID
		if err := s.workflows.Save(ctx, w); err != nil {
			return migrated, err
		}

		if !w.Status.Terminal() {
			liveTypes[w.Type] = true
		}

		migrated++
	}

	return migrated, nil
}

func mergeClaims(target, source []models.Claim) []models.Claim {
	seen := make(map[string]bool, len(target))
	for _, c := range target {
		seen[string(c.Type)+"\x00"+c.Value] = true
	}

	for _, c := range source {
		if !seen[string(c.Type)+"\x00"+c.Value] {
			target = append(target, c)
		}
	}

	return target
}

func mergeTags(target, source []string) []string {
	seen := make(map[string]bool, len(target))
	for _, t := range target {
		seen[t] = true
	}

	for _, t := range source {
		if !seen[t] {
			target = append(target, t)
		}
	}

	return target
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
