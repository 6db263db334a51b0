package projection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cenkalti/backoff/v4"

	"github.com/identra/identra/pkg/eventbus"
	"github.com/identra/identra/pkg/events"
	"github.com/identra/identra/pkg/models"
	"github.com/identra/identra/pkg/persistence"
)

const maxApplyRetries = 5

// Maintainer keeps the read models in step with the event stream. Each event
// is applied at most once per entity: application is keyed on
// (entity id, event id), so redelivered or replayed events are no-ops.
type Maintainer struct {
	logger        *slog.Logger
	store         Store
	identities    persistence.IdentityRepository
	relationships persistence.RelationshipRepository
	workflows     persistence.WorkflowRepository
}

func NewMaintainer(logger *slog.Logger, store Store, source persistence.Persistence) *Maintainer {
	return &Maintainer{
		logger:        logger.With("module", "projection"),
		store:         store,
		identities:    source.IdentityRepository(),
		relationships: source.RelationshipRepository(),
		workflows:     source.WorkflowRepository(),
	}
}

// EventTypes lists the event types the maintainer consumes.
func (m *Maintainer) EventTypes() []events.EventType {
	return []events.EventType{
		events.IdentityCreatedEvent,
		events.IdentityUpdatedEvent,
		events.IdentityArchivedEvent,
		events.IdentitiesMergedEvent,
		events.RelationshipEstablishedEvent,
		events.RelationshipRevokedEvent,
		events.RelationshipExpiredEvent,
		events.WorkflowStartedEvent,
		events.WorkflowStepCompletedEvent,
		events.WorkflowCompletedEvent,
		events.WorkflowTimedOutEvent,
		events.WorkflowCancelledEvent,
		events.VerificationStartedEvent,
		events.VerificationCompletedEvent,
	}
}

// Register subscribes the maintainer to every domain event type.
func (m *Maintainer) Register(bus eventbus.EventSubscriber) error {
	return m.RegisterWith(bus, m.HandleEvent)
}

// RegisterWith registers a custom handler for every event type the maintainer
// consumes. Callers use it to wrap HandleEvent, for tracing or metrics.
func (m *Maintainer) RegisterWith(bus eventbus.EventSubscriber, handler eventbus.EventHandler) error {
	for _, t := range m.EventTypes() {
		if err := bus.Handle(t, handler); err != nil {
			return fmt.Errorf("failed to register handler for %s: %w", t, err)
		}
	}

	return nil
}

// HandleEvent applies one event to the read models, retrying transient
// failures with exponential backoff.
func (m *Maintainer) HandleEvent(ctx context.Context, event any) error {
	base, ok := baseOf(event)
	if !ok {
		m.logger.WarnContext(ctx, "ignoring unknown event", "event", fmt.Sprintf("%T", event))

		return nil
	}

	applied, err := m.store.Applied(ctx, base.IdentityID, base.ID)
	if err != nil {
		return err
	}

	if applied {
		m.logger.DebugContext(ctx, "event already applied",
			"event_id", base.ID, "event_type", base.Type)

		return nil
	}

	operation := func() error {
		return m.apply(ctx, event)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxApplyRetries), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return fmt.Errorf("failed to apply event %s: %w", base.ID, err)
	}

	if err := m.store.MarkApplied(ctx, base.IdentityID, base.ID); err != nil {
		return err
	}

	if err := m.markRecordsOutOfSync(ctx); err != nil {
		return err
	}

	return m.store.SetCursor(ctx, base.ID)
}

// markRecordsOutOfSync flags synced projection targets as stale: the read
// models just moved past their last sync point.
func (m *Maintainer) markRecordsOutOfSync(ctx context.Context) error {
	records, err := m.store.Records(ctx)
	if err != nil {
		return err
	}

	for _, record := range records {
		if record.Status != SyncStatusSynced {
			continue
		}

		record.Status = SyncStatusOutOfSync
		if err := m.store.PutRecord(ctx, record); err != nil {
			return err
		}
	}

	return nil
}

func (m *Maintainer) apply(ctx context.Context, event any) error {
	switch e := event.(type) {
	case *events.IdentityCreated:
		return m.refreshSummary(ctx, e.IdentityID)
	case *events.IdentityUpdated:
		return m.refreshSummary(ctx, e.IdentityID)
	case *events.IdentityArchived:
		return m.refreshSummary(ctx, e.IdentityID)
	case *events.VerificationStarted:
		return nil
	case *events.VerificationCompleted:
		return m.refreshSummary(ctx, e.IdentityID)
	case *events.IdentitiesMerged:
		if err := m.refreshSummary(ctx, e.IdentityID); err != nil {
			return err
		}

		if err := m.refreshSummary(ctx, e.TargetID); err != nil {
			return err
		}

		if err := m.rebuildAdjacency(ctx, e.IdentityID); err != nil {
			return err
		}

		if err := m.rebuildAdjacency(ctx, e.TargetID); err != nil {
			return err
		}

		if err := m.refreshWorklists(ctx, e.IdentityID); err != nil {
			return err
		}

		return m.refreshWorklists(ctx, e.TargetID)
	case *events.RelationshipEstablished:
		return m.addEdge(ctx, e.RelationshipID, e.FromID, e.ToID, e.Relationship)
	case *events.RelationshipRevoked:
		return m.removeEdge(ctx, e.RelationshipID, e.FromID, e.ToID)
	case *events.RelationshipExpired:
		return m.removeEdge(ctx, e.RelationshipID, e.FromID, e.ToID)
	case *events.WorkflowStarted:
		return m.refreshWorklist(ctx, e.WorkflowID)
	case *events.WorkflowStepCompleted:
		return m.refreshWorklist(ctx, e.WorkflowID)
	case *events.WorkflowCompleted:
		return m.refreshWorklist(ctx, e.WorkflowID)
	case *events.WorkflowTimedOut:
		return m.refreshWorklist(ctx, e.WorkflowID)
	case *events.WorkflowCancelled:
		return m.refreshWorklist(ctx, e.WorkflowID)
	default:
		return nil
	}
}

func (m *Maintainer) refreshSummary(ctx context.Context, identityID string) error {
	identity, err := m.identities.GetByID(ctx, identityID)
	if err != nil {
		if persistence.IsIdentityNotFound(err) {
			m.logger.WarnContext(ctx, "identity gone, skipping summary refresh", "identity_id", identityID)

			return nil
		}

		return err
	}

	return m.store.PutSummary(ctx, SummaryOf(identity))
}

// refreshWorklists re-derives the worklist entry of every workflow an
// identity holds. Merges cancel and re-point workflows in bulk, so the
// entries are rebuilt rather than patched per workflow event.
func (m *Maintainer) refreshWorklists(ctx context.Context, identityID string) error {
	workflows, err := m.workflows.GetByIdentity(ctx, identityID)
	if err != nil {
		return err
	}

	for _, workflow := range workflows {
		if err := m.refreshWorklist(ctx, workflow.ID); err != nil {
			return err
		}
	}

	return nil
}

func (m *Maintainer) refreshWorklist(ctx context.Context, workflowID string) error {
	workflow, err := m.workflows.GetByID(ctx, workflowID)
	if err != nil {
		if persistence.IsWorkflowNotFound(err) {
			return m.store.RemoveWorklistItem(ctx, workflowID)
		}

		return err
	}

	item := ItemOf(workflow)
	if item == nil {
		return m.store.RemoveWorklistItem(ctx, workflowID)
	}

	return m.store.PutWorklistItem(ctx, item)
}

func (m *Maintainer) addEdge(ctx context.Context, relationshipID, fromID, toID string, relType models.RelationshipType) error {
	from, err := m.adjacencyOf(ctx, fromID)
	if err != nil {
		return err
	}

	if !hasEdge(from.Outgoing, relationshipID) {
		from.Outgoing = append(from.Outgoing, EdgeRef{
			RelationshipID: relationshipID,
			PeerID:         toID,
			Type:           relType,
		})
	}

	if err := m.store.PutAdjacency(ctx, from); err != nil {
		return err
	}

	to, err := m.adjacencyOf(ctx, toID)
	if err != nil {
		return err
	}

	if !hasEdge(to.Incoming, relationshipID) {
		to.Incoming = append(to.Incoming, EdgeRef{
			RelationshipID: relationshipID,
			PeerID:         fromID,
			Type:           relType,
		})
	}

	return m.store.PutAdjacency(ctx, to)
}

func (m *Maintainer) removeEdge(ctx context.Context, relationshipID, fromID, toID string) error {
	from, err := m.adjacencyOf(ctx, fromID)
	if err != nil {
		return err
	}

	from.Outgoing = withoutEdge(from.Outgoing, relationshipID)
	if err := m.store.PutAdjacency(ctx, from); err != nil {
		return err
	}

	to, err := m.adjacencyOf(ctx, toID)
	if err != nil {
		return err
	}

	to.Incoming = withoutEdge(to.Incoming, relationshipID)

	return m.store.PutAdjacency(ctx, to)
}

// rebuildAdjacency recomputes an identity's adjacency lists from the store
// of record. Used after merges, which re-point edges wholesale.
func (m *Maintainer) rebuildAdjacency(ctx context.Context, identityID string) error {
	rels, err := m.relationships.GetByIdentity(ctx, identityID)
	if err != nil {
		return err
	}

	adjacency := &Adjacency{
		IdentityID: identityID,
		Outgoing:   make([]EdgeRef, 0),
		Incoming:   make([]EdgeRef, 0),
	}

	for _, rel := range rels {
		ref := EdgeRef{RelationshipID: rel.ID, Type: rel.Type}

		if rel.FromID == identityID {
			ref.PeerID = rel.ToID
			adjacency.Outgoing = append(adjacency.Outgoing, ref)
		} else {
			ref.PeerID = rel.FromID
			adjacency.Incoming = append(adjacency.Incoming, ref)
		}
	}

	return m.store.PutAdjacency(ctx, adjacency)
}

func (m *Maintainer) adjacencyOf(ctx context.Context, identityID string) (*Adjacency, error) {
	adjacency, err := m.store.GetAdjacency(ctx, identityID)
	if err == nil {
		return adjacency, nil
	}

	if errors.Is(err, ErrAdjacencyNotFound) {
		return &Adjacency{
			IdentityID: identityID,
			Outgoing:   make([]EdgeRef, 0),
			Incoming:   make([]EdgeRef, 0),
		}, nil
	}

	return nil, err
}

func hasEdge(refs []EdgeRef, relationshipID string) bool {
	for _, ref := range refs {
		if ref.RelationshipID == relationshipID {
			return true
		}
	}

	return false
}

func withoutEdge(refs []EdgeRef, relationshipID string) []EdgeRef {
	out := refs[:0]

	for _, ref := range refs {
		if ref.RelationshipID != relationshipID {
			out = append(out, ref)
		}
	}

	return out
}

func baseOf(event any) (events.BaseEvent, bool) {
	switch e := event.(type) {
	case *events.IdentityCreated:
		return e.BaseEvent, true
	case *events.IdentityUpdated:
		return e.BaseEvent, true
	case *events.IdentityArchived:
		return e.BaseEvent, true
	case *events.IdentitiesMerged:
		return e.BaseEvent, true
	case *events.RelationshipEstablished:
		return e.BaseEvent, true
	case *events.RelationshipRevoked:
		return e.BaseEvent, true
	case *events.RelationshipExpired:
		return e.BaseEvent, true
	case *events.WorkflowStarted:
		return e.BaseEvent, true
	case *events.WorkflowStepCompleted:
		return e.BaseEvent, true
	case *events.WorkflowCompleted:
		return e.BaseEvent, true
	case *events.WorkflowTimedOut:
		return e.BaseEvent, true
	case *events.WorkflowCancelled:
		return e.BaseEvent, true
	case *events.VerificationStarted:
		return e.BaseEvent, true
	case *events.VerificationCompleted:
		return e.BaseEvent, true
	case *events.ProjectionCreated:
		return e.BaseEvent, true
	case *events.ProjectionSynced:
		return e.BaseEvent, true
	default:
		return events.BaseEvent{}, false
	}
}
