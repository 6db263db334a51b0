package projection

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/identra/identra/pkg/events"
	"github.com/identra/identra/pkg/models"
	"github.com/identra/identra/pkg/persistence/memory"
)

func newTestMaintainer(t *testing.T) (*Maintainer, *MemoryStore, *memory.Persistence) {
	t.Helper()

	store := NewMemoryStore()
	source := memory.NewPersistence()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	return NewMaintainer(logger, store, source), store, source
}

func seedIdentity(t *testing.T, source *memory.Persistence, id string) *models.Identity {
	t.Helper()

	now := time.Now().UTC()
	identity := &models.Identity{
		ID:     id,
		Type:   models.IdentityTypePerson,
		Status: models.IdentityStatusActive,
		Claims: []models.Claim{
			{Type: models.ClaimEmail, Value: id + "@example.com", IssuedAt: now},
		},
		CreatedAt: now,
		UpdatedAt: now,
		Version:   1,
	}
	require.NoError(t, source.IdentityRepository().Save(context.Background(), identity))

	return identity
}

func TestMaintainerBuildsSummary(t *testing.T) {
	maintainer, store, source := newTestMaintainer(t)
	identity := seedIdentity(t, source, "alice")

	event := &events.IdentityCreated{
		BaseEvent:    events.NewBaseEvent(events.IdentityCreatedEvent, identity.ID),
		IdentityType: identity.Type,
		Claims:       identity.Claims,
	}
	require.NoError(t, maintainer.HandleEvent(context.Background(), event))

	summary, err := store.GetSummary(context.Background(), "alice")
	require.NoError(t, err)

	assert.Equal(t, models.IdentityTypePerson, summary.Type)
	assert.Equal(t, models.IdentityStatusActive, summary.Status)
	assert.Equal(t, "alice@example.com", summary.Claims[models.ClaimEmail])

	byClaim, err := store.SummaryByClaim(context.Background(), "email", "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, "alice", byClaim.IdentityID)
}

func TestMaintainerReplayTwiceEqualsOnce(t *testing.T) {
	maintainer, store, source := newTestMaintainer(t)
	seedIdentity(t, source, "alice")
	seedIdentity(t, source, "bob")

	event := &events.RelationshipEstablished{
		BaseEvent:      events.NewBaseEvent(events.RelationshipEstablishedEvent, "alice"),
		RelationshipID: "r1",
		FromID:         "alice",
		ToID:           "bob",
		Relationship:   models.RelationshipManagerOf,
	}

	require.NoError(t, maintainer.HandleEvent(context.Background(), event))

	once, err := store.GetAdjacency(context.Background(), "alice")
	require.NoError(t, err)

	// Redelivery of the identical event must not change any read model.
	require.NoError(t, maintainer.HandleEvent(context.Background(), event))

	twice, err := store.GetAdjacency(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, once, twice)
	require.Len(t, twice.Outgoing, 1)
	assert.Equal(t, "bob", twice.Outgoing[0].PeerID)

	reverse, err := store.GetAdjacency(context.Background(), "bob")
	require.NoError(t, err)
	require.Len(t, reverse.Incoming, 1)
	assert.Equal(t, "alice", reverse.Incoming[0].PeerID)
}

func TestMaintainerRemovesEdges(t *testing.T) {
	maintainer, store, source := newTestMaintainer(t)
	seedIdentity(t, source, "alice")
	seedIdentity(t, source, "bob")

	established := &events.RelationshipEstablished{
		BaseEvent:      events.NewBaseEvent(events.RelationshipEstablishedEvent, "alice"),
		RelationshipID: "r1",
		FromID:         "alice",
		ToID:           "bob",
		Relationship:   models.RelationshipManagerOf,
	}
	require.NoError(t, maintainer.HandleEvent(context.Background(), established))

	revoked := &events.RelationshipRevoked{
		BaseEvent:      events.NewBaseEvent(events.RelationshipRevokedEvent, "alice"),
		RelationshipID: "r1",
		FromID:         "alice",
		ToID:           "bob",
		Relationship:   models.RelationshipManagerOf,
	}
	require.NoError(t, maintainer.HandleEvent(context.Background(), revoked))

	adjacency, err := store.GetAdjacency(context.Background(), "alice")
	require.NoError(t, err)
	assert.Empty(t, adjacency.Outgoing)
}

func TestMaintainerWorklist(t *testing.T) {
	maintainer, store, source := newTestMaintainer(t)
	identity := seedIdentity(t, source, "alice")

	now := time.Now().UTC()
	workflow := &models.Workflow{
		ID:          "wf-1",
		IdentityID:  identity.ID,
		Type:        models.WorkflowVerification,
		Status:      models.WorkflowStatusWaitingForInput,
		CurrentStep: "collect_claims",
		Steps: []*models.StepState{
			{ID: "collect_claims", Name: "Collect Claims", Status: models.StepStatusActive, EnteredAt: &now},
		},
		StartedAt: &now,
	}
	require.NoError(t, source.WorkflowRepository().Save(context.Background(), workflow))

	started := &events.WorkflowStarted{
		BaseEvent:    events.NewBaseEvent(events.WorkflowStartedEvent, identity.ID),
		WorkflowID:   workflow.ID,
		WorkflowType: workflow.Type,
		InitialStep:  "collect_claims",
	}
	require.NoError(t, maintainer.HandleEvent(context.Background(), started))

	items, err := store.Worklist(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "wf-1", items[0].WorkflowID)
	assert.Equal(t, models.WorkflowStatusWaitingForInput, items[0].Status)

	workflow.Status = models.WorkflowStatusCompleted
	workflow.CurrentStep = ""
	require.NoError(t, source.WorkflowRepository().Save(context.Background(), workflow))

	completed := &events.WorkflowCompleted{
		BaseEvent:    events.NewBaseEvent(events.WorkflowCompletedEvent, identity.ID),
		WorkflowID:   workflow.ID,
		WorkflowType: workflow.Type,
		FinalStatus:  workflow.Status,
	}
	require.NoError(t, maintainer.HandleEvent(context.Background(), completed))

	items, err = store.Worklist(context.Background())
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestMaintainerMergeRefreshesWorklist(t *testing.T) {
	maintainer, store, source := newTestMaintainer(t)
	seedIdentity(t, source, "source")
	seedIdentity(t, source, "target")

	now := time.Now().UTC()
	workflow := &models.Workflow{
		ID:          "wf-1",
		IdentityID:  "source",
		Type:        models.WorkflowVerification,
		Status:      models.WorkflowStatusWaitingForInput,
		CurrentStep: "collect_claims",
		Steps: []*models.StepState{
			{ID: "collect_claims", Name: "Collect Claims", Status: models.StepStatusActive, EnteredAt: &now},
		},
		StartedAt: &now,
	}
	require.NoError(t, source.WorkflowRepository().Save(context.Background(), workflow))

	started := &events.WorkflowStarted{
		BaseEvent:    events.NewBaseEvent(events.WorkflowStartedEvent, "source"),
		WorkflowID:   workflow.ID,
		WorkflowType: workflow.Type,
		InitialStep:  "collect_claims",
	}
	require.NoError(t, maintainer.HandleEvent(context.Background(), started))

	items, err := store.Worklist(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 1)

	// A merge cancelled the source's workflow in place; the merged event is
	// the only signal the worklist gets.
	workflow.Status = models.WorkflowStatusCancelled
	workflow.FailureReason = "superseded by merge"
	workflow.CurrentStep = ""
	require.NoError(t, source.WorkflowRepository().Save(context.Background(), workflow))

	merged := &events.IdentitiesMerged{
		BaseEvent: events.NewBaseEvent(events.IdentitiesMergedEvent, "source"),
		TargetID:  "target",
	}
	require.NoError(t, maintainer.HandleEvent(context.Background(), merged))

	items, err = store.Worklist(context.Background())
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestMaintainerTracksCursor(t *testing.T) {
	maintainer, store, source := newTestMaintainer(t)
	identity := seedIdentity(t, source, "alice")

	event := &events.IdentityCreated{
		BaseEvent:    events.NewBaseEvent(events.IdentityCreatedEvent, identity.ID),
		IdentityType: identity.Type,
	}
	require.NoError(t, maintainer.HandleEvent(context.Background(), event))

	cursor, err := store.Cursor(context.Background())
	require.NoError(t, err)
	assert.Equal(t, event.ID, cursor)
}
