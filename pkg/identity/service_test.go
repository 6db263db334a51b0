package identity

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/identra/identra/pkg/aggregate"
	"github.com/identra/identra/pkg/mocks"
	"github.com/identra/identra/pkg/models"
	"github.com/identra/identra/pkg/persistence/memory"
	"github.com/identra/identra/pkg/relationship"
)

func newTestService(t *testing.T) (*Service, *memory.Persistence, *relationship.Graph) {
	t.Helper()

	store := memory.NewPersistence()
	graph := relationship.NewGraph()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := NewService(logger, store, graph, aggregate.NewLockManager(), nil)

	return svc, store, graph
}

func seed(t *testing.T, store *memory.Persistence, id string, identityType models.IdentityType, status models.IdentityStatus, level models.VerificationLevel) *models.Identity {
	t.Helper()

	now := time.Now().UTC()
	identity := &models.Identity{
		ID:                id,
		Type:              identityType,
		Status:            status,
		VerificationLevel: level,
		CreatedAt:         now,
		UpdatedAt:         now,
		Version:           1,
	}
	require.NoError(t, store.IdentityRepository().Save(context.Background(), identity))

	return identity
}

func seedRelationship(t *testing.T, store *memory.Persistence, graph *relationship.Graph, id, from, to string) {
	t.Helper()

	rel := &models.Relationship{
		ID:            id,
		FromID:        from,
		ToID:          to,
		Type:          models.RelationshipMemberOf,
		Rules:         models.RelationshipRules{CanRevoke: true},
		EstablishedAt: time.Now().UTC(),
	}
	require.NoError(t, store.RelationshipRepository().Save(context.Background(), rel))
	graph.AddEdge(rel)
}

func TestCreateStartsPending(t *testing.T) {
	svc, _, _ := newTestService(t)

	identity, err := svc.Create(context.Background(), CreateCommand{
		Type: models.IdentityTypePerson,
		Claims: []models.Claim{
			{Type: models.ClaimEmail, Value: "alice@example.com", IssuedAt: time.Now()},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, models.IdentityStatusPending, identity.Status)
	assert.Equal(t, models.VerificationUnverified, identity.VerificationLevel)
	assert.EqualValues(t, 1, identity.Version)
}

func TestCreateRejectsDuplicateEmail(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.Create(context.Background(), CreateCommand{
		Type: models.IdentityTypePerson,
		Claims: []models.Claim{
			{Type: models.ClaimEmail, Value: "alice@example.com", IssuedAt: time.Now()},
		},
	})
	require.NoError(t, err)

	_, err = svc.Create(context.Background(), CreateCommand{
		Type: models.IdentityTypePerson,
		Claims: []models.Claim{
			{Type: models.ClaimEmail, Value: "alice@example.com", IssuedAt: time.Now()},
		},
	})
	assert.ErrorIs(t, err, aggregate.ErrDuplicateClaim)
}

func TestCompleteVerificationActivatesPending(t *testing.T) {
	svc, store, _ := newTestService(t)
	seed(t, store, "alice", models.IdentityTypePerson, models.IdentityStatusPending, models.VerificationUnverified)

	identity, err := svc.CompleteVerification(context.Background(), "alice", models.VerificationEmail, "verifier")
	require.NoError(t, err)

	assert.Equal(t, models.IdentityStatusActive, identity.Status)
	assert.Equal(t, models.VerificationEmail, identity.VerificationLevel)
	assert.NotNil(t, identity.VerifiedAt)
}

func TestVerificationIsMonotonicSingleStep(t *testing.T) {
	svc, store, _ := newTestService(t)
	seed(t, store, "alice", models.IdentityTypePerson, models.IdentityStatusActive, models.VerificationPhone)

	_, err := svc.CompleteVerification(context.Background(), "alice", models.VerificationEmail, "verifier")
	assert.ErrorIs(t, err, aggregate.ErrVerificationDowngrade)

	_, err = svc.CompleteVerification(context.Background(), "alice", models.VerificationInPerson, "verifier")
	assert.ErrorIs(t, err, aggregate.ErrVerificationSkip)

	identity, err := svc.CompleteVerification(context.Background(), "alice", models.VerificationDocument, "verifier")
	require.NoError(t, err)
	assert.Equal(t, models.VerificationDocument, identity.VerificationLevel)
}

func TestVerificationCoversClaims(t *testing.T) {
	svc, store, _ := newTestService(t)

	now := time.Now().UTC()
	identity := seed(t, store, "alice", models.IdentityTypePerson, models.IdentityStatusPending, models.VerificationUnverified)
	identity.Claims = []models.Claim{
		{Type: models.ClaimEmail, Value: "alice@example.com", IssuedAt: now},
		{Type: models.ClaimPhone, Value: "+15550100", IssuedAt: now},
	}
	require.NoError(t, store.IdentityRepository().Save(context.Background(), identity))

	updated, err := svc.CompleteVerification(context.Background(), "alice", models.VerificationEmail, "verifier")
	require.NoError(t, err)

	assert.True(t, updated.Claims[0].Verified)
	assert.False(t, updated.Claims[1].Verified)
}

func TestMergeKeepsHigherLevel(t *testing.T) {
	svc, store, graph := newTestService(t)
	seed(t, store, "source", models.IdentityTypePerson, models.IdentityStatusActive, models.VerificationPhone)
	seed(t, store, "target", models.IdentityTypePerson, models.IdentityStatusActive, models.VerificationInPerson)
	seed(t, store, "org", models.IdentityTypeOrganization, models.IdentityStatusActive, models.VerificationUnverified)
	seedRelationship(t, store, graph, "r1", "source", "org")

	target, err := svc.Merge(context.Background(), MergeCommand{SourceID: "source", TargetID: "target"})
	require.NoError(t, err)
	assert.Equal(t, models.VerificationInPerson, target.VerificationLevel)

	source, err := svc.Get(context.Background(), "source")
	require.NoError(t, err)
	assert.Equal(t, models.IdentityStatusMerged, source.Status)
	assert.Equal(t, "target", source.MergedInto)

	// The source's edge is re-pointed to the target.
	migrated, err := store.RelationshipRepository().GetByIdentity(context.Background(), "target")
	require.NoError(t, err)
	require.Len(t, migrated, 1)
	assert.Equal(t, "target", migrated[0].FromID)

	orphaned, err := store.RelationshipRepository().GetByIdentity(context.Background(), "source")
	require.NoError(t, err)
	assert.Empty(t, orphaned)
}

func TestMergeCancelsDuplicateWorkflow(t *testing.T) {
	store := memory.NewPersistence()
	graph := relationship.NewGraph()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	bus := new(mocks.MockEventBus)
	bus.On("Publish", mock.Anything, "source", mock.AnythingOfType("events.WorkflowCancelled")).Return(nil)
	bus.On("Publish", mock.Anything, "source", mock.AnythingOfType("events.IdentitiesMerged")).Return(nil)

	svc := NewService(logger, store, graph, aggregate.NewLockManager(), bus)
	seed(t, store, "source", models.IdentityTypePerson, models.IdentityStatusActive, models.VerificationEmail)
	seed(t, store, "target", models.IdentityTypePerson, models.IdentityStatusActive, models.VerificationEmail)

	now := time.Now().UTC()
	sourceWf := &models.Workflow{
		ID:          "wf-source",
		IdentityID:  "source",
		Type:        models.WorkflowVerification,
		Status:      models.WorkflowStatusWaitingForInput,
		CurrentStep: "collect_claims",
		Steps: []*models.StepState{
			{ID: "collect_claims", Name: "Collect Claims", Status: models.StepStatusActive, EnteredAt: &now},
		},
		StartedAt: &now,
	}
	require.NoError(t, store.WorkflowRepository().Save(context.Background(), sourceWf))

	targetWf := &models.Workflow{
		ID:          "wf-target",
		IdentityID:  "target",
		Type:        models.WorkflowVerification,
		Status:      models.WorkflowStatusInProgress,
		CurrentStep: "collect_claims",
		Steps: []*models.StepState{
			{ID: "collect_claims", Name: "Collect Claims", Status: models.StepStatusActive, EnteredAt: &now},
		},
		StartedAt: &now,
	}
	require.NoError(t, store.WorkflowRepository().Save(context.Background(), targetWf))

	_, err := svc.Merge(context.Background(), MergeCommand{SourceID: "source", TargetID: "target"})
	require.NoError(t, err)

	// The source's duplicate is cancelled like an engine cancellation:
	// terminal status, stamped completion, active step skipped.
	cancelled, err := store.WorkflowRepository().GetByID(context.Background(), "wf-source")
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowStatusCancelled, cancelled.Status)
	assert.Equal(t, "superseded by merge", cancelled.FailureReason)
	assert.Empty(t, cancelled.CurrentStep)
	require.NotNil(t, cancelled.CompletedAt)
	require.Len(t, cancelled.Steps, 1)
	assert.Equal(t, models.StepStatusSkipped, cancelled.Steps[0].Status)
	assert.NotNil(t, cancelled.Steps[0].CompletedAt)

	survivor, err := store.WorkflowRepository().GetByID(context.Background(), "wf-target")
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowStatusInProgress, survivor.Status)
	assert.Equal(t, "target", survivor.IdentityID)

	bus.AssertExpectations(t)
}

func TestMergePreconditions(t *testing.T) {
	svc, store, _ := newTestService(t)
	seed(t, store, "person", models.IdentityTypePerson, models.IdentityStatusActive, models.VerificationPhone)
	seed(t, store, "org", models.IdentityTypeOrganization, models.IdentityStatusActive, models.VerificationPhone)
	seed(t, store, "pending", models.IdentityTypePerson, models.IdentityStatusPending, models.VerificationUnverified)
	seed(t, store, "novice", models.IdentityTypePerson, models.IdentityStatusActive, models.VerificationEmail)

	_, err := svc.Merge(context.Background(), MergeCommand{SourceID: "person", TargetID: "org"})
	assert.ErrorIs(t, err, aggregate.ErrIncompatibleTypes)

	_, err = svc.Merge(context.Background(), MergeCommand{SourceID: "person", TargetID: "pending"})
	assert.ErrorIs(t, err, aggregate.ErrMergeIntoPending)

	_, err = svc.Merge(context.Background(), MergeCommand{SourceID: "person", TargetID: "novice"})
	assert.ErrorIs(t, err, aggregate.ErrTargetLessVerified)
}

func TestArchiveBlockedByActiveRelationships(t *testing.T) {
	svc, store, graph := newTestService(t)
	seed(t, store, "alice", models.IdentityTypePerson, models.IdentityStatusActive, models.VerificationEmail)
	seed(t, store, "org1", models.IdentityTypeOrganization, models.IdentityStatusActive, models.VerificationUnverified)
	seed(t, store, "org2", models.IdentityTypeOrganization, models.IdentityStatusActive, models.VerificationUnverified)
	seedRelationship(t, store, graph, "r1", "alice", "org1")
	seedRelationship(t, store, graph, "r2", "alice", "org2")

	_, err := svc.Archive(context.Background(), ArchiveCommand{ID: "alice"})
	count, ok := aggregate.IsActiveRelationships(err)
	require.True(t, ok)
	assert.Equal(t, 2, count)

	archived, err := svc.Archive(context.Background(), ArchiveCommand{ID: "alice", Force: true})
	require.NoError(t, err)
	assert.Equal(t, models.IdentityStatusArchived, archived.Status)

	remaining, err := store.RelationshipRepository().GetByIdentity(context.Background(), "alice")
	require.NoError(t, err)
	assert.Empty(t, remaining)

	_, err = svc.Archive(context.Background(), ArchiveCommand{ID: "alice", Force: true})
	assert.ErrorIs(t, err, aggregate.ErrAlreadyArchived)
}

func TestSuspendRemovesRelationships(t *testing.T) {
	svc, store, graph := newTestService(t)
	seed(t, store, "alice", models.IdentityTypePerson, models.IdentityStatusActive, models.VerificationEmail)
	seed(t, store, "org", models.IdentityTypeOrganization, models.IdentityStatusActive, models.VerificationUnverified)
	seedRelationship(t, store, graph, "r1", "alice", "org")

	updated, err := svc.Update(context.Background(), UpdateCommand{ID: "alice", Status: models.IdentityStatusSuspended})
	require.NoError(t, err)
	assert.Equal(t, models.IdentityStatusSuspended, updated.Status)

	remaining, err := store.RelationshipRepository().GetByIdentity(context.Background(), "alice")
	require.NoError(t, err)
	assert.Empty(t, remaining)
	assert.Empty(t, graph.Forward("alice"))
}

func TestUpdateRejectsInvalidTransitions(t *testing.T) {
	svc, store, _ := newTestService(t)
	seed(t, store, "alice", models.IdentityTypePerson, models.IdentityStatusPending, models.VerificationUnverified)

	_, err := svc.Update(context.Background(), UpdateCommand{ID: "alice", Status: models.IdentityStatusSuspended})
	assert.ErrorIs(t, err, aggregate.ErrInvalidTransition)

	_, err = svc.Update(context.Background(), UpdateCommand{ID: "alice", Status: models.IdentityStatusArchived})
	assert.True(t, aggregate.IsInvariantViolation(err))
}
