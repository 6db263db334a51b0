package relationship

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
)

func newTestService(t *testing.T) (*Service, *memory.Persistence, *Graph) {
	t.Helper()

	store := memory.NewPersistence()
	graph := NewGraph()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := NewService(logger, store.IdentityRepository(), store.RelationshipRepository(),
		graph, aggregate.NewLockManager(), nil)

	return svc, store, graph
}

func seed(t *testing.T, store *memory.Persistence, id string, identityType models.IdentityType, status models.IdentityStatus) {
	t.Helper()

	now := time.Now().UTC()
	require.NoError(t, store.IdentityRepository().Save(context.Background(), &models.Identity{
		ID:        id,
		Type:      identityType,
		Status:    status,
		CreatedAt: now,
		UpdatedAt: now,
		Version:   1,
	}))
}

func TestEstablishIsIdempotent(t *testing.T) {
	svc, store, graph := newTestService(t)
	seed(t, store, "alice", models.IdentityTypePerson, models.IdentityStatusActive)
	seed(t, store, "acme", models.IdentityTypeOrganization, models.IdentityStatusActive)

	cmd := EstablishCommand{
		FromID: "alice",
		ToID:   "acme",
		Type:   models.RelationshipMemberOf,
		Role:   "engineer",
	}

	first, err := svc.Establish(context.Background(), cmd)
	require.NoError(t, err)

	// The identical command is a no-op: same edge back, no duplicate.
	second, err := svc.Establish(context.Background(), cmd)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	all, err := store.RelationshipRepository().All(context.Background())
	require.NoError(t, err)
	assert.Len(t, all, 1)
	assert.Len(t, graph.Forward("alice"), 1)
}

func TestEstablishReplacesExpiredEdge(t *testing.T) {
	svc, store, graph := newTestService(t)
	seed(t, store, "alice", models.IdentityTypePerson, models.IdentityStatusActive)
	seed(t, store, "acme", models.IdentityTypeOrganization, models.IdentityStatusActive)

	past := time.Now().UTC().Add(-time.Hour)
	first, err := svc.Establish(context.Background(), EstablishCommand{
		FromID: "alice",
		ToID:   "acme",
		Type:   models.RelationshipMemberOf,
		Rules:  models.RelationshipRules{ExpiresAt: &past},
	})
	require.NoError(t, err)

	// A lapsed edge is not the idempotent hit; a fresh one replaces it.
	second, err := svc.Establish(context.Background(), EstablishCommand{
		FromID: "alice",
		ToID:   "acme",
		Type:   models.RelationshipMemberOf,
	})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Nil(t, second.Rules.ExpiresAt)

	all, err := store.RelationshipRepository().All(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, second.ID, all[0].ID)
	assert.Len(t, graph.Forward("alice"), 1)
}

func TestEstablishValidation(t *testing.T) {
	svc, store, _ := newTestService(t)
	seed(t, store, "alice", models.IdentityTypePerson, models.IdentityStatusActive)
	seed(t, store, "bob", models.IdentityTypePerson, models.IdentityStatusActive)
	seed(t, store, "acme", models.IdentityTypeOrganization, models.IdentityStatusActive)
	seed(t, store, "carol", models.IdentityTypePerson, models.IdentityStatusPending)

	_, err := svc.Establish(context.Background(), EstablishCommand{
		FromID: "alice", ToID: "alice", Type: models.RelationshipManagerOf,
	})
	assert.ErrorIs(t, err, aggregate.ErrSelfRelationship)

	// member_of runs person -> organization, never person -> person.
	_, err = svc.Establish(context.Background(), EstablishCommand{
		FromID: "alice", ToID: "bob", Type: models.RelationshipMemberOf,
	})
	assert.ErrorIs(t, err, aggregate.ErrRelationshipNotAllowed)

	_, err = svc.Establish(context.Background(), EstablishCommand{
		FromID: "alice", ToID: "carol", Type: models.RelationshipManagerOf,
	})
	assert.ErrorIs(t, err, aggregate.ErrEndpointNotActive)

	_, err = svc.Establish(context.Background(), EstablishCommand{
		FromID: "alice", ToID: "acme", Type: models.RelationshipOwnerOf, Percent: 120,
	})
	assert.Error(t, err)
}

func TestRevokeHonorsRules(t *testing.T) {
	svc, store, graph := newTestService(t)
	seed(t, store, "alice", models.IdentityTypePerson, models.IdentityStatusActive)
	seed(t, store, "acme", models.IdentityTypeOrganization, models.IdentityStatusActive)

	locked, err := svc.Establish(context.Background(), EstablishCommand{
		FromID: "alice", ToID: "acme", Type: models.RelationshipMemberOf,
	})
	require.NoError(t, err)

	err = svc.Revoke(context.Background(), locked.ID, "operator", "cleanup")
	assert.ErrorIs(t, err, aggregate.ErrNotRevocable)

	revocable, err := svc.Establish(context.Background(), EstablishCommand{
		FromID: "alice", ToID: "acme", Type: models.RelationshipManagerOf,
		Rules: models.RelationshipRules{CanRevoke: true},
	})
	require.NoError(t, err)

	require.NoError(t, svc.Revoke(context.Background(), revocable.ID, "operator", "cleanup"))

	_, err = store.RelationshipRepository().GetByID(context.Background(), revocable.ID)
	assert.Error(t, err)
	assert.Len(t, graph.Forward("alice"), 1)
}

func TestSweepExpired(t *testing.T) {
	svc, store, graph := newTestService(t)
	seed(t, store, "alice", models.IdentityTypePerson, models.IdentityStatusActive)
	seed(t, store, "acme", models.IdentityTypeOrganization, models.IdentityStatusActive)

	soon := time.Now().UTC().Add(time.Minute)

	_, err := svc.Establish(context.Background(), EstablishCommand{
		FromID: "alice", ToID: "acme", Type: models.RelationshipMemberOf,
		Rules: models.RelationshipRules{ExpiresAt: &soon},
	})
	require.NoError(t, err)

	removed, err := svc.SweepExpired(context.Background(), time.Now().UTC())
	require.NoError(t, err)
	assert.Zero(t, removed)

	removed, err = svc.SweepExpired(context.Background(), soon.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	all, err := store.RelationshipRepository().All(context.Background())
	require.NoError(t, err)
	assert.Empty(t, all)
	assert.Empty(t, graph.Forward("alice"))
}

func TestEstablishPublishesEvent(t *testing.T) {
	store := memory.NewPersistence()
	graph := NewGraph()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	bus := new(mocks.MockEventBus)
	bus.On("Publish", mock.Anything, "alice", mock.AnythingOfType("events.RelationshipEstablished")).Return(nil)

	svc := NewService(logger, store.IdentityRepository(), store.RelationshipRepository(),
		graph, aggregate.NewLockManager(), bus)
	seed(t, store, "alice", models.IdentityTypePerson, models.IdentityStatusActive)
	seed(t, store, "acme", models.IdentityTypeOrganization, models.IdentityStatusActive)

	_, err := svc.Establish(context.Background(), EstablishCommand{
		FromID: "alice", ToID: "acme", Type: models.RelationshipMemberOf,
	})
	require.NoError(t, err)

	bus.AssertExpectations(t)
}

func TestActiveCountIgnoresExpired(t *testing.T) {
	svc, store, _ := newTestService(t)
	seed(t, store, "alice", models.IdentityTypePerson, models.IdentityStatusActive)
	seed(t, store, "acme", models.IdentityTypeOrganization, models.IdentityStatusActive)
	seed(t, store, "bob", models.IdentityTypePerson, models.IdentityStatusActive)

	past := time.Now().UTC().Add(-time.Hour)

	_, err := svc.Establish(context.Background(), EstablishCommand{
		FromID: "alice", ToID: "acme", Type: models.RelationshipMemberOf,
		Rules: models.RelationshipRules{ExpiresAt: &past},
	})
	require.NoError(t, err)

	_, err = svc.Establish(context.Background(), EstablishCommand{
		FromID: "alice", ToID: "bob", Type: models.RelationshipManagerOf,
	})
	require.NoError(t, err)

	count, err := svc.ActiveCount(context.Background(), "alice", time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
