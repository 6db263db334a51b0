package postgresql_test

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/identra/identra/pkg/models"
	"github.com/identra/identra/pkg/persistence"
	"github.com/identra/identra/pkg/persistence/postgresql"
)

var postgresContainer *postgres.PostgresContainer

func dropDb(ctx context.Context, t *testing.T, databaseURL string) {
	t.Helper()

	db, err := sql.Open("postgres", databaseURL)
	require.NoError(t, err)

	for _, table := range []string{"workflows", "relationships", "identities", "schema_migrations"} {
		_, err = db.ExecContext(ctx, "DROP TABLE IF EXISTS "+table+" CASCADE")
		require.NoError(t, err)
	}

	err = db.Close()
	require.NoError(t, err)
}

func setupTestDB(t *testing.T) (*postgresql.Persistence, context.Context, string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)

	if postgresContainer == nil || !postgresContainer.IsRunning() {
		var err error

		postgresContainer, err = postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("identra_test"),
			postgres.WithUsername("identra"),
			postgres.WithPassword("identra"),
			postgres.BasicWaitStrategies(),
		)
		require.NoError(t, err)
	}

	databaseURL, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	dropDb(ctx, t, databaseURL)

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	store, err := postgresql.NewPersistence(ctx, logger, databaseURL)
	require.NoError(t, err)

	t.Cleanup(func() {
		dropDb(ctx, t, databaseURL)

		err = store.Close(ctx)
		require.NoError(t, err)

		cancel()
	})

	return store, ctx, databaseURL
}

func TestNewPersistence_Migrations(t *testing.T) {
	_, ctx, databaseURL := setupTestDB(t)

	db, err := sql.Open("postgres", databaseURL)
	require.NoError(t, err)

	defer func() {
		err := db.Close()
		require.NoError(t, err)
	}()

	var exists bool

	for _, table := range []string{"identities", "relationships", "workflows"} {
		err = db.QueryRowContext(ctx, `SELECT EXISTS (SELECT FROM
information_schema.tables WHERE table_name = $1)`, table).Scan(&exists)
		require.NoError(t, err)
		assert.True(t, exists, table+" table should exist")
	}

	var version int

	err = db.QueryRowContext(ctx, "SELECT version FROM schema_migrations WHERE version = 1").Scan(&version)
	require.NoError(t, err)
	assert.Equal(t, 1, version)
}

func TestNewPersistence_HealthCheck(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	err := p.HealthCheck(ctx)
	assert.NoError(t, err)
}

func TestIdentityRepository_SaveAndRetrieve(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	now := time.Now().UTC().Truncate(time.Millisecond)
	identity := &models.Identity{
		ID:                uuid.New().String(),
		Type:              models.IdentityTypePerson,
		Status:            models.IdentityStatusActive,
		VerificationLevel: models.VerificationEmail,
		Claims: []models.Claim{
			{Type: models.ClaimEmail, Value: "alice@example.com", Verified: true, IssuedAt: now},
		},
		Tags:      []string{"engineering"},
		CreatedAt: now,
		UpdatedAt: now,
		Version:   1,
	}

	require.NoError(t, p.IdentityRepository().Save(ctx, identity))

	got, err := p.IdentityRepository().GetByID(ctx, identity.ID)
	require.NoError(t, err)
	assert.Equal(t, identity.Type, got.Type)
	assert.Equal(t, identity.Status, got.Status)
	assert.Equal(t, identity.VerificationLevel, got.VerificationLevel)
	require.Len(t, got.Claims, 1)
	assert.Equal(t, "alice@example.com", got.Claims[0].Value)
	assert.Equal(t, []string{"engineering"}, got.Tags)

	// Save is an upsert.
	identity.Status = models.IdentityStatusSuspended
	identity.Version = 2
	require.NoError(t, p.IdentityRepository().Save(ctx, identity))

	got, err = p.IdentityRepository().GetByID(ctx, identity.ID)
	require.NoError(t, err)
	assert.Equal(t, models.IdentityStatusSuspended, got.Status)
	assert.EqualValues(t, 2, got.Version)

	byClaim, err := p.IdentityRepository().GetByClaim(ctx, models.ClaimEmail, "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, identity.ID, byClaim.ID)

	_, err = p.IdentityRepository().GetByClaim(ctx, models.ClaimEmail, "nobody@example.com")
	assert.True(t, persistence.IsIdentityNotFound(err))

	byType, err := p.IdentityRepository().GetByType(ctx, models.IdentityTypePerson)
	require.NoError(t, err)
	assert.Len(t, byType, 1)
}

func TestIdentityRepository_GetByIDNotFound(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	_, err := p.IdentityRepository().GetByID(ctx, uuid.New().String())
	assert.True(t, persistence.IsIdentityNotFound(err))
}

func TestRelationshipRepository_Roundtrip(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	now := time.Now().UTC().Truncate(time.Millisecond)
	expired := now.Add(-time.Hour)

	first := &models.Relationship{
		ID:            uuid.New().String(),
		FromID:        "alice",
		ToID:          "acme",
		Type:          models.RelationshipMemberOf,
		Role:          "engineer",
		Rules:         models.RelationshipRules{CanRevoke: true},
		EstablishedAt: now,
	}
	second := &models.Relationship{
		ID:            uuid.New().String(),
		FromID:        "alice",
		ToID:          "globex",
		Type:          models.RelationshipDelegatesTo,
		Rules:         models.RelationshipRules{ExpiresAt: &expired},
		EstablishedAt: now,
	}

	require.NoError(t, p.RelationshipRepository().Save(ctx, first))
	require.NoError(t, p.RelationshipRepository().Save(ctx, second))

	// Listings preserve insertion order, which traversal relies on.
	byIdentity, err := p.RelationshipRepository().GetByIdentity(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, byIdentity, 2)
	assert.Equal(t, first.ID, byIdentity[0].ID)
	assert.Equal(t, second.ID, byIdentity[1].ID)

	found, err := p.RelationshipRepository().Find(ctx, "alice", "acme", models.RelationshipMemberOf)
	require.NoError(t, err)
	assert.Equal(t, first.ID, found.ID)

	_, err = p.RelationshipRepository().Find(ctx, "alice", "acme", models.RelationshipOwnerOf)
	assert.True(t, persistence.IsRelationshipNotFound(err))

	lapsed, err := p.RelationshipRepository().Expired(ctx, now)
	require.NoError(t, err)
	require.Len(t, lapsed, 1)
	assert.Equal(t, second.ID, lapsed[0].ID)

	require.NoError(t, p.RelationshipRepository().Delete(ctx, first.ID))

	_, err = p.RelationshipRepository().GetByID(ctx, first.ID)
	assert.True(t, persistence.IsRelationshipNotFound(err))
}

func TestWorkflowRepository_Roundtrip(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	now := time.Now().UTC().Truncate(time.Millisecond)
	workflow := &models.Workflow{
		ID:         uuid.New().String(),
		IdentityID: "alice",
		Type:       models.WorkflowMfaSetup,
		Status:     models.WorkflowStatusWaitingForInput,
		Steps: []*models.StepState{
			{ID: "choose_method", Name: "Choose Method", Status: models.StepStatusActive, EnteredAt: &now},
		},
		CurrentStep: "choose_method",
		StartedAt:   &now,
		StartedBy:   "alice",
	}

	require.NoError(t, p.WorkflowRepository().Save(ctx, workflow))

	got, err := p.WorkflowRepository().GetByID(ctx, workflow.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.Type, got.Type)
	assert.Equal(t, "choose_method", got.CurrentStep)
	require.Len(t, got.Steps, 1)
	assert.Equal(t, models.StepStatusActive, got.Steps[0].Status)

	active, err := p.WorkflowRepository().Active(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 1)

	workflow.Status = models.WorkflowStatusCompleted
	workflow.CurrentStep = ""
	require.NoError(t, p.WorkflowRepository().Save(ctx, workflow))

	active, err = p.WorkflowRepository().Active(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)

	byIdentity, err := p.WorkflowRepository().GetByIdentity(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, byIdentity, 1)
}
