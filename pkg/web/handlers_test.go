package web

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/identra/identra/pkg/aggregate"
	"github.com/identra/identra/pkg/identity"
	"github.com/identra/identra/pkg/models"
	"github.com/identra/identra/pkg/persistence/memory"
	"github.com/identra/identra/pkg/projection"
	"github.com/identra/identra/pkg/relationship"
	"github.com/identra/identra/pkg/workflow"
)

func setupTestApp(t *testing.T) (*fiber.App, *memory.Persistence) {
	t.Helper()

	store := memory.NewPersistence()
	graph := relationship.NewGraph()
	locks := aggregate.NewLockManager()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	registry, err := workflow.NewRegistry()
	require.NoError(t, err)

	identityService := identity.NewService(logger, store, graph, locks, nil)
	relationshipService := relationship.NewService(logger, store.IdentityRepository(),
		store.RelationshipRepository(), graph, locks, nil)
	engine := workflow.NewEngine(logger, store.IdentityRepository(),
		store.WorkflowRepository(), registry, locks, nil)
	projectionService := projection.NewService(logger, projection.NewMemoryStore(), store, nil)

	handlers := NewAPIHandlers(identityService, relationshipService, engine,
		registry, projectionService, store)

	app := fiber.New()
	handlers.RegisterRoutes(app)

	return app, store
}

func postJSON(t *testing.T, app *fiber.App, path string, body any) *http.Response {
	t.Helper()

	payload, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req)
	require.NoError(t, err)

	return resp
}

func decode(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	require.NoError(t, resp.Body.Close())
}

func seedActive(t *testing.T, store *memory.Persistence, id string, identityType models.IdentityType) {
	t.Helper()

	now := time.Now().UTC()
	require.NoError(t, store.IdentityRepository().Save(context.Background(), &models.Identity{
		ID:                id,
		Type:              identityType,
		Status:            models.IdentityStatusActive,
		VerificationLevel: models.VerificationEmail,
		CreatedAt:         now,
		UpdatedAt:         now,
		Version:           1,
	}))
}

func TestCreateIdentityEndpoint(t *testing.T) {
	app, _ := setupTestApp(t)

	resp := postJSON(t, app, "/identities", map[string]any{
		"type": "person",
		"claims": []map[string]any{
			{"type": "email", "value": "alice@example.com", "issued_at": time.Now().UTC()},
		},
	})
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)

	var created models.Identity
	decode(t, resp, &created)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, models.IdentityStatusPending, created.Status)

	req := httptest.NewRequest(http.MethodGet, "/identities/"+created.ID, nil)
	getResp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, getResp.StatusCode)
}

func TestCreateIdentityValidation(t *testing.T) {
	app, _ := setupTestApp(t)

	resp := postJSON(t, app, "/identities", map[string]any{"claims": []map[string]any{}})
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestGetIdentityNotFound(t *testing.T) {
	app, _ := setupTestApp(t)

	req := httptest.NewRequest(http.MethodGet, "/identities/missing", nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
}

func TestEstablishRelationshipEndpoint(t *testing.T) {
	app, store := setupTestApp(t)
	seedActive(t, store, "alice", models.IdentityTypePerson)
	seedActive(t, store, "acme", models.IdentityTypeOrganization)

	resp := postJSON(t, app, "/relationships", map[string]any{
		"from_id": "alice",
		"to_id":   "acme",
		"type":    "member_of",
		"role":    "engineer",
	})
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)

	req := httptest.NewRequest(http.MethodGet, "/identities/alice/relationships", nil)
	listResp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, listResp.StatusCode)

	var listing struct {
		Count int `json:"count"`
	}
	decode(t, listResp, &listing)
	assert.Equal(t, 1, listing.Count)
}

func TestEstablishRelationshipInvariantViolation(t *testing.T) {
	app, store := setupTestApp(t)
	seedActive(t, store, "alice", models.IdentityTypePerson)

	resp := postJSON(t, app, "/relationships", map[string]any{
		"from_id": "alice",
		"to_id":   "alice",
		"type":    "manager_of",
	})
	assert.Equal(t, fiber.StatusUnprocessableEntity, resp.StatusCode)
}

func TestTraverseEndpoint(t *testing.T) {
	app, store := setupTestApp(t)
	seedActive(t, store, "alice", models.IdentityTypePerson)
	seedActive(t, store, "acme", models.IdentityTypeOrganization)
	seedActive(t, store, "globex", models.IdentityTypeOrganization)

	postJSON(t, app, "/relationships", map[string]any{
		"from_id": "alice", "to_id": "acme", "type": "member_of",
	})
	postJSON(t, app, "/relationships", map[string]any{
		"from_id": "alice", "to_id": "globex", "type": "member_of",
	})

	req := httptest.NewRequest(http.MethodGet, "/identities/alice/traverse?max_depth=2&types=member_of", nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var result relationship.TraversalResult
	decode(t, resp, &result)
	assert.Equal(t, "alice", result.Root)
	assert.Len(t, result.Paths, 2)

	badReq := httptest.NewRequest(http.MethodGet, "/identities/alice/traverse?max_depth=nope", nil)
	badResp, err := app.Test(badReq)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadRequest, badResp.StatusCode)
}

func TestArchiveConflictCarriesCount(t *testing.T) {
	app, store := setupTestApp(t)
	seedActive(t, store, "alice", models.IdentityTypePerson)
	seedActive(t, store, "acme", models.IdentityTypeOrganization)

	postJSON(t, app, "/relationships", map[string]any{
		"from_id": "alice", "to_id": "acme", "type": "member_of",
	})

	resp := postJSON(t, app, "/identities/alice/archive", map[string]any{})
	require.Equal(t, fiber.StatusConflict, resp.StatusCode)

	var problem struct {
		Detail string `json:"detail"`
	}
	decode(t, resp, &problem)
	assert.Contains(t, problem.Detail, "1 active relationship")

	forced := postJSON(t, app, "/identities/alice/archive", map[string]any{"force": true})
	assert.Equal(t, fiber.StatusOK, forced.StatusCode)
}

func TestWorkflowLifecycleEndpoints(t *testing.T) {
	app, store := setupTestApp(t)
	seedActive(t, store, "alice", models.IdentityTypePerson)

	resp := postJSON(t, app, "/workflows", map[string]any{
		"identity_id": "alice",
		"type":        "mfa_setup",
	})
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)

	var started models.Workflow
	decode(t, resp, &started)
	require.NotEmpty(t, started.CurrentStep)

	dup := postJSON(t, app, "/workflows", map[string]any{
		"identity_id": "alice",
		"type":        "mfa_setup",
	})
	assert.Equal(t, fiber.StatusConflict, dup.StatusCode)

	stepResp := postJSON(t, app, "/workflows/"+started.ID+"/steps/"+started.CurrentStep+"/complete", map[string]any{
		"succeeded": true,
	})
	require.Equal(t, fiber.StatusOK, stepResp.StatusCode)

	cancelResp := postJSON(t, app, "/workflows/"+started.ID+"/cancel", map[string]any{
		"reason": "user abandoned setup",
	})
	require.Equal(t, fiber.StatusOK, cancelResp.StatusCode)

	var cancelled models.Workflow
	decode(t, cancelResp, &cancelled)
	assert.Equal(t, models.WorkflowStatusCancelled, cancelled.Status)

	again := postJSON(t, app, "/workflows/"+started.ID+"/cancel", map[string]any{})
	assert.Equal(t, fiber.StatusConflict, again.StatusCode)
}

func TestRegisterWorkflowDefinitionEndpoint(t *testing.T) {
	app, _ := setupTestApp(t)

	resp := postJSON(t, app, "/workflow-definitions", map[string]any{
		"type":         "custom_review",
		"name":         "Custom Review",
		"initial_step": "review",
		"steps": []map[string]any{
			{"id": "review", "name": "Review", "kind": "approval"},
		},
	})
	assert.Equal(t, fiber.StatusCreated, resp.StatusCode)

	invalid := postJSON(t, app, "/workflow-definitions", map[string]any{
		"type": "broken",
	})
	assert.Equal(t, fiber.StatusBadRequest, invalid.StatusCode)
}

func TestProjectionEndpoints(t *testing.T) {
	app, store := setupTestApp(t)
	seedActive(t, store, "alice", models.IdentityTypePerson)

	resp := postJSON(t, app, "/projections", map[string]any{
		"type":          "identity_summary",
		"target_domain": "crm.example.com",
	})
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)

	syncResp := postJSON(t, app, "/projections/sync", map[string]any{})
	require.Equal(t, fiber.StatusOK, syncResp.StatusCode)

	req := httptest.NewRequest(http.MethodGet, "/read/identities/alice", nil)
	summaryResp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, summaryResp.StatusCode)

	var summary projection.IdentitySummary
	decode(t, summaryResp, &summary)
	assert.Equal(t, "alice", summary.IdentityID)

	missing := httptest.NewRequest(http.MethodGet, "/read/identities/nobody", nil)
	missingResp, err := app.Test(missing)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusNotFound, missingResp.StatusCode)
}

func TestHealthCheckEndpoint(t *testing.T) {
	app, _ := setupTestApp(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}
