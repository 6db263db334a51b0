package web

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/identra/identra/pkg/identity"
	"github.com/identra/identra/pkg/models"
	"github.com/identra/identra/pkg/persistence"
	"github.com/identra/identra/pkg/projection"
	"github.com/identra/identra/pkg/relationship"
	"github.com/identra/identra/pkg/workflow"
)

type APIHandlers struct {
	identities    *identity.Service
	relationships *relationship.Service
	workflows     *workflow.Engine
	registry      *workflow.Registry
	projections   *projection.Service
	persistence   persistence.Persistence
}

func NewAPIHandlers(
	identities *identity.Service,
	relationships *relationship.Service,
	workflows *workflow.Engine,
	registry *workflow.Registry,
	projections *projection.Service,
	store persistence.Persistence,
) *APIHandlers {
	return &APIHandlers{
		identities:    identities,
		relationships: relationships,
		workflows:     workflows,
		registry:      registry,
		projections:   projections,
		persistence:   store,
	}
}

func (h *APIHandlers) CreateIdentity(c fiber.Ctx) error {
	var cmd identity.CreateCommand
	if err := c.Bind().JSON(&cmd); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	created, err := h.identities.Create(c.Context(), cmd)
	if err != nil {
		return handleDomainError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(created)
}

func (h *APIHandlers) GetIdentity(c fiber.Ctx) error {
	found, err := h.identities.Get(c.Context(), c.Params("id"))
	if err != nil {
		return handleDomainError(c, err)
	}

	return c.JSON(found)
}

func (h *APIHandlers) ListIdentities(c fiber.Ctx) error {
	identityType := c.Query("type")
	if identityType == "" {
		return badRequest(c, "Query parameter 'type' is required")
	}

	found, err := h.identities.GetByType(c.Context(), models.IdentityType(identityType))
	if err != nil {
		return handleDomainError(c, err)
	}

	return c.JSON(fiber.Map{"identities": found, "count": len(found)})
}

func (h *APIHandlers) UpdateIdentity(c fiber.Ctx) error {
	var cmd identity.UpdateCommand
	if err := c.Bind().JSON(&cmd); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	cmd.ID = c.Params("id")

	updated, err := h.identities.Update(c.Context(), cmd)
	if err != nil {
		return handleDomainError(c, err)
	}

	return c.JSON(updated)
}

func (h *APIHandlers) MergeIdentities(c fiber.Ctx) error {
	var cmd identity.MergeCommand
	if err := c.Bind().JSON(&cmd); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	target, err := h.identities.Merge(c.Context(), cmd)
	if err != nil {
		return handleDomainError(c, err)
	}

	return c.JSON(target)
}

func (h *APIHandlers) ArchiveIdentity(c fiber.Ctx) error {
	var cmd identity.ArchiveCommand
	if err := c.Bind().JSON(&cmd); err != nil && len(c.Body()) > 0 {
		return badRequest(c, "Invalid JSON format")
	}

	cmd.ID = c.Params("id")

	archived, err := h.identities.Archive(c.Context(), cmd)
	if err != nil {
		return handleDomainError(c, err)
	}

	return c.JSON(archived)
}

func (h *APIHandlers) StartVerification(c fiber.Ctx) error {
	var req StartVerificationRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if req.Method == "" {
		return badRequest(c, "Verification method is required")
	}

	if err := h.identities.StartVerification(c.Context(), c.Params("id"), req.Method, req.ActorID); err != nil {
		return handleDomainError(c, err)
	}

	return c.SendStatus(fiber.StatusAccepted)
}

func (h *APIHandlers) CompleteVerification(c fiber.Ctx) error {
	var req CompleteVerificationRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	verified, err := h.identities.CompleteVerification(c.Context(), c.Params("id"), req.Level, req.VerifiedBy)
	if err != nil {
		return handleDomainError(c, err)
	}

	return c.JSON(verified)
}

func (h *APIHandlers) GetVerificationStatus(c fiber.Ctx) error {
	status, err := h.identities.GetVerificationStatus(c.Context(), c.Params("id"))
	if err != nil {
		return handleDomainError(c, err)
	}

	return c.JSON(status)
}

func (h *APIHandlers) EstablishRelationship(c fiber.Ctx) error {
	var cmd relationship.EstablishCommand
	if err := c.Bind().JSON(&cmd); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	established, err := h.relationships.Establish(c.Context(), cmd)
	if err != nil {
		return handleDomainError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(established)
}

func (h *APIHandlers) RevokeRelationship(c fiber.Ctx) error {
	var req RevokeRelationshipRequest
	if err := c.Bind().JSON(&req); err != nil && len(c.Body()) > 0 {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.relationships.Revoke(c.Context(), c.Params("id"), req.ActorID, req.Reason); err != nil {
		return handleDomainError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *APIHandlers) GetRelationships(c fiber.Ctx) error {
	found, err := h.relationships.GetByIdentity(c.Context(), c.Params("id"))
	if err != nil {
		return handleDomainError(c, err)
	}

	return c.JSON(fiber.Map{"relationships": found, "count": len(found)})
}

func (h *APIHandlers) TraverseRelationships(c fiber.Ctx) error {
	opts := relationship.TraversalOptions{Target: c.Query("target")}

	if depthStr := c.Query("max_depth"); depthStr != "" {
		depth, err := strconv.Atoi(depthStr)
		if err != nil || depth < 0 {
			return badRequest(c, "Invalid max_depth")
		}

		opts.MaxDepth = depth
	}

	if typesStr := c.Query("types"); typesStr != "" {
		for _, t := range strings.Split(typesStr, ",") {
			opts.TypeFilter = append(opts.TypeFilter, models.RelationshipType(strings.TrimSpace(t)))
		}
	}

	result, err := h.relationships.Traverse(c.Context(), c.Params("id"), opts)
	if err != nil {
		return handleDomainError(c, err)
	}

	return c.JSON(result)
}

func (h *APIHandlers) StartWorkflow(c fiber.Ctx) error {
	var cmd workflow.StartCommand
	if err := c.Bind().JSON(&cmd); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	started, err := h.workflows.Start(c.Context(), cmd)
	if err != nil {
		return handleDomainError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(started)
}

func (h *APIHandlers) GetWorkflow(c fiber.Ctx) error {
	found, err := h.workflows.Get(c.Context(), c.Params("id"))
	if err != nil {
		return handleDomainError(c, err)
	}

	return c.JSON(found)
}

func (h *APIHandlers) GetIdentityWorkflows(c fiber.Ctx) error {
	identityID := c.Params("id")

	if activeStr := c.Query("active"); activeStr != "" {
		active, err := strconv.ParseBool(activeStr)
		if err != nil {
			return badRequest(c, "Invalid active filter")
		}

		if active {
			found, err := h.workflows.ActiveByIdentity(c.Context(), identityID)
			if err != nil {
				return handleDomainError(c, err)
			}

			return c.JSON(fiber.Map{"workflows": found, "count": len(found)})
		}
	}

	found, err := h.workflows.GetByIdentity(c.Context(), identityID)
	if err != nil {
		return handleDomainError(c, err)
	}

	return c.JSON(fiber.Map{"workflows": found, "count": len(found)})
}

func (h *APIHandlers) CompleteWorkflowStep(c fiber.Ctx) error {
	var cmd workflow.CompleteStepCommand
	if err := c.Bind().JSON(&cmd); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	cmd.WorkflowID = c.Params("id")
	cmd.StepID = c.Params("stepId")

	advanced, err := h.workflows.CompleteStep(c.Context(), cmd)
	if err != nil {
		return handleDomainError(c, err)
	}

	return c.JSON(advanced)
}

func (h *APIHandlers) CompleteWorkflow(c fiber.Ctx) error {
	var cmd workflow.CompleteCommand
	if err := c.Bind().JSON(&cmd); err != nil && len(c.Body()) > 0 {
		return badRequest(c, "Invalid JSON format")
	}

	cmd.WorkflowID = c.Params("id")

	completed, err := h.workflows.Complete(c.Context(), cmd)
	if err != nil {
		return handleDomainError(c, err)
	}

	return c.JSON(completed)
}

func (h *APIHandlers) CancelWorkflow(c fiber.Ctx) error {
	var req CancelWorkflowRequest
	if err := c.Bind().JSON(&req); err != nil && len(c.Body()) > 0 {
		return badRequest(c, "Invalid JSON format")
	}

	cancelled, err := h.workflows.Cancel(c.Context(), c.Params("id"), req.ActorID, req.Reason)
	if err != nil {
		return handleDomainError(c, err)
	}

	return c.JSON(cancelled)
}

func (h *APIHandlers) RegisterWorkflowDefinition(c fiber.Ctx) error {
	def, err := h.registry.RegisterJSON(c.Body())
	if err != nil {
		return handleDomainError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(def)
}

func (h *APIHandlers) CreateProjection(c fiber.Ctx) error {
	var cmd projection.CreateCommand
	if err := c.Bind().JSON(&cmd); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	record, err := h.projections.CreateProjection(c.Context(), cmd)
	if err != nil {
		return handleDomainError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(record)
}

func (h *APIHandlers) SyncProjections(c fiber.Ctx) error {
	var req SyncProjectionsRequest
	if err := c.Bind().JSON(&req); err != nil && len(c.Body()) > 0 {
		return badRequest(c, "Invalid JSON format")
	}

	synced, syncErrors, err := h.projections.SyncProjections(c.Context(), req.ActorID)
	if err != nil {
		return handleDomainError(c, err)
	}

	return c.JSON(fiber.Map{"synced": synced, "errors": syncErrors})
}

func (h *APIHandlers) ListProjections(c fiber.Ctx) error {
	records, err := h.projections.Records(c.Context())
	if err != nil {
		return handleDomainError(c, err)
	}

	return c.JSON(fiber.Map{"projections": records, "count": len(records)})
}

func (h *APIHandlers) GetIdentitySummary(c fiber.Ctx) error {
	summary, err := h.projections.GetSummary(c.Context(), c.Params("id"))
	if err != nil {
		return handleDomainError(c, err)
	}

	return c.JSON(summary)
}

func (h *APIHandlers) GetAdjacency(c fiber.Ctx) error {
	adjacency, err := h.projections.GetAdjacency(c.Context(), c.Params("id"))
	if err != nil {
		return handleDomainError(c, err)
	}

	return c.JSON(adjacency)
}

func (h *APIHandlers) GetWorklist(c fiber.Ctx) error {
	items, err := h.projections.Worklist(c.Context())
	if err != nil {
		return handleDomainError(c, err)
	}

	return c.JSON(fiber.Map{"items": items, "count": len(items)})
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	status := "healthy"
	httpStatus := http.StatusOK

	if err := h.persistence.HealthCheck(c.Context()); err != nil {
		status = "unhealthy"
		httpStatus = http.StatusInternalServerError
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status":    status,
		"timestamp": time.Now().UTC(),
	})
}
