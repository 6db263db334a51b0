package web

import "github.com/gofiber/fiber/v3"

// RegisterRoutes mounts every API route on the given app.
func (h *APIHandlers) RegisterRoutes(app *fiber.App) {
	identities := app.Group("/identities")
	identities.Post("/", h.CreateIdentity)
	identities.Get("/", h.ListIdentities)
	identities.Get("/:id", h.GetIdentity)
	identities.Patch("/:id", h.UpdateIdentity)
	identities.Post("/merge", h.MergeIdentities)
	identities.Post("/:id/archive", h.ArchiveIdentity)
	identities.Post("/:id/verification/start", h.StartVerification)
	identities.Post("/:id/verification/complete", h.CompleteVerification)
	identities.Get("/:id/verification", h.GetVerificationStatus)
	identities.Get("/:id/relationships", h.GetRelationships)
	identities.Get("/:id/traverse", h.TraverseRelationships)
	identities.Get("/:id/workflows", h.GetIdentityWorkflows)

	relationships := app.Group("/relationships")
	relationships.Post("/", h.EstablishRelationship)
	relationships.Delete("/:id", h.RevokeRelationship)

	workflows := app.Group("/workflows")
	workflows.Post("/", h.StartWorkflow)
	workflows.Get("/:id", h.GetWorkflow)
	workflows.Post("/:id/steps/:stepId/complete", h.CompleteWorkflowStep)
	workflows.Post("/:id/complete", h.CompleteWorkflow)
	workflows.Post("/:id/cancel", h.CancelWorkflow)

	app.Post("/workflow-definitions", h.RegisterWorkflowDefinition)

	projections := app.Group("/projections")
	projections.Post("/", h.CreateProjection)
	projections.Get("/", h.ListProjections)
	projections.Post("/sync", h.SyncProjections)

	read := app.Group("/read")
	read.Get("/identities/:id", h.GetIdentitySummary)
	read.Get("/identities/:id/adjacency", h.GetAdjacency)
	read.Get("/worklist", h.GetWorklist)

	app.Get("/health", h.HealthCheck)
}
