// Package main provides the Identra API server implementation.
package main

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"

	"github.com/identra/identra/pkg/aggregate"
	"github.com/identra/identra/pkg/eventbus"
	"github.com/identra/identra/pkg/identity"
	"github.com/identra/identra/pkg/persistence"
	"github.com/identra/identra/pkg/projection"
	"github.com/identra/identra/pkg/relationship"
	"github.com/identra/identra/pkg/web"
	"github.com/identra/identra/pkg/workflow"
)

type API struct {
	logger      *slog.Logger
	persistence persistence.Persistence
	readModel   projection.Store
	eventBus    eventbus.EventBus
}

func NewAPI(
	logger *slog.Logger,
	persistence persistence.Persistence,
	readModel projection.Store,
	eventBus eventbus.EventBus,
) *API {
	return &API{
		logger:      logger,
		persistence: persistence,
		readModel:   readModel,
		eventBus:    eventBus,
	}
}

func (a *API) App(ctx context.Context) (*fiber.App, error) {
	registry, err := workflow.NewRegistry()
	if err != nil {
		return nil, err
	}

	// The graph is rebuilt from persistence so traversal works immediately
	// after a restart.
	graph := relationship.NewGraph()
	if err := graph.Load(ctx, a.persistence.RelationshipRepository()); err != nil {
		return nil, err
	}

	locks := aggregate.NewLockManager()

	identityService := identity.NewService(a.logger, a.persistence, graph, locks, a.eventBus)
	relationshipService := relationship.NewService(a.logger, a.persistence.IdentityRepository(),
		a.persistence.RelationshipRepository(), graph, locks, a.eventBus)
	engine := workflow.NewEngine(a.logger, a.persistence.IdentityRepository(),
		a.persistence.WorkflowRepository(), registry, locks, a.eventBus)
	projectionService := projection.NewService(a.logger, a.readModel, a.persistence, a.eventBus)

	handlers := web.NewAPIHandlers(identityService, relationshipService, engine,
		registry, projectionService, a.persistence)

	app := fiber.New()
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("Identra API")
	})

	handlers.RegisterRoutes(app)

	return app, nil
}

func (a *API) Start(ctx context.Context, port int) error {
	app, err := a.App(ctx)
	if err != nil {
		return err
	}

	return app.Listen(":" + strconv.Itoa(port))
}
