package main

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"
	cli "github.com/urfave/cli/v3"

	"github.com/identra/identra/pkg/cmd"
	"github.com/identra/identra/pkg/log"
	"github.com/identra/identra/pkg/otelhelper"
)

func main() {
	command := &cli.Command{
		Name:                  "identra-projector",
		Usage:                 "Maintain the read models from the domain event stream",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "projector-id",
				Aliases: []string{"id"},
				Usage:   "Custom projector ID (auto-generated if not provided)",
				Value:   "",
				Sources: cli.EnvVars("PROJECTOR_ID"),
			},
			&cli.StringFlag{
				Name:    "database-url",
				Usage:   "Database connection URL for persistence (postgres:// or memory)",
				Value:   "memory",
				Sources: cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "read-model-url",
				Usage:   "Read model store URL (redis:// or memory)",
				Value:   "memory",
				Sources: cli.EnvVars("READ_MODEL_URL"),
			},
			&cli.StringFlag{
				Name:     "event-bus",
				Usage:    "Event bus provider (kafka, memory)",
				Required: true,
				Sources:  cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			projectorID := command.String("projector-id")
			if projectorID == "" {
				projectorID = fmt.Sprintf("projector-%s", uuid.New().String()[:8])
			}

			logger := log.WithModule("projector").With("projector_id", projectorID)
			logger.Info("Initializing Identra Projector")

			tracer, err := otelhelper.NewTracer(ctx, "identra-projector")
			if err != nil {
				return fmt.Errorf("failed to initialize tracer: %w", err)
			}

			persistence := cmd.NewPersistence(ctx, logger, command.String("database-url"))
			defer func() {
				if err := persistence.Close(ctx); err != nil {
					logger.Error("Failed to close persistence", "error", err)
				}
			}()

			eventBus := cmd.NewEventBus(command.String("event-bus"), logger)
			defer func() {
				if err := eventBus.Close(); err != nil {
					logger.Error("Failed to close event bus", "error", err)
				}
			}()

			readModel := cmd.NewReadModelStore(command.String("read-model-url"))

			projector := NewProjector(projectorID, persistence, readModel, eventBus, tracer, logger)
			projector.Start(ctx)

			return nil
		},
	}

	if err := command.Run(context.Background(), os.Args); err != nil {
		panic(err)
	}
}
