package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/identra/identra/pkg/aggregate"
	"github.com/identra/identra/pkg/eventbus"
	"github.com/identra/identra/pkg/persistence"
	"github.com/identra/identra/pkg/relationship"
	"github.com/identra/identra/pkg/workflow"
)

// Sweeper periodically removes expired relationships and fails timed out
// workflow steps.
type Sweeper struct {
	id            string
	schedule      string
	relationships *relationship.Service
	engine        *workflow.Engine
	logger        *slog.Logger
}

func NewSweeper(
	id string,
	schedule string,
	store persistence.Persistence,
	eventBus eventbus.EventBus,
	logger *slog.Logger,
) (*Sweeper, error) {
	registry, err := workflow.NewRegistry()
	if err != nil {
		return nil, err
	}

	graph := relationship.NewGraph()
	if err := graph.Load(context.Background(), store.RelationshipRepository()); err != nil {
		return nil, err
	}

	locks := aggregate.NewLockManager()

	return &Sweeper{
		id:       id,
		schedule: schedule,
		relationships: relationship.NewService(logger, store.IdentityRepository(),
			store.RelationshipRepository(), graph, locks, eventBus),
		engine: workflow.NewEngine(logger, store.IdentityRepository(),
			store.WorkflowRepository(), registry, locks, eventBus),
		logger: logger.With("module", "sweeper"),
	}, nil
}

// Start schedules the sweeps and blocks until a shutdown signal arrives.
func (s *Sweeper) Start(ctx context.Context) error {
	scheduler := cron.New()

	_, err := scheduler.AddFunc(s.schedule, func() {
		s.sweep(ctx)
	})
	if err != nil {
		return err
	}

	s.logger.Info("Starting sweeper", "schedule", s.schedule)
	scheduler.Start()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-signals:
		s.logger.Info("Received signal, shutting down...", "signal", sig)
	case <-ctx.Done():
		s.logger.Info("Context cancelled, shutting down...")
	}

	stopCtx := scheduler.Stop()
	<-stopCtx.Done()

	return nil
}

func (s *Sweeper) sweep(ctx context.Context) {
	now := time.Now().UTC()

	expired, err := s.relationships.SweepExpired(ctx, now)
	if err != nil {
		s.logger.Error("Relationship sweep failed", "error", err)
	} else if expired > 0 {
		s.logger.Info("Removed expired relationships", "count", expired)
	}

	timedOut, err := s.engine.SweepTimeouts(ctx, now)
	if err != nil {
		s.logger.Error("Workflow timeout sweep failed", "error", err)
	} else if timedOut > 0 {
		s.logger.Info("Failed timed out workflows", "count", timedOut)
	}
}
