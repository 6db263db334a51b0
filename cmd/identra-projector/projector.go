package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/identra/identra/pkg/eventbus"
	"github.com/identra/identra/pkg/otelhelper"
	"github.com/identra/identra/pkg/persistence"
	"github.com/identra/identra/pkg/projection"
)

// Projector consumes domain events and keeps the read models current.
type Projector struct {
	id           string
	eventBus     eventbus.EventBus
	persistence  persistence.Persistence
	maintainer   *projection.Maintainer
	tracer       trace.Tracer
	logger       *slog.Logger
	restartCount int
}

func NewProjector(
	id string,
	persistence persistence.Persistence,
	store projection.Store,
	eventBus eventbus.EventBus,
	tracer trace.Tracer,
	logger *slog.Logger,
) *Projector {
	return &Projector{
		id:          id,
		eventBus:    eventBus,
		persistence: persistence,
		maintainer:  projection.NewMaintainer(logger, store, persistence),
		tracer:      tracer,
		logger:      logger.With("module", "projector"),
	}
}

// Start begins the projector service.
func (p *Projector) Start(ctx context.Context) {
	pCtx, cancel := context.WithCancel(ctx)

	p.logger.Info("Starting projector")

	p.handleSignals(pCtx, cancel)
	p.run(pCtx)
}

// handleSignals sets up signal handling for graceful shutdown and restart.
func (p *Projector) handleSignals(ctx context.Context, cancel context.CancelFunc) {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-signals
		p.logger.Info("Received signal", "signal", sig)

		switch sig {
		case syscall.SIGHUP:
			p.logger.Info("Reloading...")
			p.restart(ctx, cancel)
		case syscall.SIGINT, syscall.SIGTERM:
			p.logger.Info("Shutting down gracefully...")
			p.stop(cancel)
			os.Exit(0)
		default:
			p.logger.Warn("Unhandled signal received", "signal", sig)
		}
	}()
}

// restart handles service restart with backoff.
func (p *Projector) restart(ctx context.Context, cancel context.CancelFunc) {
	p.restartCount++
	newCtx := context.WithoutCancel(ctx)

	p.stop(cancel)

	if p.restartCount > 5 {
		p.logger.Error("Restart limit reached, exiting...")
		os.Exit(1)
	}

	backoff := time.Duration(p.restartCount) * time.Second
	p.logger.Info("Restarting projector...", "backoff", backoff)
	time.Sleep(backoff)

	p.Start(newCtx)
}

// run registers the maintainer on the event bus and blocks until cancelled.
func (p *Projector) run(ctx context.Context) {
	err := p.maintainer.RegisterWith(p.eventBus, p.handleEvent)
	if err != nil {
		p.logger.Error("Failed to register event handlers", "error", err)

		return
	}

	if err := p.eventBus.Subscribe(ctx); err != nil {
		p.logger.Error("Failed to start event subscription", "error", err)

		return
	}

	p.logger.Info("Subscribed to domain events - waiting for events...")

	<-ctx.Done()
	p.logger.Info("Projector context cancelled, stopping...")
}

// handleEvent wraps the maintainer's handler in a trace span.
func (p *Projector) handleEvent(ctx context.Context, event any) error {
	ctx, span := otelhelper.StartSpan(ctx, p.tracer, "projection.apply",
		attribute.String(otelhelper.ServiceIDKey, p.id))
	defer span.End()

	if err := p.maintainer.HandleEvent(ctx, event); err != nil {
		otelhelper.SetError(span, err)

		return err
	}

	return nil
}

// stop gracefully shuts down the projector.
func (p *Projector) stop(cancel context.CancelFunc) {
	p.logger.Info("Stopping projector")

	if cancel != nil {
		cancel()
	}
}
