// Package main provides the Conductor daemon: orchestration engine, HTTP API
// and agent liveness sweep in one process.
package main

import (
	"context"
	"log/slog"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/conductor-hq/conductor/pkg/bus"
	"github.com/conductor-hq/conductor/pkg/engine"
	"github.com/conductor-hq/conductor/pkg/events"
	"github.com/conductor-hq/conductor/pkg/flow"
	"github.com/conductor-hq/conductor/pkg/flows"
	"github.com/conductor-hq/conductor/pkg/liveness"
	"github.com/conductor-hq/conductor/pkg/persistence"
	"github.com/conductor-hq/conductor/pkg/web"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v3/middleware/logger"
	"github.com/robfig/cron/v3"
)

const shutdownTimeout = 10 * time.Second

type App struct {
	logger     *slog.Logger
	store      persistence.Persistence
	messageBus bus.MessageBus
	registry   *flow.Registry
	tracker    *liveness.Tracker
	engine     *engine.Engine
}

func NewApp(
	logger *slog.Logger,
	store persistence.Persistence,
	livenessRepo persistence.LivenessRepository,
	messageBus bus.MessageBus,
	window time.Duration,
	engineOpts ...engine.Option,
) *App {
	registry := flow.NewRegistry()

	for _, graph := range []*flow.Graph{
		flows.FeatureDelivery(messageBus),
		flows.IncidentEscalation(messageBus),
	} {
		if err := registry.Register(graph); err != nil {
			panic(err)
		}
	}

	tracker := liveness.NewTracker(livenessRepo, window, logger)

	return &App{
		logger:     logger,
		store:      store,
		messageBus: messageBus,
		registry:   registry,
		tracker:    tracker,
		engine:     engine.New(registry, store.Executions(), messageBus, logger, engineOpts...),
	}
}

// fiberApp builds the HTTP surface.
func (a *App) fiberApp() *fiber.App {
	handlers := web.NewAPIHandlers(a.engine, a.registry, a.tracker, a.store,
		validator.New(validator.WithRequiredStructEnabled()))

	app := fiber.New()
	app.Use(cors.New())
	app.Use(fiberlogger.New(fiberlogger.Config{
		DisableColors: true,
	}))

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("Conductor")
	})

	handlers.Register(app)

	return app
}

// Run recovers in-flight executions, starts the liveness sweep and event log,
// then serves HTTP until the context is cancelled.
func (a *App) Run(ctx context.Context, port int) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a.logEvents()

	go func() {
		if err := a.messageBus.SubscribeEvents(ctx); err != nil {
			a.logger.ErrorContext(ctx, "Event subscription stopped", "error", err)
		}
	}()

	if err := a.engine.Recover(ctx); err != nil {
		return err
	}

	sweeper := cron.New()

	if _, err := sweeper.AddFunc("@every 30s", func() { a.sweepLiveness(ctx) }); err != nil {
		return err
	}

	sweeper.Start()
	defer sweeper.Stop()

	app := a.fiberApp()

	errCh := make(chan error, 1)

	go func() {
		errCh <- app.Listen(":" + strconv.Itoa(port))
	}()

	a.logger.InfoContext(ctx, "Conductor listening", "port", port,
		"graphs", a.registry.IDs())

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		a.logger.Info("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		return app.ShutdownWithContext(shutdownCtx)
	}
}

// sweepLiveness periodically reports agents whose heartbeats went stale.
func (a *App) sweepLiveness(ctx context.Context) {
	down, err := a.tracker.DownAgents(ctx)
	if err != nil {
		a.logger.ErrorContext(ctx, "Liveness sweep failed", "error", err)

		return
	}

	if len(down) > 0 {
		a.logger.WarnContext(ctx, "Agents missing heartbeats", "roles", down)
	}
}

// logEvents mirrors the execution lifecycle stream into the daemon log.
func (a *App) logEvents() {
	for _, eventType := range []events.EventType{
		events.ExecutionStartedEvent,
		events.ExecutionWaitingEvent,
		events.ExecutionResumedEvent,
		events.ExecutionCompletedEvent,
		events.ExecutionFailedEvent,
	} {
		eventType := eventType

		a.messageBus.HandleEvent(eventType, func(ctx context.Context, event any) error {
			a.logger.InfoContext(ctx, "Lifecycle event", "event_type", eventType, "event", event)

			return nil
		})
	}
}
