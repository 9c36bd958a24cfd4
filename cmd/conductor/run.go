package main

import (
	"context"
	"fmt"
	"time"

	"github.com/conductor-hq/conductor/pkg/cmd"
	"github.com/conductor-hq/conductor/pkg/engine"
	"github.com/conductor-hq/conductor/pkg/log"
	"github.com/conductor-hq/conductor/pkg/otelhelper"
	"github.com/urfave/cli/v3"
)

const defaultPort = 9091

func RunCommand() *cli.Command {
	return &cli.Command{
		Name:    "run",
		Aliases: []string{"r"},
		Usage:   "Start the orchestration engine and HTTP API",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to run the API server on",
				Value:   defaultPort,
				Sources: cli.EnvVars("PORT"),
			},
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Database connection URL for persistence (postgres://... or mem://)",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "liveness-url",
				Usage:   "Optional redis:// URL for the agent liveness store",
				Sources: cli.EnvVars("LIVENESS_URL"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Message channel provider (gochannel, kafka)",
				Value:   "gochannel",
				Sources: cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.DurationFlag{
				Name:    "liveness-window",
				Usage:   "Freshness window for agent heartbeats",
				Value:   30 * time.Second,
				Sources: cli.EnvVars("LIVENESS_WINDOW"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
			&cli.BoolFlag{
				Name:    "tracing",
				Usage:   "Export walk traces over OTLP",
				Sources: cli.EnvVars("TRACING_ENABLED"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			logger := log.WithModule("conductor")
			logger.InfoContext(ctx, "Initializing Conductor")

			store := cmd.NewPersistence(ctx, logger, command.String("database-url"))
			defer func() {
				if err := store.Close(ctx); err != nil {
					logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
				}
			}()

			livenessRepo := store.Liveness()
			if redisURL := command.String("liveness-url"); redisURL != "" {
				livenessRepo = cmd.NewLivenessRepository(ctx, redisURL, command.Duration("liveness-window"))
			}

			messageBus := cmd.NewMessageBus(command.String("event-bus"), "conductor", store.Messages(), logger)
			defer func() {
				if err := messageBus.Close(); err != nil {
					logger.ErrorContext(ctx, "Failed to close message bus", "error", err)
				}
			}()

			var engineOpts []engine.Option

			if command.Bool("tracing") {
				tracer, err := otelhelper.NewTracer(ctx, "conductor")
				if err != nil {
					return fmt.Errorf("failed to initialize tracer: %w", err)
				}

				engineOpts = append(engineOpts, engine.WithTracer(tracer))
			}

			app := NewApp(logger, store, livenessRepo, messageBus,
				command.Duration("liveness-window"), engineOpts...)

			return app.Run(ctx, command.Int("port"))
		},
	}
}
