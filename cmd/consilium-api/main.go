package main

import (
	"context"
	"os"

	cli "github.com/urfave/cli/v3"

	"github.com/consilium-ai/consilium/pkg/cmd"
	"github.com/consilium-ai/consilium/pkg/log"
	"github.com/consilium-ai/consilium/pkg/otelhelper"
)

const defaultPort = 9080

const defaultQuotaLimit = 50

func main() {
	logger := log.WithModule("api")

	command := &cli.Command{
		Name:                  "consilium-api",
		Usage:                 "Start and observe analysis runs",
		EnableShellCompletion: true,
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
				Usage:    "Database connection URL for persistence (file:// or postgres://)",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Live event bus provider (none, gochannel, kafka)",
				Value:   "gochannel",
				Sources: cli.EnvVars("EVENT_BUS"),
			},
			&cli.StringFlag{
				Name:    "redis-url",
				Usage:   "Redis URL for quota counters (optional; defaults to the database)",
				Sources: cli.EnvVars("REDIS_URL"),
			},
			&cli.StringFlag{
				Name:     "model-api-url",
				Usage:    "Base URL of the OpenAI-compatible model endpoint",
				Required: true,
				Sources:  cli.EnvVars("MODEL_API_URL"),
			},
			&cli.StringFlag{
				Name:    "model-api-key",
				Usage:   "API key for the model endpoint",
				Sources: cli.EnvVars("MODEL_API_KEY"),
			},
			&cli.StringFlag{
				Name:     "data-api-url",
				Usage:    "Base URL of the market data snapshot service",
				Required: true,
				Sources:  cli.EnvVars("DATA_API_URL"),
			},
			&cli.StringSliceFlag{
				Name:    "analyst-models",
				Usage:   "Models used for consensus analysis branches",
				Value:   []string{"gpt-4o", "claude-sonnet", "gemini-pro"},
				Sources: cli.EnvVars("ANALYST_MODELS"),
			},
			&cli.IntFlag{
				Name:    "quota-limit",
				Usage:   "Runs allowed per user, per workflow kind, per month",
				Value:   defaultQuotaLimit,
				Sources: cli.EnvVars("QUOTA_LIMIT"),
			},
			&cli.BoolFlag{
				Name:    "tracing",
				Usage:   "Enable OTLP trace export",
				Sources: cli.EnvVars("TRACING_ENABLED"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
			&cli.StringFlag{
				Name:    "log-format",
				Usage:   "Log format (text, json)",
				Value:   "text",
				Sources: cli.EnvVars("LOG_FORMAT"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"), command.String("log-format"))

			logger.InfoContext(ctx, "Initializing Consilium API")

			persistence := cmd.NewPersistence(ctx, logger, command.String("database-url"))

			defer func() {
				err := persistence.Close(ctx)
				if err != nil {
					logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
				}
			}()

			eventBus := cmd.NewEventBus(command.String("event-bus"), logger)

			if eventBus != nil {
				defer func() {
					if err := eventBus.Close(); err != nil {
						logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
					}
				}()
			}

			usageStore := cmd.NewUsageStore(command.String("redis-url"), persistence)

			cfg := Config{
				ModelAPIURL:   command.String("model-api-url"),
				ModelAPIKey:   command.String("model-api-key"),
				DataAPIURL:    command.String("data-api-url"),
				AnalystModels: command.StringSlice("analyst-models"),
				QuotaLimit:    int64(command.Int("quota-limit")),
			}

			if command.Bool("tracing") {
				tracer, err := otelhelper.NewTracer(ctx, "consilium-api")
				if err != nil {
					return err
				}

				cfg.Tracer = tracer
			}

			api := NewAPI(ctx, logger, persistence, usageStore, eventBus, cfg)

			err := api.Start(command.Int("port"))
			if err != nil {
				logger.ErrorContext(ctx, "Failed to start API server", "error", err)
			}

			return nil
		},
	}

	err := command.Run(context.Background(), os.Args)
	if err != nil {
		panic(err)
	}
}
