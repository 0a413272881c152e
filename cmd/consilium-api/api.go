// Package main provides the Consilium API server implementation.
package main

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	fiberlogger "github.com/gofiber/fiber/v3/middleware/logger"
	"go.opentelemetry.io/otel/trace"

	"github.com/consilium-ai/consilium/pkg/eventbus"
	"github.com/consilium-ai/consilium/pkg/fanout"
	"github.com/consilium-ai/consilium/pkg/lifecycle"
	"github.com/consilium-ai/consilium/pkg/modelcall"
	"github.com/consilium-ai/consilium/pkg/persistence"
	"github.com/consilium-ai/consilium/pkg/quota"
	"github.com/consilium-ai/consilium/pkg/services"
	"github.com/consilium-ai/consilium/pkg/snapshot"
	"github.com/consilium-ai/consilium/pkg/stream"
	"github.com/consilium-ai/consilium/pkg/web"
	"github.com/consilium-ai/consilium/pkg/workflows"
)

const (
	upstreamTimeout = 120 * time.Second
	snapshotTTL     = 15 * time.Minute
)

// Config carries the collaborator endpoints and run tuning.
type Config struct {
	ModelAPIURL   string
	ModelAPIKey   string
	DataAPIURL    string
	AnalystModels []string
	QuotaLimit    int64
	Tracer        trace.Tracer
}

type API struct {
	logger     *slog.Logger
	runService *services.Runs
	eventBus   eventbus.EventBus
	validate   *validator.Validate
}

func NewAPI(
	ctx context.Context,
	logger *slog.Logger,
	p persistence.Persistence,
	usageStore persistence.UsageRepository,
	eventBus eventbus.EventBus,
	cfg Config,
) *API {
	manager := lifecycle.NewManager(p.RunRepository(), p.StepRepository(), logger)
	emitter := stream.NewEmitter(p.EventRepository(), eventBus, logger)
	coordinator := fanout.NewCoordinator(manager, emitter, logger)
	ledger := quota.NewLedger(usageStore, logger)

	caller := modelcall.NewValidatingCaller(
		modelcall.NewHTTPCaller(cfg.ModelAPIURL, cfg.ModelAPIKey, upstreamTimeout))

	snapshots := snapshot.NewCachingProvider(
		snapshot.NewHTTPFetcher(cfg.DataAPIURL, upstreamTimeout),
		p.SnapshotRepository(), snapshotTTL, logger)

	deps := &workflows.Deps{
		Lifecycle: manager,
		Fanout:    coordinator,
		Emitter:   emitter,
		Caller:    caller,
		Snapshots: snapshots,
		Reports:   p.ReportRepository(),
		Logger:    logger,
	}

	runner := workflows.NewRunner(manager, ledger, emitter,
		[]workflows.Pipeline{
			workflows.NewConsensusPipeline(deps, workflows.ConsensusConfig{
				DefaultModels: cfg.AnalystModels,
			}),
			workflows.NewResearchPipeline(deps, workflows.ResearchConfig{
				PlannerModel:    firstModel(cfg.AnalystModels),
				ResearcherModel: firstModel(cfg.AnalystModels),
			}),
			workflows.NewQAPipeline(deps, workflows.QAConfig{
				DefaultModel: firstModel(cfg.AnalystModels),
			}),
		},
		workflows.RunnerConfig{QuotaLimit: cfg.QuotaLimit},
		cfg.Tracer, logger)

	if eventBus != nil {
		err := eventBus.Subscribe(ctx)
		if err != nil {
			logger.ErrorContext(ctx, "Failed to subscribe event bus", "error", err)
		}
	}

	return &API{
		logger:     logger,
		runService: services.NewRuns(p, runner, manager, emitter, eventBus),
		eventBus:   eventBus,
		validate:   validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (a *API) App() *fiber.App {
	handlers := web.NewAPIHandlers(a.runService, a.validate)

	app := fiber.New()
	app.Use(cors.New())
	app.Use(fiberlogger.New(fiberlogger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("Consilium API")
	})

	handlers.RegisterRoutes(app)

	return app
}

func (a *API) Start(port int) error {
	app := a.App()

	err := app.Listen(":" + strconv.Itoa(port))

	return err
}

func firstModel(models []string) string {
	if len(models) == 0 {
		return "gpt-4o"
	}

	return models[0]
}
