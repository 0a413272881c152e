// Package web provides HTTP handlers and REST API endpoints for run management.
package web

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"

	"github.com/consilium-ai/consilium/pkg/events"
	"github.com/consilium-ai/consilium/pkg/models"
	"github.com/consilium-ai/consilium/pkg/services"
)

const userIDHeader = "X-User-ID"

const heartbeatInterval = 15 * time.Second

type APIHandlers struct {
	runService *services.Runs
	validator  *validator.Validate
}

func NewAPIHandlers(runService *services.Runs, validator *validator.Validate) *APIHandlers {
	return &APIHandlers{
		runService: runService,
		validator:  validator,
	}
}

// RegisterRoutes mounts the run API on a fiber app.
func (h *APIHandlers) RegisterRoutes(app *fiber.App) {
	app.Get("/health", h.HealthCheck)
	app.Post("/runs", h.StartRun)
	app.Get("/runs", h.ListRuns)
	app.Get("/runs/:id", h.GetRun)
	app.Get("/runs/:id/events", h.StreamRunEvents)
	app.Get("/runs/:id/report", h.GetReport)
	app.Post("/runs/:id/cancel", h.CancelRun)
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	repositoryCheck, repOk := h.runService.HealthCheck(c.Context())

	status := "unhealthy"
	message := "Consilium API is unhealthy"
	httpStatus := http.StatusInternalServerError

	if repOk {
		status = "healthy"
		message = "Consilium API is healthy"
		httpStatus = http.StatusOK
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status":  status,
		"message": message,
		"checkers": fiber.Map{
			"repository": repositoryCheck,
		},
		"timestamp": time.Now().UTC(),
	})
}

func (h *APIHandlers) StartRun(c fiber.Ctx) error {
	var req StartRunRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	run, err := h.runService.StartRun(c.Context(), services.StartRunRequest{
		Kind:   models.RunKind(req.Kind),
		Input:  req.Input,
		UserID: c.Get(userIDHeader),
	})
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(TransformRunResponse(run))
}

func (h *APIHandlers) ListRuns(c fiber.Ctx) error {
	userID := c.Get(userIDHeader)
	if userID == "" {
		return badRequest(c, "X-User-ID header is required")
	}

	runs, err := h.runService.ListRuns(c.Context(), userID)
	if err != nil {
		return handleServiceError(c, err)
	}

	responses := make([]RunResponse, 0, len(runs))
	for _, run := range runs {
		responses = append(responses, TransformRunResponse(run))
	}

	return c.JSON(fiber.Map{"runs": responses})
}

func (h *APIHandlers) GetRun(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Run ID is required")
	}

	status, err := h.runService.GetRunStatus(c.Context(), id)
	if err != nil {
		if services.IsNotFoundError(err) {
			return notFound(c, "Run not found")
		}

		return internalError(c, err)
	}

	response := RunStatusResponse{
		Run:   TransformRunResponse(status.Run),
		Steps: make([]StepResponse, 0, len(status.Steps)),
	}

	for _, step := range status.Steps {
		response.Steps = append(response.Steps, TransformStepResponse(step))
	}

	return c.JSON(response)
}

func (h *APIHandlers) GetReport(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Run ID is required")
	}

	report, err := h.runService.GetReport(c.Context(), id)
	if err != nil {
		if services.IsNotFoundError(err) {
			return notFound(c, "Report not found")
		}

		return internalError(c, err)
	}

	return c.JSON(report)
}

func (h *APIHandlers) CancelRun(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Run ID is required")
	}

	err := h.runService.CancelRun(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.SendStatus(fiber.StatusAccepted)
}

// StreamRunEvents serves a run's events as server-sent events: the persisted
// history first, then live events until the run reaches a terminal state.
// Without a live bus the stream ends after the replayed history.
func (h *APIHandlers) StreamRunEvents(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Run ID is required")
	}

	history, err := h.runService.ReplayEvents(c.Context(), id)
	if err != nil {
		if services.IsNotFoundError(err) {
			return notFound(c, "Run not found")
		}

		return internalError(c, err)
	}

	var (
		live        chan events.Event
		unsubscribe func()
	)

	if h.runService.Live() {
		live = make(chan events.Event, 64)

		unsubscribe, err = h.runService.Subscribe(id, func(_ context.Context, event events.Event) error {
			// A slow client drops live events rather than blocking the bus.
			select {
			case live <- event:
			default:
			}

			return nil
		})
		if err != nil {
			return internalError(c, err)
		}
	}

	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")

	return c.SendStreamWriter(func(w *bufio.Writer) {
		if unsubscribe != nil {
			defer unsubscribe()
		}

		for _, event := range history {
			if writeSSE(w, event) != nil {
				return
			}
		}

		if w.Flush() != nil {
			return
		}

		if live == nil {
			return
		}

		heartbeat := time.NewTicker(heartbeatInterval)
		defer heartbeat.Stop()

		for {
			select {
			case event := <-live:
				if writeSSE(w, event) != nil || w.Flush() != nil {
					return
				}

				if terminalEvent(event) {
					return
				}

			case <-heartbeat.C:
				if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
					return
				}

				if w.Flush() != nil {
					return
				}

				if h.runTerminal(id) {
					return
				}
			}
		}
	})
}

func writeSSE(w *bufio.Writer, event events.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.GetType(), data)

	return err
}

// terminalEvent reports whether an event ends the stream. Cancelled runs
// emit no terminal event; the heartbeat path catches those.
func terminalEvent(event events.Event) bool {
	return event.GetType() == events.CompleteEventType || event.GetType() == events.ErrorEventType
}

func (h *APIHandlers) runTerminal(runID string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	status, err := h.runService.GetRunStatus(ctx, runID)
	if err != nil {
		return true
	}

	return status.Run.Status.Terminal()
}
