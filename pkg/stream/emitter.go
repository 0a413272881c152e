// Package stream couples the durable event log with the optional live bus
// behind one emit call. Persistence order is the canonical order for replay;
// live forwarding is best-effort and independent of it.
package stream

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/consilium-ai/consilium/pkg/eventbus"
	"github.com/consilium-ai/consilium/pkg/events"
	"github.com/consilium-ai/consilium/pkg/persistence"
)

// Emitter writes events to the event repository and, when a live bus is
// attached, forwards them to subscribers. Both sinks are best-effort: a
// failed write or publish is logged and swallowed so that event emission can
// never abort a run.
type Emitter struct {
	events persistence.EventRepository
	bus    eventbus.EventBus
	logger *slog.Logger
}

// NewEmitter creates an emitter. bus may be nil for headless mode; only
// persistence occurs then.
func NewEmitter(eventRepo persistence.EventRepository, bus eventbus.EventBus, logger *slog.Logger) *Emitter {
	return &Emitter{
		events: eventRepo,
		bus:    bus,
		logger: logger,
	}
}

// Emit persists one event and forwards it to live subscribers.
func (e *Emitter) Emit(ctx context.Context, event events.Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		e.logger.ErrorContext(ctx, "Failed to marshal event",
			"run_id", event.GetRunID(), "event_type", event.GetType(), "error", err)

		return
	}

	stored := &persistence.StoredEvent{
		RunID:     event.GetRunID(),
		EventID:   event.GetID(),
		Type:      string(event.GetType()),
		Payload:   payload,
		Timestamp: event.GetTimestamp(),
	}

	err = e.events.Append(ctx, stored)
	if err != nil {
		e.logger.ErrorContext(ctx, "Failed to persist event",
			"run_id", event.GetRunID(), "event_type", event.GetType(), "error", err)
	}

	if e.bus == nil {
		return
	}

	err = e.bus.Publish(ctx, event)
	if err != nil {
		e.logger.ErrorContext(ctx, "Failed to forward event to live bus",
			"run_id", event.GetRunID(), "event_type", event.GetType(), "error", err)
	}
}

// Replay returns a run's persisted events, decoded, in persisted order.
func (e *Emitter) Replay(ctx context.Context, runID string) ([]events.Event, error) {
	stored, err := e.events.ListByRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	replayed := make([]events.Event, 0, len(stored))

	for _, record := range stored {
		event, err := events.Decode(events.EventType(record.Type), record.Payload)
		if err != nil {
			return nil, err
		}

		replayed = append(replayed, event)
	}

	return replayed, nil
}
