// Package eventbus provides the live forwarding side of the event protocol.
// The bus is an optional observer: run execution persists events regardless
// of whether anything is subscribed here.
package eventbus

import (
	"context"

	"github.com/consilium-ai/consilium/pkg/events"
)

// EventHandler receives decoded events for a subscribed run.
type EventHandler func(ctx context.Context, event events.Event) error

// EventBus forwards run events to live subscribers.
type EventBus interface {
	// Publish forwards one event, keyed by its run id.
	Publish(ctx context.Context, event events.Event) error

	// Subscribe starts consuming the run event topic and dispatching to
	// per-run handlers. It must be called once before SubscribeRun.
	Subscribe(ctx context.Context) error

	// SubscribeRun attaches a handler for one run's events. The returned
	// function detaches it; detaching never affects persistence.
	SubscribeRun(runID string, handler EventHandler) (unsubscribe func())

	Close() error
	GenerateID() string
}
