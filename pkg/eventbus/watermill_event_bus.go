package eventbus

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/consilium-ai/consilium/pkg/events"
)

type subscription struct {
	runID   string
	handler EventHandler
}

// WatermillEventBus forwards run events over a watermill publisher/subscriber
// pair. Handlers are keyed per run; events for runs nobody watches are acked
// and dropped.
type WatermillEventBus struct {
	publisher  message.Publisher
	subscriber message.Subscriber

	mu            sync.RWMutex
	subscriptions map[int]subscription
	nextID        int
}

func NewWatermillEventBus(pub message.Publisher, sub message.Subscriber) *WatermillEventBus {
	return &WatermillEventBus{
		publisher:     pub,
		subscriber:    sub,
		subscriptions: make(map[int]subscription),
	}
}

func (eb *WatermillEventBus) GenerateID() string {
	return watermill.NewULID()
}

func (eb *WatermillEventBus) Publish(ctx context.Context, event events.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	msg := message.NewMessage("msg-"+eb.GenerateID(), payload)
	msg.Metadata.Set(events.RunIDMetadataKey, event.GetRunID())
	msg.Metadata.Set(events.EventTypeMetadataKey, string(event.GetType()))

	return eb.publisher.Publish(events.Topic, msg)
}

func (eb *WatermillEventBus) Subscribe(ctx context.Context) error {
	messages, err := eb.subscriber.Subscribe(ctx, events.Topic)
	if err != nil {
		return err
	}

	go func() {
		for msg := range messages {
			runID := msg.Metadata.Get(events.RunIDMetadataKey)
			eventType := events.EventType(msg.Metadata.Get(events.EventTypeMetadataKey))

			handlers := eb.handlersFor(runID)
			if len(handlers) == 0 {
				msg.Ack()

				continue
			}

			event, err := events.Decode(eventType, msg.Payload)
			if err != nil {
				msg.Nack()

				continue
			}

			for _, handler := range handlers {
				// A failing live subscriber never affects delivery to the
				// others or what has been persisted.
				_ = handler(ctx, event)
			}

			msg.Ack()
		}
	}()

	return nil
}

func (eb *WatermillEventBus) SubscribeRun(runID string, handler EventHandler) func() {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	id := eb.nextID
	eb.nextID++
	eb.subscriptions[id] = subscription{runID: runID, handler: handler}

	return func() {
		eb.mu.Lock()
		defer eb.mu.Unlock()

		delete(eb.subscriptions, id)
	}
}

func (eb *WatermillEventBus) handlersFor(runID string) []EventHandler {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	handlers := make([]EventHandler, 0)

	for _, sub := range eb.subscriptions {
		if sub.runID == runID {
			handlers = append(handlers, sub.handler)
		}
	}

	return handlers
}

func (eb *WatermillEventBus) Close() error {
	err := eb.publisher.Close()
	if err != nil {
		return err
	}

	return eb.subscriber.Close()
}
