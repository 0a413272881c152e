package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/consilium-ai/consilium/pkg/eventbus"
	"github.com/consilium-ai/consilium/pkg/events"
)

// MockEventBus is a mock implementation of eventbus.EventBus interface.
type MockEventBus struct {
	mock.Mock
}

func (m *MockEventBus) Publish(ctx context.Context, event events.Event) error {
	args := m.Called(ctx, event)

	return args.Error(0)
}

func (m *MockEventBus) Subscribe(ctx context.Context) error {
	args := m.Called(ctx)

	return args.Error(0)
}

func (m *MockEventBus) SubscribeRun(runID string, handler eventbus.EventHandler) func() {
	args := m.Called(runID, handler)

	return args.Get(0).(func())
}

func (m *MockEventBus) Close() error {
	args := m.Called()

	return args.Error(0)
}

func (m *MockEventBus) GenerateID() string {
	args := m.Called()

	return args.String(0)
}
