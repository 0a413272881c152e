// Package mocks provides testify mocks for collaborator interfaces.
package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/consilium-ai/consilium/pkg/modelcall"
)

// MockCaller is a mock implementation of modelcall.Caller interface.
type MockCaller struct {
	mock.Mock
}

func (m *MockCaller) Call(ctx context.Context, req modelcall.Request) (*modelcall.Result, error) {
	args := m.Called(ctx, req)

	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*modelcall.Result), args.Error(1)
}
