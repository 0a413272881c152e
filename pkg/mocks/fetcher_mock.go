package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/consilium-ai/consilium/pkg/models"
)

// MockFetcher is a mock implementation of snapshot.Fetcher interface.
type MockFetcher struct {
	mock.Mock
}

func (m *MockFetcher) Fetch(ctx context.Context, symbol, exchange string) (*models.Snapshot, error) {
	args := m.Called(ctx, symbol, exchange)

	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.Snapshot), args.Error(1)
}
