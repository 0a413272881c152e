package snapshot

import (
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/consilium-ai/consilium/pkg/mocks"
	"github.com/consilium-ai/consilium/pkg/models"
	"github.com/consilium-ai/consilium/pkg/persistence/file"
)

func testSnapshot(id string, fetchedAt time.Time) *models.Snapshot {
	return &models.Snapshot{
		ID:        id,
		Symbol:    "AAPL",
		Exchange:  "NASDAQ",
		FetchedAt: fetchedAt,
		Data:      map[string]any{"price": 187.5},
	}
}

func TestGetOrFetch_FetchesAndCaches(t *testing.T) {
	repo := file.NewPersistence(t.TempDir()).SnapshotRepository()

	fetcher := &mocks.MockFetcher{}
	fetcher.On("Fetch", mock.Anything, "AAPL", "NASDAQ").Return(testSnapshot("snap-1", time.Now().UTC()), nil)

	provider := NewCachingProvider(fetcher, repo, 15*time.Minute, slog.Default())

	snap, err := provider.GetOrFetch(t.Context(), "AAPL", "NASDAQ", Options{})
	require.NoError(t, err)
	assert.Equal(t, "snap-1", snap.ID)

	cached, err := repo.Latest(t.Context(), "AAPL", "NASDAQ")
	require.NoError(t, err)
	assert.Equal(t, "snap-1", cached.ID)
}

func TestGetOrFetch_ServesFreshCache(t *testing.T) {
	repo := file.NewPersistence(t.TempDir()).SnapshotRepository()
	require.NoError(t, repo.Save(t.Context(), testSnapshot("snap-cached", time.Now().UTC())))

	fetcher := &mocks.MockFetcher{}

	provider := NewCachingProvider(fetcher, repo, 15*time.Minute, slog.Default())

	snap, err := provider.GetOrFetch(t.Context(), "AAPL", "NASDAQ", Options{})
	require.NoError(t, err)
	assert.Equal(t, "snap-cached", snap.ID)

	fetcher.AssertNotCalled(t, "Fetch", mock.Anything, mock.Anything, mock.Anything)
}

func TestGetOrFetch_StaleCacheRefetches(t *testing.T) {
	repo := file.NewPersistence(t.TempDir()).SnapshotRepository()
	require.NoError(t, repo.Save(t.Context(), testSnapshot("snap-stale", time.Now().UTC().Add(-time.Hour))))

	fetcher := &mocks.MockFetcher{}
	fetcher.On("Fetch", mock.Anything, "AAPL", "NASDAQ").Return(testSnapshot("snap-fresh", time.Now().UTC()), nil)

	provider := NewCachingProvider(fetcher, repo, 15*time.Minute, slog.Default())

	snap, err := provider.GetOrFetch(t.Context(), "AAPL", "NASDAQ", Options{})
	require.NoError(t, err)
	assert.Equal(t, "snap-fresh", snap.ID)
}

func TestGetOrFetch_ForceRefreshSkipsCache(t *testing.T) {
	repo := file.NewPersistence(t.TempDir()).SnapshotRepository()
	require.NoError(t, repo.Save(t.Context(), testSnapshot("snap-cached", time.Now().UTC())))

	fetcher := &mocks.MockFetcher{}
	fetcher.On("Fetch", mock.Anything, "AAPL", "NASDAQ").Return(testSnapshot("snap-forced", time.Now().UTC()), nil)

	provider := NewCachingProvider(fetcher, repo, 15*time.Minute, slog.Default())

	snap, err := provider.GetOrFetch(t.Context(), "AAPL", "NASDAQ", Options{ForceRefresh: true})
	require.NoError(t, err)
	assert.Equal(t, "snap-forced", snap.ID)
}

func TestGetOrFetch_FetchFailure(t *testing.T) {
	repo := file.NewPersistence(t.TempDir()).SnapshotRepository()

	fetcher := &mocks.MockFetcher{}
	fetcher.On("Fetch", mock.Anything, "AAPL", "NASDAQ").Return(nil, errors.New("upstream down"))

	provider := NewCachingProvider(fetcher, repo, 15*time.Minute, slog.Default())

	_, err := provider.GetOrFetch(t.Context(), "AAPL", "NASDAQ", Options{})
	assert.ErrorIs(t, err, ErrFetch)
}
