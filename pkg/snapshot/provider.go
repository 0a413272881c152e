// Package snapshot defines the data-snapshot capability runs consume and the
// caching wrapper that backs it with the snapshot repository.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/consilium-ai/consilium/pkg/models"
	"github.com/consilium-ai/consilium/pkg/persistence"
)

// ErrFetch indicates the upstream data source failed.
var ErrFetch = errors.New("snapshot fetch failed")

// Options controls snapshot resolution.
type Options struct {
	ForceRefresh bool
}

// Provider resolves the snapshot a run should consume.
type Provider interface {
	GetOrFetch(ctx context.Context, symbol, exchange string, opts Options) (*models.Snapshot, error)
}

// Fetcher retrieves a fresh snapshot from the upstream data source. It is an
// external collaborator.
type Fetcher interface {
	Fetch(ctx context.Context, symbol, exchange string) (*models.Snapshot, error)
}

// CachingProvider serves a cached snapshot when one is fresh enough and
// falls back to the fetcher otherwise, persisting what it fetched.
type CachingProvider struct {
	fetcher   Fetcher
	snapshots persistence.SnapshotRepository
	ttl       time.Duration
	logger    *slog.Logger
}

// NewCachingProvider creates a caching provider with the given freshness ttl.
func NewCachingProvider(fetcher Fetcher, snapshots persistence.SnapshotRepository, ttl time.Duration, logger *slog.Logger) *CachingProvider {
	return &CachingProvider{
		fetcher:   fetcher,
		snapshots: snapshots,
		ttl:       ttl,
		logger:    logger,
	}
}

func (p *CachingProvider) GetOrFetch(ctx context.Context, symbol, exchange string, opts Options) (*models.Snapshot, error) {
	if !opts.ForceRefresh {
		cached, err := p.snapshots.Latest(ctx, symbol, exchange)
		if err == nil && cached.Fresh(time.Now().UTC(), p.ttl) {
			p.logger.DebugContext(ctx, "Serving cached snapshot",
				"snapshot_id", cached.ID, "symbol", symbol, "exchange", exchange)

			return cached, nil
		}

		if err != nil && !errors.Is(err, persistence.ErrSnapshotNotFound) {
			return nil, fmt.Errorf("failed to look up cached snapshot: %w", err)
		}
	}

	fetched, err := p.fetcher.Fetch(ctx, symbol, exchange)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetch, err)
	}

	err = p.snapshots.Save(ctx, fetched)
	if err != nil {
		// A cache write failure is not a fetch failure; the run can proceed.
		p.logger.ErrorContext(ctx, "Failed to cache snapshot",
			"snapshot_id", fetched.ID, "error", err)
	}

	return fetched, nil
}
