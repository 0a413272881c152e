package file

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/consilium-ai/consilium/pkg/models"
	"github.com/consilium-ai/consilium/pkg/persistence"
)

// SnapshotRepository handles snapshot cache file operations.
type SnapshotRepository struct {
	root string
	mu   sync.Mutex
}

// NewSnapshotRepository creates a new snapshot repository.
func NewSnapshotRepository(root string) *SnapshotRepository {
	return &SnapshotRepository{root: root}
}

func (sr *SnapshotRepository) snapshotsDir() string {
	return filepath.Join(sr.root, "snapshots")
}

// Save stores a snapshot.
func (sr *SnapshotRepository) Save(ctx context.Context, snapshot *models.Snapshot) error {
	if err := validateID(snapshot.ID); err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}

	sr.mu.Lock()
	defer sr.mu.Unlock()

	if err := writeJSON(sr.snapshotsDir(), snapshot.ID+".json", snapshot); err != nil {
		return fmt.Errorf("failed to save snapshot %s: %w", snapshot.ID, err)
	}

	return nil
}

// GetByID loads a snapshot by its identifier.
func (sr *SnapshotRepository) GetByID(ctx context.Context, id string) (*models.Snapshot, error) {
	if err := validateID(id); err != nil {
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}

	var snapshot models.Snapshot

	found, err := readJSON(filepath.Join(sr.snapshotsDir(), id+".json"), &snapshot)
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot %s: %w", id, err)
	}

	if !found {
		return nil, fmt.Errorf("failed to get snapshot %s: %w", id, persistence.ErrSnapshotNotFound)
	}

	return &snapshot, nil
}

// Latest returns the most recently fetched snapshot for a symbol/exchange pair.
func (sr *SnapshotRepository) Latest(ctx context.Context, symbol, exchange string) (*models.Snapshot, error) {
	dir := sr.snapshotsDir()
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil, fmt.Errorf("no snapshot for %s/%s: %w", symbol, exchange, persistence.ErrSnapshotNotFound)
	}

	root := os.DirFS(dir)

	jsonFiles, err := fs.Glob(root, "*.json")
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshot files: %w", err)
	}

	var latest *models.Snapshot

	for _, file := range jsonFiles {
		snapshot, err := sr.GetByID(ctx, strings.TrimSuffix(file, ".json"))
		if err != nil {
			return nil, err
		}

		if snapshot.Symbol != symbol || snapshot.Exchange != exchange {
			continue
		}

		if latest == nil || snapshot.FetchedAt.After(latest.FetchedAt) {
			latest = snapshot
		}
	}

	if latest == nil {
		return nil, fmt.Errorf("no snapshot for %s/%s: %w", symbol, exchange, persistence.ErrSnapshotNotFound)
	}

	return latest, nil
}
