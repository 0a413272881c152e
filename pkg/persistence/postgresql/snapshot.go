package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/consilium-ai/consilium/pkg/models"
	"github.com/consilium-ai/consilium/pkg/persistence"
)

// SnapshotRepository handles snapshot cache database operations.
type SnapshotRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSnapshotRepository creates a new snapshot repository.
func NewSnapshotRepository(db *sql.DB, logger *slog.Logger) *SnapshotRepository {
	return &SnapshotRepository{db: db, logger: logger}
}

// Save stores a snapshot.
func (r *SnapshotRepository) Save(ctx context.Context, snapshot *models.Snapshot) error {
	data, err := json.Marshal(snapshot.Data)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot data: %w", err)
	}

	query := `
		INSERT INTO snapshots (id, symbol, exchange, fetched_at, data)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET fetched_at = $4, data = $5
	`

	_, err = r.db.ExecContext(ctx, query,
		snapshot.ID, snapshot.Symbol, snapshot.Exchange, snapshot.FetchedAt, data,
	)
	if err != nil {
		return fmt.Errorf("failed to save snapshot %s: %w", snapshot.ID, err)
	}

	return nil
}

// GetByID loads a snapshot by its identifier.
func (r *SnapshotRepository) GetByID(ctx context.Context, id string) (*models.Snapshot, error) {
	query := `SELECT id, symbol, exchange, fetched_at, data FROM snapshots WHERE id = $1`

	return r.scanSnapshot(r.db.QueryRowContext(ctx, query, id))
}

// Latest returns the most recently fetched snapshot for a symbol/exchange pair.
func (r *SnapshotRepository) Latest(ctx context.Context, symbol, exchange string) (*models.Snapshot, error) {
	query := `
		SELECT id, symbol, exchange, fetched_at, data
		FROM snapshots
		WHERE symbol = $1 AND exchange = $2
		ORDER BY fetched_at DESC
		LIMIT 1
	`

	return r.scanSnapshot(r.db.QueryRowContext(ctx, query, symbol, exchange))
}

func (r *SnapshotRepository) scanSnapshot(row rowScanner) (*models.Snapshot, error) {
	var (
		snapshot models.Snapshot
		data     []byte
	)

	err := row.Scan(&snapshot.ID, &snapshot.Symbol, &snapshot.Exchange, &snapshot.FetchedAt, &data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrSnapshotNotFound
		}

		return nil, fmt.Errorf("failed to scan snapshot: %w", err)
	}

	err = unmarshalMap(data, &snapshot.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot data: %w", err)
	}

	return &snapshot, nil
}
