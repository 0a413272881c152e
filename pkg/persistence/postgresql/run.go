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

// RunRepository handles run-related database operations.
type RunRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewRunRepository creates a new run repository.
func NewRunRepository(db *sql.DB, logger *slog.Logger) *RunRepository {
	return &RunRepository{db: db, logger: logger}
}

func marshalJSON(value any) ([]byte, error) {
	if value == nil {
		return []byte("null"), nil
	}

	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON column: %w", err)
	}

	return data, nil
}

func unmarshalMap(data []byte, target *map[string]any) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}

	return json.Unmarshal(data, target)
}

// Create stores a new run.
func (r *RunRepository) Create(ctx context.Context, run *models.Run) error {
	input, err := marshalJSON(run.Input)
	if err != nil {
		return persistence.NewRunError("Create", run.ID, err)
	}

	query := `
		INSERT INTO runs (id, kind, status, input, error, user_id, snapshot_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err = r.db.ExecContext(ctx, query,
		run.ID, string(run.Kind), string(run.Status), input,
		run.Error, run.UserID, run.SnapshotID, run.CreatedAt, run.UpdatedAt,
	)
	if err != nil {
		return persistence.NewRunError("Create", run.ID, err)
	}

	return nil
}

// GetByID loads a run by its identifier.
func (r *RunRepository) GetByID(ctx context.Context, id string) (*models.Run, error) {
	query := `
		SELECT
			id
		  , kind
		  , status
		  , input
		  , output
		  , error
		  , user_id
		  , snapshot_id
		  , created_at
		  , started_at
		  , completed_at
		  , updated_at
		FROM runs
		WHERE id = $1
	`

	run, err := r.scanRun(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewRunError("GetByID", id, persistence.ErrRunNotFound)
		}

		return nil, persistence.NewRunError("GetByID", id, err)
	}

	return run, nil
}

// Update overwrites an existing run record.
func (r *RunRepository) Update(ctx context.Context, run *models.Run) error {
	input, err := marshalJSON(run.Input)
	if err != nil {
		return persistence.NewRunError("Update", run.ID, err)
	}

	output, err := marshalJSON(run.Output)
	if err != nil {
		return persistence.NewRunError("Update", run.ID, err)
	}

	query := `
		UPDATE runs
		SET kind = $2, status = $3, input = $4, output = $5, error = $6,
		    user_id = $7, snapshot_id = $8, started_at = $9, completed_at = $10, updated_at = $11
		WHERE id = $1
	`

	result, err := r.db.ExecContext(ctx, query,
		run.ID, string(run.Kind), string(run.Status), input, output, run.Error,
		run.UserID, run.SnapshotID, run.StartedAt, run.CompletedAt, run.UpdatedAt,
	)
	if err != nil {
		return persistence.NewRunError("Update", run.ID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return persistence.NewRunError("Update", run.ID, err)
	}

	if affected == 0 {
		return persistence.NewRunError("Update", run.ID, persistence.ErrRunNotFound)
	}

	return nil
}

// ListByUser returns the runs owned by a user, newest first.
func (r *RunRepository) ListByUser(ctx context.Context, userID string) ([]*models.Run, error) {
	query := `
		SELECT
			id
		  , kind
		  , status
		  , input
		  , output
		  , error
		  , user_id
		  , snapshot_id
		  , created_at
		  , started_at
		  , completed_at
		  , updated_at
		FROM runs
		WHERE user_id = $1
		ORDER BY created_at DESC
	`

	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}

	defer func() {
		err := rows.Close()
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	runs := make([]*models.Run, 0)

	for rows.Next() {
		run, err := r.scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}

		runs = append(runs, run)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *RunRepository) scanRun(row rowScanner) (*models.Run, error) {
	var (
		run           models.Run
		kind, status  string
		input, output []byte
	)

	err := row.Scan(
		&run.ID, &kind, &status, &input, &output, &run.Error,
		&run.UserID, &run.SnapshotID, &run.CreatedAt, &run.StartedAt,
		&run.CompletedAt, &run.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	run.Kind = models.RunKind(kind)
	run.Status = models.RunStatus(status)

	err = unmarshalMap(input, &run.Input)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal run input: %w", err)
	}

	err = unmarshalMap(output, &run.Output)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal run output: %w", err)
	}

	return &run, nil
}
