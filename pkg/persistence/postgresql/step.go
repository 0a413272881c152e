package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/consilium-ai/consilium/pkg/models"
	"github.com/consilium-ai/consilium/pkg/persistence"
)

// StepRepository handles step-related database operations.
type StepRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewStepRepository creates a new step repository.
func NewStepRepository(db *sql.DB, logger *slog.Logger) *StepRepository {
	return &StepRepository{db: db, logger: logger}
}

const stepColumns = `
	id
  , run_id
  , name
  , step_order
  , status
  , input
  , output
  , error
  , metadata
  , created_at
  , started_at
  , completed_at
`

// Create stores a new step.
func (r *StepRepository) Create(ctx context.Context, step *models.Step) error {
	input, err := marshalJSON(step.Input)
	if err != nil {
		return persistence.NewStepError("Create", step.RunID, step.ID, err)
	}

	metadata, err := marshalJSON(step.Metadata)
	if err != nil {
		return persistence.NewStepError("Create", step.RunID, step.ID, err)
	}

	query := `
		INSERT INTO steps (id, run_id, name, step_order, status, input, error, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err = r.db.ExecContext(ctx, query,
		step.ID, step.RunID, step.Name, step.Order, string(step.Status),
		input, step.Error, metadata, step.CreatedAt,
	)
	if err != nil {
		return persistence.NewStepError("Create", step.RunID, step.ID, err)
	}

	return nil
}

// GetByID loads a step by its identifier.
func (r *StepRepository) GetByID(ctx context.Context, id string) (*models.Step, error) {
	query := `SELECT ` + stepColumns + ` FROM steps WHERE id = $1`

	step, err := r.scanStep(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewStepError("GetByID", "", id, persistence.ErrStepNotFound)
		}

		return nil, persistence.NewStepError("GetByID", "", id, err)
	}

	return step, nil
}

// Update overwrites an existing step record.
func (r *StepRepository) Update(ctx context.Context, step *models.Step) error {
	input, err := marshalJSON(step.Input)
	if err != nil {
		return persistence.NewStepError("Update", step.RunID, step.ID, err)
	}

	output, err := marshalJSON(step.Output)
	if err != nil {
		return persistence.NewStepError("Update", step.RunID, step.ID, err)
	}

	metadata, err := marshalJSON(step.Metadata)
	if err != nil {
		return persistence.NewStepError("Update", step.RunID, step.ID, err)
	}

	query := `
		UPDATE steps
		SET name = $2, step_order = $3, status = $4, input = $5, output = $6,
		    error = $7, metadata = $8, started_at = $9, completed_at = $10
		WHERE id = $1
	`

	result, err := r.db.ExecContext(ctx, query,
		step.ID, step.Name, step.Order, string(step.Status), input, output,
		step.Error, metadata, step.StartedAt, step.CompletedAt,
	)
	if err != nil {
		return persistence.NewStepError("Update", step.RunID, step.ID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return persistence.NewStepError("Update", step.RunID, step.ID, err)
	}

	if affected == 0 {
		return persistence.NewStepError("Update", step.RunID, step.ID, persistence.ErrStepNotFound)
	}

	return nil
}

// ListByRun returns a run's steps ordered by their integer order.
func (r *StepRepository) ListByRun(ctx context.Context, runID string) ([]*models.Step, error) {
	query := `SELECT ` + stepColumns + ` FROM steps WHERE run_id = $1 ORDER BY step_order ASC`

	rows, err := r.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query steps: %w", err)
	}

	defer func() {
		err := rows.Close()
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	steps := make([]*models.Step, 0)

	for rows.Next() {
		step, err := r.scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}

		steps = append(steps, step)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating steps: %w", err)
	}

	return steps, nil
}

// MaxOrder returns the highest step order currently assigned for a run, or
// -1 if the run has no steps yet.
func (r *StepRepository) MaxOrder(ctx context.Context, runID string) (int, error) {
	var maxOrder int

	err := r.db.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(step_order), -1) FROM steps WHERE run_id = $1", runID,
	).Scan(&maxOrder)
	if err != nil {
		return 0, fmt.Errorf("failed to query max step order: %w", err)
	}

	return maxOrder, nil
}

func (r *StepRepository) scanStep(row rowScanner) (*models.Step, error) {
	var (
		step                    models.Step
		status                  string
		input, output, metadata []byte
	)

	err := row.Scan(
		&step.ID, &step.RunID, &step.Name, &step.Order, &status,
		&input, &output, &step.Error, &metadata,
		&step.CreatedAt, &step.StartedAt, &step.CompletedAt,
	)
	if err != nil {
		return nil, err
	}

	step.Status = models.StepStatus(status)

	err = unmarshalMap(input, &step.Input)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal step input: %w", err)
	}

	err = unmarshalMap(output, &step.Output)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal step output: %w", err)
	}

	err = unmarshalMap(metadata, &step.Metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal step metadata: %w", err)
	}

	return &step, nil
}
