package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/consilium-ai/consilium/pkg/models"
)

// UsageRepository handles usage counter and usage log database operations.
// Counter increments are a single upsert-with-delta statement, never a
// read-modify-write in application code.
type UsageRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewUsageRepository creates a new usage repository.
func NewUsageRepository(db *sql.DB, logger *slog.Logger) *UsageRepository {
	return &UsageRepository{db: db, logger: logger}
}

// IncrementCounter applies a signed delta to the counter for the given key,
// creating it at zero if absent, and returns the resulting used value.
func (r *UsageRepository) IncrementCounter(ctx context.Context, userID, mode, period string, delta int64) (int64, error) {
	query := `
		INSERT INTO usage_counters (user_id, mode, period, used)
		VALUES ($1, $2, $3, GREATEST($4, 0))
		ON CONFLICT (user_id, mode, period)
		DO UPDATE SET used = GREATEST(usage_counters.used + $4, 0)
		RETURNING used
	`

	var used int64

	err := r.db.QueryRowContext(ctx, query, userID, mode, period, delta).Scan(&used)
	if err != nil {
		return 0, fmt.Errorf("failed to increment usage counter: %w", err)
	}

	return used, nil
}

// GetCounter returns the current used value for the given key, zero if absent.
func (r *UsageRepository) GetCounter(ctx context.Context, userID, mode, period string) (int64, error) {
	var used int64

	err := r.db.QueryRowContext(ctx,
		"SELECT used FROM usage_counters WHERE user_id = $1 AND mode = $2 AND period = $3",
		userID, mode, period,
	).Scan(&used)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}

		return 0, fmt.Errorf("failed to query usage counter: %w", err)
	}

	return used, nil
}

// AppendUsageLog appends one ledger entry to the usage log.
func (r *UsageRepository) AppendUsageLog(ctx context.Context, entry *models.UsageLogEntry) error {
	query := `
		INSERT INTO usage_log (id, user_id, mode, period, run_id, delta, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err := r.db.ExecContext(ctx, query,
		entry.ID, entry.UserID, entry.Mode, entry.Period,
		entry.RunID, entry.Delta, entry.Reason, entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append usage log entry: %w", err)
	}

	return nil
}

// UsageLogByRun returns the ledger entries recorded for a run, in appended order.
func (r *UsageRepository) UsageLogByRun(ctx context.Context, runID string) ([]*models.UsageLogEntry, error) {
	query := `
		SELECT id, user_id, mode, period, run_id, delta, reason, created_at
		FROM usage_log
		WHERE run_id = $1
		ORDER BY created_at ASC
	`

	rows, err := r.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage log: %w", err)
	}

	defer func() {
		err := rows.Close()
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	entries := make([]*models.UsageLogEntry, 0)

	for rows.Next() {
		var entry models.UsageLogEntry

		err := rows.Scan(
			&entry.ID, &entry.UserID, &entry.Mode, &entry.Period,
			&entry.RunID, &entry.Delta, &entry.Reason, &entry.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan usage log entry: %w", err)
		}

		entries = append(entries, &entry)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating usage log: %w", err)
	}

	return entries, nil
}
