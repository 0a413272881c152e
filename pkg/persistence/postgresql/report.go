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

// ReportRepository handles report-related database operations.
type ReportRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewReportRepository creates a new report repository.
func NewReportRepository(db *sql.DB, logger *slog.Logger) *ReportRepository {
	return &ReportRepository{db: db, logger: logger}
}

// Create stores a new report. Reports are immutable; there is no update.
func (r *ReportRepository) Create(ctx context.Context, report *models.Report) error {
	sections, err := json.Marshal(report.Sections)
	if err != nil {
		return fmt.Errorf("failed to marshal report sections: %w", err)
	}

	query := `
		INSERT INTO reports (id, run_id, report_type, title, summary, sections, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err = r.db.ExecContext(ctx, query,
		report.ID, report.RunID, report.Type, report.Title, report.Summary, sections, report.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create report %s: %w", report.ID, err)
	}

	return nil
}

// GetByID loads a report by its identifier.
func (r *ReportRepository) GetByID(ctx context.Context, id string) (*models.Report, error) {
	query := `
		SELECT id, run_id, report_type, title, summary, sections, created_at
		FROM reports
		WHERE id = $1
	`

	return r.scanReport(r.db.QueryRowContext(ctx, query, id), id)
}

// GetByRun returns the report linked to a run.
func (r *ReportRepository) GetByRun(ctx context.Context, runID string) (*models.Report, error) {
	query := `
		SELECT id, run_id, report_type, title, summary, sections, created_at
		FROM reports
		WHERE run_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`

	return r.scanReport(r.db.QueryRowContext(ctx, query, runID), runID)
}

func (r *ReportRepository) scanReport(row rowScanner, id string) (*models.Report, error) {
	var (
		report   models.Report
		sections []byte
	)

	err := row.Scan(
		&report.ID, &report.RunID, &report.Type, &report.Title,
		&report.Summary, &sections, &report.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("failed to get report %s: %w", id, persistence.ErrReportNotFound)
		}

		return nil, fmt.Errorf("failed to get report %s: %w", id, err)
	}

	err = json.Unmarshal(sections, &report.Sections)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal report sections: %w", err)
	}

	return &report, nil
}
