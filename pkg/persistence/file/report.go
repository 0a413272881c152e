package file

import (
	"context"
	"io/fs"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/consilium-ai/consilium/pkg/models"
	"github.com/consilium-ai/consilium/pkg/persistence"
)

// ReportRepository handles report-related file operations.
type ReportRepository struct {
	root string
	mu   sync.Mutex
}

// NewReportRepository creates a new report repository.
func NewReportRepository(root string) *ReportRepository {
	return &ReportRepository{root: root}
}

func (rr *ReportRepository) reportsDir() string {
	return filepath.Join(rr.root, "reports")
}

// Create stores a new report. Reports are immutable; there is no update.
func (rr *ReportRepository) Create(ctx context.Context, report *models.Report) error {
	if err := validateID(report.ID); err != nil {
		return fmt.Errorf("failed to create report: %w", err)
	}

	rr.mu.Lock()
	defer rr.mu.Unlock()

	if err := writeJSON(rr.reportsDir(), report.ID+".json", report); err != nil {
		return fmt.Errorf("failed to create report %s: %w", report.ID, err)
	}

	return nil
}

// GetByID loads a report by its identifier.
func (rr *ReportRepository) GetByID(ctx context.Context, id string) (*models.Report, error) {
	if err := validateID(id); err != nil {
		return nil, fmt.Errorf("failed to get report: %w", err)
	}

	var report models.Report

	found, err := readJSON(filepath.Join(rr.reportsDir(), id+".json"), &report)
	if err != nil {
		return nil, fmt.Errorf("failed to get report %s: %w", id, err)
	}

	if !found {
		return nil, fmt.Errorf("failed to get report %s: %w", id, persistence.ErrReportNotFound)
	}

	return &report, nil
}

// GetByRun returns the report linked to a run.
func (rr *ReportRepository) GetByRun(ctx context.Context, runID string) (*models.Report, error) {
	dir := rr.reportsDir()
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to get report for run %s: %w", runID, persistence.ErrReportNotFound)
	}

	root := os.DirFS(dir)

	jsonFiles, err := fs.Glob(root, "*.json")
	if err != nil {
		return nil, fmt.Errorf("failed to list report files: %w", err)
	}

	for _, file := range jsonFiles {
		report, err := rr.GetByID(ctx, strings.TrimSuffix(file, ".json"))
		if err != nil {
			return nil, err
		}

		if report.RunID == runID {
			return report, nil
		}
	}

	return nil, fmt.Errorf("failed to get report for run %s: %w", runID, persistence.ErrReportNotFound)
}
