package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/consilium-ai/consilium/pkg/models"
	"github.com/consilium-ai/consilium/pkg/persistence"
)

// RunRepository handles run-related file operations.
type RunRepository struct {
	root string
	mu   sync.Mutex
}

// NewRunRepository creates a new run repository.
func NewRunRepository(root string) *RunRepository {
	return &RunRepository{root: root}
}

// validateID validates that an identifier is safe for file operations.
func validateID(id string) error {
	if id == "" {
		return errors.New("identifier cannot be empty")
	}

	if strings.Contains(id, "..") || strings.Contains(id, "/") || strings.Contains(id, "\\") {
		return errors.New("identifier contains invalid characters")
	}

	return nil
}

func writeJSON(dir, name string, value any) error {
	err := os.MkdirAll(dir, 0750)
	if err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	err = os.WriteFile(filepath.Join(dir, name), data, 0600)
	if err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}

	return nil
}

func readJSON(path string, target any) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}

		return false, fmt.Errorf("failed to read record: %w", err)
	}

	err = json.Unmarshal(data, target)
	if err != nil {
		return false, fmt.Errorf("failed to unmarshal record: %w", err)
	}

	return true, nil
}

func (rr *RunRepository) runsDir() string {
	return filepath.Join(rr.root, "runs")
}

// Create stores a new run. Creating a run that already exists is an error.
func (rr *RunRepository) Create(ctx context.Context, run *models.Run) error {
	if err := validateID(run.ID); err != nil {
		return persistence.NewRunError("Create", run.ID, err)
	}

	rr.mu.Lock()
	defer rr.mu.Unlock()

	path := filepath.Join(rr.runsDir(), run.ID+".json")
	if _, err := os.Stat(path); err == nil {
		return persistence.NewRunError("Create", run.ID, persistence.ErrRunAlreadyExists)
	}

	if err := writeJSON(rr.runsDir(), run.ID+".json", run); err != nil {
		return persistence.NewRunError("Create", run.ID, err)
	}

	return nil
}

// GetByID loads a run by its identifier.
func (rr *RunRepository) GetByID(ctx context.Context, id string) (*models.Run, error) {
	if err := validateID(id); err != nil {
		return nil, persistence.NewRunError("GetByID", id, err)
	}

	var run models.Run

	found, err := readJSON(filepath.Join(rr.runsDir(), id+".json"), &run)
	if err != nil {
		return nil, persistence.NewRunError("GetByID", id, err)
	}

	if !found {
		return nil, persistence.NewRunError("GetByID", id, persistence.ErrRunNotFound)
	}

	return &run, nil
}

// Update overwrites an existing run record.
func (rr *RunRepository) Update(ctx context.Context, run *models.Run) error {
	if err := validateID(run.ID); err != nil {
		return persistence.NewRunError("Update", run.ID, err)
	}

	rr.mu.Lock()
	defer rr.mu.Unlock()

	path := filepath.Join(rr.runsDir(), run.ID+".json")
	if _, err := os.Stat(path); err != nil {
		return persistence.NewRunError("Update", run.ID, persistence.ErrRunNotFound)
	}

	if err := writeJSON(rr.runsDir(), run.ID+".json", run); err != nil {
		return persistence.NewRunError("Update", run.ID, err)
	}

	return nil
}

// ListByUser returns the runs owned by a user, newest first.
func (rr *RunRepository) ListByUser(ctx context.Context, userID string) ([]*models.Run, error) {
	root := os.DirFS(rr.runsDir())

	jsonFiles, err := fs.Glob(root, "*.json")
	if err != nil {
		return nil, fmt.Errorf("failed to list run files: %w", err)
	}

	runs := make([]*models.Run, 0, len(jsonFiles))

	for _, file := range jsonFiles {
		runID := strings.TrimSuffix(file, ".json")

		run, err := rr.GetByID(ctx, runID)
		if err != nil {
			return nil, err
		}

		if run.UserID == userID {
			runs = append(runs, run)
		}
	}

	sort.Slice(runs, func(i, j int) bool {
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})

	return runs, nil
}
