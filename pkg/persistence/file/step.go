package file

import (
	"context"
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

// StepRepository handles step-related file operations. Steps are stored per
// run so that listing a run's steps does not scan unrelated records.
type StepRepository struct {
	root string
	mu   sync.Mutex
}

// NewStepRepository creates a new step repository.
func NewStepRepository(root string) *StepRepository {
	return &StepRepository{root: root}
}

func (sr *StepRepository) runDir(runID string) string {
	return filepath.Join(sr.root, "steps", runID)
}

// indexDir maps a step id to its owning run for GetByID lookups.
func (sr *StepRepository) indexDir() string {
	return filepath.Join(sr.root, "steps", ".index")
}

// Create stores a new step.
func (sr *StepRepository) Create(ctx context.Context, step *models.Step) error {
	if err := validateID(step.ID); err != nil {
		return persistence.NewStepError("Create", step.RunID, step.ID, err)
	}

	if err := validateID(step.RunID); err != nil {
		return persistence.NewStepError("Create", step.RunID, step.ID, err)
	}

	sr.mu.Lock()
	defer sr.mu.Unlock()

	if err := writeJSON(sr.runDir(step.RunID), step.ID+".json", step); err != nil {
		return persistence.NewStepError("Create", step.RunID, step.ID, err)
	}

	if err := writeJSON(sr.indexDir(), step.ID+".json", step.RunID); err != nil {
		return persistence.NewStepError("Create", step.RunID, step.ID, err)
	}

	return nil
}

// GetByID loads a step by its identifier.
func (sr *StepRepository) GetByID(ctx context.Context, id string) (*models.Step, error) {
	if err := validateID(id); err != nil {
		return nil, persistence.NewStepError("GetByID", "", id, err)
	}

	var runID string

	found, err := readJSON(filepath.Join(sr.indexDir(), id+".json"), &runID)
	if err != nil {
		return nil, persistence.NewStepError("GetByID", "", id, err)
	}

	if !found {
		return nil, persistence.NewStepError("GetByID", "", id, persistence.ErrStepNotFound)
	}

	var step models.Step

	found, err = readJSON(filepath.Join(sr.runDir(runID), id+".json"), &step)
	if err != nil {
		return nil, persistence.NewStepError("GetByID", runID, id, err)
	}

	if !found {
		return nil, persistence.NewStepError("GetByID", runID, id, persistence.ErrStepNotFound)
	}

	return &step, nil
}

// Update overwrites an existing step record.
func (sr *StepRepository) Update(ctx context.Context, step *models.Step) error {
	if err := validateID(step.ID); err != nil {
		return persistence.NewStepError("Update", step.RunID, step.ID, err)
	}

	sr.mu.Lock()
	defer sr.mu.Unlock()

	path := filepath.Join(sr.runDir(step.RunID), step.ID+".json")
	if _, err := os.Stat(path); err != nil {
		return persistence.NewStepError("Update", step.RunID, step.ID, persistence.ErrStepNotFound)
	}

	if err := writeJSON(sr.runDir(step.RunID), step.ID+".json", step); err != nil {
		return persistence.NewStepError("Update", step.RunID, step.ID, err)
	}

	return nil
}

// ListByRun returns a run's steps ordered by their integer order.
func (sr *StepRepository) ListByRun(ctx context.Context, runID string) ([]*models.Step, error) {
	if err := validateID(runID); err != nil {
		return nil, persistence.NewStepError("ListByRun", runID, "", err)
	}

	dir := sr.runDir(runID)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return []*models.Step{}, nil
	}

	root := os.DirFS(dir)

	jsonFiles, err := fs.Glob(root, "*.json")
	if err != nil {
		return nil, fmt.Errorf("failed to list step files: %w", err)
	}

	steps := make([]*models.Step, 0, len(jsonFiles))

	for _, file := range jsonFiles {
		var step models.Step

		found, err := readJSON(filepath.Join(dir, file), &step)
		if err != nil {
			return nil, persistence.NewStepError("ListByRun", runID, strings.TrimSuffix(file, ".json"), err)
		}

		if found {
			steps = append(steps, &step)
		}
	}

	sort.Slice(steps, func(i, j int) bool {
		return steps[i].Order < steps[j].Order
	})

	return steps, nil
}

// MaxOrder returns the highest step order currently assigned for a run, or
// -1 if the run has no steps yet.
func (sr *StepRepository) MaxOrder(ctx context.Context, runID string) (int, error) {
	steps, err := sr.ListByRun(ctx, runID)
	if err != nil {
		return 0, err
	}

	maxOrder := -1
	for _, step := range steps {
		if step.Order > maxOrder {
			maxOrder = step.Order
		}
	}

	return maxOrder, nil
}
