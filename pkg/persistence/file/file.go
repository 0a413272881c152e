// Package file provides file-based persistence for runs, steps, events,
// usage accounting, reports and snapshots. It is intended for development
// and tests; production deployments use the postgresql package.
package file

import (
	"context"
	"os"
	"strings"

	"github.com/consilium-ai/consilium/pkg/persistence"
)

// Persistence implements the persistence.Persistence interface using the file system.
type Persistence struct {
	root         string
	runRepo      *RunRepository
	stepRepo     *StepRepository
	eventRepo    *EventRepository
	usageRepo    *UsageRepository
	reportRepo   *ReportRepository
	snapshotRepo *SnapshotRepository
}

// NewPersistence creates a new instance of Persistence with the specified root directory.
func NewPersistence(root string) *Persistence {
	cleanRoot := strings.Replace(root, "file://", "", 1)

	return &Persistence{
		root:         cleanRoot,
		runRepo:      NewRunRepository(cleanRoot),
		stepRepo:     NewStepRepository(cleanRoot),
		eventRepo:    NewEventRepository(cleanRoot),
		usageRepo:    NewUsageRepository(cleanRoot),
		reportRepo:   NewReportRepository(cleanRoot),
		snapshotRepo: NewSnapshotRepository(cleanRoot),
	}
}

// Close performs any necessary cleanup. For file-based persistence, there is nothing to clean up.
func (fp *Persistence) Close(_ context.Context) error {
	return nil
}

// HealthCheck checks if the file persistence layer is healthy by verifying the root directory exists.
func (fp *Persistence) HealthCheck(_ context.Context) error {
	if _, err := os.Stat(fp.root); os.IsNotExist(err) {
		return os.ErrNotExist
	}

	return nil
}

func (fp *Persistence) RunRepository() persistence.RunRepository {
	return fp.runRepo
}

func (fp *Persistence) StepRepository() persistence.StepRepository {
	return fp.stepRepo
}

func (fp *Persistence) EventRepository() persistence.EventRepository {
	return fp.eventRepo
}

func (fp *Persistence) UsageRepository() persistence.UsageRepository {
	return fp.usageRepo
}

func (fp *Persistence) ReportRepository() persistence.ReportRepository {
	return fp.reportRepo
}

func (fp *Persistence) SnapshotRepository() persistence.SnapshotRepository {
	return fp.snapshotRepo
}
