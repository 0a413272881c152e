// Package persistence provides the data storage abstraction layer for runs,
// steps, events, usage accounting, reports and snapshots.
package persistence

import (
	"context"
	"encoding/json"
	"time"

	"github.com/consilium-ai/consilium/pkg/models"
)

// StoredEvent is the durable envelope for one emitted event. Seq is assigned
// by the store on append and defines the canonical replay order.
type StoredEvent struct {
	Seq       int64           `json:"seq"`
	RunID     string          `json:"run_id"`
	EventID   string          `json:"event_id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// RunRepository stores runs. Runs are never deleted; they are retained for
// audit and replay.
type RunRepository interface {
	Create(ctx context.Context, run *models.Run) error
	GetByID(ctx context.Context, id string) (*models.Run, error)
	Update(ctx context.Context, run *models.Run) error
	ListByUser(ctx context.Context, userID string) ([]*models.Run, error)
}

// StepRepository stores the append-only step list of each run.
type StepRepository interface {
	Create(ctx context.Context, step *models.Step) error
	GetByID(ctx context.Context, id string) (*models.Step, error)
	Update(ctx context.Context, step *models.Step) error
	ListByRun(ctx context.Context, runID string) ([]*models.Step, error)
	MaxOrder(ctx context.Context, runID string) (int, error)
}

// EventRepository is the append-only event log. Append assigns the sequence
// number; ListByRun returns events in appended order.
type EventRepository interface {
	Append(ctx context.Context, event *StoredEvent) error
	ListByRun(ctx context.Context, runID string) ([]*StoredEvent, error)
}

// UsageRepository stores usage counters and the usage log. IncrementCounter
// must be a single atomic upsert-with-delta; concurrent callers for the same
// key must never lose an increment.
type UsageRepository interface {
	IncrementCounter(ctx context.Context, userID, mode, period string, delta int64) (used int64, err error)
	GetCounter(ctx context.Context, userID, mode, period string) (used int64, err error)
	AppendUsageLog(ctx context.Context, entry *models.UsageLogEntry) error
	UsageLogByRun(ctx context.Context, runID string) ([]*models.UsageLogEntry, error)
}

// ReportRepository stores run output artifacts.
type ReportRepository interface {
	Create(ctx context.Context, report *models.Report) error
	GetByID(ctx context.Context, id string) (*models.Report, error)
	GetByRun(ctx context.Context, runID string) (*models.Report, error)
}

// SnapshotRepository caches fetched data snapshots.
type SnapshotRepository interface {
	Save(ctx context.Context, snapshot *models.Snapshot) error
	GetByID(ctx context.Context, id string) (*models.Snapshot, error)
	Latest(ctx context.Context, symbol, exchange string) (*models.Snapshot, error)
}

// Persistence aggregates the repositories behind one backend.
type Persistence interface {
	RunRepository() RunRepository
	StepRepository() StepRepository
	EventRepository() EventRepository
	UsageRepository() UsageRepository
	ReportRepository() ReportRepository
	SnapshotRepository() SnapshotRepository

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}
