package file

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/consilium-ai/consilium/pkg/persistence"
)

// EventRepository stores each run's event history as an append-only JSONL
// file. Line order is the canonical replay order; sequence numbers are
// assigned at append time under the repository lock.
type EventRepository struct {
	root string
	mu   sync.Mutex
	seqs map[string]int64
}

// NewEventRepository creates a new event repository.
func NewEventRepository(root string) *EventRepository {
	return &EventRepository{
		root: root,
		seqs: make(map[string]int64),
	}
}

func (er *EventRepository) logPath(runID string) string {
	return filepath.Join(er.root, "events", runID+".jsonl")
}

// Append adds one event to a run's log and assigns its sequence number.
func (er *EventRepository) Append(ctx context.Context, event *persistence.StoredEvent) error {
	if err := validateID(event.RunID); err != nil {
		return fmt.Errorf("failed to append event for run %s: %w", event.RunID, err)
	}

	er.mu.Lock()
	defer er.mu.Unlock()

	seq, ok := er.seqs[event.RunID]
	if !ok {
		existing, err := er.listLocked(event.RunID)
		if err != nil {
			return err
		}

		seq = int64(len(existing))
	}

	event.Seq = seq + 1
	er.seqs[event.RunID] = event.Seq

	dir := filepath.Join(er.root, "events")

	err := os.MkdirAll(dir, 0750)
	if err != nil {
		return fmt.Errorf("failed to create events directory: %w", err)
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event %s: %w", event.EventID, err)
	}

	file, err := os.OpenFile(er.logPath(event.RunID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to open event log for run %s: %w", event.RunID, err)
	}
	defer file.Close()

	_, err = file.Write(append(data, '\n'))
	if err != nil {
		return fmt.Errorf("failed to append event for run %s: %w", event.RunID, err)
	}

	return nil
}

// ListByRun returns a run's events in appended order.
func (er *EventRepository) ListByRun(ctx context.Context, runID string) ([]*persistence.StoredEvent, error) {
	if err := validateID(runID); err != nil {
		return nil, fmt.Errorf("failed to list events for run %s: %w", runID, err)
	}

	er.mu.Lock()
	defer er.mu.Unlock()

	return er.listLocked(runID)
}

func (er *EventRepository) listLocked(runID string) ([]*persistence.StoredEvent, error) {
	file, err := os.Open(er.logPath(runID))
	if err != nil {
		if os.IsNotExist(err) {
			return []*persistence.StoredEvent{}, nil
		}

		return nil, fmt.Errorf("failed to open event log for run %s: %w", runID, err)
	}
	defer file.Close()

	events := make([]*persistence.StoredEvent, 0)
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		var event persistence.StoredEvent

		err := json.Unmarshal(scanner.Bytes(), &event)
		if err != nil {
			return nil, fmt.Errorf("failed to decode event log line for run %s: %w", runID, err)
		}

		events = append(events, &event)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read event log for run %s: %w", runID, err)
	}

	return events, nil
}
