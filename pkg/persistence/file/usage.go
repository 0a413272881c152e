package file

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/consilium-ai/consilium/pkg/models"
)

// UsageRepository stores usage counters and the usage log. A process-wide
// mutex makes the read-modify-write of each counter file a single atomic
// operation, matching the increment-with-upsert contract of the interface.
type UsageRepository struct {
	root string
	mu   sync.Mutex
}

// NewUsageRepository creates a new usage repository.
func NewUsageRepository(root string) *UsageRepository {
	return &UsageRepository{root: root}
}

func usageKey(userID, mode, period string) string {
	return fmt.Sprintf("%s__%s__%s", userID, mode, period)
}

func (ur *UsageRepository) countersDir() string {
	return filepath.Join(ur.root, "usage", "counters")
}

func (ur *UsageRepository) logPath() string {
	return filepath.Join(ur.root, "usage", "log.jsonl")
}

// IncrementCounter applies a signed delta to the counter for the given key,
// creating it at zero if absent, and returns the resulting used value.
func (ur *UsageRepository) IncrementCounter(ctx context.Context, userID, mode, period string, delta int64) (int64, error) {
	ur.mu.Lock()
	defer ur.mu.Unlock()

	used, err := ur.readCounterLocked(userID, mode, period)
	if err != nil {
		return 0, err
	}

	used += delta
	if used < 0 {
		used = 0
	}

	name := usageKey(userID, mode, period) + ".json"
	if err := writeJSON(ur.countersDir(), name, used); err != nil {
		return 0, fmt.Errorf("failed to write usage counter: %w", err)
	}

	return used, nil
}

// GetCounter returns the current used value for the given key, zero if absent.
func (ur *UsageRepository) GetCounter(ctx context.Context, userID, mode, period string) (int64, error) {
	ur.mu.Lock()
	defer ur.mu.Unlock()

	return ur.readCounterLocked(userID, mode, period)
}

func (ur *UsageRepository) readCounterLocked(userID, mode, period string) (int64, error) {
	var used int64

	path := filepath.Join(ur.countersDir(), usageKey(userID, mode, period)+".json")

	_, err := readJSON(path, &used)
	if err != nil {
		return 0, fmt.Errorf("failed to read usage counter: %w", err)
	}

	return used, nil
}

// AppendUsageLog appends one ledger entry to the usage log.
func (ur *UsageRepository) AppendUsageLog(ctx context.Context, entry *models.UsageLogEntry) error {
	ur.mu.Lock()
	defer ur.mu.Unlock()

	dir := filepath.Dir(ur.logPath())

	err := os.MkdirAll(dir, 0750)
	if err != nil {
		return fmt.Errorf("failed to create usage directory: %w", err)
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal usage log entry: %w", err)
	}

	file, err := os.OpenFile(ur.logPath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to open usage log: %w", err)
	}
	defer file.Close()

	_, err = file.Write(append(data, '\n'))
	if err != nil {
		return fmt.Errorf("failed to append usage log entry: %w", err)
	}

	return nil
}

// UsageLogByRun returns the ledger entries recorded for a run, in appended order.
func (ur *UsageRepository) UsageLogByRun(ctx context.Context, runID string) ([]*models.UsageLogEntry, error) {
	ur.mu.Lock()
	defer ur.mu.Unlock()

	file, err := os.Open(ur.logPath())
	if err != nil {
		if os.IsNotExist(err) {
			return []*models.UsageLogEntry{}, nil
		}

		return nil, fmt.Errorf("failed to open usage log: %w", err)
	}
	defer file.Close()

	entries := make([]*models.UsageLogEntry, 0)
	scanner := bufio.NewScanner(file)

	for scanner.Scan() {
		var entry models.UsageLogEntry

		err := json.Unmarshal(scanner.Bytes(), &entry)
		if err != nil {
			return nil, fmt.Errorf("failed to decode usage log line: %w", err)
		}

		if entry.RunID == runID {
			entries = append(entries, &entry)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read usage log: %w", err)
	}

	return entries, nil
}
