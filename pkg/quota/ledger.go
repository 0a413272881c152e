// Package quota implements the usage ledger that gates and accounts for run
// execution. Counters are keyed by (user, mode, period) and mutated only
// through the store's atomic increment, so concurrent runs for the same key
// can never lose a reservation.
package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/consilium-ai/consilium/pkg/models"
	"github.com/consilium-ai/consilium/pkg/persistence"
)

// ErrUnauthenticated indicates a quota check for an empty user reference.
// Unauthenticated callers are always disallowed for quota-gated workflows.
var ErrUnauthenticated = errors.New("unauthenticated caller")

// ErrExhausted indicates a user has no capacity left in the current period.
var ErrExhausted = errors.New("quota exhausted")

// Status is the result of a quota check.
type Status struct {
	Allowed   bool  `json:"allowed"`
	Limit     int64 `json:"limit"`
	Used      int64 `json:"used"`
	Remaining int64 `json:"remaining"`
}

// Period returns the accounting period a timestamp falls into.
func Period(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// Ledger gates run execution against usage counters and records every delta
// in the usage log.
type Ledger struct {
	store  persistence.UsageRepository
	logger *slog.Logger
}

// NewLedger creates a ledger over an atomic counter store.
func NewLedger(store persistence.UsageRepository, logger *slog.Logger) *Ledger {
	return &Ledger{store: store, logger: logger}
}

// Check reports whether a user has capacity left for one more run. It never
// mutates the counter; Reserve does.
func (l *Ledger) Check(ctx context.Context, userID, mode, period string, limit int64) (Status, error) {
	if userID == "" {
		return Status{Allowed: false, Limit: limit}, ErrUnauthenticated
	}

	used, err := l.store.GetCounter(ctx, userID, mode, period)
	if err != nil {
		return Status{}, fmt.Errorf("failed to check quota: %w", err)
	}

	counter := models.UsageCounter{UserID: userID, Mode: mode, Period: period, Used: used, Limit: limit}

	return Status{
		Allowed:   used < limit,
		Limit:     limit,
		Used:      used,
		Remaining: counter.Remaining(),
	}, nil
}

// Reserve atomically takes one unit of capacity and appends a +1 ledger
// entry. Callers must Check first; Reserve itself only guards against the
// counter racing past the limit between check and reserve.
func (l *Ledger) Reserve(ctx context.Context, userID, mode, period string, limit int64, runID string) error {
	if userID == "" {
		return ErrUnauthenticated
	}

	used, err := l.store.IncrementCounter(ctx, userID, mode, period, +1)
	if err != nil {
		return fmt.Errorf("failed to reserve quota: %w", err)
	}

	if used > limit {
		// Lost the race against a concurrent reservation; undo ours.
		_, rollbackErr := l.store.IncrementCounter(ctx, userID, mode, period, -1)
		if rollbackErr != nil {
			l.logger.ErrorContext(ctx, "Failed to undo over-limit reservation",
				"user_id", userID, "mode", mode, "period", period, "error", rollbackErr)
		}

		return fmt.Errorf("%w for %s/%s/%s: used %d of %d", ErrExhausted, userID, mode, period, used-1, limit)
	}

	err = l.appendLog(ctx, userID, mode, period, runID, +1, models.UsageReasonReserve)
	if err != nil {
		return err
	}

	l.logger.InfoContext(ctx, "Reserved quota",
		"user_id", userID, "mode", mode, "period", period, "run_id", runID, "used", used)

	return nil
}

// Rollback atomically returns one unit of capacity and appends a -1 ledger
// entry. Called only when a reserved run fails or is cancelled; successful
// runs keep their reservation permanently.
func (l *Ledger) Rollback(ctx context.Context, userID, mode, period, runID, reason string) error {
	if userID == "" {
		return ErrUnauthenticated
	}

	used, err := l.store.IncrementCounter(ctx, userID, mode, period, -1)
	if err != nil {
		return fmt.Errorf("failed to roll back quota: %w", err)
	}

	err = l.appendLog(ctx, userID, mode, period, runID, -1, reason)
	if err != nil {
		return err
	}

	l.logger.InfoContext(ctx, "Rolled back quota",
		"user_id", userID, "mode", mode, "period", period, "run_id", runID, "reason", reason, "used", used)

	return nil
}

func (l *Ledger) appendLog(ctx context.Context, userID, mode, period, runID string, delta int64, reason string) error {
	entry := &models.UsageLogEntry{
		ID:        fmt.Sprintf("usage-%s", uuid.New().String()[:8]),
		UserID:    userID,
		Mode:      mode,
		Period:    period,
		RunID:     runID,
		Delta:     delta,
		Reason:    reason,
		CreatedAt: time.Now().UTC(),
	}

	err := l.store.AppendUsageLog(ctx, entry)
	if err != nil {
		return fmt.Errorf("failed to append usage log: %w", err)
	}

	return nil
}
