package postgresql

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/consilium-ai/consilium/pkg/persistence"
)

// EventRepository handles the append-only run event log. The bigserial seq
// column defines the canonical replay order.
type EventRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewEventRepository creates a new event repository.
func NewEventRepository(db *sql.DB, logger *slog.Logger) *EventRepository {
	return &EventRepository{db: db, logger: logger}
}

// Append adds one event to the log and assigns its sequence number.
func (r *EventRepository) Append(ctx context.Context, event *persistence.StoredEvent) error {
	query := `
		INSERT INTO run_events (run_id, event_id, event_type, payload, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING seq
	`

	err := r.db.QueryRowContext(ctx, query,
		event.RunID, event.EventID, event.Type, []byte(event.Payload), event.Timestamp,
	).Scan(&event.Seq)
	if err != nil {
		return fmt.Errorf("failed to append event for run %s: %w", event.RunID, err)
	}

	return nil
}

// ListByRun returns a run's events in appended order.
func (r *EventRepository) ListByRun(ctx context.Context, runID string) ([]*persistence.StoredEvent, error) {
	query := `
		SELECT seq, run_id, event_id, event_type, payload, created_at
		FROM run_events
		WHERE run_id = $1
		ORDER BY seq ASC
	`

	rows, err := r.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query events for run %s: %w", runID, err)
	}

	defer func() {
		err := rows.Close()
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	events := make([]*persistence.StoredEvent, 0)

	for rows.Next() {
		var (
			event   persistence.StoredEvent
			payload []byte
		)

		err := rows.Scan(&event.Seq, &event.RunID, &event.EventID, &event.Type, &payload, &event.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}

		event.Payload = payload
		events = append(events, &event)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}
