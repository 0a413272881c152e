package models

import "time"

// UsageCounter aggregates used vs limit for a (user, mode, period) triple.
// The counter is mutated only through the store's atomic increment; it is
// never read-then-written in application code.
type UsageCounter struct {
	UserID string `json:"user_id" validate:"required"`
	Mode   string `json:"mode"    validate:"required"`
	Period string `json:"period"  validate:"required"`
	Used   int64  `json:"used"`
	Limit  int64  `json:"limit"`
}

// Remaining returns the capacity left on the counter, never below zero.
func (c UsageCounter) Remaining() int64 {
	if c.Used >= c.Limit {
		return 0
	}

	return c.Limit - c.Used
}

// Usage log reason tags.
const (
	UsageReasonReserve   = "reserve"
	UsageReasonFailed    = "run_failed"
	UsageReasonCancelled = "run_cancelled"
)

// UsageLogEntry is one append-only ledger entry per counter delta. Every
// reservation carries delta +1; every rollback carries delta -1 with the
// reason the run released its capacity.
type UsageLogEntry struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id" validate:"required"`
	Mode      string    `json:"mode"    validate:"required"`
	Period    string    `json:"period"  validate:"required"`
	RunID     string    `json:"run_id"  validate:"required"`
	Delta     int64     `json:"delta"   validate:"required"`
	Reason    string    `json:"reason"  validate:"required"`
	CreatedAt time.Time `json:"created_at"`
}
