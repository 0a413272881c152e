package models

import "time"

// ReportSection is one rendered block of a report. Sections produced from
// fan-out branches are keyed by their branch identifier and sorted by that
// key, so section order never depends on branch completion timing.
type ReportSection struct {
	Key     string         `json:"key"     validate:"required"`
	Heading string         `json:"heading" validate:"required"`
	Body    string         `json:"body"`
	Data    map[string]any `json:"data,omitempty"`
}

// Report is the output artifact of a successful synthesis step. It is linked
// to its run and never mutated after creation.
type Report struct {
	ID        string          `json:"id"`
	RunID     string          `json:"run_id" validate:"required"`
	Type      string          `json:"type"   validate:"required"`
	Title     string          `json:"title"`
	Summary   string          `json:"summary,omitempty"`
	Sections  []ReportSection `json:"sections"`
	CreatedAt time.Time       `json:"created_at"`
}
