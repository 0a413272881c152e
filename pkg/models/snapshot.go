package models

import "time"

// Snapshot is an externally fetched data set a run consumes. Snapshots are
// produced by the snapshot provider and cached; the engine only references
// them by id.
type Snapshot struct {
	ID        string         `json:"id"`
	Symbol    string         `json:"symbol"   validate:"required"`
	Exchange  string         `json:"exchange" validate:"required"`
	FetchedAt time.Time      `json:"fetched_at"`
	Data      map[string]any `json:"data"`
}

// Fresh reports whether the snapshot was fetched within ttl of now.
func (s *Snapshot) Fresh(now time.Time, ttl time.Duration) bool {
	return now.Sub(s.FetchedAt) <= ttl
}
