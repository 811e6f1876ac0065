// Package storage persists event log runs in SQLite.
package storage

import (
	"time"

	"github.com/gateway-fm/evmsim/pkg/types"
)

// Run statuses.
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
)

// Run is one EventLogger session writing into a database.
type Run struct {
	ID           string         `json:"id"`
	StartedAt    time.Time      `json:"startedAt"`
	CompletedAt  *time.Time     `json:"completedAt,omitempty"`
	Sources      []string       `json:"sources"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Records      int64          `json:"records"`
	Status       string         `json:"status"` // "running", "completed", "failed"
	ErrorMessage string         `json:"errorMessage,omitempty"`
}

// PaginatedEvents is a page of stored event records.
type PaginatedEvents struct {
	Events []types.EventRecord `json:"events"`
	Total  int                 `json:"total"`
	Limit  int                 `json:"limit"`
	Offset int                 `json:"offset"`
}
