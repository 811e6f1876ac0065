package storage

import (
	"context"

	"github.com/gateway-fm/evmsim/pkg/types"
)

// Storage defines the persistence interface for captured event runs.
type Storage interface {
	// Run lifecycle
	CreateRun(ctx context.Context, run *Run) error
	CompleteRun(ctx context.Context, id string, records int64, runErr error) error
	GetRun(ctx context.Context, id string) (*Run, error)

	// Event records, appended in arrival order
	BulkInsertEvents(ctx context.Context, runID string, events []types.EventRecord) error
	GetEvents(ctx context.Context, runID string, limit, offset int) (*PaginatedEvents, error)
	GetEventsByTx(ctx context.Context, txHash string) ([]types.EventRecord, error)

	// Lifecycle
	Close() error
}
