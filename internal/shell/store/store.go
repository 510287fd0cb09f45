package store

import (
	"context"

	"github.com/artpar/shipper/internal/core/pipeline"
)

// =============================================================================
// Store Interface
// =============================================================================

// Store defines the persistence interface for pipeline runs and
// per-environment advisory locks.
type Store interface {
	// Run operations
	CreateRun(ctx context.Context, run *pipeline.Run) error
	GetRun(ctx context.Context, id string) (*pipeline.Run, error)
	UpdateRun(ctx context.Context, run *pipeline.Run) error
	ListRuns(ctx context.Context, opts ListOptions) ([]pipeline.Run, error)
	ListRunsByEnvironment(ctx context.Context, environment string, opts ListOptions) ([]pipeline.Run, error)
	LatestSucceededRun(ctx context.Context, environment string) (*pipeline.Run, error)

	// Environment lock operations
	AcquireLock(ctx context.Context, environment, holder string) error
	ReleaseLock(ctx context.Context, environment, holder string) error

	// Transaction support
	WithTx(ctx context.Context, fn func(Store) error) error

	// Lifecycle
	Close() error
}

// =============================================================================
// Options
// =============================================================================

// ListOptions defines pagination options.
type ListOptions struct {
	Limit  int
	Offset int
}

// DefaultListOptions returns default list options.
func DefaultListOptions() ListOptions {
	return ListOptions{
		Limit:  100,
		Offset: 0,
	}
}

// Normalize ensures list options have valid values.
func (o ListOptions) Normalize() ListOptions {
	if o.Limit <= 0 {
		o.Limit = 100
	}
	if o.Limit > 1000 {
		o.Limit = 1000
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
	return o
}
