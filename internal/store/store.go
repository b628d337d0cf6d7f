// Package store persists canonical property records, run history and the
// failure queue.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/parcel-cli/internal/model"
	"github.com/sells-group/parcel-cli/internal/resilience"
)

// ErrNotFound is returned when a run lookup matches nothing.
var ErrNotFound = eris.New("not found")

// Tx is a unit of work over property records. Everything written through a
// Tx becomes visible atomically when the surrounding WithTx returns nil.
type Tx interface {
	// GetProperties returns the stored records for ids, keyed by identifier.
	// Absent identifiers are missing from the map.
	GetProperties(ctx context.Context, ids []string) (map[string]*model.PropertyRecord, error)
	// PutProperties inserts or fully replaces each record.
	PutProperties(ctx context.Context, recs []*model.PropertyRecord) error
}

// Store defines the persistence interface.
type Store interface {
	// Properties
	GetProperty(ctx context.Context, id string) (*model.PropertyRecord, error)
	LastAcquired(ctx context.Context, ids []string) (map[string]time.Time, error)
	CountProperties(ctx context.Context) (int, error)
	// WithTx runs fn in a transaction. Concurrent WithTx calls are serialized.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	// Runs
	CreateRun(ctx context.Context, kind model.RunKind, requested int) (*model.Run, error)
	UpdateRunState(ctx context.Context, runID string, state model.BatchState) error
	FinishRun(ctx context.Context, runID string, state model.BatchState, report *model.BatchReport, errMsg string) error
	GetRun(ctx context.Context, runID string) (*model.Run, error)
	ListRuns(ctx context.Context, filter model.RunFilter) ([]model.Run, error)

	// Failure queue
	EnqueueFailures(ctx context.Context, entries []resilience.FailureEntry) error
	ListFailures(ctx context.Context, filter resilience.FailureFilter) ([]resilience.FailureEntry, error)
	RemoveFailures(ctx context.Context, source string, ids []string) (int, error)
	CountFailures(ctx context.Context) (int, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
