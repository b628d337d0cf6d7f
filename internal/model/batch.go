package model

import (
	"time"

	"github.com/sells-group/parcel-cli/internal/resilience"
)

// AcquisitionRequest is one unit of work for a stage.
type AcquisitionRequest struct {
	Identifier string `json:"identifier" validate:"required"`
	// LookupKey is what the source needs to find the record: a detail URL
	// for the appraiser or the parcel id for the tax collector.
	LookupKey string `json:"lookup_key,omitempty"`
	// StalenessThreshold overrides the batch default when positive.
	StalenessThreshold time.Duration `json:"staleness_threshold,omitempty"`
}

// Key returns LookupKey, falling back to the identifier.
func (r AcquisitionRequest) Key() string {
	if r.LookupKey != "" {
		return r.LookupKey
	}
	return r.Identifier
}

// OutcomeStatus is the result of one item.
type OutcomeStatus string

const (
	OutcomeSuccess OutcomeStatus = "success"
	OutcomeFailed  OutcomeStatus = "failed"
)

// AcquisitionOutcome is the result for one request. Exactly one of Record
// (on success) or Kind (on failure) is meaningful.
type AcquisitionOutcome struct {
	Identifier string          `json:"identifier"`
	LookupKey  string          `json:"lookup_key,omitempty"`
	Source     Source          `json:"source"`
	Status     OutcomeStatus   `json:"status"`
	Record     *PartialRecord  `json:"record,omitempty"`
	Kind       resilience.Kind `json:"kind,omitempty"`
	Attempts   int             `json:"attempts"`
	Error      string          `json:"error,omitempty"`
}

// Succeeded reports whether the item produced a record.
func (o AcquisitionOutcome) Succeeded() bool {
	return o.Status == OutcomeSuccess
}

// Failure is a failed item in a BatchReport.
type Failure struct {
	Kind     resilience.Kind `json:"kind"`
	Source   Source          `json:"source"`
	Attempts int             `json:"attempts"`
	Error    string          `json:"error,omitempty"`
}

// Counts is what the reconciliation engine wrote.
type Counts struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
}

// Add accumulates other into c.
func (c *Counts) Add(other Counts) {
	c.Created += other.Created
	c.Updated += other.Updated
}

// BatchCounts is the count block of a BatchReport.
type BatchCounts struct {
	Created      int `json:"created"`
	Updated      int `json:"updated"`
	SkippedStale int `json:"skipped_stale"`
}

// BatchReport summarises one orchestrated run.
type BatchReport struct {
	// Succeeded lists identifiers that succeeded in the primary stage, in
	// input order.
	Succeeded []string `json:"succeeded"`
	// Failed maps an identifier to its failure. Secondary-stage failures
	// carry Source tax_collector.
	Failed map[string]Failure `json:"failed"`
	Counts BatchCounts        `json:"counts"`
}

// NewBatchReport returns an empty report.
func NewBatchReport() *BatchReport {
	return &BatchReport{
		Succeeded: []string{},
		Failed:    make(map[string]Failure),
	}
}

// BatchState is the orchestrator's lifecycle state.
type BatchState string

const (
	StatePending          BatchState = "pending"
	StateRunningPrimary   BatchState = "running_primary"
	StateRunningSecondary BatchState = "running_secondary"
	StateReconciling      BatchState = "reconciling"
	StateComplete         BatchState = "complete"
	StateFailed           BatchState = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s BatchState) Terminal() bool {
	return s == StateComplete || s == StateFailed
}

// Progress is a running-totals snapshot passed to progress callbacks.
type Progress struct {
	State     BatchState `json:"state"`
	Stage     Source     `json:"stage,omitempty"`
	Total     int        `json:"total"`
	Completed int        `json:"completed"`
	Failed    int        `json:"failed"`
	Skipped   int        `json:"skipped"`
	Created   int        `json:"created"`
	Updated   int        `json:"updated"`
}

// ProgressFunc receives progress snapshots. It may be called from several
// goroutines and must not block for long.
type ProgressFunc func(Progress)
