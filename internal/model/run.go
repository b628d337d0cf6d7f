package model

import "time"

// RunKind distinguishes orchestrated acquisitions from bulk imports.
type RunKind string

const (
	RunAcquisition RunKind = "acquisition"
	RunBulkImport  RunKind = "bulk_import"
)

// Run is the persisted history entry for one batch.
type Run struct {
	ID        string       `json:"id"`
	Kind      RunKind      `json:"kind"`
	State     BatchState   `json:"state"`
	Requested int          `json:"requested"`
	Report    *BatchReport `json:"report,omitempty"`
	Error     string       `json:"error,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// RunFilter narrows run history queries.
type RunFilter struct {
	State BatchState `json:"state,omitempty"`
	Kind  RunKind    `json:"kind,omitempty"`
	Limit int        `json:"limit,omitempty"`
}
