package resilience

import (
	"time"
)

// FailureEntry is a failed acquisition item parked for a later retry run.
type FailureEntry struct {
	ID           string    `json:"id"`
	RunID        string    `json:"run_id"`
	Identifier   string    `json:"identifier"`
	LookupKey    string    `json:"lookup_key"`
	Source       string    `json:"source"`
	Kind         Kind      `json:"kind"`
	Error        string    `json:"error"`
	Attempts     int       `json:"attempts"`
	RetryCount   int       `json:"retry_count"`
	CreatedAt    time.Time `json:"created_at"`
	LastFailedAt time.Time `json:"last_failed_at"`
}

// FailureFilter narrows failure queue queries.
type FailureFilter struct {
	Source string `json:"source,omitempty"`
	// Retryable limits results to kinds a new run could plausibly fix.
	Retryable bool `json:"retryable,omitempty"`
	Limit     int  `json:"limit,omitempty"`
}

// Retryable reports whether re-running the entry could succeed. Transient
// kinds exhausted their attempts; Cancelled items were never tried.
func (e *FailureEntry) Retryable() bool {
	return e.Kind.Transient() || e.Kind == KindCancelled
}
