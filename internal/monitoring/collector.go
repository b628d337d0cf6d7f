// Package monitoring collects run health metrics and raises alerts when
// they cross configured thresholds.
package monitoring

import (
	"context"
	"sort"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/parcel-cli/internal/model"
	"github.com/sells-group/parcel-cli/internal/resilience"
)

// MetricsSnapshot holds a point-in-time view of acquisition health.
type MetricsSnapshot struct {
	// Run metrics (within lookback window).
	RunsTotal    int     `json:"runs_total"`
	RunsComplete int     `json:"runs_complete"`
	RunsFailed   int     `json:"runs_failed"`
	RunsActive   int     `json:"runs_active"`
	RunFailRate  float64 `json:"run_fail_rate"`

	// Item metrics from finished acquisition reports.
	ItemsSucceeded int     `json:"items_succeeded"`
	ItemsFailed    int     `json:"items_failed"`
	ItemFailRate   float64 `json:"item_fail_rate"`
	Created        int     `json:"created"`
	Updated        int     `json:"updated"`

	FailureQueueDepth int `json:"failure_queue_depth"`
	// OpenCircuits lists sources whose breaker is not closed.
	OpenCircuits []string `json:"open_circuits,omitempty"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// RunSource is the store surface the collector reads.
type RunSource interface {
	ListRuns(ctx context.Context, filter model.RunFilter) ([]model.Run, error)
	CountFailures(ctx context.Context) (int, error)
}

// BreakerStates reports the current state of every circuit breaker.
type BreakerStates interface {
	States() map[string]resilience.CircuitState
}

// maxRunsScanned bounds one collection pass.
const maxRunsScanned = 10000

// Collector gathers metrics from the store and the circuit breakers.
type Collector struct {
	runs     RunSource
	breakers BreakerStates
	now      func() time.Time
}

// NewCollector creates a new metrics collector. breakers may be nil.
func NewCollector(runs RunSource, breakers BreakerStates) *Collector {
	return &Collector{runs: runs, breakers: breakers, now: time.Now}
}

// Collect gathers a snapshot of metrics over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := c.now().UTC()
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}
	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)

	runs, err := c.runs.ListRuns(ctx, model.RunFilter{Limit: maxRunsScanned})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list runs")
	}

	for _, r := range runs {
		if r.CreatedAt.Before(cutoff) {
			continue
		}
		snap.RunsTotal++
		switch r.State {
		case model.StateComplete:
			snap.RunsComplete++
		case model.StateFailed:
			snap.RunsFailed++
		default:
			snap.RunsActive++
		}
		if r.Report == nil {
			continue
		}
		if r.Kind == model.RunAcquisition {
			snap.ItemsSucceeded += len(r.Report.Succeeded)
			snap.ItemsFailed += len(r.Report.Failed)
		}
		snap.Created += r.Report.Counts.Created
		snap.Updated += r.Report.Counts.Updated
	}

	if finished := snap.RunsComplete + snap.RunsFailed; finished > 0 {
		snap.RunFailRate = float64(snap.RunsFailed) / float64(finished)
	}
	if items := snap.ItemsSucceeded + snap.ItemsFailed; items > 0 {
		snap.ItemFailRate = float64(snap.ItemsFailed) / float64(items)
	}

	depth, err := c.runs.CountFailures(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count failures")
	}
	snap.FailureQueueDepth = depth

	if c.breakers != nil {
		for name, state := range c.breakers.States() {
			if state != resilience.CircuitClosed {
				snap.OpenCircuits = append(snap.OpenCircuits, name)
			}
		}
		sort.Strings(snap.OpenCircuits)
	}

	return snap, nil
}
