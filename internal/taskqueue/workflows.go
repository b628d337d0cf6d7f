// Package taskqueue runs acquisitions and bulk imports as Temporal workflows.
package taskqueue

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/sells-group/parcel-cli/internal/bulk"
	"github.com/sells-group/parcel-cli/internal/model"
)

// Activity names as registered on the worker.
const (
	ActivityRunAcquisition = "RunAcquisition"
	ActivityRunBulkImport  = "RunBulkImport"
)

// AcquisitionInput is the input for AcquisitionWorkflow.
type AcquisitionInput struct {
	// RunID reuses a run already recorded by the caller.
	RunID    string                     `json:"run_id,omitempty"`
	Requests []model.AcquisitionRequest `json:"requests,omitempty"`
	Force    bool                       `json:"force,omitempty"`
	// RetryFailed ignores Requests and replays the failure queue.
	RetryFailed bool `json:"retry_failed,omitempty"`
	Limit       int  `json:"limit,omitempty"`
}

// BulkImportInput is the input for BulkImportWorkflow.
type BulkImportInput struct {
	// Source is a local path or an http(s)/ftp URL.
	Source string `json:"source"`
	Limit  int    `json:"limit,omitempty"`
}

// Item-level retries happen inside the pipeline. Activity retries only cover
// batch-level failures such as no session starting; a retried acquisition
// skips records the earlier attempt already refreshed.
var acquisitionActivityOptions = workflow.ActivityOptions{
	StartToCloseTimeout: 6 * time.Hour,
	HeartbeatTimeout:    5 * time.Minute,
	RetryPolicy: &temporal.RetryPolicy{
		InitialInterval:        30 * time.Second,
		BackoffCoefficient:     2.0,
		MaximumInterval:        10 * time.Minute,
		MaximumAttempts:        3,
		NonRetryableErrorTypes: []string{ErrTypeInvalidInput},
	},
}

var bulkActivityOptions = workflow.ActivityOptions{
	StartToCloseTimeout: 4 * time.Hour,
	HeartbeatTimeout:    5 * time.Minute,
	RetryPolicy: &temporal.RetryPolicy{
		InitialInterval:        time.Minute,
		BackoffCoefficient:     2.0,
		MaximumInterval:        10 * time.Minute,
		MaximumAttempts:        2,
		NonRetryableErrorTypes: []string{ErrTypeInvalidInput},
	},
}

// ErrTypeInvalidInput marks inputs that no retry can fix.
const ErrTypeInvalidInput = "INVALID_INPUT"

// AcquisitionWorkflow runs one acquisition batch.
func AcquisitionWorkflow(ctx workflow.Context, in AcquisitionInput) (*model.BatchReport, error) {
	logger := workflow.GetLogger(ctx)
	if len(in.Requests) == 0 && !in.RetryFailed {
		return nil, temporal.NewNonRetryableApplicationError("no requests", ErrTypeInvalidInput, nil)
	}

	actCtx := workflow.WithActivityOptions(ctx, acquisitionActivityOptions)
	var report model.BatchReport
	if err := workflow.ExecuteActivity(actCtx, ActivityRunAcquisition, in).Get(ctx, &report); err != nil {
		logger.Error("acquisition failed", "run_id", in.RunID, "error", err)
		return nil, err
	}
	logger.Info("acquisition complete",
		"run_id", in.RunID,
		"succeeded", len(report.Succeeded),
		"failed", len(report.Failed),
		"created", report.Counts.Created,
		"updated", report.Counts.Updated,
	)
	return &report, nil
}

// BulkImportWorkflow loads one bulk file.
func BulkImportWorkflow(ctx workflow.Context, in BulkImportInput) (bulk.Stats, error) {
	if in.Source == "" {
		return bulk.Stats{}, temporal.NewNonRetryableApplicationError("source required", ErrTypeInvalidInput, nil)
	}

	actCtx := workflow.WithActivityOptions(ctx, bulkActivityOptions)
	var stats bulk.Stats
	if err := workflow.ExecuteActivity(actCtx, ActivityRunBulkImport, in).Get(ctx, &stats); err != nil {
		return bulk.Stats{}, err
	}
	workflow.GetLogger(ctx).Info("bulk import complete",
		"source", in.Source,
		"rows", stats.Rows,
		"created", stats.Created,
		"updated", stats.Updated,
	)
	return stats, nil
}
