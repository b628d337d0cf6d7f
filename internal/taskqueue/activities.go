package taskqueue

import (
	"context"

	"github.com/rotisserie/eris"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"
	"go.uber.org/zap"

	"github.com/sells-group/parcel-cli/internal/bulk"
	"github.com/sells-group/parcel-cli/internal/model"
	"github.com/sells-group/parcel-cli/internal/pipeline"
)

// Runner is the orchestrator surface the activities drive.
type Runner interface {
	Run(ctx context.Context, requests []model.AcquisitionRequest, opts pipeline.RunOptions) (*model.BatchReport, error)
	RetryFailed(ctx context.Context, limit int, opts pipeline.RunOptions) (*model.BatchReport, error)
}

// FileImporter loads a local bulk file.
type FileImporter interface {
	ImportFile(ctx context.Context, path string, opts bulk.FileOptions) (bulk.Stats, error)
}

// Downloader resolves a bulk file reference to a local path.
type Downloader interface {
	Fetch(ctx context.Context, src string) (string, func(), error)
}

// Activities holds the dependencies of the worker's activities.
type Activities struct {
	Runner     Runner
	Importer   FileImporter
	Downloader Downloader
}

// RunAcquisition executes one batch, heartbeating progress snapshots.
func (a *Activities) RunAcquisition(ctx context.Context, in AcquisitionInput) (*model.BatchReport, error) {
	if a.Runner == nil {
		return nil, temporal.NewNonRetryableApplicationError("acquisition not configured on this worker", ErrTypeInvalidInput, nil)
	}
	log := zap.L().With(zap.String("component", "taskqueue"), zap.String("run_id", in.RunID))

	opts := pipeline.RunOptions{
		Force:    in.Force,
		RunID:    in.RunID,
		Progress: func(p model.Progress) { activity.RecordHeartbeat(ctx, p) },
	}
	// A retried activity must not reuse a run the failed attempt closed.
	if activity.GetInfo(ctx).Attempt > 1 {
		opts.RunID = ""
	}

	var (
		report *model.BatchReport
		err    error
	)
	if in.RetryFailed {
		report, err = a.Runner.RetryFailed(ctx, in.Limit, opts)
	} else {
		report, err = a.Runner.Run(ctx, in.Requests, opts)
	}
	if err != nil {
		log.Error("taskqueue: acquisition failed", zap.Error(err))
		return nil, eris.Wrap(err, "taskqueue: run acquisition")
	}
	return report, nil
}

// RunBulkImport downloads the source if needed and imports it.
func (a *Activities) RunBulkImport(ctx context.Context, in BulkImportInput) (bulk.Stats, error) {
	if a.Importer == nil || a.Downloader == nil {
		return bulk.Stats{}, temporal.NewNonRetryableApplicationError("bulk import not configured on this worker", ErrTypeInvalidInput, nil)
	}

	path, cleanup, err := a.Downloader.Fetch(ctx, in.Source)
	if err != nil {
		return bulk.Stats{}, eris.Wrap(err, "taskqueue: fetch bulk file")
	}
	defer cleanup()

	activity.RecordHeartbeat(ctx, bulk.Stats{})
	stats, err := a.Importer.ImportFile(ctx, path, bulk.FileOptions{
		Limit:    in.Limit,
		Progress: func(s bulk.Stats) { activity.RecordHeartbeat(ctx, s) },
	})
	if err != nil {
		return stats, eris.Wrap(err, "taskqueue: import bulk file")
	}
	return stats, nil
}
