// Package bulk loads county export files straight into the reconciliation
// engine, bypassing sessions and the worker pool.
package bulk

import (
	"context"
	"fmt"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/parcel-cli/internal/fetcher"
	"github.com/sells-group/parcel-cli/internal/model"
	"github.com/sells-group/parcel-cli/internal/resilience"
)

// DefaultBatchSize is the number of rows upserted per transaction.
const DefaultBatchSize = 5000

// maxReportedRejects caps the per-row entries copied into a run report.
const maxReportedRejects = 100

// Upserter is the reconciliation surface the importer writes through.
type Upserter interface {
	Upsert(ctx context.Context, recs []model.PartialRecord) (model.Counts, error)
}

// RunRecorder persists run history. Optional.
type RunRecorder interface {
	CreateRun(ctx context.Context, kind model.RunKind, requested int) (*model.Run, error)
	FinishRun(ctx context.Context, runID string, state model.BatchState, report *model.BatchReport, errMsg string) error
}

// Stats summarises an import.
type Stats struct {
	RunID    string `json:"run_id,omitempty"`
	Rows     int    `json:"rows"`
	Rejected int    `json:"rejected"`
	Batches  int    `json:"batches"`
	Created  int    `json:"created"`
	Updated  int    `json:"updated"`
}

// Options configures an Importer.
type Options struct {
	BatchSize int
	// Runs records each ImportFile call in run history when set.
	Runs RunRecorder
	// Progress is called after every committed batch.
	Progress func(Stats)
}

// Importer maps rows and upserts them in batches.
type Importer struct {
	engine Upserter
	opts   Options
	log    *zap.Logger
}

// NewImporter creates an Importer writing through engine.
func NewImporter(engine Upserter, opts Options) *Importer {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	return &Importer{
		engine: engine,
		opts:   opts,
		log:    zap.L().With(zap.String("component", "bulk")),
	}
}

// Import consumes rows until the channel closes or ctx is cancelled. Each
// batch commits on its own; a failed batch stops the import and the counts
// returned cover the batches already committed.
func (im *Importer) Import(ctx context.Context, rows <-chan fetcher.Row) (Stats, error) {
	st, _, err := im.importRows(ctx, rows, nil)
	return st, err
}

// ImportRows is Import over an in-memory slice.
func (im *Importer) ImportRows(ctx context.Context, rows []fetcher.Row) (Stats, error) {
	ch := make(chan fetcher.Row, len(rows))
	for _, r := range rows {
		ch <- r
	}
	close(ch)
	return im.Import(ctx, ch)
}

// FileOptions selects and bounds the file read by ImportFile.
type FileOptions struct {
	// Format overrides extension-based detection.
	Format fetcher.Format
	// Limit stops after this many data rows. Zero means no limit.
	Limit int
	// Progress is called after every committed batch of this import, in
	// addition to Options.Progress.
	Progress func(Stats)
}

// ImportFile streams the CSV or XLSX file at path through Import and
// records the run when a RunRecorder is configured.
func (im *Importer) ImportFile(ctx context.Context, path string, opts FileOptions) (Stats, error) {
	var run *model.Run
	if im.opts.Runs != nil {
		var err error
		run, err = im.opts.Runs.CreateRun(ctx, model.RunBulkImport, 0)
		if err != nil {
			return Stats{}, eris.Wrap(err, "bulk: create run")
		}
	}

	im.log.Info("bulk: import started", zap.String("path", path), zap.Int("limit", opts.Limit))
	readCtx, stopReading := context.WithCancel(ctx)
	defer stopReading()
	rowCh, errCh := fetcher.OpenRows(readCtx, path, fetcher.RowOptions{Format: opts.Format, Limit: opts.Limit})
	st, rejects, err := im.importRows(ctx, rowCh, opts.Progress)
	if err != nil {
		stopReading()
	}
	for range rowCh {
	}
	for readErr := range errCh {
		if readErr != nil && err == nil {
			err = eris.Wrapf(readErr, "bulk: read %s", path)
		}
	}
	if err == nil && ctx.Err() != nil {
		err = eris.Wrap(ctx.Err(), "bulk: import cancelled")
	}

	if run != nil {
		st.RunID = run.ID
		im.finish(ctx, run.ID, st, rejects, err)
	}
	if err != nil {
		return st, err
	}
	im.log.Info("bulk: import complete",
		zap.Int("rows", st.Rows),
		zap.Int("rejected", st.Rejected),
		zap.Int("created", st.Created),
		zap.Int("updated", st.Updated),
	)
	return st, nil
}

func (im *Importer) importRows(ctx context.Context, rows <-chan fetcher.Row, progress func(Stats)) (Stats, map[string]model.Failure, error) {
	var st Stats
	rejects := make(map[string]model.Failure)
	batch := make([]model.PartialRecord, 0, im.opts.BatchSize)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		counts, err := im.engine.Upsert(context.WithoutCancel(ctx), batch)
		if err != nil {
			return eris.Wrapf(err, "bulk: upsert batch %d", st.Batches+1)
		}
		st.Batches++
		st.Created += counts.Created
		st.Updated += counts.Updated
		batch = batch[:0]
		im.log.Debug("bulk: batch committed",
			zap.Int("batch", st.Batches),
			zap.Int("rows", st.Rows),
			zap.Int("created", st.Created),
			zap.Int("updated", st.Updated),
		)
		if im.opts.Progress != nil {
			im.opts.Progress(st)
		}
		if progress != nil {
			progress(st)
		}
		return nil
	}

	for {
		var row fetcher.Row
		var ok bool
		select {
		case <-ctx.Done():
			// Commit what was already mapped.
			return st, rejects, flush()
		case row, ok = <-rows:
		}
		if !ok {
			return st, rejects, flush()
		}

		st.Rows++
		p, err := MapRow(row)
		if err != nil {
			st.Rejected++
			if len(rejects) < maxReportedRejects {
				rejects[fmt.Sprintf("row %d", st.Rows)] = model.Failure{
					Kind:   resilience.KindValidation,
					Source: model.SourceBulk,
					Error:  err.Error(),
				}
			}
			continue
		}
		batch = append(batch, *p)
		if len(batch) >= im.opts.BatchSize {
			if err := flush(); err != nil {
				return st, rejects, err
			}
		}
	}
}

func (im *Importer) finish(ctx context.Context, runID string, st Stats, rejects map[string]model.Failure, runErr error) {
	report := model.NewBatchReport()
	report.Failed = rejects
	report.Counts = model.BatchCounts{Created: st.Created, Updated: st.Updated}

	state, msg := model.StateComplete, ""
	if runErr != nil {
		state, msg = model.StateFailed, runErr.Error()
	}
	if err := im.opts.Runs.FinishRun(context.WithoutCancel(ctx), runID, state, report, msg); err != nil {
		im.log.Warn("bulk: failed to record run", zap.String("run_id", runID), zap.Error(err))
	}
}
