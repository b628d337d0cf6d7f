// Package pipeline orchestrates batch acquisition: primary source, secondary
// source, then reconciliation into the canonical store.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/parcel-cli/internal/model"
	"github.com/sells-group/parcel-cli/internal/reconcile"
	"github.com/sells-group/parcel-cli/internal/resilience"
	"github.com/sells-group/parcel-cli/internal/staleness"
	"github.com/sells-group/parcel-cli/internal/store"
	"github.com/sells-group/parcel-cli/internal/workerpool"
)

// Stage binds a source to the task that acquires from it.
type Stage struct {
	Source model.Source
	Task   workerpool.Task
}

// BatchRunner is the worker pool surface the orchestrator needs.
type BatchRunner interface {
	RunBatch(ctx context.Context, source model.Source, requests []model.AcquisitionRequest, task workerpool.Task, onDone func(model.AcquisitionOutcome)) ([]model.AcquisitionOutcome, error)
}

// Deps holds the orchestrator's collaborators.
type Deps struct {
	Store     store.Store
	Engine    *reconcile.Engine
	Pool      BatchRunner
	Staleness staleness.Cache
	Primary   Stage
	// Secondary is optional; a zero Stage skips the secondary pass.
	Secondary Stage
}

// RunOptions tunes one run.
type RunOptions struct {
	// Force ignores the staleness cache.
	Force bool
	// Progress receives running totals. Calls never overlap.
	Progress model.ProgressFunc
	// RunID reuses a run the caller already created; empty creates one.
	RunID string
}

// Orchestrator drives one batch through its states.
type Orchestrator struct {
	deps Deps
	log  *zap.Logger
}

// New creates an Orchestrator.
func New(deps Deps) *Orchestrator {
	return &Orchestrator{
		deps: deps,
		log:  zap.L().With(zap.String("component", "orchestrator")),
	}
}

// batch carries the mutable state of one Run.
type batch struct {
	run      *model.Run
	state    model.BatchState
	report   *model.BatchReport
	progress model.Progress
	notify   model.ProgressFunc
}

func (b *batch) emit() {
	if b.notify != nil {
		b.notify(b.progress)
	}
}

// Run acquires requests and reconciles the results. Item failures are folded
// into the report. A hard error is returned only when the batch cannot run at
// all (no session can be started, the store is unreachable) or the final
// write fails; in that case the run is marked failed.
func (o *Orchestrator) Run(ctx context.Context, requests []model.AcquisitionRequest, opts RunOptions) (*model.BatchReport, error) {
	st := o.deps.Store
	b := &batch{
		state:  model.StatePending,
		report: model.NewBatchReport(),
		notify: opts.Progress,
	}

	if opts.RunID != "" {
		run, err := st.GetRun(ctx, opts.RunID)
		if err != nil {
			return nil, eris.Wrap(err, "pipeline: load run")
		}
		b.run = run
	} else {
		run, err := st.CreateRun(ctx, model.RunAcquisition, len(requests))
		if err != nil {
			return nil, eris.Wrap(err, "pipeline: create run")
		}
		b.run = run
	}
	log := o.log.With(zap.String("run_id", b.run.ID))
	log.Info("pipeline: run started", zap.Int("requests", len(requests)), zap.Bool("force", opts.Force))

	fail := func(err error) (*model.BatchReport, error) {
		o.setState(ctx, b, model.StateFailed)
		if ferr := st.FinishRun(context.WithoutCancel(ctx), b.run.ID, model.StateFailed, b.report, err.Error()); ferr != nil {
			log.Warn("pipeline: failed to record run failure", zap.Error(ferr))
		}
		log.Error("pipeline: run failed", zap.Error(err))
		return b.report, err
	}

	reqs := o.admit(requests, b.report)

	cache := o.deps.Staleness
	cache.Force = cache.Force || opts.Force
	if cache.Lookup == nil {
		cache.Lookup = st
	}
	fresh, skipped, err := cache.Filter(ctx, reqs)
	if err != nil {
		return fail(eris.Wrap(err, "pipeline: staleness filter"))
	}
	b.report.Counts.SkippedStale = len(skipped)
	b.progress.Skipped = len(skipped)
	if len(skipped) > 0 {
		log.Info("pipeline: skipped fresh records", zap.Int("skipped", len(skipped)))
	}

	// Primary.
	o.setState(ctx, b, model.StateRunningPrimary)
	primaryOut, err := o.stage(ctx, b, o.deps.Primary, fresh)
	if err != nil {
		return fail(eris.Wrap(err, "pipeline: primary stage"))
	}
	var partials []model.PartialRecord
	var secondaryReqs []model.AcquisitionRequest
	for _, out := range primaryOut {
		if out.Succeeded() {
			b.report.Succeeded = append(b.report.Succeeded, out.Identifier)
			partials = append(partials, *out.Record)
			secondaryReqs = append(secondaryReqs, model.AcquisitionRequest{Identifier: out.Identifier})
			continue
		}
		b.report.Failed[out.Identifier] = failureOf(out)
	}

	// Secondary, only for identifiers the primary stage produced.
	var secondaryOut []model.AcquisitionOutcome
	if o.deps.Secondary.Task != nil && len(secondaryReqs) > 0 {
		o.setState(ctx, b, model.StateRunningSecondary)
		switch {
		case ctx.Err() != nil:
			secondaryOut = cancelled(o.deps.Secondary.Source, secondaryReqs, ctx.Err())
		default:
			secondaryOut, err = o.stage(ctx, b, o.deps.Secondary, secondaryReqs)
			if err != nil {
				// Primary data stands; every secondary item is reported failed.
				log.Warn("pipeline: secondary stage could not start", zap.Error(err))
				secondaryOut = unavailable(o.deps.Secondary.Source, secondaryReqs, err)
			}
		}
		for _, out := range secondaryOut {
			if out.Succeeded() {
				partials = append(partials, *out.Record)
				continue
			}
			b.report.Failed[out.Identifier] = failureOf(out)
		}
	}

	// Reconcile what was acquired, even after cancellation.
	o.setState(ctx, b, model.StateReconciling)
	counts, err := o.deps.Engine.Upsert(context.WithoutCancel(ctx), partials)
	if err != nil {
		return fail(eris.Wrap(err, "pipeline: reconcile"))
	}
	b.report.Counts.Created = counts.Created
	b.report.Counts.Updated = counts.Updated
	b.progress.Created = counts.Created
	b.progress.Updated = counts.Updated

	o.recordFailures(context.WithoutCancel(ctx), b, append(primaryOut, secondaryOut...))

	o.setState(ctx, b, model.StateComplete)
	if err := st.FinishRun(context.WithoutCancel(ctx), b.run.ID, model.StateComplete, b.report, ""); err != nil {
		log.Warn("pipeline: failed to record run result", zap.Error(err))
	}
	log.Info("pipeline: run complete",
		zap.Int("succeeded", len(b.report.Succeeded)),
		zap.Int("failed", len(b.report.Failed)),
		zap.Int("created", counts.Created),
		zap.Int("updated", counts.Updated),
		zap.Int("skipped_stale", b.report.Counts.SkippedStale),
	)
	return b.report, nil
}

// RetryFailed re-runs every retryable entry in the failure queue. Entries
// for items that now succeed are removed by the run itself.
func (o *Orchestrator) RetryFailed(ctx context.Context, limit int, opts RunOptions) (*model.BatchReport, error) {
	entries, err := o.deps.Store.ListFailures(ctx, resilience.FailureFilter{Retryable: true, Limit: limit})
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: list failures")
	}
	seen := make(map[string]bool, len(entries))
	var reqs []model.AcquisitionRequest
	for _, e := range entries {
		if seen[e.Identifier] {
			continue
		}
		seen[e.Identifier] = true
		req := model.AcquisitionRequest{Identifier: e.Identifier}
		if e.Source == string(o.deps.Primary.Source) {
			req.LookupKey = e.LookupKey
		}
		reqs = append(reqs, req)
	}
	o.log.Info("pipeline: retrying failed items", zap.Int("entries", len(entries)), zap.Int("requests", len(reqs)))
	opts.Force = true
	return o.Run(ctx, reqs, opts)
}

// admit drops duplicate identifiers and rejects requests without one.
func (o *Orchestrator) admit(requests []model.AcquisitionRequest, report *model.BatchReport) []model.AcquisitionRequest {
	seen := make(map[string]bool, len(requests))
	out := make([]model.AcquisitionRequest, 0, len(requests))
	for i, r := range requests {
		r.Identifier = strings.TrimSpace(r.Identifier)
		if r.Identifier == "" {
			key := fmt.Sprintf("request[%d]", i)
			report.Failed[key] = model.Failure{
				Kind:   resilience.KindValidation,
				Source: o.deps.Primary.Source,
				Error:  "missing identifier",
			}
			continue
		}
		if seen[r.Identifier] {
			continue
		}
		seen[r.Identifier] = true
		out = append(out, r)
	}
	return out
}

// stage runs one source over reqs and keeps progress current.
func (o *Orchestrator) stage(ctx context.Context, b *batch, s Stage, reqs []model.AcquisitionRequest) ([]model.AcquisitionOutcome, error) {
	b.progress.Stage = s.Source
	b.progress.Total = len(reqs)
	b.progress.Completed = 0
	b.emit()

	onDone := workerpool.Collect(func(out model.AcquisitionOutcome) {
		b.progress.Completed++
		if !out.Succeeded() {
			b.progress.Failed++
		}
		b.emit()
	})
	return o.deps.Pool.RunBatch(ctx, s.Source, reqs, s.Task, onDone)
}

func (o *Orchestrator) setState(ctx context.Context, b *batch, state model.BatchState) {
	b.state = state
	b.progress.State = state
	b.emit()
	if err := o.deps.Store.UpdateRunState(context.WithoutCancel(ctx), b.run.ID, state); err != nil {
		o.log.Warn("pipeline: failed to update run state",
			zap.String("run_id", b.run.ID),
			zap.String("state", string(state)),
			zap.Error(err),
		)
	}
}

// recordFailures syncs the failure queue with this run's outcomes.
func (o *Orchestrator) recordFailures(ctx context.Context, b *batch, outcomes []model.AcquisitionOutcome) {
	var entries []resilience.FailureEntry
	resolved := make(map[model.Source][]string)
	for _, out := range outcomes {
		if out.Succeeded() {
			resolved[out.Source] = append(resolved[out.Source], out.Identifier)
			continue
		}
		entries = append(entries, resilience.FailureEntry{
			RunID:      b.run.ID,
			Identifier: out.Identifier,
			LookupKey:  out.LookupKey,
			Source:     string(out.Source),
			Kind:       out.Kind,
			Error:      out.Error,
			Attempts:   out.Attempts,
		})
	}
	if err := o.deps.Store.EnqueueFailures(ctx, entries); err != nil {
		o.log.Warn("pipeline: failed to enqueue failures", zap.Int("count", len(entries)), zap.Error(err))
	}
	for src, ids := range resolved {
		if _, err := o.deps.Store.RemoveFailures(ctx, string(src), ids); err != nil {
			o.log.Warn("pipeline: failed to clear resolved failures", zap.String("source", string(src)), zap.Error(err))
		}
	}
}

func failureOf(out model.AcquisitionOutcome) model.Failure {
	return model.Failure{
		Kind:     out.Kind,
		Source:   out.Source,
		Attempts: out.Attempts,
		Error:    out.Error,
	}
}

func cancelled(src model.Source, reqs []model.AcquisitionRequest, err error) []model.AcquisitionOutcome {
	return failAll(src, reqs, resilience.KindCancelled, err)
}

func unavailable(src model.Source, reqs []model.AcquisitionRequest, err error) []model.AcquisitionOutcome {
	kind := resilience.KindSessionExpired
	if errors.Is(err, context.Canceled) {
		kind = resilience.KindCancelled
	}
	return failAll(src, reqs, kind, err)
}

func failAll(src model.Source, reqs []model.AcquisitionRequest, kind resilience.Kind, err error) []model.AcquisitionOutcome {
	out := make([]model.AcquisitionOutcome, len(reqs))
	for i, r := range reqs {
		out[i] = model.AcquisitionOutcome{
			Identifier: r.Identifier,
			LookupKey:  r.LookupKey,
			Source:     src,
			Status:     model.OutcomeFailed,
			Kind:       kind,
			Error:      err.Error(),
		}
	}
	return out
}
