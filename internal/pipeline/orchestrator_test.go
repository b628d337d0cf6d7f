package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/parcel-cli/internal/model"
	"github.com/sells-group/parcel-cli/internal/reconcile"
	"github.com/sells-group/parcel-cli/internal/resilience"
	"github.com/sells-group/parcel-cli/internal/session"
	"github.com/sells-group/parcel-cli/internal/staleness"
	"github.com/sells-group/parcel-cli/internal/store"
	"github.com/sells-group/parcel-cli/internal/workerpool"
)

var clock = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

type fakeDriver struct{}

func (fakeDriver) Navigate(context.Context, string) (int, error) { return 200, nil }
func (fakeDriver) Find(context.Context, string) (string, error) { return "", nil }
func (fakeDriver) Click(context.Context, string) error { return nil }
func (fakeDriver) ReadyState(context.Context) (string, error) { return "complete", nil }
func (fakeDriver) HTML(context.Context) (string, error) { return "", nil }
func (fakeDriver) URL(context.Context) (string, error) { return "", nil }
func (fakeDriver) Ping(context.Context) error { return nil }
func (fakeDriver) Close() error { return nil }
func okFactory(context.Context) (session.Driver, error) { return fakeDriver{}, nil }
func deadFactory(context.Context) (session.Driver, error) { return nil, errors.New("chrome not installed") }

func testPolicy() resilience.Policy {
	return resilience.Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		Jitter:      func(time.Duration) time.Duration { return 0 },
		Sleep:       func(context.Context, time.Duration) error { return nil },
		Logger:      zap.NewNop(),
	}
}

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "parcels.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

// recorder is a stage task that records the identifiers it saw and fails
// the ones listed in fail.
type recorder struct {
	mu    sync.Mutex
	seen  []string
	fail  map[string]resilience.Kind
	build func(id string) *model.PartialRecord
}

func (r *recorder) task(_ context.Context, _ *session.Session, req model.AcquisitionRequest) (*model.PartialRecord, error) {
	r.mu.Lock()
	r.seen = append(r.seen, req.Identifier)
	kind, bad := r.fail[req.Identifier]
	r.mu.Unlock()
	if bad {
		return nil, resilience.Errorf(kind, req.Identifier, "fetch %s failed", req.Identifier)
	}
	return r.build(req.Identifier), nil
}

func (r *recorder) identifiers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := append([]string(nil), r.seen...)
	sort.Strings(out)
	return out
}

func appraiserRecord(string) *model.PartialRecord {
	return &model.PartialRecord{
		Address:   &model.AddressFields{Street: model.Ptr("100 Bay Dr"), City: model.Ptr("Clearwater")},
		Valuation: &model.ValuationFields{MarketValue: model.Ptr(model.Money(31500000))},
	}
}

func taxRecord(string) *model.PartialRecord {
	status := model.TaxPaid
	return &model.PartialRecord{
		Tax: &model.TaxFields{Status: &status, Amount: model.Ptr(model.Money(412000))},
	}
}

type harness struct {
	st        *store.SQLiteStore
	primary   *recorder
	secondary *recorder
	orch      *Orchestrator
}

func newHarness(t *testing.T, factory session.Factory, cache staleness.Cache) *harness {
	t.Helper()
	h := &harness{
		st:        newTestStore(t),
		primary:   &recorder{fail: map[string]resilience.Kind{}, build: appraiserRecord},
		secondary: &recorder{fail: map[string]resilience.Kind{}, build: taxRecord},
	}
	h.orch = New(Deps{
		Store:     h.st,
		Engine:    reconcile.New(h.st, reconcile.WithClock(func() time.Time { return clock })),
		Pool:      workerpool.New(workerpool.Options{Size: 2, Factory: factory, Policy: testPolicy()}),
		Staleness: cache,
		Primary:   Stage{Source: model.SourceAppraiser, Task: h.primary.task},
		Secondary: Stage{Source: model.SourceTaxCollector, Task: h.secondary.task},
	})
	return h
}

func reqs(ids ...string) []model.AcquisitionRequest {
	out := make([]model.AcquisitionRequest, len(ids))
	for i, id := range ids {
		out[i] = model.AcquisitionRequest{Identifier: id}
	}
	return out
}

func TestRun_OneFatalOfThree(t *testing.T) {
	h := newHarness(t, okFactory, staleness.Cache{})
	h.primary.fail["B"] = resilience.KindElementNotFound

	report, err := h.orch.Run(context.Background(), reqs("A", "B", "C"), RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, []string{"A", "C"}, report.Succeeded)
	require.Len(t, report.Failed, 1)
	f := report.Failed["B"]
	assert.Equal(t, resilience.KindElementNotFound, f.Kind)
	assert.Equal(t, model.SourceAppraiser, f.Source)
	assert.Equal(t, 1, f.Attempts)
	assert.Equal(t, model.BatchCounts{Created: 2, Updated: 0}, report.Counts)

	assert.Equal(t, []string{"A", "C"}, h.secondary.identifiers())

	n, err := h.st.CountProperties(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	rec, err := h.st.GetProperty(context.Background(), "A")
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.NotNil(t, rec.Tax.Status)
	assert.Equal(t, model.TaxPaid, *rec.Tax.Status)
	assert.Equal(t, "Clearwater", *rec.Address.City)

	failures, err := h.st.ListFailures(context.Background(), resilience.FailureFilter{})
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, "B", failures[0].Identifier)
}

func TestRun_RecordsRunLifecycle(t *testing.T) {
	h := newHarness(t, okFactory, staleness.Cache{})
	run, err := h.st.CreateRun(context.Background(), model.RunAcquisition, 2)
	require.NoError(t, err)

	_, err = h.orch.Run(context.Background(), reqs("A", "B"), RunOptions{RunID: run.ID})
	require.NoError(t, err)

	got, err := h.st.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateComplete, got.State)
	require.NotNil(t, got.Report)
	assert.Equal(t, 2, got.Report.Counts.Created)
}

func TestRun_SecondaryFailureKeepsPrimaryData(t *testing.T) {
	h := newHarness(t, okFactory, staleness.Cache{})
	h.secondary.fail["A"] = resilience.KindCaptchaDetected

	report, err := h.orch.Run(context.Background(), reqs("A", "B"), RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, []string{"A", "B"}, report.Succeeded)
	require.Len(t, report.Failed, 1)
	assert.Equal(t, model.SourceTaxCollector, report.Failed["A"].Source)
	assert.Equal(t, resilience.KindCaptchaDetected, report.Failed["A"].Kind)
	assert.Equal(t, 2, report.Counts.Created)

	rec, err := h.st.GetProperty(context.Background(), "A")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "100 Bay Dr", *rec.Address.Street)
	assert.Nil(t, rec.Tax.Status)
}

func TestRun_InvalidSecondaryRecordFailsOnlyThatItem(t *testing.T) {
	h := newHarness(t, okFactory, staleness.Cache{})
	h.secondary.build = func(id string) *model.PartialRecord {
		rec := taxRecord(id)
		if id == "B" {
			credit, ok := model.ParseMoney("-$12.34")
			require.True(t, ok)
			rec.Tax.Amount = &credit
		}
		return rec
	}

	report, err := h.orch.Run(context.Background(), reqs("A", "B", "C"), RunOptions{})
	require.NoError(t, err)

	require.Len(t, report.Failed, 1)
	f := report.Failed["B"]
	assert.Equal(t, resilience.KindValidation, f.Kind)
	assert.Equal(t, model.SourceTaxCollector, f.Source)
	assert.Equal(t, 3, report.Counts.Created)

	n, err := h.st.CountProperties(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	rec, err := h.st.GetProperty(context.Background(), "B")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "100 Bay Dr", *rec.Address.Street)
	assert.Nil(t, rec.Tax.Amount)

	rec, err = h.st.GetProperty(context.Background(), "C")
	require.NoError(t, err)
	require.NotNil(t, rec.Tax.Amount)
	assert.Equal(t, model.Money(412000), *rec.Tax.Amount)
}

func TestRun_TransientFailureExhaustsRetries(t *testing.T) {
	h := newHarness(t, okFactory, staleness.Cache{})
	h.primary.fail["A"] = resilience.KindPageTimeout

	report, err := h.orch.Run(context.Background(), reqs("A"), RunOptions{})
	require.NoError(t, err)

	require.Contains(t, report.Failed, "A")
	assert.Equal(t, resilience.KindPageTimeout, report.Failed["A"].Kind)
	assert.Equal(t, 3, report.Failed["A"].Attempts)
	assert.Empty(t, h.secondary.identifiers())
}

func TestRun_SkipsFreshRecords(t *testing.T) {
	h := newHarness(t, okFactory, staleness.Cache{
		Threshold: 24 * time.Hour,
		Now:       func() time.Time { return clock.Add(time.Hour) },
	})
	ctx := context.Background()

	_, err := h.orch.Run(ctx, reqs("A", "B"), RunOptions{})
	require.NoError(t, err)

	report, err := h.orch.Run(ctx, reqs("A", "B", "C"), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Counts.SkippedStale)
	assert.Equal(t, 1, report.Counts.Created)
	assert.Equal(t, []string{"C"}, report.Succeeded)

	forced, err := h.orch.Run(ctx, reqs("A", "B"), RunOptions{Force: true})
	require.NoError(t, err)
	assert.Equal(t, 0, forced.Counts.SkippedStale)
	assert.Equal(t, 2, forced.Counts.Updated)
}

func TestRun_NoSessionsFailsBatch(t *testing.T) {
	h := newHarness(t, deadFactory, staleness.Cache{})
	run, err := h.st.CreateRun(context.Background(), model.RunAcquisition, 1)
	require.NoError(t, err)

	_, err = h.orch.Run(context.Background(), reqs("A"), RunOptions{RunID: run.ID})
	require.Error(t, err)
	assert.ErrorIs(t, err, workerpool.ErrNoSessions)

	got, err := h.st.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateFailed, got.State)
	assert.NotEmpty(t, got.Error)
}

func TestRun_RejectsBlankAndDeduplicates(t *testing.T) {
	h := newHarness(t, okFactory, staleness.Cache{})

	report, err := h.orch.Run(context.Background(), reqs("A", " ", "A"), RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, []string{"A"}, report.Succeeded)
	require.Contains(t, report.Failed, "request[1]")
	assert.Equal(t, resilience.KindValidation, report.Failed["request[1]"].Kind)
	assert.Equal(t, 1, report.Counts.Created)
}

func TestRun_CancelledMidBatch(t *testing.T) {
	h := newHarness(t, okFactory, staleness.Cache{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h.orch.deps.Pool = workerpool.New(workerpool.Options{Size: 1, Factory: okFactory, Policy: testPolicy()})
	h.orch.deps.Primary.Task = func(_ context.Context, _ *session.Session, req model.AcquisitionRequest) (*model.PartialRecord, error) {
		cancel()
		return appraiserRecord(req.Identifier), nil
	}

	report, err := h.orch.Run(ctx, reqs("A", "B", "C"), RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, []string{"A"}, report.Succeeded)
	assert.Equal(t, resilience.KindCancelled, report.Failed["B"].Kind)
	assert.Equal(t, resilience.KindCancelled, report.Failed["C"].Kind)
	assert.Equal(t, model.SourceTaxCollector, report.Failed["A"].Source)
	assert.Empty(t, h.secondary.identifiers())
	assert.Equal(t, 1, report.Counts.Created)
}

func TestRun_ProgressReachesComplete(t *testing.T) {
	h := newHarness(t, okFactory, staleness.Cache{})
	var tracker Tracker
	var states []model.BatchState
	var mu sync.Mutex

	_, err := h.orch.Run(context.Background(), reqs("A", "B", "C"), RunOptions{
		Progress: Chain(tracker.Update, func(p model.Progress) {
			mu.Lock()
			defer mu.Unlock()
			if len(states) == 0 || states[len(states)-1] != p.State {
				states = append(states, p.State)
			}
		}),
	})
	require.NoError(t, err)

	last, ok := tracker.Snapshot()
	require.True(t, ok)
	assert.Equal(t, model.StateComplete, last.State)
	assert.Equal(t, 3, last.Created)
	assert.Equal(t, []model.BatchState{
		model.StateRunningPrimary,
		model.StateRunningSecondary,
		model.StateReconciling,
		model.StateComplete,
	}, states)
}

func TestRetryFailed_ClearsResolvedEntries(t *testing.T) {
	h := newHarness(t, okFactory, staleness.Cache{})
	ctx := context.Background()
	h.primary.fail["B"] = resilience.KindRateLimited
	h.primary.fail["C"] = resilience.KindElementNotFound

	_, err := h.orch.Run(ctx, reqs("A", "B", "C"), RunOptions{})
	require.NoError(t, err)
	n, err := h.st.CountFailures(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	delete(h.primary.fail, "B")
	report, err := h.orch.RetryFailed(ctx, 0, RunOptions{})
	require.NoError(t, err)

	// Only the transient entry is retried.
	assert.Equal(t, []string{"B"}, report.Succeeded)
	assert.Equal(t, 1, report.Counts.Created)

	left, err := h.st.ListFailures(ctx, resilience.FailureFilter{})
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "C", left[0].Identifier)
}

func TestChain_SkipsNil(t *testing.T) {
	assert.Nil(t, Chain(nil, nil))
	calls := 0
	fn := Chain(nil, func(model.Progress) { calls++ })
	fn(model.Progress{})
	assert.Equal(t, 1, calls)
}
