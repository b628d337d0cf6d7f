package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/parcel-cli/internal/model"
	"github.com/sells-group/parcel-cli/internal/monitoring"
	"github.com/sells-group/parcel-cli/internal/pipeline"
	"github.com/sells-group/parcel-cli/internal/store"
)

// gatedRunner reports one progress snapshot, then waits for release before
// finishing the run in the store.
type gatedRunner struct {
	st      store.Store
	started chan struct{}
	release chan struct{}

	mu   sync.Mutex
	got  []model.AcquisitionRequest
	opts pipeline.RunOptions
}

func newGatedRunner(st store.Store) *gatedRunner {
	return &gatedRunner{st: st, started: make(chan struct{}), release: make(chan struct{})}
}

func (g *gatedRunner) Run(ctx context.Context, reqs []model.AcquisitionRequest, opts pipeline.RunOptions) (*model.BatchReport, error) {
	g.mu.Lock()
	g.got = reqs
	g.opts = opts
	g.mu.Unlock()

	opts.Progress(model.Progress{State: model.StateRunningPrimary, Stage: model.SourceAppraiser, Total: len(reqs), Completed: 1})
	close(g.started)
	<-g.release

	report := model.NewBatchReport()
	for _, r := range reqs {
		report.Succeeded = append(report.Succeeded, r.Identifier)
	}
	report.Counts.Created = len(reqs)
	if err := g.st.FinishRun(ctx, opts.RunID, model.StateComplete, report, ""); err != nil {
		return nil, err
	}
	return report, nil
}

func newTestServer(t *testing.T) (*Server, *gatedRunner, store.Store) {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	runner := newGatedRunner(st)
	return NewServer(context.Background(), runner, st, Options{}), runner, st
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := do(t, srv.Handler(), http.MethodGet, "/health", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestCreateAcquisition_TracksThenPersists(t *testing.T) {
	srv, runner, _ := newTestServer(t)
	h := srv.Handler()

	rec := do(t, h, http.MethodPost, "/acquisitions", `{"parcel_ids":["A","B"],"force":true}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var accepted acquireResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &accepted))
	require.NotEmpty(t, accepted.RunID)
	assert.Equal(t, 2, accepted.Requested)

	<-runner.started
	rec = do(t, h, http.MethodGet, "/acquisitions/"+accepted.RunID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var live progressResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &live))
	assert.Equal(t, model.StateRunningPrimary, live.Progress.State)
	assert.Equal(t, 1, live.Progress.Completed)
	assert.Nil(t, live.Run)

	close(runner.release)
	srv.Wait()

	rec = do(t, h, http.MethodGet, "/acquisitions/"+accepted.RunID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var done progressResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &done))
	assert.Equal(t, model.StateComplete, done.Progress.State)
	assert.Equal(t, 2, done.Progress.Created)
	require.NotNil(t, done.Run)
	assert.Equal(t, []string{"A", "B"}, done.Run.Report.Succeeded)

	runner.mu.Lock()
	defer runner.mu.Unlock()
	assert.True(t, runner.opts.Force)
	assert.Equal(t, accepted.RunID, runner.opts.RunID)
	assert.Equal(t, "A", runner.got[0].Identifier)
}

func TestCreateAcquisition_AcceptsRequests(t *testing.T) {
	srv, runner, _ := newTestServer(t)
	close(runner.release)

	rec := do(t, srv.Handler(), http.MethodPost, "/acquisitions",
		`{"requests":[{"identifier":"A","lookup_key":"https://example.test/a"}]}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	srv.Wait()

	runner.mu.Lock()
	defer runner.mu.Unlock()
	require.Len(t, runner.got, 1)
	assert.Equal(t, "https://example.test/a", runner.got[0].LookupKey)
}

func TestCreateAcquisition_Rejects(t *testing.T) {
	tooMany := make([]string, maxParcelsPerRequest+1)
	for i := range tooMany {
		tooMany[i] = "P"
	}
	big, err := json.Marshal(map[string]any{"parcel_ids": tooMany})
	require.NoError(t, err)

	tests := []struct {
		name string
		body string
		want string
	}{
		{"empty body", ``, "empty body"},
		{"malformed", `{"parcel_ids":`, "invalid JSON"},
		{"unknown field", `{"parcels":["A"]}`, "invalid JSON"},
		{"neither list", `{"force":true}`, "parcel_ids"},
		{"empty list", `{"parcel_ids":[]}`, "parcel_ids"},
		{"blank id", `{"parcel_ids":["A",""]}`, "parcel_ids"},
		{"blank request identifier", `{"requests":[{"identifier":""}]}`, "identifier"},
		{"too many", string(big), "parcel_ids"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _, _ := newTestServer(t)

			rec := do(t, srv.Handler(), http.MethodPost, "/acquisitions", tt.body)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.want)
		})
	}
}

func TestGetAcquisition_NotFound(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := do(t, srv.Handler(), http.MethodGet, "/acquisitions/missing", "")

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListRuns(t *testing.T) {
	srv, _, st := newTestServer(t)
	ctx := context.Background()

	_, err := st.CreateRun(ctx, model.RunAcquisition, 3)
	require.NoError(t, err)
	_, err = st.CreateRun(ctx, model.RunBulkImport, 0)
	require.NoError(t, err)

	rec := do(t, srv.Handler(), http.MethodGet, "/runs?kind=bulk_import", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Runs []model.Run `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Runs, 1)
	assert.Equal(t, model.RunBulkImport, body.Runs[0].Kind)

	rec = do(t, srv.Handler(), http.MethodGet, "/runs?limit=zero", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestProgressOf(t *testing.T) {
	report := model.NewBatchReport()
	report.Succeeded = []string{"A", "B"}
	report.Failed["C"] = model.Failure{}
	report.Counts = model.BatchCounts{Created: 1, Updated: 1, SkippedStale: 4}

	p := progressOf(&model.Run{State: model.StateComplete, Requested: 7, Report: report})

	assert.Equal(t, model.Progress{
		State: model.StateComplete, Total: 7, Completed: 3, Failed: 1,
		Skipped: 4, Created: 1, Updated: 1,
	}, p)
	assert.Equal(t, model.Progress{State: model.StatePending}, progressOf(&model.Run{State: model.StatePending}))
}

func TestStatus(t *testing.T) {
	_, runner, st := newTestServer(t)
	srv := NewServer(context.Background(), runner, st, Options{Metrics: monitoring.NewCollector(st, nil)})
	h := srv.Handler()

	_, err := st.CreateRun(context.Background(), model.RunAcquisition, 3)
	require.NoError(t, err)

	rec := do(t, h, http.MethodGet, "/status?hours=1", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var snap monitoring.MetricsSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, 1, snap.RunsTotal)
	assert.Equal(t, 1, snap.RunsActive)
	assert.Equal(t, 1, snap.LookbackHours)

	rec = do(t, h, http.MethodGet, "/status?hours=-1", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatus_DisabledWithoutCollector(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := do(t, srv.Handler(), http.MethodGet, "/status", "")

	assert.Equal(t, http.StatusNotFound, rec.Code)
}
