package taskqueue

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/mocks"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/testsuite"

	"github.com/sells-group/parcel-cli/internal/bulk"
	"github.com/sells-group/parcel-cli/internal/model"
	"github.com/sells-group/parcel-cli/internal/pipeline"
	"github.com/sells-group/parcel-cli/internal/resilience"
)

type mockRunner struct{ mock.Mock }

func (m *mockRunner) Run(ctx context.Context, reqs []model.AcquisitionRequest, opts pipeline.RunOptions) (*model.BatchReport, error) {
	if opts.Progress != nil {
		opts.Progress(model.Progress{State: model.StateRunningPrimary, Total: len(reqs)})
	}
	args := m.Called(ctx, reqs, opts)
	report, _ := args.Get(0).(*model.BatchReport)
	return report, args.Error(1)
}

func (m *mockRunner) RetryFailed(ctx context.Context, limit int, opts pipeline.RunOptions) (*model.BatchReport, error) {
	args := m.Called(ctx, limit, opts)
	report, _ := args.Get(0).(*model.BatchReport)
	return report, args.Error(1)
}

type fakeImporter struct {
	path string
	opts bulk.FileOptions
	err  error
}

func (f *fakeImporter) ImportFile(_ context.Context, path string, opts bulk.FileOptions) (bulk.Stats, error) {
	f.path, f.opts = path, opts
	if opts.Progress != nil {
		opts.Progress(bulk.Stats{Rows: 10, Batches: 1})
	}
	return bulk.Stats{Rows: 10, Created: 7, Updated: 3, Batches: 1}, f.err
}

type fakeDownloader struct{ cleaned bool }

func (f *fakeDownloader) Fetch(_ context.Context, src string) (string, func(), error) {
	if src == "ftp://down/parcels.csv" {
		return "", func() {}, errors.New("connection refused")
	}
	return "/tmp/bulk-123.csv", func() { f.cleaned = true }, nil
}

func sampleReport() *model.BatchReport {
	r := model.NewBatchReport()
	r.Succeeded = []string{"A", "C"}
	r.Failed["B"] = model.Failure{Kind: resilience.KindElementNotFound, Source: model.SourceAppraiser, Attempts: 1}
	r.Counts.Created = 2
	return r
}

func newWorkflowEnv(t *testing.T, acts *Activities) *testsuite.TestWorkflowEnvironment {
	t.Helper()
	var suite testsuite.WorkflowTestSuite
	env := suite.NewTestWorkflowEnvironment()
	Register(env, acts)
	return env
}

func TestAcquisitionWorkflow_Success(t *testing.T) {
	runner := &mockRunner{}
	reqs := []model.AcquisitionRequest{{Identifier: "A"}, {Identifier: "B"}, {Identifier: "C"}}
	runner.On("Run", mock.Anything, reqs, mock.MatchedBy(func(o pipeline.RunOptions) bool {
		return o.RunID == "run-1" && o.Force
	})).Return(sampleReport(), nil).Once()

	env := newWorkflowEnv(t, &Activities{Runner: runner})
	env.ExecuteWorkflow(AcquisitionWorkflow, AcquisitionInput{RunID: "run-1", Requests: reqs, Force: true})

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())
	var report model.BatchReport
	require.NoError(t, env.GetWorkflowResult(&report))
	assert.Equal(t, []string{"A", "C"}, report.Succeeded)
	assert.Equal(t, resilience.KindElementNotFound, report.Failed["B"].Kind)
	assert.Equal(t, 2, report.Counts.Created)
	runner.AssertExpectations(t)
}

func TestAcquisitionWorkflow_RetryFailed(t *testing.T) {
	runner := &mockRunner{}
	runner.On("RetryFailed", mock.Anything, 50, mock.Anything).Return(model.NewBatchReport(), nil).Once()

	env := newWorkflowEnv(t, &Activities{Runner: runner})
	env.ExecuteWorkflow(AcquisitionWorkflow, AcquisitionInput{RetryFailed: true, Limit: 50})

	require.NoError(t, env.GetWorkflowError())
	runner.AssertExpectations(t)
}

func TestAcquisitionWorkflow_RejectsEmptyInput(t *testing.T) {
	env := newWorkflowEnv(t, &Activities{Runner: &mockRunner{}})
	env.ExecuteWorkflow(AcquisitionWorkflow, AcquisitionInput{})

	err := env.GetWorkflowError()
	require.Error(t, err)
	var appErr *temporal.ApplicationError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, ErrTypeInvalidInput, appErr.Type())
}

func TestAcquisitionWorkflow_BatchFailureIsRetried(t *testing.T) {
	runner := &mockRunner{}
	runner.On("Run", mock.Anything, mock.Anything, mock.Anything).
		Return(nil, errors.New("workerpool: no session could be established"))

	env := newWorkflowEnv(t, &Activities{Runner: runner})
	env.ExecuteWorkflow(AcquisitionWorkflow, AcquisitionInput{RunID: "run-2", Requests: []model.AcquisitionRequest{{Identifier: "A"}}})

	require.Error(t, env.GetWorkflowError())
	runner.AssertNumberOfCalls(t, "Run", 3)

	// Later attempts start a fresh run record.
	first := runner.Calls[0].Arguments.Get(2).(pipeline.RunOptions)
	last := runner.Calls[2].Arguments.Get(2).(pipeline.RunOptions)
	assert.Equal(t, "run-2", first.RunID)
	assert.Empty(t, last.RunID)
}

func TestBulkImportWorkflow(t *testing.T) {
	imp := &fakeImporter{}
	dl := &fakeDownloader{}
	env := newWorkflowEnv(t, &Activities{Importer: imp, Downloader: dl})
	env.ExecuteWorkflow(BulkImportWorkflow, BulkImportInput{Source: "https://county.example/RP.csv", Limit: 100})

	require.NoError(t, env.GetWorkflowError())
	var stats bulk.Stats
	require.NoError(t, env.GetWorkflowResult(&stats))
	assert.Equal(t, 7, stats.Created)
	assert.Equal(t, 3, stats.Updated)
	assert.Equal(t, "/tmp/bulk-123.csv", imp.path)
	assert.Equal(t, 100, imp.opts.Limit)
	assert.True(t, dl.cleaned)
}

func TestBulkImportWorkflow_RejectsEmptySource(t *testing.T) {
	env := newWorkflowEnv(t, &Activities{Importer: &fakeImporter{}, Downloader: &fakeDownloader{}})
	env.ExecuteWorkflow(BulkImportWorkflow, BulkImportInput{})
	require.Error(t, env.GetWorkflowError())
}

func TestRunBulkImport_DownloadFailure(t *testing.T) {
	var suite testsuite.WorkflowTestSuite
	env := suite.NewTestActivityEnvironment()
	acts := &Activities{Importer: &fakeImporter{}, Downloader: &fakeDownloader{}}
	env.RegisterActivity(acts)

	_, err := env.ExecuteActivity(acts.RunBulkImport, BulkImportInput{Source: "ftp://down/parcels.csv"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fetch bulk file")
}

func TestRunAcquisition_NotConfigured(t *testing.T) {
	var suite testsuite.WorkflowTestSuite
	env := suite.NewTestActivityEnvironment()
	acts := &Activities{}
	env.RegisterActivity(acts)

	_, err := env.ExecuteActivity(acts.RunAcquisition, AcquisitionInput{Requests: []model.AcquisitionRequest{{Identifier: "A"}}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not configured")
}

func TestClient_StartAcquisition(t *testing.T) {
	run := &mocks.WorkflowRun{}
	run.On("GetID").Return("acquisition-run-9")
	starter := &mocks.Client{}
	starter.On("ExecuteWorkflow", mock.Anything, mock.MatchedBy(func(o client.StartWorkflowOptions) bool {
		return o.ID == "acquisition-run-9" && o.TaskQueue == "parcels"
	}), mock.Anything, mock.Anything).Return(run, nil).Once()

	c := NewClient(starter, "parcels")
	id, err := c.StartAcquisition(context.Background(), AcquisitionInput{RunID: "run-9", Requests: []model.AcquisitionRequest{{Identifier: "A"}}})
	require.NoError(t, err)
	assert.Equal(t, "acquisition-run-9", id)
	starter.AssertExpectations(t)
}

func TestClient_StartBulkImportError(t *testing.T) {
	starter := &mocks.Client{}
	starter.On("ExecuteWorkflow", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(nil, errors.New("namespace not found"))

	_, err := NewClient(starter, "parcels").StartBulkImport(context.Background(), BulkImportInput{Source: "x.csv"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "taskqueue: start bulk import")
}
