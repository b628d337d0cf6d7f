package monitoring

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/parcel-cli/internal/config"
	"github.com/sells-group/parcel-cli/internal/model"
	"github.com/sells-group/parcel-cli/internal/resilience"
)

type fakeRuns struct {
	runs     []model.Run
	depth    int
	listErr  error
	countErr error
}

func (f *fakeRuns) ListRuns(_ context.Context, _ model.RunFilter) ([]model.Run, error) {
	return f.runs, f.listErr
}

func (f *fakeRuns) CountFailures(context.Context) (int, error) {
	return f.depth, f.countErr
}

type fakeBreakers map[string]resilience.CircuitState

func (f fakeBreakers) States() map[string]resilience.CircuitState { return f }

var clock = time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

func report(ok, failed, created int) *model.BatchReport {
	r := model.NewBatchReport()
	for i := 0; i < ok; i++ {
		r.Succeeded = append(r.Succeeded, string(rune('A'+i)))
	}
	for i := 0; i < failed; i++ {
		r.Failed[string(rune('a'+i))] = model.Failure{Kind: resilience.KindPageTimeout}
	}
	r.Counts.Created = created
	return r
}

func TestCollector_Collect(t *testing.T) {
	runs := &fakeRuns{
		depth: 7,
		runs: []model.Run{
			{Kind: model.RunAcquisition, State: model.StateComplete, Report: report(3, 1, 3), CreatedAt: clock.Add(-time.Hour)},
			{Kind: model.RunAcquisition, State: model.StateFailed, CreatedAt: clock.Add(-2 * time.Hour)},
			{Kind: model.RunBulkImport, State: model.StateComplete, Report: report(0, 0, 100), CreatedAt: clock.Add(-3 * time.Hour)},
			{Kind: model.RunAcquisition, State: model.StateRunningPrimary, CreatedAt: clock.Add(-time.Minute)},
			// Outside the window.
			{Kind: model.RunAcquisition, State: model.StateFailed, CreatedAt: clock.Add(-48 * time.Hour)},
		},
	}
	c := NewCollector(runs, fakeBreakers{
		"appraiser":     resilience.CircuitClosed,
		"tax_collector": resilience.CircuitOpen,
	})
	c.now = func() time.Time { return clock }

	snap, err := c.Collect(context.Background(), 24)
	require.NoError(t, err)

	assert.Equal(t, 4, snap.RunsTotal)
	assert.Equal(t, 2, snap.RunsComplete)
	assert.Equal(t, 1, snap.RunsFailed)
	assert.Equal(t, 1, snap.RunsActive)
	assert.InDelta(t, 1.0/3.0, snap.RunFailRate, 1e-9)
	assert.Equal(t, 3, snap.ItemsSucceeded)
	assert.Equal(t, 1, snap.ItemsFailed)
	assert.InDelta(t, 0.25, snap.ItemFailRate, 1e-9)
	assert.Equal(t, 103, snap.Created)
	assert.Equal(t, 7, snap.FailureQueueDepth)
	assert.Equal(t, []string{"tax_collector"}, snap.OpenCircuits)
	assert.Equal(t, clock, snap.CollectedAt)
}

func TestCollector_Errors(t *testing.T) {
	c := NewCollector(&fakeRuns{listErr: errors.New("db down")}, nil)
	_, err := c.Collect(context.Background(), 24)
	assert.ErrorContains(t, err, "list runs")

	c = NewCollector(&fakeRuns{countErr: errors.New("db down")}, nil)
	_, err = c.Collect(context.Background(), 24)
	assert.ErrorContains(t, err, "count failures")
}

func testMonitoringConfig() config.MonitoringConfig {
	return config.MonitoringConfig{
		FailureRateThreshold:     0.25,
		ItemFailureRateThreshold: 0.20,
		FailureQueueThreshold:    100,
	}
}

func TestAlerter_Evaluate_NoAlerts(t *testing.T) {
	a := NewAlerter(testMonitoringConfig())

	alerts := a.Evaluate(&MetricsSnapshot{
		RunsComplete:   19,
		RunsFailed:     1,
		RunFailRate:    0.05,
		ItemsSucceeded: 95,
		ItemsFailed:    5,
		ItemFailRate:   0.05,
		LookbackHours:  24,
	})
	assert.Empty(t, alerts)
}

func TestAlerter_Evaluate_RunFailureRateNeedsEnoughRuns(t *testing.T) {
	a := NewAlerter(testMonitoringConfig())

	few := a.Evaluate(&MetricsSnapshot{RunsComplete: 1, RunsFailed: 2, RunFailRate: 0.66})
	assert.Empty(t, few)

	many := a.Evaluate(&MetricsSnapshot{RunsComplete: 6, RunsFailed: 4, RunFailRate: 0.4, LookbackHours: 24})
	require.Len(t, many, 1)
	assert.Equal(t, AlertRunFailureRate, many[0].Type)
	assert.Contains(t, many[0].Message, "40.0%")
}

func TestAlerter_Evaluate_AllTypes(t *testing.T) {
	a := NewAlerter(testMonitoringConfig())

	alerts := a.Evaluate(&MetricsSnapshot{
		RunsComplete:      5,
		RunsFailed:        5,
		RunFailRate:       0.5,
		ItemsSucceeded:    10,
		ItemsFailed:       10,
		ItemFailRate:      0.5,
		FailureQueueDepth: 250,
		OpenCircuits:      []string{"appraiser"},
	})

	types := make([]AlertType, len(alerts))
	for i, al := range alerts {
		types[i] = al.Type
	}
	assert.Equal(t, []AlertType{AlertRunFailureRate, AlertItemFailureRate, AlertFailureQueue, AlertCircuitOpen}, types)
	assert.Contains(t, alerts[3].Message, "appraiser")
}

func TestAlerter_SendAlerts(t *testing.T) {
	var got atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var a Alert
		if err := json.NewDecoder(r.Body).Decode(&a); err != nil || a.Type == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		got.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	cfg := testMonitoringConfig()
	cfg.WebhookURL = srv.URL
	a := NewAlerter(cfg)

	sent := a.SendAlerts(context.Background(), []Alert{
		{Type: AlertCircuitOpen, Severity: "high", Message: "open"},
		{Type: AlertFailureQueue, Severity: "medium", Message: "deep"},
	})
	assert.Equal(t, 2, sent)
	assert.Equal(t, int32(2), got.Load())
}

func TestAlerter_SendAlerts_WebhookError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := testMonitoringConfig()
	cfg.WebhookURL = srv.URL
	sent := NewAlerter(cfg).SendAlerts(context.Background(), []Alert{{Type: AlertCircuitOpen}})
	assert.Equal(t, 0, sent)
}

func TestAlerter_SendAlerts_NoWebhook(t *testing.T) {
	a := NewAlerter(testMonitoringConfig())
	assert.Equal(t, 0, a.SendAlerts(context.Background(), []Alert{{Type: AlertCircuitOpen}}))
}

func TestChecker_Check(t *testing.T) {
	runs := &fakeRuns{depth: 1000}
	c := NewCollector(runs, nil)
	cfg := testMonitoringConfig()
	cfg.LookbackWindowHours = 24
	checker := NewChecker(c, NewAlerter(cfg), cfg)
	ctx := context.Background()

	alerts := checker.check(ctx, zap.NewNop())
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertFailureQueue, alerts[0].Type)

	// Still firing: not raised again.
	assert.Empty(t, checker.check(ctx, zap.NewNop()))

	// A failed collection keeps the firing set.
	runs.listErr = errors.New("db down")
	assert.Nil(t, checker.check(ctx, zap.NewNop()))
	runs.listErr = nil
	assert.Empty(t, checker.check(ctx, zap.NewNop()))

	// Cleared, then raised again.
	runs.depth = 0
	assert.Empty(t, checker.check(ctx, zap.NewNop()))
	runs.depth = 1000
	alerts = checker.check(ctx, zap.NewNop())
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertFailureQueue, alerts[0].Type)
}

func TestChecker_CheckSendsOnlyNewConditions(t *testing.T) {
	var got atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		got.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	runs := &fakeRuns{depth: 1000}
	breakers := fakeBreakers{}
	cfg := testMonitoringConfig()
	cfg.WebhookURL = srv.URL
	checker := NewChecker(NewCollector(runs, breakers), NewAlerter(cfg), cfg)
	ctx := context.Background()

	checker.check(ctx, zap.NewNop())
	assert.Equal(t, int32(1), got.Load())

	breakers["tax_collector"] = resilience.CircuitOpen
	alerts := checker.check(ctx, zap.NewNop())
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertCircuitOpen, alerts[0].Type)
	assert.Equal(t, int32(2), got.Load())
}

func TestChecker_RunStopsOnCancel(t *testing.T) {
	cfg := testMonitoringConfig()
	cfg.CheckIntervalSecs = 3600
	checker := NewChecker(NewCollector(&fakeRuns{}, nil), NewAlerter(cfg), cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		checker.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("checker did not stop")
	}
}
