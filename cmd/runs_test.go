//go:build !integration

package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/parcel-cli/internal/model"
	"github.com/sells-group/parcel-cli/internal/monitoring"
	"github.com/sells-group/parcel-cli/internal/resilience"
)

func TestFormatRunsList(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 30, 0, 0, time.UTC)
	report := model.NewBatchReport()
	report.Succeeded = []string{"A", "C"}
	report.Failed["B"] = model.Failure{Kind: resilience.KindElementNotFound, Source: model.SourceAppraiser, Attempts: 1}

	runs := []model.Run{
		{
			ID:        "abc12345-6789-0000-0000-000000000000",
			Kind:      model.RunAcquisition,
			State:     model.StateComplete,
			Requested: 3,
			Report:    report,
			CreatedAt: now,
			UpdatedAt: now.Add(2 * time.Minute),
		},
		{
			ID:        "def12345-6789-0000-0000-000000000000",
			Kind:      model.RunBulkImport,
			State:     model.StateReconciling,
			CreatedAt: now.Add(-1 * time.Hour),
			UpdatedAt: now.Add(-30 * time.Minute),
		},
	}

	var buf bytes.Buffer
	formatRunsList(&buf, runs)

	output := buf.String()
	assert.Contains(t, output, "KIND")
	assert.Contains(t, output, "STATE")
	assert.Contains(t, output, "abc12345")
	assert.NotContains(t, output, "abc12345-6789")
	assert.Contains(t, output, "acquisition")
	assert.Contains(t, output, "complete")
	assert.Contains(t, output, "bulk_import")
	assert.Contains(t, output, "reconciling")
	assert.Contains(t, output, "2026-03-02 10:30")
	assert.Contains(t, output, "2m0s")
}

func TestFormatFailures(t *testing.T) {
	at := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	entries := []resilience.FailureEntry{
		{Identifier: "15-29-16-12345-000-0010", Source: "tax_collector", Kind: resilience.KindPageTimeout, Attempts: 3, RetryCount: 2, LastFailedAt: at},
	}

	var buf bytes.Buffer
	formatFailures(&buf, entries)

	output := buf.String()
	assert.Contains(t, output, "15-29-16-12345-000-0010")
	assert.Contains(t, output, "tax_collector")
	assert.Contains(t, output, "PageTimeout")
	assert.Contains(t, output, "2026-03-02 09:00")
}

func TestFormatRunStats(t *testing.T) {
	var buf bytes.Buffer
	formatRunStats(&buf, &monitoring.MetricsSnapshot{
		LookbackHours:     24,
		RunsTotal:         4,
		RunsComplete:      3,
		RunsFailed:        1,
		ItemsSucceeded:    9,
		ItemsFailed:       1,
		ItemFailRate:      0.1,
		FailureQueueDepth: 2,
	})

	output := buf.String()
	assert.Contains(t, output, "24h")
	assert.Contains(t, output, "9/1 (10.0% failed)")
	assert.Contains(t, output, "Failure queue:")
}

func TestTruncateID(t *testing.T) {
	assert.Equal(t, "abc12345", truncateID("abc12345-6789"))
	assert.Equal(t, "short", truncateID("short"))
}
