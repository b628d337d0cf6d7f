package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/parcel-cli/internal/model"
	"github.com/sells-group/parcel-cli/internal/resilience"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func sampleRecord(id string) *model.PropertyRecord {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	status := model.TaxPaid
	return &model.PropertyRecord{
		Identifier: id,
		Address: model.AddressFields{
			Street:    model.Ptr("123 Main St"),
			City:      model.Ptr("Tampa"),
			ZipCode:   model.Ptr("33602"),
			OwnerName: model.Ptr("DOE JOHN"),
		},
		Valuation: model.ValuationFields{
			MarketValue: model.Ptr(model.Money(25000000)),
		},
		Structure: model.StructureFields{
			LivingSqft: model.Ptr(1850),
			Bathrooms:  model.Ptr(2.5),
		},
		Tax: model.TaxFields{
			Amount:     model.Ptr(model.Money(412345)),
			Status:     &status,
			Delinquent: model.Ptr(false),
			Year:       model.Ptr(2025),
		},
		AppraiserURL: "https://appraiser.example/details/" + id,
		Precedence: map[model.FieldGroup]model.Source{
			model.GroupAddress: model.SourceAppraiser,
			model.GroupTax:     model.SourceTaxCollector,
		},
		LastAcquired: &now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func TestSQLite_PutAndGetProperty(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	rec := sampleRecord("A-1")
	err := st.WithTx(ctx, func(tx Tx) error {
		return tx.PutProperties(ctx, []*model.PropertyRecord{rec})
	})
	require.NoError(t, err)

	got, err := st.GetProperty(ctx, "A-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Tampa", *got.Address.City)
	assert.Equal(t, model.Money(25000000), *got.Valuation.MarketValue)
	assert.Nil(t, got.Valuation.AssessedValue)
	assert.Equal(t, 1850, *got.Structure.LivingSqft)
	assert.InDelta(t, 2.5, *got.Structure.Bathrooms, 0.001)
	assert.Nil(t, got.Structure.YearBuilt)
	assert.Equal(t, model.TaxPaid, *got.Tax.Status)
	assert.False(t, *got.Tax.Delinquent)
	assert.Equal(t, model.SourceTaxCollector, got.Precedence[model.GroupTax])
	require.NotNil(t, got.LastAcquired)
	assert.True(t, rec.LastAcquired.Equal(*got.LastAcquired))
	assert.Empty(t, got.TaxCollectorURL)
}

func TestSQLite_GetProperty_Missing(t *testing.T) {
	st := newTestSQLiteStore(t)

	got, err := st.GetProperty(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSQLite_PutProperties_ReplacesAndKeepsCreatedAt(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	rec := sampleRecord("A-1")
	require.NoError(t, st.WithTx(ctx, func(tx Tx) error {
		return tx.PutProperties(ctx, []*model.PropertyRecord{rec})
	}))

	updated := sampleRecord("A-1")
	updated.Address.City = model.Ptr("Brandon")
	updated.CreatedAt = updated.CreatedAt.Add(48 * time.Hour)
	updated.UpdatedAt = updated.UpdatedAt.Add(48 * time.Hour)
	require.NoError(t, st.WithTx(ctx, func(tx Tx) error {
		return tx.PutProperties(ctx, []*model.PropertyRecord{updated})
	}))

	got, err := st.GetProperty(ctx, "A-1")
	require.NoError(t, err)
	assert.Equal(t, "Brandon", *got.Address.City)
	assert.True(t, rec.CreatedAt.Equal(got.CreatedAt))
	assert.True(t, updated.UpdatedAt.Equal(got.UpdatedAt))

	n, err := st.CountProperties(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSQLite_WithTx_RollbackOnError(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	boom := errors.New("boom")
	err := st.WithTx(ctx, func(tx Tx) error {
		if err := tx.PutProperties(ctx, []*model.PropertyRecord{sampleRecord("A-1"), sampleRecord("A-2")}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	n, err := st.CountProperties(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSQLite_WithTx_Serialized(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	var mu sync.Mutex
	active, maxActive := 0, 0
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := st.WithTx(ctx, func(tx Tx) error {
				mu.Lock()
				active++
				if active > maxActive {
					maxActive = active
				}
				mu.Unlock()
				time.Sleep(5 * time.Millisecond)
				mu.Lock()
				active--
				mu.Unlock()
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxActive)
}

func TestSQLite_GetProperties(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.WithTx(ctx, func(tx Tx) error {
		return tx.PutProperties(ctx, []*model.PropertyRecord{sampleRecord("A-1"), sampleRecord("A-2")})
	}))

	var got map[string]*model.PropertyRecord
	require.NoError(t, st.WithTx(ctx, func(tx Tx) error {
		var err error
		got, err = tx.GetProperties(ctx, []string{"A-1", "A-3"})
		return err
	}))
	assert.Len(t, got, 1)
	assert.Contains(t, got, "A-1")
}

func TestSQLite_LastAcquired(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	withTS := sampleRecord("A-1")
	without := sampleRecord("A-2")
	without.LastAcquired = nil
	require.NoError(t, st.WithTx(ctx, func(tx Tx) error {
		return tx.PutProperties(ctx, []*model.PropertyRecord{withTS, without})
	}))

	got, err := st.LastAcquired(ctx, []string{"A-1", "A-2", "A-3"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, withTS.LastAcquired.Equal(got["A-1"]))
}

func TestSQLite_Runs(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	run, err := st.CreateRun(ctx, model.RunAcquisition, 3)
	require.NoError(t, err)
	assert.Equal(t, model.StatePending, run.State)

	require.NoError(t, st.UpdateRunState(ctx, run.ID, model.StateRunningPrimary))

	report := model.NewBatchReport()
	report.Succeeded = []string{"A-1", "A-2"}
	report.Failed["A-3"] = model.Failure{Kind: resilience.KindElementNotFound, Source: model.SourceAppraiser, Attempts: 1}
	report.Counts = model.BatchCounts{Created: 2}
	require.NoError(t, st.FinishRun(ctx, run.ID, model.StateComplete, report, ""))

	got, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateComplete, got.State)
	assert.Equal(t, model.RunAcquisition, got.Kind)
	assert.Equal(t, 3, got.Requested)
	require.NotNil(t, got.Report)
	assert.Equal(t, []string{"A-1", "A-2"}, got.Report.Succeeded)
	assert.Equal(t, resilience.KindElementNotFound, got.Report.Failed["A-3"].Kind)
	assert.Equal(t, 2, got.Report.Counts.Created)
	assert.Empty(t, got.Error)

	runs, err := st.ListRuns(ctx, model.RunFilter{State: model.StateComplete})
	require.NoError(t, err)
	assert.Len(t, runs, 1)

	runs, err = st.ListRuns(ctx, model.RunFilter{Kind: model.RunBulkImport})
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestSQLite_Runs_NotFound(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	_, err := st.GetRun(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	err = st.UpdateRunState(ctx, "missing", model.StateFailed)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLite_FailureQueue(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	entries := []resilience.FailureEntry{
		{RunID: "r1", Identifier: "A-1", Source: "appraiser", Kind: resilience.KindPageTimeout, Attempts: 3},
		{RunID: "r1", Identifier: "A-2", Source: "appraiser", Kind: resilience.KindElementNotFound, Attempts: 1},
		{RunID: "r1", Identifier: "A-1", Source: "tax_collector", Kind: resilience.KindRateLimited, Attempts: 3},
	}
	require.NoError(t, st.EnqueueFailures(ctx, entries))

	n, err := st.CountFailures(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	// Re-enqueue bumps the retry count instead of duplicating.
	require.NoError(t, st.EnqueueFailures(ctx, entries[:1]))
	n, err = st.CountFailures(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	retryable, err := st.ListFailures(ctx, resilience.FailureFilter{Source: "appraiser", Retryable: true})
	require.NoError(t, err)
	require.Len(t, retryable, 1)
	assert.Equal(t, "A-1", retryable[0].Identifier)
	assert.Equal(t, 1, retryable[0].RetryCount)

	all, err := st.ListFailures(ctx, resilience.FailureFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	removed, err := st.RemoveFailures(ctx, "appraiser", []string{"A-1", "A-2"})
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	n, err = st.CountFailures(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestChunk(t *testing.T) {
	assert.Nil(t, chunk(nil, 2))
	assert.Equal(t, [][]string{{"a", "b"}, {"c"}}, chunk([]string{"a", "b", "c"}, 2))
}

func TestPlaceholders(t *testing.T) {
	assert.Equal(t, "", placeholders(0))
	assert.Equal(t, "?, ?, ?", placeholders(3))
}
