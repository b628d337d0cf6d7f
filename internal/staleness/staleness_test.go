package staleness

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/parcel-cli/internal/model"
)

type mapLookup map[string]time.Time

func (m mapLookup) LastAcquired(_ context.Context, ids []string) (map[string]time.Time, error) {
	out := make(map[string]time.Time)
	for _, id := range ids {
		if ts, ok := m[id]; ok {
			out[id] = ts
		}
	}
	return out, nil
}

type failingLookup struct{}

func (failingLookup) LastAcquired(context.Context, []string) (map[string]time.Time, error) {
	return nil, errors.New("database is locked")
}

func TestShouldSkip(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	oneHourAgo := now.Add(-time.Hour)
	twoDaysAgo := now.Add(-48 * time.Hour)

	tests := []struct {
		name      string
		last      *time.Time
		threshold time.Duration
		force     bool
		want      bool
	}{
		{"never acquired", nil, 24 * time.Hour, false, false},
		{"fresh", &oneHourAgo, 24 * time.Hour, false, true},
		{"fresh but forced", &oneHourAgo, 24 * time.Hour, true, false},
		{"stale", &twoDaysAgo, 24 * time.Hour, false, false},
		{"exactly threshold", &oneHourAgo, time.Hour, false, false},
		{"zero threshold", &oneHourAgo, 0, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ShouldSkip(tt.last, tt.threshold, now, tt.force))
		})
	}
}

func TestCache_Filter(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := Cache{
		Lookup: mapLookup{
			"fresh":  now.Add(-time.Hour),
			"stale":  now.Add(-72 * time.Hour),
			"custom": now.Add(-2 * time.Hour),
		},
		Threshold: DefaultThreshold,
		Now:       func() time.Time { return now },
	}

	reqs := []model.AcquisitionRequest{
		{Identifier: "new"},
		{Identifier: "fresh"},
		{Identifier: "stale"},
		{Identifier: "custom", StalenessThreshold: time.Hour},
	}
	keep, skipped, err := c.Filter(context.Background(), reqs)
	require.NoError(t, err)

	var kept []string
	for _, r := range keep {
		kept = append(kept, r.Identifier)
	}
	assert.Equal(t, []string{"new", "stale", "custom"}, kept)
	assert.Equal(t, []string{"fresh"}, skipped)
}

func TestCache_FilterForce(t *testing.T) {
	c := Cache{Lookup: failingLookup{}, Threshold: DefaultThreshold, Force: true}
	reqs := []model.AcquisitionRequest{{Identifier: "a"}, {Identifier: "b"}}
	keep, skipped, err := c.Filter(context.Background(), reqs)
	require.NoError(t, err)
	assert.Len(t, keep, 2)
	assert.Empty(t, skipped)
}

func TestCache_FilterLookupError(t *testing.T) {
	c := Cache{Lookup: failingLookup{}, Threshold: DefaultThreshold}
	_, _, err := c.Filter(context.Background(), []model.AcquisitionRequest{{Identifier: "a"}})
	assert.Error(t, err)
}
