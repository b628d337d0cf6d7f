// Package staleness decides whether a property was acquired recently enough
// to skip re-fetching it.
package staleness

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/parcel-cli/internal/model"
)

// DefaultThreshold is how long an acquired record stays fresh.
const DefaultThreshold = 24 * time.Hour

// ShouldSkip reports whether a record last acquired at lastAcquired is still
// fresh at now. A record never acquired is never skipped; force never skips;
// a non-positive threshold disables skipping.
func ShouldSkip(lastAcquired *time.Time, threshold time.Duration, now time.Time, force bool) bool {
	if force || lastAcquired == nil || threshold <= 0 {
		return false
	}
	return now.Sub(*lastAcquired) < threshold
}

// Lookup reads last-acquired timestamps without mutating anything.
type Lookup interface {
	LastAcquired(ctx context.Context, identifiers []string) (map[string]time.Time, error)
}

// Cache applies ShouldSkip to a batch of requests.
type Cache struct {
	Lookup    Lookup
	Threshold time.Duration
	Force     bool
	Now       func() time.Time
}

// ShouldSkip is the per-identifier form. threshold overrides the cache's
// default when positive.
func (c Cache) ShouldSkip(identifier string, lastAcquired *time.Time, threshold time.Duration) bool {
	if threshold <= 0 {
		threshold = c.Threshold
	}
	return ShouldSkip(lastAcquired, threshold, c.now(), c.Force)
}

// Filter splits requests into those to fetch and the identifiers skipped as
// fresh. Input order is preserved.
func (c Cache) Filter(ctx context.Context, requests []model.AcquisitionRequest) ([]model.AcquisitionRequest, []string, error) {
	if c.Force || c.Lookup == nil || len(requests) == 0 {
		return requests, nil, nil
	}

	ids := make([]string, len(requests))
	for i, r := range requests {
		ids[i] = r.Identifier
	}
	last, err := c.Lookup.LastAcquired(ctx, ids)
	if err != nil {
		return nil, nil, eris.Wrap(err, "staleness: lookup last acquired")
	}

	keep := make([]model.AcquisitionRequest, 0, len(requests))
	var skipped []string
	for _, r := range requests {
		var lastAcquired *time.Time
		if ts, ok := last[r.Identifier]; ok {
			lastAcquired = &ts
		}
		if c.ShouldSkip(r.Identifier, lastAcquired, r.StalenessThreshold) {
			skipped = append(skipped, r.Identifier)
			continue
		}
		keep = append(keep, r)
	}
	return keep, skipped, nil
}

func (c Cache) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now().UTC()
}
