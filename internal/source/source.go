// Package source implements the fetch primitives for the county appraiser
// and tax collector sites.
package source

import (
	"context"

	"github.com/sells-group/parcel-cli/internal/model"
	"github.com/sells-group/parcel-cli/internal/resilience"
	"github.com/sells-group/parcel-cli/internal/session"
	"github.com/sells-group/parcel-cli/internal/workerpool"
)

// Fetcher turns one request into a partial record using a live session.
// Failures are *resilience.Error values.
type Fetcher interface {
	Source() model.Source
	Fetch(ctx context.Context, sess *session.Session, req model.AcquisitionRequest) (*model.PartialRecord, error)
}

// Guard throttles and circuit-breaks calls to one source.
type Guard struct {
	Limiter *AdaptiveLimiter
	Breaker *resilience.CircuitBreaker
}

// Task adapts f to a worker pool task. Every attempt waits on the limiter
// and passes through the breaker; throttling responses slow the limiter.
func Task(f Fetcher, g Guard) workerpool.Task {
	return func(ctx context.Context, sess *session.Session, req model.AcquisitionRequest) (*model.PartialRecord, error) {
		if g.Limiter != nil {
			if err := g.Limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		var rec *model.PartialRecord
		call := func(ctx context.Context) error {
			var err error
			rec, err = f.Fetch(ctx, sess, req)
			return err
		}
		var err error
		if g.Breaker != nil {
			err = g.Breaker.Execute(ctx, call)
		} else {
			err = call(ctx)
		}

		if g.Limiter != nil {
			if err == nil {
				g.Limiter.OnSuccess()
			} else if resilience.KindOf(err) == resilience.KindRateLimited {
				g.Limiter.OnRateLimit()
			}
		}
		if err != nil {
			return nil, err
		}
		return rec, nil
	}
}
