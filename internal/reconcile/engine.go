// Package reconcile merges partial records into the canonical store.
package reconcile

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/parcel-cli/internal/model"
	"github.com/sells-group/parcel-cli/internal/resilience"
	"github.com/sells-group/parcel-cli/internal/store"
)

// Engine is the only writer of property records.
type Engine struct {
	store store.Store
	now   func() time.Time
	log   *zap.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the time source used for last_acquired.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an Engine over st.
func New(st store.Store, opts ...Option) *Engine {
	e := &Engine{
		store: st,
		now:   time.Now,
		log:   zap.L().With(zap.String("component", "reconcile")),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Upsert merges recs into the store in a single transaction and returns how
// many identifiers were created and updated. Either every record lands or
// none does. Callers validate per item before this point; a record that
// still fails validation rejects the whole batch with a ValidationFailed
// error.
func (e *Engine) Upsert(ctx context.Context, recs []model.PartialRecord) (model.Counts, error) {
	if len(recs) == 0 {
		return model.Counts{}, nil
	}
	for i := range recs {
		if err := recs[i].Validate(); err != nil {
			return model.Counts{}, resilience.NewError(resilience.KindValidation, recs[i].Identifier,
				eris.Wrapf(err, "reconcile: record %d", i))
		}
	}

	ids := make([]string, 0, len(recs))
	seen := make(map[string]bool, len(recs))
	for _, r := range recs {
		if !seen[r.Identifier] {
			seen[r.Identifier] = true
			ids = append(ids, r.Identifier)
		}
	}

	now := e.now().UTC()
	var counts model.Counts
	err := e.store.WithTx(ctx, func(tx store.Tx) error {
		counts = model.Counts{}
		existing, err := tx.GetProperties(ctx, ids)
		if err != nil {
			return eris.Wrap(err, "reconcile: load existing")
		}

		working := make(map[string]*model.PropertyRecord, len(ids))
		for i := range recs {
			p := &recs[i]
			base, ok := working[p.Identifier]
			if !ok {
				base = existing[p.Identifier]
			}
			working[p.Identifier] = Merge(base, p, now)
		}

		out := make([]*model.PropertyRecord, 0, len(ids))
		for _, id := range ids {
			if _, ok := existing[id]; ok {
				counts.Updated++
			} else {
				counts.Created++
			}
			out = append(out, working[id])
		}
		if err := tx.PutProperties(ctx, out); err != nil {
			return eris.Wrap(err, "reconcile: write records")
		}
		return nil
	})
	if err != nil {
		return model.Counts{}, err
	}

	e.log.Debug("batch reconciled",
		zap.Int("records", len(recs)),
		zap.Int("created", counts.Created),
		zap.Int("updated", counts.Updated),
	)
	return counts, nil
}
