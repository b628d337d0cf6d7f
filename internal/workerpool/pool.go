// Package workerpool runs acquisition items across a fixed set of sessions.
package workerpool

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/parcel-cli/internal/model"
	"github.com/sells-group/parcel-cli/internal/resilience"
	"github.com/sells-group/parcel-cli/internal/session"
)

// ErrNoSessions is returned when not a single session could be started.
var ErrNoSessions = eris.New("workerpool: no session could be established")

// Task acquires one item on the given session. It must not retry; the pool
// applies the retry policy around it.
type Task func(ctx context.Context, sess *session.Session, req model.AcquisitionRequest) (*model.PartialRecord, error)

// Options configures a Pool.
type Options struct {
	// Size is the number of concurrent sessions. Default: 3.
	Size     int
	Factory  session.Factory
	Timeouts session.Timeouts
	Policy   resilience.Policy
	// Pace is the pause between consecutive items on one session.
	Pace time.Duration
}

// Pool fans a batch out over Size sessions.
type Pool struct {
	opts Options
}

// New creates a Pool.
func New(opts Options) *Pool {
	if opts.Size <= 0 {
		opts.Size = 3
	}
	return &Pool{opts: opts}
}

// Size returns the configured session count.
func (p *Pool) Size() int { return p.opts.Size }

type indexedOutcome struct {
	index   int
	outcome model.AcquisitionOutcome
}

// RunBatch acquires every request and returns one outcome per request in
// input order. Items are assigned round-robin to min(Size, len(requests))
// sessions; each session processes its items sequentially. A failed item
// never stops the batch. Cancellation of ctx is observed between items:
// work in flight finishes, and items not yet started are reported as
// Cancelled. Sessions are closed on every return path.
func (p *Pool) RunBatch(ctx context.Context, source model.Source, requests []model.AcquisitionRequest, task Task, onDone func(model.AcquisitionOutcome)) ([]model.AcquisitionOutcome, error) {
	if len(requests) == 0 {
		return []model.AcquisitionOutcome{}, nil
	}
	log := zap.L().With(zap.String("component", "workerpool"), zap.String("source", string(source)))

	n := min(p.opts.Size, len(requests))
	sessions, err := p.startSessions(ctx, n, log)
	defer func() {
		for _, s := range sessions {
			if cerr := s.Close(); cerr != nil {
				log.Warn("close session", zap.Int("session", s.ID()), zap.Error(cerr))
			}
		}
	}()
	if err != nil {
		return nil, err
	}

	chunks := make([][]int, len(sessions))
	for i := range requests {
		w := i % len(sessions)
		chunks[w] = append(chunks[w], i)
	}

	log.Info("batch started",
		zap.Int("items", len(requests)),
		zap.Int("sessions", len(sessions)),
	)

	partials := make([][]indexedOutcome, len(sessions))
	var g errgroup.Group
	for w, sess := range sessions {
		g.Go(func() error {
			partials[w] = p.work(ctx, sess, source, requests, chunks[w], task, onDone)
			return nil
		})
	}
	_ = g.Wait()

	results := make([]model.AcquisitionOutcome, len(requests))
	for _, part := range partials {
		for _, item := range part {
			results[item.index] = item.outcome
		}
	}
	return results, nil
}

// startSessions creates n sessions. Sessions that fail to start are closed
// and dropped; the batch proceeds with the rest.
func (p *Pool) startSessions(ctx context.Context, n int, log *zap.Logger) ([]*session.Session, error) {
	all := make([]*session.Session, n)
	errs := make([]error, n)

	var g errgroup.Group
	for i := range n {
		g.Go(func() error {
			s := session.New(i, p.opts.Factory, p.opts.Timeouts)
			all[i] = s
			errs[i] = s.EnsureSession(ctx)
			return nil
		})
	}
	_ = g.Wait()

	var live []*session.Session
	var lastErr error
	for i, s := range all {
		if errs[i] != nil {
			log.Warn("session failed to start", zap.Int("session", i), zap.Error(errs[i]))
			lastErr = errs[i]
			_ = s.Close()
			continue
		}
		live = append(live, s)
	}
	if len(live) == 0 {
		return nil, eris.Wrapf(ErrNoSessions, "last error: %v", lastErr)
	}
	return live, nil
}

func (p *Pool) work(ctx context.Context, sess *session.Session, source model.Source, requests []model.AcquisitionRequest, indices []int, task Task, onDone func(model.AcquisitionOutcome)) []indexedOutcome {
	out := make([]indexedOutcome, 0, len(indices))
	// Items run on a context detached from cancellation; each session
	// operation carries its own timeout.
	itemCtx := context.WithoutCancel(ctx)

	for pos, idx := range indices {
		req := requests[idx]
		var o model.AcquisitionOutcome
		if ctx.Err() != nil {
			o = model.AcquisitionOutcome{
				Identifier: req.Identifier,
				LookupKey:  req.LookupKey,
				Source:     source,
				Status:     model.OutcomeFailed,
				Kind:       resilience.KindCancelled,
				Error:      ctx.Err().Error(),
			}
		} else {
			o = p.runItem(itemCtx, sess, source, req, task)
		}

		out = append(out, indexedOutcome{index: idx, outcome: o})
		if onDone != nil {
			onDone(o)
		}

		if p.opts.Pace > 0 && pos < len(indices)-1 && ctx.Err() == nil {
			timer := time.NewTimer(p.opts.Pace)
			select {
			case <-ctx.Done():
			case <-timer.C:
			}
			timer.Stop()
		}
	}
	return out
}

func (p *Pool) runItem(ctx context.Context, sess *session.Session, source model.Source, req model.AcquisitionRequest, task Task) model.AcquisitionOutcome {
	rec, res := resilience.ExecuteVal(ctx, p.opts.Policy, req.Identifier, func(ctx context.Context) (rec *model.PartialRecord, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = eris.Errorf("workerpool: panic acquiring %s: %v", req.Identifier, r)
			}
		}()
		if err := sess.EnsureSession(ctx); err != nil {
			return nil, err
		}
		return task(ctx, sess, req)
	})

	o := model.AcquisitionOutcome{
		Identifier: req.Identifier,
		LookupKey:  req.LookupKey,
		Source:     source,
		Attempts:   res.Attempts,
	}
	if res.Err != nil {
		o.Status = model.OutcomeFailed
		o.Kind = res.Kind
		o.Error = res.Err.Error()
		return o
	}
	if rec == nil {
		rec = &model.PartialRecord{}
	}
	if rec.Identifier == "" {
		rec.Identifier = req.Identifier
	}
	rec.Source = source
	if err := rec.Validate(); err != nil {
		verr := resilience.NewError(resilience.KindValidation, req.Identifier, eris.Wrap(err, "workerpool: invalid record"))
		o.Status = model.OutcomeFailed
		o.Kind = resilience.KindValidation
		o.Error = verr.Error()
		return o
	}
	o.Status = model.OutcomeSuccess
	o.Record = rec
	return o
}

// Collect wraps onDone calls so they may be made from several workers.
func Collect(fn func(model.AcquisitionOutcome)) func(model.AcquisitionOutcome) {
	if fn == nil {
		return nil
	}
	var mu sync.Mutex
	return func(o model.AcquisitionOutcome) {
		mu.Lock()
		defer mu.Unlock()
		fn(o)
	}
}
