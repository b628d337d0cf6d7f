// Package session owns the lifecycle of automation handles. A Session wraps
// one Driver, bounds every operation with a timeout, and converts driver
// failures into classified errors. It never retries.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/parcel-cli/internal/resilience"
)

// State is the lifecycle state of a Session.
type State int32

const (
	// Idle holds a live handle waiting for work.
	Idle State = iota
	// Busy is executing an operation.
	Busy
	// Dead has no usable handle. EnsureSession replaces it.
	Dead
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Busy:
		return "busy"
	case Dead:
		return "dead"
	default:
		return "unknown"
	}
}

// Timeouts bounds each session operation.
type Timeouts struct {
	Find  time.Duration
	Click time.Duration
	Load  time.Duration
	Probe time.Duration
}

// DefaultTimeouts returns the standard operation bounds.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Find:  20 * time.Second,
		Click: 10 * time.Second,
		Load:  30 * time.Second,
		Probe: 5 * time.Second,
	}
}

func (t Timeouts) withDefaults() Timeouts {
	def := DefaultTimeouts()
	if t.Find <= 0 {
		t.Find = def.Find
	}
	if t.Click <= 0 {
		t.Click = def.Click
	}
	if t.Load <= 0 {
		t.Load = def.Load
	}
	if t.Probe <= 0 {
		t.Probe = def.Probe
	}
	return t
}

const readyPollInterval = 100 * time.Millisecond

// Session is owned by exactly one worker at a time.
type Session struct {
	id       int
	factory  Factory
	timeouts Timeouts
	log      *zap.Logger

	mu          sync.Mutex
	driver      Driver
	state       State
	generations int
}

// New creates a Session with no handle. The first EnsureSession creates one.
func New(id int, factory Factory, timeouts Timeouts) *Session {
	return &Session{
		id:       id,
		factory:  factory,
		timeouts: timeouts.withDefaults(),
		state:    Dead,
		log:      zap.L().With(zap.String("component", "session"), zap.Int("session", id)),
	}
}

// ID returns the session's worker slot.
func (s *Session) ID() int { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Generations returns how many handles this session has created.
func (s *Session) Generations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generations
}

// EnsureSession returns with a live handle, probing the current one and
// replacing it when it is absent or dead. Creation failure is SessionExpired.
func (s *Session) EnsureSession(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.driver != nil && s.state != Dead {
		if s.alive(ctx) {
			s.state = Idle
			return nil
		}
		s.log.Warn("session failed liveness probe")
		s.state = Dead
	}

	if s.driver != nil {
		if err := s.driver.Close(); err != nil {
			s.log.Debug("close dead driver", zap.Error(err))
		}
		s.driver = nil
	}

	d, err := s.factory(ctx)
	if err != nil {
		s.state = Dead
		return resilience.NewError(resilience.KindSessionExpired, "", eris.Wrap(err, "session: create driver"))
	}
	s.driver = d
	s.state = Idle
	s.generations++
	if s.generations > 1 {
		s.log.Info("session recreated", zap.Int("generation", s.generations))
	}
	return nil
}

// Navigate loads url within the load timeout and rejects blocked or
// throttled pages.
func (s *Session) Navigate(ctx context.Context, url string) error {
	return s.do(ctx, "navigate", s.timeouts.Load, resilience.KindPageTimeout, resilience.KindPageTimeout,
		func(ctx context.Context, d Driver) error {
			status, err := d.Navigate(ctx, url)
			if err != nil {
				return err
			}
			html, err := d.HTML(ctx)
			if err != nil {
				return err
			}
			if kind := DetectBlock(status, html); kind != "" {
				return resilience.Errorf(kind, "", "navigate %s: status %d", url, status)
			}
			return nil
		})
}

// SafeFind waits up to timeout (zero uses the default) for selector and
// returns its text. Absence is ElementNotFound.
func (s *Session) SafeFind(ctx context.Context, selector string, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = s.timeouts.Find
	}
	var text string
	err := s.do(ctx, "find "+selector, timeout, resilience.KindElementNotFound, resilience.KindElementNotFound,
		func(ctx context.Context, d Driver) error {
			var err error
			text, err = d.Find(ctx, selector)
			return err
		})
	return text, err
}

// SafeClick scrolls selector into view and clicks it. A missing element is
// ElementNotFound; a click that does not complete in time is PageTimeout.
func (s *Session) SafeClick(ctx context.Context, selector string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = s.timeouts.Click
	}
	return s.do(ctx, "click "+selector, timeout, resilience.KindPageTimeout, resilience.KindElementNotFound,
		func(ctx context.Context, d Driver) error {
			return d.Click(ctx, selector)
		})
}

// WaitForLoad blocks until document.readyState is complete.
func (s *Session) WaitForLoad(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = s.timeouts.Load
	}
	return s.do(ctx, "wait for load", timeout, resilience.KindPageTimeout, resilience.KindPageTimeout,
		func(ctx context.Context, d Driver) error {
			ticker := time.NewTicker(readyPollInterval)
			defer ticker.Stop()
			for {
				state, err := d.ReadyState(ctx)
				if err != nil {
					return err
				}
				if state == "complete" {
					return nil
				}
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-ticker.C:
				}
			}
		})
}

// Content returns the current page markup and location.
func (s *Session) Content(ctx context.Context) (html, url string, err error) {
	err = s.do(ctx, "content", s.timeouts.Find, resilience.KindPageTimeout, resilience.KindPageTimeout,
		func(ctx context.Context, d Driver) error {
			var err error
			if html, err = d.HTML(ctx); err != nil {
				return err
			}
			url, err = d.URL(ctx)
			return err
		})
	return html, url, err
}

// Close tears down the handle. The session is Dead afterwards.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = Dead
	if s.driver == nil {
		return nil
	}
	err := s.driver.Close()
	s.driver = nil
	if err != nil {
		return eris.Wrapf(err, "session %d: close", s.id)
	}
	return nil
}

// do runs one bounded operation and classifies its failure. timeoutKind is
// used when the bound expires; failKind for other driver errors.
func (s *Session) do(ctx context.Context, op string, timeout time.Duration, timeoutKind, failKind resilience.Kind, fn func(ctx context.Context, d Driver) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.driver == nil || s.state == Dead {
		return resilience.Errorf(resilience.KindSessionExpired, "", "session %d: %s on dead session", s.id, op)
	}
	s.state = Busy

	opCtx, cancel := context.WithTimeout(ctx, timeout)
	err := fn(opCtx, s.driver)
	expired := errors.Is(opCtx.Err(), context.DeadlineExceeded)
	cancel()

	if err == nil {
		s.state = Idle
		return nil
	}

	var classified *resilience.Error
	if errors.As(err, &classified) {
		s.state = Idle
		return err
	}

	if errors.Is(err, ErrDriverClosed) || !s.alive(ctx) {
		s.state = Dead
		s.log.Warn("session died", zap.String("op", op), zap.Error(err))
		return resilience.NewError(resilience.KindSessionExpired, "", eris.Wrapf(err, "session %d: %s", s.id, op))
	}

	s.state = Idle
	switch {
	case errors.Is(err, ErrNoElement):
		return resilience.NewError(resilience.KindElementNotFound, "", eris.Wrapf(err, "session %d: %s", s.id, op))
	case expired || errors.Is(err, context.DeadlineExceeded):
		return resilience.NewError(timeoutKind, "", eris.Wrapf(err, "session %d: %s exceeded %s", s.id, op, timeout))
	case ctx.Err() != nil:
		return ctx.Err()
	default:
		return resilience.NewError(failKind, "", eris.Wrapf(err, "session %d: %s", s.id, op))
	}
}

// alive probes the handle. Caller holds mu.
func (s *Session) alive(ctx context.Context) bool {
	if s.driver == nil {
		return false
	}
	probeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeouts.Probe)
	defer cancel()
	return s.driver.Ping(probeCtx) == nil
}
