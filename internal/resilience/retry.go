package resilience

import (
	"context"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
)

// Policy bounds and spaces re-attempts of a single item. It is passed to the
// components that need it rather than read from a global.
type Policy struct {
	// MaxAttempts is the total number of attempts including the first.
	// Default: 3.
	MaxAttempts int

	// BaseDelay is the delay before the first retry. Attempt n waits
	// BaseDelay * 2^(n-1) plus jitter. Default: 2s.
	BaseDelay time.Duration

	// Jitter returns a random extra delay in [0, base). Nil uses math/rand.
	Jitter func(base time.Duration) time.Duration

	// Sleep waits for d or until ctx is done. Nil uses a timer.
	Sleep func(ctx context.Context, d time.Duration) error

	// Logger receives one line per failed attempt. Nil uses zap.L().
	Logger *zap.Logger
}

// DefaultPolicy returns the standard acquisition retry policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   2 * time.Second,
	}
}

// Outcome describes how an Execute call finished.
type Outcome struct {
	Attempts int
	Kind     Kind
	Err      error
}

// Execute runs op until it succeeds, fails with a fatal kind, or MaxAttempts
// is reached. Attempts is always in [1, MaxAttempts]. Cancellation of ctx
// stops further attempts and reports the last error.
func (p Policy) Execute(ctx context.Context, identifier string, op func(ctx context.Context) error) Outcome {
	_, out := ExecuteVal(ctx, p, identifier, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return out
}

// ExecuteVal is like Execute but preserves the value from the successful call.
func ExecuteVal[T any](ctx context.Context, p Policy, identifier string, op func(ctx context.Context) (T, error)) (T, Outcome) {
	p = p.withDefaults()

	var zero T
	var out Outcome
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		out.Attempts = attempt
		val, err := op(ctx)
		if err == nil {
			return val, Outcome{Attempts: attempt}
		}

		out.Err = err
		out.Kind = KindOf(err)
		p.Logger.Warn("acquisition attempt failed",
			zap.String("identifier", identifier),
			zap.String("kind", string(out.Kind)),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", p.MaxAttempts),
			zap.Error(err),
		)

		if !out.Kind.Transient() || attempt == p.MaxAttempts {
			break
		}
		if ctx.Err() != nil {
			break
		}
		if p.Sleep(ctx, p.Delay(attempt)) != nil {
			break
		}
	}

	return zero, out
}

// Delay returns the wait before retrying after the given failed attempt
// (1-based): BaseDelay * 2^(attempt-1) + jitter in [0, BaseDelay).
func (p Policy) Delay(attempt int) time.Duration {
	p = p.withDefaults()
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseDelay << (attempt - 1)
	return d + p.Jitter(p.BaseDelay)
}

// MaxTotalDelay is the upper bound on time spent sleeping across all retries
// of one item.
func (p Policy) MaxTotalDelay() time.Duration {
	p = p.withDefaults()
	var total time.Duration
	for a := 1; a < p.MaxAttempts; a++ {
		total += p.BaseDelay<<(a-1) + p.BaseDelay
	}
	return total
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 2 * time.Second
	}
	if p.Jitter == nil {
		p.Jitter = randomJitter
	}
	if p.Sleep == nil {
		p.Sleep = sleepCtx
	}
	if p.Logger == nil {
		p.Logger = zap.L().With(zap.String("component", "retry"))
	}
	return p
}

func randomJitter(base time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(base)))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
