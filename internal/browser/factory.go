// Package browser provides session.Driver implementations.
package browser

import (
	"context"
	"math/rand/v2"

	"github.com/rotisserie/eris"

	"github.com/sells-group/parcel-cli/internal/session"
)

// Driver names accepted by NewFactory.
const (
	DriverChrome = "chrome"
	DriverStatic = "static"
)

// Options selects and configures a driver implementation.
type Options struct {
	Driver   string
	Headless bool
	ExecPath string
	// UserAgents is the pool each new driver draws its user agent from.
	// UserAgent is used when the pool is empty.
	UserAgents []string
	UserAgent  string
	// Pick returns an index in [0, n). Nil uses math/rand.
	Pick func(n int) int
}

// userAgent draws one user agent for a new driver. Recreated sessions go
// through the factory again and so present a different browser.
func (o Options) userAgent() string {
	if len(o.UserAgents) == 0 {
		return o.UserAgent
	}
	pick := o.Pick
	if pick == nil {
		pick = rand.IntN
	}
	return o.UserAgents[pick(len(o.UserAgents))]
}

// NewFactory returns a session.Factory for the configured driver.
func NewFactory(opts Options) (session.Factory, error) {
	switch opts.Driver {
	case DriverChrome, "":
		return func(ctx context.Context) (session.Driver, error) {
			return NewChromeDriver(ctx, ChromeOptions{
				Headless:  opts.Headless,
				ExecPath:  opts.ExecPath,
				UserAgent: opts.userAgent(),
			})
		}, nil
	case DriverStatic:
		return func(context.Context) (session.Driver, error) {
			return NewStaticDriver(opts.userAgent()), nil
		}, nil
	default:
		return nil, eris.Errorf("browser: unknown driver %q", opts.Driver)
	}
}
