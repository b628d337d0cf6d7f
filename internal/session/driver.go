package session

import (
	"context"

	"github.com/rotisserie/eris"
)

// ErrNoElement is returned by drivers that can tell, without waiting, that
// a selector matches nothing.
var ErrNoElement = eris.New("no element matches selector")

// ErrDriverClosed is returned by drivers whose underlying handle is gone.
var ErrDriverClosed = eris.New("driver closed")

// Driver is a single automation handle: one browser tab or one HTTP client
// with a cookie jar. Implementations block until the operation completes or
// ctx is done; they never retry.
type Driver interface {
	// Navigate loads url and returns the HTTP status when the driver can
	// observe it (0 otherwise).
	Navigate(ctx context.Context, url string) (int, error)
	// Find waits until selector is present and returns its text.
	Find(ctx context.Context, selector string) (string, error)
	// Click scrolls selector into view and clicks it.
	Click(ctx context.Context, selector string) error
	// ReadyState returns document.readyState.
	ReadyState(ctx context.Context) (string, error)
	// HTML returns the current document markup.
	HTML(ctx context.Context) (string, error)
	// URL returns the current location.
	URL(ctx context.Context) (string, error)
	// Ping is a cheap liveness probe.
	Ping(ctx context.Context) error
	Close() error
}

// Factory creates a fresh Driver.
type Factory func(ctx context.Context) (Driver, error)
