package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

// Kind classifies an acquisition failure. Every failure surfaced by the
// session layer or a source carries exactly one Kind.
type Kind string

// Transient kinds. The retry policy may re-attempt these.
const (
	KindPageTimeout    Kind = "PageTimeout"
	KindRateLimited    Kind = "RateLimited"
	KindSessionExpired Kind = "SessionExpired"
)

// Fatal kinds. Never retried.
const (
	KindElementNotFound Kind = "ElementNotFound"
	KindCaptchaDetected Kind = "CaptchaDetected"
	KindValidation      Kind = "ValidationFailed"

	// KindCancelled marks items that were never attempted because the batch
	// was cancelled.
	KindCancelled Kind = "Cancelled"
	// KindUnknown is assigned to errors that carry no taxonomy kind.
	KindUnknown Kind = "Unknown"
)

// Transient reports whether the kind is safe to retry.
func (k Kind) Transient() bool {
	switch k {
	case KindPageTimeout, KindRateLimited, KindSessionExpired:
		return true
	default:
		return false
	}
}

// Valid reports whether k is one of the declared kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindPageTimeout, KindRateLimited, KindSessionExpired,
		KindElementNotFound, KindCaptchaDetected, KindValidation,
		KindCancelled, KindUnknown:
		return true
	default:
		return false
	}
}

// Error is a classified acquisition failure.
type Error struct {
	Kind       Kind
	Identifier string
	Err        error
}

func (e *Error) Error() string {
	if e.Identifier == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s [%s]: %v", e.Kind, e.Identifier, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError wraps err with a taxonomy kind.
func NewError(kind Kind, identifier string, err error) *Error {
	if err == nil {
		err = errors.New(strings.ToLower(string(kind)))
	}
	return &Error{Kind: kind, Identifier: identifier, Err: err}
}

// Errorf builds a classified error from a format string.
func Errorf(kind Kind, identifier, format string, args ...any) *Error {
	return &Error{Kind: kind, Identifier: identifier, Err: fmt.Errorf(format, args...)}
}

// KindOf classifies err. Errors that carry an *Error anywhere in the chain
// report its kind; network timeouts and connection drops map to
// PageTimeout; everything else is Unknown.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}

	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}

	if errors.Is(err, ErrCircuitOpen) {
		return KindRateLimited
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindPageTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindPageTimeout
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return KindPageTimeout
	}

	msg := strings.ToLower(err.Error())
	transientPatterns := []string{
		"connection reset by peer",
		"broken pipe",
		"tls handshake timeout",
		"i/o timeout",
		"server closed idle connection",
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return KindPageTimeout
		}
	}

	return KindUnknown
}

// IsTransient returns true if err classifies to a transient kind.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	return KindOf(err).Transient()
}

// KindForStatus maps an HTTP status code returned by a source site to a kind.
// A zero return means the status is not a failure.
func KindForStatus(statusCode int) Kind {
	switch {
	case statusCode == 0 || (statusCode >= 200 && statusCode < 400):
		return ""
	case statusCode == 429:
		return KindRateLimited
	case statusCode == 403:
		return KindCaptchaDetected
	case statusCode == 401 || statusCode == 440:
		return KindSessionExpired
	case statusCode == 404 || statusCode == 410:
		return KindElementNotFound
	case statusCode == 408 || statusCode >= 500:
		return KindPageTimeout
	default:
		return KindValidation
	}
}
