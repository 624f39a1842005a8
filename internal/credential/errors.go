package credential

import (
	"errors"
	"fmt"
)

// Validation and lookup failures. HTTP handlers map these to stable error
// codes; none of them are retryable.
var (
	ErrUnknownKey       = errors.New("unknown api key")
	ErrInactive         = errors.New("api key revoked")
	ErrDomainRejected   = errors.New("email domain not authorized")
	ErrMalformedEmail   = errors.New("malformed email address")
	ErrMalformedWebsite = errors.New("malformed website url")
	ErrMalformedPhone   = errors.New("malformed phone number")
	ErrMissingField     = errors.New("missing required field")
)

// ErrUnavailable marks transient persistence failures. Callers must not
// treat it as ErrUnknownKey.
var ErrUnavailable = errors.New("credential store unavailable")

// RateLimitError reports which usage window is exhausted and how long the
// caller should wait before the window rolls over.
type RateLimitError struct {
	Window     string // "hour", "day" or "month"
	RetryAfter int    // seconds until the window boundary
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s window, retry after %ds", e.Window, e.RetryAfter)
}
