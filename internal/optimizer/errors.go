package optimizer

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrQuotaExceeded   = errors.New("quota exceeded")
	ErrUpstreamFailure = errors.New("upstream failure")
)

// QuotaExceededError is returned when the caller's admission quota for the
// current window is used up. It is retryable after RetryAfter.
type QuotaExceededError struct {
	CallerID   string
	Remaining  int64
	RetryAfter time.Duration
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("quota exceeded for caller %q: %d call(s) remaining, retry after %s",
		e.CallerID, e.Remaining, e.RetryAfter.Round(time.Second))
}

func (e *QuotaExceededError) Is(target error) bool { return target == ErrQuotaExceeded }

// UpstreamError wraps a failure of the upstream AI call. The cause's
// message is kept as is.
type UpstreamError struct {
	Err error
}

func (e *UpstreamError) Error() string {
	return "upstream call failed: " + e.Err.Error()
}

func (e *UpstreamError) Unwrap() error { return e.Err }

func (e *UpstreamError) Is(target error) bool { return target == ErrUpstreamFailure }
