package httpclient

import (
	"fmt"
	"time"
)

// RetryableError reports an upstream HTTP failure that survived the retry
// budget. RetryAfter carries the provider's hint when one was parsed from
// its rate-limit headers, so callers can surface a meaningful pause to
// the client.
type RetryableError struct {
	StatusCode int
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *RetryableError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("HTTP %d: %s (retry after %v)", e.StatusCode, e.Message, e.RetryAfter)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *RetryableError) Unwrap() error { return e.Err }

// IsRetryable marks the failure as transient for the relay's error
// normalization.
func (e *RetryableError) IsRetryable() bool { return true }
