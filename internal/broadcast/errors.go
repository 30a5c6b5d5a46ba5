package broadcast

import (
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")

	// ErrClaimConflict is the benign outcome of losing a claim race. Callers poll again.
	ErrClaimConflict = errors.New("claim conflict")
	// ErrStaleClaim marks a job whose claim outlived the stale threshold.
	ErrStaleClaim = errors.New("stale claim")
)

// ValidationError rejects malformed input before it reaches the queue.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// RateLimitExceeded is returned when a limiter keeps denying past the caller's budget.
type RateLimitExceeded struct {
	Key        string
	RetryAfter time.Duration
}

func (e *RateLimitExceeded) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s (retry after %s)", e.Key, e.RetryAfter)
}

// ProviderTransientError is a delivery failure worth retrying (network, 5xx, throttling).
type ProviderTransientError struct {
	Code       string
	Status     int
	RetryAfter time.Duration
	Err        error
}

func (e *ProviderTransientError) Error() string {
	return fmt.Sprintf("provider transient error (%s): %v", e.Code, e.Err)
}

func (e *ProviderTransientError) Unwrap() error { return e.Err }

// ProviderPermanentError is a delivery failure that will not succeed on retry.
type ProviderPermanentError struct {
	Code   string
	Status int
	Err    error
}

func (e *ProviderPermanentError) Error() string {
	return fmt.Sprintf("provider permanent error (%s): %v", e.Code, e.Err)
}

func (e *ProviderPermanentError) Unwrap() error { return e.Err }

func Transient(code string, err error) error {
	if err == nil {
		err = errors.New(code)
	}
	return &ProviderTransientError{Code: code, Err: err}
}

// TransientAfter is Transient with a server-provided retry delay.
func TransientAfter(code string, after time.Duration, err error) error {
	if err == nil {
		err = errors.New(code)
	}
	if after < 0 {
		after = 0
	}
	return &ProviderTransientError{Code: code, RetryAfter: after, Err: err}
}

func Permanent(code string, err error) error {
	if err == nil {
		err = errors.New(code)
	}
	return &ProviderPermanentError{Code: code, Err: err}
}

func IsTransient(err error) bool {
	var t *ProviderTransientError
	return errors.As(err, &t)
}

func IsPermanent(err error) bool {
	var p *ProviderPermanentError
	return errors.As(err, &p)
}

// RetryAfterHint returns the delay suggested by the error chain, if any.
func RetryAfterHint(err error) (time.Duration, bool) {
	var t *ProviderTransientError
	if errors.As(err, &t) && t.RetryAfter > 0 {
		return t.RetryAfter, true
	}
	var r *RateLimitExceeded
	if errors.As(err, &r) && r.RetryAfter > 0 {
		return r.RetryAfter, true
	}
	return 0, false
}

// ErrorCode extracts the short code recorded on a failed recipient.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	var p *ProviderPermanentError
	if errors.As(err, &p) && p.Code != "" {
		return p.Code
	}
	var t *ProviderTransientError
	if errors.As(err, &t) && t.Code != "" {
		return t.Code
	}
	var r *RateLimitExceeded
	if errors.As(err, &r) {
		return ReasonRateLimitedTimeout
	}
	if errors.Is(err, context.Canceled) {
		return ReasonCancelled
	}
	return "error"
}
