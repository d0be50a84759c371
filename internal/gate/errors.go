package gate

import (
	"errors"
	"fmt"
	"time"
)

// Throttled marks err as a rate-limit signal from the remote side.
// after is the server's Retry-After hint (0 when absent).
func Throttled(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return throttledError{err: err, after: after}
}

// Transient marks err as retryable (network failure, 5xx).
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// IsThrottled reports whether err was wrapped with Throttled.
func IsThrottled(err error) bool {
	var e throttledError
	return errors.As(err, &e)
}

// IsTransient reports whether err was wrapped with Transient.
func IsTransient(err error) bool {
	var e transientError
	return errors.As(err, &e)
}

// RetryAfterError is implemented by errors carrying an explicit retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type throttledError struct {
	err   error
	after time.Duration
}

func (e throttledError) Error() string             { return fmt.Sprintf("throttled: %v", e.err) }
func (e throttledError) Unwrap() error             { return e.err }
func (e throttledError) RetryAfter() time.Duration { return e.after }

type transientError struct{ err error }

func (e transientError) Error() string { return fmt.Sprintf("transient: %v", e.err) }
func (e transientError) Unwrap() error { return e.err }
