package domain

import (
	"errors"
	"fmt"
)

var (
	ErrAuth                 = errors.New("authentication failed")
	ErrRateLimitExceeded    = errors.New("rate limit exceeded")
	ErrMalformedRecord      = errors.New("malformed record")
	ErrReplayWindowExceeded = errors.New("replay window exceeded")
	ErrSinkDelivery         = errors.New("sink delivery failed")

	ErrInvalidBatchSize    = errors.New("invalid batch size")
	ErrInvalidDUNS         = errors.New("invalid DUNS")
	ErrInvalidRegistration = errors.New("invalid registration")
	ErrNotFound            = errors.New("not found")
)

// AuthError carries the reason a credential exchange or an authenticated
// call was refused. It matches ErrAuth.
type AuthError struct {
	Status int
	Err    error
}

func (e *AuthError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("authentication failed (status %d): %v", e.Status, e.Err)
	}
	return fmt.Sprintf("authentication failed: %v", e.Err)
}

func (e *AuthError) Unwrap() error        { return e.Err }
func (e *AuthError) Is(target error) bool { return target == ErrAuth }

// MalformedRecordError describes why one wire record was rejected.
type MalformedRecordError struct {
	Field  string
	Reason string
}

func (e *MalformedRecordError) Error() string {
	return fmt.Sprintf("malformed record: %s: %s", e.Field, e.Reason)
}

func (e *MalformedRecordError) Is(target error) bool { return target == ErrMalformedRecord }

// SinkDeliveryError is one sink failing one notification. NotificationID is
// empty when a batch sink rejected the whole batch.
type SinkDeliveryError struct {
	Sink           string
	NotificationID string
	Err            error
}

func (e *SinkDeliveryError) Error() string {
	if e.NotificationID == "" {
		return fmt.Sprintf("sink %s: %v", e.Sink, e.Err)
	}
	return fmt.Sprintf("sink %s: notification %s: %v", e.Sink, e.NotificationID, e.Err)
}

func (e *SinkDeliveryError) Unwrap() error        { return e.Err }
func (e *SinkDeliveryError) Is(target error) bool { return target == ErrSinkDelivery }

// ErrorKind names the taxonomy bucket of err for logs and metrics.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAuth):
		return "auth"
	case errors.Is(err, ErrRateLimitExceeded):
		return "rate_limit"
	case errors.Is(err, ErrMalformedRecord):
		return "malformed"
	case errors.Is(err, ErrReplayWindowExceeded):
		return "replay_window"
	case errors.Is(err, ErrSinkDelivery):
		return "sink"
	case errors.Is(err, ErrInvalidBatchSize), errors.Is(err, ErrInvalidDUNS), errors.Is(err, ErrInvalidRegistration):
		return "validation"
	default:
		return "other"
	}
}
