package engine

import (
	"errors"
	"time"
)

// ErrPanic wraps a recovered job panic.
var ErrPanic = errors.New("task panicked")

// NoRetry marks a job failure as permanent; the runner stops after the
// current attempt. The message is left untouched so history and
// notifications show the underlying error.
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err}
}

func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return e.err.Error() }
func (e noRetryError) Unwrap() error { return e.err }

// RetryAfterError carries the minimum wait before the next attempt.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

// RetryAfter asks the runner to wait at least after before retrying.
// The wait is capped by Config.RetryMaxDelay.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	return retryAfterError{err: err, after: max(after, 0)}
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string             { return e.err.Error() }
func (e retryAfterError) Unwrap() error             { return e.err }
func (e retryAfterError) RetryAfter() time.Duration { return e.after }
