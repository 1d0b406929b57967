package queue

import "errors"

// unrecoverableError marks an error that must not be retried: acting on a
// missing row, a state guard rejecting the job, or malformed model output.
// The worker drops the job; stuck recovery is the backstop if durable
// state still needs rescuing.
type unrecoverableError struct {
	err error
}

func (e *unrecoverableError) Error() string {
	return e.err.Error()
}

func (e *unrecoverableError) Unwrap() error {
	return e.err
}

// Unrecoverable wraps err so the worker skips remaining retries.
func Unrecoverable(err error) error {
	if err == nil {
		return nil
	}
	return &unrecoverableError{err: err}
}

// IsUnrecoverable reports whether err was marked unrecoverable.
func IsUnrecoverable(err error) bool {
	if err == nil {
		return false
	}
	var ue *unrecoverableError
	return errors.As(err, &ue)
}
