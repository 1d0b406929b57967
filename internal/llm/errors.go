package llm

import "errors"

// retryableError wraps an error to indicate it can be retried.
type retryableError struct {
	err error
}

func (e *retryableError) Error() string {
	return e.err.Error()
}

func (e *retryableError) Unwrap() error {
	return e.err
}

// retryable marks err as a transient transport failure.
func retryable(err error) error {
	return &retryableError{err: err}
}

// IsRetryable reports whether an error should be retried. Transport
// failures (network, 429, 5xx) are retryable; API validation errors and
// malformed responses are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var re *retryableError
	return errors.As(err, &re)
}
