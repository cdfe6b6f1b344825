package agent

import (
	"errors"
	"fmt"
)

// ErrAPIKeyRequired is returned when no API key is available.
var ErrAPIKeyRequired = errors.New("API key required")

// ToolError wraps a failure of an external tool invocation (tests,
// formatter) that is not a test failure.
type ToolError struct {
	Tool string
	Err  error
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("tool %s: %v", e.Tool, e.Err)
}

func (e *ToolError) Unwrap() error {
	return e.Err
}

// transientError marks an error as worth retrying.
type transientError struct {
	err error
}

func (e *transientError) Error() string {
	return e.err.Error()
}

func (e *transientError) Unwrap() error {
	return e.err
}

// markTransient wraps err so IsTransient reports true for it.
func markTransient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err was marked retryable by the client that
// produced it. Context cancellation is never transient.
func IsTransient(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}
