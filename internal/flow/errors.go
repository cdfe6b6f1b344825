package flow

import (
	"errors"
	"fmt"
)

// ErrConfiguration indicates the orchestrator was assembled or invoked with
// invalid inputs. Configuration errors abort before any model call.
var ErrConfiguration = errors.New("configuration error")

// PipelineError wraps a failure with the phase and run it occurred in.
type PipelineError struct {
	Phase Phase
	RunID string
	Err   error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("run %s: phase %s: %v", e.RunID, e.Phase, e.Err)
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}
