package relay

import (
	"errors"
	"fmt"
)

// Error taxonomy.
//
// Startup errors (configuration, resolution) are synchronous and abort the
// whole launch. Steady-state errors are contained within the task that
// produced them; only connection exhaustion or an explicit fatal signal
// escalates to the supervisor. Use errors.Is to classify, as errors may be
// wrapped with additional context.
var (
	// ErrConfiguration indicates a schema violation in the configuration.
	// Fatal at startup, before any task runs.
	ErrConfiguration = errors.New("invalid configuration")

	// ErrResolution indicates a code or message designation that does not
	// name a registered unit, or whose kwargs were rejected at bind time.
	// A configuration error: fatal at startup.
	ErrResolution = errors.New("designation could not be resolved")

	// ErrHandlerInvocation indicates handler code failed for one message.
	// Isolated per message; never propagates past the owning listener.
	ErrHandlerInvocation = errors.New("handler invocation failed")

	// ErrMessageDecode indicates a payload did not conform to its declared
	// message type. The message is still acknowledged.
	ErrMessageDecode = errors.New("message decode failed")
)

// TaskError reports the fatal failure of one listener task.
type TaskError struct {
	Task string
	Err  error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("task %q failed: %v", e.Task, e.Err)
}

func (e *TaskError) Unwrap() error {
	return e.Err
}

// StuckTaskError reports a task that did not reach Stopped within the
// shutdown grace period.
type StuckTaskError struct {
	Task string
}

func (e *StuckTaskError) Error() string {
	return fmt.Sprintf("task %q did not stop within the grace period", e.Task)
}
