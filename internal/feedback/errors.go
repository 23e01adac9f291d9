package feedback

import (
	"fmt"
)

// ValidationError is returned when a definition cannot be constructed: an
// unknown implementation or aggregator, a malformed selector, a provider that
// is not sanctioned for the requested run location, or an argument layout
// that would silently drop bindings.
type ValidationError struct {
	Definition string
	Reason     string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("feedback %s: invalid definition: %s", e.Definition, e.Reason)
}

// ExecutionError wraps a failure raised by (or a panic recovered from) the
// underlying feedback callable. Stack is the formatted stack trace captured
// at the failure site.
type ExecutionError struct {
	Feedback string
	Err      error
	Stack    string
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("feedback %s: execution failed: %v", e.Feedback, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }
