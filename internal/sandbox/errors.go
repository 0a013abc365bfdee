package sandbox

import (
	"errors"
	"fmt"
	"time"
)

// Validation failures raised before a script is evaluated.
var (
	ErrEmptyScript    = errors.New("script is empty")
	ErrScriptTooLarge = fmt.Errorf("script exceeds %d characters", MaxScriptLength)
)

// TimeoutError reports a script that exceeded its wall-clock budget.
type TimeoutError struct {
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("script execution timed out after %dms", e.Timeout.Milliseconds())
}

// CallLimitError reports a script that attempted more host tool calls than
// its re-entry cap allows.
type CallLimitError struct {
	Made  int
	Limit int
}

func (e *CallLimitError) Error() string {
	return fmt.Sprintf("tool call limit exceeded: %d calls made, limit %d", e.Made, e.Limit)
}

// ExecutionError reports a script that threw or rejected.
type ExecutionError struct {
	Message string
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("script execution failed: %s", e.Message)
}
