package orchestrator

import "fmt"

// ValidationError reports malformed tool inputs.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// UnknownToolError reports a tool name absent from the catalog.
type UnknownToolError struct {
	Name string
}

func (e *UnknownToolError) Error() string {
	return fmt.Sprintf("unknown tool %q", e.Name)
}

// BudgetExceededError reports that the downstream-call budget blocks further
// tool calls.
type BudgetExceededError struct {
	Total int
	Limit int
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("downstream call budget exceeded: %d of %d used", e.Total, e.Limit)
}

// ServerUnhealthyError reports a call refused because the target server's
// circuit breaker is open.
type ServerUnhealthyError struct {
	ServerID string
}

func (e *ServerUnhealthyError) Error() string {
	return fmt.Sprintf("server %s is unhealthy, call not attempted", e.ServerID)
}
