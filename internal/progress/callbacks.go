// Package progress fans orchestration events out to in-process stream
// callbacks and an optional external webhook relay.
package progress

import "encoding/json"

// Callbacks is the in-process event surface. Every field is optional and
// the emit methods are nil-safe, so callers fire events unconditionally.
type Callbacks struct {
	OnStatus            func(message string)
	OnProgress          func(chunk string)
	OnComplete          func(response string)
	OnError             func(message string)
	OnToolUse           func(tool string, input json.RawMessage)
	OnToolResult        func(tool string, result string)
	OnIterationComplete func(text string)
}

// Status emits a status event.
func (c *Callbacks) Status(message string) {
	if c != nil && c.OnStatus != nil {
		c.OnStatus(message)
	}
}

// Progress emits an incremental text chunk.
func (c *Callbacks) Progress(chunk string) {
	if c != nil && c.OnProgress != nil {
		c.OnProgress(chunk)
	}
}

// Complete emits the terminal success event.
func (c *Callbacks) Complete(response string) {
	if c != nil && c.OnComplete != nil {
		c.OnComplete(response)
	}
}

// Error emits the terminal error event.
func (c *Callbacks) Error(message string) {
	if c != nil && c.OnError != nil {
		c.OnError(message)
	}
}

// ToolUse emits a tool invocation event.
func (c *Callbacks) ToolUse(tool string, input json.RawMessage) {
	if c != nil && c.OnToolUse != nil {
		c.OnToolUse(tool, input)
	}
}

// ToolResult emits a tool completion event.
func (c *Callbacks) ToolResult(tool, result string) {
	if c != nil && c.OnToolResult != nil {
		c.OnToolResult(tool, result)
	}
}

// IterationComplete emits the text produced by one loop iteration.
func (c *Callbacks) IterationComplete(text string) {
	if c != nil && c.OnIterationComplete != nil {
		c.OnIterationComplete(text)
	}
}

// Merge combines several callback surfaces into one; every event fans out
// to each non-nil member in order.
func Merge(surfaces ...*Callbacks) *Callbacks {
	var active []*Callbacks
	for _, s := range surfaces {
		if s != nil {
			active = append(active, s)
		}
	}
	return &Callbacks{
		OnStatus: func(m string) {
			for _, s := range active {
				s.Status(m)
			}
		},
		OnProgress: func(chunk string) {
			for _, s := range active {
				s.Progress(chunk)
			}
		},
		OnComplete: func(r string) {
			for _, s := range active {
				s.Complete(r)
			}
		},
		OnError: func(m string) {
			for _, s := range active {
				s.Error(m)
			}
		},
		OnToolUse: func(tool string, input json.RawMessage) {
			for _, s := range active {
				s.ToolUse(tool, input)
			}
		},
		OnToolResult: func(tool, result string) {
			for _, s := range active {
				s.ToolResult(tool, result)
			}
		},
		OnIterationComplete: func(text string) {
			for _, s := range active {
				s.IterationComplete(text)
			}
		},
	}
}
