// Package tool implements the function-calling subsystem that lets sub-agents
// invoke structured capabilities (APIs, computations, side effects) with
// schema-validated arguments and consistent, classified error handling.
package tool

import (
	"context"
	"fmt"

	"github.com/hupe1980/agentrelay/internal/util"
	"github.com/hupe1980/agentrelay/retry"
)

// Tool defines the interface for extending agent capabilities with external
// functions.
//
// Tool implementations should:
//   - Provide clear, descriptive names (snake_case recommended)
//   - Define a proper JSON schema for parameters
//   - Be safe for concurrent use
type Tool interface {
	// Name returns the unique identifier for this tool.
	Name() string

	// Description returns a human-readable description of what this tool
	// does. It is provided to the reasoning service to guide tool selection.
	Description() string

	// Parameters returns a JSON schema describing the expected arguments.
	// The schema drives pre-execution validation and function call
	// declarations.
	Parameters() map[string]any

	// Call executes the tool with already-validated arguments. The context
	// carries cancellation and deadlines from the surrounding turn.
	Call(ctx context.Context, args map[string]any) (any, error)
}

// Error codes categorize tool failures for the central retry policy.
const (
	// CodeValidation marks schema or argument mismatches. Never retried.
	CodeValidation = "VALIDATION_ERROR"
	// CodeExecution marks underlying tool failures. Retried per policy.
	CodeExecution = "EXECUTION_ERROR"
	// CodeTimeout marks deadline-exceeded executions.
	CodeTimeout = "TIMEOUT"
)

// ValidationError aliases the shared validation error so callers can match it
// without importing internal packages.
type ValidationError = util.ValidationError

// Error represents a tool failure with a categorized code. It implements
// retry.Classified so the policy table can plan recovery.
type Error struct {
	Tool    string `json:"tool"`
	Message string `json:"message"`
	Code    string `json:"code"`
	Details any    `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("tool error [%s] in %s: %s", e.Code, e.Tool, e.Message)
	}
	return fmt.Sprintf("tool error in %s: %s", e.Tool, e.Message)
}

// RetryClass implements retry.Classified.
func (e *Error) RetryClass() retry.Class {
	switch e.Code {
	case CodeValidation:
		return retry.ClassValidation
	case CodeTimeout:
		return retry.ClassTimeout
	default:
		return retry.ClassToolExecution
	}
}

// NewError creates a new Error with the given details.
func NewError(tool, message, code string) *Error {
	return &Error{Tool: tool, Message: message, Code: code}
}
