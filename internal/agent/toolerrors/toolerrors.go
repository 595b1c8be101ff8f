// Package toolerrors provides structured error types for tool invocation,
// LLM gateway, and sandbox failures. ToolError preserves error chains and
// supports errors.Is/As while still formatting the way spec.md §7 expects
// ("Error from <tool> with args <...>: <msg>").
package toolerrors

import (
	"errors"
	"fmt"
)

// ToolError is a structured failure that keeps a human-readable message and
// an optional causal chain, so tool failures survive the history round-trip
// (spec.md §3 ToolResult: "every result is JSON-serializable") without
// losing the ability to use errors.Is/As in Go code that inspects them
// before formatting.
type ToolError struct {
	Message string
	Cause   *ToolError
}

// New constructs a ToolError from a message alone.
func New(message string) *ToolError {
	if message == "" {
		message = "tool error"
	}
	return &ToolError{Message: message}
}

// NewWithCause wraps cause in a ToolError carrying message.
func NewWithCause(message string, cause error) *ToolError {
	if message == "" && cause != nil {
		message = cause.Error()
	}
	return &ToolError{Message: message, Cause: FromError(cause)}
}

// FromError converts any error into a ToolError chain, reusing an existing
// chain when err already is (or wraps) one.
func FromError(err error) *ToolError {
	if err == nil {
		return nil
	}
	var te *ToolError
	if errors.As(err, &te) {
		return te
	}
	return &ToolError{Message: err.Error(), Cause: FromError(errors.Unwrap(err))}
}

// Errorf formats a ToolError.
func Errorf(format string, args ...any) *ToolError {
	return New(fmt.Sprintf(format, args...))
}

// Error implements the error interface.
func (e *ToolError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

// Unwrap exposes the causal chain to errors.Is/As.
func (e *ToolError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// ForTool formats a tool runtime failure using the exact wording spec.md §7
// prescribes for the tool-output history: "Error from <tool> with args
// <...>: <msg>".
func ForTool(toolName string, args map[string]any, err error) string {
	return fmt.Sprintf("Error from %s with args %v: %s", toolName, args, err.Error())
}

// InvalidTool formats the history entry for an unknown tool name.
func InvalidTool(name string) string {
	return fmt.Sprintf("Invalid tool: %s", name)
}
