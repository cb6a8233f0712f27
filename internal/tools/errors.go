package tools

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for the tools package.
var (
	// ErrToolNotFound is returned when a requested tool is not registered.
	ErrToolNotFound = errors.New("tool not found")

	// ErrToolArgsInvalid is returned when arguments fail schema validation.
	ErrToolArgsInvalid = errors.New("tool arguments invalid")

	// ErrToolTimeout is returned when an invocation exceeds its time limit.
	ErrToolTimeout = errors.New("tool execution timeout")

	// ErrToolFailed is returned when a handler ran and reported an error.
	ErrToolFailed = errors.New("tool execution failed")
)

// ToolNotFoundError identifies the missing tool.
type ToolNotFoundError struct {
	Name string
}

func (e *ToolNotFoundError) Error() string {
	return fmt.Sprintf("tool not found: %s", e.Name)
}

// Is allows errors.Is to match against ErrToolNotFound.
func (e *ToolNotFoundError) Is(target error) bool {
	return target == ErrToolNotFound
}

// ArgsInvalidError carries the schema violation for a rejected invocation.
type ArgsInvalidError struct {
	Tool  string
	Cause error
}

func (e *ArgsInvalidError) Error() string {
	return fmt.Sprintf("invalid arguments for tool %s: %v", e.Tool, e.Cause)
}

// Is allows errors.Is to match against ErrToolArgsInvalid.
func (e *ArgsInvalidError) Is(target error) bool {
	return target == ErrToolArgsInvalid
}

// Unwrap returns the validation error.
func (e *ArgsInvalidError) Unwrap() error {
	return e.Cause
}

// ToolTimeoutError reports an invocation cancelled by its deadline.
type ToolTimeoutError struct {
	Tool    string
	Timeout time.Duration
}

func (e *ToolTimeoutError) Error() string {
	return fmt.Sprintf("tool %s timed out after %s", e.Tool, e.Timeout)
}

// Is allows errors.Is to match against ErrToolTimeout.
func (e *ToolTimeoutError) Is(target error) bool {
	return target == ErrToolTimeout
}

// ToolFailedError wraps an error returned by a tool handler.
type ToolFailedError struct {
	Tool  string
	Cause error
}

func (e *ToolFailedError) Error() string {
	return fmt.Sprintf("tool %s failed: %v", e.Tool, e.Cause)
}

// Is allows errors.Is to match against ErrToolFailed.
func (e *ToolFailedError) Is(target error) bool {
	return target == ErrToolFailed
}

// Unwrap returns the handler error.
func (e *ToolFailedError) Unwrap() error {
	return e.Cause
}
