// Package llm defines the model provider boundary: streaming
// completion with tool use, structured completion against a JSON
// schema, and retry policy for transient transport failures.
//
// Two providers ship with the engine: an Anthropic-backed one and a
// deterministic scripted one for tests and offline runs.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	v1 "github.com/loomhq/loom/pkg/api/v1"
)

// Common errors
var (
	// ErrModelCallFailed marks a transport failure that survived the
	// retry schedule.
	ErrModelCallFailed = errors.New("model call failed")

	// ErrModelOutputInvalid marks structured output that did not match
	// the requested schema.
	ErrModelOutputInvalid = errors.New("model output invalid")
)

// ModelCallFailedError wraps the final transport error after retries.
type ModelCallFailedError struct {
	Attempts int
	Cause    error
}

func (e *ModelCallFailedError) Error() string {
	return fmt.Sprintf("model call failed after %d attempts: %v", e.Attempts, e.Cause)
}

// Is allows errors.Is to match against ErrModelCallFailed.
func (e *ModelCallFailedError) Is(target error) bool {
	return target == ErrModelCallFailed
}

// Unwrap returns the transport error.
func (e *ModelCallFailedError) Unwrap() error {
	return e.Cause
}

// ToolCall is a model-requested tool invocation.
type ToolCall struct {
	ID   string
	Name string
	Args map[string]any
}

// ToolResult reports a tool invocation outcome back to the model.
type ToolResult struct {
	ToolCallID string
	Content    string
	IsError    bool
}

// ToolSchema advertises one invocable tool to the model.
type ToolSchema struct {
	Name        string
	Description string
	Schema      json.RawMessage
}

// Message is one turn of model input. Exactly one of Content,
// ToolCalls, or ToolResults carries the payload depending on Role.
type Message struct {
	Role        v1.MessageRole
	Content     string
	ToolCalls   []ToolCall
	ToolResults []ToolResult
}

// Request is one model call.
type Request struct {
	Model       string
	Temperature float64
	MaxTokens   int
	System      string
	Messages    []Message
	Tools       []ToolSchema
}

// ChunkType discriminates streamed chunks.
type ChunkType string

const (
	ChunkText      ChunkType = "text"
	ChunkReasoning ChunkType = "reasoning"
	ChunkToolCall  ChunkType = "toolCall"
	ChunkStop      ChunkType = "stop"
)

// Chunk is one element of a completion stream. A stop chunk carries
// the finish reason and is always last before io.EOF.
type Chunk struct {
	Type       ChunkType
	Text       string
	ToolCall   *ToolCall
	StopReason string
}

// Stream yields completion chunks. Recv returns io.EOF after the stop
// chunk; Close releases the underlying transport.
type Stream interface {
	Recv() (Chunk, error)
	Close() error
}

// Provider is the model boundary the engine depends on.
type Provider interface {
	// Complete streams a completion for the request. Tool-call markers
	// are interleaved with text chunks.
	Complete(ctx context.Context, req Request) (Stream, error)

	// CompleteStructured returns a single JSON value conforming to the
	// schema. Used for input classification and plan generation.
	CompleteStructured(ctx context.Context, req Request, schema json.RawMessage) (json.RawMessage, error)
}

// lastUserContent returns the content of the most recent user message,
// used by scripted rule matching.
func lastUserContent(req Request) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == v1.RoleUser {
			return req.Messages[i].Content
		}
	}
	return ""
}
