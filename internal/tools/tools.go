// Package tools provides the registry of agent-invocable tools: named
// handlers with JSON Schema argument validation and per-tool timeouts.
package tools

import (
	"context"
	"encoding/json"
	"time"

	v1 "github.com/loomhq/loom/pkg/api/v1"
)

// DefaultTimeout bounds a tool invocation when the definition does not
// override it.
const DefaultTimeout = 60 * time.Second

// Handler executes one tool invocation. Args arrive as decoded JSON
// (already schema-validated); the returned value must be JSON
// serializable. Returned errors mark the invocation failed without
// aborting the agent's turn.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// Definition declares a tool to the registry.
type Definition struct {
	Name        string
	Description string
	// Schema is the JSON Schema of the argument object. Empty means no
	// validation.
	Schema json.RawMessage
	// ParallelSafe marks the tool runnable concurrently with other
	// parallel-safe calls of the same round. Defaults to false:
	// sequential execution.
	ParallelSafe bool
	// Timeout overrides DefaultTimeout when positive.
	Timeout time.Duration
	Handler Handler
}

// Invocation is one request to run a tool for a task.
type Invocation struct {
	Tool      string
	Args      map[string]any
	ProjectID string
	TaskID    string
	Workspace Workspace
}

// Workspace is the per-project artifact surface handed to tool
// handlers. The project store implements it.
type Workspace interface {
	// WriteArtifact appends the next version of the named artifact and
	// reports whether this was the first version.
	WriteArtifact(ctx context.Context, name string, content []byte, mimeType, createdBy string) (v1.ArtifactVersion, bool, error)
	// ReadArtifact returns a version's content; version 0 means latest.
	ReadArtifact(ctx context.Context, name string, version int) ([]byte, v1.ArtifactVersion, error)
	// ListArtifacts enumerates the latest version of every artifact.
	ListArtifacts(ctx context.Context) ([]v1.ArtifactInfo, error)
}

// InvocationContext is what a handler can learn about its caller.
type InvocationContext struct {
	ProjectID string
	TaskID    string
	Workspace Workspace
}

type contextKey string

const invocationKey contextKey = "tools_invocation"

// WithInvocationContext attaches the invocation context for handlers.
func WithInvocationContext(ctx context.Context, ic InvocationContext) context.Context {
	return context.WithValue(ctx, invocationKey, ic)
}

// InvocationFromContext retrieves the invocation context, if present.
func InvocationFromContext(ctx context.Context) (InvocationContext, bool) {
	ic, ok := ctx.Value(invocationKey).(InvocationContext)
	return ic, ok
}
