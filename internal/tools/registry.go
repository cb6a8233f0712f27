package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/loomhq/loom/internal/common/logger"
	"github.com/loomhq/loom/internal/common/tracing"
)

// Registry maps tool names to invocable definitions. Registration is
// expected at startup; invocations take the read lock only.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]*registeredTool
	logger *logger.Logger
}

type registeredTool struct {
	def    Definition
	schema *jsonschema.Schema
}

// NewRegistry creates an empty registry.
func NewRegistry(log *logger.Logger) *Registry {
	return &Registry{
		tools:  make(map[string]*registeredTool),
		logger: log.WithFields(zap.String("component", "tools")),
	}
}

// Register compiles the definition's schema and binds it under its
// name. Registering an existing name replaces the prior binding.
func (r *Registry) Register(def Definition) error {
	if def.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if def.Handler == nil {
		return fmt.Errorf("tool %s: handler cannot be nil", def.Name)
	}

	var schema *jsonschema.Schema
	if len(def.Schema) > 0 {
		var doc any
		if err := json.Unmarshal(def.Schema, &doc); err != nil {
			return fmt.Errorf("tool %s: unmarshal schema: %w", def.Name, err)
		}
		c := jsonschema.NewCompiler()
		resource := def.Name + ".json"
		if err := c.AddResource(resource, doc); err != nil {
			return fmt.Errorf("tool %s: add schema resource: %w", def.Name, err)
		}
		compiled, err := c.Compile(resource)
		if err != nil {
			return fmt.Errorf("tool %s: compile schema: %w", def.Name, err)
		}
		schema = compiled
	}

	r.mu.Lock()
	_, replaced := r.tools[def.Name]
	r.tools[def.Name] = &registeredTool{def: def, schema: schema}
	r.mu.Unlock()

	if replaced {
		r.logger.Debug("Replaced tool registration", zap.String("tool", def.Name))
	} else {
		r.logger.Debug("Registered tool", zap.String("tool", def.Name))
	}
	return nil
}

// Has reports whether a tool name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// Names returns all registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definitions returns the definitions for the named tools in input
// order, for handing to a model provider. Unknown names fail with
// *ToolNotFoundError.
func (r *Registry) Definitions(names []string) ([]Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]Definition, 0, len(names))
	for _, name := range names {
		reg, ok := r.tools[name]
		if !ok {
			return nil, &ToolNotFoundError{Name: name}
		}
		defs = append(defs, reg.def)
	}
	return defs, nil
}

// ParallelSafe reports whether the named tool may run concurrently with
// other parallel-safe calls. Unknown tools are not parallel safe.
func (r *Registry) ParallelSafe(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.tools[name]
	return ok && reg.def.ParallelSafe
}

// Invoke validates the arguments, applies the tool's timeout, and runs
// the handler with the invocation context attached. Handler errors come
// back as *ToolFailedError values; the registry never panics on a
// panicking handler.
func (r *Registry) Invoke(ctx context.Context, inv Invocation) (result any, err error) {
	ctx, span := tracing.Tracer("tools").Start(ctx, "tool."+inv.Tool)
	defer func() {
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	span.SetAttributes(
		attribute.String("tool.name", inv.Tool),
		attribute.String("task.id", inv.TaskID),
	)

	r.mu.RLock()
	reg, ok := r.tools[inv.Tool]
	r.mu.RUnlock()
	if !ok {
		return nil, &ToolNotFoundError{Name: inv.Tool}
	}

	args, err := normalizeArgs(inv.Args)
	if err != nil {
		return nil, &ArgsInvalidError{Tool: inv.Tool, Cause: err}
	}
	if reg.schema != nil {
		if err := reg.schema.Validate(args); err != nil {
			return nil, &ArgsInvalidError{Tool: inv.Tool, Cause: err}
		}
	}

	timeout := reg.def.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	callCtx = WithInvocationContext(callCtx, InvocationContext{
		ProjectID: inv.ProjectID,
		TaskID:    inv.TaskID,
		Workspace: inv.Workspace,
	})

	type outcome struct {
		result any
		err    error
	}
	done := make(chan outcome, 1)
	start := time.Now()
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{err: &ToolFailedError{Tool: inv.Tool, Cause: fmt.Errorf("panic: %v", p)}}
			}
		}()
		result, err := reg.def.Handler(callCtx, args)
		done <- outcome{result: result, err: err}
	}()

	select {
	case out := <-done:
		r.logger.Debug("Tool invocation finished",
			zap.String("tool", inv.Tool),
			zap.String("task_id", inv.TaskID),
			zap.Duration("duration", time.Since(start)),
			zap.Bool("is_error", out.err != nil))
		if out.err != nil {
			return nil, r.classifyHandlerError(ctx, inv.Tool, timeout, out.err)
		}
		return out.result, nil
	case <-callCtx.Done():
		if ctx.Err() != nil {
			// Parent cancellation, not the per-tool deadline.
			return nil, ctx.Err()
		}
		r.logger.Warn("Tool invocation timed out",
			zap.String("tool", inv.Tool),
			zap.String("task_id", inv.TaskID),
			zap.Duration("timeout", timeout))
		return nil, &ToolTimeoutError{Tool: inv.Tool, Timeout: timeout}
	}
}

func (r *Registry) classifyHandlerError(ctx context.Context, tool string, timeout time.Duration, err error) error {
	switch {
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		return &ToolTimeoutError{Tool: tool, Timeout: timeout}
	case errors.Is(err, ErrToolFailed), errors.Is(err, ErrToolArgsInvalid),
		errors.Is(err, ErrToolTimeout), errors.Is(err, ErrToolNotFound):
		return err
	default:
		return &ToolFailedError{Tool: tool, Cause: err}
	}
}

// normalizeArgs round-trips the arguments through JSON so handlers and
// schema validation both see canonical JSON types regardless of how the
// caller built the map.
func normalizeArgs(args map[string]any) (map[string]any, error) {
	if args == nil {
		return map[string]any{}, nil
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("arguments not JSON serializable: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}
