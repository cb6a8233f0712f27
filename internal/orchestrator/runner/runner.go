// Package runner executes one task with one agent: the step loop of
// model rounds and tool invocations that drives a task from running to
// a terminal status.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/loomhq/loom/internal/common/logger"
	"github.com/loomhq/loom/internal/common/tracing"
	"github.com/loomhq/loom/internal/events/bus"
	"github.com/loomhq/loom/internal/llm"
	"github.com/loomhq/loom/internal/orchestrator/streaming"
	"github.com/loomhq/loom/internal/project/store"
	"github.com/loomhq/loom/internal/storage/ledger"
	"github.com/loomhq/loom/internal/team"
	"github.com/loomhq/loom/internal/tools"
	v1 "github.com/loomhq/loom/pkg/api/v1"
)

// ErrMaxRoundsExceeded marks a task that burned its whole round budget
// without reaching completion.
var ErrMaxRoundsExceeded = errors.New("task exceeded max rounds")

const (
	// defaultMaxAttempts bounds retries of a task whose onFailure is
	// retry.
	defaultMaxAttempts = 3
	// defaultTaskDeadline bounds one task across all its attempts.
	defaultTaskDeadline = 15 * time.Minute
	// modelCallTimeout bounds one model round including streaming.
	modelCallTimeout = 120 * time.Second
	// conversationTail is how many trailing messages each round sees.
	conversationTail = 32
)

// Result is the terminal outcome of RunTask.
type Result struct {
	Status   v1.TaskStatus
	Summary  string
	Attempts int
}

// Runner drives agents. One Runner serves all projects; per-task state
// lives on the stack of RunTask.
type Runner struct {
	provider llm.Provider
	registry *tools.Registry
	store    *store.Store
	bus      bus.EventBus
	recorder ledger.Recorder
	logger   *logger.Logger

	// TaskDeadline overrides defaultTaskDeadline when positive. Tests
	// shrink it.
	TaskDeadline time.Duration
}

// New creates a runner. recorder may be nil; ledger writes are then
// skipped.
func New(provider llm.Provider, registry *tools.Registry, st *store.Store, eventBus bus.EventBus, recorder ledger.Recorder, log *logger.Logger) *Runner {
	return &Runner{
		provider: provider,
		registry: registry,
		store:    st,
		bus:      eventBus,
		recorder: recorder,
		logger:   log.WithFields(zap.String("component", "runner")),
	}
}

// RunTask executes the task with its assigned agent until completion,
// failure, or deadline. The returned result is always terminal; errors
// en route are folded into a failed result rather than escaping.
func (r *Runner) RunTask(ctx context.Context, proj v1.Project, tm *team.Team, task v1.Task) Result {
	log := r.logger.WithProjectID(proj.ProjectID).WithTaskID(task.ID)

	agent, err := tm.Agent(task.AssignedAgent)
	if err != nil {
		log.WithError(err).Error("Task references unknown agent")
		return Result{Status: v1.TaskStatusFailed, Summary: err.Error(), Attempts: 0}
	}
	log = log.WithAgent(agent.Name)

	deadline := r.TaskDeadline
	if deadline <= 0 {
		deadline = defaultTaskDeadline
	}
	taskCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	maxAttempts := 1
	if task.OnFailure == v1.OnFailureRetry {
		maxAttempts = defaultMaxAttempts
	}

	var last Result
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		r.recordRunStart(proj.ProjectID, task.ID, attempt, agent.Name)
		last = r.runAttempt(taskCtx, proj, tm, agent, task, attempt, log)
		last.Attempts = attempt
		r.recordRunFinish(proj.ProjectID, task.ID, attempt, last)

		if last.Status == v1.TaskStatusCompleted {
			return last
		}
		if taskCtx.Err() != nil {
			// Deadline or cancellation; retrying cannot help.
			return last
		}
		if attempt < maxAttempts {
			log.Warn("Task attempt failed, retrying",
				zap.Int("attempt", attempt),
				zap.String("reason", last.Summary))
		}
	}
	return last
}

// runAttempt performs one attempt's round loop.
func (r *Runner) runAttempt(ctx context.Context, proj v1.Project, tm *team.Team, agent team.Agent, task v1.Task, attempt int, log *logger.Logger) Result {
	conversation, err := r.loadConversation(ctx, proj.ProjectID, task.ID)
	if err != nil {
		log.WithError(err).Error("Failed to load conversation")
		return Result{Status: v1.TaskStatusFailed, Summary: fmt.Sprintf("load conversation: %v", err)}
	}

	// The first round opens with the task goal so the agent has a user
	// turn to respond to even on a quiet conversation.
	conversation = append(conversation, llm.Message{
		Role:    v1.RoleUser,
		Content: fmt.Sprintf("Your current task: %s\n\n%s", task.Name, task.Goal),
	})

	defs, err := r.registry.Definitions(agent.Tools)
	if err != nil {
		log.WithError(err).Error("Agent lists unknown tool")
		return Result{Status: v1.TaskStatusFailed, Summary: err.Error()}
	}
	toolSchemas := make([]llm.ToolSchema, 0, len(defs))
	for _, def := range defs {
		toolSchemas = append(toolSchemas, llm.ToolSchema{
			Name:        def.Name,
			Description: def.Description,
			Schema:      def.Schema,
		})
	}

	system := interpolatePrompt(agent.PromptTemplate, proj.Goal, task.Goal, agent.Name)
	maxRounds := tm.Execution.MaxRounds

	for round := 1; round <= maxRounds; round++ {
		if err := ctx.Err(); err != nil {
			return r.cancelledResult(proj.ProjectID, task.ID, agent.Name, err)
		}
		log.Debug("Starting round", zap.Int("round", round), zap.Int("attempt", attempt))

		outcome, err := r.runRound(ctx, proj, agent, task, system, toolSchemas, tail(conversation, conversationTail))
		if err != nil {
			if ctx.Err() != nil {
				return r.cancelledResult(proj.ProjectID, task.ID, agent.Name, ctx.Err())
			}
			log.WithError(err).Error("Round failed")
			return Result{Status: v1.TaskStatusFailed, Summary: err.Error()}
		}
		conversation = append(conversation, outcome.turns...)

		done := len(outcome.toolResults) == 0 &&
			(outcome.stopReason == "stop" || sentinelPresent(tm.Execution.CompletionSentinel, outcome.text))
		if done {
			r.publishAgentState(ctx, proj.ProjectID, task.ID, agent.Name, v1.AgentStateWaiting)
			return Result{Status: v1.TaskStatusCompleted, Summary: summarize(outcome.text)}
		}
	}

	r.publishAgentState(ctx, proj.ProjectID, task.ID, agent.Name, v1.AgentStateWaiting)
	return Result{
		Status:  v1.TaskStatusFailed,
		Summary: fmt.Sprintf("%v after %d rounds", ErrMaxRoundsExceeded, maxRounds),
	}
}

// roundOutcome is what one model round produced.
type roundOutcome struct {
	text        string
	stopReason  string
	toolResults []llm.ToolResult
	// turns are the messages to append to the conversation: the
	// assistant turn and, when tools ran, the tool-result turn.
	turns []llm.Message
}

func (r *Runner) runRound(ctx context.Context, proj v1.Project, agent team.Agent, task v1.Task, system string, toolSchemas []llm.ToolSchema, conversation []llm.Message) (outcome *roundOutcome, err error) {
	ctx, span := tracing.Tracer("runner").Start(ctx, "agent.round")
	defer func() {
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	span.SetAttributes(
		attribute.String("task.id", task.ID),
		attribute.String("agent.name", agent.Name),
	)

	r.publishAgentState(ctx, proj.ProjectID, task.ID, agent.Name, v1.AgentStateThinking)

	callCtx, cancel := context.WithTimeout(ctx, modelCallTimeout)
	defer cancel()

	callCtx, modelSpan := tracing.Tracer("runner").Start(callCtx, "model.complete")
	defer modelSpan.End()

	stream, err := r.provider.Complete(callCtx, llm.Request{
		Model:       agent.LLM.Model,
		Temperature: agent.LLM.Temperature,
		MaxTokens:   agent.LLM.MaxTokens,
		System:      system,
		Messages:    conversation,
		Tools:       toolSchemas,
	})
	if err != nil {
		return nil, err
	}
	defer func() { _ = stream.Close() }()

	builder := streaming.NewBuilder(r.bus, proj.ProjectID, task.ID, agent.Name)
	if err := builder.BeginMessage(ctx, uuid.New().String(), v1.RoleAssistant); err != nil {
		return nil, err
	}

	var toolCalls []llm.ToolCall
	stopReason := ""
consume:
	for {
		chunk, recvErr := stream.Recv()
		if errors.Is(recvErr, io.EOF) {
			break
		}
		if recvErr != nil {
			// Surface the failure in-stream, then fail the round.
			_ = builder.AppendError(ctx, recvErr.Error(), "ModelCallFailed")
			_, _ = builder.FinishMessage(ctx)
			return nil, recvErr
		}
		switch chunk.Type {
		case llm.ChunkText:
			if err := builder.AppendText(ctx, chunk.Text); err != nil {
				return nil, err
			}
		case llm.ChunkReasoning:
			if err := builder.AppendReasoning(ctx, chunk.Text); err != nil {
				return nil, err
			}
		case llm.ChunkToolCall:
			toolCalls = append(toolCalls, *chunk.ToolCall)
			if err := builder.BeginToolCall(ctx, chunk.ToolCall.ID, chunk.ToolCall.Name, chunk.ToolCall.Args); err != nil {
				return nil, err
			}
		case llm.ChunkStop:
			stopReason = chunk.StopReason
			break consume
		}
	}
	modelSpan.SetAttributes(attribute.String("model.stop_reason", stopReason))
	modelSpan.End()

	var toolResults []llm.ToolResult
	if len(toolCalls) > 0 {
		r.publishAgentState(ctx, proj.ProjectID, task.ID, agent.Name, v1.AgentStateActing)
		toolResults = r.executeToolCalls(ctx, proj.ProjectID, task.ID, toolCalls, builder)
	}

	msg, err := builder.FinishMessage(ctx)
	if err != nil {
		return nil, err
	}
	if err := r.store.AppendMessage(ctx, msg); err != nil {
		r.logger.WithError(err).WithProjectID(proj.ProjectID).Error("Failed to persist assistant message")
	}

	outcome = &roundOutcome{
		text:        builder.Text(),
		stopReason:  stopReason,
		toolResults: toolResults,
	}
	outcome.turns = append(outcome.turns, llm.Message{
		Role:      v1.RoleAssistant,
		Content:   outcome.text,
		ToolCalls: toolCalls,
	})
	if len(toolResults) > 0 {
		outcome.turns = append(outcome.turns, llm.Message{
			Role:        v1.RoleTool,
			ToolResults: toolResults,
		})
	}
	return outcome, nil
}

// executeToolCalls runs the round's calls. Execution is sequential in
// call order unless every call is parallel-safe, in which case the
// calls run concurrently. Tool errors become error-flagged results;
// they never abort the round.
func (r *Runner) executeToolCalls(ctx context.Context, projectID, taskID string, calls []llm.ToolCall, builder *streaming.Builder) []llm.ToolResult {
	workspace := r.store.Workspace(projectID)

	allParallel := true
	for _, call := range calls {
		if !r.registry.ParallelSafe(call.Name) {
			allParallel = false
			break
		}
	}

	results := make([]llm.ToolResult, len(calls))
	invoke := func(i int) llm.ToolResult {
		call := calls[i]
		start := time.Now()
		raw, err := r.registry.Invoke(ctx, tools.Invocation{
			Tool:      call.Name,
			Args:      call.Args,
			ProjectID: projectID,
			TaskID:    taskID,
			Workspace: workspace,
		})
		r.recordToolInvocation(projectID, taskID, call, time.Since(start), err != nil)
		if err != nil {
			return llm.ToolResult{ToolCallID: call.ID, Content: err.Error(), IsError: true}
		}
		return llm.ToolResult{ToolCallID: call.ID, Content: renderToolResult(raw), IsError: false}
	}

	if allParallel && len(calls) > 1 {
		g, _ := errgroup.WithContext(ctx)
		for i := range calls {
			g.Go(func() error {
				results[i] = invoke(i)
				return nil
			})
		}
		_ = g.Wait()
		// Builder calls stay on this goroutine; it is not concurrency
		// safe.
		for i, call := range calls {
			builder.MarkToolCallRunning(call.ID)
			_ = builder.CompleteToolCall(ctx, call.ID, results[i].Content, results[i].IsError)
		}
		return results
	}

	for i, call := range calls {
		builder.MarkToolCallRunning(call.ID)
		results[i] = invoke(i)
		_ = builder.CompleteToolCall(ctx, call.ID, results[i].Content, results[i].IsError)
	}
	return results
}

func (r *Runner) cancelledResult(projectID, taskID, agent string, cause error) Result {
	// Events still flow on a background context; the task context is
	// already dead.
	r.publishAgentState(context.Background(), projectID, taskID, agent, v1.AgentStateWaiting)
	summary := "cancelled"
	if errors.Is(cause, context.DeadlineExceeded) {
		summary = "deadline exceeded"
	}
	return Result{Status: v1.TaskStatusFailed, Summary: summary}
}

// loadConversation returns the request-facing view of the project
// conversation: the trailing window plus every message of the task
// outside that window.
func (r *Runner) loadConversation(ctx context.Context, projectID, taskID string) ([]llm.Message, error) {
	stored, err := r.store.LoadMessages(ctx, projectID)
	if err != nil {
		return nil, err
	}

	cut := len(stored) - conversationTail
	if cut < 0 {
		cut = 0
	}
	var out []llm.Message
	for i, msg := range stored {
		if i < cut && msg.TaskID != taskID {
			continue
		}
		out = append(out, toLLMMessage(msg))
	}
	return out, nil
}

// toLLMMessage projects a stored message onto the provider request
// shape. Tool call details are reconstructed from the parts.
func toLLMMessage(msg v1.Message) llm.Message {
	out := llm.Message{Role: msg.Role, Content: msg.Content}
	for _, part := range msg.Parts {
		switch part.Type {
		case v1.PartTypeToolCall:
			out.ToolCalls = append(out.ToolCalls, llm.ToolCall{
				ID:   part.ToolCallID,
				Name: part.ToolName,
				Args: part.Args,
			})
		}
	}
	return out
}

func (r *Runner) publishAgentState(ctx context.Context, projectID, taskID, agent string, state v1.AgentState) {
	env := bus.NewEnvelope(projectID, v1.EventAgentStatus, v1.AgentStatusData(taskID, agent, state))
	if err := r.bus.Publish(ctx, env); err != nil {
		r.logger.WithError(err).Debug("Failed to publish agent status")
	}
}

func (r *Runner) recordRunStart(projectID, taskID string, attempt int, agent string) {
	if r.recorder == nil {
		return
	}
	err := r.recorder.RecordRunStart(context.Background(), v1.TaskRun{
		ProjectID: projectID,
		TaskID:    taskID,
		Attempt:   attempt,
		Agent:     agent,
		Status:    v1.TaskStatusRunning,
		StartedAt: time.Now().UTC(),
	})
	if err != nil {
		r.logger.WithError(err).Warn("Ledger run-start write failed")
	}
}

func (r *Runner) recordRunFinish(projectID, taskID string, attempt int, res Result) {
	if r.recorder == nil {
		return
	}
	errText := ""
	if res.Status == v1.TaskStatusFailed {
		errText = res.Summary
	}
	err := r.recorder.RecordRunFinish(context.Background(), projectID, taskID, attempt,
		res.Status, time.Now().UTC(), errText)
	if err != nil {
		r.logger.WithError(err).Warn("Ledger run-finish write failed")
	}
}

func (r *Runner) recordToolInvocation(projectID, taskID string, call llm.ToolCall, elapsed time.Duration, isError bool) {
	if r.recorder == nil {
		return
	}
	err := r.recorder.RecordToolInvocation(context.Background(), v1.ToolInvocation{
		ProjectID:  projectID,
		TaskID:     taskID,
		ToolCallID: call.ID,
		Tool:       call.Name,
		DurationMS: elapsed.Milliseconds(),
		IsError:    isError,
		CreatedAt:  time.Now().UTC(),
	})
	if err != nil {
		r.logger.WithError(err).Warn("Ledger tool-invocation write failed")
	}
}

// interpolatePrompt fills the {{goal}}, {{task}}, and {{name}}
// placeholders of an agent prompt template.
func interpolatePrompt(template, projectGoal, taskGoal, agentName string) string {
	out := strings.ReplaceAll(template, "{{goal}}", projectGoal)
	out = strings.ReplaceAll(out, "{{task}}", taskGoal)
	out = strings.ReplaceAll(out, "{{name}}", agentName)
	return out
}

func sentinelPresent(sentinel, text string) bool {
	return sentinel != "" && strings.Contains(text, sentinel)
}

// summarize trims a completion text to a result summary.
func summarize(text string) string {
	text = strings.TrimSpace(text)
	const limit = 500
	if len(text) > limit {
		return text[:limit] + "…"
	}
	return text
}

func renderToolResult(raw any) string {
	switch v := raw.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}

func tail(msgs []llm.Message, n int) []llm.Message {
	if len(msgs) <= n {
		return msgs
	}
	return msgs[len(msgs)-n:]
}
