// Package streaming assembles structured messages from model token
// streams and fans project events out to WebSocket consumers.
//
// The Builder turns a stream of deltas and tool events into one
// v1.Message, publishing messageStart, partDelta, partComplete, and
// messageComplete envelopes as the message grows. It is driven by a
// single goroutine per message (one runner round).
package streaming

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/loomhq/loom/internal/events/bus"
	v1 "github.com/loomhq/loom/pkg/api/v1"
)

// abandonedResult is recorded for tool calls left unresolved when the
// message finishes.
const abandonedResult = "abandoned"

// Builder accumulates one message. Not safe for concurrent use.
type Builder struct {
	bus       bus.EventBus
	projectID string
	taskID    string
	agent     string

	msg      v1.Message
	openText int // index of the open text part, -1 when none
	openReas int // index of the open reasoning part, -1 when none

	// pending maps unresolved toolCallIDs to their toolCall part index.
	pending map[string]int

	started  bool
	finished bool
}

// NewBuilder creates a builder publishing on the project topic. taskID
// and agent are attached to events when non-empty.
func NewBuilder(eventBus bus.EventBus, projectID, taskID, agent string) *Builder {
	return &Builder{
		bus:       eventBus,
		projectID: projectID,
		taskID:    taskID,
		agent:     agent,
		openText:  -1,
		openReas:  -1,
		pending:   make(map[string]int),
	}
}

// BeginMessage starts a new message and publishes messageStart.
func (b *Builder) BeginMessage(ctx context.Context, messageID string, role v1.MessageRole) error {
	if b.started {
		return fmt.Errorf("message %s already started", b.msg.ID)
	}
	b.started = true
	b.msg = v1.Message{
		ID:        messageID,
		ProjectID: b.projectID,
		TaskID:    b.taskID,
		Role:      role,
		Timestamp: time.Now().UTC(),
		Parts:     []v1.Part{},
	}
	return b.publish(ctx, v1.EventMessageStart, v1.MessageStartData(messageID, role, b.taskID, b.agent))
}

// AppendText appends a delta to the open text part, creating one if
// none is open, and publishes partDelta.
func (b *Builder) AppendText(ctx context.Context, delta string) error {
	if err := b.ensureStarted(); err != nil {
		return err
	}
	if delta == "" {
		return nil
	}
	b.closeReasoning(ctx)
	if b.openText < 0 {
		b.msg.Parts = append(b.msg.Parts, v1.TextPart(""))
		b.openText = len(b.msg.Parts) - 1
	}
	b.msg.Parts[b.openText].Text += delta
	return b.publish(ctx, v1.EventPartDelta, v1.PartDeltaData(b.msg.ID, b.openText, delta))
}

// AppendReasoning appends a delta to the open reasoning part, creating
// one if none is open, and publishes partDelta.
func (b *Builder) AppendReasoning(ctx context.Context, delta string) error {
	if err := b.ensureStarted(); err != nil {
		return err
	}
	if delta == "" {
		return nil
	}
	b.closeText(ctx)
	if b.openReas < 0 {
		b.msg.Parts = append(b.msg.Parts, v1.ReasoningPart(""))
		b.openReas = len(b.msg.Parts) - 1
	}
	b.msg.Parts[b.openReas].Text += delta
	return b.publish(ctx, v1.EventPartDelta, v1.PartDeltaData(b.msg.ID, b.openReas, delta))
}

// BeginToolCall closes any open text part, appends a pending toolCall
// part with final args, and publishes its partComplete plus a
// toolCallStart event.
func (b *Builder) BeginToolCall(ctx context.Context, toolCallID, toolName string, args map[string]any) error {
	if err := b.ensureStarted(); err != nil {
		return err
	}
	if _, dup := b.pending[toolCallID]; dup {
		return fmt.Errorf("duplicate toolCallId %s in message %s", toolCallID, b.msg.ID)
	}
	b.closeText(ctx)
	b.closeReasoning(ctx)

	part := v1.ToolCallPart(toolCallID, toolName, args, v1.ToolCallPending)
	b.msg.Parts = append(b.msg.Parts, part)
	index := len(b.msg.Parts) - 1
	b.pending[toolCallID] = index

	if err := b.publish(ctx, v1.EventPartComplete, v1.PartCompleteData(b.msg.ID, index, part)); err != nil {
		return err
	}
	return b.publish(ctx, v1.EventToolCallStart, v1.ToolCallStartData(b.taskID, toolCallID, toolName, args))
}

// MarkToolCallRunning flips a pending toolCall part to running.
func (b *Builder) MarkToolCallRunning(toolCallID string) {
	if index, ok := b.pending[toolCallID]; ok {
		b.msg.Parts[index].Status = v1.ToolCallRunning
	}
}

// CompleteToolCall resolves a pending tool call: the toolCall part's
// status becomes completed or failed, a bound toolResult part is
// appended, and partComplete plus toolCallResult are published.
func (b *Builder) CompleteToolCall(ctx context.Context, toolCallID string, result any, isError bool) error {
	if err := b.ensureStarted(); err != nil {
		return err
	}
	index, ok := b.pending[toolCallID]
	if !ok {
		return fmt.Errorf("no pending tool call %s in message %s", toolCallID, b.msg.ID)
	}
	delete(b.pending, toolCallID)

	status := v1.ToolCallCompleted
	if isError {
		status = v1.ToolCallFailed
	}
	b.msg.Parts[index].Status = status
	toolName := b.msg.Parts[index].ToolName

	part := v1.ToolResultPart(toolCallID, toolName, result, isError)
	b.msg.Parts = append(b.msg.Parts, part)
	resultIndex := len(b.msg.Parts) - 1

	if err := b.publish(ctx, v1.EventPartComplete, v1.PartCompleteData(b.msg.ID, resultIndex, part)); err != nil {
		return err
	}
	return b.publish(ctx, v1.EventToolCallResult, v1.ToolCallResultData(b.taskID, toolCallID, toolName, result, isError))
}

// AppendError appends an error part and publishes its partComplete.
func (b *Builder) AppendError(ctx context.Context, message, code string) error {
	if err := b.ensureStarted(); err != nil {
		return err
	}
	b.closeText(ctx)
	b.closeReasoning(ctx)
	part := v1.ErrorPart(message, code)
	b.msg.Parts = append(b.msg.Parts, part)
	return b.publish(ctx, v1.EventPartComplete, v1.PartCompleteData(b.msg.ID, len(b.msg.Parts)-1, part))
}

// StepBoundary appends a marker separating sub-steps of the message.
func (b *Builder) StepBoundary(ctx context.Context) error {
	if err := b.ensureStarted(); err != nil {
		return err
	}
	b.closeText(ctx)
	b.closeReasoning(ctx)
	part := v1.StepBoundaryPart()
	b.msg.Parts = append(b.msg.Parts, part)
	return b.publish(ctx, v1.EventPartComplete, v1.PartCompleteData(b.msg.ID, len(b.msg.Parts)-1, part))
}

// PendingToolCalls returns the unresolved toolCall parts in appearance
// order.
func (b *Builder) PendingToolCalls() []v1.Part {
	var calls []v1.Part
	for _, part := range b.msg.Parts {
		if part.Type == v1.PartTypeToolCall {
			if _, unresolved := b.pending[part.ToolCallID]; unresolved {
				calls = append(calls, part)
			}
		}
	}
	return calls
}

// Text returns the concatenated text parts accumulated so far.
func (b *Builder) Text() string {
	var texts []string
	for _, part := range b.msg.Parts {
		if part.Type == v1.PartTypeText {
			texts = append(texts, part.Text)
		}
	}
	return strings.Join(texts, "\n")
}

// FinishMessage closes any open part, abandons unresolved tool calls,
// computes the flat content string, and publishes messageComplete with
// the full message.
func (b *Builder) FinishMessage(ctx context.Context) (v1.Message, error) {
	if err := b.ensureStarted(); err != nil {
		return v1.Message{}, err
	}
	if b.finished {
		return b.msg, fmt.Errorf("message %s already finished", b.msg.ID)
	}
	b.finished = true
	b.closeText(ctx)
	b.closeReasoning(ctx)

	// Unresolved tool calls are closed as errors so every toolCall part
	// has exactly one bound toolResult.
	for _, part := range b.PendingToolCalls() {
		if err := b.CompleteToolCall(ctx, part.ToolCallID, abandonedResult, true); err != nil {
			return b.msg, err
		}
	}

	b.msg.Content = renderContent(b.msg.Parts)
	err := b.publish(ctx, v1.EventMessageComplete, v1.MessageCompleteData(b.msg))
	return b.msg, err
}

// Message returns the message built so far.
func (b *Builder) Message() v1.Message {
	return b.msg
}

func (b *Builder) ensureStarted() error {
	if !b.started {
		return fmt.Errorf("no message started")
	}
	if b.finished {
		return fmt.Errorf("message %s already finished", b.msg.ID)
	}
	return nil
}

// closeText emits the open text part's partComplete, if any.
func (b *Builder) closeText(ctx context.Context) {
	if b.openText < 0 {
		return
	}
	index := b.openText
	b.openText = -1
	_ = b.publish(ctx, v1.EventPartComplete, v1.PartCompleteData(b.msg.ID, index, b.msg.Parts[index]))
}

func (b *Builder) closeReasoning(ctx context.Context) {
	if b.openReas < 0 {
		return
	}
	index := b.openReas
	b.openReas = -1
	_ = b.publish(ctx, v1.EventPartComplete, v1.PartCompleteData(b.msg.ID, index, b.msg.Parts[index]))
}

func (b *Builder) publish(ctx context.Context, eventType v1.EventType, data map[string]any) error {
	return b.bus.Publish(ctx, bus.NewEnvelope(b.projectID, eventType, data))
}

// renderContent flattens the parts into the readable content string:
// text parts in order joined with newlines, with tool results inlined
// as "Tool <name> completed." plus the pretty-printed result.
func renderContent(parts []v1.Part) string {
	var segments []string
	for _, part := range parts {
		switch part.Type {
		case v1.PartTypeText:
			if part.Text != "" {
				segments = append(segments, part.Text)
			}
		case v1.PartTypeToolResult:
			verdict := "completed"
			if part.IsError {
				verdict = "failed"
			}
			segment := fmt.Sprintf("Tool %s %s.", part.ToolName, verdict)
			if rendered := prettyResult(part.Result); rendered != "" {
				segment += "\n" + rendered
			}
			segments = append(segments, segment)
		}
	}
	return strings.Join(segments, "\n")
}

func prettyResult(result any) string {
	switch v := result.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}
