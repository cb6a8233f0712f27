package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"go.uber.org/zap"

	"github.com/loomhq/loom/internal/common/logger"
	v1 "github.com/loomhq/loom/pkg/api/v1"
)

// structuredToolName is the synthetic tool used to force schema-shaped
// output from CompleteStructured.
const structuredToolName = "emit"

const defaultMaxTokens = 4096

// Anthropic implements Provider on the Claude Messages API.
type Anthropic struct {
	msg          *sdk.MessageService
	defaultModel string
	logger       *logger.Logger
}

// NewAnthropic builds a provider from an API key. The default model is
// used when a request does not name one.
func NewAnthropic(apiKey, defaultModel string, log *logger.Logger) (*Anthropic, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic api key is required")
	}
	if defaultModel == "" {
		return nil, errors.New("default model identifier is required")
	}
	client := sdk.NewClient(option.WithAPIKey(apiKey))
	return &Anthropic{
		msg:          &client.Messages,
		defaultModel: defaultModel,
		logger:       log.WithFields(zap.String("component", "llm"), zap.String("provider", "anthropic")),
	}, nil
}

// Complete opens a streaming Messages call and adapts its events into
// chunks. Transient failures to open the stream are retried.
func (a *Anthropic) Complete(ctx context.Context, req Request) (Stream, error) {
	params, err := a.encodeRequest(req)
	if err != nil {
		return nil, err
	}

	var stream *ssestream.Stream[sdk.MessageStreamEventUnion]
	err = withRetry(ctx, a.logger, "complete", func() error {
		stream = a.msg.NewStreaming(ctx, *params)
		if err := stream.Err(); err != nil {
			_ = stream.Close()
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return newAnthropicStream(ctx, stream), nil
}

// CompleteStructured forces a tool choice on a synthetic emit tool
// whose input schema is the requested shape, and returns the tool
// call's arguments verbatim.
func (a *Anthropic) CompleteStructured(ctx context.Context, req Request, schema json.RawMessage) (json.RawMessage, error) {
	req.Tools = nil
	params, err := a.encodeRequest(req)
	if err != nil {
		return nil, err
	}

	var schemaDoc map[string]any
	if err := json.Unmarshal(schema, &schemaDoc); err != nil {
		return nil, fmt.Errorf("invalid structured output schema: %w", err)
	}
	tool := sdk.ToolUnionParamOfTool(sdk.ToolInputSchemaParam{ExtraFields: schemaDoc}, structuredToolName)
	if tool.OfTool != nil {
		tool.OfTool.Description = sdk.String("Emit the requested value. Call exactly once.")
	}
	params.Tools = []sdk.ToolUnionParam{tool}
	params.ToolChoice = sdk.ToolChoiceParamOfTool(structuredToolName)

	var msg *sdk.Message
	err = withRetry(ctx, a.logger, "completeStructured", func() error {
		var callErr error
		msg, callErr = a.msg.New(ctx, *params)
		return callErr
	})
	if err != nil {
		return nil, err
	}

	for _, block := range msg.Content {
		if block.Type == "tool_use" && block.Name == structuredToolName {
			return json.RawMessage(block.Input), nil
		}
	}
	return nil, fmt.Errorf("%w: no %s tool call in response", ErrModelOutputInvalid, structuredToolName)
}

func (a *Anthropic) encodeRequest(req Request) (*sdk.MessageNewParams, error) {
	model := req.Model
	if model == "" {
		model = a.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	params := &sdk.MessageNewParams{
		Model:     sdk.Model(model),
		MaxTokens: int64(maxTokens),
	}
	if req.Temperature > 0 {
		params.Temperature = sdk.Float(req.Temperature)
	}

	system := make([]sdk.TextBlockParam, 0, 1)
	if req.System != "" {
		system = append(system, sdk.TextBlockParam{Text: req.System})
	}

	conversation := make([]sdk.MessageParam, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case v1.RoleSystem:
			if m.Content != "" {
				system = append(system, sdk.TextBlockParam{Text: m.Content})
			}
		case v1.RoleUser:
			if m.Content != "" {
				conversation = append(conversation, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
			}
		case v1.RoleAssistant:
			blocks := make([]sdk.ContentBlockParamUnion, 0, 1+len(m.ToolCalls))
			if m.Content != "" {
				blocks = append(blocks, sdk.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				blocks = append(blocks, sdk.NewToolUseBlock(tc.ID, tc.Args, tc.Name))
			}
			if len(blocks) > 0 {
				conversation = append(conversation, sdk.NewAssistantMessage(blocks...))
			}
		case v1.RoleTool:
			// Tool results travel as user-role blocks in the Messages API.
			blocks := make([]sdk.ContentBlockParamUnion, 0, len(m.ToolResults))
			for _, tr := range m.ToolResults {
				blocks = append(blocks, sdk.NewToolResultBlock(tr.ToolCallID, tr.Content, tr.IsError))
			}
			if len(blocks) > 0 {
				conversation = append(conversation, sdk.NewUserMessage(blocks...))
			}
		default:
			return nil, fmt.Errorf("unsupported message role %q", m.Role)
		}
	}
	if len(conversation) == 0 {
		return nil, errors.New("at least one user or assistant message is required")
	}
	params.Messages = conversation
	if len(system) > 0 {
		params.System = system
	}

	if len(req.Tools) > 0 {
		toolParams := make([]sdk.ToolUnionParam, 0, len(req.Tools))
		for _, t := range req.Tools {
			var schemaDoc map[string]any
			if len(t.Schema) > 0 {
				if err := json.Unmarshal(t.Schema, &schemaDoc); err != nil {
					return nil, fmt.Errorf("tool %s: invalid schema: %w", t.Name, err)
				}
			}
			u := sdk.ToolUnionParamOfTool(sdk.ToolInputSchemaParam{ExtraFields: schemaDoc}, t.Name)
			if u.OfTool != nil && t.Description != "" {
				u.OfTool.Description = sdk.String(t.Description)
			}
			toolParams = append(toolParams, u)
		}
		params.Tools = toolParams
	}
	return params, nil
}

// anthropicStream pumps SDK streaming events into chunks on a
// background goroutine.
type anthropicStream struct {
	ctx    context.Context
	cancel context.CancelFunc
	stream *ssestream.Stream[sdk.MessageStreamEventUnion]
	chunks chan Chunk

	errMu    sync.Mutex
	finalErr error
	errSet   bool
}

func newAnthropicStream(ctx context.Context, stream *ssestream.Stream[sdk.MessageStreamEventUnion]) *anthropicStream {
	cctx, cancel := context.WithCancel(ctx)
	s := &anthropicStream{
		ctx:    cctx,
		cancel: cancel,
		stream: stream,
		chunks: make(chan Chunk, 32),
	}
	go s.run()
	return s
}

func (s *anthropicStream) Recv() (Chunk, error) {
	select {
	case chunk, ok := <-s.chunks:
		if ok {
			return chunk, nil
		}
		if err := s.err(); err != nil {
			return Chunk{}, err
		}
		return Chunk{}, io.EOF
	case <-s.ctx.Done():
		return Chunk{}, s.ctx.Err()
	}
}

func (s *anthropicStream) Close() error {
	s.cancel()
	return s.stream.Close()
}

func (s *anthropicStream) run() {
	defer close(s.chunks)
	defer func() { _ = s.stream.Close() }()

	type toolBuffer struct {
		id        string
		name      string
		fragments []string
	}
	toolBlocks := make(map[int]*toolBuffer)
	stopReason := ""

	for s.stream.Next() {
		if s.ctx.Err() != nil {
			s.setErr(s.ctx.Err())
			return
		}
		event := s.stream.Current()
		switch ev := event.AsAny().(type) {
		case sdk.ContentBlockStartEvent:
			if toolUse, ok := ev.ContentBlock.AsAny().(sdk.ToolUseBlock); ok {
				toolBlocks[int(ev.Index)] = &toolBuffer{id: toolUse.ID, name: toolUse.Name}
			}
		case sdk.ContentBlockDeltaEvent:
			switch delta := ev.Delta.AsAny().(type) {
			case sdk.TextDelta:
				if delta.Text != "" && !s.emit(Chunk{Type: ChunkText, Text: delta.Text}) {
					return
				}
			case sdk.ThinkingDelta:
				if delta.Thinking != "" && !s.emit(Chunk{Type: ChunkReasoning, Text: delta.Thinking}) {
					return
				}
			case sdk.InputJSONDelta:
				if tb := toolBlocks[int(ev.Index)]; tb != nil && delta.PartialJSON != "" {
					tb.fragments = append(tb.fragments, delta.PartialJSON)
				}
			}
		case sdk.ContentBlockStopEvent:
			if tb := toolBlocks[int(ev.Index)]; tb != nil {
				delete(toolBlocks, int(ev.Index))
				args := decodeToolArgs(strings.Join(tb.fragments, ""))
				chunk := Chunk{Type: ChunkToolCall, ToolCall: &ToolCall{ID: tb.id, Name: tb.name, Args: args}}
				if !s.emit(chunk) {
					return
				}
			}
		case sdk.MessageDeltaEvent:
			stopReason = string(ev.Delta.StopReason)
		case sdk.MessageStopEvent:
			if !s.emit(Chunk{Type: ChunkStop, StopReason: normalizeStopReason(stopReason)}) {
				return
			}
		}
	}
	if err := s.stream.Err(); err != nil {
		s.setErr(err)
	} else if err := s.ctx.Err(); err != nil {
		s.setErr(err)
	}
}

func (s *anthropicStream) emit(chunk Chunk) bool {
	select {
	case s.chunks <- chunk:
		return true
	case <-s.ctx.Done():
		s.setErr(s.ctx.Err())
		return false
	}
}

func (s *anthropicStream) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if !s.errSet {
		s.errSet = true
		s.finalErr = err
	}
}

func (s *anthropicStream) err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.finalErr
}

func decodeToolArgs(raw string) map[string]any {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return map[string]any{}
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(trimmed), &args); err != nil || args == nil {
		return map[string]any{}
	}
	return args
}

// normalizeStopReason maps provider finish reasons onto the engine's
// vocabulary: end_turn becomes stop, tool_use stays as is.
func normalizeStopReason(reason string) string {
	switch reason {
	case "", "end_turn", "stop_sequence":
		return "stop"
	default:
		return reason
	}
}
