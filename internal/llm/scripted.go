package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
)

// Rule is one scripted behavior. The first rule whose Match accepts the
// request wins; Respond drives Complete and Structured drives
// CompleteStructured. A rule may define either or both.
type Rule struct {
	Match      func(req Request) bool
	Respond    func(req Request) []Chunk
	Structured func(req Request, schema json.RawMessage) (json.RawMessage, error)
}

// Scripted is a deterministic in-process provider. Rules are matched
// in registration order against each request; without a match,
// Complete falls back to a terse completed reply and
// CompleteStructured fails with ErrModelOutputInvalid.
type Scripted struct {
	mu    sync.RWMutex
	rules []Rule
}

// NewScripted creates a provider with no rules.
func NewScripted() *Scripted {
	return &Scripted{}
}

// AddRule appends one rule. Later rules only apply when earlier ones
// do not match.
func (s *Scripted) AddRule(rule Rule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules = append(s.rules, rule)
}

// Complete streams the chunks of the first matching rule.
func (s *Scripted) Complete(ctx context.Context, req Request) (Stream, error) {
	s.mu.RLock()
	rules := s.rules
	s.mu.RUnlock()

	for _, rule := range rules {
		if rule.Respond == nil || !rule.Match(req) {
			continue
		}
		return newScriptedStream(ctx, rule.Respond(req)), nil
	}
	return newScriptedStream(ctx, TextTurn("Understood.")), nil
}

// CompleteStructured returns the first matching rule's structured
// value.
func (s *Scripted) CompleteStructured(ctx context.Context, req Request, schema json.RawMessage) (json.RawMessage, error) {
	s.mu.RLock()
	rules := s.rules
	s.mu.RUnlock()

	for _, rule := range rules {
		if rule.Structured == nil || !rule.Match(req) {
			continue
		}
		return rule.Structured(req, schema)
	}
	return nil, fmt.Errorf("%w: no scripted rule matched the request", ErrModelOutputInvalid)
}

// MatchContains matches when the last user message, the system prompt,
// or any tool result contains the substring (case-insensitive).
func MatchContains(substr string) func(Request) bool {
	needle := strings.ToLower(substr)
	return func(req Request) bool {
		if strings.Contains(strings.ToLower(lastUserContent(req)), needle) {
			return true
		}
		if strings.Contains(strings.ToLower(req.System), needle) {
			return true
		}
		for _, msg := range req.Messages {
			for _, tr := range msg.ToolResults {
				if strings.Contains(strings.ToLower(tr.Content), needle) {
					return true
				}
			}
		}
		return false
	}
}

// MatchAny accepts every request.
func MatchAny() func(Request) bool {
	return func(Request) bool { return true }
}

// TextTurn builds a terminating text reply.
func TextTurn(text string) []Chunk {
	return []Chunk{
		{Type: ChunkText, Text: text},
		{Type: ChunkStop, StopReason: "stop"},
	}
}

// ToolTurn builds a reply that requests one tool call and ends the
// turn with tool_use, prompting a follow-up round.
func ToolTurn(text, callID, tool string, args map[string]any) []Chunk {
	chunks := []Chunk{}
	if text != "" {
		chunks = append(chunks, Chunk{Type: ChunkText, Text: text})
	}
	chunks = append(chunks,
		Chunk{Type: ChunkToolCall, ToolCall: &ToolCall{ID: callID, Name: tool, Args: args}},
		Chunk{Type: ChunkStop, StopReason: "tool_use"},
	)
	return chunks
}

// StructuredValue wraps a fixed document as a Structured rule handler.
func StructuredValue(doc any) func(Request, json.RawMessage) (json.RawMessage, error) {
	return func(Request, json.RawMessage) (json.RawMessage, error) {
		raw, err := json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrModelOutputInvalid, err)
		}
		return raw, nil
	}
}

// scriptedStream replays a fixed chunk sequence, honoring context
// cancellation between chunks.
type scriptedStream struct {
	ctx    context.Context
	chunks []Chunk
	pos    int
	mu     sync.Mutex
	closed bool
}

func newScriptedStream(ctx context.Context, chunks []Chunk) *scriptedStream {
	// Guarantee a terminating stop chunk so consumers always observe a
	// finish reason.
	if len(chunks) == 0 || chunks[len(chunks)-1].Type != ChunkStop {
		chunks = append(append([]Chunk(nil), chunks...), Chunk{Type: ChunkStop, StopReason: "stop"})
	}
	return &scriptedStream{ctx: ctx, chunks: chunks}
}

func (s *scriptedStream) Recv() (Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Chunk{}, io.EOF
	}
	if err := s.ctx.Err(); err != nil {
		return Chunk{}, err
	}
	if s.pos >= len(s.chunks) {
		return Chunk{}, io.EOF
	}
	chunk := s.chunks[s.pos]
	s.pos++
	return chunk, nil
}

func (s *scriptedStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
