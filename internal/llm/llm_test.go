package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/internal/common/logger"
	v1 "github.com/loomhq/loom/pkg/api/v1"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	return log
}

func drain(t *testing.T, s Stream) []Chunk {
	t.Helper()
	var chunks []Chunk
	for {
		chunk, err := s.Recv()
		if errors.Is(err, io.EOF) {
			return chunks
		}
		require.NoError(t, err)
		chunks = append(chunks, chunk)
	}
}

func TestScriptedComplete(t *testing.T) {
	ctx := context.Background()

	t.Run("first matching rule wins", func(t *testing.T) {
		p := NewScripted()
		p.AddRule(Rule{Match: MatchContains("haiku"), Respond: func(Request) []Chunk {
			return TextTurn("autumn moonlight TASK COMPLETE")
		}})
		p.AddRule(Rule{Match: MatchAny(), Respond: func(Request) []Chunk {
			return TextTurn("fallback")
		}})

		stream, err := p.Complete(ctx, Request{Messages: []Message{
			{Role: v1.RoleUser, Content: "write a haiku"},
		}})
		require.NoError(t, err)
		chunks := drain(t, stream)
		require.Len(t, chunks, 2)
		assert.Equal(t, ChunkText, chunks[0].Type)
		assert.Contains(t, chunks[0].Text, "autumn")
		assert.Equal(t, ChunkStop, chunks[1].Type)
		assert.Equal(t, "stop", chunks[1].StopReason)
	})

	t.Run("no matching rule yields a terse terminating reply", func(t *testing.T) {
		p := NewScripted()
		stream, err := p.Complete(ctx, Request{Messages: []Message{
			{Role: v1.RoleUser, Content: "anything"},
		}})
		require.NoError(t, err)
		chunks := drain(t, stream)
		require.NotEmpty(t, chunks)
		assert.Equal(t, ChunkStop, chunks[len(chunks)-1].Type)
	})

	t.Run("tool turn ends with tool_use finish reason", func(t *testing.T) {
		p := NewScripted()
		p.AddRule(Rule{Match: MatchAny(), Respond: func(Request) []Chunk {
			return ToolTurn("saving", "tc1", "write_artifact", map[string]any{"name": "a.txt", "content": "x"})
		}})
		stream, err := p.Complete(ctx, Request{Messages: []Message{{Role: v1.RoleUser, Content: "go"}}})
		require.NoError(t, err)
		chunks := drain(t, stream)
		require.Len(t, chunks, 3)
		assert.Equal(t, ChunkToolCall, chunks[1].Type)
		assert.Equal(t, "write_artifact", chunks[1].ToolCall.Name)
		assert.Equal(t, "tool_use", chunks[2].StopReason)
	})

	t.Run("cancelled context stops the stream", func(t *testing.T) {
		p := NewScripted()
		cctx, cancel := context.WithCancel(ctx)
		stream, err := p.Complete(cctx, Request{Messages: []Message{{Role: v1.RoleUser, Content: "x"}}})
		require.NoError(t, err)
		cancel()
		_, err = stream.Recv()
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("rules match against tool results", func(t *testing.T) {
		match := MatchContains("boom")
		assert.True(t, match(Request{Messages: []Message{
			{Role: v1.RoleTool, ToolResults: []ToolResult{{Content: "BOOM happened", IsError: true}}},
		}}))
	})
}

func TestScriptedStructured(t *testing.T) {
	ctx := context.Background()

	t.Run("structured rule returns its document", func(t *testing.T) {
		p := NewScripted()
		p.AddRule(Rule{Match: MatchAny(), Structured: StructuredValue(map[string]any{"label": "question"})})

		raw, err := p.CompleteStructured(ctx, Request{Messages: []Message{{Role: v1.RoleUser, Content: "hi"}}}, json.RawMessage(`{}`))
		require.NoError(t, err)
		var out map[string]string
		require.NoError(t, json.Unmarshal(raw, &out))
		assert.Equal(t, "question", out["label"])
	})

	t.Run("no matching rule fails with invalid output", func(t *testing.T) {
		p := NewScripted()
		_, err := p.CompleteStructured(ctx, Request{}, json.RawMessage(`{}`))
		assert.ErrorIs(t, err, ErrModelOutputInvalid)
	})
}

func TestWithRetry(t *testing.T) {
	log := testLogger(t)

	t.Run("succeeds without retrying", func(t *testing.T) {
		calls := 0
		err := withRetry(context.Background(), log, "op", func() error {
			calls++
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("transient failures are retried up to the schedule length", func(t *testing.T) {
		calls := 0
		boom := errors.New("connection reset")
		err := withRetry(context.Background(), log, "op", func() error {
			calls++
			return boom
		})
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrModelCallFailed)
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, len(backoffSchedule)+1, calls)

		var mcf *ModelCallFailedError
		require.ErrorAs(t, err, &mcf)
		assert.Equal(t, len(backoffSchedule)+1, mcf.Attempts)
	})

	t.Run("recovery mid-schedule succeeds", func(t *testing.T) {
		calls := 0
		err := withRetry(context.Background(), log, "op", func() error {
			calls++
			if calls < 2 {
				return errors.New("flaky")
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 2, calls)
	})

	t.Run("cancellation passes through without retry", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		calls := 0
		err := withRetry(ctx, log, "op", func() error {
			calls++
			return context.Canceled
		})
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, calls)
	})

	t.Run("schema failures pass through without retry", func(t *testing.T) {
		calls := 0
		err := withRetry(context.Background(), log, "op", func() error {
			calls++
			return ErrModelOutputInvalid
		})
		assert.ErrorIs(t, err, ErrModelOutputInvalid)
		assert.Equal(t, 1, calls)
	})

	t.Run("backoff schedule is 250ms then 1s then 4s", func(t *testing.T) {
		assert.Equal(t, []time.Duration{250 * time.Millisecond, time.Second, 4 * time.Second}, backoffSchedule)
	})
}
