package team

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/internal/common/logger"
)

const sampleYAML = `
name: docs
description: Documentation team
agents:
  - name: author
    description: Writes docs
    promptTemplate: |
      You write documentation. Task: {{goal}}
    llm: { model: claude-sonnet-4-5, temperature: 0.4, maxTokens: 4096 }
    tools: [write_artifact]
  - name: editor
    description: Edits docs
    promptTemplate: |
      You edit documentation. Task: {{goal}}
    tools: [read_artifact]
execution:
  maxRounds: 5
  maxConcurrent: 2
  initialAgent: author
  completionSentinel: "DONE"
`

func TestParse(t *testing.T) {
	t.Run("valid document parses with explicit parameters", func(t *testing.T) {
		team, err := Parse([]byte(sampleYAML))
		require.NoError(t, err)
		assert.Equal(t, "docs", team.Name)
		require.Len(t, team.Agents, 2)
		assert.Equal(t, 0.4, team.Agents[0].LLM.Temperature)
		assert.Equal(t, 5, team.Execution.MaxRounds)
		assert.Equal(t, 2, team.Execution.MaxConcurrent)
		assert.Equal(t, "DONE", team.Execution.CompletionSentinel)
		assert.Equal(t, "continue", team.Execution.OnFailure)
	})

	t.Run("defaults fill missing execution parameters", func(t *testing.T) {
		team, err := Parse([]byte("name: x\nagents:\n  - name: a\n    promptTemplate: p\n"))
		require.NoError(t, err)
		assert.Equal(t, 10, team.Execution.MaxRounds)
		assert.Equal(t, 3, team.Execution.MaxConcurrent)
	})

	t.Run("missing name is rejected", func(t *testing.T) {
		_, err := Parse([]byte("agents:\n  - name: a\n    promptTemplate: p\n"))
		assert.Error(t, err)
	})

	t.Run("empty agent list is rejected", func(t *testing.T) {
		_, err := Parse([]byte("name: x\n"))
		assert.Error(t, err)
	})

	t.Run("duplicate agent names are rejected", func(t *testing.T) {
		_, err := Parse([]byte("name: x\nagents:\n  - {name: a, promptTemplate: p}\n  - {name: a, promptTemplate: p}\n"))
		assert.Error(t, err)
	})

	t.Run("agent without a prompt template is rejected", func(t *testing.T) {
		_, err := Parse([]byte("name: x\nagents:\n  - name: a\n"))
		assert.Error(t, err)
	})

	t.Run("unknown initial agent is rejected", func(t *testing.T) {
		_, err := Parse([]byte("name: x\nagents:\n  - {name: a, promptTemplate: p}\nexecution:\n  initialAgent: b\n"))
		assert.Error(t, err)
	})

	t.Run("invalid onFailure policy is rejected", func(t *testing.T) {
		_, err := Parse([]byte("name: x\nagents:\n  - {name: a, promptTemplate: p}\nexecution:\n  onFailure: explode\n"))
		assert.Error(t, err)
	})
}

func TestRegistry(t *testing.T) {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	t.Run("built-ins are available without a teams dir", func(t *testing.T) {
		reg, err := NewRegistry("", log)
		require.NoError(t, err)

		team, err := reg.Get("cfg_two_agents")
		require.NoError(t, err)
		assert.True(t, team.HasAgent("writer"))
		assert.True(t, team.HasAgent("reviewer"))
		assert.Equal(t, "TASK COMPLETE", team.Execution.CompletionSentinel)

		research, err := reg.Get("research")
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"researcher", "synthesizer"}, research.AgentNames())
	})

	t.Run("files in the teams dir are loaded by stem and override built-ins", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, "docs.yaml"), []byte(sampleYAML), 0o644))
		override := "name: cfg_two_agents\nagents:\n  - {name: solo, promptTemplate: p}\n"
		require.NoError(t, os.WriteFile(filepath.Join(dir, "cfg_two_agents.yaml"), []byte(override), 0o644))

		reg, err := NewRegistry(dir, log)
		require.NoError(t, err)

		docs, err := reg.Get("docs")
		require.NoError(t, err)
		assert.Equal(t, "docs", docs.Name)

		overridden, err := reg.Get("cfg_two_agents")
		require.NoError(t, err)
		assert.True(t, overridden.HasAgent("solo"))
		assert.False(t, overridden.HasAgent("writer"))
	})

	t.Run("unknown configRef fails", func(t *testing.T) {
		reg, err := NewRegistry("", log)
		require.NoError(t, err)
		_, err = reg.Get("nope")
		assert.ErrorIs(t, err, ErrTeamNotFound)
	})

	t.Run("a broken yaml file fails loading", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.yaml"), []byte("name: [unclosed"), 0o644))
		_, err := NewRegistry(dir, log)
		assert.Error(t, err)
	})
}
