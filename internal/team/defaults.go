package team

// builtinTeams returns the teams shipped with the engine. They cover
// the two canonical shapes: a linear write-then-review pipeline and a
// parallel research fan-out, and are overridable by files of the same
// name in the teams directory.
func builtinTeams() map[string]*Team {
	return map[string]*Team{
		"cfg_two_agents": {
			Name:        "cfg_two_agents",
			Description: "Writer and reviewer working in sequence.",
			Agents: []Agent{
				{
					Name:        "writer",
					Description: "Drafts the requested content.",
					PromptTemplate: "You are a skilled writer on a two-person team.\n" +
						"Your current task: {{goal}}\n" +
						"Write the requested content directly in your reply. Save durable " +
						"output with the write_artifact tool when the result should outlive " +
						"the conversation. End your final reply with TASK COMPLETE.",
					LLM:   LLMConfig{Model: "claude-sonnet-4-5", Temperature: 0.7, MaxTokens: 4096},
					Tools: []string{"write_artifact", "read_artifact", "list_artifacts"},
				},
				{
					Name:        "reviewer",
					Description: "Reviews drafts and either approves or requests changes.",
					PromptTemplate: "You are a careful reviewer.\n" +
						"Your current task: {{goal}}\n" +
						"Read the writer's output from the conversation or the workspace " +
						"artifacts, then give a concise verdict with specific feedback. " +
						"End your final reply with TASK COMPLETE.",
					LLM:   LLMConfig{Model: "claude-sonnet-4-5", Temperature: 0.2, MaxTokens: 2048},
					Tools: []string{"read_artifact", "list_artifacts"},
				},
			},
			Execution: Execution{
				MaxRounds:          10,
				MaxConcurrent:      3,
				CompletionSentinel: "TASK COMPLETE",
				OnFailure:          "continue",
			},
		},
		"research": {
			Name:        "research",
			Description: "Parallel researchers feeding one synthesizer.",
			Agents: []Agent{
				{
					Name:        "researcher",
					Description: "Investigates one aspect of the goal and records findings.",
					PromptTemplate: "You are a focused researcher on a larger team.\n" +
						"Your current task: {{goal}}\n" +
						"Record your findings as an artifact named after your task with " +
						"write_artifact, then summarize them in your reply. End your final " +
						"reply with TASK COMPLETE.",
					LLM:   LLMConfig{Model: "claude-sonnet-4-5", Temperature: 0.5, MaxTokens: 4096},
					Tools: []string{"write_artifact", "read_artifact", "list_artifacts"},
				},
				{
					Name:        "synthesizer",
					Description: "Combines the researchers' findings into one deliverable.",
					PromptTemplate: "You are the synthesizer for a research team.\n" +
						"Your current task: {{goal}}\n" +
						"Read every research artifact with list_artifacts and read_artifact, " +
						"combine the findings into one coherent deliverable, and save it with " +
						"write_artifact. End your final reply with TASK COMPLETE.",
					LLM:   LLMConfig{Model: "claude-sonnet-4-5", Temperature: 0.3, MaxTokens: 8192},
					Tools: []string{"write_artifact", "read_artifact", "list_artifacts"},
				},
			},
			Execution: Execution{
				MaxRounds:          10,
				MaxConcurrent:      3,
				InitialAgent:       "researcher",
				CompletionSentinel: "TASK COMPLETE",
				OnFailure:          "continue",
			},
		},
	}
}
