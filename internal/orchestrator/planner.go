package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/loomhq/loom/internal/llm"
	"github.com/loomhq/loom/internal/plan"
	"github.com/loomhq/loom/internal/team"
	v1 "github.com/loomhq/loom/pkg/api/v1"
)

// planGenerationAttempts bounds model re-prompts on invalid plans.
const planGenerationAttempts = 3

// chatLabel is the classifier's verdict on a chat message.
type chatLabel string

const (
	labelInitialGoal    chatLabel = "initialGoal"
	labelPlanAdjustment chatLabel = "planAdjustment"
	labelQuestion       chatLabel = "question"
)

// classificationSchema shapes the classifier's structured output.
var classificationSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"label": {"type": "string", "enum": ["initialGoal", "planAdjustment", "question"]},
		"diff": {"type": "string"}
	},
	"required": ["label"]
}`)

// planSchema shapes the planner's structured output.
var planSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"goal": {"type": "string"},
		"tasks": {
			"type": "array",
			"items": {
				"type": "object",
				"properties": {
					"id": {"type": "string"},
					"name": {"type": "string"},
					"goal": {"type": "string"},
					"assignedAgent": {"type": "string"},
					"dependencies": {"type": "array", "items": {"type": "string"}},
					"onFailure": {"type": "string", "enum": ["abort", "continue", "retry"]}
				},
				"required": ["id", "name", "goal", "assignedAgent"]
			}
		}
	},
	"required": ["goal", "tasks"]
}`)

type classification struct {
	Label chatLabel `json:"label"`
	Diff  string    `json:"diff"`
}

type planDoc struct {
	Goal  string        `json:"goal"`
	Tasks []planDocTask `json:"tasks"`
}

type planDocTask struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	Goal          string   `json:"goal"`
	AssignedAgent string   `json:"assignedAgent"`
	Dependencies  []string `json:"dependencies"`
	OnFailure     string   `json:"onFailure"`
}

// classifyChat labels a chat message. On a model failure it falls back
// conservatively: first message of a plan-less project is a goal,
// everything else a question.
func (c *Coordinator) classifyChat(ctx context.Context, proj v1.Project, hasPlan bool, text string) classification {
	system := "You label one user message for a task orchestrator. " +
		"Label initialGoal when the message states a goal to plan for, " +
		"planAdjustment when it asks to change the existing plan (include the requested change as diff), " +
		"and question for everything else."
	raw, err := c.provider.CompleteStructured(ctx, llm.Request{
		System: system,
		Messages: []llm.Message{{
			Role:    v1.RoleUser,
			Content: fmt.Sprintf("Project goal: %s\nHas plan: %t\nMessage: %s", proj.Goal, hasPlan, text),
		}},
	}, classificationSchema)
	if err == nil {
		var cl classification
		if jsonErr := json.Unmarshal(raw, &cl); jsonErr == nil && cl.Label != "" {
			return cl
		}
	}
	c.logger.WithProjectID(proj.ProjectID).Debug("Chat classification fell back", zap.Error(err))
	if !hasPlan {
		return classification{Label: labelInitialGoal}
	}
	return classification{Label: labelQuestion}
}

// generatePlan asks the model for a plan and validates it against the
// team and the graph invariants, re-prompting with the specific error
// up to planGenerationAttempts times.
func (c *Coordinator) generatePlan(ctx context.Context, proj v1.Project, tm *team.Team, goal string) (*plan.Plan, error) {
	messages := []llm.Message{{
		Role:    v1.RoleUser,
		Content: "Produce the task plan for this goal:\n" + goal,
	}}

	var lastErr error
	for attempt := 1; attempt <= planGenerationAttempts; attempt++ {
		raw, err := c.provider.CompleteStructured(ctx, llm.Request{
			System:   planSystemPrompt(tm),
			Messages: messages,
		}, planSchema)
		if err != nil {
			lastErr = err
			c.logger.WithProjectID(proj.ProjectID).Warn("Plan generation call failed",
				zap.Int("attempt", attempt), zap.Error(err))
			continue
		}

		candidate, err := buildPlan(raw, tm, goal)
		if err == nil {
			return candidate, nil
		}
		lastErr = err
		c.logger.WithProjectID(proj.ProjectID).Warn("Generated plan invalid",
			zap.Int("attempt", attempt), zap.Error(err))
		messages = append(messages, llm.Message{
			Role:    v1.RoleUser,
			Content: "The previous plan was invalid: " + err.Error() + "\nProduce a corrected plan.",
		})
	}
	return nil, fmt.Errorf("%w: %v", ErrPlanGenerationFailed, lastErr)
}

// reviseTasks asks the model for a revised plan given the current one
// and the requested change, and returns the new task set plus the
// preserved and regenerated id lists. Preserved tasks carry an empty
// status so Plan.Revise inherits their state.
func (c *Coordinator) reviseTasks(ctx context.Context, proj v1.Project, tm *team.Team, current v1.Plan, diff string) ([]v1.Task, []string, []string, error) {
	currentJSON, err := json.Marshal(current)
	if err != nil {
		return nil, nil, nil, err
	}
	messages := []llm.Message{{
		Role: v1.RoleUser,
		Content: fmt.Sprintf("Current plan:\n%s\n\nRequested change:\n%s\n\nProduce the full revised plan.",
			currentJSON, diff),
	}}

	var lastErr error
	for attempt := 1; attempt <= planGenerationAttempts; attempt++ {
		raw, err := c.provider.CompleteStructured(ctx, llm.Request{
			System:   planSystemPrompt(tm),
			Messages: messages,
		}, planSchema)
		if err != nil {
			lastErr = err
			continue
		}

		var doc planDoc
		if err := json.Unmarshal(raw, &doc); err != nil {
			lastErr = err
			continue
		}
		tasks, preserved, regenerated, err := integrateRevision(doc, tm, current)
		if err == nil {
			return tasks, preserved, regenerated, nil
		}
		lastErr = err
		messages = append(messages, llm.Message{
			Role:    v1.RoleUser,
			Content: "The previous plan was invalid: " + err.Error() + "\nProduce a corrected plan.",
		})
	}
	return nil, nil, nil, fmt.Errorf("%w: %v", ErrPlanGenerationFailed, lastErr)
}

// integrateRevision validates a revision candidate and splits it into
// preserved and regenerated sets. A task is preserved when the same id
// completed under the current plan with an equivalent goal.
func integrateRevision(doc planDoc, tm *team.Team, current v1.Plan) ([]v1.Task, []string, []string, error) {
	old := make(map[string]v1.Task, len(current.Tasks))
	for _, t := range current.Tasks {
		old[t.ID] = t
	}

	var tasks []v1.Task
	var preserved, regenerated []string
	for _, dt := range doc.Tasks {
		task := v1.Task{
			ID:            dt.ID,
			Name:          dt.Name,
			Goal:          dt.Goal,
			AssignedAgent: dt.AssignedAgent,
			Dependencies:  dt.Dependencies,
			OnFailure:     v1.OnFailure(dt.OnFailure),
		}
		prior, shared := old[dt.ID]
		if shared && prior.Status == v1.TaskStatusCompleted && normalizeGoal(prior.Goal) == normalizeGoal(dt.Goal) {
			// Empty status: Plan.Revise inherits status, result, attempts.
			preserved = append(preserved, dt.ID)
		} else {
			task.Status = v1.TaskStatusPending
			regenerated = append(regenerated, dt.ID)
		}
		tasks = append(tasks, task)
	}

	if err := trialValidate(tasks, tm, current.Goal); err != nil {
		return nil, nil, nil, err
	}
	return tasks, preserved, regenerated, nil
}

// buildPlan turns the model's plan document into a validated Plan.
func buildPlan(raw json.RawMessage, tm *team.Team, goal string) (*plan.Plan, error) {
	var doc planDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("plan is not valid JSON: %w", err)
	}
	if len(doc.Tasks) == 0 {
		return nil, fmt.Errorf("plan has no tasks")
	}
	if doc.Goal == "" {
		doc.Goal = goal
	}

	p := plan.New(doc.Goal)
	for _, dt := range doc.Tasks {
		if !tm.HasAgent(dt.AssignedAgent) {
			return nil, fmt.Errorf("task %s assigns unknown agent %q (team %s declares %s)",
				dt.ID, dt.AssignedAgent, tm.Name, strings.Join(tm.AgentNames(), ", "))
		}
		onFailure := v1.OnFailure(dt.OnFailure)
		if dt.OnFailure == "" {
			onFailure = v1.OnFailure(tm.Execution.OnFailure)
		}
		if err := p.AddTask(v1.Task{
			ID:            dt.ID,
			Name:          dt.Name,
			Goal:          dt.Goal,
			AssignedAgent: dt.AssignedAgent,
			Dependencies:  dt.Dependencies,
			OnFailure:     onFailure,
		}); err != nil {
			return nil, err
		}
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// trialValidate runs the full plan invariants over a candidate task set
// without touching any live plan.
func trialValidate(tasks []v1.Task, tm *team.Team, goal string) error {
	trial := plan.New(goal)
	for _, t := range tasks {
		if !tm.HasAgent(t.AssignedAgent) {
			return fmt.Errorf("task %s assigns unknown agent %q", t.ID, t.AssignedAgent)
		}
		probe := t
		probe.Status = ""
		if err := trial.AddTask(probe); err != nil {
			return err
		}
	}
	return trial.Validate()
}

func planSystemPrompt(tm *team.Team) string {
	var b strings.Builder
	b.WriteString("You plan work for a team of agents. Decompose the goal into tasks forming a dependency DAG.\n")
	b.WriteString("Assign every task to one of these agents:\n")
	for _, a := range tm.Agents {
		fmt.Fprintf(&b, "- %s: %s\n", a.Name, a.Description)
	}
	b.WriteString("Use short stable task ids. Dependencies reference task ids.")
	return b.String()
}

// normalizeGoal collapses whitespace so cosmetic reformatting does not
// defeat preservation.
func normalizeGoal(goal string) string {
	return strings.Join(strings.Fields(goal), " ")
}
