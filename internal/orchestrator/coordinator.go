// Package orchestrator provides the coordinator: the service that owns
// projects and their conversational control loop. It turns chat into
// plans, delegates execution to the per-project scheduler, and closes
// every project with a synthesis turn.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/loomhq/loom/internal/common/logger"
	"github.com/loomhq/loom/internal/events/bus"
	"github.com/loomhq/loom/internal/llm"
	"github.com/loomhq/loom/internal/orchestrator/runner"
	"github.com/loomhq/loom/internal/orchestrator/scheduler"
	"github.com/loomhq/loom/internal/orchestrator/streaming"
	"github.com/loomhq/loom/internal/plan"
	"github.com/loomhq/loom/internal/project/store"
	"github.com/loomhq/loom/internal/storage/ledger"
	"github.com/loomhq/loom/internal/team"
	v1 "github.com/loomhq/loom/pkg/api/v1"
)

// settlePollInterval bounds each completion-integrating increment while
// a plan revision waits for running tasks to settle.
const settlePollInterval = 50 * time.Millisecond

// Coordinator owns the public project API.
type Coordinator struct {
	store    *store.Store
	bus      bus.EventBus
	provider llm.Provider
	teams    *team.Registry
	runner   *runner.Runner
	ledger   *ledger.Store
	logger   *logger.Logger

	mu         sync.Mutex
	executions map[string]*scheduler.Execution
	// synthesized marks projects whose final synthesis turn already ran.
	synthesized map[string]bool
}

// New creates the coordinator. ledgerStore may be nil.
func New(st *store.Store, eventBus bus.EventBus, provider llm.Provider, teams *team.Registry, r *runner.Runner, ledgerStore *ledger.Store, log *logger.Logger) *Coordinator {
	return &Coordinator{
		store:       st,
		bus:         eventBus,
		provider:    provider,
		teams:       teams,
		runner:      r,
		ledger:      ledgerStore,
		logger:      log.WithFields(zap.String("component", "coordinator")),
		executions:  make(map[string]*scheduler.Execution),
		synthesized: make(map[string]bool),
	}
}

// CreateProject binds a new project to a team. No plan exists yet; the
// first goal-stating chat message creates one.
func (c *Coordinator) CreateProject(ctx context.Context, userID, goal, configRef string) (v1.Project, error) {
	if _, err := c.teams.Get(configRef); err != nil {
		return v1.Project{}, err
	}
	now := time.Now().UTC()
	proj := v1.Project{
		ProjectID: uuid.New().String(),
		UserID:    userID,
		Goal:      goal,
		ConfigRef: configRef,
		Status:    v1.ProjectStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := c.store.CreateProject(ctx, proj); err != nil {
		return v1.Project{}, err
	}
	c.logger.WithProjectID(proj.ProjectID).Info("Project created",
		zap.String("user_id", userID),
		zap.String("config_ref", configRef))
	return proj, nil
}

// Chat appends the user message and reacts to it: a stated goal
// produces a plan, a plan adjustment revises it, anything else is
// answered directly. The returned message is the assistant's reply.
func (c *Coordinator) Chat(ctx context.Context, projectID, userID, text string) (v1.Message, error) {
	proj, err := c.ownedProject(ctx, projectID, userID)
	if err != nil {
		return v1.Message{}, err
	}

	if _, err := c.appendChatMessage(ctx, projectID, v1.RoleUser, text); err != nil {
		return v1.Message{}, err
	}

	exec, _ := c.execution(ctx, proj)
	hasPlan := exec != nil

	cl := c.classifyChat(ctx, proj, hasPlan, text)
	c.logger.WithProjectID(projectID).Debug("Chat classified", zap.String("label", string(cl.Label)))

	switch cl.Label {
	case labelInitialGoal:
		return c.handleInitialGoal(ctx, proj, text)
	case labelPlanAdjustment:
		if !hasPlan {
			return c.handleInitialGoal(ctx, proj, text)
		}
		diff := cl.Diff
		if diff == "" {
			diff = text
		}
		return c.handlePlanAdjustment(ctx, proj, exec, diff)
	default:
		return c.answerQuestion(ctx, proj)
	}
}

// handleInitialGoal generates a plan for the goal, stores it, and moves
// the project to running.
func (c *Coordinator) handleInitialGoal(ctx context.Context, proj v1.Project, goal string) (v1.Message, error) {
	tm, err := c.teams.Get(proj.ConfigRef)
	if err != nil {
		return v1.Message{}, err
	}

	p, err := c.generatePlan(ctx, proj, tm, goal)
	if err != nil {
		// Planning failures come back as a chat answer, not a dead project.
		msg, chatErr := c.appendChatMessage(ctx, proj.ProjectID, v1.RoleAssistant,
			"I could not produce a valid plan for that goal: "+err.Error())
		if chatErr != nil {
			return v1.Message{}, errors.Join(err, chatErr)
		}
		return msg, nil
	}

	snap := p.Snapshot()
	if err := c.store.SavePlan(ctx, proj.ProjectID, snap); err != nil {
		return v1.Message{}, err
	}

	proj.Goal = snap.Goal
	proj.Status = v1.ProjectStatusRunning
	proj.UpdatedAt = time.Now().UTC()
	if err := c.store.SaveProject(ctx, proj); err != nil {
		return v1.Message{}, err
	}

	exec := scheduler.NewExecution(proj, p, tm, c.runner, c.store, c.bus, c.logger)
	c.mu.Lock()
	c.executions[proj.ProjectID] = exec
	delete(c.synthesized, proj.ProjectID)
	c.mu.Unlock()

	c.publish(ctx, proj.ProjectID, v1.EventPlanUpdated, v1.PlanUpdatedData(snap, nil, nil))
	c.publish(ctx, proj.ProjectID, v1.EventProjectStatusChanged,
		v1.ProjectStatusChangedData(v1.ProjectStatusRunning, ""))

	return c.appendChatMessage(ctx, proj.ProjectID, v1.RoleAssistant,
		fmt.Sprintf("Plan created: %d tasks across %d agents. Step the project to execute.",
			len(snap.Tasks), len(tm.Agents)))
}

// handlePlanAdjustment revises the live plan, preserving completed
// tasks whose goals did not change.
func (c *Coordinator) handlePlanAdjustment(ctx context.Context, proj v1.Project, exec *scheduler.Execution, diff string) (v1.Message, error) {
	tm, err := c.teams.Get(proj.ConfigRef)
	if err != nil {
		return v1.Message{}, err
	}

	current := exec.Plan().Snapshot()
	tasks, preserved, regenerated, err := c.reviseTasks(ctx, proj, tm, current, diff)
	if err != nil {
		msg, chatErr := c.appendChatMessage(ctx, proj.ProjectID, v1.RoleAssistant,
			"I could not revise the plan: "+err.Error())
		if chatErr != nil {
			return v1.Message{}, errors.Join(err, chatErr)
		}
		return msg, nil
	}

	// A running task the revision would drop or regenerate settles
	// before the revision lands; its worker stays the only one.
	if err := c.waitForSettle(ctx, exec, tasks, regenerated); err != nil {
		return v1.Message{}, err
	}

	if err := exec.Plan().Revise(tasks); err != nil {
		msg, chatErr := c.appendChatMessage(ctx, proj.ProjectID, v1.RoleAssistant,
			"The plan revision conflicts with running work: "+err.Error())
		if chatErr != nil {
			return v1.Message{}, errors.Join(err, chatErr)
		}
		return msg, nil
	}

	snap := exec.Plan().Snapshot()
	if err := c.store.SavePlan(ctx, proj.ProjectID, snap); err != nil {
		return v1.Message{}, err
	}
	c.mu.Lock()
	delete(c.synthesized, proj.ProjectID)
	c.mu.Unlock()

	c.publish(ctx, proj.ProjectID, v1.EventPlanUpdated, v1.PlanUpdatedData(snap, preserved, regenerated))

	return c.appendChatMessage(ctx, proj.ProjectID, v1.RoleAssistant,
		fmt.Sprintf("Plan revised to version %d: %d tasks preserved, %d regenerated.",
			snap.Version, len(preserved), len(regenerated)))
}

// waitForSettle blocks until no running task would be dropped or reset
// by the incoming task set. Completions are integrated in place via
// bounded Settle calls, so the wait makes progress without a concurrent
// Step caller and a concurrent stepper consuming the same completion
// cannot wedge it.
func (c *Coordinator) waitForSettle(ctx context.Context, exec *scheduler.Execution, incoming []v1.Task, regenerated []string) error {
	kept := make(map[string]bool, len(incoming))
	for _, t := range incoming {
		kept[t.ID] = true
	}
	reset := make(map[string]bool, len(regenerated))
	for _, id := range regenerated {
		reset[id] = true
	}
	for {
		blocked := false
		for _, t := range exec.Plan().Tasks() {
			if t.Status == v1.TaskStatusRunning && (!kept[t.ID] || reset[t.ID]) {
				blocked = true
				break
			}
		}
		if !blocked {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		settleCtx, cancel := context.WithTimeout(ctx, settlePollInterval)
		exec.Settle(settleCtx)
		cancel()
	}
}

// answerQuestion streams a direct assistant reply over the
// conversation. No scheduling happens.
func (c *Coordinator) answerQuestion(ctx context.Context, proj v1.Project) (v1.Message, error) {
	conversation, err := c.conversation(ctx, proj.ProjectID)
	if err != nil {
		return v1.Message{}, err
	}
	stream, err := c.provider.Complete(ctx, llm.Request{
		System:   "You coordinate a team of agents working toward: " + proj.Goal + ". Answer the user directly and concisely.",
		Messages: conversation,
	})
	if err != nil {
		return v1.Message{}, err
	}
	defer func() { _ = stream.Close() }()

	return c.streamToMessage(ctx, proj.ProjectID, "", "coordinator", stream)
}

// Step advances execution by one scheduler increment. Once every task
// is terminal it runs the synthesis turn and completes the project.
func (c *Coordinator) Step(ctx context.Context, projectID, userID string) (scheduler.Progress, error) {
	proj, err := c.ownedProject(ctx, projectID, userID)
	if err != nil {
		return scheduler.Progress{}, err
	}
	exec, err := c.execution(ctx, proj)
	if err != nil {
		return scheduler.Progress{}, err
	}
	if exec == nil {
		return scheduler.Progress{}, ErrNoPlan
	}

	if exec.Plan().AllTerminal() && exec.InFlight() == 0 {
		if err := c.finishProject(ctx, proj, exec); err != nil {
			return scheduler.Progress{}, err
		}
		return scheduler.Progress{Done: true}, nil
	}

	progress, err := exec.Step(ctx)
	if err != nil {
		return progress, err
	}
	if progress.Done || (exec.Aborted() && exec.InFlight() == 0) {
		if err := c.finishProject(ctx, proj, exec); err != nil {
			return progress, err
		}
		progress.Done = true
	}
	return progress, nil
}

// finishProject runs the synthesis turn once and publishes the final
// project status.
func (c *Coordinator) finishProject(ctx context.Context, proj v1.Project, exec *scheduler.Execution) error {
	c.mu.Lock()
	if c.synthesized[proj.ProjectID] {
		c.mu.Unlock()
		return nil
	}
	c.synthesized[proj.ProjectID] = true
	c.mu.Unlock()

	c.synthesize(ctx, proj, exec)

	status := v1.ProjectStatusCompleted
	reason := ""
	if exec.Aborted() {
		status = v1.ProjectStatusFailed
		reason = scheduler.ErrPlanAborted.Error()
	}
	proj.Status = status
	proj.UpdatedAt = time.Now().UTC()
	if err := c.store.SaveProject(ctx, proj); err != nil {
		return err
	}
	c.publish(ctx, proj.ProjectID, v1.EventProjectStatusChanged, v1.ProjectStatusChangedData(status, reason))
	c.logger.WithProjectID(proj.ProjectID).Info("Project finished", zap.String("status", string(status)))
	return nil
}

// synthesize produces the final assistant message summarizing what the
// plan accomplished. A model failure degrades to a plain summary.
func (c *Coordinator) synthesize(ctx context.Context, proj v1.Project, exec *scheduler.Execution) {
	snap := exec.Plan().Snapshot()
	var b strings.Builder
	b.WriteString("Task results:\n")
	for _, t := range snap.Tasks {
		fmt.Fprintf(&b, "- %s (%s): %s. %s\n", t.Name, t.ID, t.Status, t.Result)
	}

	conversation, err := c.conversation(ctx, proj.ProjectID)
	if err == nil {
		conversation = append(conversation, llm.Message{
			Role:    v1.RoleUser,
			Content: "All tasks are finished.\n" + b.String() + "\nSummarize the outcome for the user.",
		})
		stream, callErr := c.provider.Complete(ctx, llm.Request{
			System:   "You coordinate a team of agents working toward: " + proj.Goal + ". Deliver the final summary.",
			Messages: conversation,
		})
		if callErr == nil {
			defer func() { _ = stream.Close() }()
			if _, streamErr := c.streamToMessage(ctx, proj.ProjectID, "", "coordinator", stream); streamErr == nil {
				return
			}
		}
		err = callErr
	}

	c.logger.WithProjectID(proj.ProjectID).Warn("Synthesis degraded to plain summary", zap.Error(err))
	_, _ = c.appendChatMessage(ctx, proj.ProjectID, v1.RoleAssistant, b.String())
}

// CancelProject stops all running work: tasks fail with reason
// cancelled, the project fails, and the topic closes.
func (c *Coordinator) CancelProject(ctx context.Context, projectID, userID string) error {
	proj, err := c.ownedProject(ctx, projectID, userID)
	if err != nil {
		return err
	}
	exec, _ := c.execution(ctx, proj)
	if exec != nil {
		c.drainExecution(ctx, exec)
	}

	proj.Status = v1.ProjectStatusFailed
	proj.UpdatedAt = time.Now().UTC()
	if err := c.store.SaveProject(ctx, proj); err != nil {
		return err
	}
	c.publish(ctx, projectID, v1.EventProjectStatusChanged,
		v1.ProjectStatusChangedData(v1.ProjectStatusFailed, "cancelled"))
	if err := c.bus.Close(ctx, projectID); err != nil && !errors.Is(err, bus.ErrTopicClosed) {
		c.logger.WithError(err).Warn("Failed to close project topic")
	}

	c.mu.Lock()
	delete(c.executions, projectID)
	c.mu.Unlock()
	c.logger.WithProjectID(projectID).Info("Project cancelled")
	return nil
}

// DeleteProject cancels outstanding work, closes the topic, and
// removes all stored state.
func (c *Coordinator) DeleteProject(ctx context.Context, projectID, userID string) error {
	proj, err := c.ownedProject(ctx, projectID, userID)
	if err != nil {
		return err
	}
	exec, _ := c.execution(ctx, proj)
	if exec != nil {
		c.drainExecution(ctx, exec)
	}
	if err := c.bus.Close(ctx, projectID); err != nil && !errors.Is(err, bus.ErrTopicClosed) {
		c.logger.WithError(err).Warn("Failed to close project topic")
	}

	c.mu.Lock()
	delete(c.executions, projectID)
	delete(c.synthesized, projectID)
	c.mu.Unlock()

	return c.store.DeleteProject(ctx, projectID)
}

// Subscribe attaches a live event stream to the project.
func (c *Coordinator) Subscribe(ctx context.Context, projectID, userID string) (*bus.Subscription, error) {
	if _, err := c.ownedProject(ctx, projectID, userID); err != nil {
		return nil, err
	}
	return c.bus.Subscribe(ctx, projectID)
}

// GetProject returns the project snapshot including its plan.
func (c *Coordinator) GetProject(ctx context.Context, projectID, userID string) (v1.Project, error) {
	return c.ownedProject(ctx, projectID, userID)
}

// GetMessages returns the full conversation in append order.
func (c *Coordinator) GetMessages(ctx context.Context, projectID, userID string) ([]v1.Message, error) {
	if _, err := c.ownedProject(ctx, projectID, userID); err != nil {
		return nil, err
	}
	return c.store.LoadMessages(ctx, projectID)
}

// GetArtifacts lists the latest version of every project artifact.
func (c *Coordinator) GetArtifacts(ctx context.Context, projectID, userID string) ([]v1.ArtifactInfo, error) {
	if _, err := c.ownedProject(ctx, projectID, userID); err != nil {
		return nil, err
	}
	return c.store.Workspace(projectID).ListArtifacts(ctx)
}

// GetArtifactContent returns one artifact version's bytes; version 0
// means latest.
func (c *Coordinator) GetArtifactContent(ctx context.Context, projectID, userID, name string, version int) ([]byte, v1.ArtifactVersion, error) {
	if _, err := c.ownedProject(ctx, projectID, userID); err != nil {
		return nil, v1.ArtifactVersion{}, err
	}
	return c.store.Workspace(projectID).ReadArtifact(ctx, name, version)
}

// GetRuns returns the project's ledger records.
func (c *Coordinator) GetRuns(ctx context.Context, projectID, userID string) ([]v1.TaskRun, error) {
	if _, err := c.ownedProject(ctx, projectID, userID); err != nil {
		return nil, err
	}
	if c.ledger == nil {
		return nil, nil
	}
	return c.ledger.ListRuns(ctx, projectID)
}

// ListProjects returns the user's projects, newest first.
func (c *Coordinator) ListProjects(ctx context.Context, userID string) ([]v1.Project, error) {
	all, err := c.store.ListProjects(ctx)
	if err != nil {
		return nil, err
	}
	var mine []v1.Project
	for _, p := range all {
		if p.UserID == userID {
			mine = append(mine, p)
		}
	}
	return mine, nil
}

// IsComplete reports whether the project reached a terminal status.
func (c *Coordinator) IsComplete(ctx context.Context, projectID, userID string) (bool, error) {
	proj, err := c.ownedProject(ctx, projectID, userID)
	if err != nil {
		return false, err
	}
	return proj.Status.Terminal(), nil
}

// drainExecution cancels all workers and integrates their terminal
// results. Step calls are bounded so a concurrent stepper integrating
// the same completions cannot wedge the drain.
func (c *Coordinator) drainExecution(ctx context.Context, exec *scheduler.Execution) {
	exec.Cancel()
	for exec.InFlight() > 0 {
		if ctx.Err() != nil {
			return
		}
		stepCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
		_, _ = exec.Step(stepCtx)
		cancel()
	}
}

// ownedProject loads the project and enforces ownership.
func (c *Coordinator) ownedProject(ctx context.Context, projectID, userID string) (v1.Project, error) {
	proj, err := c.store.LoadProject(ctx, projectID)
	if err != nil {
		if errors.Is(err, store.ErrProjectNotFound) {
			return v1.Project{}, fmt.Errorf("%w: %s", ErrProjectNotFound, projectID)
		}
		return v1.Project{}, err
	}
	if proj.UserID != userID {
		return v1.Project{}, fmt.Errorf("%w: %s", ErrUnauthorized, projectID)
	}
	return proj, nil
}

// execution returns the project's scheduler, rebuilding it from the
// persisted plan after a restart. Nil without error means no plan yet.
func (c *Coordinator) execution(ctx context.Context, proj v1.Project) (*scheduler.Execution, error) {
	c.mu.Lock()
	exec, ok := c.executions[proj.ProjectID]
	c.mu.Unlock()
	if ok {
		return exec, nil
	}

	snap, found, err := c.store.LoadPlan(ctx, proj.ProjectID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	tm, err := c.teams.Get(proj.ConfigRef)
	if err != nil {
		return nil, err
	}
	exec = scheduler.NewExecution(proj, plan.FromSnapshot(snap), tm, c.runner, c.store, c.bus, c.logger)
	c.mu.Lock()
	c.executions[proj.ProjectID] = exec
	c.mu.Unlock()
	return exec, nil
}

// appendChatMessage persists a single-part message and publishes its
// lifecycle events.
func (c *Coordinator) appendChatMessage(ctx context.Context, projectID string, role v1.MessageRole, text string) (v1.Message, error) {
	builder := streaming.NewBuilder(c.bus, projectID, "", roleAgent(role))
	if err := builder.BeginMessage(ctx, uuid.New().String(), role); err != nil {
		return v1.Message{}, err
	}
	if err := builder.AppendText(ctx, text); err != nil {
		return v1.Message{}, err
	}
	msg, err := builder.FinishMessage(ctx)
	if err != nil {
		return v1.Message{}, err
	}
	if err := c.store.AppendMessage(ctx, msg); err != nil {
		return v1.Message{}, err
	}
	return msg, nil
}

// streamToMessage drives a builder from a model stream and persists the
// result.
func (c *Coordinator) streamToMessage(ctx context.Context, projectID, taskID, agent string, stream llm.Stream) (v1.Message, error) {
	builder := streaming.NewBuilder(c.bus, projectID, taskID, agent)
	if err := builder.BeginMessage(ctx, uuid.New().String(), v1.RoleAssistant); err != nil {
		return v1.Message{}, err
	}
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			_ = builder.AppendError(ctx, err.Error(), "ModelCallFailed")
			_, _ = builder.FinishMessage(ctx)
			return v1.Message{}, err
		}
		if chunk.Type == llm.ChunkStop {
			break
		}
		switch chunk.Type {
		case llm.ChunkText:
			if err := builder.AppendText(ctx, chunk.Text); err != nil {
				return v1.Message{}, err
			}
		case llm.ChunkReasoning:
			if err := builder.AppendReasoning(ctx, chunk.Text); err != nil {
				return v1.Message{}, err
			}
		}
	}
	msg, err := builder.FinishMessage(ctx)
	if err != nil {
		return v1.Message{}, err
	}
	if err := c.store.AppendMessage(ctx, msg); err != nil {
		return v1.Message{}, err
	}
	return msg, nil
}

// conversation loads the whole stored conversation in provider form.
func (c *Coordinator) conversation(ctx context.Context, projectID string) ([]llm.Message, error) {
	stored, err := c.store.LoadMessages(ctx, projectID)
	if err != nil {
		return nil, err
	}
	out := make([]llm.Message, 0, len(stored))
	for _, m := range stored {
		out = append(out, llm.Message{Role: m.Role, Content: m.Content})
	}
	return out, nil
}

func (c *Coordinator) publish(ctx context.Context, projectID string, eventType v1.EventType, data map[string]any) {
	if err := c.bus.Publish(ctx, bus.NewEnvelope(projectID, eventType, data)); err != nil &&
		!errors.Is(err, bus.ErrTopicClosed) {
		c.logger.WithError(err).Debug("Failed to publish event", zap.String("event_type", string(eventType)))
	}
}

func roleAgent(role v1.MessageRole) string {
	if role == v1.RoleAssistant {
		return "coordinator"
	}
	return ""
}
