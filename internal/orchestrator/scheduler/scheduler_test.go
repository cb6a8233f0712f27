package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/internal/common/logger"
	"github.com/loomhq/loom/internal/events/bus"
	"github.com/loomhq/loom/internal/orchestrator/runner"
	"github.com/loomhq/loom/internal/plan"
	"github.com/loomhq/loom/internal/project/store"
	"github.com/loomhq/loom/internal/team"
	v1 "github.com/loomhq/loom/pkg/api/v1"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	return log
}

// fakeRunner resolves tasks from a result table, optionally holding
// each task for a delay. It tracks peak concurrency and execution
// order.
type fakeRunner struct {
	mu      sync.Mutex
	results map[string]runner.Result
	delay   time.Duration
	order   []string
	active  int
	peak    int
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{results: make(map[string]runner.Result)}
}

func (f *fakeRunner) completes(taskID, summary string) {
	f.results[taskID] = runner.Result{Status: v1.TaskStatusCompleted, Summary: summary, Attempts: 1}
}

func (f *fakeRunner) fails(taskID, summary string) {
	f.results[taskID] = runner.Result{Status: v1.TaskStatusFailed, Summary: summary, Attempts: 1}
}

func (f *fakeRunner) RunTask(ctx context.Context, proj v1.Project, tm *team.Team, task v1.Task) runner.Result {
	f.mu.Lock()
	f.order = append(f.order, task.ID)
	f.active++
	if f.active > f.peak {
		f.peak = f.active
	}
	delay := f.delay
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			f.mu.Lock()
			f.active--
			f.mu.Unlock()
			return runner.Result{Status: v1.TaskStatusFailed, Summary: "cancelled", Attempts: 1}
		}
	}

	f.mu.Lock()
	f.active--
	res, ok := f.results[task.ID]
	f.mu.Unlock()
	if !ok {
		res = runner.Result{Status: v1.TaskStatusCompleted, Summary: "ok", Attempts: 1}
	}
	return res
}

func buildExecution(t *testing.T, fr *fakeRunner, maxConcurrent int, tasks ...v1.Task) *Execution {
	t.Helper()
	log := testLogger(t)

	st, err := store.NewStore(t.TempDir(), log)
	require.NoError(t, err)
	eventBus := bus.NewMemoryEventBus(0, log)
	t.Cleanup(eventBus.Shutdown)

	proj := v1.Project{ProjectID: "p1", UserID: "u1", Goal: "goal", ConfigRef: "solo", Status: v1.ProjectStatusRunning}
	require.NoError(t, st.CreateProject(context.Background(), proj))

	p := plan.New("goal")
	for _, task := range tasks {
		require.NoError(t, p.AddTask(task))
	}
	require.NoError(t, p.Validate())

	tm := &team.Team{
		Name:      "solo",
		Agents:    []team.Agent{{Name: "a", PromptTemplate: "x"}},
		Execution: team.Execution{MaxRounds: 10, MaxConcurrent: maxConcurrent, OnFailure: "continue"},
	}
	return NewExecution(proj, p, tm, fr, st, eventBus, log)
}

func mkTask(id string, onFailure v1.OnFailure, deps ...string) v1.Task {
	return v1.Task{ID: id, Name: id, Goal: "do " + id, AssignedAgent: "a", Dependencies: deps, OnFailure: onFailure}
}

func TestExecutePlanLinearChain(t *testing.T) {
	fr := newFakeRunner()
	fr.completes("t1", "one done")
	fr.completes("t2", "two done")
	fr.completes("t3", "three done")

	exec := buildExecution(t, fr, 3,
		mkTask("t1", v1.OnFailureContinue),
		mkTask("t2", v1.OnFailureContinue, "t1"),
		mkTask("t3", v1.OnFailureContinue, "t2"))

	require.NoError(t, exec.ExecutePlan(context.Background()))
	assert.Equal(t, []string{"t1", "t2", "t3"}, fr.order)
	assert.True(t, exec.Plan().AllTerminal())

	task, ok := exec.Plan().Task("t3")
	require.True(t, ok)
	assert.Equal(t, v1.TaskStatusCompleted, task.Status)
	assert.Equal(t, "three done", task.Result)
}

func TestConcurrencyBounded(t *testing.T) {
	fr := newFakeRunner()
	fr.delay = 50 * time.Millisecond

	exec := buildExecution(t, fr, 2,
		mkTask("t1", v1.OnFailureContinue),
		mkTask("t2", v1.OnFailureContinue),
		mkTask("t3", v1.OnFailureContinue),
		mkTask("t4", v1.OnFailureContinue))

	require.NoError(t, exec.ExecutePlan(context.Background()))
	assert.LessOrEqual(t, fr.peak, 2)
	assert.Len(t, fr.order, 4)
}

func TestReadyTasksSortedByDepsThenID(t *testing.T) {
	fr := newFakeRunner()

	// With budget one per step, dispatch order is observable.
	exec := buildExecution(t, fr, 1,
		mkTask("b", v1.OnFailureContinue),
		mkTask("a", v1.OnFailureContinue))

	require.NoError(t, exec.ExecutePlan(context.Background()))
	assert.Equal(t, []string{"a", "b"}, fr.order)
}

func TestDependencyFailurePropagates(t *testing.T) {
	fr := newFakeRunner()
	fr.fails("t1", "model call failed")
	fr.completes("t3", "independent")

	exec := buildExecution(t, fr, 3,
		mkTask("t1", v1.OnFailureContinue),
		mkTask("t2", v1.OnFailureContinue, "t1"),
		mkTask("t3", v1.OnFailureContinue))

	require.NoError(t, exec.ExecutePlan(context.Background()))

	t2, ok := exec.Plan().Task("t2")
	require.True(t, ok)
	assert.Equal(t, v1.TaskStatusFailed, t2.Status)
	assert.Equal(t, "dependency failed", t2.Result)

	t3, ok := exec.Plan().Task("t3")
	require.True(t, ok)
	assert.Equal(t, v1.TaskStatusCompleted, t3.Status)

	// t2 never ran.
	assert.NotContains(t, fr.order, "t2")
}

func TestDependencyFailureCascades(t *testing.T) {
	fr := newFakeRunner()
	fr.fails("t1", "boom")

	exec := buildExecution(t, fr, 3,
		mkTask("t1", v1.OnFailureContinue),
		mkTask("t2", v1.OnFailureContinue, "t1"),
		mkTask("t3", v1.OnFailureContinue, "t2"))

	require.NoError(t, exec.ExecutePlan(context.Background()))
	for _, id := range []string{"t2", "t3"} {
		task, ok := exec.Plan().Task(id)
		require.True(t, ok)
		assert.Equal(t, v1.TaskStatusFailed, task.Status)
		assert.Equal(t, "dependency failed", task.Result)
	}
}

func TestAbortPolicyStopsPlan(t *testing.T) {
	fr := newFakeRunner()
	fr.fails("t1", "fatal")
	fr.delay = 100 * time.Millisecond

	exec := buildExecution(t, fr, 3,
		mkTask("t1", v1.OnFailureAbort),
		mkTask("t2", v1.OnFailureContinue),
		mkTask("t3", v1.OnFailureContinue, "t2"))

	err := exec.ExecutePlan(context.Background())
	assert.ErrorIs(t, err, ErrPlanAborted)
	assert.True(t, exec.Aborted())
	assert.Equal(t, 0, exec.InFlight())

	t1, _ := exec.Plan().Task("t1")
	assert.Equal(t, v1.TaskStatusFailed, t1.Status)
}

func TestStepReturnsFirstCompletion(t *testing.T) {
	fr := newFakeRunner()
	fr.completes("t1", "done")

	exec := buildExecution(t, fr, 3, mkTask("t1", v1.OnFailureContinue))

	progress, err := exec.Step(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "t1", progress.TaskID)
	assert.Equal(t, v1.TaskStatusCompleted, progress.Status)
	assert.True(t, progress.Done)

	// A further step on a finished plan reports done without dispatch.
	progress, err = exec.Step(context.Background())
	require.NoError(t, err)
	assert.True(t, progress.Done)
	assert.Empty(t, progress.TaskID)
}

func TestStepContextCancellation(t *testing.T) {
	fr := newFakeRunner()
	fr.delay = 5 * time.Second

	exec := buildExecution(t, fr, 1, mkTask("t1", v1.OnFailureContinue))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := exec.Step(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSettleIntegratesWithoutDispatching(t *testing.T) {
	fr := newFakeRunner()
	fr.delay = 200 * time.Millisecond
	fr.completes("t1", "one done")
	fr.completes("t2", "two done")

	exec := buildExecution(t, fr, 1,
		mkTask("t1", v1.OnFailureContinue),
		mkTask("t2", v1.OnFailureContinue, "t1"),
	)

	// Dispatch t1 and walk away before it completes.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := exec.Step(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, 1, exec.InFlight())

	assert.True(t, exec.Settle(context.Background()))
	assert.Equal(t, 0, exec.InFlight())

	t1, _ := exec.Plan().Task("t1")
	assert.Equal(t, v1.TaskStatusCompleted, t1.Status)
	// t2 became ready but Settle never dispatches.
	t2, _ := exec.Plan().Task("t2")
	assert.Equal(t, v1.TaskStatusPending, t2.Status)

	assert.False(t, exec.Settle(context.Background()))
}

func TestTaskStatusEventsPublished(t *testing.T) {
	fr := newFakeRunner()
	fr.completes("t1", "done")

	log := testLogger(t)
	st, err := store.NewStore(t.TempDir(), log)
	require.NoError(t, err)
	eventBus := bus.NewMemoryEventBus(0, log)
	t.Cleanup(eventBus.Shutdown)

	proj := v1.Project{ProjectID: "p1", UserID: "u1", Goal: "goal", ConfigRef: "solo"}
	require.NoError(t, st.CreateProject(context.Background(), proj))

	sub, err := eventBus.Subscribe(context.Background(), "p1")
	require.NoError(t, err)
	defer sub.Cancel()

	p := plan.New("goal")
	require.NoError(t, p.AddTask(mkTask("t1", v1.OnFailureContinue)))
	tm := &team.Team{Name: "solo", Agents: []team.Agent{{Name: "a", PromptTemplate: "x"}},
		Execution: team.Execution{MaxRounds: 10, MaxConcurrent: 1, OnFailure: "continue"}}
	exec := NewExecution(proj, p, tm, fr, st, eventBus, log)

	require.NoError(t, exec.ExecutePlan(context.Background()))

	var statuses []string
	timeout := time.After(5 * time.Second)
	for len(statuses) < 2 {
		select {
		case env, ok := <-sub.Events():
			require.True(t, ok)
			if env.Type == v1.EventTaskStatusChanged {
				statuses = append(statuses, env.Data["status"].(string))
			}
		case <-timeout:
			t.Fatal("timed out waiting for task status events")
		}
	}
	assert.Equal(t, []string{"running", "completed"}, statuses)
}
