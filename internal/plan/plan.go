// Package plan holds the task graph of a project: a DAG of tasks with
// per-task status, a monotonic version, and revision semantics that
// preserve completed work.
//
// All mutations are serialized under one mutex; readers get deep
// copies, never live references.
package plan

import (
	"sort"
	"sync"

	v1 "github.com/loomhq/loom/pkg/api/v1"
)

// Plan is a project's task graph. Construct with New, populate with
// AddTask, then Validate before execution. Tasks may reference
// dependencies that are added later; Validate enforces closure.
type Plan struct {
	mu      sync.Mutex
	version int
	goal    string
	tasks   map[string]*v1.Task
	order   []string
}

// New creates an empty plan at version 1.
func New(goal string) *Plan {
	return &Plan{
		version: 1,
		goal:    goal,
		tasks:   make(map[string]*v1.Task),
	}
}

// FromSnapshot rebuilds a plan from its persisted form. The snapshot is
// trusted; no invariant checks run.
func FromSnapshot(snap v1.Plan) *Plan {
	p := &Plan{
		version: snap.Version,
		goal:    snap.Goal,
		tasks:   make(map[string]*v1.Task, len(snap.Tasks)),
	}
	for i := range snap.Tasks {
		t := cloneTask(&snap.Tasks[i])
		p.tasks[t.ID] = t
		p.order = append(p.order, t.ID)
	}
	return p
}

// Goal returns the goal the plan addresses.
func (p *Plan) Goal() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.goal
}

// Version returns the current revision counter.
func (p *Plan) Version() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.version
}

// Len returns the number of tasks.
func (p *Plan) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.tasks)
}

// AddTask inserts one task. It fails with *InvalidPlanError on a
// duplicate id or when the new edge set closes a dependency cycle.
// Dependencies on ids not yet added are allowed here and checked by
// Validate.
func (p *Plan) AddTask(task v1.Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.tasks[task.ID]; exists {
		return &InvalidPlanError{Kind: KindDuplicate, TaskID: task.ID}
	}

	t := cloneTask(&task)
	if t.Status == "" {
		t.Status = v1.TaskStatusPending
	}
	if t.OnFailure == "" {
		t.OnFailure = v1.OnFailureContinue
	}

	p.tasks[t.ID] = t
	if participants := p.findCycle(); participants != nil {
		delete(p.tasks, t.ID)
		return &InvalidPlanError{Kind: KindCycle, Participants: participants}
	}
	p.order = append(p.order, t.ID)
	return nil
}

// Validate checks full-graph invariants: every dependency resolves and
// the graph is acyclic. Call it once construction is complete.
func (p *Plan) Validate() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return validateTasks(p.tasks)
}

// SetStatus transitions one task along the status lattice. Legal moves
// are pending->running, running->completed, running->failed, and
// pending->failed (dependency failure); anything else fails with
// *InvalidTransitionError.
func (p *Plan) SetStatus(taskID string, status v1.TaskStatus) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	t, ok := p.tasks[taskID]
	if !ok {
		return ErrTaskNotFound
	}
	if !transitionAllowed(t.Status, status) {
		return &InvalidTransitionError{TaskID: taskID, From: t.Status, To: status}
	}
	t.Status = status
	return nil
}

// SetResult records a task's result summary.
func (p *Plan) SetResult(taskID, result string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.tasks[taskID]
	if !ok {
		return ErrTaskNotFound
	}
	t.Result = result
	return nil
}

// SetAttempts records how many attempts a task consumed.
func (p *Plan) SetAttempts(taskID string, attempts int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.tasks[taskID]
	if !ok {
		return ErrTaskNotFound
	}
	t.Attempts = attempts
	return nil
}

// Task returns a copy of one task.
func (p *Plan) Task(taskID string) (v1.Task, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.tasks[taskID]
	if !ok {
		return v1.Task{}, false
	}
	return *cloneTask(t), true
}

// Tasks returns copies of all tasks in insertion order.
func (p *Plan) Tasks() []v1.Task {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]v1.Task, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, *cloneTask(p.tasks[id]))
	}
	return out
}

// Snapshot returns the serializable form of the plan.
func (p *Plan) Snapshot() v1.Plan {
	p.mu.Lock()
	defer p.mu.Unlock()
	tasks := make([]v1.Task, 0, len(p.order))
	for _, id := range p.order {
		tasks = append(tasks, *cloneTask(p.tasks[id]))
	}
	return v1.Plan{Version: p.version, Goal: p.goal, Tasks: tasks}
}

// ReadyTasks returns copies of every pending task whose dependencies
// are all completed. Order is unspecified; callers tie-break.
func (p *Plan) ReadyTasks() []v1.Task {
	p.mu.Lock()
	defer p.mu.Unlock()

	var ready []v1.Task
	for _, t := range p.tasks {
		if t.Status != v1.TaskStatusPending {
			continue
		}
		ok := true
		for _, dep := range t.Dependencies {
			d, exists := p.tasks[dep]
			if !exists || d.Status != v1.TaskStatusCompleted {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, *cloneTask(t))
		}
	}
	return ready
}

// StatusCounts returns how many tasks are in each status.
func (p *Plan) StatusCounts() map[v1.TaskStatus]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	counts := make(map[v1.TaskStatus]int, 4)
	for _, t := range p.tasks {
		counts[t.Status]++
	}
	return counts
}

// AllTerminal reports whether every task is completed or failed.
func (p *Plan) AllTerminal() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range p.tasks {
		if !t.Status.Terminal() {
			return false
		}
	}
	return true
}

// Failed returns the ids of failed tasks, sorted.
func (p *Plan) Failed() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var ids []string
	for id, t := range p.tasks {
		if t.Status == v1.TaskStatusFailed {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Revise atomically replaces the task set. Incoming tasks with an empty
// status inherit status, result, and attempts from the same id in the
// old set (new ids start pending); an explicitly set status is honored
// as given, except that a running task's status cannot be changed from
// the outside. Dropping or resetting a running task fails with
// *RevisionConflictError; the new set must satisfy all graph
// invariants. On success the version is incremented.
func (p *Plan) Revise(newTasks []v1.Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	incoming := make(map[string]*v1.Task, len(newTasks))
	order := make([]string, 0, len(newTasks))
	for i := range newTasks {
		t := cloneTask(&newTasks[i])
		if _, dup := incoming[t.ID]; dup {
			return &InvalidPlanError{Kind: KindDuplicate, TaskID: t.ID}
		}
		if old, shared := p.tasks[t.ID]; shared {
			if t.Status == "" {
				t.Status = old.Status
				t.Result = old.Result
				t.Attempts = old.Attempts
			} else if old.Status == v1.TaskStatusRunning && t.Status != v1.TaskStatusRunning {
				// A running task's worker is still in flight; resetting
				// it would let the scheduler dispatch a second one.
				return &RevisionConflictError{TaskID: t.ID}
			}
		}
		if t.Status == "" {
			t.Status = v1.TaskStatusPending
		}
		if t.OnFailure == "" {
			t.OnFailure = v1.OnFailureContinue
		}
		incoming[t.ID] = t
		order = append(order, t.ID)
	}

	for id, old := range p.tasks {
		if _, kept := incoming[id]; kept {
			continue
		}
		if old.Status == v1.TaskStatusRunning {
			return &RevisionConflictError{TaskID: id}
		}
	}

	if err := validateTasks(incoming); err != nil {
		return err
	}

	p.tasks = incoming
	p.order = order
	p.version++
	return nil
}

func transitionAllowed(from, to v1.TaskStatus) bool {
	switch from {
	case v1.TaskStatusPending:
		return to == v1.TaskStatusRunning || to == v1.TaskStatusFailed
	case v1.TaskStatusRunning:
		return to == v1.TaskStatusCompleted || to == v1.TaskStatusFailed
	default:
		return false
	}
}

// findCycle runs Kahn's algorithm over the tasks currently in the plan.
// Edges to ids not yet present are ignored; they cannot take part in a
// cycle until the referenced task exists. Returns the sorted unprocessed
// set, or nil when the graph is acyclic.
func (p *Plan) findCycle() []string {
	return kahnUnprocessed(p.tasks)
}

// validateTasks enforces dependency closure and acyclicity on a
// complete task set.
func validateTasks(tasks map[string]*v1.Task) error {
	for _, t := range tasks {
		for _, dep := range t.Dependencies {
			if _, ok := tasks[dep]; !ok {
				return &InvalidPlanError{Kind: KindDangling, TaskID: t.ID, Dependency: dep}
			}
		}
	}
	if participants := kahnUnprocessed(tasks); participants != nil {
		return &InvalidPlanError{Kind: KindCycle, Participants: participants}
	}
	return nil
}

// kahnUnprocessed performs Kahn's topological reduction and returns the
// ids it could not process (the cycle and everything depending on it),
// sorted for stable reporting. Nil means acyclic.
func kahnUnprocessed(tasks map[string]*v1.Task) []string {
	indegree := make(map[string]int, len(tasks))
	dependents := make(map[string][]string, len(tasks))
	for id, t := range tasks {
		if _, ok := indegree[id]; !ok {
			indegree[id] = 0
		}
		for _, dep := range t.Dependencies {
			if _, ok := tasks[dep]; !ok {
				continue
			}
			indegree[id]++
			dependents[dep] = append(dependents[dep], id)
		}
	}

	queue := make([]string, 0, len(tasks))
	for id, deg := range indegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}

	processed := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		processed++
		for _, next := range dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if processed == len(tasks) {
		return nil
	}
	remaining := make([]string, 0, len(tasks)-processed)
	for id, deg := range indegree {
		if deg > 0 {
			remaining = append(remaining, id)
		}
	}
	sort.Strings(remaining)
	return remaining
}

func cloneTask(t *v1.Task) *v1.Task {
	c := *t
	if t.Dependencies != nil {
		c.Dependencies = append([]string(nil), t.Dependencies...)
	}
	return &c
}
