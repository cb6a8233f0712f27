package plan

import (
	"errors"
	"fmt"
	"strings"

	v1 "github.com/loomhq/loom/pkg/api/v1"
)

// ErrTaskNotFound is returned when a mutation references an id the plan
// does not contain.
var ErrTaskNotFound = errors.New("task not found in plan")

// InvalidPlanKind discriminates the ways a plan mutation can break the
// graph invariants.
type InvalidPlanKind string

const (
	KindDuplicate InvalidPlanKind = "duplicate"
	KindDangling  InvalidPlanKind = "dangling"
	KindCycle     InvalidPlanKind = "cycle"
)

// InvalidPlanError reports a rejected graph mutation. For cycles,
// Participants holds the ids of every task on or downstream of the
// cycle, sorted.
type InvalidPlanError struct {
	Kind         InvalidPlanKind
	TaskID       string
	Dependency   string
	Participants []string
}

func (e *InvalidPlanError) Error() string {
	switch e.Kind {
	case KindDuplicate:
		return fmt.Sprintf("invalid plan: duplicate task id %q", e.TaskID)
	case KindDangling:
		return fmt.Sprintf("invalid plan: task %q depends on unknown task %q", e.TaskID, e.Dependency)
	case KindCycle:
		return fmt.Sprintf("invalid plan: dependency cycle among tasks [%s]", strings.Join(e.Participants, ", "))
	default:
		return fmt.Sprintf("invalid plan: %s", string(e.Kind))
	}
}

// InvalidTransitionError reports a status change that violates the
// pending -> running -> {completed, failed} lattice.
type InvalidTransitionError struct {
	TaskID string
	From   v1.TaskStatus
	To     v1.TaskStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition for task %q: %s -> %s", e.TaskID, e.From, e.To)
}

// RevisionConflictError reports a revision that would drop a task while
// it is still running.
type RevisionConflictError struct {
	TaskID string
}

func (e *RevisionConflictError) Error() string {
	return fmt.Sprintf("revision would drop running task %q", e.TaskID)
}
