package orchestrator

import "errors"

// Common errors
var (
	// ErrProjectNotFound reports an unknown project id.
	ErrProjectNotFound = errors.New("project not found")
	// ErrUnauthorized reports a user id that does not own the project.
	ErrUnauthorized = errors.New("user does not own project")
	// ErrPlanGenerationFailed reports that the model could not produce a
	// valid plan within the re-prompt budget.
	ErrPlanGenerationFailed = errors.New("plan generation failed")
	// ErrNoPlan reports a Step on a project that has no plan yet.
	ErrNoPlan = errors.New("project has no plan")
)
