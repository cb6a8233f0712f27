package store

import "errors"

// Sentinel errors for the project store.
var (
	// ErrProjectNotFound is returned when no project directory exists
	// for the requested id.
	ErrProjectNotFound = errors.New("project not found")

	// ErrProjectExists is returned when creating a project whose id is
	// already taken.
	ErrProjectExists = errors.New("project already exists")

	// ErrArtifactNotFound is returned when the named artifact or the
	// requested version does not exist.
	ErrArtifactNotFound = errors.New("artifact not found")

	// ErrInvalidName is returned for artifact names that would escape
	// the project workspace.
	ErrInvalidName = errors.New("invalid artifact name")
)
