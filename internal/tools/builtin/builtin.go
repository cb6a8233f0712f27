// Package builtin provides the tools every team can rely on: versioned
// artifact access against the project workspace and a cancellable wait.
package builtin

import (
	"github.com/loomhq/loom/internal/common/logger"
	"github.com/loomhq/loom/internal/events/bus"
	"github.com/loomhq/loom/internal/tools"
)

// Register binds all built-in tools on the registry. Artifact writes
// are announced on the event bus.
func Register(reg *tools.Registry, eventBus bus.EventBus, log *logger.Logger) error {
	defs := []tools.Definition{
		writeArtifactTool(eventBus, log),
		readArtifactTool(),
		listArtifactsTool(),
		waitTool(),
	}
	for _, def := range defs {
		if err := reg.Register(def); err != nil {
			return err
		}
	}
	return nil
}

// Names returns the names of all built-in tools.
func Names() []string {
	return []string{"write_artifact", "read_artifact", "list_artifacts", "wait"}
}
