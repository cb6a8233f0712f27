package builtin

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/loomhq/loom/internal/common/logger"
	"github.com/loomhq/loom/internal/events/bus"
	"github.com/loomhq/loom/internal/tools"
	v1 "github.com/loomhq/loom/pkg/api/v1"
)

const writeArtifactSchema = `{
	"type": "object",
	"properties": {
		"name": {"type": "string", "minLength": 1, "description": "Artifact name, e.g. report.md"},
		"content": {"type": "string", "description": "Full artifact content"},
		"mimeType": {"type": "string", "description": "Content type, defaults to text/plain"}
	},
	"required": ["name", "content"],
	"additionalProperties": false
}`

const readArtifactSchema = `{
	"type": "object",
	"properties": {
		"name": {"type": "string", "minLength": 1, "description": "Artifact name"},
		"version": {"type": "integer", "minimum": 1, "description": "Version to read, defaults to latest"}
	},
	"required": ["name"],
	"additionalProperties": false
}`

const listArtifactsSchema = `{
	"type": "object",
	"properties": {},
	"additionalProperties": false
}`

func writeArtifactTool(eventBus bus.EventBus, log *logger.Logger) tools.Definition {
	return tools.Definition{
		Name:        "write_artifact",
		Description: "Write the next version of a named artifact in the project workspace.",
		Schema:      json.RawMessage(writeArtifactSchema),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			ic, err := invocation(ctx)
			if err != nil {
				return nil, err
			}
			name, _ := args["name"].(string)
			content, _ := args["content"].(string)
			mimeType, _ := args["mimeType"].(string)
			if mimeType == "" {
				mimeType = "text/plain"
			}

			version, created, err := ic.Workspace.WriteArtifact(ctx, name, []byte(content), mimeType, ic.TaskID)
			if err != nil {
				return nil, err
			}

			eventType := v1.EventArtifactUpdated
			if created {
				eventType = v1.EventArtifactCreated
			}
			env := bus.NewEnvelope(ic.ProjectID, eventType,
				v1.ArtifactEventData(name, version.Version, mimeType, version.Size, ic.TaskID))
			if err := eventBus.Publish(ctx, env); err != nil {
				log.Warn("Failed to publish artifact event",
					zap.String("project_id", ic.ProjectID),
					zap.String("artifact", name),
					zap.Error(err))
			}

			return map[string]any{
				"name":    name,
				"version": version.Version,
				"size":    version.Size,
			}, nil
		},
	}
}

func readArtifactTool() tools.Definition {
	return tools.Definition{
		Name:        "read_artifact",
		Description: "Read an artifact version from the project workspace (latest by default).",
		Schema:      json.RawMessage(readArtifactSchema),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			ic, err := invocation(ctx)
			if err != nil {
				return nil, err
			}
			name, _ := args["name"].(string)
			version := 0
			if v, ok := args["version"].(float64); ok {
				version = int(v)
			}

			content, meta, err := ic.Workspace.ReadArtifact(ctx, name, version)
			if err != nil {
				return nil, err
			}
			return map[string]any{
				"name":     name,
				"version":  meta.Version,
				"mimeType": meta.MimeType,
				"content":  string(content),
			}, nil
		},
	}
}

func listArtifactsTool() tools.Definition {
	return tools.Definition{
		Name:        "list_artifacts",
		Description: "List the artifacts in the project workspace with their latest versions.",
		Schema:      json.RawMessage(listArtifactsSchema),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			ic, err := invocation(ctx)
			if err != nil {
				return nil, err
			}
			return ic.Workspace.ListArtifacts(ctx)
		},
	}
}

func invocation(ctx context.Context) (tools.InvocationContext, error) {
	ic, ok := tools.InvocationFromContext(ctx)
	if !ok || ic.Workspace == nil {
		return tools.InvocationContext{}, fmt.Errorf("no workspace attached to invocation")
	}
	return ic, nil
}
