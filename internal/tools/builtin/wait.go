package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/loomhq/loom/internal/tools"
)

const waitSchema = `{
	"type": "object",
	"properties": {
		"seconds": {"type": "number", "minimum": 0, "maximum": 300, "description": "How long to wait"}
	},
	"required": ["seconds"],
	"additionalProperties": false
}`

func waitTool() tools.Definition {
	return tools.Definition{
		Name:         "wait",
		Description:  "Pause for the given number of seconds. Cancellable.",
		Schema:       json.RawMessage(waitSchema),
		ParallelSafe: true,
		Timeout:      6 * time.Minute,
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			seconds, _ := args["seconds"].(float64)
			d := time.Duration(seconds * float64(time.Second))
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-timer.C:
				return fmt.Sprintf("waited %gs", seconds), nil
			}
		},
	}
}
