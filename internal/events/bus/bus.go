// Package bus provides the project-scoped event bus. Every project owns
// one topic; subscribers attach independent bounded queues so a slow
// consumer can never block publishers or other subscribers.
//
// Two implementations are provided: an in-memory bus for single-process
// deployments and a NATS-backed bus for distributed ones. Both impose
// identical subscriber-queue semantics.
package bus

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	v1 "github.com/loomhq/loom/pkg/api/v1"
)

// Common errors
var (
	ErrTopicClosed = errors.New("project topic is closed")
	ErrBusClosed   = errors.New("event bus is shut down")
)

// DefaultSubscriberBuffer is the per-subscription queue size used when
// the configuration does not override it.
const DefaultSubscriberBuffer = 256

// Envelope is one event on a project stream. Data keys are camelCase;
// the builders in pkg/api/v1 produce the canonical payload shapes.
type Envelope struct {
	ID        string         `json:"id"`
	Type      v1.EventType   `json:"type"`
	ProjectID string         `json:"projectID"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// NewEnvelope builds an envelope stamped with a fresh id and the
// current time.
func NewEnvelope(projectID string, eventType v1.EventType, data map[string]any) *Envelope {
	return &Envelope{
		ID:        uuid.New().String(),
		Type:      eventType,
		ProjectID: projectID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// closedEnvelope is the terminal event published when a topic closes.
func closedEnvelope(projectID string) *Envelope {
	return NewEnvelope(projectID, v1.EventProjectStatusChanged,
		v1.ProjectStatusChangedData(v1.ProjectStatusClosed, ""))
}

// EventBus fans typed events out to per-project subscribers.
type EventBus interface {
	// Publish delivers the envelope to every current subscriber of
	// env.ProjectID. It never blocks on slow subscribers. Publishing
	// to a closed topic returns ErrTopicClosed.
	Publish(ctx context.Context, env *Envelope) error

	// Subscribe attaches a new independent subscriber to the project
	// topic. The subscriber receives only events published after the
	// call; there is no replay.
	Subscribe(ctx context.Context, projectID string) (*Subscription, error)

	// Close publishes the terminal projectStatusChanged{closed} event
	// and then ends every subscriber's stream. Idempotent.
	Close(ctx context.Context, projectID string) error

	// Shutdown stops the bus, ending all streams without terminal
	// events. Used at process exit.
	Shutdown()
}
