// Package events selects the event bus implementation from
// configuration.
package events

import (
	"fmt"
	"strings"

	"github.com/loomhq/loom/internal/common/config"
	"github.com/loomhq/loom/internal/common/logger"
	"github.com/loomhq/loom/internal/events/bus"
)

// Provide builds the configured event bus: NATS when a URL is set,
// otherwise the in-memory bus. The cleanup function shuts the bus down.
func Provide(cfg *config.Config, log *logger.Logger) (bus.EventBus, func() error, error) {
	buffer := cfg.EventBus.SubscriberBuffer

	if strings.TrimSpace(cfg.NATS.URL) != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, buffer, log)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize NATS event bus: %w", err)
		}
		return natsBus, func() error { natsBus.Shutdown(); return nil }, nil
	}

	memBus := bus.NewMemoryEventBus(buffer, log)
	return memBus, func() error { memBus.Shutdown(); return nil }, nil
}
