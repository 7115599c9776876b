package events

import (
	"fmt"

	"github.com/HamStudy/taskdriver-mcp-sub002/internal/common/config"
	"github.com/HamStudy/taskdriver-mcp-sub002/internal/common/logger"
	"github.com/HamStudy/taskdriver-mcp-sub002/internal/events/bus"
)

// ProvidedBus wraps the active event bus implementation.
type ProvidedBus struct {
	Bus    bus.EventBus
	Memory *bus.MemoryEventBus
	NATS   *bus.NATSEventBus
}

// Provide builds the configured event bus implementation.
func Provide(cfg config.EventsConfig, log *logger.Logger) (*ProvidedBus, func() error, error) {
	switch cfg.Provider {
	case "", "memory":
		memBus := bus.NewMemoryEventBus(log)
		cleanup := func() error {
			memBus.Close()
			return nil
		}
		return &ProvidedBus{Bus: memBus, Memory: memBus}, cleanup, nil
	case "nats":
		natsBus, err := bus.NewNATSEventBus(cfg.URL, Source, log)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize NATS event bus: %w", err)
		}
		cleanup := func() error {
			natsBus.Close()
			return nil
		}
		return &ProvidedBus{Bus: natsBus, NATS: natsBus}, cleanup, nil
	default:
		return nil, nil, fmt.Errorf("unknown events provider: %q", cfg.Provider)
	}
}
