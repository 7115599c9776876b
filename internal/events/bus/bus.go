// Package bus provides the event bus abstraction behind taskdriver's
// task and project lifecycle notifications. Subjects use NATS-style
// dotted names with * and > wildcards on subscriptions, whichever
// provider backs the bus.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event is one message on the bus. Data carries event-specific fields;
// consumers must tolerate missing keys since events are observability
// only and never load-bearing.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Source    string         `json:"source"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// NewEvent creates an event with a fresh id and UTC timestamp.
func NewEvent(eventType, source string, data map[string]any) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// EventHandler processes one delivered event. Errors are logged by the
// bus, not returned to the publisher.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription is an active subscription handle.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus is the provider contract: in-memory for single-process runs,
// NATS when instances share a broker.
type EventBus interface {
	// Publish sends an event to a subject.
	Publish(ctx context.Context, subject string, event *Event) error

	// Subscribe registers a handler for a subject pattern.
	Subscribe(subject string, handler EventHandler) (Subscription, error)

	// Close tears the bus down; subscriptions become invalid.
	Close()

	// IsConnected reports whether publishing can currently succeed.
	IsConnected() bool
}
