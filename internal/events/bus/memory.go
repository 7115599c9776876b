package bus

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/HamStudy/taskdriver-mcp-sub002/internal/common/logger"
)

// MemoryEventBus is the in-process EventBus used when no broker is
// configured. Handlers run asynchronously, matching NATS delivery, so a
// slow subscriber never blocks a publish on the task hot path.
type MemoryEventBus struct {
	mu     sync.RWMutex
	subs   map[uint64]*memorySubscription
	nextID uint64
	closed bool
	logger *logger.Logger
}

type memorySubscription struct {
	id      uint64
	tokens  []string
	handler EventHandler
	bus     *MemoryEventBus
	active  atomic.Bool
}

// NewMemoryEventBus creates an empty in-memory bus.
func NewMemoryEventBus(log *logger.Logger) *MemoryEventBus {
	return &MemoryEventBus{
		subs:   make(map[uint64]*memorySubscription),
		logger: log,
	}
}

// Publish delivers the event to every subscription whose pattern matches
// the subject. Handler errors are logged and never surface to the caller.
func (b *MemoryEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	subjectTokens := strings.Split(subject, ".")

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return fmt.Errorf("event bus is closed")
	}
	var matched []*memorySubscription
	for _, sub := range b.subs {
		if sub.active.Load() && matchTokens(sub.tokens, subjectTokens) {
			matched = append(matched, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range matched {
		go func(s *memorySubscription) {
			if err := s.handler(ctx, event); err != nil {
				b.logger.Error("Event handler error",
					zap.String("subject", subject),
					zap.Error(err))
			}
		}(sub)
	}

	b.logger.Debug("Published event",
		zap.String("subject", subject),
		zap.String("event_type", event.Type),
		zap.Int("subscribers", len(matched)))
	return nil
}

// Subscribe registers a handler for a subject pattern. Patterns use
// NATS-style tokens: * matches one token, > matches the rest.
func (b *MemoryEventBus) Subscribe(subject string, handler EventHandler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("event bus is closed")
	}

	b.nextID++
	sub := &memorySubscription{
		id:      b.nextID,
		tokens:  strings.Split(subject, "."),
		handler: handler,
		bus:     b,
	}
	sub.active.Store(true)
	b.subs[sub.id] = sub

	b.logger.Debug("Subscribed to subject", zap.String("subject", subject))
	return sub, nil
}

// Close deactivates every subscription and rejects further use.
func (b *MemoryEventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for id, sub := range b.subs {
		sub.active.Store(false)
		delete(b.subs, id)
	}
	b.logger.Info("Memory event bus closed")
}

// IsConnected reports whether the bus still accepts publishes.
func (b *MemoryEventBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

func (s *memorySubscription) Unsubscribe() error {
	if !s.active.CompareAndSwap(true, false) {
		return nil
	}
	s.bus.mu.Lock()
	delete(s.bus.subs, s.id)
	s.bus.mu.Unlock()
	return nil
}

func (s *memorySubscription) IsValid() bool {
	return s.active.Load()
}

// matchTokens walks pattern tokens against subject tokens. A ">" must be
// the final pattern token and requires at least one subject token left.
func matchTokens(pattern, subject []string) bool {
	for i, pt := range pattern {
		if pt == ">" {
			return i == len(pattern)-1 && len(subject) > i
		}
		if i >= len(subject) {
			return false
		}
		if pt != "*" && pt != subject[i] {
			return false
		}
	}
	return len(subject) == len(pattern)
}
