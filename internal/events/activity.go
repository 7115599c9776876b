package events

import (
	"context"
	"sync"
	"time"

	"github.com/HamStudy/taskdriver-mcp-sub002/internal/events/bus"
)

// DefaultActivitySize is the per-project capacity of the activity ring.
const DefaultActivitySize = 25

// ActivityEntry is one recorded event, surfaced in project status output.
type ActivityEntry struct {
	Type      string    `json:"type"`
	TaskID    string    `json:"taskId,omitempty"`
	AgentName string    `json:"agentName,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ActivityRecorder keeps a bounded in-memory log of recent events per
// project. It subscribes to task and project subjects and is purely
// observational: it never influences task state.
type ActivityRecorder struct {
	mu      sync.Mutex
	size    int
	byProj  map[string][]ActivityEntry
	subs    []bus.Subscription
	started bool
}

// NewActivityRecorder creates a recorder holding up to size entries per project.
func NewActivityRecorder(size int) *ActivityRecorder {
	if size <= 0 {
		size = DefaultActivitySize
	}
	return &ActivityRecorder{
		size:   size,
		byProj: make(map[string][]ActivityEntry),
	}
}

// Attach subscribes the recorder to all task and project events on the bus.
func (r *ActivityRecorder) Attach(b bus.EventBus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return nil
	}

	for _, subject := range []string{AllTaskEventsSubject, AllProjectEventsSubject} {
		sub, err := b.Subscribe(subject, r.record)
		if err != nil {
			return err
		}
		r.subs = append(r.subs, sub)
	}

	r.started = true
	return nil
}

// Detach removes the recorder's subscriptions.
func (r *ActivityRecorder) Detach() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, sub := range r.subs {
		_ = sub.Unsubscribe()
	}
	r.subs = nil
	r.started = false
}

// record is the bus handler. Events without a projectId are dropped.
func (r *ActivityRecorder) record(ctx context.Context, event *bus.Event) error {
	projectID, _ := event.Data["projectId"].(string)
	if projectID == "" {
		return nil
	}

	entry := ActivityEntry{
		Type:      event.Type,
		Timestamp: event.Timestamp,
	}
	if taskID, ok := event.Data["taskId"].(string); ok {
		entry.TaskID = taskID
	}
	if agent, ok := event.Data["agentName"].(string); ok {
		entry.AgentName = agent
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	ring := r.byProj[projectID]
	if len(ring) >= r.size {
		ring = ring[1:]
	}
	r.byProj[projectID] = append(ring, entry)
	return nil
}

// Recent returns up to limit entries for a project, newest first.
func (r *ActivityRecorder) Recent(projectID string, limit int) []ActivityEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	ring := r.byProj[projectID]
	if limit <= 0 || limit > len(ring) {
		limit = len(ring)
	}

	out := make([]ActivityEntry, 0, limit)
	for i := len(ring) - 1; i >= len(ring)-limit; i-- {
		out = append(out, ring[i])
	}
	return out
}

// Forget drops all recorded activity for a project.
func (r *ActivityRecorder) Forget(projectID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byProj, projectID)
}
