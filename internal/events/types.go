// Package events provides event types and utilities for the taskdriver event system.
package events

// Event types for tasks
const (
	TaskCreated      = "task.created"
	TaskClaimed      = "task.claimed"
	TaskCompleted    = "task.completed"
	TaskFailed       = "task.failed"
	TaskRequeued     = "task.requeued"
	TaskLeaseExpired = "task.lease_expired"
)

// Event types for projects
const (
	ProjectCreated = "project.created"
	ProjectClosed  = "project.closed"
)

// Source identifies this service as the event producer.
const Source = "taskdriver"

// BuildTaskSubject creates a task event subject scoped to a project
func BuildTaskSubject(eventType, projectID string) string {
	return eventType + "." + projectID
}

// BuildTaskWildcardSubject creates a wildcard subscription for one task event type
// across all projects
func BuildTaskWildcardSubject(eventType string) string {
	return eventType + ".*"
}

// AllTaskEventsSubject matches every task event for every project.
const AllTaskEventsSubject = "task.>"

// AllProjectEventsSubject matches every project lifecycle event.
const AllProjectEventsSubject = "project.>"
