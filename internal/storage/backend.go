// Package storage defines the capability contract every backend must
// satisfy: durable persistence plus atomic conditional updates for task
// claim, completion, failure, and lease extension. The file, mongodb, and
// redis implementations provide identical observable semantics; the memory
// implementation is the reference used by tests.
package storage

import (
	"context"

	"github.com/HamStudy/taskdriver-mcp-sub002/internal/task/models"
)

// ListTasksFilter narrows and paginates task listings. Zero values mean
// "no constraint"; a zero Limit falls back to DefaultListLimit.
type ListTasksFilter struct {
	Status     models.TaskStatus
	TypeID     string
	AssignedTo string
	BatchID    string
	Limit      int
	Offset     int
}

// DefaultListLimit bounds unpaginated task listings.
const DefaultListLimit = 100

// MaxListLimit is the hard ceiling for a single page.
const MaxListLimit = 1000

// BulkTaskItem is one pre-validated task within a bulk creation, paired
// with its type's duplicate policy.
type BulkTaskItem struct {
	Task   *models.Task
	Policy models.DuplicateHandling
}

// Health is the backend self-check result.
type Health struct {
	Healthy bool   `json:"healthy"`
	Message string `json:"message"`
}

// Backend is the storage capability contract.
//
// GetNextTask, CompleteTask, FailTask, and ExtendLease are serializable
// against all other mutations of the same task: the file backend holds a
// per-project advisory lock, mongodb uses conditional find-and-update, and
// redis uses optimistic version checks with retry. No operation may apply a
// multi-field transition partially.
type Backend interface {
	// Project operations. GetProject and ListProjects return stats
	// recomputed from the current task set.
	CreateProject(ctx context.Context, project *models.Project) error
	GetProject(ctx context.Context, id string) (*models.Project, error)
	GetProjectByName(ctx context.Context, name string) (*models.Project, error)
	UpdateProject(ctx context.Context, project *models.Project) error
	ListProjects(ctx context.Context, includeClosed bool) ([]*models.Project, error)
	// DeleteProject removes the project and everything under it.
	DeleteProject(ctx context.Context, id string) error

	// TaskType operations. Names are unique within a project.
	CreateTaskType(ctx context.Context, taskType *models.TaskType) error
	GetTaskType(ctx context.Context, id string) (*models.TaskType, error)
	UpdateTaskType(ctx context.Context, taskType *models.TaskType) error
	ListTaskTypes(ctx context.Context, projectID string) ([]*models.TaskType, error)
	DeleteTaskType(ctx context.Context, id string) error

	// CreateTask persists a pre-built task applying the duplicate policy
	// against the task's fingerprint. The returned bool is false when an
	// existing task was returned under the ignore policy.
	CreateTask(ctx context.Context, task *models.Task, policy models.DuplicateHandling) (*models.Task, bool, error)
	// CreateTasksBulk applies each item's policy individually; per-item
	// errors never abort the batch.
	CreateTasksBulk(ctx context.Context, projectID, batchID string, items []BulkTaskItem) (*models.BatchResult, error)
	GetTask(ctx context.Context, id string) (*models.Task, error)
	UpdateTask(ctx context.Context, task *models.Task) error
	ListTasks(ctx context.Context, projectID string, filter ListTasksFilter) ([]*models.Task, int, error)
	DeleteTask(ctx context.Context, id string) error

	// GetNextTask atomically reclaims expired leases, resumes the agent's
	// still-valid lease if one exists, or dispatches the oldest queued
	// task (createdAt ascending, id tie-break). A task and the echoed or
	// generated agent name are returned; the task is nil when the queue
	// is empty.
	GetNextTask(ctx context.Context, projectID, agentName string) (*models.Task, string, error)
	// PeekNextTask returns the task dispatch would choose without
	// claiming it. Expired leases are not reclaimed; only currently
	// queued tasks are considered.
	PeekNextTask(ctx context.Context, projectID string) (*models.Task, error)

	// CompleteTask transitions running -> completed. The caller must be
	// the current lease holder.
	CompleteTask(ctx context.Context, taskID, agentName string, result *models.TaskResult) (*models.Task, error)
	// FailTask transitions running -> queued when canRetry and the retry
	// budget allows, running -> failed otherwise.
	FailTask(ctx context.Context, taskID, agentName string, result *models.TaskResult, canRetry bool) (*models.Task, error)
	// ExtendLease moves leaseExpiresAt to max(current, now) + minutes.
	ExtendLease(ctx context.Context, taskID, agentName string, minutes int) (*models.Task, error)

	// CleanupExpiredLeases reclaims every expired lease in the project.
	// Idempotent; concurrent sweeps never double-reclaim.
	CleanupExpiredLeases(ctx context.Context, projectID string) (*models.CleanupResult, error)
	GetLeaseStats(ctx context.Context, projectID string) (*models.LeaseStats, error)

	// Agent views derived from running tasks.
	ListActiveAgents(ctx context.Context, projectID string) ([]*models.AgentStatus, error)
	GetAgentStatus(ctx context.Context, agentName, projectID string) (*models.AgentStatus, error)

	// Session operations. Session writes are single-entity and never take
	// a project lock.
	CreateSession(ctx context.Context, session *models.Session) error
	GetSession(ctx context.Context, id string) (*models.Session, error)
	UpdateSession(ctx context.Context, session *models.Session) error
	DeleteSession(ctx context.Context, id string) error
	FindSessionsByAgent(ctx context.Context, agentName, projectID string) ([]*models.Session, error)
	CleanupExpiredSessions(ctx context.Context) (int, error)

	HealthCheck(ctx context.Context) *Health
	Close() error
}

// NormalizeFilter clamps pagination bounds.
func NormalizeFilter(f ListTasksFilter) ListTasksFilter {
	if f.Limit <= 0 {
		f.Limit = DefaultListLimit
	}
	if f.Limit > MaxListLimit {
		f.Limit = MaxListLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}
