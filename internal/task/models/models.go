// Package models defines the core entities of the orchestration domain:
// projects, task types, tasks with their lease attempts, sessions, and the
// derived ephemeral agent view.
package models

import (
	"sort"
	"strings"
	"time"
)

// ProjectStatus represents the lifecycle state of a project.
type ProjectStatus string

const (
	ProjectStatusActive ProjectStatus = "active"
	ProjectStatusClosed ProjectStatus = "closed"
)

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

const (
	// TaskStatusQueued - waiting for an agent to claim it
	TaskStatusQueued TaskStatus = "queued"
	// TaskStatusRunning - claimed and under an active lease
	TaskStatusRunning TaskStatus = "running"
	// TaskStatusCompleted - finished successfully, terminal
	TaskStatusCompleted TaskStatus = "completed"
	// TaskStatusFailed - failed permanently, terminal
	TaskStatusFailed TaskStatus = "failed"
)

// validTransitions captures the task state machine. Requeue on retry is the
// only path back to queued.
var validTransitions = map[TaskStatus][]TaskStatus{
	TaskStatusQueued:    {TaskStatusRunning},
	TaskStatusRunning:   {TaskStatusQueued, TaskStatusCompleted, TaskStatusFailed},
	TaskStatusCompleted: {},
	TaskStatusFailed:    {},
}

// CanTransition reports whether a task may move from one status to another.
func CanTransition(from, to TaskStatus) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// AttemptStatus represents the outcome of a single lease span.
type AttemptStatus string

const (
	AttemptStatusRunning   AttemptStatus = "running"
	AttemptStatusCompleted AttemptStatus = "completed"
	AttemptStatusFailed    AttemptStatus = "failed"
	AttemptStatusTimeout   AttemptStatus = "timeout"
)

// DuplicateHandling selects the policy applied when a new task matches an
// existing task's fingerprint.
type DuplicateHandling string

const (
	// DuplicateAllow - always create a new task
	DuplicateAllow DuplicateHandling = "allow"
	// DuplicateIgnore - return the existing task unchanged
	DuplicateIgnore DuplicateHandling = "ignore"
	// DuplicateFail - reject the creation with a conflict
	DuplicateFail DuplicateHandling = "fail"
)

// Valid reports whether the policy is one of the recognized values.
func (d DuplicateHandling) Valid() bool {
	switch d {
	case DuplicateAllow, DuplicateIgnore, DuplicateFail:
		return true
	}
	return false
}

// ProjectConfig holds per-project defaults applied to new task types.
type ProjectConfig struct {
	DefaultMaxRetries           int `json:"defaultMaxRetries" bson:"defaultMaxRetries"`
	DefaultLeaseDurationMinutes int `json:"defaultLeaseDurationMinutes" bson:"defaultLeaseDurationMinutes"`
	ReaperIntervalMinutes       int `json:"reaperIntervalMinutes" bson:"reaperIntervalMinutes"`
}

// ProjectStats holds task counts by status. Stats are derived and reflect
// the current task set whenever a project is read.
type ProjectStats struct {
	Total     int `json:"total"`
	Queued    int `json:"queued"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Project organizes work. Task types and tasks belong to exactly one project.
// Stats are derived on read and never persisted.
type Project struct {
	ID           string        `json:"id" bson:"_id"`
	Name         string        `json:"name" bson:"name"`
	Description  string        `json:"description" bson:"description"`
	Instructions string        `json:"instructions,omitempty" bson:"instructions,omitempty"`
	Status       ProjectStatus `json:"status" bson:"status"`
	CreatedAt    time.Time     `json:"createdAt" bson:"createdAt"`
	UpdatedAt    time.Time     `json:"updatedAt" bson:"updatedAt"`
	Config       ProjectConfig `json:"config" bson:"config"`
	Stats        ProjectStats  `json:"stats" bson:"-"`
}

// Clone returns a deep copy of the project.
func (p *Project) Clone() *Project {
	cp := *p
	return &cp
}

// TaskType is a template for tasks. A non-empty Template carries {{var}}
// placeholders; Variables is the extracted placeholder set.
type TaskType struct {
	ID                   string            `json:"id" bson:"_id"`
	ProjectID            string            `json:"projectId" bson:"projectId"`
	Name                 string            `json:"name" bson:"name"`
	Template             string            `json:"template" bson:"template"`
	Variables            []string          `json:"variables" bson:"variables"`
	DuplicateHandling    DuplicateHandling `json:"duplicateHandling" bson:"duplicateHandling"`
	MaxRetries           int               `json:"maxRetries" bson:"maxRetries"`
	LeaseDurationMinutes int               `json:"leaseDurationMinutes" bson:"leaseDurationMinutes"`
	CreatedAt            time.Time         `json:"createdAt" bson:"createdAt"`
	UpdatedAt            time.Time         `json:"updatedAt" bson:"updatedAt"`
}

// Clone returns a deep copy of the task type.
func (t *TaskType) Clone() *TaskType {
	cp := *t
	cp.Variables = append([]string(nil), t.Variables...)
	return &cp
}

// TaskResult is the outcome reported by an agent on completion or failure.
type TaskResult struct {
	Success  bool           `json:"success" bson:"success"`
	Output   string         `json:"output,omitempty" bson:"output,omitempty"`
	Error    string         `json:"error,omitempty" bson:"error,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty" bson:"metadata,omitempty"`
}

// Clone returns a deep copy of the result.
func (r *TaskResult) Clone() *TaskResult {
	if r == nil {
		return nil
	}
	cp := *r
	if r.Metadata != nil {
		cp.Metadata = make(map[string]any, len(r.Metadata))
		for k, v := range r.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// Attempt records one lease span on a task.
type Attempt struct {
	ID             string        `json:"id" bson:"id"`
	AgentName      string        `json:"agentName" bson:"agentName"`
	StartedAt      time.Time     `json:"startedAt" bson:"startedAt"`
	CompletedAt    *time.Time    `json:"completedAt,omitempty" bson:"completedAt,omitempty"`
	Status         AttemptStatus `json:"status" bson:"status"`
	FailureReason  string        `json:"failureReason,omitempty" bson:"failureReason,omitempty"`
	LeaseExpiresAt time.Time     `json:"leaseExpiresAt" bson:"leaseExpiresAt"`
	Result         *TaskResult   `json:"result,omitempty" bson:"result,omitempty"`
}

// Task is a unit of work dispatched to agents under a lease.
type Task struct {
	ID             string            `json:"id" bson:"_id"`
	ProjectID      string            `json:"projectId" bson:"projectId"`
	TypeID         string            `json:"typeId" bson:"typeId"`
	Description    string            `json:"description,omitempty" bson:"description,omitempty"`
	Instructions   string            `json:"instructions,omitempty" bson:"instructions,omitempty"`
	Variables      map[string]string `json:"variables,omitempty" bson:"variables,omitempty"`
	Status         TaskStatus        `json:"status" bson:"status"`
	AssignedTo     string            `json:"assignedTo,omitempty" bson:"assignedTo,omitempty"`
	LeaseExpiresAt *time.Time        `json:"leaseExpiresAt,omitempty" bson:"leaseExpiresAt,omitempty"`
	RetryCount     int               `json:"retryCount" bson:"retryCount"`
	MaxRetries     int               `json:"maxRetries" bson:"maxRetries"`
	CreatedAt      time.Time         `json:"createdAt" bson:"createdAt"`
	UpdatedAt      *time.Time        `json:"updatedAt,omitempty" bson:"updatedAt,omitempty"`
	AssignedAt     *time.Time        `json:"assignedAt,omitempty" bson:"assignedAt,omitempty"`
	CompletedAt    *time.Time        `json:"completedAt,omitempty" bson:"completedAt,omitempty"`
	FailedAt       *time.Time        `json:"failedAt,omitempty" bson:"failedAt,omitempty"`
	Result         *TaskResult       `json:"result,omitempty" bson:"result,omitempty"`
	Attempts       []Attempt         `json:"attempts" bson:"attempts"`
	BatchID        string            `json:"batchId,omitempty" bson:"batchId,omitempty"`
	Fingerprint    string            `json:"fingerprint,omitempty" bson:"fingerprint,omitempty"`
}

// LastAttempt returns a pointer to the most recent attempt, or nil.
func (t *Task) LastAttempt() *Attempt {
	if len(t.Attempts) == 0 {
		return nil
	}
	return &t.Attempts[len(t.Attempts)-1]
}

// LeaseExpired reports whether the task holds a lease that expired at or
// before now.
func (t *Task) LeaseExpired(now time.Time) bool {
	return t.Status == TaskStatusRunning && t.LeaseExpiresAt != nil && !t.LeaseExpiresAt.After(now)
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	cp := *t
	if t.Variables != nil {
		cp.Variables = make(map[string]string, len(t.Variables))
		for k, v := range t.Variables {
			cp.Variables[k] = v
		}
	}
	cp.LeaseExpiresAt = cloneTime(t.LeaseExpiresAt)
	cp.UpdatedAt = cloneTime(t.UpdatedAt)
	cp.AssignedAt = cloneTime(t.AssignedAt)
	cp.CompletedAt = cloneTime(t.CompletedAt)
	cp.FailedAt = cloneTime(t.FailedAt)
	cp.Result = t.Result.Clone()
	if t.Attempts != nil {
		cp.Attempts = make([]Attempt, len(t.Attempts))
		for i, a := range t.Attempts {
			ac := a
			ac.CompletedAt = cloneTime(a.CompletedAt)
			ac.Result = a.Result.Clone()
			cp.Attempts[i] = ac
		}
	}
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}

// AgentStatus is the derived, ephemeral view of a worker holding a lease.
// Agents are never stored as first-class entities.
type AgentStatus struct {
	Name           string     `json:"name"`
	Status         string     `json:"status"`
	CurrentTaskID  string     `json:"currentTaskId"`
	LeaseExpiresAt *time.Time `json:"leaseExpiresAt,omitempty"`
	ProjectID      string     `json:"projectId"`
}

// AgentStatusFromTask derives the agent view from a running task.
func AgentStatusFromTask(t *Task) *AgentStatus {
	return &AgentStatus{
		Name:           t.AssignedTo,
		Status:         "working",
		CurrentTaskID:  t.ID,
		LeaseExpiresAt: cloneTime(t.LeaseExpiresAt),
		ProjectID:      t.ProjectID,
	}
}

// Session is an authenticated agent session. All session state lives in the
// shared backend so tokens are valid across service instances.
type Session struct {
	ID             string         `json:"id" bson:"_id"`
	AgentName      string         `json:"agentName" bson:"agentName"`
	ProjectID      string         `json:"projectId" bson:"projectId"`
	CreatedAt      time.Time      `json:"createdAt" bson:"createdAt"`
	LastAccessedAt time.Time      `json:"lastAccessedAt" bson:"lastAccessedAt"`
	ExpiresAt      time.Time      `json:"expiresAt" bson:"expiresAt"`
	Data           map[string]any `json:"data,omitempty" bson:"data,omitempty"`
}

// Expired reports whether the session expired at or before now.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.After(now)
}

// Clone returns a deep copy of the session.
func (s *Session) Clone() *Session {
	cp := *s
	if s.Data != nil {
		cp.Data = make(map[string]any, len(s.Data))
		for k, v := range s.Data {
			cp.Data[k] = v
		}
	}
	return &cp
}

// BatchError records a per-item failure during bulk task creation.
type BatchError struct {
	Index int    `json:"index"`
	Error string `json:"error"`
}

// BatchResult summarizes a bulk task creation. Only the individual tasks
// persist; the batch itself is virtual.
type BatchResult struct {
	BatchID           string       `json:"batchId"`
	TasksCreated      int          `json:"tasksCreated"`
	DuplicatesSkipped int          `json:"duplicatesSkipped"`
	Errors            []BatchError `json:"errors"`
}

// Pagination describes one page of a list result.
type Pagination struct {
	Total      int  `json:"total"`
	Offset     int  `json:"offset"`
	Limit      int  `json:"limit"`
	RangeStart int  `json:"rangeStart"`
	RangeEnd   int  `json:"rangeEnd"`
	HasMore    bool `json:"hasMore"`
}

// NewPagination computes the 1-based range markers for a page.
func NewPagination(total, offset, limit, returned int) Pagination {
	p := Pagination{Total: total, Offset: offset, Limit: limit}
	if returned > 0 {
		p.RangeStart = offset + 1
		p.RangeEnd = offset + returned
	}
	p.HasMore = offset+returned < total
	return p
}

// LeaseStats summarizes lease health for a project.
type LeaseStats struct {
	TotalRunningTasks int                `json:"totalRunningTasks"`
	ExpiredTasks      int                `json:"expiredTasks"`
	TasksByStatus     map[TaskStatus]int `json:"tasksByStatus"`
}

// CleanupResult reports the effect of an expired-lease sweep.
type CleanupResult struct {
	ReclaimedTasks int      `json:"reclaimedTasks"`
	CleanedAgents  []string `json:"cleanedAgents"`
}

// fingerprintSep cannot appear in validated variable values or names, so
// joined segments never collide.
const fingerprintSep = "\x1f"

// ComputeFingerprint builds the canonical duplicate-detection key for a
// task: project, type, sorted variables, and instructions. Callers pass
// empty instructions for template task types, where instruction text is
// derived and never distinguishes duplicates.
func ComputeFingerprint(projectID, typeID string, variables map[string]string, instructions string) string {
	keys := make([]string, 0, len(variables))
	for k := range variables {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(projectID)
	b.WriteString(fingerprintSep)
	b.WriteString(typeID)
	for _, k := range keys {
		b.WriteString(fingerprintSep)
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(variables[k])
	}
	if instructions != "" {
		b.WriteString(fingerprintSep)
		b.WriteString(instructions)
	}
	return b.String()
}
