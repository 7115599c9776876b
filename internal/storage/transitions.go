package storage

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/HamStudy/taskdriver-mcp-sub002/internal/task/models"
)

// Pure transition helpers. Backends load a task under their own atomicity
// mechanism, apply one of these, and write the result back. Keeping the
// rules here guarantees the three durable backends and the memory backend
// observe identical semantics.

// ApplyClaim transitions a queued task to running under a fresh lease.
func ApplyClaim(task *models.Task, agentName string, leaseMinutes int, now time.Time) {
	expires := now.Add(time.Duration(leaseMinutes) * time.Minute)
	task.Status = models.TaskStatusRunning
	task.AssignedTo = agentName
	task.AssignedAt = &now
	task.LeaseExpiresAt = &expires
	task.UpdatedAt = &now
	task.Attempts = append(task.Attempts, models.Attempt{
		ID:             uuid.New().String(),
		AgentName:      agentName,
		StartedAt:      now,
		Status:         models.AttemptStatusRunning,
		LeaseExpiresAt: expires,
	})
}

// ApplyComplete transitions a running task to completed. Success is forced
// true so the completed-task invariant holds regardless of caller input.
func ApplyComplete(task *models.Task, result *models.TaskResult, now time.Time) {
	if result == nil {
		result = &models.TaskResult{}
	}
	result.Success = true
	task.Status = models.TaskStatusCompleted
	task.AssignedTo = ""
	task.LeaseExpiresAt = nil
	task.CompletedAt = &now
	task.UpdatedAt = &now
	task.Result = result
	if attempt := task.LastAttempt(); attempt != nil && attempt.Status == models.AttemptStatusRunning {
		attempt.Status = models.AttemptStatusCompleted
		attempt.CompletedAt = &now
		attempt.Result = result.Clone()
	}
}

// ApplyFailure records a failed attempt and either requeues the task or
// fails it permanently. A task at retryCount = maxRetries that fails again
// is terminal. Returns true when the task was requeued.
func ApplyFailure(task *models.Task, result *models.TaskResult, canRetry bool, attemptStatus models.AttemptStatus, now time.Time) bool {
	if result == nil {
		result = &models.TaskResult{}
	}
	result.Success = false

	if attempt := task.LastAttempt(); attempt != nil && attempt.Status == models.AttemptStatusRunning {
		attempt.Status = attemptStatus
		attempt.CompletedAt = &now
		attempt.FailureReason = result.Error
		attempt.Result = result.Clone()
	}

	requeue := canRetry && task.RetryCount < task.MaxRetries
	task.AssignedTo = ""
	task.LeaseExpiresAt = nil
	task.AssignedAt = nil
	task.UpdatedAt = &now
	if requeue {
		task.Status = models.TaskStatusQueued
		task.RetryCount++
		task.Result = nil
	} else {
		task.Status = models.TaskStatusFailed
		task.FailedAt = &now
		task.Result = result
	}
	return requeue
}

// TimeoutResult builds the failure result recorded when a lease expires.
func TimeoutResult(task *models.Task, now time.Time) *models.TaskResult {
	metadata := map[string]any{
		"reclaimedAt":        now.Format(time.RFC3339Nano),
		"originalAssignedTo": task.AssignedTo,
	}
	if task.AssignedAt != nil {
		metadata["originalAssignedAt"] = task.AssignedAt.Format(time.RFC3339Nano)
	}
	return &models.TaskResult{
		Success:  false,
		Error:    "lease expired",
		Metadata: metadata,
	}
}

// ApplyTimeout reclaims an expired lease: the attempt outcome is recorded
// as timeout and failure semantics run with canRetry = true. Returns true
// when the task went back to the queue.
func ApplyTimeout(task *models.Task, now time.Time) bool {
	return ApplyFailure(task, TimeoutResult(task, now), true, models.AttemptStatusTimeout, now)
}

// ApplyExtend pushes the lease out from max(current expiry, now).
func ApplyExtend(task *models.Task, minutes int, now time.Time) {
	base := now
	if task.LeaseExpiresAt != nil && task.LeaseExpiresAt.After(now) {
		base = *task.LeaseExpiresAt
	}
	expires := base.Add(time.Duration(minutes) * time.Minute)
	task.LeaseExpiresAt = &expires
	task.UpdatedAt = &now
	if attempt := task.LastAttempt(); attempt != nil && attempt.Status == models.AttemptStatusRunning {
		attempt.LeaseExpiresAt = expires
	}
}

// FallbackLeaseMinutes applies when neither the task type nor the project
// configures a lease duration.
const FallbackLeaseMinutes = 10

// LeaseMinutes resolves the lease duration for a claim: the task type's
// setting, then the project default, then the package fallback. The type may
// be nil when it was deleted after its tasks were created.
func LeaseMinutes(taskType *models.TaskType, project *models.Project) int {
	if taskType != nil && taskType.LeaseDurationMinutes > 0 {
		return taskType.LeaseDurationMinutes
	}
	if project != nil && project.Config.DefaultLeaseDurationMinutes > 0 {
		return project.Config.DefaultLeaseDurationMinutes
	}
	return FallbackLeaseMinutes
}

// SelectNextQueued returns the dispatch candidate: oldest queued task by
// createdAt, ties broken by id. Nil when the queue is empty.
func SelectNextQueued(tasks []*models.Task) *models.Task {
	var next *models.Task
	for _, t := range tasks {
		if t.Status != models.TaskStatusQueued {
			continue
		}
		if next == nil || earlier(t, next) {
			next = t
		}
	}
	return next
}

func earlier(a, b *models.Task) bool {
	if a.CreatedAt.Equal(b.CreatedAt) {
		return a.ID < b.ID
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

// SortTasks orders tasks for listing: createdAt ascending, id tie-break.
func SortTasks(tasks []*models.Task) {
	sort.Slice(tasks, func(i, j int) bool { return earlier(tasks[i], tasks[j]) })
}

// ComputeStats derives project stats from the current task set.
func ComputeStats(tasks []*models.Task) models.ProjectStats {
	stats := models.ProjectStats{Total: len(tasks)}
	for _, t := range tasks {
		switch t.Status {
		case models.TaskStatusQueued:
			stats.Queued++
		case models.TaskStatusRunning:
			stats.Running++
		case models.TaskStatusCompleted:
			stats.Completed++
		case models.TaskStatusFailed:
			stats.Failed++
		}
	}
	return stats
}

// BuildLeaseStats derives lease health for a project's tasks.
func BuildLeaseStats(tasks []*models.Task, now time.Time) *models.LeaseStats {
	stats := &models.LeaseStats{TasksByStatus: map[models.TaskStatus]int{}}
	for _, t := range tasks {
		stats.TasksByStatus[t.Status]++
		if t.Status == models.TaskStatusRunning {
			stats.TotalRunningTasks++
			if t.LeaseExpired(now) {
				stats.ExpiredTasks++
			}
		}
	}
	return stats
}

// MatchFilter reports whether a task satisfies the filter constraints,
// pagination aside.
func MatchFilter(t *models.Task, f ListTasksFilter) bool {
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if f.TypeID != "" && t.TypeID != f.TypeID {
		return false
	}
	if f.AssignedTo != "" && t.AssignedTo != f.AssignedTo {
		return false
	}
	if f.BatchID != "" && t.BatchID != f.BatchID {
		return false
	}
	return true
}

// Page applies offset/limit to an already-sorted slice.
func Page(tasks []*models.Task, offset, limit int) []*models.Task {
	if offset >= len(tasks) {
		return []*models.Task{}
	}
	end := offset + limit
	if end > len(tasks) {
		end = len(tasks)
	}
	return tasks[offset:end]
}

// FindDuplicate returns the first task matching the fingerprint whose
// status participates in duplicate detection.
func FindDuplicate(tasks []*models.Task, fingerprint string) *models.Task {
	if fingerprint == "" {
		return nil
	}
	for _, t := range tasks {
		if t.Fingerprint != fingerprint {
			continue
		}
		switch t.Status {
		case models.TaskStatusQueued, models.TaskStatusRunning, models.TaskStatusCompleted:
			return t
		}
	}
	return nil
}
