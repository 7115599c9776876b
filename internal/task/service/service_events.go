package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/HamStudy/taskdriver-mcp-sub002/internal/events"
	"github.com/HamStudy/taskdriver-mcp-sub002/internal/events/bus"
	"github.com/HamStudy/taskdriver-mcp-sub002/internal/task/models"
)

// publishTaskEvent publishes task events to the event bus. Events are
// observability only; publish failures are logged, never returned.
func (s *Service) publishTaskEvent(ctx context.Context, eventType string, task *models.Task, agentName string) {
	if s.eventBus == nil || task == nil {
		return
	}

	if agentName == "" {
		agentName = task.AssignedTo
	}
	data := map[string]interface{}{
		"taskId":     task.ID,
		"projectId":  task.ProjectID,
		"typeId":     task.TypeID,
		"status":     string(task.Status),
		"retryCount": task.RetryCount,
		"createdAt":  task.CreatedAt.Format(time.RFC3339),
	}
	if agentName != "" {
		data["agentName"] = agentName
	}
	if task.LeaseExpiresAt != nil {
		data["leaseExpiresAt"] = task.LeaseExpiresAt.Format(time.RFC3339)
	}
	if task.BatchID != "" {
		data["batchId"] = task.BatchID
	}

	event := bus.NewEvent(eventType, events.Source, data)
	subject := events.BuildTaskSubject(eventType, task.ProjectID)
	if err := s.eventBus.Publish(ctx, subject, event); err != nil {
		s.logger.Error("failed to publish task event",
			zap.String("event_type", eventType),
			zap.String("task_id", task.ID),
			zap.Error(err))
	}
}

// publishProjectEvent publishes project lifecycle events.
func (s *Service) publishProjectEvent(ctx context.Context, eventType string, project *models.Project) {
	if s.eventBus == nil || project == nil {
		return
	}

	data := map[string]interface{}{
		"projectId": project.ID,
		"name":      project.Name,
		"status":    string(project.Status),
	}

	event := bus.NewEvent(eventType, events.Source, data)
	if err := s.eventBus.Publish(ctx, eventType, event); err != nil {
		s.logger.Error("failed to publish project event",
			zap.String("event_type", eventType),
			zap.String("project_id", project.ID),
			zap.Error(err))
	}
}

// publishCleanupEvent reports one reclaim sweep as a single event.
func (s *Service) publishCleanupEvent(ctx context.Context, projectID string, result *models.CleanupResult) {
	if s.eventBus == nil {
		return
	}

	data := map[string]interface{}{
		"projectId":      projectID,
		"reclaimedTasks": result.ReclaimedTasks,
		"cleanedAgents":  result.CleanedAgents,
	}

	event := bus.NewEvent(events.TaskLeaseExpired, events.Source, data)
	subject := events.BuildTaskSubject(events.TaskLeaseExpired, projectID)
	if err := s.eventBus.Publish(ctx, subject, event); err != nil {
		s.logger.Error("failed to publish cleanup event",
			zap.String("project_id", projectID),
			zap.Error(err))
	}
}
