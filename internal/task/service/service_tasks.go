package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/HamStudy/taskdriver-mcp-sub002/internal/events"
	"github.com/HamStudy/taskdriver-mcp-sub002/internal/storage"
	"github.com/HamStudy/taskdriver-mcp-sub002/internal/task/models"
	"github.com/HamStudy/taskdriver-mcp-sub002/internal/tmpl"
)

// CreateTaskRequest contains the data for creating a new task
type CreateTaskRequest struct {
	ID           string            `json:"id,omitempty"`
	TypeID       string            `json:"typeId"`
	Description  string            `json:"description,omitempty"`
	Instructions string            `json:"instructions,omitempty"`
	Variables    map[string]string `json:"variables,omitempty"`
}

// ListTasksResult pairs one page of tasks with its pagination markers.
type ListTasksResult struct {
	Tasks      []*models.Task    `json:"tasks"`
	Pagination models.Pagination `json:"pagination"`
}

// CreateTask validates, applies the type's duplicate policy, and persists a
// queued task. The returned bool is false when an existing task was
// returned under the ignore policy.
func (s *Service) CreateTask(ctx context.Context, projectID string, req *CreateTaskRequest) (*models.Task, bool, error) {
	if _, err := s.ValidateProjectAccess(ctx, projectID); err != nil {
		return nil, false, err
	}

	task, policy, err := s.buildTask(ctx, projectID, req)
	if err != nil {
		return nil, false, err
	}

	created, wasCreated, err := s.store.CreateTask(ctx, task, policy)
	if err != nil {
		s.logger.Error("failed to create task",
			zap.String("project_id", projectID),
			zap.String("type_id", req.TypeID),
			zap.Error(err))
		return nil, false, err
	}

	if wasCreated {
		s.publishTaskEvent(ctx, events.TaskCreated, created, "")
		s.logger.Info("task created",
			zap.String("task_id", created.ID),
			zap.String("project_id", projectID),
			zap.String("type_id", created.TypeID))
	}

	return s.renderInstructions(ctx, created), wasCreated, nil
}

// CreateTasksBulk creates many tasks under one batch id. Per-item failures
// are collected and never abort the batch.
func (s *Service) CreateTasksBulk(ctx context.Context, projectID string, inputs []*CreateTaskRequest) (*models.BatchResult, error) {
	if _, err := s.ValidateProjectAccess(ctx, projectID); err != nil {
		return nil, err
	}
	if len(inputs) == 0 {
		return nil, storage.NewValidation("at least one task is required")
	}

	batchID := uuid.New().String()

	// Validate up front; invalid items keep their original index in the
	// error list while valid items proceed to the backend.
	items := make([]storage.BulkTaskItem, 0, len(inputs))
	positions := make([]int, 0, len(inputs))
	var prevalidation []models.BatchError
	for i, input := range inputs {
		task, policy, err := s.buildTask(ctx, projectID, input)
		if err != nil {
			prevalidation = append(prevalidation, models.BatchError{Index: i, Error: err.Error()})
			continue
		}
		task.BatchID = batchID
		items = append(items, storage.BulkTaskItem{Task: task, Policy: policy})
		positions = append(positions, i)
	}

	result := &models.BatchResult{BatchID: batchID, Errors: prevalidation}
	if len(items) > 0 {
		stored, err := s.store.CreateTasksBulk(ctx, projectID, batchID, items)
		if err != nil {
			s.logger.Error("bulk task creation failed",
				zap.String("project_id", projectID),
				zap.String("batch_id", batchID),
				zap.Error(err))
			return nil, err
		}
		result.TasksCreated = stored.TasksCreated
		result.DuplicatesSkipped = stored.DuplicatesSkipped
		for _, be := range stored.Errors {
			result.Errors = append(result.Errors, models.BatchError{Index: positions[be.Index], Error: be.Error})
		}
	}
	if result.Errors == nil {
		result.Errors = []models.BatchError{}
	}

	s.logger.Info("bulk tasks created",
		zap.String("project_id", projectID),
		zap.String("batch_id", batchID),
		zap.Int("created", result.TasksCreated),
		zap.Int("skipped", result.DuplicatesSkipped),
		zap.Int("errors", len(result.Errors)))

	return result, nil
}

// buildTask validates one creation request against its type and returns the
// persistable task plus the type's duplicate policy.
func (s *Service) buildTask(ctx context.Context, projectID string, req *CreateTaskRequest) (*models.Task, models.DuplicateHandling, error) {
	if req.TypeID == "" {
		return nil, "", storage.NewValidation("typeId is required")
	}
	taskType, err := s.store.GetTaskType(ctx, req.TypeID)
	if err != nil {
		return nil, "", err
	}
	if taskType.ProjectID != projectID {
		return nil, "", storage.NewValidation("task type %s does not belong to project %s", req.TypeID, projectID)
	}
	if err := validateVariables(req.Variables); err != nil {
		return nil, "", err
	}

	instructions := req.Instructions
	fingerprintInstructions := instructions
	if taskType.Template != "" {
		// Template types derive instructions at read time; supplied
		// instructions are ignored and variables must cover every
		// placeholder. Derived instructions never distinguish duplicates.
		check := tmpl.Validate(taskType.Template, req.Variables)
		if !check.Valid {
			return nil, "", storage.NewValidation("variables missing for template: %v", check.Missing)
		}
		instructions = ""
		fingerprintInstructions = ""
	} else if instructions == "" {
		return nil, "", storage.NewValidation("instructions are required for task type %s", taskType.Name)
	}

	id := req.ID
	if id == "" {
		id = uuid.New().String()
	}

	policy := taskType.DuplicateHandling
	if policy == "" {
		policy = models.DuplicateAllow
	}

	task := &models.Task{
		ID:           id,
		ProjectID:    projectID,
		TypeID:       taskType.ID,
		Description:  req.Description,
		Instructions: instructions,
		Variables:    req.Variables,
		Status:       models.TaskStatusQueued,
		RetryCount:   0,
		MaxRetries:   taskType.MaxRetries,
		CreatedAt:    time.Now().UTC(),
		Attempts:     []models.Attempt{},
		Fingerprint:  models.ComputeFingerprint(projectID, taskType.ID, req.Variables, fingerprintInstructions),
	}
	return task, policy, nil
}

// GetTask returns a task with template instructions rendered.
func (s *Service) GetTask(ctx context.Context, id string) (*models.Task, error) {
	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.renderInstructions(ctx, task), nil
}

// ListTasks returns one page of tasks matching the filter.
func (s *Service) ListTasks(ctx context.Context, projectID string, filter storage.ListTasksFilter) (*ListTasksResult, error) {
	if _, err := s.store.GetProject(ctx, projectID); err != nil {
		return nil, err
	}

	filter = storage.NormalizeFilter(filter)
	tasks, total, err := s.store.ListTasks(ctx, projectID, filter)
	if err != nil {
		return nil, err
	}

	types := make(map[string]*models.TaskType)
	for _, task := range tasks {
		s.renderInstructionsCached(ctx, task, types)
	}

	return &ListTasksResult{
		Tasks:      tasks,
		Pagination: models.NewPagination(total, filter.Offset, filter.Limit, len(tasks)),
	}, nil
}

// DeleteTask removes a task.
func (s *Service) DeleteTask(ctx context.Context, id string) error {
	if err := s.store.DeleteTask(ctx, id); err != nil {
		s.logger.Error("failed to delete task", zap.String("task_id", id), zap.Error(err))
		return err
	}
	s.logger.Info("task deleted", zap.String("task_id", id))
	return nil
}

// GetNextTask atomically claims the next available task for an agent. The
// backend reclaims expired leases, resumes the agent's still-valid lease, or
// dispatches the oldest queued task; an empty agentName gets a generated one.
func (s *Service) GetNextTask(ctx context.Context, projectID, agentName string) (*models.Task, string, error) {
	if _, err := s.ValidateProjectAccess(ctx, projectID); err != nil {
		return nil, agentName, err
	}
	if agentName != "" && len(agentName) > maxAgentNameLen {
		return nil, agentName, storage.NewValidation("agentName exceeds %d characters", maxAgentNameLen)
	}

	task, resolvedName, err := s.store.GetNextTask(ctx, projectID, agentName)
	if err != nil {
		s.logger.Error("claim failed",
			zap.String("project_id", projectID),
			zap.String("agent", agentName),
			zap.Error(err))
		return nil, resolvedName, err
	}
	if task == nil {
		s.logger.Debug("queue empty",
			zap.String("project_id", projectID),
			zap.String("agent", resolvedName))
		return nil, resolvedName, nil
	}

	s.publishTaskEvent(ctx, events.TaskClaimed, task, resolvedName)
	s.logger.Info("task claimed",
		zap.String("task_id", task.ID),
		zap.String("project_id", projectID),
		zap.String("agent", resolvedName))

	return s.renderInstructions(ctx, task), resolvedName, nil
}

// PeekNextTask returns the task dispatch would choose without claiming it.
func (s *Service) PeekNextTask(ctx context.Context, projectID string) (*models.Task, error) {
	if _, err := s.store.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	task, err := s.store.PeekNextTask(ctx, projectID)
	if err != nil || task == nil {
		return nil, err
	}
	return s.renderInstructions(ctx, task), nil
}

// CompleteTask finishes a running task. Only the current lease holder may
// complete it.
func (s *Service) CompleteTask(ctx context.Context, projectID, taskID, agentName string, result *models.TaskResult) (*models.Task, error) {
	if err := validateAgentName(agentName); err != nil {
		return nil, err
	}
	if err := s.assertTaskInProject(ctx, projectID, taskID); err != nil {
		return nil, err
	}

	task, err := s.store.CompleteTask(ctx, taskID, agentName, result)
	if err != nil {
		s.logger.Error("failed to complete task",
			zap.String("task_id", taskID),
			zap.String("agent", agentName),
			zap.Error(err))
		return nil, err
	}

	s.publishTaskEvent(ctx, events.TaskCompleted, task, agentName)
	s.logger.Info("task completed",
		zap.String("task_id", taskID),
		zap.String("project_id", task.ProjectID),
		zap.String("agent", agentName))

	return s.renderInstructions(ctx, task), nil
}

// FailTask reports a failure. The task requeues while the retry budget
// allows and canRetry holds; otherwise it fails terminally.
func (s *Service) FailTask(ctx context.Context, projectID, taskID, agentName string, result *models.TaskResult, canRetry bool) (*models.Task, error) {
	if err := validateAgentName(agentName); err != nil {
		return nil, err
	}
	if err := s.assertTaskInProject(ctx, projectID, taskID); err != nil {
		return nil, err
	}

	task, err := s.store.FailTask(ctx, taskID, agentName, result, canRetry)
	if err != nil {
		s.logger.Error("failed to fail task",
			zap.String("task_id", taskID),
			zap.String("agent", agentName),
			zap.Error(err))
		return nil, err
	}

	eventType := events.TaskFailed
	if task.Status == models.TaskStatusQueued {
		eventType = events.TaskRequeued
	}
	s.publishTaskEvent(ctx, eventType, task, agentName)
	s.logger.Info("task failure recorded",
		zap.String("task_id", taskID),
		zap.String("project_id", task.ProjectID),
		zap.String("agent", agentName),
		zap.String("status", string(task.Status)),
		zap.Int("retry_count", task.RetryCount))

	return s.renderInstructions(ctx, task), nil
}

// ExtendLease pushes the lease out to max(current, now) + minutes.
func (s *Service) ExtendLease(ctx context.Context, taskID, agentName string, minutes int) (*models.Task, error) {
	if err := validateAgentName(agentName); err != nil {
		return nil, err
	}
	if minutes < 1 || minutes > 1440 {
		return nil, storage.NewValidation("minutes must be 1-1440: %d", minutes)
	}

	task, err := s.store.ExtendLease(ctx, taskID, agentName, minutes)
	if err != nil {
		s.logger.Error("failed to extend lease",
			zap.String("task_id", taskID),
			zap.String("agent", agentName),
			zap.Error(err))
		return nil, err
	}

	s.logger.Info("lease extended",
		zap.String("task_id", taskID),
		zap.String("agent", agentName),
		zap.Time("lease_expires_at", *task.LeaseExpiresAt))

	return s.renderInstructions(ctx, task), nil
}

// CleanupExpiredLeases reclaims every expired lease in the project,
// requeueing or terminally failing each task per its retry budget.
func (s *Service) CleanupExpiredLeases(ctx context.Context, projectID string) (*models.CleanupResult, error) {
	if _, err := s.store.GetProject(ctx, projectID); err != nil {
		return nil, err
	}

	result, err := s.store.CleanupExpiredLeases(ctx, projectID)
	if err != nil {
		s.logger.Error("lease cleanup failed", zap.String("project_id", projectID), zap.Error(err))
		return nil, err
	}

	if result.ReclaimedTasks > 0 {
		s.publishCleanupEvent(ctx, projectID, result)
		s.logger.Info("expired leases reclaimed",
			zap.String("project_id", projectID),
			zap.Int("reclaimed", result.ReclaimedTasks),
			zap.Strings("agents", result.CleanedAgents))
	}

	return result, nil
}

// GetLeaseStats summarizes lease health for a project.
func (s *Service) GetLeaseStats(ctx context.Context, projectID string) (*models.LeaseStats, error) {
	if _, err := s.store.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	return s.store.GetLeaseStats(ctx, projectID)
}

// ListActiveAgents returns the derived view of agents holding leases.
func (s *Service) ListActiveAgents(ctx context.Context, projectID string) ([]*models.AgentStatus, error) {
	if _, err := s.store.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	return s.store.ListActiveAgents(ctx, projectID)
}

// GetAgentStatus returns the derived view of one agent.
func (s *Service) GetAgentStatus(ctx context.Context, agentName, projectID string) (*models.AgentStatus, error) {
	if err := validateAgentName(agentName); err != nil {
		return nil, err
	}
	if _, err := s.store.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	return s.store.GetAgentStatus(ctx, agentName, projectID)
}

// assertTaskInProject confirms the task belongs to the named project. The
// membership never changes, so this read races with nothing.
func (s *Service) assertTaskInProject(ctx context.Context, projectID, taskID string) error {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.ProjectID != projectID {
		return storage.NewNotFound("task", taskID)
	}
	return nil
}

// renderInstructions fills in derived instructions for template-typed tasks.
func (s *Service) renderInstructions(ctx context.Context, task *models.Task) *models.Task {
	if task == nil {
		return nil
	}
	return s.renderInstructionsCached(ctx, task, nil)
}

func (s *Service) renderInstructionsCached(ctx context.Context, task *models.Task, cache map[string]*models.TaskType) *models.Task {
	taskType, ok := cache[task.TypeID]
	if !ok {
		var err error
		taskType, err = s.store.GetTaskType(ctx, task.TypeID)
		if err != nil {
			// Type deleted after the task was created; leave stored
			// instructions untouched.
			return task
		}
		if cache != nil {
			cache[task.TypeID] = taskType
		}
	}
	if taskType.Template != "" {
		task.Instructions = tmpl.Substitute(taskType.Template, task.Variables)
	}
	return task
}
