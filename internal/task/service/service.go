package service

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/HamStudy/taskdriver-mcp-sub002/internal/common/config"
	"github.com/HamStudy/taskdriver-mcp-sub002/internal/common/logger"
	"github.com/HamStudy/taskdriver-mcp-sub002/internal/events"
	"github.com/HamStudy/taskdriver-mcp-sub002/internal/events/bus"
	"github.com/HamStudy/taskdriver-mcp-sub002/internal/storage"
	"github.com/HamStudy/taskdriver-mcp-sub002/internal/task/models"
	"github.com/HamStudy/taskdriver-mcp-sub002/internal/tmpl"
)

// nameRe validates project and task type names: 1-64 chars of
// [a-z0-9_-], starting with an alphanumeric.
var nameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

// maxAgentNameLen bounds caller-supplied agent names. Agent names are
// free text otherwise; agents are never stored as entities.
const maxAgentNameLen = 128

// Service provides orchestration business logic on top of a storage backend.
// All cross-request coordination is delegated to the backend's atomic
// primitives; the service itself holds no task state.
type Service struct {
	store    storage.Backend
	eventBus bus.EventBus
	activity *events.ActivityRecorder
	logger   *logger.Logger
	defaults config.DefaultsConfig
}

// NewService creates a new task service
func NewService(store storage.Backend, eventBus bus.EventBus, log *logger.Logger, defaults config.DefaultsConfig) *Service {
	return &Service{
		store:    store,
		eventBus: eventBus,
		logger:   log.WithComponent("task-service"),
		defaults: defaults,
	}
}

// SetActivityRecorder wires the recorder that feeds project status output.
func (s *Service) SetActivityRecorder(rec *events.ActivityRecorder) {
	s.activity = rec
}

// Store exposes the underlying backend for health checks.
func (s *Service) Store() storage.Backend {
	return s.store
}

// Request types

// ProjectConfigInput overrides individual project defaults. Nil fields
// inherit the service-wide defaults.
type ProjectConfigInput struct {
	DefaultMaxRetries           *int `json:"defaultMaxRetries,omitempty"`
	DefaultLeaseDurationMinutes *int `json:"defaultLeaseDurationMinutes,omitempty"`
	ReaperIntervalMinutes       *int `json:"reaperIntervalMinutes,omitempty"`
}

// CreateProjectRequest contains the data for creating a new project
type CreateProjectRequest struct {
	Name         string              `json:"name"`
	Description  string              `json:"description"`
	Instructions string              `json:"instructions,omitempty"`
	Config       *ProjectConfigInput `json:"config,omitempty"`
}

// UpdateProjectRequest contains the data for updating a project
type UpdateProjectRequest struct {
	Name         *string             `json:"name,omitempty"`
	Description  *string             `json:"description,omitempty"`
	Instructions *string             `json:"instructions,omitempty"`
	Config       *ProjectConfigInput `json:"config,omitempty"`
}

// CreateTaskTypeRequest contains the data for creating a new task type
type CreateTaskTypeRequest struct {
	ProjectID            string `json:"projectId"`
	Name                 string `json:"name"`
	Template             string `json:"template,omitempty"`
	DuplicateHandling    string `json:"duplicateHandling,omitempty"`
	MaxRetries           *int   `json:"maxRetries,omitempty"`
	LeaseDurationMinutes *int   `json:"leaseDurationMinutes,omitempty"`
}

// UpdateTaskTypeRequest contains the data for updating a task type
type UpdateTaskTypeRequest struct {
	Name                 *string `json:"name,omitempty"`
	Template             *string `json:"template,omitempty"`
	DuplicateHandling    *string `json:"duplicateHandling,omitempty"`
	MaxRetries           *int    `json:"maxRetries,omitempty"`
	LeaseDurationMinutes *int    `json:"leaseDurationMinutes,omitempty"`
}

// ProjectStatusResult is the live view of a project: persisted fields plus
// queue depth, active agent count, and recent bus activity.
type ProjectStatusResult struct {
	Project        *models.Project        `json:"project"`
	QueueDepth     int                    `json:"queueDepth"`
	ActiveAgents   int                    `json:"activeAgents"`
	RecentActivity []events.ActivityEntry `json:"recentActivity"`
}

// Project operations

// CreateProject creates a new project and publishes a project.created event
func (s *Service) CreateProject(ctx context.Context, req *CreateProjectRequest) (*models.Project, error) {
	if err := validateName("project name", req.Name); err != nil {
		return nil, err
	}

	cfg := models.ProjectConfig{
		DefaultMaxRetries:           s.defaults.MaxRetries,
		DefaultLeaseDurationMinutes: s.defaults.LeaseDurationMinutes,
		ReaperIntervalMinutes:       s.defaults.ReaperIntervalMinutes,
	}
	applyConfigInput(&cfg, req.Config)
	if err := validateProjectConfig(cfg); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	project := &models.Project{
		ID:           uuid.New().String(),
		Name:         req.Name,
		Description:  req.Description,
		Instructions: req.Instructions,
		Status:       models.ProjectStatusActive,
		CreatedAt:    now,
		UpdatedAt:    now,
		Config:       cfg,
	}

	if err := s.store.CreateProject(ctx, project); err != nil {
		s.logger.Error("failed to create project", zap.String("name", req.Name), zap.Error(err))
		return nil, err
	}

	s.publishProjectEvent(ctx, events.ProjectCreated, project)
	s.logger.Info("project created", zap.String("project_id", project.ID), zap.String("name", project.Name))

	return project, nil
}

// GetProject returns a project with stats recomputed from its current tasks.
func (s *Service) GetProject(ctx context.Context, id string) (*models.Project, error) {
	return s.store.GetProject(ctx, id)
}

// UpdateProject applies a partial update. Status never changes here; closing
// is a separate operation.
func (s *Service) UpdateProject(ctx context.Context, id string, req *UpdateProjectRequest) (*models.Project, error) {
	project, err := s.store.GetProject(ctx, id)
	if err != nil {
		return nil, err
	}

	if req.Name != nil {
		if err := validateName("project name", *req.Name); err != nil {
			return nil, err
		}
		project.Name = *req.Name
	}
	if req.Description != nil {
		project.Description = *req.Description
	}
	if req.Instructions != nil {
		project.Instructions = *req.Instructions
	}
	applyConfigInput(&project.Config, req.Config)
	if err := validateProjectConfig(project.Config); err != nil {
		return nil, err
	}
	project.UpdatedAt = time.Now().UTC()

	if err := s.store.UpdateProject(ctx, project); err != nil {
		s.logger.Error("failed to update project", zap.String("project_id", id), zap.Error(err))
		return nil, err
	}

	return s.store.GetProject(ctx, id)
}

// ListProjects returns active projects, or all projects when includeClosed.
func (s *Service) ListProjects(ctx context.Context, includeClosed bool) ([]*models.Project, error) {
	return s.store.ListProjects(ctx, includeClosed)
}

// CloseProject transitions a project to closed. Closed projects refuse new
// tasks and claims but keep their history readable.
func (s *Service) CloseProject(ctx context.Context, id string) (*models.Project, error) {
	project, err := s.store.GetProject(ctx, id)
	if err != nil {
		return nil, err
	}
	if project.Status == models.ProjectStatusClosed {
		return project, nil
	}

	project.Status = models.ProjectStatusClosed
	project.UpdatedAt = time.Now().UTC()
	if err := s.store.UpdateProject(ctx, project); err != nil {
		s.logger.Error("failed to close project", zap.String("project_id", id), zap.Error(err))
		return nil, err
	}

	s.publishProjectEvent(ctx, events.ProjectClosed, project)
	s.logger.Info("project closed", zap.String("project_id", id))

	return s.store.GetProject(ctx, id)
}

// DeleteProject removes the project and everything under it.
func (s *Service) DeleteProject(ctx context.Context, id string) error {
	if err := s.store.DeleteProject(ctx, id); err != nil {
		s.logger.Error("failed to delete project", zap.String("project_id", id), zap.Error(err))
		return err
	}
	if s.activity != nil {
		s.activity.Forget(id)
	}
	s.logger.Info("project deleted", zap.String("project_id", id))
	return nil
}

// GetProjectStatus returns the project plus live queue depth, active agent
// count, and recent activity.
func (s *Service) GetProjectStatus(ctx context.Context, id string) (*ProjectStatusResult, error) {
	project, err := s.store.GetProject(ctx, id)
	if err != nil {
		return nil, err
	}

	agents, err := s.store.ListActiveAgents(ctx, id)
	if err != nil {
		return nil, err
	}

	status := &ProjectStatusResult{
		Project:        project,
		QueueDepth:     project.Stats.Queued,
		ActiveAgents:   len(agents),
		RecentActivity: []events.ActivityEntry{},
	}
	if s.activity != nil {
		status.RecentActivity = s.activity.Recent(id, 0)
	}
	return status, nil
}

// ValidateProjectAccess asserts the project exists and is active.
func (s *Service) ValidateProjectAccess(ctx context.Context, id string) (*models.Project, error) {
	project, err := s.store.GetProject(ctx, id)
	if err != nil {
		return nil, err
	}
	if project.Status == models.ProjectStatusClosed {
		return nil, storage.NewClosed(id)
	}
	return project, nil
}

// TaskType operations

// CreateTaskType creates a task type, inheriting missing limits from the
// project defaults.
func (s *Service) CreateTaskType(ctx context.Context, req *CreateTaskTypeRequest) (*models.TaskType, error) {
	project, err := s.ValidateProjectAccess(ctx, req.ProjectID)
	if err != nil {
		return nil, err
	}
	if err := validateName("task type name", req.Name); err != nil {
		return nil, err
	}

	handling := models.DuplicateHandling(req.DuplicateHandling)
	if handling == "" {
		handling = models.DuplicateAllow
	}
	if !handling.Valid() {
		return nil, storage.NewValidation("duplicateHandling must be one of allow, ignore, fail: %q", req.DuplicateHandling)
	}

	maxRetries := project.Config.DefaultMaxRetries
	if req.MaxRetries != nil {
		maxRetries = *req.MaxRetries
	}
	leaseMinutes := project.Config.DefaultLeaseDurationMinutes
	if req.LeaseDurationMinutes != nil {
		leaseMinutes = *req.LeaseDurationMinutes
	}
	if err := validateTypeLimits(maxRetries, leaseMinutes); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	taskType := &models.TaskType{
		ID:                   uuid.New().String(),
		ProjectID:            req.ProjectID,
		Name:                 req.Name,
		Template:             req.Template,
		Variables:            tmpl.Extract(req.Template),
		DuplicateHandling:    handling,
		MaxRetries:           maxRetries,
		LeaseDurationMinutes: leaseMinutes,
		CreatedAt:            now,
		UpdatedAt:            now,
	}

	if err := s.store.CreateTaskType(ctx, taskType); err != nil {
		s.logger.Error("failed to create task type",
			zap.String("project_id", req.ProjectID),
			zap.String("name", req.Name),
			zap.Error(err))
		return nil, err
	}

	s.logger.Info("task type created",
		zap.String("type_id", taskType.ID),
		zap.String("project_id", req.ProjectID),
		zap.String("name", taskType.Name))

	return taskType, nil
}

// GetTaskType returns a task type by id.
func (s *Service) GetTaskType(ctx context.Context, id string) (*models.TaskType, error) {
	return s.store.GetTaskType(ctx, id)
}

// ListTaskTypes returns all task types in a project.
func (s *Service) ListTaskTypes(ctx context.Context, projectID string) ([]*models.TaskType, error) {
	if _, err := s.store.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	return s.store.ListTaskTypes(ctx, projectID)
}

// UpdateTaskType applies a partial update. Template variables are
// re-extracted whenever the template changes.
func (s *Service) UpdateTaskType(ctx context.Context, id string, req *UpdateTaskTypeRequest) (*models.TaskType, error) {
	taskType, err := s.store.GetTaskType(ctx, id)
	if err != nil {
		return nil, err
	}

	if req.Name != nil {
		if err := validateName("task type name", *req.Name); err != nil {
			return nil, err
		}
		taskType.Name = *req.Name
	}
	if req.Template != nil {
		taskType.Template = *req.Template
		taskType.Variables = tmpl.Extract(*req.Template)
	}
	if req.DuplicateHandling != nil {
		handling := models.DuplicateHandling(*req.DuplicateHandling)
		if !handling.Valid() {
			return nil, storage.NewValidation("duplicateHandling must be one of allow, ignore, fail: %q", *req.DuplicateHandling)
		}
		taskType.DuplicateHandling = handling
	}
	if req.MaxRetries != nil {
		taskType.MaxRetries = *req.MaxRetries
	}
	if req.LeaseDurationMinutes != nil {
		taskType.LeaseDurationMinutes = *req.LeaseDurationMinutes
	}
	if err := validateTypeLimits(taskType.MaxRetries, taskType.LeaseDurationMinutes); err != nil {
		return nil, err
	}
	taskType.UpdatedAt = time.Now().UTC()

	if err := s.store.UpdateTaskType(ctx, taskType); err != nil {
		s.logger.Error("failed to update task type", zap.String("type_id", id), zap.Error(err))
		return nil, err
	}

	return taskType, nil
}

// DeleteTaskType removes a task type. Existing tasks keep their typeId.
func (s *Service) DeleteTaskType(ctx context.Context, id string) error {
	if err := s.store.DeleteTaskType(ctx, id); err != nil {
		s.logger.Error("failed to delete task type", zap.String("type_id", id), zap.Error(err))
		return err
	}
	s.logger.Info("task type deleted", zap.String("type_id", id))
	return nil
}

// Validation helpers

func validateName(what, name string) error {
	if !nameRe.MatchString(name) {
		return storage.NewValidation("%s must be 1-64 characters of [a-z0-9_-] starting alphanumeric: %q", what, name)
	}
	return nil
}

func validateAgentName(agentName string) error {
	if agentName == "" {
		return storage.NewValidation("agentName is required")
	}
	if len(agentName) > maxAgentNameLen {
		return storage.NewValidation("agentName exceeds %d characters", maxAgentNameLen)
	}
	return nil
}

func validateProjectConfig(cfg models.ProjectConfig) error {
	if cfg.DefaultMaxRetries < 0 || cfg.DefaultMaxRetries > 10 {
		return storage.NewValidation("defaultMaxRetries must be 0-10: %d", cfg.DefaultMaxRetries)
	}
	if cfg.DefaultLeaseDurationMinutes < 1 || cfg.DefaultLeaseDurationMinutes > 1440 {
		return storage.NewValidation("defaultLeaseDurationMinutes must be 1-1440: %d", cfg.DefaultLeaseDurationMinutes)
	}
	if cfg.ReaperIntervalMinutes < 1 || cfg.ReaperIntervalMinutes > 60 {
		return storage.NewValidation("reaperIntervalMinutes must be 1-60: %d", cfg.ReaperIntervalMinutes)
	}
	return nil
}

func validateTypeLimits(maxRetries, leaseMinutes int) error {
	if maxRetries < 0 || maxRetries > 10 {
		return storage.NewValidation("maxRetries must be 0-10: %d", maxRetries)
	}
	if leaseMinutes < 1 || leaseMinutes > 1440 {
		return storage.NewValidation("leaseDurationMinutes must be 1-1440: %d", leaseMinutes)
	}
	return nil
}

// validateVariables rejects the fingerprint separator in names and values
// so canonical fingerprints never collide.
func validateVariables(vars map[string]string) error {
	for k, v := range vars {
		if k == "" {
			return storage.NewValidation("variable names must be non-empty")
		}
		if strings.ContainsRune(k, '\x1f') || strings.ContainsRune(v, '\x1f') {
			return storage.NewValidation("variable %q contains a reserved control character", k)
		}
	}
	return nil
}

func applyConfigInput(cfg *models.ProjectConfig, in *ProjectConfigInput) {
	if in == nil {
		return
	}
	if in.DefaultMaxRetries != nil {
		cfg.DefaultMaxRetries = *in.DefaultMaxRetries
	}
	if in.DefaultLeaseDurationMinutes != nil {
		cfg.DefaultLeaseDurationMinutes = *in.DefaultLeaseDurationMinutes
	}
	if in.ReaperIntervalMinutes != nil {
		cfg.ReaperIntervalMinutes = *in.ReaperIntervalMinutes
	}
}
