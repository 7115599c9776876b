package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/HamStudy/taskdriver-mcp-sub002/internal/task/models"
)

// MemoryBackend is an in-memory Backend guarded by a single mutex. It is
// the reference implementation for the contract semantics and the default
// backend in tests. Claim atomicity is trivial here: every mutation runs
// under the write lock.
type MemoryBackend struct {
	mu        sync.RWMutex
	projects  map[string]*models.Project
	taskTypes map[string]*models.TaskType
	tasks     map[string]*models.Task
	sessions  map[string]*models.Session
	agentSeq  map[string]int
}

var _ Backend = (*MemoryBackend)(nil)

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		projects:  make(map[string]*models.Project),
		taskTypes: make(map[string]*models.TaskType),
		tasks:     make(map[string]*models.Task),
		sessions:  make(map[string]*models.Session),
		agentSeq:  make(map[string]int),
	}
}

func (m *MemoryBackend) CreateProject(ctx context.Context, project *models.Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range m.projects {
		if p.Name == project.Name {
			return NewConflict("project name already exists: %s", project.Name)
		}
	}
	m.projects[project.ID] = project.Clone()
	return nil
}

func (m *MemoryBackend) GetProject(ctx context.Context, id string) (*models.Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.projects[id]
	if !ok {
		return nil, NewNotFound("project", id)
	}
	out := p.Clone()
	out.Stats = ComputeStats(m.projectTasksLocked(id))
	return out, nil
}

func (m *MemoryBackend) GetProjectByName(ctx context.Context, name string) (*models.Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, p := range m.projects {
		if p.Name == name {
			out := p.Clone()
			out.Stats = ComputeStats(m.projectTasksLocked(p.ID))
			return out, nil
		}
	}
	return nil, NewNotFound("project", name)
}

func (m *MemoryBackend) UpdateProject(ctx context.Context, project *models.Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.projects[project.ID]; !ok {
		return NewNotFound("project", project.ID)
	}
	for _, p := range m.projects {
		if p.ID != project.ID && p.Name == project.Name {
			return NewConflict("project name already exists: %s", project.Name)
		}
	}
	m.projects[project.ID] = project.Clone()
	return nil
}

func (m *MemoryBackend) ListProjects(ctx context.Context, includeClosed bool) ([]*models.Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []*models.Project{}
	for _, p := range m.projects {
		if !includeClosed && p.Status == models.ProjectStatusClosed {
			continue
		}
		cp := p.Clone()
		cp.Stats = ComputeStats(m.projectTasksLocked(p.ID))
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Name < out[j].Name
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryBackend) DeleteProject(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.projects[id]; !ok {
		return NewNotFound("project", id)
	}
	delete(m.projects, id)
	for ttID, tt := range m.taskTypes {
		if tt.ProjectID == id {
			delete(m.taskTypes, ttID)
		}
	}
	for taskID, t := range m.tasks {
		if t.ProjectID == id {
			delete(m.tasks, taskID)
		}
	}
	for sessID, s := range m.sessions {
		if s.ProjectID == id {
			delete(m.sessions, sessID)
		}
	}
	delete(m.agentSeq, id)
	return nil
}

func (m *MemoryBackend) CreateTaskType(ctx context.Context, taskType *models.TaskType) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.projects[taskType.ProjectID]; !ok {
		return NewNotFound("project", taskType.ProjectID)
	}
	for _, tt := range m.taskTypes {
		if tt.ProjectID == taskType.ProjectID && tt.Name == taskType.Name {
			return NewConflict("task type name already exists in project: %s", taskType.Name)
		}
	}
	m.taskTypes[taskType.ID] = taskType.Clone()
	return nil
}

func (m *MemoryBackend) GetTaskType(ctx context.Context, id string) (*models.TaskType, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tt, ok := m.taskTypes[id]
	if !ok {
		return nil, NewNotFound("task type", id)
	}
	return tt.Clone(), nil
}

func (m *MemoryBackend) UpdateTaskType(ctx context.Context, taskType *models.TaskType) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.taskTypes[taskType.ID]; !ok {
		return NewNotFound("task type", taskType.ID)
	}
	for _, tt := range m.taskTypes {
		if tt.ID != taskType.ID && tt.ProjectID == taskType.ProjectID && tt.Name == taskType.Name {
			return NewConflict("task type name already exists in project: %s", taskType.Name)
		}
	}
	m.taskTypes[taskType.ID] = taskType.Clone()
	return nil
}

func (m *MemoryBackend) ListTaskTypes(ctx context.Context, projectID string) ([]*models.TaskType, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []*models.TaskType{}
	for _, tt := range m.taskTypes {
		if tt.ProjectID == projectID {
			out = append(out, tt.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Name < out[j].Name
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryBackend) DeleteTaskType(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.taskTypes[id]; !ok {
		return NewNotFound("task type", id)
	}
	delete(m.taskTypes, id)
	return nil
}

func (m *MemoryBackend) CreateTask(ctx context.Context, task *models.Task, policy models.DuplicateHandling) (*models.Task, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createTaskLocked(task, policy)
}

func (m *MemoryBackend) createTaskLocked(task *models.Task, policy models.DuplicateHandling) (*models.Task, bool, error) {
	if _, ok := m.projects[task.ProjectID]; !ok {
		return nil, false, NewNotFound("project", task.ProjectID)
	}
	if policy != models.DuplicateAllow {
		if existing := FindDuplicate(m.projectTasksLocked(task.ProjectID), task.Fingerprint); existing != nil {
			if policy == models.DuplicateIgnore {
				return existing.Clone(), false, nil
			}
			return nil, false, NewDuplicateTask(existing.ID)
		}
	}
	if _, ok := m.tasks[task.ID]; ok {
		return nil, false, NewConflict("task id already exists: %s", task.ID)
	}
	m.tasks[task.ID] = task.Clone()
	return task.Clone(), true, nil
}

func (m *MemoryBackend) CreateTasksBulk(ctx context.Context, projectID, batchID string, items []BulkTaskItem) (*models.BatchResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.projects[projectID]; !ok {
		return nil, NewNotFound("project", projectID)
	}
	result := &models.BatchResult{BatchID: batchID, Errors: []models.BatchError{}}
	for i, item := range items {
		item.Task.BatchID = batchID
		_, created, err := m.createTaskLocked(item.Task, item.Policy)
		switch {
		case err != nil:
			result.Errors = append(result.Errors, models.BatchError{Index: i, Error: err.Error()})
		case created:
			result.TasksCreated++
		default:
			result.DuplicatesSkipped++
		}
	}
	return result, nil
}

func (m *MemoryBackend) GetTask(ctx context.Context, id string) (*models.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tasks[id]
	if !ok {
		return nil, NewNotFound("task", id)
	}
	return t.Clone(), nil
}

func (m *MemoryBackend) UpdateTask(ctx context.Context, task *models.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tasks[task.ID]; !ok {
		return NewNotFound("task", task.ID)
	}
	m.tasks[task.ID] = task.Clone()
	return nil
}

func (m *MemoryBackend) ListTasks(ctx context.Context, projectID string, filter ListTasksFilter) ([]*models.Task, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.projects[projectID]; !ok {
		return nil, 0, NewNotFound("project", projectID)
	}
	filter = NormalizeFilter(filter)
	matched := []*models.Task{}
	for _, t := range m.projectTasksLocked(projectID) {
		if MatchFilter(t, filter) {
			matched = append(matched, t)
		}
	}
	SortTasks(matched)
	page := Page(matched, filter.Offset, filter.Limit)
	out := make([]*models.Task, len(page))
	for i, t := range page {
		out[i] = t.Clone()
	}
	return out, len(matched), nil
}

func (m *MemoryBackend) DeleteTask(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tasks[id]; !ok {
		return NewNotFound("task", id)
	}
	delete(m.tasks, id)
	return nil
}

func (m *MemoryBackend) GetNextTask(ctx context.Context, projectID, agentName string) (*models.Task, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	project, ok := m.projects[projectID]
	if !ok {
		return nil, agentName, NewNotFound("project", projectID)
	}
	now := time.Now().UTC()

	// Reclaim phase: expired leases are timed out before dispatch.
	for _, t := range m.projectTasksLocked(projectID) {
		if t.LeaseExpired(now) {
			ApplyTimeout(t, now)
		}
	}

	// Resume phase: a named agent with exactly one live lease gets its
	// running task back without a lease extension.
	if agentName != "" {
		var live []*models.Task
		for _, t := range m.projectTasksLocked(projectID) {
			if t.Status == models.TaskStatusRunning && t.AssignedTo == agentName && t.LeaseExpiresAt != nil && t.LeaseExpiresAt.After(now) {
				live = append(live, t)
			}
		}
		if len(live) == 1 {
			live[0].UpdatedAt = &now
			return live[0].Clone(), agentName, nil
		}
	}

	if agentName == "" {
		m.agentSeq[projectID]++
		agentName = fmt.Sprintf("agent-%d", m.agentSeq[projectID])
	}

	// Dispatch phase. The write lock makes selection and transition one
	// atomic step.
	next := SelectNextQueued(m.projectTasksLocked(projectID))
	if next == nil {
		return nil, agentName, nil
	}
	ApplyClaim(next, agentName, m.leaseMinutesLocked(next, project), now)
	return next.Clone(), agentName, nil
}

// leaseMinutesLocked resolves the lease duration from the task's type,
// falling back to the project default when the type is gone.
func (m *MemoryBackend) leaseMinutesLocked(task *models.Task, project *models.Project) int {
	return LeaseMinutes(m.taskTypes[task.TypeID], project)
}

func (m *MemoryBackend) PeekNextTask(ctx context.Context, projectID string) (*models.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.projects[projectID]; !ok {
		return nil, NewNotFound("project", projectID)
	}
	next := SelectNextQueued(m.projectTasksLocked(projectID))
	if next == nil {
		return nil, nil
	}
	return next.Clone(), nil
}

func (m *MemoryBackend) CompleteTask(ctx context.Context, taskID, agentName string, result *models.TaskResult) (*models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[taskID]
	if !ok {
		return nil, NewNotFound("task", taskID)
	}
	if t.Status != models.TaskStatusRunning || t.AssignedTo != agentName {
		return nil, NewNotAssigned(taskID, agentName)
	}
	ApplyComplete(t, result, time.Now().UTC())
	return t.Clone(), nil
}

func (m *MemoryBackend) FailTask(ctx context.Context, taskID, agentName string, result *models.TaskResult, canRetry bool) (*models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[taskID]
	if !ok {
		return nil, NewNotFound("task", taskID)
	}
	if t.Status != models.TaskStatusRunning || t.AssignedTo != agentName {
		return nil, NewNotAssigned(taskID, agentName)
	}
	ApplyFailure(t, result, canRetry, models.AttemptStatusFailed, time.Now().UTC())
	return t.Clone(), nil
}

func (m *MemoryBackend) ExtendLease(ctx context.Context, taskID, agentName string, minutes int) (*models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[taskID]
	if !ok {
		return nil, NewNotFound("task", taskID)
	}
	if t.Status != models.TaskStatusRunning || t.AssignedTo != agentName {
		return nil, NewNotAssigned(taskID, agentName)
	}
	now := time.Now().UTC()
	if t.LeaseExpired(now) {
		return nil, NewExpired("lease already expired for task %s", taskID)
	}
	ApplyExtend(t, minutes, now)
	return t.Clone(), nil
}

func (m *MemoryBackend) CleanupExpiredLeases(ctx context.Context, projectID string) (*models.CleanupResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.projects[projectID]; !ok {
		return nil, NewNotFound("project", projectID)
	}
	now := time.Now().UTC()
	result := &models.CleanupResult{CleanedAgents: []string{}}
	seen := map[string]bool{}
	for _, t := range m.projectTasksLocked(projectID) {
		if !t.LeaseExpired(now) {
			continue
		}
		agent := t.AssignedTo
		ApplyTimeout(t, now)
		result.ReclaimedTasks++
		if agent != "" && !seen[agent] {
			seen[agent] = true
			result.CleanedAgents = append(result.CleanedAgents, agent)
		}
	}
	sort.Strings(result.CleanedAgents)
	return result, nil
}

func (m *MemoryBackend) GetLeaseStats(ctx context.Context, projectID string) (*models.LeaseStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.projects[projectID]; !ok {
		return nil, NewNotFound("project", projectID)
	}
	return BuildLeaseStats(m.projectTasksLocked(projectID), time.Now().UTC()), nil
}

func (m *MemoryBackend) ListActiveAgents(ctx context.Context, projectID string) ([]*models.AgentStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.projects[projectID]; !ok {
		return nil, NewNotFound("project", projectID)
	}
	out := []*models.AgentStatus{}
	for _, t := range m.projectTasksLocked(projectID) {
		if t.Status == models.TaskStatusRunning {
			out = append(out, models.AgentStatusFromTask(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemoryBackend) GetAgentStatus(ctx context.Context, agentName, projectID string) (*models.AgentStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, t := range m.projectTasksLocked(projectID) {
		if t.Status == models.TaskStatusRunning && t.AssignedTo == agentName {
			return models.AgentStatusFromTask(t), nil
		}
	}
	return nil, NewNotFound("agent", agentName)
}

func (m *MemoryBackend) CreateSession(ctx context.Context, session *models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[session.ID]; ok {
		return NewConflict("session id already exists: %s", session.ID)
	}
	m.sessions[session.ID] = session.Clone()
	return nil
}

func (m *MemoryBackend) GetSession(ctx context.Context, id string) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, NewNotFound("session", id)
	}
	return s.Clone(), nil
}

func (m *MemoryBackend) UpdateSession(ctx context.Context, session *models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[session.ID]; !ok {
		return NewNotFound("session", session.ID)
	}
	m.sessions[session.ID] = session.Clone()
	return nil
}

func (m *MemoryBackend) DeleteSession(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[id]; !ok {
		return NewNotFound("session", id)
	}
	delete(m.sessions, id)
	return nil
}

func (m *MemoryBackend) FindSessionsByAgent(ctx context.Context, agentName, projectID string) ([]*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []*models.Session{}
	for _, s := range m.sessions {
		if s.AgentName == agentName && s.ProjectID == projectID {
			out = append(out, s.Clone())
		}
	}
	// Most recently accessed first; callers resume out[0].
	sort.Slice(out, func(i, j int) bool { return out[i].LastAccessedAt.After(out[j].LastAccessedAt) })
	return out, nil
}

func (m *MemoryBackend) CleanupExpiredSessions(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	removed := 0
	for id, s := range m.sessions {
		if s.Expired(now) {
			delete(m.sessions, id)
			removed++
		}
	}
	return removed, nil
}

func (m *MemoryBackend) HealthCheck(ctx context.Context) *Health {
	return &Health{Healthy: true, Message: "memory backend ok"}
}

func (m *MemoryBackend) Close() error {
	return nil
}

// projectTasksLocked returns live task pointers for a project. Callers hold
// the lock and must clone before returning tasks to the outside.
func (m *MemoryBackend) projectTasksLocked(projectID string) []*models.Task {
	out := []*models.Task{}
	for _, t := range m.tasks {
		if t.ProjectID == projectID {
			out = append(out, t)
		}
	}
	return out
}
