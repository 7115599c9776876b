// Package filestore implements storage.Backend on a plain directory tree.
// Every entity is one JSON document:
//
//	<dataDir>/projects/<projectId>/project.json
//	<dataDir>/projects/<projectId>/tasktypes/<taskTypeId>.json
//	<dataDir>/projects/<projectId>/tasks/<taskId>.json
//	<dataDir>/sessions/<sessionId>.json
//	<dataDir>/locks/<projectId>.lock
//
// Mutations of a project's tasks run under an exclusive advisory lock on the
// project's lock file, so concurrent processes sharing the directory see the
// same claim atomicity as the other backends. Documents are written to a
// temp file and renamed into place; readers never observe partial writes and
// therefore run lock-free. Session documents are single-entity and are never
// covered by a project lock.
package filestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/flock"

	"github.com/HamStudy/taskdriver-mcp-sub002/internal/storage"
	"github.com/HamStudy/taskdriver-mcp-sub002/internal/task/models"
)

const (
	projectsDir = "projects"
	sessionsDir = "sessions"
	locksDir    = "locks"

	projectFileName = "project.json"
	taskTypesDir    = "tasktypes"
	tasksDir        = "tasks"
	agentSeqFile    = "agent-seq"

	// registryLockName guards project create/update/delete so the name
	// uniqueness scan and the write are one step. It never collides with a
	// project lock because project ids are UUIDs.
	registryLockName = "_registry"

	lockRetryDelay = 25 * time.Millisecond

	dirPerm  = 0o755
	filePerm = 0o644
)

// Backend stores entities as JSON files under dataDir. Safe for concurrent
// use by multiple processes sharing the directory.
type Backend struct {
	dataDir     string
	lockTimeout time.Duration
}

var _ storage.Backend = (*Backend)(nil)

// New prepares the directory layout and returns a file backend. lockTimeout
// bounds how long a mutation waits for a project's advisory lock.
func New(dataDir string, lockTimeout time.Duration) (*Backend, error) {
	for _, dir := range []string{projectsDir, sessionsDir, locksDir} {
		if err := os.MkdirAll(filepath.Join(dataDir, dir), dirPerm); err != nil {
			return nil, storage.NewUnavailable(err, "creating data directory %s", dir)
		}
	}
	return &Backend{dataDir: dataDir, lockTimeout: lockTimeout}, nil
}

func (b *Backend) CreateProject(ctx context.Context, project *models.Project) error {
	return b.withRegistryLock(ctx, func() error {
		existing, err := b.scanProjects()
		if err != nil {
			return err
		}
		for _, p := range existing {
			if p.Name == project.Name {
				return storage.NewConflict("project name already exists: %s", project.Name)
			}
		}
		dir := b.projectDir(project.ID)
		for _, sub := range []string{taskTypesDir, tasksDir} {
			if err := os.MkdirAll(filepath.Join(dir, sub), dirPerm); err != nil {
				return storage.NewUnavailable(err, "creating project directory %s", project.ID)
			}
		}
		return b.writeJSON(b.projectFile(project.ID), project)
	})
}

func (b *Backend) GetProject(ctx context.Context, id string) (*models.Project, error) {
	p, err := b.loadProject(id)
	if err != nil {
		return nil, err
	}
	tasks, err := b.loadProjectTasks(id)
	if err != nil {
		return nil, err
	}
	p.Stats = storage.ComputeStats(tasks)
	return p, nil
}

func (b *Backend) GetProjectByName(ctx context.Context, name string) (*models.Project, error) {
	projects, err := b.scanProjects()
	if err != nil {
		return nil, err
	}
	for _, p := range projects {
		if p.Name == name {
			tasks, err := b.loadProjectTasks(p.ID)
			if err != nil {
				return nil, err
			}
			p.Stats = storage.ComputeStats(tasks)
			return p, nil
		}
	}
	return nil, storage.NewNotFound("project", name)
}

func (b *Backend) UpdateProject(ctx context.Context, project *models.Project) error {
	return b.withRegistryLock(ctx, func() error {
		if err := b.requireProject(project.ID); err != nil {
			return err
		}
		existing, err := b.scanProjects()
		if err != nil {
			return err
		}
		for _, p := range existing {
			if p.ID != project.ID && p.Name == project.Name {
				return storage.NewConflict("project name already exists: %s", project.Name)
			}
		}
		return b.writeJSON(b.projectFile(project.ID), project)
	})
}

func (b *Backend) ListProjects(ctx context.Context, includeClosed bool) ([]*models.Project, error) {
	projects, err := b.scanProjects()
	if err != nil {
		return nil, err
	}
	out := []*models.Project{}
	for _, p := range projects {
		if !includeClosed && p.Status == models.ProjectStatusClosed {
			continue
		}
		tasks, err := b.loadProjectTasks(p.ID)
		if err != nil {
			return nil, err
		}
		p.Stats = storage.ComputeStats(tasks)
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Name < out[j].Name
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (b *Backend) DeleteProject(ctx context.Context, id string) error {
	return b.withRegistryLock(ctx, func() error {
		return b.withProjectLock(ctx, id, func() error {
			if err := b.requireProject(id); err != nil {
				return err
			}
			if err := os.RemoveAll(b.projectDir(id)); err != nil {
				return storage.NewUnavailable(err, "removing project directory %s", id)
			}
			sessions, err := b.scanSessions()
			if err != nil {
				return err
			}
			for _, s := range sessions {
				if s.ProjectID == id {
					if err := os.Remove(b.sessionFile(s.ID)); err != nil && !notExist(err) {
						return storage.NewUnavailable(err, "removing session %s", s.ID)
					}
				}
			}
			return nil
		})
	})
}

func (b *Backend) CreateTaskType(ctx context.Context, taskType *models.TaskType) error {
	return b.withProjectLock(ctx, taskType.ProjectID, func() error {
		if err := b.requireProject(taskType.ProjectID); err != nil {
			return err
		}
		siblings, err := b.loadProjectTaskTypes(taskType.ProjectID)
		if err != nil {
			return err
		}
		for _, tt := range siblings {
			if tt.Name == taskType.Name {
				return storage.NewConflict("task type name already exists in project: %s", taskType.Name)
			}
		}
		return b.writeJSON(b.taskTypeFile(taskType.ProjectID, taskType.ID), taskType)
	})
}

func (b *Backend) GetTaskType(ctx context.Context, id string) (*models.TaskType, error) {
	projectID, err := b.findTaskTypeProject(id)
	if err != nil {
		return nil, err
	}
	tt, err := readJSON[models.TaskType](b.taskTypeFile(projectID, id))
	if notExist(err) {
		return nil, storage.NewNotFound("task type", id)
	}
	if err != nil {
		return nil, storage.NewInternal(err, "reading task type %s", id)
	}
	return tt, nil
}

func (b *Backend) UpdateTaskType(ctx context.Context, taskType *models.TaskType) error {
	return b.withProjectLock(ctx, taskType.ProjectID, func() error {
		path := b.taskTypeFile(taskType.ProjectID, taskType.ID)
		if _, err := os.Stat(path); err != nil {
			if notExist(err) {
				return storage.NewNotFound("task type", taskType.ID)
			}
			return storage.NewUnavailable(err, "checking task type %s", taskType.ID)
		}
		siblings, err := b.loadProjectTaskTypes(taskType.ProjectID)
		if err != nil {
			return err
		}
		for _, tt := range siblings {
			if tt.ID != taskType.ID && tt.Name == taskType.Name {
				return storage.NewConflict("task type name already exists in project: %s", taskType.Name)
			}
		}
		return b.writeJSON(path, taskType)
	})
}

func (b *Backend) ListTaskTypes(ctx context.Context, projectID string) ([]*models.TaskType, error) {
	out, err := b.loadProjectTaskTypes(projectID)
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Name < out[j].Name
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (b *Backend) DeleteTaskType(ctx context.Context, id string) error {
	projectID, err := b.findTaskTypeProject(id)
	if err != nil {
		return err
	}
	return b.withProjectLock(ctx, projectID, func() error {
		if err := os.Remove(b.taskTypeFile(projectID, id)); err != nil {
			if notExist(err) {
				return storage.NewNotFound("task type", id)
			}
			return storage.NewUnavailable(err, "removing task type %s", id)
		}
		return nil
	})
}

func (b *Backend) CreateTask(ctx context.Context, task *models.Task, policy models.DuplicateHandling) (*models.Task, bool, error) {
	var (
		out     *models.Task
		created bool
	)
	err := b.withProjectLock(ctx, task.ProjectID, func() error {
		if err := b.requireProject(task.ProjectID); err != nil {
			return err
		}
		existing, err := b.loadProjectTasks(task.ProjectID)
		if err != nil {
			return err
		}
		out, created, err = b.createTaskLocked(task, policy, existing)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return out, created, nil
}

// createTaskLocked applies the duplicate policy against the supplied task
// set and persists the new document. Callers hold the project lock; existing
// must be the project's current tasks (bulk callers append created tasks so
// later items see earlier ones).
func (b *Backend) createTaskLocked(task *models.Task, policy models.DuplicateHandling, existing []*models.Task) (*models.Task, bool, error) {
	if policy != models.DuplicateAllow {
		if dup := storage.FindDuplicate(existing, task.Fingerprint); dup != nil {
			if policy == models.DuplicateIgnore {
				return dup, false, nil
			}
			return nil, false, storage.NewDuplicateTask(dup.ID)
		}
	}
	path := b.taskFile(task.ProjectID, task.ID)
	if _, err := os.Stat(path); err == nil {
		return nil, false, storage.NewConflict("task id already exists: %s", task.ID)
	} else if !notExist(err) {
		return nil, false, storage.NewUnavailable(err, "checking task %s", task.ID)
	}
	if err := b.writeJSON(path, task); err != nil {
		return nil, false, err
	}
	return task.Clone(), true, nil
}

func (b *Backend) CreateTasksBulk(ctx context.Context, projectID, batchID string, items []storage.BulkTaskItem) (*models.BatchResult, error) {
	var result *models.BatchResult
	err := b.withProjectLock(ctx, projectID, func() error {
		if err := b.requireProject(projectID); err != nil {
			return err
		}
		existing, err := b.loadProjectTasks(projectID)
		if err != nil {
			return err
		}
		result = &models.BatchResult{BatchID: batchID, Errors: []models.BatchError{}}
		for i, item := range items {
			item.Task.BatchID = batchID
			created, createdOK, err := b.createTaskLocked(item.Task, item.Policy, existing)
			switch {
			case err != nil:
				result.Errors = append(result.Errors, models.BatchError{Index: i, Error: err.Error()})
			case createdOK:
				result.TasksCreated++
				existing = append(existing, created)
			default:
				result.DuplicatesSkipped++
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (b *Backend) GetTask(ctx context.Context, id string) (*models.Task, error) {
	projectID, err := b.findTaskProject(id)
	if err != nil {
		return nil, err
	}
	return b.loadTask(projectID, id)
}

func (b *Backend) UpdateTask(ctx context.Context, task *models.Task) error {
	return b.withProjectLock(ctx, task.ProjectID, func() error {
		path := b.taskFile(task.ProjectID, task.ID)
		if _, err := os.Stat(path); err != nil {
			if notExist(err) {
				return storage.NewNotFound("task", task.ID)
			}
			return storage.NewUnavailable(err, "checking task %s", task.ID)
		}
		return b.writeJSON(path, task)
	})
}

func (b *Backend) ListTasks(ctx context.Context, projectID string, filter storage.ListTasksFilter) ([]*models.Task, int, error) {
	if err := b.requireProject(projectID); err != nil {
		return nil, 0, err
	}
	filter = storage.NormalizeFilter(filter)
	tasks, err := b.loadProjectTasks(projectID)
	if err != nil {
		return nil, 0, err
	}
	matched := []*models.Task{}
	for _, t := range tasks {
		if storage.MatchFilter(t, filter) {
			matched = append(matched, t)
		}
	}
	storage.SortTasks(matched)
	return storage.Page(matched, filter.Offset, filter.Limit), len(matched), nil
}

func (b *Backend) DeleteTask(ctx context.Context, id string) error {
	projectID, err := b.findTaskProject(id)
	if err != nil {
		return err
	}
	return b.withProjectLock(ctx, projectID, func() error {
		if err := os.Remove(b.taskFile(projectID, id)); err != nil {
			if notExist(err) {
				return storage.NewNotFound("task", id)
			}
			return storage.NewUnavailable(err, "removing task %s", id)
		}
		return nil
	})
}

func (b *Backend) GetNextTask(ctx context.Context, projectID, agentName string) (*models.Task, string, error) {
	name := agentName
	var claimed *models.Task
	err := b.withProjectLock(ctx, projectID, func() error {
		project, err := b.loadProject(projectID)
		if err != nil {
			return err
		}
		tasks, err := b.loadProjectTasks(projectID)
		if err != nil {
			return err
		}
		now := time.Now().UTC()

		// Reclaim phase: expired leases are timed out before dispatch.
		for _, t := range tasks {
			if t.LeaseExpired(now) {
				storage.ApplyTimeout(t, now)
				if err := b.writeJSON(b.taskFile(projectID, t.ID), t); err != nil {
					return err
				}
			}
		}

		// Resume phase: a named agent with exactly one live lease gets its
		// running task back without a lease extension.
		if name != "" {
			var live []*models.Task
			for _, t := range tasks {
				if t.Status == models.TaskStatusRunning && t.AssignedTo == name && t.LeaseExpiresAt != nil && t.LeaseExpiresAt.After(now) {
					live = append(live, t)
				}
			}
			if len(live) == 1 {
				live[0].UpdatedAt = &now
				if err := b.writeJSON(b.taskFile(projectID, live[0].ID), live[0]); err != nil {
					return err
				}
				claimed = live[0]
				return nil
			}
		}

		if name == "" {
			name, err = b.nextAgentNameLocked(projectID)
			if err != nil {
				return err
			}
		}

		// Dispatch phase. The project lock makes selection and transition
		// one atomic step across processes.
		next := storage.SelectNextQueued(tasks)
		if next == nil {
			return nil
		}
		tt, err := readJSON[models.TaskType](b.taskTypeFile(projectID, next.TypeID))
		if err != nil && !notExist(err) {
			return storage.NewInternal(err, "reading task type %s", next.TypeID)
		}
		storage.ApplyClaim(next, name, storage.LeaseMinutes(tt, project), now)
		if err := b.writeJSON(b.taskFile(projectID, next.ID), next); err != nil {
			return err
		}
		claimed = next
		return nil
	})
	if err != nil {
		return nil, name, err
	}
	return claimed, name, nil
}

func (b *Backend) PeekNextTask(ctx context.Context, projectID string) (*models.Task, error) {
	if err := b.requireProject(projectID); err != nil {
		return nil, err
	}
	tasks, err := b.loadProjectTasks(projectID)
	if err != nil {
		return nil, err
	}
	return storage.SelectNextQueued(tasks), nil
}

func (b *Backend) CompleteTask(ctx context.Context, taskID, agentName string, result *models.TaskResult) (*models.Task, error) {
	return b.finishTask(ctx, taskID, agentName, func(t *models.Task, now time.Time) error {
		storage.ApplyComplete(t, result, now)
		return nil
	})
}

func (b *Backend) FailTask(ctx context.Context, taskID, agentName string, result *models.TaskResult, canRetry bool) (*models.Task, error) {
	return b.finishTask(ctx, taskID, agentName, func(t *models.Task, now time.Time) error {
		storage.ApplyFailure(t, result, canRetry, models.AttemptStatusFailed, now)
		return nil
	})
}

func (b *Backend) ExtendLease(ctx context.Context, taskID, agentName string, minutes int) (*models.Task, error) {
	return b.finishTask(ctx, taskID, agentName, func(t *models.Task, now time.Time) error {
		if t.LeaseExpired(now) {
			return storage.NewExpired("lease already expired for task %s", taskID)
		}
		storage.ApplyExtend(t, minutes, now)
		return nil
	})
}

// finishTask runs an ownership-checked transition on a running task under
// the project lock and persists the result.
func (b *Backend) finishTask(ctx context.Context, taskID, agentName string, apply func(*models.Task, time.Time) error) (*models.Task, error) {
	projectID, err := b.findTaskProject(taskID)
	if err != nil {
		return nil, err
	}
	var out *models.Task
	err = b.withProjectLock(ctx, projectID, func() error {
		t, err := b.loadTask(projectID, taskID)
		if err != nil {
			return err
		}
		if t.Status != models.TaskStatusRunning || t.AssignedTo != agentName {
			return storage.NewNotAssigned(taskID, agentName)
		}
		if err := apply(t, time.Now().UTC()); err != nil {
			return err
		}
		if err := b.writeJSON(b.taskFile(projectID, taskID), t); err != nil {
			return err
		}
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (b *Backend) CleanupExpiredLeases(ctx context.Context, projectID string) (*models.CleanupResult, error) {
	var result *models.CleanupResult
	err := b.withProjectLock(ctx, projectID, func() error {
		if err := b.requireProject(projectID); err != nil {
			return err
		}
		tasks, err := b.loadProjectTasks(projectID)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		result = &models.CleanupResult{CleanedAgents: []string{}}
		seen := map[string]bool{}
		for _, t := range tasks {
			if !t.LeaseExpired(now) {
				continue
			}
			agent := t.AssignedTo
			storage.ApplyTimeout(t, now)
			if err := b.writeJSON(b.taskFile(projectID, t.ID), t); err != nil {
				return err
			}
			result.ReclaimedTasks++
			if agent != "" && !seen[agent] {
				seen[agent] = true
				result.CleanedAgents = append(result.CleanedAgents, agent)
			}
		}
		sort.Strings(result.CleanedAgents)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (b *Backend) GetLeaseStats(ctx context.Context, projectID string) (*models.LeaseStats, error) {
	if err := b.requireProject(projectID); err != nil {
		return nil, err
	}
	tasks, err := b.loadProjectTasks(projectID)
	if err != nil {
		return nil, err
	}
	return storage.BuildLeaseStats(tasks, time.Now().UTC()), nil
}

func (b *Backend) ListActiveAgents(ctx context.Context, projectID string) ([]*models.AgentStatus, error) {
	if err := b.requireProject(projectID); err != nil {
		return nil, err
	}
	tasks, err := b.loadProjectTasks(projectID)
	if err != nil {
		return nil, err
	}
	out := []*models.AgentStatus{}
	for _, t := range tasks {
		if t.Status == models.TaskStatusRunning {
			out = append(out, models.AgentStatusFromTask(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (b *Backend) GetAgentStatus(ctx context.Context, agentName, projectID string) (*models.AgentStatus, error) {
	tasks, err := b.loadProjectTasks(projectID)
	if err != nil {
		return nil, err
	}
	for _, t := range tasks {
		if t.Status == models.TaskStatusRunning && t.AssignedTo == agentName {
			return models.AgentStatusFromTask(t), nil
		}
	}
	return nil, storage.NewNotFound("agent", agentName)
}

func (b *Backend) CreateSession(ctx context.Context, session *models.Session) error {
	path := b.sessionFile(session.ID)
	if _, err := os.Stat(path); err == nil {
		return storage.NewConflict("session id already exists: %s", session.ID)
	} else if !notExist(err) {
		return storage.NewUnavailable(err, "checking session %s", session.ID)
	}
	return b.writeJSON(path, session)
}

func (b *Backend) GetSession(ctx context.Context, id string) (*models.Session, error) {
	s, err := readJSON[models.Session](b.sessionFile(id))
	if notExist(err) {
		return nil, storage.NewNotFound("session", id)
	}
	if err != nil {
		return nil, storage.NewInternal(err, "reading session %s", id)
	}
	return s, nil
}

func (b *Backend) UpdateSession(ctx context.Context, session *models.Session) error {
	path := b.sessionFile(session.ID)
	if _, err := os.Stat(path); err != nil {
		if notExist(err) {
			return storage.NewNotFound("session", session.ID)
		}
		return storage.NewUnavailable(err, "checking session %s", session.ID)
	}
	return b.writeJSON(path, session)
}

func (b *Backend) DeleteSession(ctx context.Context, id string) error {
	if err := os.Remove(b.sessionFile(id)); err != nil {
		if notExist(err) {
			return storage.NewNotFound("session", id)
		}
		return storage.NewUnavailable(err, "removing session %s", id)
	}
	return nil
}

func (b *Backend) FindSessionsByAgent(ctx context.Context, agentName, projectID string) ([]*models.Session, error) {
	sessions, err := b.scanSessions()
	if err != nil {
		return nil, err
	}
	out := []*models.Session{}
	for _, s := range sessions {
		if s.AgentName == agentName && s.ProjectID == projectID {
			out = append(out, s)
		}
	}
	// Most recently accessed first; callers resume out[0].
	sort.Slice(out, func(i, j int) bool { return out[i].LastAccessedAt.After(out[j].LastAccessedAt) })
	return out, nil
}

func (b *Backend) CleanupExpiredSessions(ctx context.Context) (int, error) {
	sessions, err := b.scanSessions()
	if err != nil {
		return 0, err
	}
	now := time.Now().UTC()
	removed := 0
	for _, s := range sessions {
		if !s.Expired(now) {
			continue
		}
		if err := os.Remove(b.sessionFile(s.ID)); err != nil {
			if notExist(err) {
				continue
			}
			return removed, storage.NewUnavailable(err, "removing session %s", s.ID)
		}
		removed++
	}
	return removed, nil
}

func (b *Backend) HealthCheck(ctx context.Context) *storage.Health {
	probe := filepath.Join(b.dataDir, ".health")
	if err := os.WriteFile(probe, []byte(time.Now().UTC().Format(time.RFC3339)), filePerm); err != nil {
		return &storage.Health{Healthy: false, Message: fmt.Sprintf("data directory not writable: %v", err)}
	}
	_ = os.Remove(probe)
	return &storage.Health{Healthy: true, Message: "file backend ok: " + b.dataDir}
}

func (b *Backend) Close() error {
	return nil
}

func (b *Backend) projectDir(id string) string {
	return filepath.Join(b.dataDir, projectsDir, id)
}

func (b *Backend) projectFile(id string) string {
	return filepath.Join(b.projectDir(id), projectFileName)
}

func (b *Backend) taskTypeFile(projectID, id string) string {
	return filepath.Join(b.projectDir(projectID), taskTypesDir, id+".json")
}

func (b *Backend) taskFile(projectID, id string) string {
	return filepath.Join(b.projectDir(projectID), tasksDir, id+".json")
}

func (b *Backend) sessionFile(id string) string {
	return filepath.Join(b.dataDir, sessionsDir, id+".json")
}

func (b *Backend) lockFile(name string) string {
	return filepath.Join(b.dataDir, locksDir, name+".lock")
}

func (b *Backend) withProjectLock(ctx context.Context, projectID string, fn func() error) error {
	return b.withLock(ctx, projectID, storage.NewLockTimeout(projectID), fn)
}

func (b *Backend) withRegistryLock(ctx context.Context, fn func() error) error {
	return b.withLock(ctx, registryLockName, storage.NewUnavailable(nil, "timed out acquiring project registry lock"), fn)
}

func (b *Backend) withLock(ctx context.Context, name string, timeoutErr error, fn func() error) error {
	fl := flock.New(b.lockFile(name))
	lockCtx, cancel := context.WithTimeout(ctx, b.lockTimeout)
	defer cancel()
	ok, err := fl.TryLockContext(lockCtx, lockRetryDelay)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return storage.NewUnavailable(err, "acquiring lock %s", name)
	}
	if !ok {
		return timeoutErr
	}
	defer func() { _ = fl.Unlock() }()
	return fn()
}

// nextAgentNameLocked increments the project's generated-name counter.
// Callers hold the project lock.
func (b *Backend) nextAgentNameLocked(projectID string) (string, error) {
	path := filepath.Join(b.projectDir(projectID), agentSeqFile)
	seq := 0
	data, err := os.ReadFile(path)
	if err == nil {
		if n, convErr := strconv.Atoi(strings.TrimSpace(string(data))); convErr == nil {
			seq = n
		}
	} else if !notExist(err) {
		return "", storage.NewUnavailable(err, "reading agent counter for project %s", projectID)
	}
	seq++
	if err := b.writeFile(path, []byte(strconv.Itoa(seq))); err != nil {
		return "", err
	}
	return fmt.Sprintf("agent-%d", seq), nil
}

func (b *Backend) loadProject(id string) (*models.Project, error) {
	p, err := readJSON[models.Project](b.projectFile(id))
	if notExist(err) {
		return nil, storage.NewNotFound("project", id)
	}
	if err != nil {
		return nil, storage.NewInternal(err, "reading project %s", id)
	}
	return p, nil
}

func (b *Backend) requireProject(id string) error {
	if _, err := os.Stat(b.projectFile(id)); err != nil {
		if notExist(err) {
			return storage.NewNotFound("project", id)
		}
		return storage.NewUnavailable(err, "checking project %s", id)
	}
	return nil
}

func (b *Backend) loadTask(projectID, id string) (*models.Task, error) {
	t, err := readJSON[models.Task](b.taskFile(projectID, id))
	if notExist(err) {
		return nil, storage.NewNotFound("task", id)
	}
	if err != nil {
		return nil, storage.NewInternal(err, "reading task %s", id)
	}
	return t, nil
}

// scanProjects loads every project document. Entries that vanish mid-scan
// (concurrent delete) are skipped.
func (b *Backend) scanProjects() ([]*models.Project, error) {
	entries, err := os.ReadDir(filepath.Join(b.dataDir, projectsDir))
	if err != nil {
		if notExist(err) {
			return []*models.Project{}, nil
		}
		return nil, storage.NewUnavailable(err, "listing projects")
	}
	out := []*models.Project{}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		p, err := readJSON[models.Project](b.projectFile(e.Name()))
		if notExist(err) {
			continue
		}
		if err != nil {
			return nil, storage.NewInternal(err, "reading project %s", e.Name())
		}
		out = append(out, p)
	}
	return out, nil
}

func (b *Backend) loadProjectTasks(projectID string) ([]*models.Task, error) {
	return scanDocs[models.Task](filepath.Join(b.projectDir(projectID), tasksDir), "task")
}

func (b *Backend) loadProjectTaskTypes(projectID string) ([]*models.TaskType, error) {
	return scanDocs[models.TaskType](filepath.Join(b.projectDir(projectID), taskTypesDir), "task type")
}

func (b *Backend) scanSessions() ([]*models.Session, error) {
	return scanDocs[models.Session](filepath.Join(b.dataDir, sessionsDir), "session")
}

func (b *Backend) findTaskProject(id string) (string, error) {
	return b.findDocProject(func(projectID string) string { return b.taskFile(projectID, id) }, "task", id)
}

func (b *Backend) findTaskTypeProject(id string) (string, error) {
	return b.findDocProject(func(projectID string) string { return b.taskTypeFile(projectID, id) }, "task type", id)
}

// findDocProject locates the project owning a document by probing each
// project directory for the exact file name.
func (b *Backend) findDocProject(pathFor func(projectID string) string, entity, id string) (string, error) {
	entries, err := os.ReadDir(filepath.Join(b.dataDir, projectsDir))
	if err != nil {
		if notExist(err) {
			return "", storage.NewNotFound(entity, id)
		}
		return "", storage.NewUnavailable(err, "listing projects")
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(pathFor(e.Name())); err == nil {
			return e.Name(), nil
		}
	}
	return "", storage.NewNotFound(entity, id)
}

// scanDocs loads every JSON document in a directory. A missing directory is
// an empty collection; files that vanish mid-scan are skipped.
func scanDocs[T any](dir, entity string) ([]*T, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if notExist(err) {
			return []*T{}, nil
		}
		return nil, storage.NewUnavailable(err, "listing %ss", entity)
	}
	out := []*T{}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		doc, err := readJSON[T](filepath.Join(dir, name))
		if notExist(err) {
			continue
		}
		if err != nil {
			return nil, storage.NewInternal(err, "reading %s %s", entity, name)
		}
		out = append(out, doc)
	}
	return out, nil
}

func readJSON[T any](path string) (*T, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	out := new(T)
	if err := json.Unmarshal(data, out); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", filepath.Base(path), err)
	}
	return out, nil
}

func (b *Backend) writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return storage.NewInternal(err, "encoding %s", filepath.Base(path))
	}
	return b.writeFile(path, append(data, '\n'))
}

// writeFile writes atomically: temp file in the target directory, then
// rename. The unique suffix keeps concurrent writers of different entities
// from colliding on the temp name.
func (b *Backend) writeFile(path string, data []byte) error {
	tmp := fmt.Sprintf("%s.tmp-%d", path, time.Now().UnixNano())
	if err := os.WriteFile(tmp, data, filePerm); err != nil {
		return storage.NewUnavailable(err, "writing %s", filepath.Base(path))
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return storage.NewUnavailable(err, "writing %s", filepath.Base(path))
	}
	return nil
}

func notExist(err error) bool {
	return errors.Is(err, os.ErrNotExist)
}
