// Package redisstore implements storage.Backend on Redis. Entities are JSON
// values under namespaced string keys; set indexes track membership:
//
//	taskdriver:project:<id>                 project JSON
//	taskdriver:projectname:<name>           project id, enforces name uniqueness
//	taskdriver:projects                     set of project ids
//	taskdriver:tasktype:<id>                task type JSON
//	taskdriver:project:<id>:tasktypes       set of task type ids
//	taskdriver:task:<id>                    task JSON
//	taskdriver:project:<id>:tasks           set of task ids
//	taskdriver:project:<id>:queued          set of queued task ids
//	taskdriver:project:<id>:agentseq        generated agent name counter
//	taskdriver:session:<id>                 session JSON
//	taskdriver:sessions                     set of session ids
//
// Task transitions are optimistic: WATCH the task key, decide on the decoded
// value, then write value and queued-index membership in one MULTI/EXEC. A
// failed EXEC means another writer changed the task and the operation
// re-reads and retries.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/HamStudy/taskdriver-mcp-sub002/internal/storage"
	"github.com/HamStudy/taskdriver-mcp-sub002/internal/task/models"
)

const (
	keyPrefix = "taskdriver:"

	// casRetries bounds optimistic transaction loops under contention.
	casRetries = 8
)

// errRaced signals a lost WATCH race; callers re-read and retry.
var errRaced = errors.New("concurrent task modification")

// Backend stores entities in Redis.
type Backend struct {
	client *redis.Client
}

var _ storage.Backend = (*Backend)(nil)

// New connects to Redis using a redis:// connection string.
func New(ctx context.Context, uri string) (*Backend, error) {
	opts, err := redis.ParseURL(uri)
	if err != nil {
		return nil, storage.NewValidation("invalid redis connection string: %v", err)
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, storage.NewUnavailable(err, "pinging redis")
	}
	return &Backend{client: client}, nil
}

// NewWithClient wraps an existing client. Tests use this with miniredis.
func NewWithClient(client *redis.Client) *Backend {
	return &Backend{client: client}
}

func (b *Backend) CreateProject(ctx context.Context, project *models.Project) error {
	payload, err := json.Marshal(project)
	if err != nil {
		return storage.NewInternal(err, "encoding project %s", project.ID)
	}
	ok, err := b.client.SetNX(ctx, projectNameKey(project.Name), project.ID, 0).Result()
	if err != nil {
		return storage.NewUnavailable(err, "reserving project name %s", project.Name)
	}
	if !ok {
		return storage.NewConflict("project name already exists: %s", project.Name)
	}
	pipe := b.client.TxPipeline()
	pipe.Set(ctx, projectKey(project.ID), payload, 0)
	pipe.SAdd(ctx, projectsKey(), project.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return storage.NewUnavailable(err, "writing project %s", project.ID)
	}
	return nil
}

func (b *Backend) GetProject(ctx context.Context, id string) (*models.Project, error) {
	p, err := b.loadProject(ctx, id)
	if err != nil {
		return nil, err
	}
	tasks, err := b.loadProjectTasks(ctx, id)
	if err != nil {
		return nil, err
	}
	p.Stats = storage.ComputeStats(tasks)
	return p, nil
}

func (b *Backend) GetProjectByName(ctx context.Context, name string) (*models.Project, error) {
	id, err := b.client.Get(ctx, projectNameKey(name)).Result()
	if err == redis.Nil {
		return nil, storage.NewNotFound("project", name)
	}
	if err != nil {
		return nil, storage.NewUnavailable(err, "resolving project name %s", name)
	}
	return b.GetProject(ctx, id)
}

func (b *Backend) UpdateProject(ctx context.Context, project *models.Project) error {
	current, err := b.loadProject(ctx, project.ID)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(project)
	if err != nil {
		return storage.NewInternal(err, "encoding project %s", project.ID)
	}
	if current.Name != project.Name {
		ok, err := b.client.SetNX(ctx, projectNameKey(project.Name), project.ID, 0).Result()
		if err != nil {
			return storage.NewUnavailable(err, "reserving project name %s", project.Name)
		}
		if !ok {
			return storage.NewConflict("project name already exists: %s", project.Name)
		}
		if err := b.client.Del(ctx, projectNameKey(current.Name)).Err(); err != nil {
			return storage.NewUnavailable(err, "releasing project name %s", current.Name)
		}
	}
	if err := b.client.Set(ctx, projectKey(project.ID), payload, 0).Err(); err != nil {
		return storage.NewUnavailable(err, "writing project %s", project.ID)
	}
	return nil
}

func (b *Backend) ListProjects(ctx context.Context, includeClosed bool) ([]*models.Project, error) {
	ids, err := b.client.SMembers(ctx, projectsKey()).Result()
	if err != nil {
		return nil, storage.NewUnavailable(err, "listing projects")
	}
	out := []*models.Project{}
	for _, id := range ids {
		p, err := b.loadProject(ctx, id)
		if storage.KindOf(err) == storage.KindNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		if !includeClosed && p.Status == models.ProjectStatusClosed {
			continue
		}
		tasks, err := b.loadProjectTasks(ctx, id)
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
	p, err := b.loadProject(ctx, id)
	if err != nil {
		return err
	}
	taskIDs, err := b.client.SMembers(ctx, tasksIndexKey(id)).Result()
	if err != nil {
		return storage.NewUnavailable(err, "listing project %s tasks", id)
	}
	typeIDs, err := b.client.SMembers(ctx, typesIndexKey(id)).Result()
	if err != nil {
		return storage.NewUnavailable(err, "listing project %s task types", id)
	}
	sessions, err := b.scanSessions(ctx)
	if err != nil {
		return err
	}
	pipe := b.client.TxPipeline()
	for _, tid := range taskIDs {
		pipe.Del(ctx, taskKey(tid))
	}
	for _, ttid := range typeIDs {
		pipe.Del(ctx, taskTypeKey(ttid))
	}
	for _, s := range sessions {
		if s.ProjectID == id {
			pipe.Del(ctx, sessionKey(s.ID))
			pipe.SRem(ctx, sessionsKey(), s.ID)
		}
	}
	pipe.Del(ctx, tasksIndexKey(id), typesIndexKey(id), queuedIndexKey(id), agentSeqKey(id))
	pipe.Del(ctx, projectNameKey(p.Name), projectKey(id))
	pipe.SRem(ctx, projectsKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return storage.NewUnavailable(err, "deleting project %s", id)
	}
	return nil
}

func (b *Backend) CreateTaskType(ctx context.Context, taskType *models.TaskType) error {
	if err := b.requireProject(ctx, taskType.ProjectID); err != nil {
		return err
	}
	siblings, err := b.loadProjectTaskTypes(ctx, taskType.ProjectID)
	if err != nil {
		return err
	}
	for _, tt := range siblings {
		if tt.Name == taskType.Name {
			return storage.NewConflict("task type name already exists in project: %s", taskType.Name)
		}
	}
	payload, err := json.Marshal(taskType)
	if err != nil {
		return storage.NewInternal(err, "encoding task type %s", taskType.ID)
	}
	pipe := b.client.TxPipeline()
	pipe.Set(ctx, taskTypeKey(taskType.ID), payload, 0)
	pipe.SAdd(ctx, typesIndexKey(taskType.ProjectID), taskType.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return storage.NewUnavailable(err, "writing task type %s", taskType.ID)
	}
	return nil
}

func (b *Backend) GetTaskType(ctx context.Context, id string) (*models.TaskType, error) {
	data, err := b.client.Get(ctx, taskTypeKey(id)).Result()
	if err == redis.Nil {
		return nil, storage.NewNotFound("task type", id)
	}
	if err != nil {
		return nil, storage.NewUnavailable(err, "reading task type %s", id)
	}
	var tt models.TaskType
	if err := json.Unmarshal([]byte(data), &tt); err != nil {
		return nil, storage.NewInternal(err, "decoding task type %s", id)
	}
	return &tt, nil
}

func (b *Backend) UpdateTaskType(ctx context.Context, taskType *models.TaskType) error {
	exists, err := b.client.Exists(ctx, taskTypeKey(taskType.ID)).Result()
	if err != nil {
		return storage.NewUnavailable(err, "checking task type %s", taskType.ID)
	}
	if exists == 0 {
		return storage.NewNotFound("task type", taskType.ID)
	}
	siblings, err := b.loadProjectTaskTypes(ctx, taskType.ProjectID)
	if err != nil {
		return err
	}
	for _, tt := range siblings {
		if tt.ID != taskType.ID && tt.Name == taskType.Name {
			return storage.NewConflict("task type name already exists in project: %s", taskType.Name)
		}
	}
	payload, err := json.Marshal(taskType)
	if err != nil {
		return storage.NewInternal(err, "encoding task type %s", taskType.ID)
	}
	if err := b.client.Set(ctx, taskTypeKey(taskType.ID), payload, 0).Err(); err != nil {
		return storage.NewUnavailable(err, "writing task type %s", taskType.ID)
	}
	return nil
}

func (b *Backend) ListTaskTypes(ctx context.Context, projectID string) ([]*models.TaskType, error) {
	out, err := b.loadProjectTaskTypes(ctx, projectID)
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
	tt, err := b.GetTaskType(ctx, id)
	if err != nil {
		return err
	}
	pipe := b.client.TxPipeline()
	pipe.Del(ctx, taskTypeKey(id))
	pipe.SRem(ctx, typesIndexKey(tt.ProjectID), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return storage.NewUnavailable(err, "deleting task type %s", id)
	}
	return nil
}

func (b *Backend) CreateTask(ctx context.Context, task *models.Task, policy models.DuplicateHandling) (*models.Task, bool, error) {
	if err := b.requireProject(ctx, task.ProjectID); err != nil {
		return nil, false, err
	}
	existing, err := b.loadProjectTasks(ctx, task.ProjectID)
	if err != nil {
		return nil, false, err
	}
	return b.insertTask(ctx, task, policy, existing)
}

// insertTask applies the duplicate policy against the supplied task set and
// writes the task plus its index entries. The duplicate check and the write
// are not one atomic step; racing duplicate creations across processes can
// slip past the ignore and fail policies.
func (b *Backend) insertTask(ctx context.Context, task *models.Task, policy models.DuplicateHandling, existing []*models.Task) (*models.Task, bool, error) {
	if policy != models.DuplicateAllow {
		if dup := storage.FindDuplicate(existing, task.Fingerprint); dup != nil {
			if policy == models.DuplicateIgnore {
				return dup, false, nil
			}
			return nil, false, storage.NewDuplicateTask(dup.ID)
		}
	}
	payload, err := json.Marshal(task)
	if err != nil {
		return nil, false, storage.NewInternal(err, "encoding task %s", task.ID)
	}
	ok, err := b.client.SetNX(ctx, taskKey(task.ID), payload, 0).Result()
	if err != nil {
		return nil, false, storage.NewUnavailable(err, "writing task %s", task.ID)
	}
	if !ok {
		return nil, false, storage.NewConflict("task id already exists: %s", task.ID)
	}
	pipe := b.client.TxPipeline()
	pipe.SAdd(ctx, tasksIndexKey(task.ProjectID), task.ID)
	if task.Status == models.TaskStatusQueued {
		pipe.SAdd(ctx, queuedIndexKey(task.ProjectID), task.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, false, storage.NewUnavailable(err, "indexing task %s", task.ID)
	}
	return task.Clone(), true, nil
}

func (b *Backend) CreateTasksBulk(ctx context.Context, projectID, batchID string, items []storage.BulkTaskItem) (*models.BatchResult, error) {
	if err := b.requireProject(ctx, projectID); err != nil {
		return nil, err
	}
	existing, err := b.loadProjectTasks(ctx, projectID)
	if err != nil {
		return nil, err
	}
	result := &models.BatchResult{BatchID: batchID, Errors: []models.BatchError{}}
	for i, item := range items {
		item.Task.BatchID = batchID
		created, createdOK, err := b.insertTask(ctx, item.Task, item.Policy, existing)
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
	return result, nil
}

func (b *Backend) GetTask(ctx context.Context, id string) (*models.Task, error) {
	return b.loadTask(ctx, id)
}

func (b *Backend) UpdateTask(ctx context.Context, task *models.Task) error {
	replacement := task.Clone()
	for attempt := 0; attempt < casRetries; attempt++ {
		_, err := b.mutateTask(ctx, task.ID, func(t *models.Task) error {
			*t = *replacement
			return nil
		})
		if err == errRaced {
			continue
		}
		return err
	}
	return storage.NewStaleWrite(task.ID)
}

func (b *Backend) ListTasks(ctx context.Context, projectID string, filter storage.ListTasksFilter) ([]*models.Task, int, error) {
	if err := b.requireProject(ctx, projectID); err != nil {
		return nil, 0, err
	}
	filter = storage.NormalizeFilter(filter)
	tasks, err := b.loadProjectTasks(ctx, projectID)
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
	t, err := b.loadTask(ctx, id)
	if err != nil {
		return err
	}
	pipe := b.client.TxPipeline()
	pipe.Del(ctx, taskKey(id))
	pipe.SRem(ctx, tasksIndexKey(t.ProjectID), id)
	pipe.SRem(ctx, queuedIndexKey(t.ProjectID), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return storage.NewUnavailable(err, "deleting task %s", id)
	}
	return nil
}

func (b *Backend) GetNextTask(ctx context.Context, projectID, agentName string) (*models.Task, string, error) {
	project, err := b.loadProject(ctx, projectID)
	if err != nil {
		return nil, agentName, err
	}
	now := time.Now().UTC()

	// Reclaim phase: expired leases are timed out before dispatch.
	if _, _, err := b.reclaimExpired(ctx, projectID, now); err != nil {
		return nil, agentName, err
	}

	name := agentName
	generated := false

	for attempt := 0; attempt < casRetries; attempt++ {
		tasks, err := b.loadProjectTasks(ctx, projectID)
		if err != nil {
			return nil, name, err
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
				resumed, err := b.mutateTask(ctx, live[0].ID, func(t *models.Task) error {
					if t.Status != models.TaskStatusRunning || t.AssignedTo != name {
						return errRaced
					}
					t.UpdatedAt = &now
					return nil
				})
				if err == errRaced {
					continue
				}
				if err != nil {
					return nil, name, err
				}
				return resumed, name, nil
			}
		}

		if name == "" && !generated {
			seq, err := b.client.Incr(ctx, agentSeqKey(projectID)).Result()
			if err != nil {
				return nil, name, storage.NewUnavailable(err, "incrementing agent counter for project %s", projectID)
			}
			name = fmt.Sprintf("agent-%d", seq)
			generated = true
		}

		// Dispatch phase: select the oldest queued task and claim it with a
		// watched transaction. A lost race re-reads and re-selects.
		next := storage.SelectNextQueued(tasks)
		if next == nil {
			return nil, name, nil
		}
		tt, err := b.GetTaskType(ctx, next.TypeID)
		if err != nil && storage.KindOf(err) != storage.KindNotFound {
			return nil, name, err
		}
		claimed, err := b.mutateTask(ctx, next.ID, func(t *models.Task) error {
			if t.Status != models.TaskStatusQueued {
				return errRaced
			}
			storage.ApplyClaim(t, name, storage.LeaseMinutes(tt, project), now)
			return nil
		})
		if err == errRaced {
			continue
		}
		if err != nil {
			return nil, name, err
		}
		return claimed, name, nil
	}
	return nil, name, storage.NewUnavailable(nil, "claim contention in project %s", projectID)
}

func (b *Backend) PeekNextTask(ctx context.Context, projectID string) (*models.Task, error) {
	if err := b.requireProject(ctx, projectID); err != nil {
		return nil, err
	}
	ids, err := b.client.SMembers(ctx, queuedIndexKey(projectID)).Result()
	if err != nil {
		return nil, storage.NewUnavailable(err, "reading queue index")
	}
	tasks, err := b.loadTasksByID(ctx, ids)
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

// finishTask runs an ownership-checked transition inside a watched
// transaction, retrying lost races against the fresh value.
func (b *Backend) finishTask(ctx context.Context, taskID, agentName string, apply func(*models.Task, time.Time) error) (*models.Task, error) {
	for attempt := 0; attempt < casRetries; attempt++ {
		out, err := b.mutateTask(ctx, taskID, func(t *models.Task) error {
			if t.Status != models.TaskStatusRunning || t.AssignedTo != agentName {
				return storage.NewNotAssigned(taskID, agentName)
			}
			return apply(t, time.Now().UTC())
		})
		if err == errRaced {
			continue
		}
		if err != nil {
			return nil, err
		}
		return out, nil
	}
	return nil, storage.NewStaleWrite(taskID)
}

// reclaimExpired times out every expired lease in the project. Lost races
// are skipped: the competing writer already settled the task.
func (b *Backend) reclaimExpired(ctx context.Context, projectID string, now time.Time) (int, []string, error) {
	tasks, err := b.loadProjectTasks(ctx, projectID)
	if err != nil {
		return 0, nil, err
	}
	reclaimed := 0
	seen := map[string]bool{}
	agents := []string{}
	for _, candidate := range tasks {
		if !candidate.LeaseExpired(now) {
			continue
		}
		agent := candidate.AssignedTo
		_, err := b.mutateTask(ctx, candidate.ID, func(t *models.Task) error {
			if !t.LeaseExpired(now) {
				return errRaced
			}
			storage.ApplyTimeout(t, now)
			return nil
		})
		if err == errRaced || storage.KindOf(err) == storage.KindNotFound {
			continue
		}
		if err != nil {
			return reclaimed, agents, err
		}
		reclaimed++
		if agent != "" && !seen[agent] {
			seen[agent] = true
			agents = append(agents, agent)
		}
	}
	return reclaimed, agents, nil
}

func (b *Backend) CleanupExpiredLeases(ctx context.Context, projectID string) (*models.CleanupResult, error) {
	if err := b.requireProject(ctx, projectID); err != nil {
		return nil, err
	}
	reclaimed, agents, err := b.reclaimExpired(ctx, projectID, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	sort.Strings(agents)
	return &models.CleanupResult{ReclaimedTasks: reclaimed, CleanedAgents: agents}, nil
}

func (b *Backend) GetLeaseStats(ctx context.Context, projectID string) (*models.LeaseStats, error) {
	if err := b.requireProject(ctx, projectID); err != nil {
		return nil, err
	}
	tasks, err := b.loadProjectTasks(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return storage.BuildLeaseStats(tasks, time.Now().UTC()), nil
}

func (b *Backend) ListActiveAgents(ctx context.Context, projectID string) ([]*models.AgentStatus, error) {
	if err := b.requireProject(ctx, projectID); err != nil {
		return nil, err
	}
	tasks, err := b.loadProjectTasks(ctx, projectID)
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
	tasks, err := b.loadProjectTasks(ctx, projectID)
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
	payload, err := json.Marshal(session)
	if err != nil {
		return storage.NewInternal(err, "encoding session %s", session.ID)
	}
	ok, err := b.client.SetNX(ctx, sessionKey(session.ID), payload, 0).Result()
	if err != nil {
		return storage.NewUnavailable(err, "writing session %s", session.ID)
	}
	if !ok {
		return storage.NewConflict("session id already exists: %s", session.ID)
	}
	if err := b.client.SAdd(ctx, sessionsKey(), session.ID).Err(); err != nil {
		return storage.NewUnavailable(err, "indexing session %s", session.ID)
	}
	return nil
}

func (b *Backend) GetSession(ctx context.Context, id string) (*models.Session, error) {
	data, err := b.client.Get(ctx, sessionKey(id)).Result()
	if err == redis.Nil {
		return nil, storage.NewNotFound("session", id)
	}
	if err != nil {
		return nil, storage.NewUnavailable(err, "reading session %s", id)
	}
	var s models.Session
	if err := json.Unmarshal([]byte(data), &s); err != nil {
		return nil, storage.NewInternal(err, "decoding session %s", id)
	}
	return &s, nil
}

func (b *Backend) UpdateSession(ctx context.Context, session *models.Session) error {
	exists, err := b.client.Exists(ctx, sessionKey(session.ID)).Result()
	if err != nil {
		return storage.NewUnavailable(err, "checking session %s", session.ID)
	}
	if exists == 0 {
		return storage.NewNotFound("session", session.ID)
	}
	payload, err := json.Marshal(session)
	if err != nil {
		return storage.NewInternal(err, "encoding session %s", session.ID)
	}
	if err := b.client.Set(ctx, sessionKey(session.ID), payload, 0).Err(); err != nil {
		return storage.NewUnavailable(err, "writing session %s", session.ID)
	}
	return nil
}

func (b *Backend) DeleteSession(ctx context.Context, id string) error {
	deleted, err := b.client.Del(ctx, sessionKey(id)).Result()
	if err != nil {
		return storage.NewUnavailable(err, "deleting session %s", id)
	}
	if deleted == 0 {
		return storage.NewNotFound("session", id)
	}
	if err := b.client.SRem(ctx, sessionsKey(), id).Err(); err != nil {
		return storage.NewUnavailable(err, "unindexing session %s", id)
	}
	return nil
}

func (b *Backend) FindSessionsByAgent(ctx context.Context, agentName, projectID string) ([]*models.Session, error) {
	sessions, err := b.scanSessions(ctx)
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
	sessions, err := b.scanSessions(ctx)
	if err != nil {
		return 0, err
	}
	now := time.Now().UTC()
	removed := 0
	for _, s := range sessions {
		if !s.Expired(now) {
			continue
		}
		pipe := b.client.TxPipeline()
		pipe.Del(ctx, sessionKey(s.ID))
		pipe.SRem(ctx, sessionsKey(), s.ID)
		if _, err := pipe.Exec(ctx); err != nil {
			return removed, storage.NewUnavailable(err, "removing session %s", s.ID)
		}
		removed++
	}
	return removed, nil
}

func (b *Backend) HealthCheck(ctx context.Context) *storage.Health {
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := b.client.Ping(pingCtx).Err(); err != nil {
		return &storage.Health{Healthy: false, Message: fmt.Sprintf("redis unreachable: %v", err)}
	}
	return &storage.Health{Healthy: true, Message: "redis backend ok"}
}

func (b *Backend) Close() error {
	return b.client.Close()
}

// mutateTask loads a task under WATCH, applies fn, and writes the value and
// queued-index membership in one MULTI/EXEC. Returns errRaced when another
// writer invalidated the watch (or fn reports the state moved on); callers
// re-read and retry or give up.
func (b *Backend) mutateTask(ctx context.Context, taskID string, fn func(*models.Task) error) (*models.Task, error) {
	key := taskKey(taskID)
	var out *models.Task
	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Result()
		if err == redis.Nil {
			return storage.NewNotFound("task", taskID)
		}
		if err != nil {
			return storage.NewUnavailable(err, "reading task %s", taskID)
		}
		var t models.Task
		if err := json.Unmarshal([]byte(data), &t); err != nil {
			return storage.NewInternal(err, "decoding task %s", taskID)
		}
		wasQueued := t.Status == models.TaskStatusQueued
		if err := fn(&t); err != nil {
			return err
		}
		isQueued := t.Status == models.TaskStatusQueued
		payload, err := json.Marshal(&t)
		if err != nil {
			return storage.NewInternal(err, "encoding task %s", taskID)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			if wasQueued && !isQueued {
				pipe.SRem(ctx, queuedIndexKey(t.ProjectID), t.ID)
			}
			if !wasQueued && isQueued {
				pipe.SAdd(ctx, queuedIndexKey(t.ProjectID), t.ID)
			}
			return nil
		})
		if err == nil {
			out = &t
		}
		return err
	}
	err := b.client.Watch(ctx, txf, key)
	if err == redis.TxFailedErr {
		return nil, errRaced
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (b *Backend) requireProject(ctx context.Context, id string) error {
	exists, err := b.client.Exists(ctx, projectKey(id)).Result()
	if err != nil {
		return storage.NewUnavailable(err, "checking project %s", id)
	}
	if exists == 0 {
		return storage.NewNotFound("project", id)
	}
	return nil
}

func (b *Backend) loadProject(ctx context.Context, id string) (*models.Project, error) {
	data, err := b.client.Get(ctx, projectKey(id)).Result()
	if err == redis.Nil {
		return nil, storage.NewNotFound("project", id)
	}
	if err != nil {
		return nil, storage.NewUnavailable(err, "reading project %s", id)
	}
	var p models.Project
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return nil, storage.NewInternal(err, "decoding project %s", id)
	}
	return &p, nil
}

func (b *Backend) loadTask(ctx context.Context, id string) (*models.Task, error) {
	data, err := b.client.Get(ctx, taskKey(id)).Result()
	if err == redis.Nil {
		return nil, storage.NewNotFound("task", id)
	}
	if err != nil {
		return nil, storage.NewUnavailable(err, "reading task %s", id)
	}
	var t models.Task
	if err := json.Unmarshal([]byte(data), &t); err != nil {
		return nil, storage.NewInternal(err, "decoding task %s", id)
	}
	return &t, nil
}

func (b *Backend) loadProjectTasks(ctx context.Context, projectID string) ([]*models.Task, error) {
	ids, err := b.client.SMembers(ctx, tasksIndexKey(projectID)).Result()
	if err != nil {
		return nil, storage.NewUnavailable(err, "reading task index")
	}
	return b.loadTasksByID(ctx, ids)
}

// loadTasksByID bulk-loads tasks, skipping ids whose value vanished between
// the index read and the MGET.
func (b *Backend) loadTasksByID(ctx context.Context, ids []string) ([]*models.Task, error) {
	if len(ids) == 0 {
		return []*models.Task{}, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = taskKey(id)
	}
	values, err := b.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, storage.NewUnavailable(err, "bulk reading tasks")
	}
	out := []*models.Task{}
	for i, v := range values {
		data, ok := v.(string)
		if !ok {
			continue
		}
		var t models.Task
		if err := json.Unmarshal([]byte(data), &t); err != nil {
			return nil, storage.NewInternal(err, "decoding task %s", ids[i])
		}
		out = append(out, &t)
	}
	return out, nil
}

func (b *Backend) loadProjectTaskTypes(ctx context.Context, projectID string) ([]*models.TaskType, error) {
	ids, err := b.client.SMembers(ctx, typesIndexKey(projectID)).Result()
	if err != nil {
		return nil, storage.NewUnavailable(err, "reading task type index")
	}
	if len(ids) == 0 {
		return []*models.TaskType{}, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = taskTypeKey(id)
	}
	values, err := b.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, storage.NewUnavailable(err, "bulk reading task types")
	}
	out := []*models.TaskType{}
	for i, v := range values {
		data, ok := v.(string)
		if !ok {
			continue
		}
		var tt models.TaskType
		if err := json.Unmarshal([]byte(data), &tt); err != nil {
			return nil, storage.NewInternal(err, "decoding task type %s", ids[i])
		}
		out = append(out, &tt)
	}
	return out, nil
}

func (b *Backend) scanSessions(ctx context.Context) ([]*models.Session, error) {
	ids, err := b.client.SMembers(ctx, sessionsKey()).Result()
	if err != nil {
		return nil, storage.NewUnavailable(err, "reading session index")
	}
	if len(ids) == 0 {
		return []*models.Session{}, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = sessionKey(id)
	}
	values, err := b.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, storage.NewUnavailable(err, "bulk reading sessions")
	}
	out := []*models.Session{}
	for i, v := range values {
		data, ok := v.(string)
		if !ok {
			continue
		}
		var s models.Session
		if err := json.Unmarshal([]byte(data), &s); err != nil {
			return nil, storage.NewInternal(err, "decoding session %s", ids[i])
		}
		out = append(out, &s)
	}
	return out, nil
}

func projectKey(id string) string       { return keyPrefix + "project:" + id }
func projectNameKey(name string) string { return keyPrefix + "projectname:" + name }
func projectsKey() string               { return keyPrefix + "projects" }
func taskTypeKey(id string) string      { return keyPrefix + "tasktype:" + id }
func typesIndexKey(pid string) string   { return keyPrefix + "project:" + pid + ":tasktypes" }
func taskKey(id string) string          { return keyPrefix + "task:" + id }
func tasksIndexKey(pid string) string   { return keyPrefix + "project:" + pid + ":tasks" }
func queuedIndexKey(pid string) string  { return keyPrefix + "project:" + pid + ":queued" }
func agentSeqKey(pid string) string     { return keyPrefix + "project:" + pid + ":agentseq" }
func sessionKey(id string) string       { return keyPrefix + "session:" + id }
func sessionsKey() string               { return keyPrefix + "sessions" }
