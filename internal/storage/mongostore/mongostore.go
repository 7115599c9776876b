// Package mongostore implements storage.Backend on MongoDB. Entities map to
// the projects, task_types, tasks, sessions, and counters collections with
// the model's id as _id.
//
// Claim atomicity uses conditional replaces: a task is loaded, the pure
// transition helpers run on the decoded document, and the replace filter
// asserts the fields the transition depended on (status, owner, lease
// expiry). Every transition out of the running state changes leaseExpiresAt,
// so a matched count of zero means another writer got there first and the
// operation re-selects or reports the conflict.
package mongostore

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/HamStudy/taskdriver-mcp-sub002/internal/storage"
	"github.com/HamStudy/taskdriver-mcp-sub002/internal/task/models"
)

const (
	projectsColl  = "projects"
	taskTypesColl = "task_types"
	tasksColl     = "tasks"
	sessionsColl  = "sessions"
	countersColl  = "counters"

	// casRetries bounds optimistic-replace loops under contention.
	casRetries = 8

	connectTimeout = 10 * time.Second
)

// Backend stores entities in a MongoDB database.
type Backend struct {
	client    *mongo.Client
	projects  *mongo.Collection
	taskTypes *mongo.Collection
	tasks     *mongo.Collection
	sessions  *mongo.Collection
	counters  *mongo.Collection
}

var _ storage.Backend = (*Backend)(nil)

// New connects to MongoDB, verifies the connection, and ensures indexes.
func New(ctx context.Context, uri, database string) (*Backend, error) {
	opts := options.Client().ApplyURI(uri).SetServerSelectionTimeout(connectTimeout)
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, storage.NewUnavailable(err, "connecting to mongodb")
	}
	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, storage.NewUnavailable(err, "pinging mongodb")
	}
	db := client.Database(database)
	b := &Backend{
		client:    client,
		projects:  db.Collection(projectsColl),
		taskTypes: db.Collection(taskTypesColl),
		tasks:     db.Collection(tasksColl),
		sessions:  db.Collection(sessionsColl),
		counters:  db.Collection(countersColl),
	}
	if err := b.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return b, nil
}

func (b *Backend) ensureIndexes(ctx context.Context) error {
	_, err := b.projects.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "name", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return storage.NewUnavailable(err, "creating project indexes")
	}
	_, err = b.taskTypes.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "projectId", Value: 1}, {Key: "name", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return storage.NewUnavailable(err, "creating task type indexes")
	}
	_, err = b.tasks.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "projectId", Value: 1}, {Key: "status", Value: 1}, {Key: "createdAt", Value: 1}}},
		{Keys: bson.D{{Key: "projectId", Value: 1}, {Key: "fingerprint", Value: 1}}},
		{Keys: bson.D{{Key: "projectId", Value: 1}, {Key: "assignedTo", Value: 1}}},
	})
	if err != nil {
		return storage.NewUnavailable(err, "creating task indexes")
	}
	_, err = b.sessions.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "agentName", Value: 1}, {Key: "projectId", Value: 1}}},
		{Keys: bson.D{{Key: "expiresAt", Value: 1}}},
	})
	if err != nil {
		return storage.NewUnavailable(err, "creating session indexes")
	}
	return nil
}

func (b *Backend) CreateProject(ctx context.Context, project *models.Project) error {
	if _, err := b.projects.InsertOne(ctx, project); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return storage.NewConflict("project name already exists: %s", project.Name)
		}
		return storage.NewUnavailable(err, "inserting project %s", project.ID)
	}
	return nil
}

func (b *Backend) GetProject(ctx context.Context, id string) (*models.Project, error) {
	var p models.Project
	if err := b.projects.FindOne(ctx, bson.M{"_id": id}).Decode(&p); err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, storage.NewNotFound("project", id)
		}
		return nil, storage.NewUnavailable(err, "reading project %s", id)
	}
	stats, err := b.projectStats(ctx, id)
	if err != nil {
		return nil, err
	}
	p.Stats = stats
	return &p, nil
}

func (b *Backend) GetProjectByName(ctx context.Context, name string) (*models.Project, error) {
	var p models.Project
	if err := b.projects.FindOne(ctx, bson.M{"name": name}).Decode(&p); err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, storage.NewNotFound("project", name)
		}
		return nil, storage.NewUnavailable(err, "reading project %s", name)
	}
	stats, err := b.projectStats(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	p.Stats = stats
	return &p, nil
}

func (b *Backend) UpdateProject(ctx context.Context, project *models.Project) error {
	res, err := b.projects.ReplaceOne(ctx, bson.M{"_id": project.ID}, project)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return storage.NewConflict("project name already exists: %s", project.Name)
		}
		return storage.NewUnavailable(err, "updating project %s", project.ID)
	}
	if res.MatchedCount == 0 {
		return storage.NewNotFound("project", project.ID)
	}
	return nil
}

func (b *Backend) ListProjects(ctx context.Context, includeClosed bool) ([]*models.Project, error) {
	filter := bson.M{}
	if !includeClosed {
		filter["status"] = models.ProjectStatusActive
	}
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}, {Key: "name", Value: 1}})
	cur, err := b.projects.Find(ctx, filter, opts)
	if err != nil {
		return nil, storage.NewUnavailable(err, "listing projects")
	}
	var docs []models.Project
	if err := cur.All(ctx, &docs); err != nil {
		return nil, storage.NewUnavailable(err, "decoding projects")
	}
	out := make([]*models.Project, 0, len(docs))
	for i := range docs {
		p := &docs[i]
		stats, err := b.projectStats(ctx, p.ID)
		if err != nil {
			return nil, err
		}
		p.Stats = stats
		out = append(out, p)
	}
	return out, nil
}

func (b *Backend) DeleteProject(ctx context.Context, id string) error {
	res, err := b.projects.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return storage.NewUnavailable(err, "deleting project %s", id)
	}
	if res.DeletedCount == 0 {
		return storage.NewNotFound("project", id)
	}
	scoped := bson.M{"projectId": id}
	for _, coll := range []*mongo.Collection{b.taskTypes, b.tasks, b.sessions} {
		if _, err := coll.DeleteMany(ctx, scoped); err != nil {
			return storage.NewUnavailable(err, "deleting project %s children", id)
		}
	}
	if _, err := b.counters.DeleteOne(ctx, bson.M{"_id": id}); err != nil {
		return storage.NewUnavailable(err, "deleting project %s counter", id)
	}
	return nil
}

func (b *Backend) CreateTaskType(ctx context.Context, taskType *models.TaskType) error {
	if err := b.requireProject(ctx, taskType.ProjectID); err != nil {
		return err
	}
	if _, err := b.taskTypes.InsertOne(ctx, taskType); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return storage.NewConflict("task type name already exists in project: %s", taskType.Name)
		}
		return storage.NewUnavailable(err, "inserting task type %s", taskType.ID)
	}
	return nil
}

func (b *Backend) GetTaskType(ctx context.Context, id string) (*models.TaskType, error) {
	var tt models.TaskType
	if err := b.taskTypes.FindOne(ctx, bson.M{"_id": id}).Decode(&tt); err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, storage.NewNotFound("task type", id)
		}
		return nil, storage.NewUnavailable(err, "reading task type %s", id)
	}
	return &tt, nil
}

func (b *Backend) UpdateTaskType(ctx context.Context, taskType *models.TaskType) error {
	res, err := b.taskTypes.ReplaceOne(ctx, bson.M{"_id": taskType.ID}, taskType)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return storage.NewConflict("task type name already exists in project: %s", taskType.Name)
		}
		return storage.NewUnavailable(err, "updating task type %s", taskType.ID)
	}
	if res.MatchedCount == 0 {
		return storage.NewNotFound("task type", taskType.ID)
	}
	return nil
}

func (b *Backend) ListTaskTypes(ctx context.Context, projectID string) ([]*models.TaskType, error) {
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}, {Key: "name", Value: 1}})
	cur, err := b.taskTypes.Find(ctx, bson.M{"projectId": projectID}, opts)
	if err != nil {
		return nil, storage.NewUnavailable(err, "listing task types")
	}
	var docs []models.TaskType
	if err := cur.All(ctx, &docs); err != nil {
		return nil, storage.NewUnavailable(err, "decoding task types")
	}
	out := make([]*models.TaskType, len(docs))
	for i := range docs {
		out[i] = &docs[i]
	}
	return out, nil
}

func (b *Backend) DeleteTaskType(ctx context.Context, id string) error {
	res, err := b.taskTypes.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return storage.NewUnavailable(err, "deleting task type %s", id)
	}
	if res.DeletedCount == 0 {
		return storage.NewNotFound("task type", id)
	}
	return nil
}

func (b *Backend) CreateTask(ctx context.Context, task *models.Task, policy models.DuplicateHandling) (*models.Task, bool, error) {
	if err := b.requireProject(ctx, task.ProjectID); err != nil {
		return nil, false, err
	}
	return b.insertTask(ctx, task, policy)
}

// insertTask applies the duplicate policy with a fingerprint query and then
// inserts. The query and insert are not one atomic step; racing duplicate
// creations across processes can slip past the ignore and fail policies,
// which is acceptable for advisory duplicate detection.
func (b *Backend) insertTask(ctx context.Context, task *models.Task, policy models.DuplicateHandling) (*models.Task, bool, error) {
	if policy != models.DuplicateAllow && task.Fingerprint != "" {
		var dup models.Task
		err := b.tasks.FindOne(ctx, bson.M{
			"projectId":   task.ProjectID,
			"fingerprint": task.Fingerprint,
			"status": bson.M{"$in": []models.TaskStatus{
				models.TaskStatusQueued, models.TaskStatusRunning, models.TaskStatusCompleted,
			}},
		}).Decode(&dup)
		switch {
		case err == nil:
			if policy == models.DuplicateIgnore {
				return &dup, false, nil
			}
			return nil, false, storage.NewDuplicateTask(dup.ID)
		case err != mongo.ErrNoDocuments:
			return nil, false, storage.NewUnavailable(err, "checking duplicates for task %s", task.ID)
		}
	}
	if _, err := b.tasks.InsertOne(ctx, task); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, false, storage.NewConflict("task id already exists: %s", task.ID)
		}
		return nil, false, storage.NewUnavailable(err, "inserting task %s", task.ID)
	}
	return task.Clone(), true, nil
}

func (b *Backend) CreateTasksBulk(ctx context.Context, projectID, batchID string, items []storage.BulkTaskItem) (*models.BatchResult, error) {
	if err := b.requireProject(ctx, projectID); err != nil {
		return nil, err
	}
	result := &models.BatchResult{BatchID: batchID, Errors: []models.BatchError{}}
	for i, item := range items {
		item.Task.BatchID = batchID
		_, created, err := b.insertTask(ctx, item.Task, item.Policy)
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

func (b *Backend) GetTask(ctx context.Context, id string) (*models.Task, error) {
	return b.loadTask(ctx, id)
}

func (b *Backend) UpdateTask(ctx context.Context, task *models.Task) error {
	res, err := b.tasks.ReplaceOne(ctx, bson.M{"_id": task.ID}, task)
	if err != nil {
		return storage.NewUnavailable(err, "updating task %s", task.ID)
	}
	if res.MatchedCount == 0 {
		return storage.NewNotFound("task", task.ID)
	}
	return nil
}

func (b *Backend) ListTasks(ctx context.Context, projectID string, filter storage.ListTasksFilter) ([]*models.Task, int, error) {
	if err := b.requireProject(ctx, projectID); err != nil {
		return nil, 0, err
	}
	filter = storage.NormalizeFilter(filter)
	query := buildTaskFilter(projectID, filter)
	total, err := b.tasks.CountDocuments(ctx, query)
	if err != nil {
		return nil, 0, storage.NewUnavailable(err, "counting tasks")
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "createdAt", Value: 1}, {Key: "_id", Value: 1}}).
		SetSkip(int64(filter.Offset)).
		SetLimit(int64(filter.Limit))
	cur, err := b.tasks.Find(ctx, query, opts)
	if err != nil {
		return nil, 0, storage.NewUnavailable(err, "listing tasks")
	}
	var docs []models.Task
	if err := cur.All(ctx, &docs); err != nil {
		return nil, 0, storage.NewUnavailable(err, "decoding tasks")
	}
	out := make([]*models.Task, len(docs))
	for i := range docs {
		out[i] = &docs[i]
	}
	return out, int(total), nil
}

// buildTaskFilter translates the contract filter into a mongo query.
func buildTaskFilter(projectID string, f storage.ListTasksFilter) bson.M {
	query := bson.M{"projectId": projectID}
	if f.Status != "" {
		query["status"] = f.Status
	}
	if f.TypeID != "" {
		query["typeId"] = f.TypeID
	}
	if f.AssignedTo != "" {
		query["assignedTo"] = f.AssignedTo
	}
	if f.BatchID != "" {
		query["batchId"] = f.BatchID
	}
	return query
}

func (b *Backend) DeleteTask(ctx context.Context, id string) error {
	res, err := b.tasks.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return storage.NewUnavailable(err, "deleting task %s", id)
	}
	if res.DeletedCount == 0 {
		return storage.NewNotFound("task", id)
	}
	return nil
}

func (b *Backend) GetNextTask(ctx context.Context, projectID, agentName string) (*models.Task, string, error) {
	var project models.Project
	if err := b.projects.FindOne(ctx, bson.M{"_id": projectID}).Decode(&project); err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, agentName, storage.NewNotFound("project", projectID)
		}
		return nil, agentName, storage.NewUnavailable(err, "reading project %s", projectID)
	}
	now := time.Now().UTC()

	// Reclaim phase: expired leases are timed out before dispatch.
	if _, _, err := b.reclaimExpired(ctx, projectID, now); err != nil {
		return nil, agentName, err
	}

	name := agentName

	// Resume phase: a named agent with exactly one live lease gets its
	// running task back without a lease extension.
	if name != "" {
		cur, err := b.tasks.Find(ctx, bson.M{
			"projectId":      projectID,
			"status":         models.TaskStatusRunning,
			"assignedTo":     name,
			"leaseExpiresAt": bson.M{"$gt": now},
		})
		if err != nil {
			return nil, name, storage.NewUnavailable(err, "finding live leases for %s", name)
		}
		var live []models.Task
		if err := cur.All(ctx, &live); err != nil {
			return nil, name, storage.NewUnavailable(err, "decoding live leases")
		}
		if len(live) == 1 {
			t := &live[0]
			res, err := b.tasks.UpdateOne(ctx,
				bson.M{"_id": t.ID, "status": models.TaskStatusRunning, "assignedTo": name},
				bson.M{"$set": bson.M{"updatedAt": now}})
			if err != nil {
				return nil, name, storage.NewUnavailable(err, "touching task %s", t.ID)
			}
			if res.MatchedCount == 1 {
				t.UpdatedAt = &now
				return t, name, nil
			}
			// Lost to a concurrent reclaim; fall through to dispatch.
		}
	} else {
		generated, err := b.nextAgentName(ctx, projectID)
		if err != nil {
			return nil, name, err
		}
		name = generated
	}

	// Dispatch phase: select the oldest queued task and claim it with a
	// conditional replace. A lost race re-selects.
	for attempt := 0; attempt < casRetries; attempt++ {
		next, err := b.findOldestQueued(ctx, projectID)
		if err != nil {
			return nil, name, err
		}
		if next == nil {
			return nil, name, nil
		}
		tt, err := b.GetTaskType(ctx, next.TypeID)
		if err != nil && storage.KindOf(err) != storage.KindNotFound {
			return nil, name, err
		}
		storage.ApplyClaim(next, name, storage.LeaseMinutes(tt, &project), now)
		res, err := b.tasks.ReplaceOne(ctx,
			bson.M{"_id": next.ID, "status": models.TaskStatusQueued, "retryCount": next.RetryCount},
			next)
		if err != nil {
			return nil, name, storage.NewUnavailable(err, "claiming task %s", next.ID)
		}
		if res.MatchedCount == 1 {
			return next, name, nil
		}
	}
	return nil, name, storage.NewUnavailable(nil, "claim contention in project %s", projectID)
}

func (b *Backend) findOldestQueued(ctx context.Context, projectID string) (*models.Task, error) {
	opts := options.FindOne().SetSort(bson.D{{Key: "createdAt", Value: 1}, {Key: "_id", Value: 1}})
	var t models.Task
	err := b.tasks.FindOne(ctx, bson.M{"projectId": projectID, "status": models.TaskStatusQueued}, opts).Decode(&t)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, storage.NewUnavailable(err, "selecting next task")
	}
	return &t, nil
}

func (b *Backend) PeekNextTask(ctx context.Context, projectID string) (*models.Task, error) {
	if err := b.requireProject(ctx, projectID); err != nil {
		return nil, err
	}
	return b.findOldestQueued(ctx, projectID)
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

// finishTask runs an ownership-checked transition with a conditional
// replace. The filter pins the lease expiry read with the document; every
// competing transition changes it, so a zero match means we raced and the
// state is re-evaluated.
func (b *Backend) finishTask(ctx context.Context, taskID, agentName string, apply func(*models.Task, time.Time) error) (*models.Task, error) {
	for attempt := 0; attempt < casRetries; attempt++ {
		t, err := b.loadTask(ctx, taskID)
		if err != nil {
			return nil, err
		}
		if t.Status != models.TaskStatusRunning || t.AssignedTo != agentName {
			return nil, storage.NewNotAssigned(taskID, agentName)
		}
		pred := bson.M{
			"_id":            taskID,
			"status":         models.TaskStatusRunning,
			"assignedTo":     agentName,
			"leaseExpiresAt": t.LeaseExpiresAt,
		}
		if err := apply(t, time.Now().UTC()); err != nil {
			return nil, err
		}
		res, err := b.tasks.ReplaceOne(ctx, pred, t)
		if err != nil {
			return nil, storage.NewUnavailable(err, "writing task %s", taskID)
		}
		if res.MatchedCount == 1 {
			return t, nil
		}
	}
	return nil, storage.NewStaleWrite(taskID)
}

// reclaimExpired times out every expired lease in the project and reports
// the reclaimed count and affected agents. Concurrent sweeps are safe: the
// conditional replace lets exactly one writer reclaim each task.
func (b *Backend) reclaimExpired(ctx context.Context, projectID string, now time.Time) (int, []string, error) {
	cur, err := b.tasks.Find(ctx, bson.M{
		"projectId":      projectID,
		"status":         models.TaskStatusRunning,
		"leaseExpiresAt": bson.M{"$lte": now},
	})
	if err != nil {
		return 0, nil, storage.NewUnavailable(err, "finding expired leases")
	}
	var expired []models.Task
	if err := cur.All(ctx, &expired); err != nil {
		return 0, nil, storage.NewUnavailable(err, "decoding expired leases")
	}
	reclaimed := 0
	seen := map[string]bool{}
	agents := []string{}
	for i := range expired {
		t := &expired[i]
		agent := t.AssignedTo
		pred := bson.M{
			"_id":            t.ID,
			"status":         models.TaskStatusRunning,
			"leaseExpiresAt": t.LeaseExpiresAt,
		}
		storage.ApplyTimeout(t, now)
		res, err := b.tasks.ReplaceOne(ctx, pred, t)
		if err != nil {
			return reclaimed, agents, storage.NewUnavailable(err, "reclaiming task %s", t.ID)
		}
		if res.MatchedCount == 0 {
			continue
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
	rows, err := b.statusCounts(ctx, projectID)
	if err != nil {
		return nil, err
	}
	stats := &models.LeaseStats{TasksByStatus: map[models.TaskStatus]int{}}
	for _, row := range rows {
		stats.TasksByStatus[row.Status] = row.Count
		if row.Status == models.TaskStatusRunning {
			stats.TotalRunningTasks = row.Count
		}
	}
	expired, err := b.tasks.CountDocuments(ctx, bson.M{
		"projectId":      projectID,
		"status":         models.TaskStatusRunning,
		"leaseExpiresAt": bson.M{"$lte": time.Now().UTC()},
	})
	if err != nil {
		return nil, storage.NewUnavailable(err, "counting expired leases")
	}
	stats.ExpiredTasks = int(expired)
	return stats, nil
}

func (b *Backend) ListActiveAgents(ctx context.Context, projectID string) ([]*models.AgentStatus, error) {
	if err := b.requireProject(ctx, projectID); err != nil {
		return nil, err
	}
	opts := options.Find().SetSort(bson.D{{Key: "assignedTo", Value: 1}})
	cur, err := b.tasks.Find(ctx, bson.M{"projectId": projectID, "status": models.TaskStatusRunning}, opts)
	if err != nil {
		return nil, storage.NewUnavailable(err, "listing active agents")
	}
	var docs []models.Task
	if err := cur.All(ctx, &docs); err != nil {
		return nil, storage.NewUnavailable(err, "decoding active agents")
	}
	out := make([]*models.AgentStatus, len(docs))
	for i := range docs {
		out[i] = models.AgentStatusFromTask(&docs[i])
	}
	return out, nil
}

func (b *Backend) GetAgentStatus(ctx context.Context, agentName, projectID string) (*models.AgentStatus, error) {
	var t models.Task
	err := b.tasks.FindOne(ctx, bson.M{
		"projectId":  projectID,
		"status":     models.TaskStatusRunning,
		"assignedTo": agentName,
	}).Decode(&t)
	if err == mongo.ErrNoDocuments {
		return nil, storage.NewNotFound("agent", agentName)
	}
	if err != nil {
		return nil, storage.NewUnavailable(err, "reading agent %s", agentName)
	}
	return models.AgentStatusFromTask(&t), nil
}

func (b *Backend) CreateSession(ctx context.Context, session *models.Session) error {
	if _, err := b.sessions.InsertOne(ctx, session); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return storage.NewConflict("session id already exists: %s", session.ID)
		}
		return storage.NewUnavailable(err, "inserting session %s", session.ID)
	}
	return nil
}

func (b *Backend) GetSession(ctx context.Context, id string) (*models.Session, error) {
	var s models.Session
	if err := b.sessions.FindOne(ctx, bson.M{"_id": id}).Decode(&s); err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, storage.NewNotFound("session", id)
		}
		return nil, storage.NewUnavailable(err, "reading session %s", id)
	}
	return &s, nil
}

func (b *Backend) UpdateSession(ctx context.Context, session *models.Session) error {
	res, err := b.sessions.ReplaceOne(ctx, bson.M{"_id": session.ID}, session)
	if err != nil {
		return storage.NewUnavailable(err, "updating session %s", session.ID)
	}
	if res.MatchedCount == 0 {
		return storage.NewNotFound("session", session.ID)
	}
	return nil
}

func (b *Backend) DeleteSession(ctx context.Context, id string) error {
	res, err := b.sessions.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return storage.NewUnavailable(err, "deleting session %s", id)
	}
	if res.DeletedCount == 0 {
		return storage.NewNotFound("session", id)
	}
	return nil
}

func (b *Backend) FindSessionsByAgent(ctx context.Context, agentName, projectID string) ([]*models.Session, error) {
	opts := options.Find().SetSort(bson.D{{Key: "lastAccessedAt", Value: -1}})
	cur, err := b.sessions.Find(ctx, bson.M{"agentName": agentName, "projectId": projectID}, opts)
	if err != nil {
		return nil, storage.NewUnavailable(err, "finding sessions for %s", agentName)
	}
	var docs []models.Session
	if err := cur.All(ctx, &docs); err != nil {
		return nil, storage.NewUnavailable(err, "decoding sessions")
	}
	out := make([]*models.Session, len(docs))
	for i := range docs {
		out[i] = &docs[i]
	}
	return out, nil
}

func (b *Backend) CleanupExpiredSessions(ctx context.Context) (int, error) {
	res, err := b.sessions.DeleteMany(ctx, bson.M{"expiresAt": bson.M{"$lte": time.Now().UTC()}})
	if err != nil {
		return 0, storage.NewUnavailable(err, "cleaning up sessions")
	}
	return int(res.DeletedCount), nil
}

func (b *Backend) HealthCheck(ctx context.Context) *storage.Health {
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := b.client.Ping(pingCtx, readpref.Primary()); err != nil {
		return &storage.Health{Healthy: false, Message: fmt.Sprintf("mongodb unreachable: %v", err)}
	}
	return &storage.Health{Healthy: true, Message: "mongodb backend ok"}
}

func (b *Backend) Close() error {
	return b.client.Disconnect(context.Background())
}

func (b *Backend) requireProject(ctx context.Context, id string) error {
	n, err := b.projects.CountDocuments(ctx, bson.M{"_id": id})
	if err != nil {
		return storage.NewUnavailable(err, "checking project %s", id)
	}
	if n == 0 {
		return storage.NewNotFound("project", id)
	}
	return nil
}

func (b *Backend) loadTask(ctx context.Context, id string) (*models.Task, error) {
	var t models.Task
	if err := b.tasks.FindOne(ctx, bson.M{"_id": id}).Decode(&t); err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, storage.NewNotFound("task", id)
		}
		return nil, storage.NewUnavailable(err, "reading task %s", id)
	}
	return &t, nil
}

type statusCount struct {
	Status models.TaskStatus `bson:"_id"`
	Count  int               `bson:"count"`
}

// statusCounts groups the project's tasks by status server-side.
func (b *Backend) statusCounts(ctx context.Context, projectID string) ([]statusCount, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"projectId": projectID}}},
		{{Key: "$group", Value: bson.M{"_id": "$status", "count": bson.M{"$sum": 1}}}},
	}
	cur, err := b.tasks.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, storage.NewUnavailable(err, "aggregating task stats")
	}
	var rows []statusCount
	if err := cur.All(ctx, &rows); err != nil {
		return nil, storage.NewUnavailable(err, "decoding task stats")
	}
	return rows, nil
}

func (b *Backend) projectStats(ctx context.Context, projectID string) (models.ProjectStats, error) {
	rows, err := b.statusCounts(ctx, projectID)
	if err != nil {
		return models.ProjectStats{}, err
	}
	stats := models.ProjectStats{}
	for _, row := range rows {
		stats.Total += row.Count
		switch row.Status {
		case models.TaskStatusQueued:
			stats.Queued = row.Count
		case models.TaskStatusRunning:
			stats.Running = row.Count
		case models.TaskStatusCompleted:
			stats.Completed = row.Count
		case models.TaskStatusFailed:
			stats.Failed = row.Count
		}
	}
	return stats, nil
}

type counterDoc struct {
	ID  string `bson:"_id"`
	Seq int    `bson:"seq"`
}

// nextAgentName increments the project's generated-name counter with an
// upserted $inc, which is atomic across processes.
func (b *Backend) nextAgentName(ctx context.Context, projectID string) (string, error) {
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)
	var doc counterDoc
	err := b.counters.FindOneAndUpdate(ctx,
		bson.M{"_id": projectID},
		bson.M{"$inc": bson.M{"seq": 1}},
		opts).Decode(&doc)
	if err != nil {
		return "", storage.NewUnavailable(err, "incrementing agent counter for project %s", projectID)
	}
	return fmt.Sprintf("agent-%d", doc.Seq), nil
}
