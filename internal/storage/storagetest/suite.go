// Package storagetest runs the backend contract suite against any Backend
// implementation. Every backend must pass the same suite: the semantics of
// claim, completion, failure, lease extension, and duplicate handling are
// backend-independent.
package storagetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HamStudy/taskdriver-mcp-sub002/internal/storage"
	"github.com/HamStudy/taskdriver-mcp-sub002/internal/task/models"
)

// Factory builds a fresh, empty backend for one subtest.
type Factory func(t *testing.T) storage.Backend

// RunBackendSuite exercises the full storage contract against the backend.
func RunBackendSuite(t *testing.T, factory Factory) {
	t.Run("ProjectCRUD", func(t *testing.T) { testProjectCRUD(t, factory(t)) })
	t.Run("ProjectNameUnique", func(t *testing.T) { testProjectNameUnique(t, factory(t)) })
	t.Run("ProjectStatsReflectTasks", func(t *testing.T) { testProjectStats(t, factory(t)) })
	t.Run("TaskTypeCRUD", func(t *testing.T) { testTaskTypeCRUD(t, factory(t)) })
	t.Run("DuplicatePolicies", func(t *testing.T) { testDuplicatePolicies(t, factory(t)) })
	t.Run("BulkCreate", func(t *testing.T) { testBulkCreate(t, factory(t)) })
	t.Run("ListTasksFilters", func(t *testing.T) { testListTasksFilters(t, factory(t)) })
	t.Run("ListTasksPagination", func(t *testing.T) { testListTasksPagination(t, factory(t)) })
	t.Run("ClaimFIFO", func(t *testing.T) { testClaimFIFO(t, factory(t)) })
	t.Run("ClaimGeneratesAgentNames", func(t *testing.T) { testClaimGeneratedNames(t, factory(t)) })
	t.Run("ClaimResume", func(t *testing.T) { testClaimResume(t, factory(t)) })
	t.Run("ClaimReclaimsExpiredLease", func(t *testing.T) { testClaimReclaim(t, factory(t)) })
	t.Run("CompleteTask", func(t *testing.T) { testCompleteTask(t, factory(t)) })
	t.Run("Ownership", func(t *testing.T) { testOwnership(t, factory(t)) })
	t.Run("RetryBoundary", func(t *testing.T) { testRetryBoundary(t, factory(t)) })
	t.Run("ExtendLease", func(t *testing.T) { testExtendLease(t, factory(t)) })
	t.Run("CleanupExpiredLeases", func(t *testing.T) { testCleanup(t, factory(t)) })
	t.Run("LeaseStats", func(t *testing.T) { testLeaseStats(t, factory(t)) })
	t.Run("ActiveAgents", func(t *testing.T) { testActiveAgents(t, factory(t)) })
	t.Run("Sessions", func(t *testing.T) { testSessions(t, factory(t)) })
	t.Run("ConcurrentClaims", func(t *testing.T) { testConcurrentClaims(t, factory(t)) })
}

func ctx() context.Context { return context.Background() }

func newProject(t *testing.T, b storage.Backend, name string) *models.Project {
	t.Helper()
	now := time.Now().UTC()
	p := &models.Project{
		ID:        uuid.New().String(),
		Name:      name,
		Status:    models.ProjectStatusActive,
		CreatedAt: now,
		UpdatedAt: now,
		Config: models.ProjectConfig{
			DefaultMaxRetries:           3,
			DefaultLeaseDurationMinutes: 10,
			ReaperIntervalMinutes:       1,
		},
	}
	require.NoError(t, b.CreateProject(ctx(), p))
	return p
}

type typeOpt func(*models.TaskType)

func withTemplate(tpl string, vars ...string) typeOpt {
	return func(tt *models.TaskType) { tt.Template = tpl; tt.Variables = vars }
}

func withPolicy(p models.DuplicateHandling) typeOpt {
	return func(tt *models.TaskType) { tt.DuplicateHandling = p }
}

func withRetries(n int) typeOpt {
	return func(tt *models.TaskType) { tt.MaxRetries = n }
}

func withLease(minutes int) typeOpt {
	return func(tt *models.TaskType) { tt.LeaseDurationMinutes = minutes }
}

func newType(t *testing.T, b storage.Backend, projectID, name string, opts ...typeOpt) *models.TaskType {
	t.Helper()
	now := time.Now().UTC()
	tt := &models.TaskType{
		ID:                   uuid.New().String(),
		ProjectID:            projectID,
		Name:                 name,
		Variables:            []string{},
		DuplicateHandling:    models.DuplicateAllow,
		MaxRetries:           3,
		LeaseDurationMinutes: 10,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	for _, opt := range opts {
		opt(tt)
	}
	require.NoError(t, b.CreateTaskType(ctx(), tt))
	return tt
}

func buildTask(projectID string, tt *models.TaskType, vars map[string]string, instructions string, createdAt time.Time) *models.Task {
	fpInstructions := instructions
	if tt.Template != "" {
		fpInstructions = ""
	}
	return &models.Task{
		ID:           uuid.New().String(),
		ProjectID:    projectID,
		TypeID:       tt.ID,
		Instructions: instructions,
		Variables:    vars,
		Status:       models.TaskStatusQueued,
		MaxRetries:   tt.MaxRetries,
		CreatedAt:    createdAt,
		Attempts:     []models.Attempt{},
		Fingerprint:  models.ComputeFingerprint(projectID, tt.ID, vars, fpInstructions),
	}
}

func newTask(t *testing.T, b storage.Backend, projectID string, tt *models.TaskType, vars map[string]string) *models.Task {
	t.Helper()
	task := buildTask(projectID, tt, vars, "", time.Now().UTC())
	created, ok, err := b.CreateTask(ctx(), task, models.DuplicateAllow)
	require.NoError(t, err)
	require.True(t, ok)
	return created
}

func expireLease(t *testing.T, b storage.Backend, taskID string) {
	t.Helper()
	task, err := b.GetTask(ctx(), taskID)
	require.NoError(t, err)
	past := time.Now().UTC().Add(-time.Minute)
	task.LeaseExpiresAt = &past
	if a := task.LastAttempt(); a != nil {
		a.LeaseExpiresAt = past
	}
	require.NoError(t, b.UpdateTask(ctx(), task))
}

func testProjectCRUD(t *testing.T, b storage.Backend) {
	defer b.Close()
	p := newProject(t, b, "crud-project")

	got, err := b.GetProject(ctx(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.Name, got.Name)
	assert.Equal(t, models.ProjectStatusActive, got.Status)

	byName, err := b.GetProjectByName(ctx(), "crud-project")
	require.NoError(t, err)
	assert.Equal(t, p.ID, byName.ID)

	got.Description = "updated"
	got.Status = models.ProjectStatusClosed
	require.NoError(t, b.UpdateProject(ctx(), got))

	active, err := b.ListProjects(ctx(), false)
	require.NoError(t, err)
	assert.Empty(t, active)

	all, err := b.ListProjects(ctx(), true)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "updated", all[0].Description)

	require.NoError(t, b.DeleteProject(ctx(), p.ID))
	_, err = b.GetProject(ctx(), p.ID)
	assert.Equal(t, storage.KindNotFound, storage.KindOf(err))

	_, err = b.GetProject(ctx(), "missing")
	assert.Equal(t, storage.KindNotFound, storage.KindOf(err))
}

func testProjectNameUnique(t *testing.T, b storage.Backend) {
	defer b.Close()
	p := newProject(t, b, "taken")

	// Uniqueness holds across closed projects too.
	p.Status = models.ProjectStatusClosed
	require.NoError(t, b.UpdateProject(ctx(), p))

	dup := &models.Project{
		ID:        uuid.New().String(),
		Name:      "taken",
		Status:    models.ProjectStatusActive,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	err := b.CreateProject(ctx(), dup)
	assert.Equal(t, storage.KindConflict, storage.KindOf(err))
}

func testProjectStats(t *testing.T, b storage.Backend) {
	defer b.Close()
	p := newProject(t, b, "stats-project")
	tt := newType(t, b, p.ID, "work")

	for i := 0; i < 4; i++ {
		newTask(t, b, p.ID, tt, map[string]string{"i": fmt.Sprint(i)})
	}

	claimed, agent, err := b.GetNextTask(ctx(), p.ID, "agent-a")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, "agent-a", agent)

	_, err = b.CompleteTask(ctx(), claimed.ID, "agent-a", &models.TaskResult{Success: true, Output: "ok"})
	require.NoError(t, err)

	got, err := b.GetProject(ctx(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, got.Stats.Total)
	assert.Equal(t, 3, got.Stats.Queued)
	assert.Equal(t, 0, got.Stats.Running)
	assert.Equal(t, 1, got.Stats.Completed)
	assert.Equal(t, 0, got.Stats.Failed)
}

func testTaskTypeCRUD(t *testing.T, b storage.Backend) {
	defer b.Close()
	p := newProject(t, b, "type-project")
	tt := newType(t, b, p.ID, "fetch", withTemplate("Fetch {{url}}", "url"))

	got, err := b.GetTaskType(ctx(), tt.ID)
	require.NoError(t, err)
	assert.Equal(t, "Fetch {{url}}", got.Template)
	assert.Equal(t, []string{"url"}, got.Variables)

	// Second type with the same name in the same project conflicts.
	err = b.CreateTaskType(ctx(), &models.TaskType{
		ID:        uuid.New().String(),
		ProjectID: p.ID,
		Name:      "fetch",
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	})
	assert.Equal(t, storage.KindConflict, storage.KindOf(err))

	// Same name in another project is fine.
	p2 := newProject(t, b, "type-project-2")
	newType(t, b, p2.ID, "fetch")

	got.MaxRetries = 7
	require.NoError(t, b.UpdateTaskType(ctx(), got))

	list, err := b.ListTaskTypes(ctx(), p.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 7, list[0].MaxRetries)

	require.NoError(t, b.DeleteTaskType(ctx(), tt.ID))
	_, err = b.GetTaskType(ctx(), tt.ID)
	assert.Equal(t, storage.KindNotFound, storage.KindOf(err))

	err = b.CreateTaskType(ctx(), &models.TaskType{
		ID:        uuid.New().String(),
		ProjectID: "missing",
		Name:      "orphan",
	})
	assert.Equal(t, storage.KindNotFound, storage.KindOf(err))
}

func testDuplicatePolicies(t *testing.T, b storage.Backend) {
	defer b.Close()
	p := newProject(t, b, "dup-project")
	ignoreType := newType(t, b, p.ID, "ignore-type", withTemplate("Do {{x}}", "x"), withPolicy(models.DuplicateIgnore))
	failType := newType(t, b, p.ID, "fail-type", withTemplate("Do {{x}}", "x"), withPolicy(models.DuplicateFail))
	vars := map[string]string{"x": "a"}

	first, created, err := b.CreateTask(ctx(), buildTask(p.ID, ignoreType, vars, "", time.Now().UTC()), models.DuplicateIgnore)
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := b.CreateTask(ctx(), buildTask(p.ID, ignoreType, vars, "", time.Now().UTC()), models.DuplicateIgnore)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID, "ignore returns the existing task")

	_, created, err = b.CreateTask(ctx(), buildTask(p.ID, failType, vars, "", time.Now().UTC()), models.DuplicateFail)
	require.NoError(t, err)
	assert.True(t, created)

	_, _, err = b.CreateTask(ctx(), buildTask(p.ID, failType, vars, "", time.Now().UTC()), models.DuplicateFail)
	assert.Equal(t, storage.KindConflict, storage.KindOf(err))

	// A failed task no longer blocks duplicates: fingerprints match only
	// queued, running, and completed tasks.
	claimed, _, err := b.GetNextTask(ctx(), p.ID, "dupe-agent")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	_, err = b.FailTask(ctx(), claimed.ID, "dupe-agent", &models.TaskResult{Error: "boom"}, false)
	require.NoError(t, err)
	if claimed.Fingerprint == first.Fingerprint {
		_, created, err = b.CreateTask(ctx(), buildTask(p.ID, ignoreType, vars, "", time.Now().UTC()), models.DuplicateIgnore)
		require.NoError(t, err)
		assert.False(t, created, "a live duplicate still exists")
	}

	// Allow always creates.
	allowType := newType(t, b, p.ID, "allow-type", withTemplate("Do {{x}}", "x"))
	a1, _, err := b.CreateTask(ctx(), buildTask(p.ID, allowType, vars, "", time.Now().UTC()), models.DuplicateAllow)
	require.NoError(t, err)
	a2, _, err := b.CreateTask(ctx(), buildTask(p.ID, allowType, vars, "", time.Now().UTC()), models.DuplicateAllow)
	require.NoError(t, err)
	assert.NotEqual(t, a1.ID, a2.ID)
}

func testBulkCreate(t *testing.T, b storage.Backend) {
	defer b.Close()
	p := newProject(t, b, "bulk-project")
	tt := newType(t, b, p.ID, "bulk-type", withTemplate("Do {{x}}", "x"), withPolicy(models.DuplicateIgnore))

	now := time.Now().UTC()
	items := []storage.BulkTaskItem{
		{Task: buildTask(p.ID, tt, map[string]string{"x": "1"}, "", now), Policy: models.DuplicateIgnore},
		{Task: buildTask(p.ID, tt, map[string]string{"x": "2"}, "", now), Policy: models.DuplicateIgnore},
		{Task: buildTask(p.ID, tt, map[string]string{"x": "1"}, "", now), Policy: models.DuplicateIgnore},
	}
	batchID := uuid.New().String()
	result, err := b.CreateTasksBulk(ctx(), p.ID, batchID, items)
	require.NoError(t, err)

	assert.Equal(t, batchID, result.BatchID)
	assert.Equal(t, 2, result.TasksCreated)
	assert.Equal(t, 1, result.DuplicatesSkipped)
	assert.Empty(t, result.Errors)

	tasks, total, err := b.ListTasks(ctx(), p.ID, storage.ListTasksFilter{BatchID: batchID})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, tasks, 2)

	// Per-item failures are recorded without aborting the batch.
	failItems := []storage.BulkTaskItem{
		{Task: buildTask(p.ID, tt, map[string]string{"x": "1"}, "", now), Policy: models.DuplicateFail},
		{Task: buildTask(p.ID, tt, map[string]string{"x": "9"}, "", now), Policy: models.DuplicateFail},
	}
	result, err = b.CreateTasksBulk(ctx(), p.ID, uuid.New().String(), failItems)
	require.NoError(t, err)
	assert.Equal(t, 1, result.TasksCreated)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, 0, result.Errors[0].Index)
}

func testListTasksFilters(t *testing.T, b storage.Backend) {
	defer b.Close()
	p := newProject(t, b, "filter-project")
	t1 := newType(t, b, p.ID, "alpha")
	t2 := newType(t, b, p.ID, "beta")

	for i := 0; i < 3; i++ {
		newTask(t, b, p.ID, t1, map[string]string{"i": fmt.Sprint(i)})
	}
	newTask(t, b, p.ID, t2, map[string]string{"i": "x"})

	claimed, _, err := b.GetNextTask(ctx(), p.ID, "filter-agent")
	require.NoError(t, err)
	require.NotNil(t, claimed)

	byStatus, total, err := b.ListTasks(ctx(), p.ID, storage.ListTasksFilter{Status: models.TaskStatusQueued})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Len(t, byStatus, 3)

	byType, total, err := b.ListTasks(ctx(), p.ID, storage.ListTasksFilter{TypeID: t2.ID})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, byType, 1)
	assert.Equal(t, t2.ID, byType[0].TypeID)

	byAgent, total, err := b.ListTasks(ctx(), p.ID, storage.ListTasksFilter{AssignedTo: "filter-agent"})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, byAgent, 1)
	assert.Equal(t, claimed.ID, byAgent[0].ID)

	_, _, err = b.ListTasks(ctx(), "missing", storage.ListTasksFilter{})
	assert.Equal(t, storage.KindNotFound, storage.KindOf(err))
}

func testListTasksPagination(t *testing.T, b storage.Backend) {
	defer b.Close()
	p := newProject(t, b, "page-project")
	tt := newType(t, b, p.ID, "page-type")

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 250; i++ {
		task := buildTask(p.ID, tt, map[string]string{"i": fmt.Sprintf("%03d", i)}, "", base.Add(time.Duration(i)*time.Second))
		_, _, err := b.CreateTask(ctx(), task, models.DuplicateAllow)
		require.NoError(t, err)
	}

	tasks, total, err := b.ListTasks(ctx(), p.ID, storage.ListTasksFilter{Limit: 50, Offset: 100})
	require.NoError(t, err)
	assert.Equal(t, 250, total)
	require.Len(t, tasks, 50)

	// FIFO slice [100, 150): variables record the creation index.
	assert.Equal(t, "100", tasks[0].Variables["i"][0:3])
	assert.Equal(t, "149", tasks[49].Variables["i"][0:3])
}

func testClaimFIFO(t *testing.T, b storage.Backend) {
	defer b.Close()
	p := newProject(t, b, "fifo-project")
	tt := newType(t, b, p.ID, "fifo-type")

	base := time.Now().UTC().Add(-time.Hour)
	older := buildTask(p.ID, tt, map[string]string{"n": "older"}, "", base)
	newer := buildTask(p.ID, tt, map[string]string{"n": "newer"}, "", base.Add(time.Minute))
	// Same createdAt as older: tie broken by smaller id.
	tieA := buildTask(p.ID, tt, map[string]string{"n": "tie"}, "", base)
	tieA.ID = "zzzz-" + tieA.ID

	for _, task := range []*models.Task{newer, tieA, older} {
		_, _, err := b.CreateTask(ctx(), task, models.DuplicateAllow)
		require.NoError(t, err)
	}

	first, _, err := b.GetNextTask(ctx(), p.ID, "a1")
	require.NoError(t, err)
	require.NotNil(t, first)
	expectFirst := older.ID
	if tieA.ID < older.ID {
		expectFirst = tieA.ID
	}
	assert.Equal(t, expectFirst, first.ID)

	second, _, err := b.GetNextTask(ctx(), p.ID, "a2")
	require.NoError(t, err)
	require.NotNil(t, second)
	expectSecond := tieA.ID
	if expectFirst == tieA.ID {
		expectSecond = older.ID
	}
	assert.Equal(t, expectSecond, second.ID)

	third, _, err := b.GetNextTask(ctx(), p.ID, "a3")
	require.NoError(t, err)
	require.NotNil(t, third)
	assert.Equal(t, newer.ID, third.ID)
}

func testClaimGeneratedNames(t *testing.T, b storage.Backend) {
	defer b.Close()
	p := newProject(t, b, "gen-project")
	tt := newType(t, b, p.ID, "gen-type")
	newTask(t, b, p.ID, tt, map[string]string{"n": "1"})
	newTask(t, b, p.ID, tt, map[string]string{"n": "2"})

	task1, name1, err := b.GetNextTask(ctx(), p.ID, "")
	require.NoError(t, err)
	require.NotNil(t, task1)
	assert.Regexp(t, `^agent-\d+$`, name1)
	assert.Equal(t, name1, task1.AssignedTo)

	task2, name2, err := b.GetNextTask(ctx(), p.ID, "")
	require.NoError(t, err)
	require.NotNil(t, task2)
	assert.NotEqual(t, name1, name2)

	// Empty queue still returns a usable generated name.
	task3, name3, err := b.GetNextTask(ctx(), p.ID, "")
	require.NoError(t, err)
	assert.Nil(t, task3)
	assert.NotEmpty(t, name3)
}

func testClaimResume(t *testing.T, b storage.Backend) {
	defer b.Close()
	p := newProject(t, b, "resume-project")
	tt := newType(t, b, p.ID, "resume-type")
	newTask(t, b, p.ID, tt, map[string]string{"n": "1"})
	newTask(t, b, p.ID, tt, map[string]string{"n": "2"})

	claimed, _, err := b.GetNextTask(ctx(), p.ID, "resumer")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	originalLease := *claimed.LeaseExpiresAt

	// Same agent asks again: same task back, lease untouched, no new attempt.
	resumed, name, err := b.GetNextTask(ctx(), p.ID, "resumer")
	require.NoError(t, err)
	require.NotNil(t, resumed)
	assert.Equal(t, claimed.ID, resumed.ID)
	assert.Equal(t, "resumer", name)
	assert.WithinDuration(t, originalLease, *resumed.LeaseExpiresAt, time.Second)
	assert.Len(t, resumed.Attempts, 1)

	// A different agent gets the other task, not the held one.
	other, _, err := b.GetNextTask(ctx(), p.ID, "other")
	require.NoError(t, err)
	require.NotNil(t, other)
	assert.NotEqual(t, claimed.ID, other.ID)
}

func testClaimReclaim(t *testing.T, b storage.Backend) {
	defer b.Close()
	p := newProject(t, b, "reclaim-project")
	tt := newType(t, b, p.ID, "reclaim-type", withLease(1))
	created := newTask(t, b, p.ID, tt, map[string]string{"n": "1"})

	claimed, _, err := b.GetNextTask(ctx(), p.ID, "first-agent")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, created.ID, claimed.ID)

	expireLease(t, b, claimed.ID)

	reclaimed, _, err := b.GetNextTask(ctx(), p.ID, "second-agent")
	require.NoError(t, err)
	require.NotNil(t, reclaimed)
	assert.Equal(t, created.ID, reclaimed.ID)
	assert.Equal(t, "second-agent", reclaimed.AssignedTo)
	assert.Equal(t, 1, reclaimed.RetryCount)

	require.Len(t, reclaimed.Attempts, 2)
	assert.Equal(t, models.AttemptStatusTimeout, reclaimed.Attempts[0].Status)
	assert.Equal(t, "first-agent", reclaimed.Attempts[0].AgentName)
	assert.Equal(t, models.AttemptStatusRunning, reclaimed.Attempts[1].Status)
}

func testCompleteTask(t *testing.T, b storage.Backend) {
	defer b.Close()
	p := newProject(t, b, "complete-project")
	tt := newType(t, b, p.ID, "complete-type")
	newTask(t, b, p.ID, tt, map[string]string{"n": "1"})

	claimed, _, err := b.GetNextTask(ctx(), p.ID, "worker")
	require.NoError(t, err)
	require.NotNil(t, claimed)

	done, err := b.CompleteTask(ctx(), claimed.ID, "worker", &models.TaskResult{Success: true, Output: "ok"})
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCompleted, done.Status)
	assert.Empty(t, done.AssignedTo)
	assert.Nil(t, done.LeaseExpiresAt)
	require.NotNil(t, done.CompletedAt)
	require.NotNil(t, done.Result)
	assert.True(t, done.Result.Success)
	assert.Equal(t, "ok", done.Result.Output)

	last := done.LastAttempt()
	require.NotNil(t, last)
	assert.Equal(t, models.AttemptStatusCompleted, last.Status)
	require.NotNil(t, last.CompletedAt)
}

func testOwnership(t *testing.T, b storage.Backend) {
	defer b.Close()
	p := newProject(t, b, "own-project")
	tt := newType(t, b, p.ID, "own-type")
	newTask(t, b, p.ID, tt, map[string]string{"n": "1"})

	claimed, _, err := b.GetNextTask(ctx(), p.ID, "owner")
	require.NoError(t, err)
	require.NotNil(t, claimed)

	_, err = b.CompleteTask(ctx(), claimed.ID, "impostor", &models.TaskResult{Success: true})
	assert.Equal(t, storage.KindNotAssigned, storage.KindOf(err))

	_, err = b.FailTask(ctx(), claimed.ID, "impostor", &models.TaskResult{Error: "x"}, true)
	assert.Equal(t, storage.KindNotAssigned, storage.KindOf(err))

	_, err = b.ExtendLease(ctx(), claimed.ID, "impostor", 5)
	assert.Equal(t, storage.KindNotAssigned, storage.KindOf(err))

	_, err = b.CompleteTask(ctx(), claimed.ID, "owner", &models.TaskResult{Success: true})
	require.NoError(t, err)

	// Terminal tasks reject further lease operations.
	_, err = b.CompleteTask(ctx(), claimed.ID, "owner", &models.TaskResult{Success: true})
	assert.Equal(t, storage.KindNotAssigned, storage.KindOf(err))
}

func testRetryBoundary(t *testing.T, b storage.Backend) {
	defer b.Close()
	p := newProject(t, b, "retry-project")
	tt := newType(t, b, p.ID, "retry-type", withRetries(2))
	created := newTask(t, b, p.ID, tt, map[string]string{"n": "1"})

	failOnce := func(agent string) *models.Task {
		claimed, _, err := b.GetNextTask(ctx(), p.ID, agent)
		require.NoError(t, err)
		require.NotNil(t, claimed)
		require.Equal(t, created.ID, claimed.ID)
		failed, err := b.FailTask(ctx(), claimed.ID, agent, &models.TaskResult{Error: "boom"}, true)
		require.NoError(t, err)
		return failed
	}

	first := failOnce("agent-a")
	assert.Equal(t, models.TaskStatusQueued, first.Status)
	assert.Equal(t, 1, first.RetryCount)

	second := failOnce("agent-b")
	assert.Equal(t, models.TaskStatusQueued, second.Status)
	assert.Equal(t, 2, second.RetryCount)

	// retryCount reached maxRetries: the third failure is terminal and the
	// count stays at the max.
	third := failOnce("agent-c")
	assert.Equal(t, models.TaskStatusFailed, third.Status)
	assert.Equal(t, 2, third.RetryCount)
	require.NotNil(t, third.FailedAt)
	require.NotNil(t, third.Result)
	assert.False(t, third.Result.Success)

	// canRetry=false is terminal regardless of budget.
	other := newTask(t, b, p.ID, tt, map[string]string{"n": "2"})
	claimed, _, err := b.GetNextTask(ctx(), p.ID, "agent-d")
	require.NoError(t, err)
	require.Equal(t, other.ID, claimed.ID)
	failed, err := b.FailTask(ctx(), claimed.ID, "agent-d", &models.TaskResult{Error: "fatal"}, false)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusFailed, failed.Status)
	assert.Equal(t, 0, failed.RetryCount)
}

func testExtendLease(t *testing.T, b storage.Backend) {
	defer b.Close()
	p := newProject(t, b, "extend-project")
	tt := newType(t, b, p.ID, "extend-type", withLease(10))
	newTask(t, b, p.ID, tt, map[string]string{"n": "1"})

	claimed, _, err := b.GetNextTask(ctx(), p.ID, "extender")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	before := *claimed.LeaseExpiresAt

	extended, err := b.ExtendLease(ctx(), claimed.ID, "extender", 5)
	require.NoError(t, err)
	assert.WithinDuration(t, before.Add(5*time.Minute), *extended.LeaseExpiresAt, 2*time.Second)
	assert.Equal(t, *extended.LeaseExpiresAt, extended.LastAttempt().LeaseExpiresAt)

	// Extending a queued task is rejected.
	other := newTask(t, b, p.ID, tt, map[string]string{"n": "2"})
	_, err = b.ExtendLease(ctx(), other.ID, "extender", 5)
	assert.Equal(t, storage.KindNotAssigned, storage.KindOf(err))

	// An expired lease cannot be extended.
	expireLease(t, b, claimed.ID)
	_, err = b.ExtendLease(ctx(), claimed.ID, "extender", 5)
	assert.Equal(t, storage.KindExpired, storage.KindOf(err))
}

func testCleanup(t *testing.T, b storage.Backend) {
	defer b.Close()
	p := newProject(t, b, "cleanup-project")
	tt := newType(t, b, p.ID, "cleanup-type", withLease(1))
	maxed := newType(t, b, p.ID, "cleanup-maxed", withLease(1), withRetries(0))

	t1 := newTask(t, b, p.ID, tt, map[string]string{"n": "1"})
	t2 := newTask(t, b, p.ID, maxed, map[string]string{"n": "2"})
	newTask(t, b, p.ID, tt, map[string]string{"n": "3"})

	c1, _, err := b.GetNextTask(ctx(), p.ID, "reaper-a")
	require.NoError(t, err)
	c2, _, err := b.GetNextTask(ctx(), p.ID, "reaper-b")
	require.NoError(t, err)
	expireLease(t, b, c1.ID)
	expireLease(t, b, c2.ID)

	result, err := b.CleanupExpiredLeases(ctx(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, result.ReclaimedTasks)
	assert.Equal(t, []string{"reaper-a", "reaper-b"}, result.CleanedAgents)

	// Requeued with budget, failed at the limit.
	got1, err := b.GetTask(ctx(), t1.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusQueued, got1.Status)
	assert.Equal(t, 1, got1.RetryCount)

	got2, err := b.GetTask(ctx(), t2.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusFailed, got2.Status)

	// Idempotent: a second sweep finds nothing.
	again, err := b.CleanupExpiredLeases(ctx(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, again.ReclaimedTasks)

	stats, err := b.GetLeaseStats(ctx(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.ExpiredTasks)
}

func testLeaseStats(t *testing.T, b storage.Backend) {
	defer b.Close()
	p := newProject(t, b, "lease-stats-project")
	tt := newType(t, b, p.ID, "lease-stats-type")

	for i := 0; i < 3; i++ {
		newTask(t, b, p.ID, tt, map[string]string{"i": fmt.Sprint(i)})
	}
	c1, _, err := b.GetNextTask(ctx(), p.ID, "ls-a")
	require.NoError(t, err)
	_, _, err = b.GetNextTask(ctx(), p.ID, "ls-b")
	require.NoError(t, err)
	expireLease(t, b, c1.ID)

	stats, err := b.GetLeaseStats(ctx(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalRunningTasks)
	assert.Equal(t, 1, stats.ExpiredTasks)
	assert.Equal(t, 1, stats.TasksByStatus[models.TaskStatusQueued])
	assert.Equal(t, 2, stats.TasksByStatus[models.TaskStatusRunning])
}

func testActiveAgents(t *testing.T, b storage.Backend) {
	defer b.Close()
	p := newProject(t, b, "agents-project")
	tt := newType(t, b, p.ID, "agents-type")
	newTask(t, b, p.ID, tt, map[string]string{"n": "1"})
	newTask(t, b, p.ID, tt, map[string]string{"n": "2"})

	_, _, err := b.GetNextTask(ctx(), p.ID, "zeta")
	require.NoError(t, err)
	claimed, _, err := b.GetNextTask(ctx(), p.ID, "alpha")
	require.NoError(t, err)

	agents, err := b.ListActiveAgents(ctx(), p.ID)
	require.NoError(t, err)
	require.Len(t, agents, 2)
	assert.Equal(t, "alpha", agents[0].Name)
	assert.Equal(t, "zeta", agents[1].Name)
	assert.Equal(t, "working", agents[0].Status)

	status, err := b.GetAgentStatus(ctx(), "alpha", p.ID)
	require.NoError(t, err)
	assert.Equal(t, claimed.ID, status.CurrentTaskID)

	_, err = b.GetAgentStatus(ctx(), "nobody", p.ID)
	assert.Equal(t, storage.KindNotFound, storage.KindOf(err))

	// Completion removes the agent from the derived view.
	_, err = b.CompleteTask(ctx(), claimed.ID, "alpha", &models.TaskResult{Success: true})
	require.NoError(t, err)
	agents, err = b.ListActiveAgents(ctx(), p.ID)
	require.NoError(t, err)
	require.Len(t, agents, 1)
	assert.Equal(t, "zeta", agents[0].Name)
}

func testSessions(t *testing.T, b storage.Backend) {
	defer b.Close()
	p := newProject(t, b, "session-project")
	now := time.Now().UTC()

	mk := func(agent string, lastAccess time.Time, expires time.Time) *models.Session {
		s := &models.Session{
			ID:             uuid.New().String(),
			AgentName:      agent,
			ProjectID:      p.ID,
			CreatedAt:      now,
			LastAccessedAt: lastAccess,
			ExpiresAt:      expires,
			Data:           map[string]any{},
		}
		require.NoError(t, b.CreateSession(ctx(), s))
		return s
	}

	oldSession := mk("worker", now.Add(-time.Hour), now.Add(time.Hour))
	freshSession := mk("worker", now, now.Add(time.Hour))
	mk("other", now, now.Add(time.Hour))
	expired := mk("worker", now.Add(-2*time.Hour), now.Add(-time.Minute))

	got, err := b.GetSession(ctx(), oldSession.ID)
	require.NoError(t, err)
	got.Data["counter"] = float64(1)
	require.NoError(t, b.UpdateSession(ctx(), got))

	reread, err := b.GetSession(ctx(), oldSession.ID)
	require.NoError(t, err)
	assert.Equal(t, float64(1), reread.Data["counter"])

	found, err := b.FindSessionsByAgent(ctx(), "worker", p.ID)
	require.NoError(t, err)
	require.Len(t, found, 3)
	assert.Equal(t, freshSession.ID, found[0].ID, "most recently accessed first")

	removed, err := b.CleanupExpiredSessions(ctx())
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	_, err = b.GetSession(ctx(), expired.ID)
	assert.Equal(t, storage.KindNotFound, storage.KindOf(err))

	require.NoError(t, b.DeleteSession(ctx(), freshSession.ID))
	_, err = b.GetSession(ctx(), freshSession.ID)
	assert.Equal(t, storage.KindNotFound, storage.KindOf(err))
}

func testConcurrentClaims(t *testing.T, b storage.Backend) {
	defer b.Close()
	p := newProject(t, b, "concurrent-project")
	tt := newType(t, b, p.ID, "concurrent-type")

	const taskCount = 10
	const claimers = 25
	for i := 0; i < taskCount; i++ {
		newTask(t, b, p.ID, tt, map[string]string{"i": fmt.Sprint(i)})
	}

	var mu sync.Mutex
	claimedBy := map[string]string{}
	var wg sync.WaitGroup
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			agent := fmt.Sprintf("claimer-%02d", n)
			task, _, err := b.GetNextTask(ctx(), p.ID, agent)
			if err != nil || task == nil {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if prev, dup := claimedBy[task.ID]; dup {
				t.Errorf("task %s claimed by both %s and %s", task.ID, prev, agent)
			}
			claimedBy[task.ID] = agent
		}(i)
	}
	wg.Wait()

	assert.Len(t, claimedBy, taskCount, "every task claimed exactly once")

	running, total, err := b.ListTasks(ctx(), p.ID, storage.ListTasksFilter{Status: models.TaskStatusRunning})
	require.NoError(t, err)
	assert.Equal(t, taskCount, total)
	for _, task := range running {
		assert.Equal(t, claimedBy[task.ID], task.AssignedTo)
	}
}
