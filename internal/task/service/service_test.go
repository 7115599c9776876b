package service

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HamStudy/taskdriver-mcp-sub002/internal/common/config"
	"github.com/HamStudy/taskdriver-mcp-sub002/internal/common/logger"
	"github.com/HamStudy/taskdriver-mcp-sub002/internal/events/bus"
	"github.com/HamStudy/taskdriver-mcp-sub002/internal/storage"
	"github.com/HamStudy/taskdriver-mcp-sub002/internal/task/models"
)

// MockEventBus implements bus.EventBus for testing
type MockEventBus struct {
	mu              sync.Mutex
	publishedEvents []*bus.Event
	closed          bool
}

func NewMockEventBus() *MockEventBus {
	return &MockEventBus{
		publishedEvents: make([]*bus.Event, 0),
	}
}

func (m *MockEventBus) Publish(ctx context.Context, subject string, event *bus.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishedEvents = append(m.publishedEvents, event)
	return nil
}

func (m *MockEventBus) Subscribe(subject string, handler bus.EventHandler) (bus.Subscription, error) {
	return nil, nil
}

func (m *MockEventBus) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
}

func (m *MockEventBus) IsConnected() bool {
	return !m.closed
}

func (m *MockEventBus) EventsOfType(eventType string) []*bus.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*bus.Event
	for _, e := range m.publishedEvents {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

func createTestService(t *testing.T) (*Service, *MockEventBus, *storage.MemoryBackend) {
	t.Helper()
	store := storage.NewMemoryBackend()
	eventBus := NewMockEventBus()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	require.NoError(t, err)
	svc := NewService(store, eventBus, log, config.DefaultsConfig{
		MaxRetries:            3,
		LeaseDurationMinutes:  10,
		ReaperIntervalMinutes: 5,
	})
	return svc, eventBus, store
}

func mustProject(t *testing.T, svc *Service, name string) *models.Project {
	t.Helper()
	p, err := svc.CreateProject(context.Background(), &CreateProjectRequest{Name: name, Description: "test project"})
	require.NoError(t, err)
	return p
}

func mustType(t *testing.T, svc *Service, projectID string, req *CreateTaskTypeRequest) *models.TaskType {
	t.Helper()
	req.ProjectID = projectID
	tt, err := svc.CreateTaskType(context.Background(), req)
	require.NoError(t, err)
	return tt
}

func expireLease(t *testing.T, store storage.Backend, taskID string) {
	t.Helper()
	task, err := store.GetTask(context.Background(), taskID)
	require.NoError(t, err)
	past := time.Now().UTC().Add(-time.Minute)
	task.LeaseExpiresAt = &past
	if a := task.LastAttempt(); a != nil {
		a.LeaseExpiresAt = past
	}
	require.NoError(t, store.UpdateTask(context.Background(), task))
}

// Project tests

func TestService_CreateProject(t *testing.T) {
	svc, eventBus, _ := createTestService(t)
	ctx := context.Background()

	p, err := svc.CreateProject(ctx, &CreateProjectRequest{Name: "my-project", Description: "desc"})
	require.NoError(t, err)
	assert.NotEmpty(t, p.ID)
	assert.Equal(t, models.ProjectStatusActive, p.Status)
	// Defaults inherited from service configuration.
	assert.Equal(t, 3, p.Config.DefaultMaxRetries)
	assert.Equal(t, 10, p.Config.DefaultLeaseDurationMinutes)
	assert.Equal(t, 5, p.Config.ReaperIntervalMinutes)

	require.Len(t, eventBus.EventsOfType("project.created"), 1)
}

func TestService_CreateProjectValidation(t *testing.T) {
	svc, _, _ := createTestService(t)
	ctx := context.Background()

	cases := []struct {
		name    string
		project string
	}{
		{"empty", ""},
		{"uppercase", "MyProject"},
		{"leading dash", "-project"},
		{"spaces", "my project"},
		{"too long", strings.Repeat("a", 65)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.CreateProject(ctx, &CreateProjectRequest{Name: tc.project})
			require.Error(t, err)
			assert.Equal(t, storage.KindValidation, storage.KindOf(err))
		})
	}

	// Config range checks.
	bad := 99
	_, err := svc.CreateProject(ctx, &CreateProjectRequest{
		Name:   "ranged",
		Config: &ProjectConfigInput{DefaultMaxRetries: &bad},
	})
	require.Error(t, err)
	assert.Equal(t, storage.KindValidation, storage.KindOf(err))
}

func TestService_CreateProjectNameUniqueAcrossClosed(t *testing.T) {
	svc, _, _ := createTestService(t)
	ctx := context.Background()

	p := mustProject(t, svc, "taken")
	_, err := svc.CloseProject(ctx, p.ID)
	require.NoError(t, err)

	_, err = svc.CreateProject(ctx, &CreateProjectRequest{Name: "taken"})
	require.Error(t, err)
	assert.Equal(t, storage.KindConflict, storage.KindOf(err))
}

func TestService_UpdateProject(t *testing.T) {
	svc, _, _ := createTestService(t)
	ctx := context.Background()

	p := mustProject(t, svc, "update-me")
	desc := "new description"
	lease := 42
	updated, err := svc.UpdateProject(ctx, p.ID, &UpdateProjectRequest{
		Description: &desc,
		Config:      &ProjectConfigInput{DefaultLeaseDurationMinutes: &lease},
	})
	require.NoError(t, err)
	assert.Equal(t, "new description", updated.Description)
	assert.Equal(t, 42, updated.Config.DefaultLeaseDurationMinutes)
	// Untouched fields survive.
	assert.Equal(t, 3, updated.Config.DefaultMaxRetries)
	assert.Equal(t, models.ProjectStatusActive, updated.Status)
}

func TestService_CloseProjectBlocksWork(t *testing.T) {
	svc, eventBus, _ := createTestService(t)
	ctx := context.Background()

	p := mustProject(t, svc, "closing")
	tt := mustType(t, svc, p.ID, &CreateTaskTypeRequest{Name: "plain"})

	closed, err := svc.CloseProject(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ProjectStatusClosed, closed.Status)
	require.Len(t, eventBus.EventsOfType("project.closed"), 1)

	// Closing again is a no-op, not an error.
	_, err = svc.CloseProject(ctx, p.ID)
	require.NoError(t, err)
	assert.Len(t, eventBus.EventsOfType("project.closed"), 1)

	_, _, err = svc.CreateTask(ctx, p.ID, &CreateTaskRequest{TypeID: tt.ID, Instructions: "do it"})
	require.Error(t, err)
	assert.Equal(t, storage.KindClosed, storage.KindOf(err))

	_, _, err = svc.GetNextTask(ctx, p.ID, "agent-x")
	require.Error(t, err)
	assert.Equal(t, storage.KindClosed, storage.KindOf(err))

	// History stays readable.
	_, err = svc.GetProject(ctx, p.ID)
	require.NoError(t, err)
}

func TestService_GetProjectStatus(t *testing.T) {
	svc, _, _ := createTestService(t)
	ctx := context.Background()

	p := mustProject(t, svc, "status-project")
	tt := mustType(t, svc, p.ID, &CreateTaskTypeRequest{Name: "plain"})
	for i := 0; i < 3; i++ {
		_, _, err := svc.CreateTask(ctx, p.ID, &CreateTaskRequest{TypeID: tt.ID, Instructions: "work"})
		require.NoError(t, err)
	}
	_, _, err := svc.GetNextTask(ctx, p.ID, "agent-a")
	require.NoError(t, err)

	status, err := svc.GetProjectStatus(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, status.QueueDepth)
	assert.Equal(t, 1, status.ActiveAgents)
	assert.NotNil(t, status.RecentActivity)
}

// TaskType tests

func TestService_CreateTaskTypeInheritsDefaults(t *testing.T) {
	svc, _, _ := createTestService(t)
	ctx := context.Background()

	lease := 77
	p, err := svc.CreateProject(ctx, &CreateProjectRequest{
		Name:   "defaults",
		Config: &ProjectConfigInput{DefaultLeaseDurationMinutes: &lease},
	})
	require.NoError(t, err)

	tt := mustType(t, svc, p.ID, &CreateTaskTypeRequest{Name: "inherited", Template: "Analyze {{file}} for {{issue}}"})
	assert.Equal(t, 3, tt.MaxRetries)
	assert.Equal(t, 77, tt.LeaseDurationMinutes)
	assert.Equal(t, models.DuplicateAllow, tt.DuplicateHandling)
	assert.Equal(t, []string{"file", "issue"}, tt.Variables)

	// Explicit values win over defaults.
	retries := 1
	tt2 := mustType(t, svc, p.ID, &CreateTaskTypeRequest{Name: "explicit", MaxRetries: &retries})
	assert.Equal(t, 1, tt2.MaxRetries)
}

func TestService_CreateTaskTypeValidation(t *testing.T) {
	svc, _, _ := createTestService(t)
	ctx := context.Background()

	p := mustProject(t, svc, "type-validation")

	_, err := svc.CreateTaskType(ctx, &CreateTaskTypeRequest{ProjectID: p.ID, Name: "bad", DuplicateHandling: "sometimes"})
	require.Error(t, err)
	assert.Equal(t, storage.KindValidation, storage.KindOf(err))

	_, err = svc.CreateTaskType(ctx, &CreateTaskTypeRequest{ProjectID: "nope", Name: "orphan"})
	require.Error(t, err)
	assert.Equal(t, storage.KindNotFound, storage.KindOf(err))

	mustType(t, svc, p.ID, &CreateTaskTypeRequest{Name: "dup"})
	_, err = svc.CreateTaskType(ctx, &CreateTaskTypeRequest{ProjectID: p.ID, Name: "dup"})
	require.Error(t, err)
	assert.Equal(t, storage.KindConflict, storage.KindOf(err))
}

func TestService_UpdateTaskTypeReextractsVariables(t *testing.T) {
	svc, _, _ := createTestService(t)
	ctx := context.Background()

	p := mustProject(t, svc, "reextract")
	tt := mustType(t, svc, p.ID, &CreateTaskTypeRequest{Name: "tpl", Template: "Do {{x}}"})
	assert.Equal(t, []string{"x"}, tt.Variables)

	newTemplate := "Do {{y}} then {{z}}"
	updated, err := svc.UpdateTaskType(ctx, tt.ID, &UpdateTaskTypeRequest{Template: &newTemplate})
	require.NoError(t, err)
	assert.Equal(t, []string{"y", "z"}, updated.Variables)

	// Partial update leaves the template alone.
	retries := 5
	updated, err = svc.UpdateTaskType(ctx, tt.ID, &UpdateTaskTypeRequest{MaxRetries: &retries})
	require.NoError(t, err)
	assert.Equal(t, newTemplate, updated.Template)
	assert.Equal(t, 5, updated.MaxRetries)
}

// S1 - basic lifecycle.

func TestService_BasicLifecycle(t *testing.T) {
	svc, eventBus, _ := createTestService(t)
	ctx := context.Background()

	p := mustProject(t, svc, "p")
	tt := mustType(t, svc, p.ID, &CreateTaskTypeRequest{Name: "t", Template: "Do {{x}}"})

	task, created, err := svc.CreateTask(ctx, p.ID, &CreateTaskRequest{
		TypeID:    tt.ID,
		Variables: map[string]string{"x": "a"},
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, models.TaskStatusQueued, task.Status)
	assert.Equal(t, "Do a", task.Instructions)

	claimed, agent, err := svc.GetNextTask(ctx, p.ID, "A")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, "A", agent)
	assert.Equal(t, task.ID, claimed.ID)
	assert.Equal(t, "A", claimed.AssignedTo)
	assert.Equal(t, "Do a", claimed.Instructions)

	done, err := svc.CompleteTask(ctx, p.ID, task.ID, "A", &models.TaskResult{Success: true, Output: "ok"})
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCompleted, done.Status)
	assert.Empty(t, done.AssignedTo)
	require.NotNil(t, done.Result)
	assert.True(t, done.Result.Success)

	proj, err := svc.GetProject(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, proj.Stats.Total)
	assert.Equal(t, 1, proj.Stats.Completed)

	assert.Len(t, eventBus.EventsOfType("task.created"), 1)
	assert.Len(t, eventBus.EventsOfType("task.claimed"), 1)
	assert.Len(t, eventBus.EventsOfType("task.completed"), 1)
}

// S2 - retry boundary.

func TestService_RetryBoundary(t *testing.T) {
	svc, eventBus, _ := createTestService(t)
	ctx := context.Background()

	p := mustProject(t, svc, "retry")
	retries := 2
	tt := mustType(t, svc, p.ID, &CreateTaskTypeRequest{Name: "flaky", MaxRetries: &retries})
	task, _, err := svc.CreateTask(ctx, p.ID, &CreateTaskRequest{TypeID: tt.ID, Instructions: "try hard"})
	require.NoError(t, err)

	for i, agent := range []string{"A", "B"} {
		claimed, _, err := svc.GetNextTask(ctx, p.ID, agent)
		require.NoError(t, err)
		require.NotNil(t, claimed)

		failed, err := svc.FailTask(ctx, p.ID, task.ID, agent, &models.TaskResult{Success: false, Error: "boom"}, true)
		require.NoError(t, err)
		assert.Equal(t, models.TaskStatusQueued, failed.Status)
		assert.Equal(t, i+1, failed.RetryCount)
	}

	// Third failure is terminal: retryCount already reached maxRetries.
	claimed, _, err := svc.GetNextTask(ctx, p.ID, "C")
	require.NoError(t, err)
	require.NotNil(t, claimed)

	failed, err := svc.FailTask(ctx, p.ID, task.ID, "C", &models.TaskResult{Success: false, Error: "boom"}, true)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusFailed, failed.Status)
	assert.Equal(t, 2, failed.RetryCount)
	assert.NotNil(t, failed.FailedAt)

	assert.Len(t, eventBus.EventsOfType("task.requeued"), 2)
	assert.Len(t, eventBus.EventsOfType("task.failed"), 1)
}

// S3 - lease expiry reclaim.

func TestService_ExpiredLeaseReclaim(t *testing.T) {
	svc, _, store := createTestService(t)
	ctx := context.Background()

	p := mustProject(t, svc, "expiry")
	lease := 1
	tt := mustType(t, svc, p.ID, &CreateTaskTypeRequest{Name: "short-lease", LeaseDurationMinutes: &lease})
	task, _, err := svc.CreateTask(ctx, p.ID, &CreateTaskRequest{TypeID: tt.ID, Instructions: "slow work"})
	require.NoError(t, err)

	claimed, _, err := svc.GetNextTask(ctx, p.ID, "A")
	require.NoError(t, err)
	require.NotNil(t, claimed)

	expireLease(t, store, task.ID)

	reclaimed, agent, err := svc.GetNextTask(ctx, p.ID, "B")
	require.NoError(t, err)
	require.NotNil(t, reclaimed)
	assert.Equal(t, "B", agent)
	assert.Equal(t, task.ID, reclaimed.ID)
	assert.Equal(t, "B", reclaimed.AssignedTo)
	assert.Equal(t, 1, reclaimed.RetryCount)
}

// S4 - duplicate policies.

func TestService_DuplicatePolicies(t *testing.T) {
	svc, _, _ := createTestService(t)
	ctx := context.Background()

	p := mustProject(t, svc, "dupes")
	ignoreType := mustType(t, svc, p.ID, &CreateTaskTypeRequest{Name: "ignoring", Template: "Do {{x}}", DuplicateHandling: "ignore"})
	failType := mustType(t, svc, p.ID, &CreateTaskTypeRequest{Name: "failing", Template: "Do {{x}}", DuplicateHandling: "fail"})

	vars := map[string]string{"x": "same"}

	first, created, err := svc.CreateTask(ctx, p.ID, &CreateTaskRequest{TypeID: ignoreType.ID, Variables: vars})
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := svc.CreateTask(ctx, p.ID, &CreateTaskRequest{TypeID: ignoreType.ID, Variables: vars})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	_, created, err = svc.CreateTask(ctx, p.ID, &CreateTaskRequest{TypeID: failType.ID, Variables: vars})
	require.NoError(t, err)
	assert.True(t, created)

	_, _, err = svc.CreateTask(ctx, p.ID, &CreateTaskRequest{TypeID: failType.ID, Variables: vars})
	require.Error(t, err)
	assert.Equal(t, storage.KindConflict, storage.KindOf(err))
}

// Template handling

func TestService_TemplateTaskValidation(t *testing.T) {
	svc, _, _ := createTestService(t)
	ctx := context.Background()

	p := mustProject(t, svc, "templates")
	tt := mustType(t, svc, p.ID, &CreateTaskTypeRequest{Name: "tpl", Template: "Fix {{bug}} in {{file}}"})

	// Missing placeholder variables fail validation.
	_, _, err := svc.CreateTask(ctx, p.ID, &CreateTaskRequest{
		TypeID:    tt.ID,
		Variables: map[string]string{"bug": "B-1"},
	})
	require.Error(t, err)
	assert.Equal(t, storage.KindValidation, storage.KindOf(err))

	// Supplied instructions are ignored for template types; the rendered
	// template is what readers see.
	task, _, err := svc.CreateTask(ctx, p.ID, &CreateTaskRequest{
		TypeID:       tt.ID,
		Instructions: "ignored",
		Variables:    map[string]string{"bug": "B-1", "file": "main.go"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Fix B-1 in main.go", task.Instructions)

	fetched, err := svc.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "Fix B-1 in main.go", fetched.Instructions)
}

func TestService_PlainTaskRequiresInstructions(t *testing.T) {
	svc, _, _ := createTestService(t)
	ctx := context.Background()

	p := mustProject(t, svc, "plain")
	tt := mustType(t, svc, p.ID, &CreateTaskTypeRequest{Name: "freeform"})

	_, _, err := svc.CreateTask(ctx, p.ID, &CreateTaskRequest{TypeID: tt.ID})
	require.Error(t, err)
	assert.Equal(t, storage.KindValidation, storage.KindOf(err))

	task, _, err := svc.CreateTask(ctx, p.ID, &CreateTaskRequest{TypeID: tt.ID, Instructions: "hand-written"})
	require.NoError(t, err)
	assert.Equal(t, "hand-written", task.Instructions)
}

// Bulk creation

func TestService_CreateTasksBulk(t *testing.T) {
	svc, _, _ := createTestService(t)
	ctx := context.Background()

	p := mustProject(t, svc, "bulk")
	tt := mustType(t, svc, p.ID, &CreateTaskTypeRequest{Name: "tpl", Template: "Do {{x}}", DuplicateHandling: "ignore"})

	inputs := []*CreateTaskRequest{
		{TypeID: tt.ID, Variables: map[string]string{"x": "1"}},
		{TypeID: tt.ID, Variables: map[string]string{"wrong": "var"}}, // invalid: missing x
		{TypeID: tt.ID, Variables: map[string]string{"x": "2"}},
		{TypeID: tt.ID, Variables: map[string]string{"x": "1"}}, // duplicate of [0]
	}

	result, err := svc.CreateTasksBulk(ctx, p.ID, inputs)
	require.NoError(t, err)
	assert.NotEmpty(t, result.BatchID)
	assert.Equal(t, 2, result.TasksCreated)
	assert.Equal(t, 1, result.DuplicatesSkipped)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, 1, result.Errors[0].Index)

	list, err := svc.ListTasks(ctx, p.ID, storage.ListTasksFilter{BatchID: result.BatchID})
	require.NoError(t, err)
	assert.Len(t, list.Tasks, 2)
}

// Ownership and lease operations

func TestService_OwnershipAssertions(t *testing.T) {
	svc, _, _ := createTestService(t)
	ctx := context.Background()

	p := mustProject(t, svc, "owners")
	tt := mustType(t, svc, p.ID, &CreateTaskTypeRequest{Name: "plain"})
	task, _, err := svc.CreateTask(ctx, p.ID, &CreateTaskRequest{TypeID: tt.ID, Instructions: "guarded"})
	require.NoError(t, err)

	_, _, err = svc.GetNextTask(ctx, p.ID, "owner")
	require.NoError(t, err)

	_, err = svc.CompleteTask(ctx, p.ID, task.ID, "thief", &models.TaskResult{Success: true})
	require.Error(t, err)
	assert.Equal(t, storage.KindNotAssigned, storage.KindOf(err))

	_, err = svc.FailTask(ctx, p.ID, task.ID, "thief", &models.TaskResult{Success: false}, true)
	require.Error(t, err)
	assert.Equal(t, storage.KindNotAssigned, storage.KindOf(err))

	_, err = svc.ExtendLease(ctx, task.ID, "thief", 5)
	require.Error(t, err)
	assert.Equal(t, storage.KindNotAssigned, storage.KindOf(err))

	// Wrong project looks like a missing task.
	other := mustProject(t, svc, "other")
	_, err = svc.CompleteTask(ctx, other.ID, task.ID, "owner", &models.TaskResult{Success: true})
	require.Error(t, err)
	assert.Equal(t, storage.KindNotFound, storage.KindOf(err))
}

func TestService_ExtendLease(t *testing.T) {
	svc, _, _ := createTestService(t)
	ctx := context.Background()

	p := mustProject(t, svc, "extend")
	tt := mustType(t, svc, p.ID, &CreateTaskTypeRequest{Name: "plain"})
	task, _, err := svc.CreateTask(ctx, p.ID, &CreateTaskRequest{TypeID: tt.ID, Instructions: "long job"})
	require.NoError(t, err)

	claimed, _, err := svc.GetNextTask(ctx, p.ID, "A")
	require.NoError(t, err)
	before := *claimed.LeaseExpiresAt

	extended, err := svc.ExtendLease(ctx, task.ID, "A", 30)
	require.NoError(t, err)
	assert.True(t, extended.LeaseExpiresAt.After(before))

	_, err = svc.ExtendLease(ctx, task.ID, "A", 0)
	require.Error(t, err)
	assert.Equal(t, storage.KindValidation, storage.KindOf(err))
}

func TestService_CleanupExpiredLeases(t *testing.T) {
	svc, eventBus, store := createTestService(t)
	ctx := context.Background()

	p := mustProject(t, svc, "cleanup")
	tt := mustType(t, svc, p.ID, &CreateTaskTypeRequest{Name: "plain"})

	var ids []string
	for i := 0; i < 2; i++ {
		task, _, err := svc.CreateTask(ctx, p.ID, &CreateTaskRequest{
			TypeID:       tt.ID,
			Instructions: "reclaimable",
			Variables:    map[string]string{"n": string(rune('a' + i))},
		})
		require.NoError(t, err)
		ids = append(ids, task.ID)
	}

	for _, agent := range []string{"A", "B"} {
		_, _, err := svc.GetNextTask(ctx, p.ID, agent)
		require.NoError(t, err)
	}
	for _, id := range ids {
		expireLease(t, store, id)
	}

	result, err := svc.CleanupExpiredLeases(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, result.ReclaimedTasks)
	assert.ElementsMatch(t, []string{"A", "B"}, result.CleanedAgents)
	assert.Len(t, eventBus.EventsOfType("task.lease_expired"), 1)

	// Idempotent: a second sweep finds nothing.
	result, err = svc.CleanupExpiredLeases(ctx, p.ID)
	require.NoError(t, err)
	assert.Zero(t, result.ReclaimedTasks)

	stats, err := svc.GetLeaseStats(ctx, p.ID)
	require.NoError(t, err)
	assert.Zero(t, stats.ExpiredTasks)
}

// Pagination (S5)

func TestService_ListTasksPagination(t *testing.T) {
	svc, _, _ := createTestService(t)
	ctx := context.Background()

	p := mustProject(t, svc, "pages")
	tt := mustType(t, svc, p.ID, &CreateTaskTypeRequest{Name: "tpl", Template: "Do {{n}}"})

	inputs := make([]*CreateTaskRequest, 250)
	for i := range inputs {
		inputs[i] = &CreateTaskRequest{TypeID: tt.ID, Variables: map[string]string{"n": itoa(i)}}
	}
	result, err := svc.CreateTasksBulk(ctx, p.ID, inputs)
	require.NoError(t, err)
	require.Equal(t, 250, result.TasksCreated)

	page, err := svc.ListTasks(ctx, p.ID, storage.ListTasksFilter{Limit: 50, Offset: 100})
	require.NoError(t, err)
	assert.Len(t, page.Tasks, 50)
	assert.Equal(t, models.Pagination{
		Total:      250,
		Offset:     100,
		Limit:      50,
		RangeStart: 101,
		RangeEnd:   150,
		HasMore:    true,
	}, page.Pagination)
}

// Agents

func TestService_AgentViews(t *testing.T) {
	svc, _, _ := createTestService(t)
	ctx := context.Background()

	p := mustProject(t, svc, "agents")
	tt := mustType(t, svc, p.ID, &CreateTaskTypeRequest{Name: "tpl", Template: "Do {{n}}"})
	for i := 0; i < 2; i++ {
		_, _, err := svc.CreateTask(ctx, p.ID, &CreateTaskRequest{TypeID: tt.ID, Variables: map[string]string{"n": itoa(i)}})
		require.NoError(t, err)
	}

	task, _, err := svc.GetNextTask(ctx, p.ID, "worker-1")
	require.NoError(t, err)

	agents, err := svc.ListActiveAgents(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, agents, 1)
	assert.Equal(t, "worker-1", agents[0].Name)
	assert.Equal(t, task.ID, agents[0].CurrentTaskID)
	assert.Equal(t, "working", agents[0].Status)

	status, err := svc.GetAgentStatus(ctx, "worker-1", p.ID)
	require.NoError(t, err)
	assert.Equal(t, task.ID, status.CurrentTaskID)

	_, err = svc.GetAgentStatus(ctx, "nobody", p.ID)
	require.Error(t, err)
	assert.Equal(t, storage.KindNotFound, storage.KindOf(err))
}

func TestService_PeekNextTask(t *testing.T) {
	svc, _, _ := createTestService(t)
	ctx := context.Background()

	p := mustProject(t, svc, "peek")
	tt := mustType(t, svc, p.ID, &CreateTaskTypeRequest{Name: "tpl", Template: "Do {{n}}"})

	peeked, err := svc.PeekNextTask(ctx, p.ID)
	require.NoError(t, err)
	assert.Nil(t, peeked)

	task, _, err := svc.CreateTask(ctx, p.ID, &CreateTaskRequest{TypeID: tt.ID, Variables: map[string]string{"n": "1"}})
	require.NoError(t, err)

	peeked, err = svc.PeekNextTask(ctx, p.ID)
	require.NoError(t, err)
	require.NotNil(t, peeked)
	assert.Equal(t, task.ID, peeked.ID)
	assert.Equal(t, "Do 1", peeked.Instructions)
	// Peek never claims.
	assert.Equal(t, models.TaskStatusQueued, peeked.Status)

	again, err := svc.PeekNextTask(ctx, p.ID)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, task.ID, again.ID)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var digits []byte
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}
