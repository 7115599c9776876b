package reaper

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HamStudy/taskdriver-mcp-sub002/internal/common/config"
	"github.com/HamStudy/taskdriver-mcp-sub002/internal/common/logger"
	"github.com/HamStudy/taskdriver-mcp-sub002/internal/session"
	"github.com/HamStudy/taskdriver-mcp-sub002/internal/storage"
	"github.com/HamStudy/taskdriver-mcp-sub002/internal/task/models"
	"github.com/HamStudy/taskdriver-mcp-sub002/internal/task/service"
)

func newTestReaper(t *testing.T, interval time.Duration) (*Reaper, *service.Service, *session.Service, storage.Backend) {
	t.Helper()
	store := storage.NewMemoryBackend()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	require.NoError(t, err)
	tasks := service.NewService(store, nil, log, config.DefaultsConfig{
		MaxRetries:            3,
		LeaseDurationMinutes:  10,
		ReaperIntervalMinutes: 5,
	})
	sessions := session.NewService(store, config.SessionConfig{Secret: "test-secret", Timeout: 3600}, log)
	return New(tasks, sessions, interval, log), tasks, sessions, store
}

func seedClaimedTask(t *testing.T, tasks *service.Service) (projectID, taskID string) {
	t.Helper()
	ctx := context.Background()
	project, err := tasks.CreateProject(ctx, &service.CreateProjectRequest{Name: "sweep", Description: "test project"})
	require.NoError(t, err)
	taskType, err := tasks.CreateTaskType(ctx, &service.CreateTaskTypeRequest{ProjectID: project.ID, Name: "work"})
	require.NoError(t, err)
	_, _, err = tasks.CreateTask(ctx, project.ID, &service.CreateTaskRequest{TypeID: taskType.ID, Instructions: "do it"})
	require.NoError(t, err)
	task, _, err := tasks.GetNextTask(ctx, project.ID, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, task)
	return project.ID, task.ID
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

func TestSweep_ReclaimsExpiredLeases(t *testing.T) {
	r, tasks, _, store := newTestReaper(t, time.Minute)
	_, taskID := seedClaimedTask(t, tasks)
	expireLease(t, store, taskID)

	r.Sweep(context.Background())

	got, err := tasks.GetTask(context.Background(), taskID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusQueued, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Empty(t, got.AssignedTo)
}

func TestSweep_CoversClosedProjects(t *testing.T) {
	r, tasks, _, store := newTestReaper(t, time.Minute)
	projectID, taskID := seedClaimedTask(t, tasks)
	expireLease(t, store, taskID)

	_, err := tasks.CloseProject(context.Background(), projectID)
	require.NoError(t, err)

	r.Sweep(context.Background())

	got, err := tasks.GetTask(context.Background(), taskID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusQueued, got.Status)
}

func TestSweep_RemovesExpiredSessions(t *testing.T) {
	r, tasks, sessions, store := newTestReaper(t, time.Minute)
	ctx := context.Background()

	project, err := tasks.CreateProject(ctx, &service.CreateProjectRequest{Name: "sweep", Description: "test project"})
	require.NoError(t, err)

	live, err := sessions.CreateSession(ctx, "agent-1", project.ID, session.CreateOptions{})
	require.NoError(t, err)
	dead, err := sessions.CreateSession(ctx, "agent-2", project.ID, session.CreateOptions{})
	require.NoError(t, err)

	sess, err := store.GetSession(ctx, dead.Session.ID)
	require.NoError(t, err)
	sess.ExpiresAt = time.Now().UTC().Add(-time.Minute)
	require.NoError(t, store.UpdateSession(ctx, sess))

	r.Sweep(ctx)

	_, err = sessions.AuthenticateSession(ctx, dead.Token)
	require.Error(t, err)
	_, err = sessions.AuthenticateSession(ctx, live.Token)
	require.NoError(t, err)
}

func TestRun_SweepsOnInterval(t *testing.T) {
	r, tasks, _, store := newTestReaper(t, 10*time.Millisecond)
	_, taskID := seedClaimedTask(t, tasks)
	expireLease(t, store, taskID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = r.Run(ctx) }()

	require.Eventually(t, func() bool {
		got, err := tasks.GetTask(context.Background(), taskID)
		return err == nil && got.Status == models.TaskStatusQueued
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRun_StopsOnCancel(t *testing.T) {
	r, _, _, _ := newTestReaper(t, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- r.Run(ctx) }()
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("reaper did not stop on cancel")
	}
}
