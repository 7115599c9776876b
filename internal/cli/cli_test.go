package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HamStudy/taskdriver-mcp-sub002/internal/command"
	"github.com/HamStudy/taskdriver-mcp-sub002/internal/common/config"
	"github.com/HamStudy/taskdriver-mcp-sub002/internal/common/logger"
	"github.com/HamStudy/taskdriver-mcp-sub002/internal/session"
	"github.com/HamStudy/taskdriver-mcp-sub002/internal/storage"
	"github.com/HamStudy/taskdriver-mcp-sub002/internal/task/models"
	"github.com/HamStudy/taskdriver-mcp-sub002/internal/task/service"
)

type serverCall struct {
	called     bool
	configPath string
	mode       string
}

func testDeps(t *testing.T) *command.Deps {
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
	return &command.Deps{
		Tasks:       tasks,
		Sessions:    sessions,
		Store:       store,
		Logger:      log,
		Version:     "test",
		StorageName: "memory",
	}
}

func newTestCLI(t *testing.T) (*cobra.Command, *command.Deps, *serverCall) {
	t.Helper()
	deps := testDeps(t)
	call := &serverCall{}
	root := New(Options{
		Version: "test",
		Provide: func(ctx context.Context, configPath string) (*command.Deps, func() error, error) {
			return deps, func() error { return nil }, nil
		},
		RunServer: func(ctx context.Context, configPath, mode string) error {
			call.called = true
			call.configPath = configPath
			call.mode = mode
			return nil
		},
	})
	return root, deps, call
}

func execCLI(t *testing.T, root *cobra.Command, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func seedProject(t *testing.T, deps *command.Deps, name string) *models.Project {
	t.Helper()
	project, err := deps.Tasks.CreateProject(context.Background(), &service.CreateProjectRequest{
		Name:        name,
		Description: "test project",
	})
	require.NoError(t, err)
	return project
}

func seedTaskType(t *testing.T, deps *command.Deps, projectID string) *models.TaskType {
	t.Helper()
	taskType, err := deps.Tasks.CreateTaskType(context.Background(), &service.CreateTaskTypeRequest{
		ProjectID: projectID,
		Name:      "work",
	})
	require.NoError(t, err)
	return taskType
}

func seedClaimedTask(t *testing.T, deps *command.Deps, projectID, typeID string) (*models.Task, string) {
	t.Helper()
	ctx := context.Background()
	_, _, err := deps.Tasks.CreateTask(ctx, projectID, &service.CreateTaskRequest{
		TypeID:       typeID,
		Instructions: "do the thing",
	})
	require.NoError(t, err)
	task, agentName, err := deps.Tasks.GetNextTask(ctx, projectID, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, task)
	return task, agentName
}

func TestVersionCommand(t *testing.T) {
	root, _, _ := newTestCLI(t)
	out, err := execCLI(t, root, "version")
	require.NoError(t, err)
	assert.Equal(t, "taskdriver test\n", out)
}

func TestCreateProject_HumanOutput(t *testing.T) {
	root, deps, _ := newTestCLI(t)
	out, err := execCLI(t, root, "create-project", "demo", "crawl jobs")
	require.NoError(t, err)
	assert.Contains(t, out, "Project: demo")
	assert.Contains(t, out, "Description: crawl jobs")

	projects, err := deps.Tasks.ListProjects(context.Background(), false)
	require.NoError(t, err)
	require.Len(t, projects, 1)
	assert.Equal(t, "demo", projects[0].Name)
}

func TestJSONOutput(t *testing.T) {
	root, deps, _ := newTestCLI(t)
	project := seedProject(t, deps, "demo")

	out, err := execCLI(t, root, "--format", "json", "get-project", project.ID)
	require.NoError(t, err)

	var got models.Project
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, project.ID, got.ID)
	assert.Equal(t, "demo", got.Name)
}

func TestFlagBinding(t *testing.T) {
	root, deps, _ := newTestCLI(t)
	project := seedProject(t, deps, "demo")

	_, err := execCLI(t, root, "create-task-type", project.ID, "render",
		"--template", "Render {{page}}", "--maxRetries", "5")
	require.NoError(t, err)

	types, err := deps.Tasks.ListTaskTypes(context.Background(), project.ID)
	require.NoError(t, err)
	require.Len(t, types, 1)
	assert.Equal(t, "Render {{page}}", types[0].Template)
	assert.Equal(t, 5, types[0].MaxRetries)
	assert.Equal(t, []string{"page"}, types[0].Variables)
}

func TestFailTask_RequeuesByDefault(t *testing.T) {
	root, deps, _ := newTestCLI(t)
	project := seedProject(t, deps, "demo")
	taskType := seedTaskType(t, deps, project.ID)
	task, agentName := seedClaimedTask(t, deps, project.ID, taskType.ID)

	out, err := execCLI(t, root, "fail-task", task.ID, agentName, "boom")
	require.NoError(t, err)
	assert.Contains(t, out, "requeued")

	got, err := deps.Tasks.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusQueued, got.Status)
	assert.Equal(t, 1, got.RetryCount)
}

func TestFailTask_NoRetryFlag(t *testing.T) {
	root, deps, _ := newTestCLI(t)
	project := seedProject(t, deps, "demo")
	taskType := seedTaskType(t, deps, project.ID)
	task, agentName := seedClaimedTask(t, deps, project.ID, taskType.ID)

	out, err := execCLI(t, root, "fail-task", task.ID, agentName, "boom", "--canRetry=false")
	require.NoError(t, err)
	assert.Contains(t, out, "failed permanently")

	got, err := deps.Tasks.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusFailed, got.Status)
}

func TestAtFileExpansion(t *testing.T) {
	root, deps, _ := newTestCLI(t)
	project := seedProject(t, deps, "demo")
	taskType := seedTaskType(t, deps, project.ID)

	path := filepath.Join(t.TempDir(), "instructions.txt")
	require.NoError(t, os.WriteFile(path, []byte("Crawl the docs site"), 0o644))

	out, err := execCLI(t, root, "create-task", project.ID, taskType.ID, "@"+path)
	require.NoError(t, err)
	assert.Contains(t, out, "Crawl the docs site")
}

func TestAtFileMissing(t *testing.T) {
	root, deps, _ := newTestCLI(t)
	project := seedProject(t, deps, "demo")
	taskType := seedTaskType(t, deps, project.ID)

	_, err := execCLI(t, root, "create-task", project.ID, taskType.ID, "@"+filepath.Join(t.TempDir(), "missing.txt"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing.txt")
}

func TestBulkCreate_YAMLFile(t *testing.T) {
	root, deps, _ := newTestCLI(t)
	project := seedProject(t, deps, "demo")
	taskType := seedTaskType(t, deps, project.ID)

	body := "- typeId: " + taskType.ID + "\n  instructions: first\n" +
		"- typeId: " + taskType.ID + "\n  instructions: second\n"
	path := filepath.Join(t.TempDir(), "tasks.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	out, err := execCLI(t, root, "create-tasks-bulk", project.ID, "@"+path)
	require.NoError(t, err)
	assert.Contains(t, out, "created=2")

	list, err := deps.Tasks.ListTasks(context.Background(), project.ID, storage.ListTasksFilter{})
	require.NoError(t, err)
	assert.Len(t, list.Tasks, 2)
}

func TestBulkCreate_InlineJSON(t *testing.T) {
	root, deps, _ := newTestCLI(t)
	project := seedProject(t, deps, "demo")
	taskType := seedTaskType(t, deps, project.ID)

	out, err := execCLI(t, root, "create-tasks-bulk", project.ID,
		`[{"typeId":"`+taskType.ID+`","instructions":"single"}]`)
	require.NoError(t, err)
	assert.Contains(t, out, "created=1")
}

func TestBulkCreate_NotAList(t *testing.T) {
	root, deps, _ := newTestCLI(t)
	project := seedProject(t, deps, "demo")

	_, err := execCLI(t, root, "create-tasks-bulk", project.ID, "not: a list")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "array")
}

func TestMissingRequiredPositional(t *testing.T) {
	root, _, _ := newTestCLI(t)
	_, err := execCLI(t, root, "get-project")
	require.Error(t, err)
}

func TestChoiceValidationSurfaces(t *testing.T) {
	root, deps, _ := newTestCLI(t)
	project := seedProject(t, deps, "demo")

	_, err := execCLI(t, root, "list-tasks", project.ID, "--status", "bogus")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status must be one of")
}

func TestInvalidFormat(t *testing.T) {
	root, _, _ := newTestCLI(t)
	_, err := execCLI(t, root, "--format", "xml", "list-projects")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--format")
}

func TestUnknownCommand(t *testing.T) {
	root, _, _ := newTestCLI(t)
	_, err := execCLI(t, root, "bogus")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown command")
}

func TestBareInvocationServes(t *testing.T) {
	root, _, call := newTestCLI(t)
	_, err := execCLI(t, root)
	require.NoError(t, err)
	assert.True(t, call.called)
	assert.Equal(t, "", call.mode)
}

func TestModeFlagDispatch(t *testing.T) {
	root, _, call := newTestCLI(t)
	_, err := execCLI(t, root, "--mode", "http", "--config", "/etc/alt")
	require.NoError(t, err)
	assert.True(t, call.called)
	assert.Equal(t, "http", call.mode)
	assert.Equal(t, "/etc/alt", call.configPath)
}

func TestCLIModeShowsHelp(t *testing.T) {
	root, _, call := newTestCLI(t)
	out, err := execCLI(t, root, "--mode", "cli")
	require.NoError(t, err)
	assert.False(t, call.called)
	assert.Contains(t, out, "Usage:")
}

func TestInvalidMode(t *testing.T) {
	root, _, _ := newTestCLI(t)
	_, err := execCLI(t, root, "--mode", "bogus")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--mode")
}

func TestProvideErrorPropagates(t *testing.T) {
	root := New(Options{
		Version: "test",
		Provide: func(ctx context.Context, configPath string) (*command.Deps, func() error, error) {
			return nil, nil, errors.New("storage offline")
		},
		RunServer: func(ctx context.Context, configPath, mode string) error { return nil },
	})
	_, err := execCLI(t, root, "list-projects")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "storage offline")
}

func TestCleanupRunsAfterCommand(t *testing.T) {
	deps := testDeps(t)
	cleaned := false
	root := New(Options{
		Version: "test",
		Provide: func(ctx context.Context, configPath string) (*command.Deps, func() error, error) {
			return deps, func() error { cleaned = true; return nil }, nil
		},
		RunServer: func(ctx context.Context, configPath, mode string) error { return nil },
	})
	_, err := execCLI(t, root, "list-projects")
	require.NoError(t, err)
	assert.True(t, cleaned)
}
