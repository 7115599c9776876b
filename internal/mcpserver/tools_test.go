package mcpserver

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HamStudy/taskdriver-mcp-sub002/internal/command"
	"github.com/HamStudy/taskdriver-mcp-sub002/internal/common/config"
	"github.com/HamStudy/taskdriver-mcp-sub002/internal/common/logger"
	"github.com/HamStudy/taskdriver-mcp-sub002/internal/session"
	"github.com/HamStudy/taskdriver-mcp-sub002/internal/storage"
	"github.com/HamStudy/taskdriver-mcp-sub002/internal/task/service"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

func newTestDeps(t *testing.T) *command.Deps {
	t.Helper()
	store := storage.NewMemoryBackend()
	log := testLogger(t)
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

func callTool(t *testing.T, deps *command.Deps, memory *agentMemory, name string, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	cmd := command.ByName(command.Registry(), name)
	require.NotNil(t, cmd, "tool %s not in registry", name)

	handler := toolHandler(cmd, deps, memory, testLogger(t))
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	result, err := handler(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, result)
	return result
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	text, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected text content, got %T", result.Content[0])
	return text.Text
}

func decodeEnvelope(t *testing.T, result *mcp.CallToolResult) (bool, map[string]any) {
	t.Helper()
	var env struct {
		Success bool           `json:"success"`
		Data    map[string]any `json:"data"`
		Error   string         `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(resultText(t, result)), &env))
	return env.Success, env.Data
}

func TestToolFromCommand_Schema(t *testing.T) {
	cmd := command.ByName(command.Registry(), "create-project")
	require.NotNil(t, cmd)

	tool := toolFromCommand(cmd)
	assert.Equal(t, "create_project", tool.Name)
	assert.NotEmpty(t, tool.Description)
	assert.Contains(t, tool.InputSchema.Required, "name")
	assert.NotContains(t, tool.InputSchema.Required, "description")
	assert.Contains(t, tool.InputSchema.Properties, "name")
	assert.Contains(t, tool.InputSchema.Properties, "maxRetries")
}

func TestToolFromCommand_Choices(t *testing.T) {
	cmd := command.ByName(command.Registry(), "create-task-type")
	require.NotNil(t, cmd)

	tool := toolFromCommand(cmd)
	prop, ok := tool.InputSchema.Properties["duplicateHandling"].(map[string]any)
	require.True(t, ok)
	assert.ElementsMatch(t, []string{"allow", "ignore", "fail"}, prop["enum"])
}

func TestToolFromCommand_ZeroParameters(t *testing.T) {
	cmd := command.ByName(command.Registry(), "health-check")
	require.NotNil(t, cmd)
	require.Empty(t, cmd.Parameters)

	tool := toolFromCommand(cmd)
	assert.Equal(t, "health_check", tool.Name)
	assert.JSONEq(t, `{"type":"object","properties":{}}`, string(tool.RawInputSchema))
}

func TestToolHandler_SuccessEnvelope(t *testing.T) {
	deps := newTestDeps(t)
	memory := newAgentMemory()

	result := callTool(t, deps, memory, "create_project", map[string]any{"name": "mcp-demo"})
	assert.False(t, result.IsError)

	success, data := decodeEnvelope(t, result)
	assert.True(t, success)
	assert.Equal(t, "mcp-demo", data["name"])
	assert.NotEmpty(t, data["id"])
}

func TestToolHandler_ErrorEnvelope(t *testing.T) {
	deps := newTestDeps(t)
	memory := newAgentMemory()

	result := callTool(t, deps, memory, "get_project", map[string]any{})
	assert.True(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, `"success":false`)
	assert.Contains(t, text, "projectId is required")
}

func TestToolHandler_AgentMemory(t *testing.T) {
	deps := newTestDeps(t)
	memory := newAgentMemory()

	_, project := decodeEnvelope(t, callTool(t, deps, memory, "create_project", map[string]any{"name": "mcp-flow"}))
	projectID := project["id"].(string)

	_, taskType := decodeEnvelope(t, callTool(t, deps, memory, "create_task_type", map[string]any{
		"projectId": projectID,
		"name":      "step",
	}))
	typeID := taskType["id"].(string)

	_, created := decodeEnvelope(t, callTool(t, deps, memory, "create_task", map[string]any{
		"projectId":    projectID,
		"typeId":       typeID,
		"instructions": "do it",
	}))
	taskID := created["task"].(map[string]any)["id"].(string)

	// No agentName: the claim generates one and the connection remembers it.
	claim := callTool(t, deps, memory, "get_next_task", map[string]any{"projectId": projectID})
	require.False(t, claim.IsError)
	_, claimData := decodeEnvelope(t, claim)
	agentName, _ := claimData["agentName"].(string)
	require.NotEmpty(t, agentName)
	assert.Equal(t, agentName, memory.recall("stdio"))

	// Completing without agentName succeeds via the remembered identity.
	done := callTool(t, deps, memory, "complete_task", map[string]any{
		"taskId": taskID,
		"output": "finished",
	})
	require.False(t, done.IsError, "expected injected agent name: %s", resultText(t, done))
	_, doneData := decodeEnvelope(t, done)
	assert.Equal(t, "completed", doneData["status"])
}

func TestToolHandler_NoMemoryWithoutClaim(t *testing.T) {
	deps := newTestDeps(t)
	memory := newAgentMemory()

	result := callTool(t, deps, memory, "complete_task", map[string]any{"taskId": "t1"})
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "agentName is required")
}

func TestAgentMemory(t *testing.T) {
	m := newAgentMemory()
	assert.Empty(t, m.recall("c1"))

	m.remember("c1", "agent-a")
	m.remember("c2", "agent-b")
	assert.Equal(t, "agent-a", m.recall("c1"))
	assert.Equal(t, "agent-b", m.recall("c2"))

	// Empty names never overwrite a remembered identity.
	m.remember("c1", "")
	assert.Equal(t, "agent-a", m.recall("c1"))

	m.forget("c1")
	assert.Empty(t, m.recall("c1"))
	assert.Equal(t, "agent-b", m.recall("c2"))
}

func TestFromServerConfig(t *testing.T) {
	cfg := FromServerConfig(config.ServerConfig{Host: "127.0.0.1", Port: 9090, RPCTransport: "http"})
	assert.Equal(t, "http", cfg.Transport)
	assert.Equal(t, "127.0.0.1", cfg.Host)
	assert.Equal(t, 9090, cfg.Port)
}
