package events

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HamStudy/taskdriver-mcp-sub002/internal/common/logger"
	"github.com/HamStudy/taskdriver-mcp-sub002/internal/events/bus"
)

func testBus(t *testing.T) *bus.MemoryEventBus {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	b := bus.NewMemoryEventBus(log)
	t.Cleanup(b.Close)
	return b
}

func waitForEntries(t *testing.T, rec *ActivityRecorder, projectID string, want int) []ActivityEntry {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		entries := rec.Recent(projectID, 0)
		if len(entries) >= want {
			return entries
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d activity entries for %s", want, projectID)
	return nil
}

func TestActivityRecorderRecordsTaskEvents(t *testing.T) {
	b := testBus(t)
	rec := NewActivityRecorder(10)
	require.NoError(t, rec.Attach(b))
	defer rec.Detach()

	ctx := context.Background()
	evt := bus.NewEvent(TaskClaimed, Source, map[string]interface{}{
		"projectId": "proj-1",
		"taskId":    "task-1",
		"agentName": "agent-1",
	})
	require.NoError(t, b.Publish(ctx, BuildTaskSubject(TaskClaimed, "proj-1"), evt))

	entries := waitForEntries(t, rec, "proj-1", 1)
	assert.Equal(t, TaskClaimed, entries[0].Type)
	assert.Equal(t, "task-1", entries[0].TaskID)
	assert.Equal(t, "agent-1", entries[0].AgentName)
}

func TestActivityRecorderBoundedPerProject(t *testing.T) {
	b := testBus(t)
	rec := NewActivityRecorder(5)
	require.NoError(t, rec.Attach(b))
	defer rec.Detach()

	ctx := context.Background()
	for i := 0; i < 12; i++ {
		evt := bus.NewEvent(TaskCreated, Source, map[string]interface{}{
			"projectId": "proj-ring",
			"taskId":    fmt.Sprintf("task-%d", i),
		})
		require.NoError(t, b.Publish(ctx, BuildTaskSubject(TaskCreated, "proj-ring"), evt))
		// Memory bus dispatches handlers asynchronously; settle between
		// publishes so the ring keeps the newest entries.
		waitForEntries(t, rec, "proj-ring", min(i+1, 5))
	}

	entries := rec.Recent("proj-ring", 0)
	require.Len(t, entries, 5)
	// Newest first.
	assert.Equal(t, "task-11", entries[0].TaskID)
	assert.Equal(t, "task-7", entries[4].TaskID)
}

func TestActivityRecorderScopesByProject(t *testing.T) {
	b := testBus(t)
	rec := NewActivityRecorder(10)
	require.NoError(t, rec.Attach(b))
	defer rec.Detach()

	ctx := context.Background()
	for _, proj := range []string{"alpha", "beta"} {
		evt := bus.NewEvent(ProjectCreated, Source, map[string]interface{}{"projectId": proj})
		require.NoError(t, b.Publish(ctx, "project.created", evt))
	}

	alpha := waitForEntries(t, rec, "alpha", 1)
	beta := waitForEntries(t, rec, "beta", 1)
	assert.Len(t, alpha, 1)
	assert.Len(t, beta, 1)
	assert.Empty(t, rec.Recent("gamma", 0))
}

func TestActivityRecorderRecentLimit(t *testing.T) {
	rec := NewActivityRecorder(10)
	for i := 0; i < 8; i++ {
		err := rec.record(context.Background(), bus.NewEvent(TaskCompleted, Source, map[string]interface{}{
			"projectId": "p",
			"taskId":    fmt.Sprintf("t-%d", i),
		}))
		require.NoError(t, err)
	}

	entries := rec.Recent("p", 3)
	require.Len(t, entries, 3)
	assert.Equal(t, "t-7", entries[0].TaskID)
	assert.Equal(t, "t-5", entries[2].TaskID)
}

func TestActivityRecorderForget(t *testing.T) {
	rec := NewActivityRecorder(10)
	err := rec.record(context.Background(), bus.NewEvent(TaskCreated, Source, map[string]interface{}{
		"projectId": "p", "taskId": "t-1",
	}))
	require.NoError(t, err)
	require.Len(t, rec.Recent("p", 0), 1)

	rec.Forget("p")
	assert.Empty(t, rec.Recent("p", 0))
}
