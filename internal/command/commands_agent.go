package command

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/HamStudy/taskdriver-mcp-sub002/internal/task/models"
)

func agentCommands() []*Command {
	return []*Command{
		{
			Name:        "get-next-task",
			RPCName:     "get_next_task",
			CLIName:     "get-next-task",
			Description: "Atomically claim the next available task for an agent. Reclaims expired leases and resumes the agent's own running task first.",
			HTTPMethod:  http.MethodPost,
			HTTPPath:    "/api/projects/:projectId/next-task",
			Parameters: []Parameter{
				{Name: "projectId", Type: TypeString, Description: "Project id", Required: true, Positional: true},
				{Name: "agentName", Type: TypeString, Description: "Agent identity; generated when omitted", Positional: true, Aliases: []string{"agent"}},
			},
			Handler: func(ctx context.Context, deps *Deps, args Args) (any, error) {
				task, agentName, err := deps.Tasks.GetNextTask(ctx, args.String("projectId"), args.String("agentName"))
				if err != nil {
					return nil, err
				}
				return map[string]any{"task": task, "agentName": agentName}, nil
			},
			FormatHuman: formatClaim,
		},
		{
			Name:        "peek-next-task",
			RPCName:     "peek_next_task",
			CLIName:     "peek-next-task",
			Description: "Show the task that would be dispatched next without claiming it",
			Parameters: []Parameter{
				{Name: "projectId", Type: TypeString, Description: "Project id", Required: true, Positional: true},
			},
			Handler: func(ctx context.Context, deps *Deps, args Args) (any, error) {
				task, err := deps.Tasks.PeekNextTask(ctx, args.String("projectId"))
				if err != nil {
					return nil, err
				}
				return map[string]any{"task": task}, nil
			},
			FormatHuman: func(result any) string {
				m, _ := result.(map[string]any)
				task, _ := m["task"].(*models.Task)
				if task == nil {
					return "Queue is empty"
				}
				return formatTask(task)
			},
		},
		{
			Name:        "complete-task",
			RPCName:     "complete_task",
			CLIName:     "complete-task",
			Description: "Mark a running task completed. Only the assigned agent may complete it.",
			HTTPMethod:  http.MethodPost,
			HTTPPath:    "/api/tasks/:taskId/complete",
			Parameters: []Parameter{
				{Name: "taskId", Type: TypeString, Description: "Task id", Required: true, Positional: true},
				{Name: "agentName", Type: TypeString, Description: "Agent holding the lease", Required: true, Positional: true, Aliases: []string{"agent"}},
				{Name: "output", Type: TypeString, Description: "Result output", Positional: true, Aliases: []string{"result"}},
				{Name: "projectId", Type: TypeString, Description: "Project id (derived from the task when omitted)"},
			},
			Handler: func(ctx context.Context, deps *Deps, args Args) (any, error) {
				projectID, err := resolveProjectID(ctx, deps, args)
				if err != nil {
					return nil, err
				}
				result := &models.TaskResult{Success: true, Output: args.String("output")}
				return deps.Tasks.CompleteTask(ctx, projectID, args.String("taskId"), args.String("agentName"), result)
			},
			FormatHuman: func(result any) string {
				task, ok := result.(*models.Task)
				if !ok {
					return fmt.Sprintf("%v", result)
				}
				return fmt.Sprintf("Task %s completed", task.ID)
			},
		},
		{
			Name:        "fail-task",
			RPCName:     "fail_task",
			CLIName:     "fail-task",
			Description: "Report a task failure. Requeues while retries remain, otherwise fails permanently.",
			HTTPMethod:  http.MethodPost,
			HTTPPath:    "/api/tasks/:taskId/fail",
			Parameters: []Parameter{
				{Name: "taskId", Type: TypeString, Description: "Task id", Required: true, Positional: true},
				{Name: "agentName", Type: TypeString, Description: "Agent holding the lease", Required: true, Positional: true, Aliases: []string{"agent"}},
				{Name: "error", Type: TypeString, Description: "Failure reason", Positional: true},
				{Name: "canRetry", Type: TypeBoolean, Description: "Allow requeue when retries remain", Default: true},
				{Name: "projectId", Type: TypeString, Description: "Project id (derived from the task when omitted)"},
			},
			Handler: func(ctx context.Context, deps *Deps, args Args) (any, error) {
				projectID, err := resolveProjectID(ctx, deps, args)
				if err != nil {
					return nil, err
				}
				result := &models.TaskResult{Success: false, Error: args.String("error")}
				return deps.Tasks.FailTask(ctx, projectID, args.String("taskId"), args.String("agentName"), result, args.Bool("canRetry"))
			},
			FormatHuman: func(result any) string {
				task, ok := result.(*models.Task)
				if !ok {
					return fmt.Sprintf("%v", result)
				}
				if task.Status == models.TaskStatusQueued {
					return fmt.Sprintf("Task %s requeued (retry %d/%d)", task.ID, task.RetryCount, task.MaxRetries)
				}
				return fmt.Sprintf("Task %s failed permanently", task.ID)
			},
		},
		{
			Name:        "extend-lease",
			RPCName:     "extend_lease",
			CLIName:     "extend-lease",
			Description: "Extend a running task's lease from max(current expiry, now)",
			HTTPMethod:  http.MethodPost,
			HTTPPath:    "/api/tasks/:taskId/extend-lease",
			Parameters: []Parameter{
				{Name: "taskId", Type: TypeString, Description: "Task id", Required: true, Positional: true},
				{Name: "agentName", Type: TypeString, Description: "Agent holding the lease", Required: true, Positional: true, Aliases: []string{"agent"}},
				{Name: "minutes", Type: TypeNumber, Description: "Minutes to add (1-1440)", Required: true, Positional: true},
			},
			Handler: func(ctx context.Context, deps *Deps, args Args) (any, error) {
				return deps.Tasks.ExtendLease(ctx, args.String("taskId"), args.String("agentName"), args.Int("minutes"))
			},
			FormatHuman: func(result any) string {
				task, ok := result.(*models.Task)
				if !ok || task.LeaseExpiresAt == nil {
					return fmt.Sprintf("%v", result)
				}
				return fmt.Sprintf("Lease on %s extended to %s", task.ID, task.LeaseExpiresAt.Format("2006-01-02 15:04:05"))
			},
		},
		{
			Name:        "list-active-agents",
			RPCName:     "list_active_agents",
			CLIName:     "list-active-agents",
			Description: "List agents currently holding a running task in a project",
			Parameters: []Parameter{
				{Name: "projectId", Type: TypeString, Description: "Project id", Required: true, Positional: true},
			},
			Handler: func(ctx context.Context, deps *Deps, args Args) (any, error) {
				return deps.Tasks.ListActiveAgents(ctx, args.String("projectId"))
			},
			FormatHuman: formatAgentList,
		},
		{
			Name:        "get-agent-status",
			RPCName:     "get_agent_status",
			CLIName:     "get-agent-status",
			Description: "Get the running-task view for one agent",
			Parameters: []Parameter{
				{Name: "projectId", Type: TypeString, Description: "Project id", Required: true, Positional: true},
				{Name: "agentName", Type: TypeString, Description: "Agent name", Required: true, Positional: true, Aliases: []string{"agent"}},
			},
			Handler: func(ctx context.Context, deps *Deps, args Args) (any, error) {
				return deps.Tasks.GetAgentStatus(ctx, args.String("agentName"), args.String("projectId"))
			},
			FormatHuman: func(result any) string {
				a, ok := result.(*models.AgentStatus)
				if !ok {
					return fmt.Sprintf("%v", result)
				}
				line := fmt.Sprintf("Agent %s: %s", a.Name, a.Status)
				if a.CurrentTaskID != "" {
					line += " on task " + a.CurrentTaskID
				}
				if a.LeaseExpiresAt != nil {
					line += fmt.Sprintf(" (lease expires %s)", a.LeaseExpiresAt.Format("15:04:05"))
				}
				return line
			},
		},
		{
			Name:        "get-lease-stats",
			RPCName:     "get_lease_stats",
			CLIName:     "get-lease-stats",
			Description: "Summarize lease health for a project",
			Parameters: []Parameter{
				{Name: "projectId", Type: TypeString, Description: "Project id", Required: true, Positional: true},
			},
			Handler: func(ctx context.Context, deps *Deps, args Args) (any, error) {
				return deps.Tasks.GetLeaseStats(ctx, args.String("projectId"))
			},
			FormatHuman: func(result any) string {
				s, ok := result.(*models.LeaseStats)
				if !ok {
					return fmt.Sprintf("%v", result)
				}
				return fmt.Sprintf("Running: %d, expired leases: %d", s.TotalRunningTasks, s.ExpiredTasks)
			},
		},
		{
			Name:        "cleanup-leases",
			RPCName:     "cleanup_leases",
			CLIName:     "cleanup-leases",
			Description: "Requeue or fail every task whose lease has expired",
			Parameters: []Parameter{
				{Name: "projectId", Type: TypeString, Description: "Project id", Required: true, Positional: true},
			},
			Handler: func(ctx context.Context, deps *Deps, args Args) (any, error) {
				return deps.Tasks.CleanupExpiredLeases(ctx, args.String("projectId"))
			},
			FormatHuman: func(result any) string {
				r, ok := result.(*models.CleanupResult)
				if !ok {
					return fmt.Sprintf("%v", result)
				}
				if r.ReclaimedTasks == 0 {
					return "No expired leases"
				}
				return fmt.Sprintf("Reclaimed %d task(s) from: %s", r.ReclaimedTasks, strings.Join(r.CleanedAgents, ", "))
			},
		},
		{
			Name:        "health-check",
			RPCName:     "health_check",
			CLIName:     "health-check",
			Description: "Check service and storage health",
			HTTPMethod:  http.MethodGet,
			HTTPPath:    "/health",
			Parameters:  []Parameter{},
			Handler: func(ctx context.Context, deps *Deps, args Args) (any, error) {
				h := deps.Store.HealthCheck(ctx)
				status := "ok"
				if !h.Healthy {
					status = "unhealthy"
				}
				return map[string]any{
					"status":    status,
					"message":   h.Message,
					"version":   deps.Version,
					"storage":   deps.StorageName,
					"timestamp": time.Now().UTC().Format(time.RFC3339),
				}, nil
			},
			FormatHuman: func(result any) string {
				m, ok := result.(map[string]any)
				if !ok {
					return fmt.Sprintf("%v", result)
				}
				return fmt.Sprintf("Status: %s (storage: %s, version: %s)", m["status"], m["storage"], m["version"])
			},
		},
	}
}

// resolveProjectID prefers an explicit projectId argument and falls back
// to the task's own project.
func resolveProjectID(ctx context.Context, deps *Deps, args Args) (string, error) {
	if id := args.String("projectId"); id != "" {
		return id, nil
	}
	task, err := deps.Tasks.GetTask(ctx, args.String("taskId"))
	if err != nil {
		return "", err
	}
	return task.ProjectID, nil
}

func formatClaim(result any) string {
	m, ok := result.(map[string]any)
	if !ok {
		return fmt.Sprintf("%v", result)
	}
	task, _ := m["task"].(*models.Task)
	agent, _ := m["agentName"].(string)
	if task == nil {
		return "No tasks available"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Claimed task %s as %s\n", task.ID, agent)
	if task.LeaseExpiresAt != nil {
		fmt.Fprintf(&b, "  Lease expires: %s\n", task.LeaseExpiresAt.Format("2006-01-02 15:04:05"))
	}
	if task.Instructions != "" {
		fmt.Fprintf(&b, "  Instructions: %s", task.Instructions)
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatAgentList(result any) string {
	agents, ok := result.([]*models.AgentStatus)
	if !ok {
		return fmt.Sprintf("%v", result)
	}
	if len(agents) == 0 {
		return "No active agents"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d active agent(s)\n", len(agents))
	for _, a := range agents {
		fmt.Fprintf(&b, "  %-24s task=%s\n", a.Name, a.CurrentTaskID)
	}
	return strings.TrimRight(b.String(), "\n")
}
