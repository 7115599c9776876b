package command

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/HamStudy/taskdriver-mcp-sub002/internal/storage"
	"github.com/HamStudy/taskdriver-mcp-sub002/internal/task/models"
	"github.com/HamStudy/taskdriver-mcp-sub002/internal/task/service"
)

func taskCommands() []*Command {
	statusChoices := []string{
		string(models.TaskStatusQueued),
		string(models.TaskStatusRunning),
		string(models.TaskStatusCompleted),
		string(models.TaskStatusFailed),
	}
	return []*Command{
		{
			Name:        "create-task",
			RPCName:     "create_task",
			CLIName:     "create-task",
			Description: "Create a task from a task type. Template types take variables; plain types take instructions.",
			HTTPMethod:  http.MethodPost,
			HTTPPath:    "/api/projects/:projectId/tasks",
			Parameters: []Parameter{
				{Name: "projectId", Type: TypeString, Description: "Project id", Required: true, Positional: true},
				{Name: "typeId", Type: TypeString, Description: "Task type id", Required: true, Positional: true, Aliases: []string{"type"}},
				{Name: "instructions", Type: TypeString, Description: "Instructions for plain (non-template) types", Positional: true},
				{Name: "variables", Type: TypeString, Description: "Template variables as JSON object or key=value list"},
				{Name: "description", Type: TypeString, Description: "Optional task description"},
				{Name: "id", Type: TypeString, Description: "Explicit task id (defaults to a generated uuid)"},
			},
			Handler: func(ctx context.Context, deps *Deps, args Args) (any, error) {
				req, err := taskRequestFromArgs(args)
				if err != nil {
					return nil, err
				}
				task, created, err := deps.Tasks.CreateTask(ctx, args.String("projectId"), req)
				if err != nil {
					return nil, err
				}
				return map[string]any{"task": task, "created": created}, nil
			},
			FormatHuman: func(result any) string {
				m, ok := result.(map[string]any)
				if !ok {
					return fmt.Sprintf("%v", result)
				}
				task, _ := m["task"].(*models.Task)
				if task == nil {
					return fmt.Sprintf("%v", result)
				}
				if created, _ := m["created"].(bool); !created {
					return fmt.Sprintf("Duplicate ignored; existing task %s", task.ID)
				}
				return formatTask(task)
			},
		},
		{
			Name:        "create-tasks-bulk",
			RPCName:     "create_tasks_bulk",
			CLIName:     "create-tasks-bulk",
			Description: "Create many tasks in one call. Partial success: per-item errors carry the input index.",
			Parameters: []Parameter{
				{Name: "projectId", Type: TypeString, Description: "Project id", Required: true, Positional: true},
				{Name: "tasks", Type: TypeArray, Description: "Task inputs: [{typeId, instructions?, variables?, description?}]", Required: true, Positional: true},
			},
			Handler: func(ctx context.Context, deps *Deps, args Args) (any, error) {
				items := args.Slice("tasks")
				inputs := make([]*service.CreateTaskRequest, 0, len(items))
				for i, item := range items {
					req, err := taskRequestFromItem(item)
					if err != nil {
						return nil, storage.NewValidation("tasks[%d]: %v", i, err)
					}
					inputs = append(inputs, req)
				}
				return deps.Tasks.CreateTasksBulk(ctx, args.String("projectId"), inputs)
			},
			FormatHuman: formatBatchResult,
		},
		{
			Name:        "get-task",
			RPCName:     "get_task",
			CLIName:     "get-task",
			Description: "Get a task by id, including its attempt history",
			Parameters: []Parameter{
				{Name: "taskId", Type: TypeString, Description: "Task id", Required: true, Positional: true},
			},
			Handler: func(ctx context.Context, deps *Deps, args Args) (any, error) {
				return deps.Tasks.GetTask(ctx, args.String("taskId"))
			},
			FormatHuman: func(result any) string {
				task, ok := result.(*models.Task)
				if !ok {
					return fmt.Sprintf("%v", result)
				}
				return formatTask(task)
			},
		},
		{
			Name:        "list-tasks",
			RPCName:     "list_tasks",
			CLIName:     "list-tasks",
			Description: "List a project's tasks with filters and pagination",
			HTTPMethod:  http.MethodGet,
			HTTPPath:    "/api/projects/:projectId/tasks",
			Parameters: []Parameter{
				{Name: "projectId", Type: TypeString, Description: "Project id", Required: true, Positional: true},
				{Name: "status", Type: TypeString, Description: "Filter by status", Choices: statusChoices},
				{Name: "typeId", Type: TypeString, Description: "Filter by task type", Aliases: []string{"type"}},
				{Name: "assignedTo", Type: TypeString, Description: "Filter by assigned agent", Aliases: []string{"agent"}},
				{Name: "batchId", Type: TypeString, Description: "Filter by bulk-create batch"},
				{Name: "limit", Type: TypeNumber, Description: "Page size (max 1000)", Default: float64(storage.DefaultListLimit)},
				{Name: "offset", Type: TypeNumber, Description: "Items to skip", Default: float64(0)},
			},
			Handler: func(ctx context.Context, deps *Deps, args Args) (any, error) {
				return deps.Tasks.ListTasks(ctx, args.String("projectId"), storage.ListTasksFilter{
					Status:     models.TaskStatus(args.String("status")),
					TypeID:     args.String("typeId"),
					AssignedTo: args.String("assignedTo"),
					BatchID:    args.String("batchId"),
					Limit:      args.Int("limit"),
					Offset:     args.Int("offset"),
				})
			},
			FormatHuman: formatTaskList,
		},
		{
			Name:        "delete-task",
			RPCName:     "delete_task",
			CLIName:     "delete-task",
			Description: "Delete a task",
			Parameters: []Parameter{
				{Name: "taskId", Type: TypeString, Description: "Task id", Required: true, Positional: true},
			},
			Handler: func(ctx context.Context, deps *Deps, args Args) (any, error) {
				id := args.String("taskId")
				if err := deps.Tasks.DeleteTask(ctx, id); err != nil {
					return nil, err
				}
				return map[string]any{"deleted": true, "taskId": id}, nil
			},
			FormatHuman: func(result any) string {
				if m, ok := result.(map[string]any); ok {
					return fmt.Sprintf("Deleted task %s", m["taskId"])
				}
				return "Task deleted"
			},
		},
	}
}

// taskRequestFromArgs builds a create request from a decoded argument bag.
func taskRequestFromArgs(args Args) (*service.CreateTaskRequest, error) {
	variables, err := args.StringMap("variables")
	if err != nil {
		return nil, storage.NewValidation("%v", err)
	}
	return &service.CreateTaskRequest{
		ID:           args.String("id"),
		TypeID:       args.String("typeId"),
		Description:  args.String("description"),
		Instructions: args.String("instructions"),
		Variables:    variables,
	}, nil
}

// taskRequestFromItem builds a create request from one bulk-input element,
// which arrives as a JSON object.
func taskRequestFromItem(item any) (*service.CreateTaskRequest, error) {
	obj, ok := item.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("must be an object")
	}
	raw := Args(obj)
	variables, err := raw.StringMap("variables")
	if err != nil {
		return nil, err
	}
	return &service.CreateTaskRequest{
		ID:           raw.String("id"),
		TypeID:       firstNonEmpty(raw.String("typeId"), raw.String("type")),
		Description:  raw.String("description"),
		Instructions: raw.String("instructions"),
		Variables:    variables,
	}, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func formatTask(task *models.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n", task.ID)
	fmt.Fprintf(&b, "  Project: %s, type: %s\n", task.ProjectID, task.TypeID)
	fmt.Fprintf(&b, "  Status: %s, retries: %d/%d\n", task.Status, task.RetryCount, task.MaxRetries)
	if task.AssignedTo != "" {
		fmt.Fprintf(&b, "  Assigned to: %s", task.AssignedTo)
		if task.LeaseExpiresAt != nil {
			fmt.Fprintf(&b, " (lease expires %s)", task.LeaseExpiresAt.Format("2006-01-02 15:04:05"))
		}
		b.WriteString("\n")
	}
	if task.Instructions != "" {
		fmt.Fprintf(&b, "  Instructions: %s\n", task.Instructions)
	}
	if task.Result != nil {
		out, _ := json.Marshal(task.Result)
		fmt.Fprintf(&b, "  Result: %s\n", out)
	}
	fmt.Fprintf(&b, "  Attempts: %d", len(task.Attempts))
	return b.String()
}

func formatTaskList(result any) string {
	list, ok := result.(*service.ListTasksResult)
	if !ok {
		return fmt.Sprintf("%v", result)
	}
	var b strings.Builder
	p := list.Pagination
	if p.Total == 0 {
		return "No tasks"
	}
	fmt.Fprintf(&b, "Tasks %d-%d of %d", p.RangeStart, p.RangeEnd, p.Total)
	if p.HasMore {
		fmt.Fprintf(&b, " (more available, offset=%d)", p.Offset+len(list.Tasks))
	}
	b.WriteString("\n")
	for _, task := range list.Tasks {
		line := fmt.Sprintf("  %-10s %s", task.Status, task.ID)
		if task.AssignedTo != "" {
			line += " agent=" + task.AssignedTo
		}
		b.WriteString(line + "\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatBatchResult(result any) string {
	batch, ok := result.(*models.BatchResult)
	if !ok {
		return fmt.Sprintf("%v", result)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Batch %s: created=%d duplicatesSkipped=%d errors=%d",
		batch.BatchID, batch.TasksCreated, batch.DuplicatesSkipped, len(batch.Errors))
	for _, e := range batch.Errors {
		fmt.Fprintf(&b, "\n  [%d] %s", e.Index, e.Error)
	}
	return b.String()
}
