package command

import (
	"context"
	"fmt"
	"strings"

	"github.com/HamStudy/taskdriver-mcp-sub002/internal/task/models"
	"github.com/HamStudy/taskdriver-mcp-sub002/internal/task/service"
)

func taskTypeCommands() []*Command {
	duplicateChoices := []string{
		string(models.DuplicateAllow),
		string(models.DuplicateIgnore),
		string(models.DuplicateFail),
	}
	return []*Command{
		{
			Name:        "create-task-type",
			RPCName:     "create_task_type",
			CLIName:     "create-task-type",
			Description: "Create a task type in a project; tasks are instantiated from types",
			Parameters: []Parameter{
				{Name: "projectId", Type: TypeString, Description: "Project id", Required: true, Positional: true},
				{Name: "name", Type: TypeString, Description: "Task type name", Required: true, Positional: true},
				{Name: "template", Type: TypeString, Description: "Instruction template with {{variable}} placeholders"},
				{Name: "duplicateHandling", Type: TypeString, Description: "Policy for tasks with identical fingerprints", Choices: duplicateChoices, Default: string(models.DuplicateAllow)},
				{Name: "maxRetries", Type: TypeNumber, Description: "Max retries for tasks of this type (0-10)"},
				{Name: "leaseDurationMinutes", Type: TypeNumber, Description: "Lease duration in minutes (1-1440)", Aliases: []string{"leaseDuration"}},
			},
			Handler: func(ctx context.Context, deps *Deps, args Args) (any, error) {
				return deps.Tasks.CreateTaskType(ctx, &service.CreateTaskTypeRequest{
					ProjectID:            args.String("projectId"),
					Name:                 args.String("name"),
					Template:             args.String("template"),
					DuplicateHandling:    args.String("duplicateHandling"),
					MaxRetries:           args.IntPtr("maxRetries"),
					LeaseDurationMinutes: args.IntPtr("leaseDurationMinutes"),
				})
			},
			FormatHuman: formatTaskType,
		},
		{
			Name:        "get-task-type",
			RPCName:     "get_task_type",
			CLIName:     "get-task-type",
			Description: "Get a task type by id",
			Parameters: []Parameter{
				{Name: "typeId", Type: TypeString, Description: "Task type id", Required: true, Positional: true},
			},
			Handler: func(ctx context.Context, deps *Deps, args Args) (any, error) {
				return deps.Tasks.GetTaskType(ctx, args.String("typeId"))
			},
			FormatHuman: formatTaskType,
		},
		{
			Name:        "list-task-types",
			RPCName:     "list_task_types",
			CLIName:     "list-task-types",
			Description: "List the task types of a project",
			Parameters: []Parameter{
				{Name: "projectId", Type: TypeString, Description: "Project id", Required: true, Positional: true},
			},
			Handler: func(ctx context.Context, deps *Deps, args Args) (any, error) {
				return deps.Tasks.ListTaskTypes(ctx, args.String("projectId"))
			},
			FormatHuman: formatTaskTypeList,
		},
		{
			Name:        "update-task-type",
			RPCName:     "update_task_type",
			CLIName:     "update-task-type",
			Description: "Update task type fields; omitted fields are left unchanged",
			Parameters: []Parameter{
				{Name: "typeId", Type: TypeString, Description: "Task type id", Required: true, Positional: true},
				{Name: "name", Type: TypeString, Description: "New name"},
				{Name: "template", Type: TypeString, Description: "New instruction template"},
				{Name: "duplicateHandling", Type: TypeString, Description: "New duplicate policy", Choices: duplicateChoices},
				{Name: "maxRetries", Type: TypeNumber, Description: "New max retries (0-10)"},
				{Name: "leaseDurationMinutes", Type: TypeNumber, Description: "New lease duration in minutes (1-1440)", Aliases: []string{"leaseDuration"}},
			},
			Handler: func(ctx context.Context, deps *Deps, args Args) (any, error) {
				var handling *string
				if args.Has("duplicateHandling") {
					handling = args.StringPtr("duplicateHandling")
				}
				return deps.Tasks.UpdateTaskType(ctx, args.String("typeId"), &service.UpdateTaskTypeRequest{
					Name:                 args.StringPtr("name"),
					Template:             args.StringPtr("template"),
					DuplicateHandling:    handling,
					MaxRetries:           args.IntPtr("maxRetries"),
					LeaseDurationMinutes: args.IntPtr("leaseDurationMinutes"),
				})
			},
			FormatHuman: formatTaskType,
		},
		{
			Name:        "delete-task-type",
			RPCName:     "delete_task_type",
			CLIName:     "delete-task-type",
			Description: "Delete a task type",
			Parameters: []Parameter{
				{Name: "typeId", Type: TypeString, Description: "Task type id", Required: true, Positional: true},
			},
			Handler: func(ctx context.Context, deps *Deps, args Args) (any, error) {
				id := args.String("typeId")
				if err := deps.Tasks.DeleteTaskType(ctx, id); err != nil {
					return nil, err
				}
				return map[string]any{"deleted": true, "typeId": id}, nil
			},
			FormatHuman: func(result any) string {
				if m, ok := result.(map[string]any); ok {
					return fmt.Sprintf("Deleted task type %s", m["typeId"])
				}
				return "Task type deleted"
			},
		},
	}
}

func formatTaskType(result any) string {
	tt, ok := result.(*models.TaskType)
	if !ok {
		return fmt.Sprintf("%v", result)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Task type: %s (%s)\n", tt.Name, tt.ID)
	fmt.Fprintf(&b, "  Project: %s\n", tt.ProjectID)
	fmt.Fprintf(&b, "  Duplicates: %s, maxRetries=%d, lease=%dm",
		tt.DuplicateHandling, tt.MaxRetries, tt.LeaseDurationMinutes)
	if tt.Template != "" {
		fmt.Fprintf(&b, "\n  Template: %s", tt.Template)
	}
	if len(tt.Variables) > 0 {
		fmt.Fprintf(&b, "\n  Variables: %s", strings.Join(tt.Variables, ", "))
	}
	return b.String()
}

func formatTaskTypeList(result any) string {
	types, ok := result.([]*models.TaskType)
	if !ok {
		return fmt.Sprintf("%v", result)
	}
	if len(types) == 0 {
		return "No task types"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d task type(s)\n", len(types))
	for _, tt := range types {
		fmt.Fprintf(&b, "  %-24s dup=%-6s retries=%-3d %s\n",
			tt.Name, tt.DuplicateHandling, tt.MaxRetries, tt.ID)
	}
	return strings.TrimRight(b.String(), "\n")
}
