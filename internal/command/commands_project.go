package command

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/HamStudy/taskdriver-mcp-sub002/internal/task/models"
	"github.com/HamStudy/taskdriver-mcp-sub002/internal/task/service"
)

func projectCommands() []*Command {
	return []*Command{
		{
			Name:        "create-project",
			RPCName:     "create_project",
			CLIName:     "create-project",
			Description: "Create a new project to organize tasks and task types",
			HTTPMethod:  http.MethodPost,
			HTTPPath:    "/api/projects",
			Parameters: []Parameter{
				{Name: "name", Type: TypeString, Description: "Project name (lowercase letters, digits, dash, underscore)", Required: true, Positional: true},
				{Name: "description", Type: TypeString, Description: "What this project is for", Positional: true},
				{Name: "instructions", Type: TypeString, Description: "Standing instructions shown to agents"},
				{Name: "maxRetries", Type: TypeNumber, Description: "Default max retries for task types (0-10)"},
				{Name: "leaseDurationMinutes", Type: TypeNumber, Description: "Default lease duration in minutes (1-1440)", Aliases: []string{"leaseDuration"}},
				{Name: "reaperIntervalMinutes", Type: TypeNumber, Description: "Expired-lease sweep interval in minutes (1-60)", Aliases: []string{"reaperInterval"}},
			},
			Handler: func(ctx context.Context, deps *Deps, args Args) (any, error) {
				return deps.Tasks.CreateProject(ctx, &service.CreateProjectRequest{
					Name:         args.String("name"),
					Description:  args.String("description"),
					Instructions: args.String("instructions"),
					Config:       configInput(args),
				})
			},
			FormatHuman: formatProject,
		},
		{
			Name:        "get-project",
			RPCName:     "get_project",
			CLIName:     "get-project",
			Description: "Get a project by id, including derived task counts",
			HTTPMethod:  http.MethodGet,
			HTTPPath:    "/api/projects/:projectId",
			Parameters: []Parameter{
				{Name: "projectId", Type: TypeString, Description: "Project id", Required: true, Positional: true},
			},
			Handler: func(ctx context.Context, deps *Deps, args Args) (any, error) {
				return deps.Tasks.GetProject(ctx, args.String("projectId"))
			},
			FormatHuman: formatProject,
		},
		{
			Name:        "list-projects",
			RPCName:     "list_projects",
			CLIName:     "list-projects",
			Description: "List projects, optionally including closed ones",
			HTTPMethod:  http.MethodGet,
			HTTPPath:    "/api/projects",
			Parameters: []Parameter{
				{Name: "includeClosed", Type: TypeBoolean, Description: "Include closed projects", Default: false},
			},
			Handler: func(ctx context.Context, deps *Deps, args Args) (any, error) {
				return deps.Tasks.ListProjects(ctx, args.Bool("includeClosed"))
			},
			FormatHuman: formatProjectList,
		},
		{
			Name:        "update-project",
			RPCName:     "update_project",
			CLIName:     "update-project",
			Description: "Update project fields; omitted fields are left unchanged",
			HTTPMethod:  http.MethodPut,
			HTTPPath:    "/api/projects/:projectId",
			Parameters: []Parameter{
				{Name: "projectId", Type: TypeString, Description: "Project id", Required: true, Positional: true},
				{Name: "name", Type: TypeString, Description: "New project name"},
				{Name: "description", Type: TypeString, Description: "New description"},
				{Name: "instructions", Type: TypeString, Description: "New standing instructions"},
				{Name: "maxRetries", Type: TypeNumber, Description: "Default max retries (0-10)"},
				{Name: "leaseDurationMinutes", Type: TypeNumber, Description: "Default lease duration in minutes (1-1440)", Aliases: []string{"leaseDuration"}},
				{Name: "reaperIntervalMinutes", Type: TypeNumber, Description: "Sweep interval in minutes (1-60)", Aliases: []string{"reaperInterval"}},
			},
			Handler: func(ctx context.Context, deps *Deps, args Args) (any, error) {
				return deps.Tasks.UpdateProject(ctx, args.String("projectId"), &service.UpdateProjectRequest{
					Name:         args.StringPtr("name"),
					Description:  args.StringPtr("description"),
					Instructions: args.StringPtr("instructions"),
					Config:       configInput(args),
				})
			},
			FormatHuman: formatProject,
		},
		{
			Name:        "close-project",
			RPCName:     "close_project",
			CLIName:     "close-project",
			Description: "Close a project: existing data stays readable, new work is rejected",
			Parameters: []Parameter{
				{Name: "projectId", Type: TypeString, Description: "Project id", Required: true, Positional: true},
			},
			Handler: func(ctx context.Context, deps *Deps, args Args) (any, error) {
				return deps.Tasks.CloseProject(ctx, args.String("projectId"))
			},
			FormatHuman: formatProject,
		},
		{
			Name:        "delete-project",
			RPCName:     "delete_project",
			CLIName:     "delete-project",
			Description: "Delete a project and everything under it",
			HTTPMethod:  http.MethodDelete,
			HTTPPath:    "/api/projects/:projectId",
			Parameters: []Parameter{
				{Name: "projectId", Type: TypeString, Description: "Project id", Required: true, Positional: true},
			},
			Handler: func(ctx context.Context, deps *Deps, args Args) (any, error) {
				id := args.String("projectId")
				if err := deps.Tasks.DeleteProject(ctx, id); err != nil {
					return nil, err
				}
				return map[string]any{"deleted": true, "projectId": id}, nil
			},
			FormatHuman: func(result any) string {
				if m, ok := result.(map[string]any); ok {
					return fmt.Sprintf("Deleted project %s", m["projectId"])
				}
				return "Project deleted"
			},
		},
		{
			Name:        "get-project-stats",
			RPCName:     "get_project_stats",
			CLIName:     "get-project-stats",
			Description: "Get project status: queue depth, active agents, and recent activity",
			HTTPMethod:  http.MethodGet,
			HTTPPath:    "/api/projects/:projectId/stats",
			Parameters: []Parameter{
				{Name: "projectId", Type: TypeString, Description: "Project id", Required: true, Positional: true},
			},
			Handler: func(ctx context.Context, deps *Deps, args Args) (any, error) {
				return deps.Tasks.GetProjectStatus(ctx, args.String("projectId"))
			},
			FormatHuman: formatProjectStatus,
		},
	}
}

// configInput builds the optional config overlay from flat argument names.
func configInput(args Args) *service.ProjectConfigInput {
	in := &service.ProjectConfigInput{
		DefaultMaxRetries:           args.IntPtr("maxRetries"),
		DefaultLeaseDurationMinutes: args.IntPtr("leaseDurationMinutes"),
		ReaperIntervalMinutes:       args.IntPtr("reaperIntervalMinutes"),
	}
	if in.DefaultMaxRetries == nil && in.DefaultLeaseDurationMinutes == nil && in.ReaperIntervalMinutes == nil {
		return nil
	}
	return in
}

func formatProject(result any) string {
	p, ok := result.(*models.Project)
	if !ok {
		return fmt.Sprintf("%v", result)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Project: %s (%s)\n", p.Name, p.ID)
	fmt.Fprintf(&b, "  Status: %s\n", p.Status)
	if p.Description != "" {
		fmt.Fprintf(&b, "  Description: %s\n", p.Description)
	}
	fmt.Fprintf(&b, "  Config: maxRetries=%d leaseDuration=%dm reaperInterval=%dm\n",
		p.Config.DefaultMaxRetries, p.Config.DefaultLeaseDurationMinutes, p.Config.ReaperIntervalMinutes)
	fmt.Fprintf(&b, "  Tasks: total=%d queued=%d running=%d completed=%d failed=%d",
		p.Stats.Total, p.Stats.Queued, p.Stats.Running, p.Stats.Completed, p.Stats.Failed)
	return b.String()
}

func formatProjectList(result any) string {
	projects, ok := result.([]*models.Project)
	if !ok {
		return fmt.Sprintf("%v", result)
	}
	if len(projects) == 0 {
		return "No projects"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d project(s)\n", len(projects))
	for _, p := range projects {
		fmt.Fprintf(&b, "  %-24s %-8s queued=%-4d running=%-4d %s\n",
			p.Name, p.Status, p.Stats.Queued, p.Stats.Running, p.ID)
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatProjectStatus(result any) string {
	s, ok := result.(*service.ProjectStatusResult)
	if !ok {
		return fmt.Sprintf("%v", result)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Project: %s (%s)\n", s.Project.Name, s.Project.ID)
	fmt.Fprintf(&b, "  Queue depth: %d\n", s.QueueDepth)
	fmt.Fprintf(&b, "  Active agents: %d\n", s.ActiveAgents)
	fmt.Fprintf(&b, "  Tasks: total=%d queued=%d running=%d completed=%d failed=%d\n",
		s.Project.Stats.Total, s.Project.Stats.Queued, s.Project.Stats.Running,
		s.Project.Stats.Completed, s.Project.Stats.Failed)
	if len(s.RecentActivity) == 0 {
		b.WriteString("  Recent activity: none")
		return b.String()
	}
	b.WriteString("  Recent activity:\n")
	for _, entry := range s.RecentActivity {
		line := fmt.Sprintf("    %s %s", entry.Timestamp.Format("15:04:05"), entry.Type)
		if entry.TaskID != "" {
			line += " task=" + entry.TaskID
		}
		if entry.AgentName != "" {
			line += " agent=" + entry.AgentName
		}
		b.WriteString(line + "\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
