package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/cadence/internal/tracker"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Tracker *tracker.Service
	Now     func() time.Time // optional; defaults to time.Now
}

func (d MCPDeps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// NewMCPServer creates an MCP server with the cadence tools and resources
// registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"cadence",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("cadence: personal tasks, milestones and semester progress."),
		server.WithRecovery(),
	)

	// Tools
	s.AddTool(
		mcp.NewTool("add_task",
			mcp.WithDescription("Add a task to the tracker."),
			mcp.WithString("name", mcp.Description("Task name"), mcp.Required()),
			mcp.WithString("due_date", mcp.Description("Due date, YYYY-MM-DD or RFC 3339")),
			mcp.WithString("priority", mcp.Description("high, medium or low (default medium)")),
			mcp.WithString("description", mcp.Description("Approach or notes")),
			mcp.WithString("milestone_id", mcp.Description("Milestone this task belongs to")),
		),
		mcpAddTask(deps),
	)

	s.AddTool(
		mcp.NewTool("complete_task",
			mcp.WithDescription("Mark a task complete. Completing a completed task is a no-op."),
			mcp.WithString("id", mcp.Description("Task ID"), mcp.Required()),
		),
		mcpCompleteTask(deps),
	)

	s.AddTool(
		mcp.NewTool("log_time",
			mcp.WithDescription("Add time spent on a task."),
			mcp.WithString("id", mcp.Description("Task ID"), mcp.Required()),
			mcp.WithNumber("minutes", mcp.Description("Minutes spent"), mcp.Required()),
		),
		mcpLogTime(deps),
	)

	s.AddTool(
		mcp.NewTool("add_milestone",
			mcp.WithDescription("Add a milestone to the semester timeline."),
			mcp.WithString("name", mcp.Description("Milestone name"), mcp.Required()),
			mcp.WithString("date", mcp.Description("Milestone date, YYYY-MM-DD or RFC 3339"), mcp.Required()),
			mcp.WithString("description", mcp.Description("Optional description")),
			mcp.WithString("color", mcp.Description("Hex color, e.g. #6366f1")),
		),
		mcpAddMilestone(deps),
	)

	s.AddTool(
		mcp.NewTool("force_sync",
			mcp.WithDescription("Pull tasks, milestones and settings from the remote store."),
		),
		mcpForceSync(deps),
	)

	// Resources
	s.AddResource(
		mcp.NewResource(
			"tracker://tasks",
			"Tasks",
			mcp.WithResourceDescription("All tasks as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceJSON(func() any { return deps.Tracker.Tasks() }),
	)

	s.AddResource(
		mcp.NewResource(
			"tracker://milestones",
			"Milestones",
			mcp.WithResourceDescription("All milestones ordered by date"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceJSON(func() any { return deps.Tracker.Milestones() }),
	)

	s.AddResource(
		mcp.NewResource(
			"tracker://overview",
			"Semester Overview",
			mcp.WithResourceDescription("Semester progress and milestone timeline"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceJSON(func() any { return deps.Tracker.Overview(deps.now()) }),
	)

	return s
}

// parseDate accepts a calendar date or an RFC 3339 timestamp.
func parseDate(s string) (time.Time, error) {
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}

func mcpAddTask(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		name, err := req.RequireString("name")
		if err != nil {
			return mcpError("name is required"), nil
		}

		in := tracker.NewTask{
			Name:        name,
			Description: req.GetString("description", ""),
			Priority:    tracker.Priority(req.GetString("priority", "")),
			MilestoneID: req.GetString("milestone_id", ""),
		}
		if due := req.GetString("due_date", ""); due != "" {
			if in.DueDate, err = parseDate(due); err != nil {
				return mcpError(fmt.Sprintf("invalid due_date %q", due)), nil
			}
		}

		t, res, err := deps.Tracker.AddTask(ctx, in)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to add task: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Added task %s (%s)", t.ID, res.Remote)), nil
	}
}

func mcpCompleteTask(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}
		done := true
		t, _, err := deps.Tracker.UpdateTask(ctx, id, tracker.TaskPatch{Completed: &done})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to complete task: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Task %q is complete", t.Name)), nil
	}
}

func mcpLogTime(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}
		minutes := req.GetInt("minutes", 0)
		if minutes <= 0 {
			return mcpError("minutes must be positive"), nil
		}

		t, _, err := deps.Tracker.LogTime(ctx, id, int64(minutes)*60)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to log time: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Task %q: %s", t.Name, tracker.FormatTimeSpent(t.TimeSpent))), nil
	}
}

func mcpAddMilestone(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		name, err := req.RequireString("name")
		if err != nil {
			return mcpError("name is required"), nil
		}
		raw, err := req.RequireString("date")
		if err != nil {
			return mcpError("date is required"), nil
		}
		date, err := parseDate(raw)
		if err != nil {
			return mcpError(fmt.Sprintf("invalid date %q", raw)), nil
		}

		m, res, err := deps.Tracker.AddMilestone(ctx, tracker.NewMilestone{
			Name:        name,
			Date:        date,
			Description: req.GetString("description", ""),
			Color:       req.GetString("color", ""),
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to add milestone: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Added milestone %s (%s)", m.ID, res.Remote)), nil
	}
}

func mcpForceSync(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		results := deps.Tracker.ForceSync(ctx)
		b, err := json.Marshal(map[string]any{
			"results": results,
			"slots":   deps.Tracker.SyncStatus(),
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal sync status: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceJSON(get func() any) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		b, err := json.Marshal(get())
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s: %w", req.Params.URI, err)
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
