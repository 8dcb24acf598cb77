package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/parishworks/vestry/internal/session"
	"github.com/parishworks/vestry/internal/storage"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store    *storage.Store
	Sessions *session.Manager
	// DefaultTenant scopes tools when the caller omits tenant_id.
	DefaultTenant int64
}

// NewMCPServer creates an MCP server exposing the job queue and session state
// to local operator tooling.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"vestry",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("vestry — parish register OCR queue: inspect jobs, sessions, and queue health."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("list_jobs",
			mcp.WithDescription("List recent OCR jobs for a tenant, optionally filtered by status."),
			mcp.WithNumber("tenant_id", mcp.Description("Tenant to inspect (defaults to the configured tenant)")),
			mcp.WithString("status", mcp.Description("Filter: pending, processing, complete, or error")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 20)")),
		),
		mcpListJobs(deps),
	)

	s.AddTool(
		mcp.NewTool("get_job",
			mcp.WithDescription("Fetch one OCR job with its recognized text and confidence."),
			mcp.WithString("id", mcp.Description("Job id"), mcp.Required()),
		),
		mcpGetJob(deps),
	)

	s.AddTool(
		mcp.NewTool("queue_health",
			mcp.WithDescription("Aggregate queue snapshot: counts by status, 24h volume, average confidence."),
			mcp.WithNumber("tenant_id", mcp.Description("Tenant to inspect (defaults to the configured tenant)")),
		),
		mcpQueueHealth(deps),
	)

	s.AddTool(
		mcp.NewTool("session_status",
			mcp.WithDescription("Point-in-time state of an upload session."),
			mcp.WithString("id", mcp.Description("Session id"), mcp.Required()),
		),
		mcpSessionStatus(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"vestry://queue",
			"Queue Health",
			mcp.WithResourceDescription("Current queue health for the configured tenant as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceQueue(deps),
	)

	return s
}

func mcpTenant(deps MCPDeps, req mcp.CallToolRequest) int64 {
	if v := req.GetInt("tenant_id", 0); v > 0 {
		return int64(v)
	}
	return deps.DefaultTenant
}

func mcpListJobs(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := req.GetInt("limit", 20)
		if limit <= 0 {
			limit = 20
		}
		if limit > 100 {
			limit = 100
		}

		var filter storage.JobFilter
		if status := req.GetString("status", ""); status != "" {
			filter.Status = storage.JobStatus(status)
		}

		jobs, total, err := deps.Store.ListJobs(mcpTenant(deps, req), filter, limit, 0)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list jobs: %v", err)), nil
		}

		entries := make([]map[string]any, len(jobs))
		for i, j := range jobs {
			entries[i] = jobSummaryJSON(j)
		}
		b, err := json.Marshal(map[string]any{"jobs": entries, "total": total})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal jobs: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpGetJob(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}

		job, err := deps.Store.GetJob(id)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to get job: %v", err)), nil
		}

		b, err := json.Marshal(jobDetailJSON(job))
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal job: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpQueueHealth(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		health, err := deps.Store.ComputeQueueHealth(mcpTenant(deps, req))
		if err != nil {
			return mcpError(fmt.Sprintf("failed to compute queue health: %v", err)), nil
		}
		b, err := json.Marshal(health)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal queue health: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpSessionStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}

		status, err := deps.Sessions.GetStatus(id)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to get session: %v", err)), nil
		}

		b, err := json.Marshal(map[string]any{
			"session_id":          status.SessionID,
			"verified":            status.Verified,
			"expired":             status.Expired,
			"disclaimer_accepted": status.DisclaimerAccepted,
			"used":                status.Used,
			"expires_at":          status.ExpiresAt.Format(time.RFC3339),
			"time_remaining_s":    int(status.TimeRemaining.Seconds()),
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal status: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceQueue(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		health, err := deps.Store.ComputeQueueHealth(deps.DefaultTenant)
		if err != nil {
			return nil, fmt.Errorf("failed to compute queue health: %w", err)
		}

		b, err := json.Marshal(health)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal queue health: %w", err)
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
