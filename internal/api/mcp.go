package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/leadsieve/leadsieve/internal/export"
	"github.com/leadsieve/leadsieve/internal/storage"
)

// NewMCPServer creates an MCP server exposing the lead store to agent
// clients over stdio.
func NewMCPServer(deps Deps) *server.MCPServer {
	s := server.NewMCPServer(
		"leadsieve",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("leadsieve: submit website URLs, crawl and classify them, and inspect qualification results."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("submit_urls",
			mcp.WithDescription("Add website URLs to the record store for later analysis. Duplicates are skipped."),
			mcp.WithString("urls", mcp.Description("URLs to submit, one per line or comma separated"), mcp.Required()),
		),
		mcpSubmitURLs(deps),
	)

	s.AddTool(
		mcp.NewTool("analysis_status",
			mcp.WithDescription("Report record counts by status plus the pending set size."),
		),
		mcpAnalysisStatus(deps),
	)

	s.AddTool(
		mcp.NewTool("task_status",
			mcp.WithDescription("Return the progress snapshot of a background analysis task."),
			mcp.WithString("task_id", mcp.Description("Task id"), mcp.Required()),
		),
		mcpTaskStatus(deps),
	)

	s.AddTool(
		mcp.NewTool("export_records",
			mcp.WithDescription("Export analyzed records as CSV or JSON text."),
			mcp.WithString("format", mcp.Description("csv or json (default csv)")),
			mcp.WithBoolean("qualified", mcp.Description("Only include records classified Y")),
		),
		mcpExportRecords(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"leadsieve://summary",
			"Record Summary",
			mcp.WithResourceDescription("Record counts by status and classification result"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceSummary(deps),
	)

	return s
}

func mcpSubmitURLs(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		raw, err := req.RequireString("urls")
		if err != nil {
			return mcpError("urls is required"), nil
		}

		urls := splitURLList(raw)
		if len(urls) == 0 {
			return mcpError("no urls found in input"), nil
		}

		added, err := deps.Store.AddURLs(urls)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to add urls: %v", err)), nil
		}

		return mcpText(fmt.Sprintf("Added %d of %d urls", added, len(urls))), nil
	}
}

func mcpAnalysisStatus(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		counts, err := deps.Store.CountsByStatus()
		if err != nil {
			return mcpError(fmt.Sprintf("failed to count records: %v", err)), nil
		}
		pending, err := deps.Store.PendingURLs()
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list pending: %v", err)), nil
		}

		b, err := json.Marshal(map[string]any{
			"byStatus": counts,
			"pending":  len(pending),
			"running":  deps.Coordinator.Running(),
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal status: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpTaskStatus(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("task_id")
		if err != nil {
			return mcpError("task_id is required"), nil
		}
		if _, parseErr := uuid.Parse(id); parseErr != nil {
			return mcpError("task_id must be a uuid"), nil
		}

		t, err := deps.Store.GetTask(id)
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError("task not found"), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to get task: %v", err)), nil
		}

		b, err := json.Marshal(snapshotFromTask(t))
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal task: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpExportRecords(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		format := req.GetString("format", export.FormatCSV)
		if _, err := export.ContentType(format); err != nil {
			return mcpError(err.Error()), nil
		}

		records, err := deps.Store.AllRecords()
		if err != nil {
			return mcpError(fmt.Sprintf("failed to load records: %v", err)), nil
		}
		records = export.Filter(records, export.Options{
			OnlyQualified: req.GetBool("qualified", false),
		})

		var buf strings.Builder
		if err := export.Write(&buf, format, records); err != nil {
			return mcpError(fmt.Sprintf("export failed: %v", err)), nil
		}
		return mcpText(buf.String()), nil
	}
}

func mcpResourceSummary(deps Deps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		counts, err := deps.Store.CountsByStatus()
		if err != nil {
			return nil, fmt.Errorf("failed to count records: %w", err)
		}

		records, err := deps.Store.AllRecords()
		if err != nil {
			return nil, fmt.Errorf("failed to load records: %w", err)
		}
		results := map[string]int{}
		for _, rec := range records {
			if rec.Result != "" {
				results[rec.Result]++
			}
		}

		b, err := json.Marshal(map[string]any{
			"byStatus": counts,
			"byResult": results,
			"total":    len(records),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to marshal summary: %w", err)
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

// splitURLList accepts newline, comma, or whitespace separated url lists.
func splitURLList(raw string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == '\n' || r == '\r' || r == ',' || r == ' ' || r == '\t'
	})
	var urls []string
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			urls = append(urls, f)
		}
	}
	return urls
}
