package memtools

import (
	"context"

	"github.com/coltonmb/memgate/internal/memsvc"
	"github.com/mark3labs/mcp-go/mcp"
)

// SearchTool handles the memory-search tool.
type SearchTool struct {
	svc *memsvc.Service
}

// NewSearchTool creates a SearchTool.
func NewSearchTool(svc *memsvc.Service) *SearchTool {
	return &SearchTool{svc: svc}
}

// Definition returns the MCP tool definition for memory-search.
func (t *SearchTool) Definition() mcp.Tool {
	return mcp.NewTool("memory-search",
		mcp.WithDescription(
			"Search stored memories. Returns ranked summaries of active records; "+
				"superseded records are excluded.",
		),
		mcp.WithString("query",
			mcp.Required(),
			mcp.Description("Search query, natural language or keywords"),
		),
		mcp.WithString("type",
			mcp.Description("Filter by memory type: system1, system2, working, episodic"),
		),
		mcp.WithString("scope",
			mcp.Description("Filter by owning scope (workspace name or 'global')"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Max results (default 10, max 20)"),
		),
		mcp.WithBoolean("include_inactive",
			mcp.Description("Also return superseded records, for lineage inspection"),
		),
	)
}

// Handle processes a memory-search call.
func (t *SearchTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	payload, err := t.svc.Search(ctx, memsvc.SearchParams{
		Query:           req.GetString("query", ""),
		Type:            req.GetString("type", ""),
		Scope:           req.GetString("scope", ""),
		Limit:           intArg(req, "limit", 10),
		IncludeInactive: boolArg(req, "include_inactive"),
	})
	if err != nil {
		return nil, err
	}
	return jsonResult(payload)
}
