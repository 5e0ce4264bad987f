package memtools

import (
	"context"

	"github.com/coltonmb/memgate/internal/memsvc"
	"github.com/mark3labs/mcp-go/mcp"
)

// RelateTool handles the memory-relate tool.
type RelateTool struct {
	svc *memsvc.Service
}

// NewRelateTool creates a RelateTool.
func NewRelateTool(svc *memsvc.Service) *RelateTool {
	return &RelateTool{svc: svc}
}

// Definition returns the MCP tool definition for memory-relate.
func (t *RelateTool) Definition() mcp.Tool {
	return mcp.NewTool("memory-relate",
		mcp.WithDescription(
			"Create a typed relationship edge between two memories. "+
				"Common types: similar-to, supersedes, derived-from, conflicts-with "+
				"(or any custom string).",
		),
		mcp.WithString("source_id",
			mcp.Required(),
			mcp.Description("Source memory id"),
		),
		mcp.WithString("target_id",
			mcp.Required(),
			mcp.Description("Target memory id"),
		),
		mcp.WithString("relationship_type",
			mcp.Required(),
			mcp.Description("Edge type"),
		),
		mcp.WithString("note",
			mcp.Description("Optional context for the edge"),
		),
	)
}

// Handle processes a memory-relate call.
func (t *RelateTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	rel, err := t.svc.Relate(ctx, memsvc.RelateParams{
		SourceID:         req.GetString("source_id", ""),
		TargetID:         req.GetString("target_id", ""),
		RelationshipType: req.GetString("relationship_type", ""),
		Note:             req.GetString("note", ""),
	})
	if err != nil {
		return nil, err
	}
	return jsonResult(map[string]any{"edge": rel})
}
