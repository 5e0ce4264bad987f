package memtools

import (
	"context"

	"github.com/coltonmb/memgate/internal/memory"
	"github.com/coltonmb/memgate/internal/memsvc"
	"github.com/mark3labs/mcp-go/mcp"
)

// EvolveTool handles the memory-evolve tool.
type EvolveTool struct {
	svc *memsvc.Service
}

// NewEvolveTool creates an EvolveTool.
func NewEvolveTool(svc *memsvc.Service) *EvolveTool {
	return &EvolveTool{svc: svc}
}

// Definition returns the MCP tool definition for memory-evolve.
func (t *EvolveTool) Definition() mcp.Tool {
	return mcp.NewTool("memory-evolve",
		mcp.WithDescription(
			"Amend an existing memory. Minor revisions are applied in place; a "+
				"substantial content change creates a successor record and marks the "+
				"original superseded, so prior variants are never silently discarded.",
		),
		mcp.WithString("memory_id",
			mcp.Required(),
			mcp.Description("Id of the memory to evolve"),
		),
		mcp.WithString("content",
			mcp.Description("Replacement content; omit for a metadata-only amendment"),
		),
		mcp.WithArray("tags",
			mcp.Description("Tags to union into the record"),
		),
		mcp.WithNumber("confidence",
			mcp.Description("Updated confidence in [0,1]"),
		),
		mcp.WithObject("attrs",
			mcp.Description("Attributes to union into the record"),
		),
		mcp.WithNumber("threshold",
			mcp.Description("Per-call override of the merge threshold, in [0,1]"),
		),
	)
}

// Handle processes a memory-evolve call.
func (t *EvolveTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var md *memory.Metadata
	tags := stringSliceArg(req, "tags")
	attrs := mapArg(req, "attrs")
	confidence := floatArg(req, "confidence", 0)
	if tags != nil || attrs != nil || confidence != 0 {
		md = &memory.Metadata{Tags: tags, Confidence: confidence, Attrs: attrs}
	}

	payload, err := t.svc.Evolve(ctx, memsvc.EvolveParams{
		MemoryID:  req.GetString("memory_id", ""),
		Content:   req.GetString("content", ""),
		Metadata:  md,
		Threshold: floatPtrArg(req, "threshold"),
	})
	if err != nil {
		return nil, err
	}
	return jsonResult(payload)
}
