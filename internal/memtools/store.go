package memtools

import (
	"context"

	"github.com/coltonmb/memgate/internal/memory"
	"github.com/coltonmb/memgate/internal/memsvc"
	"github.com/mark3labs/mcp-go/mcp"
)

// StoreTool handles the memory-store tool: the only entry point that
// invokes arbitration before anything is persisted.
type StoreTool struct {
	svc *memsvc.Service
}

// NewStoreTool creates a StoreTool.
func NewStoreTool(svc *memsvc.Service) *StoreTool {
	return &StoreTool{svc: svc}
}

// Definition returns the MCP tool definition for memory-store.
func (t *StoreTool) Definition() mcp.Tool {
	return mcp.NewTool("memory-store",
		mcp.WithDescription(
			"Store a memory assertion. The arbitration engine decides whether it is "+
				"accepted verbatim, merged with an existing memory, or flagged as "+
				"conflicting; the decision and its rationale are returned alongside "+
				"the resulting record.",
		),
		mcp.WithString("content",
			mcp.Required(),
			mcp.Description("The assertion text"),
		),
		mcp.WithString("type",
			mcp.Description("Memory type: system1 (default), system2, working, episodic. Working and episodic require a scope."),
		),
		mcp.WithString("scope",
			mcp.Description("Owning scope (workspace name). Defaults to 'global' for shared types."),
		),
		mcp.WithArray("tags",
			mcp.Description("Free-form tags"),
		),
		mcp.WithNumber("confidence",
			mcp.Description("Stated confidence in [0,1]; defaults to 0.5 when omitted"),
		),
		mcp.WithObject("attrs",
			mcp.Description("Free-form attributes; flatly opposed attributes trigger conflict instead of merge"),
		),
		mcp.WithNumber("threshold",
			mcp.Description("Per-call override of the merge threshold, in [0,1]"),
		),
	)
}

// Handle processes a memory-store call.
func (t *StoreTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	payload, err := t.svc.Store(ctx, memsvc.StoreParams{
		Content: req.GetString("content", ""),
		Type:    req.GetString("type", ""),
		Scope:   req.GetString("scope", ""),
		Metadata: memory.Metadata{
			Tags:       stringSliceArg(req, "tags"),
			Confidence: floatArg(req, "confidence", 0),
			Attrs:      mapArg(req, "attrs"),
		},
		Threshold: floatPtrArg(req, "threshold"),
	})
	if err != nil {
		return nil, err
	}
	return jsonResult(payload)
}
