package memtools

import (
	"context"

	"github.com/coltonmb/memgate/internal/memsvc"
	"github.com/mark3labs/mcp-go/mcp"
)

// FederateTool handles the memory-federate tool. Available only in
// aggregator mode; the default mode rejects it without touching state.
type FederateTool struct {
	svc *memsvc.Service
}

// NewFederateTool creates a FederateTool.
func NewFederateTool(svc *memsvc.Service) *FederateTool {
	return &FederateTool{svc: svc}
}

// Definition returns the MCP tool definition for memory-federate.
func (t *FederateTool) Definition() mcp.Tool {
	return mcp.NewTool("memory-federate",
		mcp.WithDescription(
			"Run a memory operation across the configured upstream servers. "+
				"Search fans out to every reachable upstream and merges deduplicated "+
				"results; store goes to exactly one upstream; status reports upstream "+
				"health.",
		),
		mcp.WithString("operation",
			mcp.Required(),
			mcp.Description("One of: search, store, status"),
		),
		mcp.WithObject("arguments",
			mcp.Description("Arguments forwarded to the upstream tool call"),
		),
	)
}

// Handle processes a memory-federate call.
func (t *FederateTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	outcome, err := t.svc.Federate(ctx, memsvc.FederateParams{
		Operation: req.GetString("operation", ""),
		Arguments: mapArg(req, "arguments"),
	})
	if err != nil {
		return nil, err
	}
	return jsonResult(outcome)
}
