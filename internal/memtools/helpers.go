// Package memtools provides the MCP tool handlers for the memory protocol
// surface.
//
// Each tool follows the same pattern:
// - A struct with the memory service facade injected via constructor
// - Definition() returns the mcp.Tool schema
// - Handle() processes the request and returns a result
//
// Handlers see sanitized arguments only; the security pipeline runs before
// the router. Validation failures and domain conditions are returned as
// *protocol.ErrorObject so the dispatcher can put the right code on the
// response envelope.
package memtools

import (
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
)

// intArg extracts an integer argument, returning defaultVal if the key is
// missing or not a number (JSON numbers are float64).
func intArg(req mcp.CallToolRequest, key string, defaultVal int) int {
	v, ok := req.GetArguments()[key].(float64)
	if !ok {
		return defaultVal
	}
	return int(v)
}

// boolArg extracts a boolean argument, false when absent.
func boolArg(req mcp.CallToolRequest, key string) bool {
	v, ok := req.GetArguments()[key].(bool)
	return ok && v
}

// floatArg extracts a float argument with a default.
func floatArg(req mcp.CallToolRequest, key string, defaultVal float64) float64 {
	v, ok := req.GetArguments()[key].(float64)
	if !ok {
		return defaultVal
	}
	return v
}

// floatPtrArg extracts an optional float argument, nil when absent.
func floatPtrArg(req mcp.CallToolRequest, key string) *float64 {
	v, ok := req.GetArguments()[key].(float64)
	if !ok {
		return nil
	}
	return &v
}

// stringSliceArg extracts a string array argument.
func stringSliceArg(req mcp.CallToolRequest, key string) []string {
	raw, ok := req.GetArguments()[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// mapArg extracts an object argument.
func mapArg(req mcp.CallToolRequest, key string) map[string]any {
	v, ok := req.GetArguments()[key].(map[string]any)
	if !ok {
		return nil
	}
	return v
}

// jsonResult marshals a payload into a text content block.
func jsonResult(v any) (*mcp.CallToolResult, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("memtools: encode result: %w", err)
	}
	return mcp.NewToolResultText(string(raw)), nil
}
