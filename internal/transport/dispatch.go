// Package transport terminates WebSocket connections, frames JSON-RPC
// envelopes, and routes requests through the security pipeline to the
// protocol handlers and the tool registry.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/coltonmb/memgate/internal/protocol"
	"github.com/coltonmb/memgate/internal/security"
	"github.com/coltonmb/memgate/internal/session"
	"github.com/mark3labs/mcp-go/mcp"
)

// ToolHandler processes one sanitized tool call.
type ToolHandler func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error)

// registeredTool pairs a tool schema with its handler and the capability
// flags a session must have negotiated for the tool to be visible.
type registeredTool struct {
	def      mcp.Tool
	handler  ToolHandler
	requires []string
}

// ToolRegistry maps tool names to handlers. Registration happens at
// startup; lookups are read-only afterwards.
type ToolRegistry struct {
	order []string
	tools map[string]registeredTool
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: make(map[string]registeredTool)}
}

// Register adds a tool. requires lists capability flags beyond the base
// tools+memory pair, e.g. memory.federate for the federation tool.
func (r *ToolRegistry) Register(def mcp.Tool, handler ToolHandler, requires ...string) {
	r.order = append(r.order, def.Name)
	r.tools[def.Name] = registeredTool{def: def, handler: handler, requires: requires}
}

// visible reports whether the negotiated capability set exposes the tool.
func (t registeredTool) visible(caps session.CapabilitySet) bool {
	if !caps.Has(session.CapTools) || !caps.Has(session.CapMemory) {
		return false
	}
	for _, flag := range t.requires {
		if !caps.Has(flag) {
			return false
		}
	}
	return true
}

// Dispatcher routes parsed requests: lifecycle methods against the
// session registry, tool calls against the registry of memory tools.
type Dispatcher struct {
	registry *session.Registry
	pipeline *security.Pipeline
	tools    *ToolRegistry
}

// NewDispatcher wires the dispatcher.
func NewDispatcher(registry *session.Registry, pipeline *security.Pipeline, tools *ToolRegistry) *Dispatcher {
	return &Dispatcher{registry: registry, pipeline: pipeline, tools: tools}
}

// Dispatch processes one raw frame for a session and returns the response
// to write, or nil for notifications (which never get a response, even on
// failure).
func (d *Dispatcher) Dispatch(ctx context.Context, sess *session.Session, raw []byte) *protocol.Response {
	req, errObj := protocol.Parse(raw)
	if errObj != nil {
		if req != nil && req.IsNotification() {
			return nil
		}
		var id json.RawMessage
		if req != nil {
			id = req.ID
		}
		return protocol.NewError(id, errObj)
	}

	resp := d.dispatch(ctx, sess, req)
	if req.IsNotification() {
		return nil
	}
	return resp
}

func (d *Dispatcher) dispatch(ctx context.Context, sess *session.Session, req *protocol.Request) *protocol.Response {
	// Session gating: nothing but the handshake (and ping) is served
	// before initialization completes.
	if req.Method != "initialize" && req.Method != "ping" && !sess.Initialized() {
		return protocol.NewError(req.ID, protocol.Errorf(protocol.CodeInvalidState,
			"session not initialized"))
	}

	result, errObj := d.pipeline.Process(sess.ID(), sess.Credentials(), req)
	if errObj != nil {
		return protocol.NewError(req.ID, errObj)
	}
	sess.SetPrincipal(result.Principal)
	d.registry.Touch(sess.ID())
	sanitized := result.Request

	switch req.Method {
	case "initialize":
		var params session.InitializeParams
		if len(sanitized.Params) > 0 {
			if err := json.Unmarshal(sanitized.Params, &params); err != nil {
				return protocol.NewError(req.ID, protocol.Errorf(protocol.CodeInvalidParams,
					"malformed initialize params"))
			}
		}
		initResult, initErr := d.registry.Initialize(sess.ID(), params)
		if initErr != nil {
			return protocol.NewError(req.ID, initErr)
		}
		return protocol.NewResult(req.ID, initResult)

	case "ping":
		return protocol.NewResult(req.ID, map[string]any{})

	case "shutdown":
		d.registry.Shutdown(sess.ID())
		return protocol.NewResult(req.ID, map[string]any{})

	case "notifications/subscribe":
		var params struct {
			Topic string `json:"topic"`
		}
		if len(sanitized.Params) > 0 {
			if err := json.Unmarshal(sanitized.Params, &params); err != nil {
				return protocol.NewError(req.ID, protocol.Errorf(protocol.CodeInvalidParams,
					"malformed subscribe params"))
			}
		}
		if params.Topic == "" {
			return protocol.NewError(req.ID, protocol.Errorf(protocol.CodeInvalidParams,
				"'topic' is required"))
		}
		sess.Subscribe(params.Topic)
		return protocol.NewResult(req.ID, map[string]any{})

	case "tools/list":
		return d.listTools(req, sess)

	case "tools/call":
		return d.callTool(ctx, sess, sanitized, result.ToolName)

	default:
		return protocol.NewError(req.ID, protocol.Errorf(protocol.CodeMethodNotFound,
			"method %q not found", req.Method))
	}
}

func (d *Dispatcher) listTools(req *protocol.Request, sess *session.Session) *protocol.Response {
	caps := sess.Capabilities()
	defs := make([]mcp.Tool, 0, len(d.tools.order))
	for _, name := range d.tools.order {
		if t := d.tools.tools[name]; t.visible(caps) {
			defs = append(defs, t.def)
		}
	}
	return protocol.NewResult(req.ID, map[string]any{"tools": defs})
}

func (d *Dispatcher) callTool(ctx context.Context, sess *session.Session, req *protocol.Request, toolName string) *protocol.Response {
	tool, ok := d.tools.tools[toolName]
	if !ok || !tool.visible(sess.Capabilities()) {
		// Unknown tool: method-not-found scoped to the tool, not the
		// transport.
		return protocol.NewError(req.ID, protocol.Errorf(protocol.CodeMethodNotFound,
			"tool %q not found", toolName))
	}

	var params struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return protocol.NewError(req.ID, protocol.Errorf(protocol.CodeInvalidParams,
			"malformed tools/call params"))
	}

	callReq := mcp.CallToolRequest{}
	callReq.Params.Name = params.Name
	callReq.Params.Arguments = params.Arguments

	toolResult, err := tool.handler(ctx, callReq)
	if err != nil {
		var errObj *protocol.ErrorObject
		if !errors.As(err, &errObj) {
			// Backend failures never leak detail to the client.
			slog.Error("tool handler failed",
				"tool", toolName,
				"session_id", sess.ID(),
				"error", err,
			)
			errObj = protocol.Errorf(protocol.CodeInternalError, "internal error")
		}
		return protocol.NewError(req.ID, errObj)
	}
	return protocol.NewResult(req.ID, toolResult)
}
