package security

import (
	"encoding/json"
	"log/slog"

	"github.com/coltonmb/memgate/internal/protocol"
)

// Pipeline is the ordered security chain run on every inbound request
// before it reaches the router. A short-circuit at any stage yields a
// JSON-RPC error for that request only; the session stays usable.
type Pipeline struct {
	auth          Authenticator
	limiter       *RateLimiter
	maxParamBytes int
}

// Result is the pipeline outcome for one request.
type Result struct {
	// Request is the sanitized copy handlers see. Never the original.
	Request    *protocol.Request
	Principal  *Principal
	ToolName   string
	Violations []Violation
}

// NewPipeline assembles the chain from its configured stages.
func NewPipeline(auth Authenticator, limiter *RateLimiter, maxParamBytes int) *Pipeline {
	return &Pipeline{auth: auth, limiter: limiter, maxParamBytes: maxParamBytes}
}

// Process runs the chain: authenticate, authorize, validate, sanitize,
// then size/rate limit. On success the returned Result carries the
// sanitized request and the resolved principal; on failure the returned
// ErrorObject is what the client gets.
func (p *Pipeline) Process(sessionID string, creds Credentials, req *protocol.Request) (*Result, *protocol.ErrorObject) {
	principal, err := p.auth.Authenticate(creds)
	if err != nil {
		return nil, &protocol.ErrorObject{
			Code:    protocol.CodeAuthenticationFailed,
			Message: "authentication failed",
		}
	}

	params, toolName, errObj := decodeParams(req)
	if errObj != nil {
		return nil, errObj
	}

	if missing, ok := Authorize(principal, req.Method, toolName); !ok {
		return nil, protocol.Errorf(protocol.CodeAuthorizationDenied,
			"permission %s denied", missing)
	}

	var violations []Violation
	blocking := false
	walkStrings("params", params, func(field, value string) {
		violations = append(violations, scanString(field, value)...)
		if v := checkSize(field, value, p.maxParamBytes); v != nil {
			violations = append(violations, *v)
			blocking = true
		}
	})

	if blocking {
		return nil, &protocol.ErrorObject{
			Code:    protocol.CodeInvalidParams,
			Message: "request rejected by safety policy",
			Data:    map[string]any{"violations": violations},
		}
	}

	sanitized := req
	if params != nil {
		raw, err := json.Marshal(sanitizeValue(params))
		if err != nil {
			return nil, &protocol.ErrorObject{Code: protocol.CodeInternalError, Message: "internal error"}
		}
		sanitized = req.WithParams(raw)
	}

	if len(violations) > 0 {
		// Non-blocking findings are corrected, not rejected. Audit only.
		slog.Warn("request sanitized",
			"session_id", sessionID,
			"method", req.Method,
			"tool", toolName,
			"violations", len(violations),
		)
	}

	if ok, retryAfter := p.limiter.Allow(sessionID); !ok {
		return nil, &protocol.ErrorObject{
			Code:    protocol.CodeRateLimited,
			Message: "rate limit exceeded",
			Data:    map[string]any{"retry_after_ms": retryAfter.Milliseconds()},
		}
	}

	return &Result{
		Request:    sanitized,
		Principal:  principal,
		ToolName:   toolName,
		Violations: violations,
	}, nil
}

// Forget releases per-session limiter state on session destroy.
func (p *Pipeline) Forget(sessionID string) {
	p.limiter.Forget(sessionID)
}

// decodeParams decodes request params and extracts the tool name for
// tools/call requests.
func decodeParams(req *protocol.Request) (any, string, *protocol.ErrorObject) {
	if len(req.Params) == 0 {
		return nil, "", nil
	}
	var params any
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil, "", &protocol.ErrorObject{Code: protocol.CodeInvalidParams, Message: "params must be valid JSON"}
	}
	toolName := ""
	if req.Method == "tools/call" {
		obj, ok := params.(map[string]any)
		if !ok {
			return nil, "", &protocol.ErrorObject{Code: protocol.CodeInvalidParams, Message: "tools/call params must be an object"}
		}
		toolName, _ = obj["name"].(string)
		if toolName == "" {
			return nil, "", &protocol.ErrorObject{Code: protocol.CodeInvalidParams, Message: "tools/call requires a tool name"}
		}
	}
	return params, toolName, nil
}

// walkStrings visits every string leaf of a decoded JSON value with a
// dotted field path for violation reporting.
func walkStrings(field string, v any, fn func(field, value string)) {
	switch val := v.(type) {
	case string:
		fn(field, val)
	case map[string]any:
		for k, inner := range val {
			walkStrings(field+"."+k, inner, fn)
		}
	case []any:
		for _, inner := range val {
			walkStrings(field, inner, fn)
		}
	}
}
