package memtools

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/coltonmb/memgate/internal/arbitration"
	"github.com/coltonmb/memgate/internal/memory"
	"github.com/coltonmb/memgate/internal/memsvc"
	"github.com/coltonmb/memgate/internal/protocol"
	"github.com/mark3labs/mcp-go/mcp"
)

// --- Test helpers ---

// newTestService builds a service over a temp store with no federation.
func newTestService(t *testing.T) *memsvc.Service {
	t.Helper()
	store, err := memory.New(memory.Config{DataDir: t.TempDir(), MaxSearchResults: 20})
	if err != nil {
		t.Fatalf("setup: create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	engine := arbitration.New(store, memory.NewLexicalRanker(), arbitration.Config{})
	return memsvc.New(store, engine, nil, nil)
}

// makeReq builds a CallToolRequest with the given arguments.
func makeReq(args map[string]any) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Arguments = args
	return req
}

// getResultText extracts the text content from a CallToolResult.
func getResultText(result *mcp.CallToolResult) string {
	if result == nil || len(result.Content) == 0 {
		return ""
	}
	for _, c := range result.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			return tc.Text
		}
	}
	return ""
}

// errorCode unwraps the protocol error code carried by a handler error.
func errorCode(t *testing.T, err error) int {
	t.Helper()
	var errObj *protocol.ErrorObject
	if !errors.As(err, &errObj) {
		t.Fatalf("err = %v, want *protocol.ErrorObject", err)
	}
	return errObj.Code
}

// --- StoreTool ---

func TestStoreTool_Definition(t *testing.T) {
	def := NewStoreTool(nil).Definition()
	if def.Name != "memory-store" {
		t.Errorf("name = %q, want memory-store", def.Name)
	}
	if len(def.InputSchema.Required) != 1 || def.InputSchema.Required[0] != "content" {
		t.Errorf("required = %v, want [content]", def.InputSchema.Required)
	}
}

func TestStoreTool_Handle_Accept(t *testing.T) {
	tool := NewStoreTool(newTestService(t))

	result, err := tool.Handle(context.Background(), makeReq(map[string]any{
		"content":    "the build cache lives on the shared volume",
		"type":       "system1",
		"tags":       []any{"infra"},
		"confidence": 0.8,
	}))
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}

	var payload memsvc.StorePayload
	if err := json.Unmarshal([]byte(getResultText(result)), &payload); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if payload.Arbitration.Outcome != arbitration.OutcomeAccept {
		t.Errorf("outcome = %q, want accept", payload.Arbitration.Outcome)
	}
	if payload.Memory == nil || payload.Memory.ID == "" {
		t.Fatal("result should carry the stored record")
	}
	if payload.Arbitration.Reasoning == "" {
		t.Error("decision should carry reasoning")
	}
}

func TestStoreTool_Handle_MissingContent(t *testing.T) {
	tool := NewStoreTool(newTestService(t))
	_, err := tool.Handle(context.Background(), makeReq(map[string]any{}))
	if err == nil {
		t.Fatal("expected error for missing content")
	}
	if code := errorCode(t, err); code != protocol.CodeInvalidParams {
		t.Errorf("code = %d, want %d", code, protocol.CodeInvalidParams)
	}
}

func TestStoreTool_Handle_ScopedTypeWithoutScope(t *testing.T) {
	tool := NewStoreTool(newTestService(t))
	_, err := tool.Handle(context.Background(), makeReq(map[string]any{
		"content": "scratch note",
		"type":    "working",
	}))
	if err == nil {
		t.Fatal("expected error: working memories need a scope")
	}
	if code := errorCode(t, err); code != protocol.CodeInvalidParams {
		t.Errorf("code = %d, want %d", code, protocol.CodeInvalidParams)
	}
}

func TestStoreTool_Handle_InvalidThreshold(t *testing.T) {
	tool := NewStoreTool(newTestService(t))
	_, err := tool.Handle(context.Background(), makeReq(map[string]any{
		"content":   "anything",
		"threshold": 1.5,
	}))
	if err == nil {
		t.Fatal("expected error for out-of-range threshold")
	}
	if code := errorCode(t, err); code != protocol.CodeInvalidParams {
		t.Errorf("code = %d, want %d", code, protocol.CodeInvalidParams)
	}
}

// --- SearchTool ---

func TestSearchTool_Definition(t *testing.T) {
	def := NewSearchTool(nil).Definition()
	if def.Name != "memory-search" {
		t.Errorf("name = %q, want memory-search", def.Name)
	}
}

func TestSearchTool_Handle(t *testing.T) {
	svc := newTestService(t)
	storeTool := NewStoreTool(svc)
	for _, content := range []string{
		"grafana dashboards live in the ops folder",
		"the loki retention period is thirty days",
	} {
		if _, err := storeTool.Handle(context.Background(), makeReq(map[string]any{"content": content})); err != nil {
			t.Fatalf("seed store: %v", err)
		}
	}

	tool := NewSearchTool(svc)
	result, err := tool.Handle(context.Background(), makeReq(map[string]any{"query": "grafana"}))
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}

	var payload memsvc.SearchPayload
	if err := json.Unmarshal([]byte(getResultText(result)), &payload); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if payload.Count != 1 {
		t.Fatalf("count = %d, want 1", payload.Count)
	}
	if !strings.Contains(payload.Results[0].Content, "grafana") {
		t.Errorf("content = %q", payload.Results[0].Content)
	}
}

func TestSearchTool_Handle_NoMatchesIsEmptyNotNull(t *testing.T) {
	tool := NewSearchTool(newTestService(t))
	result, err := tool.Handle(context.Background(), makeReq(map[string]any{"query": "nothing stored"}))
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	text := getResultText(result)
	if !strings.Contains(text, `"results":[]`) {
		t.Errorf("result = %s, want empty results array", text)
	}
}

func TestSearchTool_Handle_MissingQuery(t *testing.T) {
	tool := NewSearchTool(newTestService(t))
	_, err := tool.Handle(context.Background(), makeReq(map[string]any{}))
	if err == nil {
		t.Fatal("expected error for missing query")
	}
	if code := errorCode(t, err); code != protocol.CodeInvalidParams {
		t.Errorf("code = %d, want %d", code, protocol.CodeInvalidParams)
	}
}

func TestSearchTool_Handle_UnknownType(t *testing.T) {
	tool := NewSearchTool(newTestService(t))
	_, err := tool.Handle(context.Background(), makeReq(map[string]any{
		"query": "x",
		"type":  "system9",
	}))
	if err == nil {
		t.Fatal("expected error for unknown type")
	}
	if code := errorCode(t, err); code != protocol.CodeInvalidParams {
		t.Errorf("code = %d, want %d", code, protocol.CodeInvalidParams)
	}
}

// --- RelateTool ---

func TestRelateTool_Handle(t *testing.T) {
	svc := newTestService(t)
	storeTool := NewStoreTool(svc)

	ids := make([]string, 0, 2)
	for _, content := range []string{"first fact about dns", "second fact about tls"} {
		result, err := storeTool.Handle(context.Background(), makeReq(map[string]any{"content": content}))
		if err != nil {
			t.Fatalf("seed store: %v", err)
		}
		var payload memsvc.StorePayload
		if err := json.Unmarshal([]byte(getResultText(result)), &payload); err != nil {
			t.Fatalf("decode: %v", err)
		}
		ids = append(ids, payload.Memory.ID)
	}

	tool := NewRelateTool(svc)
	result, err := tool.Handle(context.Background(), makeReq(map[string]any{
		"source_id":         ids[0],
		"target_id":         ids[1],
		"relationship_type": "derived-from",
		"note":              "same incident",
	}))
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}

	var payload struct {
		Edge memory.Relation `json:"edge"`
	}
	if err := json.Unmarshal([]byte(getResultText(result)), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Edge.FromID != ids[0] || payload.Edge.ToID != ids[1] || payload.Edge.Type != "derived-from" {
		t.Errorf("relation = %+v", payload.Edge)
	}
}

func TestRelateTool_Handle_MissingEndpoint(t *testing.T) {
	tool := NewRelateTool(newTestService(t))
	_, err := tool.Handle(context.Background(), makeReq(map[string]any{
		"source_id":         "ghost-a",
		"target_id":         "ghost-b",
		"relationship_type": "similar-to",
	}))
	if err == nil {
		t.Fatal("expected error for missing records")
	}
	if code := errorCode(t, err); code != protocol.CodeNotFound {
		t.Errorf("code = %d, want %d", code, protocol.CodeNotFound)
	}
}

// --- EvolveTool ---

func TestEvolveTool_Handle_Supersede(t *testing.T) {
	svc := newTestService(t)
	storeTool := NewStoreTool(svc)

	result, err := storeTool.Handle(context.Background(), makeReq(map[string]any{
		"content": "the on-call rotation is weekly",
	}))
	if err != nil {
		t.Fatalf("seed store: %v", err)
	}
	var seeded memsvc.StorePayload
	if err := json.Unmarshal([]byte(getResultText(result)), &seeded); err != nil {
		t.Fatalf("decode: %v", err)
	}

	tool := NewEvolveTool(svc)
	result, err = tool.Handle(context.Background(), makeReq(map[string]any{
		"memory_id": seeded.Memory.ID,
		"content":   "incidents page the service owner directly now",
	}))
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}

	var payload memsvc.StorePayload
	if err := json.Unmarshal([]byte(getResultText(result)), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Memory.ID == seeded.Memory.ID {
		t.Error("substantial change should mint a successor id")
	}
	if !strings.Contains(payload.Arbitration.Reasoning, "superseded") {
		t.Errorf("reasoning = %q", payload.Arbitration.Reasoning)
	}
}

func TestEvolveTool_Handle_ConfidenceOutOfRange(t *testing.T) {
	svc := newTestService(t)
	storeTool := NewStoreTool(svc)

	result, err := storeTool.Handle(context.Background(), makeReq(map[string]any{
		"content": "backups run nightly at 02:00",
	}))
	if err != nil {
		t.Fatalf("seed store: %v", err)
	}
	var seeded memsvc.StorePayload
	if err := json.Unmarshal([]byte(getResultText(result)), &seeded); err != nil {
		t.Fatalf("decode: %v", err)
	}

	tool := NewEvolveTool(svc)
	_, err = tool.Handle(context.Background(), makeReq(map[string]any{
		"memory_id":  seeded.Memory.ID,
		"confidence": 7.0,
	}))
	if err == nil {
		t.Fatal("expected error for confidence outside [0,1]")
	}
	if code := errorCode(t, err); code != protocol.CodeInvalidParams {
		t.Errorf("code = %d, want %d", code, protocol.CodeInvalidParams)
	}
}

func TestEvolveTool_Handle_MissingMemory(t *testing.T) {
	tool := NewEvolveTool(newTestService(t))
	_, err := tool.Handle(context.Background(), makeReq(map[string]any{
		"memory_id": "ghost",
		"content":   "new content",
	}))
	if err == nil {
		t.Fatal("expected error for unknown memory")
	}
	if code := errorCode(t, err); code != protocol.CodeNotFound {
		t.Errorf("code = %d, want %d", code, protocol.CodeNotFound)
	}
}

func TestEvolveTool_Handle_NothingToAmend(t *testing.T) {
	tool := NewEvolveTool(newTestService(t))
	_, err := tool.Handle(context.Background(), makeReq(map[string]any{
		"memory_id": "m1",
	}))
	if err == nil {
		t.Fatal("expected error when neither content nor metadata given")
	}
	if code := errorCode(t, err); code != protocol.CodeInvalidParams {
		t.Errorf("code = %d, want %d", code, protocol.CodeInvalidParams)
	}
}

// --- FederateTool ---

func TestFederateTool_Handle_DefaultModeRejected(t *testing.T) {
	tool := NewFederateTool(newTestService(t))
	_, err := tool.Handle(context.Background(), makeReq(map[string]any{
		"operation": "search",
		"arguments": map[string]any{"query": "x"},
	}))
	if err == nil {
		t.Fatal("expected error: federation unavailable in default mode")
	}
	if code := errorCode(t, err); code != protocol.CodeInvalidState {
		t.Errorf("code = %d, want %d", code, protocol.CodeInvalidState)
	}
}
