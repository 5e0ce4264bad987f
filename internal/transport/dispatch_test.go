package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/coltonmb/memgate/internal/arbitration"
	"github.com/coltonmb/memgate/internal/memory"
	"github.com/coltonmb/memgate/internal/memsvc"
	"github.com/coltonmb/memgate/internal/memtools"
	"github.com/coltonmb/memgate/internal/protocol"
	"github.com/coltonmb/memgate/internal/security"
	"github.com/coltonmb/memgate/internal/session"
)

// --- Test helpers ---

type harness struct {
	registry   *session.Registry
	dispatcher *Dispatcher
	sess       *session.Session
}

// newHarness assembles a dispatcher over real components: temp store,
// arbitration engine, open authentication.
func newHarness(t *testing.T) *harness {
	t.Helper()
	store, err := memory.New(memory.Config{DataDir: t.TempDir(), MaxSearchResults: 20})
	if err != nil {
		t.Fatalf("setup: create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	engine := arbitration.New(store, memory.NewLexicalRanker(), arbitration.Config{})
	registry := session.NewRegistry(
		session.ServerInfo{Name: "memgate", Version: "test"},
		session.CapabilitySet{
			session.CapTools:        true,
			session.CapMemory:       true,
			session.CapMemorySearch: true,
			session.CapMemoryStore:  true,
		},
		time.Minute,
	)
	pipeline := security.NewPipeline(
		security.NoneAuthenticator{},
		security.NewRateLimiter(time.Minute, 1000),
		64*1024,
	)
	svc := memsvc.New(store, engine, registry, nil)

	tools := NewToolRegistry()
	searchTool := memtools.NewSearchTool(svc)
	tools.Register(searchTool.Definition(), searchTool.Handle)
	storeTool := memtools.NewStoreTool(svc)
	tools.Register(storeTool.Definition(), storeTool.Handle)
	federateTool := memtools.NewFederateTool(svc)
	tools.Register(federateTool.Definition(), federateTool.Handle, session.CapMemoryFederate)

	return &harness{
		registry:   registry,
		dispatcher: NewDispatcher(registry, pipeline, tools),
		sess:       registry.Create(security.Credentials{}, nil),
	}
}

func (h *harness) send(t *testing.T, frame string) *protocol.Response {
	t.Helper()
	return h.dispatcher.Dispatch(context.Background(), h.sess, []byte(frame))
}

func (h *harness) initialize(t *testing.T) {
	t.Helper()
	resp := h.send(t, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"clientInfo":{"name":"test","version":"0"}}}`)
	if resp == nil || resp.Err != nil {
		t.Fatalf("initialize failed: %+v", resp)
	}
}

// --- Lifecycle gating ---

func TestDispatch_RejectsCallsBeforeInitialize(t *testing.T) {
	h := newHarness(t)
	resp := h.send(t, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	if resp.Err == nil || resp.Err.Code != protocol.CodeInvalidState {
		t.Fatalf("error = %+v, want code %d", resp.Err, protocol.CodeInvalidState)
	}
}

func TestDispatch_PingAllowedBeforeInitialize(t *testing.T) {
	h := newHarness(t)
	resp := h.send(t, `{"jsonrpc":"2.0","id":7,"method":"ping"}`)
	if resp.Err != nil {
		t.Fatalf("ping before initialize: %+v", resp.Err)
	}
}

func TestDispatch_InitializeThenList(t *testing.T) {
	h := newHarness(t)
	h.initialize(t)

	resp := h.send(t, `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
	if resp.Err != nil {
		t.Fatalf("tools/list: %+v", resp.Err)
	}
	var result struct {
		Tools []struct {
			Name string `json:"name"`
		} `json:"tools"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	names := make([]string, 0, len(result.Tools))
	for _, tool := range result.Tools {
		names = append(names, tool.Name)
	}
	// Federate is capability-gated and this registry never advertises the
	// flag, so it stays hidden.
	want := []string{"memory-search", "memory-store"}
	if fmt.Sprint(names) != fmt.Sprint(want) {
		t.Errorf("tools = %v, want %v", names, want)
	}
}

func TestDispatch_DoubleInitializeRejected(t *testing.T) {
	h := newHarness(t)
	h.initialize(t)
	resp := h.send(t, `{"jsonrpc":"2.0","id":2,"method":"initialize","params":{}}`)
	if resp.Err == nil || resp.Err.Code != protocol.CodeInvalidState {
		t.Fatalf("error = %+v, want code %d", resp.Err, protocol.CodeInvalidState)
	}
}

func TestDispatch_ShutdownMarksSession(t *testing.T) {
	h := newHarness(t)
	h.initialize(t)
	resp := h.send(t, `{"jsonrpc":"2.0","id":2,"method":"shutdown"}`)
	if resp.Err != nil {
		t.Fatalf("shutdown: %+v", resp.Err)
	}
	if !h.sess.ShuttingDown() {
		t.Error("session not marked draining after shutdown")
	}
}

// --- Envelope handling ---

func TestDispatch_ParseErrorThenSessionStillUsable(t *testing.T) {
	h := newHarness(t)
	h.initialize(t)

	resp := h.send(t, `{broken`)
	if resp.Err == nil || resp.Err.Code != protocol.CodeParseError {
		t.Fatalf("error = %+v, want code %d", resp.Err, protocol.CodeParseError)
	}
	if string(resp.ID) != "null" {
		t.Errorf("parse-error id = %s, want null", resp.ID)
	}

	// The malformed frame poisons nothing; the next request succeeds.
	resp = h.send(t, `{"jsonrpc":"2.0","id":3,"method":"ping"}`)
	if resp.Err != nil {
		t.Fatalf("ping after parse error: %+v", resp.Err)
	}
}

func TestDispatch_EchoesRequestIDBytes(t *testing.T) {
	h := newHarness(t)
	h.initialize(t)

	for _, id := range []string{`"req-9"`, `42`} {
		resp := h.send(t, `{"jsonrpc":"2.0","id":`+id+`,"method":"ping"}`)
		if !bytes.Equal(resp.ID, []byte(id)) {
			t.Errorf("response id = %s, want %s", resp.ID, id)
		}
	}
}

func TestDispatch_NotificationGetsNoResponse(t *testing.T) {
	h := newHarness(t)
	h.initialize(t)

	if resp := h.send(t, `{"jsonrpc":"2.0","method":"ping"}`); resp != nil {
		t.Errorf("notification got a response: %+v", resp)
	}
	// Even a failing notification is silent.
	if resp := h.send(t, `{"jsonrpc":"2.0","method":"no/such/method"}`); resp != nil {
		t.Errorf("failing notification got a response: %+v", resp)
	}
}

func TestDispatch_UnknownMethod(t *testing.T) {
	h := newHarness(t)
	h.initialize(t)
	resp := h.send(t, `{"jsonrpc":"2.0","id":4,"method":"resources/list"}`)
	if resp.Err == nil || resp.Err.Code != protocol.CodeMethodNotFound {
		t.Fatalf("error = %+v, want code %d", resp.Err, protocol.CodeMethodNotFound)
	}
}

// --- Notification subscriptions ---

func TestDispatch_SubscribeRequiresTopic(t *testing.T) {
	h := newHarness(t)
	h.initialize(t)
	resp := h.send(t, `{"jsonrpc":"2.0","id":4,"method":"notifications/subscribe","params":{}}`)
	if resp.Err == nil || resp.Err.Code != protocol.CodeInvalidParams {
		t.Fatalf("error = %+v, want code %d", resp.Err, protocol.CodeInvalidParams)
	}
}

func TestDispatch_SubscribeConflictTopic(t *testing.T) {
	h := newHarness(t)
	h.initialize(t)

	resp := h.send(t, `{"jsonrpc":"2.0","id":4,"method":"notifications/subscribe","params":{"topic":"memory.conflicts"}}`)
	if resp == nil || resp.Err != nil {
		t.Fatalf("subscribe: %+v", resp)
	}

	// Two assertions with the same content but opposed attributes force a
	// conflict decision, which goes out on the opted-in topic.
	store := `{"jsonrpc":"2.0","id":5,"method":"tools/call","params":{"name":"memory-store","arguments":{"content":"tls verification is enabled for upstream calls","attrs":{"enabled":%v}}}}`
	if resp := h.send(t, fmt.Sprintf(store, true)); resp.Err != nil {
		t.Fatalf("first store: %+v", resp.Err)
	}
	if resp := h.send(t, fmt.Sprintf(store, false)); resp.Err != nil {
		t.Fatalf("second store: %+v", resp.Err)
	}

	var sawConflict bool
drain:
	for {
		select {
		case n := <-h.sess.Notifications():
			if n.Method == "notifications/memory/conflict" {
				sawConflict = true
			}
		default:
			break drain
		}
	}
	if !sawConflict {
		t.Error("no conflict notification after subscribing to memory.conflicts")
	}
}

func TestDispatch_ConflictTopicNeedsOptIn(t *testing.T) {
	h := newHarness(t)
	h.initialize(t)

	store := `{"jsonrpc":"2.0","id":5,"method":"tools/call","params":{"name":"memory-store","arguments":{"content":"tls verification is enabled for upstream calls","attrs":{"enabled":%v}}}}`
	if resp := h.send(t, fmt.Sprintf(store, true)); resp.Err != nil {
		t.Fatalf("first store: %+v", resp.Err)
	}
	if resp := h.send(t, fmt.Sprintf(store, false)); resp.Err != nil {
		t.Fatalf("second store: %+v", resp.Err)
	}

drain:
	for {
		select {
		case n := <-h.sess.Notifications():
			if n.Method == "notifications/memory/conflict" {
				t.Error("conflict notification delivered without a subscription")
			}
		default:
			break drain
		}
	}
}

// --- Tool calls ---

func TestDispatch_ToolCallRoundTrip(t *testing.T) {
	h := newHarness(t)
	h.initialize(t)

	resp := h.send(t, `{"jsonrpc":"2.0","id":5,"method":"tools/call","params":{"name":"memory-store","arguments":{"content":"dispatch test memory"}}}`)
	if resp.Err != nil {
		t.Fatalf("tools/call: %+v", resp.Err)
	}
	var result struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if len(result.Content) == 0 || result.Content[0].Type != "text" {
		t.Fatalf("result content = %+v", result.Content)
	}
	if !bytes.Contains([]byte(result.Content[0].Text), []byte(`"outcome":"accept"`)) {
		t.Errorf("tool text = %s", result.Content[0].Text)
	}
}

func TestDispatch_UnknownToolIsMethodNotFound(t *testing.T) {
	h := newHarness(t)
	h.initialize(t)
	resp := h.send(t, `{"jsonrpc":"2.0","id":6,"method":"tools/call","params":{"name":"memory-erase","arguments":{}}}`)
	if resp.Err == nil || resp.Err.Code != protocol.CodeMethodNotFound {
		t.Fatalf("error = %+v, want code %d", resp.Err, protocol.CodeMethodNotFound)
	}
}

func TestDispatch_HiddenToolIsMethodNotFound(t *testing.T) {
	h := newHarness(t)
	h.initialize(t)
	// Registered but capability-gated behind a flag the session lacks.
	resp := h.send(t, `{"jsonrpc":"2.0","id":6,"method":"tools/call","params":{"name":"memory-federate","arguments":{"operation":"status"}}}`)
	if resp.Err == nil || resp.Err.Code != protocol.CodeMethodNotFound {
		t.Fatalf("error = %+v, want code %d", resp.Err, protocol.CodeMethodNotFound)
	}
}

func TestDispatch_ToolErrorCarriesDomainCode(t *testing.T) {
	h := newHarness(t)
	h.initialize(t)
	resp := h.send(t, `{"jsonrpc":"2.0","id":7,"method":"tools/call","params":{"name":"memory-search","arguments":{}}}`)
	if resp.Err == nil || resp.Err.Code != protocol.CodeInvalidParams {
		t.Fatalf("error = %+v, want code %d", resp.Err, protocol.CodeInvalidParams)
	}
}

func TestDispatch_SanitizedArgumentsReachTools(t *testing.T) {
	h := newHarness(t)
	h.initialize(t)

	frame := `{"jsonrpc":"2.0","id":8,"method":"tools/call","params":{"name":"memory-store","arguments":{"content":"run $(reboot) <script>x</script> now"}}}`
	resp := h.send(t, frame)
	if resp.Err != nil {
		t.Fatalf("tools/call: %+v", resp.Err)
	}
	var result struct {
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	text := result.Content[0].Text
	if bytes.Contains([]byte(text), []byte("$(")) || bytes.Contains([]byte(text), []byte("<script>")) {
		t.Errorf("stored content was not sanitized: %s", text)
	}
}
