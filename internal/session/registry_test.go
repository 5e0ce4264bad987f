package session

import (
	"reflect"
	"testing"
	"time"

	"github.com/coltonmb/memgate/internal/protocol"
	"github.com/coltonmb/memgate/internal/security"
)

func testRegistry() *Registry {
	caps := CapabilitySet{
		CapTools:        true,
		CapMemory:       true,
		CapMemorySearch: true,
		CapMemoryStore:  true,
	}
	return NewRegistry(ServerInfo{Name: "memgate", Version: "test"}, caps, time.Minute)
}

func TestInitialize_EmptyRequestGetsAllServerCaps(t *testing.T) {
	r := testRegistry()
	s := r.Create(security.Credentials{}, nil)

	res, errObj := r.Initialize(s.ID(), InitializeParams{
		ClientInfo: ClientInfo{Name: "test-client", Version: "1.0"},
	})
	if errObj != nil {
		t.Fatalf("unexpected error: %v", errObj)
	}
	want := []string{CapTools, CapMemory, CapMemorySearch, CapMemoryStore}
	if !reflect.DeepEqual(res.Capabilities, want) {
		t.Errorf("capabilities = %v, want %v", res.Capabilities, want)
	}
	if res.SessionID != s.ID() {
		t.Errorf("sessionId = %q, want %q", res.SessionID, s.ID())
	}
	if res.ProtocolVersion != ProtocolVersion {
		t.Errorf("protocolVersion = %q", res.ProtocolVersion)
	}
	if !s.Initialized() {
		t.Error("session not marked initialized")
	}
}

func TestInitialize_IntersectsRequestedCaps(t *testing.T) {
	r := testRegistry()
	s := r.Create(security.Credentials{}, nil)

	res, errObj := r.Initialize(s.ID(), InitializeParams{
		Capabilities: []string{CapTools, CapMemoryFederate, "unknown.flag"},
	})
	if errObj != nil {
		t.Fatalf("unexpected error: %v", errObj)
	}
	// Federate is not advertised by this registry and unknown flags are
	// dropped, never errored.
	want := []string{CapTools}
	if !reflect.DeepEqual(res.Capabilities, want) {
		t.Errorf("capabilities = %v, want %v", res.Capabilities, want)
	}
}

func TestInitialize_SecondCallRejected(t *testing.T) {
	r := testRegistry()
	s := r.Create(security.Credentials{}, nil)

	if _, errObj := r.Initialize(s.ID(), InitializeParams{}); errObj != nil {
		t.Fatalf("first initialize failed: %v", errObj)
	}
	_, errObj := r.Initialize(s.ID(), InitializeParams{})
	if errObj == nil || errObj.Code != protocol.CodeInvalidState {
		t.Fatalf("error = %v, want code %d", errObj, protocol.CodeInvalidState)
	}
}

func TestInitialize_UnknownSession(t *testing.T) {
	r := testRegistry()
	_, errObj := r.Initialize("nope", InitializeParams{})
	if errObj == nil || errObj.Code != protocol.CodeInvalidState {
		t.Fatalf("error = %v, want code %d", errObj, protocol.CodeInvalidState)
	}
}

func TestDestroy_RunsHooksAndCancels(t *testing.T) {
	r := testRegistry()
	var hooked string
	r.OnDestroy(func(id string) { hooked = id })

	cancelled := false
	s := r.Create(security.Credentials{}, func() { cancelled = true })
	r.Destroy(s.ID())

	if hooked != s.ID() {
		t.Errorf("hook saw %q, want %q", hooked, s.ID())
	}
	if !cancelled {
		t.Error("session context not cancelled")
	}
	if r.Get(s.ID()) != nil {
		t.Error("session still resolvable after destroy")
	}
	if r.Len() != 0 {
		t.Errorf("Len = %d, want 0", r.Len())
	}
	// The notification channel is closed so the transport drain exits.
	if _, open := <-s.Notifications(); open {
		t.Error("notification channel still open")
	}
}

func TestPublish_OnlySubscribedSessions(t *testing.T) {
	r := testRegistry()
	sub := r.Create(security.Credentials{}, nil)
	other := r.Create(security.Credentials{}, nil)

	// Initialize with memory capability auto-subscribes the memory topic.
	if _, errObj := r.Initialize(sub.ID(), InitializeParams{}); errObj != nil {
		t.Fatalf("initialize: %v", errObj)
	}

	r.Publish("memory", Notification{Method: "notifications/memory/stored", Params: map[string]any{"id": "m1"}})

	select {
	case n := <-sub.Notifications():
		if n.Method != "notifications/memory/stored" {
			t.Errorf("method = %q", n.Method)
		}
	default:
		t.Fatal("subscribed session received nothing")
	}
	select {
	case n := <-other.Notifications():
		t.Fatalf("uninitialized session received %v", n)
	default:
	}
}

func TestPublish_FullQueueDropsInsteadOfBlocking(t *testing.T) {
	r := testRegistry()
	s := r.Create(security.Credentials{}, nil)
	if _, errObj := r.Initialize(s.ID(), InitializeParams{}); errObj != nil {
		t.Fatalf("initialize: %v", errObj)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < notifyBuffer+5; i++ {
			r.Publish("memory", Notification{Method: "notifications/memory/stored"})
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full queue")
	}
}

func TestShutdown_MarksSessionDraining(t *testing.T) {
	r := testRegistry()
	s := r.Create(security.Credentials{}, nil)
	if s.ShuttingDown() {
		t.Fatal("fresh session already draining")
	}
	r.Shutdown(s.ID())
	if !s.ShuttingDown() {
		t.Error("session not marked draining")
	}
}

func TestIdleSessions(t *testing.T) {
	r := testRegistry()
	idle := r.Create(security.Credentials{}, nil)
	fresh := r.Create(security.Credentials{}, nil)

	idle.touch(time.Now().Add(-2 * time.Minute))
	got := r.idleSessions(time.Now())
	if len(got) != 1 || got[0] != idle.ID() {
		t.Errorf("idleSessions = %v, want [%s]", got, idle.ID())
	}
	_ = fresh
}
