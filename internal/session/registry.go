package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/coltonmb/memgate/internal/protocol"
	"github.com/coltonmb/memgate/internal/security"
	"github.com/google/uuid"
)

// notifyBuffer bounds the per-session notification queue. A slow reader
// loses broadcasts rather than blocking the publisher.
const notifyBuffer = 16

// InitializeParams is the client half of the handshake.
type InitializeParams struct {
	ProtocolVersion string     `json:"protocolVersion"`
	ClientInfo      ClientInfo `json:"clientInfo"`
	Capabilities    []string   `json:"capabilities"`
}

// ClientInfo identifies the connecting client implementation.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InitializeResult is the server half of the handshake.
type InitializeResult struct {
	ProtocolVersion string     `json:"protocolVersion"`
	ServerInfo      ServerInfo `json:"serverInfo"`
	Capabilities    []string   `json:"capabilities"`
	SessionID       string     `json:"sessionId"`
}

// ServerInfo identifies this server implementation.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Registry owns every live session. All state transitions go through it.
type Registry struct {
	serverInfo  ServerInfo
	serverCaps  CapabilitySet
	idleTimeout time.Duration

	mu       sync.RWMutex
	sessions map[string]*Session

	onDestroy []func(sessionID string)
}

// NewRegistry creates a registry advertising the given server identity and
// capability flags.
func NewRegistry(info ServerInfo, caps CapabilitySet, idleTimeout time.Duration) *Registry {
	return &Registry{
		serverInfo:  info,
		serverCaps:  caps,
		idleTimeout: idleTimeout,
		sessions:    make(map[string]*Session),
	}
}

// OnDestroy registers a hook run when any session is destroyed. Used to
// release pipeline rate-limit state.
func (r *Registry) OnDestroy(fn func(sessionID string)) {
	r.onDestroy = append(r.onDestroy, fn)
}

// Create registers a new session for a connection. cancel is invoked on
// destroy to stop the connection's in-flight background work.
func (r *Registry) Create(creds security.Credentials, cancel context.CancelFunc) *Session {
	now := time.Now()
	s := &Session{
		id:         uuid.NewString(),
		creds:      creds,
		topics:     make(map[string]bool),
		createdAt:  now,
		lastActive: now,
		notify:     make(chan Notification, notifyBuffer),
		cancel:     cancel,
	}
	r.mu.Lock()
	r.sessions[s.id] = s
	r.mu.Unlock()
	return s
}

// Get returns the session by id, or nil.
func (r *Registry) Get(id string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[id]
}

// Touch updates the session's last-activity timestamp.
func (r *Registry) Touch(id string) {
	if s := r.Get(id); s != nil {
		s.touch(time.Now())
	}
}

// Initialize performs the handshake for a session. A second initialize on
// an already-initialized session is rejected, as is any capability
// negotiation after shutdown.
func (r *Registry) Initialize(id string, params InitializeParams) (*InitializeResult, *protocol.ErrorObject) {
	s := r.Get(id)
	if s == nil {
		return nil, protocol.Errorf(protocol.CodeInvalidState, "unknown session")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initialized {
		return nil, protocol.Errorf(protocol.CodeInvalidState, "session already initialized")
	}

	requested := make(CapabilitySet, len(params.Capabilities))
	for _, flag := range params.Capabilities {
		requested[flag] = true
	}
	// A client that declares nothing gets everything the server supports;
	// otherwise the negotiated set is the intersection.
	negotiated := r.serverCaps
	if len(requested) > 0 {
		negotiated = r.serverCaps.Intersect(requested)
	}

	s.initialized = true
	s.clientName = params.ClientInfo.Name
	s.clientVersion = params.ClientInfo.Version
	s.protocolVersion = ProtocolVersion
	s.caps = negotiated
	if negotiated.Has(CapMemory) {
		s.topics["memory"] = true
	}

	slog.Info("session initialized",
		"session_id", s.id,
		"client", params.ClientInfo.Name,
		"capabilities", negotiated.Names(),
	)

	return &InitializeResult{
		ProtocolVersion: ProtocolVersion,
		ServerInfo:      r.serverInfo,
		Capabilities:    negotiated.Names(),
		SessionID:       s.id,
	}, nil
}

// Shutdown marks the session as draining. The transport closes the
// connection after the response is flushed.
func (r *Registry) Shutdown(id string) {
	if s := r.Get(id); s != nil {
		s.mu.Lock()
		s.shuttingDown = true
		s.mu.Unlock()
	}
}

// Destroy releases all session state, cancels the session's background
// work, and runs destroy hooks.
func (r *Registry) Destroy(id string) {
	r.mu.Lock()
	s := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if s == nil {
		return
	}
	if s.cancel != nil {
		s.cancel()
	}
	close(s.notify)
	for _, fn := range r.onDestroy {
		fn(id)
	}
	slog.Info("session destroyed", "session_id", id)
}

// Publish broadcasts a notification to every session subscribed to the
// topic. Delivery is best-effort: a full queue drops the message for that
// session instead of blocking the publisher.
func (r *Registry) Publish(topic string, n Notification) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.sessions {
		if !s.subscribed(topic) {
			continue
		}
		select {
		case s.notify <- n:
		default:
		}
	}
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// RunEviction destroys sessions idle past the timeout until ctx is done.
func (r *Registry) RunEviction(ctx context.Context) {
	if r.idleTimeout <= 0 {
		return
	}
	ticker := time.NewTicker(r.idleTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, id := range r.idleSessions(now) {
				slog.Info("evicting idle session", "session_id", id)
				r.Destroy(id)
			}
		}
	}
}

func (r *Registry) idleSessions(now time.Time) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for id, s := range r.sessions {
		if s.idleSince(now) > r.idleTimeout {
			out = append(out, id)
		}
	}
	return out
}
