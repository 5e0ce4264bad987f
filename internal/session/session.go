// Package session tracks one record per live connection: identity,
// negotiated protocol version, capability set, and activity timestamps.
// It owns the initialize/shutdown lifecycle and the per-topic notification
// broadcast; subscribers are sessions, so cleanup is automatic on destroy.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/coltonmb/memgate/internal/security"
)

// ProtocolVersion is the memory-control-protocol revision this server
// negotiates at initialize.
const ProtocolVersion = "2025-06-01"

// Capability flag names.
const (
	CapTools          = "tools"
	CapLogging        = "logging"
	CapMemory         = "memory"
	CapMemorySearch   = "memory.search"
	CapMemoryStore    = "memory.store"
	CapMemoryFederate = "memory.federate"
)

// CapabilitySet is an explicit set of named capability flags.
type CapabilitySet map[string]bool

// Intersect returns the flags present in both sets. Anything not mutually
// supported is dropped rather than erroring.
func (c CapabilitySet) Intersect(other CapabilitySet) CapabilitySet {
	out := make(CapabilitySet)
	for flag := range c {
		if other[flag] {
			out[flag] = true
		}
	}
	return out
}

// Has reports whether the flag is in the set.
func (c CapabilitySet) Has(flag string) bool { return c[flag] }

// Names returns the enabled flags as a sorted-stable slice for wire output.
func (c CapabilitySet) Names() []string {
	out := make([]string, 0, len(c))
	for _, flag := range []string{CapTools, CapLogging, CapMemory, CapMemorySearch, CapMemoryStore, CapMemoryFederate} {
		if c[flag] {
			out = append(out, flag)
		}
	}
	return out
}

// Notification is a server-initiated message queued for a session.
type Notification struct {
	Method string
	Params any
}

// Session is the per-connection record. It never outlives its transport
// connection; the registry destroys it when the connection closes or goes
// idle past the timeout.
type Session struct {
	id    string
	creds security.Credentials

	mu              sync.Mutex
	initialized     bool
	shuttingDown    bool
	principal       *security.Principal
	clientName      string
	clientVersion   string
	protocolVersion string
	caps            CapabilitySet
	topics          map[string]bool
	createdAt       time.Time
	lastActive      time.Time

	notify chan Notification
	cancel context.CancelFunc
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Credentials returns what the client presented at connection time.
func (s *Session) Credentials() security.Credentials { return s.creds }

// Initialized reports whether the handshake has completed.
func (s *Session) Initialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialized
}

// ShuttingDown reports whether the client requested graceful termination.
func (s *Session) ShuttingDown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shuttingDown
}

// Capabilities returns the negotiated capability set. Immutable after
// initialize; the returned set must not be modified.
func (s *Session) Capabilities() CapabilitySet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.caps
}

// SetPrincipal records the authenticated principal resolved by the
// security pipeline.
func (s *Session) SetPrincipal(p *security.Principal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.principal = p
}

// Principal returns the last authenticated principal, if any.
func (s *Session) Principal() *security.Principal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.principal
}

// Notifications returns the channel the transport drains to deliver
// server-initiated messages.
func (s *Session) Notifications() <-chan Notification { return s.notify }

// Subscribe registers the session for a broadcast topic.
func (s *Session) Subscribe(topic string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.topics[topic] = true
}

func (s *Session) subscribed(topic string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.topics[topic]
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActive = now
}

func (s *Session) idleSince(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastActive)
}
