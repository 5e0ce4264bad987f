// Package memsvc is the memory service facade: the five memory tools
// expressed as narrow functions over the storage and ranking backends.
// Store and evolve are the only paths into the arbitration engine.
package memsvc

import (
	"context"
	"errors"
	"log/slog"

	"github.com/coltonmb/memgate/internal/arbitration"
	"github.com/coltonmb/memgate/internal/federation"
	"github.com/coltonmb/memgate/internal/memory"
	"github.com/coltonmb/memgate/internal/protocol"
	"github.com/coltonmb/memgate/internal/session"
)

// TopicMemoryConflicts is the opt-in broadcast topic for arbitration
// conflicts. The base "memory" topic is subscribed automatically at
// initialize; this one requires notifications/subscribe.
const TopicMemoryConflicts = "memory.conflicts"

// Service implements the memory tool surface. Safe for concurrent use;
// cross-scope synchronization lives in the arbitration engine and the
// store's own locking.
type Service struct {
	store      *memory.Store
	engine     *arbitration.Engine
	registry   *session.Registry
	aggregator *federation.Aggregator
}

// New creates the facade. aggregator is nil outside aggregator mode.
func New(store *memory.Store, engine *arbitration.Engine, registry *session.Registry, aggregator *federation.Aggregator) *Service {
	return &Service{store: store, engine: engine, registry: registry, aggregator: aggregator}
}

// SearchParams filters a memory search.
type SearchParams struct {
	Query           string
	Type            string
	Scope           string
	Limit           int
	IncludeInactive bool
}

// SearchPayload is the search tool result document.
type SearchPayload struct {
	Count   int                   `json:"count"`
	Results []memory.SearchResult `json:"results"`
}

// Search returns ranked summaries of matching active memories. Never
// mutates state.
func (s *Service) Search(ctx context.Context, p SearchParams) (*SearchPayload, error) {
	if p.Query == "" {
		return nil, protocol.Errorf(protocol.CodeInvalidParams, "'query' is required")
	}
	if p.Type != "" && !memory.ValidTypes[p.Type] {
		return nil, protocol.Errorf(protocol.CodeInvalidParams, "unknown memory type %q", p.Type)
	}
	results, err := s.store.Search(ctx, memory.SearchOptions{
		Query:           p.Query,
		Type:            p.Type,
		Scope:           p.Scope,
		Limit:           p.Limit,
		IncludeInactive: p.IncludeInactive,
	})
	if err != nil {
		return nil, err
	}
	if results == nil {
		results = []memory.SearchResult{}
	}
	return &SearchPayload{Count: len(results), Results: results}, nil
}

// StoreParams is a candidate memory assertion.
type StoreParams struct {
	Content   string
	Type      string
	Scope     string
	Metadata  memory.Metadata
	Threshold *float64
}

// StorePayload pairs the resulting record with the arbitration decision.
type StorePayload struct {
	Memory      *memory.Record       `json:"memory"`
	Arbitration arbitration.Decision `json:"arbitration"`
}

// Store validates the candidate and hands it to arbitration.
func (s *Service) Store(ctx context.Context, p StoreParams) (*StorePayload, error) {
	if p.Content == "" {
		return nil, protocol.Errorf(protocol.CodeInvalidParams, "'content' is required")
	}
	typ := p.Type
	if typ == "" {
		typ = memory.TypeSystem1
	}
	if !memory.ValidTypes[typ] {
		return nil, protocol.Errorf(protocol.CodeInvalidParams, "unknown memory type %q", typ)
	}
	scope := p.Scope
	if scope == "" {
		if memory.ScopeRequired(typ) {
			return nil, protocol.Errorf(protocol.CodeInvalidParams,
				"memory type %q requires an owning scope", typ)
		}
		scope = memory.GlobalScope
	}
	if p.Metadata.Confidence < 0 || p.Metadata.Confidence > 1 {
		return nil, protocol.Errorf(protocol.CodeInvalidParams, "'confidence' must be in [0,1]")
	}

	candidate := &memory.Record{
		Content:  p.Content,
		Type:     typ,
		Scope:    scope,
		Metadata: p.Metadata,
	}
	rec, decision, err := s.engine.Store(ctx, candidate, arbitration.Options{Threshold: p.Threshold})
	if err != nil {
		if errors.Is(err, arbitration.ErrInvalidThreshold) {
			return nil, protocol.Errorf(protocol.CodeInvalidParams, "'threshold' must be in [0,1]")
		}
		return nil, err
	}

	if rec != nil {
		s.publish("memory", "notifications/memory/stored", map[string]any{
			"id": rec.ID, "outcome": decision.Outcome, "scope": rec.Scope,
		})
		s.publishConflict(rec, decision)
	}
	return &StorePayload{Memory: rec, Arbitration: decision}, nil
}

// RelateParams creates a typed edge between two records.
type RelateParams struct {
	SourceID         string
	TargetID         string
	RelationshipType string
	Note             string
}

// Relate links two existing memories.
func (s *Service) Relate(ctx context.Context, p RelateParams) (*memory.Relation, error) {
	if p.SourceID == "" || p.TargetID == "" {
		return nil, protocol.Errorf(protocol.CodeInvalidParams, "'source_id' and 'target_id' are required")
	}
	if p.RelationshipType == "" {
		return nil, protocol.Errorf(protocol.CodeInvalidParams, "'relationship_type' is required")
	}
	rel, err := s.store.AddRelation(ctx, p.SourceID, p.TargetID, p.RelationshipType, p.Note)
	if err != nil {
		if errors.Is(err, memory.ErrNotFound) {
			return nil, protocol.Errorf(protocol.CodeNotFound, "memory not found")
		}
		return nil, err
	}
	return rel, nil
}

// EvolveParams amends an existing memory.
type EvolveParams struct {
	MemoryID  string
	Content   string
	Metadata  *memory.Metadata
	Threshold *float64
}

// Evolve re-runs arbitration against the memory's own history: minor
// revisions amend in place, substantial ones supersede.
func (s *Service) Evolve(ctx context.Context, p EvolveParams) (*StorePayload, error) {
	if p.MemoryID == "" {
		return nil, protocol.Errorf(protocol.CodeInvalidParams, "'memory_id' is required")
	}
	if p.Content == "" && p.Metadata == nil {
		return nil, protocol.Errorf(protocol.CodeInvalidParams, "one of 'content' or metadata fields is required")
	}
	if p.Metadata != nil && (p.Metadata.Confidence < 0 || p.Metadata.Confidence > 1) {
		return nil, protocol.Errorf(protocol.CodeInvalidParams, "'confidence' must be in [0,1]")
	}
	rec, decision, err := s.engine.Evolve(ctx, p.MemoryID, p.Content, p.Metadata, arbitration.Options{Threshold: p.Threshold})
	if err != nil {
		switch {
		case errors.Is(err, memory.ErrNotFound):
			return nil, protocol.Errorf(protocol.CodeNotFound, "memory %s not found", p.MemoryID)
		case errors.Is(err, arbitration.ErrInvalidThreshold):
			return nil, protocol.Errorf(protocol.CodeInvalidParams, "'threshold' must be in [0,1]")
		}
		return nil, err
	}

	s.publish("memory", "notifications/memory/evolved", map[string]any{
		"id": rec.ID, "outcome": decision.Outcome, "scope": rec.Scope,
	})
	s.publishConflict(rec, decision)
	return &StorePayload{Memory: rec, Arbitration: decision}, nil
}

// FederateParams routes an operation across the configured upstreams.
type FederateParams struct {
	Operation string
	Arguments map[string]any
}

// Federate delegates to the aggregator. In default mode federation is not
// available and the call fails without touching local state.
func (s *Service) Federate(ctx context.Context, p FederateParams) (any, error) {
	if s.aggregator == nil {
		return nil, protocol.Errorf(protocol.CodeInvalidState, "federation not supported in default mode")
	}
	switch p.Operation {
	case "search":
		return s.aggregator.Search(ctx, p.Arguments)
	case "store":
		return s.aggregator.Store(ctx, p.Arguments)
	case "status":
		return map[string]any{"upstreams": s.aggregator.Status()}, nil
	default:
		return nil, protocol.Errorf(protocol.CodeInvalidParams, "unknown federate operation %q", p.Operation)
	}
}

// Get returns a record with its relations; superseded records stay
// retrievable by id.
func (s *Service) Get(ctx context.Context, id string) (*memory.Record, []memory.Relation, error) {
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, memory.ErrNotFound) {
			return nil, nil, protocol.Errorf(protocol.CodeNotFound, "memory %s not found", id)
		}
		return nil, nil, err
	}
	rels, err := s.store.Relations(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return rec, rels, nil
}

// Ping reports backend health for the health endpoint.
func (s *Service) Ping(ctx context.Context) error { return s.store.Ping(ctx) }

func (s *Service) publish(topic, method string, params map[string]any) {
	if s.registry == nil {
		return
	}
	s.registry.Publish(topic, session.Notification{Method: method, Params: params})
	slog.Debug("memory event published", "topic", topic, "method", method)
}

// publishConflict raises a conflict alert on its own topic. Sessions opt
// in through notifications/subscribe; the base memory topic stays quiet
// so routine stores don't page anyone watching for contradictions.
func (s *Service) publishConflict(rec *memory.Record, decision arbitration.Decision) {
	if decision.Outcome != arbitration.OutcomeConflict {
		return
	}
	s.publish(TopicMemoryConflicts, "notifications/memory/conflict", map[string]any{
		"id":           rec.ID,
		"scope":        rec.Scope,
		"existing_ids": decision.ExistingIDs,
		"reasoning":    decision.Reasoning,
	})
}
