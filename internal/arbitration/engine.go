// Package arbitration decides what happens when a candidate memory is
// stored alongside possibly conflicting existing knowledge: accept it
// verbatim, merge it into an existing record, flag a conflict, or reject
// it. Every decision carries a confidence score and a rationale naming the
// rule that fired.
package arbitration

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/coltonmb/memgate/internal/memory"
	"github.com/oklog/ulid/v2"
)

// Outcomes.
const (
	OutcomeAccept   = "accept"
	OutcomeMerge    = "merge"
	OutcomeConflict = "conflict"
	OutcomeReject   = "reject"
)

// Default thresholds, overridable via configuration and per call.
const (
	DefaultConsiderationThreshold = 0.5
	DefaultMergeThreshold         = 0.85
)

// defaultConfidence is assumed when a candidate states none.
const defaultConfidence = 0.5

// Decision is the arbitration result. It is recorded as provenance on the
// resulting record, not persisted independently.
type Decision struct {
	Outcome     string   `json:"outcome"`
	ExistingIDs []string `json:"existing_ids,omitempty"`
	Similarity  float64  `json:"similarity"`
	Confidence  float64  `json:"confidence"`
	Reasoning   string   `json:"reasoning"`
}

// Options carries per-call overrides.
type Options struct {
	// Threshold, when set, replaces the merge threshold for this call
	// only. The consideration threshold is clamped down to it so the
	// decision table stays ordered.
	Threshold *float64
}

// ErrInvalidThreshold is wrapped into parameter errors by callers.
var ErrInvalidThreshold = fmt.Errorf("arbitration: threshold must be in [0,1]")

// ContradictionFunc reports whether two metadata sets flatly contradict.
// Pluggable; the default compares shared boolean and string attributes.
type ContradictionFunc func(a, b memory.Metadata) bool

// DefaultContradiction flags opposed boolean or string attributes shared
// by both records.
func DefaultContradiction(a, b memory.Metadata) bool {
	for key, av := range a.Attrs {
		bv, ok := b.Attrs[key]
		if !ok {
			continue
		}
		switch avt := av.(type) {
		case bool:
			if bvt, ok := bv.(bool); ok && avt != bvt {
				return true
			}
		case string:
			if bvt, ok := bv.(string); ok && avt != bvt {
				return true
			}
		}
	}
	return false
}

// Config holds engine thresholds and the contradiction predicate.
type Config struct {
	ConsiderationThreshold float64
	MergeThreshold         float64
	Contradicts            ContradictionFunc
}

// Engine evaluates candidates against the existing corpus. The similarity
// query and the conditional write form a critical section per scope, so
// two concurrent stores cannot both see "no conflict" and create duplicate
// accepted records. Unrelated scopes proceed in parallel.
type Engine struct {
	store  *memory.Store
	ranker memory.Ranker
	cfg    Config

	mu     sync.Mutex
	scopes map[string]*sync.Mutex
}

// New creates an engine. Zero thresholds fall back to the defaults.
func New(store *memory.Store, ranker memory.Ranker, cfg Config) *Engine {
	if cfg.ConsiderationThreshold == 0 {
		cfg.ConsiderationThreshold = DefaultConsiderationThreshold
	}
	if cfg.MergeThreshold == 0 {
		cfg.MergeThreshold = DefaultMergeThreshold
	}
	if cfg.Contradicts == nil {
		cfg.Contradicts = DefaultContradiction
	}
	return &Engine{
		store:  store,
		ranker: ranker,
		cfg:    cfg,
		scopes: make(map[string]*sync.Mutex),
	}
}

func (e *Engine) scopeLock(scope string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	m := e.scopes[scope]
	if m == nil {
		m = &sync.Mutex{}
		e.scopes[scope] = m
	}
	return m
}

func (e *Engine) thresholds(opts Options) (consideration, merge float64, err error) {
	consideration, merge = e.cfg.ConsiderationThreshold, e.cfg.MergeThreshold
	if opts.Threshold != nil {
		t := *opts.Threshold
		if t < 0 || t > 1 {
			return 0, 0, ErrInvalidThreshold
		}
		merge = t
		if consideration > merge {
			consideration = merge
		}
	}
	return consideration, merge, nil
}

// Store evaluates a candidate against the active records in its scope and
// persists the outcome. The returned record is the one the caller should
// reference afterwards: the new record on accept/conflict, the amended
// existing record on merge, nil on reject.
func (e *Engine) Store(ctx context.Context, candidate *memory.Record, opts Options) (*memory.Record, Decision, error) {
	consideration, merge, err := e.thresholds(opts)
	if err != nil {
		return nil, Decision{}, err
	}

	confidence := candidate.Metadata.Confidence
	if confidence == 0 {
		confidence = defaultConfidence
	}

	if candidate.Content == "" {
		return nil, Decision{
			Outcome:    OutcomeReject,
			Confidence: 0,
			Reasoning:  "rejected: candidate content is empty after sanitization",
		}, nil
	}

	lock := e.scopeLock(candidate.Scope)
	lock.Lock()
	defer lock.Unlock()

	corpus, err := e.store.ActiveByScope(ctx, candidate.Scope)
	if err != nil {
		return nil, Decision{}, err
	}

	best, bestSim := e.bestMatch(candidate.Content, corpus)

	switch {
	case best == nil || bestSim < consideration:
		rec, err := e.accept(ctx, candidate, confidence, bestSim)
		if err != nil {
			return nil, Decision{}, err
		}
		return rec, Decision{
			Outcome:    OutcomeAccept,
			Similarity: bestSim,
			Confidence: confidence,
			Reasoning: fmt.Sprintf(
				"accepted: best similarity %.2f in scope %q is below the consideration threshold %.2f",
				bestSim, candidate.Scope, consideration),
		}, nil

	case bestSim >= merge && !e.cfg.Contradicts(candidate.Metadata, best.Metadata):
		rec, err := e.merge(ctx, candidate, best, confidence, bestSim)
		if err != nil {
			return nil, Decision{}, err
		}
		return rec, Decision{
			Outcome:     OutcomeMerge,
			ExistingIDs: []string{best.ID},
			Similarity:  bestSim,
			Confidence:  rec.Metadata.Confidence,
			Reasoning: fmt.Sprintf(
				"merged into %s: similarity %.2f exceeds the merge threshold %.2f and metadata do not contradict",
				best.ID, bestSim, merge),
		}, nil

	default:
		reason := fmt.Sprintf(
			"conflict with %s: similarity %.2f is above the consideration threshold %.2f but below the merge threshold %.2f",
			best.ID, bestSim, consideration, merge)
		if bestSim >= merge {
			reason = fmt.Sprintf(
				"conflict with %s: similarity %.2f exceeds the merge threshold %.2f but metadata flatly contradict",
				best.ID, bestSim, merge)
		}
		rec, err := e.conflict(ctx, candidate, best, confidence, reason)
		if err != nil {
			return nil, Decision{}, err
		}
		return rec, Decision{
			Outcome:     OutcomeConflict,
			ExistingIDs: []string{best.ID},
			Similarity:  bestSim,
			Confidence:  confidence,
			Reasoning:   reason,
		}, nil
	}
}

// Evolve re-runs arbitration for an amendment against the memory's own
// history. A substantial content change produces a successor record linked
// by a supersedes edge; a minor revision is amended in place.
func (e *Engine) Evolve(ctx context.Context, id, newContent string, newMeta *memory.Metadata, opts Options) (*memory.Record, Decision, error) {
	_, merge, err := e.thresholds(opts)
	if err != nil {
		return nil, Decision{}, err
	}

	current, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, Decision{}, err
	}

	lock := e.scopeLock(current.Scope)
	lock.Lock()
	defer lock.Unlock()

	md := current.Metadata
	if newMeta != nil {
		md = unionMetadata(md, *newMeta)
	}

	if newContent == "" || newContent == current.Content {
		prov := appendProvenance(current.Provenance, "evolved: metadata amended")
		if err := e.store.UpdateInPlace(ctx, current.ID, current.Content, md, prov); err != nil {
			return nil, Decision{}, err
		}
		updated, err := e.store.Get(ctx, current.ID)
		if err != nil {
			return nil, Decision{}, err
		}
		return updated, Decision{
			Outcome:     OutcomeMerge,
			ExistingIDs: []string{current.ID},
			Similarity:  1,
			Confidence:  md.Confidence,
			Reasoning:   "amended in place: content unchanged, metadata unioned",
		}, nil
	}

	sim := e.ranker.Similarity(current.Content, newContent)
	if sim >= merge {
		prov := appendProvenance(current.Provenance,
			fmt.Sprintf("evolved in place: revision similarity %.2f >= merge threshold %.2f", sim, merge))
		if err := e.store.UpdateInPlace(ctx, current.ID, newContent, md, prov); err != nil {
			return nil, Decision{}, err
		}
		updated, err := e.store.Get(ctx, current.ID)
		if err != nil {
			return nil, Decision{}, err
		}
		return updated, Decision{
			Outcome:     OutcomeMerge,
			ExistingIDs: []string{current.ID},
			Similarity:  sim,
			Confidence:  md.Confidence,
			Reasoning: fmt.Sprintf(
				"amended in place: revision similarity %.2f meets the merge threshold %.2f", sim, merge),
		}, nil
	}

	successor := &memory.Record{
		ID:       ulid.Make().String(),
		Content:  newContent,
		Type:     current.Type,
		Scope:    current.Scope,
		Metadata: md,
		Provenance: fmt.Sprintf("evolved from %s: revision similarity %.2f below merge threshold %.2f",
			current.ID, sim, merge),
		Active:    true,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if err := e.store.Create(ctx, successor); err != nil {
		return nil, Decision{}, err
	}
	if _, err := e.store.AddRelation(ctx, successor.ID, current.ID, memory.RelSupersedes, ""); err != nil {
		return nil, Decision{}, err
	}
	if err := e.store.MarkSuperseded(ctx, current.ID, successor.ID); err != nil {
		return nil, Decision{}, err
	}
	return successor, Decision{
		Outcome:     OutcomeAccept,
		ExistingIDs: []string{current.ID},
		Similarity:  sim,
		Confidence:  md.Confidence,
		Reasoning: fmt.Sprintf(
			"superseded %s: revision similarity %.2f is below the merge threshold %.2f, prior variant retained",
			current.ID, sim, merge),
	}, nil
}

func (e *Engine) bestMatch(content string, corpus []memory.Record) (*memory.Record, float64) {
	var best *memory.Record
	bestSim := 0.0
	for i := range corpus {
		sim := e.ranker.Similarity(content, corpus[i].Content)
		if sim > bestSim {
			best = &corpus[i]
			bestSim = sim
		}
	}
	return best, bestSim
}

func (e *Engine) accept(ctx context.Context, candidate *memory.Record, confidence, sim float64) (*memory.Record, error) {
	now := time.Now()
	rec := *candidate
	rec.ID = ulid.Make().String()
	rec.Metadata.Confidence = confidence
	rec.Active = true
	rec.CreatedAt = now
	rec.UpdatedAt = now
	rec.Provenance = fmt.Sprintf("arbitration: accepted (best similarity %.2f)", sim)
	if err := e.store.Create(ctx, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (e *Engine) merge(ctx context.Context, candidate, existing *memory.Record, confidence, sim float64) (*memory.Record, error) {
	md := unionMetadata(existing.Metadata, candidate.Metadata)
	if confidence > md.Confidence {
		md.Confidence = confidence
	}
	prov := appendProvenance(existing.Provenance,
		fmt.Sprintf("merged candidate at similarity %.2f", sim))
	if err := e.store.UpdateInPlace(ctx, existing.ID, existing.Content, md, prov); err != nil {
		return nil, err
	}
	return e.store.Get(ctx, existing.ID)
}

func (e *Engine) conflict(ctx context.Context, candidate, existing *memory.Record, confidence float64, reason string) (*memory.Record, error) {
	now := time.Now()
	rec := *candidate
	rec.ID = ulid.Make().String()
	rec.Metadata.Confidence = confidence
	rec.Active = true
	rec.CreatedAt = now
	rec.UpdatedAt = now
	rec.Provenance = "arbitration: " + reason
	if err := e.store.Create(ctx, &rec); err != nil {
		return nil, err
	}
	if _, err := e.store.AddRelation(ctx, rec.ID, existing.ID, memory.RelConflictsWith, ""); err != nil {
		return nil, err
	}
	return &rec, nil
}

// unionMetadata merges tags and attributes; values from b win on key
// collision, matching "newer assertion fills in".
func unionMetadata(a, b memory.Metadata) memory.Metadata {
	out := memory.Metadata{Confidence: a.Confidence}
	if b.Confidence > out.Confidence {
		out.Confidence = b.Confidence
	}
	seen := make(map[string]bool)
	for _, t := range append(append([]string{}, a.Tags...), b.Tags...) {
		if !seen[t] {
			seen[t] = true
			out.Tags = append(out.Tags, t)
		}
	}
	if len(a.Attrs) > 0 || len(b.Attrs) > 0 {
		out.Attrs = make(map[string]any, len(a.Attrs)+len(b.Attrs))
		for k, v := range a.Attrs {
			out.Attrs[k] = v
		}
		for k, v := range b.Attrs {
			out.Attrs[k] = v
		}
	}
	return out
}

func appendProvenance(existing, entry string) string {
	if existing == "" {
		return entry
	}
	return existing + "; " + entry
}
