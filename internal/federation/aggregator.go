package federation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/coltonmb/memgate/internal/memory"
	"github.com/coltonmb/memgate/internal/protocol"
)

// dedupeThreshold is the content similarity above which two results from
// different upstreams are considered the same memory.
const dedupeThreshold = 0.9

// Caller is one upstream session. Satisfied by *UpstreamClient; tests
// substitute stubs.
type Caller interface {
	Name() string
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)
	Healthy() bool
	LatencyMs() int64
}

// UpstreamFailure records a partial failure on a federated call.
type UpstreamFailure struct {
	Upstream string `json:"upstream"`
	Error    string `json:"error"`
}

// FederatedResult is one merged search hit tagged with its origin.
type FederatedResult struct {
	memory.SearchResult
	Upstream string `json:"upstream"`
}

// SearchOutcome is the merged result of a federated search.
type SearchOutcome struct {
	Results  []FederatedResult `json:"results"`
	Partial  bool              `json:"partial"`
	Failures []UpstreamFailure `json:"failures,omitempty"`
}

// StoreOutcome reports where a federated store landed.
type StoreOutcome struct {
	Upstream string          `json:"upstream"`
	Result   json.RawMessage `json:"result"`
}

// UpstreamStatus is the health view of one upstream.
type UpstreamStatus struct {
	Name      string `json:"name"`
	Healthy   bool   `json:"healthy"`
	LatencyMs int64  `json:"latency_ms"`
}

// Aggregator multiplexes federated calls across the configured upstreams:
// scatter-gather with a per-upstream timeout, merge, and similarity
// dedupe. One slow or dead upstream never blocks the others.
type Aggregator struct {
	upstreams []Caller
	timeout   time.Duration
	primary   string
	ranker    memory.Ranker
}

// New creates an aggregator over the given upstream sessions.
func New(upstreams []Caller, timeout time.Duration, primary string, ranker memory.Ranker) *Aggregator {
	return &Aggregator{upstreams: upstreams, timeout: timeout, primary: primary, ranker: ranker}
}

// Search fans the query out to every upstream and merges the results.
// Unreachable upstreams are recorded as partial failures; the call only
// fails when no upstream answered.
func (a *Aggregator) Search(ctx context.Context, args map[string]any) (*SearchOutcome, error) {
	type reply struct {
		upstream string
		results  []memory.SearchResult
		err      error
	}

	replies := make(chan reply, len(a.upstreams))
	var wg sync.WaitGroup
	for _, up := range a.upstreams {
		wg.Add(1)
		go func(up Caller) {
			defer wg.Done()
			callCtx, cancel := context.WithTimeout(ctx, a.timeout)
			defer cancel()
			raw, err := up.Call(callCtx, "tools/call", toolCallParams("memory-search", args))
			if err != nil {
				replies <- reply{upstream: up.Name(), err: err}
				return
			}
			results, err := decodeSearchPayload(raw)
			replies <- reply{upstream: up.Name(), results: results, err: err}
		}(up)
	}
	wg.Wait()
	close(replies)

	outcome := &SearchOutcome{}
	var merged []FederatedResult
	for r := range replies {
		if r.err != nil {
			slog.Warn("federated search: upstream failed", "upstream", r.upstream, "error", r.err)
			outcome.Failures = append(outcome.Failures, UpstreamFailure{Upstream: r.upstream, Error: r.err.Error()})
			continue
		}
		for _, res := range r.results {
			merged = append(merged, FederatedResult{SearchResult: res, Upstream: r.upstream})
		}
	}

	if len(outcome.Failures) == len(a.upstreams) {
		return nil, protocol.Errorf(protocol.CodeUpstreamUnavailable, "no upstream available")
	}
	outcome.Partial = len(outcome.Failures) > 0
	outcome.Results = a.dedupe(merged)
	return outcome, nil
}

// Store forwards to exactly one upstream: the designated primary, or the
// first healthy one. Store is never broadcast, to avoid divergent copies.
func (a *Aggregator) Store(ctx context.Context, args map[string]any) (*StoreOutcome, error) {
	up := a.pickPrimary()
	if up == nil {
		return nil, protocol.Errorf(protocol.CodeUpstreamUnavailable, "no upstream available")
	}
	callCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	raw, err := up.Call(callCtx, "tools/call", toolCallParams("memory-store", args))
	if err != nil {
		return nil, protocol.Errorf(protocol.CodeUpstreamUnavailable, "primary upstream %s failed: %v", up.Name(), err)
	}
	text, err := toolText(raw)
	if err != nil {
		return nil, err
	}
	return &StoreOutcome{Upstream: up.Name(), Result: json.RawMessage(text)}, nil
}

// Status returns the current health view of every upstream.
func (a *Aggregator) Status() []UpstreamStatus {
	out := make([]UpstreamStatus, 0, len(a.upstreams))
	for _, up := range a.upstreams {
		out = append(out, UpstreamStatus{Name: up.Name(), Healthy: up.Healthy(), LatencyMs: up.LatencyMs()})
	}
	return out
}

// RunHealthLoop pings each upstream on a fixed tick until ctx is done.
func (a *Aggregator) RunHealthLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, up := range a.upstreams {
				callCtx, cancel := context.WithTimeout(ctx, a.timeout)
				_, _ = up.Call(callCtx, "ping", nil)
				cancel()
			}
		}
	}
}

func (a *Aggregator) pickPrimary() Caller {
	var firstHealthy Caller
	for _, up := range a.upstreams {
		if up.Name() == a.primary {
			return up
		}
		if firstHealthy == nil && up.Healthy() {
			firstHealthy = up
		}
	}
	if firstHealthy != nil {
		return firstHealthy
	}
	if len(a.upstreams) > 0 {
		return a.upstreams[0]
	}
	return nil
}

// dedupe collapses results whose content similarity exceeds the fixed
// threshold, keeping the higher-ranked copy, then re-ranks by score.
func (a *Aggregator) dedupe(results []FederatedResult) []FederatedResult {
	sort.SliceStable(results, func(i, j int) bool { return results[i].Rank > results[j].Rank })
	var kept []FederatedResult
	for _, candidate := range results {
		dup := false
		for _, k := range kept {
			if candidate.ID == k.ID || a.ranker.Similarity(candidate.Content, k.Content) > dedupeThreshold {
				dup = true
				break
			}
		}
		if !dup {
			kept = append(kept, candidate)
		}
	}
	return kept
}

// toolCallParams builds tools/call params for an upstream invocation.
func toolCallParams(name string, args map[string]any) map[string]any {
	return map[string]any{"name": name, "arguments": args}
}

// toolText extracts the text payload from an upstream tools/call result
// ({"content":[{"type":"text","text":...}]}).
func toolText(raw json.RawMessage) (string, error) {
	var result struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		IsError bool `json:"isError"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", fmt.Errorf("federation: decode tool result: %w", err)
	}
	for _, c := range result.Content {
		if c.Type == "text" {
			if result.IsError {
				return "", fmt.Errorf("federation: upstream tool error: %s", c.Text)
			}
			return c.Text, nil
		}
	}
	return "", fmt.Errorf("federation: tool result has no text content")
}

func decodeSearchPayload(raw json.RawMessage) ([]memory.SearchResult, error) {
	text, err := toolText(raw)
	if err != nil {
		return nil, err
	}
	var payload struct {
		Results []memory.SearchResult `json:"results"`
	}
	if err := json.Unmarshal([]byte(text), &payload); err != nil {
		return nil, fmt.Errorf("federation: decode search payload: %w", err)
	}
	return payload.Results, nil
}
