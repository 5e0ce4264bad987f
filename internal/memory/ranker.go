package memory

import (
	"math"
	"strings"
)

// Ranker is the similarity backend consulted by arbitration and by the
// aggregator's dedupe pass. Implementations must be safe for concurrent
// use.
type Ranker interface {
	// Similarity returns a score in [0,1]; 1 means identical content.
	Similarity(a, b string) float64
}

// LexicalRanker scores similarity as the cosine of term-frequency vectors.
// It is the self-contained default; deployments with an embedding service
// swap in their own Ranker.
type LexicalRanker struct{}

// NewLexicalRanker returns the default ranker.
func NewLexicalRanker() *LexicalRanker { return &LexicalRanker{} }

// Similarity implements Ranker.
func (LexicalRanker) Similarity(a, b string) float64 {
	va, vb := termVector(a), termVector(b)
	if len(va) == 0 || len(vb) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for term, fa := range va {
		normA += fa * fa
		if fb, ok := vb[term]; ok {
			dot += fa * fb
		}
	}
	for _, fb := range vb {
		normB += fb * fb
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func termVector(s string) map[string]float64 {
	out := make(map[string]float64)
	for _, tok := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	}) {
		out[tok]++
	}
	return out
}
