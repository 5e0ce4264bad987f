// Package memory implements the durable store for memory records, backed
// by SQLite with FTS5 full-text search, and the similarity ranking used by
// arbitration and federation.
package memory

import (
	"time"
)

// Memory types. Working and episodic memories belong to a workspace and
// require an explicit scope; system1/system2 default to the global scope.
const (
	TypeSystem1  = "system1"
	TypeSystem2  = "system2"
	TypeWorking  = "working"
	TypeEpisodic = "episodic"
)

// GlobalScope is the shared scope used when a type does not require an
// owning workspace.
const GlobalScope = "global"

// Relation edge types the arbitration engine creates itself. Arbitrary
// custom types are allowed on relate calls.
const (
	RelSupersedes    = "supersedes"
	RelConflictsWith = "conflicts-with"
)

// ValidTypes is the closed set of accepted memory types.
var ValidTypes = map[string]bool{
	TypeSystem1:  true,
	TypeSystem2:  true,
	TypeWorking:  true,
	TypeEpisodic: true,
}

// ScopeRequired reports whether the memory type needs an explicit owning
// scope.
func ScopeRequired(typ string) bool {
	return typ == TypeWorking || typ == TypeEpisodic
}

// Metadata holds tags, stated confidence, and free-form attributes.
type Metadata struct {
	Tags       []string       `json:"tags,omitempty"`
	Confidence float64        `json:"confidence"`
	Attrs      map[string]any `json:"attrs,omitempty"`
}

// Record is the unit of stored knowledge. Identity is stable; content and
// relationships may be amended by a merge, or the record superseded by a
// newer one. Superseded records stay retrievable by id but are excluded
// from default search.
type Record struct {
	ID           string    `json:"id"`
	Content      string    `json:"content"`
	Type         string    `json:"type"`
	Scope        string    `json:"scope"`
	Metadata     Metadata  `json:"metadata"`
	Provenance   string    `json:"provenance,omitempty"`
	Active       bool      `json:"active"`
	SupersededBy string    `json:"superseded_by,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Relation is a typed directional edge between two records.
type Relation struct {
	ID        int64     `json:"id"`
	FromID    string    `json:"from_id"`
	ToID      string    `json:"to_id"`
	Type      string    `json:"type"`
	Note      string    `json:"note,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// SearchResult is a record with its search rank.
type SearchResult struct {
	Record
	Rank float64 `json:"rank"`
}

// SearchOptions filters a search call.
type SearchOptions struct {
	Query           string
	Type            string
	Scope           string
	Limit           int
	IncludeInactive bool
}
