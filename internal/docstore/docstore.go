// Package docstore defines the versioned document store contract that the
// assembly engine reads from and publishes into. Implementations live in the
// memory, sqlite, and remote subpackages.
package docstore

import (
	"context"
	"encoding/json"
	"time"
)

// Document is a single versioned record in the store. Version starts at 1 and
// increments on every successful update.
type Document struct {
	ID         string          `json:"id"`
	SchemaName string          `json:"schema_name"`
	Title      string          `json:"title,omitempty"`
	Tags       []string        `json:"tags,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Version    int64           `json:"version"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// CreateRequest describes a document to create. The store assigns ID,
// Version, and timestamps. A zero TTL means the document never expires.
type CreateRequest struct {
	SchemaName string          `json:"schema_name"`
	Title      string          `json:"title,omitempty"`
	Tags       []string        `json:"tags,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	TTL        time.Duration   `json:"-"`
}

// UpdateRequest carries replacement fields for a conditional update. A nil
// Payload keeps the current payload, nil Tags keep the current tags, and an
// empty Title keeps the current title.
type UpdateRequest struct {
	Title   string          `json:"title,omitempty"`
	Tags    []string        `json:"tags,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Filter narrows search results. SchemaName restricts to one schema when
// set, AllTags requires every listed tag, and Fields requires payload field
// equality at top-level keys.
type Filter struct {
	SchemaName string         `json:"schema_name,omitempty"`
	AllTags    []string       `json:"all_tags,omitempty"`
	Fields     map[string]any `json:"fields,omitempty"`
}

// IsZero reports whether the filter imposes no constraints.
func (f Filter) IsZero() bool {
	return f.SchemaName == "" && len(f.AllTags) == 0 && len(f.Fields) == 0
}

// WithTag returns a copy of the filter that additionally requires tag. The
// receiver is not modified; resolvers rewrite filters per run.
func (f Filter) WithTag(tag string) Filter {
	out := Filter{
		SchemaName: f.SchemaName,
		AllTags:    make([]string, 0, len(f.AllTags)+1),
		Fields:     f.Fields,
	}
	out.AllTags = append(out.AllTags, f.AllTags...)
	for _, t := range out.AllTags {
		if t == tag {
			return out
		}
	}
	out.AllTags = append(out.AllTags, tag)
	return out
}

// Store is the document store port. All blocking operations take a context.
type Store interface {
	// Create stores a new document and returns it with id and version set.
	Create(ctx context.Context, req CreateRequest) (*Document, error)

	// Get returns a document by id, or ErrNotFound.
	Get(ctx context.Context, id string) (*Document, error)

	// ReadByTag returns all documents carrying tag, newest first. A non-empty
	// schema restricts results to that schema.
	ReadByTag(ctx context.Context, tag, schema string) ([]Document, error)

	// Update replaces document fields if the stored version still equals
	// expectedVersion. A stale version returns *ConflictError; the caller
	// re-reads and retries.
	Update(ctx context.Context, id string, expectedVersion int64, req UpdateRequest) (*Document, error)

	// Delete removes a document by id, or returns ErrNotFound.
	Delete(ctx context.Context, id string) error

	// SearchSimilarity returns up to limit documents ranked by relevance to
	// query, constrained by filter.
	SearchSimilarity(ctx context.Context, query string, limit int, filter Filter) ([]Document, error)

	// SearchRecent returns up to limit documents newest first, constrained by
	// schema (empty = any non-system schema) and filter.
	SearchRecent(ctx context.Context, schema string, filter Filter, limit int) ([]Document, error)

	Close() error
}

// SystemSchemas are operational record types that unscoped recent scans must
// never surface.
var SystemSchemas = map[string]bool{
	"system.health.v1":  true,
	"system.metric.v1":  true,
	"system.startup.v1": true,
	"tool.config.v1":    true,
	"secret.v1":         true,
}

// HasTag reports whether the document carries tag.
func (d *Document) HasTag(tag string) bool {
	for _, t := range d.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// MatchesFilter reports whether the document satisfies every constraint in
// filter. Field constraints compare against top-level payload keys after JSON
// normalization.
func (d *Document) MatchesFilter(filter Filter) bool {
	if filter.SchemaName != "" && d.SchemaName != filter.SchemaName {
		return false
	}
	for _, tag := range filter.AllTags {
		if !d.HasTag(tag) {
			return false
		}
	}
	if len(filter.Fields) == 0 {
		return true
	}
	var payload map[string]any
	if err := json.Unmarshal(d.Payload, &payload); err != nil {
		return false
	}
	for key, want := range filter.Fields {
		got, ok := payload[key]
		if !ok || !looseEqual(got, want) {
			return false
		}
	}
	return true
}

// looseEqual compares two decoded JSON scalars; numbers compare numerically
// regardless of the Go type they decoded into.
func looseEqual(a, b any) bool {
	if af, aok := asFloat(a); aok {
		if bf, bok := asFloat(b); bok {
			return af == bf
		}
		return false
	}
	return a == b
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
