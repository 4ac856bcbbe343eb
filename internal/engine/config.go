package engine

import (
	"fmt"
	"time"
)

// Retrieval methods a source can use.
const (
	MethodSimilarity = "similarity"
	MethodRecent     = "recent"
	MethodLatest     = "latest"
	MethodTagged     = "tagged"
)

// Source scopes.
const (
	ScopeGlobal         = "global"
	ScopeCurrentSession = "current_session"
)

// DefaultArtifactSchema is the output schema used when a consumer does not
// name one.
const DefaultArtifactSchema = "agent.context.v1"

// ConsumerConfig declares what one consumer's context artifact is built from
// and when it is rebuilt. Configs are stored as documents and looked up per
// trigger; the engine holds no authoritative copy.
type ConsumerConfig struct {
	ConsumerID string       `json:"consumer_id" koanf:"consumer_id"`
	Sources    []SourceSpec `json:"sources" koanf:"sources"`
	Triggers   []Selector   `json:"triggers" koanf:"triggers"`
	Output     OutputSpec   `json:"output" koanf:"output"`
	Formatting FormatSpec   `json:"formatting" koanf:"formatting"`
}

// SourceSpec is one retrieval instruction. Sources are ordered; merge
// deduplication keeps the first occurrence across that order.
type SourceSpec struct {
	SchemaName string        `json:"schema_name" koanf:"schema_name"`
	Method     string        `json:"method" koanf:"method"`
	NN         int           `json:"nn,omitempty" koanf:"nn"`
	Limit      int           `json:"limit,omitempty" koanf:"limit"`
	Filters    SourceFilters `json:"filters,omitempty" koanf:"filters"`
	Scope      string        `json:"scope,omitempty" koanf:"scope"`
}

// SourceFilters narrow a source's candidate set.
type SourceFilters struct {
	AllTags []string       `json:"all_tags,omitempty" koanf:"all_tags"`
	Fields  map[string]any `json:"fields,omitempty" koanf:"fields"`
}

// Selector decides whether a trigger event is relevant. All clauses of one
// selector must hold; a consumer's selectors combine with OR.
type Selector struct {
	SchemaName string           `json:"schema_name,omitempty" koanf:"schema_name"`
	AllTags    []string         `json:"all_tags,omitempty" koanf:"all_tags"`
	AnyTags    []string         `json:"any_tags,omitempty" koanf:"any_tags"`
	FieldMatch []FieldPredicate `json:"field_match,omitempty" koanf:"field_match"`
}

// Empty reports whether the selector has no clauses. Empty selectors match
// nothing and are rejected at registration.
func (s *Selector) Empty() bool {
	return s.SchemaName == "" && len(s.AllTags) == 0 && len(s.AnyTags) == 0 && len(s.FieldMatch) == 0
}

// FieldPredicate compares one payload field against a value.
type FieldPredicate struct {
	Path  string `json:"path" koanf:"path"`
	Op    string `json:"op" koanf:"op"`
	Value any    `json:"value" koanf:"value"`
}

// OutputSpec describes the published artifact document.
type OutputSpec struct {
	SchemaName string   `json:"schema_name,omitempty" koanf:"schema_name"`
	Tags       []string `json:"tags,omitempty" koanf:"tags"`
	TTLSeconds int64    `json:"ttl_seconds,omitempty" koanf:"ttl_seconds"`
}

// TTL returns the artifact time-to-live, zero for no expiry.
func (o OutputSpec) TTL() time.Duration {
	if o.TTLSeconds <= 0 {
		return 0
	}
	return time.Duration(o.TTLSeconds) * time.Second
}

// Schema returns the output schema, defaulting when unset.
func (o OutputSpec) Schema() string {
	if o.SchemaName == "" {
		return DefaultArtifactSchema
	}
	return o.SchemaName
}

// FormatSpec bounds the artifact's size and tunes deduplication.
type FormatSpec struct {
	MaxTokens      int      `json:"max_tokens,omitempty" koanf:"max_tokens"`
	DedupThreshold float64  `json:"dedup_threshold,omitempty" koanf:"dedup_threshold"`
	TrimOrder      []string `json:"trim_order,omitempty" koanf:"trim_order"`
}

// Validate checks the config against the schema mapping table. It returns a
// *ConfigError describing the first problem found.
func (c *ConsumerConfig) Validate(schemas *SchemaMap) error {
	fail := func(format string, args ...any) error {
		return &ConfigError{ConsumerID: c.ConsumerID, Reason: fmt.Sprintf(format, args...)}
	}

	if c.ConsumerID == "" {
		return &ConfigError{Reason: "consumer_id is required"}
	}
	if len(c.Sources) == 0 {
		return fail("at least one source is required")
	}
	if len(c.Triggers) == 0 {
		return fail("at least one trigger selector is required")
	}

	for i, src := range c.Sources {
		if src.SchemaName == "" {
			return fail("source %d: schema_name is required", i)
		}
		if _, ok := schemas.SectionFor(src.SchemaName); !ok {
			return fail("source %d: schema %q has no section mapping", i, src.SchemaName)
		}
		switch src.Method {
		case MethodSimilarity:
			if src.NN <= 0 {
				return fail("source %d: similarity requires nn > 0", i)
			}
		case MethodRecent:
			if src.Limit <= 0 {
				return fail("source %d: recent requires limit > 0", i)
			}
		case MethodLatest:
		case MethodTagged:
			if len(src.Filters.AllTags) == 0 {
				return fail("source %d: tagged requires at least one tag filter", i)
			}
		case "":
			return fail("source %d: method is required", i)
		default:
			return fail("source %d: unknown method %q", i, src.Method)
		}
		switch src.Scope {
		case "", ScopeGlobal, ScopeCurrentSession:
		default:
			return fail("source %d: unknown scope %q", i, src.Scope)
		}
	}

	for i, sel := range c.Triggers {
		if sel.Empty() {
			return fail("trigger %d: empty selector matches nothing", i)
		}
		for j, pred := range sel.FieldMatch {
			if pred.Path == "" {
				return fail("trigger %d: field_match %d: path is required", i, j)
			}
			if !validOps[pred.Op] {
				return fail("trigger %d: field_match %d: unknown operator %q", i, j, pred.Op)
			}
		}
	}

	for i, target := range c.Formatting.TrimOrder {
		switch target {
		case TrimRelevantHistory, TrimCurrentConversation, TrimSections:
		default:
			return fail("trim_order %d: unknown target %q (want %s, %s, or %s)",
				i, target, TrimRelevantHistory, TrimCurrentConversation, TrimSections)
		}
	}
	if c.Formatting.DedupThreshold < 0 || c.Formatting.DedupThreshold > 1 {
		return fail("dedup_threshold must be in [0, 1]")
	}

	return nil
}
