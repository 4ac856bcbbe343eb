package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/weftworks/weft/internal/docstore"
	"github.com/weftworks/weft/internal/events"
)

const defaultSourceTimeout = 10 * time.Second

// SourceResult is the outcome of resolving one source. A failed source
// carries an error marker and no documents; the run proceeds without it.
type SourceResult struct {
	Spec      SourceSpec
	Documents []docstore.Document
	Err       *SourceError
	Elapsed   time.Duration
}

// Resolver fans a consumer's sources out against the store concurrently.
type Resolver struct {
	store   docstore.Store
	timeout time.Duration
	logger  *slog.Logger
}

// NewResolver creates a resolver. A zero timeout uses the default per-source
// deadline.
func NewResolver(store docstore.Store, timeout time.Duration, logger *slog.Logger) *Resolver {
	if timeout <= 0 {
		timeout = defaultSourceTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{store: store, timeout: timeout, logger: logger}
}

// Resolve runs every source concurrently and returns results in source
// order. One slow or failing source never blocks the rest beyond the
// per-source timeout.
func (r *Resolver) Resolve(ctx context.Context, cfg *ConsumerConfig, ev events.TriggerEvent, pointer string) []SourceResult {
	results := make([]SourceResult, len(cfg.Sources))

	var wg sync.WaitGroup
	for i, spec := range cfg.Sources {
		wg.Add(1)
		go func(idx int, spec SourceSpec) {
			defer wg.Done()
			results[idx] = r.resolveSource(ctx, spec, ev, pointer)
		}(i, spec)
	}
	wg.Wait()

	for i := range results {
		if results[i].Err != nil {
			r.logger.Warn("source resolution failed",
				"consumer_id", cfg.ConsumerID,
				"schema", results[i].Spec.SchemaName,
				"method", results[i].Spec.Method,
				"error", results[i].Err.Err,
			)
		}
	}
	return results
}

func (r *Resolver) resolveSource(ctx context.Context, spec SourceSpec, ev events.TriggerEvent, pointer string) SourceResult {
	start := time.Now()
	result := SourceResult{Spec: spec}

	filter := docstore.Filter{
		SchemaName: spec.SchemaName,
		AllTags:    append([]string(nil), spec.Filters.AllTags...),
		Fields:     spec.Filters.Fields,
	}
	if spec.Scope == ScopeCurrentSession {
		sessionTag := ev.SessionTag()
		if sessionTag == "" {
			// No session on the trigger: a session-scoped source has
			// nothing to return. Not an error.
			result.Elapsed = time.Since(start)
			return result
		}
		filter = filter.WithTag(sessionTag)
	}

	srcCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	docs, err := r.fetch(srcCtx, spec, pointer, filter)
	result.Elapsed = time.Since(start)
	if err != nil {
		result.Err = &SourceError{SchemaName: spec.SchemaName, Method: spec.Method, Err: err}
		return result
	}
	result.Documents = docs
	return result
}

func (r *Resolver) fetch(ctx context.Context, spec SourceSpec, pointer string, filter docstore.Filter) ([]docstore.Document, error) {
	switch spec.Method {
	case MethodSimilarity:
		return r.store.SearchSimilarity(ctx, pointer, spec.NN, filter)
	case MethodRecent:
		return r.store.SearchRecent(ctx, spec.SchemaName, filter, spec.Limit)
	case MethodLatest:
		return r.store.SearchRecent(ctx, spec.SchemaName, filter, 1)
	case MethodTagged:
		return r.fetchTagged(ctx, spec, filter)
	default:
		// Unreachable for registered configs; registration validates methods.
		return nil, fmt.Errorf("unknown retrieval method %q", spec.Method)
	}
}

// fetchTagged reads by the first tag and applies the remaining constraints
// locally, since the store indexes a single tag per lookup.
func (r *Resolver) fetchTagged(ctx context.Context, spec SourceSpec, filter docstore.Filter) ([]docstore.Document, error) {
	if len(filter.AllTags) == 0 {
		return nil, fmt.Errorf("tagged source requires at least one tag filter")
	}
	docs, err := r.store.ReadByTag(ctx, filter.AllTags[0], spec.SchemaName)
	if err != nil {
		return nil, err
	}
	rest := docstore.Filter{AllTags: filter.AllTags[1:], Fields: filter.Fields}
	if rest.IsZero() {
		return docs, nil
	}
	matched := docs[:0]
	for _, doc := range docs {
		if doc.MatchesFilter(rest) {
			matched = append(matched, doc)
		}
	}
	return matched, nil
}
