// Package memory provides an in-memory document store for tests and
// single-process deployments.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/weftworks/weft/internal/docstore"
)

// Store is an in-memory implementation of docstore.Store.
type Store struct {
	mu      sync.RWMutex
	docs    map[string]*docstore.Document
	expires map[string]time.Time
	notify  func(docstore.Document)
}

var _ docstore.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithNotify registers a callback fired after every successful create or
// update, with a copy of the stored document. Used to feed the event bus.
func WithNotify(fn func(docstore.Document)) Option {
	return func(s *Store) { s.notify = fn }
}

// New creates a new in-memory store.
func New(opts ...Option) *Store {
	s := &Store{
		docs:    make(map[string]*docstore.Document),
		expires: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Create(ctx context.Context, req docstore.CreateRequest) (*docstore.Document, error) {
	if req.SchemaName == "" {
		return nil, fmt.Errorf("create document: schema_name is required")
	}

	now := time.Now().UTC()
	doc := &docstore.Document{
		ID:         uuid.NewString(),
		SchemaName: req.SchemaName,
		Title:      req.Title,
		Tags:       append([]string(nil), req.Tags...),
		Payload:    append([]byte(nil), req.Payload...),
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	s.mu.Lock()
	s.docs[doc.ID] = doc
	if req.TTL > 0 {
		s.expires[doc.ID] = now.Add(req.TTL)
	}
	out := clone(doc)
	s.mu.Unlock()

	if s.notify != nil {
		s.notify(*clone(out))
	}
	return out, nil
}

func (s *Store) Get(ctx context.Context, id string) (*docstore.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.docs[id]
	if !ok || s.expired(id) {
		return nil, docstore.ErrNotFound
	}
	return clone(doc), nil
}

func (s *Store) ReadByTag(ctx context.Context, tag, schema string) ([]docstore.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []docstore.Document
	for id, doc := range s.docs {
		if s.expired(id) || !doc.HasTag(tag) {
			continue
		}
		if schema != "" && doc.SchemaName != schema {
			continue
		}
		result = append(result, *clone(doc))
	}
	sortNewestFirst(result)
	return result, nil
}

func (s *Store) Update(ctx context.Context, id string, expectedVersion int64, req docstore.UpdateRequest) (*docstore.Document, error) {
	s.mu.Lock()

	doc, ok := s.docs[id]
	if !ok || s.expired(id) {
		s.mu.Unlock()
		return nil, docstore.ErrNotFound
	}
	if doc.Version != expectedVersion {
		conflict := &docstore.ConflictError{ID: id, Expected: expectedVersion, Actual: doc.Version}
		s.mu.Unlock()
		return nil, conflict
	}

	if req.Title != "" {
		doc.Title = req.Title
	}
	if req.Tags != nil {
		doc.Tags = append([]string(nil), req.Tags...)
	}
	if req.Payload != nil {
		doc.Payload = append([]byte(nil), req.Payload...)
	}
	doc.Version++
	doc.UpdatedAt = time.Now().UTC()

	out := clone(doc)
	s.mu.Unlock()

	if s.notify != nil {
		s.notify(*clone(out))
	}
	return out, nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.docs[id]; !ok {
		return docstore.ErrNotFound
	}
	delete(s.docs, id)
	delete(s.expires, id)
	return nil
}

// SearchSimilarity ranks documents by overlap between query terms and the
// document's title, tags, and payload text. This is a recall-oriented stand-in
// for a real vector search; relevance quality is the remote store's job.
func (s *Store) SearchSimilarity(ctx context.Context, query string, limit int, filter docstore.Filter) ([]docstore.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = defaultLimit
	}
	terms := queryTerms(query)

	type scored struct {
		doc   docstore.Document
		score int
	}
	var candidates []scored
	for id, doc := range s.docs {
		if s.expired(id) || !doc.MatchesFilter(filter) {
			continue
		}
		candidates = append(candidates, scored{doc: *clone(doc), score: overlap(doc, terms)})
	}
	// No query terms degrades to recency so empty pointers still assemble.
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		if !candidates[i].doc.CreatedAt.Equal(candidates[j].doc.CreatedAt) {
			return candidates[i].doc.CreatedAt.After(candidates[j].doc.CreatedAt)
		}
		return candidates[i].doc.ID < candidates[j].doc.ID
	})

	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	result := make([]docstore.Document, 0, len(candidates))
	for _, c := range candidates {
		result = append(result, c.doc)
	}
	return result, nil
}

func (s *Store) SearchRecent(ctx context.Context, schema string, filter docstore.Filter, limit int) ([]docstore.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = defaultLimit
	}

	var result []docstore.Document
	for id, doc := range s.docs {
		if s.expired(id) {
			continue
		}
		if schema != "" {
			if doc.SchemaName != schema {
				continue
			}
		} else if docstore.SystemSchemas[doc.SchemaName] {
			continue
		}
		if !doc.MatchesFilter(filter) {
			continue
		}
		result = append(result, *clone(doc))
	}
	sortNewestFirst(result)
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) Close() error {
	return nil
}

const defaultLimit = 20

// expired must be called with at least a read lock held.
func (s *Store) expired(id string) bool {
	exp, ok := s.expires[id]
	return ok && time.Now().After(exp)
}

func clone(doc *docstore.Document) *docstore.Document {
	out := *doc
	out.Tags = append([]string(nil), doc.Tags...)
	out.Payload = append([]byte(nil), doc.Payload...)
	return &out
}

func sortNewestFirst(docs []docstore.Document) {
	sort.Slice(docs, func(i, j int) bool {
		if !docs[i].CreatedAt.Equal(docs[j].CreatedAt) {
			return docs[i].CreatedAt.After(docs[j].CreatedAt)
		}
		return docs[i].ID < docs[j].ID
	})
}

func queryTerms(query string) []string {
	fields := strings.Fields(strings.ToLower(query))
	seen := make(map[string]bool, len(fields))
	var terms []string
	for _, f := range fields {
		if !seen[f] {
			seen[f] = true
			terms = append(terms, f)
		}
	}
	return terms
}

func overlap(doc *docstore.Document, terms []string) int {
	if len(terms) == 0 {
		return 0
	}
	haystack := strings.ToLower(doc.Title + " " + strings.Join(doc.Tags, " ") + " " + string(doc.Payload))
	score := 0
	for _, t := range terms {
		if strings.Contains(haystack, t) {
			score++
		}
	}
	return score
}
