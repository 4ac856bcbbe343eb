package sqlite

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/weftworks/weft/internal/docstore"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(filepath.Join(t.TempDir(), "weft.db"))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteStore_CreateAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	doc, err := store.Create(ctx, docstore.CreateRequest{
		SchemaName: "user.message.v1",
		Title:      "hello",
		Tags:       []string{"session:s1", "chat"},
		Payload:    json.RawMessage(`{"content":"hello world"}`),
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if doc.Version != 1 {
		t.Errorf("Version = %d, want 1", doc.Version)
	}

	got, err := store.Get(ctx, doc.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.SchemaName != "user.message.v1" {
		t.Errorf("SchemaName = %v, want user.message.v1", got.SchemaName)
	}
	if len(got.Tags) != 2 {
		t.Errorf("Tags = %v, want 2 entries", got.Tags)
	}
	if string(got.Payload) != `{"content":"hello world"}` {
		t.Errorf("Payload = %s", got.Payload)
	}
}

func TestSQLiteStore_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "weft.db")
	ctx := context.Background()

	store, err := New(path)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	doc, err := store.Create(ctx, docstore.CreateRequest{SchemaName: "knowledge.v1", Title: "persists"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	reopened, err := New(path)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer reopened.Close()

	got, err := reopened.Get(ctx, doc.ID)
	if err != nil {
		t.Fatalf("Get() after reopen error = %v", err)
	}
	if got.Title != "persists" {
		t.Errorf("Title = %v, want persists", got.Title)
	}
}

func TestSQLiteStore_UpdateConflict(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	doc, err := store.Create(ctx, docstore.CreateRequest{SchemaName: "agent.context.v1"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	updated, err := store.Update(ctx, doc.ID, 1, docstore.UpdateRequest{
		Payload: json.RawMessage(`{"round":1}`),
		Tags:    []string{"consumer:planner"},
	})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if updated.Version != 2 {
		t.Errorf("Version = %d, want 2", updated.Version)
	}
	if len(updated.Tags) != 1 || updated.Tags[0] != "consumer:planner" {
		t.Errorf("Tags = %v, want replaced set", updated.Tags)
	}

	_, err = store.Update(ctx, doc.ID, 1, docstore.UpdateRequest{Payload: json.RawMessage(`{"round":2}`)})
	if !docstore.IsConflict(err) {
		t.Fatalf("expected ConflictError, got %v", err)
	}

	got, err := store.Get(ctx, doc.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(got.Payload) != `{"round":1}` {
		t.Errorf("stale update must not win: payload %s", got.Payload)
	}
}

func TestSQLiteStore_UpdateMissing(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Update(context.Background(), "missing", 1, docstore.UpdateRequest{})
	if !docstore.IsNotFound(err) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSQLiteStore_ReadByTag(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := store.Create(ctx, docstore.CreateRequest{
			SchemaName: "agent.context.v1",
			Tags:       []string{"consumer:planner", "agent:context"},
		}); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		time.Sleep(2 * time.Millisecond)
	}
	if _, err := store.Create(ctx, docstore.CreateRequest{
		SchemaName: "consumer.config.v1",
		Tags:       []string{"consumer:planner"},
	}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	docs, err := store.ReadByTag(ctx, "consumer:planner", "agent.context.v1")
	if err != nil {
		t.Fatalf("ReadByTag() error = %v", err)
	}
	if len(docs) != 2 {
		t.Fatalf("got %d documents, want 2", len(docs))
	}
	if docs[0].CreatedAt.Before(docs[1].CreatedAt) {
		t.Error("expected newest-first ordering")
	}
}

func TestSQLiteStore_SearchRecent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.Create(ctx, docstore.CreateRequest{SchemaName: "system.metric.v1"}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := store.Create(ctx, docstore.CreateRequest{
		SchemaName: "user.message.v1",
		Tags:       []string{"session:s1"},
		Payload:    json.RawMessage(`{"channel":"support"}`),
	}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	docs, err := store.SearchRecent(ctx, "", docstore.Filter{}, 10)
	if err != nil {
		t.Fatalf("SearchRecent() error = %v", err)
	}
	if len(docs) != 1 || docs[0].SchemaName != "user.message.v1" {
		t.Errorf("unscoped scan should skip system schemas, got %+v", docs)
	}

	docs, err = store.SearchRecent(ctx, "user.message.v1", docstore.Filter{
		AllTags: []string{"session:s1"},
		Fields:  map[string]any{"channel": "support"},
	}, 10)
	if err != nil {
		t.Fatalf("SearchRecent() error = %v", err)
	}
	if len(docs) != 1 {
		t.Errorf("got %d documents, want 1", len(docs))
	}

	docs, err = store.SearchRecent(ctx, "user.message.v1", docstore.Filter{
		AllTags: []string{"session:other"},
	}, 10)
	if err != nil {
		t.Fatalf("SearchRecent() error = %v", err)
	}
	if len(docs) != 0 {
		t.Errorf("got %d documents, want 0", len(docs))
	}
}

func TestSQLiteStore_SearchSimilarity(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.Create(ctx, docstore.CreateRequest{
		SchemaName: "knowledge.v1",
		Title:      "incident postmortem",
		Payload:    json.RawMessage(`{"content":"database failover incident timeline"}`),
	}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := store.Create(ctx, docstore.CreateRequest{
		SchemaName: "knowledge.v1",
		Title:      "team offsite",
		Payload:    json.RawMessage(`{"content":"agenda and travel"}`),
	}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	docs, err := store.SearchSimilarity(ctx, "database incident", 1, docstore.Filter{SchemaName: "knowledge.v1"})
	if err != nil {
		t.Fatalf("SearchSimilarity() error = %v", err)
	}
	if len(docs) != 1 || docs[0].Title != "incident postmortem" {
		t.Errorf("expected postmortem ranked first, got %+v", docs)
	}
}

func TestSQLiteStore_TTL(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	doc, err := store.Create(ctx, docstore.CreateRequest{
		SchemaName: "agent.context.v1",
		TTL:        time.Nanosecond,
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	time.Sleep(2 * time.Millisecond)

	if _, err := store.Get(ctx, doc.ID); !docstore.IsNotFound(err) {
		t.Fatalf("expected expired document to be invisible, got %v", err)
	}
}

func TestSQLiteStore_Delete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	doc, err := store.Create(ctx, docstore.CreateRequest{SchemaName: "consumer.config.v1"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := store.Delete(ctx, doc.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := store.Delete(ctx, doc.ID); !docstore.IsNotFound(err) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
