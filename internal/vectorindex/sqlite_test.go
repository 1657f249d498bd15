package vectorindex

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func mustParse(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		panic(err)
	}
	return t
}

func newTestAdapter(t *testing.T) *SQLiteAdapter {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "hcsr-test.db")
	a, err := Open(dbPath, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func TestCreateCollectionIsIdempotent(t *testing.T) {
	a := newTestAdapter(t)
	ctx := context.Background()

	if err := a.CreateCollection(ctx, "short_term", 4, Cosine); err != nil {
		t.Fatalf("CreateCollection: %v", err)
	}
	if err := a.CreateCollection(ctx, "short_term", 4, Cosine); err != nil {
		t.Fatalf("CreateCollection (repeat): %v", err)
	}
}

func TestUpsertAndSearchRanksBySimilarity(t *testing.T) {
	a := newTestAdapter(t)
	ctx := context.Background()
	if err := a.CreateCollection(ctx, "long_term", 3, Cosine); err != nil {
		t.Fatalf("CreateCollection: %v", err)
	}

	points := []Point{
		{ID: "a", Vector: []float32{1, 0, 0}, Payload: map[string]any{"created_at": "2026-01-01T00:00:00Z"}},
		{ID: "b", Vector: []float32{0, 1, 0}, Payload: map[string]any{"created_at": "2026-01-01T00:00:00Z"}},
		{ID: "c", Vector: []float32{0.9, 0.1, 0}, Payload: map[string]any{"created_at": "2026-01-01T00:00:00Z"}},
	}
	if err := a.Upsert(ctx, "long_term", points); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	results, err := a.Search(ctx, "long_term", []float32{1, 0, 0}, 2, nil, 0)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].ID != "a" {
		t.Fatalf("expected closest match first, got %q", results[0].ID)
	}
	if results[1].ID != "c" {
		t.Fatalf("expected second closest 'c', got %q", results[1].ID)
	}
}

func TestSearchRespectsFilterEquals(t *testing.T) {
	a := newTestAdapter(t)
	ctx := context.Background()
	if err := a.CreateCollection(ctx, "long_term", 2, Cosine); err != nil {
		t.Fatalf("CreateCollection: %v", err)
	}
	points := []Point{
		{ID: "a", Vector: []float32{1, 0}, Payload: map[string]any{"session_id": "s1", "created_at": "2026-01-01T00:00:00Z"}},
		{ID: "b", Vector: []float32{1, 0}, Payload: map[string]any{"session_id": "s2", "created_at": "2026-01-01T00:00:00Z"}},
	}
	if err := a.Upsert(ctx, "long_term", points); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	filter := &Filter{Equals: map[string]any{"session_id": "s1"}}
	results, err := a.Search(ctx, "long_term", []float32{1, 0}, 10, filter, 0)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || results[0].ID != "a" {
		t.Fatalf("expected only 'a', got %+v", results)
	}
}

func TestDeleteRemovesFromStoreAndIndex(t *testing.T) {
	a := newTestAdapter(t)
	ctx := context.Background()
	if err := a.CreateCollection(ctx, "long_term", 2, Cosine); err != nil {
		t.Fatalf("CreateCollection: %v", err)
	}
	if err := a.Upsert(ctx, "long_term", []Point{{ID: "a", Vector: []float32{1, 0}, Payload: map[string]any{}}}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if _, err := a.Search(ctx, "long_term", []float32{1, 0}, 10, nil, 0); err != nil {
		t.Fatalf("Search (warm index): %v", err)
	}
	if err := a.Delete(ctx, "long_term", []string{"a"}); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	_, found, err := a.Get(ctx, "long_term", "a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if found {
		t.Fatal("expected point to be gone after Delete")
	}
}

func TestDeleteByFilterSweepsExpired(t *testing.T) {
	a := newTestAdapter(t)
	ctx := context.Background()
	if err := a.CreateCollection(ctx, "short_term", 2, Cosine); err != nil {
		t.Fatalf("CreateCollection: %v", err)
	}
	points := []Point{
		{ID: "old", Vector: []float32{1, 0}, Payload: map[string]any{"created_at": "2020-01-01T00:00:00Z"}},
		{ID: "new", Vector: []float32{1, 0}, Payload: map[string]any{"created_at": "2030-01-01T00:00:00Z"}},
	}
	if err := a.Upsert(ctx, "short_term", points); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	cutoff := mustParse("2025-01-01T00:00:00Z")
	n, err := a.DeleteByFilter(ctx, "short_term", Filter{CreatedBefore: &cutoff})
	if err != nil {
		t.Fatalf("DeleteByFilter: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 deleted, got %d", n)
	}
	if _, found, _ := a.Get(ctx, "short_term", "old"); found {
		t.Fatal("expected expired entry removed")
	}
	if _, found, _ := a.Get(ctx, "short_term", "new"); !found {
		t.Fatal("expected fresh entry to survive")
	}
}
