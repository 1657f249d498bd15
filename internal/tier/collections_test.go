package tier

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"hcsr/internal/config"
	"hcsr/internal/domain"
	"hcsr/internal/vectorindex"
)

func newTestAdapter(t *testing.T) vectorindex.Adapter {
	t.Helper()
	a, err := vectorindex.Open(filepath.Join(t.TempDir(), "tier-test.db"), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func TestUpsertGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	adapter := newTestAdapter(t)
	cfg := config.Defaults().Tiers
	coll, err := NewShortTerm(ctx, adapter, cfg, 3)
	if err != nil {
		t.Fatalf("NewShortTerm: %v", err)
	}

	item := domain.ContextItem{
		ID: "abc", Text: "hello world", Tier: domain.ShortTerm,
		Embedding: []float32{1, 0, 0}, CreatedAt: time.Now(),
		TokenCount: 3, AgentID: "default", SessionID: "s1",
		Metadata: domain.Metadata{"topic": "greeting"},
	}
	if err := coll.Upsert(ctx, item); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	got, found, err := coll.Get(ctx, "abc")
	if err != nil || !found {
		t.Fatalf("Get: found=%v err=%v", found, err)
	}
	if got.Text != item.Text || got.Tier != item.Tier {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if got.Metadata["topic"] != "greeting" {
		t.Fatalf("expected metadata preserved, got %+v", got.Metadata)
	}
}

func TestUpdateMetadataMergesWithoutRemoving(t *testing.T) {
	ctx := context.Background()
	adapter := newTestAdapter(t)
	cfg := config.Defaults().Tiers
	coll, err := NewLongTerm(ctx, adapter, cfg, 2)
	if err != nil {
		t.Fatalf("NewLongTerm: %v", err)
	}

	item := domain.ContextItem{
		ID: "x", Text: "t", Tier: domain.LongTerm, Embedding: []float32{1, 0},
		CreatedAt: time.Now(), TokenCount: 1,
		Metadata: domain.Metadata{"a": "1"},
	}
	if err := coll.Upsert(ctx, item); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := coll.UpdateMetadata(ctx, "x", domain.Metadata{"b": "2"}); err != nil {
		t.Fatalf("UpdateMetadata: %v", err)
	}

	got, _, err := coll.Get(ctx, "x")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Metadata["a"] != "1" || got.Metadata["b"] != "2" {
		t.Fatalf("expected merged metadata, got %+v", got.Metadata)
	}
	if got.Text != "t" {
		t.Fatal("expected text to remain unchanged by UpdateMetadata")
	}
}

func TestMetadataCannotForgeSystemFields(t *testing.T) {
	// A spec-valid metadata key (ValidateMetadata only forbids
	// {id, timestamp, level, text}) using the same name as a fixed system
	// field must never corrupt that field on round trip.
	ctx := context.Background()
	adapter := newTestAdapter(t)
	cfg := config.Defaults().Tiers
	coll, err := NewShortTerm(ctx, adapter, cfg, 2)
	if err != nil {
		t.Fatalf("NewShortTerm: %v", err)
	}

	created := time.Now().Add(-30 * time.Minute)
	item := domain.ContextItem{
		ID: "y", Text: "t", Tier: domain.ShortTerm, Embedding: []float32{1, 0},
		CreatedAt: created, TokenCount: 1,
		Metadata: domain.Metadata{"tier": "long_term", "created_at": "garbage", "token_count": "999"},
	}
	if err := coll.Upsert(ctx, item); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	got, found, err := coll.Get(ctx, "y")
	if err != nil || !found {
		t.Fatalf("Get: found=%v err=%v", found, err)
	}
	if got.Tier != domain.ShortTerm {
		t.Fatalf("expected tier untouched by metadata, got %v", got.Tier)
	}
	if !got.CreatedAt.Equal(created) {
		t.Fatalf("expected created_at untouched by metadata, got %v want %v", got.CreatedAt, created)
	}
	if got.TokenCount != 1 {
		t.Fatalf("expected token_count untouched by metadata, got %d", got.TokenCount)
	}
	if got.Metadata["tier"] != "long_term" || got.Metadata["created_at"] != "garbage" {
		t.Fatalf("expected caller metadata itself preserved, got %+v", got.Metadata)
	}
}

func TestSearchFiltersByMetadataEquals(t *testing.T) {
	ctx := context.Background()
	adapter := newTestAdapter(t)
	cfg := config.Defaults().Tiers
	coll, err := NewShortTerm(ctx, adapter, cfg, 2)
	if err != nil {
		t.Fatalf("NewShortTerm: %v", err)
	}

	a := domain.ContextItem{ID: "a", Text: "t", Tier: domain.ShortTerm, Embedding: []float32{1, 0}, CreatedAt: time.Now(), TokenCount: 1, Metadata: domain.Metadata{"topic": "billing"}}
	b := domain.ContextItem{ID: "b", Text: "t", Tier: domain.ShortTerm, Embedding: []float32{1, 0}, CreatedAt: time.Now(), TokenCount: 1, Metadata: domain.Metadata{"topic": "support"}}
	if err := coll.Upsert(ctx, a); err != nil {
		t.Fatalf("Upsert a: %v", err)
	}
	if err := coll.Upsert(ctx, b); err != nil {
		t.Fatalf("Upsert b: %v", err)
	}

	hits, err := coll.Search(ctx, []float32{1, 0}, 10, &domain.Filter{MetadataEquals: map[string]any{"topic": "billing"}}, 0)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 1 || hits[0].Item.ID != "a" {
		t.Fatalf("expected only item 'a' to match metadata filter, got %+v", hits)
	}
}

func TestSweepExpiredRemovesOldItems(t *testing.T) {
	ctx := context.Background()
	adapter := newTestAdapter(t)
	cfg := config.TierConfig{ShortTTL: time.Hour, LongTTL: 24 * time.Hour}
	coll, err := NewShortTerm(ctx, adapter, cfg, 2)
	if err != nil {
		t.Fatalf("NewShortTerm: %v", err)
	}

	now := time.Now()
	old := domain.ContextItem{ID: "old", Text: "t", Tier: domain.ShortTerm, Embedding: []float32{1, 0}, CreatedAt: now.Add(-2 * time.Hour), TokenCount: 1}
	fresh := domain.ContextItem{ID: "fresh", Text: "t", Tier: domain.ShortTerm, Embedding: []float32{1, 0}, CreatedAt: now, TokenCount: 1}
	if err := coll.Upsert(ctx, old); err != nil {
		t.Fatalf("Upsert old: %v", err)
	}
	if err := coll.Upsert(ctx, fresh); err != nil {
		t.Fatalf("Upsert fresh: %v", err)
	}

	n, err := coll.SweepExpired(ctx, now)
	if err != nil {
		t.Fatalf("SweepExpired: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 swept, got %d", n)
	}
	if _, found, _ := coll.Get(ctx, "old"); found {
		t.Fatal("expected 'old' removed")
	}
	if _, found, _ := coll.Get(ctx, "fresh"); !found {
		t.Fatal("expected 'fresh' to survive")
	}
}
