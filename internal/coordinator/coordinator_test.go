package coordinator

import (
	"context"
	"path/filepath"
	"testing"

	"hcsr/internal/config"
	"hcsr/internal/domain"
	"hcsr/internal/vectorindex"
)

type fakeEmbedder struct{ dim int }

func (f *fakeEmbedder) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	v := make([]float32, f.dim)
	v[0] = float32(len(text))
	return v, nil
}

func (f *fakeEmbedder) EmbedMany(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, _ := f.EmbedOne(ctx, t)
		out[i] = v
	}
	return out, nil
}

func (f *fakeEmbedder) Dim() int { return f.dim }

func newTestCoordinator(t *testing.T) *Coordinator {
	t.Helper()
	cfg := config.Defaults()
	cfg.Embed.Dim = 4
	cfg.Janitor.Enabled = false

	adapter, err := vectorindex.Open(filepath.Join(t.TempDir(), "coordinator-test.db"), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { adapter.Close() })

	ctx := context.Background()
	c, err := New(ctx, Deps{
		VectorIndex: adapter,
		Embedder:    &fakeEmbedder{dim: 4},
		Config:      cfg,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return c
}

func TestStoreRetrieveGetRoundTrip(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()

	id, err := c.Store(ctx, "hello world", domain.ShortTerm, "agent-1", "sess-1", domain.Metadata{"k": "v"})
	if err != nil {
		t.Fatalf("Store: %v", err)
	}

	item, err := c.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if item.Text != "hello world" {
		t.Fatalf("expected text round trip, got %q", item.Text)
	}

	resp, err := c.Retrieve(ctx, domain.Query{Text: "hello", MaxTokens: 100})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(resp.Items) != 1 {
		t.Fatalf("expected 1 item retrieved, got %d", len(resp.Items))
	}
}

func TestOperationsRejectedBeforeStart(t *testing.T) {
	cfg := config.Defaults()
	cfg.Embed.Dim = 4
	cfg.Janitor.Enabled = false

	adapter, err := vectorindex.Open(filepath.Join(t.TempDir(), "coordinator-test.db"), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { adapter.Close() })

	ctx := context.Background()
	c, err := New(ctx, Deps{VectorIndex: adapter, Embedder: &fakeEmbedder{dim: 4}, Config: cfg})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := c.Store(ctx, "x", domain.ShortTerm, "a", "s", nil); domain.ErrorCodeOf(err) != domain.CodeUnavailable {
		t.Fatalf("expected CodeUnavailable before Start, got %v", err)
	}
}

func TestDeleteThenGetNotFound(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()

	id, err := c.Store(ctx, "to be deleted", domain.LongTerm, "agent-1", "sess-1", nil)
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if err := c.Delete(ctx, id); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := c.Get(ctx, id); domain.ErrorCodeOf(err) != domain.CodeNotFound {
		t.Fatalf("expected CodeNotFound after delete, got %v", err)
	}
}

func TestClearTierRemovesOnlyThatTier(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()

	id, err := c.Store(ctx, "keep me", domain.LongTerm, "agent-1", "sess-1", nil)
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	shortID, err := c.Store(ctx, "clear me", domain.ShortTerm, "agent-1", "sess-1", nil)
	if err != nil {
		t.Fatalf("Store: %v", err)
	}

	if err := c.ClearTier(ctx, domain.ShortTerm); err != nil {
		t.Fatalf("ClearTier: %v", err)
	}

	if _, err := c.Get(ctx, shortID); domain.ErrorCodeOf(err) != domain.CodeNotFound {
		t.Fatalf("expected short_term item removed, got %v", err)
	}
	if _, err := c.Get(ctx, id); err != nil {
		t.Fatalf("expected long_term item to survive, got %v", err)
	}
}

func TestHealthReportsComponents(t *testing.T) {
	c := newTestCoordinator(t)
	statuses := c.Health(context.Background())
	if len(statuses) < 2 {
		t.Fatalf("expected at least 2 component statuses, got %d", len(statuses))
	}
}
