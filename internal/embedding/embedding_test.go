package embedding

import (
	"context"
	"sync/atomic"
	"testing"

	"hcsr/internal/config"
	"hcsr/internal/domain"
)

type fakeProvider struct {
	dim     int
	yieldDim int // dimension actually produced by Embed; 0 = same as dim
	calls   int32
	fail    int32 // number of remaining calls that should fail transiently
}

func (f *fakeProvider) Name() string { return "fake" }
func (f *fakeProvider) Dim() int     { return f.dim }

func (f *fakeProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	atomic.AddInt32(&f.calls, 1)
	if atomic.LoadInt32(&f.fail) > 0 {
		atomic.AddInt32(&f.fail, -1)
		return nil, domain.NewSubSystemError("embedding", "fake.Embed", domain.ErrTransient, "synthetic failure")
	}
	d := f.dim
	if f.yieldDim != 0 {
		d = f.yieldDim
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = make([]float32, d)
		out[i][0] = float32(len(texts[i]))
	}
	return out, nil
}

func testCfg() (config.EmbeddingConfig, config.CircuitBreakerConfig) {
	d := config.Defaults()
	d.Embed.RetryBase = 0
	return d.Embed, d.Breaker
}

func TestEmbedOneCachesAfterFirstCall(t *testing.T) {
	provider := &fakeProvider{dim: 4}
	embedCfg, cbCfg := testCfg()
	c := NewClient(provider, embedCfg, cbCfg, nil)

	ctx := context.Background()
	v1, err := c.EmbedOne(ctx, "hello")
	if err != nil {
		t.Fatalf("EmbedOne: %v", err)
	}
	v2, err := c.EmbedOne(ctx, "hello")
	if err != nil {
		t.Fatalf("EmbedOne (cached): %v", err)
	}
	if v1[0] != v2[0] {
		t.Fatalf("cached vector mismatch: %v vs %v", v1, v2)
	}
	if atomic.LoadInt32(&provider.calls) != 1 {
		t.Fatalf("expected exactly 1 upstream call, got %d", provider.calls)
	}
}

func TestEmbedManyPreservesOrder(t *testing.T) {
	provider := &fakeProvider{dim: 4}
	embedCfg, cbCfg := testCfg()
	c := NewClient(provider, embedCfg, cbCfg, nil)

	texts := []string{"a", "bb", "ccc"}
	vecs, err := c.EmbedMany(context.Background(), texts)
	if err != nil {
		t.Fatalf("EmbedMany: %v", err)
	}
	for i, text := range texts {
		if int(vecs[i][0]) != len(text) {
			t.Errorf("index %d: got %v, want encoding of len(%q)=%d", i, vecs[i][0], text, len(text))
		}
	}
}

func TestEmbedOneRetriesTransientFailure(t *testing.T) {
	provider := &fakeProvider{dim: 4, fail: 2}
	embedCfg, cbCfg := testCfg()
	embedCfg.MaxRetries = 3
	c := NewClient(provider, embedCfg, cbCfg, nil)

	_, err := c.EmbedOne(context.Background(), "hello")
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if atomic.LoadInt32(&provider.calls) != 3 {
		t.Fatalf("expected 3 calls (2 failures + 1 success), got %d", provider.calls)
	}
}

func TestEmbedOneDimensionMismatchIsValidation(t *testing.T) {
	provider := &fakeProvider{dim: 4, yieldDim: 8}
	embedCfg, cbCfg := testCfg()
	c := NewClient(provider, embedCfg, cbCfg, nil)

	_, err := c.EmbedOne(context.Background(), "hello")
	if err == nil {
		t.Fatal("expected dimension mismatch error")
	}
	if domain.ErrorCodeOf(err) != domain.CodeValidation {
		t.Fatalf("ErrorCodeOf = %v, want CodeValidation", domain.ErrorCodeOf(err))
	}
}
