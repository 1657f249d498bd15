package janitor

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"hcsr/internal/config"
	"hcsr/internal/domain"
	"hcsr/internal/l1"
	"hcsr/internal/tier"
	"hcsr/internal/vectorindex"
)

func newTestJanitor(t *testing.T) (*Janitor, *tier.Collection, *l1.Store) {
	t.Helper()
	cfg := config.Defaults()
	l1Store := l1.New(3)

	adapter, err := vectorindex.Open(filepath.Join(t.TempDir(), "janitor-test.db"), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { adapter.Close() })

	ctx := context.Background()
	tierCfg := config.TierConfig{ShortTTL: time.Hour, LongTTL: 24 * time.Hour}
	shortTerm, err := tier.NewShortTerm(ctx, adapter, tierCfg, 2)
	if err != nil {
		t.Fatalf("NewShortTerm: %v", err)
	}
	longTerm, err := tier.NewLongTerm(ctx, adapter, tierCfg, 2)
	if err != nil {
		t.Fatalf("NewLongTerm: %v", err)
	}

	j := New(l1Store, shortTerm, longTerm, cfg.Janitor, nil)
	return j, shortTerm, l1Store
}

func TestRunNowSweepsExpiredShortTermEntries(t *testing.T) {
	j, shortTerm, _ := newTestJanitor(t)
	ctx := context.Background()

	now := time.Now()
	old := domain.ContextItem{ID: "old", Text: "x", Tier: domain.ShortTerm, Embedding: []float32{1, 0}, CreatedAt: now.Add(-2 * time.Hour), TokenCount: 1}
	if err := shortTerm.Upsert(ctx, old); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	j.RunNow(ctx)

	if _, found, _ := shortTerm.Get(ctx, "old"); found {
		t.Fatal("expected expired item removed by janitor sweep")
	}
}

func TestTrimL1IsNoopWithinCapacity(t *testing.T) {
	// l1.Store already enforces L1_MAX inline on every Insert (spec §4.D),
	// so trimL1 only matters for the rare race window the spec allows;
	// under normal operation it must be a safe no-op.
	j, _, l1Store := newTestJanitor(t)
	base := time.Now()
	l1Store.Insert(domain.ContextItem{ID: "a", CreatedAt: base})
	l1Store.Insert(domain.ContextItem{ID: "b", CreatedAt: base.Add(time.Second)})
	l1Store.Insert(domain.ContextItem{ID: "c", CreatedAt: base.Add(2 * time.Second)})

	if trimmed := j.trimL1(); trimmed != 0 {
		t.Fatalf("expected 0 trimmed within capacity, got %d", trimmed)
	}
	if l1Store.Len() != 3 {
		t.Fatalf("expected all 3 items to remain, got %d", l1Store.Len())
	}
}

func TestStopBeforeStartIsNoop(t *testing.T) {
	j, _, _ := newTestJanitor(t)
	j.Stop() // must not panic or block
}
