// Package retrieve implements the Retriever of spec §4.G: budget
// allocation across tiers, parallel fan-out, partial-failure tolerance,
// merge/dedupe/rank/truncate.
package retrieve

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"time"

	"hcsr/internal/config"
	"hcsr/internal/domain"
	"hcsr/internal/embedding"
	"hcsr/internal/l1"
	"hcsr/internal/rank"
	"hcsr/internal/tier"
	"hcsr/internal/vectorindex"
)

// Retriever composes the L1 store and the two persistent collections
// behind the Coordinator's retrieve operation. Grounded on the teacher's
// hybridSearch (internal/adapter/memory/vector/search.go: run independent
// lookups concurrently, tolerate one side failing, merge into one scored
// list) generalized from a two-way keyword/vector fan-out to a three-way
// tier fan-out.
type Retriever struct {
	l1        *l1.Store
	shortTerm *tier.Collection
	longTerm  *tier.Collection
	embedder  embedding.Client
	ranker    *rank.Ranker
	cfg       config.RetrieverConfig
	log       *slog.Logger
}

// New builds a Retriever over the given tiers.
func New(l1Store *l1.Store, shortTerm, longTerm *tier.Collection, embedder embedding.Client, ranker *rank.Ranker, cfg config.RetrieverConfig, log *slog.Logger) *Retriever {
	if log == nil {
		log = slog.Default()
	}
	return &Retriever{l1: l1Store, shortTerm: shortTerm, longTerm: longTerm, embedder: embedder, ranker: ranker, cfg: cfg, log: log}
}

type lookupResult struct {
	tier       domain.Tier
	candidates []domain.Candidate
	err        error
}

// Retrieve executes spec §4.G's allocate/fan-out/merge/truncate pipeline.
func (r *Retriever) Retrieve(ctx context.Context, q domain.Query) (domain.Response, error) {
	start := time.Now()

	if q.MaxTokens < 1 {
		return domain.Response{}, domain.NewDomainError("Retrieve", domain.ErrValidation, "max_tokens must be >= 1")
	}

	participating := participatingTiers(q.Tiers)

	queryVec, err := r.embedder.EmbedOne(ctx, q.Text)
	if err != nil {
		return domain.Response{}, domain.WrapOp("Retrieve", err)
	}

	budgets := allocateBudget(q.MaxTokens, participating, r.cfg.Allocation)

	results := r.fanOut(ctx, q, queryVec, budgets, participating)

	var merged []domain.Candidate
	degraded := false
	failures := 0
	for _, res := range results {
		if res.err != nil {
			degraded = true
			failures++
			r.log.Warn("retrieve: tier lookup failed", "tier", res.tier.String(), "error", res.err)
			continue
		}
		merged = append(merged, res.candidates...)
	}

	if failures == len(participating) && len(participating) > 0 {
		return domain.Response{}, domain.NewDomainError("Retrieve", domain.ErrAllTiersFailed, "every participating tier failed")
	}

	now := time.Now()
	deduped := dedupe(r.ranker.RankAll(merged, now))
	ranked := r.ranker.RankAll(deduped, now)

	chosen, totalTokens := truncateToBudget(ranked, q.MaxTokens)

	perTier := map[domain.Tier]int{}
	items := make([]domain.ContextItem, 0, len(chosen))
	var relevanceSum float64
	for _, c := range chosen {
		items = append(items, c.Item)
		perTier[c.Item.Tier]++
		relevanceSum += c.RelevanceScore
	}
	avgRelevance := 0.0
	if len(items) > 0 {
		avgRelevance = relevanceSum / float64(len(items))
	}

	return domain.Response{
		Items:        items,
		TotalTokens:  totalTokens,
		PerTierCount: perTier,
		AvgRelevance: avgRelevance,
		ElapsedMS:    time.Since(start).Milliseconds(),
		Degraded:     degraded,
	}, nil
}

func (r *Retriever) fanOut(ctx context.Context, q domain.Query, queryVec []float32, budgets map[domain.Tier]int, participating []domain.Tier) []lookupResult {
	out := make([]lookupResult, len(participating))
	done := make(chan struct{})

	for i, t := range participating {
		go func(i int, t domain.Tier) {
			tctx, cancel := context.WithTimeout(ctx, r.cfg.PerTierTimeout)
			defer cancel()

			var res lookupResult
			res.tier = t
			switch t {
			case domain.Immediate:
				res.candidates = r.lookupL1(queryVec, budgets[t])
			case domain.ShortTerm:
				res.candidates, res.err = r.lookupCollection(tctx, r.shortTerm, queryVec, budgets[t], q.Filter)
			case domain.LongTerm:
				res.candidates, res.err = r.lookupCollection(tctx, r.longTerm, queryVec, budgets[t], q.Filter)
			}
			out[i] = res
			done <- struct{}{}
		}(i, t)
	}

	for range participating {
		<-done
	}
	return out
}

func (r *Retriever) lookupL1(queryVec []float32, budget int) []domain.Candidate {
	items := r.l1.GetAllSortedDesc()
	candidates := make([]domain.Candidate, 0, len(items))
	for _, item := range items {
		sim := vectorindex.CosineSimilarity(queryVec, item.Embedding)
		candidates = append(candidates, domain.Candidate{Item: item, RelevanceScore: float64(sim)})
	}
	ranked := r.ranker.RankAll(candidates, time.Now())

	var out []domain.Candidate
	tokens := 0
	for _, c := range ranked {
		if tokens+c.Item.TokenCount > budget {
			continue
		}
		out = append(out, c)
		tokens += c.Item.TokenCount
	}
	return out
}

func (r *Retriever) lookupCollection(ctx context.Context, coll *tier.Collection, queryVec []float32, budget int, filter *domain.Filter) ([]domain.Candidate, error) {
	limit := int(math.Ceil(float64(budget) / float64(assumedAvgTokens(r.cfg))))
	if limit < 1 {
		limit = 1
	}
	return coll.Search(ctx, queryVec, limit, filter, float32(r.cfg.RelevanceThreshold))
}

func assumedAvgTokens(cfg config.RetrieverConfig) int {
	if cfg.AssumedAvgTokens <= 0 {
		return 100
	}
	return cfg.AssumedAvgTokens
}

// participatingTiers resolves spec §4.G's "if query.tiers is non-empty,
// only the requested tiers participate" clause.
func participatingTiers(requested []domain.Tier) []domain.Tier {
	if len(requested) == 0 {
		return []domain.Tier{domain.Immediate, domain.ShortTerm, domain.LongTerm}
	}
	seen := map[domain.Tier]bool{}
	var out []domain.Tier
	for _, t := range requested {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}

// allocateBudget implements spec §4.G's budget allocation: renormalize
// allocation fractions across only the participating tiers, floor each
// share, then distribute the remainder starting from the largest share.
func allocateBudget(total int, participating []domain.Tier, alloc config.AllocationConfig) map[domain.Tier]int {
	fracOf := func(t domain.Tier) float64 {
		switch t {
		case domain.Immediate:
			return alloc.L1
		case domain.ShortTerm:
			return alloc.L2
		case domain.LongTerm:
			return alloc.L3
		default:
			return 0
		}
	}

	sum := 0.0
	for _, t := range participating {
		sum += fracOf(t)
	}
	if sum <= 0 {
		sum = 1
	}

	type tf struct {
		tier domain.Tier
		frac float64
	}
	list := make([]tf, len(participating))
	for i, t := range participating {
		list[i] = tf{tier: t, frac: fracOf(t) / sum}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].frac > list[j].frac })

	result := make(map[domain.Tier]int, len(list))
	allocated := 0
	for _, item := range list {
		b := int(math.Floor(float64(total) * item.frac))
		result[item.tier] = b
		allocated += b
	}

	remainder := total - allocated
	for i := 0; remainder > 0 && len(list) > 0; i++ {
		result[list[i%len(list)].tier]++
		remainder--
	}
	return result
}

// dedupe removes duplicate ids, keeping the occurrence with the higher
// composite score. Input must already be ranked so the first occurrence
// of a given id is its best-scoring one.
func dedupe(ranked []domain.Candidate) []domain.Candidate {
	seen := make(map[string]bool, len(ranked))
	out := make([]domain.Candidate, 0, len(ranked))
	for _, c := range ranked {
		if seen[c.Item.ID] {
			continue
		}
		seen[c.Item.ID] = true
		out = append(out, c)
	}
	return out
}

// truncateToBudget cuts the ranked list at the first candidate that would
// exceed maxTokens — a true truncation (prefix cut), not a best-fit pack,
// so the returned items stay monotonically non-increasing in rank order.
func truncateToBudget(ranked []domain.Candidate, maxTokens int) ([]domain.Candidate, int) {
	out := make([]domain.Candidate, 0, len(ranked))
	total := 0
	for _, c := range ranked {
		if total+c.Item.TokenCount > maxTokens {
			break
		}
		out = append(out, c)
		total += c.Item.TokenCount
	}
	return out, total
}
