// Package rank implements the Ranker of spec §4.F: a deterministic,
// weighted-sum scorer combining similarity, recency, tier priority, and
// (optional) access frequency.
package rank

import (
	"math"
	"sort"
	"time"

	"hcsr/internal/config"
	"hcsr/internal/domain"
)

// FrequencyTracker supplies freq(id), the bounded normalized count of how
// often id has recently been returned. Per SPEC_FULL.md §D (spec §9 open
// question), frequency tracking defaults to disabled: NullFrequency
// always returns 0, matching the chosen default.
type FrequencyTracker interface {
	Freq(id string) float64
}

// NullFrequency is the default FrequencyTracker: frequency weighting is
// disabled unless a caller wires a real tracker in.
type NullFrequency struct{}

func (NullFrequency) Freq(string) float64 { return 0 }

// Ranker scores candidates per spec §4.F's fixed linear combination. It
// holds no mutable state beyond its configured weights and an optional
// frequency tracker, so Score is pure given (weights, now).
type Ranker struct {
	weights config.RankWeights
	freq    FrequencyTracker
}

// New builds a Ranker. freq may be nil, in which case frequency always
// scores 0.
func New(weights config.RankWeights, freq FrequencyTracker) *Ranker {
	if freq == nil {
		freq = NullFrequency{}
	}
	return &Ranker{weights: weights, freq: freq}
}

// Score computes sim/rec/tier-priority/freq for one candidate and sets
// both RelevanceScore (= sim, per spec §4.F) and CompositeScore (the full
// weighted sum) on the returned Candidate.
func (r *Ranker) Score(c domain.Candidate, now time.Time) domain.Candidate {
	sim := math.Max(0, c.RelevanceScore)
	rec := recency(c.Item.CreatedAt, now)
	tierPrio := c.Item.Tier.Priority()
	freq := r.freq.Freq(c.Item.ID)

	composite := r.weights.Sim*sim + r.weights.Rec*rec + r.weights.Tier*tierPrio + r.weights.Freq*freq

	c.RelevanceScore = sim
	c.CompositeScore = composite
	return c
}

// recency implements rec(t) = min(1, 1 / (1 + 0.1 * age_hours)).
func recency(createdAt, now time.Time) float64 {
	ageHours := now.Sub(createdAt).Hours()
	if ageHours < 0 {
		ageHours = 0
	}
	return math.Min(1, 1/(1+0.1*ageHours))
}

// RankAll scores every candidate and sorts them by CompositeScore
// descending, breaking ties by more recent CreatedAt then smaller ID —
// spec §4.F's determinism clause.
func (r *Ranker) RankAll(candidates []domain.Candidate, now time.Time) []domain.Candidate {
	scored := make([]domain.Candidate, len(candidates))
	for i, c := range candidates {
		scored[i] = r.Score(c, now)
	}
	sort.SliceStable(scored, func(i, j int) bool {
		return less(scored[i], scored[j])
	})
	return scored
}

// less reports whether a ranks strictly ahead of b.
func less(a, b domain.Candidate) bool {
	if a.CompositeScore != b.CompositeScore {
		return a.CompositeScore > b.CompositeScore
	}
	if !a.Item.CreatedAt.Equal(b.Item.CreatedAt) {
		return a.Item.CreatedAt.After(b.Item.CreatedAt)
	}
	return a.Item.ID < b.Item.ID
}
