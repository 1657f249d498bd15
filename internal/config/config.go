// Package config defines HCSR's in-process configuration structs and
// defaults. Configuration file loading is explicitly out of scope (spec
// §1); callers construct a Config programmatically, typically starting
// from Defaults() and overriding fields.
package config

import (
	"fmt"
	"math"
	"time"

	"hcsr/internal/domain"
)

// L1Config configures the L1 Store (spec §4.D).
type L1Config struct {
	Capacity int `yaml:"l1_capacity"`
}

// TierConfig configures the TTL-bearing persistent tiers (spec §4.E).
type TierConfig struct {
	ShortTTL time.Duration `yaml:"short_ttl_secs"`
	LongTTL  time.Duration `yaml:"long_ttl_secs"`
}

// EmbeddingConfig configures the Embedding Client (spec §4.C).
type EmbeddingConfig struct {
	Dim         int           `yaml:"embedding_dim"`
	BatchSize   int           `yaml:"embedding_batch"`
	CacheSize   int           `yaml:"embedding_cache_size"`
	CacheTTL    time.Duration `yaml:"embedding_cache_ttl_secs"`
	MaxRetries  int           `yaml:"embedding_retries"`
	RetryBase   time.Duration `yaml:"-"` // 100ms per spec §4.C, not externally configurable
	CallTimeout time.Duration `yaml:"-"` // 30s default per spec §5
}

// CircuitBreakerConfig configures the breaker guarding a downstream
// callable (spec §4.B).
type CircuitBreakerConfig struct {
	FailureThreshold uint32        `yaml:"circuit_failure_threshold"`
	SuccessThreshold uint32        `yaml:"circuit_success_threshold"`
	OpenTimeout      time.Duration `yaml:"circuit_open_timeout_secs"`
	RollingWindow    time.Duration `yaml:"-"` // 60s default per spec §4.B
}

// AllocationConfig configures the Retriever's token-budget split (spec
// §4.G).
type AllocationConfig struct {
	L1 float64 `yaml:"alloc_l1"`
	L2 float64 `yaml:"alloc_l2"`
	L3 float64 `yaml:"alloc_l3"`
}

// RankWeights configures the Ranker's four weighted factors (spec §4.F).
type RankWeights struct {
	Sim  float64 `yaml:"sim"`
	Rec  float64 `yaml:"rec"`
	Tier float64 `yaml:"tier"`
	Freq float64 `yaml:"freq"`
}

// RetrieverConfig configures the Retriever (spec §4.G).
type RetrieverConfig struct {
	Allocation         AllocationConfig `yaml:"alloc"`
	RelevanceThreshold float64          `yaml:"relevance_threshold"`
	RankWeights        RankWeights      `yaml:"rank_weights"`
	PerTierTimeout     time.Duration    `yaml:"-"` // 2s default per spec §4.G
	AssumedAvgTokens   int              `yaml:"-"` // 100, per spec §4.G limit heuristic
}

// WriterConfig configures the Writer / Admission component (spec §4.H).
type WriterConfig struct {
	CharsPerToken         float64 `yaml:"chars_per_token"`
	ImmediateMirror       bool    `yaml:"immediate_mirror_to_shortterm"`
	UseTiktokenizer       bool    `yaml:"use_tiktokenizer"`
	TiktokenizerModelName string  `yaml:"tiktokenizer_model"`
}

// JanitorConfig configures the Background Janitor (spec §4.I).
type JanitorConfig struct {
	Enabled  bool          `yaml:"janitor_enabled"`
	Interval time.Duration `yaml:"janitor_interval_secs"`
}

// Config is the full set of HCSR tunables enumerated in spec §6.
type Config struct {
	L1       L1Config
	Tiers    TierConfig
	Embed    EmbeddingConfig
	Breaker  CircuitBreakerConfig
	Retrieve RetrieverConfig
	Writer   WriterConfig
	Janitor  JanitorConfig
}

// Defaults returns the configuration with every default from spec §6.
func Defaults() Config {
	return Config{
		L1: L1Config{Capacity: 10},
		Tiers: TierConfig{
			ShortTTL: 3600 * time.Second,
			LongTTL:  86400 * time.Second,
		},
		Embed: EmbeddingConfig{
			Dim:         1024,
			BatchSize:   32,
			CacheSize:   1000,
			CacheTTL:    3600 * time.Second,
			MaxRetries:  3,
			RetryBase:   100 * time.Millisecond,
			CallTimeout: 30 * time.Second,
		},
		Breaker: CircuitBreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 2,
			OpenTimeout:      60 * time.Second,
			RollingWindow:    60 * time.Second,
		},
		Retrieve: RetrieverConfig{
			Allocation:         AllocationConfig{L1: 0.3, L2: 0.4, L3: 0.3},
			RelevanceThreshold: 0.7,
			RankWeights:        RankWeights{Sim: 0.5, Rec: 0.2, Tier: 0.2, Freq: 0.1},
			PerTierTimeout:     2 * time.Second,
			AssumedAvgTokens:   100,
		},
		Writer: WriterConfig{
			CharsPerToken:   4.0,
			ImmediateMirror: false,
		},
		Janitor: JanitorConfig{
			Enabled:  true,
			Interval: 300 * time.Second,
		},
	}
}

// Validate rejects illegal configuration eagerly at startup (spec §7,
// Configuration error kind).
func (c Config) Validate() error {
	const eps = 1e-6

	if c.L1.Capacity <= 0 {
		return cfgErr("l1_capacity must be positive")
	}
	if c.Tiers.ShortTTL <= 0 || c.Tiers.LongTTL <= 0 {
		return cfgErr("tier TTLs must be positive")
	}
	if c.Embed.Dim <= 0 {
		return cfgErr("embedding_dim must be positive")
	}
	if c.Embed.BatchSize <= 0 {
		return cfgErr("embedding_batch must be positive")
	}
	if c.Embed.CacheSize < 0 {
		return cfgErr("embedding_cache_size must not be negative")
	}
	if c.Embed.MaxRetries < 0 {
		return cfgErr("embedding_retries must not be negative")
	}
	if c.Breaker.FailureThreshold == 0 {
		return cfgErr("circuit_failure_threshold must be positive")
	}
	if c.Breaker.SuccessThreshold == 0 {
		return cfgErr("circuit_success_threshold must be positive")
	}
	sum := c.Retrieve.Allocation.L1 + c.Retrieve.Allocation.L2 + c.Retrieve.Allocation.L3
	if math.Abs(sum-1.0) > eps {
		return cfgErr(fmt.Sprintf("alloc_l1/l2/l3 must sum to 1.0 (±%.0e), got %f", eps, sum))
	}
	if c.Retrieve.Allocation.L1 < 0 || c.Retrieve.Allocation.L2 < 0 || c.Retrieve.Allocation.L3 < 0 {
		return cfgErr("alloc_l1/l2/l3 must not be negative")
	}
	wsum := c.Retrieve.RankWeights.Sim + c.Retrieve.RankWeights.Rec + c.Retrieve.RankWeights.Tier + c.Retrieve.RankWeights.Freq
	if math.Abs(wsum-1.0) > eps {
		return cfgErr(fmt.Sprintf("rank_weights must sum to 1.0 (±%.0e), got %f", eps, wsum))
	}
	if c.Writer.CharsPerToken <= 0 {
		return cfgErr("chars_per_token must be positive")
	}
	if c.Janitor.Interval <= 0 {
		return cfgErr("janitor_interval_secs must be positive")
	}
	return nil
}

func cfgErr(detail string) error {
	return domain.NewDomainError("config.Validate", domain.ErrConfiguration, detail)
}
