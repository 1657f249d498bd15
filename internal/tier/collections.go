// Package tier implements the Tier Collections of spec §4.E: the two
// named, TTL-bound collections (short_term, long_term) layered on top of
// the Vector Index Adapter.
package tier

import (
	"context"
	"time"

	"hcsr/internal/config"
	"hcsr/internal/domain"
	"hcsr/internal/vectorindex"
)

const (
	ShortTermCollection = "ctx_shortterm"
	LongTermCollection  = "ctx_longterm"
)

// Collection wraps vectorindex.Adapter, scoping every call to one named
// collection and stamping/enforcing a TTL. Grounded on the teacher's
// tenant-scoping decorator pattern (wrap an interface, inject fixed
// context into every call) adapted to tier scoping.
type Collection struct {
	adapter vectorindex.Adapter
	name    string
	tier    domain.Tier
	ttl     time.Duration
	dim     int
}

// New creates (idempotently, via CreateCollection) the named collection
// and returns a handle bound to it.
func New(ctx context.Context, adapter vectorindex.Adapter, name string, tier domain.Tier, dim int, ttl time.Duration) (*Collection, error) {
	if err := adapter.CreateCollection(ctx, name, dim, vectorindex.Cosine); err != nil {
		return nil, err
	}
	return &Collection{adapter: adapter, name: name, tier: tier, ttl: ttl, dim: dim}, nil
}

// NewShortTerm and NewLongTerm are the two fixed collections spec §4.E
// names.
func NewShortTerm(ctx context.Context, adapter vectorindex.Adapter, cfg config.TierConfig, dim int) (*Collection, error) {
	return New(ctx, adapter, ShortTermCollection, domain.ShortTerm, dim, cfg.ShortTTL)
}

func NewLongTerm(ctx context.Context, adapter vectorindex.Adapter, cfg config.TierConfig, dim int) (*Collection, error) {
	return New(ctx, adapter, LongTermCollection, domain.LongTerm, dim, cfg.LongTTL)
}

func (c *Collection) Name() string     { return c.name }
func (c *Collection) Tier() domain.Tier { return c.tier }
func (c *Collection) TTL() time.Duration { return c.ttl }

// Upsert persists item, stamping the payload fields the janitor needs to
// identify expiries without touching the vector (spec §4.E).
func (c *Collection) Upsert(ctx context.Context, item domain.ContextItem) error {
	return c.adapter.Upsert(ctx, c.name, []vectorindex.Point{itemToPoint(item)})
}

// Search runs a k-NN search scoped to this collection.
func (c *Collection) Search(ctx context.Context, queryVector []float32, limit int, filter *domain.Filter, scoreThreshold float32) ([]domain.Candidate, error) {
	vf := toVectorFilter(filter)
	hits, err := c.adapter.Search(ctx, c.name, queryVector, limit, vf, scoreThreshold)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Candidate, 0, len(hits))
	for _, h := range hits {
		item, err := payloadToItem(h.ID, h.Payload)
		if err != nil {
			continue
		}
		out = append(out, domain.Candidate{Item: item, RelevanceScore: float64(h.Score)})
	}
	return out, nil
}

// Get fetches a single item by id.
func (c *Collection) Get(ctx context.Context, id string) (domain.ContextItem, bool, error) {
	p, found, err := c.adapter.Get(ctx, c.name, id)
	if err != nil || !found {
		return domain.ContextItem{}, found, err
	}
	item, err := payloadToItem(id, p.Payload)
	if err != nil {
		return domain.ContextItem{}, false, err
	}
	item.Embedding = p.Vector
	return item, true, nil
}

// Delete removes id if present.
func (c *Collection) Delete(ctx context.Context, id string) error {
	return c.adapter.Delete(ctx, c.name, []string{id})
}

// UpdateMetadata rewrites an item's metadata in place, leaving text,
// embedding, tier, and created_at untouched, per spec §4.H's update
// contract.
func (c *Collection) UpdateMetadata(ctx context.Context, id string, metadata domain.Metadata) error {
	item, found, err := c.Get(ctx, id)
	if err != nil {
		return err
	}
	if !found {
		return domain.NewSubSystemError("tier", "UpdateMetadata", domain.ErrNotFound, id)
	}
	merged := domain.Metadata{}
	for k, v := range item.Metadata {
		merged[k] = v
	}
	for k, v := range metadata {
		merged[k] = v
	}
	item.Metadata = merged
	vec := item.Embedding
	item.Embedding = nil
	return c.adapter.Upsert(ctx, c.name, []vectorindex.Point{itemToPoint(withEmbedding(item, vec))})
}

// SweepExpired deletes every item whose created_at predates the TTL
// cutoff; used by the Background Janitor (spec §4.I).
func (c *Collection) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.Add(-c.ttl)
	return c.adapter.DeleteByFilter(ctx, c.name, vectorindex.Filter{CreatedBefore: &cutoff})
}

func withEmbedding(item domain.ContextItem, vec []float32) domain.ContextItem {
	item.Embedding = vec
	return item
}

// Caller metadata is nested under a dedicated "metadata" payload key
// instead of being flattened into the top level. ValidateMetadata (spec
// §3) only forbids {id, timestamp, level, text} as metadata keys — it
// does NOT forbid "tier", "created_at", "agent_id", "session_id", or
// "token_count" — so a spec-valid store() call with metadata like
// {"created_at": "garbage"} would otherwise silently overwrite the fixed
// system fields on the next itemToPoint/Upsert round trip. Nesting under
// "metadata" makes that collision structurally impossible.
const metadataPayloadKey = "metadata"

func itemToPoint(item domain.ContextItem) vectorindex.Point {
	payload := map[string]any{
		"text":        item.Text,
		"tier":        item.Tier.String(),
		"created_at":  item.CreatedAt.UTC().Format(time.RFC3339Nano),
		"agent_id":    item.AgentID,
		"session_id":  item.SessionID,
		"token_count": item.TokenCount,
	}
	if len(item.Metadata) > 0 {
		meta := make(map[string]any, len(item.Metadata))
		for k, v := range item.Metadata {
			meta[k] = v
		}
		payload[metadataPayloadKey] = meta
	}
	return vectorindex.Point{ID: item.ID, Vector: item.Embedding, Payload: payload}
}

func payloadToItem(id string, payload map[string]any) (domain.ContextItem, error) {
	item := domain.ContextItem{ID: id, Metadata: domain.Metadata{}}
	if text, ok := payload["text"].(string); ok {
		item.Text = text
	}
	if tierStr, ok := payload["tier"].(string); ok {
		if t, ok := domain.ParseTier(tierStr); ok {
			item.Tier = t
		}
	}
	if ts, ok := payload["created_at"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			item.CreatedAt = t
		}
	}
	if agentID, ok := payload["agent_id"].(string); ok {
		item.AgentID = agentID
	}
	if sessionID, ok := payload["session_id"].(string); ok {
		item.SessionID = sessionID
	}
	if tc, ok := payload["token_count"].(float64); ok {
		item.TokenCount = int(tc)
	} else if tc, ok := payload["token_count"].(int); ok {
		item.TokenCount = tc
	}
	if meta, ok := payload[metadataPayloadKey].(map[string]any); ok {
		for k, v := range meta {
			item.Metadata[k] = v
		}
	}
	return item, nil
}

func toVectorFilter(f *domain.Filter) *vectorindex.Filter {
	if f == nil {
		return nil
	}
	vf := &vectorindex.Filter{CreatedAfter: f.CreatedAfter, CreatedBefore: f.CreatedBefore}
	equals := map[string]any{}
	if f.Tier != nil {
		equals["tier"] = f.Tier.String()
	}
	if f.SessionID != "" {
		equals["session_id"] = f.SessionID
	}
	if f.AgentID != "" {
		equals["agent_id"] = f.AgentID
	}
	for k, v := range f.MetadataEquals {
		equals[vectorindex.MetadataKeyPrefix+k] = v
	}
	if len(equals) > 0 {
		vf.Equals = equals
	}
	return vf
}
