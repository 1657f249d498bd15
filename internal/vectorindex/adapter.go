// Package vectorindex implements the Vector Index Adapter of spec §4.A:
// an embedded ANN-adjacent store backed by modernc.org/sqlite, offering
// named collections, cosine similarity search, and point CRUD.
package vectorindex

import (
	"context"
	"time"
)

// Metric selects the similarity function a collection is created with.
type Metric int

const (
	Cosine Metric = iota
	Euclidean
	Dot
)

// Point is a single (id, vector, payload) unit upserted into a collection.
type Point struct {
	ID      string
	Vector  []float32
	Payload map[string]any
}

// Filter expresses a conjunction of equality/range predicates over payload
// fields, used by Search and by the janitor's TTL sweep.
type Filter struct {
	Equals        map[string]any
	CreatedBefore *time.Time
	CreatedAfter  *time.Time
}

// ScoredPoint is one Search result.
type ScoredPoint struct {
	ID      string
	Score   float32
	Payload map[string]any
}

// Adapter is the contract HCSR consumes from the vector index, spec §4.A.
// All operations are safe for concurrent use across collections.
type Adapter interface {
	CreateCollection(ctx context.Context, name string, dim int, metric Metric) error
	DeleteCollection(ctx context.Context, name string) error
	Upsert(ctx context.Context, name string, points []Point) error
	Search(ctx context.Context, name string, queryVector []float32, limit int, filter *Filter, scoreThreshold float32) ([]ScoredPoint, error)
	Get(ctx context.Context, name string, id string) (*Point, bool, error)
	Delete(ctx context.Context, name string, ids []string) error
	// DeleteByFilter removes every point in name matching filter and
	// returns the count removed; used by the janitor's TTL sweep.
	DeleteByFilter(ctx context.Context, name string, filter Filter) (int, error)
	Ping(ctx context.Context) error
	Close() error
}
