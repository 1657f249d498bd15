// Package embedding implements the Embedding Client of spec §4.C: a
// cache/retry/circuit-breaker decorated producer of fixed-dimensional
// vectors for text. Vectors are returned as the upstream Provider produced
// them; the client checks their length but does not normalize them.
package embedding

import "context"

// Client is the contract HCSR consumes from an embedding backend.
type Client interface {
	// EmbedOne returns the embedding of a single text.
	EmbedOne(ctx context.Context, text string) ([]float32, error)
	// EmbedMany returns embeddings for texts, preserving input order.
	EmbedMany(ctx context.Context, texts []string) ([][]float32, error)
	// Dim returns the fixed embedding dimension D.
	Dim() int
}

// Provider is the narrower contract an upstream HTTP/native backend
// implements; Client wraps a Provider with caching, retry, and breaker
// behavior (see NewClient).
type Provider interface {
	// Embed sends a single upstream batch call for texts, in order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dim() int
	Name() string
}
