// Package embeddings turns text into vectors.
//
// Service wraps a Provider (OpenAI, TEI, FastEmbed or the local hash
// embedder) with an LRU+TTL cache, an optional bbolt disk cache, a
// minimum inter-request delay and bounded exponential-backoff retries.
// When every attempt fails, Service returns a deterministic near-zero
// FallbackVector instead of an error so that ingestion and queries keep
// working; IsFallbackVector recognizes such vectors.
package embeddings
