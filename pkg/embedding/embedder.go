// Package embedding provides embedding generation for knowledge-graph
// entities: an OpenAI-compatible HTTP embedder, a content-addressed cache,
// deterministic fallback vectors for degraded operation, and validation of
// embedder output.
package embedding

import "context"

// Embedder generates vector embeddings for text.
//
// Implementations support batch operations natively; for a single text,
// pass a slice with one element.
type Embedder interface {
	// Generate creates one embedding per input text, in input order.
	Generate(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the dimensionality of produced embeddings.
	Dimensions() int

	// Model returns the model identifier used by this embedder.
	Model() string

	// Close releases any resources held by the embedder.
	Close() error
}
