// Package embedder provides the embedding clients entity resolution uses for
// similarity matching: an OpenAI-compatible HTTP client, a local in-process
// model, and a circuit-breaker wrapper that converts provider outages into
// the embedding-unavailable degraded mode.
//
// Embedding generation itself is a collaborator, not part of the memory
// core; callers may equally pre-compute embeddings and never configure a
// client here.
package embedder

import (
	"context"
	"fmt"
)

// Client generates vector embeddings for text. Implementations must map
// provider outages to types.ErrEmbeddingUnavailable so resolution can
// degrade instead of failing.
type Client interface {
	// Embed returns one embedding per input text, in order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	// EmbedSingle embeds one text.
	EmbedSingle(ctx context.Context, text string) ([]float32, error)
	// Dimensions reports the embedding width.
	Dimensions() int
	Close() error
}

// Config holds provider-independent embedding settings.
type Config struct {
	Model      string
	Dimensions int
	// BatchSize caps texts per provider request; 0 means provider default.
	BatchSize int
}

func embedSingle(ctx context.Context, c Client, text string) ([]float32, error) {
	embeddings, err := c.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(embeddings) == 0 {
		return nil, fmt.Errorf("embedder returned no vectors")
	}
	return embeddings[0], nil
}
