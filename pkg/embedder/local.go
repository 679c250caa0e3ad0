package embedder

import (
	"context"
	"fmt"

	embedeverything "github.com/soundprediction/go-embedeverything/pkg/embedder"

	"github.com/soundprediction/chronograph/pkg/types"
)

// LocalClient runs embeddings in-process via go-embedeverything, so the
// degraded exact-only mode only triggers on model-load failures rather than
// network weather.
type LocalClient struct {
	client *embedeverything.Embedder
	config Config
}

var _ Client = (*LocalClient)(nil)

// NewLocalClient loads the named model.
func NewLocalClient(config Config) (*LocalClient, error) {
	client, err := embedeverything.NewEmbedder(config.Model)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to load model %q: %v",
			types.ErrEmbeddingUnavailable, config.Model, err)
	}
	return &LocalClient{client: client, config: config}, nil
}

func (c *LocalClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	// go-embedeverything does not take a context.
	embeddings, err := c.client.Embed(texts)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrEmbeddingUnavailable, err)
	}
	return embeddings, nil
}

func (c *LocalClient) EmbedSingle(ctx context.Context, text string) ([]float32, error) {
	return embedSingle(ctx, c, text)
}

func (c *LocalClient) Dimensions() int { return c.config.Dimensions }

func (c *LocalClient) Close() error {
	c.client.Close()
	return nil
}
