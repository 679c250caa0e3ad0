package embedder

import (
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/soundprediction/chronograph/pkg/types"
)

const defaultBatchSize = 100

// OpenAIClient talks to the OpenAI embeddings API or any compatible server
// (set BaseURL for Azure, vLLM, Ollama and friends).
type OpenAIClient struct {
	client *openai.Client
	config Config
}

var _ Client = (*OpenAIClient)(nil)

// NewOpenAIClient creates a client. baseURL may be empty for api.openai.com.
func NewOpenAIClient(apiKey, baseURL string, config Config) *OpenAIClient {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if config.Model == "" {
		config.Model = string(openai.SmallEmbedding3)
	}
	if config.BatchSize <= 0 {
		config.BatchSize = defaultBatchSize
	}
	return &OpenAIClient{client: openai.NewClientWithConfig(cfg), config: config}
}

// Embed batches the inputs by BatchSize. Any transport or API failure is
// wrapped as embedding-unavailable.
func (c *OpenAIClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += c.config.BatchSize {
		end := min(start+c.config.BatchSize, len(texts))

		resp, err := c.client.CreateEmbeddings(ctx, openai.EmbeddingRequestStrings{
			Input: texts[start:end],
			Model: openai.EmbeddingModel(c.config.Model),
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %v", types.ErrEmbeddingUnavailable, err)
		}
		if len(resp.Data) != end-start {
			return nil, fmt.Errorf("%w: got %d vectors for %d inputs",
				types.ErrEmbeddingUnavailable, len(resp.Data), end-start)
		}
		for _, d := range resp.Data {
			out = append(out, d.Embedding)
		}
	}
	return out, nil
}

func (c *OpenAIClient) EmbedSingle(ctx context.Context, text string) ([]float32, error) {
	return embedSingle(ctx, c, text)
}

func (c *OpenAIClient) Dimensions() int { return c.config.Dimensions }

func (c *OpenAIClient) Close() error { return nil }
