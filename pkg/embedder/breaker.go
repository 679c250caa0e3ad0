package embedder

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"github.com/soundprediction/chronograph/pkg/types"
)

// BreakerConfig tunes the circuit breaker around an embedding client.
type BreakerConfig struct {
	// MaxRequests allowed through while half-open.
	MaxRequests uint32
	// Interval resets the failure counters while closed.
	Interval time.Duration
	// Timeout is how long the breaker stays open before probing.
	Timeout time.Duration
	// ReadyToTripRatio is the failure ratio that opens the breaker once at
	// least three requests have been observed.
	ReadyToTripRatio float64
}

// BreakerClient wraps a Client with a circuit breaker. While the breaker is
// open every call fails fast with types.ErrEmbeddingUnavailable, which the
// resolver treats as the signal to degrade to exact-match-only.
type BreakerClient struct {
	client Client
	cb     *gobreaker.CircuitBreaker
	logger *slog.Logger
}

var _ Client = (*BreakerClient)(nil)

// NewBreakerClient wraps client. Zero-value fields in cfg get defaults.
func NewBreakerClient(client Client, cfg BreakerConfig, logger *slog.Logger) *BreakerClient {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.ReadyToTripRatio <= 0 {
		cfg.ReadyToTripRatio = 0.6
	}

	st := gobreaker.Settings{
		Name:        "embedder",
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= cfg.ReadyToTripRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("embedder circuit breaker state change",
				"breaker", name, "from", from.String(), "to", to.String())
		},
	}

	return &BreakerClient{
		client: client,
		cb:     gobreaker.NewCircuitBreaker(st),
		logger: logger,
	}
}

func (c *BreakerClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	resp, err := c.cb.Execute(func() (interface{}, error) {
		return c.client.Embed(ctx, texts)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, fmt.Errorf("%w: %v", types.ErrEmbeddingUnavailable, err)
		}
		return nil, err
	}
	return resp.([][]float32), nil
}

func (c *BreakerClient) EmbedSingle(ctx context.Context, text string) ([]float32, error) {
	return embedSingle(ctx, c, text)
}

func (c *BreakerClient) Dimensions() int { return c.client.Dimensions() }

func (c *BreakerClient) Close() error { return c.client.Close() }
