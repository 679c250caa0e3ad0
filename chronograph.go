package chronograph

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/soundprediction/chronograph/pkg/config"
	"github.com/soundprediction/chronograph/pkg/contradiction"
	"github.com/soundprediction/chronograph/pkg/embedder"
	"github.com/soundprediction/chronograph/pkg/logger"
	"github.com/soundprediction/chronograph/pkg/query"
	"github.com/soundprediction/chronograph/pkg/resolver"
	"github.com/soundprediction/chronograph/pkg/store"
	"github.com/soundprediction/chronograph/pkg/store/badgerstore"
	"github.com/soundprediction/chronograph/pkg/store/neo4jstore"
)

// Client is the entry point: it owns the storage handle and coordinates
// resolution, contradiction handling and queries. All state hangs off the
// Client; there are no package-level registries, so hosts can run several
// independent graphs side by side.
type Client struct {
	store          store.Store
	embedder       embedder.Client
	engine         *query.Engine
	resolver       *resolver.Resolver
	contradictions *contradiction.Resolver

	policy    contradiction.Policy
	sink      contradiction.ReviewSink
	locks     *keyedMutex
	opTimeout time.Duration
	logger    *slog.Logger

	// closeStore is set when the Client opened the store itself (Open) and
	// therefore owns its lifecycle.
	closeStore bool
}

type options struct {
	embedder        embedder.Client
	logger          *slog.Logger
	sink            contradiction.ReviewSink
	policy          contradiction.Policy
	rules           *contradiction.Rules
	mergeThreshold  float64
	mergeStrategy   resolver.MergeStrategy
	retry           *resolver.RetryPolicy
	overfetchFactor int
	maxDepth        int
	opTimeout       time.Duration
}

// Option configures a Client.
type Option func(*options)

// WithEmbedder enables similarity matching. Without one, resolution is
// exact-match-only by configuration (not an error).
func WithEmbedder(c embedder.Client) Option {
	return func(o *options) { o.embedder = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithReviewSink receives conflicts under the manual policy.
func WithReviewSink(s contradiction.ReviewSink) Option {
	return func(o *options) { o.sink = s }
}

// WithDefaultPolicy sets the contradiction policy batches use unless they
// override it.
func WithDefaultPolicy(p contradiction.Policy) Option {
	return func(o *options) { o.policy = p }
}

// WithRules installs the type-pair exclusion table.
func WithRules(r *contradiction.Rules) Option {
	return func(o *options) { o.rules = r }
}

func WithMergeThreshold(t float64) Option {
	return func(o *options) { o.mergeThreshold = t }
}

func WithMergeStrategy(s resolver.MergeStrategy) Option {
	return func(o *options) { o.mergeStrategy = s }
}

func WithRetryPolicy(p resolver.RetryPolicy) Option {
	return func(o *options) { o.retry = &p }
}

func WithOverfetchFactor(n int) Option {
	return func(o *options) { o.overfetchFactor = n }
}

func WithMaxTraversalDepth(n int) Option {
	return func(o *options) { o.maxDepth = n }
}

// WithOpTimeout bounds each store/embedder call during ingestion; 0
// disables the bound.
func WithOpTimeout(d time.Duration) Option {
	return func(o *options) { o.opTimeout = d }
}

// New builds a Client over an already-open store.
func New(s store.Store, opts ...Option) (*Client, error) {
	if s == nil {
		return nil, fmt.Errorf("store must not be nil")
	}

	o := &options{
		policy:          contradiction.PolicyNewestWins,
		mergeThreshold:  resolver.DefaultMergeThreshold,
		mergeStrategy:   resolver.MergePreferNew,
		overfetchFactor: query.DefaultOverfetchFactor,
		maxDepth:        query.DefaultMaxTraversalDepth,
		opTimeout:       30 * time.Second,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if !o.policy.Known() {
		return nil, fmt.Errorf("unknown contradiction policy %q", o.policy)
	}

	engine := query.New(s,
		query.WithOverfetchFactor(o.overfetchFactor),
		query.WithMaxTraversalDepth(o.maxDepth),
		query.WithLogger(o.logger))

	// Shared with Ingest: candidates lock their normalized-name key, while
	// writes to a matched entity lock its id. The resolver takes the id
	// lock because several surface forms can merge into one id.
	locks := newKeyedMutex()

	resolverOpts := []resolver.Option{
		resolver.WithMergeThreshold(o.mergeThreshold),
		resolver.WithMergeStrategy(o.mergeStrategy),
		resolver.WithEntityLock(func(id string) func() {
			return locks.lock("rel/" + id)
		}),
		resolver.WithLogger(o.logger),
	}
	if o.embedder != nil {
		resolverOpts = append(resolverOpts, resolver.WithEmbedder(o.embedder))
	}
	if o.retry != nil {
		resolverOpts = append(resolverOpts, resolver.WithRetryPolicy(*o.retry))
	}

	return &Client{
		store:          s,
		embedder:       o.embedder,
		engine:         engine,
		resolver:       resolver.New(s, engine, resolverOpts...),
		contradictions: contradiction.New(s, o.rules, o.logger),
		policy:         o.policy,
		sink:           o.sink,
		locks:          locks,
		opTimeout:      o.opTimeout,
		logger:         o.logger,
	}, nil
}

// Open builds a Client from configuration: storage backend, embedding
// provider (with circuit breaker), contradiction rules and tuning knobs.
func Open(ctx context.Context, cfg *config.Config, opts ...Option) (*Client, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log := logger.New(cfg.Log)

	var s store.Store
	switch cfg.Store.Driver {
	case "neo4j":
		ns, err := neo4jstore.Open(ctx, neo4jstore.Config{
			URI:                 cfg.Store.URI,
			Username:            cfg.Store.Username,
			Password:            cfg.Store.Password,
			Database:            cfg.Store.Database,
			EmbeddingDimensions: cfg.Embedding.Dimensions,
		}, log)
		if err != nil {
			return nil, err
		}
		if err := ns.EnsureSchema(ctx, cfg.Embedding.Dimensions); err != nil {
			_ = ns.Close()
			return nil, err
		}
		s = ns
	default:
		bs, err := badgerstore.Open(badgerstore.Options{Path: cfg.Store.Path, Logger: log})
		if err != nil {
			return nil, err
		}
		s = bs
	}

	emb, err := embedderFromConfig(cfg, log)
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	var rules *contradiction.Rules
	if cfg.Contradiction.RulesPath != "" {
		rules, err = contradiction.LoadRules(cfg.Contradiction.RulesPath)
		if err != nil {
			_ = s.Close()
			return nil, err
		}
	}

	built := []Option{
		WithLogger(log),
		WithDefaultPolicy(contradiction.Policy(cfg.Contradiction.DefaultPolicy)),
		WithMergeThreshold(cfg.Resolver.MergeThreshold),
		WithMergeStrategy(resolver.MergeStrategy(cfg.Resolver.MergeStrategy)),
		WithRetryPolicy(resolver.RetryPolicy{
			MaxAttempts:     cfg.Resolver.Retry.MaxAttempts,
			InitialInterval: cfg.Resolver.Retry.InitialInterval,
			MaxInterval:     cfg.Resolver.Retry.MaxInterval,
			Multiplier:      cfg.Resolver.Retry.Multiplier,
		}),
		WithOverfetchFactor(cfg.Query.OverfetchFactor),
		WithMaxTraversalDepth(cfg.Query.MaxTraversalDepth),
		WithOpTimeout(cfg.OpTimeout),
	}
	if emb != nil {
		built = append(built, WithEmbedder(emb))
	}
	if rules != nil {
		built = append(built, WithRules(rules))
	}
	built = append(built, opts...)

	client, err := New(s, built...)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	client.closeStore = true
	return client, nil
}

func embedderFromConfig(cfg *config.Config, log *slog.Logger) (embedder.Client, error) {
	var emb embedder.Client
	switch cfg.Embedding.Provider {
	case "openai":
		emb = embedder.NewOpenAIClient(cfg.Embedding.APIKey, cfg.Embedding.BaseURL, embedder.Config{
			Model:      cfg.Embedding.Model,
			Dimensions: cfg.Embedding.Dimensions,
			BatchSize:  cfg.Embedding.BatchSize,
		})
	case "local":
		local, err := embedder.NewLocalClient(embedder.Config{
			Model:      cfg.Embedding.Model,
			Dimensions: cfg.Embedding.Dimensions,
		})
		if err != nil {
			return nil, err
		}
		emb = local
	default:
		return nil, nil
	}

	if cfg.Breaker.Enabled {
		emb = embedder.NewBreakerClient(emb, embedder.BreakerConfig{
			MaxRequests:      cfg.Breaker.MaxRequests,
			Interval:         cfg.Breaker.Interval,
			Timeout:          cfg.Breaker.Timeout,
			ReadyToTripRatio: cfg.Breaker.ReadyToTripRatio,
		}, log)
	}
	return emb, nil
}

// Close releases the embedder and, when the Client opened it, the store.
func (c *Client) Close() error {
	var firstErr error
	if c.embedder != nil {
		if err := c.embedder.Close(); err != nil {
			firstErr = err
		}
	}
	if c.closeStore {
		if err := c.store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// opContext bounds a single store/embedder operation.
func (c *Client) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.opTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.opTimeout)
}
