// Package resolver decides whether an incoming entity mention refers to
// something the graph already knows. Matching is two-tier: normalized exact
// match first, then embedding similarity against a configurable threshold.
// When the embedding provider is down the resolver degrades to
// exact-match-only rather than failing ingestion.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/soundprediction/chronograph/pkg/embedder"
	"github.com/soundprediction/chronograph/pkg/query"
	"github.com/soundprediction/chronograph/pkg/store"
	"github.com/soundprediction/chronograph/pkg/types"
)

// MergeStrategy picks the winner for attribute keys both sides carry.
type MergeStrategy string

const (
	// MergePreferNew keeps the incoming value on conflicts. Default.
	MergePreferNew MergeStrategy = "prefer_new"
	// MergePreferExisting keeps the stored value on conflicts.
	MergePreferExisting MergeStrategy = "prefer_existing"
)

// DefaultMergeThreshold is the cosine similarity at or above which a
// candidate merges into an existing entity.
const DefaultMergeThreshold = 0.80

// How many similarity hits to consider before thresholding.
const similarityCandidates = 5

// Candidate is an entity mention produced by the upstream extraction
// service.
type Candidate struct {
	Name       string
	Attributes map[string]types.Value
	// Embedding may be pre-computed upstream; when absent the resolver
	// computes one if an embedder is configured.
	Embedding  []float32
	GroupID    string
	Provenance string
	// ObservedAt becomes valid_at for newly created entities; zero means
	// ingestion time.
	ObservedAt time.Time
}

// Outcome reports what Resolve (or Preview) decided.
type Outcome struct {
	Entity  *types.Entity
	Created bool
	Merged  bool
	// Score is the similarity that drove a merge (1.0 for exact matches).
	Score float64
	// MatchedBy is "exact" or "similarity" when Merged.
	MatchedBy string
	// Degraded notes that similarity matching was skipped because the
	// embedding provider was unavailable.
	Degraded bool
}

// Resolver performs entity resolution against a store.
type Resolver struct {
	store     store.Store
	engine    *query.Engine
	embedder  embedder.Client
	threshold float64
	strategy  MergeStrategy
	retry     RetryPolicy
	lock      func(id string) (release func())
	logger    *slog.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

func WithEmbedder(c embedder.Client) Option {
	return func(r *Resolver) { r.embedder = c }
}

func WithMergeThreshold(t float64) Option {
	return func(r *Resolver) {
		if t > 0 && t <= 1 {
			r.threshold = t
		}
	}
}

func WithMergeStrategy(s MergeStrategy) Option {
	return func(r *Resolver) {
		if s == MergePreferNew || s == MergePreferExisting {
			r.strategy = s
		}
	}
}

func WithRetryPolicy(p RetryPolicy) Option {
	return func(r *Resolver) { r.retry = p }
}

// WithEntityLock installs a per-entity-id lock taken around merge writes.
// Candidates are keyed by normalized name upstream, but a merge writes to
// the matched entity's id, which several surface forms can map to; the lock
// serializes those writers and the target is re-read once it is held.
func WithEntityLock(fn func(id string) (release func())) Option {
	return func(r *Resolver) { r.lock = fn }
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) {
		if l != nil {
			r.logger = l
		}
	}
}

// New builds a Resolver. engine must wrap the same store.
func New(s store.Store, engine *query.Engine, opts ...Option) *Resolver {
	r := &Resolver{
		store:     s,
		engine:    engine,
		threshold: DefaultMergeThreshold,
		strategy:  MergePreferNew,
		retry:     DefaultRetryPolicy(),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve matches cand against the graph, merging into an existing entity
// or creating a new one, and persists the result.
func (r *Resolver) Resolve(ctx context.Context, cand Candidate) (*Outcome, error) {
	return r.resolve(ctx, cand, true)
}

// Preview runs the same decision pipeline without writing anything, so
// callers can inspect would-merge/would-create outcomes.
func (r *Resolver) Preview(ctx context.Context, cand Candidate) (*Outcome, error) {
	return r.resolve(ctx, cand, false)
}

func (r *Resolver) resolve(ctx context.Context, cand Candidate, write bool) (*Outcome, error) {
	norm := types.NormalizeName(cand.Name)
	if norm == "" {
		return nil, types.ErrEmptyName
	}

	// Tier 1: normalized exact match against canonical names and aliases.
	existing, err := r.findExact(ctx, norm, cand.GroupID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return r.merge(ctx, existing, cand, 1.0, "exact", write)
	}

	// Tier 2: embedding similarity.
	vec, degraded := r.candidateVector(ctx, cand)
	if len(vec) > 0 {
		now := time.Now().UTC()
		hits, err := r.engine.SimilarEntities(ctx, vec, similarityCandidates,
			store.EntityFilter{GroupID: cand.GroupID, At: &now})
		if err != nil {
			return nil, err
		}
		if len(hits) > 0 && hits[0].Score >= r.threshold {
			cand.Embedding = vec
			return r.merge(ctx, hits[0].Entity, cand, hits[0].Score, "similarity", write)
		}
		cand.Embedding = vec
	}

	out, err := r.create(ctx, cand, write)
	if err != nil {
		return nil, err
	}
	out.Degraded = degraded
	return out, nil
}

// candidateVector returns the embedding to match with, computing one when
// missing. The second return is true when the provider was unavailable and
// resolution proceeds exact-only.
func (r *Resolver) candidateVector(ctx context.Context, cand Candidate) ([]float32, bool) {
	if len(cand.Embedding) > 0 {
		return cand.Embedding, false
	}
	if r.embedder == nil {
		return nil, false
	}

	var vec []float32
	err := r.retry.Do(ctx, func() error {
		var embedErr error
		vec, embedErr = r.embedder.EmbedSingle(ctx, cand.Name)
		return embedErr
	})
	if err != nil {
		r.logger.Warn("embedding unavailable, resolving exact-only",
			"name", cand.Name,
			"error", err)
		return nil, true
	}
	return vec, false
}

func (r *Resolver) findExact(ctx context.Context, norm, groupID string) (*types.Entity, error) {
	matches, err := r.store.FindEntities(ctx, store.EntityFilter{
		NormalizedName: norm,
		GroupID:        groupID,
	}, 0)
	if err != nil {
		return nil, err
	}
	for _, e := range matches {
		if e.MergedInto != "" || !types.IsCurrent(e) {
			continue
		}
		return e, nil
	}
	return nil, nil
}

func (r *Resolver) merge(ctx context.Context, existing *types.Entity, cand Candidate, score float64, matchedBy string, write bool) (*Outcome, error) {
	if write && r.lock != nil {
		release := r.lock(existing.ID)
		defer release()
		// Another writer may have updated the target between matching and
		// lock acquisition; merge on top of the freshest version.
		fresh, err := r.store.GetEntity(ctx, existing.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to re-read merge target %s: %w", existing.ID, err)
		}
		existing = fresh
	}

	merged := existing.Clone()
	mergeAttributes(merged, cand.Attributes, r.strategy)
	merged.AddAlias(cand.Name)
	if len(merged.Embedding) == 0 && len(cand.Embedding) > 0 {
		merged.Embedding = cand.Embedding
	}
	merged.MergeHistory = append(merged.MergeHistory, types.MergeRecord{
		AbsorbedName: cand.Name,
		Provenance:   cand.Provenance,
		MergedAt:     time.Now().UTC(),
		Score:        score,
		Reason:       matchedBy,
	})

	if write {
		if err := r.store.PutEntity(ctx, merged); err != nil {
			return nil, fmt.Errorf("failed to persist merge into %s: %w", merged.ID, err)
		}
	}

	r.logger.Debug("entity resolved",
		"name", cand.Name,
		"entity_id", merged.ID,
		"matched_by", matchedBy,
		"score", score)

	return &Outcome{Entity: merged, Merged: true, Score: score, MatchedBy: matchedBy}, nil
}

func mergeAttributes(e *types.Entity, incoming map[string]types.Value, strategy MergeStrategy) {
	if len(incoming) == 0 {
		return
	}
	if e.Attributes == nil {
		e.Attributes = make(map[string]types.Value, len(incoming))
	}
	for k, v := range incoming {
		if _, exists := e.Attributes[k]; exists && strategy == MergePreferExisting {
			continue
		}
		e.Attributes[k] = v
	}
}

func (r *Resolver) create(ctx context.Context, cand Candidate, write bool) (*Outcome, error) {
	validAt := cand.ObservedAt
	if validAt.IsZero() {
		validAt = time.Now().UTC()
	}

	e, err := types.NewEntity(cand.Name, cand.GroupID, validAt)
	if err != nil {
		return nil, err
	}
	e.Attributes = cand.Attributes
	e.Embedding = cand.Embedding

	if write {
		if err := r.store.PutEntity(ctx, e); err != nil {
			return nil, fmt.Errorf("failed to persist entity %s: %w", e.ID, err)
		}
	}

	r.logger.Debug("entity created", "name", cand.Name, "entity_id", e.ID)
	return &Outcome{Entity: e, Created: true}, nil
}

// MergeEntities folds absorbed into survivor: the absorbed entity is closed
// at mergedAt and redirected, its surface forms and attributes carried over
// per the resolver's strategy. Point-in-time queries keep answering for the
// absorbed id before mergedAt and follow the redirect after.
func (r *Resolver) MergeEntities(ctx context.Context, survivorID, absorbedID string, mergedAt time.Time) (*types.Entity, error) {
	if survivorID == absorbedID {
		return nil, errors.New("cannot merge an entity into itself")
	}

	survivor, err := r.store.GetEntity(ctx, survivorID)
	if err != nil {
		return nil, err
	}
	absorbed, err := r.store.GetEntity(ctx, absorbedID)
	if err != nil {
		return nil, err
	}
	if absorbed.MergedInto != "" {
		return nil, fmt.Errorf("entity %s already merged into %s", absorbedID, absorbed.MergedInto)
	}

	at := mergedAt.UTC()
	if at.IsZero() {
		at = time.Now().UTC()
	}
	if at.Before(absorbed.ValidAt) {
		// Clamp so the closed interval stays well formed.
		at = absorbed.ValidAt
	}

	merged := survivor.Clone()
	mergeAttributes(merged, absorbed.Attributes, r.strategy)
	merged.AddAlias(absorbed.Name)
	for _, a := range absorbed.Aliases {
		merged.AddAlias(a)
	}
	merged.MergeHistory = append(merged.MergeHistory, types.MergeRecord{
		AbsorbedName: absorbed.Name,
		Provenance:   absorbedID,
		MergedAt:     at,
		Score:        1.0,
		Reason:       "explicit",
	})

	closed := absorbed.Clone()
	closed.InvalidAt = &at
	closed.MergedInto = survivorID

	if err := r.store.PutEntity(ctx, merged); err != nil {
		return nil, fmt.Errorf("failed to persist merge survivor %s: %w", survivorID, err)
	}
	if err := r.store.PutEntity(ctx, closed); err != nil {
		return nil, fmt.Errorf("failed to close absorbed entity %s: %w", absorbedID, err)
	}

	r.logger.Info("entities merged",
		"survivor", survivorID,
		"absorbed", absorbedID)
	return merged, nil
}
