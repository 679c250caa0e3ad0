// Package query implements the read side of the memory core: point-in-time
// lookups, full version histories, similarity search with client-side
// predicate filtering, and breadth-first graph traversal.
package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/soundprediction/chronograph/pkg/store"
	"github.com/soundprediction/chronograph/pkg/types"
)

const (
	// DefaultOverfetchFactor is how many extra candidates similarity search
	// pulls before client-side filtering truncates back to k.
	DefaultOverfetchFactor = 5
	// DefaultMaxTraversalDepth bounds Traverse when the caller passes 0.
	DefaultMaxTraversalDepth = 6

	// maxRedirectHops bounds merge-redirect chains. Chains longer than this
	// indicate corrupted merge bookkeeping.
	maxRedirectHops = 16
)

// Engine answers temporal queries on top of any store.Store.
type Engine struct {
	store     store.Store
	overfetch int
	maxDepth  int
	logger    *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

func WithOverfetchFactor(n int) Option {
	return func(e *Engine) {
		if n >= 1 {
			e.overfetch = n
		}
	}
}

func WithMaxTraversalDepth(n int) Option {
	return func(e *Engine) {
		if n >= 1 {
			e.maxDepth = n
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// New builds an Engine over s.
func New(s store.Store, opts ...Option) *Engine {
	e := &Engine{
		store:     s,
		overfetch: DefaultOverfetchFactor,
		maxDepth:  DefaultMaxTraversalDepth,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// EntityAt returns the entity as it stood at instant at. When the entity had
// been absorbed into another by that time, the merge redirect is followed to
// the surviving entity. ErrNotFound when nothing was valid at at.
func (e *Engine) EntityAt(ctx context.Context, id string, at time.Time) (*types.Entity, error) {
	seen := 0
	for {
		ent, err := e.store.GetEntity(ctx, id)
		if err != nil {
			return nil, err
		}
		if types.ValidAtTime(ent, at) {
			return ent, nil
		}
		// Absorbed before at: the surviving entity carries the state.
		if ent.MergedInto != "" && ent.InvalidAt != nil && !ent.InvalidAt.After(at) {
			seen++
			if seen > maxRedirectHops {
				return nil, fmt.Errorf("merge redirect chain from %q exceeds %d hops", id, maxRedirectHops)
			}
			id = ent.MergedInto
			continue
		}
		return nil, &types.NotFoundError{Collection: "entities", ID: ent.ID}
	}
}

// Direction selects which edges count, relative to the queried entity.
type Direction int

const (
	Both Direction = iota
	Outgoing
	Incoming
)

// RelationshipQuery scopes RelationshipsAt and Traverse.
type RelationshipQuery struct {
	EntityID  string
	Direction Direction
	// Type restricts to one relationship type; empty matches all.
	Type    string
	GroupID string
}

// RelationshipsAt returns the relationships touching the entity that were
// valid at at, ordered by valid_at then id for determinism.
func (e *Engine) RelationshipsAt(ctx context.Context, q RelationshipQuery, at time.Time) ([]*types.Relationship, error) {
	if q.EntityID == "" {
		return nil, fmt.Errorf("relationship query needs an entity id: %w", types.ErrNotFound)
	}

	var out []*types.Relationship
	seen := map[string]struct{}{}

	collect := func(f store.RelationshipFilter) error {
		rels, err := e.store.FindRelationships(ctx, f, 0)
		if err != nil {
			return err
		}
		for _, r := range rels {
			if _, dup := seen[r.ID]; dup {
				continue
			}
			seen[r.ID] = struct{}{}
			out = append(out, r)
		}
		return nil
	}

	base := store.RelationshipFilter{Type: q.Type, GroupID: q.GroupID, At: &at}
	if q.Direction == Both || q.Direction == Outgoing {
		f := base
		f.FromID = q.EntityID
		if err := collect(f); err != nil {
			return nil, err
		}
	}
	if q.Direction == Both || q.Direction == Incoming {
		f := base
		f.ToID = q.EntityID
		if err := collect(f); err != nil {
			return nil, err
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].ValidAt.Equal(out[j].ValidAt) {
			return out[i].ValidAt.Before(out[j].ValidAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// HistoryEntry is one version of an entity or relationship; exactly one
// field is set.
type HistoryEntry struct {
	Entity       *types.Entity
	Relationship *types.Relationship
}

// History returns the full append-only version chain for an entity or
// relationship id, oldest first, including invalidated and
// rejected-on-arrival versions.
func (e *Engine) History(ctx context.Context, id string) ([]HistoryEntry, error) {
	entities, err := e.store.EntityHistory(ctx, id)
	if err == nil {
		out := make([]HistoryEntry, len(entities))
		for i, v := range entities {
			out[i] = HistoryEntry{Entity: v}
		}
		return out, nil
	}
	if !errors.Is(err, types.ErrNotFound) {
		return nil, err
	}

	rels, err := e.store.RelationshipHistory(ctx, id)
	if err != nil {
		return nil, err
	}
	out := make([]HistoryEntry, len(rels))
	for i, v := range rels {
		out[i] = HistoryEntry{Relationship: v}
	}
	return out, nil
}

// SimilarEntities runs the two-stage fetch: overfetch k*factor candidates
// from the backend (similarity is not composable with predicates there),
// filter client-side, truncate to k. A shortfall after filtering is logged
// and returned as-is; no deeper second pass is attempted.
func (e *Engine) SimilarEntities(ctx context.Context, embedding []float32, k int, f store.EntityFilter) ([]store.ScoredEntity, error) {
	if k <= 0 {
		return nil, nil
	}
	hits, err := e.store.SimilarEntities(ctx, embedding, k*e.overfetch)
	if err != nil {
		return nil, err
	}

	out := make([]store.ScoredEntity, 0, k)
	for _, h := range hits {
		if f.GroupID != "" && h.Entity.GroupID != f.GroupID {
			continue
		}
		if f.At != nil && !types.ValidAtTime(h.Entity, *f.At) {
			continue
		}
		if h.Entity.MergedInto != "" {
			continue
		}
		out = append(out, h)
		if len(out) == k {
			break
		}
	}
	if len(out) < k && len(hits) == k*e.overfetch {
		e.logger.Debug("similarity post-filter shortfall",
			"requested", k,
			"returned", len(out),
			"overfetched", len(hits))
	}
	return out, nil
}
