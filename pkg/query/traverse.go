package query

import (
	"context"
	"errors"
	"iter"
	"slices"
	"time"

	"github.com/soundprediction/chronograph/pkg/types"
)

// TraversalQuery scopes a breadth-first walk of the graph as it stood at At.
type TraversalQuery struct {
	StartID string
	// MaxDepth bounds the walk in hops; 0 means the engine default.
	MaxDepth  int
	At        time.Time
	Direction Direction
	// Types restricts traversable relationship types; empty allows all.
	Types   []string
	GroupID string
}

// TraversalStep is one discovered entity: the entity itself, the
// relationship it was reached through (nil for the start node), and the
// simple path of entity ids from the start.
type TraversalStep struct {
	Entity *types.Entity
	Via    *types.Relationship
	Path   []string
	Depth  int
}

// Traverse walks breadth-first from StartID over relationships valid at At,
// yielding each reachable entity once, at its shortest depth. Paths are
// simple (no entity repeats within a path) and the walk is depth-bounded.
// The sequence is lazy and stateless: nothing is cached between calls, and
// re-ranging restarts the walk from scratch.
func (e *Engine) Traverse(ctx context.Context, q TraversalQuery) iter.Seq2[*TraversalStep, error] {
	maxDepth := q.MaxDepth
	if maxDepth <= 0 || maxDepth > e.maxDepth {
		maxDepth = e.maxDepth
	}

	return func(yield func(*TraversalStep, error) bool) {
		start, err := e.EntityAt(ctx, q.StartID, q.At)
		if err != nil {
			yield(nil, err)
			return
		}

		type frontierItem struct {
			entity *types.Entity
			path   []string
		}

		visited := map[string]struct{}{start.ID: {}}
		frontier := []frontierItem{{entity: start, path: []string{start.ID}}}

		if !yield(&TraversalStep{Entity: start, Path: frontier[0].path}, nil) {
			return
		}

		for depth := 1; depth <= maxDepth && len(frontier) > 0; depth++ {
			var next []frontierItem
			for _, item := range frontier {
				if err := ctx.Err(); err != nil {
					yield(nil, err)
					return
				}

				rels, err := e.RelationshipsAt(ctx, RelationshipQuery{
					EntityID:  item.entity.ID,
					Direction: q.Direction,
					GroupID:   q.GroupID,
				}, q.At)
				if err != nil {
					yield(nil, err)
					return
				}

				for _, rel := range rels {
					if len(q.Types) > 0 && !slices.Contains(q.Types, rel.Type) {
						continue
					}
					neighborID := rel.ToID
					if neighborID == item.entity.ID {
						neighborID = rel.FromID
					}
					if _, ok := visited[neighborID]; ok {
						continue
					}
					if slices.Contains(item.path, neighborID) {
						continue
					}

					neighbor, err := e.EntityAt(ctx, neighborID, q.At)
					if err != nil {
						if errors.Is(err, types.ErrNotFound) {
							continue // endpoint not valid at this instant
						}
						yield(nil, err)
						return
					}

					visited[neighborID] = struct{}{}
					path := append(slices.Clone(item.path), neighborID)
					step := &TraversalStep{
						Entity: neighbor,
						Via:    rel,
						Path:   path,
						Depth:  depth,
					}
					if !yield(step, nil) {
						return
					}
					next = append(next, frontierItem{entity: neighbor, path: path})
				}
			}
			frontier = next
		}
	}
}

