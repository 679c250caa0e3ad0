package chronograph

import (
	"context"
	"fmt"
	"iter"
	"time"

	"github.com/soundprediction/chronograph/pkg/audit"
	"github.com/soundprediction/chronograph/pkg/query"
	"github.com/soundprediction/chronograph/pkg/store"
	"github.com/soundprediction/chronograph/pkg/types"
)

// EntityAt returns the entity as it stood at instant at, following merge
// redirects to the surviving entity when the id was absorbed before at.
func (c *Client) EntityAt(ctx context.Context, id string, at time.Time) (*types.Entity, error) {
	opCtx, cancel := c.opContext(ctx)
	defer cancel()
	return c.engine.EntityAt(opCtx, id, at)
}

// RelationshipsAt returns the relationships touching the entity that were
// valid at at.
func (c *Client) RelationshipsAt(ctx context.Context, q query.RelationshipQuery, at time.Time) ([]*types.Relationship, error) {
	opCtx, cancel := c.opContext(ctx)
	defer cancel()
	return c.engine.RelationshipsAt(opCtx, q, at)
}

// History returns every version an entity or relationship has ever had,
// oldest first, including invalidated and rejected-on-arrival versions.
func (c *Client) History(ctx context.Context, id string) ([]query.HistoryEntry, error) {
	opCtx, cancel := c.opContext(ctx)
	defer cancel()
	return c.engine.History(opCtx, id)
}

// SimilarEntities returns the k nearest currently-valid entities to the
// embedding, scoped by the filter.
func (c *Client) SimilarEntities(ctx context.Context, embedding []float32, k int, f store.EntityFilter) ([]store.ScoredEntity, error) {
	opCtx, cancel := c.opContext(ctx)
	defer cancel()
	return c.engine.SimilarEntities(opCtx, embedding, k, f)
}

// SimilarByText embeds the text and searches with the result. Fails with
// ErrEmbeddingUnavailable when no embedder is configured or the provider is
// down; unlike ingestion there is no exact-match tier to degrade to.
func (c *Client) SimilarByText(ctx context.Context, text string, k int, f store.EntityFilter) ([]store.ScoredEntity, error) {
	if c.embedder == nil {
		return nil, fmt.Errorf("%w: no embedder configured", types.ErrEmbeddingUnavailable)
	}

	opCtx, cancel := c.opContext(ctx)
	defer cancel()

	vec, err := c.embedder.EmbedSingle(opCtx, text)
	if err != nil {
		return nil, err
	}
	return c.engine.SimilarEntities(opCtx, vec, k, f)
}

// Traverse walks the graph breadth-first from a start entity as it stood at
// q.At. The returned sequence is lazy; re-ranging restarts the walk. The
// client's operation timeout does not apply here since the caller controls
// how long iteration runs; pass a bounded ctx to cap it.
func (c *Client) Traverse(ctx context.Context, q query.TraversalQuery) iter.Seq2[*query.TraversalStep, error] {
	return c.engine.Traverse(ctx, q)
}

// ExportHistory writes the full version chains of the given ids to Parquet
// files under dir, one file per id, and returns the written paths.
func (c *Client) ExportHistory(ctx context.Context, dir string, ids ...string) ([]string, error) {
	w, err := audit.NewWriter(dir)
	if err != nil {
		return nil, err
	}

	var paths []string
	for _, id := range ids {
		entries, err := c.History(ctx, id)
		if err != nil {
			return paths, fmt.Errorf("failed to export history of %s: %w", id, err)
		}
		if len(entries) == 0 {
			continue
		}

		var path string
		if entries[0].Entity != nil {
			versions := make([]*types.Entity, len(entries))
			for i, e := range entries {
				versions[i] = e.Entity
			}
			path, err = w.WriteEntityHistory(versions)
		} else {
			versions := make([]*types.Relationship, len(entries))
			for i, e := range entries {
				versions[i] = e.Relationship
			}
			path, err = w.WriteRelationshipHistory(versions)
		}
		if err != nil {
			return paths, fmt.Errorf("failed to export history of %s: %w", id, err)
		}
		paths = append(paths, path)
	}
	return paths, nil
}
