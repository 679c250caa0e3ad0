package chronograph

import (
	"context"
	"iter"
	"time"

	"github.com/soundprediction/chronograph/pkg/query"
	"github.com/soundprediction/chronograph/pkg/resolver"
	"github.com/soundprediction/chronograph/pkg/store"
	"github.com/soundprediction/chronograph/pkg/types"
)

// Ingestor is the write surface: batch ingestion plus the explicit merge
// escape hatch.
type Ingestor interface {
	Ingest(ctx context.Context, batch Batch) (*IngestResult, error)
	ResolvePreview(ctx context.Context, in EntityInput, groupID string) (*resolver.Outcome, error)
	MergeEntities(ctx context.Context, survivorID, absorbedID string, mergedAt time.Time) (*types.Entity, error)
}

// Querier is the read surface: point-in-time lookups, histories, similarity
// search and traversal.
type Querier interface {
	EntityAt(ctx context.Context, id string, at time.Time) (*types.Entity, error)
	RelationshipsAt(ctx context.Context, q query.RelationshipQuery, at time.Time) ([]*types.Relationship, error)
	History(ctx context.Context, id string) ([]query.HistoryEntry, error)
	SimilarEntities(ctx context.Context, embedding []float32, k int, f store.EntityFilter) ([]store.ScoredEntity, error)
	Traverse(ctx context.Context, q query.TraversalQuery) iter.Seq2[*query.TraversalStep, error]
}

var (
	_ Ingestor = (*Client)(nil)
	_ Querier  = (*Client)(nil)
)
