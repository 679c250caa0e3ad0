package store

import (
	"context"
	"time"

	"github.com/soundprediction/chronograph/pkg/types"
)

// EntityFilter selects entities. Zero-value fields are wildcards. At, when
// set, is the temporal predicate pushed down to the backend: only versions
// valid at that instant match. Nil At matches the current row regardless of
// validity.
type EntityFilter struct {
	// NormalizedName matches the normalized canonical name or any
	// normalized alias.
	NormalizedName string
	GroupID        string
	At             *time.Time
}

// RelationshipFilter selects relationships. Empty strings are wildcards.
type RelationshipFilter struct {
	FromID  string
	ToID    string
	Type    string
	GroupID string
	At      *time.Time
	// CurrentOnly restricts to open intervals (invalid_at == nil).
	CurrentOnly bool
}

// ScoredEntity is a similarity-search hit.
type ScoredEntity struct {
	Entity *types.Entity
	Score  float64
}

// EntityStore is the entity half of the storage contract. PutEntity replaces
// the current row and appends an immutable version to the entity's history in
// one atomic write; readers never observe one without the other.
type EntityStore interface {
	PutEntity(ctx context.Context, e *types.Entity) error
	GetEntity(ctx context.Context, id string) (*types.Entity, error)
	FindEntities(ctx context.Context, f EntityFilter, limit int) ([]*types.Entity, error)
	EntityHistory(ctx context.Context, id string) ([]*types.Entity, error)
}

// RelationshipStore is the relationship half of the contract, with the same
// atomicity guarantee as EntityStore.
type RelationshipStore interface {
	PutRelationship(ctx context.Context, r *types.Relationship) error
	GetRelationship(ctx context.Context, id string) (*types.Relationship, error)
	FindRelationships(ctx context.Context, f RelationshipFilter, limit int) ([]*types.Relationship, error)
	RelationshipHistory(ctx context.Context, id string) ([]*types.Relationship, error)
}

// EntitySearcher exposes k-nearest-neighbour search by cosine similarity
// over current entity embeddings. Similarity search is NOT composable with
// EntityFilter predicates: backends rank globally, and callers that need
// filtered results overfetch and filter client-side (see pkg/query).
type EntitySearcher interface {
	SimilarEntities(ctx context.Context, embedding []float32, k int) ([]ScoredEntity, error)
}

// Store is the full storage contract chronograph requires from a backend.
type Store interface {
	EntityStore
	RelationshipStore
	EntitySearcher
	Close() error
}
