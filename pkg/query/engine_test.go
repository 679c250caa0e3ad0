package query

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soundprediction/chronograph/pkg/store"
	"github.com/soundprediction/chronograph/pkg/store/badgerstore"
	"github.com/soundprediction/chronograph/pkg/types"
)

func ts(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t
}

func testEngine(t *testing.T, opts ...Option) (*Engine, *badgerstore.Store) {
	t.Helper()
	s, err := badgerstore.Open(badgerstore.Options{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return New(s, opts...), s
}

func putEntity(t *testing.T, s *badgerstore.Store, name, validAt string) *types.Entity {
	t.Helper()
	e, err := types.NewEntity(name, "g1", ts(validAt))
	require.NoError(t, err)
	require.NoError(t, s.PutEntity(context.Background(), e))
	return e
}

func putRel(t *testing.T, s *badgerstore.Store, from, to, typ, validAt string) *types.Relationship {
	t.Helper()
	r, err := types.NewRelationship(from, to, typ, "g1", ts(validAt))
	require.NoError(t, err)
	require.NoError(t, s.PutRelationship(context.Background(), r))
	return r
}

func TestEntityAt(t *testing.T) {
	eng, s := testEngine(t)
	ctx := context.Background()

	e := putEntity(t, s, "Acme Corp", "2024-01-01T00:00:00Z")

	got, err := eng.EntityAt(ctx, e.ID, ts("2024-06-01T00:00:00Z"))
	require.NoError(t, err)
	assert.Equal(t, e.ID, got.ID)

	_, err = eng.EntityAt(ctx, e.ID, ts("2023-06-01T00:00:00Z"))
	assert.ErrorIs(t, err, types.ErrNotFound, "before the entity existed")

	_, err = eng.EntityAt(ctx, "missing", ts("2024-06-01T00:00:00Z"))
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestEntityAtFollowsMergeRedirect(t *testing.T) {
	eng, s := testEngine(t)
	ctx := context.Background()

	survivor := putEntity(t, s, "Acme Corp", "2024-01-01T00:00:00Z")
	absorbed := putEntity(t, s, "Acme Inc", "2024-01-01T00:00:00Z")

	cut := ts("2024-03-01T00:00:00Z")
	absorbed.InvalidAt = &cut
	absorbed.MergedInto = survivor.ID
	require.NoError(t, s.PutEntity(ctx, absorbed))

	// Before the merge the absorbed entity answers for itself.
	got, err := eng.EntityAt(ctx, absorbed.ID, ts("2024-02-01T00:00:00Z"))
	require.NoError(t, err)
	assert.Equal(t, absorbed.ID, got.ID)

	// After the merge, the redirect leads to the survivor.
	got, err = eng.EntityAt(ctx, absorbed.ID, ts("2024-04-01T00:00:00Z"))
	require.NoError(t, err)
	assert.Equal(t, survivor.ID, got.ID)
}

func TestEntityAtIsRepeatable(t *testing.T) {
	eng, s := testEngine(t)
	ctx := context.Background()

	e := putEntity(t, s, "Acme Corp", "2024-01-01T00:00:00Z")
	at := ts("2024-06-01T00:00:00Z")

	first, err := eng.EntityAt(ctx, e.ID, at)
	require.NoError(t, err)
	second, err := eng.EntityAt(ctx, e.ID, at)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestRelationshipsAt(t *testing.T) {
	eng, s := testEngine(t)
	ctx := context.Background()

	a := putEntity(t, s, "Alice", "2024-01-01T00:00:00Z")
	b := putEntity(t, s, "Acme Corp", "2024-01-01T00:00:00Z")

	old := putRel(t, s, a.ID, b.ID, "WORKS_AT", "2024-01-01T00:00:00Z")
	newer := putRel(t, s, a.ID, b.ID, "WORKS_AT", "2024-06-01T00:00:00Z")
	old.Invalidate(ts("2024-06-01T00:00:00Z"), newer.ID)
	require.NoError(t, s.PutRelationship(ctx, old))
	putRel(t, s, b.ID, a.ID, "EMPLOYS", "2024-01-01T00:00:00Z")

	// Between the two versions only the old edge is visible.
	got, err := eng.RelationshipsAt(ctx, RelationshipQuery{EntityID: a.ID, Direction: Outgoing}, ts("2024-03-01T00:00:00Z"))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, old.ID, got[0].ID)

	// After the switchover only the newer edge.
	got, err = eng.RelationshipsAt(ctx, RelationshipQuery{EntityID: a.ID, Direction: Outgoing}, ts("2024-07-01T00:00:00Z"))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, newer.ID, got[0].ID)

	// Both directions picks up EMPLOYS too.
	got, err = eng.RelationshipsAt(ctx, RelationshipQuery{EntityID: a.ID}, ts("2024-07-01T00:00:00Z"))
	require.NoError(t, err)
	assert.Len(t, got, 2)

	// Type filter.
	got, err = eng.RelationshipsAt(ctx, RelationshipQuery{EntityID: a.ID, Type: "EMPLOYS"}, ts("2024-07-01T00:00:00Z"))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "EMPLOYS", got[0].Type)
}

func TestHistoryGrowsMonotonically(t *testing.T) {
	eng, s := testEngine(t)
	ctx := context.Background()

	a := putEntity(t, s, "Alice", "2024-01-01T00:00:00Z")
	b := putEntity(t, s, "Acme Corp", "2024-01-01T00:00:00Z")
	r := putRel(t, s, a.ID, b.ID, "WORKS_AT", "2024-01-01T00:00:00Z")

	hist, err := eng.History(ctx, r.ID)
	require.NoError(t, err)
	before := len(hist)

	r.Invalidate(ts("2024-06-01T00:00:00Z"), "other")
	require.NoError(t, s.PutRelationship(ctx, r))

	hist, err = eng.History(ctx, r.ID)
	require.NoError(t, err)
	assert.Greater(t, len(hist), before, "history is append-only")
	for _, entry := range hist {
		assert.NotNil(t, entry.Relationship)
		assert.Nil(t, entry.Entity)
	}

	entHist, err := eng.History(ctx, a.ID)
	require.NoError(t, err)
	require.NotEmpty(t, entHist)
	assert.NotNil(t, entHist[0].Entity)

	_, err = eng.History(ctx, "missing")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestSimilarEntitiesTwoStageFilter(t *testing.T) {
	eng, s := testEngine(t)
	ctx := context.Background()

	put := func(name, group string, emb []float32, invalidAt *time.Time) *types.Entity {
		e, err := types.NewEntity(name, group, ts("2024-01-01T00:00:00Z"))
		require.NoError(t, err)
		e.Embedding = emb
		e.InvalidAt = invalidAt
		require.NoError(t, s.PutEntity(ctx, e))
		return e
	}

	cut := ts("2024-02-01T00:00:00Z")
	want := put("Acme Corp", "g1", []float32{1, 0}, nil)
	put("Acme Old", "g1", []float32{1, 0}, &cut)   // invalid at query time
	put("Acme Other", "g2", []float32{1, 0}, nil)  // wrong group
	put("Globex", "g1", []float32{0, 1}, nil)

	at := ts("2024-06-01T00:00:00Z")
	hits, err := eng.SimilarEntities(ctx, []float32{1, 0}, 2, store.EntityFilter{GroupID: "g1", At: &at})
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, want.ID, hits[0].Entity.ID)
	for _, h := range hits {
		assert.Equal(t, "g1", h.Entity.GroupID)
		assert.True(t, types.ValidAtTime(h.Entity, at))
	}
}
