package query

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soundprediction/chronograph/pkg/types"
)

func collectSteps(t *testing.T, eng *Engine, q TraversalQuery) []*TraversalStep {
	t.Helper()
	var steps []*TraversalStep
	for step, err := range eng.Traverse(context.Background(), q) {
		require.NoError(t, err)
		steps = append(steps, step)
	}
	return steps
}

func TestTraverseBreadthFirst(t *testing.T) {
	eng, s := testEngine(t)

	// alice -> acme -> berlin, alice -> bob
	alice := putEntity(t, s, "Alice", "2024-01-01T00:00:00Z")
	acme := putEntity(t, s, "Acme Corp", "2024-01-01T00:00:00Z")
	berlin := putEntity(t, s, "Berlin", "2024-01-01T00:00:00Z")
	bob := putEntity(t, s, "Bob", "2024-01-01T00:00:00Z")

	putRel(t, s, alice.ID, acme.ID, "WORKS_AT", "2024-01-01T00:00:00Z")
	putRel(t, s, acme.ID, berlin.ID, "LOCATED_IN", "2024-01-01T00:00:00Z")
	putRel(t, s, alice.ID, bob.ID, "KNOWS", "2024-01-01T00:00:00Z")

	steps := collectSteps(t, eng, TraversalQuery{
		StartID:   alice.ID,
		MaxDepth:  3,
		At:        ts("2024-06-01T00:00:00Z"),
		Direction: Outgoing,
	})

	require.Len(t, steps, 4)
	assert.Equal(t, alice.ID, steps[0].Entity.ID)
	assert.Equal(t, 0, steps[0].Depth)

	depths := map[string]int{}
	for _, st := range steps {
		depths[st.Entity.ID] = st.Depth
	}
	assert.Equal(t, 1, depths[acme.ID])
	assert.Equal(t, 1, depths[bob.ID])
	assert.Equal(t, 2, depths[berlin.ID])
}

func TestTraverseDepthBound(t *testing.T) {
	eng, s := testEngine(t)

	a := putEntity(t, s, "A", "2024-01-01T00:00:00Z")
	b := putEntity(t, s, "B", "2024-01-01T00:00:00Z")
	c := putEntity(t, s, "C", "2024-01-01T00:00:00Z")
	putRel(t, s, a.ID, b.ID, "NEXT", "2024-01-01T00:00:00Z")
	putRel(t, s, b.ID, c.ID, "NEXT", "2024-01-01T00:00:00Z")

	steps := collectSteps(t, eng, TraversalQuery{
		StartID:   a.ID,
		MaxDepth:  1,
		At:        ts("2024-06-01T00:00:00Z"),
		Direction: Outgoing,
	})

	require.Len(t, steps, 2)
	for _, st := range steps {
		assert.LessOrEqual(t, st.Depth, 1)
	}
}

func TestTraverseSimplePathsOnCycle(t *testing.T) {
	eng, s := testEngine(t)

	a := putEntity(t, s, "A", "2024-01-01T00:00:00Z")
	b := putEntity(t, s, "B", "2024-01-01T00:00:00Z")
	putRel(t, s, a.ID, b.ID, "KNOWS", "2024-01-01T00:00:00Z")
	putRel(t, s, b.ID, a.ID, "KNOWS", "2024-01-01T00:00:00Z")

	steps := collectSteps(t, eng, TraversalQuery{
		StartID:  a.ID,
		MaxDepth: 5,
		At:       ts("2024-06-01T00:00:00Z"),
	})

	// The cycle terminates: each entity once, no path revisits a node.
	require.Len(t, steps, 2)
	for _, st := range steps {
		seen := map[string]struct{}{}
		for _, id := range st.Path {
			_, dup := seen[id]
			assert.False(t, dup, "path revisits %s", id)
			seen[id] = struct{}{}
		}
	}
}

func TestTraverseHonorsValidityAtQueryTime(t *testing.T) {
	eng, s := testEngine(t)
	ctx := context.Background()

	a := putEntity(t, s, "A", "2024-01-01T00:00:00Z")
	b := putEntity(t, s, "B", "2024-01-01T00:00:00Z")
	rel := putRel(t, s, a.ID, b.ID, "KNOWS", "2024-01-01T00:00:00Z")
	rel.Invalidate(ts("2024-03-01T00:00:00Z"), "r2")
	require.NoError(t, s.PutRelationship(ctx, rel))

	// After invalidation the hop is gone.
	steps := collectSteps(t, eng, TraversalQuery{
		StartID:  a.ID,
		MaxDepth: 3,
		At:       ts("2024-06-01T00:00:00Z"),
	})
	require.Len(t, steps, 1)
	assert.Equal(t, a.ID, steps[0].Entity.ID)

	// Before invalidation it is traversable.
	steps = collectSteps(t, eng, TraversalQuery{
		StartID:  a.ID,
		MaxDepth: 3,
		At:       ts("2024-02-01T00:00:00Z"),
	})
	require.Len(t, steps, 2)
}

func TestTraverseTypeFilterAndRestart(t *testing.T) {
	eng, s := testEngine(t)

	a := putEntity(t, s, "A", "2024-01-01T00:00:00Z")
	b := putEntity(t, s, "B", "2024-01-01T00:00:00Z")
	c := putEntity(t, s, "C", "2024-01-01T00:00:00Z")
	putRel(t, s, a.ID, b.ID, "KNOWS", "2024-01-01T00:00:00Z")
	putRel(t, s, a.ID, c.ID, "OWNS", "2024-01-01T00:00:00Z")

	q := TraversalQuery{
		StartID:   a.ID,
		MaxDepth:  2,
		At:        ts("2024-06-01T00:00:00Z"),
		Direction: Outgoing,
		Types:     []string{"KNOWS"},
	}

	seq := eng.Traverse(context.Background(), q)

	// Early break, then re-range: the generator restarts from scratch.
	for step, err := range seq {
		require.NoError(t, err)
		assert.Equal(t, a.ID, step.Entity.ID)
		break
	}

	var ids []string
	for step, err := range seq {
		require.NoError(t, err)
		ids = append(ids, step.Entity.ID)
	}
	assert.Equal(t, []string{a.ID, b.ID}, ids, "OWNS edge filtered out")
}

func TestTraverseMissingStart(t *testing.T) {
	eng, _ := testEngine(t)

	var sawErr error
	for _, err := range eng.Traverse(context.Background(), TraversalQuery{
		StartID: "missing",
		At:      ts("2024-06-01T00:00:00Z"),
	}) {
		sawErr = err
	}
	assert.ErrorIs(t, sawErr, types.ErrNotFound)
}
