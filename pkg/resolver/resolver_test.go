package resolver

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soundprediction/chronograph/pkg/query"
	"github.com/soundprediction/chronograph/pkg/store/badgerstore"
	"github.com/soundprediction/chronograph/pkg/types"
)

// fakeEmbedder returns canned vectors per text so similarity outcomes are
// deterministic without a model.
type fakeEmbedder struct {
	vectors map[string][]float32
	err     error
	calls   int
}

func (f *fakeEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if v, ok := f.vectors[t]; ok {
			out[i] = v
		} else {
			out[i] = []float32{0, 0, 1}
		}
	}
	return out, nil
}

func (f *fakeEmbedder) EmbedSingle(ctx context.Context, text string) ([]float32, error) {
	vecs, err := f.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (f *fakeEmbedder) Dimensions() int { return 3 }
func (f *fakeEmbedder) Close() error    { return nil }

func ts(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t
}

func testResolver(t *testing.T, opts ...Option) (*Resolver, *badgerstore.Store) {
	t.Helper()
	s, err := badgerstore.Open(badgerstore.Options{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return New(s, query.New(s), opts...), s
}

func TestResolveExactMatchMerges(t *testing.T) {
	r, s := testResolver(t)
	ctx := context.Background()

	first, err := r.Resolve(ctx, Candidate{Name: "Acme Corp", GroupID: "g1", Provenance: "doc-1"})
	require.NoError(t, err)
	assert.True(t, first.Created)

	// Different capitalization and spacing, same normalized name.
	second, err := r.Resolve(ctx, Candidate{Name: "  acme   corp ", GroupID: "g1", Provenance: "doc-2"})
	require.NoError(t, err)
	assert.True(t, second.Merged)
	assert.Equal(t, first.Entity.ID, second.Entity.ID, "no second id for the same name")
	assert.Equal(t, "exact", second.MatchedBy)
	assert.Equal(t, 1.0, second.Score)

	stored, err := s.GetEntity(ctx, first.Entity.ID)
	require.NoError(t, err)
	assert.Contains(t, stored.Aliases, "  acme   corp ", "original spelling kept as alias")
	require.Len(t, stored.MergeHistory, 1)
	assert.Equal(t, "doc-2", stored.MergeHistory[0].Provenance)
}

func TestResolveSimilarityMerge(t *testing.T) {
	emb := &fakeEmbedder{vectors: map[string][]float32{
		"Acme Corporation": {1, 0, 0},
		"Acme Corp":        {0.95, 0.05, 0},
	}}
	r, _ := testResolver(t, WithEmbedder(emb))
	ctx := context.Background()

	first, err := r.Resolve(ctx, Candidate{Name: "Acme Corporation", GroupID: "g1"})
	require.NoError(t, err)
	require.True(t, first.Created)

	second, err := r.Resolve(ctx, Candidate{Name: "Acme Corp", GroupID: "g1"})
	require.NoError(t, err)
	assert.True(t, second.Merged)
	assert.Equal(t, "similarity", second.MatchedBy)
	assert.Equal(t, first.Entity.ID, second.Entity.ID)
	assert.GreaterOrEqual(t, second.Score, DefaultMergeThreshold)
}

func TestResolveBelowThresholdCreates(t *testing.T) {
	emb := &fakeEmbedder{vectors: map[string][]float32{
		"Acme Corp": {1, 0, 0},
		"Globex":    {0, 1, 0},
	}}
	r, _ := testResolver(t, WithEmbedder(emb))
	ctx := context.Background()

	first, err := r.Resolve(ctx, Candidate{Name: "Acme Corp", GroupID: "g1"})
	require.NoError(t, err)
	second, err := r.Resolve(ctx, Candidate{Name: "Globex", GroupID: "g1"})
	require.NoError(t, err)

	assert.True(t, second.Created)
	assert.NotEqual(t, first.Entity.ID, second.Entity.ID)
}

func TestResolveDegradedWhenEmbedderDown(t *testing.T) {
	emb := &fakeEmbedder{err: errors.New("provider down")}
	r, _ := testResolver(t,
		WithEmbedder(emb),
		WithRetryPolicy(RetryPolicy{MaxAttempts: 2, InitialInterval: time.Millisecond}))
	ctx := context.Background()

	first, err := r.Resolve(ctx, Candidate{Name: "Acme Corp", GroupID: "g1"})
	require.NoError(t, err, "embedder outage must not abort ingestion")
	assert.True(t, first.Created)
	assert.True(t, first.Degraded)
	assert.Equal(t, 2, emb.calls, "retried per policy")

	// Exact matching still works while degraded.
	second, err := r.Resolve(ctx, Candidate{Name: "ACME CORP", GroupID: "g1"})
	require.NoError(t, err)
	assert.True(t, second.Merged)
	assert.Equal(t, first.Entity.ID, second.Entity.ID)

	// Similar-but-not-identical names become new entities while degraded.
	third, err := r.Resolve(ctx, Candidate{Name: "Acme Corporation", GroupID: "g1"})
	require.NoError(t, err)
	assert.True(t, third.Created)
	assert.True(t, third.Degraded)
}

func TestResolveMergeStrategies(t *testing.T) {
	ctx := context.Background()

	t.Run("prefer_new", func(t *testing.T) {
		r, _ := testResolver(t)
		first, err := r.Resolve(ctx, Candidate{
			Name:       "Acme Corp",
			Attributes: map[string]types.Value{"hq": types.StringValue("Berlin")},
		})
		require.NoError(t, err)
		second, err := r.Resolve(ctx, Candidate{
			Name:       "Acme Corp",
			Attributes: map[string]types.Value{"hq": types.StringValue("Munich"), "ceo": types.StringValue("Ada")},
		})
		require.NoError(t, err)
		assert.Equal(t, first.Entity.ID, second.Entity.ID)
		assert.True(t, second.Entity.Attributes["hq"].Equal(types.StringValue("Munich")))
		assert.True(t, second.Entity.Attributes["ceo"].Equal(types.StringValue("Ada")))
	})

	t.Run("prefer_existing", func(t *testing.T) {
		r, _ := testResolver(t, WithMergeStrategy(MergePreferExisting))
		_, err := r.Resolve(ctx, Candidate{
			Name:       "Acme Corp",
			Attributes: map[string]types.Value{"hq": types.StringValue("Berlin")},
		})
		require.NoError(t, err)
		second, err := r.Resolve(ctx, Candidate{
			Name:       "Acme Corp",
			Attributes: map[string]types.Value{"hq": types.StringValue("Munich"), "ceo": types.StringValue("Ada")},
		})
		require.NoError(t, err)
		assert.True(t, second.Entity.Attributes["hq"].Equal(types.StringValue("Berlin")), "existing value kept")
		assert.True(t, second.Entity.Attributes["ceo"].Equal(types.StringValue("Ada")), "new keys still added")
	})
}

func TestMergeReReadsTargetUnderEntityLock(t *testing.T) {
	s, err := badgerstore.Open(badgerstore.Options{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	ctx := context.Background()

	var target string
	// Simulates a writer that slips in between matching and lock
	// acquisition: by the time the lock is granted the stored entity
	// already carries an extra alias.
	lock := func(id string) func() {
		if id == target {
			stored, err := s.GetEntity(ctx, id)
			require.NoError(t, err)
			racer := stored.Clone()
			racer.AddAlias("Acme GmbH")
			require.NoError(t, s.PutEntity(ctx, racer))
		}
		return func() {}
	}
	r := New(s, query.New(s), WithEntityLock(lock))

	first, err := r.Resolve(ctx, Candidate{Name: "Acme Corp", GroupID: "g1"})
	require.NoError(t, err)
	target = first.Entity.ID

	second, err := r.Resolve(ctx, Candidate{Name: "ACME Corp", GroupID: "g1"})
	require.NoError(t, err)
	require.True(t, second.Merged)

	// The merge was applied on top of the freshest version, so the alias
	// written before the lock was granted survives.
	stored, err := s.GetEntity(ctx, target)
	require.NoError(t, err)
	assert.Contains(t, stored.Aliases, "Acme GmbH")
	assert.Contains(t, stored.Aliases, "ACME Corp")
}

func TestPreviewWritesNothing(t *testing.T) {
	r, s := testResolver(t)
	ctx := context.Background()

	out, err := r.Preview(ctx, Candidate{Name: "Acme Corp", GroupID: "g1"})
	require.NoError(t, err)
	assert.True(t, out.Created)

	_, err = s.GetEntity(ctx, out.Entity.ID)
	assert.ErrorIs(t, err, types.ErrNotFound, "preview must not persist")

	// Preview against an existing entity reports would-merge.
	created, err := r.Resolve(ctx, Candidate{Name: "Acme Corp", GroupID: "g1"})
	require.NoError(t, err)
	preview, err := r.Preview(ctx, Candidate{Name: "ACME Corp", GroupID: "g1", Provenance: "doc-9"})
	require.NoError(t, err)
	assert.True(t, preview.Merged)
	assert.Equal(t, created.Entity.ID, preview.Entity.ID)

	stored, err := s.GetEntity(ctx, created.Entity.ID)
	require.NoError(t, err)
	assert.Empty(t, stored.MergeHistory, "preview merge left no trace")
}

func TestMergeEntities(t *testing.T) {
	r, s := testResolver(t)
	ctx := context.Background()

	survivor, err := r.Resolve(ctx, Candidate{Name: "Acme Corp", ObservedAt: ts("2024-01-01T00:00:00Z")})
	require.NoError(t, err)
	absorbed, err := r.Resolve(ctx, Candidate{Name: "Acme Inc", ObservedAt: ts("2024-01-01T00:00:00Z")})
	require.NoError(t, err)

	merged, err := r.MergeEntities(ctx, survivor.Entity.ID, absorbed.Entity.ID, ts("2024-03-01T00:00:00Z"))
	require.NoError(t, err)
	assert.Contains(t, merged.Aliases, "Acme Inc")

	closed, err := s.GetEntity(ctx, absorbed.Entity.ID)
	require.NoError(t, err)
	assert.Equal(t, survivor.Entity.ID, closed.MergedInto)
	require.NotNil(t, closed.InvalidAt)
	assert.True(t, closed.InvalidAt.Equal(ts("2024-03-01T00:00:00Z")))

	_, err = r.MergeEntities(ctx, survivor.Entity.ID, absorbed.Entity.ID, time.Now())
	assert.Error(t, err, "double merge rejected")

	_, err = r.MergeEntities(ctx, survivor.Entity.ID, survivor.Entity.ID, time.Now())
	assert.Error(t, err, "self merge rejected")
}
