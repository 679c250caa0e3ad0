package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEntity(t *testing.T) {
	e, err := NewEntity("Acme Corp", "g1", ts("2024-01-01T00:00:00Z"))
	require.NoError(t, err)
	assert.NotEmpty(t, e.ID)
	assert.False(t, e.CreatedAt.IsZero(), "transaction time stamped by constructor")
	assert.True(t, IsCurrent(e))
	require.NoError(t, e.Validate())

	_, err = NewEntity("   ", "g1", time.Now())
	assert.ErrorIs(t, err, ErrEmptyName)
}

func TestEntityAliases(t *testing.T) {
	e, err := NewEntity("Acme Corp", "", ts("2024-01-01T00:00:00Z"))
	require.NoError(t, err)

	e.AddAlias("ACME")
	e.AddAlias("ACME")
	e.AddAlias("Acme Corp") // canonical name never becomes an alias
	e.AddAlias("")

	assert.Equal(t, []string{"ACME"}, e.Aliases)
	assert.True(t, e.HasAlias("ACME"))
	assert.False(t, e.HasAlias("acme"))
}

func TestEntityCloneIsDeep(t *testing.T) {
	e, err := NewEntity("Acme Corp", "", ts("2024-01-01T00:00:00Z"))
	require.NoError(t, err)
	e.Attributes = map[string]Value{"hq": StringValue("Berlin")}
	e.Embedding = []float32{0.1, 0.2}
	e.AddAlias("ACME")

	cp := e.Clone()
	cp.Attributes["hq"] = StringValue("Munich")
	cp.Aliases[0] = "changed"
	cp.Embedding[0] = 9

	assert.True(t, e.Attributes["hq"].Equal(StringValue("Berlin")))
	assert.Equal(t, "ACME", e.Aliases[0])
	assert.Equal(t, float32(0.1), e.Embedding[0])
}

func TestRelationshipValidate(t *testing.T) {
	r, err := NewRelationship("a", "b", "works at", "g1", ts("2024-01-01T00:00:00Z"))
	require.NoError(t, err)
	assert.Equal(t, "WORKS_AT", r.Type)
	require.NoError(t, r.Validate())

	r.Confidence = 1.5
	assert.Error(t, r.Validate())

	_, err = NewRelationship("", "b", "WORKS_AT", "", time.Now())
	assert.Error(t, err)
}

func TestRelationshipInvalidate(t *testing.T) {
	r, err := NewRelationship("a", "b", "EMPLOYS", "", ts("2024-01-01T00:00:00Z"))
	require.NoError(t, err)

	cut := ts("2024-06-01T00:00:00Z")
	r.Invalidate(cut, "r2")
	require.NotNil(t, r.InvalidAt)
	assert.True(t, r.InvalidAt.Equal(cut))
	assert.Equal(t, "r2", r.InvalidatedBy)

	// Second close is a no-op.
	r.Invalidate(ts("2024-07-01T00:00:00Z"), "r3")
	assert.True(t, r.InvalidAt.Equal(cut))
	assert.Equal(t, "r2", r.InvalidatedBy)
}

func TestSameAssertion(t *testing.T) {
	r1, _ := NewRelationship("a", "b", "EMPLOYS", "", ts("2024-01-01T00:00:00Z"))
	r1.Provenance = "doc-1"
	r2 := r1.Clone()
	r2.ID = NewID()

	assert.True(t, r1.SameAssertion(r2))
	r2.Provenance = "doc-2"
	assert.False(t, r1.SameAssertion(r2))
}
