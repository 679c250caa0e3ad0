package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	c := Default()

	assert.Equal(t, "badger", c.Store.Driver)
	assert.Equal(t, 0.80, c.Resolver.MergeThreshold)
	assert.Equal(t, "prefer_new", c.Resolver.MergeStrategy)
	assert.Equal(t, "newest_wins", c.Contradiction.DefaultPolicy)
	assert.Equal(t, 5, c.Query.OverfetchFactor)
	assert.Equal(t, 30*time.Second, c.OpTimeout)
	require.NoError(t, c.Validate())
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
store:
  driver: neo4j
  uri: bolt://localhost:7687
resolver:
  merge_threshold: 0.9
contradiction:
  default_policy: confidence_wins
`), 0o644))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "neo4j", c.Store.Driver)
	assert.Equal(t, "bolt://localhost:7687", c.Store.URI)
	assert.Equal(t, 0.9, c.Resolver.MergeThreshold)
	assert.Equal(t, "confidence_wins", c.Contradiction.DefaultPolicy)
	// Untouched keys keep defaults.
	assert.Equal(t, "prefer_new", c.Resolver.MergeStrategy)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CHRONOGRAPH_STORE_DRIVER", "neo4j")
	t.Setenv("NEO4J_URI", "bolt://db:7687")
	t.Setenv("CHRONOGRAPH_CONTRADICTION_POLICY", "manual")

	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "neo4j", c.Store.Driver)
	assert.Equal(t, "bolt://db:7687", c.Store.URI)
	assert.Equal(t, "manual", c.Contradiction.DefaultPolicy)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"threshold too high", func(c *Config) { c.Resolver.MergeThreshold = 1.5 }},
		{"threshold zero", func(c *Config) { c.Resolver.MergeThreshold = 0 }},
		{"unknown strategy", func(c *Config) { c.Resolver.MergeStrategy = "prefer_neither" }},
		{"unknown policy", func(c *Config) { c.Contradiction.DefaultPolicy = "oldest_wins" }},
		{"overfetch below one", func(c *Config) { c.Query.OverfetchFactor = 0 }},
		{"unknown driver", func(c *Config) { c.Store.Driver = "sqlite" }},
		{"unknown provider", func(c *Config) { c.Embedding.Provider = "cohere" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mutate(c)
			assert.Error(t, c.Validate())
		})
	}
}
