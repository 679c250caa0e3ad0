// Package contradiction detects relationships that cannot both hold and
// resolves them under one of three policies: newest_wins, confidence_wins,
// or manual review. Detection is driven by an explicit type-pair exclusion
// table; nothing is inferred from type names.
package contradiction

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/soundprediction/chronograph/pkg/types"
)

// Rules is a symmetric lookup table of mutually exclusive relationship
// types. A type always conflicts with itself for the same (from, to) pair;
// the table adds cross-type exclusions like WORKS_AT vs RETIRED_FROM.
type Rules struct {
	exclusive map[string]map[string]bool
}

// NewRules returns an empty table (same-type conflicts still apply).
func NewRules() *Rules {
	return &Rules{exclusive: make(map[string]map[string]bool)}
}

// AddExclusive marks a and b as mutually exclusive, symmetrically.
func (r *Rules) AddExclusive(a, b string) {
	a = types.NormalizeRelType(a)
	b = types.NormalizeRelType(b)
	if a == "" || b == "" {
		return
	}
	if r.exclusive[a] == nil {
		r.exclusive[a] = make(map[string]bool)
	}
	if r.exclusive[b] == nil {
		r.exclusive[b] = make(map[string]bool)
	}
	r.exclusive[a][b] = true
	r.exclusive[b][a] = true
}

// Conflicts reports whether types a and b are mutually exclusive. Equal
// types always conflict.
func (r *Rules) Conflicts(a, b string) bool {
	a = types.NormalizeRelType(a)
	b = types.NormalizeRelType(b)
	if a == b {
		return true
	}
	return r.exclusive[a][b]
}

// ExclusiveWith returns the types the table marks exclusive with t, not
// including t itself.
func (r *Rules) ExclusiveWith(t string) []string {
	t = types.NormalizeRelType(t)
	out := make([]string, 0, len(r.exclusive[t]))
	for other := range r.exclusive[t] {
		out = append(out, other)
	}
	return out
}

type rulesFile struct {
	Pairs [][]string `yaml:"pairs"`
}

// LoadRules reads an exclusion table from YAML:
//
//	pairs:
//	  - [WORKS_AT, RETIRED_FROM]
//	  - [LOCATED_IN, CLOSED_DOWN]
func LoadRules(path string) (*Rules, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file %q: %w", path, err)
	}
	return ParseRules(raw)
}

// ParseRules parses YAML rule content.
func ParseRules(raw []byte) (*Rules, error) {
	var f rulesFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("failed to parse rules: %w", err)
	}
	rules := NewRules()
	for i, pair := range f.Pairs {
		if len(pair) != 2 {
			return nil, fmt.Errorf("rules pair %d has %d elements, want 2", i, len(pair))
		}
		rules.AddExclusive(pair[0], pair[1])
	}
	return rules, nil
}
