package types

import (
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewID returns a UUIDv7 so ids sort by creation time. Falls back to a
// random UUIDv4 if the monotonic source fails.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// MergeRecord is one entry in an entity's merge history: a candidate that
// was absorbed into this entity instead of becoming its own record.
type MergeRecord struct {
	AbsorbedName string    `json:"absorbed_name"`
	Provenance   string    `json:"provenance,omitempty"`
	MergedAt     time.Time `json:"merged_at"`
	Score        float64   `json:"score"`
	Reason       string    `json:"reason"`
}

// Entity is a node in the temporal knowledge graph. CreatedAt is transaction
// time (when the system recorded the row, never caller-supplied); ValidAt and
// InvalidAt bound the period the entity is considered to exist in the world.
type Entity struct {
	ID         string           `json:"id"`
	Name       string           `json:"name"`
	Aliases    []string         `json:"aliases,omitempty"`
	Attributes map[string]Value `json:"attributes,omitempty"`
	Embedding  []float32        `json:"embedding,omitempty"`
	GroupID    string           `json:"group_id,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	ValidAt   time.Time  `json:"valid_at"`
	InvalidAt *time.Time `json:"invalid_at,omitempty"`

	// MergedInto points at the surviving entity when this one was absorbed.
	MergedInto   string        `json:"merged_into,omitempty"`
	MergeHistory []MergeRecord `json:"merge_history,omitempty"`
}

// NewEntity stamps transaction time and id and validates the interval.
func NewEntity(name, groupID string, validAt time.Time) (*Entity, error) {
	if strings.TrimSpace(name) == "" {
		return nil, ErrEmptyName
	}
	e := &Entity{
		ID:        NewID(),
		Name:      name,
		GroupID:   groupID,
		CreatedAt: time.Now().UTC(),
		ValidAt:   validAt.UTC(),
	}
	return e, nil
}

func (e *Entity) ValidTime() time.Time    { return e.ValidAt }
func (e *Entity) InvalidTime() *time.Time { return e.InvalidAt }

// Validate checks the invariants that must hold before persisting.
func (e *Entity) Validate() error {
	if strings.TrimSpace(e.Name) == "" {
		return ErrEmptyName
	}
	return CheckInterval(e.ID, e.ValidAt, e.InvalidAt)
}

// HasAlias reports whether name appears among the entity's recorded surface
// forms (case-sensitive; callers normalize first).
func (e *Entity) HasAlias(name string) bool {
	return slices.Contains(e.Aliases, name)
}

// AddAlias records an absorbed surface form, skipping duplicates and the
// canonical name itself.
func (e *Entity) AddAlias(name string) {
	if name == "" || name == e.Name || e.HasAlias(name) {
		return
	}
	e.Aliases = append(e.Aliases, name)
}

// Clone returns a deep copy, used when appending history versions so later
// mutation of the live row cannot reach back into stored versions.
func (e *Entity) Clone() *Entity {
	cp := *e
	cp.Aliases = slices.Clone(e.Aliases)
	cp.Embedding = slices.Clone(e.Embedding)
	cp.MergeHistory = slices.Clone(e.MergeHistory)
	if e.Attributes != nil {
		cp.Attributes = make(map[string]Value, len(e.Attributes))
		for k, v := range e.Attributes {
			cp.Attributes[k] = v
		}
	}
	if e.InvalidAt != nil {
		t := *e.InvalidAt
		cp.InvalidAt = &t
	}
	return &cp
}
