package types

import (
	"fmt"
	"strings"
	"time"
)

// Relationship is a typed, directed edge between two entities. Like Entity
// it is bitemporal: CreatedAt is transaction time, [ValidAt, InvalidAt) is
// world time. An invalidated relationship keeps its row; InvalidatedBy links
// to the relationship that superseded it so the audit chain survives.
type Relationship struct {
	ID      string `json:"id"`
	FromID  string `json:"from_id"`
	ToID    string `json:"to_id"`
	Type    string `json:"type"`
	GroupID string `json:"group_id,omitempty"`

	// Confidence in [0,1], supplied by the upstream extraction service.
	Confidence float64 `json:"confidence"`
	// Provenance identifies the source document or ingestion run.
	Provenance string `json:"provenance,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	ValidAt   time.Time  `json:"valid_at"`
	InvalidAt *time.Time `json:"invalid_at,omitempty"`

	InvalidatedBy string `json:"invalidated_by,omitempty"`
	NeedsReview   bool   `json:"needs_review,omitempty"`
}

// NewRelationship stamps id and transaction time. Type is uppercased to the
// conventional edge-type form.
func NewRelationship(fromID, toID, relType, groupID string, validAt time.Time) (*Relationship, error) {
	if fromID == "" || toID == "" {
		return nil, fmt.Errorf("relationship endpoints must be set: %w", ErrNotFound)
	}
	if strings.TrimSpace(relType) == "" {
		return nil, fmt.Errorf("relationship type must not be empty")
	}
	return &Relationship{
		ID:         NewID(),
		FromID:     fromID,
		ToID:       toID,
		Type:       NormalizeRelType(relType),
		GroupID:    groupID,
		Confidence: 1.0,
		CreatedAt:  time.Now().UTC(),
		ValidAt:    validAt.UTC(),
	}, nil
}

// NormalizeRelType maps a type string to canonical UPPER_SNAKE form.
func NormalizeRelType(t string) string {
	t = strings.TrimSpace(t)
	t = strings.Join(strings.Fields(t), "_")
	return strings.ToUpper(t)
}

func (r *Relationship) ValidTime() time.Time    { return r.ValidAt }
func (r *Relationship) InvalidTime() *time.Time { return r.InvalidAt }

// Validate checks the invariants that must hold before persisting.
func (r *Relationship) Validate() error {
	if r.FromID == "" || r.ToID == "" {
		return fmt.Errorf("relationship %s endpoints must be set", r.ID)
	}
	if r.Type == "" {
		return fmt.Errorf("relationship %s type must not be empty", r.ID)
	}
	if r.Confidence < 0 || r.Confidence > 1 {
		return fmt.Errorf("relationship %s confidence %v outside [0,1]", r.ID, r.Confidence)
	}
	return CheckInterval(r.ID, r.ValidAt, r.InvalidAt)
}

// SameAssertion reports whether other makes the identical claim: same
// endpoints, type and provenance. Re-ingesting an identical assertion is a
// no-op for the coordinator.
func (r *Relationship) SameAssertion(other *Relationship) bool {
	return r.FromID == other.FromID &&
		r.ToID == other.ToID &&
		r.Type == other.Type &&
		r.Provenance == other.Provenance
}

// Invalidate closes the validity interval at t and records the superseding
// relationship. No-op if already closed.
func (r *Relationship) Invalidate(t time.Time, byID string) {
	if r.InvalidAt != nil {
		return
	}
	utc := t.UTC()
	r.InvalidAt = &utc
	r.InvalidatedBy = byID
}

// Rejected reports whether the relationship was recorded rejected-on-arrival
// (empty validity interval).
func (r *Relationship) Rejected() bool {
	return r.InvalidAt != nil && r.InvalidAt.Equal(r.ValidAt)
}

// Clone returns a deep copy for history snapshots.
func (r *Relationship) Clone() *Relationship {
	cp := *r
	if r.InvalidAt != nil {
		t := *r.InvalidAt
		cp.InvalidAt = &t
	}
	return &cp
}
