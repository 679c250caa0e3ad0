package contradiction

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/soundprediction/chronograph/pkg/store"
	"github.com/soundprediction/chronograph/pkg/types"
)

// Policy selects how detected contradictions are resolved.
type Policy string

const (
	// PolicyNewestWins invalidates conflicting claims with earlier
	// valid_at. Default.
	PolicyNewestWins Policy = "newest_wins"
	// PolicyConfidenceWins keeps the higher-confidence claim; the loser is
	// recorded rejected-on-arrival when it is the newcomer.
	PolicyConfidenceWins Policy = "confidence_wins"
	// PolicyManual flags both sides for review and resolves nothing.
	PolicyManual Policy = "manual"
)

// Known reports whether p names a supported policy.
func (p Policy) Known() bool {
	switch p {
	case PolicyNewestWins, PolicyConfidenceWins, PolicyManual:
		return true
	}
	return false
}

// Conflict is what a ReviewSink receives under the manual policy.
type Conflict struct {
	Candidate *types.Relationship
	Existing  []*types.Relationship
}

// ReviewSink receives conflicts the manual policy defers to humans. The
// sink is host-provided; without one the manual policy is not applicable.
type ReviewSink interface {
	Enqueue(ctx context.Context, c Conflict) error
}

// Outcome reports what Apply did. The candidate is always persisted except
// when the manual policy could not run.
type Outcome struct {
	Candidate *types.Relationship
	// Invalidated are previously-current relationships closed by the
	// candidate.
	Invalidated []*types.Relationship
	// Rejected means the candidate itself was recorded with an empty
	// validity interval and never became current.
	Rejected bool
	// NeedsReview means the manual policy flagged the conflict set.
	NeedsReview bool
}

// Resolver detects and resolves contradictions against a store.
type Resolver struct {
	store  store.Store
	rules  *Rules
	logger *slog.Logger
}

// New builds a Resolver. rules may be nil for same-type-only detection.
func New(s store.Store, rules *Rules, logger *slog.Logger) *Resolver {
	if rules == nil {
		rules = NewRules()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{store: s, rules: rules, logger: logger}
}

// Detect returns the currently-valid relationships on the candidate's
// (from, to) pair whose type equals or is exclusive with the candidate's.
func (r *Resolver) Detect(ctx context.Context, cand *types.Relationship) ([]*types.Relationship, error) {
	typesToCheck := append([]string{cand.Type}, r.rules.ExclusiveWith(cand.Type)...)

	var conflicts []*types.Relationship
	seen := map[string]struct{}{}
	for _, t := range typesToCheck {
		existing, err := r.store.FindRelationships(ctx, store.RelationshipFilter{
			FromID:      cand.FromID,
			ToID:        cand.ToID,
			Type:        t,
			GroupID:     cand.GroupID,
			CurrentOnly: true,
		}, 0)
		if err != nil {
			return nil, err
		}
		for _, e := range existing {
			if e.ID == cand.ID {
				continue
			}
			if _, dup := seen[e.ID]; dup {
				continue
			}
			seen[e.ID] = struct{}{}
			conflicts = append(conflicts, e)
		}
	}
	return conflicts, nil
}

// Apply detects conflicts for cand, resolves them under policy, and
// persists the candidate plus any invalidated incumbents. After Apply, at
// most one currently-valid relationship exists per (from, to, type). The
// exception is manual, where flagged duplicates coexist until reviewed.
func (r *Resolver) Apply(ctx context.Context, cand *types.Relationship, policy Policy, sink ReviewSink) (*Outcome, error) {
	if !policy.Known() {
		return nil, &types.PolicyNotApplicableError{Policy: string(policy), Reason: "unknown policy"}
	}
	if err := cand.Validate(); err != nil {
		return nil, err
	}

	conflicts, err := r.Detect(ctx, cand)
	if err != nil {
		return nil, err
	}

	if len(conflicts) == 0 {
		if err := r.store.PutRelationship(ctx, cand); err != nil {
			return nil, err
		}
		return &Outcome{Candidate: cand}, nil
	}

	switch policy {
	case PolicyNewestWins:
		return r.applyNewestWins(ctx, cand, conflicts)
	case PolicyConfidenceWins:
		return r.applyConfidenceWins(ctx, cand, conflicts)
	default:
		return r.applyManual(ctx, cand, conflicts, sink)
	}
}

func (r *Resolver) applyNewestWins(ctx context.Context, cand *types.Relationship, conflicts []*types.Relationship) (*Outcome, error) {
	out := &Outcome{Candidate: cand}

	// An incumbent with valid_at at or after the candidate's outranks it:
	// the candidate is recorded already closed at the earliest such claim.
	var newer *types.Relationship
	for _, c := range conflicts {
		if c.ValidAt.Before(cand.ValidAt) {
			continue
		}
		if newer == nil || c.ValidAt.Before(newer.ValidAt) {
			newer = c
		}
	}
	if newer != nil {
		cand.Invalidate(newer.ValidAt, newer.ID)
	}
	out.Rejected = cand.Rejected()

	for _, c := range conflicts {
		if c.ValidAt.Before(cand.ValidAt) {
			c.Invalidate(cand.ValidAt, cand.ID)
			if err := r.store.PutRelationship(ctx, c); err != nil {
				return nil, fmt.Errorf("failed to invalidate %s: %w", c.ID, err)
			}
			out.Invalidated = append(out.Invalidated, c)
		}
	}

	if err := r.store.PutRelationship(ctx, cand); err != nil {
		return nil, err
	}

	r.logger.Debug("contradiction resolved",
		"policy", PolicyNewestWins,
		"candidate", cand.ID,
		"invalidated", len(out.Invalidated))
	return out, nil
}

func (r *Resolver) applyConfidenceWins(ctx context.Context, cand *types.Relationship, conflicts []*types.Relationship) (*Outcome, error) {
	out := &Outcome{Candidate: cand}

	best := conflicts[0]
	for _, c := range conflicts[1:] {
		if c.Confidence > best.Confidence {
			best = c
		}
	}

	// Ties favor the incumbent.
	if cand.Confidence > best.Confidence {
		for _, c := range conflicts {
			// A winner may carry an earlier valid_at than the loser; clamp
			// so the closed interval stays well formed.
			at := cand.ValidAt
			if at.Before(c.ValidAt) {
				at = c.ValidAt
			}
			c.Invalidate(at, cand.ID)
			if err := r.store.PutRelationship(ctx, c); err != nil {
				return nil, fmt.Errorf("failed to invalidate %s: %w", c.ID, err)
			}
			out.Invalidated = append(out.Invalidated, c)
		}
	} else {
		// Rejected on arrival: the empty interval [valid_at, valid_at)
		// records the claim without it ever becoming current.
		cand.Invalidate(cand.ValidAt, best.ID)
		out.Rejected = true
	}

	if err := r.store.PutRelationship(ctx, cand); err != nil {
		return nil, err
	}

	r.logger.Debug("contradiction resolved",
		"policy", PolicyConfidenceWins,
		"candidate", cand.ID,
		"rejected", out.Rejected,
		"invalidated", len(out.Invalidated))
	return out, nil
}

func (r *Resolver) applyManual(ctx context.Context, cand *types.Relationship, conflicts []*types.Relationship, sink ReviewSink) (*Outcome, error) {
	if sink == nil {
		return nil, &types.PolicyNotApplicableError{
			Policy: string(PolicyManual),
			Reason: "no review sink configured",
		}
	}

	cand.NeedsReview = true
	for _, c := range conflicts {
		c.NeedsReview = true
		if err := r.store.PutRelationship(ctx, c); err != nil {
			return nil, fmt.Errorf("failed to flag %s for review: %w", c.ID, err)
		}
	}
	if err := r.store.PutRelationship(ctx, cand); err != nil {
		return nil, err
	}

	if err := sink.Enqueue(ctx, Conflict{Candidate: cand, Existing: conflicts}); err != nil {
		return nil, fmt.Errorf("failed to enqueue conflict for review: %w", err)
	}

	r.logger.Info("contradiction deferred to review",
		"candidate", cand.ID,
		"conflicts", len(conflicts))
	return &Outcome{Candidate: cand, NeedsReview: true}, nil
}
