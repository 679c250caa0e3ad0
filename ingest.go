package chronograph

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/soundprediction/chronograph/pkg/contradiction"
	"github.com/soundprediction/chronograph/pkg/resolver"
	"github.com/soundprediction/chronograph/pkg/store"
	"github.com/soundprediction/chronograph/pkg/types"
)

// EntityInput is one entity mention in a batch.
type EntityInput struct {
	Name       string
	Attributes map[string]types.Value
	// Embedding is optional; when absent and an embedder is configured,
	// one is computed during resolution.
	Embedding  []float32
	Provenance string
	// ObservedAt overrides the batch ObservedAt for this mention.
	ObservedAt time.Time
}

// RelationshipInput is one relationship assertion in a batch. From and To
// accept either an entity id or an entity name; names are resolved against
// the batch's own entities first, then the store.
type RelationshipInput struct {
	From string
	To   string
	Type string
	// Confidence in [0,1]; nil defaults to 1.0. A pointer so an explicit
	// zero is distinguishable from "not supplied".
	Confidence *float64
	Provenance string
	// ValidAt defaults to the batch ObservedAt.
	ValidAt time.Time
}

// Batch is one ingestion call. Entities are resolved before relationships
// so assertions can reference entities introduced in the same batch.
type Batch struct {
	GroupID string
	// ObservedAt is the default valid_at for the batch; zero means now.
	ObservedAt    time.Time
	Entities      []EntityInput
	Relationships []RelationshipInput
	// Policy overrides the client's default contradiction policy.
	Policy contradiction.Policy
	// Sink overrides the client's review sink for this batch.
	Sink contradiction.ReviewSink
}

// Status classifies one item's outcome.
type Status string

const (
	StatusCreated   Status = "created"
	StatusMerged    Status = "merged"
	StatusUnchanged Status = "unchanged"
	StatusRejected  Status = "rejected"
	StatusFlagged   Status = "flagged"
	StatusFailed    Status = "failed"
)

// EntityOutcome reports one entity mention's fate.
type EntityOutcome struct {
	Name     string
	Status   Status
	Entity   *types.Entity
	Score    float64
	Degraded bool
	Err      error
}

// RelationshipOutcome reports one assertion's fate.
type RelationshipOutcome struct {
	From, To, Type string
	Status         Status
	Relationship   *types.Relationship
	// Invalidated lists ids of incumbents this assertion closed.
	Invalidated []string
	Err         error
}

// IngestResult aggregates per-item outcomes. A failed item never aborts the
// batch; callers inspect Failed and the per-item Err fields.
type IngestResult struct {
	Entities      []EntityOutcome
	Relationships []RelationshipOutcome

	Created     int
	Merged      int
	Unchanged   int
	Invalidated int
	Rejected    int
	Flagged     int
	Failed      int
}

// Ingest runs a batch: entities first, then relationships. Work on the
// same entity key is serialized through the client's lock table; batches
// touching disjoint keys run concurrently. Returns an error only when the
// batch as a whole cannot proceed (cancelled context, unusable policy).
func (c *Client) Ingest(ctx context.Context, batch Batch) (*IngestResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	policy := batch.Policy
	if policy == "" {
		policy = c.policy
	}
	if !policy.Known() {
		return nil, &types.PolicyNotApplicableError{Policy: string(policy), Reason: "unknown policy"}
	}

	observedAt := batch.ObservedAt
	if observedAt.IsZero() {
		observedAt = time.Now().UTC()
	}

	sink := batch.Sink
	if sink == nil {
		sink = c.sink
	}

	result := &IngestResult{}
	// Names resolved in this batch, keyed by normalized name, so
	// relationship endpoints can reference batch-local entities without a
	// store round trip.
	resolved := make(map[string]string)

	for _, in := range batch.Entities {
		outcome := c.ingestEntity(ctx, in, batch.GroupID, observedAt)
		result.Entities = append(result.Entities, outcome)
		result.count(outcome.Status)
		if outcome.Entity != nil {
			resolved[types.NormalizeName(in.Name)] = outcome.Entity.ID
		}
	}

	for _, in := range batch.Relationships {
		outcome := c.ingestRelationship(ctx, in, batch.GroupID, observedAt, policy, sink, resolved)
		result.Relationships = append(result.Relationships, outcome)
		result.count(outcome.Status)
		result.Invalidated += len(outcome.Invalidated)
	}

	c.logger.Info("batch ingested",
		"group_id", batch.GroupID,
		"entities", len(batch.Entities),
		"relationships", len(batch.Relationships),
		"created", result.Created,
		"merged", result.Merged,
		"unchanged", result.Unchanged,
		"invalidated", result.Invalidated,
		"rejected", result.Rejected,
		"failed", result.Failed)
	return result, nil
}

func (r *IngestResult) count(s Status) {
	switch s {
	case StatusCreated:
		r.Created++
	case StatusMerged:
		r.Merged++
	case StatusUnchanged:
		r.Unchanged++
	case StatusRejected:
		r.Rejected++
	case StatusFlagged:
		r.Flagged++
	case StatusFailed:
		r.Failed++
	}
}

func entityLockKey(groupID, normName string) string {
	return "entity/" + groupID + "/" + normName
}

func (c *Client) ingestEntity(ctx context.Context, in EntityInput, groupID string, observedAt time.Time) EntityOutcome {
	outcome := EntityOutcome{Name: in.Name}

	norm := types.NormalizeName(in.Name)
	if norm == "" {
		outcome.Status = StatusFailed
		outcome.Err = types.ErrEmptyName
		return outcome
	}

	unlock := c.locks.lock(entityLockKey(groupID, norm))
	defer unlock()

	opCtx, cancel := c.opContext(ctx)
	defer cancel()

	observed := in.ObservedAt
	if observed.IsZero() {
		observed = observedAt
	}

	out, err := c.resolver.Resolve(opCtx, resolver.Candidate{
		Name:       in.Name,
		Attributes: in.Attributes,
		Embedding:  in.Embedding,
		GroupID:    groupID,
		Provenance: in.Provenance,
		ObservedAt: observed,
	})
	if err != nil {
		outcome.Status = StatusFailed
		outcome.Err = err
		return outcome
	}

	outcome.Entity = out.Entity
	outcome.Score = out.Score
	outcome.Degraded = out.Degraded
	if out.Merged {
		outcome.Status = StatusMerged
	} else {
		outcome.Status = StatusCreated
	}
	return outcome
}

func (c *Client) ingestRelationship(ctx context.Context, in RelationshipInput, groupID string, observedAt time.Time, policy contradiction.Policy, sink contradiction.ReviewSink, resolved map[string]string) RelationshipOutcome {
	outcome := RelationshipOutcome{From: in.From, To: in.To, Type: types.NormalizeRelType(in.Type)}

	fromID, err := c.endpointID(ctx, in.From, groupID, resolved)
	if err != nil {
		outcome.Status = StatusFailed
		outcome.Err = fmt.Errorf("from endpoint %q: %w", in.From, err)
		return outcome
	}
	toID, err := c.endpointID(ctx, in.To, groupID, resolved)
	if err != nil {
		outcome.Status = StatusFailed
		outcome.Err = fmt.Errorf("to endpoint %q: %w", in.To, err)
		return outcome
	}

	validAt := in.ValidAt
	if validAt.IsZero() {
		validAt = observedAt
	}

	rel, err := types.NewRelationship(fromID, toID, in.Type, groupID, validAt)
	if err != nil {
		outcome.Status = StatusFailed
		outcome.Err = err
		return outcome
	}
	if in.Confidence != nil {
		rel.Confidence = *in.Confidence
	}
	rel.Provenance = in.Provenance

	// Both endpoints locked in sorted order; see keyedMutex.lockAll.
	unlock := c.locks.lockAll("rel/"+fromID, "rel/"+toID)
	defer unlock()

	opCtx, cancel := c.opContext(ctx)
	defer cancel()

	// Idempotence: the identical currently-valid assertion is a no-op.
	existing, err := c.store.FindRelationships(opCtx, store.RelationshipFilter{
		FromID:      fromID,
		ToID:        toID,
		Type:        rel.Type,
		GroupID:     groupID,
		CurrentOnly: true,
	}, 0)
	if err != nil {
		outcome.Status = StatusFailed
		outcome.Err = err
		return outcome
	}
	for _, e := range existing {
		if e.SameAssertion(rel) {
			outcome.Status = StatusUnchanged
			outcome.Relationship = e
			return outcome
		}
	}

	out, err := c.contradictions.Apply(opCtx, rel, policy, sink)
	if err != nil {
		outcome.Status = StatusFailed
		outcome.Err = err
		return outcome
	}

	outcome.Relationship = out.Candidate
	for _, inv := range out.Invalidated {
		outcome.Invalidated = append(outcome.Invalidated, inv.ID)
	}
	switch {
	case out.Rejected:
		outcome.Status = StatusRejected
	case out.NeedsReview:
		outcome.Status = StatusFlagged
	default:
		outcome.Status = StatusCreated
	}
	return outcome
}

// endpointID maps an id-or-name reference to an entity id: batch-local
// names first, then the store by id, then the store by normalized name.
func (c *Client) endpointID(ctx context.Context, ref, groupID string, resolved map[string]string) (string, error) {
	if ref == "" {
		return "", types.ErrNotFound
	}
	if id, ok := resolved[types.NormalizeName(ref)]; ok {
		return id, nil
	}

	opCtx, cancel := c.opContext(ctx)
	defer cancel()

	if e, err := c.store.GetEntity(opCtx, ref); err == nil {
		return e.ID, nil
	} else if !errors.Is(err, types.ErrNotFound) {
		return "", err
	}

	matches, err := c.store.FindEntities(opCtx, store.EntityFilter{
		NormalizedName: types.NormalizeName(ref),
		GroupID:        groupID,
	}, 0)
	if err != nil {
		return "", err
	}
	for _, e := range matches {
		if e.MergedInto != "" || !types.IsCurrent(e) {
			continue
		}
		return e.ID, nil
	}
	return "", &types.NotFoundError{Collection: "entities", ID: ref}
}

// ResolvePreview runs the resolution pipeline without writing, reporting
// whether the candidate would merge or create and at what score.
func (c *Client) ResolvePreview(ctx context.Context, in EntityInput, groupID string) (*resolver.Outcome, error) {
	opCtx, cancel := c.opContext(ctx)
	defer cancel()

	return c.resolver.Preview(opCtx, resolver.Candidate{
		Name:       in.Name,
		Attributes: in.Attributes,
		Embedding:  in.Embedding,
		GroupID:    groupID,
		Provenance: in.Provenance,
		ObservedAt: in.ObservedAt,
	})
}

// MergeEntities explicitly folds absorbed into survivor, closing the
// absorbed entity and redirecting future point-in-time reads.
func (c *Client) MergeEntities(ctx context.Context, survivorID, absorbedID string, mergedAt time.Time) (*types.Entity, error) {
	unlock := c.locks.lockAll("rel/"+survivorID, "rel/"+absorbedID)
	defer unlock()

	opCtx, cancel := c.opContext(ctx)
	defer cancel()
	return c.resolver.MergeEntities(opCtx, survivorID, absorbedID, mergedAt)
}
