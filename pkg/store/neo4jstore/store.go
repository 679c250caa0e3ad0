// Package neo4jstore implements the storage contract on Neo4j via the v5
// driver. Entities and relationships are stored as property nodes with
// version nodes linked by [:VERSION_OF]; similarity search uses the server's
// vector index. Sessions are opened per call and closed before returning.
package neo4jstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/soundprediction/chronograph/pkg/store"
	"github.com/soundprediction/chronograph/pkg/types"
)

const vectorIndexName = "entity_embedding_idx"

// Config holds connection settings for the Neo4j backend.
type Config struct {
	URI      string
	Username string
	Password string
	Database string
	// EmbeddingDimensions sizes the vector index created by EnsureSchema.
	EmbeddingDimensions int
}

// Store is a Neo4j-backed store.Store.
type Store struct {
	driver   neo4j.DriverWithContext
	database string
	logger   *slog.Logger
}

var _ store.Store = (*Store)(nil)

// Open connects and verifies reachability.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	driver, err := neo4j.NewDriverWithContext(cfg.URI, neo4j.BasicAuth(cfg.Username, cfg.Password, ""))
	if err != nil {
		return nil, fmt.Errorf("failed to create neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		return nil, fmt.Errorf("failed to reach neo4j at %s: %w", cfg.URI, err)
	}
	return &Store{driver: driver, database: cfg.Database, logger: logger}, nil
}

// EnsureSchema creates the uniqueness constraints and the vector index. Safe
// to call repeatedly.
func (s *Store) EnsureSchema(ctx context.Context, dimensions int) error {
	stmts := []string{
		"CREATE CONSTRAINT entity_id IF NOT EXISTS FOR (e:Entity) REQUIRE e.id IS UNIQUE",
		"CREATE CONSTRAINT relationship_id IF NOT EXISTS FOR (r:Relationship) REQUIRE r.id IS UNIQUE",
		fmt.Sprintf(`CREATE VECTOR INDEX %s IF NOT EXISTS
			FOR (e:Entity) ON (e.embedding)
			OPTIONS {indexConfig: {`+"`vector.dimensions`"+`: %d, `+"`vector.similarity_function`"+`: 'cosine'}}`,
			vectorIndexName, dimensions),
	}

	session := s.session(ctx)
	defer session.Close(ctx)
	for _, stmt := range stmts {
		if _, err := session.Run(ctx, stmt, nil); err != nil {
			return &types.BackendError{Op: "schema", Collection: "graph", Err: err}
		}
	}
	return nil
}

func (s *Store) Close() error {
	return s.driver.Close(context.Background())
}

func (s *Store) session(ctx context.Context) neo4j.SessionWithContext {
	return s.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: s.database})
}

func entityParams(e *types.Entity) (map[string]any, error) {
	attrs, err := json.Marshal(e.Attributes)
	if err != nil {
		return nil, fmt.Errorf("failed to encode attributes for %s: %w", e.ID, err)
	}
	merges, err := json.Marshal(e.MergeHistory)
	if err != nil {
		return nil, fmt.Errorf("failed to encode merge history for %s: %w", e.ID, err)
	}

	norm := make([]string, 0, 1+len(e.Aliases))
	norm = append(norm, types.NormalizeName(e.Name))
	for _, a := range e.Aliases {
		norm = append(norm, types.NormalizeName(a))
	}

	embedding := make([]float64, len(e.Embedding))
	for i, v := range e.Embedding {
		embedding[i] = float64(v)
	}

	params := map[string]any{
		"id":               e.ID,
		"name":             e.Name,
		"aliases":          e.Aliases,
		"normalized_names": norm,
		"attributes":       string(attrs),
		"embedding":        embedding,
		"group_id":         e.GroupID,
		"created_at":       e.CreatedAt,
		"valid_at":         e.ValidAt,
		"invalid_at":       nilableTime(e.InvalidAt),
		"merged_into":      e.MergedInto,
		"merge_history":    string(merges),
	}
	return params, nil
}

func nilableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

// PutEntity upserts the current node and appends a version node in one
// write transaction.
func (s *Store) PutEntity(ctx context.Context, e *types.Entity) error {
	if err := e.Validate(); err != nil {
		return err
	}
	params, err := entityParams(e)
	if err != nil {
		return err
	}

	session := s.session(ctx)
	defer session.Close(ctx)

	_, err = session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		_, err := tx.Run(ctx, `
			MERGE (e:Entity {id: $id})
			SET e.name = $name,
			    e.aliases = $aliases,
			    e.normalized_names = $normalized_names,
			    e.attributes = $attributes,
			    e.embedding = $embedding,
			    e.group_id = $group_id,
			    e.created_at = $created_at,
			    e.valid_at = $valid_at,
			    e.invalid_at = $invalid_at,
			    e.merged_into = $merged_into,
			    e.merge_history = $merge_history
			WITH e
			OPTIONAL MATCH (v:EntityVersion)-[:VERSION_OF]->(e)
			WITH e, count(v) AS seq
			CREATE (nv:EntityVersion)
			SET nv = properties(e), nv.seq = seq
			CREATE (nv)-[:VERSION_OF]->(e)
		`, params)
		return nil, err
	})
	if err != nil {
		return &types.BackendError{Op: "put", Collection: "entities", Err: err, Retryable: true}
	}
	return nil
}

func entityFromProps(props map[string]any) (*types.Entity, error) {
	e := &types.Entity{
		ID:         asString(props["id"]),
		Name:       asString(props["name"]),
		GroupID:    asString(props["group_id"]),
		MergedInto: asString(props["merged_into"]),
	}
	if aliases, ok := props["aliases"].([]any); ok {
		for _, a := range aliases {
			e.Aliases = append(e.Aliases, asString(a))
		}
	}
	if raw := asString(props["attributes"]); raw != "" && raw != "null" {
		if err := json.Unmarshal([]byte(raw), &e.Attributes); err != nil {
			return nil, fmt.Errorf("failed to decode attributes for %s: %w", e.ID, err)
		}
	}
	if raw := asString(props["merge_history"]); raw != "" && raw != "null" {
		if err := json.Unmarshal([]byte(raw), &e.MergeHistory); err != nil {
			return nil, fmt.Errorf("failed to decode merge history for %s: %w", e.ID, err)
		}
	}
	if emb, ok := props["embedding"].([]any); ok {
		for _, v := range emb {
			if f, ok := v.(float64); ok {
				e.Embedding = append(e.Embedding, float32(f))
			}
		}
	}
	e.CreatedAt = asTime(props["created_at"])
	e.ValidAt = asTime(props["valid_at"])
	if t := props["invalid_at"]; t != nil {
		tt := asTime(t)
		e.InvalidAt = &tt
	}
	return e, nil
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asTime(v any) time.Time {
	if t, ok := v.(time.Time); ok {
		return t.UTC()
	}
	return time.Time{}
}

func asFloat(v any) float64 {
	f, _ := v.(float64)
	return f
}

func asBool(v any) bool {
	b, _ := v.(bool)
	return b
}

func (s *Store) GetEntity(ctx context.Context, id string) (*types.Entity, error) {
	rows, err := s.readProps(ctx,
		"MATCH (e:Entity {id: $id}) RETURN properties(e) AS props",
		map[string]any{"id": id})
	if err != nil {
		return nil, &types.BackendError{Op: "get", Collection: "entities", Err: err, Retryable: true}
	}
	if len(rows) == 0 {
		return nil, &types.NotFoundError{Collection: "entities", ID: id}
	}
	return entityFromProps(rows[0])
}

// FindEntities pushes the name, group and temporal predicates into Cypher.
func (s *Store) FindEntities(ctx context.Context, f store.EntityFilter, limit int) ([]*types.Entity, error) {
	query := "MATCH (e:Entity) WHERE 1=1"
	params := map[string]any{}
	if f.NormalizedName != "" {
		query += " AND $name IN e.normalized_names"
		params["name"] = f.NormalizedName
	}
	if f.GroupID != "" {
		query += " AND e.group_id = $group_id"
		params["group_id"] = f.GroupID
	}
	if f.At != nil {
		query += " AND e.valid_at <= $at AND (e.invalid_at IS NULL OR e.invalid_at > $at)"
		params["at"] = *f.At
	}
	query += " RETURN properties(e) AS props"
	if limit > 0 {
		query += " LIMIT $limit"
		params["limit"] = limit
	}

	rows, err := s.readProps(ctx, query, params)
	if err != nil {
		return nil, &types.BackendError{Op: "find", Collection: "entities", Err: err, Retryable: true}
	}

	out := make([]*types.Entity, 0, len(rows))
	for _, props := range rows {
		e, err := entityFromProps(props)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *Store) readProps(ctx context.Context, query string, params map[string]any) ([]map[string]any, error) {
	session := s.session(ctx)
	defer session.Close(ctx)

	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, query, params)
		if err != nil {
			return nil, err
		}
		records, err := res.Collect(ctx)
		if err != nil {
			return nil, err
		}
		rows := make([]map[string]any, 0, len(records))
		for _, record := range records {
			props, ok := record.Get("props")
			if !ok {
				continue
			}
			rows = append(rows, props.(map[string]any))
		}
		return rows, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]map[string]any), nil
}

func (s *Store) EntityHistory(ctx context.Context, id string) ([]*types.Entity, error) {
	rows, err := s.readProps(ctx, `
		MATCH (v:EntityVersion)-[:VERSION_OF]->(:Entity {id: $id})
		RETURN properties(v) AS props
		ORDER BY v.seq ASC
	`, map[string]any{"id": id})
	if err != nil {
		return nil, &types.BackendError{Op: "history", Collection: "entities", Err: err, Retryable: true}
	}
	if len(rows) == 0 {
		return nil, &types.NotFoundError{Collection: "entities", ID: id}
	}
	out := make([]*types.Entity, 0, len(rows))
	for _, props := range rows {
		e, err := entityFromProps(props)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func relationshipParams(r *types.Relationship) map[string]any {
	return map[string]any{
		"id":             r.ID,
		"from_id":        r.FromID,
		"to_id":          r.ToID,
		"type":           r.Type,
		"group_id":       r.GroupID,
		"confidence":     r.Confidence,
		"provenance":     r.Provenance,
		"created_at":     r.CreatedAt,
		"valid_at":       r.ValidAt,
		"invalid_at":     nilableTime(r.InvalidAt),
		"invalidated_by": r.InvalidatedBy,
		"needs_review":   r.NeedsReview,
	}
}

func relationshipFromProps(props map[string]any) *types.Relationship {
	r := &types.Relationship{
		ID:            asString(props["id"]),
		FromID:        asString(props["from_id"]),
		ToID:          asString(props["to_id"]),
		Type:          asString(props["type"]),
		GroupID:       asString(props["group_id"]),
		Confidence:    asFloat(props["confidence"]),
		Provenance:    asString(props["provenance"]),
		InvalidatedBy: asString(props["invalidated_by"]),
		NeedsReview:   asBool(props["needs_review"]),
	}
	r.CreatedAt = asTime(props["created_at"])
	r.ValidAt = asTime(props["valid_at"])
	if t := props["invalid_at"]; t != nil {
		tt := asTime(t)
		r.InvalidAt = &tt
	}
	return r
}

func (s *Store) PutRelationship(ctx context.Context, r *types.Relationship) error {
	if err := r.Validate(); err != nil {
		return err
	}

	session := s.session(ctx)
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		_, err := tx.Run(ctx, `
			MERGE (r:Relationship {id: $id})
			SET r.from_id = $from_id,
			    r.to_id = $to_id,
			    r.type = $type,
			    r.group_id = $group_id,
			    r.confidence = $confidence,
			    r.provenance = $provenance,
			    r.created_at = $created_at,
			    r.valid_at = $valid_at,
			    r.invalid_at = $invalid_at,
			    r.invalidated_by = $invalidated_by,
			    r.needs_review = $needs_review
			WITH r
			OPTIONAL MATCH (v:RelationshipVersion)-[:VERSION_OF]->(r)
			WITH r, count(v) AS seq
			CREATE (nv:RelationshipVersion)
			SET nv = properties(r), nv.seq = seq
			CREATE (nv)-[:VERSION_OF]->(r)
		`, relationshipParams(r))
		return nil, err
	})
	if err != nil {
		return &types.BackendError{Op: "put", Collection: "relationships", Err: err, Retryable: true}
	}
	return nil
}

func (s *Store) GetRelationship(ctx context.Context, id string) (*types.Relationship, error) {
	rows, err := s.readProps(ctx,
		"MATCH (r:Relationship {id: $id}) RETURN properties(r) AS props",
		map[string]any{"id": id})
	if err != nil {
		return nil, &types.BackendError{Op: "get", Collection: "relationships", Err: err, Retryable: true}
	}
	if len(rows) == 0 {
		return nil, &types.NotFoundError{Collection: "relationships", ID: id}
	}
	return relationshipFromProps(rows[0]), nil
}

func (s *Store) FindRelationships(ctx context.Context, f store.RelationshipFilter, limit int) ([]*types.Relationship, error) {
	query := "MATCH (r:Relationship) WHERE 1=1"
	params := map[string]any{}
	if f.FromID != "" {
		query += " AND r.from_id = $from_id"
		params["from_id"] = f.FromID
	}
	if f.ToID != "" {
		query += " AND r.to_id = $to_id"
		params["to_id"] = f.ToID
	}
	if f.Type != "" {
		query += " AND r.type = $type"
		params["type"] = f.Type
	}
	if f.GroupID != "" {
		query += " AND r.group_id = $group_id"
		params["group_id"] = f.GroupID
	}
	if f.CurrentOnly {
		query += " AND r.invalid_at IS NULL"
	}
	if f.At != nil {
		query += " AND r.valid_at <= $at AND (r.invalid_at IS NULL OR r.invalid_at > $at)"
		params["at"] = *f.At
	}
	query += " RETURN properties(r) AS props"
	if limit > 0 {
		query += " LIMIT $limit"
		params["limit"] = limit
	}

	rows, err := s.readProps(ctx, query, params)
	if err != nil {
		return nil, &types.BackendError{Op: "find", Collection: "relationships", Err: err, Retryable: true}
	}
	out := make([]*types.Relationship, 0, len(rows))
	for _, props := range rows {
		out = append(out, relationshipFromProps(props))
	}
	return out, nil
}

func (s *Store) RelationshipHistory(ctx context.Context, id string) ([]*types.Relationship, error) {
	rows, err := s.readProps(ctx, `
		MATCH (v:RelationshipVersion)-[:VERSION_OF]->(:Relationship {id: $id})
		RETURN properties(v) AS props
		ORDER BY v.seq ASC
	`, map[string]any{"id": id})
	if err != nil {
		return nil, &types.BackendError{Op: "history", Collection: "relationships", Err: err, Retryable: true}
	}
	if len(rows) == 0 {
		return nil, &types.NotFoundError{Collection: "relationships", ID: id}
	}
	out := make([]*types.Relationship, 0, len(rows))
	for _, props := range rows {
		out = append(out, relationshipFromProps(props))
	}
	return out, nil
}

// SimilarEntities queries the vector index. Scores come back normalized to
// [0,1] by the server; no filters are applied here (see the storage contract
// note on composability).
func (s *Store) SimilarEntities(ctx context.Context, embedding []float32, k int) ([]store.ScoredEntity, error) {
	if len(embedding) == 0 || k <= 0 {
		return nil, nil
	}
	vec := make([]float64, len(embedding))
	for i, v := range embedding {
		vec[i] = float64(v)
	}

	session := s.session(ctx)
	defer session.Close(ctx)

	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
			CALL db.index.vector.queryNodes($index, $k, $vec)
			YIELD node, score
			RETURN properties(node) AS props, score
		`, map[string]any{"index": vectorIndexName, "k": k, "vec": vec})
		if err != nil {
			return nil, err
		}
		records, err := res.Collect(ctx)
		if err != nil {
			return nil, err
		}
		hits := make([]store.ScoredEntity, 0, len(records))
		for _, record := range records {
			props, _ := record.Get("props")
			score, _ := record.Get("score")
			e, err := entityFromProps(props.(map[string]any))
			if err != nil {
				return nil, err
			}
			hits = append(hits, store.ScoredEntity{Entity: e, Score: asFloat(score)})
		}
		return hits, nil
	})
	if err != nil {
		return nil, &types.BackendError{Op: "similarity", Collection: "entities", Err: err, Retryable: true}
	}
	return result.([]store.ScoredEntity), nil
}
