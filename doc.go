// Package chronograph is a temporal knowledge-graph memory core. It stores
// entities and relationships bitemporally: created_at records when a fact
// entered the system, while [valid_at, invalid_at) records when it held in
// the world, so the graph can answer "what did we believe X was at time T"
// as well as "what do we believe now".
//
// The Client coordinates three concerns on top of a pluggable store:
//
//   - entity resolution: incoming mentions are matched by normalized name,
//     then by embedding similarity, and merged into existing entities or
//     created fresh (pkg/resolver);
//   - contradiction handling: mutually exclusive relationship claims are
//     detected via a type-pair rule table and settled by a policy
//     (newest_wins, confidence_wins, or manual review) in pkg/contradiction;
//   - temporal queries: point-in-time reads, full version histories,
//     similarity search and breadth-first traversal (pkg/query).
//
// Nothing is ever deleted: superseded versions stay in an append-only
// history, losing claims are closed rather than removed, and rejected
// claims enter history as empty intervals (invalid_at == valid_at).
//
// Basic use:
//
//	cfg := config.Default()
//	client, err := chronograph.Open(ctx, cfg)
//	if err != nil {
//		return err
//	}
//	defer client.Close()
//
//	res, err := client.Ingest(ctx, chronograph.Batch{
//		GroupID:  "tenant-a",
//		Entities: []chronograph.EntityInput{{Name: "Acme Corp"}},
//	})
package chronograph
