// Package store defines the minimal storage contract the memory core needs:
// insert-or-replace with version history, id lookup, filtered queries with
// temporal push-down, and embedding similarity search. Backends live in the
// badgerstore and neo4jstore subpackages; everything above this contract is
// backend-agnostic.
package store
