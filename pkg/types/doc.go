// Package types defines the bitemporal graph model shared by every
// chronograph component: entities, typed relationships, the tagged attribute
// value union, validity-interval predicates, and the error taxonomy.
//
// Every record carries two timelines. Transaction time (created_at) is when
// the system learned a fact and is stamped by constructors, never by
// callers. Valid time ([valid_at, invalid_at)) is when the fact held in the
// world; a nil invalid_at means the fact is still current. Records are never
// deleted on contradiction, only closed, so history is append-only.
package types
