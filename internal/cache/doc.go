// Package cache implements the Facade of spec.md §4.6: the single entry
// point that owns the routing policy between internal/l1 and internal/l2,
// the large-value threshold, TTL registration, and the facade's background
// maintenance tasks (stats publisher, performance logger, TTL sweeper).
//
// The package is adapted from the teacher's internal/cache — TieredCache's
// L1/L2 routing skeleton generalized from a Redis-backed L2 to internal/l2,
// and from tag-based invalidation to the five l2_write_strategy values this
// spec defines.
package cache
