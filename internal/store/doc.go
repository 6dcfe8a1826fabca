// Package store provides SQLite-backed durable storage for a node.
//
// Tables:
//   - circles, members: the local copy of circle state
//   - memberships: flattened transitive memberships
//   - events: applied envelopes keyed by correlation token
//   - wrappers: outcome wrappers, one per (token, target node)
//   - finalizations: tokens whose result step already ran
//   - shares, share_notifications: file shares and the recipients already mailed
//
// # Critical Patterns
//
// Idempotent writes:
//   - Every write used by a handler's manage step is an upsert
//     (INSERT ... ON CONFLICT DO UPDATE) or ON CONFLICT DO NOTHING, so
//     redelivered envelopes leave the same state as a single delivery.
//
// Consistent memberships:
//   - Every member write rebuilds the memberships of the circle and of its
//     ancestors in the same transaction.
//
// Deterministic query results:
//   - List queries order by a unique key with COLLATE BINARY.
//
// Terminal wrappers:
//   - UpdateWrapper never changes a wrapper that is DONE or OVER.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
