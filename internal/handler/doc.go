// Package handler implements one Handler per event kind.
//
// Every handler exposes three steps:
//
//   - Verify validates an event against local state and returns an enriched
//     copy. It runs on every node that applies the event, the origin included.
//   - Manage applies a verified event to local storage. It is an idempotent
//     upsert: redelivery of the same envelope leaves the same stored state.
//   - Result runs once, on the master node of the circle, after every
//     delivery of the event settled. It performs the cross-node side effects
//     such as sending one consolidated mail.
//
// Handlers never call each other and never talk to other nodes. The
// dispatcher is the only caller.
package handler
