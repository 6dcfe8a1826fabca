// Package event defines the federated event envelope exchanged between
// nodes, the outcome wrappers that track its delivery to each node, and the
// error taxonomy shared by handlers, the dispatcher and the transport.
//
// A FederatedEvent is a value. Pipeline stages never mutate the envelope
// they receive: Verify returns an enriched copy, Manage consumes it and
// returns the per-node result bag.
//
// Envelopes cross node boundaries as JSON. Export always produces RFC 8785
// canonical JSON so that signatures and fingerprints agree on every node.
// Import is strict: unknown kinds, unknown fields and payloads failing their
// validation rules are rejected before any handler runs.
package event
