// Package remote is the node registry and trust store.
//
// It knows the local node, every configured remote node with its address,
// shared secret and trust level, and answers which nodes have a stake in a
// circle. Trust gates how much of an event a node receives.
package remote
