// Package desync detects disagreement between the state an event assumes
// and the state stored on this node.
//
// Detection never resolves anything. A mismatch aborts verification of the
// event with a DESYNC error; reconciliation is the job of a global sync.
package desync
