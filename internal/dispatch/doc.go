// Package dispatch runs the federation pipeline of one node.
//
// A mutation enters through NewEvent. When this node is the master of the
// circle, the event goes through verify, manage, broadcast and finally
// result:
//
//  1. The handler verifies the event against local rows and enriches it.
//  2. The handler applies it; the envelope is logged under its token with
//     the next sequence number.
//  3. One outcome wrapper is stored per relevant node and handed to the
//     delivery workers.
//  4. When every wrapper of the token is DONE or OVER, the handler's Result
//     runs once with the outcomes collected so far.
//
// When another node is master, the origin verifies locally and forwards the
// event to the master, which runs the pipeline and broadcasts back to every
// relevant node including the origin.
//
// Events of one circle are applied in the order they take the circle lock.
// There is no order across nodes; the desync checks in the handlers catch
// replicas that drifted apart.
package dispatch
