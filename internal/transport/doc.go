// Package transport moves envelopes and results between nodes.
//
// Three endpoints make up the federation protocol:
//
//	POST /federation/v1/event    master broadcasts an event to a relevant node
//	POST /federation/v1/forward  a non-master origin hands an event to the master
//	POST /federation/v1/result   a node reports the outcome of an async event
//
// Every request names its sender in the X-Circles-Node header and is signed
// with HMAC-SHA256 over the request body in X-Circles-Signature when the
// pair of nodes shares a secret. HIGH severity events are refused unsigned.
//
// A remote rejection (validation or desync) is not a transport error: it
// travels back as a result bag carrying the error code. Transport errors
// only ever change the state of an outcome wrapper.
//
// Client is the HTTP implementation of Sender, Server the HTTP front of a
// Receiver, and Network an in-memory loopback used by tests and scenarios.
package transport
