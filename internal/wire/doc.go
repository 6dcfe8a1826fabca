// Package wire provides the typed values that travel inside federated
// envelopes, and the canonical encoding used to sign and fingerprint them.
//
// This package imports nothing internal. Every other package that needs a
// free-form data bag (the internal and result bags of an envelope) uses
// wire.Bag, whose keys carry a declared type: a key written as a string
// cannot be read, or overwritten, as an int. Protocol drift between two node
// versions therefore fails loudly on the first access instead of coercing.
//
// Key design constraints:
//   - NO float types - numbers are int64 only
//   - Canonical JSON follows RFC 8785 (UTF-16 key order, NFC strings, no HTML escaping)
//   - Digests are SHA-256 with a domain prefix and a NUL separator
package wire
