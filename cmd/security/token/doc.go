// Package token provides refresh-token hashing primitives for Avancira.
//
// It is the single source of truth for how refresh-token secrets are stored.
//
// Storage format:
//   - each token carries a random per-token salt
//   - stored digest is HMAC-SHA256(pepper, salt||secret) when a pepper is configured
//   - without a pepper it falls back to SHA-256(salt||secret) (dev only)
//
// Digests are 64-char hex strings compared in constant time.
package token
