// Package password hashes and verifies Avancira account passwords.
//
// Hashes are Argon2id in the PHC string form
// ($argon2id$v=19$m=..,t=..,p=..$salt$key). Encoded hashes read back from
// storage are treated as untrusted input: Verify refuses parameters far
// above the configured cost.
package password
