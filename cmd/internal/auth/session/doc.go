// Package session implements Avancira's session and token lifecycle.
//
// A login creates a Session row and its first refresh token in one
// transaction and returns a short-lived access token (JWT or PASETO v4).
// Refresh tokens are opaque "<id>.<secret>" strings; only a salted
// HMAC-SHA256 of the secret is stored. Each refresh rotates the token under
// a row lock, so a token can be exchanged at most once. Presenting a rotated
// token again outside a short grace window is treated as theft and revokes
// the session.
//
// Access-token validation consults the session cache first and falls back
// to the store, so revocations take effect before access tokens expire.
package session
