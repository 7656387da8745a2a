// Package identity owns Avancira user accounts, credentials and the active
// profile preference (student, tutor or admin).
//
// Session and token state live in cmd/internal/auth/session; this package
// only answers "who is this user and is the password right".
package identity
