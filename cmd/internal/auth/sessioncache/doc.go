// Package sessioncache holds rebuildable projections of session state:
// SessionTokenInfo entries consulted on every authenticated request and the
// BFF's server-side token sets. Nothing here is a source of truth; any entry
// can be dropped and reloaded from the session store.
package sessioncache
