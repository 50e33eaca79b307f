// Package session models the single brokerage session owned by a brokergate process.
//
// # State Machine
//
//	unauthenticated -> authenticating -> authenticated -> expiring -> reauthenticating -> authenticated | failed
//
// Additional edges: failed -> authenticating (manual reconnect),
// authenticated -> reauthenticating (manual reconnect), and any state ->
// unauthenticated (logout or gateway restart). Self transitions are no-ops
// that still bump the version.
//
// # Versioning
//
// Every applied update increments Snapshot.Version. Writers that perform
// network I/O take a snapshot first, do the I/O without holding the lock,
// then call Update with the snapshot's version. If anything changed in
// between, Update returns ErrStale and the result is dropped. This keeps a
// slow keep-alive response from overwriting the outcome of a newer login.
package session
