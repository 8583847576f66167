// Package wkerr defines the error-kind taxonomy shared across the WiFiKey core.
//
// Call sites wrap one of these sentinels with fmt.Errorf("...: %w", wkerr.ErrX) so that
// callers can classify a failure with errors.Is without parsing strings.
package wkerr

import "errors"

var (
	// ErrTransient marks broker/STUN/UDP I/O failures. Logged and retried with backoff, never fatal.
	ErrTransient = errors.New("transient network error")

	// ErrAuth marks a handshake digest mismatch. The session is closed and the peer is not
	// retried for at least 5 seconds.
	ErrAuth = errors.New("authentication failed")

	// ErrProtocol marks a malformed frame, oversized edge list, or bad length. The datagram
	// is dropped; repeated violations close the session.
	ErrProtocol = errors.New("protocol violation")

	// ErrWatchdog marks a watchdog trip: a real-world safety event that forces key-up.
	ErrWatchdog = errors.New("watchdog trip")

	// ErrOverflow marks a saturated bounded channel, an unrecoverable timing inconsistency
	// that triggers a session reset.
	ErrOverflow = errors.New("internal channel overflow")

	// ErrClosed marks an operation attempted on an already-closed session or transport.
	ErrClosed = errors.New("session closed")
)
