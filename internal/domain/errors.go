package domain

import "errors"

var (
	ErrNotFound = errors.New("not found")
	ErrLockHeld = errors.New("lock already held")

	// ErrDecode marks account bytes that do not match the expected layout or
	// version. Per-account and never fatal.
	ErrDecode = errors.New("decode error")

	// ErrStreamDisconnect is returned when an account subscription stream
	// drops. The cache becomes untrusted until the next full resync.
	ErrStreamDisconnect = errors.New("stream disconnected")

	// ErrSimulation is a program error reported by transaction simulation.
	// Attempts hitting it are never resubmitted.
	ErrSimulation = errors.New("simulation failed")

	// ErrValidityExpired is returned when the validity anchor of a
	// transaction is no longer accepted by the network.
	ErrValidityExpired = errors.New("validity anchor expired")

	// ErrNetwork wraps transport failures talking to the ledger node.
	ErrNetwork = errors.New("network error")

	// ErrConfiguration is fatal at startup.
	ErrConfiguration = errors.New("configuration error")
)
