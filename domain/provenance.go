package domain

// Provenance tags an entity copy with where it came from relative to the
// authoritative backend.
type Provenance string

const (
	// PendingLocal marks an optimistic local mutation that the backend has
	// not confirmed yet.
	PendingLocal Provenance = "pending-local"
	// Confirmed marks a representation that originated from the backend,
	// either a gateway response or a push relay.
	Confirmed Provenance = "confirmed"
	// RollingBack marks an entity whose optimistic mutation failed and is
	// being reverted to its last confirmed state.
	RollingBack Provenance = "rolling-back"
	// Failed is the terminal state of a local send whose retries were
	// exhausted; it stays visible until the user retries explicitly.
	Failed Provenance = "failed"
)
