package cluster

import "fmt"

// ConfigError wraps a malformed or contradictory configuration. It is
// fatal at startup; a reload that fails with it keeps the previous
// configuration.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string { return "config: " + e.Reason }

// AuthError wraps a credential or token rejection from the API.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string { return "auth: " + e.Reason }

// TransportError wraps a network/TLS failure. Transport errors are retried
// per the configured policy; this type represents the error surfaced once
// retries are exhausted.
type TransportError struct {
	Reason string
	Err    error
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transport: %s: %v", e.Reason, e.Err)
	}
	return "transport: " + e.Reason
}

func (e *TransportError) Unwrap() error { return e.Err }

// InventoryError wraps an invariant violation discovered while building the
// Cluster snapshot (missing node for a guest, negative numbers, unknown
// kind, and so on). It fails the current cycle.
type InventoryError struct {
	Reason string
	Err    error
}

func (e *InventoryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("inventory: %s: %v", e.Reason, e.Err)
	}
	return "inventory: " + e.Reason
}

func (e *InventoryError) Unwrap() error { return e.Err }

// PlacementWarning is non-fatal: a constraint could not be fully satisfied
// for one guest. The rest of the plan still proceeds.
type PlacementWarning struct {
	GuestID int
	Reason  string
}

func (e *PlacementWarning) Error() string {
	return fmt.Sprintf("placement warning: guest %d: %s", e.GuestID, e.Reason)
}

// MigrationError wraps a per-move failure, including a poll timeout. The
// plan continues with subsequent moves after one is recorded.
type MigrationError struct {
	GuestID int
	Reason  string
	Err     error
}

func (e *MigrationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("migration: guest %d: %s: %v", e.GuestID, e.Reason, e.Err)
	}
	return fmt.Sprintf("migration: guest %d: %s", e.GuestID, e.Reason)
}

func (e *MigrationError) Unwrap() error { return e.Err }
