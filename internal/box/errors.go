package box

import "errors"

// Error taxonomy for the storage layer. Callers match with errors.Is; all
// deeper errors are wrapped around exactly one of these sentinels so the
// class survives wrapping.
var (
	// ErrNameConflict means an insert collided with an existing entry of a
	// different kind under the same name. Never retried automatically.
	ErrNameConflict = errors.New("name conflict")

	// ErrNotFound means a lookup, navigation step or version-chain read found
	// nothing. Callers use it to decide "bootstrap a new index" vs. "broken".
	ErrNotFound = errors.New("not found")

	// ErrStorageFault means local metadata corruption or an unexpected write
	// count on an append/insert. Fatal for the current operation, not retried.
	ErrStorageFault = errors.New("storage fault")

	// ErrConcurrentModification means a commit-time version-head mismatch that
	// persisted after one replay-and-retry. The caller must reload.
	ErrConcurrentModification = errors.New("concurrent modification")

	// ErrTransportFault means the remote block store failed. Retryable at the
	// granularity of the Navigator call that triggered it.
	ErrTransportFault = errors.New("transport fault")
)
