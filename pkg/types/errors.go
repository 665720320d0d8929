package types

import "errors"

// Error taxonomy. Integrity failures (ErrHashMismatch, ErrIntegrityViolation)
// are distinct from availability failures (ErrNotFound, ErrUnreachable): the
// former mean the bytes are wrong and should be re-fetched from another
// source, the latter mean the content is simply not obtainable right now.
var (
	// ErrEmptyInput is returned when there is nothing to chunk.
	ErrEmptyInput = errors.New("knapsack: empty input")

	// ErrDanglingReference is returned when a chunk is stored for a video the
	// store has never seen.
	ErrDanglingReference = errors.New("knapsack: chunk references unknown video")

	// ErrHashMismatch is returned when a payload's digest does not match its
	// claimed content id. Corruption or an attack; never silently accepted.
	ErrHashMismatch = errors.New("knapsack: payload digest does not match content id")

	// ErrNotFound is returned when a key is absent locally.
	ErrNotFound = errors.New("knapsack: not found")

	// ErrIntegrityViolation is returned when a remote peer's payload fails
	// digest verification. The peer is treated as if it had not responded.
	ErrIntegrityViolation = errors.New("knapsack: remote payload failed verification")

	// ErrTimedOut is returned when an exchange receives no response within
	// its deadline.
	ErrTimedOut = errors.New("knapsack: request timed out")

	// ErrUnreachable is returned when the discovery and retry budget is
	// exhausted without progress.
	ErrUnreachable = errors.New("knapsack: content unreachable, retry budget exhausted")

	// ErrOverlayUnavailable is returned when the DHT overlay cannot be joined
	// or queried at all. The node degrades to local-only operation.
	ErrOverlayUnavailable = errors.New("knapsack: overlay unavailable")
)
