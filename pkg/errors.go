package pkg

import "errors"

// Error kinds surfaced by the engine. Callers classify with errors.Is; the
// transport layer maps invalid-input kinds to client errors and the retryable
// kinds to server errors.
var (
	// ErrInvalidCoordinate means lat/lng fell outside [-90,90]/[-180,180]
	ErrInvalidCoordinate = errors.New("invalid coordinate")

	// ErrInvalidMCC means a merchant category code was not exactly 4 digits
	ErrInvalidMCC = errors.New("invalid mcc")

	// ErrInvalidConfidence means a confidence or weight fell outside [0,1]
	ErrInvalidConfidence = errors.New("invalid confidence")

	// ErrSessionNotFound means no session exists for the given ID
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionTerminated means the session is completed, expired or cancelled
	ErrSessionTerminated = errors.New("session terminated")

	// ErrNoPrediction means no usable evidence was available; this is
	// distinct from a system failure so routing logic can tell them apart
	ErrNoPrediction = errors.New("no prediction available")

	// ErrStoreUnavailable means the persistence layer failed; the in-memory
	// state is still consistent and the operation is safe to retry
	ErrStoreUnavailable = errors.New("store unavailable")
)
