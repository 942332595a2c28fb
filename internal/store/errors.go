package store

import "errors"

// Sentinel errors returned by store operations. Callers should match
// with errors.Is rather than string comparison.
var (
	// ErrNotFound indicates the referenced node, edge, episode, skill or
	// pattern does not exist (or is not valid at the requested time).
	ErrNotFound = errors.New("store: not found")

	// ErrDimensionMismatch indicates an embedding vector whose length does
	// not match the store's configured dimensionality.
	ErrDimensionMismatch = errors.New("store: embedding dimension mismatch")

	// ErrInvalidTemporalRange indicates an attempt to close a temporal
	// interval before it opened.
	ErrInvalidTemporalRange = errors.New("store: invalid temporal range")

	// ErrConstraintViolation indicates input that violates a structural
	// rule (self-loop edge, empty identifier, negative step index).
	ErrConstraintViolation = errors.New("store: constraint violation")

	// ErrTimeout indicates a search was cut short by its context deadline.
	ErrTimeout = errors.New("store: operation timed out")

	// ErrConsolidationInProgress indicates a consolidation cycle is already
	// running. This is a benign skip, not a failure.
	ErrConsolidationInProgress = errors.New("store: consolidation already in progress")
)
