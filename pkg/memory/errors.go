package memory

import "errors"

var (
	// ErrDegenerateInput is returned for embeddings that are empty or contain NaN/Inf components.
	ErrDegenerateInput = errors.New("degenerate embedding")

	// ErrDimensionMismatch is returned when an embedding's length differs from the store dimension.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")

	// ErrPersistenceUnavailable is returned when the snapshot cannot be written or read from storage.
	ErrPersistenceUnavailable = errors.New("snapshot storage unavailable")

	// ErrPersistenceCorrupt is returned when a snapshot exists but cannot be decoded or fails validation.
	// The in-memory store is left untouched.
	ErrPersistenceCorrupt = errors.New("snapshot corrupt")

	// ErrInvalidParams is returned for tuning parameters outside their documented range.
	ErrInvalidParams = errors.New("invalid memory params")
)
