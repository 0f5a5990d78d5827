package storage

import "errors"

var (
	ErrQdrantUnreachable = errors.New("qdrant server unreachable")
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
	ErrParentNotFound    = errors.New("parent chunk not found")
	// ErrModelMismatch means the configured embedding model differs from the
	// model recorded at indexing time. Searching across models silently
	// returns garbage, so this is a hard error.
	ErrModelMismatch = errors.New("embedding model mismatch between query and index")
)
