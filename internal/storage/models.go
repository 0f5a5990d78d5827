package storage

// Parent is a coarse chunk stored for context delivery. Parents carry no
// embedding vector; they are fetched by ID after child matches resolve to
// them.
type Parent struct {
	ID             string
	DocID          string
	SessionID      string
	Ordinal        int
	Content        string
	PageStart      int
	PageEnd        int
	Language       string
	EmbeddingModel string
	Truncated      bool
}

// Chunk is a fine-grained retrieval unit: one point per child chunk carrying
// the embedding vector plus the payload needed to resolve it back to its
// parent.
type Chunk struct {
	ID             string
	ParentID       string
	DocID          string
	SessionID      string
	Ordinal        int
	ParentOrdinal  int
	Content        string
	EmbeddingModel string
	Embedding      []float32
}

// ScoredChunk is a chunk returned from similarity search with its score.
type ScoredChunk struct {
	Chunk *Chunk
	Score float64
}

// Scope restricts a search or lookup to a session and optionally one
// document within it.
type Scope struct {
	SessionID string
	DocID     string
}
