// Package retrieve answers queries against the index: search over child
// chunks, dedup to parents, return parent bodies ranked by best child hit.
package retrieve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/hieradoc/hieradoc/internal/storage"
)

// ErrQueryEmbedding wraps embedding-provider failures at query time so
// callers can tell them apart from index failures.
var ErrQueryEmbedding = errors.New("query embedding failed")

// QueryEmbedder embeds the query text with the model used at indexing time.
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	Model() string
}

// Index is the vector store surface the retriever reads from.
type Index interface {
	SearchChunks(ctx context.Context, embedding []float32, scope storage.Scope, limit int) ([]*storage.ScoredChunk, error)
	GetParents(ctx context.Context, ids []string) ([]*storage.Parent, error)
	IndexedModel(ctx context.Context, scope storage.Scope) (string, error)
}

// ChildMatch is one child chunk that contributed to a parent's ranking.
type ChildMatch struct {
	ChunkID string
	Ordinal int
	Score   float64
	Content string
}

// Result is one retrieved parent with the child hits that surfaced it.
type Result struct {
	Parent   *storage.Parent
	Score    float64
	Children []ChildMatch
}

// Retriever runs the child-search, parent-dedup retrieval flow.
type Retriever struct {
	embedder  QueryEmbedder
	index     Index
	overFetch int
	minScore  float64
	logger    *slog.Logger
}

// New creates a retriever. overFetch multiplies the requested result count
// for the child-level search so that children sharing a parent do not
// starve the final parent list.
func New(embedder QueryEmbedder, index Index, overFetch int, minScore float64, logger *slog.Logger) *Retriever {
	if overFetch < 1 {
		overFetch = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Retriever{
		embedder:  embedder,
		index:     index,
		overFetch: overFetch,
		minScore:  minScore,
		logger:    logger,
	}
}

// Retrieve returns up to k parents for the query, ranked by their best
// child score. An empty or fully-filtered result set is not an error.
// Returns storage.ErrModelMismatch when the scope was indexed with a
// different embedding model than the retriever is configured with.
func (r *Retriever) Retrieve(ctx context.Context, query string, scope storage.Scope, k int) ([]*Result, error) {
	if k < 1 {
		return nil, nil
	}

	indexed, err := r.index.IndexedModel(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("check indexed model: %w", err)
	}
	if indexed != "" && indexed != r.embedder.Model() {
		return nil, fmt.Errorf("%w: indexed with %q, querying with %q",
			storage.ErrModelMismatch, indexed, r.embedder.Model())
	}

	embedding, err := r.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryEmbedding, err)
	}

	hits, err := r.index.SearchChunks(ctx, embedding, scope, k*r.overFetch)
	if err != nil {
		return nil, fmt.Errorf("search chunks: %w", err)
	}

	// Group child hits by parent, a parent scoring as its best child.
	byParent := make(map[string]*Result)
	var order []string
	for _, hit := range hits {
		if hit.Score < r.minScore {
			continue
		}
		res, ok := byParent[hit.Chunk.ParentID]
		if !ok {
			res = &Result{Score: hit.Score}
			byParent[hit.Chunk.ParentID] = res
			order = append(order, hit.Chunk.ParentID)
		}
		if hit.Score > res.Score {
			res.Score = hit.Score
		}
		res.Children = append(res.Children, ChildMatch{
			ChunkID: hit.Chunk.ID,
			Ordinal: hit.Chunk.Ordinal,
			Score:   hit.Score,
			Content: hit.Chunk.Content,
		})
	}
	if len(order) == 0 {
		r.logger.Debug("no hits above threshold", "query_len", len(query), "min_score", r.minScore)
		return nil, nil
	}

	parents, err := r.index.GetParents(ctx, order)
	if err != nil {
		return nil, fmt.Errorf("fetch parents: %w", err)
	}
	results := make([]*Result, 0, len(parents))
	for _, parent := range parents {
		res := byParent[parent.ID]
		res.Parent = parent
		results = append(results, res)
	}

	// Best score first; equal scores fall back to document order.
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Parent.Ordinal < results[j].Parent.Ordinal
	})
	if len(results) > k {
		results = results[:k]
	}

	r.logger.Debug("retrieved parents", "hits", len(hits), "parents", len(results))
	return results, nil
}
