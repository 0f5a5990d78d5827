// Package storage persists chunk trees in Qdrant. The vector index is the
// system of record for chunk bodies and vectors: parents and chunks live in
// one collection, discriminated by a payload type field, with deterministic
// point IDs so re-indexing upserts instead of duplicating.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/qdrant/go-client/qdrant"
)

// vectorName is the named vector carried by chunk points. Parents have no
// vector, which is what lets both live in the same collection.
const vectorName = "content"

// upsertBatchSize bounds the number of points per upsert request.
const upsertBatchSize = 100

// Store wraps the Qdrant client with collection management and the
// operations the pipeline and retriever need.
type Store struct {
	client     *qdrant.Client
	collection string
	dim        int
}

// NewStore creates a Qdrant-backed store and verifies the server is
// reachable, retrying with backoff before failing.
func NewStore(host string, port int, collection string, dim int) (*Store, error) {
	client, err := qdrant.NewClient(&qdrant.Config{
		Host: host,
		Port: port,
	})
	if err != nil {
		return nil, fmt.Errorf("create qdrant client: %w", err)
	}

	s := &Store{
		client:     client,
		collection: collection,
		dim:        dim,
	}

	if err := s.healthCheckWithRetry(context.Background()); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: %v", ErrQdrantUnreachable, err)
	}
	return s, nil
}

func (s *Store) healthCheckWithRetry(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 30 * time.Second

	return backoff.Retry(func() error {
		return s.Health(ctx)
	}, backoff.WithContext(b, ctx))
}

// Health performs a single health check against Qdrant.
func (s *Store) Health(ctx context.Context) error {
	result, err := s.client.HealthCheck(ctx)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if result == nil || result.Title == "" {
		return fmt.Errorf("health check returned invalid response")
	}
	return nil
}

// EnsureCollection creates the collection and its payload indexes if they do
// not exist. Idempotent.
func (s *Store) EnsureCollection(ctx context.Context) error {
	collections, err := s.client.ListCollections(ctx)
	if err != nil {
		return fmt.Errorf("list collections: %w", err)
	}
	for _, name := range collections {
		if name == s.collection {
			return nil
		}
	}

	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: s.collection,
		VectorsConfig: qdrant.NewVectorsConfigMap(map[string]*qdrant.VectorParams{
			vectorName: {
				Size:     uint64(s.dim),
				Distance: qdrant.Distance_Cosine,
			},
		}),
	})
	if err != nil {
		return fmt.Errorf("create collection: %w", err)
	}

	// Without payload indexes, filtered searches degrade badly at scale.
	fields := []string{"type", "doc_id", "session_id", "parent_id", "embedding_model"}
	for _, field := range fields {
		_, err := s.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: s.collection,
			FieldName:      field,
			FieldType:      qdrant.FieldType_FieldTypeKeyword.Enum(),
		})
		if err != nil {
			return fmt.Errorf("create index for field %s: %w", field, err)
		}
	}
	return nil
}

// Close closes the client connection.
func (s *Store) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

// upsertWithRetry performs one upsert with exponential backoff on transient
// failures.
func (s *Store) upsertWithRetry(ctx context.Context, points []*qdrant.PointStruct) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 30 * time.Second

	return backoff.Retry(func() error {
		_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: s.collection,
			Points:         points,
		})
		return err
	}, backoff.WithContext(b, ctx))
}

// UpsertParents stores parent chunks. Parents have no vector; deterministic
// IDs make this an overwrite on re-index.
func (s *Store) UpsertParents(ctx context.Context, parents []*Parent) error {
	if len(parents) == 0 {
		return nil
	}

	for i := 0; i < len(parents); i += upsertBatchSize {
		end := min(i+upsertBatchSize, len(parents))
		batch := parents[i:end]
		points := make([]*qdrant.PointStruct, len(batch))

		for j, p := range batch {
			points[j] = &qdrant.PointStruct{
				Id:      qdrant.NewIDUUID(p.ID),
				Vectors: qdrant.NewVectorsMap(map[string]*qdrant.Vector{}),
				Payload: qdrant.NewValueMap(map[string]any{
					"type":            "parent",
					"doc_id":          p.DocID,
					"session_id":      p.SessionID,
					"ordinal":         p.Ordinal,
					"content":         p.Content,
					"page_start":      p.PageStart,
					"page_end":        p.PageEnd,
					"language":        p.Language,
					"embedding_model": p.EmbeddingModel,
					"truncated":       p.Truncated,
				}),
			}
		}

		if err := s.upsertWithRetry(ctx, points); err != nil {
			return fmt.Errorf("upsert parents %d-%d: %w", i, end, err)
		}
	}
	return nil
}

// UpsertChunks stores child chunks with their embeddings in batches.
// At most one point exists per chunk ID: re-indexing overwrites.
func (s *Store) UpsertChunks(ctx context.Context, chunks []*Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	for i, chunk := range chunks {
		if len(chunk.Embedding) != s.dim {
			return fmt.Errorf("%w: chunk %d has %d dimensions, expected %d",
				ErrDimensionMismatch, i, len(chunk.Embedding), s.dim)
		}
	}

	for i := 0; i < len(chunks); i += upsertBatchSize {
		end := min(i+upsertBatchSize, len(chunks))
		batch := chunks[i:end]
		points := make([]*qdrant.PointStruct, len(batch))

		for j, c := range batch {
			points[j] = &qdrant.PointStruct{
				Id: qdrant.NewIDUUID(c.ID),
				Vectors: qdrant.NewVectorsMap(map[string]*qdrant.Vector{
					vectorName: qdrant.NewVector(c.Embedding...),
				}),
				Payload: qdrant.NewValueMap(map[string]any{
					"type":            "chunk",
					"parent_id":       c.ParentID,
					"doc_id":          c.DocID,
					"session_id":      c.SessionID,
					"ordinal":         c.Ordinal,
					"parent_ordinal":  c.ParentOrdinal,
					"content":         c.Content,
					"embedding_model": c.EmbeddingModel,
				}),
			}
		}

		if err := s.upsertWithRetry(ctx, points); err != nil {
			return fmt.Errorf("upsert chunks %d-%d: %w", i, end, err)
		}
	}
	return nil
}

// DeleteDocument removes every point belonging to the document, parents and
// chunks alike. Delete-by-filter leaves no orphans for later queries to
// find.
func (s *Store) DeleteDocument(ctx context.Context, docID string) error {
	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.collection,
		Points: qdrant.NewPointsSelectorFilter(&qdrant.Filter{
			Must: []*qdrant.Condition{
				qdrant.NewMatch("doc_id", docID),
			},
		}),
	})
	if err != nil {
		return fmt.Errorf("delete document %s: %w", docID, err)
	}
	return nil
}

// CountDocumentPoints returns the number of points stored for a document.
// Used to verify deletion completed and for status reporting.
func (s *Store) CountDocumentPoints(ctx context.Context, docID string) (uint64, error) {
	count, err := s.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: s.collection,
		Filter: &qdrant.Filter{
			Must: []*qdrant.Condition{
				qdrant.NewMatch("doc_id", docID),
			},
		},
		Exact: qdrant.PtrOf(true),
	})
	if err != nil {
		return 0, fmt.Errorf("count points for %s: %w", docID, err)
	}
	return count, nil
}

func scopeConditions(scope Scope) []*qdrant.Condition {
	var conds []*qdrant.Condition
	if scope.SessionID != "" {
		conds = append(conds, qdrant.NewMatch("session_id", scope.SessionID))
	}
	if scope.DocID != "" {
		conds = append(conds, qdrant.NewMatch("doc_id", scope.DocID))
	}
	return conds
}

// SearchChunks performs similarity search over child chunk vectors within
// the given scope and returns scored chunks, highest score first.
func (s *Store) SearchChunks(ctx context.Context, embedding []float32, scope Scope, limit int) ([]*ScoredChunk, error) {
	if len(embedding) != s.dim {
		return nil, fmt.Errorf("%w: query has %d dimensions, expected %d",
			ErrDimensionMismatch, len(embedding), s.dim)
	}

	must := append([]*qdrant.Condition{qdrant.NewMatch("type", "chunk")}, scopeConditions(scope)...)

	name := vectorName
	results, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: s.collection,
		Query:          qdrant.NewQuery(embedding...),
		Using:          &name,
		Filter:         &qdrant.Filter{Must: must},
		Limit:          qdrant.PtrOf(uint64(limit)),
		WithPayload:    qdrant.NewWithPayload(true),
		WithVectors:    qdrant.NewWithVectors(false),
	})
	if err != nil {
		return nil, fmt.Errorf("search chunks: %w", err)
	}

	scored := make([]*ScoredChunk, 0, len(results))
	for _, result := range results {
		payload := result.Payload
		scored = append(scored, &ScoredChunk{
			Chunk: &Chunk{
				ID:             result.Id.GetUuid(),
				ParentID:       payload["parent_id"].GetStringValue(),
				DocID:          payload["doc_id"].GetStringValue(),
				SessionID:      payload["session_id"].GetStringValue(),
				Ordinal:        int(payload["ordinal"].GetIntegerValue()),
				ParentOrdinal:  int(payload["parent_ordinal"].GetIntegerValue()),
				Content:        payload["content"].GetStringValue(),
				EmbeddingModel: payload["embedding_model"].GetStringValue(),
			},
			Score: float64(result.Score),
		})
	}
	return scored, nil
}

// GetParents retrieves parent chunks by ID, preserving the input order.
// IDs that resolve to nothing are skipped.
func (s *Store) GetParents(ctx context.Context, ids []string) ([]*Parent, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	pointIDs := make([]*qdrant.PointId, len(ids))
	for i, id := range ids {
		pointIDs[i] = qdrant.NewIDUUID(id)
	}

	results, err := s.client.Get(ctx, &qdrant.GetPoints{
		CollectionName: s.collection,
		Ids:            pointIDs,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get parents: %w", err)
	}

	byID := make(map[string]*Parent, len(results))
	for _, result := range results {
		payload := result.Payload
		if payload["type"].GetStringValue() != "parent" {
			continue
		}
		p := &Parent{
			ID:             result.Id.GetUuid(),
			DocID:          payload["doc_id"].GetStringValue(),
			SessionID:      payload["session_id"].GetStringValue(),
			Ordinal:        int(payload["ordinal"].GetIntegerValue()),
			Content:        payload["content"].GetStringValue(),
			PageStart:      int(payload["page_start"].GetIntegerValue()),
			PageEnd:        int(payload["page_end"].GetIntegerValue()),
			Language:       payload["language"].GetStringValue(),
			EmbeddingModel: payload["embedding_model"].GetStringValue(),
			Truncated:      payload["truncated"].GetBoolValue(),
		}
		byID[p.ID] = p
	}

	parents := make([]*Parent, 0, len(ids))
	for _, id := range ids {
		if p, ok := byID[id]; ok {
			parents = append(parents, p)
		}
	}
	return parents, nil
}

// IndexedModel returns the embedding model recorded for chunks in the given
// scope, or empty when the scope holds no chunks. The retriever compares
// this against its configured model before searching.
func (s *Store) IndexedModel(ctx context.Context, scope Scope) (string, error) {
	must := append([]*qdrant.Condition{qdrant.NewMatch("type", "chunk")}, scopeConditions(scope)...)

	results, err := s.client.Scroll(ctx, &qdrant.ScrollPoints{
		CollectionName: s.collection,
		Filter:         &qdrant.Filter{Must: must},
		Limit:          qdrant.PtrOf(uint32(1)),
		WithPayload:    qdrant.NewWithPayloadInclude("embedding_model"),
	})
	if err != nil {
		return "", fmt.Errorf("scroll for embedding model: %w", err)
	}
	if len(results) == 0 {
		return "", nil
	}
	return results[0].Payload["embedding_model"].GetStringValue(), nil
}
