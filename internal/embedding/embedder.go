package embedding

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// DefaultBatchSize balances requests-per-minute against tokens-per-minute
// rate limits. Providers accept larger batches but smaller ones reduce TPM
// pressure.
const DefaultBatchSize = 500

// Embedder batches texts to a Provider and retries transient failures with
// exponential backoff. The model identifier is fixed at construction and
// recorded with every index entry so query-time embeddings can be checked
// against it.
type Embedder struct {
	provider  Provider
	model     string
	batchSize int
}

// NewEmbedder creates an Embedder for the given provider and model.
// If batchSize is 0, DefaultBatchSize is used.
func NewEmbedder(provider Provider, model string, batchSize int) *Embedder {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Embedder{
		provider:  provider,
		model:     model,
		batchSize: batchSize,
	}
}

// Model returns the embedding model identifier in use.
func (e *Embedder) Model() string {
	return e.model
}

// EmbedTexts generates embeddings for the given texts, order-preserving.
// Batches that fail with a transient error are retried with backoff;
// exhausting the retry budget fails the whole call with the batch range
// identified.
func (e *Embedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	allEmbeddings := make([][]float32, 0, len(texts))

	for i := 0; i < len(texts); i += e.batchSize {
		end := min(i+e.batchSize, len(texts))
		batch := texts[i:end]

		embeddings, err := e.embedBatchWithRetry(ctx, batch)
		if err != nil {
			return nil, fmt.Errorf("batch %d-%d: %w", i, end, err)
		}
		if len(embeddings) != len(batch) {
			return nil, fmt.Errorf("batch %d-%d: got %d embeddings for %d texts", i, end, len(embeddings), len(batch))
		}
		allEmbeddings = append(allEmbeddings, embeddings...)
	}

	return allEmbeddings, nil
}

// EmbedQuery embeds a single query string with the same model used at
// indexing time.
func (e *Embedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	embeddings, err := e.embedBatchWithRetry(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(embeddings) != 1 {
		return nil, fmt.Errorf("got %d embeddings for one query", len(embeddings))
	}
	return embeddings[0], nil
}

// embedBatchWithRetry embeds one batch, retrying rate-limit and
// availability errors with exponential backoff. Invalid input is permanent
// and fails immediately.
func (e *Embedder) embedBatchWithRetry(ctx context.Context, texts []string) ([][]float32, error) {
	var embeddings [][]float32

	operation := func() error {
		result, err := e.provider.Embed(ctx, e.model, texts)
		if err != nil {
			if errors.Is(err, ErrRateLimited) || errors.Is(err, ErrUnavailable) {
				return err // retried with backoff
			}
			return backoff.Permanent(err)
		}
		embeddings = result
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 30 * time.Second

	err := backoff.Retry(operation, backoff.WithContext(b, ctx))
	return embeddings, err
}
