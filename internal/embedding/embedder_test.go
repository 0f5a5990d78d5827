package embedding

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProvider returns canned vectors and records the batches it was given.
type fakeProvider struct {
	batches  [][]string
	failures int
	failWith error
}

func (f *fakeProvider) Embed(ctx context.Context, model string, texts []string) ([][]float32, error) {
	f.batches = append(f.batches, texts)
	if f.failures > 0 {
		f.failures--
		return nil, f.failWith
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{float32(len(texts[i]))}
	}
	return out, nil
}

func TestEmbedTexts_Batching(t *testing.T) {
	provider := &fakeProvider{}
	embedder := NewEmbedder(provider, "test-model", 2)

	texts := []string{"a", "bb", "ccc", "dddd", "eeeee"}
	embeddings, err := embedder.EmbedTexts(context.Background(), texts)
	require.NoError(t, err)
	require.Len(t, embeddings, 5)

	// 5 texts at batch size 2 means 3 calls, order preserved.
	require.Len(t, provider.batches, 3)
	assert.Equal(t, []string{"a", "bb"}, provider.batches[0])
	assert.Equal(t, []string{"ccc", "dddd"}, provider.batches[1])
	assert.Equal(t, []string{"eeeee"}, provider.batches[2])
	for i, e := range embeddings {
		assert.Equal(t, float32(len(texts[i])), e[0])
	}
}

func TestEmbedTexts_RetriesTransientFailure(t *testing.T) {
	provider := &fakeProvider{failures: 2, failWith: fmt.Errorf("%w: 429", ErrRateLimited)}
	embedder := NewEmbedder(provider, "test-model", 10)

	embeddings, err := embedder.EmbedTexts(context.Background(), []string{"x", "y"})
	require.NoError(t, err)
	assert.Len(t, embeddings, 2)
	// Two failed attempts plus the successful third try.
	assert.Len(t, provider.batches, 3)
}

func TestEmbedTexts_InvalidInputIsPermanent(t *testing.T) {
	provider := &fakeProvider{failures: 5, failWith: fmt.Errorf("%w: bad request", ErrInvalidInput)}
	embedder := NewEmbedder(provider, "test-model", 10)

	_, err := embedder.EmbedTexts(context.Background(), []string{"x"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidInput)
	// No retries for permanent errors.
	assert.Len(t, provider.batches, 1)
}

func TestEmbedTexts_EmptyInput(t *testing.T) {
	embedder := NewEmbedder(&fakeProvider{}, "test-model", 0)
	embeddings, err := embedder.EmbedTexts(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, embeddings)
}

func TestEmbedQuery(t *testing.T) {
	provider := &fakeProvider{}
	embedder := NewEmbedder(provider, "test-model", 0)

	vec, err := embedder.EmbedQuery(context.Background(), "what is the refund policy")
	require.NoError(t, err)
	require.Len(t, vec, 1)
	assert.Equal(t, "test-model", embedder.Model())
}

// countingProvider fails forever so context cancellation cuts the retries.
type countingProvider struct{ calls int }

func (c *countingProvider) Embed(ctx context.Context, model string, texts []string) ([][]float32, error) {
	c.calls++
	return nil, fmt.Errorf("%w: connection refused", ErrUnavailable)
}

func TestEmbedTexts_ContextCancelStopsRetries(t *testing.T) {
	provider := &countingProvider{}
	embedder := NewEmbedder(provider, "test-model", 10)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := embedder.EmbedTexts(ctx, []string{"x"})
	require.Error(t, err)
	assert.LessOrEqual(t, provider.calls, 2)
}
