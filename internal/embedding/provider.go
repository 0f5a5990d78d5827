// Package embedding computes vector embeddings for chunk text through an
// external embedding service, batching requests and retrying transient
// failures.
package embedding

import (
	"context"
	"errors"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// Error kinds surfaced by providers. The embedder retries ErrRateLimited and
// ErrUnavailable; ErrInvalidInput fails immediately.
var (
	ErrRateLimited  = errors.New("embedding service rate limited")
	ErrInvalidInput = errors.New("embedding input rejected")
	ErrUnavailable  = errors.New("embedding service unavailable")
)

// Provider computes embeddings for a batch of texts. The returned vectors
// are order-preserving with respect to the input. Implementations wrap
// failures in the error kinds above.
type Provider interface {
	Embed(ctx context.Context, model string, texts []string) ([][]float32, error)
}

// OpenAIProvider implements Provider against the OpenAI embeddings API.
type OpenAIProvider struct {
	client *openai.Client
}

// NewOpenAIProvider creates a provider with the given API key.
func NewOpenAIProvider(apiKey string) (*OpenAIProvider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("OpenAI API key not set")
	}
	client := openai.NewClient(option.WithAPIKey(apiKey))
	return &OpenAIProvider{client: &client}, nil
}

// Client returns the underlying OpenAI client for reuse by the completion
// side, which shares the same account and key.
func (p *OpenAIProvider) Client() *openai.Client {
	return p.client
}

// Embed requests embeddings for texts using the given model.
func (p *OpenAIProvider) Embed(ctx context.Context, model string, texts []string) ([][]float32, error) {
	resp, err := p.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: texts,
		},
		Model: openai.EmbeddingModel(model),
	})
	if err != nil {
		return nil, classify(err)
	}

	embeddings := make([][]float32, len(resp.Data))
	for i, data := range resp.Data {
		embeddings[i] = toFloat32(data.Embedding)
	}
	return embeddings, nil
}

// classify maps OpenAI API errors onto the package's error kinds.
func classify(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == 429:
			return fmt.Errorf("%w: %v", ErrRateLimited, err)
		case apiErr.StatusCode >= 400 && apiErr.StatusCode < 500:
			return fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

// toFloat32 converts the API's float64 vectors to the float32 the index
// stores.
func toFloat32(f64 []float64) []float32 {
	f32 := make([]float32, len(f64))
	for i, v := range f64 {
		f32[i] = float32(v)
	}
	return f32
}
