package memory

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"sync/atomic"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// EmbeddingProvider generates vector embeddings from text
type EmbeddingProvider interface {
	GenerateEmbedding(ctx context.Context, text string) ([]float32, error)
	GenerateEmbeddings(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// OpenAIProvider implements EmbeddingProvider using the OpenAI embeddings API
type OpenAIProvider struct {
	client    openai.Client
	model     string
	dimension int
}

// NewOpenAIProvider creates a new OpenAI embedding provider
func NewOpenAIProvider(apiKey, model string, dimension int) *OpenAIProvider {
	if dimension < 1 {
		switch model {
		case "text-embedding-3-large":
			dimension = 3072
		default:
			dimension = 1536
		}
	}

	return &OpenAIProvider{
		client:    openai.NewClient(option.WithAPIKey(apiKey)),
		model:     model,
		dimension: dimension,
	}
}

func (p *OpenAIProvider) Dimension() int {
	return p.dimension
}

func (p *OpenAIProvider) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	embeddings, err := p.GenerateEmbeddings(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return embeddings[0], nil
}

func (p *OpenAIProvider) GenerateEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	params := openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
		Model: openai.EmbeddingModel(p.model),
	}
	// Only the text-embedding-3 family accepts a dimensions override.
	if strings.HasPrefix(p.model, "text-embedding-3") {
		params.Dimensions = openai.Int(int64(p.dimension))
	}

	resp, err := p.client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("failed to call OpenAI API: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("OpenAI API returned %d embeddings for %d inputs", len(resp.Data), len(texts))
	}

	embeddings := make([][]float32, len(resp.Data))
	for i, data := range resp.Data {
		embedding := make([]float32, len(data.Embedding))
		for j, v := range data.Embedding {
			embedding[j] = float32(v)
		}
		embeddings[i] = embedding
	}

	return embeddings, nil
}

// MockEmbeddingProvider is a deterministic offline provider. Tokens hash
// into fixed buckets, so texts sharing words land near each other in the
// vector space. Useful for tests and air-gapped setups.
type MockEmbeddingProvider struct {
	dimension int
	fail      atomic.Bool
}

// NewMockEmbeddingProvider creates a mock provider with the given dimension.
func NewMockEmbeddingProvider(dimension int) *MockEmbeddingProvider {
	if dimension < 1 {
		dimension = 64
	}
	return &MockEmbeddingProvider{dimension: dimension}
}

// SetFailing toggles simulated provider outage.
func (p *MockEmbeddingProvider) SetFailing(fail bool) {
	p.fail.Store(fail)
}

func (p *MockEmbeddingProvider) Dimension() int {
	return p.dimension
}

func (p *MockEmbeddingProvider) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	embeddings, err := p.GenerateEmbeddings(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return embeddings[0], nil
}

func (p *MockEmbeddingProvider) GenerateEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	if p.fail.Load() {
		return nil, fmt.Errorf("mock provider unavailable: %w", ErrEmbeddingUnavailable)
	}

	embeddings := make([][]float32, len(texts))
	for i, text := range texts {
		embeddings[i] = p.embed(text)
	}
	return embeddings, nil
}

func (p *MockEmbeddingProvider) embed(text string) []float32 {
	vec := make([]float32, p.dimension)
	for _, token := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		h.Write([]byte(token))
		vec[int(h.Sum32())%p.dimension]++
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		vec[0] = 1
		return vec
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= scale
	}
	return vec
}
