package embeddings

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// OpenAIConfig configures the OpenAI embeddings provider.
type OpenAIConfig struct {
	// Model is the embedding model. Default: text-embedding-3-small
	Model string
	// Dimension is the requested vector length. text-embedding-3 models
	// shorten their output to it; older models must match it exactly.
	Dimension int
	// BaseURL overrides the API endpoint for OpenAI-compatible servers.
	BaseURL string
	// APIKey authenticates requests.
	APIKey string
	// Timeout bounds one request. Default: 30s
	Timeout time.Duration
}

// OpenAIProvider calls the OpenAI embeddings endpoint. Retries are left to
// Service, so the client's own retry loop is disabled.
type OpenAIProvider struct {
	client openai.Client
	config OpenAIConfig
}

// NewOpenAIProvider creates an OpenAI provider.
func NewOpenAIProvider(config OpenAIConfig) (*OpenAIProvider, error) {
	if config.Model == "" {
		config.Model = openai.EmbeddingModelTextEmbedding3Small
	}
	if config.Dimension <= 0 {
		return nil, fmt.Errorf("%w: dimension required", ErrInvalidConfig)
	}
	if config.APIKey == "" && config.BaseURL == "" {
		return nil, fmt.Errorf("%w: api key required for openai", ErrInvalidConfig)
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}

	opts := []option.RequestOption{
		option.WithMaxRetries(0),
		option.WithRequestTimeout(config.Timeout),
	}
	if config.APIKey != "" {
		opts = append(opts, option.WithAPIKey(config.APIKey))
	}
	if config.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(config.BaseURL))
	}

	return &OpenAIProvider{
		client: openai.NewClient(opts...),
		config: config,
	}, nil
}

// Embed implements Provider.
func (p *OpenAIProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: texts cannot be empty", ErrEmptyInput)
	}

	params := openai.EmbeddingNewParams{
		Model:          p.config.Model,
		Input:          openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
		EncodingFormat: openai.EmbeddingNewParamsEncodingFormatFloat,
	}
	if strings.HasPrefix(p.config.Model, "text-embedding-3") {
		params.Dimensions = openai.Int(int64(p.config.Dimension))
	}

	resp, err := p.client.Embeddings.New(ctx, params)
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			return nil, &ProviderError{
				Provider:   ProviderOpenAI,
				Kind:       kindForStatus(apiErr.StatusCode),
				StatusCode: apiErr.StatusCode,
				Err:        err,
			}
		}
		return nil, transportError(ProviderOpenAI, err)
	}

	if len(resp.Data) != len(texts) {
		return nil, &ProviderError{
			Provider: ProviderOpenAI,
			Kind:     KindInvalidResponse,
			Err:      fmt.Errorf("got %d embeddings for %d inputs", len(resp.Data), len(texts)),
		}
	}

	data := resp.Data
	sort.Slice(data, func(i, j int) bool { return data[i].Index < data[j].Index })
	out := make([][]float32, len(data))
	for i, d := range data {
		vec := make([]float32, len(d.Embedding))
		for j, x := range d.Embedding {
			vec[j] = float32(x)
		}
		out[i] = vec
	}
	return out, nil
}

// Model implements Provider.
func (p *OpenAIProvider) Model() string { return p.config.Model }

// Dimension implements Provider.
func (p *OpenAIProvider) Dimension() int { return p.config.Dimension }

// Close implements Provider.
func (p *OpenAIProvider) Close() error { return nil }
