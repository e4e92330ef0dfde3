package embeddings

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Provider generates embeddings for a batch of texts. Implementations
// return one vector per input, in input order.
type Provider interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	// Model names the model; it is part of every cache key.
	Model() string
	// Dimension returns the embedding length.
	Dimension() int
	// Close releases resources held by the provider.
	Close() error
}

// Provider names accepted by NewProvider.
const (
	ProviderHash      = "hash"
	ProviderOpenAI    = "openai"
	ProviderTEI       = "tei"
	ProviderFastEmbed = "fastembed"
)

// ProviderConfig holds configuration for creating an embedding provider.
type ProviderConfig struct {
	// Provider is one of hash, openai, tei or fastembed.
	Provider string
	// Model is the embedding model name.
	Model string
	// Dimension is the requested embedding length. FastEmbed models have
	// a fixed length and ignore it.
	Dimension int
	// BaseURL is the TEI server URL, or an OpenAI-compatible endpoint.
	BaseURL string
	// APIKey authenticates OpenAI requests.
	APIKey string
	// Timeout bounds a single HTTP call.
	Timeout time.Duration
	// CacheDir is the model cache directory (FastEmbed only).
	CacheDir string
}

// detectDimensionFromModel guesses the embedding length from a model name.
// Falls back to 384 if the model is unknown.
func detectDimensionFromModel(model string) int {
	if dim, ok := fastEmbedModelDimension(model); ok {
		return dim
	}
	switch {
	case strings.Contains(model, "text-embedding-3-large"):
		return 3072
	case strings.Contains(model, "text-embedding-3-small"), strings.Contains(model, "ada-002"):
		return 1536
	case strings.Contains(model, "base"):
		return 768
	case strings.Contains(model, "large"):
		return 1024
	default:
		return 384
	}
}

// NewProvider creates an embedding provider based on the configuration.
func NewProvider(cfg ProviderConfig, logger *zap.Logger) (Provider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	dim := cfg.Dimension
	if dim <= 0 {
		dim = detectDimensionFromModel(cfg.Model)
	}

	switch cfg.Provider {
	case ProviderHash, "":
		return NewHashProvider(cfg.Model, dim)
	case ProviderOpenAI:
		return NewOpenAIProvider(OpenAIConfig{
			Model:     cfg.Model,
			Dimension: dim,
			BaseURL:   cfg.BaseURL,
			APIKey:    cfg.APIKey,
			Timeout:   cfg.Timeout,
		})
	case ProviderTEI:
		return NewTEIProvider(TEIConfig{
			BaseURL:   cfg.BaseURL,
			Model:     cfg.Model,
			Dimension: dim,
			Timeout:   cfg.Timeout,
		})
	case ProviderFastEmbed:
		p, err := NewFastEmbedProvider(FastEmbedConfig{
			Model:    cfg.Model,
			CacheDir: cfg.CacheDir,
		})
		if err != nil {
			return nil, err
		}
		if cfg.Dimension > 0 && cfg.Dimension != p.Dimension() {
			logger.Warn("configured dimension differs from model; using model dimension",
				zap.String("model", cfg.Model),
				zap.Int("configured", cfg.Dimension),
				zap.Int("model_dimension", p.Dimension()))
		}
		return p, nil
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrInvalidConfig, cfg.Provider)
	}
}
