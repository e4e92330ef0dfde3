package embeddings

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// HashProvider is a deterministic local embedder based on feature hashing
// of words and word bigrams. It needs no network or model files, so it
// serves offline deployments and tests. Texts sharing vocabulary get
// similar vectors; it carries no semantics beyond that.
type HashProvider struct {
	model string
	dim   int
}

// NewHashProvider creates a hash embedder of the given dimension.
func NewHashProvider(model string, dim int) (*HashProvider, error) {
	if dim < 8 {
		return nil, fmt.Errorf("%w: hash embedder needs dimension >= 8, got %d", ErrInvalidConfig, dim)
	}
	if model == "" {
		model = "hash"
	}
	return &HashProvider{model: "hash:" + model, dim: dim}, nil
}

// Embed implements Provider.
func (p *HashProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: texts cannot be empty", ErrEmptyInput)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = p.embed(t)
	}
	return out, nil
}

func (p *HashProvider) embed(text string) []float32 {
	vec := make([]float32, p.dim)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	if len(words) == 0 {
		words = []string{text}
	}

	for i, w := range words {
		p.add(vec, w, 1)
		if i > 0 {
			p.add(vec, words[i-1]+" "+w, 0.5)
		}
	}

	var sum float64
	for _, x := range vec {
		sum += float64(x) * float64(x)
	}
	if sum > 0 {
		inv := float32(1 / math.Sqrt(sum))
		for i := range vec {
			vec[i] *= inv
		}
	}
	return vec
}

// add hashes feature into one bucket with a hash-derived sign.
func (p *HashProvider) add(vec []float32, feature string, weight float32) {
	h := fnv.New64a()
	_, _ = h.Write([]byte(feature))
	sum := h.Sum64()
	idx := int(sum % uint64(p.dim))
	if sum&(1<<63) != 0 {
		weight = -weight
	}
	vec[idx] += weight
}

// Model implements Provider.
func (p *HashProvider) Model() string { return p.model }

// Dimension implements Provider.
func (p *HashProvider) Dimension() int { return p.dim }

// Close implements Provider.
func (p *HashProvider) Close() error { return nil }
