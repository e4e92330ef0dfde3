package ingest

import (
	"fmt"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"
)

// TokenCounter counts the tokens of a text.
type TokenCounter interface {
	Count(text string) int
}

// EstimateTokens approximates a token count as ceil(characters / 4).
func EstimateTokens(text string) int {
	return (utf8.RuneCountInString(text) + 3) / 4
}

// Estimator is the TokenCounter used when no tokenizer is available.
type Estimator struct{}

// Count implements TokenCounter.
func (Estimator) Count(text string) int { return EstimateTokens(text) }

// Tiktoken counts tokens with a BPE encoding.
type Tiktoken struct {
	encoding *tiktoken.Tiktoken
}

// NewTiktoken loads the named encoding, e.g. cl100k_base. The first load
// of an encoding fetches its BPE file unless it is cached locally.
func NewTiktoken(encoding string) (*Tiktoken, error) {
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("failed to get tiktoken encoding %q: %w", encoding, err)
	}
	return &Tiktoken{encoding: enc}, nil
}

// Count implements TokenCounter.
func (t *Tiktoken) Count(text string) int {
	return len(t.encoding.Encode(text, nil, nil))
}

// NewTokenCounter returns a tiktoken counter for encoding, or the
// Estimator when the encoding cannot be loaded.
func NewTokenCounter(encoding string, logger *zap.Logger) TokenCounter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if encoding == "" {
		return Estimator{}
	}
	tk, err := NewTiktoken(encoding)
	if err != nil {
		logger.Warn("token encoding unavailable, estimating token counts",
			zap.String("encoding", encoding),
			zap.Error(err))
		return Estimator{}
	}
	return tk
}
