package embeddings

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v5"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// truncationMarker is appended to texts cut at MaxChars.
const truncationMarker = " [truncated]"

// Config holds the caching, pacing and retry policy of a Service.
type Config struct {
	// MaxChars is the rune limit after whitespace normalization. Default: 8000
	MaxChars int

	// CacheSize bounds the in-memory cache. Default: 10000
	CacheSize int

	// CacheTTL expires in-memory entries. Default: 24h
	CacheTTL time.Duration

	// MaxRetries is the number of retries after the first provider call.
	MaxRetries int

	// RetryBaseDelay is the first backoff interval. Default: 500ms
	RetryBaseDelay time.Duration

	// RetryMaxDelay caps the backoff interval. Default: 10s
	RetryMaxDelay time.Duration

	// RequestDelay is the minimum delay between provider calls. Zero
	// disables pacing.
	RequestDelay time.Duration

	// BatchSize is the default EmbedBatch batch size. Default: 32
	BatchSize int

	// BatchPause is slept between batches of one EmbedBatch call.
	BatchPause time.Duration

	// Timeout bounds one provider call. Default: 30s
	Timeout time.Duration
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.MaxChars <= 0 {
		c.MaxChars = 8000
	}
	if c.CacheSize <= 0 {
		c.CacheSize = 10000
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = 24 * time.Hour
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 10 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 32
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
}

// Validate validates the configuration.
func (c Config) Validate() error {
	if c.MaxRetries < 0 {
		return fmt.Errorf("%w: max retries cannot be negative", ErrInvalidConfig)
	}
	if c.RetryMaxDelay < c.RetryBaseDelay {
		return fmt.Errorf("%w: retry max delay %s is below base delay %s", ErrInvalidConfig, c.RetryMaxDelay, c.RetryBaseDelay)
	}
	return nil
}

// Option configures optional Service collaborators.
type Option func(*Service)

// WithDiskCache adds a persistent second cache level.
func WithDiskCache(c *DiskCache) Option {
	return func(s *Service) { s.disk = c }
}

// WithMetrics replaces the default OTel metrics.
func WithMetrics(m *Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// Stats is a snapshot of Service counters.
type Stats struct {
	Model         string  `json:"model"`
	Dimension     int     `json:"dimension"`
	Requests      int64   `json:"requests"`
	CacheHits     int64   `json:"cache_hits"`
	DiskHits      int64   `json:"disk_hits"`
	Misses        int64   `json:"misses"`
	ProviderCalls int64   `json:"provider_calls"`
	Retries       int64   `json:"retries"`
	Failures      int64   `json:"failures"`
	Fallbacks     int64   `json:"fallbacks"`
	HitRate       float64 `json:"hit_rate"`
	CacheEntries  int     `json:"cache_entries"`
	DiskEntries   int     `json:"disk_entries"`
}

// Service generates embeddings through a Provider, with caching, pacing,
// retries and fallback vectors.
type Service struct {
	provider Provider
	config   Config
	logger   *zap.Logger
	metrics  *Metrics
	cache    *expirable.LRU[string, []float32]
	disk     *DiskCache
	limiter  *rate.Limiter

	requests  atomic.Int64
	l1Hits    atomic.Int64
	l2Hits    atomic.Int64
	misses    atomic.Int64
	calls     atomic.Int64
	retries   atomic.Int64
	failures  atomic.Int64
	fallbacks atomic.Int64
	closed    atomic.Bool
}

// NewService creates an embedding service around provider.
func NewService(provider Provider, config Config, logger *zap.Logger, opts ...Option) (*Service, error) {
	if provider == nil {
		return nil, fmt.Errorf("%w: provider required", ErrInvalidConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	limit := rate.Inf
	if config.RequestDelay > 0 {
		limit = rate.Every(config.RequestDelay)
	}

	s := &Service{
		provider: provider,
		config:   config,
		logger:   logger.With(zap.String("model", provider.Model())),
		cache:    expirable.NewLRU[string, []float32](config.CacheSize, nil, config.CacheTTL),
		limiter:  rate.NewLimiter(limit, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = NewMetrics(logger)
	}
	return s, nil
}

// Model returns the provider's model name.
func (s *Service) Model() string { return s.provider.Model() }

// Dimension returns the embedding length.
func (s *Service) Dimension() int { return s.provider.Dimension() }

// normalizeText collapses whitespace runs to single spaces and truncates
// to maxChars runes, appending the truncation marker.
func normalizeText(text string, maxChars int) string {
	text = strings.Join(strings.Fields(text), " ")
	if utf8.RuneCountInString(text) <= maxChars {
		return text
	}
	runes := []rune(text)
	return string(runes[:maxChars]) + truncationMarker
}

// cacheKey identifies a (model, normalized text) pair.
func cacheKey(model, text string) string {
	h := sha256.New()
	h.Write([]byte(model))
	h.Write([]byte{0})
	h.Write([]byte(text))
	return hex.EncodeToString(h.Sum(nil))
}

// Embed returns the embedding of text. Provider failures produce a
// FallbackVector and a nil error; only blank input and cancellation fail.
func (s *Service) Embed(ctx context.Context, text string) ([]float32, error) {
	norm := normalizeText(text, s.config.MaxChars)
	if norm == "" {
		return nil, fmt.Errorf("%w: text cannot be empty", ErrEmptyInput)
	}
	vecs, err := s.resolve(ctx, []string{norm}, "embed")
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch embeds texts in batches of batchSize (the configured default
// when <= 0), one provider call per batch for its cache misses. Output
// order matches input order. Blank texts get a nil vector and are reported
// together in a *BlankTextsError; the rest are embedded regardless.
func (s *Service) EmbedBatch(ctx context.Context, texts []string, batchSize int) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: texts cannot be empty", ErrEmptyInput)
	}
	if batchSize <= 0 {
		batchSize = s.config.BatchSize
	}

	var (
		norm  []string
		index []int
		blank []int
	)
	for i, t := range texts {
		n := normalizeText(t, s.config.MaxChars)
		if n == "" {
			blank = append(blank, i)
			continue
		}
		norm = append(norm, n)
		index = append(index, i)
	}

	out := make([][]float32, len(texts))
	for start := 0; start < len(norm); start += batchSize {
		if start > 0 && s.config.BatchPause > 0 {
			if err := sleep(ctx, s.config.BatchPause); err != nil {
				return nil, err
			}
		}
		end := min(start+batchSize, len(norm))
		vecs, err := s.resolve(ctx, norm[start:end], "embed_batch")
		if err != nil {
			return nil, err
		}
		for j, v := range vecs {
			out[index[start+j]] = v
		}
	}
	if len(blank) > 0 {
		return out, &BlankTextsError{Indexes: blank}
	}
	return out, nil
}

// resolve serves normalized texts from the caches and embeds the misses
// in one provider call.
func (s *Service) resolve(ctx context.Context, texts []string, op string) ([][]float32, error) {
	if s.closed.Load() {
		return nil, errors.New("embedding service closed")
	}
	model := s.provider.Model()
	out := make([][]float32, len(texts))

	var missTexts, missKeys []string
	positions := make(map[string][]int)
	var l1, l2, miss int
	for i, t := range texts {
		key := cacheKey(model, t)
		if v, ok := s.cache.Get(key); ok {
			out[i] = clone(v)
			l1++
			continue
		}
		if s.disk != nil {
			if v, ok := s.disk.Get(key); ok && len(v) == s.provider.Dimension() {
				s.cache.Add(key, v)
				out[i] = clone(v)
				l2++
				continue
			}
		}
		miss++
		if _, pending := positions[key]; !pending {
			missTexts = append(missTexts, t)
			missKeys = append(missKeys, key)
		}
		positions[key] = append(positions[key], i)
	}

	s.requests.Add(int64(len(texts)))
	s.l1Hits.Add(int64(l1))
	s.l2Hits.Add(int64(l2))
	s.misses.Add(int64(miss))
	s.metrics.RecordCache(ctx, cacheL1Hit, l1)
	s.metrics.RecordCache(ctx, cacheL2Hit, l2)
	s.metrics.RecordCache(ctx, cacheMiss, miss)

	if len(missTexts) == 0 {
		return out, nil
	}

	vecs, err := s.call(ctx, missTexts, op)
	if err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return nil, cerr
		}
		s.failures.Add(1)
		s.fallbacks.Add(int64(miss))
		s.metrics.RecordFallback(ctx, model, miss)
		s.logger.Warn("embedding provider failed, using fallback vectors",
			zap.String("operation", op),
			zap.Int("texts", len(missTexts)),
			zap.Error(err))
		for j, t := range missTexts {
			fb := FallbackVector(t, s.provider.Dimension())
			for _, i := range positions[missKeys[j]] {
				out[i] = clone(fb)
			}
		}
		return out, nil
	}

	for j, key := range missKeys {
		v := vecs[j]
		s.cache.Add(key, v)
		if s.disk != nil {
			if err := s.disk.Put(key, v); err != nil {
				s.logger.Warn("failed to write disk cache", zap.Error(err))
			}
		}
		for _, i := range positions[key] {
			out[i] = clone(v)
		}
	}
	return out, nil
}

// call invokes the provider with pacing and retries.
func (s *Service) call(ctx context.Context, texts []string, op string) ([][]float32, error) {
	model := s.provider.Model()
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.config.RetryBaseDelay
	b.MaxInterval = s.config.RetryMaxDelay

	return backoff.Retry(ctx, func() ([][]float32, error) {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, backoff.Permanent(err)
		}

		callCtx, cancel := context.WithTimeout(ctx, s.config.Timeout)
		defer cancel()

		start := time.Now()
		s.calls.Add(1)
		vecs, err := s.provider.Embed(callCtx, texts)
		if err == nil {
			err = s.checkVectors(vecs, len(texts))
		}
		s.metrics.RecordGeneration(ctx, model, op, time.Since(start), len(texts), err)

		if err != nil {
			if !isRetryable(ctx, err) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return vecs, nil
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(s.config.MaxRetries+1)),
		backoff.WithNotify(func(err error, next time.Duration) {
			s.retries.Add(1)
			s.metrics.RecordRetry(ctx, model)
			s.logger.Debug("retrying embedding call", zap.Duration("backoff", next), zap.Error(err))
		}),
	)
}

func (s *Service) checkVectors(vecs [][]float32, want int) error {
	if len(vecs) != want {
		return &ProviderError{Provider: s.provider.Model(), Kind: KindInvalidResponse, Err: fmt.Errorf("got %d vectors for %d texts", len(vecs), want)}
	}
	dim := s.provider.Dimension()
	for i, v := range vecs {
		if len(v) != dim {
			return &ProviderError{Provider: s.provider.Model(), Kind: KindInvalidResponse, Err: fmt.Errorf("vector %d has length %d, want %d", i, len(v), dim)}
		}
	}
	return nil
}

// Stats returns a snapshot of the service counters.
func (s *Service) Stats() Stats {
	st := Stats{
		Model:         s.provider.Model(),
		Dimension:     s.provider.Dimension(),
		Requests:      s.requests.Load(),
		CacheHits:     s.l1Hits.Load(),
		DiskHits:      s.l2Hits.Load(),
		Misses:        s.misses.Load(),
		ProviderCalls: s.calls.Load(),
		Retries:       s.retries.Load(),
		Failures:      s.failures.Load(),
		Fallbacks:     s.fallbacks.Load(),
		CacheEntries:  s.cache.Len(),
	}
	if st.Requests > 0 {
		st.HitRate = float64(st.CacheHits+st.DiskHits) / float64(st.Requests)
	}
	if s.disk != nil && !s.closed.Load() {
		st.DiskEntries = s.disk.Len()
	}
	return st
}

// HealthCheck embeds a sample text directly through the provider, bypassing
// the cache and fallback.
func (s *Service) HealthCheck(ctx context.Context) error {
	if s.closed.Load() {
		return errors.New("embedding service closed")
	}
	vecs, err := s.provider.Embed(ctx, []string{"health check"})
	if err != nil {
		return err
	}
	return s.checkVectors(vecs, 1)
}

// Close releases the provider and the disk cache.
func (s *Service) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.cache.Purge()
	var errs []error
	if err := s.provider.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing provider: %w", err))
	}
	if s.disk != nil {
		if err := s.disk.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing disk cache: %w", err))
		}
	}
	return errors.Join(errs...)
}

func clone(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)
	return out
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
