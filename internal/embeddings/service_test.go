package embeddings

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// scriptedProvider wraps HashProvider and fails the first failures calls
// with err.
type scriptedProvider struct {
	*HashProvider

	mu       sync.Mutex
	failures int
	err      error
	batches  [][]string
}

func newScriptedProvider(t *testing.T, model string) *scriptedProvider {
	t.Helper()
	hp, err := NewHashProvider(model, 16)
	require.NoError(t, err)
	return &scriptedProvider{HashProvider: hp}
}

func (p *scriptedProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	p.mu.Lock()
	p.batches = append(p.batches, append([]string(nil), texts...))
	fail := p.failures > 0
	if fail {
		p.failures--
	}
	p.mu.Unlock()
	if fail {
		return nil, p.err
	}
	return p.HashProvider.Embed(ctx, texts)
}

func (p *scriptedProvider) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.batches)
}

func fastConfig() Config {
	return Config{
		MaxRetries:     3,
		RetryBaseDelay: time.Millisecond,
		RetryMaxDelay:  5 * time.Millisecond,
	}
}

func newTestService(t *testing.T, p Provider, cfg Config, opts ...Option) *Service {
	t.Helper()
	svc, err := NewService(p, cfg, zap.NewNop(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

func TestService_EmbedCachesByModelAndText(t *testing.T) {
	ctx := context.Background()
	diskPath := filepath.Join(t.TempDir(), "cache.db")

	p1 := newScriptedProvider(t, "m1")
	disk, err := OpenDiskCache(diskPath)
	require.NoError(t, err)
	svc := newTestService(t, p1, fastConfig(), WithDiskCache(disk))

	first, err := svc.Embed(ctx, "hello world")
	require.NoError(t, err)
	second, err := svc.Embed(ctx, "  hello \n\t world ")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, p1.calls())

	st := svc.Stats()
	assert.Equal(t, int64(2), st.Requests)
	assert.Equal(t, int64(1), st.CacheHits)
	assert.Equal(t, int64(1), st.Misses)
	assert.InDelta(t, 0.5, st.HitRate, 1e-9)
	require.NoError(t, svc.Close())

	// Same model, new process: served from disk.
	p2 := newScriptedProvider(t, "m1")
	disk, err = OpenDiskCache(diskPath)
	require.NoError(t, err)
	svc2 := newTestService(t, p2, fastConfig(), WithDiskCache(disk))
	got, err := svc2.Embed(ctx, "hello world")
	require.NoError(t, err)
	assert.Equal(t, first, got)
	assert.Zero(t, p2.calls())
	assert.Equal(t, int64(1), svc2.Stats().DiskHits)
	require.NoError(t, svc2.Close())

	// Different model: miss.
	p3 := newScriptedProvider(t, "m2")
	disk, err = OpenDiskCache(diskPath)
	require.NoError(t, err)
	svc3 := newTestService(t, p3, fastConfig(), WithDiskCache(disk))
	_, err = svc3.Embed(ctx, "hello world")
	require.NoError(t, err)
	assert.Equal(t, 1, p3.calls())
}

func TestService_EmptyInput(t *testing.T) {
	svc := newTestService(t, newScriptedProvider(t, "m"), fastConfig())

	_, err := svc.Embed(context.Background(), " \n\t ")
	assert.ErrorIs(t, err, ErrEmptyInput)

	_, err = svc.EmbedBatch(context.Background(), []string{"ok", ""}, 0)
	assert.ErrorIs(t, err, ErrEmptyInput)

	_, err = svc.EmbedBatch(context.Background(), nil, 0)
	assert.ErrorIs(t, err, ErrEmptyInput)
}

func TestService_EmbedBatchKeepsNonBlankTexts(t *testing.T) {
	p := newScriptedProvider(t, "m")
	svc := newTestService(t, p, fastConfig())
	ctx := context.Background()

	vecs, err := svc.EmbedBatch(ctx, []string{"first", "  ", "third", ""}, 0)
	var blankErr *BlankTextsError
	require.ErrorAs(t, err, &blankErr)
	assert.ErrorIs(t, err, ErrEmptyInput)
	assert.Equal(t, []int{1, 3}, blankErr.Indexes)

	require.Len(t, vecs, 4)
	assert.Nil(t, vecs[1])
	assert.Nil(t, vecs[3])
	want, err := svc.Embed(ctx, "third")
	require.NoError(t, err)
	assert.Equal(t, want, vecs[2])
	assert.NotNil(t, vecs[0])
	assert.Equal(t, [][]string{{"first", "third"}}, p.batches)
}

func TestNormalizeText(t *testing.T) {
	assert.Equal(t, "a b c", normalizeText(" a\n\nb\t c ", 100))
	assert.Equal(t, "héllo"+truncationMarker, normalizeText("héllo wörld", 5))
	assert.Equal(t, "short", normalizeText("short", 5))
}

func TestService_RetriesTransientErrors(t *testing.T) {
	p := newScriptedProvider(t, "m")
	p.failures = 2
	p.err = &ProviderError{Provider: "test", Kind: KindServer, StatusCode: 503, Err: errors.New("unavailable")}
	svc := newTestService(t, p, fastConfig())

	vec, err := svc.Embed(context.Background(), "retry me")
	require.NoError(t, err)
	assert.False(t, IsFallbackVector(vec))
	assert.Equal(t, 3, p.calls())

	st := svc.Stats()
	assert.Equal(t, int64(2), st.Retries)
	assert.Zero(t, st.Fallbacks)
}

func TestService_PermanentErrorFallsBackWithoutRetry(t *testing.T) {
	p := newScriptedProvider(t, "m")
	p.failures = 1
	p.err = &ProviderError{Provider: "test", Kind: KindAuth, StatusCode: 401, Err: errors.New("bad key")}
	svc := newTestService(t, p, fastConfig())

	vec, err := svc.Embed(context.Background(), "no auth")
	require.NoError(t, err)
	require.Len(t, vec, 16)
	assert.True(t, IsFallbackVector(vec))
	assert.Equal(t, FallbackVector("no auth", 16), vec)
	assert.Equal(t, 1, p.calls())

	st := svc.Stats()
	assert.Equal(t, int64(1), st.Fallbacks)
	assert.Zero(t, st.Retries)

	// Fallback vectors are not cached: the next call reaches the provider.
	vec, err = svc.Embed(context.Background(), "no auth")
	require.NoError(t, err)
	assert.False(t, IsFallbackVector(vec))
	assert.Equal(t, 2, p.calls())
}

func TestService_ExhaustedRetriesFallBack(t *testing.T) {
	p := newScriptedProvider(t, "m")
	p.failures = 100
	p.err = errors.New("connection refused")
	cfg := fastConfig()
	cfg.MaxRetries = 2
	svc := newTestService(t, p, cfg)

	vec, err := svc.Embed(context.Background(), "down")
	require.NoError(t, err)
	assert.True(t, IsFallbackVector(vec))
	assert.Equal(t, 3, p.calls())
	assert.Equal(t, int64(1), svc.Stats().Failures)
}

func TestService_WrongDimensionIsPermanent(t *testing.T) {
	hp, err := NewHashProvider("m", 8)
	require.NoError(t, err)
	svc := newTestService(t, &lyingProvider{HashProvider: hp}, fastConfig())

	vec, err := svc.Embed(context.Background(), "x")
	require.NoError(t, err)
	assert.True(t, IsFallbackVector(vec))
	assert.Len(t, vec, 16)
}

// lyingProvider returns vectors shorter than the dimension it reports.
type lyingProvider struct{ *HashProvider }

func (p *lyingProvider) Dimension() int { return 16 }

func TestService_EmbedBatchOrderAndBatching(t *testing.T) {
	p := newScriptedProvider(t, "m")
	svc := newTestService(t, p, fastConfig())
	ctx := context.Background()

	// Warm one entry so the first batch has a hit.
	_, err := svc.Embed(ctx, "b")
	require.NoError(t, err)

	texts := []string{"a", "b", "c", "c", "d"}
	vecs, err := svc.EmbedBatch(ctx, texts, 2)
	require.NoError(t, err)
	require.Len(t, vecs, len(texts))

	for i, text := range texts {
		want, err := p.HashProvider.Embed(ctx, []string{text})
		require.NoError(t, err)
		assert.Equal(t, want[0], vecs[i], "position %d", i)
	}

	// warm-up, then [a] (b was cached), [c] (deduplicated), [d]
	require.Equal(t, 4, p.calls())
	assert.Equal(t, []string{"a"}, p.batches[1])
	assert.Equal(t, []string{"c"}, p.batches[2])
	assert.Equal(t, []string{"d"}, p.batches[3])
}

func TestService_EmbedBatchFailureFallsBackPerMiss(t *testing.T) {
	p := newScriptedProvider(t, "m")
	svc := newTestService(t, p, Config{MaxRetries: 0})
	ctx := context.Background()

	cached, err := svc.Embed(ctx, "cached")
	require.NoError(t, err)

	p.failures = 1
	p.err = &ProviderError{Provider: "test", Kind: KindBadRequest, StatusCode: 400, Err: errors.New("nope")}
	vecs, err := svc.EmbedBatch(ctx, []string{"cached", "fresh"}, 10)
	require.NoError(t, err)
	assert.Equal(t, cached, vecs[0])
	assert.True(t, IsFallbackVector(vecs[1]))
	assert.Equal(t, int64(1), svc.Stats().Fallbacks)
}

func TestService_CanceledContextFails(t *testing.T) {
	p := newScriptedProvider(t, "m")
	p.failures = 100
	p.err = errors.New("slow")
	svc := newTestService(t, p, Config{MaxRetries: 5, RetryBaseDelay: time.Second, RetryMaxDelay: time.Second})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := svc.Embed(ctx, "never")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, svc.Stats().Fallbacks)
}

func TestService_RequestDelayPacesProviderCalls(t *testing.T) {
	p := newScriptedProvider(t, "m")
	cfg := fastConfig()
	cfg.RequestDelay = 30 * time.Millisecond
	svc := newTestService(t, p, cfg)

	start := time.Now()
	for _, text := range []string{"one", "two", "three"} {
		_, err := svc.Embed(context.Background(), text)
		require.NoError(t, err)
	}
	assert.GreaterOrEqual(t, time.Since(start), 55*time.Millisecond)
}

func TestService_TruncatedTextsShareCacheEntry(t *testing.T) {
	p := newScriptedProvider(t, "m")
	cfg := fastConfig()
	cfg.MaxChars = 10
	svc := newTestService(t, p, cfg)

	long := strings.Repeat("x", 10)
	_, err := svc.Embed(context.Background(), long+"aaaa")
	require.NoError(t, err)
	_, err = svc.Embed(context.Background(), long+"bbbb")
	require.NoError(t, err)
	assert.Equal(t, 1, p.calls())
	assert.Equal(t, []string{long + truncationMarker}, p.batches[0])
}

func TestService_HealthCheckAndClose(t *testing.T) {
	svc, err := NewService(newScriptedProvider(t, "m"), fastConfig(), nil)
	require.NoError(t, err)
	require.NoError(t, svc.HealthCheck(context.Background()))
	require.NoError(t, svc.Close())
	require.NoError(t, svc.Close())
	assert.Error(t, svc.HealthCheck(context.Background()))
}

func TestNewService_Validation(t *testing.T) {
	_, err := NewService(nil, Config{}, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewService(newScriptedProvider(t, "m"), Config{MaxRetries: -1}, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
