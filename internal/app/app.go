// Package app wires configuration into a running retrieval core.
//
// New builds, in order: logger, telemetry, embedding provider and
// service, context selector, store openers, worker, ingest pipeline and
// the Session that the CLI, HTTP API, MCP server and inbox watcher share.
package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recall/internal/config"
	"github.com/fyrsmithlabs/recall/internal/embeddings"
	"github.com/fyrsmithlabs/recall/internal/ingest"
	"github.com/fyrsmithlabs/recall/internal/logging"
	"github.com/fyrsmithlabs/recall/internal/secrets"
	"github.com/fyrsmithlabs/recall/internal/selector"
	"github.com/fyrsmithlabs/recall/internal/session"
	"github.com/fyrsmithlabs/recall/internal/telemetry"
	"github.com/fyrsmithlabs/recall/internal/vectorstore"
	"github.com/fyrsmithlabs/recall/internal/worker"
)

const instrumentationName = "github.com/fyrsmithlabs/recall"

// Options customizes New.
type Options struct {
	// Version is reported as the telemetry service version.
	Version string

	// Logger replaces the logger built from cfg.Logging.
	Logger *zap.Logger

	// TelemetryOptions are passed to telemetry.New.
	TelemetryOptions []telemetry.Option
}

// App owns every long-lived component.
type App struct {
	config    *config.Config
	logger    *zap.Logger
	sync      func() error
	telemetry *telemetry.Telemetry
	embedder  *embeddings.Service
	worker    *worker.Worker
	session   *session.Session
	primary   string
}

// New builds the application from cfg. Nothing is opened until the worker
// starts, except the embedding provider and its disk cache.
func New(ctx context.Context, cfg *config.Config, opts Options) (_ *App, err error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a := &App{config: cfg, primary: cfg.Store.Backend}
	var cleanup []func()
	defer func() {
		if err != nil {
			for i := len(cleanup) - 1; i >= 0; i-- {
				cleanup[i]()
			}
		}
	}()

	if opts.Logger != nil {
		a.logger = opts.Logger
		a.sync = func() error { return nil }
	} else {
		lcfg, err := logging.ConfigFromStrings(cfg.Logging.Level, cfg.Logging.Format)
		if err != nil {
			return nil, fmt.Errorf("%w: logging: %w", config.ErrInvalidConfig, err)
		}
		l, err := logging.NewLogger(lcfg)
		if err != nil {
			return nil, fmt.Errorf("creating logger: %w", err)
		}
		a.logger = l.Underlying()
		a.sync = l.Sync
	}
	logger := a.logger

	a.telemetry, err = telemetry.New(ctx, telemetry.FromConfig(cfg.Telemetry, opts.Version), logger, opts.TelemetryOptions...)
	if err != nil {
		return nil, err
	}
	cleanup = append(cleanup, func() { _ = a.telemetry.Shutdown(context.Background()) })

	a.embedder, err = newEmbedder(cfg.Embeddings, logger)
	if err != nil {
		return nil, err
	}
	cleanup = append(cleanup, func() { _ = a.embedder.Close() })
	dim := a.embedder.Dimension()

	sel, err := selector.New(a.embedder, selectorConfig(cfg.Selector), logger)
	if err != nil {
		return nil, err
	}

	a.worker, err = worker.New(worker.Config{
		QueueSize:      cfg.Worker.QueueSize,
		RequestTimeout: cfg.Worker.RequestTimeout.Duration(),
		StartupTimeout: cfg.Worker.StartupTimeout.Duration(),
		DrainTimeout:   cfg.Worker.DrainTimeout.Duration(),
		PrimaryRetries: cfg.Worker.PrimaryRetries,
		BatchSize:      cfg.Embeddings.BatchSize,
	}, a.embedder, sel, primaryOpener(cfg.Store, dim, logger), fallbackOpener(dim, cfg.Store.Oversample, logger), logger)
	if err != nil {
		return nil, err
	}
	// The worker owns the embedder from here on.
	cleanup = append(cleanup[:1], func() { _ = a.worker.Stop(context.Background()) })

	splitter, err := ingest.NewSplitter(ingest.SplitterConfig{
		ChunkSize:    cfg.Ingest.ChunkSize,
		ChunkOverlap: cfg.Ingest.ChunkOverlap,
	}, ingest.NewTokenCounter(cfg.Ingest.Encoding, logger))
	if err != nil {
		return nil, err
	}

	var scrubber *secrets.Scrubber
	if cfg.Ingest.ScrubSecrets {
		scrubber, err = secrets.New(secrets.Config{Enabled: true}, logger)
		if err != nil {
			return nil, fmt.Errorf("creating secret scrubber: %w", err)
		}
	}

	a.session, err = session.New(session.Options{
		Backend:  a.worker,
		Loader:   ingest.NewLoader(),
		Splitter: splitter,
		Scrubber: scrubber,
		Logger:   logger,
		Tracer:   a.telemetry.Tracer(instrumentationName),
	})
	if err != nil {
		return nil, err
	}

	logger.Info("recall initialized",
		zap.String("store", cfg.Store.Backend),
		zap.String("embeddings_provider", cfg.Embeddings.Provider),
		zap.String("embeddings_model", a.embedder.Model()),
		zap.Int("dimension", dim),
		zap.Bool("scrub_secrets", scrubber != nil),
		zap.Bool("telemetry", a.telemetry.Enabled()))
	return a, nil
}

func newEmbedder(c config.EmbeddingsConfig, logger *zap.Logger) (*embeddings.Service, error) {
	provider, err := embeddings.NewProvider(embeddings.ProviderConfig{
		Provider:  c.Provider,
		Model:     c.Model,
		Dimension: c.Dimension,
		BaseURL:   c.BaseURL,
		APIKey:    c.APIKey.Value(),
		Timeout:   c.Timeout.Duration(),
		CacheDir:  c.ModelCacheDir,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("creating %s embedding provider: %w", c.Provider, err)
	}

	opts := []embeddings.Option{embeddings.WithMetrics(embeddings.NewMetrics(logger))}
	if c.DiskCachePath != "" {
		disk, err := embeddings.OpenDiskCache(c.DiskCachePath)
		if err != nil {
			_ = provider.Close()
			return nil, fmt.Errorf("opening embedding disk cache: %w", err)
		}
		opts = append(opts, embeddings.WithDiskCache(disk))
	}

	svc, err := embeddings.NewService(provider, embeddings.Config{
		MaxChars:       c.MaxChars,
		CacheSize:      c.CacheSize,
		CacheTTL:       c.CacheTTL.Duration(),
		MaxRetries:     c.MaxRetries,
		RetryBaseDelay: c.RetryBaseDelay.Duration(),
		RetryMaxDelay:  c.RetryMaxDelay.Duration(),
		RequestDelay:   c.RequestDelay.Duration(),
		BatchSize:      c.BatchSize,
		BatchPause:     c.BatchPause.Duration(),
		Timeout:        c.Timeout.Duration(),
	}, logger, opts...)
	if err != nil {
		_ = provider.Close()
		return nil, err
	}
	return svc, nil
}

func selectorConfig(c config.SelectorConfig) selector.Config {
	return selector.Config{
		ConversationThreshold: selector.Score(c.ConversationThreshold),
		PendingThreshold:      selector.Score(c.PendingThreshold),
		RecentThresholds:      c.RecentThresholds,
		RecentWindow:          c.RecentWindow.Duration(),
		RecentWindowThreshold: selector.Score(c.RecentWindowThreshold),
		GlobalThreshold:       selector.Score(c.GlobalThreshold),
		EmergencyThreshold:    selector.Score(c.EmergencyThreshold),
		MinScore:              selector.Score(c.MinScore),
		MaxTokens:             c.MaxTokens,
		TopK:                  c.TopK,
	}
}

// primaryOpener opens the configured store with the provider's dimension,
// which wins over embeddings.dimension for fixed-size models.
func primaryOpener(c config.StoreConfig, dim int, logger *zap.Logger) worker.Opener {
	metric := vectorstore.Metric(c.Metric)
	if c.Backend == "qdrant" {
		return func(ctx context.Context) (vectorstore.Store, error) {
			return vectorstore.NewQdrantStore(ctx, vectorstore.QdrantConfig{
				Host:       c.Qdrant.Host,
				Port:       c.Qdrant.Port,
				UseTLS:     c.Qdrant.UseTLS,
				Collection: c.Qdrant.Collection,
				Dimension:  dim,
				Metric:     metric,
			}, logger)
		}
	}
	return func(context.Context) (vectorstore.Store, error) {
		return vectorstore.OpenFileStore(vectorstore.FileConfig{
			Dir:        c.Dir,
			Collection: c.Collection,
			Dimension:  dim,
			Metric:     metric,
			Oversample: c.Oversample,
		}, logger)
	}
}

func fallbackOpener(dim, oversample int, logger *zap.Logger) worker.Opener {
	return func(context.Context) (vectorstore.Store, error) {
		return vectorstore.NewMemoryStore(dim, oversample, logger)
	}
}

// Start opens the primary store now instead of on the first request.
func (a *App) Start(ctx context.Context) error {
	return a.worker.Start(ctx)
}

// Session returns the shared session.
func (a *App) Session() *session.Session { return a.session }

// Worker returns the retrieval worker.
func (a *App) Worker() *worker.Worker { return a.worker }

// Logger returns the root logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Telemetry returns the telemetry providers.
func (a *App) Telemetry() *telemetry.Telemetry { return a.telemetry }

// Config returns the configuration the app was built from.
func (a *App) Config() *config.Config { return a.config }

// Close stops the worker, which flushes and closes the stores and the
// embedding service, then shuts telemetry down.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if err := a.worker.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stopping worker: %w", err))
	}
	if err := a.telemetry.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutting down telemetry: %w", err))
	}
	if err := a.sync(); err != nil {
		errs = append(errs, fmt.Errorf("syncing logger: %w", err))
	}
	return errors.Join(errs...)
}
