// Package config provides configuration loading for recall.
//
// Configuration is read from an optional YAML or TOML file and then
// overridden by RECALL_* environment variables. Missing values fall back to
// the defaults returned by Default.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds the complete recall configuration.
type Config struct {
	Embeddings EmbeddingsConfig `koanf:"embeddings"`
	Store      StoreConfig      `koanf:"store"`
	Selector   SelectorConfig   `koanf:"selector"`
	Worker     WorkerConfig     `koanf:"worker"`
	Ingest     IngestConfig     `koanf:"ingest"`
	Server     ServerConfig     `koanf:"server"`
	Logging    LoggingConfig    `koanf:"logging"`
	Telemetry  TelemetryConfig  `koanf:"telemetry"`
}

// EmbeddingsConfig configures the embedding provider, cache and retry policy.
type EmbeddingsConfig struct {
	Provider       string   `koanf:"provider"`
	Model          string   `koanf:"model"`
	Dimension      int      `koanf:"dimension"`
	BaseURL        string   `koanf:"base_url"`
	APIKey         Secret   `koanf:"api_key"`
	MaxChars       int      `koanf:"max_chars"`
	CacheSize      int      `koanf:"cache_size"`
	CacheTTL       Duration `koanf:"cache_ttl"`
	DiskCachePath  string   `koanf:"disk_cache_path"`
	MaxRetries     int      `koanf:"max_retries"`
	RetryBaseDelay Duration `koanf:"retry_base_delay"`
	RetryMaxDelay  Duration `koanf:"retry_max_delay"`
	RequestDelay   Duration `koanf:"request_delay"`
	BatchSize      int      `koanf:"batch_size"`
	BatchPause     Duration `koanf:"batch_pause"`
	Timeout        Duration `koanf:"timeout"`
	ModelCacheDir  string   `koanf:"model_cache_dir"`
}

// StoreConfig configures the primary vector store.
type StoreConfig struct {
	Backend    string       `koanf:"backend"`
	Dir        string       `koanf:"dir"`
	Collection string       `koanf:"collection"`
	Metric     string       `koanf:"metric"`
	Oversample int          `koanf:"oversample"`
	Qdrant     QdrantConfig `koanf:"qdrant"`
}

// QdrantConfig configures the optional Qdrant backend.
type QdrantConfig struct {
	Host       string `koanf:"host"`
	Port       int    `koanf:"port"`
	UseTLS     bool   `koanf:"use_tls"`
	Collection string `koanf:"collection"`
}

// SelectorConfig holds the tier thresholds and post-filter defaults.
type SelectorConfig struct {
	ConversationThreshold float32   `koanf:"conversation_threshold"`
	PendingThreshold      float32   `koanf:"pending_threshold"`
	RecentThresholds      []float32 `koanf:"recent_thresholds"`
	RecentWindow          Duration  `koanf:"recent_window"`
	RecentWindowThreshold float32   `koanf:"recent_window_threshold"`
	GlobalThreshold       float32   `koanf:"global_threshold"`
	EmergencyThreshold    float32   `koanf:"emergency_threshold"`
	MinScore              float32   `koanf:"min_score"`
	MaxTokens             int       `koanf:"max_tokens"`
	TopK                  int       `koanf:"top_k"`
}

// WorkerConfig configures the retrieval worker queue and fallback policy.
type WorkerConfig struct {
	QueueSize      int      `koanf:"queue_size"`
	RequestTimeout Duration `koanf:"request_timeout"`
	StartupTimeout Duration `koanf:"startup_timeout"`
	DrainTimeout   Duration `koanf:"drain_timeout"`
	PrimaryRetries int      `koanf:"primary_retries"`
}

// IngestConfig configures loading, splitting and scrubbing.
type IngestConfig struct {
	ChunkSize    int    `koanf:"chunk_size"`
	ChunkOverlap int    `koanf:"chunk_overlap"`
	Encoding     string `koanf:"encoding"`
	ScrubSecrets bool   `koanf:"scrub_secrets"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// LoggingConfig selects log level and encoding.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	Enabled     bool    `koanf:"enabled"`
	Endpoint    string  `koanf:"endpoint"`
	Protocol    string  `koanf:"protocol"`
	Insecure    bool    `koanf:"insecure"`
	ServiceName string  `koanf:"service_name"`
	SampleRate  float64 `koanf:"sample_rate"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Embeddings: EmbeddingsConfig{
			Provider:       "hash",
			Model:          "text-embedding-3-small",
			Dimension:      1536,
			MaxChars:       8000,
			CacheSize:      10000,
			CacheTTL:       Duration(24 * time.Hour),
			MaxRetries:     3,
			RetryBaseDelay: Duration(500 * time.Millisecond),
			RetryMaxDelay:  Duration(10 * time.Second),
			RequestDelay:   Duration(100 * time.Millisecond),
			BatchSize:      32,
			BatchPause:     Duration(200 * time.Millisecond),
			Timeout:        Duration(30 * time.Second),
		},
		Store: StoreConfig{
			Backend:    "file",
			Dir:        defaultStoreDir(),
			Collection: "default",
			Metric:     "cosine",
			Oversample: 4,
			Qdrant: QdrantConfig{
				Host:       "localhost",
				Port:       6334,
				Collection: "recall_default",
			},
		},
		Selector: SelectorConfig{
			ConversationThreshold: 0.10,
			PendingThreshold:      0.10,
			RecentThresholds:      []float32{0.7, 0.6, 0.5},
			RecentWindow:          Duration(10 * time.Minute),
			RecentWindowThreshold: 0.30,
			GlobalThreshold:       0.45,
			EmergencyThreshold:    0.10,
			MinScore:              0.05,
			MaxTokens:             2000,
			TopK:                  5,
		},
		Worker: WorkerConfig{
			QueueSize:      64,
			RequestTimeout: Duration(30 * time.Second),
			StartupTimeout: Duration(10 * time.Second),
			DrainTimeout:   Duration(5 * time.Second),
		},
		Ingest: IngestConfig{
			ChunkSize:    1000,
			ChunkOverlap: 200,
			Encoding:     "cl100k_base",
			ScrubSecrets: true,
		},
		Server: ServerConfig{
			Host:            "localhost",
			Port:            9191,
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Telemetry: TelemetryConfig{
			Endpoint:    "localhost:4317",
			Protocol:    "grpc",
			Insecure:    true,
			ServiceName: "recall",
			SampleRate:  1.0,
		},
	}
}

func defaultStoreDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "recall", "vectors")
	}
	return filepath.Join(home, ".local", "share", "recall", "vectors")
}

// Validate checks the configuration for values the components cannot use.
func (c *Config) Validate() error {
	switch c.Embeddings.Provider {
	case "hash", "openai", "tei", "fastembed":
	default:
		return fmt.Errorf("%w: unknown embeddings.provider %q", ErrInvalidConfig, c.Embeddings.Provider)
	}
	if c.Embeddings.Dimension <= 0 {
		return fmt.Errorf("%w: embeddings.dimension must be positive", ErrInvalidConfig)
	}
	if c.Embeddings.Provider == "tei" && c.Embeddings.BaseURL == "" {
		return fmt.Errorf("%w: embeddings.base_url is required for tei", ErrInvalidConfig)
	}
	if c.Embeddings.MaxChars <= 0 {
		return fmt.Errorf("%w: embeddings.max_chars must be positive", ErrInvalidConfig)
	}
	if c.Embeddings.MaxRetries < 0 {
		return fmt.Errorf("%w: embeddings.max_retries cannot be negative", ErrInvalidConfig)
	}
	if c.Embeddings.BatchSize <= 0 {
		return fmt.Errorf("%w: embeddings.batch_size must be positive", ErrInvalidConfig)
	}

	switch c.Store.Backend {
	case "file", "qdrant":
	default:
		return fmt.Errorf("%w: unknown store.backend %q", ErrInvalidConfig, c.Store.Backend)
	}
	if c.Store.Metric != "cosine" && c.Store.Metric != "dot" {
		return fmt.Errorf("%w: store.metric must be cosine or dot, got %q", ErrInvalidConfig, c.Store.Metric)
	}
	if c.Store.Oversample < 1 {
		return fmt.Errorf("%w: store.oversample must be at least 1", ErrInvalidConfig)
	}

	s := c.Selector
	for name, v := range map[string]float32{
		"conversation_threshold":  s.ConversationThreshold,
		"pending_threshold":       s.PendingThreshold,
		"recent_window_threshold": s.RecentWindowThreshold,
		"global_threshold":        s.GlobalThreshold,
		"emergency_threshold":     s.EmergencyThreshold,
		"min_score":               s.MinScore,
	} {
		if v < -1 || v > 1 {
			return fmt.Errorf("%w: selector.%s must be within [-1, 1], got %v", ErrInvalidConfig, name, v)
		}
	}
	if len(s.RecentThresholds) == 0 {
		return fmt.Errorf("%w: selector.recent_thresholds cannot be empty", ErrInvalidConfig)
	}
	for i := 1; i < len(s.RecentThresholds); i++ {
		if s.RecentThresholds[i] > s.RecentThresholds[i-1] {
			return fmt.Errorf("%w: selector.recent_thresholds must be descending", ErrInvalidConfig)
		}
	}
	if s.MaxTokens <= 0 || s.TopK <= 0 {
		return fmt.Errorf("%w: selector.max_tokens and selector.top_k must be positive", ErrInvalidConfig)
	}

	if c.Worker.QueueSize <= 0 {
		return fmt.Errorf("%w: worker.queue_size must be positive", ErrInvalidConfig)
	}
	if c.Worker.PrimaryRetries < 0 {
		return fmt.Errorf("%w: worker.primary_retries cannot be negative", ErrInvalidConfig)
	}

	if c.Ingest.ChunkSize <= 0 || c.Ingest.ChunkOverlap < 0 || c.Ingest.ChunkOverlap >= c.Ingest.ChunkSize {
		return fmt.Errorf("%w: ingest.chunk_overlap must be in [0, chunk_size)", ErrInvalidConfig)
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("%w: invalid server port: %d (must be 1-65535)", ErrInvalidConfig, c.Server.Port)
	}

	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		return fmt.Errorf("%w: logging.format must be 'json' or 'console', got %q", ErrInvalidConfig, c.Logging.Format)
	}

	if c.Telemetry.Enabled && c.Telemetry.Endpoint == "" {
		return fmt.Errorf("%w: telemetry.endpoint is required when telemetry is enabled", ErrInvalidConfig)
	}

	return nil
}
