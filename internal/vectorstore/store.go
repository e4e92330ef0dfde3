// Package vectorstore provides the similarity index that backs retrieval.
//
// Three implementations share the Store contract:
//   - FileStore: the primary on-disk index (exact flat inner-product scan)
//   - MemoryStore: the in-memory fallback built on chromem-go
//   - QdrantStore: an optional remote primary over gRPC
//
// Every stored vector has exactly one metadata record at the same position.
// Records and vectors are written, replaced and deleted together.
package vectorstore

import (
	"context"
	"errors"
	"time"

	"github.com/fyrsmithlabs/recall/internal/metadata"
)

// Sentinel errors for vector store operations.
var (
	// ErrDimensionMismatch is returned when a vector's length differs from
	// the store dimension, or chunks and embeddings differ in count.
	ErrDimensionMismatch = errors.New("dimension mismatch")

	// ErrIndexCorruption is reported when persisted artifacts cannot be read.
	// Stores recover from it on open; it surfaces only in salvage reports.
	ErrIndexCorruption = errors.New("index corruption")

	// ErrStoreUnavailable indicates the store cannot serve requests.
	ErrStoreUnavailable = errors.New("vector store unavailable")

	// ErrInvalidTopK is returned for a non-positive result count.
	ErrInvalidTopK = errors.New("topK must be positive")

	// ErrInvalidInput covers other malformed caller input.
	ErrInvalidInput = errors.New("invalid input")

	// ErrInvalidConfig indicates invalid store configuration.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// IsCallerError reports whether err was caused by the caller's input rather
// than by the store. Such errors never trigger a fallback switch.
func IsCallerError(err error) bool {
	return errors.Is(err, ErrDimensionMismatch) ||
		errors.Is(err, ErrInvalidTopK) ||
		errors.Is(err, ErrInvalidInput)
}

// Metric selects how vectors are compared.
type Metric string

const (
	// MetricCosine normalizes vectors to unit length, so the inner product
	// is the cosine similarity.
	MetricCosine Metric = "cosine"
	// MetricDot stores raw vectors and ranks by inner product.
	MetricDot Metric = "dot"
)

// Backend names reported by Store.Backend.
const (
	BackendFile   = "file"
	BackendMemory = "memory"
	BackendQdrant = "qdrant"
)

// Chunk is one piece of a split document, immutable once stored.
type Chunk struct {
	ID         string
	Content    string
	DocumentID string
	Index      int
	StartChar  int
	EndChar    int
	TokenCount int
	Metadata   metadata.Record
}

// Result is one ranked search hit.
type Result struct {
	ChunkID  string          `json:"chunk_id"`
	Content  string          `json:"content"`
	Metadata metadata.Record `json:"metadata"`
	Score    float32         `json:"score"`
}

// Salvage describes what recovery did when persisted artifacts were
// unreadable or disagreed with each other.
type Salvage struct {
	Mode        string    `json:"mode"`
	Reason      string    `json:"reason"`
	Quarantined []string  `json:"quarantined,omitempty"`
	Orphans     int       `json:"orphans"`
	At          time.Time `json:"at"`
}

// Salvage modes, in the order recovery tries them.
const (
	SalvageIndexOnly   = "index_only"
	SalvageSidecarOnly = "sidecar_only"
	SalvageFresh       = "fresh"
)

// Stats is a point-in-time summary of a store.
type Stats struct {
	Backend       string    `json:"backend"`
	Documents     int       `json:"documents"`
	Vectors       int       `json:"vectors"`
	Conversations int       `json:"conversations"`
	Dimension     int       `json:"dimension"`
	LastUpdated   time.Time `json:"last_updated"`
	Dir           string    `json:"dir,omitempty"`
	DirFallback   bool      `json:"dir_fallback"`
	Salvage       *Salvage  `json:"salvage,omitempty"`
}

// Store is the contract every index implementation satisfies.
type Store interface {
	// Store indexes chunks of one document with their embeddings and
	// returns the chunk IDs in input order. Chunks without an ID get a
	// generated one. Re-storing an existing chunk ID replaces it.
	Store(ctx context.Context, documentID string, docMeta metadata.Record, chunks []Chunk, embeddings [][]float32) ([]string, error)

	// Search returns at most topK results matching filter, ordered by
	// descending score.
	Search(ctx context.Context, query []float32, topK int, filter metadata.Filter) ([]Result, error)

	// Delete removes every chunk of a document and returns how many were
	// removed. Deleting an unknown document is not an error.
	Delete(ctx context.Context, documentID string) (int, error)

	// IsReady reports whether the store has been opened and not closed.
	// It performs no I/O.
	IsReady() bool

	// HealthCheck exercises the store with a real query.
	HealthCheck(ctx context.Context) error

	Stats() Stats
	Dimension() int
	Backend() string
	Close() error
}

// Entry is one stored chunk with its vector, used to move data between
// stores.
type Entry struct {
	ChunkID  string
	Content  string
	Metadata metadata.Record
	Vector   []float32
}

// Portable stores can export their contents and import another store's.
type Portable interface {
	Export(ctx context.Context) ([]Entry, error)
	// Import inserts or replaces entries by chunk ID and returns how many
	// were written.
	Import(ctx context.Context, entries []Entry) (int, error)
}

// timeNow is a variable for testing purposes.
var timeNow = time.Now
