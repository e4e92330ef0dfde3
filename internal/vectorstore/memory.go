package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recall/internal/metadata"
)

var memoryTracer = otel.Tracer("recall.vectorstore.memory")

// errNoEmbedder is returned by the collection's embedding function. Every
// document and query arrives with its vector, so chromem never calls it.
var errNoEmbedder = errors.New("memory store does not embed text")

// MemoryStore is the in-memory fallback store. chromem-go ranks by an
// exact cosine scan; a side table keeps the typed metadata records, which
// chromem only stores as strings, and the vectors for Export.
//
// MemoryStore always ranks by cosine similarity regardless of the primary's
// metric.
type MemoryStore struct {
	dim        int
	oversample int
	logger     *zap.Logger

	mu         sync.RWMutex
	db         *chromem.DB
	collection *chromem.Collection
	entries    map[string]Entry

	lastUpdated time.Time
	closed      atomic.Bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(dim, oversample int, logger *zap.Logger) (*MemoryStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dim <= 0 {
		return nil, fmt.Errorf("%w: dimension must be positive, got %d", ErrInvalidConfig, dim)
	}
	if oversample <= 0 {
		oversample = 4
	}

	db := chromem.NewDB()
	collection, err := db.GetOrCreateCollection("recall", nil, func(context.Context, string) ([]float32, error) {
		return nil, errNoEmbedder
	})
	if err != nil {
		return nil, fmt.Errorf("creating chromem collection: %w", err)
	}

	return &MemoryStore{
		dim:        dim,
		oversample: oversample,
		logger:     logger.With(zap.String("backend", BackendMemory)),
		db:         db,
		collection: collection,
		entries:    make(map[string]Entry),
	}, nil
}

func (s *MemoryStore) checkOpen() error {
	if s.closed.Load() {
		return fmt.Errorf("%w: memory store closed", ErrStoreUnavailable)
	}
	return nil
}

// Store implements Store.
func (s *MemoryStore) Store(ctx context.Context, documentID string, docMeta metadata.Record, chunks []Chunk, embeddings [][]float32) (ids []string, err error) {
	ctx, span := memoryTracer.Start(ctx, "MemoryStore.Store")
	defer span.End()
	start := time.Now()
	defer func() { observe(BackendMemory, "store", start, err) }()

	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	entries, err := buildRecords(s.dim, documentID, docMeta, chunks, embeddings)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if err := s.add(ctx, entries); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	ids = make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.ChunkID
	}
	span.SetAttributes(attribute.Int("chunk_count", len(ids)))
	return ids, nil
}

func (s *MemoryStore) add(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	docs := make([]chromem.Document, len(entries))
	for i, e := range entries {
		docs[i] = chromem.Document{
			ID:        e.ChunkID,
			Content:   e.Content,
			Metadata:  e.Metadata.StringMap(),
			Embedding: e.Vector,
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Concurrency of 1: vectors are supplied, nothing to parallelize.
	if err := s.collection.AddDocuments(ctx, docs, 1); err != nil {
		return fmt.Errorf("adding documents: %w", err)
	}
	for _, e := range entries {
		vec := make([]float32, len(e.Vector))
		copy(vec, e.Vector)
		e.Vector = vec
		e.Metadata = e.Metadata.Clone()
		s.entries[e.ChunkID] = e
	}
	s.lastUpdated = timeNow()
	VectorsTotal.WithLabelValues(BackendMemory).Set(float64(len(s.entries)))
	return nil
}

// Search implements Store.
func (s *MemoryStore) Search(ctx context.Context, query []float32, topK int, filter metadata.Filter) (results []Result, err error) {
	ctx, span := memoryTracer.Start(ctx, "MemoryStore.Search")
	defer span.End()
	start := time.Now()
	defer func() { observe(BackendMemory, "search", start, err) }()

	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if err := validateQuery(s.dim, query, topK); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	count := s.collection.Count()
	if count == 0 {
		return []Result{}, nil
	}

	n := count
	if !filter.ConversationScoped() {
		n = min(count, topK*s.oversample)
	}

	hits, err := s.collection.QueryEmbedding(ctx, normalized(query), n, nil, nil)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("%w: querying memory store: %v", ErrStoreUnavailable, err)
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Similarity > hits[j].Similarity })

	results = make([]Result, 0, topK)
	for _, h := range hits {
		e, ok := s.entries[h.ID]
		if !ok || !filter.Match(e.Metadata) {
			continue
		}
		results = append(results, Result{
			ChunkID:  e.ChunkID,
			Content:  e.Content,
			Metadata: e.Metadata.Clone(),
			Score:    h.Similarity,
		})
		if len(results) == topK {
			break
		}
	}
	span.SetAttributes(attribute.Int("results_count", len(results)))
	return results, nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(ctx context.Context, documentID string) (removed int, err error) {
	ctx, span := memoryTracer.Start(ctx, "MemoryStore.Delete")
	defer span.End()
	start := time.Now()
	defer func() { observe(BackendMemory, "delete", start, err) }()

	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	if documentID == "" {
		return 0, fmt.Errorf("%w: document id is required", ErrInvalidInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for id, e := range s.entries {
		if e.Metadata.DocumentID() == documentID {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return 0, nil
	}
	if err := s.collection.Delete(ctx, nil, nil, ids...); err != nil {
		return 0, fmt.Errorf("deleting from memory store: %w", err)
	}
	for _, id := range ids {
		delete(s.entries, id)
	}
	s.lastUpdated = timeNow()
	VectorsTotal.WithLabelValues(BackendMemory).Set(float64(len(s.entries)))
	return len(ids), nil
}

// IsReady implements Store.
func (s *MemoryStore) IsReady() bool { return !s.closed.Load() }

// HealthCheck implements Store.
func (s *MemoryStore) HealthCheck(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	unit := make([]float32, s.dim)
	unit[0] = 1
	_, err := s.Search(ctx, unit, 1, nil)
	return err
}

// Stats implements Store.
func (s *MemoryStore) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	docs := make(map[string]struct{})
	convs := make(map[string]struct{})
	for _, e := range s.entries {
		docs[e.Metadata.DocumentID()] = struct{}{}
		if c := e.Metadata.GetString(metadata.KeyConversationID); c != "" {
			convs[c] = struct{}{}
		}
	}
	return Stats{
		Backend:       BackendMemory,
		Documents:     len(docs),
		Vectors:       len(s.entries),
		Conversations: len(convs),
		Dimension:     s.dim,
		LastUpdated:   s.lastUpdated,
	}
}

// Dimension implements Store.
func (s *MemoryStore) Dimension() int { return s.dim }

// Backend implements Store.
func (s *MemoryStore) Backend() string { return BackendMemory }

// Close drops the in-memory contents.
func (s *MemoryStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = nil
	return s.db.Reset()
}

// Export implements Portable.
func (s *MemoryStore) Export(ctx context.Context) ([]Entry, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		vec := make([]float32, len(e.Vector))
		copy(vec, e.Vector)
		out = append(out, Entry{ChunkID: e.ChunkID, Content: e.Content, Metadata: e.Metadata.Clone(), Vector: vec})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChunkID < out[j].ChunkID })
	return out, nil
}

// Import implements Portable.
func (s *MemoryStore) Import(ctx context.Context, entries []Entry) (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	for i, e := range entries {
		if e.ChunkID == "" {
			return 0, fmt.Errorf("%w: entry %d has no chunk id", ErrInvalidInput, i)
		}
		if len(e.Vector) != s.dim {
			return 0, fmt.Errorf("%w: entry %d has length %d", ErrDimensionMismatch, i, len(e.Vector))
		}
	}
	if err := s.add(ctx, entries); err != nil {
		return 0, err
	}
	return len(entries), nil
}

// Ensure MemoryStore implements Store and Portable.
var (
	_ Store    = (*MemoryStore)(nil)
	_ Portable = (*MemoryStore)(nil)
)
