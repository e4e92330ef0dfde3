package vectorstore

import (
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recall/internal/metadata"
)

var fileTracer = otel.Tracer("recall.vectorstore.file")

// SalvagedDocumentID is the document_id given to placeholder records
// created when the index survives but its records do not. Deleting this
// document removes them.
const SalvagedDocumentID = "salvaged"

// FileConfig configures a FileStore.
type FileConfig struct {
	// Dir is the preferred storage root. The collection lives in a
	// subdirectory named after Collection.
	Dir string

	// FallbackDirs are tried in order when Dir is unusable.
	// Default: DefaultFallbackDirs()
	FallbackDirs []string

	// Collection names the subdirectory. Default: "default"
	Collection string

	// Dimension is the fixed embedding length.
	Dimension int

	// Metric defaults to MetricCosine.
	Metric Metric

	// Oversample multiplies topK to size the candidate set of searches
	// that are not conversation-scoped. Default: 4
	Oversample int
}

// ApplyDefaults sets default values for unset fields.
func (c *FileConfig) ApplyDefaults() {
	if c.Collection == "" {
		c.Collection = "default"
	}
	if c.Metric == "" {
		c.Metric = MetricCosine
	}
	if c.Oversample <= 0 {
		c.Oversample = 4
	}
	if c.FallbackDirs == nil {
		c.FallbackDirs = DefaultFallbackDirs()
	}
}

// Validate validates the configuration.
func (c *FileConfig) Validate() error {
	if c.Dimension <= 0 || c.Dimension > maxIndexDim {
		return fmt.Errorf("%w: dimension must be in [1, %d], got %d", ErrInvalidConfig, maxIndexDim, c.Dimension)
	}
	if c.Metric != MetricCosine && c.Metric != MetricDot {
		return fmt.Errorf("%w: unknown metric %q", ErrInvalidConfig, c.Metric)
	}
	return ValidateCollectionName(c.Collection)
}

// FileStore is the primary on-disk index. Vectors live in one flat slice
// scanned exactly; records sit at the same positions. Every mutation is
// persisted before it returns.
type FileStore struct {
	cfg         FileConfig
	logger      *zap.Logger
	dir         string
	dirFallback bool

	mu          sync.RWMutex
	data        []float32
	records     []storedRecord
	positions   map[string]int
	convIndex   map[string][]int
	generation  uint64
	lastUpdated time.Time
	salvage     *Salvage
	orphans     []storedRecord

	ready  atomic.Bool
	closed atomic.Bool
}

// OpenFileStore opens or creates the collection, recovering from corrupt
// or inconsistent artifacts. It fails only when no storage directory is
// writable or the configuration is invalid.
func OpenFileStore(cfg FileConfig, logger *zap.Logger) (*FileStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	candidates := make([]string, 0, len(cfg.FallbackDirs)+1)
	if cfg.Dir != "" {
		candidates = append(candidates, filepath.Join(cfg.Dir, cfg.Collection))
	}
	for _, d := range cfg.FallbackDirs {
		candidates = append(candidates, filepath.Join(d, cfg.Collection))
	}
	dir, fallback, err := resolveDir(candidates, logger)
	if err != nil {
		return nil, err
	}
	if cfg.Dir == "" {
		fallback = true
	}
	if fallback {
		DirFallback.Set(1)
	} else {
		DirFallback.Set(0)
	}

	s := &FileStore{
		cfg:         cfg,
		logger:      logger.With(zap.String("backend", BackendFile), zap.String("dir", dir)),
		dir:         dir,
		dirFallback: fallback,
		positions:   map[string]int{},
		convIndex:   map[string][]int{},
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	s.ready.Store(true)
	VectorsTotal.WithLabelValues(BackendFile).Set(float64(len(s.records)))

	s.logger.Info("file store opened",
		zap.Int("vectors", len(s.records)),
		zap.Int("dimension", cfg.Dimension),
		zap.String("metric", string(cfg.Metric)),
		zap.Bool("dir_fallback", fallback))
	return s, nil
}

func (s *FileStore) path(name string) string { return filepath.Join(s.dir, name) }

// load reads the persisted artifacts. See the salvage modes for what
// happens when they are unreadable or disagree.
func (s *FileStore) load() error {
	idx, idxErr := readIndex(s.path(indexFile))
	sc, scErr := readSidecar(s.path(sidecarFile))

	idxMissing := errors.Is(idxErr, os.ErrNotExist)
	scMissing := errors.Is(scErr, os.ErrNotExist)
	if idxMissing && scMissing {
		return s.persistLocked()
	}

	if idxErr == nil && idx.dim != s.cfg.Dimension {
		idxErr = fmt.Errorf("%w: index dimension %d, configured %d", ErrIndexCorruption, idx.dim, s.cfg.Dimension)
	}
	if idxErr == nil && idx.metric != s.cfg.Metric {
		idxErr = fmt.Errorf("%w: index metric %s, configured %s", ErrIndexCorruption, idx.metric, s.cfg.Metric)
	}
	if scErr == nil && sc.Dimension != s.cfg.Dimension {
		scErr = fmt.Errorf("%w: sidecar dimension %d, configured %d", ErrIndexCorruption, sc.Dimension, s.cfg.Dimension)
	}

	if idxErr == nil && scErr == nil {
		if idx.count == len(sc.Records) && idx.generation == sc.Generation {
			s.data = idx.data
			s.records = sc.Records
			s.positions = sc.Positions
			if s.positions == nil {
				s.positions = map[string]int{}
			}
			s.generation = idx.generation
			s.lastUpdated = modTime(s.path(indexFile))
			s.rebuildConversationIndex()
			return nil
		}
		scErr = fmt.Errorf("%w: sidecar has %d records at generation %d, index has %d vectors at generation %d",
			ErrIndexCorruption, len(sc.Records), sc.Generation, idx.count, idx.generation)
	}

	return s.salvageLocked(idx, idxErr, sc, scErr)
}

func (s *FileStore) salvageLocked(idx indexData, idxErr error, sc sidecar, scErr error) error {
	report := &Salvage{At: timeNow()}
	move := func(name, label string) {
		dst, err := quarantine(s.path(name), label)
		if err != nil {
			s.logger.Error("failed to quarantine artifact", zap.String("file", name), zap.Error(err))
			return
		}
		if dst != "" {
			report.Quarantined = append(report.Quarantined, filepath.Base(dst))
			QuarantinedFiles.Inc()
		}
	}

	switch {
	case idxErr == nil:
		report.Mode = SalvageIndexOnly
		report.Reason = scErr.Error()
		s.data = idx.data
		s.records = make([]storedRecord, idx.count)
		for i := range s.records {
			id := uuid.NewString()
			s.records[i] = storedRecord{
				ChunkID:  id,
				Metadata: metadata.Record{metadata.KeyDocumentID: metadata.String(SalvagedDocumentID), metadata.KeyChunkID: metadata.String(id)},
			}
		}
		s.generation = idx.generation
		move(sidecarFile, "corrupt")

	case scErr == nil:
		report.Mode = SalvageSidecarOnly
		report.Reason = idxErr.Error()
		report.Orphans = len(sc.Records)
		s.orphans = sc.Records
		s.generation = sc.Generation
		move(indexFile, "corrupt")
		move(sidecarFile, "orphaned")

	default:
		report.Mode = SalvageFresh
		report.Reason = errors.Join(idxErr, scErr).Error()
		s.generation = max(idx.generation, sc.Generation)
		move(indexFile, "corrupt")
		move(sidecarFile, "corrupt")
	}

	s.positions = make(map[string]int, len(s.records))
	for i, r := range s.records {
		s.positions[r.ChunkID] = i
	}
	s.rebuildConversationIndex()
	s.salvage = report
	SalvageTotal.WithLabelValues(report.Mode).Inc()

	s.logger.Warn("recovered vector index from unreadable artifacts",
		zap.String("mode", report.Mode),
		zap.String("reason", report.Reason),
		zap.Strings("quarantined", report.Quarantined),
		zap.Int("vectors", len(s.records)),
		zap.Int("orphans", report.Orphans))

	return s.persistLocked()
}

func modTime(path string) time.Time {
	if fi, err := os.Stat(path); err == nil {
		return fi.ModTime()
	}
	return time.Time{}
}

// persistLocked writes all three artifacts under a new generation. The
// caller holds mu for writing.
func (s *FileStore) persistLocked() error {
	gen := s.generation + 1
	sc := sidecar{
		Generation: gen,
		Dimension:  s.cfg.Dimension,
		Records:    s.records,
		Positions:  s.positions,
	}
	if err := writeFileAtomic(s.path(sidecarFile), func(w io.Writer) error {
		return gob.NewEncoder(w).Encode(&sc)
	}); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	idx := indexData{
		metric:     s.cfg.Metric,
		dim:        s.cfg.Dimension,
		count:      len(s.records),
		generation: gen,
		data:       s.data,
	}
	if err := writeFileAtomic(s.path(indexFile), func(w io.Writer) error {
		return encodeIndex(w, idx)
	}); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	s.generation = gen
	s.lastUpdated = timeNow()

	if err := writeSummary(s.path(summaryFile), Summary{
		Dimension:     s.cfg.Dimension,
		DocumentCount: s.countDocumentsLocked(),
		VectorCount:   len(s.records),
		LastUpdated:   s.lastUpdated,
		Generation:    gen,
		Metric:        s.cfg.Metric,
		Backend:       BackendFile,
	}); err != nil {
		// The summary is informational; the index pair is already durable.
		s.logger.Warn("failed to write summary", zap.Error(err))
	}
	return nil
}

// contents is the in-memory index as of the last successful persist.
type contents struct {
	data      []float32
	records   []storedRecord
	positions map[string]int
}

// failPersistLocked rolls memory back to prev, so it matches what is on
// disk and can still be exported, and stops accepting operations until
// the store is reopened.
func (s *FileStore) failPersistLocked(prev contents, err error) {
	s.data, s.records, s.positions = prev.data, prev.records, prev.positions
	s.rebuildConversationIndex()
	s.ready.Store(false)
	s.logger.Error("failed to persist index", zap.Error(err))
}

func (s *FileStore) rebuildConversationIndex() {
	s.convIndex = make(map[string][]int)
	for i := range s.records {
		s.indexConversation(i)
	}
}

func (s *FileStore) indexConversation(pos int) {
	rec := s.records[pos].Metadata
	seen := ""
	for _, key := range []string{metadata.KeyConversationID, metadata.KeyPendingConversationID} {
		v := rec.GetString(key)
		if v == "" || v == seen {
			continue
		}
		s.convIndex[v] = append(s.convIndex[v], pos)
		seen = v
	}
}

func (s *FileStore) countDocumentsLocked() int {
	docs := make(map[string]struct{})
	for _, r := range s.records {
		docs[r.Metadata.DocumentID()] = struct{}{}
	}
	return len(docs)
}

func (s *FileStore) checkOpen() error {
	if s.closed.Load() {
		return fmt.Errorf("%w: store closed", ErrStoreUnavailable)
	}
	if !s.ready.Load() {
		return fmt.Errorf("%w: store not ready", ErrStoreUnavailable)
	}
	return nil
}

func (s *FileStore) prepare(v []float32) []float32 {
	if s.cfg.Metric == MetricCosine {
		return normalized(v)
	}
	out := make([]float32, len(v))
	copy(out, v)
	return out
}

// Store implements Store.
func (s *FileStore) Store(ctx context.Context, documentID string, docMeta metadata.Record, chunks []Chunk, embeddings [][]float32) (ids []string, err error) {
	ctx, span := fileTracer.Start(ctx, "FileStore.Store")
	defer span.End()
	start := time.Now()
	defer func() { observe(BackendFile, "store", start, err) }()

	span.SetAttributes(
		attribute.String("document_id", documentID),
		attribute.Int("chunk_count", len(chunks)),
	)

	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	entries, err := buildRecords(s.cfg.Dimension, documentID, docMeta, chunks, embeddings)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if len(entries) == 0 {
		return []string{}, nil
	}

	if err := s.write(ctx, entries); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	ids = make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.ChunkID
	}
	span.SetStatus(codes.Ok, "success")
	s.logger.Debug("stored chunks",
		zap.String("document_id", documentID),
		zap.Int("count", len(ids)))
	return ids, nil
}

// write inserts or replaces entries by chunk ID and persists once.
func (s *FileStore) write(ctx context.Context, entries []Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev := contents{
		data:      slices.Clone(s.data),
		records:   slices.Clone(s.records),
		positions: maps.Clone(s.positions),
	}
	replaced := false
	for _, e := range entries {
		vec := s.prepare(e.Vector)
		rec := storedRecord{ChunkID: e.ChunkID, Content: e.Content, Metadata: e.Metadata}
		if pos, ok := s.positions[e.ChunkID]; ok {
			copy(s.data[pos*s.cfg.Dimension:(pos+1)*s.cfg.Dimension], vec)
			s.records[pos] = rec
			replaced = true
			continue
		}
		pos := len(s.records)
		s.data = append(s.data, vec...)
		s.records = append(s.records, rec)
		s.positions[e.ChunkID] = pos
		if !replaced {
			s.indexConversation(pos)
		}
	}
	if replaced {
		s.rebuildConversationIndex()
	}

	if err := s.persistLocked(); err != nil {
		s.failPersistLocked(prev, err)
		return err
	}
	VectorsTotal.WithLabelValues(BackendFile).Set(float64(len(s.records)))
	return nil
}

type scoredPos struct {
	pos   int
	score float32
}

// Search implements Store.
func (s *FileStore) Search(ctx context.Context, query []float32, topK int, filter metadata.Filter) (results []Result, err error) {
	_, span := fileTracer.Start(ctx, "FileStore.Search")
	defer span.End()
	start := time.Now()
	defer func() { observe(BackendFile, "search", start, err) }()

	scoped := filter.ConversationScoped()
	span.SetAttributes(
		attribute.Int("top_k", topK),
		attribute.Bool("conversation_scoped", scoped),
	)

	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if err := validateQuery(s.cfg.Dimension, query, topK); err != nil {
		span.RecordError(err)
		return nil, err
	}
	q := s.prepare(query)

	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.records) == 0 {
		return []Result{}, nil
	}

	var candidates []int
	if scoped {
		if values, ok := conversationValues(filter); ok {
			candidates = s.conversationCandidates(values)
		}
	}

	dim := s.cfg.Dimension
	var scored []scoredPos
	if candidates != nil {
		scored = make([]scoredPos, 0, len(candidates))
		for _, pos := range candidates {
			scored = append(scored, scoredPos{pos, dot(q, s.data[pos*dim:(pos+1)*dim])})
		}
	} else {
		scored = make([]scoredPos, len(s.records))
		for pos := range s.records {
			scored[pos] = scoredPos{pos, dot(q, s.data[pos*dim:(pos+1)*dim])}
		}
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].score > scored[j].score })

	if !scoped {
		if limit := topK * s.cfg.Oversample; len(scored) > limit {
			scored = scored[:limit]
		}
	}

	results = make([]Result, 0, min(topK, len(scored)))
	for _, sp := range scored {
		rec := s.records[sp.pos]
		if !filter.Match(rec.Metadata) {
			continue
		}
		results = append(results, Result{
			ChunkID:  rec.ChunkID,
			Content:  rec.Content,
			Metadata: rec.Metadata.Clone(),
			Score:    sp.score,
		})
		if len(results) == topK {
			break
		}
	}

	span.SetAttributes(
		attribute.Int("candidates", len(scored)),
		attribute.Int("results_count", len(results)),
	)
	span.SetStatus(codes.Ok, "success")
	return results, nil
}

// conversationCandidates returns the positions of records carrying any of
// values under either conversation key, deduplicated.
func (s *FileStore) conversationCandidates(values []string) []int {
	seen := make(map[int]struct{})
	out := []int{}
	for _, v := range values {
		for _, pos := range s.convIndex[v] {
			if _, dup := seen[pos]; dup {
				continue
			}
			seen[pos] = struct{}{}
			out = append(out, pos)
		}
	}
	return out
}

// Delete implements Store. The index is compacted and the conversation
// index rebuilt.
func (s *FileStore) Delete(ctx context.Context, documentID string) (removed int, err error) {
	_, span := fileTracer.Start(ctx, "FileStore.Delete")
	defer span.End()
	start := time.Now()
	defer func() { observe(BackendFile, "delete", start, err) }()

	span.SetAttributes(attribute.String("document_id", documentID))

	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	if documentID == "" {
		return 0, fmt.Errorf("%w: document id is required", ErrInvalidInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev := contents{data: s.data, records: s.records, positions: s.positions}
	dim := s.cfg.Dimension
	data := make([]float32, 0, len(s.data))
	records := make([]storedRecord, 0, len(s.records))
	for pos, r := range s.records {
		if r.Metadata.DocumentID() == documentID {
			removed++
			continue
		}
		data = append(data, s.data[pos*dim:(pos+1)*dim]...)
		records = append(records, r)
	}
	if removed == 0 {
		return 0, nil
	}

	s.data = data
	s.records = records
	s.positions = make(map[string]int, len(records))
	for i, r := range records {
		s.positions[r.ChunkID] = i
	}
	s.rebuildConversationIndex()

	if err := s.persistLocked(); err != nil {
		s.failPersistLocked(prev, err)
		span.RecordError(err)
		return 0, err
	}
	VectorsTotal.WithLabelValues(BackendFile).Set(float64(len(s.records)))
	span.SetAttributes(attribute.Int("removed", removed))
	s.logger.Debug("deleted document", zap.String("document_id", documentID), zap.Int("removed", removed))
	return removed, nil
}

// IsReady implements Store.
func (s *FileStore) IsReady() bool {
	return s.ready.Load() && !s.closed.Load()
}

// HealthCheck stats the index artifact and runs a one-result search with a
// basis vector.
func (s *FileStore) HealthCheck(ctx context.Context) (err error) {
	start := time.Now()
	defer func() { observe(BackendFile, "health", start, err) }()

	if err := s.checkOpen(); err != nil {
		return err
	}
	if _, err := os.Stat(s.path(indexFile)); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	unit := make([]float32, s.cfg.Dimension)
	unit[0] = 1
	if _, err := s.Search(ctx, unit, 1, nil); err != nil {
		return fmt.Errorf("%w: health search: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// Stats implements Store.
func (s *FileStore) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conversations := make(map[string]struct{})
	for _, r := range s.records {
		if c := r.Metadata.GetString(metadata.KeyConversationID); c != "" {
			conversations[c] = struct{}{}
		}
	}

	var salvage *Salvage
	if s.salvage != nil {
		cp := *s.salvage
		salvage = &cp
	}
	return Stats{
		Backend:       BackendFile,
		Documents:     s.countDocumentsLocked(),
		Vectors:       len(s.records),
		Conversations: len(conversations),
		Dimension:     s.cfg.Dimension,
		LastUpdated:   s.lastUpdated,
		Dir:           s.dir,
		DirFallback:   s.dirFallback,
		Salvage:       salvage,
	}
}

// Dimension implements Store.
func (s *FileStore) Dimension() int { return s.cfg.Dimension }

// Backend implements Store.
func (s *FileStore) Backend() string { return BackendFile }

// Dir returns the collection directory in use.
func (s *FileStore) Dir() string { return s.dir }

// Close flushes the index. Every mutation is already durable, so this only
// rewrites the artifacts when the last persist failed.
func (s *FileStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	if !s.ready.Load() {
		err = s.persistLocked()
	}
	s.ready.Store(false)
	s.logger.Info("file store closed", zap.Int("vectors", len(s.records)))
	return err
}

// Export implements Portable. It keeps working after a failed persist so
// the records still in memory can be moved to another store.
func (s *FileStore) Export(ctx context.Context) ([]Entry, error) {
	if s.closed.Load() {
		return nil, fmt.Errorf("%w: store closed", ErrStoreUnavailable)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	dim := s.cfg.Dimension
	out := make([]Entry, len(s.records))
	for pos, r := range s.records {
		vec := make([]float32, dim)
		copy(vec, s.data[pos*dim:(pos+1)*dim])
		out[pos] = Entry{
			ChunkID:  r.ChunkID,
			Content:  r.Content,
			Metadata: r.Metadata.Clone(),
			Vector:   vec,
		}
	}
	return out, nil
}

// Import implements Portable.
func (s *FileStore) Import(ctx context.Context, entries []Entry) (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	for i, e := range entries {
		if e.ChunkID == "" {
			return 0, fmt.Errorf("%w: entry %d has no chunk id", ErrInvalidInput, i)
		}
		if len(e.Vector) != s.cfg.Dimension {
			return 0, fmt.Errorf("%w: entry %d has length %d", ErrDimensionMismatch, i, len(e.Vector))
		}
	}
	if len(entries) == 0 {
		return 0, nil
	}
	if err := s.write(ctx, entries); err != nil {
		return 0, err
	}
	return len(entries), nil
}

// Ensure FileStore implements Store and Portable.
var (
	_ Store    = (*FileStore)(nil)
	_ Portable = (*FileStore)(nil)
)

// TakeOrphans returns the records recovered from a sidecar whose index was
// lost, without vectors, and forgets them. Callers re-embed the content and
// Import it to make the records searchable again.
func (s *FileStore) TakeOrphans() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Entry, len(s.orphans))
	for i, r := range s.orphans {
		out[i] = Entry{ChunkID: r.ChunkID, Content: r.Content, Metadata: r.Metadata}
	}
	s.orphans = nil
	return out
}
