// Package session is the caller-facing handle to the retrieval core.
//
// A Session loads, scrubs and splits documents on the caller's goroutine,
// then hands embedding, storage and search to the worker. Callers never see
// the worker's queue or which store is serving; results report it.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recall/internal/ingest"
	"github.com/fyrsmithlabs/recall/internal/metadata"
	"github.com/fyrsmithlabs/recall/internal/secrets"
	"github.com/fyrsmithlabs/recall/internal/selector"
	"github.com/fyrsmithlabs/recall/internal/vectorstore"
	"github.com/fyrsmithlabs/recall/internal/worker"
)

// ErrInvalidRequest wraps malformed caller input such as unusable filters.
var ErrInvalidRequest = errors.New("invalid request")

// documentNamespace derives document IDs from source paths, so
// re-ingesting a file replaces its previous version.
var documentNamespace = uuid.MustParse("0d6f7c2a-5b1e-4c39-9a51-7e3c2f8d4b60")

// Backend is the worker API a Session drives.
type Backend interface {
	Ingest(ctx context.Context, p worker.IngestPayload) (*worker.IngestResult, error)
	Query(ctx context.Context, req selector.Request) (*worker.QueryResult, error)
	Delete(ctx context.Context, documentID string) (*worker.DeleteResult, error)
	Stats(ctx context.Context) (*worker.Snapshot, error)
	Health(ctx context.Context) (*worker.HealthReport, error)
	Reinitialize(ctx context.Context) (*worker.Snapshot, error)
}

// Options configures a Session.
type Options struct {
	Backend  Backend
	Loader   *ingest.Loader
	Splitter *ingest.Splitter
	// Scrubber may be nil to index content unredacted.
	Scrubber *secrets.Scrubber
	Logger   *zap.Logger
	// Tracer defaults to the global provider's tracer.
	Tracer trace.Tracer
}

// Session is safe for concurrent use.
type Session struct {
	backend  Backend
	loader   *ingest.Loader
	splitter *ingest.Splitter
	scrubber *secrets.Scrubber
	logger   *zap.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

// New creates a Session.
func New(opts Options) (*Session, error) {
	if opts.Backend == nil || opts.Splitter == nil {
		return nil, errors.New("session: backend and splitter are required")
	}
	if opts.Loader == nil {
		opts.Loader = ingest.NewLoader()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("github.com/fyrsmithlabs/recall/internal/session")
	}
	return &Session{
		backend:  opts.Backend,
		loader:   opts.Loader,
		splitter: opts.Splitter,
		scrubber: opts.Scrubber,
		logger:   opts.Logger.Named("session"),
		tracer:   opts.Tracer,
		now:      time.Now,
	}, nil
}

// DocumentIDForPath returns the ID IngestDocument assigns to path when no
// document_id override is given.
func DocumentIDForPath(absPath string) string {
	return uuid.NewSHA1(documentNamespace, []byte(absPath)).String()
}

// IngestDocument loads filePath, redacts secrets, splits it and indexes the
// chunks. overrides are layered over the loader's metadata; a document_id
// override is used as the ID. Re-ingesting a path replaces the document.
func (s *Session) IngestDocument(ctx context.Context, filePath string, overrides map[string]any) (_ string, err error) {
	ctx, span := s.tracer.Start(ctx, "session.IngestDocument",
		trace.WithAttributes(attribute.String("path", filePath)))
	defer func() { endSpan(span, err) }()

	doc, err := s.loader.Load(ctx, filePath)
	if err != nil {
		return "", fmt.Errorf("loading %s: %w", filePath, err)
	}
	extra, err := metadata.FromMap(overrides)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	meta := metadata.Layer(doc.Metadata, extra)

	documentID := meta.DocumentID()
	if documentID == "" {
		documentID = DocumentIDForPath(meta.GetString(metadata.KeySource))
	}
	return s.ingest(ctx, documentID, doc.Content, meta, true)
}

// IngestText indexes content that is already in memory. A document_id in
// meta is used as the ID; otherwise a new one is generated.
func (s *Session) IngestText(ctx context.Context, content string, meta map[string]any) (_ string, err error) {
	ctx, span := s.tracer.Start(ctx, "session.IngestText")
	defer func() { endSpan(span, err) }()

	rec, err := metadata.FromMap(meta)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if _, ok := rec.Get(metadata.KeyCreatedAt); !ok {
		rec[metadata.KeyCreatedAt] = metadata.Time(s.now())
	}
	documentID := rec.DocumentID()
	replace := documentID != ""
	if documentID == "" {
		documentID = uuid.NewString()
	}
	return s.ingest(ctx, documentID, content, rec, replace)
}

func (s *Session) ingest(ctx context.Context, documentID, content string, meta metadata.Record, replace bool) (string, error) {
	if s.scrubber != nil {
		res := s.scrubber.Scrub(content)
		if res.HasFindings() {
			s.logger.Info("secrets redacted before indexing",
				zap.String("document_id", documentID),
				zap.Int("findings", len(res.Findings)),
				zap.Strings("rules", res.RuleIDs()))
		}
		content = res.Scrubbed
	}

	chunks, err := s.splitter.Split(documentID, content)
	if err != nil {
		return "", fmt.Errorf("splitting %s: %w", documentID, err)
	}

	res, err := s.backend.Ingest(ctx, worker.IngestPayload{
		DocumentID: documentID,
		Metadata:   meta,
		Chunks:     chunks,
		Replace:    replace,
	})
	if err != nil {
		return "", err
	}
	trace.SpanFromContext(ctx).SetAttributes(
		attribute.String("document_id", documentID),
		attribute.Int("chunks", len(res.ChunkIDs)),
		attribute.String("served_by", res.ServedBy))
	s.logger.Info("document ingested",
		zap.String("document_id", documentID),
		zap.String("filename", meta.GetString(metadata.KeyFilename)),
		zap.Int("chunks", len(res.ChunkIDs)),
		zap.Int("degraded", res.Degraded),
		zap.String("served_by", res.ServedBy))
	return documentID, nil
}

// QueryRequest is a context query.
type QueryRequest struct {
	Text           string         `json:"text"`
	TopK           int            `json:"top_k,omitempty"`
	ConversationID string         `json:"conversation_id,omitempty"`
	Filters        map[string]any `json:"filters,omitempty"`
	MaxTokens      int            `json:"max_tokens,omitempty"`

	StrictIsolation bool `json:"strict_isolation,omitempty"`
	RecentUploads   bool `json:"recent_uploads,omitempty"`
}

// QueryResult is the selected context and how it was found.
type QueryResult struct {
	Sources     []selector.ContextResult `json:"sources"`
	ContextText string                   `json:"context_text"`
	Trace       selector.Trace           `json:"trace"`
	ServedBy    string                   `json:"served_by"`
}

// Query selects context for req.Text. Zero results is a valid answer; only
// malformed requests and unavailable stores produce errors.
func (s *Session) Query(ctx context.Context, req QueryRequest) (_ *QueryResult, err error) {
	ctx, span := s.tracer.Start(ctx, "session.Query", trace.WithAttributes(
		attribute.String("conversation_id", req.ConversationID),
		attribute.Int("top_k", req.TopK)))
	defer func() { endSpan(span, err) }()

	filter, err := metadata.FilterFromMap(req.Filters)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	res, err := s.backend.Query(ctx, selector.Request{
		Query:           req.Text,
		TopK:            req.TopK,
		ConversationID:  req.ConversationID,
		Filter:          filter,
		MaxTokens:       req.MaxTokens,
		StrictIsolation: req.StrictIsolation,
		RecentUploads:   req.RecentUploads,
	})
	if err != nil {
		return nil, err
	}

	sources := res.Selection.Results
	if sources == nil {
		sources = []selector.ContextResult{}
	}
	span.SetAttributes(
		attribute.Int("results", len(sources)),
		attribute.String("served_by", res.ServedBy))
	return &QueryResult{
		Sources:     sources,
		ContextText: res.Selection.ContextText,
		Trace:       res.Selection.Trace,
		ServedBy:    res.ServedBy,
	}, nil
}

// DeleteDocument removes every chunk of a document. It reports whether
// anything was removed.
func (s *Session) DeleteDocument(ctx context.Context, documentID string) (_ bool, err error) {
	ctx, span := s.tracer.Start(ctx, "session.DeleteDocument",
		trace.WithAttributes(attribute.String("document_id", documentID)))
	defer func() { endSpan(span, err) }()

	res, err := s.backend.Delete(ctx, documentID)
	if err != nil {
		return false, err
	}
	s.logger.Info("document deleted",
		zap.String("document_id", documentID),
		zap.Int("chunks", res.Removed),
		zap.String("served_by", res.ServedBy))
	return res.Removed > 0, nil
}

// Stats summarizes the index and the embedding service.
type Stats struct {
	DocumentsIndexed     int                  `json:"documents_indexed"`
	ChunksIndexed        int                  `json:"chunks_indexed"`
	ConversationsTracked int                  `json:"conversations_tracked"`
	CacheHitRate         float64              `json:"cache_hit_rate"`
	FallbackEmbeddings   int64                `json:"fallback_embeddings"`
	Backend              string               `json:"backend"`
	State                string               `json:"state"`
	ServedBy             string               `json:"served_by"`
	Dimension            int                  `json:"dimension"`
	StorageDir           string               `json:"storage_dir,omitempty"`
	DirFallback          bool                 `json:"dir_fallback"`
	LastUpdated          time.Time            `json:"last_updated"`
	Salvage              *vectorstore.Salvage `json:"salvage,omitempty"`
	EmbeddingModel       string               `json:"embedding_model"`
	QueueDepth           int                  `json:"queue_depth"`
}

// GetStats reports index and embedding counters, including which store
// is serving.
func (s *Session) GetStats(ctx context.Context) (*Stats, error) {
	snap, err := s.backend.Stats(ctx)
	if err != nil {
		return nil, err
	}
	return statsFromSnapshot(snap), nil
}

// Reinitialize reopens the primary store after a switch to the fallback,
// migrating what was written in the meantime. It is a no-op while the
// primary is serving.
func (s *Session) Reinitialize(ctx context.Context) (*Stats, error) {
	snap, err := s.backend.Reinitialize(ctx)
	if err != nil {
		return nil, err
	}
	s.logger.Info("reinitialization finished",
		zap.String("state", string(snap.State)),
		zap.String("served_by", snap.ServedBy))
	return statsFromSnapshot(snap), nil
}

func statsFromSnapshot(snap *worker.Snapshot) *Stats {
	return &Stats{
		DocumentsIndexed:     snap.Store.Documents,
		ChunksIndexed:        snap.Store.Vectors,
		ConversationsTracked: snap.Store.Conversations,
		CacheHitRate:         snap.Embeddings.HitRate,
		FallbackEmbeddings:   snap.Embeddings.Fallbacks,
		Backend:              snap.Store.Backend,
		State:                string(snap.State),
		ServedBy:             snap.ServedBy,
		Dimension:            snap.Store.Dimension,
		StorageDir:           snap.Store.Dir,
		DirFallback:          snap.Store.DirFallback,
		LastUpdated:          snap.Store.LastUpdated,
		Salvage:              snap.Store.Salvage,
		EmbeddingModel:       snap.Embeddings.Model,
		QueueDepth:           snap.QueueDepth,
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
