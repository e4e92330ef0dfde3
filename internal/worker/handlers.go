package worker

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recall/internal/embeddings"
	"github.com/fyrsmithlabs/recall/internal/metadata"
	"github.com/fyrsmithlabs/recall/internal/selector"
	"github.com/fyrsmithlabs/recall/internal/vectorstore"
)

// ErrInvalidPayload is returned when a payload does not match its kind.
var ErrInvalidPayload = errors.New("invalid payload")

// IngestPayload embeds and stores the chunks of one document.
type IngestPayload struct {
	DocumentID string
	Metadata   metadata.Record
	Chunks     []vectorstore.Chunk

	// Replace deletes the document's existing chunks first, so a shorter
	// new version leaves nothing behind.
	Replace bool
}

// IngestResult is the Data of a successful ingest response.
type IngestResult struct {
	DocumentID string   `json:"document_id"`
	ChunkIDs   []string `json:"chunk_ids"`
	Degraded   int      `json:"degraded"`
	ServedBy   string   `json:"served_by"`
}

// QueryResult is the Data of a successful query response.
type QueryResult struct {
	Selection *selector.Selection `json:"selection"`
	ServedBy  string              `json:"served_by"`
}

// DeleteResult is the Data of a successful delete response.
type DeleteResult struct {
	DocumentID string `json:"document_id"`
	Removed    int    `json:"removed"`
	ServedBy   string `json:"served_by"`
}

// Snapshot is the Data of a stats response.
type Snapshot struct {
	State               State             `json:"state"`
	ServedBy            string            `json:"served_by"`
	Store               vectorstore.Stats `json:"store"`
	Embeddings          embeddings.Stats  `json:"embeddings"`
	QueueDepth          int               `json:"queue_depth"`
	ConsecutiveFailures int64             `json:"consecutive_failures"`
}

// HealthReport is the Data of a health response. Empty error strings mean
// the component is healthy.
type HealthReport struct {
	State           State  `json:"state"`
	ServedBy        string `json:"served_by"`
	Backend         string `json:"backend"`
	StoreError      string `json:"store_error,omitempty"`
	EmbeddingsError string `json:"embeddings_error,omitempty"`
}

// dispatch runs detached from the caller's cancellation: a caller that
// times out only loses the reply, the work still completes.
func (w *Worker) dispatch(req *Request) (any, string, error) {
	ctx := context.WithoutCancel(req.ctx)
	switch req.Kind {
	case KindIngest:
		p, ok := req.Payload.(IngestPayload)
		if !ok {
			return nil, ServedByWorker, payloadError(req)
		}
		return w.ingest(ctx, p)
	case KindQuery:
		p, ok := req.Payload.(selector.Request)
		if !ok {
			return nil, ServedByWorker, payloadError(req)
		}
		return w.query(ctx, p)
	case KindDelete:
		id, ok := req.Payload.(string)
		if !ok {
			return nil, ServedByWorker, payloadError(req)
		}
		return w.delete(ctx, id)
	case KindStats:
		return w.stats(), ServedByWorker, nil
	case KindHealth:
		return w.health(ctx), ServedByWorker, nil
	case KindReinitialize:
		w.maybeReinitialize(ctx)
		return w.stats(), ServedByWorker, nil
	default:
		return nil, ServedByWorker, fmt.Errorf("%w: %q", ErrUnknownKind, req.Kind)
	}
}

func payloadError(req *Request) error {
	return fmt.Errorf("%w: %s request carries %T", ErrInvalidPayload, req.Kind, req.Payload)
}

func (w *Worker) ingest(ctx context.Context, p IngestPayload) (*IngestResult, string, error) {
	if p.DocumentID == "" || len(p.Chunks) == 0 {
		return nil, ServedByWorker, fmt.Errorf("%w: document id and chunks required", vectorstore.ErrInvalidInput)
	}

	texts := make([]string, len(p.Chunks))
	for i, c := range p.Chunks {
		texts[i] = c.Content
	}
	vecs, err := w.embedder.EmbedBatch(ctx, texts, w.config.BatchSize)
	chunks, vecs, err := keepEmbedded(p.Chunks, vecs, err)
	if err != nil {
		return nil, ServedByWorker, fmt.Errorf("embedding chunks: %w", err)
	}
	if len(chunks) < len(p.Chunks) {
		w.logger.Warn("skipping blank chunks",
			zap.String("document_id", p.DocumentID),
			zap.Int("skipped", len(p.Chunks)-len(chunks)))
	}
	degraded := 0
	for i := range chunks {
		if embeddings.IsFallbackVector(vecs[i]) {
			chunks[i].Metadata = chunks[i].Metadata.Clone()
			chunks[i].Metadata[metadata.KeyEmbeddingDegraded] = metadata.Bool(true)
			degraded++
		}
	}
	if degraded > 0 {
		w.logger.Warn("storing chunks with fallback embeddings",
			zap.String("document_id", p.DocumentID),
			zap.Int("degraded", degraded),
			zap.Int("chunks", len(chunks)))
	}

	var ids []string
	servedBy, err := w.withStore(ctx, "store", func(s vectorstore.Store) error {
		if p.Replace {
			if _, err := s.Delete(ctx, p.DocumentID); err != nil {
				return err
			}
		}
		var err error
		ids, err = s.Store(ctx, p.DocumentID, p.Metadata, chunks, vecs)
		return err
	})
	if err != nil {
		return nil, servedBy, err
	}
	if servedBy == ServedByFallback {
		w.fallbackWrites[p.DocumentID] = struct{}{}
		delete(w.fallbackDeletes, p.DocumentID)
	}
	return &IngestResult{DocumentID: p.DocumentID, ChunkIDs: ids, Degraded: degraded, ServedBy: servedBy}, servedBy, nil
}

// keepEmbedded drops the items EmbedBatch reported as blank, returning a
// fresh slice. It fails when err is anything else or nothing is left.
func keepEmbedded[T any](items []T, vecs [][]float32, err error) ([]T, [][]float32, error) {
	var blank *embeddings.BlankTextsError
	switch {
	case err == nil:
		return slices.Clone(items), vecs, nil
	case !errors.As(err, &blank) || len(blank.Indexes) >= len(items):
		return nil, nil, err
	}
	keptItems := make([]T, 0, len(items)-len(blank.Indexes))
	keptVecs := make([][]float32, 0, cap(keptItems))
	for i, v := range vecs {
		if v != nil {
			keptItems = append(keptItems, items[i])
			keptVecs = append(keptVecs, v)
		}
	}
	return keptItems, keptVecs, nil
}

func (w *Worker) query(ctx context.Context, req selector.Request) (*QueryResult, string, error) {
	var sel *selector.Selection
	servedBy, err := w.withStore(ctx, "search", func(s vectorstore.Store) error {
		var err error
		sel, err = w.selector.Select(ctx, s, req)
		return err
	})
	if err != nil {
		return nil, servedBy, err
	}
	return &QueryResult{Selection: sel, ServedBy: servedBy}, servedBy, nil
}

func (w *Worker) delete(ctx context.Context, documentID string) (*DeleteResult, string, error) {
	if documentID == "" {
		return nil, ServedByWorker, fmt.Errorf("%w: document id required", vectorstore.ErrInvalidInput)
	}
	var removed int
	servedBy, err := w.withStore(ctx, "delete", func(s vectorstore.Store) error {
		var err error
		removed, err = s.Delete(ctx, documentID)
		return err
	})
	if err != nil {
		return nil, servedBy, err
	}
	if servedBy == ServedByFallback {
		w.fallbackDeletes[documentID] = struct{}{}
		delete(w.fallbackWrites, documentID)
	}
	return &DeleteResult{DocumentID: documentID, Removed: removed, ServedBy: servedBy}, servedBy, nil
}

func (w *Worker) stats() *Snapshot {
	snap := &Snapshot{
		State:               w.State(),
		Embeddings:          w.embedder.Stats(),
		QueueDepth:          len(w.queue),
		ConsecutiveFailures: w.failures.Load(),
	}
	if s, servedBy := w.active(); s != nil {
		snap.Store = s.Stats()
		snap.ServedBy = servedBy
	}
	return snap
}

func (w *Worker) health(ctx context.Context) *HealthReport {
	report := &HealthReport{State: w.State()}
	s, servedBy := w.active()
	report.ServedBy = servedBy
	if s == nil {
		report.StoreError = vectorstore.ErrStoreUnavailable.Error()
	} else {
		report.Backend = s.Backend()
		if err := s.HealthCheck(ctx); err != nil {
			report.StoreError = err.Error()
		}
	}
	if err := w.embedder.HealthCheck(ctx); err != nil {
		report.EmbeddingsError = err.Error()
	}
	return report
}

// Ingest submits an ingest request.
func (w *Worker) Ingest(ctx context.Context, p IngestPayload) (*IngestResult, error) {
	return submitAs[*IngestResult](ctx, w, KindIngest, p)
}

// Query submits a context selection.
func (w *Worker) Query(ctx context.Context, req selector.Request) (*QueryResult, error) {
	return submitAs[*QueryResult](ctx, w, KindQuery, req)
}

// Delete submits a document deletion.
func (w *Worker) Delete(ctx context.Context, documentID string) (*DeleteResult, error) {
	return submitAs[*DeleteResult](ctx, w, KindDelete, documentID)
}

// Stats returns a snapshot taken on the worker goroutine.
func (w *Worker) Stats(ctx context.Context) (*Snapshot, error) {
	return submitAs[*Snapshot](ctx, w, KindStats, nil)
}

// Health checks the active store and the embedding service.
func (w *Worker) Health(ctx context.Context) (*HealthReport, error) {
	return submitAs[*HealthReport](ctx, w, KindHealth, nil)
}

// Reinitialize requests a reopen of the primary store and performs it
// right away instead of on the next operation. The snapshot shows whether
// the worker is back on the primary.
func (w *Worker) Reinitialize(ctx context.Context) (*Snapshot, error) {
	w.ForceReinitialize()
	return submitAs[*Snapshot](ctx, w, KindReinitialize, nil)
}

func submitAs[T any](ctx context.Context, w *Worker, kind Kind, payload any) (T, error) {
	var zero T
	resp, err := w.Submit(ctx, kind, payload)
	if err != nil {
		return zero, err
	}
	data, ok := resp.Data.(T)
	if !ok {
		return zero, fmt.Errorf("%w: %s response carries %T", ErrInvalidPayload, kind, resp.Data)
	}
	return data, nil
}
