package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recall/internal/embeddings"
	"github.com/fyrsmithlabs/recall/internal/metadata"
	"github.com/fyrsmithlabs/recall/internal/vectorstore"
)

// orphanSource is implemented by stores that can recover records whose
// vectors were lost.
type orphanSource interface {
	TakeOrphans() []vectorstore.Entry
}

// isCallerError reports errors caused by the request itself. They are
// returned unchanged and never count against the primary.
func isCallerError(err error) bool {
	return vectorstore.IsCallerError(err) ||
		errors.Is(err, embeddings.ErrEmptyInput) ||
		errors.Is(err, ErrUnknownKind) ||
		errors.Is(err, ErrInvalidPayload)
}

// passThrough reports whether err should be returned without touching the
// fallback policy.
func passThrough(ctx context.Context, err error) bool {
	return isCallerError(err) || ctx.Err() != nil
}

// call runs fn against s, converting a panic into ErrStoreUnavailable.
func (w *Worker) call(s vectorstore.Store, fn func(vectorstore.Store) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("store operation panicked", zap.String("backend", s.Backend()), zap.Any("panic", r))
			err = fmt.Errorf("%w: panic: %v", vectorstore.ErrStoreUnavailable, r)
		}
	}()
	return fn(s)
}

// withStore runs fn on the active store. A primary failure is retried up
// to PrimaryRetries times, then the worker switches to the fallback and
// runs fn there once.
func (w *Worker) withStore(ctx context.Context, op string, fn func(vectorstore.Store) error) (string, error) {
	w.maybeReinitialize(ctx)

	if w.State() == StateReadyPrimary && w.primary != nil {
		var lastErr error
		for attempt := 0; attempt <= w.config.PrimaryRetries; attempt++ {
			err := w.call(w.primary, fn)
			if err == nil {
				w.failures.Store(0)
				return ServedByPrimary, nil
			}
			if passThrough(ctx, err) {
				return ServedByPrimary, err
			}
			lastErr = err
			n := w.failures.Add(1)
			w.logger.Warn("primary store operation failed",
				zap.String("op", op),
				zap.Int("attempt", attempt+1),
				zap.Int64("consecutive_failures", n),
				zap.Error(err))
		}
		if err := w.switchToFallback(ctx, lastErr); err != nil {
			return ServedByPrimary, err
		}
	}

	fb, err := w.ensureFallback(ctx)
	if err != nil {
		return ServedByFallback, err
	}
	if err := w.call(fb, fn); err != nil {
		if passThrough(ctx, err) || errors.Is(err, vectorstore.ErrStoreUnavailable) {
			return ServedByFallback, err
		}
		return ServedByFallback, fmt.Errorf("%w: fallback %s: %v", vectorstore.ErrStoreUnavailable, op, err)
	}
	return ServedByFallback, nil
}

// active returns the store currently serving requests, if any.
func (w *Worker) active() (vectorstore.Store, string) {
	if w.State() == StateReadyPrimary && w.primary != nil {
		return w.primary, ServedByPrimary
	}
	return w.fallback, ServedByFallback
}

func (w *Worker) ensureFallback(ctx context.Context) (vectorstore.Store, error) {
	if w.fallback != nil {
		return w.fallback, nil
	}
	fb, err := w.openFallback(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: opening fallback: %v", vectorstore.ErrStoreUnavailable, err)
	}
	w.fallback = fb
	return fb, nil
}

// switchToFallback moves serving to the fallback store, seeding it from the
// primary's in-memory state when the primary can export.
func (w *Worker) switchToFallback(ctx context.Context, cause error) error {
	fb, err := w.ensureFallback(ctx)
	if err != nil {
		return errors.Join(fmt.Errorf("%w: %v", vectorstore.ErrStoreUnavailable, cause), err)
	}

	seeded := 0
	if src, ok := w.primary.(vectorstore.Portable); ok {
		if dst, ok := fb.(vectorstore.Portable); ok {
			entries, err := src.Export(ctx)
			if err != nil {
				w.logger.Warn("exporting primary for fallback seed", zap.Error(err))
			} else if seeded, err = dst.Import(ctx, entries); err != nil {
				w.logger.Warn("seeding fallback store", zap.Error(err))
			}
		}
	}

	FallbackSwitches.Inc()
	w.logger.Warn("switched to fallback store",
		zap.String("primary", w.primary.Backend()),
		zap.String("fallback", fb.Backend()),
		zap.Int("seeded", seeded),
		zap.NamedError("cause", cause))
	w.setState(StateReadyFallback)
	return nil
}

// maybeReinitialize reopens the primary when ForceReinitialize was called
// while serving from the fallback.
func (w *Worker) maybeReinitialize(ctx context.Context) {
	if !w.reinit.Swap(false) || w.State() != StateReadyFallback {
		return
	}

	primary, err := w.openPrimaryWithin(ctx, w.config.StartupTimeout)
	if err != nil {
		Reinitializations.WithLabelValues("error").Inc()
		w.logger.Warn("reinitializing primary store failed, staying on fallback", zap.Error(err))
		return
	}
	if err := w.migrate(ctx, primary); err != nil {
		Reinitializations.WithLabelValues("error").Inc()
		w.logger.Warn("migrating fallback entries failed, staying on fallback", zap.Error(err))
		_ = primary.Close()
		return
	}

	if w.primary != nil {
		if err := w.primary.Close(); err != nil {
			w.logger.Debug("closing previous primary", zap.Error(err))
		}
	}
	w.primary = primary
	if w.fallback != nil {
		_ = w.fallback.Close()
		w.fallback = nil
	}
	w.fallbackWrites = map[string]struct{}{}
	w.fallbackDeletes = map[string]struct{}{}
	w.failures.Store(0)
	Reinitializations.WithLabelValues("success").Inc()
	w.setState(StateReadyPrimary)
	w.recoverOrphans()
}

// migrate replays deletes made on the fallback and copies the documents
// written to it into primary.
func (w *Worker) migrate(ctx context.Context, primary vectorstore.Store) error {
	for doc := range w.fallbackDeletes {
		if _, err := primary.Delete(ctx, doc); err != nil {
			return fmt.Errorf("replaying delete of %s: %w", doc, err)
		}
	}
	if len(w.fallbackWrites) == 0 || w.fallback == nil {
		return nil
	}
	src, ok := w.fallback.(vectorstore.Portable)
	if !ok {
		return nil
	}
	entries, err := src.Export(ctx)
	if err != nil {
		return fmt.Errorf("exporting fallback: %w", err)
	}

	byDoc := map[string][]vectorstore.Entry{}
	for _, e := range entries {
		doc := e.Metadata.DocumentID()
		if _, written := w.fallbackWrites[doc]; written {
			byDoc[doc] = append(byDoc[doc], e)
		}
	}

	migrated := 0
	for doc, docEntries := range byDoc {
		// Chunks of a rewritten document that the fallback no longer has
		// must not survive on the primary.
		if _, err := primary.Delete(ctx, doc); err != nil {
			return fmt.Errorf("clearing %s: %w", doc, err)
		}
		if err := restore(ctx, primary, doc, docEntries); err != nil {
			return fmt.Errorf("migrating %s: %w", doc, err)
		}
		migrated += len(docEntries)
	}
	w.logger.Info("migrated fallback entries to primary",
		zap.Int("documents", len(byDoc)),
		zap.Int("entries", migrated),
		zap.Int("deletes", len(w.fallbackDeletes)))
	return nil
}

// restore writes exported entries of one document into dst, through
// Import when dst supports it and Store otherwise.
func restore(ctx context.Context, dst vectorstore.Store, documentID string, entries []vectorstore.Entry) error {
	if p, ok := dst.(vectorstore.Portable); ok {
		_, err := p.Import(ctx, entries)
		return err
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Metadata.GetInt(metadata.KeyChunkIndex) < entries[j].Metadata.GetInt(metadata.KeyChunkIndex)
	})
	chunks := make([]vectorstore.Chunk, len(entries))
	vecs := make([][]float32, len(entries))
	for i, e := range entries {
		chunks[i] = vectorstore.Chunk{
			ID:         e.ChunkID,
			Content:    e.Content,
			DocumentID: documentID,
			Index:      int(e.Metadata.GetInt(metadata.KeyChunkIndex)),
			StartChar:  int(e.Metadata.GetInt(metadata.KeyStartChar)),
			EndChar:    int(e.Metadata.GetInt(metadata.KeyEndChar)),
			TokenCount: int(e.Metadata.GetInt(metadata.KeyTokenCount)),
			Metadata:   e.Metadata,
		}
		vecs[i] = e.Vector
	}
	_, err := dst.Store(ctx, documentID, nil, chunks, vecs)
	return err
}

// recoverOrphans re-embeds records the primary salvaged without vectors
// and imports them back so they become searchable.
func (w *Worker) recoverOrphans() {
	src, ok := w.primary.(orphanSource)
	if !ok || w.State() != StateReadyPrimary {
		return
	}
	orphans := src.TakeOrphans()
	if len(orphans) == 0 {
		return
	}
	dst, ok := w.primary.(vectorstore.Portable)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), w.config.RequestTimeout)
	defer cancel()

	texts := make([]string, len(orphans))
	for i, o := range orphans {
		texts[i] = o.Content
	}
	vecs, err := w.embedder.EmbedBatch(ctx, texts, w.config.BatchSize)
	orphans, vecs, err = keepEmbedded(orphans, vecs, err)
	if err != nil {
		w.logger.Warn("re-embedding orphaned records failed", zap.Int("orphans", len(texts)), zap.Error(err))
		return
	}

	degraded := 0
	for i := range orphans {
		orphans[i].Vector = vecs[i]
		if embeddings.IsFallbackVector(vecs[i]) {
			orphans[i].Metadata = orphans[i].Metadata.Clone()
			orphans[i].Metadata[metadata.KeyEmbeddingDegraded] = metadata.Bool(true)
			degraded++
		}
	}
	n, err := dst.Import(ctx, orphans)
	if err != nil {
		w.logger.Warn("importing re-embedded records failed", zap.Error(err))
		return
	}
	w.logger.Info("recovered orphaned records", zap.Int("recovered", n), zap.Int("degraded", degraded))
}
