// Package inbox indexes files dropped into a watched directory.
//
// Created or rewritten files with a supported extension are ingested once
// they have been quiet for the debounce interval, so editors and copies
// that write in several steps trigger one ingest. Removing or renaming a
// file away deletes its document. Subdirectories are not watched.
//
// Names matching a pattern in the directory's .recallignore file are
// skipped. The file is reloaded whenever it changes.
package inbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recall/internal/ignore"
	"github.com/fyrsmithlabs/recall/internal/ingest"
	"github.com/fyrsmithlabs/recall/internal/session"
)

// ErrWatcherFailed indicates the filesystem watcher failed to initialize.
var ErrWatcherFailed = errors.New("failed to initialize filesystem watcher")

// Ingester is the part of the session the watcher drives.
type Ingester interface {
	IngestDocument(ctx context.Context, filePath string, overrides map[string]any) (string, error)
	DeleteDocument(ctx context.Context, documentID string) (bool, error)
}

// Action is what the watcher did with a file.
type Action string

const (
	ActionIngested Action = "ingested"
	ActionDeleted  Action = "deleted"
)

// Event reports one processed file.
type Event struct {
	Action     Action
	Path       string
	DocumentID string
	Err        error
}

// Config configures a Watcher.
type Config struct {
	// Dir is the directory to watch.
	Dir string

	// Debounce is how long a file must be quiet before it is ingested.
	// Default: 500ms
	Debounce time.Duration

	// Metadata is layered onto every ingested file, e.g. a conversation_id.
	Metadata map[string]any

	// IngestExisting ingests files already in Dir when the watcher starts.
	IngestExisting bool

	// IgnoreFile is the name of the pattern file inside Dir.
	// Default: .recallignore
	IgnoreFile string
}

// Watcher ingests files as they appear in a directory.
type Watcher struct {
	cfg      Config
	dir      string
	ingester Ingester
	logger   *zap.Logger
	watcher  *fsnotify.Watcher
	// ignored is only touched by Start and then the watch loop.
	ignored  *ignore.Matcher

	ready    chan string
	events   chan Event
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	mu      sync.Mutex
	pending map[string]*time.Timer
}

// NewWatcher validates cfg and creates the underlying fsnotify watcher.
func NewWatcher(cfg Config, ingester Ingester, logger *zap.Logger) (*Watcher, error) {
	if ingester == nil {
		return nil, errors.New("inbox: ingester is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 500 * time.Millisecond
	}
	if cfg.IgnoreFile == "" {
		cfg.IgnoreFile = ignore.DefaultFile
	}
	dir, err := filepath.Abs(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("resolving inbox dir: %w", err)
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("inbox dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("inbox dir %s is not a directory", dir)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWatcherFailed, err)
	}

	return &Watcher{
		cfg:      cfg,
		dir:      dir,
		ingester: ingester,
		logger:   logger.Named("inbox"),
		watcher:  fw,
		ready:    make(chan string, 64),
		events:   make(chan Event, 64),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		pending:  make(map[string]*time.Timer),
	}, nil
}

// Events reports processed files. Events are dropped when nobody reads.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Start begins watching in a background goroutine. Call Stop to release
// the watcher.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.watcher.Add(w.dir); err != nil {
		return fmt.Errorf("watching %s: %w", w.dir, err)
	}
	if err := w.loadIgnore(); err != nil {
		return err
	}
	w.logger.Info("watching inbox",
		zap.String("dir", w.dir),
		zap.Duration("debounce", w.cfg.Debounce),
		zap.Int("ignore_patterns", w.ignored.Len()))

	if w.cfg.IngestExisting {
		entries, err := os.ReadDir(w.dir)
		if err != nil {
			return fmt.Errorf("listing %s: %w", w.dir, err)
		}
		for _, e := range entries {
			if !e.IsDir() {
				w.schedule(filepath.Join(w.dir, e.Name()))
			}
		}
	}

	go w.run(ctx)
	return nil
}

// Stop stops watching and waits for the in-flight file to finish.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stop)
		_ = w.watcher.Close()
	})

	w.mu.Lock()
	for path, t := range w.pending {
		t.Stop()
		delete(w.pending, path)
	}
	w.mu.Unlock()
}

// Done is closed when the watch loop has exited.
func (w *Watcher) Done() <-chan struct{} {
	return w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-w.stop:
			return
		case <-ctx.Done():
			w.Stop()
			return
		case path := <-w.ready:
			w.ingest(ctx, path)
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handle(ctx, ev)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("inbox watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) handle(ctx context.Context, ev fsnotify.Event) {
	if filepath.Base(ev.Name) == w.cfg.IgnoreFile {
		if err := w.loadIgnore(); err != nil {
			w.logger.Warn("keeping previous ignore patterns", zap.Error(err))
		}
		return
	}

	switch {
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		w.cancel(ev.Name)
		if watchable(ev.Name) {
			w.remove(ctx, ev.Name)
		}
	case ev.Has(fsnotify.Create), ev.Has(fsnotify.Write):
		w.schedule(ev.Name)
	}
}

// schedule (re)starts the quiet timer for path.
func (w *Watcher) schedule(path string) {
	if !watchable(path) || w.ignored.Match(filepath.Base(path)) {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[path]; ok {
		t.Reset(w.cfg.Debounce)
		return
	}
	w.pending[path] = time.AfterFunc(w.cfg.Debounce, func() {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()
		select {
		case w.ready <- path:
		case <-w.stop:
		}
	})
}

func (w *Watcher) cancel(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[path]; ok {
		t.Stop()
		delete(w.pending, path)
	}
}

func (w *Watcher) ingest(ctx context.Context, path string) {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		// Gone again before the debounce fired; the remove event covers it.
		return
	}
	id, err := w.ingester.IngestDocument(ctx, path, w.cfg.Metadata)
	if err != nil {
		w.logger.Warn("inbox ingest failed", zap.String("path", path), zap.Error(err))
	} else {
		w.logger.Info("inbox file ingested", zap.String("path", path), zap.String("document_id", id))
	}
	w.emit(Event{Action: ActionIngested, Path: path, DocumentID: id, Err: err})
}

func (w *Watcher) remove(ctx context.Context, path string) {
	id := w.documentID(path)
	removed, err := w.ingester.DeleteDocument(ctx, id)
	if err != nil {
		w.logger.Warn("inbox delete failed", zap.String("path", path), zap.Error(err))
	} else if removed {
		w.logger.Info("inbox file removed", zap.String("path", path), zap.String("document_id", id))
	}
	w.emit(Event{Action: ActionDeleted, Path: path, DocumentID: id, Err: err})
}

func (w *Watcher) loadIgnore() error {
	m, err := ignore.Load(filepath.Join(w.dir, w.cfg.IgnoreFile))
	if err != nil {
		return fmt.Errorf("loading %s: %w", w.cfg.IgnoreFile, err)
	}
	w.ignored = m
	return nil
}

// documentID is the ID an ingest of path was stored under: the
// document_id override when configured, otherwise the path-derived ID.
func (w *Watcher) documentID(path string) string {
	if id, ok := w.cfg.Metadata["document_id"].(string); ok && id != "" {
		return id
	}
	return session.DocumentIDForPath(path)
}

func (w *Watcher) emit(ev Event) {
	select {
	case w.events <- ev:
	default:
	}
}

// watchable skips hidden files, editor backups and unsupported formats.
func watchable(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") || strings.HasSuffix(base, "~") {
		return false
	}
	return ingest.Supported(path)
}
