// Package ingest turns files into chunks ready for embedding: loading,
// splitting and token counting.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tmc/langchaingo/documentloaders"

	"github.com/fyrsmithlabs/recall/internal/metadata"
)

var (
	// ErrUnsupportedFormat is returned for file types the loader cannot read.
	ErrUnsupportedFormat = errors.New("unsupported document format")

	// ErrEmptyDocument is returned when a file has no text content.
	ErrEmptyDocument = errors.New("document has no text content")
)

// DefaultMaxFileSize bounds the files Load accepts.
const DefaultMaxFileSize = 20 << 20

var textExtensions = map[string]bool{
	".txt":      true,
	".text":     true,
	".md":       true,
	".markdown": true,
	".csv":      true,
	".json":     true,
	".log":      true,
}

var htmlExtensions = map[string]bool{
	".html": true,
	".htm":  true,
}

// Supported reports whether Load can read files with path's extension.
func Supported(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return textExtensions[ext] || htmlExtensions[ext]
}

// Document is a loaded file: its text and document-level metadata.
type Document struct {
	Content  string
	Metadata metadata.Record
}

// Loader reads supported files from disk.
type Loader struct {
	MaxFileSize int64
	now         func() time.Time
}

// NewLoader creates a loader with the default size limit.
func NewLoader() *Loader {
	return &Loader{MaxFileSize: DefaultMaxFileSize, now: time.Now}
}

// Load reads path. The metadata carries source (absolute path), filename
// and created_at (load time).
func (l *Loader) Load(ctx context.Context, path string) (*Document, error) {
	if !Supported(path) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Ext(path))
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving path: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", ErrUnsupportedFormat, path)
	}
	if l.MaxFileSize > 0 && info.Size() > l.MaxFileSize {
		return nil, fmt.Errorf("%w: %s is %d bytes, limit is %d", ErrUnsupportedFormat, path, info.Size(), l.MaxFileSize)
	}

	f, err := os.Open(abs)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	content, err := l.read(ctx, abs, f)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("%w: %s", ErrEmptyDocument, path)
	}

	return &Document{
		Content: content,
		Metadata: metadata.Record{
			metadata.KeySource:    metadata.String(abs),
			metadata.KeyFilename:  metadata.String(filepath.Base(abs)),
			metadata.KeyCreatedAt: metadata.Time(l.now()),
		},
	}, nil
}

func (l *Loader) read(ctx context.Context, path string, r io.Reader) (string, error) {
	var loader documentloaders.Loader
	if htmlExtensions[strings.ToLower(filepath.Ext(path))] {
		loader = documentloaders.NewHTML(r)
	} else {
		loader = documentloaders.NewText(r)
	}

	docs, err := loader.Load(ctx)
	if err != nil {
		return "", fmt.Errorf("loading %s: %w", path, err)
	}
	parts := make([]string, 0, len(docs))
	for _, d := range docs {
		parts = append(parts, d.PageContent)
	}
	return strings.Join(parts, "\n\n"), nil
}
