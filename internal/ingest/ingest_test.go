package ingest

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recall/internal/metadata"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoader_Text(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "notes.md", "# Title\n\nSome notes.")

	l := NewLoader()
	fixed := time.Unix(1700000000, 0)
	l.now = func() time.Time { return fixed }

	doc, err := l.Load(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "# Title\n\nSome notes.", doc.Content)
	assert.Equal(t, "notes.md", doc.Metadata.GetString(metadata.KeyFilename))
	assert.Equal(t, path, doc.Metadata.GetString(metadata.KeySource))
	assert.Equal(t, int64(1700000000), doc.Metadata.GetInt(metadata.KeyCreatedAt))
}

func TestLoader_HTMLStripsMarkup(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "page.HTML", `<html><head><title>x</title></head><body><h1>Hello</h1><p>plain <b>text</b></p></body></html>`)

	doc, err := NewLoader().Load(context.Background(), path)
	require.NoError(t, err)
	assert.Contains(t, doc.Content, "Hello")
	assert.Contains(t, doc.Content, "plain text")
	assert.NotContains(t, doc.Content, "<p>")
}

func TestLoader_Errors(t *testing.T) {
	dir := t.TempDir()
	l := NewLoader()
	ctx := context.Background()

	_, err := l.Load(ctx, writeFile(t, dir, "report.pdf", "%PDF"))
	assert.ErrorIs(t, err, ErrUnsupportedFormat)

	_, err = l.Load(ctx, filepath.Join(dir, "missing.txt"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = l.Load(ctx, writeFile(t, dir, "blank.txt", " \n\t "))
	assert.ErrorIs(t, err, ErrEmptyDocument)

	l.MaxFileSize = 4
	_, err = l.Load(ctx, writeFile(t, dir, "big.txt", "more than four bytes"))
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestSupported(t *testing.T) {
	assert.True(t, Supported("a.txt"))
	assert.True(t, Supported("dir/b.Markdown"))
	assert.True(t, Supported("c.htm"))
	assert.False(t, Supported("d.docx"))
	assert.False(t, Supported("noext"))
}

func TestSplitter_OffsetsPointIntoContent(t *testing.T) {
	para := func(word string) string {
		return strings.TrimSpace(strings.Repeat(word+" ", 30))
	}
	content := para("alpha") + "\n\n" + para("beta") + "\n\n" + para("gamma") + "\n\n" + para("délta")

	s, err := NewSplitter(SplitterConfig{ChunkSize: 200, ChunkOverlap: 20}, nil)
	require.NoError(t, err)

	chunks, err := s.Split("doc-1", content)
	require.NoError(t, err)
	require.Greater(t, len(chunks), 1)

	runes := []rune(content)
	prevStart := -1
	for i, c := range chunks {
		assert.Equal(t, i, c.Index)
		assert.Equal(t, "doc-1", c.DocumentID)
		assert.NotEmpty(t, c.ID)
		assert.LessOrEqual(t, len([]rune(c.Content)), 200)
		assert.Equal(t, c.Content, string(runes[c.StartChar:c.EndChar]), "chunk %d", i)
		assert.Greater(t, c.StartChar, prevStart)
		assert.Equal(t, EstimateTokens(c.Content), c.TokenCount)
		prevStart = c.StartChar
	}
}

func TestSplitter_StableIDs(t *testing.T) {
	s, err := NewSplitter(SplitterConfig{}, Estimator{})
	require.NoError(t, err)

	a, err := s.Split("doc", "short text")
	require.NoError(t, err)
	b, err := s.Split("doc", "short text")
	require.NoError(t, err)
	c, err := s.Split("other", "short text")
	require.NoError(t, err)

	require.Len(t, a, 1)
	assert.Equal(t, a[0].ID, b[0].ID)
	assert.NotEqual(t, a[0].ID, c[0].ID)
	assert.Equal(t, 0, a[0].StartChar)
	assert.Equal(t, 10, a[0].EndChar)
}

func TestSplitter_Validation(t *testing.T) {
	_, err := NewSplitter(SplitterConfig{ChunkSize: 100, ChunkOverlap: 100}, nil)
	assert.Error(t, err)

	s, err := NewSplitter(SplitterConfig{}, nil)
	require.NoError(t, err)
	_, err = s.Split("doc", "   ")
	assert.ErrorIs(t, err, ErrEmptyDocument)
}

func TestTokenCounters(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 1, EstimateTokens("abc"))
	assert.Equal(t, 2, EstimateTokens("abcde"))
	assert.Equal(t, 1, Estimator{}.Count("éé"))

	_, isEstimator := NewTokenCounter("no_such_encoding", zap.NewNop()).(Estimator)
	assert.True(t, isEstimator)
	_, isEstimator = NewTokenCounter("", nil).(Estimator)
	assert.True(t, isEstimator)
}
