package inbox

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recall/internal/session"
)

type call struct {
	op   string
	arg  string
	meta map[string]any
}

type fakeIngester struct {
	mu    sync.Mutex
	calls []call
}

func (f *fakeIngester) IngestDocument(_ context.Context, path string, overrides map[string]any) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{op: "ingest", arg: path, meta: overrides})
	return session.DocumentIDForPath(path), nil
}

func (f *fakeIngester) DeleteDocument(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{op: "delete", arg: id})
	return true, nil
}

func (f *fakeIngester) snapshot() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...)
}

func (f *fakeIngester) count(op string) int {
	n := 0
	for _, c := range f.snapshot() {
		if c.op == op {
			n++
		}
	}
	return n
}

func startWatcher(t *testing.T, cfg Config) (*Watcher, *fakeIngester) {
	t.Helper()
	if cfg.Dir == "" {
		cfg.Dir = t.TempDir()
	}
	if cfg.Debounce == 0 {
		cfg.Debounce = 30 * time.Millisecond
	}
	ing := &fakeIngester{}
	w, err := NewWatcher(cfg, ing, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, w.Start(ctx))
	t.Cleanup(func() {
		cancel()
		w.Stop()
		<-w.Done()
	})
	return w, ing
}

func TestNewWatcher_Validation(t *testing.T) {
	_, err := NewWatcher(Config{Dir: t.TempDir()}, nil, zap.NewNop())
	assert.Error(t, err)

	_, err = NewWatcher(Config{Dir: filepath.Join(t.TempDir(), "missing")}, &fakeIngester{}, zap.NewNop())
	assert.ErrorIs(t, err, os.ErrNotExist)

	file := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
	_, err = NewWatcher(Config{Dir: file}, &fakeIngester{}, zap.NewNop())
	assert.ErrorContains(t, err, "not a directory")

	w, err := NewWatcher(Config{Dir: t.TempDir()}, &fakeIngester{}, nil)
	require.NoError(t, err)
	assert.Equal(t, 500*time.Millisecond, w.cfg.Debounce)
	w.Stop()
}

func TestWatcher_IngestsNewFile(t *testing.T) {
	dir := t.TempDir()
	_, ing := startWatcher(t, Config{Dir: dir, Metadata: map[string]any{"conversation_id": "c1"}})

	path := filepath.Join(dir, "notes.md")
	require.NoError(t, os.WriteFile(path, []byte("# notes\nremember the milk"), 0o600))

	require.Eventually(t, func() bool { return ing.count("ingest") == 1 }, 2*time.Second, 10*time.Millisecond)
	calls := ing.snapshot()
	assert.Equal(t, path, calls[0].arg)
	assert.Equal(t, "c1", calls[0].meta["conversation_id"])
}

func TestWatcher_DebouncesWriteBursts(t *testing.T) {
	dir := t.TempDir()
	_, ing := startWatcher(t, Config{Dir: dir, Debounce: 150 * time.Millisecond})

	path := filepath.Join(dir, "draft.txt")
	f, err := os.Create(path)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := f.WriteString("line\n")
		require.NoError(t, err)
		require.NoError(t, f.Sync())
		time.Sleep(10 * time.Millisecond)
	}
	require.NoError(t, f.Close())

	require.Eventually(t, func() bool { return ing.count("ingest") == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 1, ing.count("ingest"), "a burst of writes is one ingest")
}

func TestWatcher_RemoveDeletesDocument(t *testing.T) {
	dir := t.TempDir()
	w, ing := startWatcher(t, Config{Dir: dir})

	path := filepath.Join(dir, "gone.txt")
	require.NoError(t, os.WriteFile(path, []byte("short lived"), 0o600))
	require.Eventually(t, func() bool { return ing.count("ingest") == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, os.Remove(path))
	require.Eventually(t, func() bool { return ing.count("delete") == 1 }, 2*time.Second, 10*time.Millisecond)

	var deleted string
	for _, c := range ing.snapshot() {
		if c.op == "delete" {
			deleted = c.arg
		}
	}
	assert.Equal(t, session.DocumentIDForPath(path), deleted)

	var sawDelete bool
	for !sawDelete {
		select {
		case ev := <-w.Events():
			if ev.Action == ActionDeleted {
				sawDelete = true
				assert.Equal(t, path, ev.Path)
				assert.NoError(t, ev.Err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("no delete event")
		}
	}
}

func TestWatcher_RemoveUsesDocumentIDOverride(t *testing.T) {
	dir := t.TempDir()
	_, ing := startWatcher(t, Config{Dir: dir, Metadata: map[string]any{"document_id": "pinned"}})

	path := filepath.Join(dir, "pinned.txt")
	require.NoError(t, os.WriteFile(path, []byte("content"), 0o600))
	require.Eventually(t, func() bool { return ing.count("ingest") == 1 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, os.Remove(path))
	require.Eventually(t, func() bool { return ing.count("delete") == 1 }, 2*time.Second, 10*time.Millisecond)

	calls := ing.snapshot()
	assert.Equal(t, "pinned", calls[len(calls)-1].arg)
}

func TestWatcher_IgnoresUnsupportedAndHidden(t *testing.T) {
	dir := t.TempDir()
	_, ing := startWatcher(t, Config{Dir: dir})

	require.NoError(t, os.WriteFile(filepath.Join(dir, "image.png"), []byte{0x89, 'P'}, 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".hidden.txt"), []byte("x"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt~"), []byte("x"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "real.txt"), []byte("indexed"), 0o600))

	require.Eventually(t, func() bool { return ing.count("ingest") == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(150 * time.Millisecond)

	calls := ing.snapshot()
	require.Len(t, calls, 1)
	assert.Equal(t, filepath.Join(dir, "real.txt"), calls[0].arg)
}

func TestWatcher_IngestExisting(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("a"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.md"), []byte("b"), 0o600))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o700))

	_, ing := startWatcher(t, Config{Dir: dir, IngestExisting: true})
	require.Eventually(t, func() bool { return ing.count("ingest") == 2 }, 2*time.Second, 10*time.Millisecond)
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	ing := &fakeIngester{}
	w, err := NewWatcher(Config{Dir: t.TempDir(), Debounce: 10 * time.Millisecond}, ing, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))

	w.Stop()
	w.Stop()
	select {
	case <-w.Done():
	case <-time.After(time.Second):
		t.Fatal("watch loop did not exit")
	}
}

func TestWatchable(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"/in/notes.md", true},
		{"/in/page.html", true},
		{"/in/data.json", true},
		{"/in/.notes.md", false},
		{"/in/notes.md~", false},
		{"/in/photo.jpg", false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, watchable(tt.path))
		})
	}
}

func TestWatcher_HonorsIgnoreFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".recallignore"), []byte("draft-*\n"), 0o600))
	_, ing := startWatcher(t, Config{Dir: dir})

	require.NoError(t, os.WriteFile(filepath.Join(dir, "draft-plan.md"), []byte("x"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "plan.md"), []byte("y"), 0o600))

	require.Eventually(t, func() bool { return ing.count("ingest") == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(150 * time.Millisecond)
	calls := ing.snapshot()
	require.Len(t, calls, 1)
	assert.Equal(t, filepath.Join(dir, "plan.md"), calls[0].arg)
}

func TestWatcher_ReloadsIgnoreFile(t *testing.T) {
	dir := t.TempDir()
	_, ing := startWatcher(t, Config{Dir: dir})

	require.NoError(t, os.WriteFile(filepath.Join(dir, ".recallignore"), []byte("*.log\n"), 0o600))
	// Give the loop a moment to see the new patterns.
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "server.log"), []byte("x"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("y"), 0o600))

	require.Eventually(t, func() bool { return ing.count("ingest") == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, filepath.Join(dir, "notes.txt"), ing.snapshot()[0].arg)
}
