package vectorstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recall/internal/metadata"
)

func newTestMemoryStore(t *testing.T) *MemoryStore {
	t.Helper()
	s, err := NewMemoryStore(testDim, 4, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestMemoryStore_StoreSearchDelete(t *testing.T) {
	s := newTestMemoryStore(t)
	ctx := context.Background()

	storeChunks(t, s, "a", metadata.Record{metadata.KeyConversationID: metadata.String("c1")},
		[]string{"first", "second"}, [][]float32{vec(1, 0, 0, 0), vec(0, 1, 0, 0)})
	storeChunks(t, s, "b", metadata.Record{metadata.KeyConversationID: metadata.String("c2")},
		[]string{"third"}, [][]float32{vec(1, 0, 0, 0)})

	results, err := s.Search(ctx, vec(1, 0, 0, 0), 5, metadata.Filter{metadata.ConversationCondition("c1")})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "first", results[0].Content)
	assert.InDelta(t, 1.0, results[0].Score, 1e-5)
	assert.Equal(t, "c1", results[0].Metadata.GetString(metadata.KeyConversationID))

	st := s.Stats()
	assert.Equal(t, BackendMemory, st.Backend)
	assert.Equal(t, 3, st.Vectors)
	assert.Equal(t, 2, st.Documents)
	assert.Equal(t, 2, st.Conversations)

	removed, err := s.Delete(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	results, err = s.Search(ctx, vec(1, 0, 0, 0), 5, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "third", results[0].Content)
}

func TestMemoryStore_TopKLargerThanCount(t *testing.T) {
	s := newTestMemoryStore(t)
	storeChunks(t, s, "a", nil, []string{"only"}, [][]float32{vec(0, 0, 1, 0)})

	results, err := s.Search(context.Background(), vec(0, 0, 1, 0), 50, nil)
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestMemoryStore_EmptySearch(t *testing.T) {
	s := newTestMemoryStore(t)
	results, err := s.Search(context.Background(), vec(1, 0, 0, 0), 3, nil)
	require.NoError(t, err)
	assert.Empty(t, results)
	require.NoError(t, s.HealthCheck(context.Background()))
}

func TestMemoryStore_ExportImportIntoFileStore(t *testing.T) {
	mem := newTestMemoryStore(t)
	ctx := context.Background()
	ids := storeChunks(t, mem, "doc", metadata.Record{"tag": metadata.String("x")},
		[]string{"one", "two"}, [][]float32{vec(1, 0, 0, 0), vec(0, 0, 0, 1)})

	entries, err := mem.Export(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	file := openTestStore(t, testFileConfig(t))
	n, err := file.Import(ctx, entries)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	results, err := file.Search(ctx, vec(0, 0, 0, 1), 1, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Contains(t, ids, results[0].ChunkID)
	assert.Equal(t, "two", results[0].Content)
	assert.Equal(t, "x", results[0].Metadata.GetString("tag"))
}

func TestMemoryStore_ImportRejectsBadEntries(t *testing.T) {
	s := newTestMemoryStore(t)
	_, err := s.Import(context.Background(), []Entry{{ChunkID: "a", Vector: vec(1, 0)}})
	assert.ErrorIs(t, err, ErrDimensionMismatch)

	_, err = s.Import(context.Background(), []Entry{{Vector: vec(1, 0, 0, 0)}})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestMemoryStore_ClosedIsUnavailable(t *testing.T) {
	s, err := NewMemoryStore(testDim, 0, nil)
	require.NoError(t, err)
	require.NoError(t, s.Close())
	assert.False(t, s.IsReady())

	_, err = s.Search(context.Background(), vec(1, 0, 0, 0), 1, nil)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}

func TestMemoryStore_ConversationFilterSearchesWholeIndex(t *testing.T) {
	assertConversationScope(t, newTestMemoryStore(t))
}
