package vectorstore

import (
	"fmt"
	"math"

	"github.com/google/uuid"

	"github.com/fyrsmithlabs/recall/internal/metadata"
)

// buildRecords validates a Store call and layers each chunk's metadata:
// document-level first (docMeta, created_at defaulting to now), then
// chunk-level (chunk.Metadata and the chunk keys). document_id always
// equals documentID.
func buildRecords(dim int, documentID string, docMeta metadata.Record, chunks []Chunk, embeddings [][]float32) ([]Entry, error) {
	if documentID == "" {
		return nil, fmt.Errorf("%w: document id is required", ErrInvalidInput)
	}
	if len(chunks) != len(embeddings) {
		return nil, fmt.Errorf("%w: %d chunks but %d embeddings", ErrDimensionMismatch, len(chunks), len(embeddings))
	}
	for i, emb := range embeddings {
		if len(emb) != dim {
			return nil, fmt.Errorf("%w: embedding %d has length %d, store dimension is %d", ErrDimensionMismatch, i, len(emb), dim)
		}
	}

	docLayer := docMeta.Clone()
	if _, ok := docLayer.Get(metadata.KeyCreatedAt); !ok {
		docLayer[metadata.KeyCreatedAt] = metadata.Time(timeNow())
	}

	entries := make([]Entry, len(chunks))
	for i, c := range chunks {
		id := c.ID
		if id == "" {
			id = uuid.NewString()
		}
		chunkLayer := c.Metadata.Clone()
		chunkLayer[metadata.KeyChunkID] = metadata.String(id)
		chunkLayer[metadata.KeyChunkIndex] = metadata.Int(int64(c.Index))
		chunkLayer[metadata.KeyStartChar] = metadata.Int(int64(c.StartChar))
		chunkLayer[metadata.KeyEndChar] = metadata.Int(int64(c.EndChar))
		chunkLayer[metadata.KeyTokenCount] = metadata.Int(int64(c.TokenCount))

		rec := metadata.Layer(docLayer, chunkLayer)
		rec[metadata.KeyDocumentID] = metadata.String(documentID)

		entries[i] = Entry{
			ChunkID:  id,
			Content:  c.Content,
			Metadata: rec,
			Vector:   embeddings[i],
		}
	}
	return entries, nil
}

func validateQuery(dim int, query []float32, topK int) error {
	if topK <= 0 {
		return fmt.Errorf("%w: got %d", ErrInvalidTopK, topK)
	}
	if len(query) != dim {
		return fmt.Errorf("%w: query has length %d, store dimension is %d", ErrDimensionMismatch, len(query), dim)
	}
	return nil
}

// normalized returns a unit-length copy of v. A zero vector is returned
// unchanged.
func normalized(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return out
	}
	inv := float32(1 / math.Sqrt(sum))
	for i := range out {
		out[i] *= inv
	}
	return out
}

func dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// conversationValues extracts the conversation IDs a filter pins, when it
// has a top-level condition over conversation keys only. ok is false when
// no such condition exists and every record must be scanned.
func conversationValues(f metadata.Filter) (values []string, ok bool) {
	for _, c := range f {
		if vs, pinned := pinnedConversation(c); pinned {
			return vs, true
		}
	}
	return nil, false
}

func pinnedConversation(c metadata.Condition) ([]string, bool) {
	switch cond := c.(type) {
	case metadata.Eq:
		if !metadata.IsConversationKey(cond.Key) {
			return nil, false
		}
		s, isStr := cond.Value.Str()
		return []string{s}, isStr
	case metadata.In:
		if !metadata.IsConversationKey(cond.Key) {
			return nil, false
		}
		out := make([]string, 0, len(cond.Values))
		for _, v := range cond.Values {
			s, isStr := v.Str()
			if !isStr {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	case metadata.Or:
		var out []string
		for _, sub := range cond {
			vs, pinned := pinnedConversation(sub)
			if !pinned {
				return nil, false
			}
			out = append(out, vs...)
		}
		return out, len(cond) > 0
	}
	return nil, false
}
