package metadata

import (
	"fmt"
	"sort"
)

// Reserved keys. Every other key is caller-defined.
const (
	KeyDocumentID            = "document_id"
	KeyConversationID        = "conversation_id"
	KeyPendingConversationID = "pending_conversation_id"
	KeySource                = "source"
	KeyFilename              = "filename"
	KeyCreatedAt             = "created_at"

	KeyChunkID           = "chunk_id"
	KeyChunkIndex        = "chunk_index"
	KeyStartChar         = "start_char"
	KeyEndChar           = "end_char"
	KeyTokenCount        = "token_count"
	KeyEmbeddingDegraded = "embedding_degraded"
)

var reserved = map[string]Kind{
	KeyDocumentID:            KindString,
	KeyConversationID:        KindString,
	KeyPendingConversationID: KindString,
	KeySource:                KindString,
	KeyFilename:              KindString,
	KeyCreatedAt:             KindInt,
	KeyChunkID:               KindString,
	KeyChunkIndex:            KindInt,
	KeyStartChar:             KindInt,
	KeyEndChar:               KindInt,
	KeyTokenCount:            KindInt,
	KeyEmbeddingDegraded:     KindBool,
}

// IsReserved reports whether key is one of the well-known keys.
func IsReserved(key string) bool {
	_, ok := reserved[key]
	return ok
}

// IsConversationKey reports whether key scopes records to a conversation.
func IsConversationKey(key string) bool {
	return key == KeyConversationID || key == KeyPendingConversationID
}

// Record is the metadata attached to one stored vector.
type Record map[string]Value

// FromMap converts a loosely typed map into a Record. Reserved keys must
// carry their documented kind; created_at also accepts a time.Time.
func FromMap(m map[string]any) (Record, error) {
	r := make(Record, len(m))
	for k, raw := range m {
		v, err := FromAny(raw)
		if err != nil {
			return nil, fmt.Errorf("metadata key %q: %w", k, err)
		}
		v, err = normalizeReserved(k, v)
		if err != nil {
			return nil, err
		}
		r[k] = v
	}
	return r, nil
}

// normalizeReserved enforces the documented kind of reserved keys. IDs given
// as numbers become strings, and integral floats (as decoded from JSON)
// narrow to Int.
func normalizeReserved(key string, v Value) (Value, error) {
	want, ok := reserved[key]
	if !ok || v.kind == want {
		return v, nil
	}
	switch want {
	case KindString:
		return String(v.String()), nil
	case KindInt:
		if i, isInt := v.AsInt(); isInt {
			return Int(i), nil
		}
	}
	return Value{}, fmt.Errorf("metadata key %q: %w: want %s, got %s", key, ErrUnsupportedValue, want, v.kind)
}

// Get returns the value at key.
func (r Record) Get(key string) (Value, bool) {
	v, ok := r[key]
	return v, ok && v.IsValid()
}

// GetString returns the string at key, or "" when absent or not a string.
func (r Record) GetString(key string) string {
	s, _ := r[key].Str()
	return s
}

// GetInt returns the integer at key, or 0.
func (r Record) GetInt(key string) int64 {
	i, _ := r[key].AsInt()
	return i
}

// DocumentID returns the record's document_id.
func (r Record) DocumentID() string {
	return r.GetString(KeyDocumentID)
}

// Clone returns a shallow copy. Values are immutable, so this is a full copy.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Layer merges layers left to right into a new Record: keys in later
// layers override earlier ones. Stores call it with the document-level
// record first and the chunk-level record second.
func Layer(layers ...Record) Record {
	size := 0
	for _, l := range layers {
		size += len(l)
	}
	out := make(Record, size)
	for _, l := range layers {
		for k, v := range l {
			if v.IsValid() {
				out[k] = v
			}
		}
	}
	return out
}

// ToMap converts the record to plain Go values, for JSON surfaces.
func (r Record) ToMap() map[string]any {
	out := make(map[string]any, len(r))
	for k, v := range r {
		out[k] = v.Interface()
	}
	return out
}

// StringMap renders every value in its canonical text form, for backends
// that only store string metadata.
func (r Record) StringMap() map[string]string {
	out := make(map[string]string, len(r))
	for k, v := range r {
		out[k] = v.String()
	}
	return out
}

// Keys returns the record's keys in sorted order.
func (r Record) Keys() []string {
	keys := make([]string, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
