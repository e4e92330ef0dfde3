// Package metadata models the per-chunk metadata records stored alongside
// every vector: a small tagged-value map, the reserved keys the retrieval
// core relies on, a total comparison routine and filter conditions.
package metadata

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"
)

// ErrUnsupportedValue is returned when a Go value has no scalar form.
var ErrUnsupportedValue = errors.New("unsupported metadata value")

// Kind identifies which scalar a Value holds.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindString
	KindInt
	KindFloat
	KindBool
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindBool:
		return "bool"
	default:
		return "invalid"
	}
}

// Value is a tagged scalar. The zero Value is invalid and matches nothing.
type Value struct {
	kind Kind
	s    string
	i    int64
	f    float64
	b    bool
}

func String(s string) Value   { return Value{kind: KindString, s: s} }
func Int(i int64) Value       { return Value{kind: KindInt, i: i} }
func Float(f float64) Value   { return Value{kind: KindFloat, f: f} }
func Bool(b bool) Value       { return Value{kind: KindBool, b: b} }
func Time(t time.Time) Value  { return Int(t.Unix()) }
func (v Value) Kind() Kind    { return v.kind }
func (v Value) IsValid() bool { return v.kind != KindInvalid }

// Str returns the string held by v.
func (v Value) Str() (string, bool) {
	return v.s, v.kind == KindString
}

// AsInt returns v as an int64. Floats convert only when integral.
func (v Value) AsInt() (int64, bool) {
	switch v.kind {
	case KindInt:
		return v.i, true
	case KindFloat:
		if v.f == math.Trunc(v.f) && !math.IsInf(v.f, 0) {
			return int64(v.f), true
		}
	}
	return 0, false
}

// AsFloat returns v as a float64 for either numeric kind.
func (v Value) AsFloat() (float64, bool) {
	switch v.kind {
	case KindInt:
		return float64(v.i), true
	case KindFloat:
		return v.f, true
	}
	return 0, false
}

// AsBool returns the bool held by v.
func (v Value) AsBool() (bool, bool) {
	return v.b, v.kind == KindBool
}

// Interface returns v as a plain Go value (string, int64, float64, bool or nil).
func (v Value) Interface() any {
	switch v.kind {
	case KindString:
		return v.s
	case KindInt:
		return v.i
	case KindFloat:
		return v.f
	case KindBool:
		return v.b
	}
	return nil
}

// String renders v in its canonical text form. Numbers use strconv so the
// same value always renders the same way.
func (v Value) String() string {
	switch v.kind {
	case KindString:
		return v.s
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindFloat:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.b)
	}
	return ""
}

// Equal reports whether a and b hold the same scalar. Int and Float compare
// numerically; any other cross-kind pair is unequal.
func Equal(a, b Value) bool {
	switch {
	case a.kind == KindInt && b.kind == KindInt:
		return a.i == b.i
	case isNumeric(a.kind) && isNumeric(b.kind):
		af, _ := a.AsFloat()
		bf, _ := b.AsFloat()
		return af == bf
	case a.kind != b.kind:
		return false
	case a.kind == KindString:
		return a.s == b.s
	case a.kind == KindBool:
		return a.b == b.b
	}
	return false
}

func isNumeric(k Kind) bool {
	return k == KindInt || k == KindFloat
}

// MarshalJSON writes the bare scalar.
func (v Value) MarshalJSON() ([]byte, error) {
	if !v.IsValid() {
		return []byte("null"), nil
	}
	if v.kind == KindFloat && (math.IsNaN(v.f) || math.IsInf(v.f, 0)) {
		return json.Marshal(v.String())
	}
	return json.Marshal(v.Interface())
}

// UnmarshalJSON reads a bare scalar. Whole numbers decode as Int.
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	if raw == nil {
		*v = Value{}
		return nil
	}
	parsed, err := FromAny(raw)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// GobEncode implements gob.GobEncoder so records can live in gob sidecar
// files. Layout: one kind byte followed by the payload.
func (v Value) GobEncode() ([]byte, error) {
	switch v.kind {
	case KindString:
		return append([]byte{byte(v.kind)}, v.s...), nil
	case KindInt:
		return binary.LittleEndian.AppendUint64([]byte{byte(v.kind)}, uint64(v.i)), nil
	case KindFloat:
		return binary.LittleEndian.AppendUint64([]byte{byte(v.kind)}, math.Float64bits(v.f)), nil
	case KindBool:
		if v.b {
			return []byte{byte(v.kind), 1}, nil
		}
		return []byte{byte(v.kind), 0}, nil
	}
	return []byte{byte(KindInvalid)}, nil
}

// GobDecode implements gob.GobDecoder.
func (v *Value) GobDecode(data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: empty encoding", ErrUnsupportedValue)
	}
	kind, payload := Kind(data[0]), data[1:]
	switch kind {
	case KindInvalid:
		*v = Value{}
	case KindString:
		*v = String(string(payload))
	case KindInt, KindFloat:
		if len(payload) != 8 {
			return fmt.Errorf("%w: bad %s payload length %d", ErrUnsupportedValue, kind, len(payload))
		}
		bits := binary.LittleEndian.Uint64(payload)
		if kind == KindInt {
			*v = Int(int64(bits))
		} else {
			*v = Float(math.Float64frombits(bits))
		}
	case KindBool:
		if len(payload) != 1 {
			return fmt.Errorf("%w: bad bool payload length %d", ErrUnsupportedValue, len(payload))
		}
		*v = Bool(payload[0] == 1)
	default:
		return fmt.Errorf("%w: kind %d", ErrUnsupportedValue, kind)
	}
	return nil
}
