package metadata

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"time"
)

// FromAny converts a plain Go value into a Value. Length-1 slices and
// arrays are unwrapped first, so []float32{0.5} becomes Float(0.5).
func FromAny(x any) (Value, error) {
	x = unwrapScalar(x)
	switch v := x.(type) {
	case Value:
		return v, nil
	case string:
		return String(v), nil
	case []byte:
		return String(string(v)), nil
	case bool:
		return Bool(v), nil
	case int:
		return Int(int64(v)), nil
	case int8:
		return Int(int64(v)), nil
	case int16:
		return Int(int64(v)), nil
	case int32:
		return Int(int64(v)), nil
	case int64:
		return Int(v), nil
	case uint:
		return fromUint(uint64(v)), nil
	case uint8:
		return Int(int64(v)), nil
	case uint16:
		return Int(int64(v)), nil
	case uint32:
		return Int(int64(v)), nil
	case uint64:
		return fromUint(v), nil
	case float32:
		return Float(float64(v)), nil
	case float64:
		return Float(v), nil
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return Int(i), nil
		}
		f, err := v.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("%w: %q", ErrUnsupportedValue, v.String())
		}
		return Float(f), nil
	case time.Time:
		return Time(v), nil
	case nil:
		return Value{}, fmt.Errorf("%w: nil", ErrUnsupportedValue)
	}
	return Value{}, fmt.Errorf("%w: %T", ErrUnsupportedValue, x)
}

func fromUint(u uint64) Value {
	if u > math.MaxInt64 {
		return Float(float64(u))
	}
	return Int(int64(u))
}

// Compare is a total equality check over metadata values that may arrive as
// plain scalars, Values, or array-like wrappers from a vector runtime.
//
//  1. Length-1 slices and arrays are unwrapped to their element.
//  2. Remaining multi-element slices or arrays equal only another sequence of
//     the same length whose elements Compare pairwise.
//  3. Scalars convert to Value and compare with Equal.
//  4. Anything else falls back to reflect.DeepEqual.
//
// Compare never panics and never relies on a truthiness coercion.
func Compare(a, b any) bool {
	a, b = unwrapScalar(a), unwrapScalar(b)
	if a == nil || b == nil {
		return a == nil && b == nil
	}

	as, aSeq := sequence(a)
	bs, bSeq := sequence(b)
	if aSeq || bSeq {
		if !aSeq || !bSeq || as.Len() != bs.Len() {
			return false
		}
		for i := 0; i < as.Len(); i++ {
			if !Compare(as.Index(i).Interface(), bs.Index(i).Interface()) {
				return false
			}
		}
		return true
	}

	va, errA := FromAny(a)
	vb, errB := FromAny(b)
	switch {
	case errA == nil && errB == nil:
		return Equal(va, vb)
	case errA != nil && errB != nil:
		return reflect.DeepEqual(a, b)
	}
	return false
}

// unwrapScalar peels length-1 slices and arrays until a non-sequence or a
// longer sequence remains. []byte is treated as a string, not a sequence.
func unwrapScalar(x any) any {
	for {
		rv, ok := sequence(x)
		if !ok || rv.Len() != 1 {
			return x
		}
		x = rv.Index(0).Interface()
	}
}

func sequence(x any) (reflect.Value, bool) {
	if x == nil {
		return reflect.Value{}, false
	}
	if _, isBytes := x.([]byte); isBytes {
		return reflect.Value{}, false
	}
	rv := reflect.ValueOf(x)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		return rv, true
	}
	return reflect.Value{}, false
}
