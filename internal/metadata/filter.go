package metadata

import (
	"fmt"
	"reflect"
	"sort"
)

// Condition is one predicate over a Record. A record that lacks a key the
// condition tests never matches it.
type Condition interface {
	Match(r Record) bool
	// Keys lists the metadata keys the condition reads.
	Keys() []string
}

// Eq matches when the record's value at Key equals Value.
type Eq struct {
	Key   string
	Value Value
}

func (c Eq) Match(r Record) bool {
	v, ok := r.Get(c.Key)
	return ok && Equal(v, c.Value)
}

func (c Eq) Keys() []string { return []string{c.Key} }

// In matches when the record's value at Key equals any of Values.
type In struct {
	Key    string
	Values []Value
}

func (c In) Match(r Record) bool {
	v, ok := r.Get(c.Key)
	if !ok {
		return false
	}
	for _, want := range c.Values {
		if Equal(v, want) {
			return true
		}
	}
	return false
}

func (c In) Keys() []string { return []string{c.Key} }

// Gte matches numeric values at Key that are at least Min.
type Gte struct {
	Key string
	Min float64
}

func (c Gte) Match(r Record) bool {
	v, ok := r.Get(c.Key)
	if !ok {
		return false
	}
	f, numeric := v.AsFloat()
	return numeric && f >= c.Min
}

func (c Gte) Keys() []string { return []string{c.Key} }

// Or matches when any sub-condition matches. An empty Or matches nothing.
type Or []Condition

func (c Or) Match(r Record) bool {
	for _, sub := range c {
		if sub.Match(r) {
			return true
		}
	}
	return false
}

func (c Or) Keys() []string {
	var keys []string
	for _, sub := range c {
		keys = append(keys, sub.Keys()...)
	}
	return keys
}

// Filter is a conjunction of conditions. The nil Filter matches everything.
type Filter []Condition

// Match reports whether r satisfies every condition.
func (f Filter) Match(r Record) bool {
	for _, c := range f {
		if !c.Match(r) {
			return false
		}
	}
	return true
}

// And returns a new Filter with extra conditions appended; f is unchanged.
func (f Filter) And(conds ...Condition) Filter {
	out := make(Filter, 0, len(f)+len(conds))
	out = append(out, f...)
	return append(out, conds...)
}

// Keys returns the distinct keys referenced anywhere in the filter.
func (f Filter) Keys() []string {
	seen := map[string]bool{}
	var keys []string
	for _, c := range f {
		for _, k := range c.Keys() {
			if !seen[k] {
				seen[k] = true
				keys = append(keys, k)
			}
		}
	}
	sort.Strings(keys)
	return keys
}

// ConversationScoped reports whether the filter references a conversation
// key. Stores widen the candidate set to the whole index for such filters.
func (f Filter) ConversationScoped() bool {
	for _, k := range f.Keys() {
		if IsConversationKey(k) {
			return true
		}
	}
	return false
}

// ConversationCondition matches records committed to conversationID or
// uploaded for it but not yet committed.
func ConversationCondition(conversationID string) Condition {
	return Or{
		Eq{Key: KeyConversationID, Value: String(conversationID)},
		Eq{Key: KeyPendingConversationID, Value: String(conversationID)},
	}
}

// PendingCondition matches records uploaded for conversationID but not yet
// committed to it.
func PendingCondition(conversationID string) Condition {
	return Eq{Key: KeyPendingConversationID, Value: String(conversationID)}
}

// FilterFromMap builds a Filter from a loosely typed map:
//
//   - scalar values become Eq
//   - slice values (other than length 1) become In
//   - conversation_id and pending_conversation_id given together become a
//     single Or, so pending uploads match a conversation-scoped query
func FilterFromMap(m map[string]any) (Filter, error) {
	if len(m) == 0 {
		return nil, nil
	}

	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var f Filter
	var convOr Or
	for _, k := range keys {
		c, err := conditionFor(k, m[k])
		if err != nil {
			return nil, err
		}
		if IsConversationKey(k) {
			convOr = append(convOr, c)
			continue
		}
		f = append(f, c)
	}

	switch len(convOr) {
	case 1:
		f = append(f, convOr[0])
	case 2:
		f = append(f, convOr)
	}
	return f, nil
}

func conditionFor(key string, raw any) (Condition, error) {
	raw = unwrapScalar(raw)
	if rv, ok := sequence(raw); ok {
		values := make([]Value, 0, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			v, err := filterValue(key, rv.Index(i).Interface())
			if err != nil {
				return nil, err
			}
			values = append(values, v)
		}
		return In{Key: key, Values: values}, nil
	}
	if raw != nil && reflect.TypeOf(raw).Kind() == reflect.Map {
		return nil, fmt.Errorf("filter key %q: %w: nested maps", key, ErrUnsupportedValue)
	}
	v, err := filterValue(key, raw)
	if err != nil {
		return nil, err
	}
	return Eq{Key: key, Value: v}, nil
}

func filterValue(key string, raw any) (Value, error) {
	v, err := FromAny(raw)
	if err != nil {
		return Value{}, fmt.Errorf("filter key %q: %w", key, err)
	}
	return normalizeReserved(key, v)
}

// Builder assembles a Filter fluently. The first conversion error is kept
// and returned by Build.
type Builder struct {
	filter Filter
	err    error
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// Eq adds an equality condition.
func (b *Builder) Eq(key string, value any) *Builder {
	if b.err != nil {
		return b
	}
	v, err := filterValue(key, value)
	if err != nil {
		b.err = err
		return b
	}
	b.filter = append(b.filter, Eq{Key: key, Value: v})
	return b
}

// In adds a membership condition.
func (b *Builder) In(key string, values ...any) *Builder {
	if b.err != nil {
		return b
	}
	vs := make([]Value, 0, len(values))
	for _, raw := range values {
		v, err := filterValue(key, raw)
		if err != nil {
			b.err = err
			return b
		}
		vs = append(vs, v)
	}
	b.filter = append(b.filter, In{Key: key, Values: vs})
	return b
}

// Conversation adds the committed-or-pending condition for conversationID.
func (b *Builder) Conversation(conversationID string) *Builder {
	b.filter = append(b.filter, ConversationCondition(conversationID))
	return b
}

// Since adds a created_at lower bound in Unix seconds.
func (b *Builder) Since(unixSeconds int64) *Builder {
	b.filter = append(b.filter, Gte{Key: KeyCreatedAt, Min: float64(unixSeconds)})
	return b
}

// Where adds an arbitrary condition.
func (b *Builder) Where(c Condition) *Builder {
	b.filter = append(b.filter, c)
	return b
}

// Build returns the filter or the first error encountered.
func (b *Builder) Build() (Filter, error) {
	if b.err != nil {
		return nil, b.err
	}
	return b.filter, nil
}
