// value.go - the heterogeneous value model (tagged union), total ordering,
// equality, dot-path access and deep copy.
//
// Grounded on the teacher's bson.D / officialBson.D order-preserving
// conversion in modern_utils.go: documents are kept as an ordered slice of
// key/value pairs rather than a plain Go map, so that re-serializing a
// loaded document reproduces the same bytes.
package nanodb

import (
	"sort"
	"strconv"
	"strings"
	"time"
)

// Kind identifies which variant of the tagged union a Value holds.
type Kind int

// Precedence lowest to highest, per the total ordering in spec.md §4.1.
const (
	KindUndefined Kind = iota
	KindNull
	KindNumber
	KindString
	KindBool
	KindDate
	KindArray
	KindObject

	// KindFunc holds a $where predicate closure (spec.md §4.3). It is a
	// query-only sentinel: it never appears in a stored document, is
	// excluded from Compare/Equal/DeepCopy's normal domain, and is never
	// persisted.
	KindFunc
)

// WhereFunc is the predicate closure accepted by the $where query operator.
// It receives the candidate document and must return whether it matches.
type WhereFunc func(doc Value) (bool, error)

// Pair is one key/value entry of an ordered object. Using a slice of pairs
// instead of a map preserves insertion order across load/compact cycles.
type Pair struct {
	Key   string
	Value Value
}

// D is an ordered document body: a slice of key/value pairs. The name
// mirrors the teacher's bson.D.
type D []Pair

// Get returns the value for key and whether it was present.
func (d D) Get(key string) (Value, bool) {
	for _, p := range d {
		if p.Key == key {
			return p.Value, true
		}
	}
	return Value{}, false
}

// Set replaces the value for key if present, otherwise appends it, keeping
// the original position of pre-existing keys.
func (d D) Set(key string, v Value) D {
	for i := range d {
		if d[i].Key == key {
			d[i].Value = v
			return d
		}
	}
	return append(d, Pair{Key: key, Value: v})
}

// Delete removes key from d, if present.
func (d D) Delete(key string) D {
	for i, p := range d {
		if p.Key == key {
			return append(d[:i], d[i+1:]...)
		}
	}
	return d
}

// Keys returns the ordered key list.
func (d D) Keys() []string {
	keys := make([]string, len(d))
	for i, p := range d {
		keys[i] = p.Key
	}
	return keys
}

// Value is a tagged union over null, boolean, 64-bit float, string,
// millisecond-epoch date, ordered array, and ordered object. The zero Value
// represents "undefined" (KindUndefined), which is distinct from null.
type Value struct {
	kind Kind
	b    bool
	n    float64
	s    string
	date int64
	arr  []Value
	obj  D
	fn   WhereFunc
}

// Undefined returns the undefined value (the zero Value).
func Undefined() Value { return Value{kind: KindUndefined} }

// Null returns the null value.
func Null() Value { return Value{kind: KindNull} }

// Bool wraps a boolean.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Number wraps a float64 (the sole numeric type).
func Number(n float64) Value { return Value{kind: KindNumber, n: n} }

// Date wraps a millisecond-epoch timestamp.
func Date(millis int64) Value { return Value{kind: KindDate, date: millis} }

// String wraps a string.
func String(s string) Value { return Value{kind: KindString, s: s} }

// Array wraps an ordered list of values.
func Array(items []Value) Value { return Value{kind: KindArray, arr: items} }

// Object wraps an ordered document body.
func Object(d D) Value { return Value{kind: KindObject, obj: d} }

// Kind reports which variant v holds.
func (v Value) Kind() Kind { return v.kind }

// IsUndefined reports whether v is the undefined value.
func (v Value) IsUndefined() bool { return v.kind == KindUndefined }

// IsNull reports whether v is null.
func (v Value) IsNull() bool { return v.kind == KindNull }

// AsBool returns the boolean payload; only meaningful when Kind() == KindBool.
func (v Value) AsBool() bool { return v.b }

// AsNumber returns the float64 payload; only meaningful when Kind() == KindNumber.
func (v Value) AsNumber() float64 { return v.n }

// AsString returns the string payload; only meaningful when Kind() == KindString.
func (v Value) AsString() string { return v.s }

// AsDate returns the millisecond-epoch payload; only meaningful when Kind() == KindDate.
func (v Value) AsDate() int64 { return v.date }

// AsArray returns the backing slice; only meaningful when Kind() == KindArray.
// Callers must not mutate it in place; use DeepCopy first.
func (v Value) AsArray() []Value { return v.arr }

// AsObject returns the backing document body; only meaningful when
// Kind() == KindObject. Callers must not mutate it in place.
func (v Value) AsObject() D { return v.obj }

// AsFunc returns the predicate payload; only meaningful when Kind() == KindFunc.
func (v Value) AsFunc() WhereFunc { return v.fn }

// IsPrimitive reports whether v is one of null, number, string, bool, date.
func (v Value) IsPrimitive() bool {
	switch v.kind {
	case KindNull, KindNumber, KindString, KindBool, KindDate:
		return true
	default:
		return false
	}
}

// StringComparator compares two raw strings, returning <0, 0, >0. The
// default is strings.Compare; callers may inject a custom one via the
// compareStrings configuration option (spec.md §6).
type StringComparator func(a, b string) int

func defaultStringCompare(a, b string) int { return strings.Compare(a, b) }

// Compare implements the total order of spec.md §4.1:
// undefined < null < numbers < strings < booleans < dates < arrays < objects,
// with arrays compared lexicographically (shorter wins ties) and objects
// compared by their sorted key lists positionally, then by length.
func Compare(a, b Value) int {
	return CompareWith(defaultStringCompare, a, b)
}

// CompareWith is Compare with an injectable string comparator.
func CompareWith(strCmp StringComparator, a, b Value) int {
	if a.kind != b.kind {
		return rank(a.kind) - rank(b.kind)
	}
	switch a.kind {
	case KindUndefined, KindNull:
		return 0
	case KindBool:
		if a.b == b.b {
			return 0
		}
		if !a.b {
			return -1
		}
		return 1
	case KindNumber:
		switch {
		case a.n < b.n:
			return -1
		case a.n > b.n:
			return 1
		default:
			return 0
		}
	case KindString:
		if strCmp != nil {
			return strCmp(a.s, b.s)
		}
		return strings.Compare(a.s, b.s)
	case KindDate:
		switch {
		case a.date < b.date:
			return -1
		case a.date > b.date:
			return 1
		default:
			return 0
		}
	case KindArray:
		return compareArrays(strCmp, a.arr, b.arr)
	case KindObject:
		return compareObjects(strCmp, a.obj, b.obj)
	default:
		return 0
	}
}

func rank(k Kind) int { return int(k) }

func compareArrays(strCmp StringComparator, a, b []Value) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if c := CompareWith(strCmp, a[i], b[i]); c != 0 {
			return c
		}
	}
	return len(a) - len(b)
}

func compareObjects(strCmp StringComparator, a, b D) int {
	aKeys := append([]string(nil), a.Keys()...)
	bKeys := append([]string(nil), b.Keys()...)
	sort.Strings(aKeys)
	sort.Strings(bKeys)
	n := len(aKeys)
	if len(bKeys) < n {
		n = len(bKeys)
	}
	for i := 0; i < n; i++ {
		if c := strCmp(aKeys[i], bKeys[i]); c != 0 {
			return c
		}
		av, _ := a.Get(aKeys[i])
		bv, _ := b.Get(bKeys[i])
		if c := CompareWith(strCmp, av, bv); c != 0 {
			return c
		}
	}
	return len(aKeys) - len(bKeys)
}

// Equal is areThingsEqual from spec.md §4.1: structural for objects/arrays,
// dates equal when epoch-millis equal, undefined is never equal to anything
// (not even itself, which is what the matcher relies on for `$ne: undefined`).
func Equal(a, b Value) bool {
	if a.kind == KindUndefined || b.kind == KindUndefined {
		return false
	}
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case KindNull:
		return true
	case KindBool:
		return a.b == b.b
	case KindNumber:
		return a.n == b.n
	case KindString:
		return a.s == b.s
	case KindDate:
		return a.date == b.date
	case KindArray:
		if len(a.arr) != len(b.arr) {
			return false
		}
		for i := range a.arr {
			if !Equal(a.arr[i], b.arr[i]) {
				return false
			}
		}
		return true
	case KindObject:
		if len(a.obj) != len(b.obj) {
			return false
		}
		for _, p := range a.obj {
			bv, ok := b.obj.Get(p.Key)
			if !ok || !Equal(p.Value, bv) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// GetDotValue implements getDotValue(obj, "a.b.c") from spec.md §4.1.
func GetDotValue(v Value, path string) Value {
	if path == "" {
		return v
	}
	return getDotValueSegments(v, strings.Split(path, "."))
}

func getDotValueSegments(v Value, segments []string) Value {
	if len(segments) == 0 {
		return v
	}
	if v.kind == KindArray {
		if idx, err := strconv.Atoi(segments[0]); err == nil && idx >= 0 {
			if idx < len(v.arr) {
				return getDotValueSegments(v.arr[idx], segments[1:])
			}
			return Undefined()
		}
		// Map the remaining path across all array elements.
		out := make([]Value, 0, len(v.arr))
		for _, item := range v.arr {
			out = append(out, getDotValueSegments(item, segments))
		}
		return Array(out)
	}
	if v.kind != KindObject {
		return Undefined()
	}
	child, ok := v.obj.Get(segments[0])
	if !ok {
		return Undefined()
	}
	return getDotValueSegments(child, segments[1:])
}

// DeepCopy returns a structural copy of v. When strict is true, object keys
// beginning with '$' or containing '.' are dropped from the copy — used when
// materializing an upsert base from a query. Documents returned to callers
// are non-strict copies.
func DeepCopy(v Value, strict bool) Value {
	switch v.kind {
	case KindArray:
		out := make([]Value, len(v.arr))
		for i, item := range v.arr {
			out[i] = DeepCopy(item, strict)
		}
		return Array(out)
	case KindObject:
		out := make(D, 0, len(v.obj))
		for _, p := range v.obj {
			if strict && isReservedOrDotted(p.Key) {
				continue
			}
			out = append(out, Pair{Key: p.Key, Value: DeepCopy(p.Value, strict)})
		}
		return Object(out)
	default:
		return v
	}
}

func isReservedOrDotted(key string) bool {
	return strings.Contains(key, ".") || strings.HasPrefix(key, "$")
}

// M is an ergonomic alias for constructing documents from Go literals,
// mirroring the teacher's bson.M.
type M = map[string]interface{}

// A is an ergonomic alias for constructing arrays from Go literals,
// mirroring the teacher's bson.A / []interface{} usage.
type A = []interface{}

// FromGo converts a native Go value (nil, bool, float64, float32, int,
// int32, int64, string, time.Time, M, A, []interface{},
// map[string]interface{}, or Value) into a Value. Any other type, including
// the other integer kinds, converts to null.
func FromGo(in interface{}) Value {
	switch v := in.(type) {
	case nil:
		return Null()
	case Value:
		return v
	case bool:
		return Bool(v)
	case float64:
		return Number(v)
	case float32:
		return Number(float64(v))
	case int:
		return Number(float64(v))
	case int32:
		return Number(float64(v))
	case int64:
		return Number(float64(v))
	case string:
		return String(v)
	case time.Time:
		return Date(v.UnixMilli())
	case []interface{}:
		out := make([]Value, len(v))
		for i, item := range v {
			out[i] = FromGo(item)
		}
		return Array(out)
	case []Value:
		return Array(v)
	case map[string]interface{}:
		return Object(mapToD(v))
	case D:
		return Object(v)
	case WhereFunc:
		return Value{kind: KindFunc, fn: v}
	case func(Value) (bool, error):
		return Value{kind: KindFunc, fn: WhereFunc(v)}
	case func(M) bool:
		return Value{kind: KindFunc, fn: func(doc Value) (bool, error) {
			return v(ToGo(doc).(M)), nil
		}}
	default:
		return Null()
	}
}

func mapToD(m map[string]interface{}) D {
	// Go map iteration order is random; sort keys for reproducibility since
	// callers constructing documents from a plain map have no insertion
	// order to preserve in the first place.
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make(D, 0, len(m))
	for _, k := range keys {
		out = append(out, Pair{Key: k, Value: FromGo(m[k])})
	}
	return out
}

// ToGo converts a Value back into plain Go data (map[string]interface{},
// []interface{}, float64, string, bool, time.Time, nil) for returning
// results to callers.
func ToGo(v Value) interface{} {
	switch v.kind {
	case KindUndefined, KindNull:
		return nil
	case KindBool:
		return v.b
	case KindNumber:
		return v.n
	case KindString:
		return v.s
	case KindDate:
		return time.UnixMilli(v.date).UTC()
	case KindArray:
		out := make([]interface{}, len(v.arr))
		for i, item := range v.arr {
			out[i] = ToGo(item)
		}
		return out
	case KindObject:
		out := make(map[string]interface{}, len(v.obj))
		for _, p := range v.obj {
			out[p.Key] = ToGo(p.Value)
		}
		return out
	default:
		return nil
	}
}
