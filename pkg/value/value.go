// Package value implements the closed tagged union used for node config,
// handler input/output, and AI-shaped payloads everywhere else in the
// engine would otherwise pass around untyped map[string]interface{}.
//
// Per the design notes, deep nested maps are kept behind a typed union
// with a thin path-accessor API rather than re-exposed as raw map access.
package value

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Kind identifies which alternative of the union a Value holds.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindList
	KindMap
)

// Value is a closed tagged union: Null | Bool | Int | Float | String |
// List<Value> | Map<string, Value>.
type Value struct {
	kind Kind
	b    bool
	i    int64
	f    float64
	s    string
	list []Value
	m    map[string]Value
}

func Null() Value               { return Value{kind: KindNull} }
func Bool(b bool) Value         { return Value{kind: KindBool, b: b} }
func Int(i int64) Value         { return Value{kind: KindInt, i: i} }
func Float(f float64) Value     { return Value{kind: KindFloat, f: f} }
func String(s string) Value     { return Value{kind: KindString, s: s} }
func List(items ...Value) Value { return Value{kind: KindList, list: items} }
func Map(m map[string]Value) Value {
	if m == nil {
		m = map[string]Value{}
	}
	return Value{kind: KindMap, m: m}
}

func (v Value) Kind() Kind     { return v.kind }
func (v Value) IsNull() bool   { return v.kind == KindNull }

func (v Value) Bool() (bool, bool)         { return v.b, v.kind == KindBool }
func (v Value) Int() (int64, bool)         { return v.i, v.kind == KindInt }
func (v Value) Float() (float64, bool) {
	switch v.kind {
	case KindFloat:
		return v.f, true
	case KindInt:
		return float64(v.i), true
	}
	return 0, false
}
func (v Value) String() (string, bool)     { return v.s, v.kind == KindString }
func (v Value) List() ([]Value, bool)      { return v.list, v.kind == KindList }
func (v Value) Map() (map[string]Value, bool) { return v.m, v.kind == KindMap }

// Truthy mirrors the condition node's predicate evaluation: null, false,
// zero, "", empty list/map are falsy; everything else truthy.
func (v Value) Truthy() bool {
	switch v.kind {
	case KindNull:
		return false
	case KindBool:
		return v.b
	case KindInt:
		return v.i != 0
	case KindFloat:
		return v.f != 0
	case KindString:
		return v.s != ""
	case KindList:
		return len(v.list) > 0
	case KindMap:
		return len(v.m) > 0
	}
	return false
}

// Get resolves a dot/bracket path like "items[0].name" against the
// value, returning (result, true) on success. Only Map/List alternatives
// are traversable; indexing a non-list or keying a non-map yields
// (Null, false).
func (v Value) Get(path string) (Value, bool) {
	segs, err := splitPath(path)
	if err != nil {
		return Null(), false
	}
	cur := v
	for _, seg := range segs {
		if seg.isIndex {
			list, ok := cur.List()
			if !ok || seg.index < 0 || seg.index >= len(list) {
				return Null(), false
			}
			cur = list[seg.index]
			continue
		}
		m, ok := cur.Map()
		if !ok {
			return Null(), false
		}
		next, ok := m[seg.key]
		if !ok {
			return Null(), false
		}
		cur = next
	}
	return cur, true
}

type pathSeg struct {
	key     string
	index   int
	isIndex bool
}

func splitPath(path string) ([]pathSeg, error) {
	var segs []pathSeg
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			segs = append(segs, pathSeg{key: cur.String()})
			cur.Reset()
		}
	}
	i := 0
	for i < len(path) {
		c := path[i]
		switch {
		case c == '.':
			flush()
			i++
		case c == '[':
			flush()
			end := strings.IndexByte(path[i:], ']')
			if end < 0 {
				return nil, fmt.Errorf("value: unterminated index in path %q", path)
			}
			idxStr := path[i+1 : i+end]
			idx, err := strconv.Atoi(idxStr)
			if err != nil {
				return nil, fmt.Errorf("value: bad index %q in path %q", idxStr, path)
			}
			segs = append(segs, pathSeg{index: idx, isIndex: true})
			i += end + 1
		default:
			cur.WriteByte(c)
			i++
		}
	}
	flush()
	return segs, nil
}

// FromJSON decodes arbitrary JSON into a Value.
func FromJSON(data []byte) (Value, error) {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return Null(), err
	}
	return FromAny(raw), nil
}

// FromAny converts a decoded-JSON interface{} tree (as produced by
// encoding/json) into a Value.
func FromAny(raw any) Value {
	switch x := raw.(type) {
	case nil:
		return Null()
	case bool:
		return Bool(x)
	case float64:
		if x == float64(int64(x)) {
			return Int(int64(x))
		}
		return Float(x)
	case int:
		return Int(int64(x))
	case int64:
		return Int(x)
	case string:
		return String(x)
	case []any:
		items := make([]Value, len(x))
		for i, it := range x {
			items[i] = FromAny(it)
		}
		return List(items...)
	case map[string]any:
		m := make(map[string]Value, len(x))
		for k, it := range x {
			m[k] = FromAny(it)
		}
		return Map(m)
	default:
		return Null()
	}
}

// ToAny converts a Value back into plain interface{} shapes suitable for
// encoding/json or a JSON-schema validator.
func (v Value) ToAny() any {
	switch v.kind {
	case KindNull:
		return nil
	case KindBool:
		return v.b
	case KindInt:
		return v.i
	case KindFloat:
		return v.f
	case KindString:
		return v.s
	case KindList:
		out := make([]any, len(v.list))
		for i, it := range v.list {
			out[i] = it.ToAny()
		}
		return out
	case KindMap:
		out := make(map[string]any, len(v.m))
		for k, it := range v.m {
			out[k] = it.ToAny()
		}
		return out
	}
	return nil
}

func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.ToAny())
}

func (v *Value) UnmarshalJSON(data []byte) error {
	parsed, err := FromJSON(data)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// CanonicalJSON encodes v with recursively sorted map keys and no
// insignificant whitespace — the encoding used for export-package
// checksums. encoding/json already escapes the Unicode JSON requires
// (<, >, & in strings; this is disabled via SetEscapeHTML(false) since
// the spec only requires JSON-mandatory escaping, not HTML-safety) and
// already emits whitespace-free output, so only the key-sort step needs
// hand-written recursion; no example in the corpus ships a canonical-JSON
// encoder to ground this against (see DESIGN.md).
func (v Value) CanonicalJSON() ([]byte, error) {
	return canonicalEncode(v.ToAny())
}

func canonicalEncode(x any) ([]byte, error) {
	switch t := x.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var b strings.Builder
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			kb, err := encodeScalar(k)
			if err != nil {
				return nil, err
			}
			b.Write(kb)
			b.WriteByte(':')
			vb, err := canonicalEncode(t[k])
			if err != nil {
				return nil, err
			}
			b.Write(vb)
		}
		b.WriteByte('}')
		return []byte(b.String()), nil
	case []any:
		var b strings.Builder
		b.WriteByte('[')
		for i, item := range t {
			if i > 0 {
				b.WriteByte(',')
			}
			ib, err := canonicalEncode(item)
			if err != nil {
				return nil, err
			}
			b.Write(ib)
		}
		b.WriteByte(']')
		return []byte(b.String()), nil
	default:
		return encodeScalar(t)
	}
}

func encodeScalar(x any) ([]byte, error) {
	var buf strings.Builder
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(x); err != nil {
		return nil, err
	}
	// json.Encoder.Encode appends a trailing newline; canonical output
	// must not contain it.
	return []byte(strings.TrimSuffix(buf.String(), "\n")), nil
}
