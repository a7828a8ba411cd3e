// Package doc holds configuration documents as a tree of typed nodes.
//
// A document is built from three node kinds: *Mapping (ordered string keys),
// *List and *Scalar. Profile composition and credential resolution operate on
// this tree with type switches instead of probing untyped maps.
package doc

import (
	"fmt"
	"sort"
)

// Kind identifies the concrete type of a Node.
type Kind int

const (
	KindScalar Kind = iota
	KindList
	KindMapping
)

func (k Kind) String() string {
	switch k {
	case KindScalar:
		return "scalar"
	case KindList:
		return "list"
	case KindMapping:
		return "mapping"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Node is one element of a document tree: *Mapping, *List or *Scalar.
type Node interface {
	Kind() Kind
	// Clone returns a deep copy that shares nothing with the receiver.
	Clone() Node
}

// Scalar is a leaf value: string, int, float64, bool or nil.
// Scalars parsed from YAML remember their source tag and text so that
// rendering them back produces the same literal.
type Scalar struct {
	Value any

	tag   string
	raw   string
	style int
}

func NewScalar(v any) *Scalar { return &Scalar{Value: v} }

func (s *Scalar) Kind() Kind { return KindScalar }

func (s *Scalar) Clone() Node {
	c := *s
	return &c
}

// String returns the scalar as text. Strings are returned verbatim.
func (s *Scalar) String() string {
	if s == nil || s.Value == nil {
		return ""
	}
	if v, ok := s.Value.(string); ok {
		return v
	}
	if s.raw != "" {
		return s.raw
	}
	return fmt.Sprint(s.Value)
}

// List is an ordered sequence of nodes.
type List struct {
	Items []Node
}

func NewList(items ...Node) *List { return &List{Items: items} }

func (l *List) Kind() Kind { return KindList }

func (l *List) Clone() Node {
	out := &List{Items: make([]Node, len(l.Items))}
	for i, it := range l.Items {
		out.Items[i] = cloneNode(it)
	}
	return out
}

func (l *List) Len() int { return len(l.Items) }

// Mapping is an insertion-ordered string-keyed map.
type Mapping struct {
	keys   []string
	values map[string]Node
}

func NewMapping() *Mapping { return &Mapping{values: make(map[string]Node)} }

func (m *Mapping) Kind() Kind { return KindMapping }

func (m *Mapping) Clone() Node { return m.CloneMapping() }

// CloneMapping is Clone with the concrete type preserved.
func (m *Mapping) CloneMapping() *Mapping {
	out := NewMapping()
	if m == nil {
		return out
	}
	out.keys = make([]string, len(m.keys))
	copy(out.keys, m.keys)
	for k, v := range m.values {
		out.values[k] = cloneNode(v)
	}
	return out
}

func (m *Mapping) Len() int {
	if m == nil {
		return 0
	}
	return len(m.keys)
}

// Keys returns the keys in insertion order.
func (m *Mapping) Keys() []string {
	if m == nil {
		return nil
	}
	out := make([]string, len(m.keys))
	copy(out, m.keys)
	return out
}

func (m *Mapping) Get(key string) (Node, bool) {
	if m == nil {
		return nil, false
	}
	v, ok := m.values[key]
	return v, ok
}

// Set stores v under key. An existing key keeps its position.
func (m *Mapping) Set(key string, v Node) {
	if m.values == nil {
		m.values = make(map[string]Node)
	}
	if _, ok := m.values[key]; !ok {
		m.keys = append(m.keys, key)
	}
	m.values[key] = v
}

// Delete removes key and reports whether it was present.
func (m *Mapping) Delete(key string) bool {
	if m == nil {
		return false
	}
	if _, ok := m.values[key]; !ok {
		return false
	}
	delete(m.values, key)
	for i, k := range m.keys {
		if k == key {
			m.keys = append(m.keys[:i], m.keys[i+1:]...)
			break
		}
	}
	return true
}

// Rename replaces oldKey with newKey at oldKey's position and stores v there.
// A pre-existing newKey elsewhere in the mapping is dropped.
func (m *Mapping) Rename(oldKey, newKey string, v Node) {
	if _, ok := m.values[oldKey]; !ok {
		m.Set(newKey, v)
		return
	}
	if oldKey != newKey {
		m.Delete(newKey)
	}
	for i, k := range m.keys {
		if k == oldKey {
			m.keys[i] = newKey
			break
		}
	}
	delete(m.values, oldKey)
	m.values[newKey] = v
}

// Lookup walks nested mappings along path.
func (m *Mapping) Lookup(path ...string) (Node, bool) {
	var cur Node = m
	for _, p := range path {
		mm, ok := cur.(*Mapping)
		if !ok {
			return nil, false
		}
		cur, ok = mm.Get(p)
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Merge returns base overlaid with overlay. When both sides hold a mapping
// under the same key the two are merged recursively; in every other case the
// overlay value (list, scalar or mapping) replaces the base value entirely.
// Neither argument is modified.
func Merge(base, overlay *Mapping) *Mapping {
	out := base.CloneMapping()
	if overlay == nil {
		return out
	}
	for _, k := range overlay.keys {
		ov := overlay.values[k]
		if bm, ok := out.values[k].(*Mapping); ok {
			if om, ok := ov.(*Mapping); ok {
				out.Set(k, Merge(bm, om))
				continue
			}
		}
		out.Set(k, cloneNode(ov))
	}
	return out
}

// ToGo converts a node into plain Go values: map[string]any, []any and
// scalar values.
func ToGo(n Node) any {
	switch v := n.(type) {
	case nil:
		return nil
	case *Scalar:
		return v.Value
	case *List:
		out := make([]any, len(v.Items))
		for i, it := range v.Items {
			out[i] = ToGo(it)
		}
		return out
	case *Mapping:
		out := make(map[string]any, v.Len())
		for _, k := range v.keys {
			out[k] = ToGo(v.values[k])
		}
		return out
	default:
		panic(fmt.Sprintf("doc: unexpected node type %T", n))
	}
}

// FromGo builds a node from plain Go values. Keys of Go maps are sorted
// because map iteration order is undefined.
func FromGo(v any) (Node, error) {
	switch t := v.(type) {
	case Node:
		return cloneNode(t), nil
	case nil, string, bool, int, int64, float64:
		return NewScalar(t), nil
	case int32:
		return NewScalar(int(t)), nil
	case float32:
		return NewScalar(float64(t)), nil
	case []any:
		l := &List{Items: make([]Node, 0, len(t))}
		for _, it := range t {
			n, err := FromGo(it)
			if err != nil {
				return nil, err
			}
			l.Items = append(l.Items, n)
		}
		return l, nil
	case []string:
		l := &List{Items: make([]Node, 0, len(t))}
		for _, it := range t {
			l.Items = append(l.Items, NewScalar(it))
		}
		return l, nil
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		m := NewMapping()
		for _, k := range keys {
			n, err := FromGo(t[k])
			if err != nil {
				return nil, fmt.Errorf("key %q: %w", k, err)
			}
			m.Set(k, n)
		}
		return m, nil
	default:
		return nil, fmt.Errorf("doc: unsupported value type %T", v)
	}
}

// MustMapping is FromGo for map literals in tests and defaults.
func MustMapping(v map[string]any) *Mapping {
	n, err := FromGo(v)
	if err != nil {
		panic(err)
	}
	return n.(*Mapping)
}

func cloneNode(n Node) Node {
	if n == nil {
		return nil
	}
	return n.Clone()
}
