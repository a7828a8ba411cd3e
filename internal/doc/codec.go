package doc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const mergeTag = "!!merge"

// Parse decodes a YAML (or JSON) document whose root must be a mapping.
// Empty input yields an empty mapping.
func Parse(data []byte) (*Mapping, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, err
	}
	if root.Kind == 0 {
		return NewMapping(), nil
	}
	n, err := FromYAML(&root)
	if err != nil {
		return nil, err
	}
	m, ok := n.(*Mapping)
	if !ok {
		return nil, fmt.Errorf("document root must be a mapping, got %s", n.Kind())
	}
	return m, nil
}

// FromYAML converts a yaml.v3 node into a document tree. Aliases are
// expanded and "<<" merge keys are applied with explicit keys taking
// precedence.
func FromYAML(n *yaml.Node) (Node, error) {
	switch n.Kind {
	case yaml.DocumentNode:
		if len(n.Content) == 0 {
			return NewMapping(), nil
		}
		return FromYAML(n.Content[0])
	case yaml.AliasNode:
		if n.Alias == nil {
			return nil, fmt.Errorf("line %d: dangling alias", n.Line)
		}
		return FromYAML(n.Alias)
	case yaml.ScalarNode:
		var v any
		if err := n.Decode(&v); err != nil {
			return nil, fmt.Errorf("line %d: %w", n.Line, err)
		}
		return &Scalar{Value: v, tag: n.Tag, raw: n.Value, style: int(n.Style)}, nil
	case yaml.SequenceNode:
		l := &List{Items: make([]Node, 0, len(n.Content))}
		for _, c := range n.Content {
			it, err := FromYAML(c)
			if err != nil {
				return nil, err
			}
			l.Items = append(l.Items, it)
		}
		return l, nil
	case yaml.MappingNode:
		return mappingFromYAML(n)
	default:
		return nil, fmt.Errorf("line %d: unsupported yaml node kind %d", n.Line, n.Kind)
	}
}

func mappingFromYAML(n *yaml.Node) (*Mapping, error) {
	m := NewMapping()
	var merges []*Mapping
	for i := 0; i+1 < len(n.Content); i += 2 {
		kn, vn := n.Content[i], n.Content[i+1]
		if kn.Kind == yaml.AliasNode && kn.Alias != nil {
			kn = kn.Alias
		}
		if kn.Kind != yaml.ScalarNode {
			return nil, fmt.Errorf("line %d: mapping keys must be scalars", kn.Line)
		}
		v, err := FromYAML(vn)
		if err != nil {
			return nil, err
		}
		if kn.Tag == mergeTag {
			switch t := v.(type) {
			case *Mapping:
				merges = append(merges, t)
			case *List:
				for _, it := range t.Items {
					mm, ok := it.(*Mapping)
					if !ok {
						return nil, fmt.Errorf("line %d: merge list must contain mappings", vn.Line)
					}
					merges = append(merges, mm)
				}
			default:
				return nil, fmt.Errorf("line %d: merge value must be a mapping", vn.Line)
			}
			continue
		}
		m.Set(kn.Value, v)
	}
	for _, mm := range merges {
		for _, k := range mm.keys {
			if _, ok := m.values[k]; !ok {
				m.Set(k, cloneNode(mm.values[k]))
			}
		}
	}
	return m, nil
}

// ToYAML converts a document tree into a yaml.v3 node.
func ToYAML(n Node) (*yaml.Node, error) {
	switch v := n.(type) {
	case nil:
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!null", Value: "null"}, nil
	case *Scalar:
		if v.tag != "" {
			return &yaml.Node{Kind: yaml.ScalarNode, Tag: v.tag, Value: v.raw, Style: yaml.Style(v.style)}, nil
		}
		out := &yaml.Node{}
		if err := out.Encode(v.Value); err != nil {
			return nil, err
		}
		return out, nil
	case *List:
		out := &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq"}
		for _, it := range v.Items {
			c, err := ToYAML(it)
			if err != nil {
				return nil, err
			}
			out.Content = append(out.Content, c)
		}
		return out, nil
	case *Mapping:
		out := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
		for _, k := range v.keys {
			c, err := ToYAML(v.values[k])
			if err != nil {
				return nil, fmt.Errorf("key %q: %w", k, err)
			}
			out.Content = append(out.Content, &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: k}, c)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("doc: unexpected node type %T", n)
	}
}

// MarshalYAML renders n as a YAML document with two-space indentation.
func MarshalYAML(n Node) ([]byte, error) {
	yn, err := ToYAML(n)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(yn); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// EncodeFor renders n as indented JSON when path has a .json extension and
// as YAML otherwise.
func EncodeFor(path string, n Node) ([]byte, error) {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		b, err := json.MarshalIndent(n, "", "  ")
		if err != nil {
			return nil, err
		}
		return append(b, '\n'), nil
	}
	return MarshalYAML(n)
}

func (s *Scalar) MarshalJSON() ([]byte, error) { return json.Marshal(s.Value) }

func (l *List) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, it := range l.Items {
		if i > 0 {
			buf.WriteByte(',')
		}
		b, err := json.Marshal(it)
		if err != nil {
			return nil, err
		}
		buf.Write(b)
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

func (m *Mapping) MarshalJSON() ([]byte, error) {
	if m == nil {
		return []byte("null"), nil
	}
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range m.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		vb, err := json.Marshal(m.values[k])
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", k, err)
		}
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
