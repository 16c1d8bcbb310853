// Package namelist renders Fortran namelist input decks for the external
// simulation codes.
//
// Two wire styles are supported. The perturbo style (used by perturbo.x and
// qe2pert.x) writes one tab-indented `key=value,` line per entry. The Quantum
// ESPRESSO style (used by pw.x and ph.x) writes `  key = value` lines with
// Fortran double-precision literals. Both are deterministic: output order is
// the order of the Params list (perturbo) or sorted key order (QE).
package namelist

import (
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"
)

// Param is a single namelist entry.
type Param struct {
	Key   string
	Value any
}

// Params is an ordered list of namelist entries.
//
// Keys are unique; Set replaces an existing entry in place so that the
// original position is kept.
type Params []Param

// FromMap builds Params from a map in sorted key order.
func FromMap(m map[string]any) Params {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make(Params, 0, len(keys))
	for _, k := range keys {
		out = append(out, Param{Key: k, Value: m[k]})
	}
	return out
}

// Get returns the value stored under key.
func (p Params) Get(key string) (any, bool) {
	for _, e := range p {
		if e.Key == key {
			return e.Value, true
		}
	}
	return nil, false
}

// Has reports whether key is present.
func (p Params) Has(key string) bool {
	_, ok := p.Get(key)
	return ok
}

// Set stores value under key, replacing an existing entry in place or
// appending a new one.
func (p *Params) Set(key string, value any) {
	for i := range *p {
		if (*p)[i].Key == key {
			(*p)[i].Value = value
			return
		}
	}
	*p = append(*p, Param{Key: key, Value: value})
}

// SetDefault stores value under key only when key is absent.
func (p *Params) SetDefault(key string, value any) {
	if !p.Has(key) {
		p.Set(key, value)
	}
}

// Delete returns a copy of p without key.
func (p Params) Delete(key string) Params {
	out := make(Params, 0, len(p))
	for _, e := range p {
		if e.Key != key {
			out = append(out, e)
		}
	}
	return out
}

// Clone returns a shallow copy of p.
func (p Params) Clone() Params {
	if p == nil {
		return nil
	}
	out := make(Params, len(p))
	copy(out, p)
	return out
}

// Keys returns the keys in list order.
func (p Params) Keys() []string {
	keys := make([]string, len(p))
	for i, e := range p {
		keys[i] = e.Key
	}
	return keys
}

// Map returns the entries as a plain map.
func (p Params) Map() map[string]any {
	m := make(map[string]any, len(p))
	for _, e := range p {
		m[e.Key] = e.Value
	}
	return m
}

// UnmarshalYAML decodes a YAML (or JSON) mapping while keeping key order.
func (p *Params) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("namelist parameters must be a mapping, got %s", nodeKind(node))
	}

	out := make(Params, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		keyNode, valueNode := node.Content[i], node.Content[i+1]
		if valueNode.Kind != yaml.ScalarNode {
			return fmt.Errorf("namelist parameter %q must be a scalar, got %s", keyNode.Value, nodeKind(valueNode))
		}
		var value any
		if err := valueNode.Decode(&value); err != nil {
			return fmt.Errorf("decode namelist parameter %q: %w", keyNode.Value, err)
		}
		out.Set(keyNode.Value, value)
	}

	*p = out
	return nil
}

func nodeKind(node *yaml.Node) string {
	switch node.Kind {
	case yaml.MappingNode:
		return "mapping"
	case yaml.SequenceNode:
		return "sequence"
	case yaml.ScalarNode:
		return "scalar"
	case yaml.AliasNode:
		return "alias"
	default:
		return "document"
	}
}
