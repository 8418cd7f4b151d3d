package config

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/openfroyo/stackforge/pkg/errdefs"
	"gopkg.in/yaml.v3"
)

// Map is a string-keyed map that remembers declaration order. Documents use
// it wherever order is observable: variable expansion, schedule order and
// emitted artifacts.
type Map[V any] struct {
	keys   []string
	values map[string]V
}

// Keys returns the keys in declaration order.
func (m Map[V]) Keys() []string {
	return m.keys
}

// Len returns the number of entries.
func (m Map[V]) Len() int {
	return len(m.keys)
}

// Get returns the value stored under key.
func (m Map[V]) Get(key string) (V, bool) {
	v, ok := m.values[key]
	return v, ok
}

// Has reports whether key is present.
func (m Map[V]) Has(key string) bool {
	_, ok := m.values[key]
	return ok
}

// ToMap copies the entries into a plain map.
func (m Map[V]) ToMap() map[string]V {
	out := make(map[string]V, len(m.keys))
	for _, k := range m.keys {
		out[k] = m.values[k]
	}
	return out
}

// Set stores value under key, appending the key if it is new.
func (m *Map[V]) Set(key string, value V) {
	if m.values == nil {
		m.values = make(map[string]V)
	}
	if _, ok := m.values[key]; !ok {
		m.keys = append(m.keys, key)
	}
	m.values[key] = value
}

// UnmarshalYAML decodes a mapping node, keeping key order and rejecting
// duplicate keys.
func (m *Map[V]) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode && node.Tag == "!!null" {
		return nil
	}
	if node.Kind != yaml.MappingNode {
		return errdefs.Newf(errdefs.KindSchemaInvalid, "line %d: expected a mapping", node.Line)
	}

	for i := 0; i+1 < len(node.Content); i += 2 {
		keyNode, valueNode := node.Content[i], node.Content[i+1]
		key := keyNode.Value
		if m.Has(key) {
			return errdefs.Newf(errdefs.KindDuplicateName, "line %d: duplicate key %q", keyNode.Line, key).
				WithAttribute(key)
		}

		var value V
		if err := valueNode.Decode(&value); err != nil {
			return fmt.Errorf("line %d: key %q: %w", valueNode.Line, key, err)
		}
		m.Set(key, value)
	}

	return nil
}

// MarshalJSON encodes the map as a JSON object in declaration order.
func (m Map[V]) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range m.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		value, err := json.Marshal(m.values[k])
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", k, err)
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a JSON object, keeping key order.
func (m *Map[V]) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		return nil
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("expected a JSON object")
	}

	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key := tok.(string)

		var value V
		if err := dec.Decode(&value); err != nil {
			return fmt.Errorf("key %q: %w", key, err)
		}
		m.Set(key, value)
	}
	_, err = dec.Token()
	return err
}

// MarshalYAML encodes the map as a mapping node in declaration order.
func (m Map[V]) MarshalYAML() (interface{}, error) {
	node := &yaml.Node{Kind: yaml.MappingNode}
	for _, k := range m.keys {
		var value yaml.Node
		if err := value.Encode(m.values[k]); err != nil {
			return nil, fmt.Errorf("key %q: %w", k, err)
		}
		node.Content = append(node.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: k},
			&value,
		)
	}
	return node, nil
}
