package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Field is one declared partition key.
type Field struct {
	// Name is the key name as it appears in partition paths
	Name string `json:"name" yaml:"name"`

	// Type is the scalar type tag of the key
	Type ScalarType `json:"type" yaml:"type"`
}

// PartitionSchema is the ordered list of partition keys of a dataset.
// The order fixes the nesting of path segments and is preserved through
// JSON encoding, where the schema is written as an object.
type PartitionSchema []Field

// NewPartitionSchema builds a schema from fields in order.
func NewPartitionSchema(fields ...Field) PartitionSchema {
	return append(PartitionSchema(nil), fields...)
}

// Names returns the key names in schema order.
func (s PartitionSchema) Names() []string {
	names := make([]string, len(s))
	for i, f := range s {
		names[i] = f.Name
	}
	return names
}

// Lookup returns the field with the given name.
func (s PartitionSchema) Lookup(name string) (Field, bool) {
	for _, f := range s {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// Validate checks key names and type tags.
func (s PartitionSchema) Validate() error {
	if len(s) == 0 {
		return ErrEmptySchema
	}
	seen := make(map[string]struct{}, len(s))
	for _, f := range s {
		if f.Name == "" || strings.ContainsAny(f.Name, "=/") {
			return fmt.Errorf("%w: %q", ErrInvalidKeyName, f.Name)
		}
		if _, dup := seen[f.Name]; dup {
			return fmt.Errorf("%w: %q", ErrDuplicateKey, f.Name)
		}
		seen[f.Name] = struct{}{}
		if !f.Type.Valid() {
			return fmt.Errorf("%w: %q for key %q", ErrUnknownType, f.Type, f.Name)
		}
	}
	return nil
}

// Equal reports whether both schemas declare the same keys in the same order.
func (s PartitionSchema) Equal(o PartitionSchema) bool {
	if len(s) != len(o) {
		return false
	}
	for i := range s {
		if s[i] != o[i] {
			return false
		}
	}
	return true
}

// Cast converts every declared key of m to its schema type. Keys missing
// from m are reported; extra keys are ignored.
func (s PartitionSchema) Cast(m KeyMap) (KeyMap, error) {
	out := make(KeyMap, len(s))
	for _, f := range s {
		v, ok := m[f.Name]
		if !ok {
			return nil, fmt.Errorf("missing partition key %q", f.Name)
		}
		cv, err := Cast(f.Type, v)
		if err != nil {
			return nil, fmt.Errorf("partition key %q: %w", f.Name, err)
		}
		out[f.Name] = cv
	}
	return out, nil
}

// String renders the schema as name:type pairs.
func (s PartitionSchema) String() string {
	parts := make([]string, len(s))
	for i, f := range s {
		parts[i] = f.Name + ":" + string(f.Type)
	}
	return strings.Join(parts, ",")
}

// MarshalJSON writes the schema as an object keyed by name, in order.
func (s PartitionSchema) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range s {
		if i > 0 {
			buf.WriteByte(',')
		}
		name, err := json.Marshal(f.Name)
		if err != nil {
			return nil, err
		}
		typ, err := json.Marshal(string(f.Type))
		if err != nil {
			return nil, err
		}
		buf.Write(name)
		buf.WriteByte(':')
		buf.Write(typ)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads an object keyed by name, keeping document order.
func (s *PartitionSchema) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("partition schema: expected object, got %v", tok)
	}
	var fields PartitionSchema
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		name, ok := tok.(string)
		if !ok {
			return fmt.Errorf("partition schema: expected key, got %v", tok)
		}
		var typ string
		if err := dec.Decode(&typ); err != nil {
			return fmt.Errorf("partition schema: key %q: %w", name, err)
		}
		fields = append(fields, Field{Name: name, Type: ScalarType(typ)})
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*s = fields
	return nil
}

// ParsePartitionSchema parses "name:type,name:type" as produced by String.
func ParsePartitionSchema(s string) (PartitionSchema, error) {
	var fields PartitionSchema
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, typ, ok := strings.Cut(part, ":")
		if !ok {
			return nil, fmt.Errorf("partition schema: %q is not name:type", part)
		}
		fields = append(fields, Field{Name: strings.TrimSpace(name), Type: ScalarType(strings.TrimSpace(typ))})
	}
	if err := fields.Validate(); err != nil {
		return nil, err
	}
	return fields, nil
}
