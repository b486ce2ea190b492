package types

import (
	"sort"
	"strings"
)

// KeyMap maps partition key names to typed values (int64, float64, string,
// bool or time.Time).
type KeyMap map[string]any

// Clone returns a shallow copy of m.
func (m KeyMap) Clone() KeyMap {
	out := make(KeyMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Keys returns the key names of m in sorted order.
func (m KeyMap) Keys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// String renders m deterministically, for logs.
func (m KeyMap) String() string {
	var b strings.Builder
	b.WriteByte('{')
	for i, k := range m.Keys() {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(k)
		b.WriteByte('=')
		t, ok := TypeOf(m[k])
		if !ok {
			b.WriteString("?")
			continue
		}
		s, err := Format(t, m[k])
		if err != nil {
			b.WriteString("?")
			continue
		}
		b.WriteString(s)
	}
	b.WriteByte('}')
	return b.String()
}

// Partition is one stored partition of a dataset: its decoded key and the
// object path of its data file.
type Partition struct {
	Key  KeyMap `json:"key"`
	Path string `json:"path"`
}
