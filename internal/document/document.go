// Package document handles the nested key/value configuration tree that
// both the local persistence layer and the remote servers store as YAML.
// The tree is opaque to the fleet core: it is read and written whole, and
// addressed by dotted paths.
package document

import (
	"fmt"
	"reflect"
	"strings"

	"gopkg.in/yaml.v3"
)

// Document is a nested string-keyed tree. Nested maps are always
// map[string]any so dotted-path access and diffing work uniformly.
type Document map[string]any

// Parse decodes YAML text into a Document. An empty input yields an
// empty document rather than nil.
func Parse(data []byte) (Document, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	if raw == nil {
		return Document{}, nil
	}
	return normalize(raw), nil
}

// Serialize encodes the document as YAML.
func Serialize(doc Document) ([]byte, error) {
	return yaml.Marshal(map[string]any(doc))
}

// Get resolves a dotted path ("network.vpn.port"). The second return is
// false when any segment is missing or a non-map is traversed.
func (d Document) Get(path string) (any, bool) {
	if path == "" {
		return map[string]any(d), true
	}
	var cur any = map[string]any(d)
	for _, seg := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Set writes a value at a dotted path, creating intermediate maps as
// needed. Fails when a non-map value blocks the path.
func (d Document) Set(path string, value any) error {
	if path == "" {
		return fmt.Errorf("empty path")
	}
	segs := strings.Split(path, ".")
	cur := map[string]any(d)
	for _, seg := range segs[:len(segs)-1] {
		next, ok := cur[seg]
		if !ok {
			child := map[string]any{}
			cur[seg] = child
			cur = child
			continue
		}
		child, ok := next.(map[string]any)
		if !ok {
			return fmt.Errorf("path %q blocked by non-map value at %q", path, seg)
		}
		cur = child
	}
	cur[segs[len(segs)-1]] = value
	return nil
}

// Delete removes the value at a dotted path. Missing paths are a no-op.
func (d Document) Delete(path string) {
	segs := strings.Split(path, ".")
	cur := map[string]any(d)
	for _, seg := range segs[:len(segs)-1] {
		next, ok := cur[seg].(map[string]any)
		if !ok {
			return
		}
		cur = next
	}
	delete(cur, segs[len(segs)-1])
}

// Clone returns a deep copy of the document.
func (d Document) Clone() Document {
	return Document(cloneValue(map[string]any(d)).(map[string]any))
}

// Equal reports structural equality of two values as the diff algorithm
// sees them: nested maps compared key-by-key, everything else by
// reflect.DeepEqual.
func Equal(a, b any) bool {
	am, aok := a.(map[string]any)
	bm, bok := b.(map[string]any)
	if aok && bok {
		if len(am) != len(bm) {
			return false
		}
		for k, av := range am {
			bv, ok := bm[k]
			if !ok || !Equal(av, bv) {
				return false
			}
		}
		return true
	}
	return reflect.DeepEqual(a, b)
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = cloneValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = cloneValue(val)
		}
		return out
	default:
		return v
	}
}

// normalize rewrites any map[any]any nodes produced by YAML decoding
// into map[string]any so the tree is uniformly string-keyed.
func normalize(m map[string]any) Document {
	out := make(Document, len(m))
	for k, v := range m {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalizeValue(val)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = normalizeValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalizeValue(val)
		}
		return out
	default:
		return v
	}
}
