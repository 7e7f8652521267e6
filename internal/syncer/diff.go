package syncer

import (
	"reflect"
	"sort"

	"vpnfleet/internal/document"
)

// Diff entry kinds. The names describe the entry relative to the
// argument order of Diff: a key present only in the first document is
// missing in the second.
const (
	MissingInFirst  = "missing_in_first"
	MissingInSecond = "missing_in_second"
	ValueMismatch   = "value_mismatch"
)

// DiffEntry is one difference between two configuration documents,
// addressed by dotted path. Value1 and Value2 are nil for the document
// the key is absent from.
type DiffEntry struct {
	Path   string `yaml:"path"`
	Type   string `yaml:"type"`
	Value1 any    `yaml:"value1,omitempty"`
	Value2 any    `yaml:"value2,omitempty"`
}

// Diff compares two documents recursively and returns the differences
// sorted by path. Two runs over the same inputs produce identical
// output regardless of map iteration order.
func Diff(first, second document.Document) []DiffEntry {
	var entries []DiffEntry
	diffMaps("", map[string]any(first), map[string]any(second), &entries)
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries
}

func diffMaps(prefix string, first, second map[string]any, entries *[]DiffEntry) {
	for _, key := range unionKeys(first, second) {
		path := key
		if prefix != "" {
			path = prefix + "." + key
		}

		v1, in1 := first[key]
		v2, in2 := second[key]
		switch {
		case !in2:
			*entries = append(*entries, DiffEntry{Path: path, Type: MissingInSecond, Value1: v1})
		case !in1:
			*entries = append(*entries, DiffEntry{Path: path, Type: MissingInFirst, Value2: v2})
		default:
			m1, ok1 := v1.(map[string]any)
			m2, ok2 := v2.(map[string]any)
			if ok1 && ok2 {
				diffMaps(path, m1, m2, entries)
			} else if !reflect.DeepEqual(v1, v2) {
				*entries = append(*entries, DiffEntry{Path: path, Type: ValueMismatch, Value1: v1, Value2: v2})
			}
		}
	}
}

func unionKeys(first, second map[string]any) []string {
	seen := make(map[string]struct{}, len(first)+len(second))
	var keys []string
	for k := range first {
		seen[k] = struct{}{}
		keys = append(keys, k)
	}
	for k := range second {
		if _, ok := seen[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}
