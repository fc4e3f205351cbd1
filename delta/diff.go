// Package delta computes and applies structural diffs between two actor snapshots.
//
// A Diff is flat: each key is a dotted path to the field which changed. Nested maps are recursed
// into, everything else (scalars and arrays) is compared as a whole, because the extractor makes no
// promise that array order or identity is stable between two extractions.
package delta

import (
	"reflect"
	"sort"

	"github.com/tablelink/companion-sync/schema"
)

type OpType string

const (
	OpAdd    OpType = "add"
	OpUpdate OpType = "update"
	OpDelete OpType = "delete"
)

// Op is the change recorded at one path.
type Op struct {
	Type          OpType `json:"type"`
	Value         any    `json:"value,omitempty"`
	PreviousValue any    `json:"previousValue,omitempty"`
}

// Diff maps dotted field paths to operations. Paths never nest: if "a" is present, no path
// starting with "a." is.
type Diff map[string]Op

// Paths returns the paths of the diff in sorted order.
func (d Diff) Paths() []string {
	paths := make([]string, 0, len(d))
	for p := range d {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Compute the diff which turns old into new. Equal inputs produce an empty diff. Values stored in
// the diff are copies, so later changes to either snapshot do not leak into it.
func Compute(old, new schema.Snapshot) Diff {
	d := make(Diff)
	diffMaps(d, nil, old, new)
	return d
}

func diffMaps(d Diff, parents []string, old, new map[string]any) {
	for key, newVal := range new {
		path := joinPath(parents, key)
		oldVal, exists := old[key]
		if !exists {
			d[path] = Op{Type: OpAdd, Value: schema.CloneValue(newVal)}
			continue
		}
		oldMap, oldIsMap := asMap(oldVal)
		newMap, newIsMap := asMap(newVal)
		if oldIsMap && newIsMap {
			diffMaps(d, append(parents[:len(parents):len(parents)], key), oldMap, newMap)
			continue
		}
		if !equal(oldVal, newVal) {
			d[path] = Op{
				Type:          OpUpdate,
				Value:         schema.CloneValue(newVal),
				PreviousValue: schema.CloneValue(oldVal),
			}
		}
	}
	for key, oldVal := range old {
		if _, exists := new[key]; exists {
			continue
		}
		d[joinPath(parents, key)] = Op{Type: OpDelete, PreviousValue: schema.CloneValue(oldVal)}
	}
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case schema.Snapshot:
		return m, true
	default:
		return nil, false
	}
}

// equal is reflect.DeepEqual except that numbers compare by value, so an int extracted by one
// adapter equals the float64 the same value decodes to from JSON. Integer pairs compare exactly.
func equal(a, b any) bool {
	if ia, ok := toInt(a); ok {
		if ib, ok := toInt(b); ok {
			return ia == ib
		}
	}
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

func toInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	default:
		return 0, false
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
