package schema

import (
	"encoding/json"
	"math"
	"strconv"
)

// VersionKey is the top-level snapshot field carrying the schema version tag.
const VersionKey = "schemaVersion"

// Snapshot is the synchronisable state of one actor, as produced by the host extractor. It is a
// JSON-shaped tree: nested values are map[string]any, []any or scalars. A snapshot must not be
// mutated once it has been handed to another component; use Clone.
type Snapshot map[string]any

// Version returns the schema version tag of the snapshot. Numbers decoded from JSON arrive as
// float64 or json.Number, both are accepted if they hold an integral value.
func (s Snapshot) Version() (Version, bool) {
	if s == nil {
		return 0, false
	}
	return toVersion(s[VersionKey])
}

// Clone returns a deep copy of the snapshot.
func (s Snapshot) Clone() Snapshot {
	if s == nil {
		return nil
	}
	return Snapshot(CloneMap(s))
}

// CloneMap deep copies a JSON-shaped map.
func CloneMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = CloneValue(v)
	}
	return out
}

// CloneValue deep copies a JSON-shaped value. Values which are not maps or []any are treated as
// immutable and returned as-is.
func CloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return CloneMap(val)
	case Snapshot:
		return CloneMap(val)
	case []any:
		out := make([]any, len(val))
		for i := range val {
			out[i] = CloneValue(val[i])
		}
		return out
	default:
		return v
	}
}

func toVersion(v any) (Version, bool) {
	switch n := v.(type) {
	case int:
		return Version(n), true
	case int64:
		return Version(n), true
	case Version:
		return n, true
	case float64:
		if n != math.Trunc(n) {
			return 0, false
		}
		return Version(n), true
	case json.Number:
		i, err := strconv.ParseInt(n.String(), 10, 64)
		if err != nil {
			return 0, false
		}
		return Version(i), true
	default:
		return 0, false
	}
}
