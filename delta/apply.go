package delta

import (
	"errors"
	"fmt"

	"github.com/tablelink/companion-sync/schema"
)

// ErrMalformedPath means a diff path runs through a value which is not a map. Compute never
// produces such a diff, so this always indicates a bug in whoever built the diff or the snapshot.
var ErrMalformedPath = errors.New("malformed diff path")

// Apply returns a copy of s with every operation in d applied. Applying Compute(a, b) to a yields
// a value deep-equal to b. The input snapshot is not modified.
func Apply(s schema.Snapshot, d Diff) (schema.Snapshot, error) {
	out := s.Clone()
	if out == nil {
		out = schema.Snapshot{}
	}
	for _, path := range d.Paths() {
		if err := applyOp(out, path, d[path]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func applyOp(root map[string]any, path string, op Op) error {
	segments, err := splitPath(path)
	if err != nil {
		return err
	}
	parent := root
	for _, seg := range segments[:len(segments)-1] {
		child, exists := parent[seg]
		if !exists || child == nil {
			if op.Type == OpDelete {
				return nil // nothing to delete
			}
			created := make(map[string]any)
			parent[seg] = created
			parent = created
			continue
		}
		m, ok := asMap(child)
		if !ok {
			return fmt.Errorf("%w: %q runs through a %T at %q", ErrMalformedPath, path, child, seg)
		}
		parent = m
	}
	leaf := segments[len(segments)-1]
	switch op.Type {
	case OpAdd, OpUpdate:
		parent[leaf] = schema.CloneValue(op.Value)
	case OpDelete:
		delete(parent, leaf)
	default:
		return fmt.Errorf("%w: unknown op type %q at %q", ErrMalformedPath, op.Type, path)
	}
	return nil
}
