package delta

import (
	"fmt"
	"strings"
)

// Keys may themselves contain dots, so '.' and '\' inside a key are escaped with a backslash.
func escapeKey(key string) string {
	if !strings.ContainsAny(key, `.\`) {
		return key
	}
	var b strings.Builder
	for _, r := range key {
		if r == '.' || r == '\\' {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func joinPath(parents []string, key string) string {
	var b strings.Builder
	for _, p := range parents {
		b.WriteString(escapeKey(p))
		b.WriteByte('.')
	}
	b.WriteString(escapeKey(key))
	return b.String()
}

func splitPath(path string) ([]string, error) {
	var segments []string
	var cur strings.Builder
	escaped := false
	for _, r := range path {
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
		case r == '\\':
			escaped = true
		case r == '.':
			segments = append(segments, cur.String())
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	if escaped {
		return nil, fmt.Errorf("%w: dangling escape in %q", ErrMalformedPath, path)
	}
	segments = append(segments, cur.String())
	return segments, nil
}
