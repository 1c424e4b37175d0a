// Package keyexpr validates and matches hierarchical key expressions.
//
// A key expression is a list of non-empty chunks separated by '/'. The chunk
// "*" matches exactly one chunk and "**" matches any number of chunks,
// including none. Wildcards must span a whole chunk.
package keyexpr

import (
	"errors"
	"fmt"
	"strings"
)

const (
	Separator   = "/"
	AnyChunk    = "*"
	AnyChunks   = "**"
	reservedSet = "*$#?"
)

var (
	ErrEmpty       = errors.New("empty key expression")
	ErrEmptyChunk  = errors.New("empty chunk in key expression")
	ErrBadWildcard = errors.New("wildcard must span a whole chunk")
	ErrReserved    = errors.New("reserved character in key expression")
)

// Validate checks that key is a well formed key expression.
func Validate(key string) error {
	if key == "" {
		return ErrEmpty
	}
	for _, chunk := range strings.Split(key, Separator) {
		if chunk == "" {
			return fmt.Errorf("%w: %q", ErrEmptyChunk, key)
		}
		if chunk == AnyChunk || chunk == AnyChunks {
			continue
		}
		if strings.Contains(chunk, AnyChunk) {
			return fmt.Errorf("%w: %q", ErrBadWildcard, key)
		}
		if strings.ContainsAny(chunk, reservedSet) {
			return fmt.Errorf("%w: %q", ErrReserved, key)
		}
	}
	return nil
}

// ValidChunk reports whether s can be used verbatim as one chunk of a
// concrete key.
func ValidChunk(s string) bool {
	return s != "" && !strings.Contains(s, Separator) && !strings.ContainsAny(s, reservedSet)
}

// Join builds a key from chunks.
func Join(chunks ...string) string {
	return strings.Join(chunks, Separator)
}

// Intersects reports whether some concrete key is matched by both a and b.
// Both sides may contain wildcards. Inputs are assumed valid.
func Intersects(a, b string) bool {
	if a == b {
		return true
	}
	return intersect(strings.Split(a, Separator), strings.Split(b, Separator))
}

// Includes reports whether every key matched by b is also matched by a.
func Includes(a, b string) bool {
	if a == b {
		return true
	}
	return include(strings.Split(a, Separator), strings.Split(b, Separator))
}

func intersect(a, b []string) bool {
	switch {
	case len(a) == 0 && len(b) == 0:
		return true
	case len(a) == 0:
		return onlyAnyChunks(b)
	case len(b) == 0:
		return onlyAnyChunks(a)
	}
	if a[0] == AnyChunks {
		return intersect(a[1:], b) || intersect(a, b[1:])
	}
	if b[0] == AnyChunks {
		return intersect(a, b[1:]) || intersect(a[1:], b)
	}
	if a[0] == b[0] || a[0] == AnyChunk || b[0] == AnyChunk {
		return intersect(a[1:], b[1:])
	}
	return false
}

func include(a, b []string) bool {
	switch {
	case len(a) == 0:
		return len(b) == 0
	case len(b) == 0:
		return onlyAnyChunks(a)
	}
	if a[0] == AnyChunks {
		return include(a[1:], b) || include(a, b[1:])
	}
	if b[0] == AnyChunks {
		return false
	}
	if a[0] == b[0] || a[0] == AnyChunk {
		return include(a[1:], b[1:])
	}
	return false
}

func onlyAnyChunks(chunks []string) bool {
	for _, c := range chunks {
		if c != AnyChunks {
			return false
		}
	}
	return true
}
