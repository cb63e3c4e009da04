// Package pathexpr implements the $-rooted path expressions used by schema
// mappings to select values out of a document JSON tree.
//
// Grammar:
//
//	path    := '$' segment*
//	segment := '.' identifier | '[' wildcard_or_index ']' | '..' identifier
//
// Evaluation always yields a flat list of values. Missing keys yield an
// empty list, never an error; scalars flatten to single-element lists.
package pathexpr

import (
	"fmt"
	"strconv"
)

type segmentKind int

const (
	segChild segmentKind = iota
	segIndex
	segWildcard
	segRecursive
)

type segment struct {
	kind  segmentKind
	name  string
	index int
}

// Path is a compiled path expression.
type Path struct {
	raw      string
	segments []segment
}

// Parse compiles a path expression. The expression must start with '$'.
func Parse(expr string) (*Path, error) {
	if expr == "" {
		return nil, fmt.Errorf("empty path expression")
	}
	if expr[0] != '$' {
		return nil, fmt.Errorf("path expression must start with '$': %q", expr)
	}

	p := &Path{raw: expr}
	i := 1
	for i < len(expr) {
		switch expr[i] {
		case '.':
			if i+1 < len(expr) && expr[i+1] == '.' {
				// recursive descent: '..identifier'
				name, next, err := parseIdentifier(expr, i+2)
				if err != nil {
					return nil, err
				}
				p.segments = append(p.segments, segment{kind: segRecursive, name: name})
				i = next
			} else {
				name, next, err := parseIdentifier(expr, i+1)
				if err != nil {
					return nil, err
				}
				p.segments = append(p.segments, segment{kind: segChild, name: name})
				i = next
			}
		case '[':
			end := i + 1
			for end < len(expr) && expr[end] != ']' {
				end++
			}
			if end >= len(expr) {
				return nil, fmt.Errorf("unterminated '[' in path %q", expr)
			}
			inner := expr[i+1 : end]
			if inner == "*" {
				p.segments = append(p.segments, segment{kind: segWildcard})
			} else {
				idx, err := strconv.Atoi(inner)
				if err != nil || idx < 0 {
					return nil, fmt.Errorf("invalid array index %q in path %q", inner, expr)
				}
				p.segments = append(p.segments, segment{kind: segIndex, index: idx})
			}
			i = end + 1
		default:
			return nil, fmt.Errorf("unexpected character %q at offset %d in path %q", expr[i], i, expr)
		}
	}
	return p, nil
}

// MustParse is Parse for expressions known to be valid, panicking otherwise.
// Intended for tests and compiled-in constants.
func MustParse(expr string) *Path {
	p, err := Parse(expr)
	if err != nil {
		panic(err)
	}
	return p
}

func parseIdentifier(expr string, start int) (string, int, error) {
	i := start
	for i < len(expr) && isIdentChar(expr[i], i == start) {
		i++
	}
	if i == start {
		return "", 0, fmt.Errorf("expected identifier at offset %d in path %q", start, expr)
	}
	return expr[start:i], i, nil
}

func isIdentChar(c byte, first bool) bool {
	if c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') {
		return true
	}
	return !first && c >= '0' && c <= '9'
}

// String returns the original expression text.
func (p *Path) String() string {
	return p.raw
}

// Evaluate selects the values addressed by the path from a document tree of
// map[string]any / []any / scalar values. The result is flattened: arrays
// reached at the end of the path contribute their elements in order.
func (p *Path) Evaluate(doc any) []any {
	current := []any{doc}
	for _, seg := range p.segments {
		var next []any
		for _, v := range current {
			next = appendMatches(next, v, seg)
		}
		current = next
		if len(current) == 0 {
			return nil
		}
	}

	var out []any
	for _, v := range current {
		out = flattenAppend(out, v)
	}
	return out
}

// First returns the first value selected by the path, or ok=false when the
// path matches nothing.
func (p *Path) First(doc any) (any, bool) {
	values := p.Evaluate(doc)
	if len(values) == 0 {
		return nil, false
	}
	return values[0], true
}

func appendMatches(dst []any, v any, seg segment) []any {
	switch seg.kind {
	case segChild:
		if m, ok := v.(map[string]any); ok {
			if child, ok := m[seg.name]; ok {
				dst = append(dst, child)
			}
		}
	case segIndex:
		if arr, ok := v.([]any); ok && seg.index < len(arr) {
			dst = append(dst, arr[seg.index])
		}
	case segWildcard:
		if arr, ok := v.([]any); ok {
			dst = append(dst, arr...)
		}
	case segRecursive:
		dst = appendRecursive(dst, v, seg.name)
	}
	return dst
}

// appendRecursive collects all values keyed by name at any depth,
// in document order (depth-first).
func appendRecursive(dst []any, v any, name string) []any {
	switch t := v.(type) {
	case map[string]any:
		if child, ok := t[name]; ok {
			dst = append(dst, child)
		}
		for _, key := range sortedKeys(t) {
			dst = appendRecursive(dst, t[key], name)
		}
	case []any:
		for _, elem := range t {
			dst = appendRecursive(dst, elem, name)
		}
	}
	return dst
}

// flattenAppend flattens arrays one level at the leaf position so that
// callers always receive a list of leaf values.
func flattenAppend(dst []any, v any) []any {
	if arr, ok := v.([]any); ok {
		for _, elem := range arr {
			dst = flattenAppend(dst, elem)
		}
		return dst
	}
	return append(dst, v)
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	// Insertion sort keeps evaluation deterministic regardless of map order.
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j] < keys[j-1]; j-- {
			keys[j], keys[j-1] = keys[j-1], keys[j]
		}
	}
	return keys
}
