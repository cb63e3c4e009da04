// Package mapping projects one source document into graph node and edge
// records according to a schema mapping. Apply is a pure function: the same
// document and mapping always produce the same record sequences, which keeps
// downstream merges deterministic under replay.
package mapping

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/moolen/loom/internal/pathexpr"
	"github.com/moolen/loom/internal/schema"
)

// NodeRecord is one node emitted by the mapping engine.
type NodeRecord struct {
	Label      string
	Key        string
	Properties map[string]any
}

// Endpoint addresses one end of an edge by label and key.
type Endpoint struct {
	Label string
	Key   string
}

// EdgeRecord is one relationship emitted by the mapping engine.
type EdgeRecord struct {
	Type       string
	From       Endpoint
	To         Endpoint
	Properties map[string]any
}

// Result carries the ordered emission of one document: the primary node
// first, then secondary nodes in edge declaration order, then edges in edge
// declaration order.
type Result struct {
	Nodes []NodeRecord
	Edges []EdgeRecord
}

// Error is a per-document mapping failure. The document is skipped and the
// error recorded on the run; it never aborts the run.
type Error struct {
	Reason string
	Label  string
	Path   string
}

func (e *Error) Error() string {
	return fmt.Sprintf("mapping failed: %s (label %q, path %q)", e.Reason, e.Label, e.Path)
}

type compiledAssign struct {
	prop string
	path *pathexpr.Path
}

type compiledEdge struct {
	relType   string
	fromLabel string
	toLabel   string
	toKeyProp string // the target label's declared key property
	fromKey   *pathexpr.Path
	toKey     *pathexpr.Path
	props     []compiledAssign
}

// Engine is one mapping compiled against its schema.
type Engine struct {
	label   string
	keyProp string
	keyPath string
	assign  []compiledAssign
	edges   []compiledEdge
}

// NewEngine compiles a mapping: path expressions are parsed once, node and
// relationship references resolved. The schema is assumed validated; compile
// errors here indicate an unvalidated schema and are returned as plain errors.
func NewEngine(s *schema.Schema, m *schema.SourceMapping) (*Engine, error) {
	node, ok := s.NodeByLabel(m.Extract.Node)
	if !ok {
		return nil, fmt.Errorf("mapping %q: extract node %q not declared", m.SourceID, m.Extract.Node)
	}

	e := &Engine{label: node.Label, keyProp: node.Key}

	for _, prop := range sortedProps(m.Extract.Assign) {
		expr := m.Extract.Assign[prop]
		p, err := pathexpr.Parse(expr)
		if err != nil {
			return nil, fmt.Errorf("mapping %q: assign %s: %w", m.SourceID, prop, err)
		}
		e.assign = append(e.assign, compiledAssign{prop: prop, path: p})
		if prop == node.Key {
			e.keyPath = expr
		}
	}
	if e.keyPath == "" {
		return nil, fmt.Errorf("mapping %q: node %q key property %q is not assigned", m.SourceID, node.Label, node.Key)
	}

	for _, em := range m.Edges {
		target, ok := s.NodeByLabel(em.To.Node)
		if !ok {
			return nil, fmt.Errorf("mapping %q: edge %q target %q not declared", m.SourceID, em.Type, em.To.Node)
		}
		fromKey, err := pathexpr.Parse(em.From.Key)
		if err != nil {
			return nil, fmt.Errorf("mapping %q: edge %q from.key: %w", m.SourceID, em.Type, err)
		}
		toKey, err := pathexpr.Parse(em.To.Key)
		if err != nil {
			return nil, fmt.Errorf("mapping %q: edge %q to.key: %w", m.SourceID, em.Type, err)
		}
		ce := compiledEdge{
			relType:   em.Type,
			fromLabel: em.From.Node,
			toLabel:   em.To.Node,
			toKeyProp: target.Key,
			fromKey:   fromKey,
			toKey:     toKey,
		}
		for _, prop := range sortedProps(em.To.Props) {
			p, err := pathexpr.Parse(em.To.Props[prop])
			if err != nil {
				return nil, fmt.Errorf("mapping %q: edge %q to.props.%s: %w", m.SourceID, em.Type, prop, err)
			}
			ce.props = append(ce.props, compiledAssign{prop: prop, path: p})
		}
		e.edges = append(e.edges, ce)
	}

	return e, nil
}

// Apply projects one document. Property assignment takes first-or-none per
// path; edge targets fan out over the full (deduplicated) value list.
func (e *Engine) Apply(doc map[string]any) (*Result, error) {
	props := make(map[string]any, len(e.assign))
	for _, a := range e.assign {
		if v, ok := a.path.First(doc); ok {
			props[a.prop] = v
		}
	}

	keyValue, ok := scalarKey(props[e.keyProp])
	if !ok {
		return nil, &Error{Reason: "missing key", Label: e.label, Path: e.keyPath}
	}

	result := &Result{
		Nodes: []NodeRecord{{Label: e.label, Key: keyValue, Properties: props}},
	}

	seenSecondary := make(map[string]bool)
	for _, ce := range e.edges {
		fromValue, ok := firstScalar(ce.fromKey.Evaluate(doc))
		if !ok {
			// No from endpoint resolvable in this document; nothing to emit.
			continue
		}

		toValues := dedupScalars(ce.toKey.Evaluate(doc))

		// Evaluate the secondary-node property paths once per edge; values
		// align index-wise with toValues when the lists have equal length,
		// otherwise the first value applies to every target.
		propValues := make([][]any, len(ce.props))
		for i, a := range ce.props {
			propValues[i] = a.path.Evaluate(doc)
		}

		for idx, toValue := range toValues {
			if len(ce.props) > 0 {
				nodeProps := make(map[string]any, len(ce.props))
				for i, a := range ce.props {
					vals := propValues[i]
					switch {
					case len(vals) == len(toValues):
						nodeProps[a.prop] = vals[idx]
					case len(vals) > 0:
						nodeProps[a.prop] = vals[0]
					}
				}
				if secondaryNodeWanted(nodeProps, ce.toKeyProp, toValue) {
					dedupKey := ce.toLabel + "\x00" + toValue
					if !seenSecondary[dedupKey] {
						seenSecondary[dedupKey] = true
						result.Nodes = append(result.Nodes, NodeRecord{
							Label:      ce.toLabel,
							Key:        toValue,
							Properties: nodeProps,
						})
					}
				}
			}

			result.Edges = append(result.Edges, EdgeRecord{
				Type:       ce.relType,
				From:       Endpoint{Label: ce.fromLabel, Key: fromValue},
				To:         Endpoint{Label: ce.toLabel, Key: toValue},
				Properties: map[string]any{},
			})
		}
	}

	return result, nil
}

// secondaryNodeWanted reports whether the resolved property set materializes
// the target node: either it contains the target's key property matching the
// edge target value, or the key is the single resolved property.
func secondaryNodeWanted(props map[string]any, keyProp, toValue string) bool {
	if v, ok := props[keyProp]; ok {
		if s, ok := scalarKey(v); ok && s == toValue {
			return true
		}
		if len(props) == 1 {
			return true
		}
	}
	return false
}

// scalarKey coerces a value into a non-empty string key. Maps, slices, nulls
// and empty strings are not keys.
func scalarKey(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, t != ""
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case int:
		return strconv.Itoa(t), true
	case int64:
		return strconv.FormatInt(t, 10), true
	case bool:
		return strconv.FormatBool(t), true
	default:
		return "", false
	}
}

func firstScalar(values []any) (string, bool) {
	for _, v := range values {
		if s, ok := scalarKey(v); ok {
			return s, true
		}
	}
	return "", false
}

// dedupScalars coerces to string keys, dropping non-scalars and preserving
// the first occurrence of duplicates.
func dedupScalars(values []any) []string {
	seen := make(map[string]bool, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		s, ok := scalarKey(v)
		if !ok || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

func sortedProps(m map[string]string) []string {
	props := make([]string, 0, len(m))
	for p := range m {
		props = append(props, p)
	}
	sort.Strings(props)
	return props
}
