package schema

import (
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Normalized renders the schema in canonical form: declaration lists sorted,
// whitespace collapsed. Two schemas are considered equal iff their normalized
// forms match; registration uses this to detect no-op re-registrations.
func (s *Schema) Normalized() string {
	c := s.canonical()
	out, err := yaml.Marshal(c)
	if err != nil {
		// Marshal of plain structs/maps cannot fail; fall back to the
		// zero form so equality degrades to always-unequal.
		return ""
	}
	return strings.Join(strings.Fields(string(out)), " ")
}

// Equal reports normalized-form equality.
func (s *Schema) Equal(other *Schema) bool {
	if other == nil {
		return false
	}
	return s.Normalized() == other.Normalized()
}

// canonical deep-copies the schema with all declaration lists sorted. Maps
// need no treatment: yaml.Marshal emits map keys in sorted order.
func (s *Schema) canonical() *Schema {
	c := &Schema{
		Embedding: Embedding{
			Provider: s.Embedding.Provider,
			Chunking: Chunking{
				Strategy:  s.Embedding.Chunking.Strategy,
				MaxTokens: s.Embedding.Chunking.MaxTokens,
				Overlap:   s.Embedding.Chunking.Overlap,
				Fields:    sortedCopy(s.Embedding.Chunking.Fields),
			},
		},
	}

	c.Nodes = make([]NodeDef, len(s.Nodes))
	for i, n := range s.Nodes {
		c.Nodes[i] = NodeDef{Label: n.Label, Key: n.Key, Props: sortedCopy(n.Props)}
	}
	sort.Slice(c.Nodes, func(i, j int) bool { return c.Nodes[i].Label < c.Nodes[j].Label })

	c.Relationships = make([]RelDef, len(s.Relationships))
	for i, r := range s.Relationships {
		c.Relationships[i] = RelDef{Type: r.Type, From: r.From, To: r.To, Props: sortedCopy(r.Props)}
	}
	sort.Slice(c.Relationships, func(i, j int) bool {
		a, b := c.Relationships[i], c.Relationships[j]
		if a.Type != b.Type {
			return a.Type < b.Type
		}
		if a.From != b.From {
			return a.From < b.From
		}
		return a.To < b.To
	})

	c.Mappings.Sources = make([]SourceMapping, len(s.Mappings.Sources))
	copy(c.Mappings.Sources, s.Mappings.Sources)
	sort.Slice(c.Mappings.Sources, func(i, j int) bool {
		a, b := c.Mappings.Sources[i], c.Mappings.Sources[j]
		if a.SourceID != b.SourceID {
			return a.SourceID < b.SourceID
		}
		return a.DocumentType < b.DocumentType
	})

	return c
}

func sortedCopy(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	sort.Strings(out)
	return out
}
