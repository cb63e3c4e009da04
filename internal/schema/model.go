// Package schema implements the YAML schema DSL of a knowledge base: the
// declared node labels, relationship types, embedding settings and per-source
// mapping rules, plus the validator and the in-process registry that stores
// registered schemas and sources.
package schema

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Schema is one versioned schema snapshot as declared in YAML.
type Schema struct {
	Embedding     Embedding `yaml:"embedding"`
	Nodes         []NodeDef `yaml:"nodes"`
	Relationships []RelDef  `yaml:"relationships"`
	Mappings      Mappings  `yaml:"mappings"`
}

// Embedding declares the provider ("<family>:<model>") and chunking settings
// used to vectorize documents of this knowledge base.
type Embedding struct {
	Provider string   `yaml:"provider"`
	Chunking Chunking `yaml:"chunking"`
}

// Chunking controls how node text is split before embedding.
type Chunking struct {
	Strategy  string   `yaml:"strategy"`
	MaxTokens int      `yaml:"max_tokens"`
	Overlap   int      `yaml:"overlap"`
	Fields    []string `yaml:"fields,omitempty"`
}

// Chunking strategies.
const (
	ChunkByHeadings = "by_headings"
	ChunkByFields   = "by_fields"
	ChunkSentence   = "sentence"
	ChunkParagraph  = "paragraph"
)

// NodeDef declares one node label, its uniqueness key property and the
// properties it may carry.
type NodeDef struct {
	Label string   `yaml:"label"`
	Key   string   `yaml:"key"`
	Props []string `yaml:"props"`
}

// RelDef declares one relationship type between two declared labels.
type RelDef struct {
	Type  string   `yaml:"type"`
	From  string   `yaml:"from"`
	To    string   `yaml:"to"`
	Props []string `yaml:"props,omitempty"`
}

// Mappings groups the per-source extraction rules.
type Mappings struct {
	Sources []SourceMapping `yaml:"sources"`
}

// SourceMapping projects one source's documents into the schema.
type SourceMapping struct {
	SourceID     string        `yaml:"source_id"`
	DocumentType string        `yaml:"document_type"`
	Extract      Extract       `yaml:"extract"`
	Edges        []EdgeMapping `yaml:"edges,omitempty"`
}

// Extract describes the primary node of a mapping: the target label and the
// property assignments as path expressions.
type Extract struct {
	Node   string            `yaml:"node"`
	Assign map[string]string `yaml:"assign"`
}

// EdgeMapping fans a document out into relationships (and secondary nodes).
type EdgeMapping struct {
	Type string       `yaml:"type"`
	From EdgeEndpoint `yaml:"from"`
	To   EdgeEndpoint `yaml:"to"`
}

// EdgeEndpoint addresses one end of an edge mapping. Key is a path expression
// selecting the endpoint node's key value; Props optionally carries path
// expressions that materialize a secondary node at the target.
type EdgeEndpoint struct {
	Node  string            `yaml:"node"`
	Key   string            `yaml:"key"`
	Props map[string]string `yaml:"props,omitempty"`
}

// Parse deserializes a YAML schema document. Parse does not validate; see
// Validate.
func Parse(data []byte) (*Schema, error) {
	var s Schema
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}
	return &s, nil
}

// NodeByLabel returns the node declaration for a label.
func (s *Schema) NodeByLabel(label string) (*NodeDef, bool) {
	for i := range s.Nodes {
		if s.Nodes[i].Label == label {
			return &s.Nodes[i], true
		}
	}
	return nil, false
}

// RelByType returns the relationship declaration for a type.
func (s *Schema) RelByType(relType string) (*RelDef, bool) {
	for i := range s.Relationships {
		if s.Relationships[i].Type == relType {
			return &s.Relationships[i], true
		}
	}
	return nil, false
}

// MappingBySourceID returns the mapping whose source_id matches.
func (s *Schema) MappingBySourceID(id string) (*SourceMapping, bool) {
	for i := range s.Mappings.Sources {
		if s.Mappings.Sources[i].SourceID == id {
			return &s.Mappings.Sources[i], true
		}
	}
	return nil, false
}

// Labels returns the declared node labels in declaration order.
func (s *Schema) Labels() []string {
	labels := make([]string, 0, len(s.Nodes))
	for _, n := range s.Nodes {
		labels = append(labels, n.Label)
	}
	return labels
}
