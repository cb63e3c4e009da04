package config

import "fmt"

// SupportedSourcesFileVersion is the only schema version the loader accepts.
const SupportedSourcesFileVersion = "1"

// SourcesFile is the declarative bootstrap file: knowledge bases, the schema
// file each one is registered from, and the connector sources attached to it.
//
// Example:
//
//	version: "1"
//	knowledge_bases:
//	  - kb_id: docs
//	    schema_file: ./schemas/docs.yaml
//	    sources:
//	      - source_id: wiki
//	        connector_url: http://wiki-connector:8080
//	        auth_ref: WIKI_TOKEN
//	        mapping: wiki
type SourcesFile struct {
	Version        string                `yaml:"version"`
	KnowledgeBases []KnowledgeBaseConfig `yaml:"knowledge_bases"`
}

// KnowledgeBaseConfig declares one knowledge base to register at startup.
type KnowledgeBaseConfig struct {
	KBID       string         `yaml:"kb_id"`
	SchemaFile string         `yaml:"schema_file"`
	Sources    []SourceConfig `yaml:"sources"`
}

// SourceConfig declares one connector source within a knowledge base. AuthRef
// names the environment variable holding the opaque credential; the credential
// itself never appears in the file.
type SourceConfig struct {
	SourceID     string `yaml:"source_id"`
	ConnectorURL string `yaml:"connector_url"`
	AuthRef      string `yaml:"auth_ref"`
	Mapping      string `yaml:"mapping"`
}

// Validate checks version support, required fields and name uniqueness.
func (f *SourcesFile) Validate() error {
	if f.Version != SupportedSourcesFileVersion {
		return fmt.Errorf("unsupported sources file version %q (supported: %q)", f.Version, SupportedSourcesFileVersion)
	}

	seenKB := make(map[string]bool)
	for i, kb := range f.KnowledgeBases {
		if kb.KBID == "" {
			return fmt.Errorf("knowledge_bases[%d]: kb_id must not be empty", i)
		}
		if seenKB[kb.KBID] {
			return fmt.Errorf("duplicate kb_id %q", kb.KBID)
		}
		seenKB[kb.KBID] = true

		if kb.SchemaFile == "" {
			return fmt.Errorf("knowledge base %q: schema_file must not be empty", kb.KBID)
		}

		seenSrc := make(map[string]bool)
		for j, src := range kb.Sources {
			if src.SourceID == "" {
				return fmt.Errorf("knowledge base %q: sources[%d]: source_id must not be empty", kb.KBID, j)
			}
			if seenSrc[src.SourceID] {
				return fmt.Errorf("knowledge base %q: duplicate source_id %q", kb.KBID, src.SourceID)
			}
			seenSrc[src.SourceID] = true

			if src.ConnectorURL == "" {
				return fmt.Errorf("knowledge base %q source %q: connector_url must not be empty", kb.KBID, src.SourceID)
			}
		}
	}
	return nil
}
