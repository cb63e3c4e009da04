package config

import (
	"fmt"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// LoadSourcesFile loads and validates a sources configuration file using Koanf.
// Returns the parsed and validated SourcesFile or an error.
//
// Error cases:
//   - File not found or cannot be read
//   - Invalid YAML syntax
//   - Schema validation failure (unsupported version, missing required fields,
//     duplicate kb_id/source_id)
func LoadSourcesFile(filepath string) (*SourcesFile, error) {
	k := koanf.New(".")

	if err := k.Load(file.Provider(filepath), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to load sources config from %q: %w", filepath, err)
	}

	var config SourcesFile
	if err := k.UnmarshalWithConf("", &config, koanf.UnmarshalConf{Tag: "yaml"}); err != nil {
		return nil, fmt.Errorf("failed to parse sources config from %q: %w", filepath, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("sources config validation failed for %q: %w", filepath, err)
	}

	return &config, nil
}
