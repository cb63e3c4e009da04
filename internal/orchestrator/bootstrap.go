package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/moolen/loom/internal/config"
)

// ApplySources registers every knowledge base and source declared in a
// sources file. Schema files are resolved relative to dir. Application is
// best effort: a broken knowledge base is reported and skipped so the
// remaining ones still come up, and a reload never tears down what is
// already registered.
func (s *Service) ApplySources(ctx context.Context, dir string, sf *config.SourcesFile) []error {
	var errs []error

	for _, kb := range sf.KnowledgeBases {
		schemaPath := kb.SchemaFile
		if !filepath.IsAbs(schemaPath) {
			schemaPath = filepath.Join(dir, schemaPath)
		}
		schemaYAML, err := os.ReadFile(schemaPath)
		if err != nil {
			errs = append(errs, fmt.Errorf("knowledge base %q: reading schema: %w", kb.KBID, err))
			continue
		}

		result, apiErr := s.RegisterSchema(ctx, kb.KBID, schemaYAML)
		if apiErr != nil {
			errs = append(errs, fmt.Errorf("knowledge base %q: %w", kb.KBID, apiErr))
			continue
		}
		for _, w := range result.Warnings {
			s.logger.Warn("knowledge base %q schema: %s", kb.KBID, w)
		}

		for _, src := range kb.Sources {
			mappingName := src.Mapping
			if mappingName == "" {
				mappingName = src.SourceID
			}
			if err := s.registry.AddSource(kb.KBID, src.SourceID, src.ConnectorURL, src.AuthRef, mappingName); err != nil {
				errs = append(errs, fmt.Errorf("source %s/%s: %w", kb.KBID, src.SourceID, err))
			}
		}
	}
	return errs
}
