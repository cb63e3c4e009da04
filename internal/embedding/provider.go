// Package embedding implements the pluggable text-to-vector provider layer:
// ollama and openai backed providers with a fixed output dimension, retrying
// transient failures and degrading to a deterministic fallback vector so that
// ingestion always completes.
package embedding

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Provider turns text into fixed-length vectors. Dimensions MUST be stable
// across calls.
type Provider interface {
	Name() string
	Dimensions() int
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Config carries provider construction settings.
type Config struct {
	// OllamaBaseURL overrides the ollama server address
	// (default http://localhost:11434).
	OllamaBaseURL string

	// OpenAIAPIKey authenticates openai providers.
	OpenAIAPIKey string

	// Timeout bounds a single provider request.
	Timeout time.Duration

	// Dimensions overrides the model's known vector dimension.
	Dimensions int
}

// modelDimensions maps known embedding models to their vector size. Unknown
// models fall back to the family default.
var modelDimensions = map[string]int{
	"nomic-embed-text":       768,
	"mxbai-embed-large":      1024,
	"all-minilm":             384,
	"snowflake-arctic-embed": 1024,
	"text-embedding-3-small": 1536,
	"text-embedding-3-large": 3072,
	"text-embedding-ada-002": 1536,
}

const (
	defaultOllamaDimensions = 1024
	defaultOpenAIDimensions = 1536
)

// NewProvider constructs a provider from a "<family>:<model>" spec as declared
// in a schema's embedding.provider field.
func NewProvider(spec string, cfg Config) (Provider, error) {
	family, model, ok := strings.Cut(spec, ":")
	if !ok || model == "" {
		return nil, fmt.Errorf("invalid embedding provider %q: want <family>:<model>", spec)
	}

	switch family {
	case "ollama":
		return newOllamaProvider(model, cfg)
	case "openai":
		return newOpenAIProvider(model, cfg)
	default:
		return nil, fmt.Errorf("unsupported embedding provider family %q", family)
	}
}

func dimensionsFor(model string, override, familyDefault int) int {
	if override > 0 {
		return override
	}
	if d, ok := modelDimensions[model]; ok {
		return d
	}
	return familyDefault
}
