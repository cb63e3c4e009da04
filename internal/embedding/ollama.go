package embedding

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/ollama/ollama/api"

	"github.com/moolen/loom/internal/logging"
)

const defaultOllamaBaseURL = "http://localhost:11434"

// ollamaProvider embeds via a local ollama server's /api/embeddings endpoint.
type ollamaProvider struct {
	model      string
	dimensions int
	client     *api.Client
	logger     *logging.Logger
}

func newOllamaProvider(model string, cfg Config) (*ollamaProvider, error) {
	base := cfg.OllamaBaseURL
	if base == "" {
		base = defaultOllamaBaseURL
	}
	baseURL, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("invalid ollama base URL %q: %w", base, err)
	}

	httpClient := http.DefaultClient
	if cfg.Timeout > 0 {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	return &ollamaProvider{
		model:      model,
		dimensions: dimensionsFor(model, cfg.Dimensions, defaultOllamaDimensions),
		client:     api.NewClient(baseURL, httpClient),
		logger:     logging.GetLogger("embedding.ollama"),
	}, nil
}

func (p *ollamaProvider) Name() string {
	return "ollama:" + p.model
}

func (p *ollamaProvider) Dimensions() int {
	return p.dimensions
}

func (p *ollamaProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	var vector []float32
	err := withRetry(ctx, func() error {
		start := time.Now()
		resp, err := p.client.Embeddings(ctx, &api.EmbeddingRequest{
			Model:  p.model,
			Prompt: text,
		})
		if err != nil {
			return fmt.Errorf("ollama embeddings request: %w", err)
		}
		if len(resp.Embedding) == 0 {
			return fmt.Errorf("ollama returned an empty embedding")
		}
		vector = make([]float32, len(resp.Embedding))
		for i, v := range resp.Embedding {
			vector[i] = float32(v)
		}
		p.logger.Debug("embedded %d chars in %s", len(text), time.Since(start))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return vector, nil
}

// EmbedBatch issues one request per text; the embeddings endpoint takes a
// single prompt.
func (p *ollamaProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		v, err := p.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}
