package embedding

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/moolen/loom/internal/logging"
)

// openaiProvider embeds via the OpenAI embeddings endpoint.
type openaiProvider struct {
	model      string
	dimensions int
	client     openai.Client
	logger     *logging.Logger
}

func newOpenAIProvider(model string, cfg Config) (*openaiProvider, error) {
	opts := []option.RequestOption{
		// Retries are handled by withRetry with the shared backoff schedule.
		option.WithMaxRetries(0),
	}
	if cfg.OpenAIAPIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.OpenAIAPIKey))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.Timeout))
	}

	return &openaiProvider{
		model:      model,
		dimensions: dimensionsFor(model, cfg.Dimensions, defaultOpenAIDimensions),
		client:     openai.NewClient(opts...),
		logger:     logging.GetLogger("embedding.openai"),
	}, nil
}

func (p *openaiProvider) Name() string {
	return "openai:" + p.model
}

func (p *openaiProvider) Dimensions() int {
	return p.dimensions
}

func (p *openaiProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := p.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (p *openaiProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	var out [][]float32
	err := withRetry(ctx, func() error {
		resp, err := p.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
			Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
			Model: openai.EmbeddingModel(p.model),
		})
		if err != nil {
			return fmt.Errorf("openai embeddings request: %w", err)
		}
		if len(resp.Data) != len(texts) {
			return fmt.Errorf("openai returned %d embeddings for %d inputs", len(resp.Data), len(texts))
		}
		out = make([][]float32, len(resp.Data))
		for i, d := range resp.Data {
			vec := make([]float32, len(d.Embedding))
			for j, v := range d.Embedding {
				vec[j] = float32(v)
			}
			out[i] = vec
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	p.logger.Debug("embedded %d texts", len(texts))
	return out, nil
}
