package embedding

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moolen/loom/internal/schema"
)

// fakeProvider counts calls and can be switched into failure mode.
type fakeProvider struct {
	dim   int
	calls atomic.Int32
	fail  atomic.Bool
}

func (f *fakeProvider) Name() string    { return "fake:test" }
func (f *fakeProvider) Dimensions() int { return f.dim }

func (f *fakeProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	f.calls.Add(1)
	if f.fail.Load() {
		return nil, errors.New("provider down")
	}
	v := make([]float32, f.dim)
	v[0] = float32(len(text))
	return v, nil
}

func (f *fakeProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := f.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func TestNewProviderSpecParsing(t *testing.T) {
	p, err := NewProvider("ollama:mxbai-embed-large", Config{})
	require.NoError(t, err)
	assert.Equal(t, "ollama:mxbai-embed-large", p.Name())
	assert.Equal(t, 1024, p.Dimensions())

	p, err = NewProvider("openai:text-embedding-3-small", Config{OpenAIAPIKey: "sk-test"})
	require.NoError(t, err)
	assert.Equal(t, 1536, p.Dimensions())

	// Unknown model falls back to the family default; override wins.
	p, err = NewProvider("ollama:custom-model", Config{})
	require.NoError(t, err)
	assert.Equal(t, defaultOllamaDimensions, p.Dimensions())

	p, err = NewProvider("ollama:custom-model", Config{Dimensions: 512})
	require.NoError(t, err)
	assert.Equal(t, 512, p.Dimensions())

	_, err = NewProvider("huggingface:bert", Config{})
	assert.Error(t, err)
	_, err = NewProvider("ollama", Config{})
	assert.Error(t, err)
}

func TestFallbackVectorDeterministic(t *testing.T) {
	a := FallbackVector("some text", 64)
	b := FallbackVector("some text", 64)
	c := FallbackVector("other text", 64)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)

	var norm float64
	for _, v := range a {
		norm += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, norm, 1e-3)
}

func TestChunkParagraph(t *testing.T) {
	text := "first paragraph here\n\nsecond paragraph here\n\n\nthird one"
	chunks := Chunk(schema.Chunking{Strategy: schema.ChunkParagraph, MaxTokens: 100}, text)
	require.Len(t, chunks, 1)
	assert.Equal(t, "first paragraph here second paragraph here third one", chunks[0])
}

func TestChunkParagraphPacking(t *testing.T) {
	var paragraphs []string
	for i := 0; i < 10; i++ {
		paragraphs = append(paragraphs, strings.TrimSpace(strings.Repeat(fmt.Sprintf("w%d ", i), 40)))
	}
	text := strings.Join(paragraphs, "\n\n")

	chunks := Chunk(schema.Chunking{Strategy: schema.ChunkParagraph, MaxTokens: 100, Overlap: 10}, text)
	require.Greater(t, len(chunks), 1)
	for _, c := range chunks {
		assert.LessOrEqual(t, len(strings.Fields(c)), 100)
	}
	// Overlap: each chunk after the first starts with the tail of its predecessor.
	for i := 1; i < len(chunks); i++ {
		prev := strings.Fields(chunks[i-1])
		curr := strings.Fields(chunks[i])
		tail := prev[len(prev)-10:]
		assert.Equal(t, tail, curr[:10])
	}
}

func TestChunkByHeadings(t *testing.T) {
	text := "# Intro\nsome intro words\n\n## Details\nmore detail words\n\n# Closing\nfinal words"
	chunks := Chunk(schema.Chunking{Strategy: schema.ChunkByHeadings, MaxTokens: 6, Overlap: 0}, text)
	require.NotEmpty(t, chunks)
	assert.Contains(t, chunks[0], "# Intro")
	for _, c := range chunks {
		assert.LessOrEqual(t, len(strings.Fields(c)), 6)
	}
}

func TestChunkSentence(t *testing.T) {
	text := "First sentence. Second one! Third thing? trailing fragment"
	chunks := Chunk(schema.Chunking{Strategy: schema.ChunkSentence, MaxTokens: 3, Overlap: 0}, text)
	assert.Equal(t, []string{"First sentence.", "Second one!", "Third thing?", "trailing fragment"}, chunks)
}

func TestChunkEmptyText(t *testing.T) {
	assert.Nil(t, Chunk(schema.Chunking{Strategy: schema.ChunkParagraph, MaxTokens: 100}, "   \n\n  "))
}

func TestPipelineEmbedNode(t *testing.T) {
	fp := &fakeProvider{dim: 8}
	pl, err := NewPipeline(fp, 4, 16)
	require.NoError(t, err)

	nv, err := pl.EmbedNode(context.Background(),
		schema.Chunking{Strategy: schema.ChunkParagraph, MaxTokens: 100},
		map[string]any{"title": "T1", "content": "C1", "count": 3})
	require.NoError(t, err)

	require.Len(t, nv.Primary, 8)
	assert.False(t, nv.Degraded)
	assert.Empty(t, nv.PerField)
}

func TestPipelineEmbedNodeNoText(t *testing.T) {
	fp := &fakeProvider{dim: 8}
	pl, err := NewPipeline(fp, 4, 16)
	require.NoError(t, err)

	nv, err := pl.EmbedNode(context.Background(),
		schema.Chunking{Strategy: schema.ChunkParagraph, MaxTokens: 100},
		map[string]any{"count": 3})
	require.NoError(t, err)
	assert.Nil(t, nv.Primary)
	assert.Zero(t, fp.calls.Load())
}

func TestPipelineByFields(t *testing.T) {
	fp := &fakeProvider{dim: 8}
	pl, err := NewPipeline(fp, 4, 16)
	require.NoError(t, err)

	nv, err := pl.EmbedNode(context.Background(),
		schema.Chunking{Strategy: schema.ChunkByFields, MaxTokens: 100, Fields: []string{"title", "content", "missing"}},
		map[string]any{"title": "T1", "content": "C1"})
	require.NoError(t, err)

	require.Len(t, nv.PerField, 2)
	assert.Contains(t, nv.PerField, "title")
	assert.Contains(t, nv.PerField, "content")
	require.Len(t, nv.Primary, 8)
}

func TestPipelineFallbackOnProviderFailure(t *testing.T) {
	fp := &fakeProvider{dim: 8}
	fp.fail.Store(true)
	pl, err := NewPipeline(fp, 4, 16)
	require.NoError(t, err)

	nv, err := pl.EmbedNode(context.Background(),
		schema.Chunking{Strategy: schema.ChunkParagraph, MaxTokens: 100},
		map[string]any{"content": "some content"})
	require.NoError(t, err)

	assert.True(t, nv.Degraded)
	assert.Equal(t, FallbackVector("some content", 8), nv.Primary)
}

func TestPipelineCache(t *testing.T) {
	fp := &fakeProvider{dim: 8}
	pl, err := NewPipeline(fp, 4, 16)
	require.NoError(t, err)

	chunking := schema.Chunking{Strategy: schema.ChunkParagraph, MaxTokens: 100}
	props := map[string]any{"content": "cached content"}

	_, err = pl.EmbedNode(context.Background(), chunking, props)
	require.NoError(t, err)
	first := fp.calls.Load()

	_, err = pl.EmbedNode(context.Background(), chunking, props)
	require.NoError(t, err)
	assert.Equal(t, first, fp.calls.Load(), "second embed must hit the cache")
}

func TestPipelineEmbedQueryNoFallback(t *testing.T) {
	fp := &fakeProvider{dim: 8}
	fp.fail.Store(true)
	pl, err := NewPipeline(fp, 4, 16)
	require.NoError(t, err)

	_, err = pl.EmbedQuery(context.Background(), "what is loom")
	assert.Error(t, err)
}
