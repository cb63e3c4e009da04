package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/semaphore"

	"github.com/moolen/loom/internal/logging"
	"github.com/moolen/loom/internal/schema"
)

const defaultCacheSize = 4096

// Pipeline drives a provider with a concurrency cap, an LRU text-to-vector
// cache and fallback-vector degradation on persistent provider failure.
type Pipeline struct {
	provider Provider
	sem      *semaphore.Weighted
	cache    *lru.Cache[string, []float32]
	logger   *logging.Logger
}

// NodeVectors is the embedding result for one node.
type NodeVectors struct {
	// Primary is the vector stored in the node's embedding property; nil
	// when the node carried no embeddable text.
	Primary []float32

	// PerField holds one vector per field for the by_fields strategy.
	PerField map[string][]float32

	// Degraded is set when any vector came from the deterministic fallback.
	Degraded bool
}

// NewPipeline wraps a provider. poolMax caps concurrent provider calls;
// cacheSize bounds the text-to-vector cache (0 selects the default).
func NewPipeline(p Provider, poolMax, cacheSize int) (*Pipeline, error) {
	if poolMax < 1 {
		return nil, fmt.Errorf("poolMax must be at least 1, got %d", poolMax)
	}
	if cacheSize <= 0 {
		cacheSize = defaultCacheSize
	}
	cache, err := lru.New[string, []float32](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating embedding cache: %w", err)
	}
	return &Pipeline{
		provider: p,
		sem:      semaphore.NewWeighted(int64(poolMax)),
		cache:    cache,
		logger:   logging.GetLogger("embedding.pipeline"),
	}, nil
}

// Provider returns the wrapped provider.
func (pl *Pipeline) Provider() Provider {
	return pl.provider
}

// EmbedNode computes the vectors for one node's properties per the chunking
// settings: by_fields embeds each configured field separately, every other
// strategy chunks the node's string properties (sorted by name) and
// mean-pools the chunk vectors. Provider failure degrades to the fallback
// vector instead of failing; only context cancellation returns an error.
func (pl *Pipeline) EmbedNode(ctx context.Context, chunking schema.Chunking, props map[string]any) (*NodeVectors, error) {
	if chunking.Strategy == schema.ChunkByFields {
		return pl.embedFields(ctx, chunking.Fields, props)
	}

	text := textFromProps(props, nil)
	if text == "" {
		return &NodeVectors{}, nil
	}

	chunks := Chunk(chunking, text)
	if len(chunks) == 0 {
		return &NodeVectors{}, nil
	}

	vectors := make([][]float32, 0, len(chunks))
	degraded := false
	for _, chunk := range chunks {
		v, d, err := pl.embedOrFallback(ctx, chunk)
		if err != nil {
			return nil, err
		}
		degraded = degraded || d
		vectors = append(vectors, v)
	}

	return &NodeVectors{Primary: meanPool(vectors), Degraded: degraded}, nil
}

func (pl *Pipeline) embedFields(ctx context.Context, fields []string, props map[string]any) (*NodeVectors, error) {
	result := &NodeVectors{PerField: make(map[string][]float32, len(fields))}
	var vectors [][]float32
	for _, field := range fields {
		s, ok := props[field].(string)
		if !ok || strings.TrimSpace(s) == "" {
			continue
		}
		v, d, err := pl.embedOrFallback(ctx, s)
		if err != nil {
			return nil, err
		}
		result.Degraded = result.Degraded || d
		result.PerField[field] = v
		vectors = append(vectors, v)
	}
	result.Primary = meanPool(vectors)
	return result, nil
}

// EmbedQuery embeds search text. Unlike ingestion there is no fallback: a
// degraded query vector would only return noise.
func (pl *Pipeline) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if err := pl.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer pl.sem.Release(1)

	key := pl.cacheKey(text)
	if v, ok := pl.cache.Get(key); ok {
		return v, nil
	}
	v, err := pl.provider.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	pl.cache.Add(key, v)
	return v, nil
}

func (pl *Pipeline) embedOrFallback(ctx context.Context, text string) ([]float32, bool, error) {
	if err := pl.sem.Acquire(ctx, 1); err != nil {
		return nil, false, err
	}
	defer pl.sem.Release(1)

	key := pl.cacheKey(text)
	if v, ok := pl.cache.Get(key); ok {
		return v, false, nil
	}

	v, err := pl.provider.Embed(ctx, text)
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		pl.logger.Warn("provider %s failed, using fallback vector: %v", pl.provider.Name(), err)
		return FallbackVector(text, pl.provider.Dimensions()), true, nil
	}

	pl.cache.Add(key, v)
	return v, false, nil
}

func (pl *Pipeline) cacheKey(text string) string {
	h := sha256.Sum256([]byte(pl.provider.Name() + "\x00" + text))
	return hex.EncodeToString(h[:])
}

// textFromProps concatenates string-valued properties in sorted name order.
// When fields is non-nil only those properties are considered.
func textFromProps(props map[string]any, fields []string) string {
	names := fields
	if names == nil {
		names = make([]string, 0, len(props))
		for k := range props {
			names = append(names, k)
		}
		sort.Strings(names)
	}

	var parts []string
	for _, name := range names {
		if s, ok := props[name].(string); ok && strings.TrimSpace(s) != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "\n\n")
}

// meanPool averages vectors and renormalizes to unit length.
func meanPool(vectors [][]float32) []float32 {
	if len(vectors) == 0 {
		return nil
	}
	if len(vectors) == 1 {
		return vectors[0]
	}

	dim := len(vectors[0])
	sum := make([]float64, dim)
	for _, v := range vectors {
		for i := 0; i < dim && i < len(v); i++ {
			sum[i] += float64(v[i])
		}
	}

	var norm float64
	for _, s := range sum {
		norm += s * s
	}
	out := make([]float32, dim)
	if norm == 0 {
		return out
	}
	scale := 1 / math.Sqrt(norm)
	for i, s := range sum {
		out[i] = float32(s * scale)
	}
	return out
}
