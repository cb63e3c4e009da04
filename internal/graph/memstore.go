package graph

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/moolen/loom/internal/embedding"
	"github.com/moolen/loom/internal/mapping"
	"github.com/moolen/loom/internal/schema"
)

// MemStore is an in-memory Store with the same merge and search semantics as
// the FalkorDB-backed one. It backs unit tests and `loom serve --store=memory`
// for local development without a database.
type MemStore struct {
	mu  sync.RWMutex
	kbs map[string]*memKB

	// SearchResult is returned by Search after the read-only check passes.
	// Cypher is not interpreted in memory.
	SearchResult *QueryResult
}

type memKB struct {
	nodes map[string]*memNode // label + "\x00" + key
	edges map[string]*memEdge // type + from + to
}

type memNode struct {
	label    string
	key      string
	props    map[string]interface{}
	prov     Provenance
	vector   []float32
	perField map[string][]float32
	degraded bool
}

type memEdge struct {
	edge  mapping.EdgeRecord
	prov  Provenance
	props map[string]interface{}
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{kbs: make(map[string]*memKB)}
}

func (m *MemStore) kb(kbID string) *memKB {
	kb, ok := m.kbs[kbID]
	if !ok {
		kb = &memKB{
			nodes: make(map[string]*memNode),
			edges: make(map[string]*memEdge),
		}
		m.kbs[kbID] = kb
	}
	return kb
}

// EnsureKB is a no-op for the in-memory store apart from materializing the
// knowledge base.
func (m *MemStore) EnsureKB(ctx context.Context, kbID string, s *schema.Schema, dimensions int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kb(kbID)
	return nil
}

// MergeNode upserts on (label, key).
func (m *MemStore) MergeNode(ctx context.Context, kbID string, node mapping.NodeRecord, prov Provenance, vectors *embedding.NodeVectors) (MergeOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kb := m.kb(kbID)
	id := node.Label + "\x00" + node.Key
	existing, ok := kb.nodes[id]
	if !ok {
		existing = &memNode{label: node.Label, key: node.Key, props: make(map[string]interface{})}
		kb.nodes[id] = existing
	}
	for name, v := range node.Properties {
		existing.props[name] = v
	}
	existing.prov = prov
	if vectors != nil && vectors.Primary != nil {
		existing.vector = vectors.Primary
		existing.perField = vectors.PerField
		existing.degraded = vectors.Degraded
	}
	return MergeOutcome{Created: !ok, Updated: ok}, nil
}

// MergeEdge upserts on (type, from, to) and requires both endpoints to exist.
func (m *MemStore) MergeEdge(ctx context.Context, kbID string, edge mapping.EdgeRecord, prov Provenance) (MergeOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kb := m.kb(kbID)
	if _, ok := kb.nodes[edge.From.Label+"\x00"+edge.From.Key]; !ok {
		return MergeOutcome{}, fmt.Errorf("%s(%s): %w", edge.From.Label, edge.From.Key, ErrEdgeEndpointMissing)
	}
	if _, ok := kb.nodes[edge.To.Label+"\x00"+edge.To.Key]; !ok {
		return MergeOutcome{}, fmt.Errorf("%s(%s): %w", edge.To.Label, edge.To.Key, ErrEdgeEndpointMissing)
	}

	id := edge.Type + "\x00" + edge.From.Label + "\x00" + edge.From.Key + "\x00" + edge.To.Label + "\x00" + edge.To.Key
	existing, ok := kb.edges[id]
	if !ok {
		existing = &memEdge{edge: edge, props: make(map[string]interface{})}
		kb.edges[id] = existing
	}
	for name, v := range edge.Properties {
		existing.props[name] = v
	}
	existing.prov = prov
	return MergeOutcome{Created: !ok, Updated: ok}, nil
}

// Search applies the read-only guard and returns the canned result.
func (m *MemStore) Search(ctx context.Context, kbID, query string, params map[string]interface{}, timeoutMS int) (*QueryResult, error) {
	if err := EnsureReadOnly(query); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.SearchResult != nil {
		return m.SearchResult, nil
	}
	return &QueryResult{Columns: []string{}, Rows: [][]interface{}{}}, nil
}

// VectorSearch ranks nodes by descending cosine similarity, matching the
// FalkorDB-backed adapter.
func (m *MemStore) VectorSearch(ctx context.Context, kbID string, labels []string, vector []float32, topK int, filters map[string]interface{}) ([]SearchHit, error) {
	if topK < 1 {
		topK = 1
	}
	wanted := make(map[string]bool, len(labels))
	for _, l := range labels {
		wanted[l] = true
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	kb, ok := m.kbs[kbID]
	if !ok {
		return nil, nil
	}

	var hits []SearchHit
	for _, n := range kb.nodes {
		if !wanted[n.label] || n.vector == nil {
			continue
		}
		props := make(map[string]interface{}, len(n.props)+1)
		for name, v := range n.props {
			props[name] = v
		}
		props["key"] = n.key
		if !matchesFilters(props, filters) {
			continue
		}
		hits = append(hits, SearchHit{
			Label:      n.label,
			Key:        n.key,
			Score:      cosineSimilarity(vector, n.vector),
			Properties: props,
		})
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Key < hits[j].Key
	})
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

// Counts returns node and relationship totals.
func (m *MemStore) Counts(ctx context.Context, kbID string) (GraphCounts, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	kb, ok := m.kbs[kbID]
	if !ok {
		return GraphCounts{}, nil
	}
	return GraphCounts{Nodes: int64(len(kb.nodes)), Relationships: int64(len(kb.edges))}, nil
}

// DropKB removes the knowledge base.
func (m *MemStore) DropKB(ctx context.Context, kbID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.kbs, kbID)
	return nil
}

// Node returns a stored node's properties and provenance, for tests.
func (m *MemStore) Node(kbID, label, key string) (props map[string]interface{}, prov Provenance, ok bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	kb, found := m.kbs[kbID]
	if !found {
		return nil, Provenance{}, false
	}
	n, found := kb.nodes[label+"\x00"+key]
	if !found {
		return nil, Provenance{}, false
	}
	return n.props, n.prov, true
}

// EdgeCount returns the number of stored relationships, for tests.
func (m *MemStore) EdgeCount(kbID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	kb, ok := m.kbs[kbID]
	if !ok {
		return 0
	}
	return len(kb.edges)
}

func cosineSimilarity(a, b []float32) float64 {
	var dot, na, nb float64
	for i := 0; i < len(a) && i < len(b); i++ {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
