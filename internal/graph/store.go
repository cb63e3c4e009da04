package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/moolen/loom/internal/embedding"
	"github.com/moolen/loom/internal/logging"
	"github.com/moolen/loom/internal/mapping"
	"github.com/moolen/loom/internal/schema"
)

// ErrEdgeEndpointMissing is returned by MergeEdge when one of the endpoint
// nodes does not exist in the graph. MERGE after an empty MATCH writes
// nothing, so the edge is silently dropped by the database; callers record
// this as a per-document warning.
var ErrEdgeEndpointMissing = errors.New("edge endpoint node does not exist")

// Store is the persistence surface of one FalkorDB deployment holding any
// number of knowledge bases. All writes are idempotent merges keyed on
// (label, key), stamped with provenance.
type Store interface {
	// EnsureKB creates the range and vector indexes for a knowledge base's
	// declared labels. Safe to call repeatedly.
	EnsureKB(ctx context.Context, kbID string, s *schema.Schema, dimensions int) error

	// MergeNode upserts one node and reports whether it was created or
	// updated. vectors may be nil for nodes without embeddable text.
	MergeNode(ctx context.Context, kbID string, node mapping.NodeRecord, prov Provenance, vectors *embedding.NodeVectors) (MergeOutcome, error)

	// MergeEdge upserts one relationship between existing nodes. Returns
	// ErrEdgeEndpointMissing when an endpoint is absent.
	MergeEdge(ctx context.Context, kbID string, edge mapping.EdgeRecord, prov Provenance) (MergeOutcome, error)

	// Search runs a read-only Cypher query. Queries containing write
	// clauses are rejected with a WriteForbiddenError before reaching the
	// database.
	Search(ctx context.Context, kbID, query string, params map[string]interface{}, timeoutMS int) (*QueryResult, error)

	// VectorSearch returns the topK most similar nodes across the given
	// labels, optionally post-filtered by exact property values.
	VectorSearch(ctx context.Context, kbID string, labels []string, vector []float32, topK int, filters map[string]interface{}) ([]SearchHit, error)

	// Counts returns node and relationship totals for a knowledge base.
	Counts(ctx context.Context, kbID string) (GraphCounts, error)

	// DropKB removes a knowledge base's graph entirely.
	DropKB(ctx context.Context, kbID string) error
}

// identRe matches property names and labels safe to interpolate into Cypher.
// Schema validation enforces stricter shapes already; this is the last line
// of defense before query assembly.
var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// falkorStore implements Store on top of a FalkorDB client.
type falkorStore struct {
	client Client
	logger *logging.Logger
}

// NewStore wraps a connected client.
func NewStore(client Client) Store {
	return &falkorStore{
		client: client,
		logger: logging.GetLogger("graph.store"),
	}
}

// EnsureKB creates the range indexes and one cosine vector index per label
// (plus one per field for the by_fields strategy). Merges and the documented
// query shape look nodes up through the generic key property, so that is the
// index that matters; the declared key field is indexed as well for queries
// on the natural identifier. FalkorDB reports duplicate index creation as an
// error; those are logged and skipped.
func (s *falkorStore) EnsureKB(ctx context.Context, kbID string, sc *schema.Schema, dimensions int) error {
	for _, node := range sc.Nodes {
		if !identRe.MatchString(node.Label) || !identRe.MatchString(node.Key) {
			return fmt.Errorf("invalid label or key identifier on node %q", node.Label)
		}

		stmts := []string{
			fmt.Sprintf("CREATE INDEX FOR (n:%s) ON (n.key)", node.Label),
		}
		if node.Key != "key" {
			stmts = append(stmts, fmt.Sprintf("CREATE INDEX FOR (n:%s) ON (n.%s)", node.Label, node.Key))
		}
		stmts = append(stmts, vectorIndexQuery(node.Label, "embedding", dimensions))
		if sc.Embedding.Chunking.Strategy == schema.ChunkByFields {
			for _, field := range sc.Embedding.Chunking.Fields {
				if !identRe.MatchString(field) {
					continue
				}
				stmts = append(stmts, vectorIndexQuery(node.Label, "embedding_"+field, dimensions))
			}
		}

		for _, stmt := range stmts {
			_, err := s.client.ExecuteQuery(ctx, kbID, GraphQuery{Query: stmt})
			if err != nil {
				if strings.Contains(err.Error(), "already indexed") {
					s.logger.Debug("index already exists for %s: %s", node.Label, stmt)
					continue
				}
				return fmt.Errorf("creating index for label %s: %w", node.Label, err)
			}
		}
	}
	s.logger.Info("ensured indexes for kb %s (%d labels, dim %d)", kbID, len(sc.Nodes), dimensions)
	return nil
}

func vectorIndexQuery(label, property string, dimensions int) string {
	return fmt.Sprintf(
		"CREATE VECTOR INDEX FOR (n:%s) ON (n.%s) OPTIONS {dimension: %d, similarityFunction: 'cosine'}",
		label, property, dimensions)
}

// MergeNode issues MERGE on (label, key) and SETs all mapped properties, the
// provenance stamp and the embedding vectors. Created-vs-updated is read off
// the query statistics.
func (s *falkorStore) MergeNode(ctx context.Context, kbID string, node mapping.NodeRecord, prov Provenance, vectors *embedding.NodeVectors) (MergeOutcome, error) {
	if !identRe.MatchString(node.Label) {
		return MergeOutcome{}, fmt.Errorf("invalid node label %q", node.Label)
	}

	params := map[string]interface{}{
		"key":        node.Key,
		"kb_id":      prov.KBID,
		"source_id":  prov.SourceID,
		"run_id":     prov.RunID,
		"updated_at": prov.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}

	var b strings.Builder
	fmt.Fprintf(&b, "MERGE (n:%s {key: $key})\n", node.Label)
	b.WriteString("SET n.kb_id = $kb_id, n.source_id = $source_id, n.run_id = $run_id, n.updated_at = $updated_at")

	for _, name := range sortedPropNames(node.Properties) {
		if !identRe.MatchString(name) {
			return MergeOutcome{}, fmt.Errorf("invalid property name %q on node %s", name, node.Label)
		}
		param := "p_" + name
		params[param] = paramValue(node.Properties[name])
		fmt.Fprintf(&b, ", n.%s = $%s", name, param)
	}

	if vectors != nil && vectors.Primary != nil {
		params["embedding"] = vectorParam(vectors.Primary)
		b.WriteString(", n.embedding = vecf32($embedding)")
		fmt.Fprintf(&b, ", n.embedding_degraded = %t", vectors.Degraded)
		for _, field := range sortedVectorFields(vectors.PerField) {
			param := "embedding_" + field
			params[param] = vectorParam(vectors.PerField[field])
			fmt.Fprintf(&b, ", n.embedding_%s = vecf32($%s)", field, param)
		}
	}

	result, err := s.client.ExecuteQuery(ctx, kbID, GraphQuery{Query: b.String(), Parameters: params})
	if err != nil {
		return MergeOutcome{}, fmt.Errorf("merging node %s/%s: %w", node.Label, node.Key, err)
	}

	created := result.Stats.NodesCreated > 0
	return MergeOutcome{Created: created, Updated: !created}, nil
}

// MergeEdge matches both endpoints, merges the relationship and stamps
// provenance. The trailing count(r) distinguishes a dropped edge (missing
// endpoint) from an update.
func (s *falkorStore) MergeEdge(ctx context.Context, kbID string, edge mapping.EdgeRecord, prov Provenance) (MergeOutcome, error) {
	for _, ident := range []string{edge.Type, edge.From.Label, edge.To.Label} {
		if !identRe.MatchString(ident) {
			return MergeOutcome{}, fmt.Errorf("invalid identifier %q in edge %s", ident, edge.Type)
		}
	}

	params := map[string]interface{}{
		"from_key":   edge.From.Key,
		"to_key":     edge.To.Key,
		"kb_id":      prov.KBID,
		"source_id":  prov.SourceID,
		"run_id":     prov.RunID,
		"updated_at": prov.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}

	var b strings.Builder
	fmt.Fprintf(&b, "MATCH (a:%s {key: $from_key})\n", edge.From.Label)
	fmt.Fprintf(&b, "MATCH (b:%s {key: $to_key})\n", edge.To.Label)
	fmt.Fprintf(&b, "MERGE (a)-[r:%s]->(b)\n", edge.Type)
	b.WriteString("SET r.kb_id = $kb_id, r.source_id = $source_id, r.run_id = $run_id, r.updated_at = $updated_at")

	for _, name := range sortedPropNames(edge.Properties) {
		if !identRe.MatchString(name) {
			return MergeOutcome{}, fmt.Errorf("invalid property name %q on edge %s", name, edge.Type)
		}
		param := "p_" + name
		params[param] = paramValue(edge.Properties[name])
		fmt.Fprintf(&b, ", r.%s = $%s", name, param)
	}
	b.WriteString("\nRETURN count(r) AS merged")

	result, err := s.client.ExecuteQuery(ctx, kbID, GraphQuery{Query: b.String(), Parameters: params})
	if err != nil {
		return MergeOutcome{}, fmt.Errorf("merging edge %s: %w", edge.Type, err)
	}

	if len(result.Rows) == 0 || ToInt64(result.Rows[0][0]) == 0 {
		return MergeOutcome{}, fmt.Errorf("%s(%s)-[%s]->%s(%s): %w",
			edge.From.Label, edge.From.Key, edge.Type, edge.To.Label, edge.To.Key, ErrEdgeEndpointMissing)
	}

	created := result.Stats.RelationshipsCreated > 0
	return MergeOutcome{Created: created, Updated: !created}, nil
}

// Search runs a caller-supplied read-only Cypher query.
func (s *falkorStore) Search(ctx context.Context, kbID, query string, params map[string]interface{}, timeoutMS int) (*QueryResult, error) {
	if err := EnsureReadOnly(query); err != nil {
		return nil, err
	}
	return s.client.ExecuteQuery(ctx, kbID, GraphQuery{Query: query, Parameters: params, Timeout: timeoutMS})
}

// vectorSearchOverfetch widens per-label candidate sets so that post-filtering
// and cross-label merging still leave topK results.
const vectorSearchOverfetch = 4

// VectorSearch fans out one db.idx.vector.queryNodes call per label, filters
// candidates by the exact-match property filters and merges the per-label
// result sets by descending similarity.
func (s *falkorStore) VectorSearch(ctx context.Context, kbID string, labels []string, vector []float32, topK int, filters map[string]interface{}) ([]SearchHit, error) {
	if topK < 1 {
		topK = 1
	}
	k := topK * vectorSearchOverfetch

	var hits []SearchHit
	for _, label := range labels {
		if !identRe.MatchString(label) {
			return nil, fmt.Errorf("invalid label %q", label)
		}

		query := fmt.Sprintf(
			"CALL db.idx.vector.queryNodes('%s', 'embedding', %d, vecf32($q)) YIELD node, score RETURN node, score",
			label, k)
		result, err := s.client.ExecuteQuery(ctx, kbID, GraphQuery{
			Query:      query,
			Parameters: map[string]interface{}{"q": vectorParam(vector)},
		})
		if err != nil {
			// Labels with no indexed vectors yet simply contribute nothing.
			if strings.Contains(err.Error(), "no such index") || strings.Contains(err.Error(), "not found") {
				s.logger.Debug("no vector index for label %s in kb %s", label, kbID)
				continue
			}
			return nil, fmt.Errorf("vector search on label %s: %w", label, err)
		}

		for _, row := range result.Rows {
			if len(row) < 2 {
				continue
			}
			props, err := ParseNodeFromResult(row[0])
			if err != nil {
				s.logger.Warn("skipping unparseable search hit: %v", err)
				continue
			}
			if !matchesFilters(props, filters) {
				continue
			}
			hits = append(hits, SearchHit{
				Label: label,
				Key:   GetStringProperty(props, "key"),
				// FalkorDB yields cosine distance; expose similarity.
				Score:      1 - ToFloat64(row[1]),
				Properties: scrubInternalProps(props),
			})
		}
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

// Counts returns node and relationship totals.
func (s *falkorStore) Counts(ctx context.Context, kbID string) (GraphCounts, error) {
	nodes, err := s.scalarCount(ctx, kbID, "MATCH (n) RETURN count(n)")
	if err != nil {
		return GraphCounts{}, err
	}
	rels, err := s.scalarCount(ctx, kbID, "MATCH ()-[r]->() RETURN count(r)")
	if err != nil {
		return GraphCounts{}, err
	}
	return GraphCounts{Nodes: nodes, Relationships: rels}, nil
}

func (s *falkorStore) scalarCount(ctx context.Context, kbID, query string) (int64, error) {
	result, err := s.client.ExecuteQuery(ctx, kbID, GraphQuery{Query: query})
	if err != nil {
		// A graph that was never written to does not exist yet.
		if strings.Contains(err.Error(), "empty key") {
			return 0, nil
		}
		return 0, fmt.Errorf("counting: %w", err)
	}
	if len(result.Rows) == 0 || len(result.Rows[0]) == 0 {
		return 0, nil
	}
	return ToInt64(result.Rows[0][0]), nil
}

// DropKB removes the knowledge base's graph.
func (s *falkorStore) DropKB(ctx context.Context, kbID string) error {
	return s.client.DeleteGraph(ctx, kbID)
}

// paramValue converts a mapped property into something the client's parameter
// substitution handles: scalars and scalar arrays pass through, anything
// nested is stored as its JSON encoding.
func paramValue(v interface{}) interface{} {
	switch t := v.(type) {
	case nil, string, bool, int, int64, float64, float32:
		return v
	case []interface{}:
		for _, e := range t {
			switch e.(type) {
			case string, bool, int, int64, float64:
			default:
				return jsonString(v)
			}
		}
		return v
	default:
		return jsonString(v)
	}
}

func jsonString(v interface{}) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

// vectorParam converts a vector to []interface{} for parameter substitution
// inside vecf32().
func vectorParam(vec []float32) []interface{} {
	out := make([]interface{}, len(vec))
	for i, v := range vec {
		out[i] = float64(v)
	}
	return out
}

func sortedPropNames(props map[string]interface{}) []string {
	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func sortedVectorFields(fields map[string][]float32) []string {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func matchesFilters(props map[string]interface{}, filters map[string]interface{}) bool {
	for name, want := range filters {
		got, ok := props[name]
		if !ok {
			return false
		}
		if fmt.Sprintf("%v", got) != fmt.Sprintf("%v", want) {
			return false
		}
	}
	return true
}

// scrubInternalProps drops the embedding vectors from search results; they
// are large and meaningless to callers.
func scrubInternalProps(props map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(props))
	for name, v := range props {
		if name == "embedding" || strings.HasPrefix(name, "embedding_") {
			continue
		}
		out[name] = v
	}
	return out
}
