package mcp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moolen/loom/internal/graph"
	"github.com/moolen/loom/internal/metrics"
	"github.com/moolen/loom/internal/orchestrator"
	"github.com/moolen/loom/internal/run"
	"github.com/moolen/loom/internal/schema"
)

const testSchemaYAML = `embedding:
  provider: ollama:mxbai-embed-large
  chunking:
    strategy: paragraph
    max_tokens: 256
nodes:
  - label: Document
    key: id
    props: [id, title]
mappings:
  sources:
    - source_id: src1
      document_type: doc
      extract:
        node: Document
        assign:
          id: $.id
          title: $.title
`

func newTestServer(t *testing.T) *Server {
	t.Helper()
	svc := orchestrator.NewService(
		schema.NewRegistry(),
		graph.NewMemStore(),
		run.NewManager(10),
		metrics.NewMetrics(prometheus.NewRegistry()),
		orchestrator.Config{EmbeddingPoolMax: 2, ConnectorTimeout: time.Second},
	)
	return NewServer(svc, "test")
}

func mustJSON(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func TestHandleRegisterSchema(t *testing.T) {
	s := newTestServer(t)

	result, err := s.handleRegisterSchema(context.Background(), mustJSON(t, map[string]string{
		"kb_id":       "docs",
		"schema_yaml": testSchemaYAML,
	}))
	require.NoError(t, err)

	reg, ok := result.(*orchestrator.RegisterSchemaResult)
	require.True(t, ok)
	assert.Equal(t, 1, reg.SchemaVersion)
	assert.True(t, reg.Created)

	// Broken YAML surfaces as a tool error, not a crash.
	_, err = s.handleRegisterSchema(context.Background(), mustJSON(t, map[string]string{
		"kb_id":       "docs",
		"schema_yaml": "nodes: [",
	}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SCHEMA_INVALID")
}

func TestHandleAddSource(t *testing.T) {
	s := newTestServer(t)

	conn := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	}))
	defer conn.Close()

	_, err := s.handleRegisterSchema(context.Background(), mustJSON(t, map[string]string{
		"kb_id": "docs", "schema_yaml": testSchemaYAML,
	}))
	require.NoError(t, err)

	result, err := s.handleAddSource(context.Background(), mustJSON(t, map[string]string{
		"kb_id": "docs", "source_id": "src1", "connector_url": conn.URL,
	}))
	require.NoError(t, err)
	added, ok := result.(*orchestrator.AddSourceResult)
	require.True(t, ok)
	assert.Empty(t, added.Warnings)

	// Unknown knowledge base.
	_, err = s.handleAddSource(context.Background(), mustJSON(t, map[string]string{
		"kb_id": "ghost", "source_id": "src1", "connector_url": conn.URL,
	}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NOT_FOUND")
}

func TestHandleSearchGraphRejectsWrites(t *testing.T) {
	s := newTestServer(t)
	_, err := s.handleRegisterSchema(context.Background(), mustJSON(t, map[string]string{
		"kb_id": "docs", "schema_yaml": testSchemaYAML,
	}))
	require.NoError(t, err)

	_, err = s.handleSearchGraph(context.Background(), mustJSON(t, map[string]interface{}{
		"kb_id": "docs",
		"query": "MATCH (n) DETACH DELETE n",
	}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "WRITE_FORBIDDEN")

	result, err := s.handleSearchGraph(context.Background(), mustJSON(t, map[string]interface{}{
		"kb_id": "docs",
		"query": "MATCH (n:Document) RETURN n.title",
	}))
	require.NoError(t, err)
	assert.IsType(t, &graph.QueryResult{}, result)
}

func TestHandleSyncStatus(t *testing.T) {
	s := newTestServer(t)
	_, err := s.handleRegisterSchema(context.Background(), mustJSON(t, map[string]string{
		"kb_id": "docs", "schema_yaml": testSchemaYAML,
	}))
	require.NoError(t, err)

	result, err := s.handleSyncStatus(context.Background(), mustJSON(t, map[string]string{}))
	require.NoError(t, err)

	payload, ok := result.(map[string]interface{})
	require.True(t, ok)
	statuses, ok := payload["knowledge_bases"].([]run.KBStatus)
	require.True(t, ok)
	require.Len(t, statuses, 1)
	assert.Equal(t, "docs", statuses[0].KBID)
}

func TestHandleCancelRunUnknown(t *testing.T) {
	s := newTestServer(t)
	_, err := s.handleCancelRun(context.Background(), mustJSON(t, map[string]string{"run_id": "missing"}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NOT_FOUND")
}

func TestHandleInvalidArguments(t *testing.T) {
	s := newTestServer(t)
	_, err := s.handleIngest(context.Background(), json.RawMessage(`{"kb_id": 42}`))
	require.Error(t, err)
}
