package mapping

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moolen/loom/internal/schema"
)

const testSchemaYAML = `embedding:
  provider: ollama:mxbai-embed-large
  chunking:
    strategy: paragraph
    max_tokens: 512
    overlap: 50
nodes:
  - label: Document
    key: id
    props: [id, title, content]
  - label: Person
    key: email
    props: [name, email]
  - label: Tag
    key: name
    props: [name]
relationships:
  - type: AUTHORED_BY
    from: Document
    to: Person
  - type: TAGGED
    from: Document
    to: Tag
mappings:
  sources:
    - source_id: src1
      document_type: article
      extract:
        node: Document
        assign:
          id: $.id
          title: $.title
          content: $.content
      edges:
        - type: AUTHORED_BY
          from:
            node: Document
            key: $.id
          to:
            node: Person
            key: $.author.email
            props:
              email: $.author.email
              name: $.author.name
        - type: TAGGED
          from:
            node: Document
            key: $.id
          to:
            node: Tag
            key: $.tags[*]
            props:
              name: $.tags[*]
`

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	s, err := schema.Parse([]byte(testSchemaYAML))
	require.NoError(t, err)
	_, err = s.Validate()
	require.NoError(t, err)

	m, ok := s.MappingBySourceID("src1")
	require.True(t, ok)

	e, err := NewEngine(s, m)
	require.NoError(t, err)
	return e
}

func doc(t *testing.T, raw string) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(raw), &m))
	return m
}

func TestApplyPrimaryAndSecondary(t *testing.T) {
	e := newTestEngine(t)
	d := doc(t, `{
		"id": "d1",
		"title": "T1",
		"content": "C1",
		"author": {"name": "A", "email": "a@x"},
		"tags": ["graph", "ops"]
	}`)

	result, err := e.Apply(d)
	require.NoError(t, err)

	require.Len(t, result.Nodes, 4)

	primary := result.Nodes[0]
	assert.Equal(t, "Document", primary.Label)
	assert.Equal(t, "d1", primary.Key)
	assert.Equal(t, map[string]any{"id": "d1", "title": "T1", "content": "C1"}, primary.Properties)

	person := result.Nodes[1]
	assert.Equal(t, "Person", person.Label)
	assert.Equal(t, "a@x", person.Key)
	assert.Equal(t, map[string]any{"email": "a@x", "name": "A"}, person.Properties)

	assert.Equal(t, "Tag", result.Nodes[2].Label)
	assert.Equal(t, "graph", result.Nodes[2].Key)
	assert.Equal(t, "Tag", result.Nodes[3].Label)
	assert.Equal(t, "ops", result.Nodes[3].Key)

	require.Len(t, result.Edges, 3)
	assert.Equal(t, EdgeRecord{
		Type:       "AUTHORED_BY",
		From:       Endpoint{Label: "Document", Key: "d1"},
		To:         Endpoint{Label: "Person", Key: "a@x"},
		Properties: map[string]any{},
	}, result.Edges[0])
	assert.Equal(t, "TAGGED", result.Edges[1].Type)
	assert.Equal(t, "graph", result.Edges[1].To.Key)
	assert.Equal(t, "ops", result.Edges[2].To.Key)
}

func TestApplyMissingKeyFails(t *testing.T) {
	e := newTestEngine(t)

	for _, raw := range []string{
		`{"title": "no id"}`,
		`{"id": "", "title": "empty id"}`,
		`{"id": null, "title": "null id"}`,
		`{"id": {"nested": true}, "title": "non-scalar id"}`,
	} {
		_, err := e.Apply(doc(t, raw))
		var mapErr *Error
		require.ErrorAs(t, err, &mapErr, "doc %s", raw)
		assert.Equal(t, "missing key", mapErr.Reason)
		assert.Equal(t, "Document", mapErr.Label)
		assert.Equal(t, "$.id", mapErr.Path)
	}
}

func TestApplyNumericKeyIsCoerced(t *testing.T) {
	e := newTestEngine(t)
	result, err := e.Apply(doc(t, `{"id": 42, "title": "T"}`))
	require.NoError(t, err)
	assert.Equal(t, "42", result.Nodes[0].Key)
}

func TestApplyMissingEdgeTargetsAreSkipped(t *testing.T) {
	e := newTestEngine(t)
	result, err := e.Apply(doc(t, `{"id": "d1", "title": "T1"}`))
	require.NoError(t, err)

	// No author, no tags: just the primary node, no edges.
	require.Len(t, result.Nodes, 1)
	assert.Empty(t, result.Edges)
}

func TestApplyFanOutDedup(t *testing.T) {
	e := newTestEngine(t)
	result, err := e.Apply(doc(t, `{"id": "d1", "tags": ["a", "b", "a", "b", "a"]}`))
	require.NoError(t, err)

	// Duplicate targets collapse, first occurrence wins.
	require.Len(t, result.Edges, 2)
	assert.Equal(t, "a", result.Edges[0].To.Key)
	assert.Equal(t, "b", result.Edges[1].To.Key)
	require.Len(t, result.Nodes, 3)
}

func TestApplySecondaryPropsAlignWithTargets(t *testing.T) {
	s, err := schema.Parse([]byte(testSchemaYAML))
	require.NoError(t, err)
	m, ok := s.MappingBySourceID("src1")
	require.True(t, ok)
	// Rewire the AUTHORED_BY edge to fan out over a list of authors.
	m.Edges[0].To.Key = "$.authors[*].email"
	m.Edges[0].To.Props = map[string]string{
		"email": "$.authors[*].email",
		"name":  "$.authors[*].name",
	}

	e, err := NewEngine(s, m)
	require.NoError(t, err)

	result, err := e.Apply(doc(t, `{
		"id": "d1",
		"authors": [
			{"email": "a@x", "name": "A"},
			{"email": "b@x", "name": "B"}
		]
	}`))
	require.NoError(t, err)

	require.Len(t, result.Nodes, 3)
	assert.Equal(t, map[string]any{"email": "a@x", "name": "A"}, result.Nodes[1].Properties)
	assert.Equal(t, map[string]any{"email": "b@x", "name": "B"}, result.Nodes[2].Properties)
}

func TestApplyNoSecondaryWithoutKeyProp(t *testing.T) {
	s, err := schema.Parse([]byte(testSchemaYAML))
	require.NoError(t, err)
	m, ok := s.MappingBySourceID("src1")
	require.True(t, ok)
	// Props that do not carry the Person key: edge is still emitted but no
	// secondary node materializes.
	m.Edges[0].To.Props = map[string]string{"name": "$.author.name"}

	e, err := NewEngine(s, m)
	require.NoError(t, err)

	result, err := e.Apply(doc(t, `{"id": "d1", "author": {"email": "a@x", "name": "A"}}`))
	require.NoError(t, err)

	require.Len(t, result.Nodes, 1)
	require.Len(t, result.Edges, 1)
	assert.Equal(t, "a@x", result.Edges[0].To.Key)
}

func TestApplyIsDeterministic(t *testing.T) {
	e := newTestEngine(t)
	raw := `{
		"id": "d1", "title": "T1", "content": "C1",
		"author": {"name": "A", "email": "a@x"},
		"tags": ["x", "y", "z"]
	}`

	first, err := e.Apply(doc(t, raw))
	require.NoError(t, err)
	firstRepr := fmt.Sprintf("%#v", first)

	for i := 0; i < 50; i++ {
		next, err := e.Apply(doc(t, raw))
		require.NoError(t, err)
		assert.Equal(t, firstRepr, fmt.Sprintf("%#v", next))
	}
}
