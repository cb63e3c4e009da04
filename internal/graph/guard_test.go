package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureReadOnly(t *testing.T) {
	tests := []struct {
		name    string
		query   string
		wantErr string
	}{
		{
			name:  "plain match",
			query: "MATCH (d:Document) RETURN d.title LIMIT 10",
		},
		{
			name:  "property named like a write clause",
			query: "MATCH (d:Document) WHERE d.description CONTAINS 'reset' RETURN d",
		},
		{
			name:  "create in a string-free comment is stripped",
			query: "MATCH (d:Document) // CREATE is fine here\nRETURN d",
		},
		{
			name:  "block comment stripped",
			query: "MATCH (d:Document) /* MERGE (x) */ RETURN d",
		},
		{
			name:    "create",
			query:   "CREATE (n:Document {key: 'x'})",
			wantErr: "CREATE",
		},
		{
			name:    "lowercase merge",
			query:   "merge (n:Document {key: 'x'}) return n",
			wantErr: "merge",
		},
		{
			name:    "delete",
			query:   "MATCH (n) DETACH DELETE n",
			wantErr: "DETACH",
		},
		{
			name:    "set",
			query:   "MATCH (n) SET n.x = 1 RETURN n",
			wantErr: "SET",
		},
		{
			name:    "remove",
			query:   "MATCH (n) REMOVE n.x RETURN n",
			wantErr: "REMOVE",
		},
		{
			name:    "db procedure call",
			query:   "CALL db.idx.vector.queryNodes('Document', 'embedding', 5, vecf32($q)) YIELD node RETURN node",
			wantErr: "CALL db.",
		},
		{
			name:    "write clause hidden behind a comment on the same line",
			query:   "MATCH (n) RETURN n\nMERGE (m:X) // harmless",
			wantErr: "MERGE",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := EnsureReadOnly(tt.query)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			var wfe *WriteForbiddenError
			require.ErrorAs(t, err, &wfe)
			assert.Contains(t, wfe.Clause, tt.wantErr)
		})
	}
}
