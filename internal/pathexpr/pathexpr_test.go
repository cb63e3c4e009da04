package pathexpr

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func doc(t *testing.T, raw string) any {
	t.Helper()
	var v any
	require.NoError(t, json.Unmarshal([]byte(raw), &v))
	return v
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		expr string
	}{
		{"empty", ""},
		{"no dollar", ".title"},
		{"unterminated bracket", "$.tags[0"},
		{"negative index", "$.tags[-1]"},
		{"non numeric index", "$.tags[x1!]"},
		{"missing identifier", "$."},
		{"trailing dot", "$.title."},
		{"identifier starts with digit", "$.1abc"},
		{"unexpected character", "$-foo"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.expr)
			assert.Error(t, err, "expr %q", tt.expr)
		})
	}
}

func TestEvaluate(t *testing.T) {
	input := doc(t, `{
		"id": "doc-1",
		"title": "Incident postmortem",
		"author": {"email": "ada@example.com", "name": "Ada"},
		"tags": ["graph", "ops", "graph"],
		"sections": [
			{"heading": "Summary", "refs": [{"id": "r1"}, {"id": "r2"}]},
			{"heading": "Timeline", "refs": [{"id": "r3"}]}
		],
		"meta": {"nested": {"id": "m1"}}
	}`)

	tests := []struct {
		name string
		expr string
		want []any
	}{
		{"root child", "$.id", []any{"doc-1"}},
		{"nested child", "$.author.email", []any{"ada@example.com"}},
		{"missing key", "$.nonexistent", nil},
		{"missing nested key", "$.author.nonexistent.deeper", nil},
		{"wildcard", "$.tags[*]", []any{"graph", "ops", "graph"}},
		{"bare array flattens", "$.tags", []any{"graph", "ops", "graph"}},
		{"index", "$.tags[1]", []any{"ops"}},
		{"index out of range", "$.tags[9]", nil},
		{"wildcard then child", "$.sections[*].heading", []any{"Summary", "Timeline"}},
		{"wildcard chain", "$.sections[*].refs[*].id", []any{"r1", "r2", "r3"}},
		{"index on object is empty", "$.author[0]", nil},
		{"child on scalar is empty", "$.title.sub", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Parse(tt.expr)
			require.NoError(t, err)
			assert.Equal(t, tt.want, p.Evaluate(input))
			assert.Equal(t, tt.expr, p.String())
		})
	}
}

func TestEvaluateRecursiveDescent(t *testing.T) {
	input := doc(t, `{
		"id": "top",
		"sections": [
			{"id": "s1", "refs": [{"id": "r1"}]},
			{"id": "s2"}
		],
		"meta": {"nested": {"id": "m1"}}
	}`)

	p := MustParse("$..id")
	got := p.Evaluate(input)
	// top-level first, then depth-first in sorted-key order
	assert.Equal(t, []any{"top", "m1", "s1", "r1", "s2"}, got)
}

func TestEvaluateIsDeterministic(t *testing.T) {
	input := doc(t, `{"a": {"id": 1}, "z": {"id": 2}, "m": {"id": 3}}`)
	p := MustParse("$..id")

	first := p.Evaluate(input)
	for i := 0; i < 20; i++ {
		assert.Equal(t, first, p.Evaluate(input))
	}
}

func TestFirst(t *testing.T) {
	input := doc(t, `{"tags": ["a", "b"]}`)

	v, ok := MustParse("$.tags").First(input)
	require.True(t, ok)
	assert.Equal(t, "a", v)

	_, ok = MustParse("$.missing").First(input)
	assert.False(t, ok)
}

func TestNullLeafIsKept(t *testing.T) {
	input := doc(t, `{"owner": null}`)
	got := MustParse("$.owner").Evaluate(input)
	assert.Equal(t, []any{nil}, got)
}
