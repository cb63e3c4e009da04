package graph

import (
	"time"
)

// GraphQuery represents a Cypher query with parameters
type GraphQuery struct {
	Query      string                 `json:"query"`
	Parameters map[string]interface{} `json:"parameters"`
	Timeout    int                    `json:"timeout,omitempty"` // Timeout in milliseconds (0 = default)
}

// QueryResult represents the result of a graph query
type QueryResult struct {
	Columns []string        `json:"columns"`
	Rows    [][]interface{} `json:"rows"`
	Stats   QueryStats      `json:"stats"`
}

// QueryStats represents query execution statistics
type QueryStats struct {
	NodesCreated         int           `json:"nodesCreated"`
	NodesDeleted         int           `json:"nodesDeleted"`
	RelationshipsCreated int           `json:"relationshipsCreated"`
	RelationshipsDeleted int           `json:"relationshipsDeleted"`
	PropertiesSet        int           `json:"propertiesSet"`
	LabelsAdded          int           `json:"labelsAdded"`
	ExecutionTime        time.Duration `json:"executionTime"`
}

// Provenance is stamped onto every node and relationship a run writes.
type Provenance struct {
	KBID      string    `json:"kbId"`
	SourceID  string    `json:"sourceId"`
	RunID     string    `json:"runId"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// SearchHit is one result of a vector similarity search. Score is cosine
// similarity: larger is closer.
type SearchHit struct {
	Label      string                 `json:"label"`
	Key        string                 `json:"key"`
	Score      float64                `json:"score"`
	Properties map[string]interface{} `json:"properties"`
}

// MergeOutcome reports whether a merge created or updated its target.
type MergeOutcome struct {
	Created bool `json:"created"`
	Updated bool `json:"updated"`
}

// GraphCounts summarizes the size of one knowledge base's graph.
type GraphCounts struct {
	Nodes         int64 `json:"nodes"`
	Relationships int64 `json:"relationships"`
}
