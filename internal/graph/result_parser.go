package graph

import (
	"fmt"

	"github.com/FalkorDB/falkordb-go/v2"
)

// ParseNodeFromResult extracts node properties from a FalkorDB query result value
// With the FalkorDB Go client, nodes are returned as falkordb.Node objects
func ParseNodeFromResult(nodeValue interface{}) (map[string]interface{}, error) {
	// Handle nil values (from OPTIONAL MATCH)
	if nodeValue == nil {
		return make(map[string]interface{}), nil
	}

	if node, ok := nodeValue.(falkordb.Node); ok {
		return node.Properties, nil
	}

	// Also handle pointer to Node
	if node, ok := nodeValue.(*falkordb.Node); ok {
		return node.Properties, nil
	}

	// Fallback: if it's already a map, return it
	if propsMap, ok := nodeValue.(map[string]interface{}); ok {
		return propsMap, nil
	}

	return nil, fmt.Errorf("unexpected node type: %T", nodeValue)
}

// ParseEdgeFromResult extracts edge type and properties from a FalkorDB query
// result value
func ParseEdgeFromResult(edgeValue interface{}) (edgeType string, properties map[string]interface{}, err error) {
	if edge, ok := edgeValue.(falkordb.Edge); ok {
		return edge.Relation, edge.Properties, nil
	}

	// Also handle pointer to Edge
	if edge, ok := edgeValue.(*falkordb.Edge); ok {
		return edge.Relation, edge.Properties, nil
	}

	return "", nil, fmt.Errorf("unexpected edge type: %T", edgeValue)
}

// GetStringProperty safely extracts a string property
func GetStringProperty(props map[string]interface{}, key string) string {
	if val, ok := props[key].(string); ok {
		return val
	}
	return ""
}

// GetInt64Property safely extracts an int64 property
func GetInt64Property(props map[string]interface{}, key string) int64 {
	return ToInt64(props[key])
}

// GetFloat64Property safely extracts a float64 property
func GetFloat64Property(props map[string]interface{}, key string) float64 {
	return ToFloat64(props[key])
}

// ToInt64 converts a result cell to int64; the client returns numbers as
// int64 or float64 depending on the query
func ToInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case float64:
		return int64(t)
	case int:
		return int64(t)
	}
	return 0
}

// ToFloat64 converts a result cell to float64
func ToFloat64(v interface{}) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case int64:
		return float64(t)
	case int:
		return float64(t)
	}
	return 0.0
}
