// Package mcp exposes the orchestrator's operations as MCP tools over stdio
// so agent runtimes can drive ingestion and query the graph.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/moolen/loom/internal/logging"
	"github.com/moolen/loom/internal/orchestrator"
)

// toolFunc is the signature all tool handlers share.
type toolFunc func(ctx context.Context, input json.RawMessage) (interface{}, error)

// Server wraps the mcp-go server around the orchestrator service.
type Server struct {
	mcpServer *server.MCPServer
	svc       *orchestrator.Service
	logger    *logging.Logger
}

// NewServer creates the MCP server and registers all tools.
func NewServer(svc *orchestrator.Service, version string) *Server {
	s := &Server{
		mcpServer: server.NewMCPServer(
			"Loom MCP Server",
			version,
			server.WithToolCapabilities(false),
			server.WithLogging(),
		),
		svc:    svc,
		logger: logging.GetLogger("mcp.server"),
	}
	s.registerTools()
	return s
}

// ServeStdio blocks serving the MCP protocol on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcpServer)
}

// GetMCPServer returns the underlying mcp-go server for transport setup
func (s *Server) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) registerTools() {
	s.registerTool(
		"register_schema",
		"Register or update the schema of a knowledge base. Returns the schema version and validation warnings.",
		s.handleRegisterSchema,
		map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"kb_id": map[string]interface{}{
					"type":        "string",
					"description": "Knowledge base identifier",
				},
				"schema_yaml": map[string]interface{}{
					"type":        "string",
					"description": "The schema document in YAML",
				},
			},
			"required": []string{"kb_id", "schema_yaml"},
		},
	)

	s.registerTool(
		"add_source",
		"Register a connector source on a knowledge base. The source_id selects the mapping of the same name in the schema.",
		s.handleAddSource,
		map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"kb_id":         map[string]interface{}{"type": "string", "description": "Knowledge base identifier"},
				"source_id":     map[string]interface{}{"type": "string", "description": "Source identifier, must match a mapping in the schema"},
				"connector_url": map[string]interface{}{"type": "string", "description": "Base URL of the connector"},
				"auth_ref": map[string]interface{}{
					"type":        "string",
					"description": "Optional: name of the credential resolved from the environment",
				},
			},
			"required": []string{"kb_id", "source_id", "connector_url"},
		},
	)

	s.registerTool(
		"ingest",
		"Pull a source and merge its documents into the graph. Blocks until the run finishes and returns the run report.",
		s.handleIngest,
		map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"kb_id":     map[string]interface{}{"type": "string", "description": "Knowledge base identifier"},
				"source_id": map[string]interface{}{"type": "string", "description": "Source to pull"},
				"since": map[string]interface{}{
					"type":        "string",
					"description": "Optional: incremental cursor from a previous pull",
				},
			},
			"required": []string{"kb_id", "source_id"},
		},
	)

	s.registerTool(
		"search_graph",
		"Run a read-only Cypher query against a knowledge base. Queries with write clauses are rejected.",
		s.handleSearchGraph,
		map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"kb_id": map[string]interface{}{"type": "string", "description": "Knowledge base identifier"},
				"query": map[string]interface{}{"type": "string", "description": "Cypher query (read clauses only)"},
				"params": map[string]interface{}{
					"type":        "object",
					"description": "Optional: query parameters",
				},
				"timeout_ms": map[string]interface{}{
					"type":        "integer",
					"description": "Optional: query timeout in milliseconds",
				},
			},
			"required": []string{"kb_id", "query"},
		},
	)

	s.registerTool(
		"semantic_search",
		"Embed the query text and return the most similar nodes across the knowledge base's labels, ordered by descending cosine similarity (score: larger is closer).",
		s.handleSemanticSearch,
		map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"kb_id": map[string]interface{}{"type": "string", "description": "Knowledge base identifier"},
				"query": map[string]interface{}{"type": "string", "description": "Natural-language query text"},
				"top_k": map[string]interface{}{"type": "integer", "description": "Optional: number of results (default 10)"},
				"labels": map[string]interface{}{
					"type":        "array",
					"items":       map[string]interface{}{"type": "string"},
					"description": "Optional: restrict the search to these labels",
				},
				"filters": map[string]interface{}{
					"type":        "object",
					"description": "Optional: exact-match property filters",
				},
			},
			"required": []string{"kb_id", "query"},
		},
	)

	s.registerTool(
		"sync_status",
		"Report run state, health and graph size of one or all knowledge bases.",
		s.handleSyncStatus,
		map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"kb_id": map[string]interface{}{
					"type":        "string",
					"description": "Optional: a single knowledge base; empty reports all",
				},
			},
		},
	)

	s.registerTool(
		"cancel_run",
		"Request cancellation of an ingestion run. Cancelling a finished run reports its terminal state.",
		s.handleCancelRun,
		map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"run_id": map[string]interface{}{"type": "string", "description": "The run to cancel"},
			},
			"required": []string{"run_id"},
		},
	)
}

func (s *Server) registerTool(name, description string, fn toolFunc, inputSchema map[string]interface{}) {
	schemaJSON, err := json.Marshal(inputSchema)
	if err != nil {
		// This should never happen with well-formed schemas
		panic(fmt.Sprintf("Failed to marshal schema for tool %s: %v", name, err))
	}

	mcpTool := mcp.NewToolWithRawSchema(name, description, schemaJSON)
	s.mcpServer.AddTool(mcpTool, s.createToolHandler(name, fn))
}

func (s *Server) createToolHandler(name string, fn toolFunc) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, err := json.Marshal(request.Params.Arguments)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Invalid arguments: %v", err)), nil
		}

		result, err := fn(ctx, args)
		if err != nil {
			s.logger.Warn("tool %s failed: %v", name, err)
			return mcp.NewToolResultError(err.Error()), nil
		}

		resultJSON, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to format result: %v", err)), nil
		}
		return mcp.NewToolResultText(string(resultJSON)), nil
	}
}
