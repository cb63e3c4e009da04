package graph

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/FalkorDB/falkordb-go/v2"

	"github.com/moolen/loom/internal/logging"
)

// Client provides an interface for interacting with FalkorDB. Every
// knowledge base lives in its own graph, named <prefix>_<kb_id>, so queries
// always carry the knowledge base they operate on.
type Client interface {
	// Connect establishes connection to FalkorDB
	Connect(ctx context.Context) error

	// Close closes the connection
	Close() error

	// Ping checks if the connection is alive
	Ping(ctx context.Context) error

	// ExecuteQuery executes a Cypher query against a knowledge base's graph
	ExecuteQuery(ctx context.Context, kbID string, query GraphQuery) (*QueryResult, error)

	// DeleteGraph completely removes a knowledge base's graph (for testing purposes)
	DeleteGraph(ctx context.Context, kbID string) error
}

// ClientConfig holds configuration for the FalkorDB client
type ClientConfig struct {
	Addr         string        // FalkorDB address, host:port or falkor://host:port
	Username     string        // optional username (requires ACLs on the server)
	Password     string        // optional password
	GraphPrefix  string        // prefix for per-knowledge-base graph names
	MaxRetries   int           // max connection retries
	DialTimeout  time.Duration // connection timeout
	ReadTimeout  time.Duration // read timeout
	WriteTimeout time.Duration // write timeout
	PoolSize     int           // connection pool size
}

// DefaultClientConfig returns default configuration
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Addr:         "localhost:6379",
		Password:     "",
		GraphPrefix:  "loom",
		MaxRetries:   3,
		DialTimeout:  30 * time.Second,
		ReadTimeout:  120 * time.Second,
		WriteTimeout: 120 * time.Second,
		PoolSize:     10,
	}
}

// falkorClient implements the Client interface using FalkorDB Go client
type falkorClient struct {
	config ClientConfig
	logger *logging.Logger
	db     *falkordb.FalkorDB

	mu     sync.Mutex
	graphs map[string]*falkordb.Graph
}

// NewClient creates a new FalkorDB client
func NewClient(config ClientConfig) Client {
	return &falkorClient{
		config: config,
		logger: logging.GetLogger("graph.client"),
		graphs: make(map[string]*falkordb.Graph),
	}
}

// GraphName returns the graph a knowledge base is stored in.
func (c *falkorClient) GraphName(kbID string) string {
	return c.config.GraphPrefix + "_" + kbID
}

// Connect establishes connection to FalkorDB
func (c *falkorClient) Connect(ctx context.Context) error {
	addr := strings.TrimPrefix(c.config.Addr, "falkor://")
	c.logger.Info("Connecting to FalkorDB at %s (graph prefix: %s)", addr, c.config.GraphPrefix)

	// Note: falkordb.ConnectionOption is an alias for redis.Options
	connOpts := &falkordb.ConnectionOption{
		Addr:         addr,
		Username:     c.config.Username,
		Password:     c.config.Password,
		DialTimeout:  c.config.DialTimeout,
		ReadTimeout:  c.config.ReadTimeout,
		WriteTimeout: c.config.WriteTimeout,
		PoolSize:     c.config.PoolSize,
		MaxRetries:   c.config.MaxRetries,
	}

	db, err := falkordb.FalkorDBNew(connOpts)
	if err != nil {
		return fmt.Errorf("failed to create FalkorDB client: %w", err)
	}
	c.db = db

	c.logger.Info("Successfully connected to FalkorDB")
	return nil
}

// Close closes the connection
func (c *falkorClient) Close() error {
	c.logger.Info("Closing FalkorDB connection")
	if c.db != nil && c.db.Conn != nil {
		return c.db.Conn.Close()
	}
	return nil
}

// Ping checks if the connection is alive
func (c *falkorClient) Ping(ctx context.Context) error {
	if c.db == nil {
		return fmt.Errorf("client not connected")
	}
	// FalkorDB client doesn't have a direct Ping method, but we can execute a simple query
	_, err := c.graph(c.config.GraphPrefix).Query("RETURN 1", nil, nil)
	return err
}

// graph returns the handle for a graph name, creating it on first use.
// Selecting a graph does not touch the server; graphs materialize on first
// write.
func (c *falkorClient) graph(name string) *falkordb.Graph {
	c.mu.Lock()
	defer c.mu.Unlock()
	g, ok := c.graphs[name]
	if !ok {
		g = c.db.SelectGraph(name)
		c.graphs[name] = g
	}
	return g
}

// ExecuteQuery executes a Cypher query against a knowledge base's graph
func (c *falkorClient) ExecuteQuery(ctx context.Context, kbID string, query GraphQuery) (*QueryResult, error) {
	if c.db == nil {
		return nil, fmt.Errorf("client not connected")
	}

	// Set query options with timeout if specified
	var options *falkordb.QueryOptions
	if query.Timeout > 0 {
		options = falkordb.NewQueryOptions().SetTimeout(query.Timeout)
	}

	// The FalkorDB client handles parameter substitution internally
	startTime := time.Now()
	result, err := c.graph(c.GraphName(kbID)).Query(query.Query, query.Parameters, options)
	executionTime := time.Since(startTime)

	if err != nil {
		return nil, fmt.Errorf("query execution failed: %w", err)
	}

	queryResult := convertFalkorDBResult(result)
	queryResult.Stats.ExecutionTime = executionTime

	return queryResult, nil
}

// convertFalkorDBResult converts a FalkorDB QueryResult to our QueryResult format
func convertFalkorDBResult(result *falkordb.QueryResult) *QueryResult {
	qr := &QueryResult{
		Columns: []string{},
		Rows:    [][]interface{}{},
		Stats:   QueryStats{},
	}

	// Extract rows - FalkorDB client handles all the parsing for us
	// Column names are extracted from the first record
	firstRow := true
	for result.Next() {
		record := result.Record()

		if firstRow {
			qr.Columns = record.Keys()
			firstRow = false
		}

		qr.Rows = append(qr.Rows, record.Values())
	}

	qr.Stats.NodesCreated = result.NodesCreated()
	qr.Stats.NodesDeleted = result.NodesDeleted()
	qr.Stats.RelationshipsCreated = result.RelationshipsCreated()
	qr.Stats.RelationshipsDeleted = result.RelationshipsDeleted()
	qr.Stats.PropertiesSet = result.PropertiesSet()
	qr.Stats.LabelsAdded = result.LabelsAdded()

	return qr
}

// DeleteGraph completely removes a knowledge base's graph
func (c *falkorClient) DeleteGraph(ctx context.Context, kbID string) error {
	if c.db == nil {
		return fmt.Errorf("client not connected")
	}

	name := c.GraphName(kbID)
	c.logger.Warn("Deleting graph %s", name)
	if err := c.graph(name).Delete(); err != nil {
		// Deleting a graph that was never written to fails with "empty key"
		if strings.Contains(err.Error(), "empty key") {
			return nil
		}
		return fmt.Errorf("failed to delete graph %s: %w", name, err)
	}
	return nil
}
