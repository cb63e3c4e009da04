// Package config holds runtime configuration for loom: process-level settings
// loaded from the environment, and the optional sources file (koanf-loaded
// YAML, hot-reloaded via fsnotify) that declares knowledge bases and their
// connectors.
package config

import (
	"os"
	"strconv"
)

// Defaults for tunables that are usually left unset.
const (
	DefaultEmbeddingPoolMax   = 8
	DefaultConnectorTimeoutMS = 60000
	DefaultEmbedTimeoutMS     = 30000
	DefaultDocTimeoutMS       = 120000
	DefaultRunHistoryMax      = 100
)

// Config holds all configuration for the application
type Config struct {
	// GraphURI is the FalkorDB address, host:port or falkor://host:port
	GraphURI string

	// GraphUser is the optional graph database username
	GraphUser string

	// GraphPassword is the optional graph database password
	GraphPassword string

	// GraphDatabase is the graph name prefix; each knowledge base gets its
	// own graph named <GraphDatabase>_<kb_id>
	GraphDatabase string

	// SourcesFilePath is the path to the YAML file declaring knowledge bases
	// and sources to register at startup (optional)
	SourcesFilePath string

	// LogLevel is the logging level (debug, info, warn, error)
	LogLevel string

	// EmbeddingPoolMax caps concurrent embedding requests
	EmbeddingPoolMax int

	// ConnectorTimeoutMS bounds a single connector HTTP request
	ConnectorTimeoutMS int

	// EmbedTimeoutMS bounds a single embedding provider request
	EmbedTimeoutMS int

	// DocTimeoutMS is the soft per-document processing deadline in an ingest run
	DocTimeoutMS int

	// RunHistoryMax is the number of terminal runs retained per knowledge base
	RunHistoryMax int

	// OllamaBaseURL overrides the ollama server address (default http://localhost:11434)
	OllamaBaseURL string

	// OpenAIAPIKey authenticates openai:* embedding providers
	OpenAIAPIKey string

	// TracingEnabled indicates whether OpenTelemetry tracing is enabled
	TracingEnabled bool

	// TracingEndpoint is the OTLP gRPC endpoint for trace export
	TracingEndpoint string

	// TracingTLSCAPath is the path to the CA certificate for TLS verification
	TracingTLSCAPath string
}

// FromEnv builds a Config from environment variables, applying defaults for
// anything unset.
func FromEnv() *Config {
	return &Config{
		GraphURI:           envString("GRAPH_URI", "localhost:6379"),
		GraphUser:          os.Getenv("GRAPH_USER"),
		GraphPassword:      os.Getenv("GRAPH_PASSWORD"),
		GraphDatabase:      envString("GRAPH_DATABASE", "loom"),
		SourcesFilePath:    os.Getenv("SOURCES_FILE"),
		LogLevel:           envString("LOG_LEVEL", "info"),
		EmbeddingPoolMax:   envInt("EMBEDDING_POOL_MAX", DefaultEmbeddingPoolMax),
		ConnectorTimeoutMS: envInt("CONNECTOR_TIMEOUT_MS", DefaultConnectorTimeoutMS),
		EmbedTimeoutMS:     envInt("EMBED_TIMEOUT_MS", DefaultEmbedTimeoutMS),
		DocTimeoutMS:       envInt("DOC_TIMEOUT_MS", DefaultDocTimeoutMS),
		RunHistoryMax:      envInt("RUN_HISTORY_MAX", DefaultRunHistoryMax),
		OllamaBaseURL:      os.Getenv("OLLAMA_BASE_URL"),
		OpenAIAPIKey:       os.Getenv("OPENAI_API_KEY"),
		TracingEnabled:     envBool("TRACING_ENABLED", false),
		TracingEndpoint:    os.Getenv("TRACING_ENDPOINT"),
		TracingTLSCAPath:   os.Getenv("TRACING_TLS_CA_PATH"),
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.GraphURI == "" {
		return NewConfigError("GraphURI must not be empty")
	}

	if c.GraphDatabase == "" {
		return NewConfigError("GraphDatabase must not be empty")
	}

	if c.EmbeddingPoolMax < 1 {
		return NewConfigError("EmbeddingPoolMax must be at least 1")
	}

	if c.ConnectorTimeoutMS < 1 {
		return NewConfigError("ConnectorTimeoutMS must be at least 1")
	}

	if c.EmbedTimeoutMS < 1 {
		return NewConfigError("EmbedTimeoutMS must be at least 1")
	}

	if c.DocTimeoutMS < 1 {
		return NewConfigError("DocTimeoutMS must be at least 1")
	}

	if c.RunHistoryMax < 1 {
		return NewConfigError("RunHistoryMax must be at least 1")
	}

	if c.TracingEnabled && c.TracingEndpoint == "" {
		return NewConfigError("TracingEndpoint must be set when tracing is enabled")
	}

	return nil
}

// ConfigError represents a configuration error
type ConfigError struct {
	message string
}

// NewConfigError creates a new configuration error
func NewConfigError(message string) *ConfigError {
	return &ConfigError{message: message}
}

// Error returns the error message
func (e *ConfigError) Error() string {
	return e.message
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
