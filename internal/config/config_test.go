package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		GraphURI:           "localhost:6379",
		GraphDatabase:      "loom",
		LogLevel:           "info",
		EmbeddingPoolMax:   DefaultEmbeddingPoolMax,
		ConnectorTimeoutMS: DefaultConnectorTimeoutMS,
		EmbedTimeoutMS:     DefaultEmbedTimeoutMS,
		DocTimeoutMS:       DefaultDocTimeoutMS,
		RunHistoryMax:      DefaultRunHistoryMax,
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "valid config",
			mutate: func(c *Config) {},
		},
		{
			name:    "missing graph uri",
			mutate:  func(c *Config) { c.GraphURI = "" },
			wantErr: "GraphURI",
		},
		{
			name:    "missing graph database",
			mutate:  func(c *Config) { c.GraphDatabase = "" },
			wantErr: "GraphDatabase",
		},
		{
			name:    "zero embedding pool",
			mutate:  func(c *Config) { c.EmbeddingPoolMax = 0 },
			wantErr: "EmbeddingPoolMax",
		},
		{
			name:    "zero doc timeout",
			mutate:  func(c *Config) { c.DocTimeoutMS = 0 },
			wantErr: "DocTimeoutMS",
		},
		{
			name:    "zero run history",
			mutate:  func(c *Config) { c.RunHistoryMax = 0 },
			wantErr: "RunHistoryMax",
		},
		{
			name:    "tracing enabled without endpoint",
			mutate:  func(c *Config) { c.TracingEnabled = true },
			wantErr: "TracingEndpoint",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestFromEnvDefaults(t *testing.T) {
	cfg := FromEnv()

	assert.Equal(t, "localhost:6379", cfg.GraphURI)
	assert.Equal(t, "loom", cfg.GraphDatabase)
	assert.Equal(t, DefaultEmbeddingPoolMax, cfg.EmbeddingPoolMax)
	assert.Equal(t, DefaultDocTimeoutMS, cfg.DocTimeoutMS)
	assert.Equal(t, DefaultRunHistoryMax, cfg.RunHistoryMax)
	assert.NoError(t, cfg.Validate())
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("GRAPH_URI", "falkordb:6380")
	t.Setenv("EMBEDDING_POOL_MAX", "4")
	t.Setenv("RUN_HISTORY_MAX", "not-a-number")

	cfg := FromEnv()

	assert.Equal(t, "falkordb:6380", cfg.GraphURI)
	assert.Equal(t, 4, cfg.EmbeddingPoolMax)
	// invalid numeric values fall back to the default
	assert.Equal(t, DefaultRunHistoryMax, cfg.RunHistoryMax)
}
