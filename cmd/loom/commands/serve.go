package commands

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/moolen/loom/internal/config"
	"github.com/moolen/loom/internal/graph"
	"github.com/moolen/loom/internal/logging"
	"github.com/moolen/loom/internal/mcp"
	"github.com/moolen/loom/internal/metrics"
	"github.com/moolen/loom/internal/orchestrator"
	"github.com/moolen/loom/internal/run"
	"github.com/moolen/loom/internal/schema"
	"github.com/moolen/loom/internal/tracing"
)

var (
	transportType   string
	httpAddr        string
	mcpEndpointPath string
	storeBackend    string
	sourcesFile     string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the ingestion orchestrator",
	Long: `Start the orchestrator: connect to FalkorDB, register the knowledge
bases declared in the sources file (hot-reloaded on change), and expose the
operations as MCP tools.

Supports two transport modes:
  - http: HTTP server mode (default), with /health and /metrics endpoints
  - stdio: Standard input/output mode (for subprocess-based MCP clients)`,
	Run: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&transportType, "transport", "http", "Transport type: http or stdio")
	serveCmd.Flags().StringVar(&httpAddr, "http-addr", getEnv("LOOM_HTTP_ADDR", ":8080"), "HTTP server address (host:port)")
	serveCmd.Flags().StringVar(&mcpEndpointPath, "mcp-endpoint", getEnv("LOOM_MCP_ENDPOINT", "/mcp"), "HTTP endpoint path for MCP requests")
	serveCmd.Flags().StringVar(&storeBackend, "store", "falkordb", "Graph store backend: falkordb or memory (for local development)")
	serveCmd.Flags().StringVar(&sourcesFile, "sources", "", "Path to the sources YAML file (overrides SOURCES_FILE)")
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func runServe(cmd *cobra.Command, args []string) {
	if err := setupLog(logLevelFlags); err != nil {
		HandleError(err, "Failed to setup logging")
	}
	logger := logging.GetLogger("serve")

	cfg := config.FromEnv()
	if sourcesFile != "" {
		cfg.SourcesFilePath = sourcesFile
	}
	if err := cfg.Validate(); err != nil {
		HandleError(err, "Configuration error")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Tracing is optional; a failed exporter setup is fatal only when enabled.
	tracer, err := tracing.NewProvider(tracing.Config{
		Enabled:   cfg.TracingEnabled,
		Endpoint:  cfg.TracingEndpoint,
		TLSCAPath: cfg.TracingTLSCAPath,
	})
	if err != nil {
		HandleError(err, "Failed to initialize tracing")
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := tracer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("tracing shutdown: %v", err)
		}
	}()

	store, closeStore, err := buildStore(ctx, cfg)
	if err != nil {
		HandleError(err, "Failed to connect to graph store")
	}
	defer closeStore()

	svc := orchestrator.NewService(
		schema.NewRegistry(),
		store,
		run.NewManager(cfg.RunHistoryMax),
		metrics.NewMetrics(prometheus.DefaultRegisterer),
		orchestrator.Config{
			EmbeddingPoolMax: cfg.EmbeddingPoolMax,
			ConnectorTimeout: time.Duration(cfg.ConnectorTimeoutMS) * time.Millisecond,
			EmbedTimeout:     time.Duration(cfg.EmbedTimeoutMS) * time.Millisecond,
			DocTimeout:       time.Duration(cfg.DocTimeoutMS) * time.Millisecond,
			OllamaBaseURL:    cfg.OllamaBaseURL,
			OpenAIAPIKey:     cfg.OpenAIAPIKey,
		},
	)
	if tracer.IsEnabled() {
		svc.SetTracer(tracer.GetTracer("orchestrator"))
	}

	// The sources file bootstraps knowledge bases and keeps them in sync on
	// edit. Without one, everything is registered through the MCP tools.
	if cfg.SourcesFilePath != "" {
		dir := filepath.Dir(cfg.SourcesFilePath)
		watcher, err := config.NewSourcesWatcher(
			config.SourcesWatcherConfig{FilePath: cfg.SourcesFilePath},
			func(sf *config.SourcesFile) error {
				for _, applyErr := range svc.ApplySources(ctx, dir, sf) {
					logger.Warn("sources file: %v", applyErr)
				}
				return nil
			},
		)
		if err != nil {
			HandleError(err, "Failed to create sources watcher")
		}
		if err := watcher.Start(ctx); err != nil {
			HandleError(err, "Failed to load sources file")
		}
		defer func() {
			if err := watcher.Stop(); err != nil {
				logger.Warn("sources watcher stop: %v", err)
			}
		}()
	}

	mcpServer := mcp.NewServer(svc, Version)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("Received signal: %v, shutting down gracefully...", sig)
		cancel()
	}()

	switch transportType {
	case "stdio":
		logger.Info("Starting MCP server on stdio")
		if err := mcpServer.ServeStdio(); err != nil {
			HandleError(err, "MCP stdio server error")
		}

	case "http":
		endpointPath := mcpEndpointPath
		if endpointPath == "" {
			endpointPath = "/mcp"
		} else if endpointPath[0] != '/' {
			endpointPath = "/" + endpointPath
		}
		logger.Info("Starting HTTP server on %s (endpoint: %s)", httpAddr, endpointPath)

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/plain")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})

		httpSrv := &http.Server{
			Addr:              httpAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second, // Prevent Slowloris attacks
		}

		// Stateless mode for compatibility with clients that don't manage
		// sessions.
		streamableServer := server.NewStreamableHTTPServer(
			mcpServer.GetMCPServer(),
			server.WithEndpointPath(endpointPath),
			server.WithStateLess(true),
			server.WithStreamableHTTPServer(httpSrv),
		)
		mux.Handle(endpointPath, streamableServer)

		errCh := make(chan error, 1)
		go func() {
			if err := streamableServer.Start(httpAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()

		select {
		case err := <-errCh:
			HandleError(err, "HTTP server error")
		case <-ctx.Done():
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()
			if err := httpSrv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("HTTP server shutdown: %v", err)
			}
		}

	default:
		HandleError(errors.New("unknown transport: "+transportType), "Invalid --transport")
	}

	logger.Info("Shutdown complete")
}

// buildStore connects the configured graph backend.
func buildStore(ctx context.Context, cfg *config.Config) (graph.Store, func(), error) {
	if storeBackend == "memory" {
		return graph.NewMemStore(), func() {}, nil
	}

	client := graph.NewClient(graph.ClientConfig{
		Addr:         cfg.GraphURI,
		Username:     cfg.GraphUser,
		Password:     cfg.GraphPassword,
		GraphPrefix:  cfg.GraphDatabase,
		MaxRetries:   3,
		DialTimeout:  30 * time.Second,
		ReadTimeout:  120 * time.Second,
		WriteTimeout: 120 * time.Second,
		PoolSize:     10,
	})
	if err := client.Connect(ctx); err != nil {
		return nil, nil, err
	}
	closeFn := func() {
		if err := client.Close(); err != nil {
			logging.GetLogger("serve").Warn("closing graph client: %v", err)
		}
	}
	return graph.NewStore(client), closeFn, nil
}
