// Package orchestrator implements the public operations of the ingestion
// service: schema registration, source management, ingestion runs, graph and
// semantic search, and sync status.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/moolen/loom/internal/connector"
	"github.com/moolen/loom/internal/embedding"
	"github.com/moolen/loom/internal/graph"
	"github.com/moolen/loom/internal/logging"
	"github.com/moolen/loom/internal/metrics"
	"github.com/moolen/loom/internal/run"
	"github.com/moolen/loom/internal/schema"
)

// Config carries the tunables of the service.
type Config struct {
	EmbeddingPoolMax int
	ConnectorTimeout time.Duration
	EmbedTimeout     time.Duration
	DocTimeout       time.Duration
	OllamaBaseURL    string
	OpenAIAPIKey     string
}

// PullClient is the connector surface ingestion needs.
type PullClient interface {
	Pull(ctx context.Context, since string) (*connector.PullResponse, error)
	Health(ctx context.Context) error
}

// Service wires the registry, graph store, embedding pipelines and run
// manager into the public operations.
type Service struct {
	registry *schema.Registry
	store    graph.Store
	runs     *run.Manager
	metrics  *metrics.Metrics
	cfg      Config
	logger   *logging.Logger
	tracer   trace.Tracer // optional, set via SetTracer

	mu        sync.Mutex
	pipelines map[string]*embedding.Pipeline

	// newPipeline, newConnector and credentials are replaceable in tests.
	newPipeline  func(providerSpec string) (*embedding.Pipeline, error)
	newConnector func(baseURL string, cred connector.Credential) PullClient
	credentials  func(authRef string) connector.Credential
}

// NewService creates the service with production wiring.
func NewService(registry *schema.Registry, store graph.Store, runs *run.Manager, m *metrics.Metrics, cfg Config) *Service {
	s := &Service{
		registry:  registry,
		store:     store,
		runs:      runs,
		metrics:   m,
		cfg:       cfg,
		logger:    logging.GetLogger("orchestrator"),
		pipelines: make(map[string]*embedding.Pipeline),
	}
	s.newPipeline = s.defaultPipeline
	s.newConnector = func(baseURL string, cred connector.Credential) PullClient {
		return connector.NewClient(baseURL, cred, connector.Options{Timeout: cfg.ConnectorTimeout})
	}
	s.credentials = credentialFromEnv
	return s
}

// SetTracer enables span emission on ingest runs and document processing.
func (s *Service) SetTracer(tracer trace.Tracer) {
	s.tracer = tracer
}

func (s *Service) defaultPipeline(providerSpec string) (*embedding.Pipeline, error) {
	provider, err := embedding.NewProvider(providerSpec, embedding.Config{
		OllamaBaseURL: s.cfg.OllamaBaseURL,
		OpenAIAPIKey:  s.cfg.OpenAIAPIKey,
		Timeout:       s.cfg.EmbedTimeout,
	})
	if err != nil {
		return nil, err
	}
	return embedding.NewPipeline(provider, s.cfg.EmbeddingPoolMax, 0)
}

// pipeline returns the (cached) embedding pipeline for a provider spec.
func (s *Service) pipeline(providerSpec string) (*embedding.Pipeline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.pipelines[providerSpec]; ok {
		return p, nil
	}
	p, err := s.newPipeline(providerSpec)
	if err != nil {
		return nil, err
	}
	s.pipelines[providerSpec] = p
	return p, nil
}

// credentialFromEnv resolves an auth_ref through the environment: the
// variable LOOM_AUTH_<REF> (uppercased, dashes to underscores) holds either
// "bearer:<token>" or "basic:<user>:<password>". An empty or unset variable
// means no authentication.
func credentialFromEnv(authRef string) connector.Credential {
	if authRef == "" {
		return connector.Credential{}
	}
	name := "LOOM_AUTH_" + strings.ToUpper(strings.ReplaceAll(authRef, "-", "_"))
	raw := os.Getenv(name)
	if raw == "" {
		return connector.Credential{}
	}

	switch {
	case strings.HasPrefix(raw, "bearer:"):
		return connector.Credential{Scheme: "bearer", Token: strings.TrimPrefix(raw, "bearer:")}
	case strings.HasPrefix(raw, "basic:"):
		parts := strings.SplitN(strings.TrimPrefix(raw, "basic:"), ":", 2)
		cred := connector.Credential{Scheme: "basic", Username: parts[0]}
		if len(parts) == 2 {
			cred.Password = parts[1]
		}
		return cred
	}
	return connector.Credential{Scheme: "bearer", Token: raw}
}

// RegisterSchemaResult is the outcome of RegisterSchema.
type RegisterSchemaResult struct {
	KBID          string   `json:"kb_id"`
	SchemaVersion int      `json:"schema_version"`
	Created       bool     `json:"created"`
	Dimensions    int      `json:"dimensions"`
	Warnings      []string `json:"warnings,omitempty"`
}

// RegisterSchema validates a YAML schema and registers it for a knowledge
// base. Re-registering an identical schema keeps the version; a changed
// schema increments it. Validation warnings are returned, not fatal.
func (s *Service) RegisterSchema(ctx context.Context, kbID string, schemaYAML []byte) (*RegisterSchemaResult, *APIError) {
	if !schema.KBIDValid(kbID) {
		return nil, NewAPIError(ErrorCodeInvalidRequest, "invalid kb_id %q", kbID)
	}

	sc, err := schema.Parse(schemaYAML)
	if err != nil {
		return nil, NewAPIError(ErrorCodeSchemaInvalid, "%s", err.Error())
	}
	warnings, err := sc.Validate()
	if err != nil {
		return nil, Classify(err)
	}

	pipeline, err := s.pipeline(sc.Embedding.Provider)
	if err != nil {
		return nil, NewAPIError(ErrorCodeSchemaInvalid, "embedding provider: %s", err.Error())
	}
	dim := pipeline.Provider().Dimensions()

	if err := s.registry.CheckRegister(kbID, dim); err != nil {
		return nil, Classify(err)
	}

	// Indexes before the registry commit: a store failure must leave the
	// registration unchanged so a retry repeats the whole setup.
	if err := s.store.EnsureKB(ctx, kbID, sc, dim); err != nil {
		return nil, Classify(err)
	}

	version, created, err := s.registry.Register(kbID, sc, dim)
	if err != nil {
		return nil, Classify(err)
	}

	result := &RegisterSchemaResult{
		KBID:          kbID,
		SchemaVersion: version,
		Created:       created,
		Dimensions:    dim,
	}
	for _, w := range warnings {
		result.Warnings = append(result.Warnings, fmt.Sprintf("%s: %s", w.Field, w.Message))
	}
	return result, nil
}

// AddSourceResult is the outcome of AddSource.
type AddSourceResult struct {
	KBID     string   `json:"kb_id"`
	SourceID string   `json:"source_id"`
	Mapping  string   `json:"mapping"`
	Warnings []string `json:"warnings,omitempty"`
}

// AddSource registers a connector source on a knowledge base. The source_id
// selects the mapping of the same name in the schema. Connector
// unreachability is a warning, not an error: the source may come up later.
func (s *Service) AddSource(ctx context.Context, kbID, sourceID, connectorURL, authRef string) (*AddSourceResult, *APIError) {
	if sourceID == "" || connectorURL == "" {
		return nil, NewAPIError(ErrorCodeInvalidRequest, "source_id and connector_url must not be empty")
	}

	if err := s.registry.AddSource(kbID, sourceID, connectorURL, authRef, sourceID); err != nil {
		return nil, Classify(err)
	}

	result := &AddSourceResult{KBID: kbID, SourceID: sourceID, Mapping: sourceID}

	client := s.newConnector(connectorURL, s.credentials(authRef))
	healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Health(healthCtx); err != nil {
		s.logger.Warn("source %s/%s health check failed: %v", kbID, sourceID, err)
		result.Warnings = append(result.Warnings, fmt.Sprintf("connector health check failed: %v", err))
	}
	return result, nil
}

// SearchGraph runs a read-only Cypher query against a knowledge base.
func (s *Service) SearchGraph(ctx context.Context, kbID, query string, params map[string]interface{}, timeoutMS int) (*graph.QueryResult, *APIError) {
	if _, _, err := s.registry.GetSchema(kbID); err != nil {
		return nil, Classify(err)
	}
	result, err := s.store.Search(ctx, kbID, query, params, timeoutMS)
	if err != nil {
		return nil, Classify(err)
	}
	return result, nil
}

// SemanticSearch embeds the query text and returns the most similar nodes.
// labels narrows the search; empty means all declared labels. filters are
// exact-match property constraints.
func (s *Service) SemanticSearch(ctx context.Context, kbID, query string, topK int, labels []string, filters map[string]interface{}) ([]graph.SearchHit, *APIError) {
	if strings.TrimSpace(query) == "" {
		return nil, NewAPIError(ErrorCodeInvalidRequest, "query must not be empty")
	}
	if topK <= 0 {
		topK = 10
	}

	sc, _, err := s.registry.GetSchema(kbID)
	if err != nil {
		return nil, Classify(err)
	}

	declared := sc.Labels()
	if len(labels) == 0 {
		labels = declared
	} else {
		for _, l := range labels {
			if _, ok := sc.NodeByLabel(l); !ok {
				return nil, NewAPIError(ErrorCodeInvalidRequest, "label %q is not declared in knowledge base %q", l, kbID)
			}
		}
	}

	pipeline, err := s.pipeline(sc.Embedding.Provider)
	if err != nil {
		return nil, Classify(err)
	}
	vector, err := pipeline.EmbedQuery(ctx, query)
	if err != nil {
		return nil, NewAPIError(ErrorCodeSourceError, "embedding query: %s", err.Error())
	}

	hits, err := s.store.VectorSearch(ctx, kbID, labels, vector, topK, filters)
	if err != nil {
		return nil, Classify(err)
	}
	return hits, nil
}

// SyncStatus reports run state, history-derived health and graph size. With
// an empty kbID all knowledge bases are reported, sorted by id.
func (s *Service) SyncStatus(ctx context.Context, kbID string) ([]run.KBStatus, *APIError) {
	var kbIDs []string
	if kbID != "" {
		if _, _, err := s.registry.GetSchema(kbID); err != nil {
			return nil, Classify(err)
		}
		kbIDs = []string{kbID}
	} else {
		kbIDs = s.registry.KBIDs()
		sort.Strings(kbIDs)
	}

	out := make([]run.KBStatus, 0, len(kbIDs))
	for _, id := range kbIDs {
		counts, err := s.store.Counts(ctx, id)
		if err != nil {
			s.logger.Warn("counting graph for %s failed: %v", id, err)
		}
		out = append(out, s.runs.Status(id, counts.Nodes, counts.Relationships))
	}
	return out, nil
}

// GetRun returns a snapshot of an active or finished run.
func (s *Service) GetRun(runID string) (run.Snapshot, *APIError) {
	snap, err := s.runs.Get(runID)
	if err != nil {
		return run.Snapshot{}, Classify(err)
	}
	return snap, nil
}

// CancelRun requests cancellation of a run. Cancelling a finished run is a
// no-op reporting its terminal state.
func (s *Service) CancelRun(runID string) (run.State, *APIError) {
	state, err := s.runs.Cancel(runID)
	if err != nil {
		return "", Classify(err)
	}
	return state, nil
}
