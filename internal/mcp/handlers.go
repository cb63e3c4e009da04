package mcp

import (
	"context"
	"encoding/json"
	"fmt"
)

func (s *Server) handleRegisterSchema(ctx context.Context, input json.RawMessage) (interface{}, error) {
	var params struct {
		KBID       string `json:"kb_id"`
		SchemaYAML string `json:"schema_yaml"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}

	result, apiErr := s.svc.RegisterSchema(ctx, params.KBID, []byte(params.SchemaYAML))
	if apiErr != nil {
		return nil, apiErr
	}
	return result, nil
}

func (s *Server) handleAddSource(ctx context.Context, input json.RawMessage) (interface{}, error) {
	var params struct {
		KBID         string `json:"kb_id"`
		SourceID     string `json:"source_id"`
		ConnectorURL string `json:"connector_url"`
		AuthRef      string `json:"auth_ref"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}

	result, apiErr := s.svc.AddSource(ctx, params.KBID, params.SourceID, params.ConnectorURL, params.AuthRef)
	if apiErr != nil {
		return nil, apiErr
	}
	return result, nil
}

func (s *Server) handleIngest(ctx context.Context, input json.RawMessage) (interface{}, error) {
	var params struct {
		KBID     string `json:"kb_id"`
		SourceID string `json:"source_id"`
		Since    string `json:"since"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}

	snap, apiErr := s.svc.Ingest(ctx, params.KBID, params.SourceID, params.Since)
	if apiErr != nil {
		return nil, apiErr
	}
	return snap, nil
}

func (s *Server) handleSearchGraph(ctx context.Context, input json.RawMessage) (interface{}, error) {
	var params struct {
		KBID      string                 `json:"kb_id"`
		Query     string                 `json:"query"`
		Params    map[string]interface{} `json:"params"`
		TimeoutMS int                    `json:"timeout_ms"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}

	result, apiErr := s.svc.SearchGraph(ctx, params.KBID, params.Query, params.Params, params.TimeoutMS)
	if apiErr != nil {
		return nil, apiErr
	}
	return result, nil
}

func (s *Server) handleSemanticSearch(ctx context.Context, input json.RawMessage) (interface{}, error) {
	var params struct {
		KBID    string                 `json:"kb_id"`
		Query   string                 `json:"query"`
		TopK    int                    `json:"top_k"`
		Labels  []string               `json:"labels"`
		Filters map[string]interface{} `json:"filters"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}

	hits, apiErr := s.svc.SemanticSearch(ctx, params.KBID, params.Query, params.TopK, params.Labels, params.Filters)
	if apiErr != nil {
		return nil, apiErr
	}
	return map[string]interface{}{"hits": hits}, nil
}

func (s *Server) handleSyncStatus(ctx context.Context, input json.RawMessage) (interface{}, error) {
	var params struct {
		KBID string `json:"kb_id"`
	}
	if len(input) > 0 {
		if err := json.Unmarshal(input, &params); err != nil {
			return nil, fmt.Errorf("invalid arguments: %w", err)
		}
	}

	statuses, apiErr := s.svc.SyncStatus(ctx, params.KBID)
	if apiErr != nil {
		return nil, apiErr
	}
	return map[string]interface{}{"knowledge_bases": statuses}, nil
}

func (s *Server) handleCancelRun(ctx context.Context, input json.RawMessage) (interface{}, error) {
	var params struct {
		RunID string `json:"run_id"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}

	state, apiErr := s.svc.CancelRun(params.RunID)
	if apiErr != nil {
		return nil, apiErr
	}
	return map[string]interface{}{"run_id": params.RunID, "state": state}, nil
}
