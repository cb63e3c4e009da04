package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/moolen/loom/internal/embedding"
	"github.com/moolen/loom/internal/graph"
	"github.com/moolen/loom/internal/mapping"
	"github.com/moolen/loom/internal/run"
	"github.com/moolen/loom/internal/schema"
)

// Ingest pulls a source, maps every document into nodes and edges, embeds
// and merges them, and returns the finished run's report. The run never
// aborts on a bad document: per-document failures are recorded and the run
// completes; it fails only when the pull itself fails or every document
// errored.
func (s *Service) Ingest(ctx context.Context, kbID, sourceID, since string) (run.Snapshot, *APIError) {
	sc, _, err := s.registry.GetSchema(kbID)
	if err != nil {
		return run.Snapshot{}, Classify(err)
	}
	src, err := s.registry.GetSource(kbID, sourceID)
	if err != nil {
		return run.Snapshot{}, Classify(err)
	}
	m, ok := sc.MappingBySourceID(src.MappingName)
	if !ok {
		return run.Snapshot{}, Classify(fmt.Errorf("%w: %q", schema.ErrUnknownMapping, src.MappingName))
	}
	engine, err := mapping.NewEngine(sc, m)
	if err != nil {
		return run.Snapshot{}, Classify(err)
	}
	pipeline, err := s.pipeline(sc.Embedding.Provider)
	if err != nil {
		return run.Snapshot{}, Classify(err)
	}

	r, runCtx, err := s.runs.Begin(ctx, kbID, sourceID)
	if err != nil {
		return run.Snapshot{}, Classify(err)
	}
	var span trace.Span
	if s.tracer != nil {
		runCtx, span = s.tracer.Start(runCtx, "ingest.Run",
			trace.WithAttributes(
				attribute.String("kb_id", kbID),
				attribute.String("source_id", sourceID),
				attribute.String("run_id", r.ID),
			))
		defer span.End()
	}
	s.metrics.ActiveRuns.Inc()
	defer s.metrics.ActiveRuns.Dec()
	started := time.Now()

	s.logger.Info("run %s: pulling %s/%s since %q", r.ID, kbID, sourceID, since)

	client := s.newConnector(src.ConnectorURL, s.credentials(src.AuthRef))
	resp, err := client.Pull(runCtx, since)
	if err != nil {
		if runCtx.Err() != nil {
			s.logger.Info("run %s cancelled during pull", r.ID)
			s.finishRun(r, run.StateCancelled, started)
			return r.Snapshot(), nil
		}
		r.RecordError("", "pull", err.Error())
		s.finishRun(r, run.StateFailed, started)
		return r.Snapshot(), Classify(err)
	}

	failed := 0
	for i, doc := range resp.Documents {
		if runCtx.Err() != nil {
			s.logger.Info("run %s cancelled after %d documents", r.ID, i)
			s.finishRun(r, run.StateCancelled, started)
			return r.Snapshot(), nil
		}

		ref := documentRef(doc, i)
		if err := s.processDocument(runCtx, r, kbID, sourceID, sc, engine, pipeline, doc, ref); err != nil {
			failed++
			s.metrics.DocumentsTotal.WithLabelValues(kbID, "error").Inc()
		} else {
			s.metrics.DocumentsTotal.WithLabelValues(kbID, "ok").Inc()
		}
		r.Update(func(st *run.Stats) { st.DocumentsProcessed++ })
	}

	state := run.StateCompleted
	if len(resp.Documents) > 0 && failed == len(resp.Documents) {
		state = run.StateFailed
	}
	s.finishRun(r, state, started)
	return r.Snapshot(), nil
}

func (s *Service) finishRun(r *run.Run, state run.State, started time.Time) {
	s.runs.Finish(r, state)
	s.metrics.RunDuration.WithLabelValues(r.KBID, string(r.State())).Observe(time.Since(started).Seconds())
}

// processDocument maps one document and merges its records under a
// per-document deadline. A failure skips the rest of the document.
func (s *Service) processDocument(ctx context.Context, r *run.Run, kbID, sourceID string, sc *schema.Schema, engine *mapping.Engine, pipeline *embedding.Pipeline, doc map[string]interface{}, ref string) error {
	docCtx := ctx
	if s.cfg.DocTimeout > 0 {
		var cancel context.CancelFunc
		docCtx, cancel = context.WithTimeout(ctx, s.cfg.DocTimeout)
		defer cancel()
	}
	if s.tracer != nil {
		var span trace.Span
		docCtx, span = s.tracer.Start(docCtx, "ingest.Document",
			trace.WithAttributes(attribute.String("document_ref", ref)))
		defer span.End()
	}

	result, err := engine.Apply(doc)
	if err != nil {
		r.RecordError(ref, "map", err.Error())
		return err
	}

	prov := graph.Provenance{
		KBID:      kbID,
		SourceID:  sourceID,
		RunID:     r.ID,
		UpdatedAt: time.Now().UTC(),
	}

	for _, node := range result.Nodes {
		vectors, err := pipeline.EmbedNode(docCtx, sc.Embedding.Chunking, node.Properties)
		if err != nil {
			r.RecordError(ref, "embed", err.Error())
			return err
		}
		if vectors.Primary == nil {
			vectors = nil
		} else if vectors.Degraded {
			r.Update(func(st *run.Stats) { st.EmbeddingsDegraded++ })
			s.metrics.EmbedFallbackTotal.WithLabelValues(kbID).Inc()
		}

		outcome, err := s.store.MergeNode(docCtx, kbID, node, prov, vectors)
		if err != nil {
			r.RecordError(ref, "merge", err.Error())
			return err
		}
		if outcome.Created {
			r.Update(func(st *run.Stats) { st.NodesCreated++ })
			s.metrics.NodesMergedTotal.WithLabelValues(kbID, "created").Inc()
		} else {
			r.Update(func(st *run.Stats) { st.NodesUpdated++ })
			s.metrics.NodesMergedTotal.WithLabelValues(kbID, "updated").Inc()
		}
	}

	for _, edge := range result.Edges {
		outcome, err := s.store.MergeEdge(docCtx, kbID, edge, prov)
		if err != nil {
			// A missing endpoint drops only this edge: the target node
			// may arrive from another source later.
			if errors.Is(err, graph.ErrEdgeEndpointMissing) {
				r.RecordWarning("document %s: %v", ref, err)
				continue
			}
			r.RecordError(ref, "merge", err.Error())
			return err
		}
		if outcome.Created {
			r.Update(func(st *run.Stats) { st.RelationshipsCreated++ })
			s.metrics.EdgesMergedTotal.WithLabelValues(kbID, "created").Inc()
		} else {
			r.Update(func(st *run.Stats) { st.RelationshipsUpdated++ })
			s.metrics.EdgesMergedTotal.WithLabelValues(kbID, "updated").Inc()
		}
	}

	return nil
}

// documentRef derives a stable reference for error reporting: the document's
// id field when present, the position in the pull otherwise.
func documentRef(doc map[string]interface{}, index int) string {
	for _, field := range []string{"id", "_id", "uid", "key"} {
		if v, ok := doc[field]; ok {
			if str := fmt.Sprintf("%v", v); str != "" && str != "<nil>" {
				return str
			}
		}
	}
	return fmt.Sprintf("document[%d]", index)
}
