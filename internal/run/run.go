// Package run tracks ingestion runs: one run per (knowledge base, source)
// pull, with lifecycle state, counters and a bounded history.
package run

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle state of a run.
type State string

const (
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether the state permits no further transitions.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// DocError records one per-document failure. Runs collect these instead of
// aborting; a run fails only when nothing could be ingested at all.
type DocError struct {
	DocumentRef string    `json:"document_ref"`
	Stage       string    `json:"stage"` // pull, map, embed, merge
	Message     string    `json:"message"`
	At          time.Time `json:"at"`
}

// Stats are the counters a run accumulates.
type Stats struct {
	DocumentsProcessed   int        `json:"documents_processed"`
	NodesCreated         int        `json:"nodes_created"`
	NodesUpdated         int        `json:"nodes_updated"`
	RelationshipsCreated int        `json:"relationships_created"`
	RelationshipsUpdated int        `json:"relationships_updated"`
	EmbeddingsDegraded   int        `json:"embeddings_degraded"`
	Errors               []DocError `json:"errors,omitempty"`
	Warnings             []string   `json:"warnings,omitempty"`
}

// Run is one ingestion run. All mutation goes through methods; the zero value
// is not usable, use Manager.Begin.
type Run struct {
	ID       string
	KBID     string
	SourceID string

	mu         sync.Mutex
	state      State
	startedAt  time.Time
	finishedAt time.Time
	stats      Stats
	cancelFn   func()
}

// Snapshot is an immutable view of a run.
type Snapshot struct {
	ID         string    `json:"run_id"`
	KBID       string    `json:"kb_id"`
	SourceID   string    `json:"source_id"`
	State      State     `json:"state"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
	Stats      Stats     `json:"stats"`
}

// overridable in tests
var nowFunc = time.Now

// newRunID builds a sortable run identifier: UTC timestamp plus a short
// random suffix to disambiguate runs started in the same second.
func newRunID() string {
	ts := nowFunc().UTC().Format("20060102T150405Z")
	suffix := strings.SplitN(uuid.NewString(), "-", 2)[0]
	return fmt.Sprintf("%s-%s", ts, suffix)
}

// State returns the current lifecycle state.
func (r *Run) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Update applies fn to the run's counters while it is running. Updates on a
// terminal run are dropped.
func (r *Run) Update(fn func(*Stats)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.Terminal() {
		return
	}
	fn(&r.stats)
}

// RecordError appends a per-document error, timestamped for health
// derivation.
func (r *Run) RecordError(ref, stage, message string) {
	r.Update(func(s *Stats) {
		s.Errors = append(s.Errors, DocError{
			DocumentRef: ref,
			Stage:       stage,
			Message:     message,
			At:          nowFunc().UTC(),
		})
	})
}

// RecordWarning appends a run-level warning.
func (r *Run) RecordWarning(format string, args ...interface{}) {
	r.Update(func(s *Stats) {
		s.Warnings = append(s.Warnings, fmt.Sprintf(format, args...))
	})
}

// Snapshot returns a copy of the run's current state and counters.
func (r *Run) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *Run) snapshotLocked() Snapshot {
	stats := r.stats
	stats.Errors = append([]DocError(nil), r.stats.Errors...)
	stats.Warnings = append([]string(nil), r.stats.Warnings...)
	return Snapshot{
		ID:         r.ID,
		KBID:       r.KBID,
		SourceID:   r.SourceID,
		State:      r.state,
		StartedAt:  r.startedAt,
		FinishedAt: r.finishedAt,
		Stats:      stats,
	}
}

// finish transitions to a terminal state. Transitions out of a terminal
// state are ignored, so a cancel racing a completion keeps the first result.
func (r *Run) finish(state State) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.Terminal() {
		return false
	}
	r.state = state
	r.finishedAt = nowFunc()
	return true
}
