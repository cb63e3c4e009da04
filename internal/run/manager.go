package run

import (
	"context"
	"fmt"
	"sync"

	"github.com/moolen/loom/internal/logging"
)

// DefaultHistoryMax bounds the finished-run history kept in memory.
const DefaultHistoryMax = 100

// ConflictError is returned when an ingest is requested for a source that
// already has a run in flight.
type ConflictError struct {
	KBID         string
	SourceID     string
	CurrentRunID string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("ingest already running for %s/%s (run %s)", e.KBID, e.SourceID, e.CurrentRunID)
}

// ErrUnknownRun is returned when a run ID matches neither an active nor a
// historical run.
var ErrUnknownRun = fmt.Errorf("unknown run")

// Manager enforces one active run per (knowledge base, source) and keeps a
// bounded history of finished runs.
type Manager struct {
	mu         sync.Mutex
	active     map[string]*Run // kb + "\x00" + source
	byID       map[string]*Run // active runs by run ID
	history    []*Run          // oldest first
	historyMax int
	logger     *logging.Logger
}

// NewManager creates a run manager. historyMax <= 0 selects the default.
func NewManager(historyMax int) *Manager {
	if historyMax <= 0 {
		historyMax = DefaultHistoryMax
	}
	return &Manager{
		active:     make(map[string]*Run),
		byID:       make(map[string]*Run),
		historyMax: historyMax,
		logger:     logging.GetLogger("run.manager"),
	}
}

func sourceKey(kbID, sourceID string) string {
	return kbID + "\x00" + sourceID
}

// Begin starts a run for a source and returns it together with a context
// that Cancel aborts. A second Begin for the same source while the first run
// is still active fails with a ConflictError.
func (m *Manager) Begin(ctx context.Context, kbID, sourceID string) (*Run, context.Context, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := sourceKey(kbID, sourceID)
	if current, ok := m.active[key]; ok {
		return nil, nil, &ConflictError{KBID: kbID, SourceID: sourceID, CurrentRunID: current.ID}
	}

	runCtx, cancel := context.WithCancel(ctx)
	r := &Run{
		ID:        newRunID(),
		KBID:      kbID,
		SourceID:  sourceID,
		state:     StateRunning,
		startedAt: nowFunc(),
		cancelFn:  cancel,
	}
	m.active[key] = r
	m.byID[r.ID] = r

	m.logger.Info("run %s started for %s/%s", r.ID, kbID, sourceID)
	return r, runCtx, nil
}

// Finish moves a run into a terminal state and from the active set into
// history. Finishing an already-terminal run is a no-op.
func (m *Manager) Finish(r *Run, state State) {
	if !r.finish(state) {
		return
	}
	r.cancelFn()

	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.active, sourceKey(r.KBID, r.SourceID))
	delete(m.byID, r.ID)
	m.history = append(m.history, r)
	if len(m.history) > m.historyMax {
		m.history = m.history[len(m.history)-m.historyMax:]
	}

	snap := r.Snapshot()
	m.logger.Info("run %s finished as %s (%d documents, %d errors)",
		r.ID, state, snap.Stats.DocumentsProcessed, len(snap.Stats.Errors))
}

// Cancel requests cancellation of an active run. Cancelling a finished run
// is a no-op that reports its terminal state; an unknown ID is an error.
// The run transitions to cancelled when its worker observes the context.
func (m *Manager) Cancel(runID string) (State, error) {
	m.mu.Lock()
	r, ok := m.byID[runID]
	if !ok {
		for _, h := range m.history {
			if h.ID == runID {
				m.mu.Unlock()
				return h.State(), nil
			}
		}
		m.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrUnknownRun, runID)
	}
	m.mu.Unlock()

	m.logger.Info("cancellation requested for run %s", runID)
	r.cancelFn()
	return r.State(), nil
}

// Get returns a snapshot of an active or historical run.
func (m *Manager) Get(runID string) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r, ok := m.byID[runID]; ok {
		return r.Snapshot(), nil
	}
	for _, h := range m.history {
		if h.ID == runID {
			return h.Snapshot(), nil
		}
	}
	return Snapshot{}, fmt.Errorf("%w: %s", ErrUnknownRun, runID)
}

// Active returns snapshots of all in-flight runs for a knowledge base.
func (m *Manager) Active(kbID string) []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Snapshot
	for _, r := range m.byID {
		if r.KBID == kbID {
			out = append(out, r.Snapshot())
		}
	}
	return out
}

// History returns finished runs for a knowledge base, newest first.
func (m *Manager) History(kbID string) []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Snapshot
	for i := len(m.history) - 1; i >= 0; i-- {
		if m.history[i].KBID == kbID {
			out = append(out, m.history[i].Snapshot())
		}
	}
	return out
}
