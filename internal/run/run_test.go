package run

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBeginConflictOnSameSource(t *testing.T) {
	m := NewManager(10)
	ctx := context.Background()

	first, _, err := m.Begin(ctx, "docs", "src1")
	require.NoError(t, err)

	_, _, err = m.Begin(ctx, "docs", "src1")
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, first.ID, conflict.CurrentRunID)

	// A different source of the same knowledge base is unaffected.
	_, _, err = m.Begin(ctx, "docs", "src2")
	assert.NoError(t, err)

	// Finishing releases the slot.
	m.Finish(first, StateCompleted)
	_, _, err = m.Begin(ctx, "docs", "src1")
	assert.NoError(t, err)
}

func TestFinishTerminalStateIsImmutable(t *testing.T) {
	m := NewManager(10)
	r, _, err := m.Begin(context.Background(), "docs", "src1")
	require.NoError(t, err)

	m.Finish(r, StateCompleted)
	assert.Equal(t, StateCompleted, r.State())

	m.Finish(r, StateFailed)
	assert.Equal(t, StateCompleted, r.State())

	// Counter updates after the fact are dropped.
	r.Update(func(s *Stats) { s.DocumentsProcessed = 99 })
	snap, err := m.Get(r.ID)
	require.NoError(t, err)
	assert.Zero(t, snap.Stats.DocumentsProcessed)
}

func TestCancelPropagatesAndIsIdempotent(t *testing.T) {
	m := NewManager(10)
	r, runCtx, err := m.Begin(context.Background(), "docs", "src1")
	require.NoError(t, err)

	state, err := m.Cancel(r.ID)
	require.NoError(t, err)
	assert.Equal(t, StateRunning, state)

	select {
	case <-runCtx.Done():
	case <-time.After(time.Second):
		t.Fatal("run context not cancelled")
	}

	// The worker observes the context and finishes the run.
	m.Finish(r, StateCancelled)

	// Cancelling again reports the terminal state without error.
	state, err = m.Cancel(r.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, state)

	_, err = m.Cancel("no-such-run")
	assert.ErrorIs(t, err, ErrUnknownRun)
}

func TestHistoryBounded(t *testing.T) {
	m := NewManager(3)
	ctx := context.Background()

	var lastID string
	for i := 0; i < 5; i++ {
		r, _, err := m.Begin(ctx, "docs", "src1")
		require.NoError(t, err)
		m.Finish(r, StateCompleted)
		lastID = r.ID
	}

	hist := m.History("docs")
	assert.Len(t, hist, 3)
	assert.Equal(t, lastID, hist[0].ID, "newest first")

	// Evicted runs are no longer resolvable.
	_, err := m.Get(hist[len(hist)-1].ID)
	assert.NoError(t, err)
}

func TestRunCountersAndErrors(t *testing.T) {
	m := NewManager(10)
	r, _, err := m.Begin(context.Background(), "docs", "src1")
	require.NoError(t, err)

	r.Update(func(s *Stats) {
		s.DocumentsProcessed++
		s.NodesCreated += 2
		s.RelationshipsCreated++
	})
	r.RecordError("doc-7", "map", "missing key")
	r.RecordWarning("edge target %s not found", "ghost")

	snap := r.Snapshot()
	assert.Equal(t, 1, snap.Stats.DocumentsProcessed)
	assert.Equal(t, 2, snap.Stats.NodesCreated)
	require.Len(t, snap.Stats.Errors, 1)
	assert.Equal(t, "map", snap.Stats.Errors[0].Stage)
	assert.False(t, snap.Stats.Errors[0].At.IsZero())
	require.Len(t, snap.Stats.Warnings, 1)
}

func TestStatusSurfacesRecentDocErrors(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	current := base
	nowFunc = func() time.Time { return current }
	defer func() { nowFunc = time.Now }()

	m := NewManager(10)
	r, _, err := m.Begin(context.Background(), "docs", "src1")
	require.NoError(t, err)
	r.RecordError("doc-7", "map", "missing key")
	current = current.Add(30 * time.Second)
	m.Finish(r, StateCompleted)

	// The run completed, but it carries a recent document error.
	current = current.Add(time.Minute)
	status := m.Status("docs", 10, 5)
	assert.Equal(t, HealthError, status.Health)
	require.NotNil(t, status.LastError)
	assert.Equal(t, "doc-7", status.LastError.DocumentRef)
	assert.Equal(t, base, status.LastErrorAt)
	assert.InDelta(t, 1.0/60, status.DataFreshnessHours, 1e-9)
	require.Contains(t, status.Sources, "src1")
	assert.Equal(t, StateCompleted, status.Sources["src1"].State)

	// The document error ages out of the window: healthy again.
	current = current.Add(recentErrorWindow)
	status = m.Status("docs", 10, 5)
	assert.Equal(t, HealthHealthy, status.Health)
	assert.NotNil(t, status.LastError, "the error stays reported, it just no longer drives health")
}

func TestStatusDerivation(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	current := base
	nowFunc = func() time.Time { return current }
	defer func() { nowFunc = time.Now }()

	m := NewManager(10)
	ctx := context.Background()

	// Never synced.
	status := m.Status("docs", 0, 0)
	assert.Equal(t, HealthStale, status.Health)

	// One completed run: healthy.
	r, _, err := m.Begin(ctx, "docs", "src1")
	require.NoError(t, err)
	current = current.Add(30 * time.Second)
	m.Finish(r, StateCompleted)

	status = m.Status("docs", 10, 5)
	assert.Equal(t, HealthHealthy, status.Health)
	assert.Equal(t, int64(10), status.Nodes)
	assert.InDelta(t, 30.0, status.AvgRunDuration, 0.01)

	// A failed run within the error window: error.
	r, _, err = m.Begin(ctx, "docs", "src1")
	require.NoError(t, err)
	m.Finish(r, StateFailed)

	status = m.Status("docs", 10, 5)
	assert.Equal(t, HealthError, status.Health)

	// The failure ages out but the last completed run also ages: stale.
	current = current.Add(25 * time.Hour)
	status = m.Status("docs", 10, 5)
	assert.Equal(t, HealthStale, status.Health)

	// An active run on a stale knowledge base: warning.
	_, _, err = m.Begin(ctx, "docs", "src1")
	require.NoError(t, err)
	status = m.Status("docs", 10, 5)
	assert.Equal(t, HealthWarning, status.Health)
}
