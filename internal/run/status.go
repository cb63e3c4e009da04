package run

import (
	"time"
)

// Health buckets for a knowledge base.
const (
	HealthHealthy = "healthy"
	HealthWarning = "warning"
	HealthError   = "error"
	HealthStale   = "stale"
)

const (
	// recentErrorWindow is how long a failed run keeps the knowledge base
	// in the error bucket.
	recentErrorWindow = 15 * time.Minute

	// freshnessWindow is how old the last completed run may be before the
	// knowledge base counts as stale.
	freshnessWindow = 24 * time.Hour

	// avgDurationSamples is how many completed runs feed the average.
	avgDurationSamples = 10
)

// KBStatus is the sync status of one knowledge base.
type KBStatus struct {
	KBID               string              `json:"kb_id"`
	Health             string              `json:"health"`
	ActiveRuns         []Snapshot          `json:"active_runs,omitempty"`
	LastRun            *Snapshot           `json:"last_run,omitempty"`
	LastCompletedAt    time.Time           `json:"last_completed_at,omitempty"`
	LastError          *DocError           `json:"last_error,omitempty"`
	LastErrorAt        time.Time           `json:"last_error_at,omitempty"`
	DataFreshnessHours float64             `json:"data_freshness_hours,omitempty"`
	AvgRunDuration     float64             `json:"avg_run_duration_seconds,omitempty"`
	Sources            map[string]Snapshot `json:"sources,omitempty"`
	Nodes              int64               `json:"nodes"`
	Relationships      int64               `json:"relationships"`
}

// Status derives the health of a knowledge base from its run history and
// graph size. The buckets, from worst to best: error when a run failed or
// any run recorded a document error within the error window, stale when no
// run completed within the freshness window, warning when a run is active
// but nothing has completed recently, healthy otherwise. A completed run
// with recent document errors still lands in the error bucket: the data made
// it in, but something is wrong at the source.
func (m *Manager) Status(kbID string, nodes, relationships int64) KBStatus {
	now := nowFunc()
	active := m.Active(kbID)
	history := m.History(kbID) // newest first

	status := KBStatus{
		KBID:          kbID,
		ActiveRuns:    active,
		Nodes:         nodes,
		Relationships: relationships,
	}

	if len(history) > 0 {
		last := history[0]
		status.LastRun = &last
	}

	// Last known run per source: newest terminal run, overridden by an
	// active one.
	sources := make(map[string]Snapshot)
	for i := len(history) - 1; i >= 0; i-- {
		sources[history[i].SourceID] = history[i]
	}
	for _, snap := range active {
		sources[snap.SourceID] = snap
	}
	if len(sources) > 0 {
		status.Sources = sources
	}

	var completed []Snapshot
	recentFailure := false
	for _, snap := range history {
		switch snap.State {
		case StateCompleted:
			completed = append(completed, snap)
		case StateFailed:
			if now.Sub(snap.FinishedAt) <= recentErrorWindow {
				recentFailure = true
			}
		}
	}

	// The most recent document error across all runs, active ones included.
	for _, snap := range append(active, history...) {
		for _, e := range snap.Stats.Errors {
			if status.LastError == nil || e.At.After(status.LastErrorAt) {
				err := e
				status.LastError = &err
				status.LastErrorAt = e.At
			}
		}
	}
	recentDocError := status.LastError != nil && now.Sub(status.LastErrorAt) <= recentErrorWindow

	if len(completed) > 0 {
		status.LastCompletedAt = completed[0].FinishedAt
		status.DataFreshnessHours = now.Sub(status.LastCompletedAt).Hours()

		var total time.Duration
		n := 0
		for _, snap := range completed {
			if n == avgDurationSamples {
				break
			}
			total += snap.FinishedAt.Sub(snap.StartedAt)
			n++
		}
		status.AvgRunDuration = total.Seconds() / float64(n)
	}

	switch {
	case recentFailure || recentDocError:
		status.Health = HealthError
	case len(completed) == 0 && len(active) == 0 && len(history) == 0:
		// Never synced: registered but no runs yet.
		status.Health = HealthStale
	case len(completed) == 0 || now.Sub(status.LastCompletedAt) > freshnessWindow:
		if len(active) > 0 {
			status.Health = HealthWarning
		} else {
			status.Health = HealthStale
		}
	default:
		status.Health = HealthHealthy
	}

	return status
}
