package job

import (
	"context"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/registry-scanner/internal/models"
)

// RunTracker keeps the live state of runs started by this process
type RunTracker struct {
	runs *xsync.Map[string, *trackedRun]
}

type trackedRun struct {
	mu     sync.Mutex
	run    models.SyncRun
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRunTracker creates an empty tracker
func NewRunTracker() *RunTracker {
	return &RunTracker{runs: xsync.NewMap[string, *trackedRun]()}
}

// track registers run. A run ID that is still in flight is not replaced.
func (t *RunTracker) track(run models.SyncRun, cancel context.CancelFunc) (*trackedRun, bool) {
	tr := &trackedRun{run: run, cancel: cancel, done: make(chan struct{})}
	existing, loaded := t.runs.LoadOrStore(run.ID, tr)
	if !loaded {
		return tr, true
	}
	select {
	case <-existing.done:
		t.runs.Store(run.ID, tr)
		return tr, true
	default:
		return existing, false
	}
}

func (tr *trackedRun) update(fn func(r *models.SyncRun)) {
	tr.mu.Lock()
	fn(&tr.run)
	tr.mu.Unlock()
}

func (tr *trackedRun) snapshot() models.SyncRun {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	cp := tr.run
	cp.FailedPartitions = append([]models.PartitionFailure(nil), tr.run.FailedPartitions...)
	cp.Gaps = append([]models.Gap(nil), tr.run.Gaps...)
	return cp
}

func (tr *trackedRun) finish() {
	close(tr.done)
}

// Get returns a copy of the tracked run
func (t *RunTracker) Get(runID string) (models.SyncRun, bool) {
	tr, ok := t.runs.Load(runID)
	if !ok {
		return models.SyncRun{}, false
	}
	return tr.snapshot(), true
}

// Cancel stops a running run. It reports false when the run is unknown or already finished.
func (t *RunTracker) Cancel(runID string) bool {
	tr, ok := t.runs.Load(runID)
	if !ok {
		return false
	}
	select {
	case <-tr.done:
		return false
	default:
	}
	tr.cancel()
	return true
}

// Wait blocks until the run finishes or ctx is done
func (t *RunTracker) Wait(ctx context.Context, runID string) (models.SyncRun, error) {
	tr, ok := t.runs.Load(runID)
	if !ok {
		return models.SyncRun{}, errUnknownRun
	}
	select {
	case <-tr.done:
		return tr.snapshot(), nil
	case <-ctx.Done():
		return models.SyncRun{}, ctx.Err()
	}
}

// Active returns the IDs of runs still in flight
func (t *RunTracker) Active() []string {
	var ids []string
	t.runs.Range(func(id string, tr *trackedRun) bool {
		select {
		case <-tr.done:
		default:
			ids = append(ids, id)
		}
		return true
	})
	return ids
}

// Prune forgets finished runs completed before the cutoff. Persisted runs stay readable from storage.
func (t *RunTracker) Prune(cutoff time.Time) int {
	pruned := 0
	t.runs.Range(func(id string, tr *trackedRun) bool {
		select {
		case <-tr.done:
			run := tr.snapshot()
			if run.CompletedAt != nil && run.CompletedAt.Before(cutoff) {
				t.runs.Delete(id)
				pruned++
			}
		default:
		}
		return true
	})
	return pruned
}
