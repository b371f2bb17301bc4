package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/registry-scanner/internal/logging"
	"github.com/registry-scanner/internal/models"
	"github.com/registry-scanner/internal/types"
)

type recordingRunner struct {
	mu    sync.Mutex
	calls []types.RunKind
	err   error
}

func (r *recordingRunner) record(kind types.RunKind) (*models.SyncRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, kind)
	if r.err != nil {
		return nil, r.err
	}
	return &models.SyncRun{ID: string(kind), Kind: kind, Status: types.RunStatusSucceeded}, nil
}

func (r *recordingRunner) RunFullPopulation(ctx context.Context, domain models.Domain) (*models.SyncRun, error) {
	return r.record(types.RunFull)
}

func (r *recordingRunner) RunIncrementalDelta(ctx context.Context, since *time.Time, jurisdictions ...string) (*models.SyncRun, error) {
	return r.record(types.RunIncremental)
}

func (r *recordingRunner) RunGapFill(ctx context.Context, gaps []models.Gap) (*models.SyncRun, error) {
	return r.record(types.RunGapFill)
}

func (r *recordingRunner) Calls() []types.RunKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]types.RunKind(nil), r.calls...)
}

func quietCtx() context.Context {
	return logging.WithLogger(context.Background(), logging.NewNop())
}

func TestNewScheduler_RegistersConfiguredKinds(t *testing.T) {
	s, err := NewScheduler(quietCtx(), &recordingRunner{}, ScheduleConfig{
		Full:        "0 0 3 * * 0",
		Incremental: "0 0 * * * *",
	})
	require.NoError(t, err)

	assert.Equal(t, []types.RunKind{types.RunFull, types.RunIncremental}, s.Scheduled())
	_, ok := s.Next(types.RunGapFill)
	assert.False(t, ok)
}

func TestNewScheduler_InvalidSpec(t *testing.T) {
	_, err := NewScheduler(quietCtx(), &recordingRunner{}, ScheduleConfig{GapFill: "every tuesday"})
	assert.Error(t, err)
}

func TestScheduler_JobDispatchesByKind(t *testing.T) {
	runner := &recordingRunner{}
	s, err := NewScheduler(quietCtx(), runner, ScheduleConfig{RunTimeout: time.Second})
	require.NoError(t, err)

	s.job(types.RunGapFill).Run()
	s.job(types.RunFull).Run()
	s.job(types.RunIncremental).Run()

	assert.Equal(t, []types.RunKind{types.RunGapFill, types.RunFull, types.RunIncremental}, runner.Calls())

	runner.err = errors.New("registry down")
	assert.NotPanics(t, func() { s.job(types.RunFull).Run() })
}

func TestScheduler_FiresOnSchedule(t *testing.T) {
	runner := &recordingRunner{}
	s, err := NewScheduler(quietCtx(), runner, ScheduleConfig{Incremental: "* * * * * *"})
	require.NoError(t, err)

	s.Start()
	defer s.Stop()

	next, ok := s.Next(types.RunIncremental)
	require.True(t, ok)
	assert.False(t, next.IsZero())

	assert.Eventually(t, func() bool {
		return len(runner.Calls()) > 0
	}, 3*time.Second, 20*time.Millisecond)
}
