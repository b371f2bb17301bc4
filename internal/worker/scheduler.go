// Package worker schedules recurring sync runs.
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/registry-scanner/internal/logging"
	"github.com/registry-scanner/internal/models"
	"github.com/registry-scanner/internal/types"
)

// Runner is the part of the orchestrator the scheduler drives
type Runner interface {
	RunFullPopulation(ctx context.Context, domain models.Domain) (*models.SyncRun, error)
	RunIncrementalDelta(ctx context.Context, since *time.Time, jurisdictions ...string) (*models.SyncRun, error)
	RunGapFill(ctx context.Context, gaps []models.Gap) (*models.SyncRun, error)
}

// ScheduleConfig holds cron specs with a seconds field. An empty spec disables that run kind.
type ScheduleConfig struct {
	Full        string
	Incremental string
	GapFill     string
	// RunTimeout bounds each scheduled run; zero means no bound
	RunTimeout time.Duration
}

// Scheduler triggers sync runs on cron schedules. A run kind never overlaps itself.
type Scheduler struct {
	cron    *cron.Cron
	runner  Runner
	cfg     ScheduleConfig
	ctx     context.Context
	entries map[types.RunKind]cron.EntryID
}

// NewScheduler registers the configured schedules. Runs inherit ctx's logger and stop with it.
func NewScheduler(ctx context.Context, runner Runner, cfg ScheduleConfig) (*Scheduler, error) {
	logger := cronLogger{logging.FromContext(ctx)}
	s := &Scheduler{
		cron:    cron.New(cron.WithSeconds(), cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger))),
		runner:  runner,
		cfg:     cfg,
		ctx:     ctx,
		entries: make(map[types.RunKind]cron.EntryID),
	}

	specs := []struct {
		kind types.RunKind
		spec string
	}{
		{types.RunFull, cfg.Full},
		{types.RunIncremental, cfg.Incremental},
		{types.RunGapFill, cfg.GapFill},
	}
	for _, sp := range specs {
		if sp.spec == "" {
			continue
		}
		id, err := s.cron.AddJob(sp.spec, s.job(sp.kind))
		if err != nil {
			return nil, fmt.Errorf("invalid %s schedule %q: %w", sp.kind, sp.spec, err)
		}
		s.entries[sp.kind] = id
	}

	return s, nil
}

// Start runs the scheduler in the background
func (s *Scheduler) Start() {
	s.cron.Start()
	logging.FromContext(s.ctx).WithFields(map[string]interface{}{
		"full":        s.cfg.Full,
		"incremental": s.cfg.Incremental,
		"gapfill":     s.cfg.GapFill,
	}).Info("Sync scheduler started")
}

// Stop prevents new runs and waits for running ones to return
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// Scheduled returns the run kinds that have a schedule
func (s *Scheduler) Scheduled() []types.RunKind {
	kinds := make([]types.RunKind, 0, len(s.entries))
	for _, k := range []types.RunKind{types.RunFull, types.RunIncremental, types.RunGapFill} {
		if _, ok := s.entries[k]; ok {
			kinds = append(kinds, k)
		}
	}
	return kinds
}

// Next returns the next activation of a run kind
func (s *Scheduler) Next(kind types.RunKind) (time.Time, bool) {
	id, ok := s.entries[kind]
	if !ok {
		return time.Time{}, false
	}
	return s.cron.Entry(id).Next, true
}

func (s *Scheduler) job(kind types.RunKind) cron.Job {
	return cron.FuncJob(func() {
		ctx := s.ctx
		if s.cfg.RunTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, s.cfg.RunTimeout)
			defer cancel()
		}
		logger := logging.FromContext(ctx).WithField("kind", kind)

		var (
			run *models.SyncRun
			err error
		)
		switch kind {
		case types.RunFull:
			run, err = s.runner.RunFullPopulation(ctx, models.Domain{})
		case types.RunIncremental:
			run, err = s.runner.RunIncrementalDelta(ctx, nil)
		case types.RunGapFill:
			run, err = s.runner.RunGapFill(ctx, nil)
		}

		if err != nil {
			logger.WithError(err).Error("Scheduled sync run failed")
			return
		}
		if run != nil {
			logger.WithFields(map[string]interface{}{
				"runId":  run.ID,
				"status": run.Status,
			}).Info("Scheduled sync run finished")
		}
	})
}

// cronLogger adapts the service logger to cron.Logger
type cronLogger struct {
	l *logging.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.WithFields(kvFields(keysAndValues)).Debug("cron: " + msg)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.WithFields(kvFields(keysAndValues)).WithError(err).Error("cron: " + msg)
}

func kvFields(kv []interface{}) map[string]interface{} {
	fields := make(map[string]interface{}, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		fields[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return fields
}
