// Package job runs registry sync jobs: full population, incremental deltas and gap-fill.
package job

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/google/uuid"

	apperrors "github.com/registry-scanner/internal/errors"
	"github.com/registry-scanner/internal/events"
	"github.com/registry-scanner/internal/ingest"
	"github.com/registry-scanner/internal/logging"
	"github.com/registry-scanner/internal/metrics"
	"github.com/registry-scanner/internal/models"
	"github.com/registry-scanner/internal/retry"
	"github.com/registry-scanner/internal/service"
	"github.com/registry-scanner/internal/storage"
	"github.com/registry-scanner/internal/types"
)

var errUnknownRun = errors.New("unknown run")

const (
	defaultMergeBatchSize = 200
	defaultGapBatchSize   = 100
	defaultDetectionSweep = 1000
	defaultLeaseTTL       = 30 * time.Minute

	fullRunLease    = "run:full"
	partitionPrefix = "partition:"
)

// OrchestratorConfig configures sync runs
type OrchestratorConfig struct {
	WorkerConcurrency int
	MinPartitionSpan  time.Duration
	DomainStart       time.Time
	Jurisdictions     []string
	LeaseTTL          time.Duration
	MergeBatchSize    int
	GapBatchSize      int
	// DetectionSweep caps how many pending detections a run retries before it finishes
	DetectionSweep int
	// Retry is the fetch policy; gap-fill doubles its backoff
	Retry *retry.RetryConfig
}

// Deps groups the collaborators of an Orchestrator
type Deps struct {
	Repo     storage.Repository
	Planner  *ingest.Planner
	Fetcher  *ingest.Fetcher
	Merger   *service.HistoryMerger
	Detector *service.MovementDetector
	Locker   storage.Locker
	Sink     events.Sink
	Metrics  *metrics.Metrics
}

// Orchestrator drives runs through plan, fetch, normalize, merge, detect and watermark.
// Partitions of all runs share one bounded worker pool.
type Orchestrator struct {
	repo     storage.Repository
	planner  *ingest.Planner
	fetcher  *ingest.Fetcher
	merger   *service.HistoryMerger
	detector *service.MovementDetector
	locker   storage.Locker
	sink     events.Sink
	tracker  *RunTracker
	metrics  *metrics.Metrics
	cfg      OrchestratorConfig
	pool     pond.Pool
	now      func() time.Time
}

// NewOrchestrator creates an orchestrator. Close releases its worker pool.
func NewOrchestrator(deps Deps, cfg OrchestratorConfig) *Orchestrator {
	if cfg.WorkerConcurrency < 1 {
		cfg.WorkerConcurrency = 1
	}
	if cfg.MinPartitionSpan < 24*time.Hour {
		cfg.MinPartitionSpan = 24 * time.Hour
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = defaultLeaseTTL
	}
	if cfg.MergeBatchSize < 1 {
		cfg.MergeBatchSize = defaultMergeBatchSize
	}
	if cfg.GapBatchSize < 1 {
		cfg.GapBatchSize = defaultGapBatchSize
	}
	if cfg.DetectionSweep < 1 {
		cfg.DetectionSweep = defaultDetectionSweep
	}
	if cfg.Retry == nil {
		cfg.Retry = retry.DefaultRetryConfig()
	}
	if deps.Locker == nil {
		deps.Locker = storage.NewMemoryLocker()
	}
	if deps.Sink == nil {
		deps.Sink = events.LogSink{}
	}

	return &Orchestrator{
		repo:     deps.Repo,
		planner:  deps.Planner,
		fetcher:  deps.Fetcher.WithRetry(cfg.Retry),
		merger:   deps.Merger,
		detector: deps.Detector,
		locker:   deps.Locker,
		sink:     deps.Sink,
		tracker:  NewRunTracker(),
		metrics:  deps.Metrics,
		cfg:      cfg,
		pool:     pond.NewPool(cfg.WorkerConcurrency),
		now:      time.Now,
	}
}

// WithClock replaces the time source used for run timestamps
func (o *Orchestrator) WithClock(now func() time.Time) *Orchestrator {
	o.now = now
	return o
}

// Tracker exposes the live run registry
func (o *Orchestrator) Tracker() *RunTracker {
	return o.tracker
}

// Close cancels every running run and waits for the worker pool to drain
func (o *Orchestrator) Close() {
	for _, id := range o.tracker.Active() {
		o.tracker.Cancel(id)
	}
	o.pool.StopAndWait()
}

// workItem is one partition to sync, optionally resuming at a page and filling a gap
type workItem struct {
	partition models.Partition
	cursor    int
	gapID     string
}

type runPlan struct {
	items []workItem
	gaps  []models.Gap
	skip  map[string]bool
	// gap-fill only: gaps in queue order and those whose re-plan left part uncovered
	gapIDs  []string
	blocked map[string]bool
}

type planFunc func(ctx context.Context) (*runPlan, error)

type runJob struct {
	ctx         context.Context
	cancel      context.CancelFunc
	tracked     *trackedRun
	lease       storage.Lease
	plan        planFunc
	fetcher     *ingest.Fetcher
	persistGaps bool

	runID     string
	kind      types.RunKind
	startedAt time.Time
}

type partitionState int

const (
	partitionNotStarted partitionState = iota
	partitionCompleted
	partitionSkipped
	partitionFailed
	partitionCancelled
)

type partitionOutcome struct {
	state partitionState
	gaps  []models.Gap
	abort error
}

// RunFullPopulation syncs the whole domain and blocks until the run ends.
// Zero domain fields fall back to the configured jurisdictions and date range.
func (o *Orchestrator) RunFullPopulation(ctx context.Context, domain models.Domain) (*models.SyncRun, error) {
	job, err := o.prepareFull(ctx, ctx, domain)
	if err != nil {
		return nil, err
	}
	return o.execute(job)
}

// StartFullPopulation launches a full population and returns its run ID
func (o *Orchestrator) StartFullPopulation(ctx context.Context, domain models.Domain) (string, error) {
	job, err := o.prepareFull(ctx, context.WithoutCancel(ctx), domain)
	if err != nil {
		return "", err
	}
	go o.execute(job)
	return job.runID, nil
}

// RunIncrementalDelta syncs records modified since the given time. A nil since starts at the
// last completed sync of the affected jurisdictions.
func (o *Orchestrator) RunIncrementalDelta(ctx context.Context, since *time.Time, jurisdictions ...string) (*models.SyncRun, error) {
	job, err := o.prepareIncremental(ctx, ctx, since, jurisdictions)
	if err != nil {
		return nil, err
	}
	return o.execute(job)
}

// StartIncrementalDelta launches an incremental delta and returns its run ID
func (o *Orchestrator) StartIncrementalDelta(ctx context.Context, since *time.Time, jurisdictions ...string) (string, error) {
	job, err := o.prepareIncremental(ctx, context.WithoutCancel(ctx), since, jurisdictions)
	if err != nil {
		return "", err
	}
	go o.execute(job)
	return job.runID, nil
}

// RunGapFill retries the given gaps, or the newest open gaps in storage when gaps is nil
func (o *Orchestrator) RunGapFill(ctx context.Context, gaps []models.Gap) (*models.SyncRun, error) {
	job, err := o.prepareGapFill(ctx, ctx, gaps)
	if err != nil {
		return nil, err
	}
	return o.execute(job)
}

// StartGapFill launches a gap-fill and returns its run ID
func (o *Orchestrator) StartGapFill(ctx context.Context, gaps []models.Gap) (string, error) {
	job, err := o.prepareGapFill(ctx, context.WithoutCancel(ctx), gaps)
	if err != nil {
		return "", err
	}
	go o.execute(job)
	return job.runID, nil
}

// ResumeRun re-runs an interrupted full or incremental run under the same ID, skipping
// partitions it already committed
func (o *Orchestrator) ResumeRun(ctx context.Context, runID string) (*models.SyncRun, error) {
	prev, err := o.Status(ctx, runID)
	if err != nil {
		return nil, err
	}
	if !prev.Status.IsTerminal() {
		return nil, apperrors.NewConflictError(fmt.Sprintf("run %s is still running", runID))
	}
	if prev.Kind == types.RunGapFill {
		return nil, apperrors.NewInvalidParameterError("runId", "gap-fill runs cannot be resumed")
	}
	if prev.Status == types.RunStatusSucceeded {
		return prev, nil
	}

	run := models.SyncRun{
		ID:        prev.ID,
		Kind:      prev.Kind,
		Status:    types.RunStatusRunning,
		Phase:     types.PhasePlanning,
		Domain:    prev.Domain,
		StartedAt: prev.StartedAt,
	}
	job, err := o.prepare(ctx, ctx, run, o.planResume(prev.Domain, runID))
	if err != nil {
		return nil, err
	}
	return o.execute(job)
}

// Status returns a live run, falling back to the persisted record
func (o *Orchestrator) Status(ctx context.Context, runID string) (*models.SyncRun, error) {
	if run, ok := o.tracker.Get(runID); ok {
		return &run, nil
	}
	run, err := o.repo.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apperrors.NewNotFoundError("sync run", runID)
		}
		return nil, fmt.Errorf("failed to load run: %w", err)
	}
	return run, nil
}

// Cancel stops launching partitions of a running run. In-flight merges complete.
func (o *Orchestrator) Cancel(runID string) bool {
	return o.tracker.Cancel(runID)
}

func (o *Orchestrator) newRun(kind types.RunKind, domain models.Domain) models.SyncRun {
	return models.SyncRun{
		ID:        uuid.New().String(),
		Kind:      kind,
		Status:    types.RunStatusRunning,
		Phase:     types.PhasePlanning,
		Domain:    domain,
		StartedAt: o.now().UTC(),
	}
}

// horizon is the exclusive end of the registration date range: tomorrow
func (o *Orchestrator) horizon() time.Time {
	return o.now().UTC().AddDate(0, 0, 1)
}

func (o *Orchestrator) prepareFull(ctx, parent context.Context, domain models.Domain) (*runJob, error) {
	if len(domain.Jurisdictions) == 0 {
		domain.Jurisdictions = o.cfg.Jurisdictions
	}
	if domain.From.IsZero() {
		domain.From = o.cfg.DomainStart
	}
	if domain.To.IsZero() {
		domain.To = o.horizon()
	}
	return o.prepare(ctx, parent, o.newRun(types.RunFull, domain), o.planDomain(domain))
}

func (o *Orchestrator) prepareIncremental(ctx, parent context.Context, since *time.Time, jurisdictions []string) (*runJob, error) {
	if len(jurisdictions) == 0 {
		jurisdictions = o.cfg.Jurisdictions
	}
	if since == nil {
		s, err := o.deltaSince(ctx, jurisdictions)
		if err != nil {
			return nil, err
		}
		since = s
	}
	if since == nil {
		logging.FromContext(ctx).Info("No completed sync found, incremental run covers every record")
	}

	domain := models.Domain{
		Jurisdictions: jurisdictions,
		From:          o.cfg.DomainStart,
		To:            o.horizon(),
		ModifiedSince: since,
	}
	return o.prepare(ctx, parent, o.newRun(types.RunIncremental, domain), o.planDomain(domain))
}

func (o *Orchestrator) prepareGapFill(ctx, parent context.Context, gaps []models.Gap) (*runJob, error) {
	if gaps == nil {
		loaded, err := o.repo.ListOpenGaps(ctx, o.cfg.GapBatchSize)
		if err != nil {
			return nil, fmt.Errorf("failed to load open gaps: %w", err)
		}
		gaps = loaded
	}

	job, err := o.prepare(ctx, parent, o.newRun(types.RunGapFill, gapDomain(gaps)), o.planGaps(gaps))
	if err != nil {
		return nil, err
	}
	// the original gap stays open until fully covered, so residual gaps are not persisted again
	job.persistGaps = false
	job.fetcher = o.fetcher.WithRetry(o.cfg.Retry.Scaled(2))
	return job, nil
}

func (o *Orchestrator) prepare(ctx, parent context.Context, run models.SyncRun, plan planFunc) (*runJob, error) {
	var lease storage.Lease
	if run.Kind == types.RunFull {
		l, err := o.locker.Acquire(ctx, fullRunLease, o.cfg.LeaseTTL)
		if err != nil {
			if errors.Is(err, storage.ErrLeaseHeld) {
				return nil, apperrors.NewConflictError("a full population run is already in progress")
			}
			return nil, fmt.Errorf("failed to acquire run lease: %w", err)
		}
		lease = l
	}

	runCtx, cancel := context.WithCancel(parent)
	tracked, ok := o.tracker.track(run, cancel)
	if !ok {
		cancel()
		if lease != nil {
			_ = lease.Release(ctx)
		}
		return nil, apperrors.NewConflictError(fmt.Sprintf("run %s is already in progress", run.ID))
	}

	return &runJob{
		ctx:         runCtx,
		cancel:      cancel,
		tracked:     tracked,
		lease:       lease,
		plan:        plan,
		fetcher:     o.fetcher,
		persistGaps: true,
		runID:       run.ID,
		kind:        run.Kind,
		startedAt:   run.StartedAt,
	}, nil
}

// deltaSince takes, per jurisdiction, the latest completed partition sync and returns the
// oldest of those. Keys of partitions a later plan split differently keep their old
// watermarks, so they must not pull since back; ranges that failed are left to their gaps.
// Nil when some jurisdiction was never synced.
func (o *Orchestrator) deltaSince(ctx context.Context, jurisdictions []string) (*time.Time, error) {
	scopes := jurisdictions
	if len(scopes) == 0 {
		scopes = []string{""}
	}

	var since *time.Time
	for _, j := range scopes {
		wms, err := o.repo.ListWatermarks(ctx, j)
		if err != nil {
			return nil, fmt.Errorf("failed to list watermarks: %w", err)
		}
		if len(wms) == 0 {
			return nil, nil
		}
		latest := wms[0].LastSuccessfulRun
		for _, wm := range wms[1:] {
			if wm.LastSuccessfulRun.After(latest) {
				latest = wm.LastSuccessfulRun
			}
		}
		if since == nil || latest.Before(*since) {
			t := latest
			since = &t
		}
	}
	return since, nil
}

func (o *Orchestrator) planDomain(domain models.Domain) planFunc {
	return func(ctx context.Context) (*runPlan, error) {
		res, err := o.planner.Plan(ctx, domain)
		if err != nil {
			return nil, err
		}
		plan := &runPlan{gaps: res.Gaps}
		for _, p := range res.Partitions {
			plan.items = append(plan.items, workItem{partition: p})
		}
		return plan, nil
	}
}

func (o *Orchestrator) planResume(domain models.Domain, runID string) planFunc {
	base := o.planDomain(domain)
	return func(ctx context.Context) (*runPlan, error) {
		plan, err := base(ctx)
		if err != nil {
			return nil, err
		}
		plan.skip = make(map[string]bool)
		for _, item := range plan.items {
			key := item.partition.Key()
			wm, err := o.repo.GetWatermark(ctx, key)
			if err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					continue
				}
				return nil, fmt.Errorf("failed to read watermark %s: %w", key, err)
			}
			if wm.LastRunID == runID {
				plan.skip[key] = true
			}
		}
		return plan, nil
	}
}

func (o *Orchestrator) planGaps(gaps []models.Gap) planFunc {
	return func(ctx context.Context) (*runPlan, error) {
		logger := logging.FromContext(ctx)
		// halving stops at one day, a one-day gap is only retried with the longer backoff
		planner := o.planner.WithMinSpan(max(o.cfg.MinPartitionSpan/2, ingest.MinSpan))
		plan := &runPlan{blocked: make(map[string]bool)}

		queue := NewGapQueue(gaps)
		for queue.Len() > 0 {
			gap, _ := queue.Pop()
			glog := logger.WithFields(map[string]interface{}{
				"gapId":     gap.ID,
				"partition": gap.Partition.Key(),
				"reason":    gap.Reason,
			})

			if err := o.repo.RecordGapAttempt(ctx, gap.ID); err != nil {
				if apperrors.IsStorageUnavailable(err) || ctx.Err() != nil {
					return nil, err
				}
				if !errors.Is(err, storage.ErrNotFound) {
					glog.WithError(err).Warn("Failed to record gap attempt")
				}
			}
			plan.gapIDs = append(plan.gapIDs, gap.ID)

			d := models.Domain{From: gap.Partition.From, To: gap.Partition.To, ModifiedSince: gap.Partition.ModifiedSince}
			if gap.Partition.Jurisdiction != "" {
				d.Jurisdictions = []string{gap.Partition.Jurisdiction}
			}
			res, err := planner.Plan(ctx, d)
			if err != nil {
				if ctx.Err() != nil {
					return nil, err
				}
				glog.WithError(err).Warn("Gap could not be re-planned")
				plan.blocked[gap.ID] = true
				continue
			}
			if len(res.Gaps) > 0 {
				plan.blocked[gap.ID] = true
				plan.gaps = append(plan.gaps, res.Gaps...)
			}
			for _, p := range res.Partitions {
				item := workItem{partition: p, gapID: gap.ID}
				if p.Key() == gap.Partition.Key() {
					item.cursor = gap.Cursor
				}
				plan.items = append(plan.items, item)
			}
		}
		return plan, nil
	}
}

// gapDomain is the bounding domain of a gap batch, for run bookkeeping only
func gapDomain(gaps []models.Gap) models.Domain {
	var d models.Domain
	seen := make(map[string]bool)
	for i, g := range gaps {
		if i == 0 || g.Partition.From.Before(d.From) {
			d.From = g.Partition.From
		}
		if i == 0 || g.Partition.To.After(d.To) {
			d.To = g.Partition.To
		}
		if j := g.Partition.Jurisdiction; j != "" && !seen[j] {
			seen[j] = true
			d.Jurisdictions = append(d.Jurisdictions, j)
		}
	}
	return d
}

func (o *Orchestrator) execute(job *runJob) (*models.SyncRun, error) {
	defer job.cancel()
	if job.lease != nil {
		defer func() {
			if err := job.lease.Release(context.WithoutCancel(job.ctx)); err != nil {
				logging.FromContext(job.ctx).WithError(err).Warn("Failed to release run lease")
			}
		}()
	}
	defer job.tracked.finish()

	ctx := logging.WithLogger(job.ctx, logging.FromContext(job.ctx).WithFields(map[string]interface{}{
		"runId": job.runID,
		"kind":  job.kind,
	}))
	logger := logging.FromContext(ctx)
	sink := events.WithRun(o.sink, job.runID)
	started := o.now()

	o.saveRun(ctx, job.tracked)
	sink.Emit(ctx, events.Event{Kind: events.KindRunStarted, Message: string(job.kind)})
	logger.Info("Sync run started")

	plan, err := job.plan(ctx)
	if err != nil {
		return o.finish(ctx, job, sink, started, fmt.Errorf("planning failed: %w", err))
	}

	planGaps := o.tagGaps(job, plan.gaps)
	for _, g := range planGaps {
		o.metrics.Gap(g.Reason)
		sink.Emit(ctx, events.Event{
			Kind:         events.KindGap,
			PartitionKey: g.Partition.Key(),
			Count:        int64(g.EstimatedRecords),
			Message:      "coverage gap: " + g.Reason,
		})
	}
	job.tracked.update(func(r *models.SyncRun) {
		r.Phase = types.PhaseSyncing
		r.PartitionsTotal = len(plan.items)
		r.Gaps = append(r.Gaps, planGaps...)
	})
	o.saveRun(ctx, job.tracked)
	sink.Emit(ctx, events.Event{Kind: events.KindPlanned, Count: int64(len(plan.items))})

	abortCtx, abort := context.WithCancelCause(ctx)
	defer abort(nil)
	outcomes := o.runPartitions(abortCtx, abort, job, plan, sink)

	var failure error
	if cause := context.Cause(abortCtx); cause != nil && apperrors.IsStorageUnavailable(cause) {
		failure = cause
	}

	if failure == nil && ctx.Err() == nil {
		failure = o.sweepDetections(ctx, job)
	}

	if job.kind == types.RunGapFill {
		o.resolveGaps(ctx, plan, outcomes)
	}
	if job.persistGaps {
		if gaps := job.tracked.snapshot().Gaps; len(gaps) > 0 {
			if err := o.repo.SaveGaps(context.WithoutCancel(ctx), gaps); err != nil {
				logger.WithError(err).Error("Failed to persist gaps")
			}
		}
	}

	return o.finish(ctx, job, sink, started, failure)
}

// runPartitions syncs every planned partition on the shared pool. Storage unavailability
// aborts the remaining partitions through abort.
func (o *Orchestrator) runPartitions(ctx context.Context, abort context.CancelCauseFunc, job *runJob, plan *runPlan, sink events.Sink) []partitionOutcome {
	outcomes := make([]partitionOutcome, len(plan.items))

	group := o.pool.NewGroupContext(ctx)
	groupCtx := group.Context()

	for i, item := range plan.items {
		group.Submit(func() {
			if groupCtx.Err() != nil {
				return
			}

			key := item.partition.Key()
			if plan.skip[key] {
				outcomes[i] = partitionOutcome{state: partitionSkipped}
				job.tracked.update(func(r *models.SyncRun) { r.PartitionsCompleted++ })
				o.metrics.Partition("skipped")
				sink.Emit(groupCtx, events.Event{Kind: events.KindPartitionSkipped, PartitionKey: key})
				return
			}

			out := o.syncPartition(groupCtx, job, item, sink)
			outcomes[i] = out
			if out.abort != nil {
				abort(out.abort)
			}
		})
	}

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, pond.ErrGroupStopped) {
		logging.FromContext(ctx).WithError(err).Warn("Partition group ended with error")
	}
	return outcomes
}

// syncPartition runs fetch, normalize, merge and detect for one partition, then writes its
// watermark. The watermark is written only when every page was read.
func (o *Orchestrator) syncPartition(ctx context.Context, job *runJob, item workItem, sink events.Sink) partitionOutcome {
	p := item.partition
	key := p.Key()
	logger := logging.FromContext(ctx).WithField("partition", key)
	ctx = logging.WithLogger(ctx, logger)

	o.metrics.PartitionStarted()
	defer o.metrics.PartitionDone()

	lease, err := o.locker.Acquire(ctx, partitionPrefix+key, o.cfg.LeaseTTL)
	if err != nil {
		if ctx.Err() != nil {
			return o.cancelPartition()
		}
		if errors.Is(err, storage.ErrLeaseHeld) {
			err = apperrors.NewConflictError("partition is being synced by another worker")
		}
		return o.failPartition(ctx, job, sink, item, err, nil)
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			logger.WithError(err).Warn("Failed to release partition lease")
		}
	}()

	stream := job.fetcher.WithSink(sink).Fetch(ctx, p, item.cursor)
	batch := make([]service.Snapshot, 0, o.cfg.MergeBatchSize)
	var abortErr error
	for raw := range stream.Records() {
		entity, addresses, err := service.Normalize(raw)
		if err != nil {
			o.metrics.Rejected()
			job.tracked.update(func(r *models.SyncRun) { r.RecordsFailed++ })
			logger.WithError(err).Debug("Dropping record that failed normalization")
			continue
		}
		batch = append(batch, service.Snapshot{Entity: entity, Addresses: addresses})
		if len(batch) >= o.cfg.MergeBatchSize {
			if abortErr = o.commit(ctx, job, batch); abortErr != nil {
				break
			}
			batch = batch[:0]
		}
	}
	if abortErr == nil && len(batch) > 0 {
		abortErr = o.commit(ctx, job, batch)
	}
	if abortErr != nil {
		out := o.failPartition(ctx, job, sink, item, abortErr, nil)
		out.abort = abortErr
		return out
	}

	var gaps []models.Gap
	if g := stream.Gap(); g != nil {
		gaps = append(gaps, *g)
	}
	if err := stream.Err(); err != nil {
		if ctx.Err() != nil {
			return o.cancelPartition()
		}
		return o.failPartition(ctx, job, sink, item, err, gaps)
	}

	wm := &models.SyncWatermark{
		PartitionKey:      key,
		LastSuccessfulRun: job.startedAt,
		LastRunID:         job.runID,
		LastCursor:        stream.Cursor(),
		RecordsSeen:       int64(stream.Seen()),
	}
	if err := o.repo.SetWatermark(context.WithoutCancel(ctx), wm); err != nil {
		if apperrors.IsStorageUnavailable(err) {
			out := o.failPartition(ctx, job, sink, item, err, nil)
			out.abort = err
			return out
		}
		return o.failPartition(ctx, job, sink, item, apperrors.NewWatermarkPersistError(key, err), gaps)
	}

	gaps = o.tagGaps(job, gaps)
	job.tracked.update(func(r *models.SyncRun) {
		r.PartitionsCompleted++
		r.Gaps = append(r.Gaps, gaps...)
	})
	o.metrics.Partition("completed")
	sink.Emit(ctx, events.Event{
		Kind:         events.KindPartitionDone,
		PartitionKey: key,
		Page:         stream.Cursor(),
		Count:        int64(stream.Seen()),
	})
	logger.WithFields(map[string]interface{}{
		"records":  stream.Seen(),
		"filtered": stream.Filtered(),
		"pages":    stream.Cursor(),
	}).Debug("Partition synced")

	return partitionOutcome{state: partitionCompleted, gaps: gaps}
}

// commit merges a batch and runs detection on entities whose status or addresses changed.
// Merges run detached from ctx so cancellation never leaves a half-applied batch.
// Only storage unavailability is returned.
func (o *Orchestrator) commit(ctx context.Context, job *runJob, batch []service.Snapshot) error {
	logger := logging.FromContext(ctx)
	mergeCtx := context.WithoutCancel(ctx)

	results, errs, batchErr := o.merger.MergeBatch(mergeCtx, batch)

	var processed, failed, conflicts, alerts int64
	for i, res := range results {
		if res == nil {
			failed++
			if errs[i] != nil && apperrors.IsMergeConflict(errs[i]) {
				conflicts++
			}
			continue
		}
		processed++
		if batchErr != nil || !res.NeedsDetection() {
			continue
		}

		found, err := o.detector.Detect(mergeCtx, res.EntityID)
		if err != nil {
			if apperrors.IsStorageUnavailable(err) {
				batchErr = err
				continue
			}
			logger.WithField("entityId", res.EntityID).WithError(err).Warn("Detection failed, entity stays flagged for the sweep")
			continue
		}
		for _, a := range found {
			if a.IsActive {
				alerts++
			}
		}
	}

	job.tracked.update(func(r *models.SyncRun) {
		r.RecordsProcessed += processed
		r.RecordsFailed += failed
		r.MergeConflicts += conflicts
		r.AlertsRaised += alerts
	})
	return batchErr
}

// sweepDetections retries detection for entities whose merge committed but whose alerts were
// never rebuilt, in this run or an earlier one. Only storage unavailability is returned.
func (o *Orchestrator) sweepDetections(ctx context.Context, job *runJob) error {
	logger := logging.FromContext(ctx)

	res, err := o.detector.DetectPending(ctx, o.cfg.DetectionSweep)
	if err != nil {
		if apperrors.IsStorageUnavailable(err) {
			return err
		}
		logger.WithError(err).Warn("Pending detection sweep failed")
		return nil
	}

	remaining, err := o.repo.ListDetectionPending(ctx, o.cfg.DetectionSweep)
	if err != nil {
		if apperrors.IsStorageUnavailable(err) {
			return err
		}
		logger.WithError(err).Warn("Failed to count pending detections")
		return nil
	}

	job.tracked.update(func(r *models.SyncRun) {
		r.AlertsRaised += res.Alerts
		r.DetectionsPending = int64(len(remaining))
	})
	return nil
}

func (o *Orchestrator) cancelPartition() partitionOutcome {
	o.metrics.Partition("cancelled")
	return partitionOutcome{state: partitionCancelled}
}

// failPartition records a failed partition. When the fetcher left no gap, one covering the
// partition from its start cursor is added so gap-fill picks it up.
func (o *Orchestrator) failPartition(ctx context.Context, job *runJob, sink events.Sink, item workItem, err error, gaps []models.Gap) partitionOutcome {
	key := item.partition.Key()
	if len(gaps) == 0 {
		gaps = []models.Gap{{
			ID:               uuid.New().String(),
			Partition:        item.partition,
			Reason:           models.GapReasonPartitionFailed,
			Cursor:           item.cursor,
			EstimatedRecords: item.partition.Estimated,
			DetectedAt:       o.now().UTC(),
		}}
		o.metrics.Gap(models.GapReasonPartitionFailed)
	}
	gaps = o.tagGaps(job, gaps)

	job.tracked.update(func(r *models.SyncRun) {
		r.PartitionsFailed++
		r.FailedPartitions = append(r.FailedPartitions, models.PartitionFailure{PartitionKey: key, Error: err.Error()})
		r.Gaps = append(r.Gaps, gaps...)
	})
	o.metrics.Partition("failed")
	sink.Emit(ctx, events.Event{Kind: events.KindPartitionFailed, PartitionKey: key, Message: err.Error()})
	logging.FromContext(ctx).WithError(err).Warn("Partition failed, continuing with the rest of the run")

	return partitionOutcome{state: partitionFailed, gaps: gaps}
}

func (o *Orchestrator) tagGaps(job *runJob, gaps []models.Gap) []models.Gap {
	out := make([]models.Gap, len(gaps))
	for i, g := range gaps {
		g.RunID = job.runID
		if g.DetectedAt.IsZero() {
			g.DetectedAt = o.now().UTC()
		}
		out[i] = g
	}
	return out
}

// resolveGaps closes every gap whose partitions all completed without leaving a new gap
func (o *Orchestrator) resolveGaps(ctx context.Context, plan *runPlan, outcomes []partitionOutcome) {
	logger := logging.FromContext(ctx)

	covered := make(map[string]bool, len(plan.gapIDs))
	for _, id := range plan.gapIDs {
		covered[id] = !plan.blocked[id]
	}
	for i, item := range plan.items {
		if item.gapID == "" {
			continue
		}
		out := outcomes[i]
		if (out.state != partitionCompleted && out.state != partitionSkipped) || len(out.gaps) > 0 {
			covered[item.gapID] = false
		}
	}

	for _, id := range plan.gapIDs {
		if !covered[id] {
			logger.WithField("gapId", id).Info("Gap remains open")
			continue
		}
		if err := o.repo.ResolveGap(context.WithoutCancel(ctx), id); err != nil && !errors.Is(err, storage.ErrNotFound) {
			logger.WithField("gapId", id).WithError(err).Error("Failed to resolve gap")
			continue
		}
		logger.WithField("gapId", id).Info("Gap filled")
	}
}

func (o *Orchestrator) finish(ctx context.Context, job *runJob, sink events.Sink, started time.Time, failure error) (*models.SyncRun, error) {
	logger := logging.FromContext(ctx)
	run := job.tracked.snapshot()

	var status types.RunStatus
	switch {
	case failure != nil && apperrors.IsStorageUnavailable(failure):
		status = types.RunStatusFailed
	case job.ctx.Err() != nil:
		status = types.RunStatusCancelled
	case failure != nil:
		status = types.RunStatusFailed
	case run.PartitionsFailed > 0 || len(run.Gaps) > 0 || run.DetectionsPending > 0:
		status = types.RunStatusPartial
	default:
		status = types.RunStatusSucceeded
	}

	completed := o.now().UTC()
	job.tracked.update(func(r *models.SyncRun) {
		r.Status = status
		r.Phase = types.PhaseCompleted
		r.CompletedAt = &completed
		if failure != nil {
			r.Error = failure.Error()
		}
	})
	o.saveRun(ctx, job.tracked)

	final := job.tracked.snapshot()
	took := o.now().Sub(started)
	o.metrics.RunFinished(string(final.Kind), string(status), took)
	sink.Emit(ctx, events.Event{Kind: events.KindRunFinished, Count: final.RecordsProcessed, Message: string(status)})

	fields := logger.WithFields(map[string]interface{}{
		"status":              status,
		"duration":            took,
		"partitionsTotal":     final.PartitionsTotal,
		"partitionsCompleted": final.PartitionsCompleted,
		"partitionsFailed":    final.PartitionsFailed,
		"gaps":                len(final.Gaps),
		"recordsProcessed":    final.RecordsProcessed,
		"recordsFailed":       final.RecordsFailed,
		"alerts":              final.AlertsRaised,
		"detectionsPending":   final.DetectionsPending,
	})

	switch status {
	case types.RunStatusFailed:
		fields.WithError(failure).Error("Sync run failed")
		return &final, fmt.Errorf("sync run %s failed: %w", final.ID, failure)
	case types.RunStatusCancelled:
		fields.Warn("Sync run cancelled")
		return &final, job.ctx.Err()
	case types.RunStatusPartial:
		fields.Warn("Sync run completed with failed partitions, gaps or pending detections")
	default:
		fields.Info("Sync run completed")
	}
	return &final, nil
}

func (o *Orchestrator) saveRun(ctx context.Context, tr *trackedRun) {
	run := tr.snapshot()
	if err := o.repo.SaveRun(context.WithoutCancel(ctx), &run); err != nil {
		logging.FromContext(ctx).WithError(err).Warn("Failed to persist run state")
	}
}
