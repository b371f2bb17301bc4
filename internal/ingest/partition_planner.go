// Package ingest splits the registry into cap-safe partitions and pages through them.
package ingest

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/registry-scanner/internal/logging"
	"github.com/registry-scanner/internal/models"
	"github.com/registry-scanner/internal/retry"
	"golang.org/x/sync/errgroup"
)

const day = 24 * time.Hour

// MinSpan is the narrowest partition the planner produces. Registration date filters carry
// no time of day, so a shorter range cannot be fetched on its own.
const MinSpan = day

// Prober counts the records a partition would return
type Prober interface {
	Count(ctx context.Context, p models.Partition) (int, error)
}

// PlannerConfig configures partition planning
type PlannerConfig struct {
	Cap              int
	CapMargin        float64
	MinSpan          time.Duration
	Retry            *retry.RetryConfig
	ProbeConcurrency int
}

// PlanResult is the output of a planning pass
type PlanResult struct {
	Partitions []models.Partition
	Gaps       []models.Gap
}

// Estimated returns the sum of partition estimates
func (r *PlanResult) Estimated() int {
	total := 0
	for _, p := range r.Partitions {
		total += p.Estimated
	}
	return total
}

// Planner splits a domain by halving registration date ranges until every partition
// counts below the cap margin
type Planner struct {
	prober Prober
	cfg    PlannerConfig
}

// NewPlanner creates a planner
func NewPlanner(prober Prober, cfg PlannerConfig) *Planner {
	if cfg.MinSpan < MinSpan {
		cfg.MinSpan = MinSpan
	}
	if cfg.Retry == nil {
		cfg.Retry = retry.DefaultRetryConfig()
	}
	if cfg.ProbeConcurrency < 1 {
		cfg.ProbeConcurrency = 1
	}
	return &Planner{prober: prober, cfg: cfg}
}

// Threshold is the largest count a partition may carry, exclusive
func (p *Planner) Threshold() int {
	return int(math.Floor(float64(p.cfg.Cap) * p.cfg.CapMargin))
}

// WithMinSpan returns a planner sharing the prober with a different minimum span,
// never below MinSpan
func (p *Planner) WithMinSpan(span time.Duration) *Planner {
	cfg := p.cfg
	cfg.MinSpan = max(span, MinSpan)
	return &Planner{prober: p.prober, cfg: cfg}
}

// Plan partitions the domain. Output is ordered by jurisdiction then From.
// Probe failures become gaps. Only context cancellation is returned as an error.
func (p *Planner) Plan(ctx context.Context, d models.Domain) (*PlanResult, error) {
	from := truncateDay(d.From)
	to := ceilDay(d.To)
	if !from.Before(to) {
		return nil, fmt.Errorf("empty domain: from %s is not before to %s", from.Format(time.DateOnly), to.Format(time.DateOnly))
	}

	jurisdictions := d.Jurisdictions
	if len(jurisdictions) == 0 {
		jurisdictions = []string{""}
	}

	results := make([]PlanResult, len(jurisdictions))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.ProbeConcurrency)
	for i, j := range jurisdictions {
		root := models.Partition{Jurisdiction: j, From: from, To: to, ModifiedSince: d.ModifiedSince}
		g.Go(func() error {
			return p.split(gctx, root, &results[i])
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := &PlanResult{}
	for _, r := range results {
		out.Partitions = append(out.Partitions, r.Partitions...)
		out.Gaps = append(out.Gaps, r.Gaps...)
	}

	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"jurisdictions": len(jurisdictions),
		"partitions":    len(out.Partitions),
		"gaps":          len(out.Gaps),
		"estimated":     out.Estimated(),
		"threshold":     p.Threshold(),
	}).Info("Partition plan ready")

	return out, nil
}

// split probes part and either accepts it, drops it, records a gap or recurses into its halves
func (p *Planner) split(ctx context.Context, part models.Partition, out *PlanResult) error {
	count, err := p.probe(ctx, part)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logging.FromContext(ctx).WithField("partition", part.Key()).WithError(err).Warn("Probe failed, recording gap")
		out.Gaps = append(out.Gaps, newGap(part, models.GapReasonPlanFailed, 0, 0))
		return nil
	}

	switch {
	case count == 0:
		return nil
	case count < p.Threshold():
		part.Estimated = count
		out.Partitions = append(out.Partitions, part)
		return nil
	}

	days := int(part.Span() / day)
	halfDays := days / 2
	if time.Duration(halfDays)*day < p.cfg.MinSpan || time.Duration(days-halfDays)*day < p.cfg.MinSpan {
		part.Estimated = count
		out.Gaps = append(out.Gaps, newGap(part, models.GapReasonMinGranularity, 0, count))
		return nil
	}

	mid := part.From.AddDate(0, 0, halfDays)
	left, right := part, part
	left.To = mid
	right.From = mid

	if err := p.split(ctx, left, out); err != nil {
		return err
	}
	return p.split(ctx, right, out)
}

func (p *Planner) probe(ctx context.Context, part models.Partition) (int, error) {
	var count int
	result := retry.WithExponentialBackoff(ctx, p.cfg.Retry, func(ctx context.Context, attempt int) error {
		n, err := p.prober.Count(ctx, part)
		if err != nil {
			return err
		}
		count = n
		return nil
	})
	if !result.Success {
		return 0, result.Err()
	}
	return count, nil
}

func newGap(part models.Partition, reason string, cursor, estimated int) models.Gap {
	return models.Gap{
		ID:               uuid.New().String(),
		Partition:        part,
		Reason:           reason,
		Cursor:           cursor,
		EstimatedRecords: estimated,
		DetectedAt:       time.Now().UTC(),
	}
}

func truncateDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func ceilDay(t time.Time) time.Time {
	d := truncateDay(t)
	if d.Before(t.UTC()) {
		return d.Add(day)
	}
	return d
}
