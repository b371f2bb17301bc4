package service

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	apperrors "github.com/registry-scanner/internal/errors"
	"github.com/registry-scanner/internal/logging"
	"github.com/registry-scanner/internal/metrics"
	"github.com/registry-scanner/internal/models"
	"github.com/registry-scanner/internal/storage"
	"github.com/registry-scanner/internal/types"
)

const backfillPageSize = 500

// MovementDetector derives movement alerts from address timelines
type MovementDetector struct {
	repo        storage.Repository
	directory   *JurisdictionDirectory
	rules       []Rule
	concurrency int
	metrics     *metrics.Metrics
	now         func() time.Time
}

// NewMovementDetector creates a detector evaluating rules in order
func NewMovementDetector(repo storage.Repository, directory *JurisdictionDirectory, rules []Rule, concurrency int, m *metrics.Metrics) *MovementDetector {
	if concurrency <= 0 {
		concurrency = 4
	}
	if directory == nil {
		directory = NewJurisdictionDirectory(nil)
	}
	return &MovementDetector{
		repo:        repo,
		directory:   directory,
		rules:       rules,
		concurrency: concurrency,
		metrics:     m,
		now:         time.Now,
	}
}

// Detect rebuilds the alerts of one entity. Alerts are upserted by key and alerts the scan no
// longer produces are deactivated, so repeated runs over an unchanged history are no-ops.
// A successful Detect clears the entity's pending-detection flag in the same transaction.
func (d *MovementDetector) Detect(ctx context.Context, entityID string) ([]models.MovementAlert, error) {
	var alerts []models.MovementAlert

	err := d.repo.WithTx(ctx, func(tx storage.Tx) error {
		alerts = nil
		if err := tx.LockEntity(ctx, entityID); err != nil {
			return err
		}

		entity, err := tx.GetEntity(ctx, entityID)
		if err != nil {
			return fmt.Errorf("failed to load entity %s: %w", entityID, err)
		}
		records, err := tx.GetAddressHistory(ctx, entityID)
		if err != nil {
			return fmt.Errorf("failed to load address history: %w", err)
		}

		h := d.buildHistory(*entity, records)
		alerts = d.evaluate(h)

		now := d.now().UTC()
		keep := make([]models.AlertKey, 0, len(alerts))
		for i := range alerts {
			alerts[i].UpdatedAt = now
			if err := tx.UpsertMovementAlert(ctx, &alerts[i]); err != nil {
				return fmt.Errorf("failed to upsert alert %s: %w", alerts[i].Key(), err)
			}
			keep = append(keep, alerts[i].Key())
		}

		superseded, err := tx.DeactivateAlertsExcept(ctx, entityID, keep)
		if err != nil {
			return fmt.Errorf("failed to deactivate superseded alerts: %w", err)
		}
		if superseded > 0 {
			logging.FromContext(ctx).WithFields(map[string]interface{}{
				"entityId":   entityID,
				"superseded": superseded,
			}).Debug("Deactivated superseded alerts")
		}

		if entity.DetectionPending {
			if err := tx.SetDetectionPending(ctx, entityID, false); err != nil {
				return fmt.Errorf("failed to clear detection flag: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, a := range alerts {
		if a.IsActive {
			d.metrics.Alert(string(a.RiskLevel))
		}
	}
	return alerts, nil
}

// buildHistory sorts the timeline and extracts transitions between adjacent records of each kind
func (d *MovementDetector) buildHistory(entity models.Entity, records []models.AddressRecord) *History {
	records = slices.Clone(records)
	sort.SliceStable(records, func(i, j int) bool {
		if !records[i].ValidFrom.Equal(records[j].ValidFrom) {
			return records[i].ValidFrom.Before(records[j].ValidFrom)
		}
		return records[i].ID < records[j].ID
	})

	h := &History{Entity: entity, Records: records}
	for _, kind := range types.AddressKinds {
		var prev *models.AddressRecord
		for i := range records {
			rec := records[i]
			if rec.Kind != kind {
				continue
			}
			if prev != nil {
				if t, ok := d.transition(*prev, rec); ok {
					h.Transitions = append(h.Transitions, t)
				}
			}
			prev = &records[i]
		}
	}
	return h
}

func (d *MovementDetector) transition(from, to models.AddressRecord) (Transition, bool) {
	if from.SameLocation(to) {
		return Transition{}, false
	}
	fromJ, fromInferred := d.directory.Effective(from)
	toJ, toInferred := d.directory.Effective(to)
	if fromJ == "" || toJ == "" {
		return Transition{}, false
	}

	t := Transition{
		Kind:             to.Kind,
		From:             from,
		To:               to,
		FromJurisdiction: fromJ,
		ToJurisdiction:   toJ,
		Date:             to.ValidFrom.UTC(),
	}
	if !t.CrossJurisdiction() {
		t.Confidence = types.ConfidenceLow
		return t, true
	}

	switch postalJ, known := d.directory.PostalJurisdiction(to.PostalCode); {
	case fromInferred || toInferred:
		t.Confidence = types.ConfidenceLow
		t.Evidence = append(t.Evidence, "jurisdiction inferred from free-text address")
	case known && postalJ == toJ:
		t.Confidence = types.ConfidenceHigh
		t.Evidence = append(t.Evidence, fmt.Sprintf("postal code %s confirms %s", to.PostalCode, toJ))
	case known:
		t.Confidence = types.ConfidenceLow
		t.Evidence = append(t.Evidence, fmt.Sprintf("postal code %s belongs to %s, not %s", to.PostalCode, postalJ, toJ))
	default:
		t.Confidence = types.ConfidenceMedium
	}
	return t, true
}

// evaluate runs every rule and merges alerts sharing a key: highest risk, union of evidence
func (d *MovementDetector) evaluate(h *History) []models.MovementAlert {
	merged := make(map[models.AlertKey]*models.MovementAlert)
	var order []models.AlertKey

	for _, rule := range d.rules {
		for _, a := range rule.Evaluate(h) {
			key := a.Key()
			existing, ok := merged[key]
			if !ok {
				a.Evidence = slices.Clone(a.Evidence)
				merged[key] = &a
				order = append(order, key)
				continue
			}
			existing.RiskLevel = types.MaxRisk(existing.RiskLevel, a.RiskLevel)
			existing.IsActive = existing.IsActive || a.IsActive
			for _, ev := range a.Evidence {
				if !slices.Contains(existing.Evidence, ev) {
					existing.Evidence = append(existing.Evidence, ev)
				}
			}
		}
	}

	out := make([]models.MovementAlert, 0, len(order))
	for _, key := range order {
		out = append(out, *merged[key])
	}
	return out
}

// BackfillResult summarizes a detector backfill
type BackfillResult struct {
	Entities int64 `json:"entities"`
	Alerts   int64 `json:"alerts"`
	Failed   int64 `json:"failed"`
}

// Backfill runs Detect over every stored entity. Per-entity failures are logged and counted;
// storage unavailability or cancellation stops the backfill.
func (d *MovementDetector) Backfill(ctx context.Context) (*BackfillResult, error) {
	logger := logging.FromContext(ctx)
	var tally detectTally

	after := ""
	for {
		ids, err := d.repo.ListEntityIDs(ctx, after, backfillPageSize)
		if err != nil {
			return nil, fmt.Errorf("failed to list entities: %w", err)
		}
		if len(ids) == 0 {
			break
		}
		if err := d.detectAll(ctx, ids, &tally); err != nil {
			return nil, err
		}
		after = ids[len(ids)-1]
	}

	result := tally.result()
	logger.WithFields(map[string]interface{}{
		"entities": result.Entities,
		"alerts":   result.Alerts,
		"failed":   result.Failed,
	}).Info("Detector backfill completed")
	return result, nil
}

// DetectPending runs Detect over up to limit entities whose last merge was never followed
// by a completed detection. Failed entities stay flagged for the next sweep.
func (d *MovementDetector) DetectPending(ctx context.Context, limit int) (*BackfillResult, error) {
	ids, err := d.repo.ListDetectionPending(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending detections: %w", err)
	}
	var tally detectTally
	if err := d.detectAll(ctx, ids, &tally); err != nil {
		return nil, err
	}

	result := tally.result()
	if len(ids) > 0 {
		logging.FromContext(ctx).WithFields(map[string]interface{}{
			"entities": result.Entities,
			"alerts":   result.Alerts,
			"failed":   result.Failed,
		}).Info("Pending detections swept")
	}
	return result, nil
}

type detectTally struct {
	entities, alerts, failed atomic.Int64
}

func (t *detectTally) result() *BackfillResult {
	return &BackfillResult{Entities: t.entities.Load(), Alerts: t.alerts.Load(), Failed: t.failed.Load()}
}

func (d *MovementDetector) detectAll(ctx context.Context, ids []string, tally *detectTally) error {
	logger := logging.FromContext(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.concurrency)
	for _, id := range ids {
		g.Go(func() error {
			found, err := d.Detect(gctx, id)
			if err != nil {
				if apperrors.IsStorageUnavailable(err) || gctx.Err() != nil {
					return err
				}
				tally.failed.Add(1)
				logger.WithField("entityId", id).WithError(err).Warn("Detection failed")
				return nil
			}
			tally.entities.Add(1)
			for _, a := range found {
				if a.IsActive {
					tally.alerts.Add(1)
				}
			}
			return nil
		})
	}
	return g.Wait()
}
