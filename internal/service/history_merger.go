package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	apperrors "github.com/registry-scanner/internal/errors"
	"github.com/registry-scanner/internal/logging"
	"github.com/registry-scanner/internal/metrics"
	"github.com/registry-scanner/internal/models"
	"github.com/registry-scanner/internal/storage"
	"github.com/registry-scanner/internal/types"
)

// MergeResult describes what a merge changed
type MergeResult struct {
	EntityID      string
	IsNew         bool
	EntityChanged bool
	// StatusChanged is also set when a bankruptcy date is learned
	StatusChanged       bool
	ChangedAddressKinds []types.AddressKind
	// DetectionPending means an earlier detection for this entity never completed
	DetectionPending bool
}

// NeedsDetection reports whether the entity's movement alerts may have changed
// or were never rebuilt after an earlier change
func (r *MergeResult) NeedsDetection() bool {
	return r.timelineChanged() || r.DetectionPending
}

func (r *MergeResult) timelineChanged() bool {
	return len(r.ChangedAddressKinds) > 0 || r.StatusChanged
}

// Snapshot is a normalized entity with its observed current addresses
type Snapshot struct {
	Entity    models.Entity
	Addresses []models.AddressRecord
}

// HistoryMergerConfig configures the merger
type HistoryMergerConfig struct {
	ConflictRetryDelay time.Duration
	Concurrency        int
}

// HistoryMerger folds normalized snapshots into the stored entity and its address timeline.
// Writers of one entity are serialized in process and, through the repository, across processes.
type HistoryMerger struct {
	repo    storage.Repository
	locks   *entityLocks
	cfg     HistoryMergerConfig
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewHistoryMerger creates a new history merger
func NewHistoryMerger(repo storage.Repository, cfg HistoryMergerConfig, m *metrics.Metrics) *HistoryMerger {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	return &HistoryMerger{
		repo:    repo,
		locks:   newEntityLocks(),
		cfg:     cfg,
		metrics: m,
		now:     time.Now,
	}
}

// WithClock replaces the merger's time source
func (m *HistoryMerger) WithClock(now func() time.Time) *HistoryMerger {
	m.now = now
	return m
}

// Merge applies one snapshot atomically. A merge conflict is retried once after
// ConflictRetryDelay; a second conflict is returned to the caller.
func (m *HistoryMerger) Merge(ctx context.Context, entity models.Entity, addresses []models.AddressRecord) (*MergeResult, error) {
	logger := logging.FromContext(ctx).WithField("entityId", entity.EntityID)

	unlock := m.locks.Lock(entity.EntityID)
	defer unlock()

	result, err := m.mergeOnce(ctx, entity, addresses)
	if err != nil && apperrors.IsMergeConflict(err) {
		m.metrics.Merge("conflict")
		logger.WithError(err).Warn("Merge conflict, retrying once")

		timer := time.NewTimer(m.cfg.ConflictRetryDelay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}

		result, err = m.mergeOnce(ctx, entity, addresses)
		if err != nil && apperrors.IsMergeConflict(err) {
			m.metrics.Merge("conflict_unresolved")
			logger.WithError(err).Error("Merge conflict persisted, entity needs manual reconciliation")
			return nil, err
		}
	}
	if err != nil {
		m.metrics.Merge("error")
		return nil, err
	}

	switch {
	case result.IsNew:
		m.metrics.Merge("created")
	case result.EntityChanged || len(result.ChangedAddressKinds) > 0:
		m.metrics.Merge("updated")
	default:
		m.metrics.Merge("unchanged")
	}
	for _, kind := range result.ChangedAddressKinds {
		m.metrics.AddressChange(string(kind))
	}
	return result, nil
}

func (m *HistoryMerger) mergeOnce(ctx context.Context, entity models.Entity, addresses []models.AddressRecord) (*MergeResult, error) {
	now := m.now().UTC()
	result := &MergeResult{EntityID: entity.EntityID}

	err := m.repo.WithTx(ctx, func(tx storage.Tx) error {
		if err := tx.LockEntity(ctx, entity.EntityID); err != nil {
			return err
		}

		if err := m.upsertEntity(ctx, tx, entity, now, result); err != nil {
			return err
		}

		current, err := tx.CurrentAddresses(ctx, entity.EntityID)
		if err != nil {
			return fmt.Errorf("failed to load current addresses: %w", err)
		}
		byKind := make(map[types.AddressKind]models.AddressRecord, len(current))
		for _, rec := range current {
			if _, dup := byKind[rec.Kind]; dup {
				return apperrors.NewMergeConflictError(entity.EntityID, rec.Kind, countKind(current, rec.Kind))
			}
			byKind[rec.Kind] = rec
		}

		seen := make(map[types.AddressKind]bool, len(addresses))
		for _, incoming := range addresses {
			if !incoming.Kind.IsValid() || seen[incoming.Kind] {
				continue
			}
			seen[incoming.Kind] = true

			prev, ok := byKind[incoming.Kind]
			if ok && prev.SameLocation(incoming) {
				continue
			}

			validFrom := now
			if ok {
				if validFrom.Before(prev.ValidFrom) {
					validFrom = prev.ValidFrom
				}
				if err := tx.CloseAddressRecord(ctx, prev.ID, validFrom); err != nil {
					return fmt.Errorf("failed to close address record %d: %w", prev.ID, err)
				}
			} else if result.IsNew && entity.RegistrationDate != nil && entity.RegistrationDate.Before(now) {
				validFrom = entity.RegistrationDate.UTC()
			}

			rec := incoming
			rec.ID = 0
			rec.EntityID = entity.EntityID
			rec.ValidFrom = validFrom
			rec.ValidTo = nil
			rec.IsCurrent = true
			if err := tx.InsertAddressRecord(ctx, &rec); err != nil {
				if apperrors.IsMergeConflict(err) {
					return err
				}
				return fmt.Errorf("failed to insert address record: %w", err)
			}
			result.ChangedAddressKinds = append(result.ChangedAddressKinds, incoming.Kind)
		}

		if len(result.ChangedAddressKinds) > 0 {
			after, err := tx.CurrentAddresses(ctx, entity.EntityID)
			if err != nil {
				return fmt.Errorf("failed to verify current addresses: %w", err)
			}
			for _, kind := range result.ChangedAddressKinds {
				if n := countKind(after, kind); n != 1 {
					return apperrors.NewMergeConflictError(entity.EntityID, kind, n)
				}
			}
		}

		// committed with the change, cleared only by a completed detection
		if result.timelineChanged() && !result.DetectionPending {
			if err := tx.SetDetectionPending(ctx, entity.EntityID, true); err != nil {
				return fmt.Errorf("failed to flag entity for detection: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (m *HistoryMerger) upsertEntity(ctx context.Context, tx storage.Tx, entity models.Entity, now time.Time, result *MergeResult) error {
	existing, err := tx.GetEntity(ctx, entity.EntityID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("failed to load entity: %w", err)
	}

	stored := entity
	stored.LastSeenAt = now
	stored.UpdatedAt = now

	if existing == nil {
		result.IsNew = true
		stored.FirstSeenAt = now
		if stored.BankruptcyDate == nil && stored.Status == types.StatusBankrupt {
			stored.BankruptcyDate = stored.StatusChangedAt
		}
	} else {
		stored.FirstSeenAt = existing.FirstSeenAt

		if existing.Status != entity.Status {
			result.StatusChanged = true
			if stored.StatusChangedAt == nil {
				stored.StatusChangedAt = &now
			}
		} else if stored.StatusChangedAt == nil {
			stored.StatusChangedAt = existing.StatusChangedAt
		}

		stored.BankruptcyDate = bankruptcyDate(existing, &stored)
		if !sameDate(existing.BankruptcyDate, stored.BankruptcyDate) {
			result.StatusChanged = true
		}

		result.EntityChanged = !existing.SameAttributes(stored)
		if !result.EntityChanged {
			stored.UpdatedAt = existing.UpdatedAt
		}

		stored.DetectionPending = existing.DetectionPending
		result.DetectionPending = existing.DetectionPending
	}

	if err := tx.UpsertEntity(ctx, &stored); err != nil {
		return fmt.Errorf("failed to upsert entity: %w", err)
	}
	return nil
}

// bankruptcyDate prefers an upstream date, then the stored one, so a known date is never
// lost when a later snapshot omits it. Without any date, the time the status turned
// Bankrupt stands in.
func bankruptcyDate(existing, incoming *models.Entity) *time.Time {
	switch {
	case incoming.BankruptcyDate != nil:
		return incoming.BankruptcyDate
	case existing.BankruptcyDate != nil:
		return existing.BankruptcyDate
	case existing.Status == types.StatusBankrupt:
		return existing.StatusChangedAt
	case incoming.Status == types.StatusBankrupt:
		return incoming.StatusChangedAt
	}
	return nil
}

func sameDate(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

func countKind(records []models.AddressRecord, kind types.AddressKind) int {
	n := 0
	for _, rec := range records {
		if rec.Kind == kind {
			n++
		}
	}
	return n
}

// MergeBatch merges snapshots of different entities with bounded concurrency.
// Results are positional; a nil result means that snapshot failed and errs holds why.
// Only context cancellation or storage unavailability is returned as the batch error.
func (m *HistoryMerger) MergeBatch(ctx context.Context, batch []Snapshot) ([]*MergeResult, []error, error) {
	results := make([]*MergeResult, len(batch))
	errs := make([]error, len(batch))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.Concurrency)

	for i, snap := range batch {
		g.Go(func() error {
			res, err := m.Merge(gctx, snap.Entity, snap.Addresses)
			if err != nil {
				errs[i] = err
				if apperrors.IsStorageUnavailable(err) || gctx.Err() != nil {
					return err
				}
				return nil
			}
			results[i] = res
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return results, errs, err
	}
	return results, errs, nil
}
