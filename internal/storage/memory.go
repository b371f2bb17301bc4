package storage

import (
	"context"
	"errors"
	"slices"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	apperrors "github.com/registry-scanner/internal/errors"
	"github.com/registry-scanner/internal/models"
	"github.com/registry-scanner/internal/types"
)

var errMemoryUnavailable = errors.New("memory store marked unavailable")

// MemoryRepository is an in-process Repository. Transactions are serialized and
// rolled back with an undo log.
type MemoryRepository struct {
	mu            sync.Mutex
	entities      map[string]models.Entity
	addresses     map[string][]models.AddressRecord
	nextAddressID int64
	alerts        map[string]map[models.AlertKey]models.MovementAlert
	nextAlertID   int64
	watermarks    map[string]models.SyncWatermark
	gaps          map[string]models.Gap
	runs          map[string]models.SyncRun

	unavailable atomic.Bool
	failMu      sync.RWMutex
	failures    map[string]error
}

// NewMemoryRepository creates an empty in-memory repository
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		entities:   make(map[string]models.Entity),
		addresses:  make(map[string][]models.AddressRecord),
		alerts:     make(map[string]map[models.AlertKey]models.MovementAlert),
		watermarks: make(map[string]models.SyncWatermark),
		gaps:       make(map[string]models.Gap),
		runs:       make(map[string]models.SyncRun),
		failures:   make(map[string]error),
	}
}

// SetUnavailable makes every call fail with a storage-unavailable error
func (r *MemoryRepository) SetUnavailable(v bool) {
	r.unavailable.Store(v)
}

// FailOn makes the named operation return err. A nil err clears the failure.
func (r *MemoryRepository) FailOn(op string, err error) {
	r.failMu.Lock()
	defer r.failMu.Unlock()
	if err == nil {
		delete(r.failures, op)
		return
	}
	r.failures[op] = err
}

func (r *MemoryRepository) check(op string) error {
	if r.unavailable.Load() {
		return apperrors.NewStorageUnavailableError(op, errMemoryUnavailable)
	}
	r.failMu.RLock()
	defer r.failMu.RUnlock()
	return r.failures[op]
}

// WithTx runs fn in a transaction, undoing its writes if fn fails
func (r *MemoryRepository) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := r.check("WithTx"); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	tx := &memoryTx{repo: r}
	if err := fn(tx); err != nil {
		for i := len(tx.undo) - 1; i >= 0; i-- {
			tx.undo[i]()
		}
		return err
	}
	return nil
}

func (r *MemoryRepository) Ping(ctx context.Context) error {
	return r.check("Ping")
}

func (r *MemoryRepository) GetEntity(ctx context.Context, entityID string) (*models.Entity, error) {
	if err := r.check("GetEntity"); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.getEntity(entityID)
}

func (r *MemoryRepository) getEntity(entityID string) (*models.Entity, error) {
	e, ok := r.entities[entityID]
	if !ok {
		return nil, ErrNotFound
	}
	return &e, nil
}

// ListEntitiesByJurisdiction returns entities whose current business address, or postal
// address when no business address exists, lies in the jurisdiction
func (r *MemoryRepository) ListEntitiesByJurisdiction(ctx context.Context, jurisdiction string) ([]models.Entity, error) {
	if err := r.check("ListEntitiesByJurisdiction"); err != nil {
		return nil, err
	}
	jurisdiction = strings.ToUpper(strings.TrimSpace(jurisdiction))

	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]models.Entity, 0)
	for id, e := range r.entities {
		if locatedIn(r.addresses[id], jurisdiction) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	return out, nil
}

func locatedIn(records []models.AddressRecord, jurisdiction string) bool {
	var postal string
	for _, rec := range records {
		if !rec.IsCurrent {
			continue
		}
		switch rec.Kind {
		case types.AddressBusiness:
			return rec.JurisdictionID == jurisdiction
		default:
			postal = rec.JurisdictionID
		}
	}
	return postal != "" && postal == jurisdiction
}

func (r *MemoryRepository) ListEntityIDs(ctx context.Context, afterID string, limit int) ([]string, error) {
	if err := r.check("ListEntityIDs"); err != nil {
		return nil, err
	}
	r.mu.Lock()
	ids := make([]string, 0, len(r.entities))
	for id := range r.entities {
		if id > afterID {
			ids = append(ids, id)
		}
	}
	r.mu.Unlock()

	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

// ListDetectionPending returns up to limit entities flagged for alert rebuild, by ID
func (r *MemoryRepository) ListDetectionPending(ctx context.Context, limit int) ([]string, error) {
	if err := r.check("ListDetectionPending"); err != nil {
		return nil, err
	}
	r.mu.Lock()
	ids := make([]string, 0)
	for id, e := range r.entities {
		if e.DetectionPending {
			ids = append(ids, id)
		}
	}
	r.mu.Unlock()

	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (r *MemoryRepository) GetAddressHistory(ctx context.Context, entityID string) ([]models.AddressRecord, error) {
	if err := r.check("GetAddressHistory"); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.history(entityID), nil
}

func (r *MemoryRepository) history(entityID string) []models.AddressRecord {
	out := slices.Clone(r.addresses[entityID])
	sortHistory(out)
	return out
}

func sortHistory(records []models.AddressRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		if !records[i].ValidFrom.Equal(records[j].ValidFrom) {
			return records[i].ValidFrom.Before(records[j].ValidFrom)
		}
		return records[i].ID < records[j].ID
	})
}

func (r *MemoryRepository) ListAlertsByJurisdiction(ctx context.Context, jurisdiction string) ([]models.MovementAlert, error) {
	if err := r.check("ListAlertsByJurisdiction"); err != nil {
		return nil, err
	}
	jurisdiction = strings.ToUpper(strings.TrimSpace(jurisdiction))

	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]models.MovementAlert, 0)
	for _, byKey := range r.alerts {
		for _, a := range byKey {
			if a.IsActive && (a.FromJurisdiction == jurisdiction || a.ToJurisdiction == jurisdiction) {
				out = append(out, cloneAlert(a))
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *MemoryRepository) ListAlertsForEntity(ctx context.Context, entityID string) ([]models.MovementAlert, error) {
	if err := r.check("ListAlertsForEntity"); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.alertsFor(entityID), nil
}

func (r *MemoryRepository) alertsFor(entityID string) []models.MovementAlert {
	out := make([]models.MovementAlert, 0, len(r.alerts[entityID]))
	for _, a := range r.alerts[entityID] {
		out = append(out, cloneAlert(a))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func cloneAlert(a models.MovementAlert) models.MovementAlert {
	a.Evidence = slices.Clone(a.Evidence)
	return a
}

func (r *MemoryRepository) GetWatermark(ctx context.Context, partitionKey string) (*models.SyncWatermark, error) {
	if err := r.check("GetWatermark"); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	wm, ok := r.watermarks[partitionKey]
	if !ok {
		return nil, ErrNotFound
	}
	return &wm, nil
}

func (r *MemoryRepository) ListWatermarks(ctx context.Context, jurisdiction string) ([]models.SyncWatermark, error) {
	if err := r.check("ListWatermarks"); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]models.SyncWatermark, 0)
	for key, wm := range r.watermarks {
		if jurisdiction == "" || JurisdictionOfKey(key) == jurisdiction {
			out = append(out, wm)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PartitionKey < out[j].PartitionKey })
	return out, nil
}

func (r *MemoryRepository) SetWatermark(ctx context.Context, wm *models.SyncWatermark) error {
	if err := r.check("SetWatermark"); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.watermarks[wm.PartitionKey] = *wm
	return nil
}

func (r *MemoryRepository) SaveGaps(ctx context.Context, gaps []models.Gap) error {
	if err := r.check("SaveGaps"); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, g := range gaps {
		r.gaps[g.ID] = g
	}
	return nil
}

func (r *MemoryRepository) ListOpenGaps(ctx context.Context, limit int) ([]models.Gap, error) {
	if err := r.check("ListOpenGaps"); err != nil {
		return nil, err
	}
	r.mu.Lock()
	out := make([]models.Gap, 0)
	for _, g := range r.gaps {
		if !g.Resolved {
			out = append(out, g)
		}
	}
	r.mu.Unlock()

	// newest ranges first, then densest, matching the gap-fill queue
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Partition.To.Equal(out[j].Partition.To) {
			return out[i].Partition.To.After(out[j].Partition.To)
		}
		if out[i].EstimatedRecords != out[j].EstimatedRecords {
			return out[i].EstimatedRecords > out[j].EstimatedRecords
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRepository) ResolveGap(ctx context.Context, gapID string) error {
	if err := r.check("ResolveGap"); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.gaps[gapID]
	if !ok {
		return ErrNotFound
	}
	g.Resolved = true
	r.gaps[gapID] = g
	return nil
}

func (r *MemoryRepository) RecordGapAttempt(ctx context.Context, gapID string) error {
	if err := r.check("RecordGapAttempt"); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.gaps[gapID]
	if !ok {
		return ErrNotFound
	}
	g.Attempts++
	r.gaps[gapID] = g
	return nil
}

func (r *MemoryRepository) SaveRun(ctx context.Context, run *models.SyncRun) error {
	if err := r.check("SaveRun"); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs[run.ID] = cloneRun(*run)
	return nil
}

func (r *MemoryRepository) GetRun(ctx context.Context, runID string) (*models.SyncRun, error) {
	if err := r.check("GetRun"); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[runID]
	if !ok {
		return nil, ErrNotFound
	}
	run = cloneRun(run)
	return &run, nil
}

func cloneRun(run models.SyncRun) models.SyncRun {
	run.FailedPartitions = slices.Clone(run.FailedPartitions)
	run.Gaps = slices.Clone(run.Gaps)
	run.Domain.Jurisdictions = slices.Clone(run.Domain.Jurisdictions)
	return run
}

// memoryTx applies writes directly while holding the repository lock and records how to undo them
type memoryTx struct {
	repo *MemoryRepository
	undo []func()
}

func (t *memoryTx) LockEntity(ctx context.Context, entityID string) error {
	return t.repo.check("LockEntity")
}

func (t *memoryTx) GetEntity(ctx context.Context, entityID string) (*models.Entity, error) {
	if err := t.repo.check("GetEntity"); err != nil {
		return nil, err
	}
	return t.repo.getEntity(entityID)
}

func (t *memoryTx) UpsertEntity(ctx context.Context, e *models.Entity) error {
	if err := t.repo.check("UpsertEntity"); err != nil {
		return err
	}
	prev, existed := t.repo.entities[e.EntityID]
	t.undo = append(t.undo, func() {
		if existed {
			t.repo.entities[e.EntityID] = prev
		} else {
			delete(t.repo.entities, e.EntityID)
		}
	})
	stored := *e
	if stored.BankruptcyDate == nil && existed {
		stored.BankruptcyDate = prev.BankruptcyDate
	}
	t.repo.entities[e.EntityID] = stored
	return nil
}

func (t *memoryTx) SetDetectionPending(ctx context.Context, entityID string, pending bool) error {
	if err := t.repo.check("SetDetectionPending"); err != nil {
		return err
	}
	prev, ok := t.repo.entities[entityID]
	if !ok {
		return ErrNotFound
	}
	t.undo = append(t.undo, func() { t.repo.entities[entityID] = prev })
	updated := prev
	updated.DetectionPending = pending
	t.repo.entities[entityID] = updated
	return nil
}

func (t *memoryTx) CurrentAddresses(ctx context.Context, entityID string) ([]models.AddressRecord, error) {
	if err := t.repo.check("CurrentAddresses"); err != nil {
		return nil, err
	}
	out := make([]models.AddressRecord, 0, 2)
	for _, rec := range t.repo.addresses[entityID] {
		if rec.IsCurrent {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (t *memoryTx) CloseAddressRecord(ctx context.Context, recordID int64, validTo time.Time) error {
	if err := t.repo.check("CloseAddressRecord"); err != nil {
		return err
	}
	for entityID, records := range t.repo.addresses {
		for i, rec := range records {
			if rec.ID != recordID {
				continue
			}
			prev := rec
			t.undo = append(t.undo, func() { t.repo.addresses[entityID][i] = prev })

			vt := validTo
			records[i].ValidTo = &vt
			records[i].IsCurrent = false
			return nil
		}
	}
	return ErrNotFound
}

func (t *memoryTx) InsertAddressRecord(ctx context.Context, rec *models.AddressRecord) error {
	if err := t.repo.check("InsertAddressRecord"); err != nil {
		return err
	}
	if rec.IsCurrent {
		current := 0
		for _, existing := range t.repo.addresses[rec.EntityID] {
			if existing.IsCurrent && existing.Kind == rec.Kind {
				current++
			}
		}
		if current > 0 {
			return apperrors.NewMergeConflictError(rec.EntityID, rec.Kind, current+1)
		}
	}

	t.repo.nextAddressID++
	rec.ID = t.repo.nextAddressID
	entityID := rec.EntityID
	t.repo.addresses[entityID] = append(t.repo.addresses[entityID], *rec)
	t.undo = append(t.undo, func() {
		records := t.repo.addresses[entityID]
		t.repo.addresses[entityID] = records[:len(records)-1]
		if len(t.repo.addresses[entityID]) == 0 {
			delete(t.repo.addresses, entityID)
		}
	})
	return nil
}

func (t *memoryTx) GetAddressHistory(ctx context.Context, entityID string) ([]models.AddressRecord, error) {
	if err := t.repo.check("GetAddressHistory"); err != nil {
		return nil, err
	}
	return t.repo.history(entityID), nil
}

func (t *memoryTx) UpsertMovementAlert(ctx context.Context, a *models.MovementAlert) error {
	if err := t.repo.check("UpsertMovementAlert"); err != nil {
		return err
	}
	byKey, ok := t.repo.alerts[a.EntityID]
	if !ok {
		byKey = make(map[models.AlertKey]models.MovementAlert)
		t.repo.alerts[a.EntityID] = byKey
	}
	key := a.Key()
	prev, existed := byKey[key]
	t.undo = append(t.undo, func() {
		if existed {
			byKey[key] = prev
		} else {
			delete(byKey, key)
		}
	})

	stored := cloneAlert(*a)
	if existed {
		stored.ID = prev.ID
		stored.DetectedAt = prev.DetectedAt
	} else {
		t.repo.nextAlertID++
		stored.ID = t.repo.nextAlertID
		if stored.DetectedAt.IsZero() {
			stored.DetectedAt = time.Now().UTC()
		}
	}
	byKey[key] = stored
	a.ID = stored.ID
	a.DetectedAt = stored.DetectedAt
	return nil
}

func (t *memoryTx) DeactivateAlertsExcept(ctx context.Context, entityID string, keep []models.AlertKey) (int, error) {
	if err := t.repo.check("DeactivateAlertsExcept"); err != nil {
		return 0, err
	}
	n := 0
	byKey := t.repo.alerts[entityID]
	for key, a := range byKey {
		if !a.IsActive || slices.Contains(keep, key) {
			continue
		}
		prev := a
		t.undo = append(t.undo, func() { byKey[key] = prev })
		a.IsActive = false
		a.UpdatedAt = time.Now().UTC()
		byKey[key] = a
		n++
	}
	return n, nil
}

func (t *memoryTx) GetWatermark(ctx context.Context, partitionKey string) (*models.SyncWatermark, error) {
	if err := t.repo.check("GetWatermark"); err != nil {
		return nil, err
	}
	wm, ok := t.repo.watermarks[partitionKey]
	if !ok {
		return nil, ErrNotFound
	}
	return &wm, nil
}

func (t *memoryTx) SetWatermark(ctx context.Context, wm *models.SyncWatermark) error {
	if err := t.repo.check("SetWatermark"); err != nil {
		return err
	}
	prev, existed := t.repo.watermarks[wm.PartitionKey]
	key := wm.PartitionKey
	t.undo = append(t.undo, func() {
		if existed {
			t.repo.watermarks[key] = prev
		} else {
			delete(t.repo.watermarks, key)
		}
	})
	t.repo.watermarks[key] = *wm
	return nil
}
