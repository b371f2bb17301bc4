package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/registry-scanner/internal/models"
)

// ErrNotFound is returned by single-row lookups that match nothing
var ErrNotFound = errors.New("not found")

// Repository is the durable store of entities, address timelines, alerts and sync progress.
// Writes that must be atomic go through WithTx.
type Repository interface {
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	GetEntity(ctx context.Context, entityID string) (*models.Entity, error)
	ListEntitiesByJurisdiction(ctx context.Context, jurisdiction string) ([]models.Entity, error)
	ListEntityIDs(ctx context.Context, afterID string, limit int) ([]string, error)
	ListDetectionPending(ctx context.Context, limit int) ([]string, error)
	GetAddressHistory(ctx context.Context, entityID string) ([]models.AddressRecord, error)
	ListAlertsByJurisdiction(ctx context.Context, jurisdiction string) ([]models.MovementAlert, error)
	ListAlertsForEntity(ctx context.Context, entityID string) ([]models.MovementAlert, error)

	GetWatermark(ctx context.Context, partitionKey string) (*models.SyncWatermark, error)
	ListWatermarks(ctx context.Context, jurisdiction string) ([]models.SyncWatermark, error)
	SetWatermark(ctx context.Context, wm *models.SyncWatermark) error

	SaveGaps(ctx context.Context, gaps []models.Gap) error
	ListOpenGaps(ctx context.Context, limit int) ([]models.Gap, error)
	ResolveGap(ctx context.Context, gapID string) error
	RecordGapAttempt(ctx context.Context, gapID string) error

	SaveRun(ctx context.Context, run *models.SyncRun) error
	GetRun(ctx context.Context, runID string) (*models.SyncRun, error)

	Ping(ctx context.Context) error
}

// Tx is a unit of work. All calls run inside one transaction.
type Tx interface {
	// LockEntity serializes writers of one entity until the transaction ends
	LockEntity(ctx context.Context, entityID string) error

	GetEntity(ctx context.Context, entityID string) (*models.Entity, error)
	// UpsertEntity never clears a stored bankruptcy date
	UpsertEntity(ctx context.Context, e *models.Entity) error
	SetDetectionPending(ctx context.Context, entityID string, pending bool) error

	CurrentAddresses(ctx context.Context, entityID string) ([]models.AddressRecord, error)
	CloseAddressRecord(ctx context.Context, recordID int64, validTo time.Time) error
	InsertAddressRecord(ctx context.Context, r *models.AddressRecord) error
	GetAddressHistory(ctx context.Context, entityID string) ([]models.AddressRecord, error)

	UpsertMovementAlert(ctx context.Context, a *models.MovementAlert) error
	DeactivateAlertsExcept(ctx context.Context, entityID string, keep []models.AlertKey) (int, error)

	GetWatermark(ctx context.Context, partitionKey string) (*models.SyncWatermark, error)
	SetWatermark(ctx context.Context, wm *models.SyncWatermark) error
}

// JurisdictionOfKey extracts the jurisdiction prefix of a partition key
func JurisdictionOfKey(partitionKey string) string {
	j, _, _ := strings.Cut(partitionKey, "|")
	return j
}
